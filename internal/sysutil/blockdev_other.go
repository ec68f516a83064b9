//go:build !linux

package sysutil

import "github.com/pkg/errors"

type BlockInfo struct {
	Name      string
	Sectors   uint64
	Removable bool
	ReadOnly  bool
}

func DeviceNumber(devPath string) (major, minor uint32, err error) {
	return 0, 0, errors.Errorf("%s: block devices are only supported on linux", devPath)
}

func ReadBlockInfo(name string) BlockInfo { return BlockInfo{Name: name} }

func MountPoint(devPath string) string { return "" }
