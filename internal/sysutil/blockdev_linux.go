//go:build linux

package sysutil

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DeviceNumber 返回块设备文件的主次设备号
func DeviceNumber(devPath string) (major, minor uint32, err error) {
	var st unix.Stat_t
	if err := unix.Stat(devPath, &st); err != nil {
		return 0, 0, errors.Wrapf(err, "stat %s", devPath)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFBLK {
		return 0, 0, errors.Errorf("%s is not a block device", devPath)
	}
	rdev := uint64(st.Rdev)
	return unix.Major(rdev), unix.Minor(rdev), nil
}

// BlockInfo /sys/class/block/<name> 下的属性
type BlockInfo struct {
	Name      string
	Sectors   uint64 // 以 512 字节为单位
	Removable bool
	ReadOnly  bool
}

// ReadBlockInfo 读取 sysfs 属性，单项读取失败不影响其他项
func ReadBlockInfo(name string) BlockInfo {
	sysPath := filepath.Join("/sys/class/block", name)
	info := BlockInfo{Name: name}
	info.Sectors, _ = strconv.ParseUint(readFile(filepath.Join(sysPath, "size")), 10, 64)
	info.ReadOnly = readFile(filepath.Join(sysPath, "ro")) == "1"
	// 分区没有 removable，要看父设备
	removable := readFile(filepath.Join(sysPath, "removable"))
	if removable == "unknown" {
		removable = readFile(filepath.Join(sysPath, "..", "removable"))
	}
	info.Removable = removable == "1"
	return info
}

func readFile(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(b))
}
