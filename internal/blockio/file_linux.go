//go:build linux

package blockio

import (
	"path/filepath"

	"github.com/Hara602/blockTracker/internal/model"
	"github.com/Hara602/blockTracker/internal/sysutil"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// FileBackend 真实块设备，按扇区偏移 pwrite/pread
type FileBackend struct {
	fd int
}

func (f *FileBackend) Handle(req *Request) error {
	off := int64(req.Sector) * model.SectorSize
	for _, seg := range req.Segments {
		err := Borrow(seg, func(view []byte) error {
			for len(view) > 0 {
				var n int
				var err error
				if req.IsWrite() {
					n, err = unix.Pwrite(f.fd, view, off)
				} else {
					n, err = unix.Pread(f.fd, view, off)
				}
				if err != nil {
					return errors.Wrapf(err, "%s at offset %d", req.Op, off)
				}
				if n == 0 {
					return errors.Errorf("%s at offset %d: end of device", req.Op, off)
				}
				view = view[n:]
				off += int64(n)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (f *FileBackend) Close() error {
	if f.fd < 0 {
		return nil
	}
	err := unix.Close(f.fd)
	f.fd = -1
	return err
}

// OpenFile 打开 devPath 指向的块设备
func OpenFile(devPath string) (*Device, error) {
	major, minor, err := sysutil.DeviceNumber(devPath)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Open(devPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", devPath)
	}
	name := devPath
	if resolved, err := filepath.EvalSymlinks(devPath); err == nil {
		name = resolved
	}
	return NewDevice(DeviceID{Major: major, Minor: minor}, filepath.Base(name), devPath, &FileBackend{fd: fd}), nil
}
