//go:build linux

package sysutil

import (
	"bufio"
	"os"
	"strings"
)

// MountPoint 在 /proc/mounts 中查找设备的挂载点，未挂载返回空串
func MountPoint(devPath string) string {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[0] == devPath {
			return fields[1]
		}
	}
	return ""
}
