package model

import "time"

// DeviceEvent 块设备热插拔事件
type DeviceEvent struct {
	Action     string // "add", "remove"
	DevicePath string // e.g., /dev/sdb
	DevType    string // "disk", "partition"
	TimeStamp  time.Time
}
