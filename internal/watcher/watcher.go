// Package watcher 监听块设备的热插拔事件，被拔出的设备自动停止追踪。
package watcher

import (
	"context"
	"strings"
	"time"

	"github.com/Hara602/blockTracker/internal/model"
	"github.com/Hara602/blockTracker/internal/sysutil"
	"go.uber.org/zap"
)

// DeviceWatcher 定义接口
type DeviceWatcher interface {
	Start() (<-chan model.DeviceEvent, error)
	Stop()
}

func New() DeviceWatcher {
	return newWatcher()
}

// parseEvent 只关心 block 子系统的 disk/partition
func parseEvent(action string, env map[string]string, now time.Time) (model.DeviceEvent, bool) {
	if env["SUBSYSTEM"] != "block" {
		return model.DeviceEvent{}, false
	}
	devType := env["DEVTYPE"]
	if devType != "disk" && devType != "partition" {
		return model.DeviceEvent{}, false
	}
	if action != "add" && action != "remove" {
		return model.DeviceEvent{}, false
	}
	devName := env["DEVNAME"]
	if devName == "" {
		return model.DeviceEvent{}, false
	}
	// UEvent Env 示例: DEVNAME=sdb1 或 /dev/sdb1
	if !strings.HasPrefix(devName, "/dev/") {
		devName = "/dev/" + devName
	}
	return model.DeviceEvent{Action: action, DevicePath: devName, DevType: devType, TimeStamp: now}, true
}

// Untracker 被拔出的设备要从追踪里去掉
type Untracker interface {
	Tracked(path string) bool
	Remove(path string) error
}

// Follow 消费事件直到 ctx 取消或事件通道关闭
func Follow(ctx context.Context, events <-chan model.DeviceEvent, u Untracker, log *zap.Logger) {
	log = sysutil.Or(log)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			log.Debug("Block device event",
				zap.String("action", ev.Action),
				zap.String("dev", ev.DevicePath),
				zap.String("type", ev.DevType))
			if ev.Action != "remove" || !u.Tracked(ev.DevicePath) {
				continue
			}
			if err := u.Remove(ev.DevicePath); err != nil {
				log.Warn("Failed to untrack unplugged device", zap.String("dev", ev.DevicePath), zap.Error(err))
				continue
			}
			log.Info("Tracked device unplugged", zap.String("dev", ev.DevicePath))
		}
	}
}
