package watcher

import (
	"path/filepath"
	"time"

	"github.com/Hara602/blockTracker/internal/model"
	"github.com/Hara602/blockTracker/internal/sysutil"
	"github.com/pilebones/go-udev/netlink"
	"go.uber.org/zap"
)

type linuxWatcher struct {
	events chan model.DeviceEvent
	stop   chan struct{}
}

func newWatcher() DeviceWatcher {
	return &linuxWatcher{
		events: make(chan model.DeviceEvent, 10),
		stop:   make(chan struct{}),
	}
}

func (w *linuxWatcher) Start() (<-chan model.DeviceEvent, error) {
	// 监听 UDEV 事件,连接 NETLINK_KOBJECT_UEVENT
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		return nil, err
	}
	queue := make(chan netlink.UEvent)
	errChan := make(chan error)

	matcher := &netlink.RuleDefinitions{}
	matcher.AddRule(netlink.RuleDefinition{Env: map[string]string{"SUBSYSTEM": "block"}})
	quit := conn.Monitor(queue, errChan, matcher)

	go func() {
		defer conn.Close()
		defer close(w.events)

		for {
			select {
			case <-w.stop:
				close(quit)
				return

			case err := <-errChan:
				// 忽略底层网络错误，继续监听
				sysutil.Log.Debug("udev monitor error", zap.Error(err))

			case uevent := <-queue:
				w.handleUdevEvent(uevent)
			}
		}
	}()
	return w.events, nil
}

func (w *linuxWatcher) Stop() {
	close(w.stop)
}

func (w *linuxWatcher) handleUdevEvent(uevent netlink.UEvent) {
	ev, ok := parseEvent(string(uevent.Action), uevent.Env, time.Now())
	if !ok {
		return
	}
	if ev.Action == "add" {
		info := sysutil.ReadBlockInfo(filepath.Base(ev.DevicePath))
		sysutil.Log.Info("Block device plugged",
			zap.String("dev", ev.DevicePath),
			zap.Uint64("sectors", info.Sectors),
			zap.Bool("removable", info.Removable))
	}
	select {
	case w.events <- ev:
	case <-w.stop:
	}
}
