// Package intercept 把宿主的写提交路径引到变更提取器，之后总是把原请求交还给原目的地。
//
// 两种模式：
//   - global: 在 blockio.Queue 的统一入口上装一个 hook，所有请求都经过它；
//   - per-device: 注册时把设备的 handler 换成追踪 handler，原 handler 保存在 TrackedDevice.Next，
//     移除时换回。
package intercept

import (
	"sync"

	"github.com/Hara602/blockTracker/internal/blockio"
	"github.com/Hara602/blockTracker/internal/model"
	"github.com/Hara602/blockTracker/internal/registry"
	"github.com/Hara602/blockTracker/internal/sysutil"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Mode string

const (
	ModeGlobal    Mode = "global"
	ModePerDevice Mode = "per-device"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeGlobal, ModePerDevice:
		return Mode(s), nil
	case "":
		return ModeGlobal, nil
	}
	return "", errors.Errorf("unknown interception mode %q", s)
}

// Capturer 变更提取器
type Capturer interface {
	Capture(dev *blockio.Device, req *blockio.Request) error
}

type Interceptor struct {
	mode  Mode
	queue *blockio.Queue
	reg   *registry.Registry
	capt  Capturer
	log   *zap.Logger

	mu        sync.Mutex
	installed bool // global 模式下 hook 是否已装
	attached  int  // per-device 模式下已替换 handler 的设备数
}

func New(mode Mode, queue *blockio.Queue, reg *registry.Registry, c Capturer, log *zap.Logger) *Interceptor {
	return &Interceptor{mode: mode, queue: queue, reg: reg, capt: c, log: sysutil.Or(log)}
}

func (i *Interceptor) Mode() Mode { return i.mode }

// Installed 当前是否有拦截生效
func (i *Interceptor) Installed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.mode == ModeGlobal {
		return i.installed
	}
	return i.attached > 0
}

// Install 为 dev 建立拦截。per-device 模式返回被替换下来的原 handler
func (i *Interceptor) Install(dev *blockio.Device) (blockio.Handler, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.mode == ModeGlobal {
		if i.installed {
			return nil, nil
		}
		if err := i.queue.InstallHook(i.hook); err != nil {
			return nil, errors.Wrapf(model.ErrInstall, "install submission hook: %v", err)
		}
		i.installed = true
		i.log.Info("Submission hook installed")
		return nil, nil
	}

	next := dev.Handler()
	if next == nil {
		return nil, errors.Wrapf(model.ErrInstall, "device %s has no request handler", dev.Name())
	}
	if _, ok := next.(*tracer); ok {
		return nil, errors.Wrapf(model.ErrInstall, "device %s is already intercepted", dev.Name())
	}
	dev.SwapHandler(&tracer{i: i, next: next})
	i.attached++
	i.log.Info("Request handler replaced", zap.String("device", dev.Name()))
	return next, nil
}

// Uninstall 撤销 td 的拦截。global 模式在最后一个设备移除后卸载 hook
func (i *Interceptor) Uninstall(td *registry.TrackedDevice) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.mode == ModeGlobal {
		if i.installed && i.reg.Len() == 0 {
			i.queue.RemoveHook()
			i.installed = false
			i.log.Info("Submission hook removed")
		}
		return
	}

	if td.Next == nil {
		return
	}
	td.Device.SwapHandler(td.Next)
	i.attached--
	i.log.Info("Request handler restored", zap.String("device", td.Device.Name()))
}

// Shutdown 卸载 global hook
func (i *Interceptor) Shutdown() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.mode == ModeGlobal && i.installed {
		i.queue.RemoveHook()
		i.installed = false
	}
}

// hook global 模式的入口。无论是否追踪、提取成败，原请求都只下发一次
func (i *Interceptor) hook(req *blockio.Request, next blockio.SubmitFunc) error {
	if req.IsWrite() {
		var dev *blockio.Device
		i.reg.ForEach(func(td *registry.TrackedDevice) bool {
			if td.Device.ID() == req.Device {
				dev = td.Device
				return false
			}
			return true
		})
		if dev != nil {
			i.capture(dev, req)
		}
	}
	return next(req)
}

// capture 提取失败或 panic 都不能影响宿主 I/O
func (i *Interceptor) capture(dev *blockio.Device, req *blockio.Request) {
	defer func() {
		if r := recover(); r != nil {
			i.log.Error("Change extraction panicked",
				zap.String("device", dev.Name()),
				zap.Any("panic", r))
		}
	}()
	if err := i.capt.Capture(dev, req); err != nil {
		i.log.Debug("Write request not captured",
			zap.String("device", dev.Name()),
			zap.Uint64("sector", req.Sector),
			zap.Error(err))
	}
}

// tracer per-device 模式下替换进设备的 handler
type tracer struct {
	i    *Interceptor
	next blockio.Handler
}

func (t *tracer) Handle(req *blockio.Request) error {
	next := t.next
	if td, ok := t.i.reg.Lookup(req.Device); ok {
		if req.IsWrite() {
			t.i.capture(td.Device, req)
		}
		if td.Next != nil {
			next = td.Next
		}
	}
	return next.Handle(req)
}
