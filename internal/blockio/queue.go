package blockio

import (
	"io"
	"sync"

	"github.com/Hara602/blockTracker/internal/model"
	"github.com/pkg/errors"
)

var ErrHookInstalled = errors.New("submission hook already installed")

// SubmitFunc 原始的提交入口
type SubmitFunc func(req *Request) error

// Hook 挂在提交入口上的拦截函数，next 是原始入口
type Hook func(req *Request, next SubmitFunc) error

// Opener 按路径打开宿主设备
type Opener func(path string) (*Device, error)

type Option func(*Queue)

func WithOpener(o Opener) Option {
	return func(q *Queue) { q.opener = o }
}

// Queue 所有设备共用的写提交入口
type Queue struct {
	mu      sync.RWMutex
	devices map[DeviceID]*Device
	paths   map[string]*Device
	hook    Hook
	opener  Opener
}

func NewQueue(opts ...Option) *Queue {
	q := &Queue{
		devices: make(map[DeviceID]*Device),
		paths:   make(map[string]*Device),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Attach 宿主注册一个设备
func (q *Queue) Attach(dev *Device) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.devices[dev.ID()] = dev
	if dev.Path() != "" {
		q.paths[dev.Path()] = dev
	}
}

func (q *Queue) Device(id DeviceID) (*Device, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	dev, ok := q.devices[id]
	return dev, ok
}

// Resolve 按路径找到设备，未注册时尝试用 Opener 打开
func (q *Queue) Resolve(path string) (*Device, error) {
	q.mu.RLock()
	dev, ok := q.paths[path]
	q.mu.RUnlock()
	if ok {
		return dev, nil
	}
	if q.opener == nil {
		return nil, errors.Wrapf(model.ErrNoDevice, "block device %s not found", path)
	}

	opened, err := q.opener(path)
	if err != nil {
		return nil, errors.Wrapf(model.ErrNoDevice, "open %s: %v", path, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	// 同一设备的另一个路径（符号链接等）
	if existing, ok := q.devices[opened.ID()]; ok {
		q.paths[path] = existing
		closeHandler(opened.Handler())
		return existing, nil
	}
	q.devices[opened.ID()] = opened
	q.paths[path] = opened
	return opened, nil
}

// InstallHook 安装拦截函数，重复安装返回 ErrHookInstalled
func (q *Queue) InstallHook(h Hook) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.hook != nil {
		return ErrHookInstalled
	}
	q.hook = h
	return nil
}

// RemoveHook 卸载拦截函数，返回之前是否已安装
func (q *Queue) RemoveHook() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	installed := q.hook != nil
	q.hook = nil
	return installed
}

func (q *Queue) HookInstalled() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.hook != nil
}

// Submit 写提交入口，装了 hook 时先经过 hook
func (q *Queue) Submit(req *Request) error {
	q.mu.RLock()
	hook := q.hook
	q.mu.RUnlock()
	if hook != nil {
		return hook(req, q.dispatch)
	}
	return q.dispatch(req)
}

func (q *Queue) dispatch(req *Request) error {
	dev, ok := q.Device(req.Device)
	if !ok {
		return errors.Wrapf(model.ErrNoDevice, "no device %s", req.Device)
	}
	return dev.Handle(req)
}

// Close 关闭所有设备的后端
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var firstErr error
	for id, dev := range q.devices {
		if err := closeHandler(dev.Handler()); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(q.devices, id)
	}
	q.paths = make(map[string]*Device)
	return firstErr
}

func closeHandler(h Handler) error {
	if c, ok := h.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
