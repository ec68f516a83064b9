// Package blockio 是宿主侧的块 I/O 抽象：设备、写请求和统一的提交入口。
// 追踪器只通过这里的接口看到宿主的 I/O。
package blockio

import (
	"fmt"
	"sync"

	"github.com/Hara602/blockTracker/internal/model"
	"github.com/pkg/errors"
)

// DeviceID 主次设备号，设备的唯一身份
type DeviceID struct {
	Major uint32
	Minor uint32
}

func (d DeviceID) String() string { return fmt.Sprintf("%d:%d", d.Major, d.Minor) }

// Handler 设备的请求处理函数
type Handler interface {
	Handle(req *Request) error
}

type HandlerFunc func(req *Request) error

func (f HandlerFunc) Handle(req *Request) error { return f(req) }

// Device 宿主拥有的块设备，handler 可以被替换（按设备拦截模式）
type Device struct {
	id   DeviceID
	name string
	path string

	mu      sync.RWMutex
	handler Handler
}

func NewDevice(id DeviceID, name, path string, h Handler) *Device {
	return &Device{id: id, name: name, path: path, handler: h}
}

func (d *Device) ID() DeviceID { return d.id }
func (d *Device) Name() string { return d.name }
func (d *Device) Path() string { return d.path }

func (d *Device) Handler() Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handler
}

// SwapHandler 换上新的 handler，返回旧的
func (d *Device) SwapHandler(h Handler) Handler {
	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.handler
	d.handler = h
	return old
}

// Handle 交给当前 handler 处理
func (d *Device) Handle(req *Request) error {
	h := d.Handler()
	if h == nil {
		return errors.Wrapf(model.ErrNoDevice, "device %s has no request handler", d.name)
	}
	return h.Handle(req)
}
