// Package registry 记录当前被追踪的块设备。
package registry

import (
	"sync"

	"github.com/Hara602/blockTracker/internal/blockio"
	"github.com/Hara602/blockTracker/internal/model"
	"github.com/pkg/errors"
)

// TrackedDevice 被追踪的设备。Next 只在按设备拦截模式下有值，移除时用来恢复原 handler
type TrackedDevice struct {
	Device *blockio.Device
	Path   string
	Next   blockio.Handler
}

// Registry 同一设备最多一条记录；拦截路径每次写都会读，控制面异步修改
type Registry struct {
	mu      sync.RWMutex
	entries []*TrackedDevice
}

func New() *Registry {
	return &Registry{}
}

// Register 已存在时返回 ErrAlreadyTracked，不做修改
func (r *Registry) Register(td *TrackedDevice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexLocked(td.Device.ID()) != -1 {
		return errors.Wrapf(model.ErrAlreadyTracked, "device %s", td.Device.Name())
	}
	r.entries = append(r.entries, td)
	return nil
}

// Unregister 移除并返回记录，调用方据此撤销拦截
func (r *Registry) Unregister(id blockio.DeviceID) (*TrackedDevice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.indexLocked(id)
	if idx == -1 {
		return nil, errors.Wrapf(model.ErrNotFound, "device %s", id)
	}
	td := r.entries[idx]
	r.entries = append(r.entries[:idx], r.entries[idx+1:]...)
	return td, nil
}

func (r *Registry) Lookup(id blockio.DeviceID) (*TrackedDevice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx := r.indexLocked(id)
	if idx == -1 {
		return nil, false
	}
	return r.entries[idx], true
}

func (r *Registry) Contains(id blockio.DeviceID) bool {
	_, ok := r.Lookup(id)
	return ok
}

// ForEach 在读锁下遍历，visit 返回 false 时停止
func (r *Registry) ForEach(visit func(td *TrackedDevice) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, td := range r.entries {
		if !visit(td) {
			return
		}
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot 当前记录的拷贝
func (r *Registry) Snapshot() []*TrackedDevice {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*TrackedDevice, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *Registry) indexLocked(id blockio.DeviceID) int {
	for i, td := range r.entries {
		if td.Device.ID() == id {
			return i
		}
	}
	return -1
}
