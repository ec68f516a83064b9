package blockio

import (
	"sync"

	"github.com/Hara602/blockTracker/internal/model"
)

// MemDiskMajor 内存盘的主设备号，取自本地/实验用范围
const MemDiskMajor = 240

// AttachMemDisk 在 q 上挂一块按需增长的内存盘，路径为 /dev/<name>。
// 没有真实块设备或没有 root 权限时，agent 用它充当宿主设备。
func (q *Queue) AttachMemDisk(name string) *Device {
	q.mu.Lock()
	defer q.mu.Unlock()
	var minor uint32
	for id := range q.devices {
		if id.Major == MemDiskMajor && id.Minor >= minor {
			minor = id.Minor + 1
		}
	}
	dev := NewDevice(DeviceID{Major: MemDiskMajor, Minor: minor}, name, "/dev/"+name, NewMemBackend(0))
	q.devices[dev.ID()] = dev
	q.paths[dev.Path()] = dev
	return dev
}

// MemBackend 内存中的设备，写入按扇区偏移落盘到 data
type MemBackend struct {
	mu     sync.Mutex
	data   []byte
	writes int
	reads  int
}

func NewMemBackend(size int) *MemBackend {
	return &MemBackend{data: make([]byte, size)}
}

func (m *MemBackend) Handle(req *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	off := int(req.Sector) * model.SectorSize
	if end := off + req.Size(); end > len(m.data) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	if req.IsWrite() {
		m.writes++
	} else {
		m.reads++
	}
	for _, seg := range req.Segments {
		err := Borrow(seg, func(view []byte) error {
			if req.IsWrite() {
				off += copy(m.data[off:], view)
			} else {
				off += copy(view, m.data[off:])
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Bytes 返回 [off, off+n) 的拷贝
func (m *MemBackend) Bytes(off, n int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, n)
	if off < len(m.data) {
		copy(out, m.data[off:])
	}
	return out
}

// Writes 已处理的写请求数
func (m *MemBackend) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *MemBackend) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}
