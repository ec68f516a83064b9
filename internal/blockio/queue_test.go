package blockio

import (
	"bytes"
	"testing"

	"github.com/Hara602/blockTracker/internal/model"
	"github.com/pkg/errors"
)

type countingSegment struct {
	data     []byte
	mapped   int
	released int
}

func (s *countingSegment) Len() int { return len(s.data) }

func (s *countingSegment) Map() ([]byte, func(), error) {
	s.mapped++
	return s.data, func() { s.released++ }, nil
}

func TestBorrowReleasesOnError(t *testing.T) {
	seg := &countingSegment{data: []byte("abc")}
	want := errors.New("copy failed")

	err := Borrow(seg, func(view []byte) error { return want })
	if err != want {
		t.Fatalf("Borrow returned %v, want %v", err, want)
	}
	if seg.mapped != 1 || seg.released != 1 {
		t.Errorf("mapped=%d released=%d, want 1/1", seg.mapped, seg.released)
	}
}

func TestSplitPages(t *testing.T) {
	data := bytes.Repeat([]byte{1}, 10000)
	segs := SplitPages(data, 4096)
	if len(segs) != 3 {
		t.Fatalf("got %d segments, want 3", len(segs))
	}
	if segs[2].Len() != 10000-8192 {
		t.Errorf("last segment len = %d", segs[2].Len())
	}
	req := &Request{Segments: segs}
	if req.Size() != 10000 || !req.HasData() {
		t.Errorf("Size = %d", req.Size())
	}
	if (&Request{}).HasData() {
		t.Error("empty request must not report data")
	}
}

func TestQueueSubmitWithoutHook(t *testing.T) {
	q := NewQueue()
	backend := NewMemBackend(0)
	dev := NewDevice(DeviceID{8, 16}, "sdb", "/dev/sdb", backend)
	q.Attach(dev)

	payload := bytes.Repeat([]byte{0x5A}, 1024)
	req := &Request{Device: dev.ID(), Op: OpWrite, Sector: 2, Segments: SplitPages(payload, 512)}
	if err := q.Submit(req); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if backend.Writes() != 1 {
		t.Errorf("writes = %d, want 1", backend.Writes())
	}
	if !bytes.Equal(backend.Bytes(1024, 1024), payload) {
		t.Error("payload not written at sector 2")
	}

	err := q.Submit(&Request{Device: DeviceID{9, 9}, Op: OpWrite})
	if !errors.Is(err, model.ErrNoDevice) {
		t.Errorf("expected ErrNoDevice, got %v", err)
	}
}

func TestQueueHook(t *testing.T) {
	q := NewQueue()
	backend := NewMemBackend(0)
	dev := NewDevice(DeviceID{8, 16}, "sdb", "/dev/sdb", backend)
	q.Attach(dev)

	var seen int
	hook := func(req *Request, next SubmitFunc) error {
		seen++
		return next(req)
	}
	if err := q.InstallHook(hook); err != nil {
		t.Fatalf("InstallHook failed: %v", err)
	}
	if err := q.InstallHook(hook); err != ErrHookInstalled {
		t.Errorf("second install = %v, want ErrHookInstalled", err)
	}

	_ = q.Submit(&Request{Device: dev.ID(), Op: OpWrite, Segments: SplitPages(make([]byte, 512), 512)})
	if seen != 1 || backend.Writes() != 1 {
		t.Errorf("seen=%d writes=%d, want 1/1", seen, backend.Writes())
	}

	if !q.RemoveHook() {
		t.Error("RemoveHook reported no hook")
	}
	if q.RemoveHook() {
		t.Error("second RemoveHook must report false")
	}
	_ = q.Submit(&Request{Device: dev.ID(), Op: OpWrite, Segments: SplitPages(make([]byte, 512), 512)})
	if seen != 1 || backend.Writes() != 2 {
		t.Errorf("seen=%d writes=%d, want 1/2", seen, backend.Writes())
	}
}

func TestQueueResolve(t *testing.T) {
	q := NewQueue()
	dev := NewDevice(DeviceID{8, 16}, "sdb", "/dev/sdb", NewMemBackend(0))
	q.Attach(dev)

	got, err := q.Resolve("/dev/sdb")
	if err != nil || got != dev {
		t.Fatalf("Resolve = %v, %v", got, err)
	}
	if _, err := q.Resolve("/dev/sdz"); !errors.Is(err, model.ErrNoDevice) {
		t.Errorf("expected ErrNoDevice, got %v", err)
	}

	opened := 0
	q = NewQueue(WithOpener(func(path string) (*Device, error) {
		opened++
		return NewDevice(DeviceID{8, 32}, "sdc", path, NewMemBackend(0)), nil
	}))
	first, err := q.Resolve("/dev/sdc")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	alias, err := q.Resolve("/dev/disk/by-id/alias")
	if err != nil {
		t.Fatalf("Resolve alias failed: %v", err)
	}
	if alias != first {
		t.Error("alias path must resolve to the already attached device")
	}
	if _, err := q.Resolve("/dev/sdc"); err != nil || opened != 2 {
		t.Errorf("cached resolve opened=%d err=%v", opened, err)
	}
}

func TestDeviceSwapHandler(t *testing.T) {
	orig := NewMemBackend(0)
	dev := NewDevice(DeviceID{1, 1}, "vda", "", orig)
	var calls int
	old := dev.SwapHandler(HandlerFunc(func(req *Request) error {
		calls++
		return nil
	}))
	if old != orig {
		t.Fatal("SwapHandler must return previous handler")
	}
	_ = dev.Handle(&Request{Op: OpWrite})
	if calls != 1 || orig.Writes() != 0 {
		t.Errorf("calls=%d orig writes=%d", calls, orig.Writes())
	}

	dev.SwapHandler(nil)
	if err := dev.Handle(&Request{}); !errors.Is(err, model.ErrNoDevice) {
		t.Errorf("expected ErrNoDevice for nil handler, got %v", err)
	}
}

func TestAttachMemDisk(t *testing.T) {
	q := NewQueue()
	a := q.AttachMemDisk("memdisk0")
	b := q.AttachMemDisk("memdisk1")
	if a.ID() == b.ID() || a.ID().Major != MemDiskMajor {
		t.Fatalf("ids = %s, %s", a.ID(), b.ID())
	}
	dev, err := q.Resolve("/dev/memdisk1")
	if err != nil || dev != b {
		t.Fatalf("Resolve = %v, %v", dev, err)
	}

	data := make([]byte, 1024)
	for i := range data {
		data[i] = 0x5A
	}
	if err := q.Submit(&Request{Device: b.ID(), Op: OpWrite, Sector: 3, Segments: SplitPages(data, 512)}); err != nil {
		t.Fatal(err)
	}
	mem := b.Handler().(*MemBackend)
	if mem.Writes() != 1 || mem.Bytes(3*512, 1024)[1023] != 0x5A {
		t.Error("write did not land on the in-memory disk")
	}
}
