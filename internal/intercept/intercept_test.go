package intercept

import (
	"errors"
	"sync"
	"testing"

	"github.com/Hara602/blockTracker/internal/blockio"
	"github.com/Hara602/blockTracker/internal/model"
	"github.com/Hara602/blockTracker/internal/registry"
	"go.uber.org/zap/zaptest"
)

type fakeCapturer struct {
	mu    sync.Mutex
	calls []string
	err   error
	panic bool
}

func (c *fakeCapturer) Capture(dev *blockio.Device, req *blockio.Request) error {
	c.mu.Lock()
	c.calls = append(c.calls, dev.Name())
	c.mu.Unlock()
	if c.panic {
		panic("boom")
	}
	return c.err
}

func (c *fakeCapturer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type fixture struct {
	queue    *blockio.Queue
	reg      *registry.Registry
	capturer *fakeCapturer
	icpt     *Interceptor
	sdb, sdc *blockio.Device
	sdbDisk  *blockio.MemBackend
	sdcDisk  *blockio.MemBackend
}

func newFixture(t *testing.T, mode Mode) *fixture {
	f := &fixture{
		queue:    blockio.NewQueue(),
		reg:      registry.New(),
		capturer: &fakeCapturer{},
		sdbDisk:  blockio.NewMemBackend(0),
		sdcDisk:  blockio.NewMemBackend(0),
	}
	f.sdb = blockio.NewDevice(blockio.DeviceID{Major: 8, Minor: 16}, "sdb", "/dev/sdb", f.sdbDisk)
	f.sdc = blockio.NewDevice(blockio.DeviceID{Major: 8, Minor: 32}, "sdc", "/dev/sdc", f.sdcDisk)
	f.queue.Attach(f.sdb)
	f.queue.Attach(f.sdc)
	f.icpt = New(mode, f.queue, f.reg, f.capturer, zaptest.NewLogger(t))
	return f
}

// track 与 tracker.Add 的顺序一致：先建立拦截，再登记
func (f *fixture) track(t *testing.T, dev *blockio.Device) *registry.TrackedDevice {
	next, err := f.icpt.Install(dev)
	if err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	td := &registry.TrackedDevice{Device: dev, Path: dev.Path(), Next: next}
	if err := f.reg.Register(td); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return td
}

func (f *fixture) untrack(t *testing.T, dev *blockio.Device) {
	td, err := f.reg.Unregister(dev.ID())
	if err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	f.icpt.Uninstall(td)
}

func write(dev *blockio.Device) *blockio.Request {
	return &blockio.Request{Device: dev.ID(), Op: blockio.OpWrite, Sector: 1, Segments: blockio.SplitPages(make([]byte, 512), 512)}
}

func TestPassthroughExactlyOnce(t *testing.T) {
	for _, mode := range []Mode{ModeGlobal, ModePerDevice} {
		t.Run(string(mode), func(t *testing.T) {
			tests := []struct {
				name  string
				setup func(c *fakeCapturer)
			}{
				{"capture succeeds", func(c *fakeCapturer) {}},
				{"capture fails", func(c *fakeCapturer) { c.err = model.ErrExhausted }},
				{"capture panics", func(c *fakeCapturer) { c.panic = true }},
			}
			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					f := newFixture(t, mode)
					tt.setup(f.capturer)
					f.track(t, f.sdb)

					if err := f.queue.Submit(write(f.sdb)); err != nil {
						t.Fatalf("Submit failed: %v", err)
					}
					if err := f.queue.Submit(write(f.sdc)); err != nil {
						t.Fatalf("Submit untracked failed: %v", err)
					}
					if f.sdbDisk.Writes() != 1 || f.sdcDisk.Writes() != 1 {
						t.Errorf("writes sdb=%d sdc=%d, want 1/1", f.sdbDisk.Writes(), f.sdcDisk.Writes())
					}
					if f.capturer.count() != 1 {
						t.Errorf("captures = %d, want 1", f.capturer.count())
					}
				})
			}
		})
	}
}

func TestReadsAreNotCaptured(t *testing.T) {
	for _, mode := range []Mode{ModeGlobal, ModePerDevice} {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture(t, mode)
			f.track(t, f.sdb)
			req := &blockio.Request{Device: f.sdb.ID(), Op: blockio.OpRead, Segments: blockio.SplitPages(make([]byte, 512), 512)}
			if err := f.queue.Submit(req); err != nil {
				t.Fatal(err)
			}
			if f.capturer.count() != 0 || f.sdbDisk.Reads() != 1 {
				t.Errorf("captures=%d reads=%d", f.capturer.count(), f.sdbDisk.Reads())
			}
		})
	}
}

func TestUntrackStopsCapture(t *testing.T) {
	for _, mode := range []Mode{ModeGlobal, ModePerDevice} {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture(t, mode)
			f.track(t, f.sdb)
			if !f.icpt.Installed() {
				t.Fatal("interception must be installed after first registration")
			}
			f.untrack(t, f.sdb)
			if f.icpt.Installed() {
				t.Error("interception must be removed after last unregistration")
			}

			if err := f.queue.Submit(write(f.sdb)); err != nil {
				t.Fatal(err)
			}
			if f.capturer.count() != 0 || f.sdbDisk.Writes() != 1 {
				t.Errorf("captures=%d writes=%d, want 0/1", f.capturer.count(), f.sdbDisk.Writes())
			}
		})
	}
}

func TestGlobalHookInstalledOnce(t *testing.T) {
	f := newFixture(t, ModeGlobal)
	f.track(t, f.sdb)
	f.track(t, f.sdc)
	if !f.queue.HookInstalled() {
		t.Fatal("hook not installed")
	}

	f.untrack(t, f.sdb)
	if !f.queue.HookInstalled() {
		t.Error("hook must stay while a device is tracked")
	}
	f.untrack(t, f.sdc)
	if f.queue.HookInstalled() {
		t.Error("hook must be removed with the last device")
	}
}

func TestGlobalInstallFailure(t *testing.T) {
	f := newFixture(t, ModeGlobal)
	foreign := func(req *blockio.Request, next blockio.SubmitFunc) error { return next(req) }
	if err := f.queue.InstallHook(foreign); err != nil {
		t.Fatal(err)
	}
	if _, err := f.icpt.Install(f.sdb); !errors.Is(err, model.ErrInstall) {
		t.Errorf("Install = %v, want ErrInstall", err)
	}
}

func TestPerDeviceRestoresHandler(t *testing.T) {
	f := newFixture(t, ModePerDevice)
	td := f.track(t, f.sdb)
	if td.Next != f.sdbDisk {
		t.Fatal("original handler not saved")
	}
	if f.sdb.Handler() == blockio.Handler(f.sdbDisk) {
		t.Fatal("handler not replaced")
	}
	if _, err := f.icpt.Install(f.sdb); !errors.Is(err, model.ErrInstall) {
		t.Errorf("double install = %v, want ErrInstall", err)
	}
	if f.queue.HookInstalled() {
		t.Error("per-device mode must not install the global hook")
	}

	f.untrack(t, f.sdb)
	if f.sdb.Handler() != blockio.Handler(f.sdbDisk) {
		t.Error("original handler not restored")
	}
}

func TestPerDeviceInstallWithoutHandler(t *testing.T) {
	f := newFixture(t, ModePerDevice)
	bare := blockio.NewDevice(blockio.DeviceID{Major: 9, Minor: 0}, "md0", "/dev/md0", nil)
	if _, err := f.icpt.Install(bare); !errors.Is(err, model.ErrInstall) {
		t.Errorf("Install = %v, want ErrInstall", err)
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"global", ModeGlobal, false},
		{"per-device", ModePerDevice, false},
		{"", ModeGlobal, false},
		{"ftrace", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseMode(%q) = %q, %v", tt.in, got, err)
		}
	}
}
