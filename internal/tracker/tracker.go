// Package tracker 把设备表、连接池、提取器和拦截点组合成一个显式持有的上下文，
// 控制面和拦截点共享同一个 Tracker。
package tracker

import (
	"sync"
	"time"

	"github.com/Hara602/blockTracker/internal/blockio"
	"github.com/Hara602/blockTracker/internal/capture"
	"github.com/Hara602/blockTracker/internal/intercept"
	"github.com/Hara602/blockTracker/internal/model"
	"github.com/Hara602/blockTracker/internal/pool"
	"github.com/Hara602/blockTracker/internal/registry"
	"github.com/Hara602/blockTracker/internal/store"
	"github.com/Hara602/blockTracker/internal/sysutil"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type Config struct {
	Pool         pool.Config
	WriteTimeout time.Duration
	Mode         intercept.Mode
}

// DeviceInfo 控制面展示的设备信息
type DeviceInfo struct {
	Path string `json:"path"`
	Name string `json:"name"`
	ID   string `json:"id"`
}

type Option func(*Tracker)

func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) { t.log = l }
}

// WithStore 持久化设备列表，Tracker 关闭时一并关闭
func WithStore(s *store.Store) Option {
	return func(t *Tracker) { t.store = s }
}

func WithDialer(d pool.DialFunc) Option {
	return func(t *Tracker) { t.dial = d }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

type Tracker struct {
	cfg   Config
	queue *blockio.Queue
	reg   *registry.Registry
	log   *zap.Logger
	store *store.Store
	dial  pool.DialFunc
	now   func() time.Time

	// mu 串行化 Add/Remove/Close；拦截路径不拿这把锁
	mu        sync.Mutex
	pool      *pool.Pool
	extractor *capture.Extractor
	icpt      *intercept.Interceptor
	closed    bool
}

func New(cfg Config, queue *blockio.Queue, opts ...Option) *Tracker {
	t := &Tracker{cfg: cfg, queue: queue, reg: registry.New()}
	for _, opt := range opts {
		opt(t)
	}
	t.log = sysutil.Or(t.log)
	if t.cfg.Mode == "" {
		t.cfg.Mode = intercept.ModeGlobal
	}
	return t
}

func validatePath(path string) error {
	if path == "" {
		return errors.Wrap(model.ErrInvalidPath, "block device path is empty")
	}
	if len(path) >= model.DevicePathLen {
		return errors.Wrapf(model.ErrInvalidPath, "path longer than %d bytes", model.DevicePathLen-1)
	}
	return nil
}

// startLocked 第一次注册时创建连接池、提取器和拦截点
func (t *Tracker) startLocked() error {
	if t.pool != nil {
		return nil
	}
	opts := []pool.Option{pool.WithLogger(t.log)}
	if t.dial != nil {
		opts = append(opts, pool.WithDialer(t.dial))
	}
	p, err := pool.New(t.cfg.Pool, opts...)
	if err != nil {
		return errors.Wrap(err, "error creating socket pool")
	}

	copts := []capture.Option{capture.WithLogger(t.log), capture.WithWriteTimeout(t.cfg.WriteTimeout)}
	if t.now != nil {
		copts = append(copts, capture.WithClock(t.now))
	}
	t.pool = p
	t.extractor = capture.New(p, copts...)
	t.icpt = intercept.New(t.cfg.Mode, t.queue, t.reg, t.extractor, t.log)
	return nil
}

// Add 开始追踪 path 指向的设备
func (t *Tracker) Add(path string) error {
	if err := validatePath(path); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return model.ErrPoolClosed
	}

	dev, err := t.queue.Resolve(path)
	if err != nil {
		t.log.Error("Block device not found", zap.String("path", path), zap.Error(err))
		return err
	}
	if t.reg.Contains(dev.ID()) {
		t.log.Error("Block device is already being tracked", zap.String("path", path))
		return errors.Wrapf(model.ErrAlreadyTracked, "%s", path)
	}
	if err := t.startLocked(); err != nil {
		t.log.Error("Failed to start tracking", zap.Error(err))
		return err
	}

	next, err := t.icpt.Install(dev)
	if err != nil {
		t.log.Error("Failed to install interception", zap.String("path", path), zap.Error(err))
		return err
	}
	td := &registry.TrackedDevice{Device: dev, Path: path, Next: next}
	if err := t.reg.Register(td); err != nil {
		// 回滚：不能留下拦截却没有登记的设备
		t.icpt.Uninstall(td)
		return err
	}

	if t.store != nil {
		if err := t.store.Add(path); err != nil {
			t.log.Warn("Failed to persist tracked device", zap.String("path", path), zap.Error(err))
		}
	}
	info := sysutil.ReadBlockInfo(dev.Name())
	t.log.Info("Block device tracked",
		zap.String("path", path),
		zap.String("device", dev.Name()),
		zap.Stringer("id", dev.ID()),
		zap.Uint64("sectors", info.Sectors),
		zap.Bool("removable", info.Removable),
		zap.String("mount", sysutil.MountPoint(path)),
		zap.String("mode", string(t.cfg.Mode)))
	return nil
}

// Remove 停止追踪并撤销拦截
func (t *Tracker) Remove(path string) error {
	if err := validatePath(path); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	id, err := t.identify(path)
	if err != nil {
		t.log.Warn("Didn't find block device for removal", zap.String("path", path), zap.Error(err))
		return err
	}
	td, err := t.reg.Unregister(id)
	if err != nil {
		t.log.Warn("Didn't find block device for removal", zap.String("path", path))
		return err
	}
	t.icpt.Uninstall(td)

	if t.store != nil {
		if err := t.store.Remove(td.Path); err != nil {
			t.log.Warn("Failed to forget tracked device", zap.String("path", td.Path), zap.Error(err))
		}
	}
	t.log.Info("Block device untracked", zap.String("path", path), zap.String("device", td.Device.Name()))
	return nil
}

// identify 先按登记时的路径找，设备已拔出时也能移除
func (t *Tracker) identify(path string) (blockio.DeviceID, error) {
	var (
		id    blockio.DeviceID
		found bool
	)
	t.reg.ForEach(func(td *registry.TrackedDevice) bool {
		if td.Path == path {
			id, found = td.Device.ID(), true
			return false
		}
		return true
	})
	if found {
		return id, nil
	}
	dev, err := t.queue.Resolve(path)
	if err != nil {
		return id, errors.Wrapf(model.ErrNotFound, "%s: %v", path, err)
	}
	return dev.ID(), nil
}

// Tracked 路径是否正在被追踪
func (t *Tracker) Tracked(path string) bool {
	tracked := false
	t.reg.ForEach(func(td *registry.TrackedDevice) bool {
		tracked = td.Path == path
		return !tracked
	})
	return tracked
}

func (t *Tracker) Devices() []DeviceInfo {
	var out []DeviceInfo
	for _, td := range t.reg.Snapshot() {
		out = append(out, DeviceInfo{Path: td.Path, Name: td.Device.Name(), ID: td.Device.ID().String()})
	}
	return out
}

// PoolStats 连接池尚未创建时 ok 为 false
func (t *Tracker) PoolStats() (pool.Stats, bool) {
	t.mu.Lock()
	p := t.pool
	t.mu.Unlock()
	if p == nil {
		return pool.Stats{Min: t.cfg.Pool.Min, Max: t.cfg.Pool.Max}, false
	}
	return p.Stats(), true
}

func (t *Tracker) CaptureStats() capture.Stats {
	t.mu.Lock()
	e := t.extractor
	t.mu.Unlock()
	if e == nil {
		return capture.Stats{}
	}
	return e.Stats()
}

// Restore 重新追踪持久化的设备，失败的条目跳过
func (t *Tracker) Restore() int {
	if t.store == nil {
		return 0
	}
	entries, err := t.store.List()
	if err != nil {
		t.log.Error("Failed to load tracked devices", zap.Error(err))
		return 0
	}
	restored := 0
	for _, e := range entries {
		if err := t.Add(e.Path); err != nil {
			if !errors.Is(err, model.ErrAlreadyTracked) {
				t.log.Warn("Failed to restore tracked device", zap.String("path", e.Path), zap.Error(err))
			}
			continue
		}
		restored++
	}
	return restored
}

// Close 撤销所有拦截并关闭连接池；持久化的列表保留给下次启动
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	for _, td := range t.reg.Snapshot() {
		if _, err := t.reg.Unregister(td.Device.ID()); err != nil {
			continue
		}
		t.icpt.Uninstall(td)
	}
	var err error
	if t.icpt != nil {
		t.icpt.Shutdown()
	}
	if t.pool != nil {
		err = multierr.Append(err, t.pool.Close())
	}
	if t.store != nil {
		err = multierr.Append(err, t.store.Close())
	}
	t.log.Info("Tracker stopped")
	return err
}
