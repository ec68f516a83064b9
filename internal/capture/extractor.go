// Package capture 把一次写请求拆成变更记录头和原始数据，经同一条连接发给采集端。
package capture

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Hara602/blockTracker/internal/blockio"
	"github.com/Hara602/blockTracker/internal/model"
	"github.com/Hara602/blockTracker/internal/pool"
	"github.com/Hara602/blockTracker/internal/stream"
	"github.com/Hara602/blockTracker/internal/sysutil"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var ErrUnaligned = errors.New("payload is not a whole number of sectors")

// ConnPool 提取器对连接池的依赖
type ConnPool interface {
	Acquire() (*pool.Conn, error)
	Release(conn *pool.Conn)
}

// Stats 提取结果计数
type Stats struct {
	Captured uint64 `json:"captured"`
	Skipped  uint64 `json:"skipped"`
	Dropped  uint64 `json:"dropped"`
	Failed   uint64 `json:"failed"`
	Bytes    uint64 `json:"bytes"`
}

type Option func(*Extractor)

func WithLogger(l *zap.Logger) Option {
	return func(e *Extractor) { e.log = l }
}

// WithClock 替换记录时间戳的时钟
func WithClock(now func() time.Time) Option {
	return func(e *Extractor) { e.now = now }
}

// WithWriteTimeout 每条记录的写超时，0 表示不设
func WithWriteTimeout(d time.Duration) Option {
	return func(e *Extractor) { e.writeTimeout = d }
}

type Extractor struct {
	pool         ConnPool
	writer       *stream.Writer
	log          *zap.Logger
	now          func() time.Time
	writeTimeout time.Duration
	bufs         sync.Pool

	captured atomic.Uint64
	skipped  atomic.Uint64
	dropped  atomic.Uint64
	failed   atomic.Uint64
	bytes    atomic.Uint64
}

func New(p ConnPool, opts ...Option) *Extractor {
	e := &Extractor{pool: p, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	e.log = sysutil.Or(e.log)
	e.writer = stream.NewWriter(e.log)
	return e
}

// Capture 发送 dev 上一次写请求的记录。失败只影响这条记录，不影响宿主 I/O
func (e *Extractor) Capture(dev *blockio.Device, req *blockio.Request) error {
	log := e.log.With(zap.String("device", dev.Name()), zap.Uint64("sector", req.Sector))

	if !req.HasData() {
		e.skipped.Add(1)
		log.Debug("Write request has no data")
		return nil
	}
	size := req.Size()
	if size%model.SectorSize != 0 {
		e.skipped.Add(1)
		log.Warn("Skipping unaligned write request", zap.Int("size", size))
		return errors.Wrapf(ErrUnaligned, "%d bytes", size)
	}

	rec := &model.ChangeRecord{
		DeviceName:     dev.Name(),
		Timestamp:      e.now(),
		StartingSector: req.Sector,
		DataSize:       uint64(size/model.SectorSize) * model.SectorSize,
	}
	header, err := rec.MarshalBinary()
	if err != nil {
		e.failed.Add(1)
		return err
	}

	conn, err := e.pool.Acquire()
	if err != nil {
		e.dropped.Add(1)
		log.Error("Failed to get free socket from socket pool", zap.Error(err))
		return err
	}
	defer e.pool.Release(conn)
	log = log.With(zap.String("conn", conn.ID))

	if e.writeTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(e.writeTimeout)); err != nil {
			log.Debug("Connection does not support write deadlines", zap.Error(err))
		} else {
			defer conn.SetWriteDeadline(time.Time{})
		}
	}

	if err := e.writer.Write(conn, header); err != nil {
		e.failed.Add(1)
		log.Error("Failed to write change record header", zap.Error(err))
		return err
	}
	for i, seg := range req.Segments {
		if err := e.sendSegment(conn, seg); err != nil {
			e.failed.Add(1)
			// 本条记录已截断，后续段不再发送
			log.Error("Failed to write block change data",
				zap.Int("segment", i),
				zap.Int("segments", len(req.Segments)),
				zap.Error(err))
			return err
		}
	}

	e.captured.Add(1)
	e.bytes.Add(rec.DataSize)
	return nil
}

// sendSegment 借出段数据拷贝到自有缓冲区后发送
func (e *Extractor) sendSegment(conn *pool.Conn, seg blockio.Segment) error {
	buf := e.getBuf(seg.Len())
	defer e.bufs.Put(buf)

	err := blockio.Borrow(seg, func(view []byte) error {
		if n := copy(*buf, view); n != len(*buf) {
			return errors.Wrapf(model.ErrAllocation, "segment view has %d of %d bytes", n, len(*buf))
		}
		return nil
	})
	if err != nil {
		return err
	}
	return e.writer.Write(conn, *buf)
}

func (e *Extractor) getBuf(n int) *[]byte {
	if v, ok := e.bufs.Get().(*[]byte); ok && cap(*v) >= n {
		*v = (*v)[:n]
		return v
	}
	b := make([]byte, n)
	return &b
}

func (e *Extractor) Stats() Stats {
	return Stats{
		Captured: e.captured.Load(),
		Skipped:  e.skipped.Load(),
		Dropped:  e.dropped.Load(),
		Failed:   e.failed.Load(),
		Bytes:    e.bytes.Load(),
	}
}
