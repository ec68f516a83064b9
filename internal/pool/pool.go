// Package pool 维护到采集端的一组长连接。
package pool

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/Hara602/blockTracker/internal/model"
	"github.com/Hara602/blockTracker/internal/sysutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	DefaultMin = 2
	DefaultMax = 10
)

// DialFunc 建立一条到采集端的连接
type DialFunc func(network, address string) (net.Conn, error)

type Config struct {
	Host        string
	Port        int
	Min         int
	Max         int
	DialTimeout time.Duration
}

func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) validate() error {
	if c.Min < 1 || c.Max < c.Min {
		return errors.Errorf("invalid pool bounds min=%d max=%d", c.Min, c.Max)
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.Errorf("invalid collector port %d", c.Port)
	}
	return nil
}

// Conn 池中的一条连接
type Conn struct {
	net.Conn
	ID string
}

type entry struct {
	conn  *Conn
	inUse bool
}

// Stats 池的当前状态
type Stats struct {
	Size  int `json:"size"`
	InUse int `json:"in_use"`
	Min   int `json:"min"`
	Max   int `json:"max"`
}

type Option func(*Pool)

func WithDialer(d DialFunc) Option {
	return func(p *Pool) { p.dial = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// Pool 连接数在 [min, max] 之间，只在没有空闲连接时逐条增长，只在 Close 时收缩。
// 锁只保护簿记，建连在锁外完成。
type Pool struct {
	cfg  Config
	dial DialFunc
	log  *zap.Logger

	mu      sync.Mutex
	entries []*entry
	dialing int
	closed  bool
}

// New 创建连接池并建立 min 条初始连接，任何一条失败都会关闭已建立的连接
func New(cfg Config, opts ...Option) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	p := &Pool{cfg: cfg}
	for _, opt := range opts {
		opt(p)
	}
	p.log = sysutil.Or(p.log)
	if p.dial == nil {
		d := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}
		p.dial = d.Dial
	}

	for i := 0; i < cfg.Min; i++ {
		conn, err := p.connect()
		if err != nil {
			p.log.Error("Failed to connect initial socket", zap.Int("index", i), zap.Error(err))
			_ = p.Close()
			return nil, err
		}
		p.entries = append(p.entries, &entry{conn: conn})
	}
	p.log.Info("Connection pool ready",
		zap.String("collector", cfg.Address()),
		zap.Int("min", cfg.Min),
		zap.Int("max", cfg.Max))
	return p, nil
}

func (p *Pool) connect() (*Conn, error) {
	c, err := p.dial("tcp", p.cfg.Address())
	if err != nil {
		return nil, errors.Wrapf(model.ErrAllocation, "connect %s: %v", p.cfg.Address(), err)
	}
	return &Conn{Conn: c, ID: uuid.NewString()}, nil
}

// Acquire 返回一条空闲连接；没有空闲且未满时新建一条；已满返回 ErrExhausted
func (p *Pool) Acquire() (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, model.ErrPoolClosed
	}
	for _, e := range p.entries {
		if !e.inUse {
			e.inUse = true
			p.mu.Unlock()
			return e.conn, nil
		}
	}
	if len(p.entries)+p.dialing >= p.cfg.Max {
		size := len(p.entries)
		p.mu.Unlock()
		return nil, errors.Wrapf(model.ErrExhausted, "all %d connections in use", size)
	}
	// 先占位，锁外建连
	p.dialing++
	p.mu.Unlock()

	conn, err := p.connect()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialing--
	if err != nil {
		return nil, err
	}
	if p.closed {
		_ = conn.Close()
		return nil, model.ErrPoolClosed
	}
	p.entries = append(p.entries, &entry{conn: conn, inUse: true})
	p.log.Debug("New socket added to socket pool",
		zap.String("conn", conn.ID),
		zap.Int("size", len(p.entries)))
	return conn, nil
}

// Release 把连接还回池中
func (p *Pool) Release(conn *Conn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	// Close 之后归还的连接已被关闭
	if p.closed {
		return
	}
	for _, e := range p.entries {
		if e.conn == conn {
			e.inUse = false
			return
		}
	}
	p.log.Warn("Released connection does not belong to the pool", zap.String("conn", conn.ID))
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{Size: len(p.entries), Min: p.cfg.Min, Max: p.cfg.Max}
	for _, e := range p.entries {
		if e.inUse {
			st.InUse++
		}
	}
	return st
}

// Close 关闭所有连接，之后的 Acquire 返回 ErrPoolClosed
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	var err error
	for _, e := range p.entries {
		err = multierr.Append(err, e.conn.Close())
	}
	p.entries = nil
	return err
}
