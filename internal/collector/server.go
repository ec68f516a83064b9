package collector

import (
	"context"
	"net"
	"sync"

	"github.com/Hara602/blockTracker/internal/sysutil"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Server 每条连接一个 goroutine，按序解析记录
type Server struct {
	ln         net.Listener
	handler    Handler
	log        *zap.Logger
	maxPayload uint64

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

func Listen(addr string, h Handler, log *zap.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}
	return &Server{
		ln:      ln,
		handler: h,
		log:     sysutil.Or(log),
		conns:   make(map[net.Conn]struct{}),
	}, nil
}

func (s *Server) SetMaxPayload(n uint64) { s.maxPayload = n }

func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve 接收连接直到 ctx 结束或 Close
func (s *Server) Serve(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-stop:
		}
	}()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		if !s.track(conn, true) {
			continue
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.track(conn, false)
	defer conn.Close()

	log := s.log.With(zap.String("remote", conn.RemoteAddr().String()))
	log.Debug("Tracker connected")
	if err := ReadRecords(conn, s.maxPayload, s.handler); err != nil && !errors.Is(err, net.ErrClosed) {
		// 记录截断后流无法重新对齐，直接断开
		log.Error("Record stream broken, dropping connection", zap.Error(err))
		return
	}
	log.Debug("Tracker disconnected")
}

// track 登记或注销连接；Close 之后登记的连接直接关闭并返回 false
func (s *Server) track(conn net.Conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !add {
		delete(s.conns, conn)
		return true
	}
	if s.closing {
		conn.Close()
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

// Close 停止接收并断开所有连接
func (s *Server) Close() error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	err := s.ln.Close()
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
