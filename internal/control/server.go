// Package control 是 agent 的控制面：unix socket 上的 HTTP 接口，用来增删被追踪的设备、
// 查看连接池，以及把数据写进宿主设备。
package control

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/Hara602/blockTracker/internal/blockio"
	"github.com/Hara602/blockTracker/internal/capture"
	"github.com/Hara602/blockTracker/internal/model"
	"github.com/Hara602/blockTracker/internal/pool"
	"github.com/Hara602/blockTracker/internal/sysutil"
	"github.com/Hara602/blockTracker/internal/tracker"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// WriteSegmentSize 写入数据按 4 KiB 分段提交
	WriteSegmentSize = 4096
	MaxWriteSize     = 64 << 20
)

// Service 设备追踪的增删查
type Service interface {
	Add(path string) error
	Remove(path string) error
	Devices() []tracker.DeviceInfo
	PoolStats() (pool.Stats, bool)
	CaptureStats() capture.Stats
}

// Submitter 宿主写提交入口
type Submitter interface {
	Resolve(path string) (*blockio.Device, error)
	Submit(req *blockio.Request) error
}

// Response 所有接口统一的返回体
type Response struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type DeviceRequest struct {
	Path string `json:"path"`
}

type PoolResponse struct {
	Active bool `json:"active"`
	pool.Stats
}

type handler struct {
	svc   Service
	queue Submitter
	log   *zap.Logger
}

// NewRouter 组装控制面路由
func NewRouter(svc Service, queue Submitter, log *zap.Logger) http.Handler {
	h := &handler{svc: svc, queue: queue, log: sysutil.Or(log)}

	r := chi.NewRouter()
	r.Route("/devices", func(r chi.Router) {
		r.Get("/", h.listDevices)
		r.Post("/", h.addDevice)
		r.Delete("/", h.removeDevice)
	})
	r.Get("/pool", h.poolStats)
	r.Get("/stats", h.captureStats)
	r.Post("/io/write", h.write)
	return r
}

func httpStatus(code string) int {
	switch code {
	case "ok":
		return http.StatusOK
	case "already_tracked":
		return http.StatusConflict
	case "not_found", "no_device":
		return http.StatusNotFound
	case "invalid_path":
		return http.StatusBadRequest
	case "resource_exhausted", "allocation_failure":
		return http.StatusServiceUnavailable
	case "transport_failure":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSONWithStatus(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondResult(w http.ResponseWriter, err error) {
	code := model.StatusCode(err)
	resp := Response{Status: code}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSONWithStatus(w, httpStatus(code), resp)
}

func respondBadRequest(w http.ResponseWriter, msg string) {
	writeJSONWithStatus(w, http.StatusBadRequest, Response{Status: "invalid_argument", Error: msg})
}

func (h *handler) listDevices(w http.ResponseWriter, r *http.Request) {
	devices := h.svc.Devices()
	if devices == nil {
		devices = []tracker.DeviceInfo{}
	}
	writeJSONWithStatus(w, http.StatusOK, devices)
}

func (h *handler) addDevice(w http.ResponseWriter, r *http.Request) {
	var req DeviceRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		respondBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	err := h.svc.Add(req.Path)
	h.log.Info("Add device", zap.String("path", req.Path), zap.String("status", model.StatusCode(err)))
	respondResult(w, err)
}

func (h *handler) removeDevice(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	err := h.svc.Remove(path)
	h.log.Info("Remove device", zap.String("path", path), zap.String("status", model.StatusCode(err)))
	respondResult(w, err)
}

func (h *handler) poolStats(w http.ResponseWriter, r *http.Request) {
	st, active := h.svc.PoolStats()
	writeJSONWithStatus(w, http.StatusOK, PoolResponse{Active: active, Stats: st})
}

func (h *handler) captureStats(w http.ResponseWriter, r *http.Request) {
	writeJSONWithStatus(w, http.StatusOK, h.svc.CaptureStats())
}

// write 把请求体作为一次写请求提交给宿主，追踪中的设备会经过拦截点
func (h *handler) write(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sector, err := strconv.ParseUint(q.Get("sector"), 10, 64)
	if err != nil {
		respondBadRequest(w, "invalid sector: "+err.Error())
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, MaxWriteSize+1))
	if err != nil {
		respondBadRequest(w, "read body: "+err.Error())
		return
	}
	if len(data) > MaxWriteSize {
		respondBadRequest(w, "body too large")
		return
	}
	if len(data)%model.SectorSize != 0 {
		respondBadRequest(w, "body is not a whole number of sectors")
		return
	}

	dev, err := h.queue.Resolve(q.Get("path"))
	if err != nil {
		respondResult(w, err)
		return
	}
	req := &blockio.Request{
		Device:   dev.ID(),
		Op:       blockio.OpWrite,
		Sector:   sector,
		Segments: blockio.SplitPages(data, WriteSegmentSize),
	}
	if err := h.queue.Submit(req); err != nil {
		h.log.Error("Host write failed", zap.String("device", dev.Name()), zap.Uint64("sector", sector), zap.Error(err))
		respondResult(w, err)
		return
	}
	respondResult(w, nil)
}

// Server 在 unix socket 上提供控制面
type Server struct {
	srv    *http.Server
	ln     net.Listener
	socket string
	log    *zap.Logger
}

// Listen 监听 socket，遗留的 socket 文件会被删除
func Listen(socket string, handler http.Handler, log *zap.Logger) (*Server, error) {
	if err := os.Remove(socket); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "remove stale socket %s", socket)
	}
	ln, err := net.Listen("unix", socket)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", socket)
	}
	if err := os.Chmod(socket, 0o600); err != nil {
		ln.Close()
		return nil, errors.Wrapf(err, "chmod %s", socket)
	}
	return &Server{
		srv:    &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second},
		ln:     ln,
		socket: socket,
		log:    sysutil.Or(log),
	}, nil
}

// Serve 阻塞直到 ctx 取消
func (s *Server) Serve(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- s.srv.Serve(s.ln) }()
	s.log.Info("Control interface listening", zap.String("socket", s.socket))

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.srv.Shutdown(shutdownCtx)
	_ = os.Remove(s.socket)
	return err
}
