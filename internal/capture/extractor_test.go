package capture

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Hara602/blockTracker/internal/blockio"
	"github.com/Hara602/blockTracker/internal/model"
	"github.com/Hara602/blockTracker/internal/pool"
	"go.uber.org/zap/zaptest"
)

// recordConn 记录写入的数据，可在写满 failAfter 字节后失败
type recordConn struct {
	net.Conn
	mu        sync.Mutex
	buf       bytes.Buffer
	chunk     int
	failAfter int
	deadlines []time.Time

	// deadlineErr 非空时 SetWriteDeadline 失败
	deadlineErr error
}

var errBroken = errors.New("broken pipe")

func (c *recordConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chunk > 0 && len(p) > c.chunk {
		p = p[:c.chunk]
	}
	if c.failAfter > 0 && c.buf.Len()+len(p) > c.failAfter {
		n := c.failAfter - c.buf.Len()
		c.buf.Write(p[:n])
		return n, errBroken
	}
	return c.buf.Write(p)
}

func (c *recordConn) SetWriteDeadline(t time.Time) error {
	c.deadlines = append(c.deadlines, t)
	return c.deadlineErr
}

type fakePool struct {
	conn     *pool.Conn
	err      error
	acquired int
	released int
}

func (p *fakePool) Acquire() (*pool.Conn, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.acquired++
	return p.conn, nil
}

func (p *fakePool) Release(conn *pool.Conn) {
	if conn == p.conn {
		p.released++
	}
}

type trackedSegment struct {
	data     []byte
	released int
}

func (s *trackedSegment) Len() int { return len(s.data) }

func (s *trackedSegment) Map() ([]byte, func(), error) {
	return s.data, func() { s.released++ }, nil
}

func newFixture(t *testing.T, rc *recordConn) (*Extractor, *fakePool, *blockio.Device) {
	fp := &fakePool{conn: &pool.Conn{Conn: rc, ID: "c1"}}
	clock := func() time.Time { return time.Unix(1700000000, 42) }
	e := New(fp, WithLogger(zaptest.NewLogger(t)), WithClock(clock), WithWriteTimeout(time.Second))
	dev := blockio.NewDevice(blockio.DeviceID{Major: 8, Minor: 16}, "sdb", "/dev/sdb", blockio.NewMemBackend(0))
	return e, fp, dev
}

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func TestCaptureRecordIntegrity(t *testing.T) {
	rc := &recordConn{chunk: 333}
	e, fp, dev := newFixture(t, rc)

	data := payload(4096)
	req := &blockio.Request{Device: dev.ID(), Op: blockio.OpWrite, Sector: 100, Segments: blockio.SplitPages(data, 512)}
	if err := e.Capture(dev, req); err != nil {
		t.Fatalf("Capture failed: %v", err)
	}

	out := rc.buf.Bytes()
	if len(out) != model.HeaderSize+4096 {
		t.Fatalf("transport received %d bytes, want %d", len(out), model.HeaderSize+4096)
	}
	rec, err := model.ReadChangeRecord(bytes.NewReader(out))
	if err != nil {
		t.Fatal(err)
	}
	if rec.DeviceName != "sdb" || rec.StartingSector != 100 || rec.DataSize != 4096 {
		t.Errorf("unexpected header: %+v", rec)
	}
	if !rec.Timestamp.Equal(time.Unix(1700000000, 42)) {
		t.Errorf("timestamp = %v", rec.Timestamp)
	}
	if !bytes.Equal(out[model.HeaderSize:], data) {
		t.Error("payload differs from the request segments")
	}
	if fp.acquired != 1 || fp.released != 1 {
		t.Errorf("acquired=%d released=%d, want 1/1", fp.acquired, fp.released)
	}
	if len(rc.deadlines) != 2 || !rc.deadlines[1].IsZero() {
		t.Errorf("write deadline not set and cleared: %v", rc.deadlines)
	}
	if st := e.Stats(); st.Captured != 1 || st.Bytes != 4096 {
		t.Errorf("stats = %+v", st)
	}
}

func TestCaptureWithoutDeadlineSupport(t *testing.T) {
	rc := &recordConn{deadlineErr: errors.New("deadline not supported")}
	e, _, dev := newFixture(t, rc)

	req := &blockio.Request{Device: dev.ID(), Op: blockio.OpWrite, Sector: 2, Segments: blockio.SplitPages(payload(1024), 512)}
	if err := e.Capture(dev, req); err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if rc.buf.Len() != model.HeaderSize+1024 {
		t.Errorf("transport received %d bytes", rc.buf.Len())
	}
	// 设置失败时不再清除
	if len(rc.deadlines) != 1 || rc.deadlines[0].IsZero() {
		t.Errorf("deadlines = %v, want a single set attempt", rc.deadlines)
	}
}

func TestCaptureSkipsEmptyRequest(t *testing.T) {
	rc := &recordConn{}
	e, fp, dev := newFixture(t, rc)

	if err := e.Capture(dev, &blockio.Request{Device: dev.ID(), Op: blockio.OpWrite}); err != nil {
		t.Fatalf("empty request must not fail: %v", err)
	}
	if fp.acquired != 0 || rc.buf.Len() != 0 {
		t.Error("empty request must not touch the transport")
	}
	if e.Stats().Skipped != 1 {
		t.Errorf("skipped = %d", e.Stats().Skipped)
	}
}

func TestCaptureSkipsUnaligned(t *testing.T) {
	rc := &recordConn{}
	e, fp, dev := newFixture(t, rc)

	req := &blockio.Request{Device: dev.ID(), Op: blockio.OpWrite, Segments: blockio.SplitPages(payload(100), 512)}
	if err := e.Capture(dev, req); !errors.Is(err, ErrUnaligned) {
		t.Fatalf("Capture = %v, want ErrUnaligned", err)
	}
	if fp.acquired != 0 {
		t.Error("unaligned request must not acquire a connection")
	}
}

func TestCaptureDropsWhenExhausted(t *testing.T) {
	rc := &recordConn{}
	e, fp, dev := newFixture(t, rc)
	fp.err = model.ErrExhausted

	req := &blockio.Request{Device: dev.ID(), Op: blockio.OpWrite, Segments: blockio.SplitPages(payload(512), 512)}
	if err := e.Capture(dev, req); !errors.Is(err, model.ErrExhausted) {
		t.Fatalf("Capture = %v, want ErrExhausted", err)
	}
	if fp.released != 0 || rc.buf.Len() != 0 {
		t.Error("dropped request must not write or release")
	}
	if e.Stats().Dropped != 1 {
		t.Errorf("dropped = %d", e.Stats().Dropped)
	}
}

func TestCaptureTransportFailureMidRecord(t *testing.T) {
	rc := &recordConn{failAfter: model.HeaderSize + 600}
	e, fp, dev := newFixture(t, rc)

	segs := []*trackedSegment{
		{data: payload(512)},
		{data: payload(512)},
		{data: payload(512)},
	}
	req := &blockio.Request{Device: dev.ID(), Op: blockio.OpWrite, Sector: 8}
	for _, s := range segs {
		req.Segments = append(req.Segments, s)
	}

	err := e.Capture(dev, req)
	if !errors.Is(err, model.ErrTransport) {
		t.Fatalf("Capture = %v, want ErrTransport", err)
	}
	if fp.released != 1 {
		t.Error("connection must be released after a transport failure")
	}
	if segs[0].released != 1 || segs[1].released != 1 {
		t.Error("borrowed segments must be released")
	}
	if segs[2].released != 0 {
		t.Error("segments after the failure must not be borrowed")
	}
	if rc.buf.Len() != model.HeaderSize+600 {
		t.Errorf("transport got %d bytes", rc.buf.Len())
	}

	// 后续请求继续使用同一个池
	rc.failAfter = 0
	req2 := &blockio.Request{Device: dev.ID(), Op: blockio.OpWrite, Segments: blockio.SplitPages(payload(512), 512)}
	if err := e.Capture(dev, req2); err != nil {
		t.Fatalf("capture after failure: %v", err)
	}
	if st := e.Stats(); st.Failed != 1 || st.Captured != 1 {
		t.Errorf("stats = %+v", st)
	}
}

type failingSegment struct{ released bool }

func (s *failingSegment) Len() int { return 512 }

func (s *failingSegment) Map() ([]byte, func(), error) {
	return make([]byte, 100), func() { s.released = true }, nil
}

func TestCaptureShortSegmentView(t *testing.T) {
	rc := &recordConn{}
	e, fp, dev := newFixture(t, rc)

	seg := &failingSegment{}
	req := &blockio.Request{Device: dev.ID(), Op: blockio.OpWrite, Segments: []blockio.Segment{seg}}
	if err := e.Capture(dev, req); !errors.Is(err, model.ErrAllocation) {
		t.Fatalf("Capture = %v, want ErrAllocation", err)
	}
	if !seg.released {
		t.Error("segment must be released on the early failure path")
	}
	if fp.released != 1 {
		t.Error("connection must be released")
	}
}
