// Package stream 把缓冲区完整写到一条连接上。
package stream

import (
	"fmt"
	"io"

	"github.com/Hara602/blockTracker/internal/model"
	"github.com/Hara602/blockTracker/internal/sysutil"
	"go.uber.org/zap"
)

// TransportError 写连接失败；Written 为失败前已送出的字节数
type TransportError struct {
	Written int
	Total   int
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure after %d of %d bytes: %v", e.Written, e.Total, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == model.ErrTransport }

type Writer struct {
	log *zap.Logger
}

func NewWriter(log *zap.Logger) *Writer {
	return &Writer{log: sysutil.Or(log)}
}

// Write 循环写出 buf 剩余部分直到写完；遇到第一个错误立即返回，不重试
func (w *Writer) Write(conn io.Writer, buf []byte) error {
	written := 0
	for written < len(buf) {
		n, err := conn.Write(buf[written:])
		written += n
		if err != nil {
			return &TransportError{Written: written, Total: len(buf), Err: err}
		}
		if n == 0 {
			return &TransportError{Written: written, Total: len(buf), Err: io.ErrNoProgress}
		}
		if written < len(buf) {
			w.log.Debug("Partially sent, sending remaining data",
				zap.Int("sent", written),
				zap.Int("total", len(buf)))
		}
	}
	return nil
}
