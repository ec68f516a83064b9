// Package collector 解析追踪器发出的记录流：64 字节头之后紧跟 DataSize 字节的原始数据。
package collector

import (
	"io"

	"github.com/Hara602/blockTracker/internal/model"
	"github.com/pkg/errors"
)

// DefaultMaxPayload 单条记录允许的最大数据长度，超过视为流已错位
const DefaultMaxPayload = 64 << 20

var ErrPayloadTooLarge = errors.New("record payload exceeds limit")

// Handler 处理一条完整记录；payload 只在调用期间有效
type Handler interface {
	HandleRecord(rec *model.ChangeRecord, payload []byte) error
}

type HandlerFunc func(rec *model.ChangeRecord, payload []byte) error

func (f HandlerFunc) HandleRecord(rec *model.ChangeRecord, payload []byte) error {
	return f(rec, payload)
}

// ReadRecords 读到 EOF 为止。记录中途断开返回 io.ErrUnexpectedEOF
func ReadRecords(r io.Reader, maxPayload uint64, h Handler) error {
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}
	var payload []byte
	for {
		rec, err := model.ReadChangeRecord(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read record header")
		}
		if rec.DataSize > maxPayload {
			return errors.Wrapf(ErrPayloadTooLarge, "device %q declares %d bytes", rec.DeviceName, rec.DataSize)
		}
		if uint64(cap(payload)) < rec.DataSize {
			payload = make([]byte, rec.DataSize)
		}
		payload = payload[:rec.DataSize]
		if _, err := io.ReadFull(r, payload); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return errors.Wrapf(err, "read payload of %d bytes", rec.DataSize)
		}
		if err := h.HandleRecord(rec, payload); err != nil {
			return err
		}
	}
}
