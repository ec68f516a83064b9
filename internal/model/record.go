package model

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	"github.com/pkg/errors"
)

const (
	DeviceNameLen = 32
	DevicePathLen = 256
	SectorSize    = 512

	// HeaderSize = 32(设备名) + 16(时间戳) + 8(起始扇区) + 8(数据长度)
	HeaderSize = DeviceNameLen + 16 + 8 + 8
)

// ChangeRecord 一次写请求的元数据头，按字节紧凑排列后直接上线
type ChangeRecord struct {
	DeviceName     string
	Timestamp      time.Time
	StartingSector uint64
	DataSize       uint64
}

// wireHeader 线上布局，字段之间无填充，小端序
type wireHeader struct {
	DeviceName     [DeviceNameLen]byte
	Seconds        int64
	Nanoseconds    int64
	StartingSector uint64
	DataSize       uint64
}

// MarshalBinary 编码为 64 字节的头
func (r *ChangeRecord) MarshalBinary() ([]byte, error) {
	var h wireHeader
	// 最多 31 字节，保留结尾的 NUL
	copy(h.DeviceName[:DeviceNameLen-1], r.DeviceName)
	h.Seconds = r.Timestamp.Unix()
	h.Nanoseconds = int64(r.Timestamp.Nanosecond())
	h.StartingSector = r.StartingSector
	h.DataSize = r.DataSize

	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize))
	if err := binary.Write(buf, binary.LittleEndian, &h); err != nil {
		return nil, errors.Wrap(err, "encode change record")
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary 解析 64 字节的头
func (r *ChangeRecord) UnmarshalBinary(data []byte) error {
	if len(data) < HeaderSize {
		return errors.Errorf("change record header too short: %d bytes", len(data))
	}
	var h wireHeader
	if err := binary.Read(bytes.NewReader(data[:HeaderSize]), binary.LittleEndian, &h); err != nil {
		return errors.Wrap(err, "decode change record")
	}
	name := h.DeviceName[:]
	if idx := bytes.IndexByte(name, 0); idx != -1 {
		name = name[:idx]
	}
	r.DeviceName = string(name)
	r.Timestamp = time.Unix(h.Seconds, h.Nanoseconds)
	r.StartingSector = h.StartingSector
	r.DataSize = h.DataSize
	return nil
}

// ReadChangeRecord 从流中读出一个头，payload 留给调用方
func ReadChangeRecord(r io.Reader) (*ChangeRecord, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}
	rec := &ChangeRecord{}
	if err := rec.UnmarshalBinary(buf[:]); err != nil {
		return nil, err
	}
	return rec, nil
}
