package collector

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/Hara602/blockTracker/internal/analysis"
	"github.com/Hara602/blockTracker/internal/model"
	"github.com/Hara602/blockTracker/internal/sysutil"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Journal 记录日志，dir 非空时按设备追加到 <dir>/<device>.journal（头 + 数据，与线上格式相同）
type Journal struct {
	dir string
	log *zap.Logger

	mu    sync.Mutex
	files map[string]*os.File
}

func NewJournal(dir string, log *zap.Logger) (*Journal, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrap(err, "failed to create journal directory")
		}
	}
	return &Journal{dir: dir, log: sysutil.Or(log), files: make(map[string]*os.File)}, nil
}

func (j *Journal) HandleRecord(rec *model.ChangeRecord, payload []byte) error {
	content := analysis.Sniff(payload)
	j.log.Info("Block change",
		zap.String("device", rec.DeviceName),
		zap.Time("time", rec.Timestamp),
		zap.Uint64("sector", rec.StartingSector),
		zap.Uint64("size", rec.DataSize),
		zap.String("content", content.Kind))

	if j.dir == "" {
		return nil
	}
	header, err := rec.MarshalBinary()
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	f, err := j.fileLocked(rec.DeviceName)
	if err != nil {
		return err
	}
	if _, err := f.Write(header); err != nil {
		return errors.Wrapf(err, "journal %s", rec.DeviceName)
	}
	if _, err := f.Write(payload); err != nil {
		return errors.Wrapf(err, "journal %s", rec.DeviceName)
	}
	return nil
}

func (j *Journal) fileLocked(device string) (*os.File, error) {
	if f, ok := j.files[device]; ok {
		return f, nil
	}
	name := filepath.Base(device)
	if name == "." || name == "/" || name == "" {
		name = "unknown"
	}
	f, err := os.OpenFile(filepath.Join(j.dir, name+".journal"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open journal for %s", device)
	}
	j.files[device] = f
	return f, nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var err error
	for name, f := range j.files {
		err = multierr.Append(err, f.Close())
		delete(j.files, name)
	}
	return err
}
