//go:build !linux

package blockio

import (
	"github.com/Hara602/blockTracker/internal/model"
	"github.com/pkg/errors"
)

func OpenFile(devPath string) (*Device, error) {
	return nil, errors.Wrapf(model.ErrNoDevice, "%s: block devices are only supported on linux", devPath)
}
