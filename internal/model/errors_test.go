package model

import (
	"testing"

	"github.com/pkg/errors"
)

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{errors.Wrap(ErrAlreadyTracked, "/dev/sdb"), "already_tracked"},
		{errors.Wrapf(ErrNotFound, "%s", "/dev/sdc"), "not_found"},
		{ErrNoDevice, "no_device"},
		{ErrInvalidPath, "invalid_path"},
		{ErrExhausted, "resource_exhausted"},
		{errors.Wrap(ErrTransport, "broken pipe"), "transport_failure"},
		{ErrInstall, "install_failure"},
		{ErrAllocation, "allocation_failure"},
		{ErrPoolClosed, "allocation_failure"},
		{errors.New("boom"), "internal_error"},
	}
	for _, tt := range tests {
		if got := StatusCode(tt.err); got != tt.want {
			t.Errorf("StatusCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestFromStatusCode(t *testing.T) {
	if err := FromStatusCode("ok", ""); err != nil {
		t.Errorf("ok = %v", err)
	}
	err := FromStatusCode("already_tracked", "/dev/sdb")
	if !errors.Is(err, ErrAlreadyTracked) {
		t.Errorf("already_tracked = %v", err)
	}
	if StatusCode(err) != "already_tracked" {
		t.Errorf("round trip = %q", StatusCode(err))
	}
	if err := FromStatusCode("internal_error", "boom"); err == nil || StatusCode(err) != "internal_error" {
		t.Errorf("internal_error = %v", err)
	}
}
