package model

import "github.com/pkg/errors"

// 错误分类：控制面返回给调用方，数据面只记录日志
var (
	ErrAlreadyTracked = errors.New("block device is already being tracked")
	ErrNotFound       = errors.New("block device is not tracked")
	ErrNoDevice       = errors.New("block device not found")
	ErrInvalidPath    = errors.New("invalid block device path")
	ErrAllocation     = errors.New("allocation failure")
	ErrExhausted      = errors.New("connection pool exhausted")
	ErrPoolClosed     = errors.New("connection pool is closed")
	ErrTransport      = errors.New("transport failure")
	ErrInstall        = errors.New("interception could not be installed")
)

var statusCodes = []struct {
	code string
	err  error
}{
	{"already_tracked", ErrAlreadyTracked},
	{"not_found", ErrNotFound},
	{"no_device", ErrNoDevice},
	{"invalid_path", ErrInvalidPath},
	{"resource_exhausted", ErrExhausted},
	{"transport_failure", ErrTransport},
	{"install_failure", ErrInstall},
	{"allocation_failure", ErrAllocation},
	{"allocation_failure", ErrPoolClosed},
}

// StatusCode 控制接口返回的状态码
func StatusCode(err error) string {
	if err == nil {
		return "ok"
	}
	for _, sc := range statusCodes {
		if errors.Is(err, sc.err) {
			return sc.code
		}
	}
	return "internal_error"
}

// FromStatusCode 客户端把状态码还原成可以 errors.Is 的错误
func FromStatusCode(code, msg string) error {
	if code == "ok" {
		return nil
	}
	for _, sc := range statusCodes {
		if sc.code == code {
			return errors.Wrap(sc.err, msg)
		}
	}
	return errors.Errorf("%s: %s", code, msg)
}
