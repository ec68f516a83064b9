package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Hara602/blockTracker/internal/intercept"
	"github.com/Hara602/blockTracker/internal/model"
)

// ValidationError 单个字段的校验失败
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate 返回所有不合法的字段
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if c.Collector.Host == "" {
		add("collector.host", c.Collector.Host, "must not be empty")
	}
	if c.Collector.Port < 1 || c.Collector.Port > 65535 {
		add("collector.port", c.Collector.Port, "must be between 1 and 65535")
	}
	if c.Pool.Min < 1 {
		add("pool.min", c.Pool.Min, "must be at least 1")
	}
	if c.Pool.Max < c.Pool.Min {
		add("pool.max", c.Pool.Max, fmt.Sprintf("must not be less than pool.min (%d)", c.Pool.Min))
	}
	if c.Pool.DialTimeout < 0 {
		add("pool.dial_timeout", c.Pool.DialTimeout, "must not be negative")
	}
	if c.Pool.WriteTimeout < 0 {
		add("pool.write_timeout", c.Pool.WriteTimeout, "must not be negative")
	}
	if _, err := intercept.ParseMode(c.Intercept.Mode); err != nil {
		add("intercept.mode", c.Intercept.Mode, "must be one of: global, per-device")
	}
	if c.Control.Socket == "" {
		add("control.socket", c.Control.Socket, "must not be empty")
	}
	for _, name := range c.Host.MemDisks {
		if name == "" || strings.Contains(name, "/") || len(name) >= model.DeviceNameLen {
			add("host.mem_disks", name, fmt.Sprintf("must be a device name without '/' shorter than %d bytes", model.DeviceNameLen))
		}
	}
	if !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		add("logging.level", c.Logging.Level, "must be one of: "+strings.Join(ValidLogLevels(), ", "))
	}
	return errs
}
