// Package config 读取 agent 的配置：默认值、可选的 YAML 文件、BLOCKTRACKER_ 前缀的环境变量和命令行参数。
package config

import (
	"strings"
	"time"

	"github.com/Hara602/blockTracker/internal/intercept"
	"github.com/Hara602/blockTracker/internal/pool"
	"github.com/Hara602/blockTracker/internal/tracker"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 BLOCKTRACKER_POOL_MAX
const EnvPrefix = "BLOCKTRACKER"

type Config struct {
	Collector CollectorConfig `mapstructure:"collector"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Intercept InterceptConfig `mapstructure:"intercept"`
	Control   ControlConfig   `mapstructure:"control"`
	Store     StoreConfig     `mapstructure:"store"`
	Watch     WatchConfig     `mapstructure:"watch"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Host      HostConfig      `mapstructure:"host"`
}

// CollectorConfig 采集端地址
type CollectorConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type PoolConfig struct {
	Min          int           `mapstructure:"min"`
	Max          int           `mapstructure:"max"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type InterceptConfig struct {
	// Mode: "global" 或 "per-device"
	Mode string `mapstructure:"mode"`
}

// ControlConfig 控制面监听的 unix socket
type ControlConfig struct {
	Socket string `mapstructure:"socket"`
}

type StoreConfig struct {
	// Path 为空时不持久化
	Path string `mapstructure:"path"`
}

type WatchConfig struct {
	Udev bool `mapstructure:"udev"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// HostConfig agent 自己挂载的宿主设备
type HostConfig struct {
	// MemDisks 内存盘名，挂在 /dev/<name>
	MemDisks []string `mapstructure:"mem_disks"`
}

func Default() *Config {
	return &Config{
		Collector: CollectorConfig{
			Host: "127.0.0.1",
			Port: 1234,
		},
		Pool: PoolConfig{
			Min:          pool.DefaultMin,
			Max:          pool.DefaultMax,
			DialTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Intercept: InterceptConfig{Mode: string(intercept.ModeGlobal)},
		Control:   ControlConfig{Socket: "/run/blocktracker.sock"},
		Store:     StoreConfig{Path: ""},
		Watch:     WatchConfig{Udev: true},
		Logging:   LoggingConfig{Level: "info"},
		Host:      HostConfig{MemDisks: []string{}},
	}
}

// SetDefaults 向 viper 注册默认值并启用环境变量
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("collector.host", defaults.Collector.Host)
	viper.SetDefault("collector.port", defaults.Collector.Port)

	viper.SetDefault("pool.min", defaults.Pool.Min)
	viper.SetDefault("pool.max", defaults.Pool.Max)
	viper.SetDefault("pool.dial_timeout", defaults.Pool.DialTimeout)
	viper.SetDefault("pool.write_timeout", defaults.Pool.WriteTimeout)

	viper.SetDefault("intercept.mode", defaults.Intercept.Mode)
	viper.SetDefault("control.socket", defaults.Control.Socket)
	viper.SetDefault("store.path", defaults.Store.Path)
	viper.SetDefault("watch.udev", defaults.Watch.Udev)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("host.mem_disks", defaults.Host.MemDisks)

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// Load 从 viper 解出配置并校验
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// Tracker 转成 tracker 使用的配置
func (c *Config) Tracker() tracker.Config {
	return tracker.Config{
		Pool: pool.Config{
			Host:        c.Collector.Host,
			Port:        c.Collector.Port,
			Min:         c.Pool.Min,
			Max:         c.Pool.Max,
			DialTimeout: c.Pool.DialTimeout,
		},
		WriteTimeout: c.Pool.WriteTimeout,
		Mode:         intercept.Mode(c.Intercept.Mode),
	}
}
