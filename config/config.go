// Package config loads and validates relay's recognized options and
// publishes them as immutable snapshots a running Server can hot-reload
// behind a reader-writer lock.
//
// Built around a snapshot/reload-listener primitive (see Store) plus
// github.com/spf13/viper for the YAML load step.
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/relaykit/relay/internal/reactor"
	"github.com/relaykit/relay/rerrors"
)

// ThreadPool mirrors its network.thread_pool.* table.
type ThreadPool struct {
	ThreadNum      int `mapstructure:"thread_num"`
	QueueSize      int `mapstructure:"queue_size"`
	KeepAliveTime  int `mapstructure:"keep_alive_time"`
	MaxIdleThreads int `mapstructure:"max_idle_threads"`
	MinIdleThreads int `mapstructure:"min_idle_threads"`
}

// SSL mirrors its network.ssl.* table.
type SSL struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertPath string `mapstructure:"cert_path"`
	KeyPath  string `mapstructure:"key_path"`
}

// Network mirrors its network.* table.
type Network struct {
	IP          string     `mapstructure:"ip"`
	Port        int        `mapstructure:"port"`
	ThreadPool  ThreadPool `mapstructure:"thread_pool"`
	EpollMode   string     `mapstructure:"epoll_mode"`
	IdleTimeout int        `mapstructure:"idle_timeout"` // seconds
	SSL         SSL        `mapstructure:"ssl"`
}

// Buffer mirrors its base.buffer.* table.
type Buffer struct {
	InitialSize  int     `mapstructure:"initial_size"`
	MaxSize      int     `mapstructure:"max_size"`
	GrowthFactor float64 `mapstructure:"growth_factor"`
}

// Base mirrors its base.* table.
type Base struct {
	Buffer Buffer `mapstructure:"buffer"`
}

// Config is the fully-typed, validated recognized-options document.
type Config struct {
	Network Network `mapstructure:"network"`
	Base    Base    `mapstructure:"base"`
}

// Default returns the stated defaults.
func Default() *Config {
	return &Config{
		Network: Network{
			IP:          "127.0.0.1",
			Port:        8080,
			EpollMode:   "LT",
			IdleTimeout: 30,
			ThreadPool: ThreadPool{
				ThreadNum:      4,
				QueueSize:      1000,
				KeepAliveTime:  60,
				MinIdleThreads: 1,
				MaxIdleThreads: 4,
			},
		},
		Base: Base{
			Buffer: Buffer{
				InitialSize:  1024,
				MaxSize:      1 << 20,
				GrowthFactor: 2.0,
			},
		},
	}
}

// Load reads a YAML document at path via viper, unmarshals it over the
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, rerrors.Wrap(rerrors.KindConfig, fmt.Sprintf("read config %s: %v", path, err))
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, rerrors.Wrap(rerrors.KindConfig, fmt.Sprintf("unmarshal config: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the bounds for each recognized option, surfacing
// the first violation as a KindConfig error.
func (c *Config) Validate() error {
	n := c.Network
	if n.Port < 1024 || n.Port > 65535 {
		return rerrors.Wrap(rerrors.KindConfig, "network.port must be in [1024, 65535]")
	}
	if n.EpollMode != "LT" && n.EpollMode != "ET" {
		return rerrors.Wrap(rerrors.KindConfig, "network.epoll_mode must be LT or ET")
	}
	tp := n.ThreadPool
	if tp.ThreadNum > 32 {
		return rerrors.Wrap(rerrors.KindConfig, "network.thread_pool.thread_num must be <= 32")
	}
	if tp.QueueSize > 10000 {
		return rerrors.Wrap(rerrors.KindConfig, "network.thread_pool.queue_size must be <= 10000")
	}
	if tp.KeepAliveTime > 3600 {
		return rerrors.Wrap(rerrors.KindConfig, "network.thread_pool.keep_alive_time must be <= 3600")
	}
	if tp.MinIdleThreads > tp.MaxIdleThreads {
		return rerrors.Wrap(rerrors.KindConfig, "network.thread_pool.min_idle_threads must be <= max_idle_threads")
	}
	if tp.MinIdleThreads > tp.ThreadNum {
		return rerrors.Wrap(rerrors.KindConfig, "network.thread_pool.min_idle_threads must be <= thread_num")
	}
	if n.SSL.Enabled && (n.SSL.CertPath == "" || n.SSL.KeyPath == "") {
		return rerrors.Wrap(rerrors.KindConfig, "network.ssl.cert_path/key_path required when ssl.enabled")
	}
	b := c.Base.Buffer
	if b.InitialSize > b.MaxSize {
		return rerrors.Wrap(rerrors.KindConfig, "base.buffer.initial_size must be <= max_size")
	}
	if b.GrowthFactor <= 1 {
		return rerrors.Wrap(rerrors.KindConfig, "base.buffer.growth_factor must be > 1")
	}
	return nil
}

// EpollMode translates the string option into the reactor's typed enum.
func (c *Config) EpollMode() reactor.EpollMode {
	if c.Network.EpollMode == "ET" {
		return reactor.EdgeTriggered
	}
	return reactor.LevelTriggered
}
