// ============================================================================
// fractalpool configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Loads pool user and pool element settings from a YAML file,
//          FRACTALPOOL_* environment variables and command line flags.
//
// Precedence (highest first):
//   1. flags bound with BindFlags
//   2. environment, e.g. FRACTALPOOL_IMAGE_WIDTH=800
//   3. the --config YAML file
//   4. defaults
//
// Normalize clamps the image size and session count into the ranges the
// fractal protocol supports instead of rejecting them; Validate rejects
// settings that cannot work at all.
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ChuLiYu/fractalpool/internal/discovery"
	"github.com/ChuLiYu/fractalpool/internal/transport"
	"github.com/ChuLiYu/fractalpool/pkg/types"
)

const (
	EnvPrefix = "FRACTALPOOL"

	MinSessions = 1
	MaxSessions = 512
	MinWidth    = 64
	MaxWidth    = 8192
	MinHeight   = 64
	MaxHeight   = 4096
)

var ErrInvalidConfig = errors.New("invalid configuration")

// StaticElement is a pool element configured by address instead of being
// discovered.
type StaticElement struct {
	ID      uint32 `mapstructure:"id" yaml:"id"`
	Address string `mapstructure:"address" yaml:"address"`
}

// PoolConfig describes the pool and how its members are found.
type PoolConfig struct {
	Handle     string          `mapstructure:"handle" yaml:"handle"`
	NATSURL    string          `mapstructure:"nats_url" yaml:"nats_url"`
	Discovery  bool            `mapstructure:"discovery" yaml:"discovery"`
	Elements   []StaticElement `mapstructure:"elements" yaml:"elements"`
	LeaseTTL   time.Duration   `mapstructure:"lease_ttl" yaml:"lease_ttl"`
	Quarantine time.Duration   `mapstructure:"quarantine" yaml:"quarantine"`
}

// ImageConfig describes the images the pool user calculates.
type ImageConfig struct {
	Width          int           `mapstructure:"width" yaml:"width"`
	Height         int           `mapstructure:"height" yaml:"height"`
	ConfigDir      string        `mapstructure:"config_dir" yaml:"config_dir"`
	InterImageTime time.Duration `mapstructure:"inter_image_time" yaml:"inter_image_time"`
	// StoragePrefix, when set, saves every completed image as <prefix>-<n>.png.
	StoragePrefix string `mapstructure:"storage_prefix" yaml:"storage_prefix"`
	// Count stops the run loop after that many images; 0 runs until stopped.
	Count int `mapstructure:"count" yaml:"count"`
}

// SessionConfig configures the calculation sessions.
type SessionConfig struct {
	Count       int           `mapstructure:"count" yaml:"count"`
	SendTimeout time.Duration `mapstructure:"send_timeout" yaml:"send_timeout"`
	RecvTimeout time.Duration `mapstructure:"recv_timeout" yaml:"recv_timeout"`
	MaxRetries  int           `mapstructure:"max_retries" yaml:"max_retries"`
}

// ElementConfig configures the pool element started by "serve".
type ElementConfig struct {
	// ID 0 picks a random identifier at start.
	ID uint32 `mapstructure:"id" yaml:"id"`
	// Listen is the gRPC listen address; Advertise, when set, is the address
	// announced to pool users.
	Listen           string        `mapstructure:"listen" yaml:"listen"`
	Advertise        string        `mapstructure:"advertise" yaml:"advertise"`
	MaxSessions      int           `mapstructure:"max_sessions" yaml:"max_sessions"`
	FailureAfter     int           `mapstructure:"failure_after" yaml:"failure_after"`
	CookiePackets    int           `mapstructure:"cookie_packets" yaml:"cookie_packets"`
	TestMode         bool          `mapstructure:"test_mode" yaml:"test_mode"`
	AnnounceInterval time.Duration `mapstructure:"announce_interval" yaml:"announce_interval"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

type LogConfig struct {
	Development bool   `mapstructure:"development" yaml:"development"`
	Level       string `mapstructure:"level" yaml:"level"`
}

type HistoryConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// Config is the complete configuration of both commands.
type Config struct {
	Pool     PoolConfig    `mapstructure:"pool" yaml:"pool"`
	Image    ImageConfig   `mapstructure:"image" yaml:"image"`
	Sessions SessionConfig `mapstructure:"sessions" yaml:"sessions"`
	Element  ElementConfig `mapstructure:"element" yaml:"element"`
	Metrics  MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Log      LogConfig     `mapstructure:"log" yaml:"log"`
	History  HistoryConfig `mapstructure:"history" yaml:"history"`
}

// New returns a viper instance carrying the defaults and the environment
// binding.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("pool.handle", discovery.DefaultPoolHandle)
	v.SetDefault("pool.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("pool.discovery", true)
	v.SetDefault("pool.elements", []StaticElement{})
	v.SetDefault("pool.lease_ttl", 10*time.Second)
	v.SetDefault("pool.quarantine", 30*time.Second)

	v.SetDefault("image.width", 400)
	v.SetDefault("image.height", 250)
	v.SetDefault("image.config_dir", "fgpconfig")
	v.SetDefault("image.inter_image_time", 5*time.Second)
	v.SetDefault("image.storage_prefix", "")
	v.SetDefault("image.count", 0)

	v.SetDefault("sessions.count", 1)
	v.SetDefault("sessions.send_timeout", 5*time.Second)
	v.SetDefault("sessions.recv_timeout", 5*time.Second)
	v.SetDefault("sessions.max_retries", 3)

	v.SetDefault("element.id", 0)
	v.SetDefault("element.listen", ":50051")
	v.SetDefault("element.advertise", "")
	v.SetDefault("element.max_sessions", 0)
	v.SetDefault("element.failure_after", 0)
	v.SetDefault("element.cookie_packets", transport.DefaultCookiePackets)
	v.SetDefault("element.test_mode", false)
	v.SetDefault("element.announce_interval", discovery.DefaultAnnounceInterval)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("log.development", false)
	v.SetDefault("log.level", "info")

	v.SetDefault("history.path", "fractalpool.db")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags binds command line flags to configuration keys. A flag only
// overrides the file and environment when it was set explicitly.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) error {
	for flag, key := range keys {
		f := flags.Lookup(flag)
		if f == nil {
			return fmt.Errorf("bind flag %q: no such flag", flag)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %q: %w", flag, err)
		}
	}
	return nil
}

// Load reads path (if not empty) into v and decodes the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize clamps values into their supported ranges.
func (c *Config) Normalize() {
	c.Sessions.Count = clamp(c.Sessions.Count, MinSessions, MaxSessions)
	c.Image.Width = clamp(c.Image.Width, MinWidth, MaxWidth)
	c.Image.Height = clamp(c.Image.Height, MinHeight, MaxHeight)
	if c.Sessions.MaxRetries < 0 {
		c.Sessions.MaxRetries = 0
	}
	if c.Image.InterImageTime < 0 {
		c.Image.InterImageTime = 0
	}
}

// Validate rejects settings that cannot work.
func (c *Config) Validate() error {
	if err := discovery.ValidateHandle(c.Pool.Handle); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Sessions.SendTimeout <= 0 {
		return fmt.Errorf("%w: sessions.send_timeout must be positive", ErrInvalidConfig)
	}
	if c.Sessions.RecvTimeout <= 0 {
		return fmt.Errorf("%w: sessions.recv_timeout must be positive", ErrInvalidConfig)
	}
	seen := make(map[uint32]bool, len(c.Pool.Elements))
	for _, e := range c.Pool.Elements {
		if e.ID == uint32(types.NoElement) || e.Address == "" {
			return fmt.Errorf("%w: static element needs an identifier and an address", ErrInvalidConfig)
		}
		if seen[e.ID] {
			return fmt.Errorf("%w: static element %s listed twice", ErrInvalidConfig, types.ElementID(e.ID))
		}
		seen[e.ID] = true
	}
	if !c.Pool.Discovery && len(c.Pool.Elements) == 0 {
		return fmt.Errorf("%w: discovery is disabled and no static elements are listed", ErrInvalidConfig)
	}
	if c.Image.Count < 0 {
		return fmt.Errorf("%w: image.count must not be negative", ErrInvalidConfig)
	}
	return nil
}

// StaticElements converts the configured static elements.
func (c *Config) StaticElements() []types.PoolElement {
	elements := make([]types.PoolElement, 0, len(c.Pool.Elements))
	for _, e := range c.Pool.Elements {
		elements = append(elements, types.PoolElement{
			ID:      types.ElementID(e.ID),
			Address: e.Address,
			Static:  true,
		})
	}
	return elements
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
