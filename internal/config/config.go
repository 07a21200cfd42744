package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the relay configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Pool    PoolConfig    `yaml:"pool"`
	Store   StoreConfig   `yaml:"store"`
	Stream  StreamConfig  `yaml:"stream"`
	Trace   TraceConfig   `yaml:"trace"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Addr        string        `yaml:"addr"`
	ReadTimeout time.Duration `yaml:"read_timeout"` // idle WebSocket read timeout
	ReadLimit   int64         `yaml:"read_limit"`   // max inbound frame size in bytes
}

type AuthConfig struct {
	APIKey      string        `yaml:"api_key"`
	APIKeyHash  string        `yaml:"api_key_hash"` // bcrypt, see `wingrelay hash-key`
	JWTSecret   string        `yaml:"jwt_secret"`   // base64, enables signed tokens
	Timeout     time.Duration `yaml:"timeout"`      // time allowed for the auth frame
	TokenTTL    time.Duration `yaml:"token_ttl"`
	RequireAuth *bool         `yaml:"require_auth,omitempty"` // guard /api/sessions and /api/traces
}

type BridgeConfig struct {
	Runtime          string `yaml:"runtime"` // e.g. "node"
	Script           string `yaml:"script"`  // e.g. ~/BuilderOS/tools/bridgehub/dist/bridgehub.js
	Flag             string `yaml:"flag"`
	Capsule          string `yaml:"capsule"`
	Sentinel         string `yaml:"sentinel"`
	ChunkSize        int    `yaml:"chunk_size"`
	MaxSystemContext int    `yaml:"max_system_context"` // 0 = never forward system context
	Source           string `yaml:"source"`
	ProtocolVersion  string `yaml:"protocol_version"`
	WorkDir          string `yaml:"work_dir,omitempty"`
}

type PoolConfig struct {
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	ReapInterval   time.Duration `yaml:"reap_interval"`
	TerminateGrace time.Duration `yaml:"terminate_grace"`
}

type StoreConfig struct {
	Path              string        `yaml:"path"`
	WarmWindow        time.Duration `yaml:"warm_window"`
	Retention         time.Duration `yaml:"retention"`
	HistoryLimit      int           `yaml:"history_limit"`
	SystemContextPath string        `yaml:"system_context_path"`
	Compress          *bool         `yaml:"compress,omitempty"`
}

type StreamConfig struct {
	Pacing     time.Duration `yaml:"pacing"`     // delay between fragments sent to the client
	FrameRate  float64       `yaml:"frame_rate"` // inbound frames per second per connection
	FrameBurst int           `yaml:"frame_burst"`
}

type TraceConfig struct {
	MaxTraces int `yaml:"max_traces"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	File   string `yaml:"file"`
	Format string `yaml:"format"`
}

// Default returns a config with every field set to its default value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:        ":8080",
			ReadTimeout: 10 * time.Minute,
			ReadLimit:   512 * 1024,
		},
		Auth: AuthConfig{
			Timeout:  10 * time.Second,
			TokenTTL: 30 * 24 * time.Hour,
		},
		Bridge: BridgeConfig{
			Runtime:         "node",
			Flag:            "--request",
			Sentinel:        "JARVIS_PAYLOAD=",
			ChunkSize:       100,
			Source:          "wingrelay",
			ProtocolVersion: "bridgehub/1.0",
		},
		Pool: PoolConfig{
			IdleTimeout:    10 * time.Minute,
			ReapInterval:   time.Minute,
			TerminateGrace: 5 * time.Second,
		},
		Store: StoreConfig{
			WarmWindow:   7 * 24 * time.Hour,
			Retention:    30 * 24 * time.Hour,
			HistoryLimit: 50,
		},
		Stream: StreamConfig{
			Pacing:     50 * time.Millisecond,
			FrameRate:  5,
			FrameBurst: 10,
		},
		Trace: TraceConfig{
			MaxTraces: 100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a file on top of the defaults. A missing file is not an
// error: the relay can run from defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg.applyEnv()
	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("WINGRELAY_API_KEY"); v != "" {
		c.Auth.APIKey = v
	}
	if v := os.Getenv("WINGRELAY_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("WINGRELAY_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("WINGRELAY_DB"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("WINGRELAY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("WINGRELAY_BRIDGE_SCRIPT"); v != "" {
		c.Bridge.Script = v
	}
}

func (c *Config) expandPaths() {
	c.Bridge.Script = ExpandHome(c.Bridge.Script)
	c.Bridge.Capsule = ExpandHome(c.Bridge.Capsule)
	c.Bridge.WorkDir = ExpandHome(c.Bridge.WorkDir)
	c.Store.Path = ExpandHome(c.Store.Path)
	c.Store.SystemContextPath = ExpandHome(c.Store.SystemContextPath)
	c.Logging.File = ExpandHome(c.Logging.File)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Auth.APIKey == "" && c.Auth.APIKeyHash == "" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("one of auth.api_key, auth.api_key_hash or auth.jwt_secret is required")
	}
	if c.Auth.Timeout <= 0 {
		return fmt.Errorf("auth.timeout must be positive")
	}
	if c.Bridge.Runtime == "" {
		return fmt.Errorf("bridge.runtime is required")
	}
	if c.Bridge.Flag == "" {
		return fmt.Errorf("bridge.flag is required")
	}
	if c.Bridge.Sentinel == "" {
		return fmt.Errorf("bridge.sentinel is required")
	}
	if c.Bridge.ChunkSize <= 0 {
		return fmt.Errorf("bridge.chunk_size must be positive")
	}
	if c.Pool.IdleTimeout <= 0 || c.Pool.ReapInterval <= 0 {
		return fmt.Errorf("pool.idle_timeout and pool.reap_interval must be positive")
	}
	if c.Pool.TerminateGrace < 0 {
		return fmt.Errorf("pool.terminate_grace must not be negative")
	}
	if c.Store.Retention <= 0 || c.Store.WarmWindow < 0 {
		return fmt.Errorf("store.retention must be positive and store.warm_window not negative")
	}
	if c.Store.HistoryLimit <= 0 {
		return fmt.Errorf("store.history_limit must be positive")
	}
	if c.Stream.FrameRate <= 0 || c.Stream.FrameBurst <= 0 {
		return fmt.Errorf("stream.frame_rate and stream.frame_burst must be positive")
	}
	if c.Trace.MaxTraces <= 0 {
		return fmt.Errorf("trace.max_traces must be positive")
	}
	return nil
}

// CompressBlobs reports whether conversation blobs are stored zstd-compressed (default true).
func (c *Config) CompressBlobs() bool {
	return c.Store.Compress == nil || *c.Store.Compress
}

// AuthRequired reports whether the read/delete admin endpoints demand a bearer token (default true).
func (c *Config) AuthRequired() bool {
	return c.Auth.RequireAuth == nil || *c.Auth.RequireAuth
}

// DBPath returns the configured database path, defaulting to ~/.wingrelay/sessions.db.
func (c *Config) DBPath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	dir, err := GetUserConfigDir()
	if err != nil {
		return "sessions.db"
	}
	return filepath.Join(dir, "sessions.db")
}
