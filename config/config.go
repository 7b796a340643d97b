package config

import (
	"path/filepath"
	"runtime"
	"time"

	coretypes "github.com/projecteru2/core/types"
)

// Config holds global oobjoin configuration.
type Config struct {
	// Endpoint is the control-plane API base URL: http(s)://host[:port][/prefix]
	// or unix:///path/to/socket.
	// Env: OOBJOIN_ENDPOINT.
	Endpoint string `json:"endpoint" mapstructure:"endpoint"`
	// Token is sent as a bearer token on every control-plane request.
	// Env: OOBJOIN_TOKEN.
	Token string `json:"token" mapstructure:"token"`
	// RunDir holds per-VM lock files and metadata snapshots.
	// Env: OOBJOIN_RUN_DIR. Default: /var/lib/oobjoin/run.
	RunDir string `json:"run_dir" mapstructure:"run_dir"`
	// SerialPort is the guest COM port the join script writes to.
	// Default: 4.
	SerialPort int `json:"serial_port" mapstructure:"serial_port"`
	// PollIntervalMS is the wait after an empty serial read.
	// Default: 500.
	PollIntervalMS int `json:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	// JoinTimeoutSeconds bounds one join operation, restoration excluded.
	// Default: 900.
	JoinTimeoutSeconds int `json:"join_timeout_seconds" mapstructure:"join_timeout_seconds"`
	// RestoreTimeoutSeconds bounds metadata restoration after a join.
	// Default: 60.
	RestoreTimeoutSeconds int `json:"restore_timeout_seconds" mapstructure:"restore_timeout_seconds"`
	// PoolSize is the number of VMs joined concurrently.
	// Defaults to runtime.NumCPU() if zero.
	PoolSize int `json:"pool_size" mapstructure:"pool_size"`
	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log" mapstructure:"log"`
}

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() *Config {
	return &Config{
		RunDir:                "/var/lib/oobjoin/run",
		SerialPort:            4,   //nolint:mnd
		PollIntervalMS:        500, //nolint:mnd
		JoinTimeoutSeconds:    900, //nolint:mnd
		RestoreTimeoutSeconds: 60,  //nolint:mnd
		PoolSize:              runtime.NumCPU(),
		Log: coretypes.ServerLogConfig{
			Level: "info",
		},
	}
}

// Settings maps every config key to its value in c. Registering them as
// viper defaults is what lets OOBJOIN_* env vars reach keys that no flag or
// config file mentions.
func (c *Config) Settings() map[string]any {
	return map[string]any{
		"endpoint":                c.Endpoint,
		"token":                   c.Token,
		"run_dir":                 c.RunDir,
		"serial_port":             c.SerialPort,
		"poll_interval_ms":        c.PollIntervalMS,
		"join_timeout_seconds":    c.JoinTimeoutSeconds,
		"restore_timeout_seconds": c.RestoreTimeoutSeconds,
		"pool_size":               c.PoolSize,
		"log.level":               c.Log.Level,
	}
}

// Normalize replaces empty or non-positive settings with their defaults.
// Unset flags bound through viper arrive as zero values.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.RunDir == "" {
		c.RunDir = def.RunDir
	}
	if c.SerialPort <= 0 {
		c.SerialPort = def.SerialPort
	}
	if c.PollIntervalMS <= 0 {
		c.PollIntervalMS = def.PollIntervalMS
	}
	if c.JoinTimeoutSeconds <= 0 {
		c.JoinTimeoutSeconds = def.JoinTimeoutSeconds
	}
	if c.RestoreTimeoutSeconds <= 0 {
		c.RestoreTimeoutSeconds = def.RestoreTimeoutSeconds
	}
	if c.PoolSize <= 0 {
		c.PoolSize = def.PoolSize
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
}

// SnapshotDir is where captured startup-script snapshots are stored.
func (c *Config) SnapshotDir() string { return filepath.Join(c.RunDir, "snapshots") }

// LockDir is where per-VM lock files live.
func (c *Config) LockDir() string { return filepath.Join(c.RunDir, "locks") }

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c *Config) JoinTimeout() time.Duration {
	return time.Duration(c.JoinTimeoutSeconds) * time.Second
}

func (c *Config) RestoreTimeout() time.Duration {
	return time.Duration(c.RestoreTimeoutSeconds) * time.Second
}
