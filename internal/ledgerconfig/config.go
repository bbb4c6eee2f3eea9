// Package ledgerconfig provides TOML-backed configuration for ledgerd and
// ledgerctl, grounded on the teacher's internal/config: defaults first,
// decode overrides on top, validate after.
package ledgerconfig

import (
	"time"

	"github.com/BurntSushi/toml"

	"github.com/meow-stack/ledger/internal/ledgererr"
)

// Config holds the construction parameters for a registry.Ledger plus the
// gateway bind address. It is not the CLI-config-file-loading machinery
// spec.md §1 places out of scope; it is the ambient construction layer for
// cmd/ledgerd and cmd/ledgerctl.
type Config struct {
	BasePath             string        `toml:"base_path"`
	MaxBackups           int           `toml:"max_backups"`
	HeartbeatInterval    time.Duration `toml:"heartbeat_interval"`
	StaleThreshold       time.Duration `toml:"stale_threshold"`
	LockTimeout          time.Duration `toml:"lock_timeout"`
	LockRetryInterval    time.Duration `toml:"lock_retry_interval"`
	MaxLockRetryInterval time.Duration `toml:"max_lock_retry_interval"`
	PortableOperationIDs bool          `toml:"portable_operation_ids"`

	GatewayAddr    string `toml:"gateway_addr"`
	MetricsAddr    string `toml:"metrics_addr"`
	LogFormat      string `toml:"log_format"` // "json" or "text"
	IndexPath      string `toml:"index_path"`
}

// Default returns the spec.md §4.7 construction defaults plus this
// module's ambient-stack defaults.
func Default() *Config {
	return &Config{
		BasePath:             "./ledger-data",
		MaxBackups:           20,
		HeartbeatInterval:    5 * time.Second,
		StaleThreshold:       15 * time.Second,
		LockTimeout:          2 * time.Second,
		LockRetryInterval:    50 * time.Millisecond,
		MaxLockRetryInterval: 500 * time.Millisecond,
		PortableOperationIDs: false,
		GatewayAddr:          ":7420",
		MetricsAddr:          ":7421",
		LogFormat:            "json",
		IndexPath:            "./ledger-data/.ledgerindex",
	}
}

// Load reads a TOML file at path, decoding it on top of Default(), then
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, ledgererr.Wrap(ledgererr.CodeIOError, "load config file", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config for internally-consistent, usable values.
func (c *Config) Validate() error {
	if c.BasePath == "" {
		return ledgererr.New(ledgererr.CodeInvalidOperation, "base_path must not be empty")
	}
	if c.MaxBackups < 0 {
		return ledgererr.New(ledgererr.CodeInvalidOperation, "max_backups must be >= 0")
	}
	if c.HeartbeatInterval <= 0 {
		return ledgererr.New(ledgererr.CodeInvalidOperation, "heartbeat_interval must be positive")
	}
	if c.StaleThreshold <= 0 {
		return ledgererr.New(ledgererr.CodeInvalidOperation, "stale_threshold must be positive")
	}
	if c.StaleThreshold <= c.HeartbeatInterval {
		return ledgererr.New(ledgererr.CodeInvalidOperation, "stale_threshold must exceed heartbeat_interval")
	}
	if c.LockTimeout <= 0 {
		return ledgererr.New(ledgererr.CodeInvalidOperation, "lock_timeout must be positive")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return ledgererr.Newf(ledgererr.CodeInvalidOperation, "log_format must be \"json\" or \"text\", got %q", c.LogFormat)
	}
	return nil
}
