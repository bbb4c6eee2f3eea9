package cmd

import (
	"github.com/spf13/cobra"

	"github.com/meow-stack/ledger/internal/ledgerconfig"
	"github.com/meow-stack/ledger/internal/lock"
	"github.com/meow-stack/ledger/internal/registry"
)

var (
	configPath string
	basePath   string
)

var rootCmd = &cobra.Command{
	Use:           "ledgerctl",
	Short:         "Inspect and drive the distributed operation ledger",
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       "0.1.0",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to TOML config file")
	rootCmd.PersistentFlags().StringVar(&basePath, "base-path", "", "override the ledger base directory")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig resolves a Config from --config (if given) or defaults,
// applying the --base-path override last.
func loadConfig() (*ledgerconfig.Config, error) {
	var cfg *ledgerconfig.Config
	if configPath != "" {
		loaded, err := ledgerconfig.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = ledgerconfig.Default()
	}
	if basePath != "" {
		cfg.BasePath = basePath
	}
	return cfg, nil
}

// lockOptionsFrom maps the ledger-wide config onto the Lock Manager's
// options, for subcommands that talk to the store directly rather than
// through a registry.Ledger.
func lockOptionsFrom(cfg *ledgerconfig.Config) lock.Options {
	return lock.Options{
		LockTimeout:      cfg.LockTimeout,
		RetryInterval:    cfg.LockRetryInterval,
		MaxRetryInterval: cfg.MaxLockRetryInterval,
		StaleThreshold:   cfg.StaleThreshold,
	}
}

// ledgerOptionsFrom maps the ledger-wide config onto registry.Options, for
// subcommands that drive a full registry.Ledger rather than the bare store.
func ledgerOptionsFrom(cfg *ledgerconfig.Config) registry.Options {
	return registry.Options{
		MaxBackups:           cfg.MaxBackups,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		StaleThreshold:       cfg.StaleThreshold,
		LockTimeout:          cfg.LockTimeout,
		LockRetryInterval:    cfg.LockRetryInterval,
		MaxLockRetryInterval: cfg.MaxLockRetryInterval,
		PortableOperationIDs: cfg.PortableOperationIDs,
	}
}
