package main

import (
	"github.com/riftwire/torrentd/internal/config"
	"github.com/spf13/cobra"
)

// initConfig layers the flags bound on cmd above the process's env vars and
// config file, then installs the result into the config hub. Every
// subcommand calls through config.Load(); nothing below main threads a
// *Config by hand.
func initConfig(cmd *cobra.Command, configFile string) error {
	opts := []config.Option{
		config.WithFlags(cmd.Flags()),
	}
	if configFile != "" {
		opts = append(opts, config.WithConfigFile(configFile))
	}

	return config.Init(opts...)
}
