package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/riftwire/torrentd/internal/utils/logging"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configFile string
		verbose    bool
	)

	root := &cobra.Command{
		Use:           "torrentd",
		Short:         "A BitTorrent client and swarm inspector",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a config file (yaml)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().Int("max-peers", 0, "override max concurrent peer connections (0 = config default)")
	root.PersistentFlags().Int("port", 0, "override the listening TCP port (0 = config default)")
	root.PersistentFlags().String("download-dir", "", "override the download directory")
	root.PersistentFlags().Bool("dht", false, "enable DHT peer discovery")
	root.PersistentFlags().Bool("metrics", false, "expose Prometheus metrics")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		setupLogger(verbose)
		return initConfig(cmd, configFile)
	}

	root.AddCommand(newGetCmd())
	root.AddCommand(newVersionCmd())

	return root
}

func setupLogger(verbose bool) {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo
	if verbose {
		opts.SlogOpts.Level = slog.LevelDebug
		opts.SlogOpts.AddSource = true
	}

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	slog.SetDefault(slog.New(h))
}
