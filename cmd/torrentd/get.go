package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/riftwire/torrentd/internal/config"
	"github.com/riftwire/torrentd/internal/engine"
	"github.com/riftwire/torrentd/internal/kvstore"
	"github.com/riftwire/torrentd/internal/metrics"
	"github.com/riftwire/torrentd/internal/torrent"
	"github.com/spf13/cobra"
)

func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <torrent-file>",
		Short: "Download a torrent and print live progress",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	}

	return cmd
}

func runGet(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read torrent file: %w", err)
	}

	client, err := torrent.NewClient()
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	if dir := config.Load().StateDir; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}

		store, err := kvstore.Open(dir)
		if err != nil {
			return fmt.Errorf("open state store: %w", err)
		}
		defer store.Close()

		client.SetStore(store)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	client.SetContext(ctx)

	eng := engine.New(engine.WithDefaultConfig(), client, slog.Default())
	go eng.Run(ctx)

	t, err := eng.AddTorrent(data)
	if err != nil {
		return fmt.Errorf("add torrent: %w", err)
	}

	infoHash := hex.EncodeToString(t.Metainfo.InfoHash[:])
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n",
		color.GreenString("downloading"), t.Metainfo.Info.Name, infoHash[:12])

	if cfg := config.Load(); cfg.MetricsEnabled {
		startMetricsServer(ctx, cfg.MetricsBindAddr, infoHash, t)
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(cmd.OutOrStdout(), "shutting down")
			return nil

		case <-ticker.C:
			renderStats(cmd, t.GetStats())
		}
	}
}

// startMetricsServer exposes Prometheus metrics for the single torrent this
// command is driving, sampled every 5 seconds until ctx is cancelled.
func startMetricsServer(ctx context.Context, bindAddr, infoHash string, t *torrent.Torrent) {
	registry := metrics.NewRegistry()
	names := map[string]string{infoHash: t.Metainfo.Info.Name}

	go registry.Run(ctx, 5*time.Second, names, func() map[string]*torrent.Stats {
		return map[string]*torrent.Stats{infoHash: t.GetStats()}
	})

	srv := &http.Server{Addr: bindAddr, Handler: registry.Handler()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "error", err.Error())
		}
	}()

	go func() {
		<-ctx.Done()
		srv.Close()
	}()
}

func renderStats(cmd *cobra.Command, stats *torrent.Stats) {
	out := cmd.OutOrStdout()

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Progress", "Peers", "Down", "Up", "Leechers", "Seeders"})
	table.Append([]string{
		fmt.Sprintf("%.1f%%", stats.Progress),
		fmt.Sprintf("%d", stats.TotalPeers),
		humanRate(stats.DownloadRate),
		humanRate(stats.UploadRate),
		fmt.Sprintf("%d", stats.CurrentLeechers),
		fmt.Sprintf("%d", stats.CurrentSeeders),
	})
	table.Render()
}

func humanRate(bytesPerSec uint64) string {
	const unit = 1024
	if bytesPerSec < unit {
		return fmt.Sprintf("%d B/s", bytesPerSec)
	}

	div, exp := int64(unit), 0
	for n := bytesPerSec / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %ciB/s", float64(bytesPerSec)/float64(div), "KMGTPE"[exp])
}
