package torrent

import (
	"github.com/riftwire/torrentd/internal/kvstore"
	"github.com/riftwire/torrentd/internal/peer"
	"github.com/riftwire/torrentd/internal/scheduler"
	"github.com/riftwire/torrentd/internal/storage"
	"golang.org/x/time/rate"
)

// Config bundles per-torrent subsystem configuration. The tracker and DHT
// clients have no per-torrent config of their own; both read process-wide
// settings through config.Load() and are built directly in NewTorrent.
type Config struct {
	Scheduler *scheduler.Config
	Storage   *storage.Config
	Peer      *peer.Config

	// DownloadLimiter, when set, caps this torrent's block-request rate.
	// internal/engine shares one limiter across every torrent it drives to
	// enforce a process-wide download cap; a standalone Torrent (no engine)
	// leaves this nil for unlimited.
	DownloadLimiter *rate.Limiter

	// KVStore, when set, is used to resume verified pieces from a previous
	// run and to seed/persist the DHT routing table. Nil disables resume
	// entirely: the torrent starts cold and nothing is saved on exit.
	KVStore *kvstore.Store
}

func WithDefaultConfig() *Config {
	return &Config{
		Scheduler: scheduler.WithDefaultConfig(),
		Storage:   storage.WithDefaultConfig(),
		Peer:      peer.WithDefaultConfig(),
	}
}
