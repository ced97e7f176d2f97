// Package metrics exposes the torrent engine's running state as Prometheus
// collectors: swarm/tracker/piece counters sampled from torrent.Stats on a
// fixed interval, plus a handler to serve them.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/riftwire/torrentd/internal/torrent"
)

// Registry owns the process's torrent-engine collectors and keeps them
// current by polling a torrent.Client on an interval.
type Registry struct {
	reg *prometheus.Registry

	progress    *prometheus.GaugeVec
	peersTotal  *prometheus.GaugeVec
	downloadBps *prometheus.GaugeVec
	uploadBps   *prometheus.GaugeVec
	seeders     *prometheus.GaugeVec
	leechers    *prometheus.GaugeVec
	announces   *prometheus.CounterVec

	seenAnnounces map[string]uint64
}

// NewRegistry builds a fresh registry with every torrent-engine collector
// registered under it.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		progress: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "torrentd",
			Name:      "torrent_progress_percent",
			Help:      "Percentage of verified pieces for a torrent.",
		}, []string{"info_hash", "name"}),
		peersTotal: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "torrentd",
			Name:      "torrent_peers",
			Help:      "Number of connected peers for a torrent.",
		}, []string{"info_hash", "name"}),
		downloadBps: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "torrentd",
			Name:      "torrent_download_bytes_per_second",
			Help:      "Current download rate for a torrent.",
		}, []string{"info_hash", "name"}),
		uploadBps: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "torrentd",
			Name:      "torrent_upload_bytes_per_second",
			Help:      "Current upload rate for a torrent.",
		}, []string{"info_hash", "name"}),
		seeders: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "torrentd",
			Name:      "torrent_tracker_seeders",
			Help:      "Seeders last reported by the tracker.",
		}, []string{"info_hash", "name"}),
		leechers: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "torrentd",
			Name:      "torrent_tracker_leechers",
			Help:      "Leechers last reported by the tracker.",
		}, []string{"info_hash", "name"}),
		announces: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "torrentd",
			Name:      "torrent_tracker_announces_total",
			Help:      "Total tracker announces attempted for a torrent.",
		}, []string{"info_hash", "name"}),
		seenAnnounces: make(map[string]uint64),
	}

	return r
}

// Handler returns the HTTP handler to mount at the metrics endpoint
// (config.Config.MetricsBindAddr).
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Sample records one torrent's current stats into the collectors.
func (r *Registry) Sample(infoHash, name string, stats *torrent.Stats) {
	r.progress.WithLabelValues(infoHash, name).Set(stats.Progress)
	r.peersTotal.WithLabelValues(infoHash, name).Set(float64(stats.TotalPeers))
	r.downloadBps.WithLabelValues(infoHash, name).Set(float64(stats.DownloadRate))
	r.uploadBps.WithLabelValues(infoHash, name).Set(float64(stats.UploadRate))
	r.seeders.WithLabelValues(infoHash, name).Set(float64(stats.CurrentSeeders))
	r.leechers.WithLabelValues(infoHash, name).Set(float64(stats.CurrentLeechers))

	counter := r.announces.WithLabelValues(infoHash, name)
	if prev, ok := r.seenAnnounces[infoHash]; ok && stats.TotalAnnounces > prev {
		counter.Add(float64(stats.TotalAnnounces - prev))
	} else if !ok && stats.TotalAnnounces > 0 {
		counter.Add(float64(stats.TotalAnnounces))
	}
	r.seenAnnounces[infoHash] = stats.TotalAnnounces
}

// SamplerFunc looks up the current stats for every tracked torrent; engine
// and cmd/torrentd both have their own notion of "tracked torrents" so
// Registry stays decoupled from either.
type SamplerFunc func() map[string]*torrent.Stats

// Run polls fn on interval and samples every torrent it returns, until ctx
// is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration, names map[string]string, fn SamplerFunc) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			for infoHash, stats := range fn() {
				r.Sample(infoHash, names[infoHash], stats)
			}
		}
	}
}
