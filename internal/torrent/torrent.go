package torrent

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/riftwire/torrentd/internal/bitfield"
	"github.com/riftwire/torrentd/internal/config"
	"github.com/riftwire/torrentd/internal/dht"
	"github.com/riftwire/torrentd/internal/meta"
	"github.com/riftwire/torrentd/internal/peer"
	"github.com/riftwire/torrentd/internal/scheduler"
	"github.com/riftwire/torrentd/internal/storage"
	"github.com/riftwire/torrentd/internal/tracker"
	"golang.org/x/sync/errgroup"
)

type Torrent struct {
	Metainfo *meta.Metainfo `json:"metainfo"`
	Size     int64          `json:"size"`

	clientID    [sha1.Size]byte
	sessionKey  uint32
	cfg         *Config
	logger      *slog.Logger
	tracker     *tracker.Tracker
	dht         *dht.DHT
	peerManager *peer.Swarm
	storage     *storage.Store
	scheduler   *scheduler.PieceScheduler
	cancel      context.CancelFunc
}

func NewTorrent(clientID [sha1.Size]byte, data []byte, cfg *Config) (*Torrent, error) {
	if cfg == nil {
		cfg = WithDefaultConfig()
	}

	metainfo, err := meta.ParseMetainfo(data)
	if err != nil {
		return nil, err
	}

	logger := slog.Default().With("torrent", metainfo.Info.Name)

	store, err := storage.NewStorage(metainfo, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}

	var resumeBitfield bitfield.Bitfield
	if cfg.KVStore != nil {
		data, ok, err := cfg.KVStore.LoadResumeData(metainfo.InfoHash)
		if err != nil {
			logger.Warn("failed to load resume data", "error", err.Error())
		} else if ok {
			resumeBitfield = bitfield.Bitfield(data)
			logger.Info("loaded resume data", "verified_bytes", len(data))
		}
	}

	pieceScheduler, err := scheduler.NewPieceScheduler(scheduler.Opts{
		Config:           cfg.Scheduler,
		Log:              logger,
		PieceHashes:      metainfo.Info.Pieces,
		PieceLength:      metainfo.Info.PieceLength,
		TotalSize:        metainfo.Size(),
		PieceQueue:       store.PieceQueue,
		ResultQueue:      store.PieceResultQueue,
		InitialBitfield:  resumeBitfield,
	})
	if err != nil {
		return nil, fmt.Errorf("build piece scheduler: %w", err)
	}

	peerManager, err := peer.NewSwarm(&peer.SwarmOpts{
		Config:          cfg.Peer,
		Logger:          logger,
		Scheduler:       pieceScheduler,
		InfoHash:        metainfo.InfoHash,
		ClientID:        clientID,
		DownloadLimiter: cfg.DownloadLimiter,
	})
	if err != nil {
		return nil, err
	}

	sessionID := uuid.New()

	t := &Torrent{
		Metainfo: metainfo,
		Size:     metainfo.Size(),
		clientID: clientID,
		// sessionKey is the BEP-3 "key" announce parameter: a value stable
		// for this torrent's lifetime that lets a tracker recognize us
		// across an IP change without trusting our peer id alone.
		sessionKey:  binary.BigEndian.Uint32(sessionID[:4]),
		cfg:         cfg,
		logger:      logger,
		scheduler:   pieceScheduler,
		peerManager: peerManager,
		storage:     store,
	}

	trk, err := tracker.NewTracker(
		metainfo.Announce,
		metainfo.AnnounceList,
		&tracker.TrackerOpts{
			Log:               logger,
			OnAnnounceStart:   t.buildAnnounceParams,
			OnAnnounceSuccess: peerManager.AdmitPeers,
		},
	)
	if err != nil {
		return nil, err
	}
	t.tracker = trk

	if config.Load().EnableDHT {
		var bootstrapSnapshot []byte
		if cfg.KVStore != nil {
			if snap, ok, err := cfg.KVStore.LoadDHTRoutingTable(); err != nil {
				logger.Warn("failed to load DHT routing table snapshot", "error", err.Error())
			} else if ok {
				bootstrapSnapshot = snap
			}
		}

		dhtInstance, err := dht.NewDHT(&dht.Config{
			Logger:            logger,
			LocalID:           clientID,
			ListenAddr:        fmt.Sprintf(":%d", config.Load().Port),
			BootstrapSnapshot: bootstrapSnapshot,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create DHT: %w", err)
		}
		t.dht = dhtInstance
	}

	return t, nil
}

func (t *Torrent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	if t.dht != nil {
		if err := t.dht.Start(); err != nil {
			return fmt.Errorf("failed to start DHT: %w", err)
		}
		defer t.dht.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return t.peerManager.Run(gctx) })
	g.Go(func() error { return t.scheduler.Run(gctx) })
	g.Go(func() error { return t.storage.Run(gctx) })
	g.Go(func() error { return t.tracker.Run(gctx) })

	if t.dht != nil {
		g.Go(func() error { return t.dhtPeerDiscoveryLoop(gctx) })
	}

	return g.Wait()
}

func (t *Torrent) Stop() {
	t.cancel()
}

type Stats struct {
	peer.SwarmMetrics
	tracker.TrackerMetrics
	Progress    float64                `json:"progress"`
	Peers       []peer.PeerMetrics     `json:"peers"`
	PieceStates []scheduler.PieceState `json:"pieceStates"`
}

func (t *Torrent) GetStats() *Stats {
	swarmStats := t.peerManager.Stats()
	trackerStats := t.tracker.Stats()
	pieceStates := t.scheduler.PieceStates()

	s := &Stats{
		Peers:       t.peerManager.PeerMetrics(),
		PieceStates: pieceStates,
	}
	s.SwarmMetrics = swarmStats
	s.TrackerMetrics = trackerStats

	if total := len(pieceStates); total > 0 {
		completed := 0
		for _, st := range pieceStates {
			if st == scheduler.PieceStateCompleted {
				completed++
			}
		}
		s.Progress = (float64(completed) / float64(total)) * 100.0
	}
	return s
}

// SaveState persists resume data (verified pieces) and, if a DHT client is
// running, its routing table snapshot, to the configured kvstore. A no-op
// if no kvstore was configured for this torrent.
func (t *Torrent) SaveState() error {
	if t.cfg.KVStore == nil {
		return nil
	}

	if err := t.cfg.KVStore.SaveResumeData(t.Metainfo.InfoHash, t.scheduler.Bitfield()); err != nil {
		return fmt.Errorf("save resume data: %w", err)
	}

	if t.dht != nil {
		if err := t.cfg.KVStore.SaveDHTRoutingTable(t.dht.RoutingTableSnapshot()); err != nil {
			return fmt.Errorf("save DHT routing table: %w", err)
		}
	}

	return nil
}

func (t *Torrent) GetConfig() *Config {
	return t.cfg
}

func (t *Torrent) UpdateConfig(cfg *Config) {
	if cfg == nil {
		return
	}

	t.cfg = cfg
	t.logger.Info("torrent configuration updated")
}

func (t *Torrent) buildAnnounceParams() *tracker.AnnounceParams {
	stats := t.peerManager.Stats()
	downloaded := stats.TotalDownloaded
	left := uint64(t.Size) - downloaded

	event := tracker.EventNone
	switch {
	case downloaded >= uint64(t.Size):
		event = tracker.EventCompleted
	case downloaded == 0:
		event = tracker.EventStarted
	}

	return &tracker.AnnounceParams{
		Event:      event,
		InfoHash:   t.Metainfo.InfoHash,
		PeerID:     t.clientID,
		Key:        t.sessionKey,
		Uploaded:   stats.TotalUploaded,
		Downloaded: downloaded,
		Left:       left,
		NumWant:    config.Load().NumWant,
		Port:       config.Load().Port,
	}
}

func (t *Torrent) dhtPeerDiscoveryLoop(ctx context.Context) error {
	interval := config.Load().MinAnnounceInterval
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	t.queryDHTForPeers()
	t.announceToDHT()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.queryDHTForPeers()
			t.announceToDHT()
		}
	}
}

func (t *Torrent) queryDHTForPeers() {
	peers, err := t.dht.GetPeers(t.Metainfo.InfoHash)
	if err != nil {
		t.logger.Warn("DHT peer lookup failed", "error", err.Error())
		return
	}

	if len(peers) == 0 {
		t.logger.Debug("no peers found in DHT")
		return
	}

	addrs := make([]netip.AddrPort, 0, len(peers))
	for _, peerNet := range peers {
		var addr netip.AddrPort
		switch p := peerNet.(type) {
		case *net.UDPAddr:
			ip, ok := netip.AddrFromSlice(p.IP)
			if !ok {
				continue
			}
			addr = netip.AddrPortFrom(ip, uint16(p.Port))
		case *net.TCPAddr:
			ip, ok := netip.AddrFromSlice(p.IP)
			if !ok {
				continue
			}
			addr = netip.AddrPortFrom(ip, uint16(p.Port))
		default:
			t.logger.Warn("unknown peer address type from DHT", "type", fmt.Sprintf("%T", peerNet))
			continue
		}

		addrs = append(addrs, addr)
	}

	if len(addrs) > 0 {
		t.logger.Info("found peers via DHT", "count", len(addrs))
		t.peerManager.AdmitPeers(addrs)
	}
}

func (t *Torrent) announceToDHT() {
	port := int(config.Load().Port)

	if err := t.dht.AnnouncePeer(t.Metainfo.InfoHash, port); err != nil {
		t.logger.Warn("DHT announce failed", "error", err.Error())
		return
	}

	t.logger.Debug("announced to DHT", "port", port)
}
