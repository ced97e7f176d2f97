// Package engine drives a set of torrents under a shared, process-wide
// bandwidth budget. Each torrent's own I/O already runs its own goroutines
// (scheduler, swarm, storage, tracker) with their own single-event-loop
// ownership of piece/peer state — engine does not collapse those into
// itself. What engine owns directly is: the shared rate limiters handed to
// each torrent, and the decision of when a torrent's verified-piece state
// is dirty enough to persist.
//
// That state is driven by a single cooperative goroutine (Run) executing a
// strict four-phase tick, the same shape as PieceScheduler's own event
// loop: state this goroutine touches is only ever touched here, so no
// locking is needed across phases within one tick.
//
//   - P1 ingest:   snapshot every active torrent's stats once per tick, so
//     every later phase in this tick works from one consistent view
//     instead of re-reading GetStats() mid-decision.
//   - P2 decide:   from that snapshot, compute each torrent's new rate
//     limit/burst share and whether its resume/DHT state has advanced
//     since the last tick and is due for a kvstore save.
//   - P3 generate: engine issues no peer I/O of its own (block requests
//     are PieceScheduler's job, run on its own event loop) — this phase
//     is intentionally a no-op for the engine and exists so the tick
//     shape stays uniform if a future action (e.g. triggering a
//     re-announce) needs to slot in here.
//   - P4 output:   apply the P2 decisions — push new limiter settings and
//     call Torrent.SaveState for every torrent marked dirty. This is the
//     only phase that performs side effects.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/riftwire/torrentd/internal/scheduler"
	"github.com/riftwire/torrentd/internal/torrent"
	"golang.org/x/time/rate"
)

// Config controls the engine's global rate limits and rebalance cadence.
type Config struct {
	// MaxDownloadRate caps aggregate download bytes/second across every
	// torrent the engine drives. 0 means unlimited.
	MaxDownloadRate int64

	// TickInterval is how often the engine recomputes per-torrent shares
	// of the global download budget.
	TickInterval time.Duration
}

func WithDefaultConfig() *Config {
	return &Config{
		MaxDownloadRate: 0,
		TickInterval:    5 * time.Second,
	}
}

// Engine owns the torrent.Client and the shared rate limiter every torrent's
// swarm reserves requests against.
type Engine struct {
	cfg    *Config
	log    *slog.Logger
	client *torrent.Client

	mu       sync.Mutex
	limiters map[[20]byte]*rate.Limiter // per-torrent share, rebuilt each tick
	active   map[[20]byte]*torrent.Torrent

	// lastVerified tracks, per torrent, the verified-piece count at the
	// last successful P4 save. Compared against in P2 to decide whether a
	// torrent's resume state is dirty and due for another save.
	// Read and written exclusively from the Run goroutine's tick — never
	// touched from AddTorrent/RemoveTorrent, so it needs no lock of its
	// own.
	lastVerified map[[20]byte]int
}

// tickSnapshot is the P1 output: one consistent view of every active
// torrent's stats for the rest of the tick to work from.
type tickSnapshot struct {
	hash     [20]byte
	t        *torrent.Torrent
	verified int
}

// tickDecision is the P2 output: what P4 should apply for one torrent.
type tickDecision struct {
	hash     [20]byte
	t        *torrent.Torrent
	limiter  *rate.Limiter
	limit    rate.Limit
	burst    int
	persist  bool
	verified int
}

func New(cfg *Config, client *torrent.Client, log *slog.Logger) *Engine {
	if cfg == nil {
		cfg = WithDefaultConfig()
	}
	if log == nil {
		log = slog.Default()
	}

	return &Engine{
		cfg:          cfg,
		log:          log.With("component", "engine"),
		client:       client,
		limiters:     make(map[[20]byte]*rate.Limiter),
		active:       make(map[[20]byte]*torrent.Torrent),
		lastVerified: make(map[[20]byte]int),
	}
}

// AddTorrent parses and registers a torrent, wiring it to the engine's
// current share of the global download budget, then starts it.
func (e *Engine) AddTorrent(data []byte) (*torrent.Torrent, error) {
	cfg := e.client.GetDefaultConfig()

	e.mu.Lock()
	n := len(e.active) + 1
	limiter := e.buildLimiter(n)
	e.mu.Unlock()

	cfg.DownloadLimiter = limiter

	t, err := e.client.AddTorrent(data, cfg)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.active[t.Metainfo.InfoHash] = t
	e.limiters[t.Metainfo.InfoHash] = limiter
	e.mu.Unlock()

	return t, nil
}

// RemoveTorrent stops and unregisters a torrent by its hex info hash.
func (e *Engine) RemoveTorrent(infoHashHex string) error {
	if err := e.client.RemoveTorrent(infoHashHex); err != nil {
		return err
	}

	e.mu.Lock()
	for hash := range e.active {
		if hashHex(hash) == infoHashHex {
			delete(e.active, hash)
			delete(e.limiters, hash)
			break
		}
	}
	e.mu.Unlock()

	return nil
}

// Run executes the P1→P4 tick described in the package doc on every
// TickInterval until ctx is cancelled. Exactly one tick runs at a time on
// this goroutine; engine state is never touched from any other goroutine.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("started", "max_download_rate", e.cfg.MaxDownloadRate)

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			e.tick()
		}
	}
}

// tick runs one ordered pass of ingest, decide, generate, output.
func (e *Engine) tick() {
	snapshots := e.ingest()
	decisions := e.decide(snapshots)
	e.generate(snapshots, decisions)
	e.output(decisions)
}

// ingest (P1) is the only phase that reads torrent state. It takes the
// registry lock just long enough to copy the active-torrent map, then calls
// GetStats outside the lock so a slow torrent can't stall AddTorrent/
// RemoveTorrent.
func (e *Engine) ingest() []tickSnapshot {
	e.mu.Lock()
	active := make(map[[20]byte]*torrent.Torrent, len(e.active))
	for hash, t := range e.active {
		active[hash] = t
	}
	e.mu.Unlock()

	snapshots := make([]tickSnapshot, 0, len(active))
	for hash, t := range active {
		stats := t.GetStats()

		verified := 0
		for _, st := range stats.PieceStates {
			if st == scheduler.PieceStateCompleted {
				verified++
			}
		}

		snapshots = append(snapshots, tickSnapshot{hash: hash, t: t, verified: verified})
	}

	return snapshots
}

// decide (P2) computes each torrent's new rate-limiter share (an equal
// split of the global budget among this tick's active torrents) and
// whether its verified-piece count grew since the last tick's snapshot,
// which marks it due for a P4 kvstore save.
func (e *Engine) decide(snapshots []tickSnapshot) []tickDecision {
	e.mu.Lock()
	limiters := make(map[[20]byte]*rate.Limiter, len(e.limiters))
	for hash, l := range e.limiters {
		limiters[hash] = l
	}
	e.mu.Unlock()

	n := len(snapshots)
	decisions := make([]tickDecision, 0, n)

	var limit rate.Limit
	var burst int
	if e.cfg.MaxDownloadRate == 0 || n == 0 {
		limit = rate.Inf
		burst = 0
	} else {
		share := e.cfg.MaxDownloadRate / int64(n)
		burst = int(share)
		if burst < 1 {
			burst = 1
		}
		limit = rate.Limit(share)
	}

	for _, snap := range snapshots {
		limiter := limiters[snap.hash]
		if limiter == nil {
			continue
		}

		persist := snap.verified > e.lastVerified[snap.hash]

		decisions = append(decisions, tickDecision{
			hash:     snap.hash,
			t:        snap.t,
			limiter:  limiter,
			limit:    limit,
			burst:    burst,
			persist:  persist,
			verified: snap.verified,
		})
	}

	return decisions
}

// generate (P3) is a deliberate no-op: engine issues no peer-facing I/O of
// its own. Block requests, chokes, and handshakes are generated entirely
// within each torrent's own PieceScheduler/Swarm event loops. This phase
// exists so the tick keeps the same four-phase shape documented for the
// package, ready for a future action (e.g. a forced re-announce) without
// reshuffling the other three.
func (e *Engine) generate(_ []tickSnapshot, _ []tickDecision) {}

// output (P4) is the only phase with side effects: it pushes new limiter
// settings and persists resume/DHT state for torrents decide marked dirty.
// A new limiter value is applied via SetLimit/SetBurst rather than
// swapping the *rate.Limiter pointer itself, since the Swarm already holds
// that pointer and SetLimit/SetBurst is safe for concurrent WaitN callers.
func (e *Engine) output(decisions []tickDecision) {
	for _, d := range decisions {
		if d.limit == rate.Inf {
			d.limiter.SetLimit(rate.Inf)
		} else {
			d.limiter.SetLimit(d.limit)
			d.limiter.SetBurst(d.burst)
		}

		if !d.persist {
			continue
		}

		if err := d.t.SaveState(); err != nil {
			e.log.Warn("failed to persist torrent state", "error", err.Error())
			continue
		}

		e.lastVerified[d.hash] = d.verified
	}
}

// buildLimiter constructs a limiter for a newly-added torrent given the
// expected number of active torrents after it joins. Must be called with
// e.mu held.
func (e *Engine) buildLimiter(activeCount int) *rate.Limiter {
	if e.cfg.MaxDownloadRate == 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}

	share := e.cfg.MaxDownloadRate / int64(activeCount)
	burst := int(share)
	if burst < 1 {
		burst = 1
	}

	return rate.NewLimiter(rate.Limit(share), burst)
}

func hashHex(h [20]byte) string {
	const hextable = "0123456789abcdef"
	buf := make([]byte, 40)
	for i, b := range h {
		buf[i*2] = hextable[b>>4]
		buf[i*2+1] = hextable[b&0xf]
	}
	return string(buf)
}
