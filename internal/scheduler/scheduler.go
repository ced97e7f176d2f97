package scheduler

import (
	"context"
	"crypto/sha1"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	goruntime "runtime"
	"sync"
	"time"

	"github.com/riftwire/torrentd/internal/bitfield"
	"github.com/riftwire/torrentd/internal/config"
	"github.com/riftwire/torrentd/internal/pieceutil"
)

type Config struct {
	DownloadDir string

	// DownloadStrategy chooses how to rank eligible pieces.
	DownloadStrategy DownloadStrategy

	// MaxInflightRequestsPerPeer limits how many requests can be outstanding
	// to a single peer at once.
	MaxInflightRequestsPerPeer int

	// MinInflightRequestsPerPeer is a soft floor for a peer's request
	// window (1–4 is typical). The scheduler does not read it: a peer's
	// window is MaxInflightRequestsPerPeer minus its in-flight requests.
	MinInflightRequestsPerPeer int

	// RequestQueueTimeout is the target amount of data (in seconds) to keep
	// pipelined per peer (libtorrent: request_queue_time). The scheduler
	// does not read it; no rate- or RTT-based window sizing is done.
	RequestQueueTimeout time.Duration

	// RequestTimeout is the baseline time after which an in-flight block
	// can be considered timed-out and re-assigned. You can adapt it
	// per-peer using RTT.
	RequestTimeout time.Duration

	// EndgameDuplicatePerBlock, when Endgame is enabled, caps the number of
	// duplicate owners (peers concurrently fetching the same block).
	EndgameDuplicatePerBlock int

	// EndgameThreshold decides when to enter endgame based on remaining blocks.
	EndgameThreshold int

	// maxRequestBacklog is the maximum requests that the per-peer work queue
	// can have.
	maxRequestBacklog int
}

func WithDefaultConfig() *Config {
	return &Config{
		DownloadDir:                getDefaultDownloadDir(),
		MaxInflightRequestsPerPeer: 32,
		MinInflightRequestsPerPeer: 4,
		RequestQueueTimeout:        3 * time.Second,
		RequestTimeout:             25 * time.Second,
		EndgameDuplicatePerBlock:   5,
		EndgameThreshold:           30,
		maxRequestBacklog:          64,
	}
}

func getDefaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch goruntime.GOOS {
	case "windows":
		return filepath.Join(home, "Downloads", "torrentd")
	case "darwin":
		return filepath.Join(home, "Downloads", "torrentd")
	default: // linux, bsd, etc.
		return filepath.Join(home, ".local", "share", "torrentd", "downloads")
	}
}

type peerState struct {
	inflight         int
	choked           bool
	workQueue        chan *WorkItem
	addr             netip.AddrPort
	bitfield         bitfield.Bitfield
	blockAssignments map[uint64]struct{}

	// timeoutStrikes counts consecutive requests that timed out without a
	// PIECE ever arriving. Reset whenever the peer delivers a block.
	timeoutStrikes int
}

func newPeerState(addr netip.AddrPort, pieceCount, workQueueSize int) *peerState {
	return &peerState{
		addr:             addr,
		bitfield:         bitfield.New(pieceCount),
		blockAssignments: make(map[uint64]struct{}),
		workQueue:        make(chan *WorkItem, workQueueSize),
	}
}

// WorkItemType distinguishes the kinds of outbound work the scheduler hands
// a peer through its per-peer work queue.
type WorkItemType int

const (
	// WorkRequest asks the peer connection to send a block request.
	WorkRequest WorkItemType = iota
	// WorkSendBitfield asks the peer connection to send our bitfield,
	// issued once the handshake completes.
	WorkSendBitfield
	// WorkCancel asks the peer connection to send a cancel for a request
	// that another peer fulfilled first (endgame duplicate cleanup).
	WorkCancel
	// WorkDisconnect asks the peer connection to close, issued once a peer
	// accumulates too many timed-out requests.
	WorkDisconnect
	// WorkTimeout tells the peer connection to record that one of its
	// outstanding requests timed out, for its own per-peer metrics.
	WorkTimeout
)

// maxRequestTimeoutStrikes is how many of a peer's requests may time out
// before the scheduler asks the swarm to drop the connection.
const maxRequestTimeoutStrikes = 3

// WorkItem is a unit of outbound work dispatched to a single peer
// connection. Which fields are meaningful depends on Type.
type WorkItem struct {
	Type     WorkItemType
	Bitfield bitfield.Bitfield
	Piece    int
	Begin    int
	Length   int
}

// PieceResult reports the outcome of verifying a piece's assembled bytes
// against its expected hash, produced by the storage layer once every block
// in a piece has been written.
type PieceResult struct {
	Piece   int
	Success bool
}

// PieceScheduler is the central coordinator for a torrent download. It manages
// the state of all pieces, tracks peer availability, and implements the
// piece-picking strategy (e.g., rarest-first, sequential).
//
// All its methods that modify state are expected to be called from a single
// "event loop" goroutine, making most fields safe to access without locks
// *within* that loop. The eventQueue is the entry point for all state changes.
type PieceScheduler struct {
	log *slog.Logger
	cfg *Config

	mut sync.RWMutex
	// lastPieceLen is the byte length of the final piece (which may be shorter).
	lastPieceLen int32

	// pieceCount is the total number of pieces in the torrent.
	pieceCount int

	// pieces holds the detailed state for every piece, indexed by piece number.
	pieces []*piece

	// availability tracks piece rarity for the rarest-first algorithm.
	availability *bitfield.AvailabilityTracker

	// nextPiece is the index of the next piece to pick for sequential download
	// (e.g., for streaming or to prioritize the start of the file).
	nextPiece int

	// nextBlock is the index of the next block within nextPiece to pick.
	nextBlock int

	// endgame is true when the download is in endgame mode (requesting all
	// remaining blocks from all available peers).
	endgame bool

	// remainingBlocks is a count of all blocks that are still in blockWant
	// state. This is often used to trigger endgame mode.
	remainingBlocks int

	// bitfield is our local bitfield, tracking which pieces we have verified.
	bitfield bitfield.Bitfield

	// inflightRequests is the global count of all block requests currently in
	// flight across all peers.
	inflightRequests int

	// eventQueue is the central channel for receiving events form peers to be
	// processed by the scheduler's event loop.
	eventQueue chan Event

	peerStateMut sync.RWMutex

	// peerState tracks the state of all currently connected peers, keyed by their
	// network address.
	peerState map[netip.AddrPort]*peerState

	// totalSize is the torrent's full content length, used to compute the
	// final piece's exact length.
	totalSize int64

	// pieceQueue is where completed blocks are handed to the storage layer
	// for assembly and hash verification.
	pieceQueue chan<- *BlockData

	// resultQueue carries back verification outcomes from the storage
	// layer so the scheduler can mark pieces done or re-queue their blocks.
	resultQueue <-chan *PieceResult
}

type Opts struct {
	Config      *Config
	Log         *slog.Logger
	PieceHashes [][sha1.Size]byte
	PieceLength int32
	TotalSize   int64
	PieceQueue  chan<- *BlockData
	ResultQueue <-chan *PieceResult

	// InitialBitfield seeds already-verified pieces from resume data loaded
	// via kvstore.Store.LoadResumeData, so a restart doesn't re-download and
	// re-hash content already on disk. Nil means start from scratch.
	InitialBitfield bitfield.Bitfield
}

func NewPieceScheduler(opts Opts) (*PieceScheduler, error) {
	if opts.Config == nil {
		opts.Config = WithDefaultConfig()
	}

	n := len(opts.PieceHashes)
	availability := bitfield.NewAvailabilityTracker(n, config.Load().MaxPeers)

	totalBlocks := 0
	lastPieceLen := pieceutil.LastPieceLength(opts.TotalSize, opts.PieceLength)
	pieces := make([]*piece, n)

	for i := 0; i < n; i++ {
		plen, _ := pieceutil.PieceLengthAt(i, opts.TotalSize, opts.PieceLength)
		blockCount := pieceutil.BlocksInPiece(plen)
		totalBlocks += blockCount
		blocks := make([]*block, blockCount)

		for j := 0; j < blockCount; j++ {
			blocks[j] = &block{status: blockWant}
		}

		pieces[i] = &piece{
			index:       i,
			doneBlocks:  0,
			length:      plen,
			verified:    false,
			blocks:      blocks,
			isLastPiece: i == n-1,
			blockCount:  blockCount,
			sha:         opts.PieceHashes[i],
			lastBlock:   pieceutil.LastBlockInPiece(plen),
		}
	}

	s := &PieceScheduler{
		nextPiece:       0,
		nextBlock:       0,
		pieceCount:      n,
		endgame:         false,
		pieces:          pieces,
		remainingBlocks: totalBlocks,
		cfg:             opts.Config,
		availability:    availability,
		lastPieceLen:    lastPieceLen,
		bitfield:        bitfield.New(n),
		eventQueue:      make(chan Event, 1000),
		peerState:       make(map[netip.AddrPort]*peerState),
		log:             opts.Log.With("component", "scheduler"),
		totalSize:       opts.TotalSize,
		pieceQueue:      opts.PieceQueue,
		resultQueue:     opts.ResultQueue,
	}

	if opts.InitialBitfield != nil {
		s.seedVerifiedPieces(opts.InitialBitfield)
	}

	return s, nil
}

// seedVerifiedPieces marks every piece already set in resume bitfield as
// verified without re-hashing it, and removes its blocks from the want
// pool so the scheduler never re-requests content already on disk.
func (s *PieceScheduler) seedVerifiedPieces(resume bitfield.Bitfield) {
	for i := 0; i < s.pieceCount; i++ {
		if !resume.Has(i) {
			continue
		}

		p := s.pieces[i]
		p.verified = true
		p.doneBlocks = p.blockCount
		for _, b := range p.blocks {
			b.status = blockDone
			b.owners = nil
		}

		s.remainingBlocks -= p.blockCount
		s.bitfield.Set(i)
	}

	if s.remainingBlocks < 0 {
		s.remainingBlocks = 0
	}
}

func (s *PieceScheduler) Run(ctx context.Context) error {
	s.log.Debug("piece scheduler event loop started")

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("piece scheduler shutting down", "reason", ctx.Err().Error())
			return nil

		case event, ok := <-s.eventQueue:
			if !ok {
				s.log.Debug("event queue closed, scheduler stopping")
				return nil
			}

			s.handleEvent(event)

		case result, ok := <-s.resultQueue:
			if !ok {
				s.resultQueue = nil
				continue
			}
			s.MarkPieceVerified(result.Piece, result.Success)

		case <-ticker.C:
			s.sweepTimeouts()
			s.findWorkForIdlePeers()
		}
	}
}

// PieceCount returns the total number of pieces in the torrent.
func (s *PieceScheduler) PieceCount() int {
	return s.pieceCount
}

func (s *PieceScheduler) Bitfield() bitfield.Bitfield {
	s.mut.RLock()
	defer s.mut.RUnlock()

	return s.bitfield
}

func (s *PieceScheduler) GetPeerWorkQueue(peer netip.AddrPort) <-chan *WorkItem {
	s.peerStateMut.RLock()
	if peerState, ok := s.peerState[peer]; ok {
		s.peerStateMut.RUnlock()
		return peerState.workQueue
	}
	s.peerStateMut.RUnlock()

	s.peerStateMut.Lock()
	defer s.peerStateMut.Unlock()

	if peerState, ok := s.peerState[peer]; ok {
		return peerState.workQueue
	}

	peerState := newPeerState(peer, s.pieceCount, s.cfg.maxRequestBacklog)
	s.peerState[peer] = peerState
	return peerState.workQueue
}

func (s *PieceScheduler) GetEventQueue() chan<- Event {
	return s.eventQueue
}

func (s *PieceScheduler) findAvailableBlock(piece *piece) (int, bool) {
	for i := 0; i < piece.blockCount; i++ {
		if piece.blocks[i].status == blockWant {
			return i, true
		}
	}

	return 0, false
}

// resetBlockToWant drops addr's ownership of one block, reverting it to
// blockWant once no peer still holds it. Used both for a peer disconnecting
// mid-request and for a request that timed out.
func (s *PieceScheduler) resetBlockToWant(piece int, blockIdx int, addr netip.AddrPort) {
	if piece < 0 || piece >= s.pieceCount {
		return
	}

	p := s.pieces[piece]
	if blockIdx < 0 || blockIdx >= len(p.blocks) {
		return
	}

	block := p.blocks[blockIdx]
	if block.status != blockInflight {
		return
	}

	if _, owned := block.owners[addr]; !owned {
		return
	}

	delete(block.owners, addr)
	s.inflightRequests--

	if len(block.owners) == 0 {
		block.status = blockWant
		if s.isPieceNeeded(piece) {
			s.remainingBlocks++
		}
	}
}

func (s *PieceScheduler) assignBlockToPeer(peer *peerState, pieceIdx, blockIdx int) {
	piece := s.pieces[pieceIdx]
	block := piece.blocks[blockIdx]

	begin, length, err := pieceutil.BlockBounds(piece.length, blockIdx)
	if err != nil {
		s.log.Error("invalid block bounds", "piece", pieceIdx, "block", blockIdx)
		return
	}

	firstOwner := block.status == blockWant
	block.status = blockInflight
	if block.owners == nil {
		block.owners = make(map[netip.AddrPort]time.Time, 1)
	}
	block.owners[peer.addr] = time.Now()

	peer.inflight++
	key := blockKey(pieceIdx, int(begin))
	peer.blockAssignments[key] = struct{}{}

	s.peerStateMut.Lock()
	defer s.peerStateMut.Unlock()

	s.inflightRequests++
	if firstOwner {
		s.remainingBlocks--
	}

	req := &WorkItem{Type: WorkRequest, Piece: pieceIdx, Begin: int(begin), Length: int(length)}

	select {
	case peer.workQueue <- req:

	default:
		s.log.Warn("work queue full, dropping request", "peer", peer.addr)

		delete(block.owners, peer.addr)
		if len(block.owners) == 0 {
			block.status = blockWant
			if firstOwner {
				s.remainingBlocks++
			}
		}
		peer.inflight--
		delete(peer.blockAssignments, key)
		s.inflightRequests--
	}
}

// cancelDuplicateRequest tells addr to stop waiting for a block another peer
// already delivered, and clears the scheduler's bookkeeping for it.
func (s *PieceScheduler) cancelDuplicateRequest(addr netip.AddrPort, pieceIdx, begin, blockIdx int, pieceLen int32) {
	s.peerStateMut.Lock()
	ps, ok := s.peerState[addr]
	if ok {
		key := blockKey(pieceIdx, begin)
		delete(ps.blockAssignments, key)
		ps.inflight--
	}
	s.peerStateMut.Unlock()

	if !ok {
		return
	}

	_, length, err := pieceutil.BlockBounds(pieceLen, blockIdx)
	if err != nil {
		return
	}

	select {
	case ps.workQueue <- &WorkItem{Type: WorkCancel, Piece: pieceIdx, Begin: begin, Length: int(length)}:
	default:
	}
}

func (s *PieceScheduler) unassignBlockFromPeer(peer netip.AddrPort, piece, begin int) {
	key := blockKey(piece, begin)

	s.peerStateMut.Lock()
	defer s.peerStateMut.Unlock()

	ps, ok := s.peerState[peer]
	if !ok {
		s.log.Warn("unassign block from peer failed; not found!",
			"peer", peer,
			"piece", piece,
			"begin", begin,
		)
		return
	}

	delete(ps.blockAssignments, key)
	ps.inflight--
}

func (s *PieceScheduler) isBlockAssignedtoPeer(peer netip.AddrPort, piece, begin int) bool {
	s.peerStateMut.RLock()
	defer s.peerStateMut.RUnlock()

	ps, ok := s.peerState[peer]
	if !ok {
		s.log.Warn("is block assigned to peer failed; not found!",
			"peer", peer,
			"piece", piece,
			"begin", begin,
		)
		return false
	}

	key := blockKey(piece, begin)
	_, assigned := ps.blockAssignments[key]
	return assigned
}

func (s *PieceScheduler) updatePieceAvailability(peerBF bitfield.Bitfield, delta int) {
	s.mut.RLock()
	weHave := s.bitfield.Clone()
	s.mut.RUnlock()

	for i := 0; i < s.pieceCount; i++ {
		if peerBF.Has(i) && !weHave.Has(i) {
			if delta > 0 {
				s.availability.Inc(i)
			} else {
				s.availability.Dec(i)
			}
		}
	}
}

func (s *PieceScheduler) isPieceNeeded(piece int) bool {
	if piece < 0 || piece >= s.pieceCount {
		return false
	}

	return !s.bitfield.Has(piece) && !s.pieces[piece].verified
}

func (s *PieceScheduler) findWorkForIdlePeers() {
	s.maybeEnterEndgame()

	candidates := make([]netip.AddrPort, 0, len(s.peerState))

	s.peerStateMut.RLock()
	for addr, ps := range s.peerState {
		if !ps.choked && ps.inflight < s.cfg.MaxInflightRequestsPerPeer {
			candidates = append(candidates, addr)
		}
	}
	s.peerStateMut.RUnlock()

	for _, addr := range candidates {
		s.nextForPeer(addr)
	}
}

// maybeEnterEndgame flips the scheduler into endgame mode once few enough
// blocks remain, so the last pieces aren't held hostage by one slow peer.
// Only called from the event-loop goroutine (Run's ticker case).
func (s *PieceScheduler) maybeEnterEndgame() {
	if s.endgame || s.remainingBlocks <= 0 || s.remainingBlocks > s.cfg.EndgameThreshold {
		return
	}

	s.endgame = true
	s.log.Info("entering endgame", "remaining_blocks", s.remainingBlocks)
}

// timedOutRequest names one in-flight block request that has exceeded
// Config.RequestTimeout without a PIECE arriving.
type timedOutRequest struct {
	addr     netip.AddrPort
	piece    int
	blockIdx int
}

// sweepTimeouts reverts any block request that has been outstanding longer
// than Config.RequestTimeout, and disconnects peers that rack up too many of
// them in a row.
func (s *PieceScheduler) sweepTimeouts() {
	timeout := s.cfg.RequestTimeout
	if timeout <= 0 {
		return
	}

	now := time.Now()
	var expired []timedOutRequest

	s.mut.RLock()
	for pi, p := range s.pieces {
		if p.verified {
			continue
		}
		for bi, blk := range p.blocks {
			if blk.status != blockInflight {
				continue
			}
			for addr, requestedAt := range blk.owners {
				if now.Sub(requestedAt) >= timeout {
					expired = append(expired, timedOutRequest{addr: addr, piece: pi, blockIdx: bi})
				}
			}
		}
	}
	s.mut.RUnlock()

	if len(expired) == 0 {
		return
	}

	strikes := make(map[netip.AddrPort]int, len(expired))
	for _, e := range expired {
		s.resetBlockToWant(e.piece, e.blockIdx, e.addr)
		strikes[e.addr]++
		s.notifyRequestTimeout(e.addr)
	}

	for addr, n := range strikes {
		s.recordTimeoutStrikes(addr, n)
	}
}

// notifyRequestTimeout best-effort enqueues a WorkTimeout so the peer
// connection can bump its own RequestsTimeout metric.
func (s *PieceScheduler) notifyRequestTimeout(addr netip.AddrPort) {
	s.peerStateMut.Lock()
	ps, ok := s.peerState[addr]
	s.peerStateMut.Unlock()
	if !ok {
		return
	}

	select {
	case ps.workQueue <- &WorkItem{Type: WorkTimeout}:
	default:
	}
}

// recordTimeoutStrikes accumulates timeout strikes for addr and asks the
// swarm to drop the connection once it crosses maxRequestTimeoutStrikes.
func (s *PieceScheduler) recordTimeoutStrikes(addr netip.AddrPort, n int) {
	s.peerStateMut.Lock()
	ps, ok := s.peerState[addr]
	if !ok {
		s.peerStateMut.Unlock()
		return
	}
	ps.timeoutStrikes += n
	strikes := ps.timeoutStrikes
	wq := ps.workQueue
	s.peerStateMut.Unlock()

	if strikes < maxRequestTimeoutStrikes {
		return
	}

	s.log.Warn("peer exceeded request timeout strikes, disconnecting", "peer", addr, "strikes", strikes)
	select {
	case wq <- &WorkItem{Type: WorkDisconnect}:
	default:
	}
}
