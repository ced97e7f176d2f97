package scheduler

import (
	"crypto/sha1"
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/riftwire/torrentd/internal/bitfield"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestScheduler builds a scheduler with a single piece of two 16KiB
// blocks, matching pieceutil.MaxBlockLength exactly so BlocksInPiece == 2.
func newTestScheduler(t *testing.T, cfg *Config) *PieceScheduler {
	t.Helper()

	if cfg == nil {
		cfg = WithDefaultConfig()
	}
	// A Config built by hand rather than by WithDefaultConfig lacks the
	// maxRequestBacklog default, which would otherwise make every peer's
	// queue unbuffered and cause assignBlockToPeer's non-blocking send to
	// always drop.
	if cfg.maxRequestBacklog == 0 {
		cfg.maxRequestBacklog = 8
	}

	s, err := NewPieceScheduler(Opts{
		Config:      cfg,
		Log:         testLogger(),
		PieceHashes: [][sha1.Size]byte{{0x1}},
		PieceLength: 32768,
		TotalSize:   32768,
		PieceQueue:  make(chan *BlockData, 8),
		ResultQueue: make(chan *PieceResult, 8),
	})
	if err != nil {
		t.Fatalf("NewPieceScheduler() error = %v", err)
	}

	return s
}

func registerPeer(s *PieceScheduler, addr netip.AddrPort) *peerState {
	s.GetPeerWorkQueue(addr) // creates peerState as a side effect
	s.peerStateMut.RLock()
	ps := s.peerState[addr]
	s.peerStateMut.RUnlock()

	full := bitfield.New(s.pieceCount)
	for i := 0; i < s.pieceCount; i++ {
		full.Set(i)
	}
	ps.bitfield = full

	return ps
}

func TestAssignBlockToPeer_SingleOwnerOutsideEndgame(t *testing.T) {
	s := newTestScheduler(t, nil)
	addr := netip.MustParseAddrPort("10.0.0.1:6881")
	registerPeer(s, addr)

	before := s.remainingBlocks
	s.assignBlockToPeer(s.peerState[addr], 0, 0)

	if s.remainingBlocks != before-1 {
		t.Errorf("remainingBlocks = %d, want %d", s.remainingBlocks, before-1)
	}
	if got := s.pieces[0].blocks[0].status; got != blockInflight {
		t.Errorf("block status = %v, want blockInflight", got)
	}
	if n := len(s.pieces[0].blocks[0].owners); n != 1 {
		t.Errorf("owners = %d, want 1", n)
	}
}

func TestSelectEndgameBlocks_DuplicatesUpToLimit(t *testing.T) {
	cfg := WithDefaultConfig()
	cfg.EndgameDuplicatePerBlock = 2
	s := newTestScheduler(t, cfg)
	s.endgame = true

	peerA := registerPeer(s, netip.MustParseAddrPort("10.0.0.1:6881"))
	peerB := registerPeer(s, netip.MustParseAddrPort("10.0.0.2:6881"))
	peerC := registerPeer(s, netip.MustParseAddrPort("10.0.0.3:6881"))

	s.selectEndgameBlocks(peerA, 2)
	s.selectEndgameBlocks(peerB, 2)
	s.selectEndgameBlocks(peerC, 2)

	blk := s.pieces[0].blocks[0]
	if n := len(blk.owners); n != cfg.EndgameDuplicatePerBlock {
		t.Fatalf("block 0 owners = %d, want %d (capped by EndgameDuplicatePerBlock)", n, cfg.EndgameDuplicatePerBlock)
	}
	if _, ok := blk.owners[peerC.addr]; ok {
		t.Errorf("third peer should have been refused block 0, already at cap")
	}
}

func TestOnPiece_CancelsLosingEndgameDuplicates(t *testing.T) {
	cfg := WithDefaultConfig()
	cfg.EndgameDuplicatePerBlock = 2
	s := newTestScheduler(t, cfg)
	s.endgame = true

	peerA := registerPeer(s, netip.MustParseAddrPort("10.0.0.1:6881"))
	peerB := registerPeer(s, netip.MustParseAddrPort("10.0.0.2:6881"))

	s.assignBlockToPeer(peerA, 0, 0)
	s.assignBlockToPeer(peerB, 0, 0)

	if n := len(s.pieces[0].blocks[0].owners); n != 2 {
		t.Fatalf("expected both peers to own block 0, got %d owners", n)
	}

	// Take the WorkRequest that assignBlockToPeer queued for peerB, so the
	// next item on its queue is the one onPiece sends.
	select {
	case <-peerB.workQueue:
	default:
		t.Fatal("expected a WorkRequest queued for peerB")
	}

	s.onPiece(peerA.addr, PieceData{Piece: 0, Begin: 0, Data: make([]byte, 16384)})

	if s.pieces[0].doneBlocks != 1 {
		t.Errorf("doneBlocks = %d, want 1 after first real delivery", s.pieces[0].doneBlocks)
	}
	if got := s.pieces[0].blocks[0].status; got != blockDone {
		t.Errorf("block status = %v, want blockDone", got)
	}

	select {
	case item := <-peerB.workQueue:
		if item.Type != WorkCancel {
			t.Errorf("peerB work item type = %v, want WorkCancel", item.Type)
		}
	default:
		t.Error("expected a WorkCancel queued for the losing duplicate owner")
	}

	// A second, late PIECE for the same block from the cancelled peer must
	// be dropped rather than double-counted.
	before := s.pieces[0].doneBlocks
	s.onPiece(peerB.addr, PieceData{Piece: 0, Begin: 0, Data: make([]byte, 16384)})
	if s.pieces[0].doneBlocks != before {
		t.Errorf("doneBlocks changed on duplicate late delivery: %d -> %d", before, s.pieces[0].doneBlocks)
	}
}

func TestSweepTimeouts_RevertsBlockAndDisconnectsAfterStrikes(t *testing.T) {
	cfg := WithDefaultConfig()
	cfg.RequestTimeout = 10 * time.Millisecond
	s := newTestScheduler(t, cfg)

	addr := netip.MustParseAddrPort("10.0.0.1:6881")
	ps := registerPeer(s, addr)

	for i := 0; i < maxRequestTimeoutStrikes; i++ {
		s.assignBlockToPeer(ps, 0, 0)
		s.pieces[0].blocks[0].owners[addr] = time.Now().Add(-cfg.RequestTimeout * 2)

		s.sweepTimeouts()

		if got := s.pieces[0].blocks[0].status; got != blockWant {
			t.Fatalf("iteration %d: block status = %v, want blockWant after timeout sweep", i, got)
		}
	}

	var sawDisconnect, sawTimeout bool
	for {
		select {
		case item := <-ps.workQueue:
			switch item.Type {
			case WorkDisconnect:
				sawDisconnect = true
			case WorkTimeout:
				sawTimeout = true
			}
			continue
		default:
		}
		break
	}

	if !sawTimeout {
		t.Error("expected at least one WorkTimeout notification")
	}
	if !sawDisconnect {
		t.Errorf("expected WorkDisconnect after %d consecutive timeout strikes", maxRequestTimeoutStrikes)
	}
}

func TestSeedVerifiedPieces_SkipsResumedBlocks(t *testing.T) {
	resume := bitfield.New(1)
	resume.Set(0)

	s, err := NewPieceScheduler(Opts{
		Config:          WithDefaultConfig(),
		Log:             testLogger(),
		PieceHashes:     [][sha1.Size]byte{{0x1}},
		PieceLength:     32768,
		TotalSize:       32768,
		PieceQueue:      make(chan *BlockData, 1),
		ResultQueue:     make(chan *PieceResult, 1),
		InitialBitfield: resume,
	})
	if err != nil {
		t.Fatalf("NewPieceScheduler() error = %v", err)
	}

	if !s.pieces[0].verified {
		t.Error("piece 0 should be marked verified from resume data")
	}
	if s.remainingBlocks != 0 {
		t.Errorf("remainingBlocks = %d, want 0 after seeding a fully-resumed piece", s.remainingBlocks)
	}
	if !s.bitfield.Has(0) {
		t.Error("scheduler bitfield should have piece 0 set after seeding")
	}
}
