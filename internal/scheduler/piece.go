package scheduler

import (
	"crypto/sha1"
	"net/netip"
	"time"
)

type PieceState int

const (
	PieceStateNotStarted PieceState = iota
	PieceStateInProgress
	PieceStateCompleted
)

func (s *PieceScheduler) PieceStates() []PieceState {
	s.mut.RLock()
	defer s.mut.RUnlock()

	states := make([]PieceState, s.pieceCount)
	for i, p := range s.pieces {
		if p.verified {
			states[i] = PieceStateCompleted
		} else if p.doneBlocks > 0 {
			states[i] = PieceStateInProgress
		} else {
			states[i] = PieceStateNotStarted
		}
	}

	return states
}

type blockStatus uint8

const (
	blockWant blockStatus = iota
	blockInflight
	blockDone
)

// block tracks one requestable byte range within a piece. owners maps each
// peer currently holding an outstanding request for this block to the time
// the request was issued. Outside endgame there is at most one owner; during
// endgame a block may have up to Config.EndgameDuplicatePerBlock owners at
// once, since the first PIECE to arrive wins and the rest are cancelled.
type block struct {
	status blockStatus
	owners map[netip.AddrPort]time.Time
}

// piece describes one piece's static metadata and dynamic progress.
type piece struct {
	// index is the zero-based piece index within the torrent.
	index int

	// length is the exact byte length of this piece. For all pieces except
	// the last, it will equal the torrent's piece length; the last may be
	// shorter.
	length int32

	// blockCount is the number of requestable blocks in this piece. All
	// blocks except the last are MaxBlockLength long; see lastBlock.
	blockCount int

	// lastBlock is the byte size of the final block in this piece.
	lastBlock int32

	// isLastPiece is true for the last piece of the torrent.
	isLastPiece bool

	// sha is the expected SHA-1 of the piece (20 bytes from the metainfo).
	sha [sha1.Size]byte

	// doneBlocks is a fast counter of how many blocks have reached
	// blockDone. When doneBlocks == blockCount the piece is byte-complete
	// and ready to verify.
	doneBlocks int

	// verified is true once the piece has been hashed and matched its
	// expected SHA-1.
	verified bool

	// blocks holds all blocks in this piece, indexed by block offset.
	blocks []*block
}

type PieceInfo struct {
	Length int32
	IsLast bool
}

func (s *PieceScheduler) PieceInfo(piece int) PieceInfo {
	ps := s.pieces[piece]
	return PieceInfo{Length: ps.length, IsLast: ps.isLastPiece}
}

func (s *PieceScheduler) PieceHash(piece int) [sha1.Size]byte {
	s.mut.RLock()
	defer s.mut.RUnlock()

	return s.pieces[piece].sha
}

func (s *PieceScheduler) FirstUnverifiedPiece() (int, bool) {
	s.mut.RLock()
	defer s.mut.RUnlock()

	for i := 0; i < s.pieceCount; i++ {
		if !s.pieces[i].verified {
			return i, true
		}
	}

	return 0, false
}

// MarkPieceVerified records the outcome of a piece's hash check, as reported
// by the disk writer once all of a piece's blocks are on disk. A failed
// check resets every block in the piece back to blockWant so it is
// re-requested from peers.
func (s *PieceScheduler) MarkPieceVerified(pieceIdx int, ok bool) {
	if pieceIdx < 0 || pieceIdx >= s.pieceCount {
		return
	}

	s.mut.Lock()
	defer s.mut.Unlock()

	ps := s.pieces[pieceIdx]
	if ps.verified {
		return
	}
	if ok {
		ps.verified = true
		s.bitfield.Set(pieceIdx)

		if s.nextPiece == pieceIdx {
			s.nextPiece++
			s.nextBlock = 0
		}

		return
	}

	for b := 0; b < ps.blockCount; b++ {
		if ps.blocks[b].status == blockDone {
			s.remainingBlocks++
		}

		ps.blocks[b].status = blockWant
		ps.blocks[b].owners = nil
	}
	ps.doneBlocks = 0
}

func blockKey(piece, begin int) uint64 {
	return uint64(piece)<<32 | uint64(begin)
}
