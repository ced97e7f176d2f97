package storage

import (
	"crypto/sha1"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/riftwire/torrentd/internal/meta"
	"github.com/riftwire/torrentd/internal/pieceutil"
	"github.com/riftwire/torrentd/internal/scheduler"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// genStream produces deterministic pseudo-random bytes so tests are
// reproducible without needing a real torrent's payload.
func genStream(n int64) []byte {
	b := make([]byte, n)
	for i := int64(0); i < n; i++ {
		b[i] = byte((i*7 + 3) % 256)
	}
	return b
}

func pieceHashesFor(stream []byte, pieceLen int32) [][sha1.Size]byte {
	size := int64(len(stream))
	pc := pieceutil.PieceCount(size, pieceLen)

	hashes := make([][sha1.Size]byte, pc)
	for i := 0; i < pc; i++ {
		start, end, _ := pieceutil.PieceOffsetBounds(i, size, pieceLen)
		hashes[i] = sha1.Sum(stream[start:end])
	}
	return hashes
}

// feedAllBlocks pushes every block of every piece through handlePieceBlock,
// exactly as the scheduler's event loop would via PieceQueue.
func feedAllBlocks(t *testing.T, s *Store, stream []byte, pieceLen int32) {
	t.Helper()

	size := int64(len(stream))
	pc := pieceutil.PieceCount(size, pieceLen)

	for i := 0; i < pc; i++ {
		plen, err := pieceutil.PieceLengthAt(i, size, pieceLen)
		if err != nil {
			t.Fatalf("piece length at %d: %v", i, err)
		}

		pStart, _, err := pieceutil.PieceOffsetBounds(i, size, pieceLen)
		if err != nil {
			t.Fatalf("piece bounds at %d: %v", i, err)
		}

		blockCount := pieceutil.BlocksInPiece(plen)
		for b := 0; b < blockCount; b++ {
			begin, blen, err := pieceutil.BlockBounds(plen, b)
			if err != nil {
				t.Fatalf("block bounds p=%d b=%d: %v", i, b, err)
			}

			data := make([]byte, blen)
			copy(data, stream[pStart+int64(begin):pStart+int64(begin)+int64(blen)])

			if err := s.handlePieceBlock(&scheduler.BlockData{
				PieceIdx: i,
				Begin:    int(begin),
				PieceLen: int(plen),
				Data:     data,
			}); err != nil {
				t.Fatalf("handlePieceBlock p=%d begin=%d: %v", i, begin, err)
			}
		}
	}
}

// drainDiskWrites performs what writeToDiskLoop would do, synchronously, so
// tests can assert on-disk state without running the background goroutine.
func drainDiskWrites(t *testing.T, s *Store) {
	t.Helper()

	for {
		select {
		case piece := <-s.diskWriteQueue:
			if err := s.writePiece(piece); err != nil {
				t.Fatalf("writePiece %d: %v", piece.index, err)
			}
			s.PieceResultQueue <- &scheduler.PieceResult{Piece: piece.index, Success: true}
		default:
			return
		}
	}
}

func TestStore_SingleFileExactPieces(t *testing.T) {
	root := t.TempDir()
	info := &meta.Info{
		Name:        "single_exact",
		PieceLength: 16,
		Length:      64,
	}
	stream := genStream(64)
	info.Pieces = pieceHashesFor(stream, info.PieceLength)

	mi := &meta.Metainfo{Info: info}
	s, err := NewStorage(mi, &Config{DownloadDir: root, PieceQueueSize: 16, DiskQueueSize: 16}, discardLogger())
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}

	feedAllBlocks(t, s, stream, info.PieceLength)
	drainDiskWrites(t, s)

	got, err := os.ReadFile(filepath.Join(root, "single_exact"))
	if err != nil {
		t.Fatalf("read output file: %v", err)
	}
	if string(got) != string(stream) {
		t.Fatalf("on-disk content mismatch")
	}
}

func TestStore_LastPieceShort(t *testing.T) {
	root := t.TempDir()
	info := &meta.Info{
		Name:        "single_short",
		PieceLength: 16,
		Length:      30,
	}
	stream := genStream(30)
	info.Pieces = pieceHashesFor(stream, info.PieceLength)

	mi := &meta.Metainfo{Info: info}
	s, err := NewStorage(mi, &Config{DownloadDir: root, PieceQueueSize: 16, DiskQueueSize: 16}, discardLogger())
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}

	feedAllBlocks(t, s, stream, info.PieceLength)
	drainDiskWrites(t, s)

	got, err := os.ReadFile(filepath.Join(root, "single_short"))
	if err != nil {
		t.Fatalf("read output file: %v", err)
	}
	if len(got) != 30 {
		t.Fatalf("output length = %d, want 30", len(got))
	}
	if string(got) != string(stream) {
		t.Fatalf("on-disk content mismatch")
	}
}

func TestStore_MultiFileCrossesBoundaries(t *testing.T) {
	root := t.TempDir()
	files := []*meta.File{
		{Path: []string{"a.bin"}, Length: 5},
		{Path: []string{"b.bin"}, Length: 7},
		{Path: []string{"c.bin"}, Length: 3},
	}
	info := &meta.Info{
		Name:        "multi_cross",
		PieceLength: 8,
		Files:       files,
	}

	var total int64
	for _, f := range files {
		total += f.Length
	}
	stream := genStream(total)
	info.Pieces = pieceHashesFor(stream, info.PieceLength)

	mi := &meta.Metainfo{Info: info}
	s, err := NewStorage(mi, &Config{DownloadDir: root, PieceQueueSize: 16, DiskQueueSize: 16}, discardLogger())
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}

	feedAllBlocks(t, s, stream, info.PieceLength)
	drainDiskWrites(t, s)

	var onDisk []byte
	for _, f := range files {
		b, err := os.ReadFile(filepath.Join(root, "multi_cross", filepath.Join(f.Path...)))
		if err != nil {
			t.Fatalf("read %v: %v", f.Path, err)
		}
		onDisk = append(onDisk, b...)
	}

	if string(onDisk) != string(stream) {
		t.Fatalf("reassembled on-disk content mismatch across files")
	}
}

func TestStore_HashMismatchDiscardsBuffer(t *testing.T) {
	root := t.TempDir()
	info := &meta.Info{
		Name:        "bad_hash",
		PieceLength: 8,
		Length:      8,
		Pieces:      [][sha1.Size]byte{{}}, // deliberately wrong hash
	}

	mi := &meta.Metainfo{Info: info}
	s, err := NewStorage(mi, &Config{DownloadDir: root, PieceQueueSize: 4, DiskQueueSize: 4}, discardLogger())
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}

	stream := genStream(8)
	err = s.handlePieceBlock(&scheduler.BlockData{
		PieceIdx: 0,
		Begin:    0,
		PieceLen: 8,
		Data:     stream,
	})
	if err == nil {
		t.Fatalf("expected hash mismatch error, got nil")
	}

	result := <-s.PieceResultQueue
	if result.Piece != 0 || result.Success {
		t.Fatalf("unexpected result: %+v", result)
	}

	s.pieceBufferMut.Lock()
	_, stillBuffered := s.pieceBuffers[0]
	s.pieceBufferMut.Unlock()
	if stillBuffered {
		t.Fatalf("buffer should have been cleared after hash mismatch")
	}
}

func TestStore_DuplicateBlockIgnored(t *testing.T) {
	root := t.TempDir()
	info := &meta.Info{
		Name:        "dup_block",
		PieceLength: 8,
		Length:      8,
	}
	stream := genStream(8)
	info.Pieces = pieceHashesFor(stream, info.PieceLength)

	mi := &meta.Metainfo{Info: info}
	s, err := NewStorage(mi, &Config{DownloadDir: root, PieceQueueSize: 4, DiskQueueSize: 4}, discardLogger())
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}

	half := stream[:4]
	block := &scheduler.BlockData{PieceIdx: 0, Begin: 0, PieceLen: 8, Data: half}

	if err := s.handlePieceBlock(block); err != nil {
		t.Fatalf("first block: %v", err)
	}
	if err := s.handlePieceBlock(block); err != nil {
		t.Fatalf("duplicate block should be ignored, not errored: %v", err)
	}

	s.pieceBufferMut.Lock()
	buf := s.pieceBuffers[0]
	s.pieceBufferMut.Unlock()
	if buf.received != 4 {
		t.Fatalf("duplicate block should not double-count received bytes, got %d", buf.received)
	}
}
