// Package kvstore persists small, durable pieces of engine state — per-torrent
// resume data (which pieces are already verified) and the DHT routing table
// snapshot — across process restarts. It is a thin, typed wrapper over a
// goleveldb database; nothing in the torrent engine reaches for leveldb's
// iterator/batch API directly.
package kvstore

import (
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	lvlerrors "github.com/syndtr/goleveldb/leveldb/errors"
)

const (
	resumePrefix        = "resume/"
	dhtRoutingTableKey  = "dht/routing_table"
	dhtLocalNodeIDKey   = "dht/local_node_id"
)

// ErrNotFound is returned when a lookup key has no stored value.
var ErrNotFound = errors.New("kvstore: not found")

// Store wraps a goleveldb database opened at a single directory.
type Store struct {
	db *leveldb.DB
}

// Open opens (creating if necessary) the leveldb database at dir.
func Open(dir string) (*Store, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb at %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveResumeData stores the verified-piece bitfield for a torrent, keyed by
// its info hash, so a restart can skip re-downloading and re-verifying
// pieces already on disk.
func (s *Store) SaveResumeData(infoHash [20]byte, bitfieldBytes []byte) error {
	return s.db.Put(resumeKey(infoHash), bitfieldBytes, nil)
}

// LoadResumeData returns the previously saved bitfield bytes for infoHash.
// ok is false if nothing was ever saved for this torrent.
func (s *Store) LoadResumeData(infoHash [20]byte) (data []byte, ok bool, err error) {
	v, err := s.db.Get(resumeKey(infoHash), nil)
	if err != nil {
		if errors.Is(err, lvlerrors.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return v, true, nil
}

// DeleteResumeData removes resume state, e.g. when a torrent is removed
// rather than merely paused.
func (s *Store) DeleteResumeData(infoHash [20]byte) error {
	return s.db.Delete(resumeKey(infoHash), nil)
}

// SaveDHTRoutingTable persists a serialized snapshot of the DHT routing
// table so bootstrapping on the next run can seed from known-good nodes
// instead of cold-starting against the bootstrap list alone.
func (s *Store) SaveDHTRoutingTable(snapshot []byte) error {
	return s.db.Put([]byte(dhtRoutingTableKey), snapshot, nil)
}

// LoadDHTRoutingTable returns the last saved routing table snapshot, if any.
func (s *Store) LoadDHTRoutingTable() (data []byte, ok bool, err error) {
	v, err := s.db.Get([]byte(dhtRoutingTableKey), nil)
	if err != nil {
		if errors.Is(err, lvlerrors.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return v, true, nil
}

// SaveLocalNodeID persists the DHT node's local ID so it stays stable
// across restarts instead of being re-randomized (stable IDs keep a node's
// place in remote peers' routing tables instead of looking new every run).
func (s *Store) SaveLocalNodeID(id [20]byte) error {
	return s.db.Put([]byte(dhtLocalNodeIDKey), id[:], nil)
}

// LoadLocalNodeID returns the previously persisted DHT node ID, if any.
func (s *Store) LoadLocalNodeID() (id [20]byte, ok bool, err error) {
	v, err := s.db.Get([]byte(dhtLocalNodeIDKey), nil)
	if err != nil {
		if errors.Is(err, lvlerrors.ErrNotFound) {
			return id, false, nil
		}
		return id, false, err
	}
	if len(v) != 20 {
		return id, false, fmt.Errorf("kvstore: stored node id has length %d, want 20", len(v))
	}
	copy(id[:], v)
	return id, true, nil
}

func resumeKey(infoHash [20]byte) []byte {
	key := make([]byte, 0, len(resumePrefix)+len(infoHash))
	key = append(key, resumePrefix...)
	key = append(key, infoHash[:]...)
	return key
}
