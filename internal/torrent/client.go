package torrent

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"log/slog"
	"sync"

	"github.com/riftwire/torrentd/internal/kvstore"
)

type Client struct {
	log      *slog.Logger
	ctx      context.Context
	mu       sync.RWMutex
	clientID [sha1.Size]byte
	torrents map[[sha1.Size]byte]*Torrent

	// store, if set via SetStore, is handed to every torrent's Config so
	// it can resume verified pieces and DHT routing-table state across
	// restarts. Nil disables resume.
	store *kvstore.Store
}

func NewClient() (*Client, error) {
	clientID, err := generateClientID()
	if err != nil {
		return nil, err
	}

	return &Client{
		log:      slog.Default(),
		ctx:      context.Background(),
		clientID: clientID,
		torrents: make(map[[sha1.Size]byte]*Torrent),
	}, nil
}

// SetContext replaces the client's root context, used to cancel every
// running torrent's goroutines on shutdown.
func (c *Client) SetContext(ctx context.Context) {
	c.ctx = ctx
}

// SetStore wires a kvstore.Store that every subsequently-added torrent's
// default Config will carry, enabling resume data and DHT routing-table
// persistence.
func (c *Client) SetStore(store *kvstore.Store) {
	c.store = store
}

func (c *Client) AddTorrent(data []byte, cfg *Config) (*Torrent, error) {
	if cfg == nil {
		cfg = c.GetDefaultConfig()
	}

	torrent, err := NewTorrent(c.clientID, data, cfg)
	if err != nil {
		c.log.Error("failed to parse torrent", "error", err, "size", len(data))
		return nil, err
	}

	infoHashHex := hex.EncodeToString(torrent.Metainfo.InfoHash[:])

	c.log.Debug("adding torrent",
		"name", torrent.Metainfo.Info.Name,
		"info_hash", infoHashHex,
		"size", torrent.Size,
		"pieces", len(torrent.Metainfo.Info.Pieces),
	)

	c.mu.Lock()
	c.torrents[torrent.Metainfo.InfoHash] = torrent
	c.mu.Unlock()

	go func() { torrent.Run(c.ctx) }()
	return torrent, nil
}

func (c *Client) GetDefaultConfig() *Config {
	cfg := WithDefaultConfig()
	cfg.KVStore = c.store
	return cfg
}

func (c *Client) RemoveTorrent(infoHashHex string) error {
	var infoHash [sha1.Size]byte

	bytes, err := hex.DecodeString(infoHashHex)
	if err != nil || len(bytes) != sha1.Size {
		c.log.Error("invalid info hash", "hash", infoHashHex, "error", err)
		return err
	}
	copy(infoHash[:], bytes)

	c.mu.Lock()
	defer c.mu.Unlock()

	torrent, ok := c.torrents[infoHash]
	if !ok {
		c.log.Warn("torrent not found", "info_hash", infoHashHex)
		return nil
	}

	c.log.Debug(
		"removing torrent",
		"name", torrent.Metainfo.Info.Name,
		"info_hash", infoHashHex,
	)

	torrent.Stop()
	delete(c.torrents, infoHash)
	return nil
}

func (c *Client) GetTorrentStats(infoHashHex string) *Stats {
	var infoHash [sha1.Size]byte

	bytes, err := hex.DecodeString(infoHashHex)
	if err != nil || len(bytes) != sha1.Size {
		return nil
	}
	copy(infoHash[:], bytes)

	c.mu.RLock()
	torrent, ok := c.torrents[infoHash]
	c.mu.RUnlock()
	if !ok {
		return nil
	}

	return torrent.GetStats()
}

func generateClientID() ([sha1.Size]byte, error) {
	var peerID [sha1.Size]byte

	prefix := []byte("-TD0010-")
	copy(peerID[:], prefix)

	if _, err := rand.Read(peerID[len(prefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}

	return peerID, nil
}
