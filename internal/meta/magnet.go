package meta

import (
	"crypto/sha1"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// Magnet is the parsed form of a "magnet:" URI (BEP 9's companion link
// format). It carries only the infohash and discovery hints; the full
// Metainfo is obtained later via the extension protocol metadata exchange.
type Magnet struct {
	InfoHash [sha1.Size]byte
	Name     string
	Trackers []string
	// PeerHints holds "host:port" endpoints advertised via x.pe parameters,
	// used to seed the candidate set before any tracker/DHT response
	// arrives.
	PeerHints []string
}

func ParseMagnet(magnetURL string) (*Magnet, error) {
	u, err := url.Parse(magnetURL)
	if err != nil {
		return nil, fmt.Errorf("magnet url parse failed: %w", err)
	}
	if u.Scheme != "magnet" {
		return nil, fmt.Errorf("invalid magnet scheme '%s'", u.Scheme)
	}

	params, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil, fmt.Errorf("magnet params parse failed: %w", err)
	}

	magnet := &Magnet{}

	xt, ok := params["xt"]
	if !ok || len(xt) == 0 {
		return nil, fmt.Errorf("magnet url missing 'xt'")
	}
	hash, err := parseExactTopic(xt[0])
	if err != nil {
		return nil, err
	}
	magnet.InfoHash = hash

	if dn, ok := params["dn"]; ok && len(dn) > 0 {
		magnet.Name = dn[0]
	}
	if tr, ok := params["tr"]; ok {
		magnet.Trackers = tr
	}
	if pe, ok := params["x.pe"]; ok {
		magnet.PeerHints = pe
	}

	return magnet, nil
}

// parseExactTopic decodes an "xt=urn:btih:<hash>" value, where <hash> is
// either 40 hex characters or 32 base32 characters (both encode 20 bytes).
func parseExactTopic(xt string) ([sha1.Size]byte, error) {
	var out [sha1.Size]byte

	if !strings.HasPrefix(xt, "urn:btih:") {
		return out, fmt.Errorf("invalid 'xt' value: must be 'urn:btih:<hash>'")
	}
	hashString := strings.TrimPrefix(xt, "urn:btih:")

	var hashBytes []byte
	var err error

	switch len(hashString) {
	case sha1.Size * 2: // hex
		hashBytes, err = hex.DecodeString(hashString)
	case 32: // base32
		hashBytes, err = base32.StdEncoding.DecodeString(strings.ToUpper(hashString))
	default:
		return out, fmt.Errorf("invalid infohash length %d", len(hashString))
	}
	if err != nil {
		return out, fmt.Errorf("failed to decode infohash: %w", err)
	}
	if len(hashBytes) != sha1.Size {
		return out, fmt.Errorf("decoded infohash has wrong length %d", len(hashBytes))
	}

	copy(out[:], hashBytes)
	return out, nil
}
