package protocol

import (
	"fmt"

	"github.com/riftwire/torrentd/internal/bencode"
)

// Well-known local extended message IDs. Handshake (0) is reserved by BEP
// 10; the rest are assigned by us and advertised in the handshake's "m"
// dict, so a remote peer that doesn't support an extension simply omits it
// from its own dict instead of breaking the connection.
const (
	ExtendedHandshakeID uint8 = 0
	ExtendedMetadataID  uint8 = 1 // BEP 9 ut_metadata
	ExtendedPEXID       uint8 = 2 // BEP 11 ut_pex
)

// ExtensionName maps a local extended message ID to the name advertised in
// the "m" dict of the BEP 10 handshake.
var ExtensionName = map[uint8]string{
	ExtendedMetadataID: "ut_metadata",
	ExtendedPEXID:      "ut_pex",
}

// ExtendedHandshake is the BEP 10 handshake payload sent as extended
// message id 0, immediately after the regular BitTorrent handshake when
// both sides advertise LTEP support.
type ExtendedHandshake struct {
	M            map[string]uint8
	V            string
	MetadataSize int
	Port         uint16
	YourIP       string
}

// NewExtendedHandshake builds a handshake advertising the extensions this
// client implements. metadataSize is 0 until the local Info dict is known
// (e.g. a magnet link add before BEP 9 transfer completes).
func NewExtendedHandshake(version string, listenPort uint16, metadataSize int) *ExtendedHandshake {
	m := make(map[string]uint8, len(ExtensionName))
	for id, name := range ExtensionName {
		m[name] = id
	}
	return &ExtendedHandshake{
		M:            m,
		V:            version,
		MetadataSize: metadataSize,
		Port:         listenPort,
	}
}

// MarshalBencode encodes the handshake as a bencoded dict.
func (h *ExtendedHandshake) MarshalBencode() ([]byte, error) {
	m := make(map[string]any, len(h.M))
	dict := map[string]any{}
	for name, id := range h.M {
		m[name] = int64(id)
	}
	dict["m"] = m
	if h.V != "" {
		dict["v"] = h.V
	}
	if h.MetadataSize > 0 {
		dict["metadata_size"] = int64(h.MetadataSize)
	}
	if h.Port != 0 {
		dict["p"] = int64(h.Port)
	}
	if h.YourIP != "" {
		dict["yourip"] = h.YourIP
	}
	return bencode.Marshal(dict)
}

// UnmarshalExtendedHandshake decodes a BEP 10 handshake payload.
func UnmarshalExtendedHandshake(data []byte) (*ExtendedHandshake, error) {
	v, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("protocol: extended handshake: %w", err)
	}
	dict, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("protocol: extended handshake: not a dict")
	}

	h := &ExtendedHandshake{M: map[string]uint8{}}

	if mv, ok := dict["m"].(map[string]any); ok {
		for name, idv := range mv {
			id, ok := idv.(int64)
			if !ok {
				continue
			}
			h.M[name] = uint8(id)
		}
	}
	if v, ok := dict["v"].(string); ok {
		h.V = v
	}
	if v, ok := dict["metadata_size"].(int64); ok {
		h.MetadataSize = int(v)
	}
	if v, ok := dict["p"].(int64); ok {
		h.Port = uint16(v)
	}
	if v, ok := dict["yourip"].(string); ok {
		h.YourIP = v
	}
	return h, nil
}

// SupportsExtension reports whether the peer's handshake advertises name
// and returns its extended message id.
func (h *ExtendedHandshake) SupportsExtension(name string) (id uint8, ok bool) {
	id, ok = h.M[name]
	return id, ok
}

// Metadata piece size per BEP 9; the last piece may be shorter.
const MetadataPieceSize = 16 * 1024

// MetadataMessageType enumerates the three ut_metadata message kinds.
type MetadataMessageType int

const (
	MetadataRequest MetadataMessageType = 0
	MetadataData    MetadataMessageType = 1
	MetadataReject  MetadataMessageType = 2
)

// MetadataMessage is the bencoded header that precedes (for Data) the raw
// metadata bytes in a ut_metadata payload. Wire format:
//
//	<bencoded dict>[<raw piece bytes, Data only>]
type MetadataMessage struct {
	Type      MetadataMessageType
	Piece     int
	TotalSize int // Data only
}

// MarshalMetadataRequest builds a ut_metadata request for piece.
func MarshalMetadataRequest(piece int) ([]byte, error) {
	return bencode.Marshal(map[string]any{
		"msg_type": int64(MetadataRequest),
		"piece":    int64(piece),
	})
}

// MarshalMetadataData builds a ut_metadata data response: the bencoded
// header followed directly by the raw piece bytes.
func MarshalMetadataData(piece, totalSize int, block []byte) ([]byte, error) {
	header, err := bencode.Marshal(map[string]any{
		"msg_type":   int64(MetadataData),
		"piece":      int64(piece),
		"total_size": int64(totalSize),
	})
	if err != nil {
		return nil, err
	}
	return append(header, block...), nil
}

// MarshalMetadataReject builds a ut_metadata reject for piece.
func MarshalMetadataReject(piece int) ([]byte, error) {
	return bencode.Marshal(map[string]any{
		"msg_type": int64(MetadataReject),
		"piece":    int64(piece),
	})
}

// ParseMetadataMessage decodes the bencoded header of a ut_metadata payload
// and returns it along with any trailing bytes (the raw piece data for a
// Data message). The bencode decoder walks exactly one value and reports
// its own end offset, so the remainder is always well-defined even though
// Data messages are not themselves valid bencode.
func ParseMetadataMessage(payload []byte) (*MetadataMessage, []byte, error) {
	d := bencode.NewDecoder(payload)
	v, err := d.Decode()
	if err != nil {
		return nil, nil, fmt.Errorf("protocol: ut_metadata header: %w", err)
	}
	dict, ok := v.(map[string]any)
	if !ok {
		return nil, nil, fmt.Errorf("protocol: ut_metadata header: not a dict")
	}

	msg := &MetadataMessage{}
	mt, ok := dict["msg_type"].(int64)
	if !ok {
		return nil, nil, fmt.Errorf("protocol: ut_metadata: missing msg_type")
	}
	msg.Type = MetadataMessageType(mt)

	if p, ok := dict["piece"].(int64); ok {
		msg.Piece = int(p)
	}
	if ts, ok := dict["total_size"].(int64); ok {
		msg.TotalSize = int(ts)
	}

	return msg, payload[d.Pos():], nil
}

// PEXMessage is the BEP 11 ut_pex payload: compact peer lists for peers
// gained and dropped since the last PEX message sent to this connection.
type PEXMessage struct {
	Added      []byte
	AddedFlags []byte
	Dropped    []byte
}

// MarshalPEXMessage encodes a PEX update. added/dropped are compact
// peer-list byte strings (6 bytes per IPv4 peer), the same format used by
// the HTTP tracker's compact response.
func MarshalPEXMessage(added, dropped []byte) ([]byte, error) {
	dict := map[string]any{
		"added":   string(added),
		"dropped": string(dropped),
	}
	return bencode.Marshal(dict)
}

// ParsePEXMessage decodes a ut_pex payload.
func ParsePEXMessage(payload []byte) (*PEXMessage, error) {
	v, err := bencode.Unmarshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: ut_pex: %w", err)
	}
	dict, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("protocol: ut_pex: not a dict")
	}

	msg := &PEXMessage{}
	if s, ok := dict["added"].(string); ok {
		msg.Added = []byte(s)
	}
	if s, ok := dict["added.f"].(string); ok {
		msg.AddedFlags = []byte(s)
	}
	if s, ok := dict["dropped"].(string); ok {
		msg.Dropped = []byte(s)
	}
	return msg, nil
}
