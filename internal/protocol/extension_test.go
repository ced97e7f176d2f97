package protocol

import "testing"

func TestExtendedHandshakeRoundTrip(t *testing.T) {
	h := NewExtendedHandshake("torrentd/1.0", 6881, 4096)

	data, err := h.MarshalBencode()
	if err != nil {
		t.Fatalf("MarshalBencode: %v", err)
	}

	got, err := UnmarshalExtendedHandshake(data)
	if err != nil {
		t.Fatalf("UnmarshalExtendedHandshake: %v", err)
	}

	if got.V != h.V || got.MetadataSize != h.MetadataSize || got.Port != h.Port {
		t.Fatalf("got %+v, want %+v", got, h)
	}
	if id, ok := got.SupportsExtension("ut_metadata"); !ok || id != ExtendedMetadataID {
		t.Fatalf("ut_metadata not round-tripped: id=%d ok=%v", id, ok)
	}
	if id, ok := got.SupportsExtension("ut_pex"); !ok || id != ExtendedPEXID {
		t.Fatalf("ut_pex not round-tripped: id=%d ok=%v", id, ok)
	}
}

func TestMetadataRequestRoundTrip(t *testing.T) {
	data, err := MarshalMetadataRequest(3)
	if err != nil {
		t.Fatalf("MarshalMetadataRequest: %v", err)
	}

	msg, trailing, err := ParseMetadataMessage(data)
	if err != nil {
		t.Fatalf("ParseMetadataMessage: %v", err)
	}
	if msg.Type != MetadataRequest || msg.Piece != 3 {
		t.Fatalf("got %+v", msg)
	}
	if len(trailing) != 0 {
		t.Fatalf("unexpected trailing bytes: %d", len(trailing))
	}
}

func TestMetadataDataRoundTrip(t *testing.T) {
	block := []byte("some piece bytes, not actually 16KiB here")
	data, err := MarshalMetadataData(2, 32768, block)
	if err != nil {
		t.Fatalf("MarshalMetadataData: %v", err)
	}

	msg, trailing, err := ParseMetadataMessage(data)
	if err != nil {
		t.Fatalf("ParseMetadataMessage: %v", err)
	}
	if msg.Type != MetadataData || msg.Piece != 2 || msg.TotalSize != 32768 {
		t.Fatalf("got %+v", msg)
	}
	if string(trailing) != string(block) {
		t.Fatalf("trailing = %q, want %q", trailing, block)
	}
}

func TestPEXMessageRoundTrip(t *testing.T) {
	added := []byte{192, 168, 1, 1, 0x1A, 0xE1}
	dropped := []byte{10, 0, 0, 1, 0x1A, 0xE1}

	data, err := MarshalPEXMessage(added, dropped)
	if err != nil {
		t.Fatalf("MarshalPEXMessage: %v", err)
	}

	msg, err := ParsePEXMessage(data)
	if err != nil {
		t.Fatalf("ParsePEXMessage: %v", err)
	}
	if string(msg.Added) != string(added) || string(msg.Dropped) != string(dropped) {
		t.Fatalf("got %+v", msg)
	}
}

func TestMessageExtendedRoundTrip(t *testing.T) {
	m := MessageExtended(ExtendedMetadataID, []byte("payload"))

	id, body, ok := m.ParseExtended()
	if !ok || id != ExtendedMetadataID || string(body) != "payload" {
		t.Fatalf("ParseExtended = (%d, %q, %v)", id, body, ok)
	}
}

func TestMessagePortRoundTrip(t *testing.T) {
	m := MessagePort(6881)

	port, ok := m.ParsePort()
	if !ok || port != 6881 {
		t.Fatalf("ParsePort = (%d, %v)", port, ok)
	}
}
