package kvstore

import (
	"bytes"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestResumeDataRoundTrip(t *testing.T) {
	s := openTestStore(t)

	var hash [20]byte
	copy(hash[:], "aaaaaaaaaaaaaaaaaaaa")

	if _, ok, err := s.LoadResumeData(hash); err != nil || ok {
		t.Fatalf("expected no resume data yet, got ok=%v err=%v", ok, err)
	}

	want := []byte{0xff, 0x0f, 0x01}
	if err := s.SaveResumeData(hash, want); err != nil {
		t.Fatalf("SaveResumeData: %v", err)
	}

	got, ok, err := s.LoadResumeData(hash)
	if err != nil || !ok {
		t.Fatalf("LoadResumeData: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("resume data mismatch: got %x want %x", got, want)
	}

	if err := s.DeleteResumeData(hash); err != nil {
		t.Fatalf("DeleteResumeData: %v", err)
	}
	if _, ok, err := s.LoadResumeData(hash); err != nil || ok {
		t.Fatalf("expected resume data gone after delete, got ok=%v err=%v", ok, err)
	}
}

func TestDHTRoutingTableRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if _, ok, err := s.LoadDHTRoutingTable(); err != nil || ok {
		t.Fatalf("expected no snapshot yet, got ok=%v err=%v", ok, err)
	}

	snapshot := []byte("serialized-routing-table")
	if err := s.SaveDHTRoutingTable(snapshot); err != nil {
		t.Fatalf("SaveDHTRoutingTable: %v", err)
	}

	got, ok, err := s.LoadDHTRoutingTable()
	if err != nil || !ok {
		t.Fatalf("LoadDHTRoutingTable: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, snapshot) {
		t.Fatalf("routing table mismatch: got %q want %q", got, snapshot)
	}
}

func TestLocalNodeIDRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if _, ok, err := s.LoadLocalNodeID(); err != nil || ok {
		t.Fatalf("expected no node id yet, got ok=%v err=%v", ok, err)
	}

	var id [20]byte
	copy(id[:], "bbbbbbbbbbbbbbbbbbbb")

	if err := s.SaveLocalNodeID(id); err != nil {
		t.Fatalf("SaveLocalNodeID: %v", err)
	}

	got, ok, err := s.LoadLocalNodeID()
	if err != nil || !ok {
		t.Fatalf("LoadLocalNodeID: ok=%v err=%v", ok, err)
	}
	if got != id {
		t.Fatalf("node id mismatch: got %x want %x", got, id)
	}
}
