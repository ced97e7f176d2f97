package protocol

import (
	"crypto/sha1"
	"testing"
)

func TestDHSharedSecretAgrees(t *testing.T) {
	a, err := GenerateDHKeyPair()
	if err != nil {
		t.Fatalf("GenerateDHKeyPair a: %v", err)
	}
	b, err := GenerateDHKeyPair()
	if err != nil {
		t.Fatalf("GenerateDHKeyPair b: %v", err)
	}

	sA := a.SharedSecret(b.Pub)
	sB := b.SharedSecret(a.Pub)

	if string(sA) != string(sB) {
		t.Fatalf("shared secrets disagree")
	}
	if len(sA) != dhKeyLen {
		t.Fatalf("shared secret length = %d, want %d", len(sA), dhKeyLen)
	}
}

func TestRC4StreamsAreMirrored(t *testing.T) {
	infoHash := sha1.Sum([]byte("some torrent"))
	secret := []byte("fake shared secret padded to 96 bytes...........................................................")
	secret = secret[:96]

	aSend, aRecv, err := NewRC4Streams(secret, infoHash, true)
	if err != nil {
		t.Fatalf("NewRC4Streams initiator: %v", err)
	}
	bSend, bRecv, err := NewRC4Streams(secret, infoHash, false)
	if err != nil {
		t.Fatalf("NewRC4Streams responder: %v", err)
	}

	plain := []byte("hello peer, this is a handshake body")
	encrypted := make([]byte, len(plain))
	aSend.XORKeyStream(encrypted, plain)

	decrypted := make([]byte, len(encrypted))
	bRecv.XORKeyStream(decrypted, encrypted)

	if string(decrypted) != string(plain) {
		t.Fatalf("decrypted = %q, want %q", decrypted, plain)
	}

	// And the reverse direction.
	reply := []byte("ack")
	encryptedReply := make([]byte, len(reply))
	bSend.XORKeyStream(encryptedReply, reply)

	decryptedReply := make([]byte, len(encryptedReply))
	aRecv.XORKeyStream(decryptedReply, encryptedReply)

	if string(decryptedReply) != string(reply) {
		t.Fatalf("decryptedReply = %q, want %q", decryptedReply, reply)
	}
}

func TestSelectCryptoMethod(t *testing.T) {
	tests := []struct {
		name     string
		policy   MSEPolicy
		provided uint32
		want     uint32
		wantErr  bool
	}{
		{"required-has-rc4", MSERequired, CryptoRC4 | CryptoPlaintext, CryptoRC4, false},
		{"required-missing-rc4", MSERequired, CryptoPlaintext, 0, true},
		{"prefer-has-rc4", MSEPrefer, CryptoRC4 | CryptoPlaintext, CryptoRC4, false},
		{"prefer-plaintext-only", MSEPrefer, CryptoPlaintext, CryptoPlaintext, false},
		{"allow-plaintext-only", MSEAllow, CryptoPlaintext, CryptoPlaintext, false},
		{"disabled-plaintext", MSEDisabled, CryptoPlaintext, CryptoPlaintext, false},
		{"disabled-rc4-only", MSEDisabled, CryptoRC4, 0, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := SelectCryptoMethod(tc.policy, tc.provided)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %d, want %d", got, tc.want)
			}
		})
	}
}

func TestLocateVC(t *testing.T) {
	stream := append([]byte("some prefix bytes"), VCMarker[:]...)
	stream = append(stream, []byte("suffix")...)

	idx := LocateVC(stream, len(stream))
	if idx != len("some prefix bytes") {
		t.Fatalf("LocateVC = %d, want %d", idx, len("some prefix bytes"))
	}
}
