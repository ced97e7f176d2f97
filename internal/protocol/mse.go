package protocol

import (
	"bytes"
	"crypto/rand"
	"crypto/rc4"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
)

// Message Stream Encryption (BEP 8), also known as Protocol Encryption.
// Obfuscates the regular BitTorrent handshake from naive deep-packet
// inspection by wrapping it in a Diffie-Hellman key exchange followed by
// RC4 keystream encryption. This is NOT cryptographically secure against an
// active adversary (RC4 is broken, DH has no authentication) and was never
// intended to be; it exists only to evade pattern-matching middleboxes.
//
// Fixed parameters from the spec: a 768-bit prime modulus P and generator
// G=2, shared by every implementation so both sides derive the same S.
const (
	dhKeyLen = 96 // 768 bits
)

// mseP is the standard MSE prime, shared across all compliant clients.
var mseP, _ = new(big.Int).SetString(
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A63A36210000000000090563",
	16,
)

var mseG = big.NewInt(2)

// CryptoProvide bit flags for the crypto_provide/crypto_select fields,
// which travel RC4-encrypted right after the VC marker.
const (
	CryptoPlaintext uint32 = 1 << 0
	CryptoRC4       uint32 = 1 << 1
)

// MSEPolicy controls whether a connection requires, prefers, allows, or
// refuses message stream encryption.
type MSEPolicy int

const (
	MSEDisabled MSEPolicy = iota
	MSEAllow
	MSEPrefer
	MSERequired
)

// DHKeyPair is a local Diffie-Hellman secret/public pair for one MSE
// handshake. Generated fresh per connection.
type DHKeyPair struct {
	priv *big.Int
	Pub  []byte // big-endian, zero-padded to dhKeyLen
}

// GenerateDHKeyPair produces a random private exponent and the
// corresponding public value G^priv mod P.
func GenerateDHKeyPair() (*DHKeyPair, error) {
	privBytes := make([]byte, dhKeyLen)
	if _, err := io.ReadFull(rand.Reader, privBytes); err != nil {
		return nil, fmt.Errorf("mse: generate private key: %w", err)
	}
	priv := new(big.Int).SetBytes(privBytes)

	pub := new(big.Int).Exp(mseG, priv, mseP)
	return &DHKeyPair{priv: priv, Pub: padTo(pub.Bytes(), dhKeyLen)}, nil
}

// SharedSecret computes S = otherPub^priv mod P given the peer's public
// DH value.
func (kp *DHKeyPair) SharedSecret(otherPub []byte) []byte {
	other := new(big.Int).SetBytes(otherPub)
	s := new(big.Int).Exp(other, kp.priv, mseP)
	return padTo(s.Bytes(), dhKeyLen)
}

func padTo(b []byte, n int) []byte {
	if len(b) >= n {
		return b[len(b)-n:]
	}
	out := make([]byte, n)
	copy(out[n-len(b):], b)
	return out
}

// rc4Keys derives the two RC4 keystreams used after the DH exchange, one
// per direction: keyA = SHA1("keyA"+S+SKEY) for the side that sent the
// initial DH public key (A), keyB = SHA1("keyB"+S+SKEY) for the
// responder. SKEY is the torrent's infohash, binding the keystream to the
// specific torrent being negotiated.
func rc4Keys(sharedSecret []byte, infoHash [sha1.Size]byte) (keyA, keyB [sha1.Size]byte) {
	ha := sha1.New()
	ha.Write([]byte("keyA"))
	ha.Write(sharedSecret)
	ha.Write(infoHash[:])
	copy(keyA[:], ha.Sum(nil))

	hb := sha1.New()
	hb.Write([]byte("keyB"))
	hb.Write(sharedSecret)
	hb.Write(infoHash[:])
	copy(keyB[:], hb.Sum(nil))

	return keyA, keyB
}

// NewRC4Streams builds the pair of RC4 ciphers used for the remainder of
// the connection: one for bytes this side sends, one for bytes it
// receives, selected by isInitiator. Per spec, the first 1024 bytes of
// each keystream are discarded before use (they are the weakest, most
// biased RC4 output).
func NewRC4Streams(sharedSecret []byte, infoHash [sha1.Size]byte, isInitiator bool) (send, recv *rc4.Cipher, err error) {
	keyA, keyB := rc4Keys(sharedSecret, infoHash)

	mine, theirs := keyA, keyB
	if !isInitiator {
		mine, theirs = keyB, keyA
	}

	send, err = rc4.NewCipher(mine[:])
	if err != nil {
		return nil, nil, err
	}
	recv, err = rc4.NewCipher(theirs[:])
	if err != nil {
		return nil, nil, err
	}

	discard := make([]byte, 1024)
	send.XORKeyStream(discard, discard)
	recv.XORKeyStream(discard, discard)

	return send, recv, nil
}

// VCMarker is the 8 zero bytes ("verification constant") that bracket the
// crypto_provide/crypto_select negotiation, always sent RC4-encrypted so a
// receiver can locate it by searching the decrypted stream for 8 zero
// bytes.
var VCMarker = [8]byte{}

// SelectCryptoMethod picks a method from the bits the initiator offered in
// crypto_provide, honoring the local policy. Returns an error if policy
// requires encryption the peer didn't offer, or policy disables it but
// plaintext wasn't offered either.
func SelectCryptoMethod(policy MSEPolicy, provided uint32) (uint32, error) {
	switch policy {
	case MSERequired:
		if provided&CryptoRC4 != 0 {
			return CryptoRC4, nil
		}
		return 0, errors.New("mse: peer does not support required rc4 encryption")
	case MSEPrefer:
		if provided&CryptoRC4 != 0 {
			return CryptoRC4, nil
		}
		if provided&CryptoPlaintext != 0 {
			return CryptoPlaintext, nil
		}
	case MSEAllow:
		if provided&CryptoPlaintext != 0 {
			return CryptoPlaintext, nil
		}
		if provided&CryptoRC4 != 0 {
			return CryptoRC4, nil
		}
	case MSEDisabled:
		if provided&CryptoPlaintext != 0 {
			return CryptoPlaintext, nil
		}
		return 0, errors.New("mse: encryption disabled but peer requires it")
	}
	return 0, errors.New("mse: no mutually acceptable crypto method")
}

// PadLength returns a random pad length in [0, max], used for PadA/PadB/
// PadC to decorrelate handshake sizes from a fixed protocol signature.
func PadLength(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)+1))
	if err != nil {
		return 0, err
	}
	return int(n.Int64()), nil
}

// RandomPad returns n cryptographically random bytes suitable for use as a
// handshake pad.
func RandomPad(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// LocateVC scans the first maxSearch offsets of stream for the 8-byte VC
// marker (a receiver of an MSE handshake does not know where VC starts,
// since the PadB/PadC length is unknown, so it searches a bounded window).
// Bytes are compared as given; no decryption is done here. Returns the
// offset of VC within stream, or -1 if not found.
func LocateVC(stream []byte, maxSearch int) int {
	limit := len(stream) - len(VCMarker)
	if limit > maxSearch {
		limit = maxSearch
	}
	for i := 0; i <= limit; i++ {
		if bytes.Equal(stream[i:i+len(VCMarker)], VCMarker[:]) {
			return i
		}
	}
	return -1
}

// EncodeCryptoProvide serializes the crypto_provide/crypto_select bitfield
// as the big-endian uint32 the wire format expects.
func EncodeCryptoProvide(bits uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, bits)
	return b
}
