// Package cryptobox implements the Numscull wire crypto: a static-Box
// bootstrapped ephemeral X25519 key exchange and the fixed-size
// counter-nonce block stream built on top of it. The AEAD is fixed to
// NaCl Box (X25519 + XSalsa20-Poly1305); there is no algorithm agility.
package cryptobox

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/nacl/box"
)

const (
	// KeySize is the length in bytes of an X25519 public or secret key.
	KeySize = 32
	// NonceSize is the length in bytes of a Box nonce.
	NonceSize = 24
	// Overhead is the Poly1305 authentication tag length added by Box.Seal.
	Overhead = box.Overhead

	// BlockSize is the fixed plaintext block size (§4.2).
	BlockSize = 512
	// EncryptedBlockSize is BlockSize sealed with a Box tag.
	EncryptedBlockSize = BlockSize + Overhead
)

// ErrCounterOverflow is returned when a 64-bit nonce counter would wrap.
var ErrCounterOverflow = errors.New("cryptobox: nonce counter overflow")

// ErrCryptoFailure is returned when an AEAD open fails (tag mismatch).
var ErrCryptoFailure = errors.New("cryptobox: open failed")

// KeyPair is an ephemeral or static X25519 keypair.
type KeyPair struct {
	Public [KeySize]byte
	Secret [KeySize]byte
}

// GenerateKeyPair creates a fresh random X25519 keypair.
func GenerateKeyPair() (KeyPair, error) {
	pub, sec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate ephemeral keypair: %w", err)
	}
	return KeyPair{Public: *pub, Secret: *sec}, nil
}

// Zero overwrites the secret half of the keypair with zero bytes.
func (kp *KeyPair) Zero() {
	ZeroKey(&kp.Secret)
}

// ZeroKey overwrites a 32-byte key with zero bytes.
func ZeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}

// ZeroBytes overwrites a byte slice with zero bytes.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// counterNonce derives the 24-byte nonce for a given counter: an
// 8-byte little-endian counter followed by 16 zero bytes.
func counterNonce(counter uint64) [NonceSize]byte {
	var nonce [NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[:8], counter)
	return nonce
}

// randomNonce returns a fresh random 24-byte nonce, used only during the
// static-Box handshake phases (§4.3) where no counter exists yet.
func randomNonce() ([NonceSize]byte, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, nil
}

// SealStatic seals plaintext under the static Box (peerPub, ourSec) with
// a fresh random nonce, returning nonce‖ciphertext concatenated per
// §4.3's "nonce ‖ ciphertext" wire layout.
func SealStatic(plaintext []byte, peerPub, ourSec *[KeySize]byte) ([]byte, error) {
	nonce, err := randomNonce()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, NonceSize+len(plaintext)+Overhead)
	out = append(out, nonce[:]...)
	out = box.Seal(out, plaintext, &nonce, peerPub, ourSec)
	return out, nil
}

// OpenStatic splits a nonce‖ciphertext payload produced by SealStatic and
// opens it under the static Box (peerPub, ourSec).
func OpenStatic(sealed []byte, peerPub, ourSec *[KeySize]byte) ([]byte, error) {
	if len(sealed) < NonceSize+Overhead {
		return nil, fmt.Errorf("%w: short static envelope", ErrCryptoFailure)
	}
	var nonce [NonceSize]byte
	copy(nonce[:], sealed[:NonceSize])
	out, ok := box.Open(nil, sealed[NonceSize:], &nonce, peerPub, ourSec)
	if !ok {
		return nil, ErrCryptoFailure
	}
	return out, nil
}

// Channel is a pair of simplex encrypted channels sharing one TCP
// connection's lifetime: sealing uses (TheirsSendPub, OursSendSec),
// opening uses (TheirsRecvPub, OursRecvSec) — field names mirror the
// reference implementation's EncryptedChannel so the key cross-wiring in
// §4.3 can be checked directly against it.
type Channel struct {
	OursRecvSec   [KeySize]byte
	OursSendSec   [KeySize]byte
	TheirsRecvPub [KeySize]byte
	TheirsSendPub [KeySize]byte

	mu          sync.Mutex
	sendCounter uint64
	recvCounter uint64
}

// NewChannel constructs a Channel with both counters starting at 1, as
// §4.2 requires.
func NewChannel(oursRecvSec, oursSendSec, theirsRecvPub, theirsSendPub [KeySize]byte) *Channel {
	return &Channel{
		OursRecvSec:   oursRecvSec,
		OursSendSec:   oursSendSec,
		TheirsRecvPub: theirsRecvPub,
		TheirsSendPub: theirsSendPub,
		sendCounter:   1,
		recvCounter:   1,
	}
}

// SealBlock seals exactly one BlockSize plaintext block, producing an
// EncryptedBlockSize ciphertext block and advancing the send counter.
func (c *Channel) SealBlock(plaintext [BlockSize]byte) ([EncryptedBlockSize]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sendCounter == 0 {
		return [EncryptedBlockSize]byte{}, ErrCounterOverflow
	}
	nonce := counterNonce(c.sendCounter)
	c.sendCounter++

	var out [EncryptedBlockSize]byte
	sealed := box.Seal(out[:0], plaintext[:], &nonce, &c.TheirsSendPub, &c.OursSendSec)
	copy(out[:], sealed)
	return out, nil
}

// OpenBlock opens exactly one EncryptedBlockSize ciphertext block,
// advancing the receive counter. An AEAD failure is fatal to the
// session per §4.2/§7 and must not be retried.
func (c *Channel) OpenBlock(ciphertext [EncryptedBlockSize]byte) ([BlockSize]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var plaintext [BlockSize]byte
	if c.recvCounter == 0 {
		return plaintext, ErrCounterOverflow
	}
	nonce := counterNonce(c.recvCounter)
	c.recvCounter++

	out, ok := box.Open(plaintext[:0], ciphertext[:], &nonce, &c.TheirsRecvPub, &c.OursRecvSec)
	if !ok {
		return plaintext, ErrCryptoFailure
	}
	copy(plaintext[:], out)
	return plaintext, nil
}
