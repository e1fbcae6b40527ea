// Package aead implements the session-key-and-nonce-base AEAD envelope used
// to encrypt/decrypt voice and control payloads.
//
// Two suites are supported: AES-256-GCM (preferred) and a legacy XOR+SHA-256
// scheme kept only for interop with peers built without a GCM-capable crypto
// backend. Neither the Cipher nor its caller are safe for concurrent
// encode-side use: nextNonce/setKey are single-writer by contract (see
// internal/events for how the owning event loop serializes access).
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"sync/atomic"
)

// Mode selects the cipher suite.
type Mode int

const (
	AesGcm Mode = iota
	LegacyXor
)

const (
	tagSize = 16
	ivSize  = 12
)

// Cipher holds session key state for one direction of one session.
type Cipher struct {
	key          []byte // always 32 bytes once set
	nonceBase    uint64
	nonceCounter uint64
	keyID        uint32
	mode         Mode
	gcm          cipher.AEAD
}

// New returns a Cipher with no key installed (not ready) and keyID 1, the
// same starting generation the legacy core used.
func New(mode Mode) *Cipher {
	return &Cipher{mode: mode, keyID: 1}
}

// Mode reports the configured cipher suite.
func (c *Cipher) Mode() Mode { return c.mode }

// SetMode changes the cipher suite used by future Encrypt/Decrypt calls.
func (c *Cipher) SetMode(mode Mode) {
	c.mode = mode
	c.gcm = nil
	if mode == AesGcm && c.Ready() {
		if block, err := aes.NewCipher(c.key); err == nil {
			if gcm, err := cipher.NewGCMWithNonceSize(block, ivSize); err == nil {
				c.gcm = gcm
			}
		}
	}
}

// KeyID returns the current key generation id.
func (c *Cipher) KeyID() uint32 { return c.keyID }

// normalizeKey returns key unchanged if it is already 32 bytes, otherwise
// SHA-256(key).
func normalizeKey(key []byte) []byte {
	if len(key) == 32 {
		out := make([]byte, 32)
		copy(out, key)
		return out
	}
	sum := sha256.Sum256(key)
	return sum[:]
}

func bytesToU64(b []byte) uint64 {
	var buf [8]byte
	n := len(b)
	if n > 8 {
		n = 8
	}
	copy(buf[8-n:], b[:n])
	return binary.BigEndian.Uint64(buf[:])
}

// SetKey installs a session key and nonce base. The key is normalized to 32
// bytes (identity if already 32, else SHA-256 of the input). The nonce
// counter always resets to zero; callers reinstalling the SAME key must
// supply a fresh (e.g. random) nonceBase to avoid (keyId, nonce) reuse — see
// spec Open Question in SPEC_FULL.md §9. A no-op SetKey with identical
// (key, nonceBase) leaves the counter untouched.
func (c *Cipher) SetKey(key []byte, nonceBase []byte) {
	if len(key) == 0 {
		c.key = nil
		c.nonceBase = 0
		c.nonceCounter = 0
		return
	}

	normalized := normalizeKey(key)
	newBase := bytesToU64(nonceBase)

	if len(c.key) == 32 && string(c.key) == string(normalized) && c.nonceBase == newBase {
		return
	}

	c.key = normalized
	c.nonceBase = newBase
	c.nonceCounter = 0
	c.keyID++
	c.gcm = nil

	if c.mode == AesGcm {
		block, err := aes.NewCipher(c.key)
		if err == nil {
			if gcm, err := cipher.NewGCMWithNonceSize(block, ivSize); err == nil {
				c.gcm = gcm
			}
		}
	}
}

// Ready reports whether a key has been installed.
func (c *Cipher) Ready() bool { return len(c.key) == 32 }

// NextNonce returns nonceBase + the current counter, then increments the
// counter. This is the only public nonce source for Encrypt; it guarantees
// strict monotonicity within one key installation (spec P5).
func (c *Cipher) NextNonce() uint64 {
	n := c.nonceBase + c.nonceCounter
	c.nonceCounter++
	return n
}

func nonceToIV(nonce uint64) [ivSize]byte {
	var iv [ivSize]byte
	binary.BigEndian.PutUint64(iv[ivSize-8:], nonce)
	return iv
}

// Encrypt returns (ciphertext, 16-byte tag) for pt under nonce/aad.
// |ciphertext| == |pt| always; on a cipher that is not Ready, the plaintext
// passes through unmodified with a best-effort tag (callers must gate on
// Ready before relying on authentication).
func (c *Cipher) Encrypt(pt, aad []byte, nonce uint64) (ct, tag []byte) {
	switch c.mode {
	case AesGcm:
		if c.gcm != nil {
			iv := nonceToIV(nonce)
			sealed := c.gcm.Seal(nil, iv[:], pt, aad)
			ctLen := len(sealed) - tagSize
			return sealed[:ctLen], sealed[ctLen:]
		}
		fallthrough
	default:
		ct = xorWithKey(pt, c.key)
		tag = computeLegacyTag(c.key, aad, ct, nonce)
		return ct, tag
	}
}

// Decrypt authenticates and decrypts ct/tag under nonce/aad. Returns
// (nil, false) on any failure: tag mismatch, missing key, or truncated
// input — callers must silently drop the datagram on failure per the error
// taxonomy (no per-frame error is ever surfaced to the user).
func (c *Cipher) Decrypt(ct, tag, aad []byte, nonce uint64) ([]byte, bool) {
	if !c.Ready() {
		return nil, false
	}

	switch c.mode {
	case AesGcm:
		if c.gcm != nil {
			iv := nonceToIV(nonce)
			sealed := append(append([]byte{}, ct...), tag...)
			pt, err := c.gcm.Open(nil, iv[:], sealed, aad)
			if err != nil {
				return nil, false
			}
			return pt, true
		}
		fallthrough
	default:
		expected := computeLegacyTag(c.key, aad, ct, nonce)
		if len(tag) != tagSize || !constantTimeEqual(expected, tag) {
			return nil, false
		}
		return xorWithKey(ct, c.key), true
	}
}

// Overhead is the number of bytes Encrypt adds beyond the plaintext.
func (c *Cipher) Overhead() int { return tagSize }

func xorWithKey(data, key []byte) []byte {
	if len(key) == 0 {
		out := make([]byte, len(data))
		copy(out, data)
		return out
	}
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ key[i%len(key)]
	}
	return out
}

// computeLegacyTag is the legacy-mode MAC: first 16 bytes of
// SHA-256(key || aad || ciphertext || nonce as little-endian u64). This is
// not a real AEAD; it exists only for backward interop with peers built
// without a GCM-capable crypto backend.
func computeLegacyTag(key, aad, ct []byte, nonce uint64) []byte {
	var nb [8]byte
	binary.LittleEndian.PutUint64(nb[:], nonce)

	h := sha256.New()
	h.Write(key)
	h.Write(aad)
	h.Write(ct)
	h.Write(nb[:])
	sum := h.Sum(nil)
	return sum[:tagSize]
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

// nonceSeq is a process-wide monotonic counter used only for generating
// fresh, distinct nonce bases in tests and callers that do not have
// access to crypto/rand (kept separate from Cipher's own per-key counter).
var nonceSeq atomic.Uint64

// FreshNonceBase returns 8 bytes suitable for a new SetKey call when the
// caller is reinstalling the same session key and must avoid nonce reuse.
// Real callers should prefer crypto/rand directly; this helper exists for
// deterministic tests.
func FreshNonceBase() []byte {
	v := nonceSeq.Add(1)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}
