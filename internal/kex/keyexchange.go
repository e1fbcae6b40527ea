// Package kex derives a session key and nonce base from a channel id and a
// shared password (or its SHA-256 hash) via HKDF-SHA-256, and builds/consumes
// the handshake packet used to bootstrap legacy-mode peers.
package kex

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// CryptoMode mirrors aead.Mode without importing it, keeping kex a leaf
// package the way the original KeyExchange component has no dependency on
// AeadCipher beyond the shared enum shape.
type CryptoMode int

const (
	AesGcm CryptoMode = iota
	LegacyXor
)

const (
	legacyInfo  = "incomudon-session"
	gcmInfo     = "incomudon-session-aesgcm"
	legacyLen   = 40
	gcmLen      = 32
	handshakeMsg = "LEGACY"
)

// Result is the outcome of a successful derivation.
type Result struct {
	SessionKey []byte
	NonceBase  []byte
	Mode       CryptoMode
}

// Exchange turns a channel id + password into session keys. It holds no
// network state; callers (the coordinator) own dispatching sessionKeyReady
// asynchronously via internal/events and sending HandshakePacket when in
// legacy mode.
type Exchange struct {
	channelID    uint32
	passwordHash [32]byte // SHA-256 of the normalized password
	preferred    CryptoMode
	ready        bool
	mode         CryptoMode
}

// New returns an Exchange with no channel/password configured yet.
func New(preferred CryptoMode) *Exchange {
	return &Exchange{preferred: preferred}
}

// SetChannelID updates the channel id used as HKDF salt material.
func (e *Exchange) SetChannelID(id uint32) { e.channelID = id }

// SetPassword normalizes the password: if it already looks like a 64-hex-char
// SHA-256 digest it is decoded and used as-is; otherwise its UTF-8 bytes are
// hashed.
func (e *Exchange) SetPassword(password string) {
	e.passwordHash = normalizePassword(password)
}

// Ready reports whether a handshake has completed.
func (e *Exchange) Ready() bool { return e.ready }

// Mode reports the cryptographic mode negotiated by the last successful
// handshake.
func (e *Exchange) Mode() CryptoMode { return e.mode }

// PreferredMode reports the mode StartHandshake will attempt.
func (e *Exchange) PreferredMode() CryptoMode { return e.preferred }

// SetPreferredMode changes the mode future handshakes will attempt.
func (e *Exchange) SetPreferredMode(mode CryptoMode) { e.preferred = mode }

func normalizePassword(password string) [32]byte {
	if looksLikeSha256Hex(password) {
		var out [32]byte
		b, err := hex.DecodeString(strings.ToLower(password))
		if err == nil && len(b) == 32 {
			copy(out[:], b)
			return out
		}
	}
	return sha256.Sum256([]byte(password))
}

func looksLikeSha256Hex(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// passwordKey computes SHA-256(passwordHash || channelId-as-4-big-endian-bytes).
func (e *Exchange) passwordKey() []byte {
	var salt [4]byte
	binary.BigEndian.PutUint32(salt[:], e.channelID)

	h := sha256.New()
	h.Write(e.passwordHash[:])
	h.Write(salt[:])
	return h.Sum(nil)
}

func hkdfExpand(ikm []byte, info string, length int) []byte {
	r := hkdf.New(sha256.New, ikm, nil, []byte(info))
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		// hkdf.New/Read only fail on a length exceeding 255*hash size, which
		// can't happen for our fixed 32/40-byte outputs.
		panic(err)
	}
	return out
}

func randomNonceBase() []byte {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return buf
}

// StartHandshake derives a fresh session key for the configured channel and
// password, marks the exchange ready, and returns the Result plus (when in
// legacy mode) the handshake packet payload to broadcast. The caller is
// responsible for delivering sessionKeyReady asynchronously (e.g. by
// posting the Result onto the event loop on the next tick) per spec §4.3.
func (e *Exchange) StartHandshake() (Result, []byte) {
	pk := e.passwordKey()

	var res Result
	switch e.preferred {
	case LegacyXor:
		okm := hkdfExpand(pk, legacyInfo, legacyLen)
		res = Result{SessionKey: okm[:32], NonceBase: okm[32:40], Mode: LegacyXor}
	default:
		key := hkdfExpand(pk, gcmInfo, gcmLen)
		res = Result{SessionKey: key, NonceBase: randomNonceBase(), Mode: AesGcm}
	}

	e.ready = true
	e.mode = res.Mode

	var handshake []byte
	if res.Mode == LegacyXor {
		handshake = []byte(handshakeMsg)
	}
	return res, handshake
}

// ProcessHandshakePacket re-derives (legacy) or regenerates (GCM) a session
// key in response to a peer's handshake packet. Idempotent in legacy mode:
// once ready in LegacyXor, repeated handshake packets are a no-op and
// return ok=false so the caller does not re-emit sessionKeyReady. In GCM
// mode every call returns a fresh random nonce base with ok=true.
func (e *Exchange) ProcessHandshakePacket(payload []byte) (Result, []byte, bool) {
	_ = payload // the legacy payload carries no information beyond "handshake happened"

	if e.preferred == LegacyXor {
		if e.ready && e.mode == LegacyXor {
			return Result{}, nil, false
		}
		pk := e.passwordKey()
		okm := hkdfExpand(pk, legacyInfo, legacyLen)
		res := Result{SessionKey: okm[:32], NonceBase: okm[32:40], Mode: LegacyXor}
		e.ready = true
		e.mode = LegacyXor
		return res, []byte(handshakeMsg), true
	}

	pk := e.passwordKey()
	key := hkdfExpand(pk, gcmInfo, gcmLen)
	res := Result{SessionKey: key, NonceBase: randomNonceBase(), Mode: AesGcm}
	e.ready = true
	e.mode = AesGcm
	return res, nil, true
}
