package kex

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestLegacyHandshakeDeterministic(t *testing.T) {
	e1 := New(LegacyXor)
	e1.SetChannelID(7)
	e1.SetPassword("s3cret")
	res1, handshake1 := e1.StartHandshake()

	e2 := New(LegacyXor)
	e2.SetChannelID(7)
	e2.SetPassword("s3cret")
	res2, handshake2 := e2.StartHandshake()

	if !bytes.Equal(res1.SessionKey, res2.SessionKey) {
		t.Fatalf("legacy session keys differ for same channel+password")
	}
	if !bytes.Equal(res1.NonceBase, res2.NonceBase) {
		t.Fatalf("legacy nonce bases differ for same channel+password")
	}
	if string(handshake1) != "LEGACY" || string(handshake2) != "LEGACY" {
		t.Fatalf("handshake payload must be literal ASCII LEGACY")
	}
	if res1.Mode != LegacyXor {
		t.Fatalf("mode = %v, want LegacyXor", res1.Mode)
	}
}

func TestGcmHandshakeRandomNonceBase(t *testing.T) {
	e := New(AesGcm)
	e.SetChannelID(7)
	e.SetPassword("s3cret")
	res1, handshake1 := e.StartHandshake()
	res2, _ := e.StartHandshake()

	if handshake1 != nil {
		t.Fatalf("GCM mode must not emit a handshake packet, got %v", handshake1)
	}
	if bytes.Equal(res1.NonceBase, res2.NonceBase) {
		t.Fatalf("GCM nonce base must be freshly randomized per handshake")
	}
	if bytes.Equal(res1.SessionKey, res2.SessionKey) == false {
		t.Fatalf("GCM session key should be deterministic across handshakes for same channel+password")
	}
}

func TestDifferentChannelDifferentKey(t *testing.T) {
	e1 := New(LegacyXor)
	e1.SetChannelID(1)
	e1.SetPassword("pw")
	r1, _ := e1.StartHandshake()

	e2 := New(LegacyXor)
	e2.SetChannelID(2)
	e2.SetPassword("pw")
	r2, _ := e2.StartHandshake()

	if bytes.Equal(r1.SessionKey, r2.SessionKey) {
		t.Fatalf("different channel ids must not derive the same session key")
	}
}

func TestHexPasswordAcceptedAsIs(t *testing.T) {
	raw := "my-plaintext-password"
	hashed := shaHex(raw)

	e1 := New(LegacyXor)
	e1.SetChannelID(5)
	e1.SetPassword(raw)
	r1, _ := e1.StartHandshake()

	e2 := New(LegacyXor)
	e2.SetChannelID(5)
	e2.SetPassword(hashed)
	r2, _ := e2.StartHandshake()

	if !bytes.Equal(r1.SessionKey, r2.SessionKey) {
		t.Fatalf("hex-encoded sha256 of password must derive same key as raw password")
	}
}

func TestProcessHandshakePacketIdempotentLegacy(t *testing.T) {
	e := New(LegacyXor)
	e.SetChannelID(3)
	e.SetPassword("hunter2")
	e.StartHandshake()

	_, _, ok := e.ProcessHandshakePacket([]byte("LEGACY"))
	if ok {
		t.Fatalf("second handshake packet in legacy mode must be a no-op once ready")
	}
}

func TestProcessHandshakePacketRegeneratesGcmNonce(t *testing.T) {
	e := New(AesGcm)
	e.SetChannelID(3)
	e.SetPassword("hunter2")
	res1, _ := e.StartHandshake()

	res2, _, ok := e.ProcessHandshakePacket(nil)
	if !ok {
		t.Fatalf("GCM mode must regenerate nonce base on each handshake packet")
	}
	if bytes.Equal(res1.NonceBase, res2.NonceBase) {
		t.Fatalf("GCM nonce base must differ between handshakes")
	}
}

func shaHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
