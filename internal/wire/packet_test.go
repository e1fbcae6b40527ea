package wire

import (
	"bytes"
	"testing"
)

func TestSerializeParseRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		legacy  bool
		secured bool
	}{
		{"modern plain", false, false},
		{"modern secured", false, true},
		{"legacy plain", true, false},
		{"legacy secured", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Header{
				Version:   ProtocolVersion,
				Type:      PktAudio,
				ChannelID: 7,
				SenderID:  12345,
				Seq:       42,
				Flags:     0,
			}
			sec := SecurityHeader{Nonce: 99, KeyID: 1}
			payload := []byte("hello-frame")
			tag := bytes.Repeat([]byte{0xAB}, AuthTagSize)
			if !tt.secured {
				tag = nil
			}

			datagram := Serialize(h, tt.legacy, tt.secured, sec, payload, tag)

			pkt, err := Parse(datagram)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}

			if pkt.Header.ChannelID != h.ChannelID || pkt.Header.SenderID != h.SenderID || pkt.Header.Seq != h.Seq {
				t.Fatalf("header mismatch: got %+v", pkt.Header)
			}
			if !tt.legacy && pkt.Header.Flags != h.Flags {
				t.Fatalf("flags mismatch: got %d want %d", pkt.Header.Flags, h.Flags)
			}
			if tt.legacy && pkt.Header.Flags != 0 {
				t.Fatalf("legacy framing must report Flags=0, got %d", pkt.Header.Flags)
			}
			if pkt.Secured != tt.secured {
				t.Fatalf("secured mismatch: got %v want %v", pkt.Secured, tt.secured)
			}
			if tt.secured {
				if pkt.Sec != sec {
					t.Fatalf("sec mismatch: got %+v want %+v", pkt.Sec, sec)
				}
				if !bytes.Equal(pkt.Tag, tag) {
					t.Fatalf("tag mismatch")
				}
			}
			if !bytes.Equal(pkt.Payload, payload) {
				t.Fatalf("payload mismatch: got %q want %q", pkt.Payload, payload)
			}
		})
	}
}

func TestParseTooShort(t *testing.T) {
	if _, err := Parse(make([]byte, 10)); err != ErrTooShort {
		t.Fatalf("want ErrTooShort, got %v", err)
	}
}

func TestParseBadFraming(t *testing.T) {
	datagram := make([]byte, LegacyFixedHeaderSize)
	datagram[2] = 0
	datagram[3] = 13 // not a valid headerLen for any framing
	if _, err := Parse(datagram); err != ErrBadFraming {
		t.Fatalf("want ErrBadFraming, got %v", err)
	}
}

func TestLegacyFramingDoesNotSetFlags(t *testing.T) {
	h := Header{Version: ProtocolVersion, Type: PktJoin, ChannelID: 1, SenderID: 2, Seq: 3}
	datagram := Serialize(h, true, false, SecurityHeader{}, []byte("x"), nil)
	pkt, err := Parse(datagram)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if pkt.Header.Flags != 0 {
		t.Fatalf("flags should be 0 for legacy framing, got %d", pkt.Header.Flags)
	}
	if !IsLegacyFraming(pkt.Header.HeaderLen) {
		t.Fatalf("IsLegacyFraming should be true for headerLen %d", pkt.Header.HeaderLen)
	}
}

func TestSplitAudioPayloadHeaderless(t *testing.T) {
	frame := bytes.Repeat([]byte{1}, 160)
	seq, got, headerless := SplitAudioPayload(frame, 160, 55)
	if !headerless || seq != 55 || !bytes.Equal(got, frame) {
		t.Fatalf("got seq=%d headerless=%v frame=%v", seq, headerless, got)
	}
}

func TestSplitAudioPayloadWithSeq(t *testing.T) {
	payload := BuildAudioPayload(77, []byte("opusdata"))
	seq, frame, headerless := SplitAudioPayload(payload, 160, 0)
	if headerless {
		t.Fatalf("expected headerless=false")
	}
	if seq != 77 || string(frame) != "opusdata" {
		t.Fatalf("got seq=%d frame=%q", seq, frame)
	}
}

func TestFecPayloadRoundTrip(t *testing.T) {
	p := FecPayload{BlockStart: 600, BlockSize: 6, ParityIndex: 1, Parity: []byte{1, 2, 3, 4}}
	out, ok := ParseFecPayload(BuildFecPayload(p))
	if !ok {
		t.Fatalf("ParseFecPayload failed")
	}
	if out.BlockStart != p.BlockStart || out.BlockSize != p.BlockSize || out.ParityIndex != p.ParityIndex || !bytes.Equal(out.Parity, p.Parity) {
		t.Fatalf("got %+v want %+v", out, p)
	}
}

func TestCodecConfigPayloadRoundTrip(t *testing.T) {
	p := CodecConfigPayload{ForcePcm: true, CodecID: CodecTransportOpus, Mode: 1600}
	out, ok := ParseCodecConfigPayload(BuildCodecConfigPayload(p))
	if !ok || out != p {
		t.Fatalf("got %+v want %+v (ok=%v)", out, p, ok)
	}
}

func TestTalkPayloadFallback(t *testing.T) {
	if got := ParseTalkPayload(nil, 9); got != 9 {
		t.Fatalf("got %d want 9", got)
	}
	if got := ParseTalkPayload(BuildTalkPayload(42), 9); got != 42 {
		t.Fatalf("got %d want 42", got)
	}
}
