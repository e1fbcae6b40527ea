// Package codecio is the device-adapter boundary: codec encode/decode and
// microphone/speaker capture. Everything here is a collaborator the core
// protocol components call through a narrow interface — resampling, gain
// shaping and noise gating at this boundary are considered part of the
// adapter, not the core.
package codecio

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// SampleRate and FrameSamples fix the PCM format the whole pipeline speaks
// internally: 8 kHz mono, 20 ms frames (160 samples), matching the narrowband
// codec2/PCM rate this client targets. Opus is encoded from the same 20 ms
// cadence at its own internal sample rate.
const (
	SampleRate   = 8000
	FrameSamples = 160 // 20ms @ 8kHz
)

// TransportID mirrors wire.CodecTransportID without importing internal/wire,
// keeping codecio a leaf package.
type TransportID uint8

const (
	TransportPCM    TransportID = 0x00
	TransportCodec2 TransportID = 0x01
	TransportOpus   TransportID = 0x02
)

// Codec encodes/decodes one 20 ms frame of 16-bit PCM at SampleRate.
// Implementations must be safe to call from a single goroutine only — the
// event loop serializes all encode/decode calls, except where a codec wraps
// a library with its own internal lock (Opus, per the teacher's convention).
type Codec interface {
	ID() TransportID
	Encode(pcm []int16) ([]byte, error)
	Decode(frame []byte) ([]int16, error)
	SetBitrateMode(mode int) error
	// ExpectedFrameSize returns the fixed on-wire frame size in bytes for
	// the dual-format AUDIO payload rule (see wire.SplitAudioPayload), or 0
	// if the codec's frames vary in length (e.g. Opus), in which case the
	// audioSeq-prefixed form is always assumed on receive.
	ExpectedFrameSize() int
}

// pcmCodec is the trivial raw-PCM transport: the "frame" on the wire is the
// PCM samples themselves, big-endian 16-bit.
type pcmCodec struct{}

func NewPCM() Codec { return pcmCodec{} }

func (pcmCodec) ID() TransportID { return TransportPCM }

func (pcmCodec) Encode(pcm []int16) ([]byte, error) {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		out[2*i] = byte(uint16(s) >> 8)
		out[2*i+1] = byte(uint16(s))
	}
	return out, nil
}

func (pcmCodec) Decode(frame []byte) ([]int16, error) {
	out := make([]int16, len(frame)/2)
	for i := range out {
		out[i] = int16(uint16(frame[2*i])<<8 | uint16(frame[2*i+1]))
	}
	return out, nil
}

func (pcmCodec) SetBitrateMode(int) error { return nil }
func (pcmCodec) ExpectedFrameSize() int   { return FrameSamples * 2 }

// opusCodec wraps gopkg.in/hraban/opus.v2 for the OPUS transport id.
type opusCodec struct {
	enc *opus.Encoder
	dec *opus.Decoder
	buf []byte
}

// maxOpusPacketBytes is RFC 6716's maximum Opus packet size.
const maxOpusPacketBytes = 1275

// NewOpus returns an Opus codec running at SampleRate mono, VoIP-tuned.
func NewOpus() (Codec, error) {
	enc, err := opus.NewEncoder(SampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("new opus encoder: %w", err)
	}
	dec, err := opus.NewDecoder(SampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("new opus decoder: %w", err)
	}
	return &opusCodec{enc: enc, dec: dec, buf: make([]byte, maxOpusPacketBytes)}, nil
}

func (c *opusCodec) ID() TransportID { return TransportOpus }

func (c *opusCodec) Encode(pcm []int16) ([]byte, error) {
	n, err := c.enc.Encode(pcm, c.buf)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	out := make([]byte, n)
	copy(out, c.buf[:n])
	return out, nil
}

func (c *opusCodec) Decode(frame []byte) ([]int16, error) {
	pcm := make([]int16, FrameSamples)
	n, err := c.dec.Decode(frame, pcm)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	return pcm[:n], nil
}

// SetBitrateMode sets the target encoder bitrate in bits per second, one of
// the closed opus bitrate set enforced by appstate.
func (c *opusCodec) SetBitrateMode(mode int) error {
	return c.enc.SetBitrate(mode)
}

// ExpectedFrameSize is 0: Opus packets are variable-length, so the dual
// format rule always treats received Opus AUDIO payloads as audioSeq-prefixed.
func (c *opusCodec) ExpectedFrameSize() int { return 0 }

// codec2Unavailable is the CODEC2 transport seam. No pure-Go codec2 binding
// was available to wire (codec2 is cgo-only and this module carries no cgo
// dependency — see DESIGN.md), so selecting it always fails to load and the
// caller falls back to PCM passthrough per the codec-library-unavailable
// error taxonomy.
type codec2Unavailable struct{}

func NewCodec2(libraryPath string) (Codec, error) {
	return nil, fmt.Errorf("codec2 library not available (path %q): no codec2 binding linked into this build", libraryPath)
}

func (codec2Unavailable) ID() TransportID                { return TransportCodec2 }
func (codec2Unavailable) Encode([]int16) ([]byte, error) { return nil, fmt.Errorf("codec2 unavailable") }
func (codec2Unavailable) Decode([]byte) ([]int16, error) { return nil, fmt.Errorf("codec2 unavailable") }
func (codec2Unavailable) SetBitrateMode(int) error       { return fmt.Errorf("codec2 unavailable") }
func (codec2Unavailable) ExpectedFrameSize() int         { return 0 }
