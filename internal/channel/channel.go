// Package channel implements the channel join/endpoint-lock state and the
// RX playout engine: decoding arrived AUDIO/FEC datagrams into a jitter
// buffer and rendering one PCM frame per playout tick with PLC, fades and
// drop-to-target behavior.
package channel

import (
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	"github.com/FriedOUDON/IncomUdon/internal/aead"
	"github.com/FriedOUDON/IncomUdon/internal/codecio"
	"github.com/FriedOUDON/IncomUdon/internal/events"
	"github.com/FriedOUDON/IncomUdon/internal/fec"
	"github.com/FriedOUDON/IncomUdon/internal/jitter"
	"github.com/FriedOUDON/IncomUdon/internal/wire"
)

const (
	joinRetryInterval = time.Second
	joinRetryMax      = 5

	plcMaxFrames = 3

	baseTargetNonPCMMs   = 80
	baseTargetMobileMs   = 160
	baseTargetPCMNoFECMs = 200
)

// SendFunc transmits a raw datagram to the current live target.
type SendFunc func(addr *net.UDPAddr, datagram []byte) error

// ResolveFunc resolves a hostname to a UDP address, preferring IPv4.
type ResolveFunc func(hostport string) (*net.UDPAddr, error)

// Config configures a channel join.
type Config struct {
	ChannelID     uint32
	ServerAddress string
	ServerPort    uint16
	Mobile        bool
	FECEnabled    bool
	PCM           bool // true when the active codec is raw PCM
}

// Engine owns the live-target lock, message dispatch, and RX playout
// pipeline for one joined channel.
type Engine struct {
	send    SendFunc
	resolve ResolveFunc
	bus     *events.Bus

	cip   *aead.Cipher
	codec codecio.Codec
	fecDec *fec.Decoder
	jit   *jitter.Buffer

	channelID uint32
	senderID  uint32
	legacy    bool

	configuredTarget *net.UDPAddr
	liveTarget       *net.UDPAddr
	serverLocked     bool

	joinAttempts  int
	lastJoinSent  time.Time
	joining       bool

	talkerID  uint32
	talkEnded bool

	primed          bool
	fadeOutPending  bool
	lastPCM         []int16
	inSilence       bool
	plcCount        int

	frameMs           int
	pcmFrameBytes     int
	silenceFrame      []int16
	crossfadeSamples  int
	minBufferedFrames int
	dropMargin        int

	lastActivity time.Time
}

// NewEngine returns an Engine with no channel joined yet.
func NewEngine(cip *aead.Cipher, codec codecio.Codec, fecDec *fec.Decoder, jit *jitter.Buffer, send SendFunc, resolve ResolveFunc, bus *events.Bus) *Engine {
	return &Engine{
		send:    send,
		resolve: resolve,
		bus:     bus,
		cip:     cip,
		codec:   codec,
		fecDec:  fecDec,
		jit:     jit,
	}
}

// Join resolves the server address, resets transient state, and sends the
// first plaintext PKT_JOIN. Call Tick periodically afterward to drive the
// join-retry timer.
func (e *Engine) Join(cfg Config, senderID uint32, now time.Time) error {
	if cfg.ChannelID == 0 {
		err := fmt.Errorf("channel: invalid channel id")
		e.bus.Emit(events.ChannelError, err.Error())
		return err
	}
	if strings.TrimSpace(cfg.ServerAddress) == "" {
		err := fmt.Errorf("channel: invalid server address")
		e.bus.Emit(events.ChannelError, err.Error())
		return err
	}
	if cfg.ServerPort == 0 {
		err := fmt.Errorf("channel: invalid server port")
		e.bus.Emit(events.ChannelError, err.Error())
		return err
	}

	addr, err := e.resolve(fmt.Sprintf("%s:%d", cfg.ServerAddress, cfg.ServerPort))
	if err != nil {
		wrapped := fmt.Errorf("channel: resolve %s:%d: %w", cfg.ServerAddress, cfg.ServerPort, err)
		e.bus.Emit(events.ChannelError, wrapped.Error())
		return wrapped
	}

	e.channelID = cfg.ChannelID
	e.senderID = senderID
	e.legacy = false
	e.configuredTarget = addr
	e.liveTarget = addr
	e.serverLocked = false
	e.joinAttempts = 0
	e.joining = true
	e.talkerID = 0
	e.talkEnded = false

	e.fecDec.Reset()
	e.jit.Clear()
	e.updatePlayoutParams(cfg.Mobile, cfg.PCM, cfg.FECEnabled, e.fecDec.BlockSize())

	if err := e.sendJoin(now); err != nil {
		return err
	}
	e.bus.Emit(events.ChannelConfigured, cfg)
	return nil
}

// Leave clears all join/playout state. The caller is responsible for
// cancelling any coordinator-owned timers (keepalive, codec-config refresh).
func (e *Engine) Leave() {
	e.configuredTarget = nil
	e.liveTarget = nil
	e.serverLocked = false
	e.joining = false
	e.talkerID = 0
	e.talkEnded = false
	e.primed = false
	e.lastPCM = nil
	e.jit.Clear()
	e.fecDec.Reset()
}

func (e *Engine) sendJoin(now time.Time) error {
	pkt := wire.Header{
		Version:   wire.ProtocolVersion,
		Type:      wire.PktJoin,
		ChannelID: e.channelID,
		SenderID:  e.senderID,
	}
	datagram := wire.Serialize(pkt, false, false, wire.SecurityHeader{}, nil, nil)
	if err := e.send(e.liveTarget, datagram); err != nil {
		return err
	}
	// Retries pair the modern-framed JOIN with a legacy-framed one.
	if !e.legacy && e.joinAttempts > 0 {
		legacyDatagram := wire.Serialize(pkt, true, false, wire.SecurityHeader{}, nil, nil)
		if err := e.send(e.liveTarget, legacyDatagram); err != nil {
			return err
		}
	}
	e.lastJoinSent = now
	e.joinAttempts++
	return nil
}

// Tick drives the join-retry timer. Call once per event-loop iteration.
func (e *Engine) Tick(now time.Time) {
	if !e.joining || e.serverLocked {
		return
	}
	if e.joinAttempts >= joinRetryMax {
		e.joining = false
		return
	}
	if now.Sub(e.lastJoinSent) >= joinRetryInterval {
		_ = e.sendJoin(now)
	}
}

// ServerLocked reports whether a live endpoint has been established.
func (e *Engine) ServerLocked() bool { return e.serverLocked }

// LiveTarget returns the current live send target, or nil before lock.
func (e *Engine) LiveTarget() *net.UDPAddr { return e.liveTarget }

// HandleDatagram dispatches one received datagram by packet type, enforcing
// the endpoint lock and legacy auto-fallback rules first.
func (e *Engine) HandleDatagram(from *net.UDPAddr, raw []byte, now time.Time) {
	pkt, err := wire.Parse(raw)
	if err != nil {
		return
	}
	if pkt.Header.ChannelID != e.channelID {
		return
	}

	if !e.serverLocked {
		e.liveTarget = from
		e.serverLocked = true
		e.joining = false
	} else if !sameAddr(from, e.liveTarget) {
		return
	}

	e.lastActivity = now

	if !e.legacy && wire.IsLegacyFraming(pkt.Header.HeaderLen) {
		e.legacy = true
	}

	switch pkt.Header.Type {
	case wire.PktTalkGrant:
		e.handleTalkGrant(pkt)
	case wire.PktTalkRelease:
		e.handleTalkRelease(pkt)
	case wire.PktTalkDeny:
		e.bus.Emit(events.TalkDenied, e.talkerID)
	case wire.PktKeyExchange:
		e.bus.Emit(events.SessionKeyReady, pkt.Payload)
	case wire.PktCodecConfig:
		e.handleCodecConfig(pkt)
	case wire.PktAudio, wire.PktFec:
		e.handleAudioOrFec(pkt)
	}
}

func sameAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

func (e *Engine) handleTalkGrant(pkt wire.Packet) {
	talkerID := wire.ParseTalkPayload(pkt.Payload, pkt.Header.SenderID)
	if talkerID != e.talkerID {
		e.primed = false
		e.lastPCM = nil
		e.jit.Clear()
		e.fecDec.Reset()
	}
	e.talkerID = talkerID
	e.talkEnded = false
	e.bus.Emit(events.TalkerChanged, talkerID)
}

func (e *Engine) handleTalkRelease(pkt wire.Packet) {
	released := wire.ParseTalkPayload(pkt.Payload, pkt.Header.SenderID)
	e.bus.Emit(events.TalkReleaseDetected, released)
	e.talkerID = 0
	e.talkEnded = true
}

func (e *Engine) handleCodecConfig(pkt wire.Packet) {
	cfg, ok := wire.ParseCodecConfigPayload(pkt.Payload)
	if !ok {
		return
	}
	e.bus.Emit(events.CodecConfigReceived, cfg)
}

func (e *Engine) handleAudioOrFec(pkt wire.Packet) {
	if !e.cip.Ready() || e.codec == nil {
		return
	}
	if !pkt.Secured {
		return
	}
	pt, ok := e.cip.Decrypt(pkt.Payload, pkt.Tag, nil, pkt.Sec.Nonce)
	if !ok {
		return
	}

	switch pkt.Header.Type {
	case wire.PktAudio:
		audioSeq, frame, _ := wire.SplitAudioPayload(pt, e.codec.ExpectedFrameSize(), pkt.Header.Seq)
		if frame == nil {
			return
		}
		e.jit.Push(audioSeq, frame)
		if e.fecDec != nil {
			for _, recovered := range e.fecDec.PushData(audioSeq, frame) {
				e.jit.Push(recovered.Seq, recovered.Frame)
			}
		}
	case wire.PktFec:
		fecPayload, ok := wire.ParseFecPayload(pt)
		if !ok {
			return
		}
		for _, recovered := range e.fecDec.PushParity(fecPayload.BlockStart, fecPayload.BlockSize, fecPayload.ParityIndex, fecPayload.Parity) {
			e.jit.Push(recovered.Seq, recovered.Frame)
		}
	}
}

// updatePlayoutParams recomputes derived playout timing from the active
// codec/FEC/mobile configuration, invalidating prime state and queuing a
// fade-out of whatever is currently playing.
func (e *Engine) updatePlayoutParams(mobile, pcm, fecEnabled bool, fecBlockSize int) {
	e.frameMs = 20
	e.pcmFrameBytes = codecio.FrameSamples * 2

	baseMs := baseTargetNonPCMMs
	switch {
	case mobile:
		baseMs = baseTargetMobileMs
	case pcm && !fecEnabled:
		baseMs = baseTargetPCMNoFECMs
	}
	minFrames := baseMs / e.frameMs
	if fecEnabled {
		floor := fecBlockSize + 2
		if minFrames < floor {
			minFrames = floor
		}
	}
	if minFrames < 1 {
		minFrames = 1
	}
	e.minBufferedFrames = minFrames
	e.dropMargin = minFrames + fecBlockSize/2 + 1
	e.jit.SetMinBufferedFrames(minFrames)

	e.silenceFrame = make([]int16, codecio.FrameSamples)
	e.crossfadeSamples = codecio.FrameSamples / 2
	if e.crossfadeSamples < 10 {
		e.crossfadeSamples = 10
	}

	e.primed = false
	if e.lastPCM != nil {
		e.fadeOutPending = true
	}
	e.fecDec.Reset()
	e.jit.Clear()
}

// UpdatePlayoutParams is the exported entry point the coordinator calls
// whenever codec/FEC/mobile configuration changes.
func (e *Engine) UpdatePlayoutParams(mobile, pcm, fecEnabled bool, fecBlockSize int) {
	e.updatePlayoutParams(mobile, pcm, fecEnabled, fecBlockSize)
}

func crossfade(from, to []int16, n int) []int16 {
	out := make([]int16, len(to))
	copy(out, to)
	if n > len(from) {
		n = len(from)
	}
	if n > len(to) {
		n = len(to)
	}
	for i := 0; i < n; i++ {
		t := float64(i) / float64(n)
		out[i] = int16(float64(from[i])*(1-t) + float64(to[i])*t)
	}
	return out
}

func decayToZero(last []int16, steps, total int) []int16 {
	out := make([]int16, len(last))
	remaining := float64(total-steps) / float64(total)
	if remaining < 0 {
		remaining = 0
	}
	for i, s := range last {
		out[i] = int16(float64(s) * remaining)
	}
	return out
}

// PlayoutTick implements the six-step playout decision ladder and returns
// exactly one PCM frame (FrameSamples long), or nil if nothing should be
// played yet (not primed).
func (e *Engine) PlayoutTick() []int16 {
	if !e.primed {
		if e.jit.Size() < e.minBufferedFrames {
			return nil
		}
		e.primed = true
	}

	if e.fadeOutPending {
		e.fadeOutPending = false
		out := e.silenceFrame
		if e.lastPCM != nil {
			out = crossfade(e.lastPCM, e.silenceFrame, e.crossfadeSamples)
		}
		e.lastPCM = nil
		e.inSilence = true
		e.plcCount = 0
		return out
	}

	if e.talkEnded && e.jit.Size() == 0 {
		releasedTalker := e.talkerID
		out := e.silenceFrame
		if e.lastPCM != nil {
			out = crossfade(e.lastPCM, e.silenceFrame, e.crossfadeSamples)
		}
		e.lastPCM = nil
		e.talkEnded = false
		e.primed = false
		e.bus.Emit(events.TalkReleasePlayoutDone, releasedTalker)
		return out
	}

	if e.jit.Size() > e.dropMargin {
		for e.jit.Size() > e.minBufferedFrames {
			dropped := e.jit.Pop(false)
			if dropped == nil {
				break
			}
			if pcm, err := e.codec.Decode(dropped); err == nil && len(pcm) > 0 {
				e.lastPCM = pcm
			}
		}
	}

	// After a talk release the remaining frames drain without the
	// minimum-fill requirement.
	frame := e.jit.Pop(!e.talkEnded)
	if frame == nil {
		return e.plc()
	}

	pcm, err := e.codec.Decode(frame)
	if err != nil || len(pcm) == 0 {
		pcm = make([]int16, codecio.FrameSamples)
	}

	out := pcm
	if e.inSilence {
		if e.lastPCM != nil {
			out = crossfade(e.silenceFrame, pcm, e.crossfadeSamples)
		}
		e.inSilence = false
	}

	e.lastPCM = out
	e.plcCount = 0
	e.bus.Emit(events.AudioFrameReceived, out)
	e.bus.Emit(events.RxLevelChanged, pcmRMS(out))
	return out
}

// pcmRMS computes the RMS level of a decoded PCM frame, normalized to
// 0.0-1.0, mirroring the pre-gate RMS the capture side reports for txLevel.
func pcmRMS(pcm []int16) float32 {
	if len(pcm) == 0 {
		return 0
	}
	var sumSquares float64
	for _, s := range pcm {
		v := float64(s) / 32768.0
		sumSquares += v * v
	}
	return float32(math.Sqrt(sumSquares / float64(len(pcm))))
}

func (e *Engine) plc() []int16 {
	isPCM := e.codec.ID() == codecio.TransportPCM

	if isPCM {
		if e.plcCount == 0 {
			e.plcCount++
			if e.lastPCM != nil {
				out := decayToZero(e.lastPCM, 1, 2)
				e.lastPCM = out
				return out
			}
			return e.silenceFrame
		}
		if e.plcCount == 1 {
			e.plcCount++
			out := e.silenceFrame
			if e.lastPCM != nil {
				out = crossfade(e.lastPCM, e.silenceFrame, e.crossfadeSamples)
			}
			e.lastPCM = nil
			e.inSilence = true
			return out
		}
		return e.silenceFrame
	}

	if e.plcCount < plcMaxFrames && e.lastPCM != nil {
		out := decayToZero(e.lastPCM, e.plcCount, plcMaxFrames)
		e.plcCount++
		if e.plcCount >= plcMaxFrames {
			e.lastPCM = nil
			e.inSilence = true
		}
		return out
	}
	return e.silenceFrame
}
