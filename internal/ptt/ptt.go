// Package ptt implements the push-to-talk transmit scheduler: mic session
// lifecycle, the pttPressed/talkAllowed/pendingPttOff state machine, and
// AUDIO+FEC packet assembly for the outbound stream.
package ptt

import (
	"fmt"
	"time"

	"github.com/FriedOUDON/IncomUdon/internal/aead"
	"github.com/FriedOUDON/IncomUdon/internal/codecio"
	"github.com/FriedOUDON/IncomUdon/internal/events"
	"github.com/FriedOUDON/IncomUdon/internal/fec"
	"github.com/FriedOUDON/IncomUdon/internal/wire"
)

const (
	// idleTimeout is how long the mic session stays open with nothing
	// requiring it before it is torn down.
	idleTimeout = 60 * time.Second

	// txGuard is the minimum time between two successful tryStartTx calls;
	// a call sooner than that after the last success emits nothing.
	txGuard = 50 * time.Millisecond

	// maxQueuedFrames bounds the outbound mic-frame queue; once full the
	// oldest frame is dropped to keep latency bounded rather than growing.
	maxQueuedFrames = 12
)

// SendFunc transmits one assembled datagram to the current channel endpoint.
type SendFunc func(datagram []byte) error

// MicControl starts/stops the capture device. Implemented by codecio.Device
// in production; swappable in tests.
type MicControl interface {
	Start() error
	Stop()
}

// Scheduler owns the PTT key state machine and turns captured mic frames
// into AUDIO (+ side-band FEC) datagrams. It is not safe for concurrent use
// from more than one goroutine — like the rest of this module, all state
// transitions happen on the single cooperative event loop goroutine.
type Scheduler struct {
	mic   MicControl
	codec codecio.Codec
	cip   *aead.Cipher
	fec   *fec.Encoder
	bus   *events.Bus
	send  SendFunc

	channelID uint32
	senderID  uint32
	legacy    bool

	pttPressed             bool
	talkAllowed            bool
	pendingPttOff          bool
	alwaysKeepInputSession bool
	rxHoldActive           bool

	micRunning   bool
	lastNeededAt time.Time
	lastTxAttempt time.Time

	audioSeq uint16
	queue    []micFrame
}

// micFrame pairs one queued capture frame with the pre-gate RMS level it
// was captured at, so the level can be reported at the point it's actually
// sent rather than the (possibly much earlier) point it was captured.
type micFrame struct {
	pcm   []int16
	level float32
}

// New returns a Scheduler with no mic session active.
func New(mic MicControl, codec codecio.Codec, cip *aead.Cipher, fecEnc *fec.Encoder, channelID, senderID uint32, legacy bool, send SendFunc, bus *events.Bus) *Scheduler {
	return &Scheduler{
		mic:       mic,
		codec:     codec,
		cip:       cip,
		fec:       fecEnc,
		bus:       bus,
		send:      send,
		channelID: channelID,
		senderID:  senderID,
		legacy:    legacy,
	}
}

// SetChannel updates the channel/sender identity used to stamp future
// packets, e.g. after a rejoin.
func (s *Scheduler) SetChannel(channelID, senderID uint32, legacy bool) {
	s.channelID = channelID
	s.senderID = senderID
	s.legacy = legacy
}

func (s *Scheduler) micNeeded() bool {
	return s.pttPressed || s.pendingPttOff || s.alwaysKeepInputSession || s.rxHoldActive
}

// ensureMic opens the capture device if it isn't already running and the
// session is needed; it never closes it here (that's idleCheck's job, gated
// on the idle timer so a brief PTT-release-then-repress doesn't thrash the
// native audio stream).
func (s *Scheduler) ensureMic(now time.Time) {
	if s.micNeeded() {
		s.lastNeededAt = now
		if !s.micRunning {
			if err := s.mic.Start(); err != nil {
				s.bus.Emit(events.ChannelError, fmt.Sprintf("mic start failed: %v", err))
				return
			}
			s.micRunning = true
		}
	}
}

// idleCheck stops the mic once it has been unneeded for idleTimeout. Call
// once per event-loop tick.
func (s *Scheduler) idleCheck(now time.Time) {
	if !s.micRunning {
		return
	}
	if s.micNeeded() {
		s.lastNeededAt = now
		return
	}
	if now.Sub(s.lastNeededAt) >= idleTimeout {
		s.mic.Stop()
		s.micRunning = false
	}
}

// Tick drives time-based transitions (idle mic teardown). Call once per
// event-loop iteration regardless of PTT activity.
func (s *Scheduler) Tick(now time.Time) {
	s.idleCheck(now)
}

// PressPTT marks the PTT key as held and attempts to start transmitting.
func (s *Scheduler) PressPTT(now time.Time) {
	s.pttPressed = true
	s.pendingPttOff = false
	s.ensureMic(now)
	s.tryStartTx(now)
}

// ReleasePTT marks the PTT key as released. If audio is still queued, the
// mic session is kept open (pendingPttOff) until the queue drains so the
// tail of the utterance isn't clipped.
func (s *Scheduler) ReleasePTT(now time.Time) {
	s.pttPressed = false
	if len(s.queue) > 0 {
		s.pendingPttOff = true
	} else {
		s.pendingPttOff = false
		s.bus.Emit(events.TxStopped, nil)
	}
	s.ensureMic(now)
}

// SetTalkAllowed updates whether the server has granted this client the
// floor. A transition to true while PTT is still held retries tryStartTx
// immediately instead of waiting for the next mic frame.
func (s *Scheduler) SetTalkAllowed(allowed bool, now time.Time) {
	was := s.talkAllowed
	s.talkAllowed = allowed
	if allowed && !was {
		s.tryStartTx(now)
	}
	if !allowed {
		s.bus.Emit(events.TxStopped, nil)
	}
}

// SetAlwaysKeepInputSession toggles the "keep mic always on" preference.
func (s *Scheduler) SetAlwaysKeepInputSession(always bool, now time.Time) {
	s.alwaysKeepInputSession = always
	s.ensureMic(now)
}

// SetRxHold toggles whether an in-progress RX playout should keep the mic
// session warm (e.g. to avoid device open/close churn between quick
// back-to-forth exchanges).
func (s *Scheduler) SetRxHold(active bool, now time.Time) {
	s.rxHoldActive = active
	s.ensureMic(now)
}

// tryStartTx emits TxStarted the first time all gating conditions line up.
// Calls within txGuard of the previous success are no-ops; a later call
// with every gate still open emits TxStarted again.
func (s *Scheduler) tryStartTx(now time.Time) bool {
	if !s.pttPressed || !s.talkAllowed || !s.micRunning {
		return false
	}
	if now.Sub(s.lastTxAttempt) < txGuard {
		return false
	}
	s.lastTxAttempt = now
	s.bus.Emit(events.TxStarted, nil)
	return true
}

// PushMicFrame enqueues one captured PCM frame, with its pre-gate RMS
// level, for encoding/transmission. Called by the device adapter's capture
// loop once per 20 ms tick while the mic session is open.
func (s *Scheduler) PushMicFrame(pcm []int16, level float32) {
	if !s.pttPressed && !s.pendingPttOff {
		return
	}
	if len(s.queue) >= maxQueuedFrames {
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, micFrame{pcm: pcm, level: level})
}

// DrainOne encodes and sends the oldest queued frame, if any, and returns
// whether a frame was sent. The caller (coordinator) invokes this once per
// 20 ms tick so wire cadence stays locked to the codec's frame size
// regardless of how bursty capture delivery is.
func (s *Scheduler) DrainOne(now time.Time) (bool, error) {
	if len(s.queue) == 0 {
		if s.pendingPttOff {
			s.pendingPttOff = false
			s.bus.Emit(events.TxStopped, nil)
		}
		return false, nil
	}
	if !s.talkAllowed {
		// Drop queued audio rather than buffering indefinitely while denied.
		s.queue = nil
		return false, nil
	}

	frame := s.queue[0]
	s.queue = s.queue[1:]

	if err := s.sendFrame(frame.pcm); err != nil {
		return false, err
	}
	s.bus.Emit(events.TxLevelChanged, frame.level)

	if len(s.queue) == 0 && s.pendingPttOff {
		s.pendingPttOff = false
		s.bus.Emit(events.TxStopped, nil)
	}
	return true, nil
}

func (s *Scheduler) sendFrame(pcm []int16) error {
	codecFrame, err := s.codec.Encode(pcm)
	if err != nil {
		return fmt.Errorf("ptt: encode: %w", err)
	}

	seq := s.audioSeq
	s.audioSeq++

	payload := wire.BuildAudioPayload(seq, codecFrame)
	nonce := s.cip.NextNonce()
	ct, tag := s.cip.Encrypt(payload, nil, nonce)

	hdr := wire.Header{
		Version:   wire.ProtocolVersion,
		Type:      wire.PktAudio,
		ChannelID: s.channelID,
		SenderID:  s.senderID,
		Seq:       seq,
	}
	sec := wire.SecurityHeader{Nonce: nonce, KeyID: s.cip.KeyID()}
	datagram := wire.Serialize(hdr, s.legacy, true, sec, ct, tag)

	if err := s.send(datagram); err != nil {
		return fmt.Errorf("ptt: send audio: %w", err)
	}

	for _, parity := range s.fec.AddFrame(seq, codecFrame) {
		fecPayload := wire.BuildFecPayload(wire.FecPayload{
			BlockStart:  parity.BlockStart,
			BlockSize:   parity.BlockSize,
			ParityIndex: parity.ParityIndex,
			Parity:      parity.Data,
		})
		fecHdr := wire.Header{
			Version:   wire.ProtocolVersion,
			Type:      wire.PktFec,
			ChannelID: s.channelID,
			SenderID:  s.senderID,
			Seq:       seq,
		}
		fecNonce := s.cip.NextNonce()
		fecCt, fecTag := s.cip.Encrypt(fecPayload, nil, fecNonce)
		fecSec := wire.SecurityHeader{Nonce: fecNonce, KeyID: s.cip.KeyID()}
		fecDatagram := wire.Serialize(fecHdr, s.legacy, true, fecSec, fecCt, fecTag)
		if err := s.send(fecDatagram); err != nil {
			return fmt.Errorf("ptt: send fec: %w", err)
		}
	}

	return nil
}

// QueueDepth reports the number of frames currently queued, for UI level
// meters / diagnostics.
func (s *Scheduler) QueueDepth() int { return len(s.queue) }

// MicRunning reports whether the capture device is currently open.
func (s *Scheduler) MicRunning() bool { return s.micRunning }
