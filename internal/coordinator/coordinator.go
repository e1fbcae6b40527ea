// Package coordinator is the thin orchestration layer binding the UDP
// socket, channel/RX engine, PTT/TX scheduler, key exchange and app state
// together, and driving the timers the protocol doesn't delegate elsewhere:
// keepalive, CODEC_CONFIG rebroadcast, join retry, and the server-response
// watchdog.
package coordinator

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/FriedOUDON/IncomUdon/internal/adapt"
	"github.com/FriedOUDON/IncomUdon/internal/aead"
	"github.com/FriedOUDON/IncomUdon/internal/appstate"
	"github.com/FriedOUDON/IncomUdon/internal/channel"
	"github.com/FriedOUDON/IncomUdon/internal/codecio"
	"github.com/FriedOUDON/IncomUdon/internal/events"
	"github.com/FriedOUDON/IncomUdon/internal/fec"
	"github.com/FriedOUDON/IncomUdon/internal/jitter"
	"github.com/FriedOUDON/IncomUdon/internal/kex"
	"github.com/FriedOUDON/IncomUdon/internal/ptt"
	"github.com/FriedOUDON/IncomUdon/internal/transport"
	"github.com/FriedOUDON/IncomUdon/internal/wire"
)

const (
	keepaliveInterval     = 5 * time.Second
	serverResponseTimeout = 8 * time.Second
	handshakeRateLimit    = 1 * time.Second
)

// LinkStatus mirrors the observable "serverOnline"/"No response" signal.
type LinkStatus int

const (
	LinkUnknown LinkStatus = iota
	LinkOnline
	LinkNoResponse
)

// codecConfigKey is the dedup key for rebroadcast suppression.
type codecConfigKey struct {
	addr    string
	port    int
	mode    uint16
	codecID wire.CodecTransportID
}

// Coordinator wires every component and drives the timers SPEC_FULL.md
// assigns to the app layer rather than to channel/ptt themselves.
type Coordinator struct {
	sock  *transport.Socket
	state *appstate.State
	bus   *events.Bus

	ch     *channel.Engine
	sched  *ptt.Scheduler
	cip    *aead.Cipher
	exch   *kex.Exchange
	codec  codecio.Codec
	fecDec *fec.Decoder
	fecEnc *fec.Encoder
	jit    *jitter.Buffer
	mic    ptt.MicControl

	link LinkStatus

	lastKeepalive     time.Time
	keepaliveSentAt   time.Time
	smoothedRTTMs     float64
	lastServerContact time.Time
	serverTimerActive bool

	lastHandshakeSent time.Time
	lastCodecConfig   *codecConfigKey
}

// rttSmoothingAlpha weights new keepalive RTT samples against the running
// average; 0.3 matches internal/adapt's own documented typical value.
const rttSmoothingAlpha = 0.3

// Deps bundles the already-constructed components a Coordinator wires
// together; every field must be non-nil.
type Deps struct {
	Socket *transport.Socket
	State  *appstate.State
	Bus    *events.Bus
	Cipher *aead.Cipher
	Exch   *kex.Exchange
	Codec  codecio.Codec
	FecEnc *fec.Encoder
	FecDec *fec.Decoder
	Jitter *jitter.Buffer
	Mic    ptt.MicControl
}

// New wires a Coordinator from already-bound/constructed dependencies.
// The caller is responsible for calling Socket.Listen in its own goroutine
// and forwarding each datagram to HandleDatagram.
func New(d Deps) *Coordinator {
	c := &Coordinator{
		sock:   d.Socket,
		state:  d.State,
		bus:    d.Bus,
		cip:    d.Cipher,
		exch:   d.Exch,
		codec:  d.Codec,
		fecEnc: d.FecEnc,
		fecDec: d.FecDec,
		jit:    d.Jitter,
		mic:    d.Mic,
	}

	c.ch = channel.NewEngine(d.Cipher, d.Codec, d.FecDec, d.Jitter, d.Socket.Send, transport.ResolveServer, d.Bus)
	c.sched = ptt.New(d.Mic, d.Codec, d.Cipher, d.FecEnc, d.State.ChannelID(), d.State.SenderID(), false, c.sendToLiveTarget, d.Bus)

	c.ensureSenderID()

	d.Bus.Subscribe(events.SettingsChanged, func(any) { c.onSettingsChanged() })
	d.Bus.Subscribe(events.SessionKeyReady, func(payload any) {
		raw, ok := payload.([]byte)
		if !ok {
			return
		}
		c.onHandshakePacket(raw)
	})

	return c
}

// onHandshakePacket processes a received PKT_KEY_EXCHANGE payload, installs
// the resulting session key into the cipher, and relays any reply payload
// the handshake still needs sent back.
func (c *Coordinator) onHandshakePacket(payload []byte) {
	result, reply, ok := c.exch.ProcessHandshakePacket(payload)
	if !ok {
		return
	}
	c.cip.SetKey(result.SessionKey, result.NonceBase)
	if result.Mode == kex.LegacyXor {
		c.cip.SetMode(aead.LegacyXor)
	} else {
		c.cip.SetMode(aead.AesGcm)
	}
	if reply != nil {
		c.sendHandshake(reply, time.Now())
	}
}

func (c *Coordinator) sendToLiveTarget(datagram []byte) error {
	target := c.ch.LiveTarget()
	if target == nil {
		return fmt.Errorf("coordinator: no live target")
	}
	return c.sock.Send(target, datagram)
}

// ensureSenderID picks a fresh nonzero 31-bit sender id if the persisted one
// is zero or out of range (bit 31 reserved, matching the legacy core's
// signed-int32 sender id representation).
func (c *Coordinator) ensureSenderID() {
	id := c.state.SenderID()
	if id != 0 && id < 1<<31 {
		return
	}
	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			panic(err)
		}
		id = binary.BigEndian.Uint32(buf[:]) & 0x7fffffff
		if id != 0 {
			break
		}
	}
	c.state.SetSenderID(id)
}

// JoinChannel resolves and joins the configured channel, starting the
// server-response watchdog and (re)deriving the session key.
func (c *Coordinator) JoinChannel(now time.Time) error {
	cfg := channel.Config{
		ChannelID:     c.state.ChannelID(),
		ServerAddress: c.state.ServerAddress(),
		ServerPort:    c.state.ServerPort(),
		Mobile:        c.state.Mobile(),
		FECEnabled:    c.state.FECEnabled(),
		PCM:           c.state.Codec() == appstate.CodecPCM,
	}
	if err := c.ch.Join(cfg, c.state.SenderID(), now); err != nil {
		return err
	}

	c.exch.SetChannelID(c.state.ChannelID())
	c.exch.SetPassword(c.state.PasswordHash())
	result, handshake := c.exch.StartHandshake()
	c.cip.SetKey(result.SessionKey, result.NonceBase)
	if handshake != nil {
		c.sendHandshake(handshake, now)
	}
	c.maybeSendCodecConfig(now, true)

	c.lastServerContact = now
	c.serverTimerActive = true
	c.link = LinkUnknown
	return nil
}

// Leave tears down the joined channel and cancels the watchdog timers.
func (c *Coordinator) Leave() {
	c.ch.Leave()
	c.serverTimerActive = false
	c.link = LinkUnknown
}

func (c *Coordinator) sendHandshake(payload []byte, now time.Time) {
	if now.Sub(c.lastHandshakeSent) < handshakeRateLimit {
		return
	}
	target := c.ch.LiveTarget()
	if target == nil {
		return
	}
	hdr := wire.Header{Version: wire.ProtocolVersion, Type: wire.PktKeyExchange, ChannelID: c.state.ChannelID(), SenderID: c.state.SenderID()}
	datagram := wire.Serialize(hdr, false, false, wire.SecurityHeader{}, payload, nil)
	if err := c.sock.Send(target, datagram); err == nil {
		c.lastHandshakeSent = now
	}
}

// HandleDatagram records server contact (link status, watchdog, keepalive
// RTT sample) and forwards the datagram to the channel engine, which
// dispatches every packet type.
func (c *Coordinator) HandleDatagram(from *net.UDPAddr, raw []byte, now time.Time) {
	c.lastServerContact = now
	if c.link != LinkOnline {
		c.link = LinkOnline
		c.bus.Emit(events.ServerOnlineChanged, true)
	}
	c.bus.Emit(events.ServerActivity, nil)

	if !c.keepaliveSentAt.IsZero() {
		rttMs := float64(now.Sub(c.keepaliveSentAt).Milliseconds())
		c.smoothedRTTMs = adapt.SmoothLoss(c.smoothedRTTMs, rttMs, rttSmoothingAlpha)
		c.keepaliveSentAt = time.Time{}
	}

	c.ch.HandleDatagram(from, raw, now)
}

// SmoothedRTTMs reports the exponentially-smoothed keepalive round-trip
// time, in milliseconds. Zero until the first keepalive reply arrives.
func (c *Coordinator) SmoothedRTTMs() float64 { return c.smoothedRTTMs }

// PressPTT / ReleasePTT forward PTT key events to the TX scheduler.
func (c *Coordinator) PressPTT(now time.Time)   { c.sched.PressPTT(now) }
func (c *Coordinator) ReleasePTT(now time.Time) { c.sched.ReleasePTT(now) }

// SetTalkAllowed forwards a TALK_GRANT/DENY outcome to the TX scheduler.
func (c *Coordinator) SetTalkAllowed(allowed bool, now time.Time) {
	c.sched.SetTalkAllowed(allowed, now)
}

// PlayoutFrame pulls the next frame for the device adapter's playback loop.
func (c *Coordinator) PlayoutFrame() []int16 { return c.ch.PlayoutTick() }

// PushMicFrame hands one captured frame, with its pre-gate RMS level, to
// the TX scheduler's queue.
func (c *Coordinator) PushMicFrame(pcm []int16, level float32) { c.sched.PushMicFrame(pcm, level) }

func (c *Coordinator) onSettingsChanged() {
	c.ch.UpdatePlayoutParams(c.state.Mobile(), c.state.Codec() == appstate.CodecPCM, c.state.FECEnabled(), c.fecDec.BlockSize())
	c.maybeSendCodecConfig(time.Time{}, true)
}

// Tick drives every coordinator-owned timer: keepalive, server-response
// watchdog, CODEC_CONFIG rebroadcast while TX is active, join retry, and
// PTT queue draining. Call once per event-loop iteration (e.g. every 20 ms
// alongside the playout/TX cadence).
func (c *Coordinator) Tick(now time.Time) {
	c.ch.Tick(now)
	c.sched.Tick(now)
	if _, err := c.sched.DrainOne(now); err != nil {
		c.bus.Emit(events.ChannelError, err.Error())
	}

	if c.ch.ServerLocked() {
		if now.Sub(c.lastKeepalive) >= keepaliveInterval {
			c.sendKeepalive(now)
		}
		if c.sched.MicRunning() {
			c.maybeSendCodecConfig(now, false)
		}
	}

	if c.serverTimerActive && now.Sub(c.lastServerContact) >= serverResponseTimeout {
		if c.link != LinkNoResponse {
			c.link = LinkNoResponse
			c.bus.Emit(events.LinkStatusChanged, LinkNoResponse)
		}
	}
}

func (c *Coordinator) sendKeepalive(now time.Time) {
	target := c.ch.LiveTarget()
	if target == nil {
		return
	}
	hdr := wire.Header{Version: wire.ProtocolVersion, Type: wire.PktKeepalive, ChannelID: c.state.ChannelID(), SenderID: c.state.SenderID()}
	datagram := wire.Serialize(hdr, false, false, wire.SecurityHeader{}, nil, nil)
	if err := c.sock.Send(target, datagram); err == nil {
		c.lastKeepalive = now
		c.keepaliveSentAt = now
	}
}

// codecIDFor maps the app-state codec selection to its wire transport id.
func codecIDFor(codec appstate.Codec) wire.CodecTransportID {
	switch codec {
	case appstate.CodecCodec2:
		return wire.CodecTransportCodec2
	case appstate.CodecOpus:
		return wire.CodecTransportOpus
	default:
		return wire.CodecTransportPCM
	}
}

// maybeSendCodecConfig rebroadcasts CODEC_CONFIG, deduplicated against the
// last-sent (address,port,mode,codecId) tuple unless force is set. Channel
// join and settings changes (including codec changes) force a send; a
// target change yields a new tuple, so the next rebroadcast is not
// suppressed.
func (c *Coordinator) maybeSendCodecConfig(now time.Time, force bool) {
	target := c.ch.LiveTarget()
	if target == nil {
		return
	}

	codecID := codecIDFor(c.state.Codec())
	mode := uint16(c.state.Codec2Bitrate())
	if c.state.Codec() == appstate.CodecOpus {
		mode = uint16(c.state.OpusBitrate())
	}

	key := codecConfigKey{addr: target.IP.String(), port: target.Port, mode: mode, codecID: codecID}
	if !force && c.lastCodecConfig != nil && *c.lastCodecConfig == key {
		return
	}

	payload := wire.BuildCodecConfigPayload(wire.CodecConfigPayload{
		ForcePcm: c.state.ForcePcm(),
		CodecID:  codecID,
		Mode:     mode,
	})
	hdr := wire.Header{Version: wire.ProtocolVersion, Type: wire.PktCodecConfig, ChannelID: c.state.ChannelID(), SenderID: c.state.SenderID()}
	datagram := wire.Serialize(hdr, false, false, wire.SecurityHeader{}, payload, nil)
	if err := c.sock.Send(target, datagram); err != nil {
		return
	}
	c.lastCodecConfig = &key
}

// LinkStatus reports the current observed link state.
func (c *Coordinator) LinkStatus() LinkStatus { return c.link }
