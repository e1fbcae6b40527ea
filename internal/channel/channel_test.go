package channel

import (
	"net"
	"testing"
	"time"

	"github.com/FriedOUDON/IncomUdon/internal/aead"
	"github.com/FriedOUDON/IncomUdon/internal/codecio"
	"github.com/FriedOUDON/IncomUdon/internal/events"
	"github.com/FriedOUDON/IncomUdon/internal/fec"
	"github.com/FriedOUDON/IncomUdon/internal/jitter"
	"github.com/FriedOUDON/IncomUdon/internal/wire"
)

var serverAddr = &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 4000}
var otherAddr = &net.UDPAddr{IP: net.ParseIP("198.51.100.9"), Port: 4000}

func newTestEngine(t *testing.T) (*Engine, *[][]byte) {
	t.Helper()
	cip := aead.New(aead.AesGcm)
	cip.SetKey([]byte("0123456789abcdef0123456789abcdef"), []byte{9, 8, 7, 6, 5, 4, 3, 2})
	codec := codecio.NewPCM()
	fecDec := fec.NewDecoder()
	jit := jitter.New(3)
	bus := events.New()

	var sent [][]byte
	send := func(addr *net.UDPAddr, d []byte) error {
		cp := make([]byte, len(d))
		copy(cp, d)
		sent = append(sent, cp)
		return nil
	}
	resolve := func(hostport string) (*net.UDPAddr, error) {
		return serverAddr, nil
	}

	e := NewEngine(cip, codec, fecDec, jit, send, resolve, bus)
	return e, &sent
}

func buildAudioDatagram(t *testing.T, cip *aead.Cipher, channelID, senderID uint32, seq uint16, pcm []int16) []byte {
	t.Helper()
	codec := codecio.NewPCM()
	frame, err := codec.Encode(pcm)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	payload := wire.BuildAudioPayload(seq, frame)
	nonce := cip.NextNonce()
	ct, tag := cip.Encrypt(payload, nil, nonce)
	hdr := wire.Header{
		Version:   wire.ProtocolVersion,
		Type:      wire.PktAudio,
		ChannelID: channelID,
		SenderID:  senderID,
		Seq:       seq,
	}
	sec := wire.SecurityHeader{Nonce: nonce, KeyID: cip.KeyID()}
	return wire.Serialize(hdr, false, true, sec, ct, tag)
}

func TestJoinSendsPlaintextJoinPacket(t *testing.T) {
	e, sent := newTestEngine(t)
	now := time.Unix(0, 0)

	if err := e.Join(Config{ChannelID: 42, ServerAddress: "voice.example", ServerPort: 4000}, 7, now); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if len(*sent) != 1 {
		t.Fatalf("expected one join datagram, got %d", len(*sent))
	}
	pkt, err := wire.Parse((*sent)[0])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if pkt.Header.Type != wire.PktJoin || pkt.Secured {
		t.Fatalf("expected plaintext PKT_JOIN, got type=%v secured=%v", pkt.Header.Type, pkt.Secured)
	}
}

func TestEndpointLocksOnFirstValidDatagram(t *testing.T) {
	e, _ := newTestEngine(t)
	now := time.Unix(0, 0)
	_ = e.Join(Config{ChannelID: 42, ServerAddress: "voice.example", ServerPort: 4000}, 7, now)

	grant := wire.Serialize(wire.Header{Version: 1, Type: wire.PktTalkGrant, ChannelID: 42, SenderID: 99}, false, false, wire.SecurityHeader{}, wire.BuildTalkPayload(99), nil)
	e.HandleDatagram(otherAddr, grant, now)

	if !e.ServerLocked() {
		t.Fatal("expected server to be locked after first valid datagram")
	}
	if e.LiveTarget().String() != otherAddr.String() {
		t.Fatalf("expected live target to follow the sender, got %v", e.LiveTarget())
	}
}

func TestDatagramsFromOtherAddressDroppedOnceLocked(t *testing.T) {
	e, _ := newTestEngine(t)
	now := time.Unix(0, 0)
	_ = e.Join(Config{ChannelID: 42, ServerAddress: "voice.example", ServerPort: 4000}, 7, now)

	grant := wire.Serialize(wire.Header{Version: 1, Type: wire.PktTalkGrant, ChannelID: 42, SenderID: 99}, false, false, wire.SecurityHeader{}, wire.BuildTalkPayload(99), nil)
	e.HandleDatagram(serverAddr, grant, now)

	deny := wire.Serialize(wire.Header{Version: 1, Type: wire.PktTalkDeny, ChannelID: 42, SenderID: 99}, false, false, wire.SecurityHeader{}, nil, nil)

	var denyFired bool
	e.bus.Subscribe(events.TalkDenied, func(any) { denyFired = true })
	e.HandleDatagram(otherAddr, deny, now)

	if denyFired {
		t.Fatal("expected datagram from a non-locked address to be dropped")
	}
}

func TestTalkGrantChangeoverResetsPlayoutState(t *testing.T) {
	e, _ := newTestEngine(t)
	now := time.Unix(0, 0)
	_ = e.Join(Config{ChannelID: 42, ServerAddress: "voice.example", ServerPort: 4000}, 7, now)

	grant1 := wire.Serialize(wire.Header{Version: 1, Type: wire.PktTalkGrant, ChannelID: 42, SenderID: 99}, false, false, wire.SecurityHeader{}, wire.BuildTalkPayload(11), nil)
	e.HandleDatagram(serverAddr, grant1, now)
	if e.talkerID != 11 {
		t.Fatalf("talkerID = %d, want 11", e.talkerID)
	}

	grant2 := wire.Serialize(wire.Header{Version: 1, Type: wire.PktTalkGrant, ChannelID: 42, SenderID: 99}, false, false, wire.SecurityHeader{}, wire.BuildTalkPayload(22), nil)
	e.HandleDatagram(serverAddr, grant2, now)
	if e.talkerID != 22 {
		t.Fatalf("talkerID = %d, want 22", e.talkerID)
	}
	if e.primed {
		t.Fatal("expected talker changeover to reset primed state")
	}
}

func TestAudioPlayoutPrimesThenYieldsFrames(t *testing.T) {
	e, _ := newTestEngine(t)
	now := time.Unix(0, 0)
	_ = e.Join(Config{ChannelID: 42, ServerAddress: "voice.example", ServerPort: 4000, FECEnabled: false, PCM: true}, 7, now)

	grant := wire.Serialize(wire.Header{Version: 1, Type: wire.PktTalkGrant, ChannelID: 42, SenderID: 99}, false, false, wire.SecurityHeader{}, wire.BuildTalkPayload(5), nil)
	e.HandleDatagram(serverAddr, grant, now)

	if out := e.PlayoutTick(); out != nil {
		t.Fatal("expected nil before priming")
	}

	for seq := uint16(0); seq < uint16(e.minBufferedFrames); seq++ {
		pcm := make([]int16, codecio.FrameSamples)
		for i := range pcm {
			pcm[i] = int16(seq)
		}
		dgram := buildAudioDatagram(t, e.cip, 42, 99, seq, pcm)
		e.HandleDatagram(serverAddr, dgram, now)
	}

	out := e.PlayoutTick()
	if out == nil {
		t.Fatal("expected a frame once primed")
	}
	if len(out) != codecio.FrameSamples {
		t.Fatalf("frame length = %d, want %d", len(out), codecio.FrameSamples)
	}
}

func TestTalkReleaseDrainsBeforeSignalingDone(t *testing.T) {
	e, _ := newTestEngine(t)
	now := time.Unix(0, 0)
	_ = e.Join(Config{ChannelID: 42, ServerAddress: "voice.example", ServerPort: 4000}, 7, now)

	grant := wire.Serialize(wire.Header{Version: 1, Type: wire.PktTalkGrant, ChannelID: 42, SenderID: 99}, false, false, wire.SecurityHeader{}, wire.BuildTalkPayload(5), nil)
	e.HandleDatagram(serverAddr, grant, now)

	for seq := uint16(0); seq < uint16(e.minBufferedFrames); seq++ {
		dgram := buildAudioDatagram(t, e.cip, 42, 99, seq, make([]int16, codecio.FrameSamples))
		e.HandleDatagram(serverAddr, dgram, now)
	}
	e.PlayoutTick() // prime

	release := wire.Serialize(wire.Header{Version: 1, Type: wire.PktTalkRelease, ChannelID: 42, SenderID: 99}, false, false, wire.SecurityHeader{}, wire.BuildTalkPayload(5), nil)
	e.HandleDatagram(serverAddr, release, now)

	var doneFired bool
	e.bus.Subscribe(events.TalkReleasePlayoutDone, func(any) { doneFired = true })

	for e.jit.Size() > 0 {
		e.PlayoutTick()
	}
	if doneFired {
		t.Fatal("expected talkReleasePlayoutCompleted not yet fired while draining")
	}
	e.PlayoutTick()
	if !doneFired {
		t.Fatal("expected talkReleasePlayoutCompleted once the jitter buffer drained")
	}
}
