package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/FriedOUDON/IncomUdon/internal/aead"
	"github.com/FriedOUDON/IncomUdon/internal/appstate"
	"github.com/FriedOUDON/IncomUdon/internal/codecio"
	"github.com/FriedOUDON/IncomUdon/internal/events"
	"github.com/FriedOUDON/IncomUdon/internal/fec"
	"github.com/FriedOUDON/IncomUdon/internal/jitter"
	"github.com/FriedOUDON/IncomUdon/internal/kex"
	"github.com/FriedOUDON/IncomUdon/internal/transport"
	"github.com/FriedOUDON/IncomUdon/internal/wire"
)

type fakeMic struct{ running bool }

func (m *fakeMic) Start() error { m.running = true; return nil }
func (m *fakeMic) Stop()        { m.running = false }

// fakeServer wraps a bound socket and funnels every datagram it receives
// into a channel, mirroring the loopback pattern internal/transport tests
// itself against.
type fakeServer struct {
	sock *transport.Socket
	recv chan transport.Datagram
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	sock, err := transport.Bind("127.0.0.1:0", false)
	if err != nil {
		t.Fatalf("bind fake server: %v", err)
	}
	t.Cleanup(func() { sock.Close() })

	fs := &fakeServer{sock: sock, recv: make(chan transport.Datagram, 16)}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sock.Listen(ctx, func(d transport.Datagram) { fs.recv <- d })
	return fs
}

func (fs *fakeServer) next(t *testing.T) wire.Packet {
	t.Helper()
	select {
	case d := <-fs.recv:
		pkt, err := wire.Parse(d.Data)
		if err != nil {
			t.Fatalf("parse datagram: %v", err)
		}
		return pkt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a datagram")
		return wire.Packet{}
	}
}

func (fs *fakeServer) drain() {
	for {
		select {
		case <-fs.recv:
		default:
			return
		}
	}
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeServer) {
	t.Helper()

	sock, err := transport.Bind("127.0.0.1:0", false)
	if err != nil {
		t.Fatalf("bind client socket: %v", err)
	}
	t.Cleanup(func() { sock.Close() })

	server := newFakeServer(t)

	bus := events.New()
	state := appstate.New(bus)
	state.SetChannel(42, server.sock.LocalAddr().IP.String(), uint16(server.sock.LocalAddr().Port), "hunter2")

	c := New(Deps{
		Socket: sock,
		State:  state,
		Bus:    bus,
		Cipher: aead.New(aead.AesGcm),
		Exch:   kex.New(kex.AesGcm),
		Codec:  codecio.NewPCM(),
		FecEnc: fec.NewEncoder(),
		FecDec: fec.NewDecoder(),
		Jitter: jitter.New(3),
		Mic:    &fakeMic{},
	})

	return c, server
}

func TestEnsureSenderIDAssignsNonzero31BitValue(t *testing.T) {
	c, _ := newTestCoordinator(t)
	if c.state.SenderID() == 0 {
		t.Fatal("expected a nonzero sender id to be assigned")
	}
	if c.state.SenderID() >= 1<<31 {
		t.Fatalf("expected sender id within 31 bits, got %d", c.state.SenderID())
	}
}

func TestEnsureSenderIDPreservesExistingValidID(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.state.SetSenderID(777)
	c.ensureSenderID()
	if c.state.SenderID() != 777 {
		t.Fatalf("expected existing sender id preserved, got %d", c.state.SenderID())
	}
}

func TestJoinChannelSendsJoinPacket(t *testing.T) {
	c, server := newTestCoordinator(t)

	if err := c.JoinChannel(time.Now()); err != nil {
		t.Fatalf("JoinChannel: %v", err)
	}

	pkt := server.next(t)
	if pkt.Header.Type != wire.PktJoin {
		t.Fatalf("expected first datagram to be PKT_JOIN, got %v", pkt.Header.Type)
	}
	if !c.serverTimerActive {
		t.Fatal("expected the server-response watchdog to be armed after join")
	}
}

func TestHandleDatagramMarksLinkOnlineAndResetsWatchdog(t *testing.T) {
	c, server := newTestCoordinator(t)
	now := time.Now()
	if err := c.JoinChannel(now); err != nil {
		t.Fatalf("JoinChannel: %v", err)
	}

	var gotLinkOnline bool
	c.bus.Subscribe(events.ServerOnlineChanged, func(any) { gotLinkOnline = true })

	datagram := buildKeepalive(c.state.ChannelID())
	later := now.Add(time.Second)
	c.HandleDatagram(server.sock.LocalAddr(), datagram, later)

	if !gotLinkOnline {
		t.Fatal("expected ServerOnlineChanged to fire on first datagram")
	}
	if c.lastServerContact != later {
		t.Fatalf("expected lastServerContact updated to %v, got %v", later, c.lastServerContact)
	}
}

func TestTickFlipsLinkToNoResponseAfterTimeout(t *testing.T) {
	c, _ := newTestCoordinator(t)
	now := time.Now()
	if err := c.JoinChannel(now); err != nil {
		t.Fatalf("JoinChannel: %v", err)
	}

	var gotNoResponse bool
	c.bus.Subscribe(events.LinkStatusChanged, func(payload any) {
		if payload == LinkNoResponse {
			gotNoResponse = true
		}
	})

	c.Tick(now.Add(serverResponseTimeout + time.Millisecond))

	if !gotNoResponse {
		t.Fatal("expected link to flip to LinkNoResponse after the watchdog elapses")
	}
	if c.LinkStatus() != LinkNoResponse {
		t.Fatalf("expected LinkStatus() == LinkNoResponse, got %v", c.LinkStatus())
	}
}

func TestSettingsChangedTriggersCodecConfigResend(t *testing.T) {
	c, server := newTestCoordinator(t)
	now := time.Now()
	if err := c.JoinChannel(now); err != nil {
		t.Fatalf("JoinChannel: %v", err)
	}

	// Drain the JOIN + handshake datagrams already in flight.
	time.Sleep(50 * time.Millisecond)
	server.drain()

	c.state.SetCodec(appstate.CodecOpus)

	pkt := server.next(t)
	if pkt.Header.Type != wire.PktCodecConfig {
		t.Fatalf("expected PKT_CODEC_CONFIG, got %v", pkt.Header.Type)
	}
}

func TestKeepaliveSentOncePerInterval(t *testing.T) {
	c, server := newTestCoordinator(t)
	now := time.Now()
	if err := c.JoinChannel(now); err != nil {
		t.Fatalf("JoinChannel: %v", err)
	}
	// Lock the channel engine's liveTarget the way a real reply would.
	c.ch.HandleDatagram(server.sock.LocalAddr(), buildKeepalive(c.state.ChannelID()), now)

	time.Sleep(50 * time.Millisecond)
	server.drain()

	c.Tick(now.Add(keepaliveInterval + time.Millisecond))

	pkt := server.next(t)
	if pkt.Header.Type != wire.PktKeepalive {
		t.Fatalf("expected PKT_KEEPALIVE, got %v", pkt.Header.Type)
	}
}

func buildKeepalive(channelID uint32) []byte {
	hdr := wire.Header{Version: wire.ProtocolVersion, Type: wire.PktKeepalive, ChannelID: channelID}
	return wire.Serialize(hdr, false, false, wire.SecurityHeader{}, nil, nil)
}
