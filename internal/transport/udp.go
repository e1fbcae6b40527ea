// Package transport owns the bound UDP socket used for both the voice
// datagram stream and its control-plane packets (join, keepalive, handshake,
// talk-grant). It knows nothing about packet contents; callers hand it raw
// bytes and a destination.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// dscpEF is the Differentiated Services Code Point for Expedited Forwarding
// (RFC 3246), placed in the top 6 bits of the IPv4 TOS byte.
const dscpEF = 46 << 2

// Datagram is one received UDP packet tagged with its source.
type Datagram struct {
	Data []byte
	From *net.UDPAddr
}

// Socket is a bound UDP socket with optional DSCP/EF marking.
//
// Not safe for concurrent Send/Recv loops beyond the single reader this
// type is designed for: one goroutine owns Listen's receive loop, any
// goroutine may call Send.
type Socket struct {
	conn      *net.UDPConn
	bytesSent atomic.Uint64
	bytesRecv atomic.Uint64

	mu       sync.Mutex
	recvOnce sync.Once
}

// Bind opens a UDP socket on the given local address ("" or "0.0.0.0" plus
// a port, or ":0" for an ephemeral port). When markEF is true, outgoing
// datagrams are tagged DSCP EF for voice-priority queuing; failure to set
// the socket option is logged by the caller, not fatal, since QoS marking
// is best-effort on networks that don't honor it.
func Bind(localAddr string, markEF bool) (*Socket, error) {
	addr, err := net.ResolveUDPAddr("udp4", localAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve local addr %q: %w", localAddr, err)
	}

	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	s := &Socket{conn: conn}

	if markEF {
		if err := s.setTOS(dscpEF); err != nil {
			return s, fmt.Errorf("set DSCP EF (non-fatal, socket still usable): %w", err)
		}
	}

	return s, nil
}

// setTOS sets IP_TOS on the underlying file descriptor so outgoing
// datagrams carry the given DSCP value in the upper 6 bits.
func (s *Socket) setTOS(tos int) error {
	raw, err := s.conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// LocalAddr returns the bound local address, including the ephemeral port
// chosen by the OS if ":0" was requested.
func (s *Socket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Send writes one datagram to addr.
func (s *Socket) Send(addr *net.UDPAddr, data []byte) error {
	n, err := s.conn.WriteToUDP(data, addr)
	if err != nil {
		return fmt.Errorf("send to %s: %w", addr, err)
	}
	s.bytesSent.Add(uint64(n))
	return nil
}

// maxDatagramSize comfortably exceeds any AUDIO/FEC/control packet this
// client ever sends (header + security header + codec frame + tag).
const maxDatagramSize = 1500

// Listen runs a receive loop until ctx is canceled or the socket is closed,
// delivering each datagram to onReceive. onReceive is called from this
// goroutine — implementations needing to reach the event loop must enqueue
// and return promptly. Listen must be called from only one goroutine.
func (s *Socket) Listen(ctx context.Context, onReceive func(Datagram)) error {
	buf := make([]byte, maxDatagramSize)

	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("read udp: %w", err)
			}
		}
		s.bytesRecv.Add(uint64(n))

		cp := make([]byte, n)
		copy(cp, buf[:n])
		onReceive(Datagram{Data: cp, From: from})
	}
}

// Close closes the underlying socket.
func (s *Socket) Close() error { return s.conn.Close() }

// BytesSent returns the cumulative number of bytes sent.
func (s *Socket) BytesSent() uint64 { return s.bytesSent.Load() }

// BytesReceived returns the cumulative number of bytes received.
func (s *Socket) BytesReceived() uint64 { return s.bytesRecv.Load() }

// ResolveServer resolves a "host:port" server address, allowing either a
// hostname or a literal IP. A hostname with both address families
// available prefers IPv4 (the client binds AnyIPv4), falling back to the
// first address returned when no IPv4 candidate exists.
func ResolveServer(hostport string) (*net.UDPAddr, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, fmt.Errorf("resolve server addr %q: %w", hostport, err)
	}

	ips, err := net.DefaultResolver.LookupIPAddr(context.Background(), host)
	if err != nil || len(ips) == 0 {
		return nil, fmt.Errorf("resolve server addr %q: %w", hostport, err)
	}

	chosen := ips[0]
	for _, ip := range ips {
		if ip.IP.To4() != nil {
			chosen = ip
			break
		}
	}

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(chosen.IP.String(), port))
	if err != nil {
		return nil, fmt.Errorf("resolve server addr %q: %w", hostport, err)
	}
	return addr, nil
}
