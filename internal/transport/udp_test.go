package transport

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestSendRecvLoopback(t *testing.T) {
	server, err := Bind("127.0.0.1:0", false)
	if err != nil {
		t.Fatalf("bind server: %v", err)
	}
	defer server.Close()

	client, err := Bind("127.0.0.1:0", false)
	if err != nil {
		t.Fatalf("bind client: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Datagram, 1)
	go server.Listen(ctx, func(d Datagram) {
		received <- d
	})

	payload := []byte("hello from client")
	if err := client.Send(server.LocalAddr(), payload); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case d := <-received:
		if !bytes.Equal(d.Data, payload) {
			t.Fatalf("got %q want %q", d.Data, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}
}

func TestResolveServerAcceptsHostAndIP(t *testing.T) {
	if _, err := ResolveServer("127.0.0.1:12345"); err != nil {
		t.Fatalf("resolve literal IP: %v", err)
	}
	if _, err := ResolveServer("localhost:12345"); err != nil {
		t.Fatalf("resolve hostname: %v", err)
	}
}

func TestByteCounters(t *testing.T) {
	server, err := Bind("127.0.0.1:0", false)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer server.Close()

	client, err := Bind("127.0.0.1:0", false)
	if err != nil {
		t.Fatalf("bind client: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go server.Listen(ctx, func(d Datagram) { close(done) })

	payload := []byte{1, 2, 3, 4, 5}
	if err := client.Send(server.LocalAddr(), payload); err != nil {
		t.Fatalf("send: %v", err)
	}
	<-done

	if client.BytesSent() != uint64(len(payload)) {
		t.Fatalf("BytesSent = %d, want %d", client.BytesSent(), len(payload))
	}
}
