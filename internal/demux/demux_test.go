package demux

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestClassifyStable(t *testing.T) {
	cases := []struct {
		b    byte
		want Protocol
	}{
		{0x00, ProtocolICE},
		{0x01, ProtocolICE},
		{0x03, ProtocolICE},
		{0x14, ProtocolICE},
		{0x17, ProtocolICE},
		{0x47, ProtocolHTTP}, // 'G' of GET
		{0x50, ProtocolHTTP}, // 'P' of POST
	}
	for _, c := range cases {
		if got := Classify(c.b); got != c.want {
			t.Errorf("Classify(0x%02x) = %v, want %v", c.b, got, c.want)
		}
		// Stable: calling twice yields the same answer.
		if got2 := Classify(c.b); got2 != c.want {
			t.Errorf("Classify(0x%02x) not stable across calls", c.b)
		}
	}
}

func TestPeekHTTPPassesThrough(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		client.Write([]byte("GET /health HTTP/1.1\r\nHost: x\r\n\r\n"))
	}()

	resCh := make(chan *PeekResult, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := Peek(server, zerolog.Nop())
		if err != nil {
			errCh <- err
			return
		}
		resCh <- res
	}()

	select {
	case res := <-resCh:
		if res.Protocol != ProtocolHTTP {
			t.Fatalf("got %v, want ProtocolHTTP", res.Protocol)
		}
		buf := make([]byte, 3)
		n, err := res.Conn.Read(buf)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if string(buf[:n]) != "GET" {
			t.Fatalf("first read = %q, want %q", buf[:n], "GET")
		}
	case err := <-errCh:
		t.Fatalf("Peek: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestHTTPListenerPushThenAccept(t *testing.T) {
	ln := NewHTTPListener(&net.TCPAddr{Port: 8008})
	defer ln.Close()

	client, server := net.Pipe()
	defer client.Close()

	ln.Push(server)

	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if conn != server {
		t.Fatalf("Accept returned a different conn than was pushed")
	}
}

func TestHTTPListenerAcceptUnblocksOnClose(t *testing.T) {
	ln := NewHTTPListener(&net.TCPAddr{Port: 8008})

	done := make(chan error, 1)
	go func() {
		_, err := ln.Accept()
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	ln.Close()

	select {
	case err := <-done:
		if err != ErrListenerClosed {
			t.Fatalf("Accept error = %v, want ErrListenerClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Accept did not unblock after Close")
	}
}

func TestPeekICEExtractsFirstFrame(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	stunPacket := []byte{0x00, 0x01, 0x00, 0x08, 0x21, 0x12, 0xa4, 0x42}
	frame := append([]byte{0x00, byte(len(stunPacket))}, stunPacket...)

	go func() {
		// Write one byte at a time to exercise the partial-read loop.
		for _, b := range frame {
			client.Write([]byte{b})
		}
	}()

	resCh := make(chan *PeekResult, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := Peek(server, zerolog.Nop())
		if err != nil {
			errCh <- err
			return
		}
		resCh <- res
	}()

	select {
	case res := <-resCh:
		if res.Protocol != ProtocolICE {
			t.Fatalf("got %v, want ProtocolICE", res.Protocol)
		}
		if string(res.FirstPacket) != string(stunPacket) {
			t.Fatalf("FirstPacket = %v, want %v", res.FirstPacket, stunPacket)
		}
	case err := <-errCh:
		t.Fatalf("Peek: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}
