package session

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/selkies-project/rtcstream/internal/fanout"
	"github.com/selkies-project/rtcstream/internal/rtcengine"
	"github.com/selkies-project/rtcstream/internal/runtimesettings"
)

func newTestDriver(t *testing.T, conn net.Conn) (*Driver, *Registry, *runtimesettings.Settings) {
	t.Helper()
	engine := newTestEngine(t)
	bus := fanout.New()
	settings := runtimesettings.New()
	registry := NewRegistry(10)
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 8008}
	d := newDriver(zerolog.Nop(), "s1", engine, conn, addr, bus, settings, registry, nil, Dependencies{})
	return d, registry, settings
}

func TestDriverDrainOutputsEmptyQueueNoOp(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	d, _, _ := newTestDriver(t, server)
	if err := d.drainOutputs(); err != nil {
		t.Fatalf("drainOutputs on empty queue: %v", err)
	}
}

func TestDriverHandleEventRoutesTextThroughRouter(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	d, _, settings := newTestDriver(t, server)

	d.handleEvent(rtcengine.Event{Kind: rtcengine.EventChannelData, ChannelData: []byte("keyframe")})

	if !settings.TakeKeyframeRequest() {
		t.Fatal("expected text channel data to reach the router and raise a keyframe request")
	}
}

func TestDriverHandleEventIceFailedCancelsContext(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	d, _, _ := newTestDriver(t, server)

	d.handleEvent(rtcengine.Event{Kind: rtcengine.EventIceConnectionStateChange, IceState: rtcengine.IceFailed})

	select {
	case <-d.ctx.Done():
	default:
		t.Fatal("expected ICE failure to cancel the driver's context")
	}
}

func TestDriverRunExitsAndDecrementsRegistryOnConnClose(t *testing.T) {
	client, server := net.Pipe()

	d, registry, _ := newTestDriver(t, server)
	if err := registry.TryInsert(newPending(t, "placeholder")); err != nil {
		t.Fatalf("TryInsert: %v", err)
	}

	done := make(chan struct{})
	go func() {
		d.run()
		close(done)
	}()

	client.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("driver.run did not exit after connection closed")
	}

	if registry.SessionCount() != 0 {
		t.Fatalf("SessionCount = %d, want 0 after driver exit", registry.SessionCount())
	}
}
