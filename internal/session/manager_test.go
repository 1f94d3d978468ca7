package session

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/selkies-project/rtcstream/internal/fanout"
	"github.com/selkies-project/rtcstream/internal/runtimesettings"
)

func TestCandidateConfigResolvePublicOverrideWins(t *testing.T) {
	cfg := CandidateConfig{
		PublicCandidate: "203.0.113.5:9000",
		TrustHostHeader: true,
		ListenAddr:      &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 8008},
	}
	addr, err := cfg.resolve("example.com:1234")
	require.NoError(t, err)
	require.Equal(t, "203.0.113.5", addr.IP.String())
	require.Equal(t, 9000, addr.Port)
}

func TestCandidateConfigResolveHostHeaderWithPort(t *testing.T) {
	cfg := CandidateConfig{
		TrustHostHeader: true,
		ListenAddr:      &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 8008},
	}
	addr, err := cfg.resolve("127.0.0.1:9999")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", addr.IP.String())
	require.Equal(t, 9999, addr.Port)
}

func TestCandidateConfigResolveHostHeaderWithoutPortFallsBackToListenPort(t *testing.T) {
	cfg := CandidateConfig{
		TrustHostHeader: true,
		ListenAddr:      &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 8008},
	}
	addr, err := cfg.resolve("127.0.0.1")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", addr.IP.String())
	require.Equal(t, 8008, addr.Port)
}

func TestCandidateConfigResolveFallsBackToListenAddr(t *testing.T) {
	cfg := CandidateConfig{
		ListenAddr: &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 8008},
	}
	addr, err := cfg.resolve("")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1", addr.IP.String())
	require.Equal(t, 8008, addr.Port)
}

func TestManagerReapLoopRemovesExpiredPendingSessions(t *testing.T) {
	logger := zerolog.Nop()
	bus := fanout.New()
	settings := runtimesettings.New()
	candidates := CandidateConfig{ListenAddr: &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 8008}}

	m := NewManager(logger, bus, settings, candidates, 10, Dependencies{})
	m.Start()
	defer m.Stop()

	ps := newPending(t, "stale")
	ps.CreatedAt = time.Now().Add(-PendingTTL - time.Second)
	require.NoError(t, m.registry.TryInsert(ps))
	require.NoError(t, m.registry.TryInsert(newPending(t, "fresh")))

	deadline := time.Now().Add(2 * ReapInterval)
	for time.Now().Before(deadline) {
		if m.SessionCount() == 1 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("SessionCount = %d, want 1 after reap loop runs", m.SessionCount())
}

func TestManagerDriverCountStartsAtZero(t *testing.T) {
	logger := zerolog.Nop()
	bus := fanout.New()
	settings := runtimesettings.New()
	candidates := CandidateConfig{ListenAddr: &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 8008}}

	m := NewManager(logger, bus, settings, candidates, 10, Dependencies{})
	require.Equal(t, 0, m.DriverCount())
}
