package session

import (
	"net"
	"testing"
	"time"

	"github.com/pion/stun/v3"
	"github.com/rs/zerolog"

	"github.com/selkies-project/rtcstream/internal/rtcengine"
)

func newTestEngine(t *testing.T) *rtcengine.Engine {
	t.Helper()
	e, err := rtcengine.NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func bindingRequestFor(t *testing.T, ufrag string) []byte {
	t.Helper()
	m, err := stun.Build(stun.BindingRequest, stun.TransactionID,
		stun.NewUsername(ufrag+":remote"),
		stun.Fingerprint,
	)
	if err != nil {
		t.Fatalf("stun.Build: %v", err)
	}
	return m.Raw
}

func newPending(t *testing.T, id string) *PendingSession {
	t.Helper()
	e := newTestEngine(t)
	return &PendingSession{
		ID:            id,
		Engine:        e,
		CandidateAddr: &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 8008},
		CreatedAt:     time.Now(),
	}
}

func TestTryInsertRespectsCapacity(t *testing.T) {
	reg := NewRegistry(2)
	if err := reg.TryInsert(newPending(t, "a")); err != nil {
		t.Fatalf("insert 1: %v", err)
	}
	if err := reg.TryInsert(newPending(t, "b")); err != nil {
		t.Fatalf("insert 2: %v", err)
	}
	if err := reg.TryInsert(newPending(t, "c")); err == nil {
		t.Fatal("expected third insert to fail at capacity 2")
	}
	if reg.SessionCount() != 2 {
		t.Fatalf("SessionCount = %d, want 2 after rejected insert", reg.SessionCount())
	}
}

func TestMatchAndRemoveFindsOwningSession(t *testing.T) {
	reg := NewRegistry(10)
	ps := newPending(t, "s1")
	if err := reg.TryInsert(ps); err != nil {
		t.Fatalf("insert: %v", err)
	}

	packet := bindingRequestFor(t, ps.Engine.LocalUfrag())
	matched, ok := reg.MatchAndRemove(packet)
	if !ok {
		t.Fatal("expected a match")
	}
	if matched.ID != "s1" {
		t.Fatalf("matched.ID = %q, want s1", matched.ID)
	}
	if reg.PendingCount() != 0 {
		t.Fatalf("PendingCount = %d, want 0 after match", reg.PendingCount())
	}
	// Active count is unchanged by a match — the session moved from pending
	// to active, it did not leave the registry's accounting.
	if reg.SessionCount() != 1 {
		t.Fatalf("SessionCount = %d, want 1 (unchanged by match)", reg.SessionCount())
	}
}

func TestMatchAndRemoveNoMatch(t *testing.T) {
	reg := NewRegistry(10)
	ps := newPending(t, "s1")
	if err := reg.TryInsert(ps); err != nil {
		t.Fatalf("insert: %v", err)
	}

	packet := bindingRequestFor(t, "not-this-sessions-ufrag")
	_, ok := reg.MatchAndRemove(packet)
	if ok {
		t.Fatal("expected no match for an unrelated ufrag")
	}
	if reg.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1 (unmatched session stays pending)", reg.PendingCount())
	}
}

func TestReapRemovesExpiredAndDecrementsCount(t *testing.T) {
	reg := NewRegistry(10)
	ps := newPending(t, "old")
	ps.CreatedAt = time.Now().Add(-PendingTTL - time.Second)
	if err := reg.TryInsert(ps); err != nil {
		t.Fatalf("insert: %v", err)
	}
	fresh := newPending(t, "fresh")
	if err := reg.TryInsert(fresh); err != nil {
		t.Fatalf("insert fresh: %v", err)
	}

	n := reg.Reap(time.Now())
	if n != 1 {
		t.Fatalf("Reap removed %d, want 1", n)
	}
	if reg.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1", reg.PendingCount())
	}
	if reg.SessionCount() != 1 {
		t.Fatalf("SessionCount = %d, want 1", reg.SessionCount())
	}
}

func TestDriverExitedSaturatesAtZero(t *testing.T) {
	reg := NewRegistry(10)
	reg.DriverExited()
	reg.DriverExited()
	if reg.SessionCount() != 0 {
		t.Fatalf("SessionCount = %d, want 0 (saturating)", reg.SessionCount())
	}
}
