// Package session implements the Session Manager and Session Driver (spec
// §4.4–§4.6): the pending-session registry, SDP offer handling, TCP-to-session
// matching, TTL reaping, and the per-peer cooperative driver task.
package session

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/selkies-project/rtcstream/internal/rtcengine"
)

// PendingTTL is how long a pending session survives without a matching ICE
// TCP connection before the reaper removes it (spec §4.5, §5, invariant #11).
const PendingTTL = 30 * time.Second

// ReapInterval is how often the reaper sweeps the pending registry.
const ReapInterval = 10 * time.Second

// PendingSession is a Session awaiting its ICE-TCP connection: the offer has
// been accepted and an answer produced, but the browser has not yet dialed
// the advertised candidate.
type PendingSession struct {
	ID            string
	Engine        *rtcengine.Engine
	CandidateAddr *net.TCPAddr
	CreatedAt     time.Time
}

// expired reports whether this pending session has outlived ttl as of now.
func (p *PendingSession) expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(p.CreatedAt) > ttl
}

// Registry is the shared pending-session map plus the process-wide session
// counter (spec §3 invariant: "pending registry and active session count
// move together" — sessionCount here is the combined total,
// |pending|+|drivers|, per invariant #3). Capacity check-and-insert is one
// exclusive critical section to avoid TOCTOU admitting more than
// maxSessions concurrent peers (spec §3, invariant #10).
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*PendingSession
	maxSessions int

	sessionCount atomic.Int64
}

// NewRegistry constructs an empty Registry admitting at most maxSessions
// concurrent sessions (pending + active).
func NewRegistry(maxSessions int) *Registry {
	return &Registry{
		sessions:    make(map[string]*PendingSession),
		maxSessions: maxSessions,
	}
}

// ErrCapacityExceeded is returned by TryInsert when the registry is already
// at its configured maximum.
type ErrCapacityExceeded struct{}

func (ErrCapacityExceeded) Error() string { return "maximum sessions reached" }

// TryInsert admits ps if len(pending)+active < maxSessions, inserting and
// incrementing the active count atomically under the same lock (spec §4.5
// step 5, invariant #6). On rejection, the registry is left unchanged.
func (r *Registry) TryInsert(ps *PendingSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessionCount.Load() >= int64(r.maxSessions) {
		return ErrCapacityExceeded{}
	}
	r.sessions[ps.ID] = ps
	r.sessionCount.Add(1)
	return nil
}

// MatchAndRemove asks every pending session's engine whether it accepts the
// first decoded packet of an arriving ICE-TCP connection (spec §4.5 step 2);
// the first match is removed from the pending set (the active count is left
// unchanged — the session is now active rather than pending, spec §4.5 step
// 3) and returned.
func (r *Registry) MatchAndRemove(packet []byte) (*PendingSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, ps := range r.sessions {
		if ps.Engine.Accepts(packet) {
			delete(r.sessions, id)
			return ps, true
		}
	}
	return nil, false
}

// Reap removes every pending session older than PendingTTL, decrementing the
// session count once per reaped session (spec invariant #11), and returns
// how many were removed.
func (r *Registry) Reap(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, ps := range r.sessions {
		if ps.expired(now, PendingTTL) {
			delete(r.sessions, id)
			n++
		}
	}
	if n > 0 {
		r.decrementCount(int64(n))
	}
	return n
}

// DriverExited drops the session count by one when a driver task ends (TCP
// close, state-machine error), saturating at zero (spec §5: "decrement is
// saturating to avoid underflow").
func (r *Registry) DriverExited() {
	r.decrementCount(1)
}

func (r *Registry) decrementCount(n int64) {
	for {
		cur := r.sessionCount.Load()
		next := cur - n
		if next < 0 {
			next = 0
		}
		if r.sessionCount.CompareAndSwap(cur, next) {
			return
		}
	}
}

// SessionCount returns the current combined session count, |pending| plus
// active driver tasks (spec invariant #3).
func (r *Registry) SessionCount() int64 {
	return r.sessionCount.Load()
}

// PendingCount returns the number of sessions currently awaiting a TCP
// match, for observability.
func (r *Registry) PendingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
