package httpapi

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/selkies-project/rtcstream/internal/fanout"
	"github.com/selkies-project/rtcstream/internal/runtimesettings"
	"github.com/selkies-project/rtcstream/internal/session"
)

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	bus := fanout.New()
	settings := runtimesettings.New()
	candidates := session.CandidateConfig{ListenAddr: &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 8008}}
	manager := session.NewManager(zerolog.Nop(), bus, settings, candidates, 10, session.Dependencies{})

	s := NewServer(zerolog.Nop(), manager, settings, cfg)
	s.startedAt = time.Now().Add(-5 * time.Second)
	return s
}

func TestHandleHealthReportsStatusAndUptime(t *testing.T) {
	s := newTestServer(t, Config{Version: "test"})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "healthy" {
		t.Fatalf("status = %q, want healthy", resp.Status)
	}
	if resp.UptimeSeconds < 5 {
		t.Fatalf("uptime_seconds = %f, want >= 5", resp.UptimeSeconds)
	}
	if resp.Version != "test" {
		t.Fatalf("version = %q, want test", resp.Version)
	}
}

func TestHandleClientsReflectsSessionCount(t *testing.T) {
	s := newTestServer(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "/clients", nil)
	rec := httptest.NewRecorder()
	s.handleClients(rec, req)

	var resp clientsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.WebrtcSessions != 0 {
		t.Fatalf("webrtc_sessions = %d, want 0", resp.WebrtcSessions)
	}
}

func TestHandleMetricsExposesPrometheusFormat(t *testing.T) {
	s := newTestServer(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.handleMetrics(rec, req)

	body := rec.Body.String()
	for _, want := range []string{"rtcstream_uptime_seconds", "rtcstream_sessions_total", "rtcstream_sessions_active"} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics body missing %q:\n%s", want, body)
		}
	}
}

func TestWithBasicAuthBypassedForHealth(t *testing.T) {
	s := newTestServer(t, Config{BasicAuth: BasicAuth{Enabled: true, User: "u", Password: "p"}})

	handler := s.withBasicAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (health must bypass auth)", rec.Code)
	}
}

func TestWithBasicAuthRejectsMissingCredentialsElsewhere(t *testing.T) {
	s := newTestServer(t, Config{BasicAuth: BasicAuth{Enabled: true, User: "u", Password: "p"}})

	handler := s.withBasicAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/clients", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestWithBasicAuthAcceptsValidCredentials(t *testing.T) {
	s := newTestServer(t, Config{BasicAuth: BasicAuth{Enabled: true, User: "u", Password: "p"}})

	handler := s.withBasicAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/clients", nil)
	req.SetBasicAuth("u", "p")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
