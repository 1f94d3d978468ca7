// Package httpapi is the thin HTTP boundary described in spec §4.10: health,
// metrics, client count, TURN credential minting, informational config
// endpoints, and the WebRTC signaling WebSocket, all served behind the
// demultiplexer's HTTP-classified connections on the same port the ICE-TCP
// traffic arrives on.
package httpapi

import (
	"context"
	"crypto/subtle"
	"embed"
	"encoding/json"
	"io/fs"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/selkies-project/rtcstream/internal/runtimesettings"
	"github.com/selkies-project/rtcstream/internal/session"
)

//go:embed web
var webFS embed.FS

// BasicAuth holds optional HTTP Basic Auth credentials. Enabled reports
// whether the middleware should run at all; per spec §4.10 it is bypassed
// for /health regardless.
type BasicAuth struct {
	Enabled  bool
	User     string
	Password string
}

// Config bundles the values a Server needs beyond its collaborators.
type Config struct {
	Version         string
	TurnSharedSecret string
	TurnHost         string
	TurnPort         int
	TurnTLS          bool
	TurnProtocol     string
	StunHost         string
	StunPort         int
	BasicAuth        BasicAuth
	WSPort           int
}

// Server is the process's single HTTP entry point. It owns no listening
// socket of its own — Serve is handed a net.Listener by the caller (in
// production, a demux.HTTPListener fed by the shared-port accept loop).
type Server struct {
	cfg      Config
	manager  *session.Manager
	settings *runtimesettings.Settings
	logger   zerolog.Logger

	httpServer *http.Server
	startedAt  time.Time
}

// NewServer constructs a Server. manager and settings must be non-nil;
// they back the /clients, /health and /webrtc handlers.
func NewServer(logger zerolog.Logger, manager *session.Manager, settings *runtimesettings.Settings, cfg Config) *Server {
	return &Server{
		cfg:      cfg,
		manager:  manager,
		settings: settings,
		logger:   logger.With().Str("component", "httpapi").Logger(),
	}
}

// Serve builds the mux and blocks serving ln until it's closed or Shutdown
// is called, mirroring http.Server.Serve's contract: it always returns a
// non-nil error, http.ErrServerClosed on a clean Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/clients", s.handleClients)
	mux.HandleFunc("/turn", s.handleTurn)
	mux.HandleFunc("/ui-config", s.handleUIConfig)
	mux.HandleFunc("/ws-config", s.handleWSConfig)
	mux.HandleFunc("/webrtc", s.handleSignalingWS)
	mux.HandleFunc("/webrtc/signaling", s.handleSignalingWS)
	mux.HandleFunc("/webrtc/signaling/", s.handleSignalingWS)

	if staticFS, err := fs.Sub(webFS, "web"); err == nil {
		mux.Handle("/", http.FileServer(http.FS(staticFS)))
	}

	handler := s.withLogging(s.withCORS(s.withBasicAuth(mux)))

	s.httpServer = &http.Server{
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info().Msg("starting http server")
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the HTTP server, honoring ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote_addr", r.RemoteAddr).
			Msg("http request")
	})
}

// withBasicAuth implements spec §4.10's optional HTTP Basic auth, bypassed
// unconditionally for /health so uptime probes never need credentials.
func (s *Server) withBasicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.BasicAuth.Enabled || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		user, pass, ok := r.BasicAuth()
		if ok &&
			subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.BasicAuth.User)) == 1 &&
			subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.BasicAuth.Password)) == 1 {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="ivnc"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
