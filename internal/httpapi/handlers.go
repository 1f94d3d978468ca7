package httpapi

import (
	"fmt"
	"net/http"
	"time"
)

type healthResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Connections   int64   `json:"connections"`
	Version       string  `json:"version"`
}

// handleHealth implements /health. Always answers, even with
// BasicAuth.Enabled — spec §4.10 names it as the unconditional bypass.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, healthResponse{
		Status:        "healthy",
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Connections:   s.manager.SessionCount(),
		Version:       s.cfg.Version,
	})
}

// handleMetrics implements /metrics as a fixed Prometheus text-exposition
// document. The metric set is small and has no label cardinality, so a
// hand-formatted string (the same shape the core's counters and gauges
// actually are) is clearer here than standing up a registry.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "# HELP rtcstream_uptime_seconds Server uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE rtcstream_uptime_seconds counter\n")
	fmt.Fprintf(w, "rtcstream_uptime_seconds %f\n", time.Since(s.startedAt).Seconds())
	fmt.Fprintf(w, "# HELP rtcstream_sessions_total Current combined pending+active session count\n")
	fmt.Fprintf(w, "# TYPE rtcstream_sessions_total gauge\n")
	fmt.Fprintf(w, "rtcstream_sessions_total %d\n", s.manager.SessionCount())
	fmt.Fprintf(w, "# HELP rtcstream_sessions_pending Sessions awaiting their ICE-TCP connection\n")
	fmt.Fprintf(w, "# TYPE rtcstream_sessions_pending gauge\n")
	fmt.Fprintf(w, "rtcstream_sessions_pending %d\n", s.manager.PendingCount())
	fmt.Fprintf(w, "# HELP rtcstream_sessions_active Sessions with a running driver task\n")
	fmt.Fprintf(w, "# TYPE rtcstream_sessions_active gauge\n")
	fmt.Fprintf(w, "rtcstream_sessions_active %d\n", s.manager.DriverCount())
}

type clientsResponse struct {
	WebrtcSessions int64 `json:"webrtc_sessions"`
}

// handleClients implements /clients: the live active_session_count.
func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, clientsResponse{WebrtcSessions: s.manager.SessionCount()})
}

type uiConfigResponse struct {
	TargetFPS        uint32 `json:"target_fps"`
	VideoBitrateKbps uint32 `json:"video_bitrate_kbps"`
	AudioBitrateBps  uint32 `json:"audio_bitrate_bps"`
}

// handleUIConfig implements /ui-config, an informational endpoint the
// embedded viewer uses to prime its displayed settings panel with the
// server's current runtime settings.
func (s *Server) handleUIConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, uiConfigResponse{
		TargetFPS:        s.settings.TargetFPS(),
		VideoBitrateKbps: s.settings.VideoBitrateKbps(),
		AudioBitrateBps:  s.settings.AudioBitrateBps(),
	})
}

type wsConfigResponse struct {
	WSPort int `json:"ws_port"`
}

// handleWSConfig implements /ws-config: tells a viewer which port to dial
// for the shared-port signaling/ICE-TCP socket.
func (s *Server) handleWSConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, wsConfigResponse{WSPort: s.cfg.WSPort})
}
