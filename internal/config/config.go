// Package config holds the in-scope configuration surface named in spec
// §4.6/§4.10/§9: listen address, candidate resolution policy, session
// capacity, upload settings, and TURN/STUN/Basic-Auth parameters. Loading
// this from a file or flag set is out of scope for the core — callers
// (cmd/rtcserver) populate a Config directly, the way the teacher's
// pkg/config.Config is a plain struct its caller fills in.
package config

import "time"

// Config is the complete in-scope settings surface. Every field has a sane
// zero-value-adjacent default via Default().
type Config struct {
	// ListenAddr is the single TCP socket the demultiplexer accepts both
	// HTTP and ICE/DTLS connections on (spec §4.2).
	ListenAddr string

	// MaxSessions is the hard cap on concurrent pending+active sessions
	// (spec §3 invariant #10, §4.5 step 5).
	MaxSessions int

	// PublicCandidate, TrustHostHeader: spec §4.6 candidate resolution
	// priority 1/2. Priority 3 (raw listen address) always falls back
	// implicitly.
	PublicCandidate string
	TrustHostHeader bool

	// UploadRoot and AllowUpload gate the file-upload DataChannel handler
	// (spec §4.7 item 1, §5 resource limits: path must stay within root).
	UploadRoot  string
	AllowUpload bool

	// ShellExecEnabled gates the `cmd,` DataChannel prefix (spec §4.7
	// item 4); disabled by default, since it grants arbitrary command
	// execution to anyone who can open a DataChannel.
	ShellExecEnabled bool

	// TURN/STUN fields feed internal/httpapi's /turn endpoint (spec
	// §4.10).
	TurnSharedSecret string
	TurnHost         string
	TurnPort         int
	TurnTLS          bool
	TurnProtocol     string
	StunHost         string
	StunPort         int

	// BasicAuthEnabled/-User/-Password gate internal/httpapi's optional
	// Basic Auth middleware (spec §4.10), bypassed for /health regardless.
	BasicAuthEnabled  bool
	BasicAuthUser     string
	BasicAuthPassword string

	// ShutdownTimeout bounds how long cmd/rtcserver waits for the HTTP
	// server to shut down on SIGTERM/SIGINT; stopping the session manager
	// is not bounded by it.
	ShutdownTimeout time.Duration
}

// Default returns a Config with the same conservative defaults the
// original Rust implementation ships (upload/shell-exec both
// opt-in, no TURN configured, a generous but bounded session cap).
func Default() Config {
	return Config{
		ListenAddr:       ":8080",
		MaxSessions:      50,
		TrustHostHeader:  true,
		UploadRoot:       "",
		AllowUpload:      false,
		ShellExecEnabled: false,
		TurnProtocol:     "udp",
		ShutdownTimeout:  10 * time.Second,
	}
}
