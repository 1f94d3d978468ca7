package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/selkies-project/rtcstream/internal/config"
	"github.com/selkies-project/rtcstream/internal/demux"
	"github.com/selkies-project/rtcstream/internal/fanout"
	"github.com/selkies-project/rtcstream/internal/httpapi"
	"github.com/selkies-project/rtcstream/internal/runtimesettings"
	"github.com/selkies-project/rtcstream/internal/session"
	"github.com/selkies-project/rtcstream/internal/tcpframe"
)

func main() {
	cfg := config.Default()

	fs := flag.NewFlagSet("rtcserver", flag.ExitOnError)
	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "shared TCP address for HTTP signaling and ICE/DTLS")
	fs.IntVar(&cfg.MaxSessions, "max-sessions", cfg.MaxSessions, "maximum concurrent pending+active sessions")
	fs.StringVar(&cfg.PublicCandidate, "public-candidate", cfg.PublicCandidate, "override host:port advertised as the ICE-TCP candidate")
	fs.BoolVar(&cfg.TrustHostHeader, "trust-host-header", cfg.TrustHostHeader, "resolve the candidate address from the browser's HTTP Host header")
	fs.StringVar(&cfg.UploadRoot, "upload-root", cfg.UploadRoot, "directory file uploads are sandboxed under")
	fs.BoolVar(&cfg.AllowUpload, "allow-upload", cfg.AllowUpload, "enable the DataChannel file-upload handler")
	fs.BoolVar(&cfg.ShellExecEnabled, "shell-exec-enabled", cfg.ShellExecEnabled, "enable the cmd, DataChannel shell-exec prefix")
	fs.StringVar(&cfg.TurnSharedSecret, "turn-shared-secret", cfg.TurnSharedSecret, "HMAC secret for minting ephemeral TURN REST credentials")
	fs.StringVar(&cfg.TurnHost, "turn-host", cfg.TurnHost, "TURN server host advertised to clients")
	fs.IntVar(&cfg.TurnPort, "turn-port", cfg.TurnPort, "TURN server port")
	fs.BoolVar(&cfg.TurnTLS, "turn-tls", cfg.TurnTLS, "advertise turns: instead of turn:")
	fs.StringVar(&cfg.TurnProtocol, "turn-protocol", cfg.TurnProtocol, "transport query parameter on the advertised TURN URL")
	fs.StringVar(&cfg.StunHost, "stun-host", cfg.StunHost, "STUN server host advertised to clients")
	fs.IntVar(&cfg.StunPort, "stun-port", cfg.StunPort, "STUN server port")
	fs.BoolVar(&cfg.BasicAuthEnabled, "basic-auth-enabled", cfg.BasicAuthEnabled, "require HTTP Basic Auth on every endpoint except /health")
	fs.StringVar(&cfg.BasicAuthUser, "basic-auth-user", cfg.BasicAuthUser, "HTTP Basic Auth username")
	fs.StringVar(&cfg.BasicAuthPassword, "basic-auth-password", cfg.BasicAuthPassword, "HTTP Basic Auth password")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "WebRTC remote-desktop transport and session engine\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
		os.Exit(1)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("rtcserver exited with error")
		os.Exit(1)
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}
	defer listener.Close()

	listenAddr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		return fmt.Errorf("unexpected listener address type %T", listener.Addr())
	}

	bus := fanout.New()
	settings := runtimesettings.New()

	candidates := session.CandidateConfig{
		PublicCandidate: cfg.PublicCandidate,
		TrustHostHeader: cfg.TrustHostHeader,
		ListenAddr:      listenAddr,
	}

	deps := session.Dependencies{
		ShellExecEnabled: cfg.ShellExecEnabled,
		UploadRoot:       cfg.UploadRoot,
		AllowUpload:      cfg.AllowUpload,
	}

	manager := session.NewManager(logger, bus, settings, candidates, cfg.MaxSessions, deps)
	manager.Start()
	defer manager.Stop()

	httpListener := demux.NewHTTPListener(listenAddr)
	defer httpListener.Close()

	apiServer := httpapi.NewServer(logger, manager, settings, httpapi.Config{
		Version:          "1.0.0",
		TurnSharedSecret: cfg.TurnSharedSecret,
		TurnHost:         cfg.TurnHost,
		TurnPort:         cfg.TurnPort,
		TurnTLS:          cfg.TurnTLS,
		TurnProtocol:     cfg.TurnProtocol,
		StunHost:         cfg.StunHost,
		StunPort:         cfg.StunPort,
		BasicAuth: httpapi.BasicAuth{
			Enabled:  cfg.BasicAuthEnabled,
			User:     cfg.BasicAuthUser,
			Password: cfg.BasicAuthPassword,
		},
		WSPort: listenAddr.Port,
	})

	httpErrCh := make(chan error, 1)
	go func() {
		if err := apiServer.Serve(httpListener); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	acceptErrCh := make(chan error, 1)
	go acceptLoop(ctx, listener, httpListener, manager, logger, acceptErrCh)

	logger.Info().Str("listen_addr", cfg.ListenAddr).Msg("rtcserver ready")

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-httpErrCh:
		logger.Error().Err(err).Msg("http server failed")
	case err := <-acceptErrCh:
		logger.Error().Err(err).Msg("accept loop failed")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http server shutdown did not complete cleanly")
	}

	logger.Info().Msg("graceful shutdown complete")
	return nil
}

// acceptLoop is the demultiplexer's accept loop (spec §4.2): every accepted
// connection is peeked and classified, then routed to the HTTP listener
// adapter or the session manager. Connections that fail classification
// (peek timeout, early close) are dropped silently, per spec.
func acceptLoop(ctx context.Context, listener net.Listener, httpListener *demux.HTTPListener, manager *session.Manager, logger zerolog.Logger, errCh chan<- error) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			errCh <- err
			return
		}

		go func() {
			result, err := demux.Peek(conn, logger)
			if err != nil {
				logger.Debug().Err(err).Msg("demux: dropping connection that failed classification")
				conn.Close()
				return
			}

			switch result.Protocol {
			case demux.ProtocolHTTP:
				httpListener.Push(result.Conn)
			case demux.ProtocolICE:
				firstFrame, err := tcpframe.Encode(result.FirstPacket)
				if err == nil {
					err = manager.HandleIceTCPConnection(result.Conn, firstFrame)
				}
				if err != nil {
					logger.Warn().Err(err).Msg("session: failed to handle ice-tcp connection")
					result.Conn.Close()
				}
			}
		}()
	}
}
