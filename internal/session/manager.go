package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/selkies-project/rtcstream/internal/datachannel"
	"github.com/selkies-project/rtcstream/internal/fanout"
	"github.com/selkies-project/rtcstream/internal/rtcengine"
	"github.com/selkies-project/rtcstream/internal/runtimesettings"
	"github.com/selkies-project/rtcstream/internal/tcpframe"
)

// Dependencies bundles the external collaborators named in spec §1/§6 that
// a session's DataChannel router needs: the input queue consumer, the
// system clipboard, the display resizer, the optional shell-exec sink, and
// the file-upload destination. Any sink left nil degrades gracefully (the
// corresponding DataChannel prefix becomes a no-op, matching spec §7's
// "missing X is a silent no-op" policy).
type Dependencies struct {
	InputSink     datachannel.InputSink
	ClipboardSink datachannel.ClipboardSink
	StatsSink     datachannel.StatsSink
	ResizeSink    datachannel.ResizeSink
	CommandSink   datachannel.CommandSink

	ShellExecEnabled bool
	UploadRoot       string
	AllowUpload      bool
}

// CandidateConfig controls how the advertised TCP passive candidate address
// is resolved (spec §4.6).
type CandidateConfig struct {
	// PublicCandidate, if non-empty, is a "host:port" override that always
	// wins (priority 1).
	PublicCandidate string
	// TrustHostHeader enables resolving the browser's HTTP Host header as
	// priority 2, falling back to ListenAddr's port if the header carries no port.
	TrustHostHeader bool
	// ListenAddr is the raw socket address the server is listening on,
	// priority 3 (and the fallback port source for priority 2).
	ListenAddr *net.TCPAddr
}

// resolve picks the candidate address per spec §4.6's priority order.
func (c CandidateConfig) resolve(clientHost string) (*net.TCPAddr, error) {
	if c.PublicCandidate != "" {
		return net.ResolveTCPAddr("tcp", c.PublicCandidate)
	}
	if c.TrustHostHeader && clientHost != "" {
		host, portStr, err := net.SplitHostPort(clientHost)
		if err != nil {
			// No port in the Host header: use the host with the listen port.
			host = clientHost
			portStr = ""
		}
		ip, err := resolveHost(host)
		if err == nil {
			port := c.ListenAddr.Port
			if portStr != "" {
				if p, perr := parsePort(portStr); perr == nil {
					port = p
				}
			}
			return &net.TCPAddr{IP: ip, Port: port}, nil
		}
	}
	return c.ListenAddr, nil
}

func resolveHost(host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	addrs, err := net.LookupIP(host)
	if err != nil || len(addrs) == 0 {
		return nil, fmt.Errorf("resolve host %q: %w", host, err)
	}
	return addrs[0], nil
}

func parsePort(s string) (int, error) {
	port := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid port %q", s)
		}
		port = port*10 + int(c-'0')
	}
	return port, nil
}

// Manager owns the pending-session registry, the fan-out bus, and the
// reaper loop (spec §4.5).
type Manager struct {
	logger     zerolog.Logger
	registry   *Registry
	bus        *fanout.Bus
	settings   *runtimesettings.Settings
	candidates CandidateConfig
	deps       Dependencies

	driversMu sync.Mutex
	drivers   map[string]*Driver

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager constructs a Manager admitting at most maxSessions concurrent
// sessions. deps bundles the external collaborators (input injector,
// clipboard, resize, command exec, upload root) each session's
// datachannel.Router is built with; any nil/zero field degrades to a
// silent no-op per spec §7.
func NewManager(logger zerolog.Logger, bus *fanout.Bus, settings *runtimesettings.Settings, candidates CandidateConfig, maxSessions int, deps Dependencies) *Manager {
	return &Manager{
		logger:     logger.With().Str("component", "session_manager").Logger(),
		registry:   NewRegistry(maxSessions),
		bus:        bus,
		settings:   settings,
		candidates: candidates,
		deps:       deps,
		drivers:    make(map[string]*Driver),
	}
}

// Start launches the reaper loop; call Stop to shut it down.
func (m *Manager) Start() {
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.wg.Add(1)
	go m.reapLoop()
}

// Stop cancels the reaper loop, requests every running driver exit, and
// waits for all of them plus the reaper to return.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.driversMu.Lock()
	for _, d := range m.drivers {
		d.Stop()
	}
	m.driversMu.Unlock()
	m.wg.Wait()
}

func (m *Manager) reapLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if n := m.registry.Reap(time.Now()); n > 0 {
				m.logger.Debug().Int("count", n).Msg("reaped stale pending sessions")
			}
		}
	}
}

// CreateSessionWithOffer implements spec §4.5's create_session_with_offer:
// generates a session id, builds the Sans-I/O engine, resolves the
// advertised candidate, feeds the offer, and admits the session into the
// pending registry under one atomic capacity check.
func (m *Manager) CreateSessionWithOffer(offerSDP, clientHost string) (sessionID, answerSDP string, err error) {
	id := uuid.NewString()

	engine, err := rtcengine.NewEngine(m.logger.With().Str("session_id", id).Logger())
	if err != nil {
		return "", "", err
	}

	candAddr, err := m.candidates.resolve(clientHost)
	if err != nil {
		return "", "", rtcengine.NewIceError("failed to resolve candidate address", err)
	}

	answer, err := engine.AcceptOffer(offerSDP, candAddr)
	if err != nil {
		return "", "", err
	}

	ps := &PendingSession{
		ID:            id,
		Engine:        engine,
		CandidateAddr: candAddr,
		CreatedAt:     time.Now(),
	}
	if err := m.registry.TryInsert(ps); err != nil {
		return "", "", rtcengine.NewConnectionFailed("maximum sessions reached", err)
	}

	m.logger.Info().Str("session_id", id).Str("candidate", candAddr.String()).Msg("session created, pending ICE-TCP connection")
	return id, answer, nil
}

// HandleIceTCPConnection implements spec §4.5's handle_ice_tcp_connection:
// frame-decodes the first bytes, matches them to a pending session, drains
// the engine synchronously (must-drain-before-spawn), and spawns the driver
// task.
func (m *Manager) HandleIceTCPConnection(conn net.Conn, firstBytes []byte) error {
	dec := tcpframe.NewDecoder()
	dec.Extend(firstBytes)
	packet, ok, err := dec.NextPacket()
	if err != nil {
		return rtcengine.NewConnectionFailed("failed to decode first ICE frame", err)
	}
	if !ok {
		return rtcengine.NewConnectionFailed("first ICE connection bytes did not form a complete frame", nil)
	}

	ps, matched := m.registry.MatchAndRemove(packet)
	if !matched {
		return rtcengine.NewSessionNotFound("no pending session accepts this connection")
	}

	if err := ps.Engine.HandleInput(rtcengine.DatagramInput(packet, conn.RemoteAddr(), ps.CandidateAddr, time.Now())); err != nil {
		m.registry.DriverExited()
		return err
	}

	driver := newDriver(m.logger, ps.ID, ps.Engine, conn, ps.CandidateAddr, m.bus, m.settings, m.registry, dec.TakeRemaining(), m.deps)

	// Drain synchronously before spawning the driver task — this flushes the
	// DTLS ServerHello onto the wire before the task is scheduled, per spec
	// §4.5 step 5.
	if err := driver.drainOutputs(); err != nil {
		m.registry.DriverExited()
		return err
	}

	m.driversMu.Lock()
	m.drivers[ps.ID] = driver
	m.driversMu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		driver.run()
		m.driversMu.Lock()
		delete(m.drivers, ps.ID)
		m.driversMu.Unlock()
	}()

	return nil
}

// DriverCount returns the number of currently-running driver tasks, for
// observability.
func (m *Manager) DriverCount() int {
	m.driversMu.Lock()
	defer m.driversMu.Unlock()
	return len(m.drivers)
}

// SessionCount is the combined pending+active session count (spec
// invariant #3).
func (m *Manager) SessionCount() int64 { return m.registry.SessionCount() }

// PendingCount is the number of sessions currently awaiting a TCP match,
// for observability.
func (m *Manager) PendingCount() int { return m.registry.PendingCount() }
