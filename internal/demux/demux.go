// Package demux implements the same-port protocol demultiplexer: it peeks
// the first byte of every accepted TCP connection and routes it to either
// the HTTP server or the WebRTC session manager without consuming the byte
// twice.
package demux

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/selkies-project/rtcstream/internal/tcpframe"
)

// Protocol identifies which downstream component owns a connection.
type Protocol int

const (
	ProtocolHTTP Protocol = iota
	ProtocolICE
)

func (p Protocol) String() string {
	switch p {
	case ProtocolHTTP:
		return "http"
	case ProtocolICE:
		return "ice"
	default:
		return "unknown"
	}
}

// PeekTimeout bounds how long the demultiplexer waits for the first byte of
// a freshly accepted connection.
const PeekTimeout = 10 * time.Second

// Classify inspects b, the first byte read from a connection, and returns
// the protocol it belongs to. The classification is a pure function: the
// same byte always routes to the same component.
func Classify(b byte) Protocol {
	switch {
	case b >= 0x00 && b <= 0x03:
		return ProtocolICE
	case b >= 0x14 && b <= 0x17:
		return ProtocolICE
	default:
		return ProtocolHTTP
	}
}

// Conn wraps an accepted net.Conn so that the byte peeked during
// classification is replayed to the first Read call — callers downstream
// (e.g. http.Server) see an ordinary, unconsumed byte stream.
type Conn struct {
	net.Conn
	r *bufio.Reader
}

func (c *Conn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// PeekResult is what Peek produces for one connection.
type PeekResult struct {
	Conn     *Conn
	Protocol Protocol
	// FirstPacket holds the fully-deframed payload of the first RFC 4571
	// frame, populated only when Protocol == ProtocolICE. The session
	// manager matches this packet against pending sessions' accepts().
	FirstPacket []byte
}

// Peek reads and classifies the first byte of conn within PeekTimeout,
// without losing it for subsequent reads. For ICE connections it continues
// reading (still bounded by PeekTimeout) until one complete RFC 4571 frame
// is available, since the session manager needs a whole packet, not a
// single byte, to match against pending sessions. Connections that close or
// time out return a non-nil error; callers should drop such connections
// silently per spec.
func Peek(conn net.Conn, logger zerolog.Logger) (*PeekResult, error) {
	if err := conn.SetReadDeadline(time.Now().Add(PeekTimeout)); err != nil {
		return nil, err
	}
	br := bufio.NewReader(conn)
	b, err := br.Peek(1)
	if err != nil {
		return nil, err
	}

	proto := Classify(b[0])
	wrapped := &Conn{Conn: conn, r: br}

	result := &PeekResult{Conn: wrapped, Protocol: proto}

	if proto == ProtocolICE {
		dec := tcpframe.NewDecoder()
		buf := make([]byte, 4096)
		for {
			packet, ok, decErr := dec.NextPacket()
			if decErr != nil {
				return nil, fmt.Errorf("demux: first ICE frame: %w", decErr)
			}
			if ok {
				result.FirstPacket = packet
				break
			}
			n, readErr := br.Read(buf)
			if n > 0 {
				dec.Extend(buf[:n])
			}
			if readErr != nil {
				return nil, readErr
			}
		}
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}

	logger.Debug().
		Str("protocol", proto.String()).
		Str("remote", conn.RemoteAddr().String()).
		Msg("demux classified connection")

	return result, nil
}

// ErrListenerClosed is returned by HTTPListener.Accept once Close has been
// called.
var ErrListenerClosed = errors.New("demux: http listener closed")

// HTTPListener adapts the share of the accept loop that Peek classified as
// ProtocolHTTP into an ordinary net.Listener, so the process's single
// *http.Server can Serve() it without knowing anything about the shared-port
// classification happening above it. The accept loop calls Push for every
// HTTP-classified connection; http.Server calls Accept to drain them.
type HTTPListener struct {
	addr net.Addr

	connCh chan net.Conn
	closed chan struct{}
	once   sync.Once
}

// NewHTTPListener constructs an HTTPListener reporting addr from Addr().
func NewHTTPListener(addr net.Addr) *HTTPListener {
	return &HTTPListener{
		addr:   addr,
		connCh: make(chan net.Conn, 16),
		closed: make(chan struct{}),
	}
}

// Push hands a classified HTTP connection to a pending or future Accept
// call. It is a no-op once the listener is closed.
func (l *HTTPListener) Push(conn net.Conn) {
	select {
	case l.connCh <- conn:
	case <-l.closed:
		conn.Close()
	}
}

// Accept implements net.Listener.
func (l *HTTPListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	}
}

// Close implements net.Listener. Safe to call more than once.
func (l *HTTPListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

// Addr implements net.Listener.
func (l *HTTPListener) Addr() net.Addr { return l.addr }
