package rtcengine

import (
	"fmt"
	"sync"

	"github.com/pion/datachannel"
	"github.com/pion/sctp"
)

// dataChannelSubstrate owns the SCTP association carried over the
// established DTLS connection, and the single negotiated DataChannel stream
// used for input/clipboard/upload/control traffic (spec §4.7/§4.8).
type dataChannelSubstrate struct {
	assoc *sctp.Association

	mu      sync.Mutex
	stream  *sctp.Stream
	channel datachannel.ReadWriteCloser
	id      uint16
	open    bool
}

// newDataChannelSubstrate starts an SCTP association in server role over
// the DTLS connection. Association setup (INIT/INIT-ACK/COOKIE-ECHO) and
// the subsequent DCEP (DATA_CHANNEL_OPEN) handshake both happen inside
// pion/sctp and pion/datachannel's own goroutines; the engine surfaces the
// result as EventChannelOpen once a stream completes DCEP negotiation.
func newDataChannelSubstrate(sub *dtlsSubstrate) (*dataChannelSubstrate, error) {
	ok, _, err := sub.Established()
	if err != nil {
		return nil, NewConnectionFailed("dtls handshake failed before sctp association", err)
	}
	if !ok {
		return nil, NewConnectionFailed("sctp association requested before dtls established", nil)
	}

	assoc, err := sctp.Server(sctp.Config{
		NetConn:              sub.dtlsConn,
		MaxReceiveBufferSize: 1024 * 1024,
	})
	if err != nil {
		return nil, NewConnectionFailed("failed to start sctp association", err)
	}

	dc := &dataChannelSubstrate{assoc: assoc}
	go dc.acceptLoop()
	return dc, nil
}

func (dc *dataChannelSubstrate) acceptLoop() {
	stream, err := dc.assoc.AcceptStream()
	if err != nil {
		return
	}
	channel, err := datachannel.Accept(stream, &datachannel.Config{})
	if err != nil {
		return
	}

	dc.mu.Lock()
	dc.stream = stream
	dc.channel = channel
	dc.id = stream.StreamIdentifier()
	dc.open = true
	dc.mu.Unlock()
}

// Send writes a text message to the open DataChannel. Per spec §7, a
// missing/not-yet-open channel is a silent no-op — callers should not treat
// it as an error worth propagating.
func (dc *dataChannelSubstrate) Send(data []byte) error {
	dc.mu.Lock()
	channel := dc.channel
	open := dc.open
	dc.mu.Unlock()
	if !open || channel == nil {
		return nil
	}
	if _, err := channel.WriteDataChannel(data, true); err != nil {
		return fmt.Errorf("datachannel write: %w", err)
	}
	return nil
}

// Read blocks for the next DataChannel message, reporting whether it was
// sent as a text (isString) or binary frame — the distinction driving spec
// §4.7's binary-vs-text dispatch priority.
func (dc *dataChannelSubstrate) Read(buf []byte) (n int, isString bool, err error) {
	dc.mu.Lock()
	channel := dc.channel
	dc.mu.Unlock()
	if channel == nil {
		return 0, false, fmt.Errorf("datachannel read: channel not open")
	}
	return channel.ReadDataChannel(buf)
}

// ID returns the open channel's stream id, or false if none is open.
func (dc *dataChannelSubstrate) ID() (uint16, bool) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.id, dc.open
}

func (dc *dataChannelSubstrate) Close() error {
	dc.mu.Lock()
	channel := dc.channel
	dc.open = false
	dc.mu.Unlock()
	if channel != nil {
		return channel.Close()
	}
	return nil
}
