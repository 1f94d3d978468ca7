package session

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/selkies-project/rtcstream/internal/datachannel"
	"github.com/selkies-project/rtcstream/internal/fanout"
	"github.com/selkies-project/rtcstream/internal/rtcengine"
	"github.com/selkies-project/rtcstream/internal/runtimesettings"
	"github.com/selkies-project/rtcstream/internal/tcpframe"
)

// Fixed per-session SSRCs for the two negotiated media lines (spec §4.4):
// the engine re-signs every relayed packet's sequence number but the SSRC
// stays constant for the session's lifetime.
const (
	sessionVideoSSRC uint32 = 0xca11ab1e
	sessionAudioSSRC uint32 = 0xca11ab1f
)

// pollInterval bounds how long the driver's select loop can go without
// draining the engine's output queue absent any other event. The engine
// queues some outputs from its own background goroutines (the DCEP
// handshake poll, the DataChannel read loop) outside of HandleInput, so
// periodic polling is the only way to notice them promptly.
const pollInterval = 20 * time.Millisecond

// readBufferSize is the chunk size used to read raw bytes off the TCP
// connection before frame-decoding them.
const readBufferSize = 4096

// Driver is the cooperative per-session task (spec §4.4): it owns the
// established ICE-TCP connection, drains the Sans-I/O engine, consumes the
// session's subscription to the fan-out bus, and dispatches DataChannel
// frames through a datachannel.Router. One Driver per established session.
type Driver struct {
	id            string
	engine        *rtcengine.Engine
	conn          net.Conn
	candidateAddr *net.TCPAddr
	bus           *fanout.Bus
	settings      *runtimesettings.Settings
	registry      *Registry
	router        *datachannel.Router
	logger        zerolog.Logger

	dec *tcpframe.Decoder

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// newDriver constructs a Driver. leftover is whatever bytes the manager's
// first-frame decode left unconsumed; it seeds the driver's own decoder so
// no bytes are dropped between the matching read and the driver's read
// loop taking over.
func newDriver(
	logger zerolog.Logger,
	id string,
	engine *rtcengine.Engine,
	conn net.Conn,
	candidateAddr *net.TCPAddr,
	bus *fanout.Bus,
	settings *runtimesettings.Settings,
	registry *Registry,
	leftover []byte,
	deps Dependencies,
) *Driver {
	sessionLogger := logger.With().Str("session_id", id).Logger()

	inputSink := deps.InputSink
	if inputSink == nil {
		inputSink = datachannel.NoopInputSink{}
	}

	clipboard := datachannel.NewClipboardReceiver(deps.ClipboardSink, settings, sessionLogger)
	upload := datachannel.NewUploadHandler(deps.UploadRoot, deps.AllowUpload, sessionLogger)
	router := datachannel.NewRouter(
		clipboard,
		upload,
		settings,
		inputSink,
		deps.StatsSink,
		deps.ResizeSink,
		deps.CommandSink,
		deps.ShellExecEnabled,
		sessionLogger,
	)

	dec := tcpframe.NewDecoder()
	dec.Extend(leftover)

	ctx, cancel := context.WithCancel(context.Background())

	return &Driver{
		id:            id,
		engine:        engine,
		conn:          conn,
		candidateAddr: candidateAddr,
		bus:           bus,
		settings:      settings,
		registry:      registry,
		router:        router,
		logger:        sessionLogger,
		dec:           dec,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// drainOutputs pops every Output currently queued by the engine, writing
// frame-encoded transmit bytes to the TCP connection and dispatching
// events. Called synchronously before the driver task is spawned (spec
// §4.5 step 5's must-drain-before-spawn rule) and again on every iteration
// of run's select loop.
func (d *Driver) drainOutputs() error {
	for {
		out, ok := d.engine.PollOutput()
		if !ok {
			return nil
		}
		switch out.Kind {
		case rtcengine.OutputTransmit:
			if err := d.writeFrame(out.Transmit); err != nil {
				return err
			}
		case rtcengine.OutputEvent:
			d.handleEvent(out.Event)
		case rtcengine.OutputTimeout:
			// Nothing to schedule: run's select loop already polls on a fixed
			// interval, which subsumes any requested timeout.
		}
	}
}

func (d *Driver) writeFrame(payload []byte) error {
	frame, err := tcpframe.Encode(payload)
	if err != nil {
		return rtcengine.NewConnectionFailed("failed to frame outbound packet", err)
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	_, err = d.conn.Write(frame)
	if err != nil {
		return rtcengine.NewConnectionFailed("failed to write to ice-tcp connection", err)
	}
	return nil
}

// handleEvent dispatches one Engine event per spec §4.4.
func (d *Driver) handleEvent(ev rtcengine.Event) {
	switch ev.Kind {
	case rtcengine.EventConnected:
		d.logger.Debug().Msg("session: ice/dtls connected")
	case rtcengine.EventMediaAdded:
		d.logger.Debug().Str("mid", ev.Mid).Msg("session: media line added")
	case rtcengine.EventIceConnectionStateChange:
		d.logger.Info().Int("state", int(ev.IceState)).Msg("session: ice connection state changed")
		if ev.IceState == rtcengine.IceFailed {
			d.cancel()
		}
	case rtcengine.EventChannelOpen:
		d.logger.Info().Uint16("channel_id", ev.ChannelID).Msg("session: datachannel open")
		d.replayKeyframeCache()
	case rtcengine.EventChannelData:
		if ev.ChannelIsBinary {
			d.router.RouteBinary(ev.ChannelData)
		} else {
			d.router.RouteText(string(ev.ChannelData))
		}
	case rtcengine.EventChannelClose:
		d.logger.Info().Msg("session: datachannel closed")
	}
}

// replayKeyframeCache sends the most recent cached keyframe burst to a
// freshly opened DataChannel's media path so a late-joining client doesn't
// wait for the next scheduled keyframe (spec §4.9).
func (d *Driver) replayKeyframeCache() {
	cache := d.bus.KeyframeCache()
	for _, pkt := range cache {
		protected, err := d.engine.RelayVideo(pkt, sessionVideoSSRC)
		if err != nil {
			d.logger.Warn().Err(err).Msg("session: failed to relay cached keyframe packet")
			continue
		}
		if err := d.writeFrame(protected); err != nil {
			d.logger.Warn().Err(err).Msg("session: failed to write cached keyframe packet")
			return
		}
	}
}

// run is the driver's main loop: it reads raw bytes off the TCP connection
// on its own goroutine, feeding each complete RFC 4571 frame into the
// engine, while the select loop here fans out media/text from the bus,
// periodically drains engine outputs, and watches for shutdown.
func (d *Driver) run() {
	defer d.teardown()

	sub := d.bus.Subscribe()
	defer sub.Close()

	readErrCh := make(chan error, 1)
	packetCh := make(chan []byte, 64)
	go d.readLoop(packetCh, readErrCh)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case err := <-readErrCh:
			if err != nil && err != io.EOF {
				d.logger.Warn().Err(err).Msg("session: ice-tcp read error")
			}
			return

		case packet := <-packetCh:
			if err := d.engine.HandleInput(rtcengine.DatagramInput(packet, d.conn.RemoteAddr(), d.candidateAddr, time.Now())); err != nil {
				d.logger.Warn().Err(err).Msg("session: engine rejected inbound packet")
				return
			}
			if err := d.drainOutputs(); err != nil {
				d.logger.Warn().Err(err).Msg("session: failed draining engine outputs")
				return
			}

		case pkt, open := <-sub.Video:
			if !open {
				return
			}
			protected, err := d.engine.RelayVideo(pkt, sessionVideoSSRC)
			if err != nil {
				// Most commonly: SRTP not established yet. Drop the frame;
				// the next one will likely succeed once DTLS finishes.
				continue
			}
			if err := d.writeFrame(protected); err != nil {
				d.logger.Warn().Err(err).Msg("session: failed writing relayed video packet")
				return
			}

		case pkt, open := <-sub.Audio:
			if !open {
				return
			}
			protected, err := d.engine.RelayAudio(pkt, sessionAudioSSRC)
			if err != nil {
				continue
			}
			if err := d.writeFrame(protected); err != nil {
				d.logger.Warn().Err(err).Msg("session: failed writing relayed audio packet")
				return
			}

		case msg, open := <-sub.Text:
			if !open {
				return
			}
			if err := d.engine.SendDataChannelText(msg); err != nil {
				d.logger.Warn().Err(err).Msg("session: failed sending broadcast text")
			}

		case <-ticker.C:
			if err := d.drainOutputs(); err != nil {
				d.logger.Warn().Err(err).Msg("session: failed draining engine outputs")
				return
			}
		}
	}
}

// readLoop reads raw bytes off the TCP connection and frame-decodes them,
// pushing each complete payload onto packetCh. Exits (sending the terminal
// error on errCh) when the connection is closed, a read fails or a frame
// fails to decode; it exits without sending if ctx is cancelled first.
func (d *Driver) readLoop(packetCh chan<- []byte, errCh chan<- error) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := d.conn.Read(buf)
		if n > 0 {
			d.dec.Extend(buf[:n])
			for {
				payload, ok, decErr := d.dec.NextPacket()
				if decErr != nil {
					errCh <- decErr
					return
				}
				if !ok {
					break
				}
				select {
				case packetCh <- payload:
				case <-d.ctx.Done():
					return
				}
			}
		}
		if err != nil {
			errCh <- err
			return
		}
	}
}

// Stop requests the driver's run loop exit, without waiting for it.
func (d *Driver) Stop() { d.cancel() }

func (d *Driver) teardown() {
	d.cancel()
	_ = d.conn.Close()
	_ = d.engine.Close()
	d.registry.DriverExited()
	d.logger.Info().Msg("session: driver exited")
}
