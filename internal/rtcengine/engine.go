// Package rtcengine implements the Sans-I/O WebRTC state machine described
// in spec §4.4 and §9: a pure-ish function from (input, now) to (outputs,
// next timeout) that owns no socket of its own. The host (session.Driver)
// feeds it bytes read from the ICE-TCP stream and drains its outputs after
// every input, exactly as a str0m-style Sans-I/O engine would.
//
// Underneath, Engine bridges to pion's connection-oriented DTLS/SCTP/
// DataChannel stacks via an in-memory buffer pipe (bufferConn in dtls.go) —
// the same mechanism pion/webrtc itself uses internally. DTLS retransmission
// timing is therefore owned by pion's handshake goroutine rather than by
// this Engine's timer contract; see DESIGN.md for the tradeoff.
package rtcengine

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Engine is one session's Sans-I/O WebRTC state machine.
type Engine struct {
	logger zerolog.Logger

	localUfrag string
	localPwd   string

	ice *iceLiteResponder

	mu            sync.Mutex
	dtls          *dtlsSubstrate
	srtpSess      *srtpSession
	dc            *dataChannelSubstrate
	nm            *negotiatedMedia
	candidateLine string

	connected      bool
	dcOpenEmitted  bool
	mediaEmitted   bool
	videoSeq       uint64
	audioSeq       uint64
	audioTimestamp uint32

	outputQueue []Output
	closed      bool
}

// NewEngine constructs an Engine configured for ICE-lite, RTP mode. It does
// not yet know the offer or the candidate address; call AcceptOffer next.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	ufrag, pwd, err := generateIceCredentials()
	if err != nil {
		return nil, NewConnectionFailed("failed to generate ICE credentials", err)
	}
	return &Engine{
		logger:     logger,
		localUfrag: ufrag,
		localPwd:   pwd,
		ice:        newIceLiteResponder(pwd),
	}, nil
}

// AcceptOffer feeds the SDP offer, resolves the advertised candidate address
// into a TCP passive candidate line, and returns the SDP answer. This also
// fixes media lines (video/audio mid, negotiated Opus payload type) and
// starts the DTLS substrate so a self-signed certificate/fingerprint exist
// before the answer is returned (the fingerprint appears in the answer).
func (e *Engine) AcceptOffer(offerSDP string, candidateAddr *net.TCPAddr) (answerSDP string, err error) {
	cand, candLine, err := BuildTCPPassiveCandidate(candidateAddr)
	if err != nil {
		return "", err
	}
	_ = cand

	e.mu.Lock()
	defer e.mu.Unlock()

	dtlsSub, err := newDTLSSubstrate(candidateAddr, candidateAddr)
	if err != nil {
		return "", err
	}

	answer, nm, err := buildAnswer(offerSDP, candLine, e.localUfrag, e.localPwd, dtlsSub.Fingerprint())
	if err != nil {
		return "", err
	}

	e.dtls = dtlsSub
	e.nm = nm
	e.candidateLine = candLine
	return answer, nil
}

// Accepts reports whether packet — the first frame of a freshly demuxed
// ICE-TCP connection — belongs to this pending session. It matches the ICE
// USERNAME attribute's local-ufrag prefix on a STUN Binding Request, the
// only frame type a browser would send first.
func (e *Engine) Accepts(packet []byte) bool {
	if len(packet) == 0 {
		return false
	}
	if !isStunPacket(packet) {
		return false
	}
	return stunUsernameHasLocalUfrag(packet, e.localUfrag)
}

// HandleInput feeds one received datagram (or a fired timeout) into the
// engine and appends whatever outputs it produces to the internal queue for
// PollOutput to drain. Per the must-drain-before-spawn rule in spec §4.5,
// callers must fully drain PollOutput after every HandleInput call.
func (e *Engine) HandleInput(in Input) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if in.IsTimeout || len(in.Data) == 0 {
		return nil
	}

	first := in.Data[0]
	switch {
	case first <= 0x03:
		return e.handleStun(in)
	case first >= 0x14 && first <= 0x17:
		return e.handleDtlsRecord(in)
	default:
		// Not a frame this engine expects inbound (media is server→client
		// only); ignore rather than fail the whole session.
		e.logger.Debug().Uint8("first_byte", first).Msg("engine: ignoring unexpected inbound frame")
		return nil
	}
}

func (e *Engine) handleStun(in Input) error {
	resp, err := e.ice.handleBindingRequest(in.Data, in.Source)
	if err != nil {
		e.logger.Debug().Err(err).Msg("engine: failed to handle STUN binding request")
		return nil
	}
	e.queueTransmit(resp)

	if !e.connected {
		e.connected = true
		e.queueEvent(Event{Kind: EventConnected})
		e.queueEvent(Event{Kind: EventIceConnectionStateChange, IceState: IceConnected})
	}
	return nil
}

func (e *Engine) handleDtlsRecord(in Input) error {
	if e.dtls == nil {
		return NewConnectionFailed("dtls record received before offer accepted", nil)
	}
	if err := e.dtls.FeedInbound(in.Data); err != nil {
		return NewConnectionFailed("failed to feed DTLS record", err)
	}

	for {
		out, ok := e.dtls.DrainOutbound()
		if !ok {
			break
		}
		e.queueTransmit(out)
	}

	established, keyingMaterial, handshakeErr := e.dtls.Established()
	if handshakeErr != nil {
		return NewConnectionFailed("dtls handshake failed", handshakeErr)
	}
	if established && e.srtpSess == nil {
		sess, err := newSRTPSession(keyingMaterial, true)
		if err != nil {
			return err
		}
		e.srtpSess = sess

		if !e.mediaEmitted {
			e.mediaEmitted = true
			if e.nm.videoMid != "" {
				e.queueEvent(Event{Kind: EventMediaAdded, Media: MediaVideo, Mid: e.nm.videoMid})
			}
			if e.nm.audioMid != "" {
				e.queueEvent(Event{Kind: EventMediaAdded, Media: MediaAudio, Mid: e.nm.audioMid, PayloadType: e.nm.audioPayloadType})
			}
		}

		dc, err := newDataChannelSubstrate(e.dtls)
		if err != nil {
			e.logger.Warn().Err(err).Msg("engine: failed to start sctp/datachannel association")
		} else {
			e.dc = dc
			go e.pollDataChannelOpen()
		}
	}
	return nil
}

// pollDataChannelOpen watches for the SCTP/DCEP handshake (driven by its own
// goroutines inside pion/sctp and pion/datachannel) to complete, then
// surfaces EventChannelOpen the way the rest of Engine's events are
// surfaced — as a queued Output the driver picks up on its next drain.
// This is one of the places Engine's "no goroutines of its own" aspiration
// gives way to pion's blocking-I/O package shapes; see DESIGN.md.
func (e *Engine) pollDataChannelOpen() {
	for i := 0; i < 300; i++ {
		e.mu.Lock()
		id, open := e.dc.ID()
		already := e.dcOpenEmitted
		e.mu.Unlock()
		if open && !already {
			e.mu.Lock()
			e.dcOpenEmitted = true
			e.queueEvent(Event{Kind: EventChannelOpen, ChannelID: id})
			e.mu.Unlock()
			go e.readDataChannelLoop()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// readDataChannelLoop blocks on the DataChannel's underlying SCTP stream and
// surfaces each inbound message as a queued EventChannelData, the same way
// pollDataChannelOpen surfaces the DCEP handshake completing. Exits once the
// channel read errors (peer closed the stream or Engine.Close tore it down).
func (e *Engine) readDataChannelLoop() {
	buf := make([]byte, 64*1024)
	for {
		e.mu.Lock()
		dc := e.dc
		e.mu.Unlock()
		if dc == nil {
			return
		}
		n, isString, err := dc.Read(buf)
		if err != nil {
			e.mu.Lock()
			e.queueEvent(Event{Kind: EventChannelClose})
			e.mu.Unlock()
			return
		}
		data := append([]byte(nil), buf[:n]...)
		e.mu.Lock()
		e.queueEvent(Event{Kind: EventChannelData, ChannelData: data, ChannelIsBinary: !isString})
		e.mu.Unlock()
	}
}

// PollOutput pops the next queued Output, or returns ok=false when the queue
// is empty.
func (e *Engine) PollOutput() (Output, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.outputQueue) == 0 {
		return Output{}, false
	}
	out := e.outputQueue[0]
	e.outputQueue = e.outputQueue[1:]
	return out, true
}

func (e *Engine) queueTransmit(b []byte) {
	e.outputQueue = append(e.outputQueue, Output{Kind: OutputTransmit, Transmit: b})
}

func (e *Engine) queueEvent(ev Event) {
	e.outputQueue = append(e.outputQueue, Output{Kind: OutputEvent, Event: ev})
}

// RelayVideo re-signs a producer-supplied RTP packet with this session's own
// monotonically increasing sequence number and SRTP-protects it, per spec
// §4.4's media relay rule: the producer's sequence is read only to be
// discarded.
func (e *Engine) RelayVideo(raw []byte, ssrc uint32) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.srtpSess == nil {
		return nil, NewConnectionFailed("video relay requested before SRTP established", nil)
	}
	pt, marker, timestamp, payload, err := parseIncomingRTP(raw)
	if err != nil {
		return nil, err
	}
	seq := uint16(e.videoSeq & 0xFFFF)
	protected, err := e.srtpSess.protectRTP(pt, marker, seq, timestamp, ssrc, payload)
	if err != nil {
		return nil, err
	}
	e.videoSeq++
	return protected, nil
}

// RelayAudio wraps an Opus payload in an RTP header using the negotiated
// audio payload type, advances the session's audio timestamp by one Opus
// frame (960 samples @ 48kHz), and SRTP-protects it.
func (e *Engine) RelayAudio(opusPayload []byte, ssrc uint32) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.srtpSess == nil {
		return nil, NewConnectionFailed("audio relay requested before SRTP established", nil)
	}
	seq := uint16(e.audioSeq & 0xFFFF)
	protected, err := e.srtpSess.protectRTP(e.nm.audioPayloadType, true, seq, e.audioTimestamp, ssrc, opusPayload)
	if err != nil {
		return nil, err
	}
	e.audioSeq++
	e.audioTimestamp += OpusSamplesPerFrame
	return protected, nil
}

// SendDataChannelText writes a text message on the session's DataChannel,
// a no-op if it isn't open yet (spec §7: "missing DataChannel on send_text
// is a silent no-op").
func (e *Engine) SendDataChannelText(data []byte) error {
	e.mu.Lock()
	dc := e.dc
	e.mu.Unlock()
	if dc == nil {
		return nil
	}
	return dc.Send(data)
}

// LocalUfrag returns the session's locally generated ICE username fragment,
// used by the session manager to log which pending session a connection
// matched.
func (e *Engine) LocalUfrag() string { return e.localUfrag }

// VideoSequence and AudioSequence report the current (not-yet-assigned)
// sequence counters (strictly increasing, starting at 0).
func (e *Engine) VideoSequence() uint64 { e.mu.Lock(); defer e.mu.Unlock(); return e.videoSeq }
func (e *Engine) AudioSequence() uint64 { e.mu.Lock(); defer e.mu.Unlock(); return e.audioSeq }

// Close tears down the DataChannel/SCTP/DTLS substrates.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.dc != nil {
		e.dc.Close()
	}
	if e.dtls != nil {
		e.dtls.conn.Close()
	}
	return nil
}
