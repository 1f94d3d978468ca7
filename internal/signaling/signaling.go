// Package signaling parses and formats the two wire dialects the WebRTC
// signaling WebSocket accepts, normalizing both into one tagged-union
// Message type.
package signaling

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Type names one SignalingMessage variant. JSON dialect A tags messages with
// a lowercase "type" field carrying one of these values.
type Type string

const (
	TypeOffer            Type = "offer"
	TypeAnswer           Type = "answer"
	TypeIceCandidate     Type = "icecandidate"
	TypeIceComplete      Type = "icecomplete"
	TypeReady            Type = "ready"
	TypeError            Type = "error"
	TypePing             Type = "ping"
	TypePong             Type = "pong"
	TypeKeyframeRequest  Type = "keyframerequest"
	TypeBitrateRequest   Type = "bitraterequest"
	TypeStats            Type = "stats"
	TypeClose            Type = "close"
)

// Message is the normalized tagged union over every signaling variant named
// in spec §3/§6. Only the fields relevant to Type are populated.
type Message struct {
	Type Type `json:"type"`

	SDP           string  `json:"sdp,omitempty"`
	SessionID     string  `json:"session_id,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        string  `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	VideoCodec    string  `json:"video_codec,omitempty"`
	DataChannel   string  `json:"dataChannel,omitempty"`
	Code          string  `json:"code,omitempty"`
	Message       string  `json:"message,omitempty"`
	Timestamp     uint64  `json:"timestamp,omitempty"`
	BitrateKbps   uint32  `json:"bitrate_kbps,omitempty"`
	Reason        string  `json:"reason,omitempty"`

	RoundTripTimeMs *float64 `json:"roundTripTime,omitempty"`
	PacketsLost     *uint64  `json:"packetsLost,omitempty"`
	JitterMs        *float64 `json:"jitter,omitempty"`
}

// Dialect identifies which wire format a signaling connection has latched
// onto. A connection starts as DialectA and switches permanently to
// DialectB the first time it sends a Dialect-B-shaped frame or one of the
// HELLO/SESSION sentinels.
type Dialect int

const (
	DialectA Dialect = iota
	DialectB
)

// ErrorSdp reports a malformed or unrecognized signaling frame.
type ErrorSdp struct {
	Text string
}

func (e *ErrorSdp) Error() string {
	return fmt.Sprintf("signaling: %s", e.Text)
}

// ControlReply is returned by Parse when text was one of the GStreamer-style
// literal control sentinels (HELLO / SESSION ...) that receive a fixed
// textual reply instead of producing a Message.
type ControlReply string

// Parse decodes one WebSocket text frame. It returns exactly one of:
// a *Message, a ControlReply (caller must send it back verbatim and latch
// dialect to DialectB), or an error. detectedDialect reports the dialect
// this particular frame was recognized in, which callers use to update the
// connection's latched dialect before formatting any reply.
func Parse(text string) (msg *Message, reply ControlReply, detectedDialect Dialect, err error) {
	trimmed := strings.TrimSpace(text)

	if strings.HasPrefix(trimmed, "HELLO") {
		return nil, "HELLO", DialectB, nil
	}
	if strings.HasPrefix(trimmed, "SESSION") {
		return nil, "SESSION_OK", DialectB, nil
	}

	if strings.HasPrefix(trimmed, "{") {
		if m := tryParseDialectB(trimmed); m != nil {
			return m, "", DialectB, nil
		}
		m, perr := parseDialectA(trimmed)
		if perr != nil {
			return nil, "", DialectA, perr
		}
		return m, "", DialectA, nil
	}

	return nil, "", DialectA, &ErrorSdp{Text: fmt.Sprintf("unknown message format: %.50s", trimmed)}
}

func parseDialectA(text string) (*Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		return nil, &ErrorSdp{Text: fmt.Sprintf("invalid signaling message: %v", err)}
	}
	return &m, nil
}

// tryParseDialectB recognizes the alternate {"sdp":{...}} / {"ice":{...}}
// shape used by some client libraries. It returns nil (not an error) when
// the JSON is well-formed but doesn't match either shape, so the caller
// falls through to dialect A parsing.
func tryParseDialectB(text string) *Message {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &generic); err != nil {
		return nil
	}

	if raw, ok := generic["sdp"]; ok {
		var sdp struct {
			Type string `json:"type"`
			SDP  string `json:"sdp"`
		}
		if err := json.Unmarshal(raw, &sdp); err != nil {
			return nil
		}
		switch sdp.Type {
		case "offer":
			return &Message{Type: TypeOffer, SDP: sdp.SDP}
		case "answer":
			return &Message{Type: TypeAnswer, SDP: sdp.SDP}
		}
		return nil
	}

	if raw, ok := generic["ice"]; ok {
		var ice struct {
			Candidate     string  `json:"candidate"`
			SDPMid        *string `json:"sdpMid"`
			SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
		}
		if err := json.Unmarshal(raw, &ice); err != nil {
			return nil
		}
		m := &Message{Type: TypeIceCandidate, Candidate: ice.Candidate}
		if ice.SDPMid != nil {
			m.SDPMid = *ice.SDPMid
		}
		m.SDPMLineIndex = ice.SDPMLineIndex
		return m
	}

	return nil
}

// Format serializes m for the wire, rendering it in the requested dialect.
// Dialect B can only express a subset of variants (offer/answer/ice); for
// anything else it falls back to the dialect-A JSON representation, which
// is always a safe superset.
func Format(m *Message, dialect Dialect) (string, error) {
	if dialect == DialectB {
		switch m.Type {
		case TypeOffer:
			return fmt.Sprintf(`{"sdp":{"type":"offer","sdp":%s}}`, jsonString(m.SDP)), nil
		case TypeAnswer:
			return fmt.Sprintf(`{"sdp":{"type":"answer","sdp":%s}}`, jsonString(m.SDP)), nil
		case TypeIceCandidate:
			return fmt.Sprintf(`{"ice":{"candidate":%s,"sdpMid":%s,"sdpMLineIndex":%d}}`,
				jsonString(m.Candidate), jsonString(m.SDPMid), sdpMLineIndexOrZero(m.SDPMLineIndex)), nil
		}
	}

	b, err := json.Marshal(m)
	if err != nil {
		return "", &ErrorSdp{Text: fmt.Sprintf("failed to serialize message: %v", err)}
	}
	return string(b), nil
}

func sdpMLineIndexOrZero(p *uint16) uint16 {
	if p == nil {
		return 0
	}
	return *p
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// NewError builds an Error variant, the shape the router replies with when a
// request is malformed or cannot be honored.
func NewError(code, message, sessionID string) *Message {
	return &Message{Type: TypeError, Code: code, Message: message, SessionID: sessionID}
}

// NewAnswer builds an Answer variant.
func NewAnswer(sdp, sessionID string) *Message {
	return &Message{Type: TypeAnswer, SDP: sdp, SessionID: sessionID}
}

// NewReady builds a Ready variant.
func NewReady(sessionID, videoCodec, dataChannel string) *Message {
	return &Message{Type: TypeReady, SessionID: sessionID, VideoCodec: videoCodec, DataChannel: dataChannel}
}

// NewIceComplete builds an IceComplete variant.
func NewIceComplete(sessionID string) *Message {
	return &Message{Type: TypeIceComplete, SessionID: sessionID}
}

// NewPong builds a Pong variant echoing the ping's timestamp.
func NewPong(timestamp uint64) *Message {
	return &Message{Type: TypePong, Timestamp: timestamp}
}
