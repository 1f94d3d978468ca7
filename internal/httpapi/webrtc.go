package httpapi

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/selkies-project/rtcstream/internal/runtimesettings"
	"github.com/selkies-project/rtcstream/internal/session"
	"github.com/selkies-project/rtcstream/internal/signaling"
)

// upgrader accepts any origin: the same-port demultiplexer is meant to sit
// behind a browser page served by this same process or a reverse proxy in
// front of it, not to be restricted to a fixed origin list.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleSignalingWS implements the /webrtc (and /webrtc/signaling alias)
// endpoint: one WebSocket connection drives spec §4.3's signaling parser
// and §4.5's create_session_with_offer, one connection per offer/answer
// exchange.
func (s *Server) handleSignalingWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("httpapi: websocket upgrade failed")
		return
	}
	defer conn.Close()

	c := &signalingConn{
		ws:      conn,
		dialect: signaling.DialectA,
		host:    r.Host,
		logger:  s.logger.With().Str("remote_addr", r.RemoteAddr).Logger(),
		manager: s.manager,
		settings: s.settings,
	}
	c.run()
}

type signalingConn struct {
	ws       *websocket.Conn
	dialect  signaling.Dialect
	host     string
	sessionID string

	logger   zerolog.Logger
	manager  *session.Manager
	settings *runtimesettings.Settings
}

func (c *signalingConn) run() {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		msg, reply, dialect, err := signaling.Parse(string(data))
		if dialect == signaling.DialectB {
			c.dialect = dialect
		}
		if err != nil {
			c.sendError("ParseError", err.Error())
			continue
		}
		if reply != "" {
			if werr := c.ws.WriteMessage(websocket.TextMessage, []byte(reply)); werr != nil {
				return
			}
			continue
		}

		if !c.dispatch(msg) {
			return
		}
	}
}

// dispatch handles one parsed signaling message. It returns false when the
// connection should close.
func (c *signalingConn) dispatch(msg *signaling.Message) bool {
	switch msg.Type {
	case signaling.TypeOffer:
		id, answer, err := c.manager.CreateSessionWithOffer(msg.SDP, c.host)
		if err != nil {
			c.sendError("ConnectionFailed", err.Error())
			return true
		}
		c.sessionID = id
		c.send(signaling.NewAnswer(answer, id))

	case signaling.TypeIceCandidate:
		// The core is ICE-lite with a single advertised TCP-passive
		// candidate (spec Non-goals: no trickle negotiation); the browser's
		// own candidates have nothing to match against and are ignored.

	case signaling.TypeIceComplete:
		c.send(signaling.NewIceComplete(c.sessionID))

	case signaling.TypeKeyframeRequest:
		c.settings.RequestKeyframe()

	case signaling.TypeBitrateRequest:
		c.settings.SetVideoBitrateKbps(msg.BitrateKbps)

	case signaling.TypePing:
		c.send(signaling.NewPong(msg.Timestamp))

	case signaling.TypeStats:
		c.logger.Debug().
			Str("session_id", msg.SessionID).
			Msg("httpapi: received client stats over signaling channel")

	case signaling.TypeClose:
		return false

	default:
		c.sendError("UnknownMessageType", string(msg.Type))
	}
	return true
}

func (c *signalingConn) send(msg *signaling.Message) {
	text, err := signaling.Format(msg, c.dialect)
	if err != nil {
		c.logger.Warn().Err(err).Msg("httpapi: failed to format outgoing signaling message")
		return
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		c.logger.Warn().Err(err).Msg("httpapi: failed to write signaling message")
	}
}

func (c *signalingConn) sendError(code, message string) {
	c.send(signaling.NewError(code, message, c.sessionID))
}
