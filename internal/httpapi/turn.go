package httpapi

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"
)

// turnCredentialTTL is how long a minted TURN credential remains valid
// (spec §4.10: expiry = now + 24h).
const turnCredentialTTL = 24 * time.Hour

// iceServer mirrors the RTCIceServer shape a browser's RTCPeerConnection
// constructor expects.
type iceServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type turnResponse struct {
	IceServers []iceServer `json:"iceServers"`
}

// mintTurnCredential computes spec §4.10's short-lived REST credential:
// username is "<expiry-unix>:ivnc", password is
// base64(HMAC-SHA1(secret, username)). now and ttl are passed in rather
// than read from time.Now() so the derivation is independently testable.
//
// This is a four-line primitive with no ecosystem library specializing in
// it (no pack dependency mints ephemeral TURN REST credentials), so it's
// built directly on crypto/hmac + crypto/sha1 rather than a third-party
// substitute.
func mintTurnCredential(secret string, now time.Time, ttl time.Duration) (username, password string) {
	expiry := now.Add(ttl).Unix()
	username = fmt.Sprintf("%d:ivnc", expiry)

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	password = base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return username, password
}

// handleTurn implements /turn: it returns {iceServers:[...]} with a STUN
// entry (if configured) and a TURN entry carrying a freshly minted
// credential if a shared secret is configured; without a secret the TURN
// entry carries no username or credential.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var servers []iceServer

	if s.cfg.StunHost != "" && s.cfg.StunPort != 0 {
		servers = append(servers, iceServer{
			URLs: []string{fmt.Sprintf("stun:%s:%d", s.cfg.StunHost, s.cfg.StunPort)},
		})
	}

	if s.cfg.TurnHost != "" {
		scheme := "turn"
		if s.cfg.TurnTLS {
			scheme = "turns"
		}
		transport := s.cfg.TurnProtocol
		if transport == "" {
			transport = "udp"
		}
		url := fmt.Sprintf("%s:%s:%d?transport=%s", scheme, s.cfg.TurnHost, s.cfg.TurnPort, transport)

		entry := iceServer{URLs: []string{url}}
		if s.cfg.TurnSharedSecret != "" {
			entry.Username, entry.Credential = mintTurnCredential(s.cfg.TurnSharedSecret, time.Now(), turnCredentialTTL)
		}
		servers = append(servers, entry)
	}

	writeJSON(w, turnResponse{IceServers: servers})
}
