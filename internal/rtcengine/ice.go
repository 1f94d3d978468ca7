package rtcengine

import (
	"net"
	"strings"

	"github.com/pion/stun/v3"
)

// iceLiteResponder answers inbound STUN Binding Requests with a Binding
// Success Response carrying XOR-MAPPED-ADDRESS and MESSAGE-INTEGRITY. It is
// the genuinely Sans-I/O half of the engine: pure bytes in, pure bytes out,
// no goroutines or sockets of its own — the server never originates a
// Binding Request itself (ICE-lite performs no connectivity checks).
type iceLiteResponder struct {
	localPwd string
}

func newIceLiteResponder(localPwd string) *iceLiteResponder {
	return &iceLiteResponder{localPwd: localPwd}
}

// isStunPacket reports whether b looks like a STUN message (the demultiplexer
// already routed it here on that basis, but the engine re-validates before
// parsing).
func isStunPacket(b []byte) bool {
	return stun.IsMessage(b)
}

// handleBindingRequest parses a STUN Binding Request and, if valid, returns
// the encoded Binding Success Response to transmit back to source.
func (r *iceLiteResponder) handleBindingRequest(data []byte, source net.Addr) ([]byte, error) {
	m := &stun.Message{Raw: append([]byte{}, data...)}
	if err := m.Decode(); err != nil {
		return nil, NewConnectionFailed("failed to decode STUN message", err)
	}
	if m.Type != stun.BindingRequest {
		return nil, NewConnectionFailed("expected STUN binding request", nil)
	}
	if err := stun.NewShortTermIntegrity(r.localPwd).Check(m); err != nil {
		return nil, NewConnectionFailed("STUN message integrity check failed", err)
	}

	udpAddr, ok := toUDPAddr(source)
	if !ok {
		return nil, NewConnectionFailed("unsupported source address type for STUN response", nil)
	}

	resp, err := stun.Build(m,
		stun.BindingSuccess,
		&stun.XORMappedAddress{IP: udpAddr.IP, Port: udpAddr.Port},
		stun.NewShortTermIntegrity(r.localPwd),
		stun.Fingerprint,
	)
	if err != nil {
		return nil, NewConnectionFailed("failed to build STUN response", err)
	}
	return resp.Raw, nil
}

// stunUsernameHasLocalUfrag reports whether a STUN message's USERNAME
// attribute is addressed to localUfrag — ICE's USERNAME convention is
// "<local-ufrag>:<remote-ufrag>", so a prefix match identifies which
// pending session a Binding Request belongs to.
func stunUsernameHasLocalUfrag(packet []byte, localUfrag string) bool {
	m := &stun.Message{Raw: append([]byte{}, packet...)}
	if err := m.Decode(); err != nil {
		return false
	}
	var username stun.Username
	if err := username.GetFrom(m); err != nil {
		return false
	}
	return strings.HasPrefix(string(username), localUfrag+":")
}

func toUDPAddr(a net.Addr) (*net.UDPAddr, bool) {
	switch v := a.(type) {
	case *net.UDPAddr:
		return v, true
	case *net.TCPAddr:
		return &net.UDPAddr{IP: v.IP, Port: v.Port}, true
	default:
		host, portStr, err := net.SplitHostPort(a.String())
		if err != nil {
			return nil, false
		}
		ip := net.ParseIP(host)
		if ip == nil {
			return nil, false
		}
		port := 0
		for _, c := range portStr {
			if c < '0' || c > '9' {
				return nil, false
			}
			port = port*10 + int(c-'0')
		}
		return &net.UDPAddr{IP: ip, Port: port}, true
	}
}
