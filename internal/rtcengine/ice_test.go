package rtcengine

import (
	"testing"

	"github.com/pion/stun/v3"
)

func buildBindingRequest(t *testing.T, username string) []byte {
	t.Helper()
	m, err := stun.Build(stun.BindingRequest, stun.TransactionID,
		stun.NewUsername(username),
		stun.Fingerprint,
	)
	if err != nil {
		t.Fatalf("stun.Build: %v", err)
	}
	return m.Raw
}

func TestStunUsernameHasLocalUfragMatches(t *testing.T) {
	packet := buildBindingRequest(t, "serverufrag:clientufrag")
	if !stunUsernameHasLocalUfrag(packet, "serverufrag") {
		t.Fatal("expected prefix match")
	}
}

func TestStunUsernameHasLocalUfragRejectsOtherSession(t *testing.T) {
	packet := buildBindingRequest(t, "someoneelse:clientufrag")
	if stunUsernameHasLocalUfrag(packet, "serverufrag") {
		t.Fatal("expected no match for a different local ufrag")
	}
}

func TestStunUsernameHasLocalUfragRejectsGarbage(t *testing.T) {
	if stunUsernameHasLocalUfrag([]byte{0x00, 0x01, 0x02}, "serverufrag") {
		t.Fatal("expected false on undecodable packet")
	}
}

func TestIsStunPacketClassification(t *testing.T) {
	packet := buildBindingRequest(t, "a:b")
	if !isStunPacket(packet) {
		t.Fatal("expected STUN packet to be classified as STUN")
	}
	if isStunPacket([]byte{0x16, 0x03, 0x01}) {
		t.Fatal("expected a DTLS-looking record not to classify as STUN")
	}
}
