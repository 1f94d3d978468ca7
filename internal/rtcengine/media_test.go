package rtcengine

import (
	"testing"

	"github.com/pion/rtp"
)

func TestParseIncomingRTPDiscardsSequence(t *testing.T) {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			Marker:         true,
			SequenceNumber: 54321, // producer's own sequence — must be discarded by callers
			Timestamp:      9000,
			SSRC:           1,
		},
		Payload: []byte{0xde, 0xad, 0xbe, 0xef},
	}
	raw, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	pt, marker, timestamp, payload, err := parseIncomingRTP(raw)
	if err != nil {
		t.Fatalf("parseIncomingRTP: %v", err)
	}
	if pt != 96 {
		t.Errorf("pt = %d, want 96", pt)
	}
	if !marker {
		t.Error("marker = false, want true")
	}
	if timestamp != 9000 {
		t.Errorf("timestamp = %d, want 9000", timestamp)
	}
	if string(payload) != string([]byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Errorf("payload = %v", payload)
	}
}

func TestOpusSamplesPerFrameIs20msAt48kHz(t *testing.T) {
	if OpusSamplesPerFrame != 960 {
		t.Fatalf("OpusSamplesPerFrame = %d, want 960", OpusSamplesPerFrame)
	}
}
