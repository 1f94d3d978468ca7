package rtcengine

import (
	"fmt"

	"github.com/pion/rtp"
	"github.com/pion/srtp/v3"
)

// srtpSession wraps the single outbound SRTP context (the session only
// ever sends media — browser→server media is out of scope) derived from
// DTLS-exported keying material.
type srtpSession struct {
	outCtx *srtp.Context
}

// srtpKeyLen and srtpSaltLen match the DTLS-SRTP protection profile this engine
// negotiates: AES-128 counter mode with 80-bit HMAC-SHA1 authentication,
// the mandatory-to-implement profile for WebRTC.
const (
	srtpKeyLen  = 16
	srtpSaltLen = 14
)

// newSRTPSession derives local/remote SRTP master key+salt from the 60
// bytes of exported DTLS keying material (RFC 5764 §4.2: client write key,
// server write key, client write salt, server write salt) and builds the
// outbound (server-role) protection context.
func newSRTPSession(keyingMaterial []byte, isServer bool) (*srtpSession, error) {
	if len(keyingMaterial) < 2*(srtpKeyLen+srtpSaltLen) {
		return nil, NewConnectionFailed("insufficient SRTP keying material", nil)
	}

	offset := 0
	clientKey := keyingMaterial[offset : offset+srtpKeyLen]
	offset += srtpKeyLen
	serverKey := keyingMaterial[offset : offset+srtpKeyLen]
	offset += srtpKeyLen
	clientSalt := keyingMaterial[offset : offset+srtpSaltLen]
	offset += srtpSaltLen
	serverSalt := keyingMaterial[offset : offset+srtpSaltLen]

	var writeKey, writeSalt []byte
	if isServer {
		writeKey, writeSalt = serverKey, serverSalt
	} else {
		writeKey, writeSalt = clientKey, clientSalt
	}

	ctx, err := srtp.CreateContext(writeKey, writeSalt, srtp.ProtectionProfileAes128CmHmacSha1_80)
	if err != nil {
		return nil, NewConnectionFailed("failed to create SRTP context", err)
	}
	return &srtpSession{outCtx: ctx}, nil
}

// protectRTP builds an RTP packet with the given payload type, marker,
// timestamp and sequence, then SRTP-protects it for transmission. ssrc
// identifies the sending source within the session (one fixed SSRC per
// media kind per session).
func (s *srtpSession) protectRTP(pt uint8, marker bool, seq uint16, timestamp uint32, ssrc uint32, payload []byte) ([]byte, error) {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    pt,
			Marker:         marker,
			SequenceNumber: seq,
			Timestamp:      timestamp,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal rtp packet: %w", err)
	}
	protected, err := s.outCtx.EncryptRTP(nil, raw, nil)
	if err != nil {
		return nil, fmt.Errorf("srtp protect: %w", err)
	}
	return protected, nil
}

// parseIncomingRTP extracts payload type, marker, timestamp and the raw
// payload (header stripped) from a producer-supplied RTP packet, per spec
// §4.4's media-relay requirement: the incoming sequence number is read only
// to be discarded, never forwarded.
func parseIncomingRTP(raw []byte) (pt uint8, marker bool, timestamp uint32, payload []byte, err error) {
	var pkt rtp.Packet
	if unmarshalErr := pkt.Unmarshal(raw); unmarshalErr != nil {
		return 0, false, 0, nil, fmt.Errorf("parse incoming rtp: %w", unmarshalErr)
	}
	return pkt.PayloadType, pkt.Marker, pkt.Timestamp, pkt.Payload, nil
}

// OpusSamplesPerFrame is 20ms at 48kHz, the fixed Opus framing this engine
// assumes for audio timestamp advancement (spec §4.4).
const OpusSamplesPerFrame = 960
