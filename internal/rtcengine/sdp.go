package rtcengine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/randutil"
	"github.com/pion/sdp/v3"
)

// negotiatedMedia captures what offer/answer negotiation fixed for one
// session: the media-line ids and the dynamically negotiated Opus payload
// type (video's payload type is simply the first format listed on the video
// m-line; no codec lookup is done for it).
type negotiatedMedia struct {
	videoMid        string
	audioMid        string
	audioPayloadType uint8
	videoPayloadType uint8
}

// buildAnswer parses offerSDP, answers each offered m-line (it does not check
// which media kinds are present, but rejects an audio m-line without Opus),
// and returns an SDP answer advertising candidateLine as the sole
// ICE candidate plus the TCP-passive, ICE-lite session attributes. It also
// returns the negotiated media-line bookkeeping the driver needs for
// MediaAdded events.
func buildAnswer(offerSDP string, candidateLine string, ufrag, pwd string, dtlsFingerprint string) (string, *negotiatedMedia, error) {
	offer := &sdp.SessionDescription{}
	if err := offer.Unmarshal([]byte(offerSDP)); err != nil {
		return "", nil, NewSdpError("failed to parse SDP offer", err)
	}

	nm := &negotiatedMedia{}

	answer := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      randutil.NewMathRandomGenerator().Uint64(),
			SessionVersion: 2,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "0.0.0.0",
		},
		SessionName: "-",
		TimeDescriptions: []sdp.TimeDescription{{}},
		Attributes: []sdp.Attribute{
			{Key: "group", Value: "BUNDLE " + bundleMids(offer)},
			{Key: "ice-lite"},
		},
	}

	for _, media := range offer.MediaDescriptions {
		mid, ok := media.Attribute("mid")
		if !ok {
			return "", nil, NewSdpError("offer media section missing mid", nil)
		}

		answerMedia := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   media.MediaName.Media,
				Port:    sdp.RangedPort{Value: 9},
				Protos:  []string{"UDP", "TLS", "RTP", "SAVPF"},
				Formats: media.MediaName.Formats,
			},
			ConnectionInformation: &sdp.ConnectionInformation{
				NetworkType: "IN",
				AddressType: "IP4",
				Address:     &sdp.Address{Address: "0.0.0.0"},
			},
		}
		answerMedia.WithPropertyAttribute("mid", mid)
		answerMedia.WithPropertyAttribute("setup", "passive")
		answerMedia.WithPropertyAttribute("ice-ufrag", ufrag)
		answerMedia.WithPropertyAttribute("ice-pwd", pwd)
		answerMedia.WithPropertyAttribute("fingerprint", "sha-256 "+dtlsFingerprint)
		answerMedia.WithPropertyAttribute("rtcp-mux")
		answerMedia.WithPropertyAttribute("candidate", candidateLine)
		answerMedia.WithPropertyAttribute("end-of-candidates")

		switch media.MediaName.Media {
		case "video":
			answerMedia.WithPropertyAttribute("sendonly")
			nm.videoMid = mid
			nm.videoPayloadType = firstPayloadType(media)
		case "audio":
			answerMedia.WithPropertyAttribute("sendrecv")
			nm.audioMid = mid
			pt, ok := findOpusPayloadType(media)
			if !ok {
				return "", nil, NewSdpError("offer audio section has no Opus codec", nil)
			}
			nm.audioPayloadType = pt
		case "application":
			answerMedia.WithPropertyAttribute("sctp-port", "5000")
			for _, attr := range media.Attributes {
				if attr.Key == "sctp-port" {
					answerMedia.Attributes[len(answerMedia.Attributes)-1] = attr
				}
			}
		}

		answer.MediaDescriptions = append(answer.MediaDescriptions, answerMedia)
	}

	out, err := answer.Marshal()
	if err != nil {
		return "", nil, NewSdpError("failed to marshal SDP answer", err)
	}
	return string(out), nm, nil
}

func bundleMids(offer *sdp.SessionDescription) string {
	var mids []string
	for _, m := range offer.MediaDescriptions {
		if mid, ok := m.Attribute("mid"); ok {
			mids = append(mids, mid)
		}
	}
	return strings.Join(mids, " ")
}

func firstPayloadType(media *sdp.MediaDescription) uint8 {
	if len(media.MediaName.Formats) == 0 {
		return 0
	}
	pt, err := strconv.Atoi(media.MediaName.Formats[0])
	if err != nil {
		return 0
	}
	return uint8(pt)
}

// findOpusPayloadType scans an audio m-line's rtpmap attributes for the
// dynamic payload type bound to the "opus" codec, per spec §3's RtpPacket /
// §4.4's MediaAdded(audio) requirement to "discover the negotiated Opus
// payload type from the codec table".
func findOpusPayloadType(media *sdp.MediaDescription) (uint8, bool) {
	for _, attr := range media.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		parts := strings.SplitN(attr.Value, " ", 2)
		if len(parts) != 2 {
			continue
		}
		if !strings.HasPrefix(strings.ToLower(parts[1]), "opus/") {
			continue
		}
		pt, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		return uint8(pt), true
	}
	return 0, false
}

func generateIceCredentials() (ufrag, pwd string, err error) {
	ufragBytes, err := randomAlphaNumeric(8)
	if err != nil {
		return "", "", fmt.Errorf("generating ice ufrag: %w", err)
	}
	pwdBytes, err := randomAlphaNumeric(24)
	if err != nil {
		return "", "", fmt.Errorf("generating ice pwd: %w", err)
	}
	return ufragBytes, pwdBytes, nil
}

const alphaNumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomAlphaNumeric(n int) (string, error) {
	gen := randutil.NewMathRandomGenerator()
	out := make([]byte, n)
	for i := range out {
		out[i] = alphaNumeric[gen.Uint64()%uint64(len(alphaNumeric))]
	}
	return string(out), nil
}
