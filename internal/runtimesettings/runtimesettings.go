// Package runtimesettings holds the hot-patchable knobs producers read and
// DataChannel/signaling traffic mutates (spec §3's RuntimeSettings entity).
// Every field is a lock-free atomic; there is exactly one instance per
// process, shared across every session.
package runtimesettings

import (
	"encoding/json"
	"sync/atomic"
)

const (
	defaultTargetFPS        = 30
	defaultMaxFPS           = 60
	defaultVideoBitrateKbps = 4000
	defaultAudioBitrateBps  = 64000
	defaultKeyframeInterval = 60
)

// Settings is the process-wide, atomically-mutated hot-patch surface.
type Settings struct {
	maxFPS uint32

	targetFPS        atomic.Uint32
	videoBitrateKbps atomic.Uint32
	audioBitrateBps  atomic.Uint32
	keyframeInterval atomic.Uint32
	binaryClipboard  atomic.Bool
	keyframeRequest  atomic.Bool
}

// New constructs Settings at their defaults.
func New() *Settings {
	s := &Settings{maxFPS: defaultMaxFPS}
	s.targetFPS.Store(defaultTargetFPS)
	s.videoBitrateKbps.Store(defaultVideoBitrateKbps)
	s.audioBitrateBps.Store(defaultAudioBitrateBps)
	s.keyframeInterval.Store(defaultKeyframeInterval)
	return s
}

func (s *Settings) TargetFPS() uint32        { return s.targetFPS.Load() }
func (s *Settings) VideoBitrateKbps() uint32 { return s.videoBitrateKbps.Load() }
func (s *Settings) AudioBitrateBps() uint32  { return s.audioBitrateBps.Load() }
func (s *Settings) KeyframeInterval() uint32 { return s.keyframeInterval.Load() }
func (s *Settings) BinaryClipboardEnabled() bool { return s.binaryClipboard.Load() }

// SetTargetFPS clamps fps to [1, maxFPS] before storing.
func (s *Settings) SetTargetFPS(fps uint32) {
	if fps < 1 {
		fps = 1
	}
	if fps > s.maxFPS {
		fps = s.maxFPS
	}
	s.targetFPS.Store(fps)
}

// SetVideoBitrateKbps clamps to a minimum of 1 kbps.
func (s *Settings) SetVideoBitrateKbps(kbps uint32) {
	s.videoBitrateKbps.Store(max1(kbps))
}

// SetAudioBitrateBps clamps to a minimum of 1 bps.
func (s *Settings) SetAudioBitrateBps(bps uint32) {
	s.audioBitrateBps.Store(max1(bps))
}

// SetKeyframeInterval clamps to a minimum of 1 frame.
func (s *Settings) SetKeyframeInterval(interval uint32) {
	s.keyframeInterval.Store(max1(interval))
}

func max1(v uint32) uint32 {
	if v < 1 {
		return 1
	}
	return v
}

// RequestKeyframe raises the pending-keyframe flag; producers poll
// TakeKeyframeRequest to consume it exactly once.
func (s *Settings) RequestKeyframe() {
	s.keyframeRequest.Store(true)
}

// TakeKeyframeRequest atomically reads and clears the pending-keyframe
// flag, so two concurrent readers never both observe true for the same
// request.
func (s *Settings) TakeKeyframeRequest() bool {
	return s.keyframeRequest.Swap(false)
}

// jsonPatch mirrors apply_settings_json's optional fields: every field is
// only applied when present in the incoming JSON object.
type jsonPatch struct {
	Framerate             *uint32 `json:"framerate"`
	EnableBinaryClipboard *bool   `json:"enable_binary_clipboard"`
	VideoBitrate          *uint32 `json:"video_bitrate"`
	AudioBitrate          *uint32 `json:"audio_bitrate"`
	KeyframeInterval      *uint32 `json:"keyframe_interval"`
}

// ApplySettingsJSON parses a `SETTINGS,<json>` DataChannel frame's JSON
// payload and applies whichever fields are present.
func (s *Settings) ApplySettingsJSON(payload []byte) error {
	var patch jsonPatch
	if err := json.Unmarshal(payload, &patch); err != nil {
		return err
	}
	if patch.Framerate != nil {
		s.SetTargetFPS(*patch.Framerate)
	}
	if patch.EnableBinaryClipboard != nil {
		s.binaryClipboard.Store(*patch.EnableBinaryClipboard)
	}
	if patch.VideoBitrate != nil {
		s.SetVideoBitrateKbps(*patch.VideoBitrate)
	}
	if patch.AudioBitrate != nil {
		s.SetAudioBitrateBps(*patch.AudioBitrate)
	}
	if patch.KeyframeInterval != nil {
		s.SetKeyframeInterval(*patch.KeyframeInterval)
	}
	return nil
}

// HandleSimpleMessage dispatches the four simple runtime control prefixes
// from spec §4.7 item 6: "keyframe"/"_k" (request IDR), "vb,<kbps>" (video
// bitrate), "ab,<bps>" (audio bitrate). It returns true if text matched one
// of these and was handled.
func (s *Settings) HandleSimpleMessage(text string) bool {
	switch {
	case text == "keyframe" || text == "_k":
		s.RequestKeyframe()
		return true
	case hasPrefixValue(text, "vb,"):
		if v, ok := parseUint32(text[len("vb,"):]); ok {
			s.SetVideoBitrateKbps(v)
		}
		return true
	case hasPrefixValue(text, "ab,"):
		if v, ok := parseUint32(text[len("ab,"):]); ok {
			s.SetAudioBitrateBps(v)
		}
		return true
	default:
		return false
	}
}

func hasPrefixValue(s, prefix string) bool {
	return len(s) > len(prefix) && s[:len(prefix)] == prefix
}

func parseUint32(s string) (uint32, bool) {
	var v uint64
	if s == "" {
		return 0, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + uint64(c-'0')
		if v > 1<<32-1 {
			return 0, false
		}
	}
	return uint32(v), true
}
