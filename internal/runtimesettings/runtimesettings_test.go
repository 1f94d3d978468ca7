package runtimesettings

import "testing"

func TestDefaults(t *testing.T) {
	s := New()
	if s.TargetFPS() != defaultTargetFPS {
		t.Errorf("TargetFPS = %d", s.TargetFPS())
	}
	if s.VideoBitrateKbps() != defaultVideoBitrateKbps {
		t.Errorf("VideoBitrateKbps = %d", s.VideoBitrateKbps())
	}
	if s.BinaryClipboardEnabled() {
		t.Error("expected binary clipboard disabled by default")
	}
}

func TestSetTargetFPSClampsToMax(t *testing.T) {
	s := New()
	s.SetTargetFPS(9999)
	if s.TargetFPS() != defaultMaxFPS {
		t.Errorf("TargetFPS = %d, want %d", s.TargetFPS(), defaultMaxFPS)
	}
}

func TestSetTargetFPSClampsToMin(t *testing.T) {
	s := New()
	s.SetTargetFPS(0)
	if s.TargetFPS() != 1 {
		t.Errorf("TargetFPS = %d, want 1", s.TargetFPS())
	}
}

func TestKeyframeRequestConsumedOnce(t *testing.T) {
	s := New()
	if s.TakeKeyframeRequest() {
		t.Fatal("expected no pending request before RequestKeyframe")
	}
	s.RequestKeyframe()
	if !s.TakeKeyframeRequest() {
		t.Fatal("expected pending request")
	}
	if s.TakeKeyframeRequest() {
		t.Fatal("expected request to be consumed exactly once")
	}
}

func TestApplySettingsJSONPartialPatch(t *testing.T) {
	s := New()
	s.SetVideoBitrateKbps(1234)

	if err := s.ApplySettingsJSON([]byte(`{"framerate":24}`)); err != nil {
		t.Fatalf("ApplySettingsJSON: %v", err)
	}
	if s.TargetFPS() != 24 {
		t.Errorf("TargetFPS = %d, want 24", s.TargetFPS())
	}
	// Untouched fields must survive the partial patch.
	if s.VideoBitrateKbps() != 1234 {
		t.Errorf("VideoBitrateKbps = %d, want 1234 (unchanged)", s.VideoBitrateKbps())
	}
}

func TestHandleSimpleMessageKeyframe(t *testing.T) {
	s := New()
	if !s.HandleSimpleMessage("keyframe") {
		t.Fatal("expected \"keyframe\" to be handled")
	}
	if !s.TakeKeyframeRequest() {
		t.Fatal("expected keyframe request to be raised")
	}
}

func TestHandleSimpleMessageBitrates(t *testing.T) {
	s := New()
	if !s.HandleSimpleMessage("vb,2500") {
		t.Fatal("expected vb, to be handled")
	}
	if s.VideoBitrateKbps() != 2500 {
		t.Errorf("VideoBitrateKbps = %d, want 2500", s.VideoBitrateKbps())
	}
	if !s.HandleSimpleMessage("ab,32000") {
		t.Fatal("expected ab, to be handled")
	}
	if s.AudioBitrateBps() != 32000 {
		t.Errorf("AudioBitrateBps = %d, want 32000", s.AudioBitrateBps())
	}
}

func TestHandleSimpleMessageUnrecognized(t *testing.T) {
	s := New()
	if s.HandleSimpleMessage("not-a-known-message") {
		t.Fatal("expected unrecognized message to return false")
	}
}
