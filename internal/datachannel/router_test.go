package datachannel

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/selkies-project/rtcstream/internal/runtimesettings"
)

type fakeSink struct {
	events []InputEventData
}

func (f *fakeSink) Push(ev InputEventData) { f.events = append(f.events, ev) }

type fakeResizeSink struct {
	w, h uint32
}

func (f *fakeResizeSink) ResizeDisplay(w, h uint32) { f.w, f.h = w, h }

func newTestRouter(t *testing.T) (*Router, *fakeSink, *fakeResizeSink) {
	t.Helper()
	dir := t.TempDir()
	sink := &fakeSink{}
	resize := &fakeResizeSink{}
	settings := runtimesettings.New()
	r := NewRouter(
		NewClipboardReceiver(&fakeClipboardSink{ok: true}, settings, zerolog.Nop()),
		NewUploadHandler(dir, true, zerolog.Nop()),
		settings,
		sink,
		nil,
		resize,
		nil,
		false,
		zerolog.Nop(),
	)
	return r, sink, resize
}

func TestRouterFallsThroughToMouseMove(t *testing.T) {
	r, sink, _ := newTestRouter(t)
	r.RouteText("m,123,456")
	if len(sink.events) != 1 {
		t.Fatalf("got %d events", len(sink.events))
	}
	ev := sink.events[0]
	if ev.Kind != MouseMove || ev.MouseX != 123 || ev.MouseY != 456 {
		t.Fatalf("got %+v", ev)
	}
}

func TestRouterKeyboardReset(t *testing.T) {
	r, sink, _ := newTestRouter(t)
	r.RouteText("kr")
	if len(sink.events) != 1 || sink.events[0].Kind != KeyboardReset {
		t.Fatalf("got %+v", sink.events)
	}
}

func TestRouterResizeEnforcesBounds(t *testing.T) {
	r, _, resize := newTestRouter(t)
	r.RouteText("r,1920x1080")
	if resize.w != 1920 || resize.h != 1080 {
		t.Fatalf("got %dx%d", resize.w, resize.h)
	}

	r.RouteText("r,99999x99999")
	if resize.w != 1920 || resize.h != 1080 {
		t.Fatal("expected out-of-bounds resize to be ignored")
	}
}

func TestRouterWindowFocusAndClose(t *testing.T) {
	r, sink, _ := newTestRouter(t)
	r.RouteText("focus,7")
	r.RouteText("close,9")
	if len(sink.events) != 2 {
		t.Fatalf("got %d events", len(sink.events))
	}
	if sink.events[0].Kind != WindowFocus || sink.events[0].WindowID != 7 {
		t.Fatalf("got %+v", sink.events[0])
	}
	if sink.events[1].Kind != WindowClose || sink.events[1].WindowID != 9 {
		t.Fatalf("got %+v", sink.events[1])
	}
}

func TestRouterKnownNoOpsAreSilent(t *testing.T) {
	r, sink, _ := newTestRouter(t)
	r.RouteText("s,something")
	r.RouteText("SET_NATIVE_CURSOR_RENDERING,1")
	if len(sink.events) != 0 {
		t.Fatalf("expected no events from no-op prefixes, got %+v", sink.events)
	}
}

func TestRouterSettingsFrame(t *testing.T) {
	r, _, _ := newTestRouter(t)
	r.RouteText(`SETTINGS,{"framerate":24}`)
	if r.settings.TargetFPS() != 24 {
		t.Fatalf("TargetFPS = %d, want 24", r.settings.TargetFPS())
	}
}

func TestRouterSimpleKeyframeRequest(t *testing.T) {
	r, _, _ := newTestRouter(t)
	r.RouteText("keyframe")
	if !r.settings.TakeKeyframeRequest() {
		t.Fatal("expected keyframe request to be raised")
	}
}

func TestRouterCommandDisabledByDefault(t *testing.T) {
	r, _, _ := newTestRouter(t)
	// Should not panic even with a nil CommandSink; just warns and drops.
	r.RouteText("cmd,rm -rf /")
}
