package datachannel

import (
	"encoding/base64"
	"testing"

	"github.com/rs/zerolog"

	"github.com/selkies-project/rtcstream/internal/runtimesettings"
)

type fakeClipboardSink struct {
	mime string
	data []byte
	ok   bool
}

func (f *fakeClipboardSink) WriteClipboard(mime string, data []byte) bool {
	f.mime = mime
	f.data = append([]byte(nil), data...)
	return f.ok
}

func TestClipboardSingleTextWrite(t *testing.T) {
	sink := &fakeClipboardSink{ok: true}
	c := NewClipboardReceiver(sink, runtimesettings.New(), zerolog.Nop())

	payload := base64.StdEncoding.EncodeToString([]byte("hello"))
	if !c.HandleMessage("cw," + payload) {
		t.Fatal("expected cw, to be handled")
	}
	if string(sink.data) != "hello" {
		t.Fatalf("got %q", sink.data)
	}
	if !c.WasJustWritten([]byte("hello")) {
		t.Fatal("expected WasJustWritten to recognize the write")
	}
}

func TestClipboardMultipartRoundTrip(t *testing.T) {
	sink := &fakeClipboardSink{ok: true}
	c := NewClipboardReceiver(sink, runtimesettings.New(), zerolog.Nop())

	// Scenario D from spec §8: "Hello World" split across two chunks.
	first := base64.StdEncoding.EncodeToString([]byte("Hello "))
	second := base64.StdEncoding.EncodeToString([]byte("World"))

	if !c.HandleMessage("cws,11") {
		t.Fatal("expected cws, to be handled")
	}
	if !c.HandleMessage("cwd," + first) {
		t.Fatal("expected cwd, chunk 1 to be handled")
	}
	if !c.HandleMessage("cwd," + second) {
		t.Fatal("expected cwd, chunk 2 to be handled")
	}
	if !c.HandleMessage("cwe") {
		t.Fatal("expected cwe to be handled")
	}
	if string(sink.data) != "Hello World" {
		t.Fatalf("got %q", sink.data)
	}
}

func TestClipboardMultipartOverrunAborts(t *testing.T) {
	sink := &fakeClipboardSink{ok: true}
	c := NewClipboardReceiver(sink, runtimesettings.New(), zerolog.Nop())

	c.HandleMessage("cws,3")
	oversized := base64.StdEncoding.EncodeToString([]byte("toolong"))
	c.HandleMessage("cwd," + oversized)

	if c.inProgress {
		t.Fatal("expected transfer to abort back to idle on overrun")
	}
	c.HandleMessage("cwe")
	if sink.data != nil {
		t.Fatal("expected no write after an aborted transfer")
	}
}

func TestClipboardBinaryRequiresSettingEnabled(t *testing.T) {
	sink := &fakeClipboardSink{ok: true}
	settings := runtimesettings.New()
	c := NewClipboardReceiver(sink, settings, zerolog.Nop())

	payload := "image/png," + base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	c.HandleMessage("cb," + payload)
	if sink.data != nil {
		t.Fatal("expected binary clipboard write to be ignored while disabled")
	}

	settings.ApplySettingsJSON([]byte(`{"enable_binary_clipboard":true}`))
	c.HandleMessage("cb," + payload)
	if string(sink.data) != "\x01\x02\x03" {
		t.Fatalf("got %v", sink.data)
	}
}
