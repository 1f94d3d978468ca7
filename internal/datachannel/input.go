// Package datachannel implements the DataChannel command router (spec
// §4.7): priority-ordered dispatch of every text/binary frame arriving on a
// session's DataChannel to the input, clipboard, upload, and runtime-setting
// handlers.
package datachannel

import (
	"fmt"
	"strconv"
	"strings"
)

// EventKind enumerates the input directives a parsed DataChannel frame can
// produce (spec §3's InputEventData).
type EventKind int

const (
	MouseMove EventKind = iota
	MouseButton
	MouseWheel
	Keyboard
	KeyboardReset
	TextInput
	Clipboard
	Ping
	WindowFocus
	WindowClose
)

// InputEventData is the directive emitted onto the input queue the external
// X11 input injector drains (spec §3, §6).
type InputEventData struct {
	Kind EventKind

	MouseX, MouseY int32
	MouseButton    uint8
	ButtonPressed  bool
	WheelDeltaX    int16
	WheelDeltaY    int16
	Keysym         uint32
	KeyPressed     bool
	ButtonMask     uint32
	Text           string
	Timestamp      uint64
	WindowID       uint32
}

// InputSink receives parsed input events; the external input injector reads
// from its backing queue (spec §6).
type InputSink interface {
	Push(InputEventData)
}

// NoopInputSink discards every event. Used when a deployment has no X11
// input injector wired up, so Router never has to nil-check its sink.
type NoopInputSink struct{}

// Push implements InputSink.
func (NoopInputSink) Push(InputEventData) {}

// ParseInputText parses the comma-delimited input event wire format from
// spec §6's table: `m,x,y[,mask]`, `m2,dx,dy[,mask]`, `b,button,pressed`,
// `w,dx,dy`, `k,keysym,pressed` / `kd,keysym` / `ku,keysym`, `t,<text>`,
// `c,<base64>` (legacy clipboard), `p,<ts>`.
func ParseInputText(text string) (InputEventData, error) {
	parts := strings.Split(text, ",")
	if len(parts) == 0 || parts[0] == "" {
		return InputEventData{}, fmt.Errorf("datachannel: empty input message")
	}

	var ev InputEventData
	switch parts[0] {
	case "m":
		if len(parts) < 3 {
			return InputEventData{}, fmt.Errorf("datachannel: invalid mouse move format")
		}
		ev.Kind = MouseMove
		x, err := strconv.ParseInt(parts[1], 10, 32)
		if err != nil {
			return InputEventData{}, fmt.Errorf("datachannel: invalid mouse x: %w", err)
		}
		y, err := strconv.ParseInt(parts[2], 10, 32)
		if err != nil {
			return InputEventData{}, fmt.Errorf("datachannel: invalid mouse y: %w", err)
		}
		ev.MouseX, ev.MouseY = int32(x), int32(y)
		if len(parts) > 3 {
			if mask, err := strconv.ParseUint(parts[3], 10, 32); err == nil {
				ev.ButtonMask = uint32(mask)
			}
		}

	case "m2":
		if len(parts) < 3 {
			return InputEventData{}, fmt.Errorf("datachannel: invalid relative mouse move format")
		}
		ev.Kind = MouseMove
		dx, err := strconv.ParseInt(parts[1], 10, 32)
		if err != nil {
			return InputEventData{}, fmt.Errorf("datachannel: invalid mouse dx: %w", err)
		}
		dy, err := strconv.ParseInt(parts[2], 10, 32)
		if err != nil {
			return InputEventData{}, fmt.Errorf("datachannel: invalid mouse dy: %w", err)
		}
		ev.MouseX, ev.MouseY = int32(dx), int32(dy)
		ev.Text = "relative"
		if len(parts) > 3 {
			if mask, err := strconv.ParseUint(parts[3], 10, 32); err == nil {
				ev.ButtonMask = uint32(mask)
			}
		}

	case "b":
		if len(parts) < 3 {
			return InputEventData{}, fmt.Errorf("datachannel: invalid mouse button format")
		}
		ev.Kind = MouseButton
		btn, err := strconv.ParseUint(parts[1], 10, 8)
		if err != nil {
			return InputEventData{}, fmt.Errorf("datachannel: invalid button number: %w", err)
		}
		ev.MouseButton = uint8(btn)
		ev.ButtonPressed = parts[2] == "1"

	case "w":
		if len(parts) < 3 {
			return InputEventData{}, fmt.Errorf("datachannel: invalid mouse wheel format")
		}
		ev.Kind = MouseWheel
		dx, err := strconv.ParseInt(parts[1], 10, 16)
		if err != nil {
			return InputEventData{}, fmt.Errorf("datachannel: invalid wheel delta x: %w", err)
		}
		dy, err := strconv.ParseInt(parts[2], 10, 16)
		if err != nil {
			return InputEventData{}, fmt.Errorf("datachannel: invalid wheel delta y: %w", err)
		}
		ev.WheelDeltaX, ev.WheelDeltaY = int16(dx), int16(dy)

	case "k":
		if len(parts) < 3 {
			return InputEventData{}, fmt.Errorf("datachannel: invalid keyboard format")
		}
		ev.Kind = Keyboard
		keysym, err := parseKeysym(parts[1])
		if err != nil {
			return InputEventData{}, err
		}
		ev.Keysym = keysym
		ev.KeyPressed = parts[2] == "1"

	case "kd":
		if len(parts) < 2 {
			return InputEventData{}, fmt.Errorf("datachannel: invalid kd format")
		}
		ev.Kind = Keyboard
		keysym, err := parseKeysym(parts[1])
		if err != nil {
			return InputEventData{}, err
		}
		ev.Keysym = keysym
		ev.KeyPressed = true

	case "ku":
		if len(parts) < 2 {
			return InputEventData{}, fmt.Errorf("datachannel: invalid ku format")
		}
		ev.Kind = Keyboard
		keysym, err := parseKeysym(parts[1])
		if err != nil {
			return InputEventData{}, err
		}
		ev.Keysym = keysym
		ev.KeyPressed = false

	case "t":
		if len(parts) < 2 {
			return InputEventData{}, fmt.Errorf("datachannel: invalid text input format")
		}
		ev.Kind = TextInput
		ev.Text = strings.Join(parts[1:], ",")

	case "c":
		if len(parts) < 2 {
			return InputEventData{}, fmt.Errorf("datachannel: invalid clipboard format")
		}
		ev.Kind = Clipboard
		ev.Text = strings.Join(parts[1:], ",")

	case "p":
		ev.Kind = Ping
		if len(parts) > 1 {
			if ts, err := strconv.ParseUint(parts[1], 10, 64); err == nil {
				ev.Timestamp = ts
			}
		}

	default:
		return InputEventData{}, fmt.Errorf("datachannel: unknown input type %q", parts[0])
	}

	return ev, nil
}

// parseKeysym accepts either a decimal or "0x"-prefixed hexadecimal keysym.
func parseKeysym(s string) (uint32, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseUint(s[2:], 16, 32)
		if err != nil {
			return 0, fmt.Errorf("datachannel: invalid hex keysym %q: %w", s, err)
		}
		return uint32(v), nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("datachannel: invalid keysym %q: %w", s, err)
	}
	return uint32(v), nil
}
