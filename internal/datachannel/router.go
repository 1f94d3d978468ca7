package datachannel

import (
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/selkies-project/rtcstream/internal/runtimesettings"
)

// MaxFrameRate bounds DataChannel text frames admitted per session per
// second (spec §4.7 expansion): protects the input queue and clipboard/
// upload handlers from a misbehaving or compromised peer without rejecting
// the connection.
const MaxFrameRate = 200

// StatsSink receives client-reported measurement echoes (spec §4.7 item 8).
type StatsSink interface {
	UpdateClientFPS(fps uint32)
	UpdateClientLatency(ms uint64)
	UpdateWebRTCStats(kind, payload string)
}

// ResizeSink receives display resize requests. The router forwards any
// request from 1x1 up to 7680x4320; it does not compare a request with the
// current display mode, so requests smaller than that mode are forwarded too.
type ResizeSink interface {
	ResizeDisplay(width, height uint32)
}

// CommandSink executes a `cmd,` shell command when enabled (spec §4.7 item
// 4); disabled by default, as running arbitrary shell commands from an
// untrusted DataChannel peer is a deliberate opt-in.
type CommandSink interface {
	Exec(command string) error
}

const (
	maxResizeWidth  = 7680
	maxResizeHeight = 4320
)

// Router implements the DataChannel command dispatch priority order from
// spec §4.7. One Router per session; not safe for concurrent use.
type Router struct {
	Clipboard *ClipboardReceiver
	Upload    *UploadHandler

	settings         *runtimesettings.Settings
	sink             InputSink
	stats            StatsSink
	resize           ResizeSink
	command          CommandSink
	shellExecEnabled bool
	limiter          *rate.Limiter
	logger           zerolog.Logger
}

// NewRouter constructs a Router. stats, resize, and command may be nil if
// the deployment has no corresponding external collaborator wired up.
func NewRouter(
	clipboard *ClipboardReceiver,
	upload *UploadHandler,
	settings *runtimesettings.Settings,
	sink InputSink,
	stats StatsSink,
	resize ResizeSink,
	command CommandSink,
	shellExecEnabled bool,
	logger zerolog.Logger,
) *Router {
	return &Router{
		Clipboard:        clipboard,
		Upload:           upload,
		settings:         settings,
		sink:             sink,
		stats:            stats,
		resize:           resize,
		command:          command,
		shellExecEnabled: shellExecEnabled,
		limiter:          rate.NewLimiter(rate.Limit(MaxFrameRate), MaxFrameRate),
		logger:           logger,
	}
}

// RouteBinary dispatches a binary DataChannel frame: always the file-upload
// handler (spec §4.7 item 1). Binary frames are not rate-limited the same
// way text commands are — upload throughput is bounded by SCTP flow control
// instead.
func (r *Router) RouteBinary(data []byte) {
	r.Upload.HandleBinary(data)
}

// RouteText dispatches one DataChannel text frame through the full priority
// chain (spec §4.7 items 2-11). Frames beyond the per-session rate limit are
// dropped with a debug log (spec §4.7 expansion).
func (r *Router) RouteText(text string) {
	if !r.limiter.Allow() {
		r.logger.Debug().Msg("datachannel: dropping frame, rate limit exceeded")
		return
	}

	if r.Upload.HandleControlMessage(text) {
		return
	}
	if r.Clipboard.HandleMessage(text) {
		return
	}
	if strings.HasPrefix(text, "cmd,") {
		r.handleCommand(strings.TrimPrefix(text, "cmd,"))
		return
	}
	if strings.HasPrefix(text, "SETTINGS,") {
		if err := r.settings.ApplySettingsJSON([]byte(strings.TrimPrefix(text, "SETTINGS,"))); err != nil {
			r.logger.Debug().Err(err).Msg("datachannel: invalid SETTINGS payload")
		}
		return
	}
	if r.settings.HandleSimpleMessage(text) {
		return
	}
	if text == "kr" {
		r.sink.Push(InputEventData{Kind: KeyboardReset})
		return
	}
	if strings.HasPrefix(text, "s,") || strings.HasPrefix(text, "SET_NATIVE_CURSOR_RENDERING,") {
		// Known no-op prefixes for this core (spec §4.7): silently ignored.
		return
	}
	if strings.HasPrefix(text, "r,") {
		r.handleResize(strings.TrimPrefix(text, "r,"))
		return
	}
	if strings.HasPrefix(text, "_arg_fps,") {
		if fps, err := strconv.ParseUint(strings.TrimPrefix(text, "_arg_fps,"), 10, 32); err == nil {
			r.settings.SetTargetFPS(uint32(fps))
		}
		return
	}
	if strings.HasPrefix(text, "_f,") {
		if fps, err := strconv.ParseUint(strings.TrimPrefix(text, "_f,"), 10, 32); err == nil && r.stats != nil {
			r.stats.UpdateClientFPS(uint32(fps))
		}
		return
	}
	if strings.HasPrefix(text, "_l,") {
		if ms, err := strconv.ParseUint(strings.TrimPrefix(text, "_l,"), 10, 64); err == nil && r.stats != nil {
			r.stats.UpdateClientLatency(ms)
		}
		return
	}
	if strings.HasPrefix(text, "_stats_video,") {
		if r.stats != nil {
			r.stats.UpdateWebRTCStats("video", strings.TrimPrefix(text, "_stats_video,"))
		}
		return
	}
	if strings.HasPrefix(text, "_stats_audio,") {
		if r.stats != nil {
			r.stats.UpdateWebRTCStats("audio", strings.TrimPrefix(text, "_stats_audio,"))
		}
		return
	}
	if strings.HasPrefix(text, "focus,") {
		if id, err := strconv.ParseUint(strings.TrimPrefix(text, "focus,"), 10, 32); err == nil {
			r.sink.Push(InputEventData{Kind: WindowFocus, WindowID: uint32(id)})
		}
		return
	}
	if strings.HasPrefix(text, "close,") {
		if id, err := strconv.ParseUint(strings.TrimPrefix(text, "close,"), 10, 32); err == nil {
			r.sink.Push(InputEventData{Kind: WindowClose, WindowID: uint32(id)})
		}
		return
	}

	ev, err := ParseInputText(text)
	if err != nil {
		r.logger.Debug().Err(err).Msg("datachannel: unrecognized frame")
		return
	}
	r.sink.Push(ev)
}

func (r *Router) handleResize(payload string) {
	w, h, ok := strings.Cut(payload, "x")
	if !ok {
		return
	}
	width, err1 := strconv.ParseUint(w, 10, 32)
	height, err2 := strconv.ParseUint(h, 10, 32)
	if err1 != nil || err2 != nil {
		return
	}
	if width == 0 || height == 0 || width > maxResizeWidth || height > maxResizeHeight {
		return
	}
	if r.resize != nil {
		r.resize.ResizeDisplay(uint32(width), uint32(height))
	}
}

func (r *Router) handleCommand(cmd string) {
	if !r.shellExecEnabled || r.command == nil {
		r.logger.Warn().Msg("datachannel: cmd, received but shell exec is disabled")
		return
	}
	if err := r.command.Exec(cmd); err != nil {
		r.logger.Warn().Err(err).Str("cmd", cmd).Msg("datachannel: command execution failed")
	}
}
