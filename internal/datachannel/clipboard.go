package datachannel

import (
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/sigurn/crc16"

	"github.com/selkies-project/rtcstream/internal/runtimesettings"
)

// MaxClipboardBytes bounds a single or multipart clipboard payload (spec
// §4.8, §5).
const MaxClipboardBytes = 16 * 1024 * 1024

// ClipboardSink receives a completed clipboard write; the system clipboard
// integration is an external collaborator.
type ClipboardSink interface {
	WriteClipboard(mimeType string, data []byte) bool
}

// ClipboardReceiver implements the multipart finite state machine from spec
// §4.8: Idle -> ReceivingText -> Idle, and Idle -> ReceivingBinary -> Idle.
// Not safe for concurrent use; one instance per session.
type ClipboardReceiver struct {
	sink     ClipboardSink
	settings *runtimesettings.Settings
	logger   zerolog.Logger

	buffer     []byte
	totalSize  int
	mimeType   string
	inProgress bool
	isBinary   bool

	lastWrittenHash uint16
	lastWrittenLen  int
	lastWrittenSet  bool
}

// NewClipboardReceiver constructs an idle ClipboardReceiver.
func NewClipboardReceiver(sink ClipboardSink, settings *runtimesettings.Settings, logger zerolog.Logger) *ClipboardReceiver {
	return &ClipboardReceiver{sink: sink, settings: settings, logger: logger, mimeType: "text/plain"}
}

// HandleMessage dispatches one of the clipboard prefixes from spec §4.7 item
// 3. Returns false if text did not match any clipboard prefix, in which case
// the router should try the next handler.
func (c *ClipboardReceiver) HandleMessage(text string) bool {
	switch {
	case strings.HasPrefix(text, "cw,"):
		c.handleSingleText(strings.TrimPrefix(text, "cw,"))
		return true
	case strings.HasPrefix(text, "c,"):
		c.handleSingleText(strings.TrimPrefix(text, "c,"))
		return true
	case strings.HasPrefix(text, "cb,"):
		c.handleSingleBinary(strings.TrimPrefix(text, "cb,"))
		return true
	case strings.HasPrefix(text, "cws,"):
		c.startMultipart("text/plain", strings.TrimPrefix(text, "cws,"), false)
		return true
	case strings.HasPrefix(text, "cbs,"):
		c.startMultipartBinary(strings.TrimPrefix(text, "cbs,"))
		return true
	case strings.HasPrefix(text, "cwd,"):
		c.handleChunk(strings.TrimPrefix(text, "cwd,"))
		return true
	case strings.HasPrefix(text, "cbd,"):
		c.handleChunk(strings.TrimPrefix(text, "cbd,"))
		return true
	case text == "cwe" || text == "cbe":
		c.finishMultipart()
		return true
	default:
		return false
	}
}

func (c *ClipboardReceiver) handleSingleText(b64 string) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		c.logger.Warn().Err(err).Msg("clipboard: failed to decode text payload")
		return
	}
	if len(data) > MaxClipboardBytes {
		c.logger.Warn().Int("bytes", len(data)).Msg("clipboard: payload exceeds limit")
		return
	}
	c.write("text/plain", data)
}

func (c *ClipboardReceiver) handleSingleBinary(payload string) {
	if !c.settings.BinaryClipboardEnabled() {
		c.logger.Warn().Msg("clipboard: binary clipboard disabled, ignoring payload")
		return
	}
	mime, b64, ok := strings.Cut(payload, ",")
	if !ok {
		mime, b64 = "application/octet-stream", payload
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		c.logger.Warn().Err(err).Msg("clipboard: failed to decode binary payload")
		return
	}
	if len(data) > MaxClipboardBytes {
		c.logger.Warn().Int("bytes", len(data)).Msg("clipboard: payload exceeds limit")
		return
	}
	c.write(mime, data)
}

func (c *ClipboardReceiver) startMultipart(mime, totalStr string, isBinary bool) {
	total, err := strconv.Atoi(strings.TrimSpace(totalStr))
	if err != nil || total <= 0 || total > MaxClipboardBytes {
		c.logger.Warn().Str("total", totalStr).Msg("clipboard: invalid or oversized multipart size")
		return
	}
	c.buffer = make([]byte, 0, total)
	c.totalSize = total
	c.mimeType = mime
	c.inProgress = true
	c.isBinary = isBinary
}

func (c *ClipboardReceiver) startMultipartBinary(payload string) {
	if !c.settings.BinaryClipboardEnabled() {
		c.logger.Warn().Msg("clipboard: binary clipboard disabled, ignoring multipart start")
		return
	}
	mime, totalStr, ok := strings.Cut(payload, ",")
	if !ok {
		mime, totalStr = "application/octet-stream", "0"
	}
	c.startMultipart(mime, totalStr, true)
}

func (c *ClipboardReceiver) handleChunk(b64 string) {
	if !c.inProgress {
		c.logger.Warn().Msg("clipboard: chunk received without active multipart transfer")
		return
	}
	chunk, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		c.logger.Warn().Err(err).Msg("clipboard: failed to decode chunk")
		c.reset()
		return
	}
	if len(c.buffer)+len(chunk) > c.totalSize {
		c.logger.Warn().Msg("clipboard: chunk exceeds declared size, aborting transfer")
		c.reset()
		return
	}
	c.buffer = append(c.buffer, chunk...)
}

func (c *ClipboardReceiver) finishMultipart() {
	if !c.inProgress {
		return
	}
	buf := c.buffer
	if len(buf) != c.totalSize {
		c.logger.Warn().Int("expected", c.totalSize).Int("got", len(buf)).Msg("clipboard: multipart size mismatch")
		c.reset()
		return
	}
	mime := c.mimeType
	if !c.isBinary {
		mime = "text/plain"
	}
	c.write(mime, buf)
	c.reset()
}

func (c *ClipboardReceiver) reset() {
	c.buffer = nil
	c.totalSize = 0
	c.mimeType = "text/plain"
	c.inProgress = false
	c.isBinary = false
}

func (c *ClipboardReceiver) write(mime string, data []byte) {
	if c.sink == nil {
		return
	}
	if c.sink.WriteClipboard(mime, data) {
		c.markWritten(data)
	}
}

// markWritten fingerprints a write the server itself just performed, so a
// subsequent WasJustWritten check can suppress echoing it straight back to
// the client that caused it (spec §4.8 expansion; CRC16 replaces the
// original's xxh64 for the identical purpose).
func (c *ClipboardReceiver) markWritten(data []byte) {
	c.lastWrittenHash = crc16.Checksum(data, crc16.MakeTable(crc16.CRC16_CCITT_FALSE))
	c.lastWrittenLen = len(data)
	c.lastWrittenSet = true
}

// WasJustWritten reports whether data matches the most recent server-side
// clipboard write, by length and CRC16 fingerprint.
func (c *ClipboardReceiver) WasJustWritten(data []byte) bool {
	return c.lastWrittenSet && len(data) == c.lastWrittenLen &&
		crc16.Checksum(data, crc16.MakeTable(crc16.CRC16_CCITT_FALSE)) == c.lastWrittenHash
}
