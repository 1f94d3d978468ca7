package datachannel

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// UploadHandler writes FILE_UPLOAD binary chunks to a sanitized path rooted
// at uploadRoot (spec §4.7 items 1-2, §5, invariant #12).
type UploadHandler struct {
	uploadRoot  string
	allowUpload bool
	logger      zerolog.Logger

	activePath     string
	activeFile     *os.File
	advertisedSize uint64
	writtenBytes   uint64
}

// NewUploadHandler constructs an UploadHandler rooted at uploadRoot. If
// allowUpload is false, every control/binary message is accepted (to avoid
// desynchronizing the client's state machine) but no file is ever created.
func NewUploadHandler(uploadRoot string, allowUpload bool, logger zerolog.Logger) *UploadHandler {
	return &UploadHandler{uploadRoot: uploadRoot, allowUpload: allowUpload, logger: logger}
}

// HandleControlMessage dispatches the three upload control prefixes (spec
// §4.7 item 2). Returns false if text matched none of them.
func (u *UploadHandler) HandleControlMessage(text string) bool {
	switch {
	case strings.HasPrefix(text, "FILE_UPLOAD_START:"):
		u.handleStart(strings.TrimPrefix(text, "FILE_UPLOAD_START:"))
		return true
	case strings.HasPrefix(text, "FILE_UPLOAD_END:"):
		u.handleEnd(strings.TrimPrefix(text, "FILE_UPLOAD_END:"))
		return true
	case strings.HasPrefix(text, "FILE_UPLOAD_ERROR:"):
		u.logger.Error().Str("detail", strings.TrimPrefix(text, "FILE_UPLOAD_ERROR:")).Msg("upload: client reported error")
		u.abort()
		return true
	default:
		return false
	}
}

// HandleBinary writes one upload chunk: byte 0 is a fixed 0x01 tag, the
// remainder is raw file data (spec §4.7 item 1).
func (u *UploadHandler) HandleBinary(data []byte) {
	if len(data) == 0 || data[0] != 0x01 {
		return
	}
	payload := data[1:]
	if u.activeFile == nil {
		u.logger.Warn().Msg("upload: binary data received with no active upload")
		return
	}
	if _, err := u.activeFile.Write(payload); err != nil {
		u.logger.Error().Err(err).Str("path", u.activePath).Msg("upload: write failed")
		u.abort()
		return
	}
	u.writtenBytes += uint64(len(payload))
}

func (u *UploadHandler) handleStart(payload string) {
	if !u.allowUpload || u.uploadRoot == "" {
		u.logger.Warn().Msg("upload: requested but uploads are disabled")
		return
	}
	relPath, sizeStr, _ := strings.Cut(payload, ":")
	size, err := strconv.ParseUint(strings.TrimSpace(sizeStr), 10, 64)
	if err != nil {
		u.logger.Error().Str("size", sizeStr).Msg("upload: invalid advertised size")
		return
	}

	safeRel, ok := sanitizeRelativePath(relPath)
	if !ok {
		u.logger.Error().Str("path", relPath).Msg("upload: rejected path traversal attempt")
		return
	}

	targetPath := filepath.Join(u.uploadRoot, safeRel)
	targetDir := filepath.Dir(targetPath)
	if !isWithinRoot(u.uploadRoot, targetDir) {
		u.logger.Error().Str("path", targetPath).Msg("upload: path escapes upload root")
		return
	}
	if targetDir != u.uploadRoot {
		if err := os.MkdirAll(targetDir, 0o755); err != nil {
			u.logger.Error().Err(err).Str("dir", targetDir).Msg("upload: failed to create directory")
			return
		}
	}

	if u.activeFile != nil {
		u.logger.Warn().Msg("upload: closing previous upload before starting new one")
		u.finish()
	}

	f, err := os.Create(targetPath)
	if err != nil {
		u.logger.Error().Err(err).Str("path", targetPath).Msg("upload: failed to create file")
		return
	}
	u.activeFile = f
	u.activePath = targetPath
	u.advertisedSize = size
	u.writtenBytes = 0
}

func (u *UploadHandler) handleEnd(payload string) {
	_ = payload
	// Open question resolved (SPEC_FULL.md §9): flag a byte-count mismatch
	// instead of silently replicating the original's unchecked flush.
	if u.activeFile != nil && u.writtenBytes != u.advertisedSize {
		u.logger.Warn().
			Uint64("advertised", u.advertisedSize).
			Uint64("written", u.writtenBytes).
			Str("path", u.activePath).
			Msg("upload: byte count mismatch at FILE_UPLOAD_END")
	}
	u.finish()
}

func (u *UploadHandler) finish() {
	if u.activeFile != nil {
		if err := u.activeFile.Close(); err != nil {
			u.logger.Warn().Err(err).Msg("upload: failed to close file")
		}
	}
	u.activeFile = nil
	u.activePath = ""
	u.advertisedSize = 0
	u.writtenBytes = 0
}

func (u *UploadHandler) abort() {
	path := u.activePath
	if u.activeFile != nil {
		u.activeFile.Close()
	}
	u.activeFile = nil
	u.activePath = ""
	u.advertisedSize = 0
	u.writtenBytes = 0
	if path != "" {
		if err := os.Remove(path); err != nil {
			u.logger.Warn().Err(err).Str("path", path).Msg("upload: failed to remove incomplete file")
		}
	}
}

// sanitizeRelativePath rejects absolute paths, backslash-normalized
// traversal, and any ".." component (spec §5, invariant #12).
func sanitizeRelativePath(relPath string) (string, bool) {
	trimmed := strings.TrimLeft(strings.TrimSpace(relPath), `/\`)
	if trimmed == "" {
		return "", false
	}
	normalized := strings.ReplaceAll(trimmed, `\`, "/")
	parts := strings.Split(normalized, "/")

	var safe []string
	for _, p := range parts {
		switch p {
		case "", ".":
			continue
		case "..":
			return "", false
		default:
			safe = append(safe, p)
		}
	}
	if len(safe) == 0 {
		return "", false
	}
	return filepath.Join(safe...), true
}

func isWithinRoot(root, dir string) bool {
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
