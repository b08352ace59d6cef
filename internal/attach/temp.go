package attach

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WriteTemp stores pasted image bytes in the temp dir and returns an
// attachment marked temporary.
func WriteTemp(data []byte, ext string) (Attachment, error) {
	name := fmt.Sprintf("pasted_image_%s%s", uuid.NewString(), ext)
	path := filepath.Join(os.TempDir(), name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return Attachment{}, fmt.Errorf("save pasted image: %w", err)
	}
	return Attachment{Path: path, Temporary: true}, nil
}

// RemoveLater deletes the files after delay, leaving the transport time to
// finish reading them.
func RemoveLater(paths []string, delay time.Duration, log *zap.Logger) {
	if len(paths) == 0 {
		return
	}
	log.Debug("scheduling temp file removal", zap.Strings("paths", paths), zap.Duration("delay", delay))
	time.AfterFunc(delay, func() {
		for _, p := range paths {
			Remove(p, log)
		}
	})
}

func Remove(path string, log *zap.Logger) {
	err := os.Remove(path)
	switch {
	case err == nil:
		log.Debug("temp file deleted", zap.String("path", path))
	case errors.Is(err, os.ErrNotExist):
		log.Debug("temp file already gone", zap.String("path", path))
	default:
		log.Warn("delete temp file", zap.String("path", path), zap.Error(err))
	}
}
