package transcoder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/amillerrr/vod-pipeline/internal/metrics"
)

// Thumbnailer extracts a poster frame per video into a flat directory.
type Thumbnailer struct {
	extractor FrameExtractor
	root      string
	offset    string
	logger    *slog.Logger
}

// NewThumbnailer creates a Thumbnailer writing <root>/<video id>.jpg.
func NewThumbnailer(extractor FrameExtractor, root, offset string, logger *slog.Logger) *Thumbnailer {
	if offset == "" {
		offset = "00:00:01"
	}
	return &Thumbnailer{extractor: extractor, root: root, offset: offset, logger: logger}
}

// Path returns where the thumbnail for videoID lives.
func (t *Thumbnailer) Path(videoID string) string {
	return filepath.Join(t.root, videoID+".jpg")
}

// Extract writes the thumbnail, overwriting any existing one.
func (t *Thumbnailer) Extract(ctx context.Context, source, videoID string) (string, error) {
	ctx, span := tracer.Start(ctx, "extract-thumbnail")
	defer span.End()

	if err := os.MkdirAll(t.root, 0o755); err != nil {
		return "", fmt.Errorf("failed to create thumbnail dir: %w", err)
	}

	path := t.Path(videoID)
	if err := t.extractor.ExtractFrame(ctx, source, t.offset, path); err != nil {
		metrics.ThumbnailFailures.Inc()
		return "", fmt.Errorf("thumbnail for %s: %w", videoID, err)
	}
	return path, nil
}

// Ensure extracts the thumbnail only when it does not exist yet.
func (t *Thumbnailer) Ensure(ctx context.Context, source, videoID string) (string, error) {
	path := t.Path(videoID)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	t.logger.InfoContext(ctx, "Regenerating missing thumbnail", "videoID", videoID)
	return t.Extract(ctx, source, videoID)
}
