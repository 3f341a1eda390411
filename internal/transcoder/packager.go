package transcoder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/vod-pipeline/internal/metrics"
)

// Packager turns a source video into an encrypted multi-rendition HLS package.
type Packager struct {
	encoder        Encoder
	videoRoot      string
	segmentSeconds int
	ladder         []Rendition
	logger         *slog.Logger
}

// NewPackager creates a Packager writing packages under videoRoot/<video id>.
func NewPackager(encoder Encoder, videoRoot string, segmentSeconds int, logger *slog.Logger) *Packager {
	if segmentSeconds <= 0 {
		segmentSeconds = 4
	}
	return &Packager{
		encoder:        encoder,
		videoRoot:      videoRoot,
		segmentSeconds: segmentSeconds,
		ladder:         DefaultLadder,
		logger:         logger,
	}
}

// OutputDir returns the package directory for a video.
func (p *Packager) OutputDir(videoID string) string {
	return filepath.Join(p.videoRoot, videoID)
}

// Package encodes source and returns the absolute path of the master playlist.
func (p *Packager) Package(ctx context.Context, videoID, source string) (string, error) {
	ctx, span := tracer.Start(ctx, "package-hls")
	defer span.End()
	span.SetAttributes(attribute.String("video.id", videoID))

	outputDir := p.OutputDir(videoID)
	if err := os.RemoveAll(outputDir); err != nil {
		return "", fmt.Errorf("failed to clear output dir: %w", err)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}

	info, err := p.encoder.Probe(ctx, source)
	if err != nil {
		p.logger.WarnContext(ctx, "Probe failed, using default media info", "videoID", videoID, "error", err)
		info = DefaultMediaInfo()
	}
	if info.Width <= 0 || info.Height <= 0 {
		info.Width, info.Height = DefaultMediaInfo().Width, DefaultMediaInfo().Height
	}
	if info.FPS <= 0 {
		info.FPS = DefaultMediaInfo().FPS
	}

	renditions := SelectRenditions(p.ladder, info.Width, info.Height)

	keyInfoPath, err := WriteKey(outputDir)
	if err != nil {
		return "", err
	}

	req := EncodeRequest{
		Input:          source,
		OutputDir:      outputDir,
		KeyInfoPath:    keyInfoPath,
		Renditions:     renditions,
		SegmentSeconds: p.segmentSeconds,
		GOP:            GOPSize(p.segmentSeconds, info.FPS),
		HasAudio:       info.HasAudio,
	}

	p.logger.InfoContext(ctx, "Encoding HLS",
		"videoID", videoID,
		"sourceWidth", info.Width,
		"sourceHeight", info.Height,
		"renditions", len(renditions),
		"gop", req.GOP,
		"audio", info.HasAudio,
	)

	start := time.Now()
	if err := p.encoder.Encode(ctx, req); err != nil {
		return "", err
	}
	metrics.TranscodeDuration.Observe(time.Since(start).Seconds())

	masterPath, err := FinalizeLayout(outputDir, renditions)
	if err != nil {
		return "", err
	}

	for _, r := range renditions {
		metrics.RenditionsEncoded.WithLabelValues(r.Name).Inc()
	}

	absPath, err := filepath.Abs(masterPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve master path: %w", err)
	}
	return absPath, nil
}
