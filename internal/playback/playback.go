// Package playback serves finished HLS packages and records views.
package playback

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/vod-pipeline/internal/metrics"
	"github.com/amillerrr/vod-pipeline/internal/storage"
	"github.com/amillerrr/vod-pipeline/internal/transcoder"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

var tracer = otel.Tracer("vod-playback")

// Service resolves manifests and assets for a video.
type Service struct {
	store       storage.VideoStore
	allowPublic bool
	log         *slog.Logger
	now         func() time.Time
}

// NewService creates a playback Service. allowPublic enables the
// unauthenticated variants.
func NewService(store storage.VideoStore, allowPublic bool, log *slog.Logger) *Service {
	return &Service{store: store, allowPublic: allowPublic, log: log, now: time.Now}
}

// Master returns the master playlist and counts the view. viewerID may be
// empty for anonymous viewers, in which case no view event is recorded.
func (s *Service) Master(ctx context.Context, videoID, viewerID string, public bool) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "playback-master")
	defer span.End()
	span.SetAttributes(attribute.String("video.id", videoID), attribute.Bool("playback.public", public))

	data, err := s.manifest(ctx, videoID, public)
	if err != nil {
		return nil, err
	}
	s.countView(ctx, videoID, viewerID, public)
	return data, nil
}

// Manifest returns the master playlist under the same checks as Master
// without counting a view. It backs HEAD requests.
func (s *Service) Manifest(ctx context.Context, videoID string, public bool) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "playback-manifest")
	defer span.End()
	span.SetAttributes(attribute.String("video.id", videoID), attribute.Bool("playback.public", public))

	return s.manifest(ctx, videoID, public)
}

func (s *Service) manifest(ctx context.Context, videoID string, public bool) ([]byte, error) {
	video, err := s.authorize(ctx, videoID, public)
	if err != nil {
		return nil, err
	}
	if !video.HasManifest() {
		return nil, models.ErrManifestNotReady
	}

	data, err := os.ReadFile(video.FilePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, models.ErrManifestNotReady
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return data, nil
}

// countView is best effort; playback must not fail on it.
func (s *Service) countView(ctx context.Context, videoID, viewerID string, public bool) {
	if err := s.store.IncrementViews(ctx, videoID); err != nil {
		s.log.WarnContext(ctx, "Failed to increment views", "videoID", videoID, "error", err)
	}
	if viewerID != "" {
		event := &models.VideoViewEvent{
			ID:        uuid.NewString(),
			UserID:    &viewerID,
			VideoID:   videoID,
			CreatedAt: s.now().UTC(),
		}
		if err := s.store.RecordViewEvent(ctx, event); err != nil {
			s.log.WarnContext(ctx, "Failed to record view event", "videoID", videoID, "error", err)
		}
	}

	access := "private"
	if public {
		access = "public"
	}
	metrics.ManifestViews.WithLabelValues(access).Inc()
}

// Asset resolves a file inside the video's package directory and returns
// its path. Paths that escape the directory, directly or through symlinks,
// are rejected.
func (s *Service) Asset(ctx context.Context, videoID, assetPath string, public bool) (string, error) {
	ctx, span := tracer.Start(ctx, "playback-asset")
	defer span.End()
	span.SetAttributes(attribute.String("video.id", videoID), attribute.String("playback.asset", assetPath))

	video, err := s.authorize(ctx, videoID, public)
	if err != nil {
		return "", err
	}
	if !video.HasManifest() {
		return "", models.ErrAssetNotFound
	}

	base, err := filepath.EvalSymlinks(filepath.Dir(video.FilePath))
	if err != nil {
		return "", models.ErrAssetNotFound
	}

	target := filepath.Join(base, filepath.FromSlash(assetPath))
	if !within(base, target) {
		return "", models.ErrPathTraversal
	}
	if filepath.Base(target) == transcoder.KeyInfoFileName {
		return "", models.ErrAssetNotFound
	}

	resolved, err := filepath.EvalSymlinks(target)
	if errors.Is(err, fs.ErrNotExist) {
		return "", models.ErrAssetNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve asset: %w", err)
	}
	if !within(base, resolved) {
		return "", models.ErrPathTraversal
	}

	info, err := os.Stat(resolved)
	if err != nil || !info.Mode().IsRegular() {
		return "", models.ErrAssetNotFound
	}
	return resolved, nil
}

// Video returns the video if the caller may see it.
func (s *Service) Video(ctx context.Context, videoID string, public bool) (*models.Video, error) {
	return s.authorize(ctx, videoID, public)
}

func (s *Service) authorize(ctx context.Context, videoID string, public bool) (*models.Video, error) {
	if public && !s.allowPublic {
		return nil, models.ErrVideoNotFound
	}

	video, err := s.store.GetVideo(ctx, videoID)
	if err != nil {
		return nil, err
	}

	if public && !video.Status.IsPlayable() {
		return nil, models.ErrNotPublished
	}
	return video, nil
}

func within(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
