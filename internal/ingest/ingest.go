// Package ingest turns a verified upload into a Video row and a transcode job.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/vod-pipeline/internal/integrity"
	"github.com/amillerrr/vod-pipeline/internal/metrics"
	"github.com/amillerrr/vod-pipeline/internal/storage"
	"github.com/amillerrr/vod-pipeline/internal/transcoder"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

var tracer = otel.Tracer("vod-ingest")

// Prober reads media duration.
type Prober interface {
	Probe(ctx context.Context, path string) (transcoder.MediaInfo, error)
}

// Enqueuer hands jobs to the transcode worker.
type Enqueuer interface {
	Enqueue(ctx context.Context, job models.VideoJob) error
}

// Thumbnailer extracts a poster frame.
type Thumbnailer interface {
	Extract(ctx context.Context, source, videoID string) (string, error)
}

// Source is an upload staged on local disk. MD5 may be left empty.
type Source struct {
	TempPath string
	Filename string
	OwnerID  string
	MD5      string
}

// Result identifies the video an upload resolved to.
type Result struct {
	VideoID   string             `json:"video_id"`
	Status    models.VideoStatus `json:"status"`
	Duplicate bool               `json:"duplicate"`
}

// Service runs dedup and hands new videos to the queue.
type Service struct {
	store       storage.VideoStore
	prober      Prober
	queue       Enqueuer
	thumbnailer Thumbnailer
	policy      integrity.Policy
	rawRoot     string
	log         *slog.Logger
	now         func() time.Time
}

// Config holds Service dependencies.
type Config struct {
	Store       storage.VideoStore
	Prober      Prober
	Queue       Enqueuer
	Thumbnailer Thumbnailer
	Policy      integrity.Policy
	RawRoot     string
	Logger      *slog.Logger
}

// NewService creates an ingest Service.
func NewService(cfg Config) *Service {
	return &Service{
		store:       cfg.Store,
		prober:      cfg.Prober,
		queue:       cfg.Queue,
		thumbnailer: cfg.Thumbnailer,
		policy:      cfg.Policy,
		rawRoot:     cfg.RawRoot,
		log:         cfg.Logger,
		now:         time.Now,
	}
}

// Stage writes a single-shot upload into the raw root, enforcing the
// filename policy and the size limit, and hashing it on the way.
func (s *Service) Stage(r io.Reader, filename, ownerID string) (*Source, error) {
	if err := s.policy.ValidateFilename(filename); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(s.rawRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create raw dir: %w", err)
	}
	f, err := os.CreateTemp(s.rawRoot, "direct-*"+filepath.Ext(filename))
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}

	hasher := integrity.NewHasher(false)
	src := r
	if s.policy.MaxBytes > 0 {
		src = io.LimitReader(r, s.policy.MaxBytes+1)
	}

	_, copyErr := io.Copy(io.MultiWriter(f, hasher), src)
	closeErr := f.Close()

	switch {
	case copyErr != nil:
		err = fmt.Errorf("write upload: %w", copyErr)
	case closeErr != nil:
		err = fmt.Errorf("close upload: %w", closeErr)
	case hasher.Size() == 0:
		err = models.ErrEmptyUpload
	default:
		err = s.policy.ValidateSize(hasher.Size())
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return nil, err
	}

	return &Source{
		TempPath: f.Name(),
		Filename: filename,
		OwnerID:  ownerID,
		MD5:      hasher.MD5(),
	}, nil
}

// Ingest resolves src to an existing video by content hash, or creates a
// pending video and enqueues it. The staged file is always consumed.
func (s *Service) Ingest(ctx context.Context, src Source) (*Result, error) {
	ctx, span := tracer.Start(ctx, "ingest")
	defer span.End()

	if err := integrity.CheckVideoContent(src.TempPath); err != nil {
		_ = os.Remove(src.TempPath)
		return nil, err
	}

	md5 := src.MD5
	if md5 == "" {
		var err error
		if md5, err = integrity.FileMD5(src.TempPath); err != nil {
			_ = os.Remove(src.TempPath)
			return nil, err
		}
	}
	span.SetAttributes(attribute.String("video.md5", md5))

	existing, err := s.store.FindVideoByMD5(ctx, md5)
	switch {
	case err == nil:
		_ = os.Remove(src.TempPath)
		return s.duplicate(ctx, existing), nil
	case !errors.Is(err, models.ErrVideoNotFound):
		_ = os.Remove(src.TempPath)
		return nil, err
	}

	videoID := uuid.NewString()
	span.SetAttributes(attribute.String("video.id", videoID))

	rawPath, err := filepath.Abs(filepath.Join(s.rawRoot, videoID+"_"+integrity.SanitizeFilename(src.Filename)))
	if err != nil {
		_ = os.Remove(src.TempPath)
		return nil, fmt.Errorf("resolve raw path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(rawPath), 0o755); err != nil {
		_ = os.Remove(src.TempPath)
		return nil, fmt.Errorf("create raw dir: %w", err)
	}
	if err := os.Rename(src.TempPath, rawPath); err != nil {
		_ = os.Remove(src.TempPath)
		return nil, fmt.Errorf("move upload: %w", err)
	}

	var duration float64
	if info, err := s.prober.Probe(ctx, rawPath); err != nil {
		s.log.WarnContext(ctx, "Duration probe failed", "videoID", videoID, "error", err)
	} else {
		duration = info.Duration
	}

	now := s.now().UTC()
	video := &models.Video{
		ID:               videoID,
		Title:            strings.TrimSuffix(src.Filename, filepath.Ext(src.Filename)),
		FilePath:         rawPath,
		OriginalFilePath: rawPath,
		MD5:              md5,
		Status:           models.StatusPending,
		Duration:         duration,
		OwnerID:          src.OwnerID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.store.CreateVideo(ctx, video); err != nil {
		_ = os.Remove(rawPath)
		if errors.Is(err, models.ErrConflict) {
			// A concurrent upload of the same bytes won the insert.
			if winner, findErr := s.store.FindVideoByMD5(ctx, md5); findErr == nil {
				return s.duplicate(ctx, winner), nil
			}
		}
		return nil, err
	}

	if err := s.queue.Enqueue(ctx, models.VideoJob{VideoID: videoID, SourcePath: rawPath}); err != nil {
		if statusErr := s.store.UpdateStatus(context.WithoutCancel(ctx), videoID, models.StatusFailed); statusErr != nil {
			s.log.ErrorContext(ctx, "Failed to mark unqueued video as failed", "videoID", videoID, "error", statusErr)
		}
		return nil, err
	}

	if _, err := s.thumbnailer.Extract(ctx, rawPath, videoID); err != nil {
		s.log.WarnContext(ctx, "Thumbnail extraction failed", "videoID", videoID, "error", err)
	}

	s.log.InfoContext(ctx, "Video ingested",
		"videoID", videoID,
		"filename", src.Filename,
		"md5", md5,
		"durationSeconds", duration,
	)

	return &Result{VideoID: videoID, Status: models.StatusPending}, nil
}

func (s *Service) duplicate(ctx context.Context, v *models.Video) *Result {
	metrics.DedupHits.Inc()
	s.log.InfoContext(ctx, "Duplicate upload resolved to existing video",
		"videoID", v.ID,
		"status", v.Status,
	)
	return &Result{VideoID: v.ID, Status: v.Status, Duplicate: true}
}
