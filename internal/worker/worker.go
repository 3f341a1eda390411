package worker

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/amillerrr/vod-pipeline/internal/metrics"
	"github.com/amillerrr/vod-pipeline/internal/storage"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

var tracer = otel.Tracer("vod-worker")

// BinaryChecker verifies the encoder's external dependencies.
type BinaryChecker interface {
	CheckBinaries() error
}

// Packager produces an HLS package and returns the master playlist path.
type Packager interface {
	Package(ctx context.Context, videoID, source string) (string, error)
}

// Thumbnailer makes sure a poster frame exists.
type Thumbnailer interface {
	Ensure(ctx context.Context, source, videoID string) (string, error)
}

// Mirror copies a finished package to object storage.
type Mirror interface {
	Upload(ctx context.Context, videoID, dir string) error
}

// Worker is the single consumer of the transcode queue.
type Worker struct {
	queue       *Queue
	store       storage.VideoStore
	checker     BinaryChecker
	packager    Packager
	thumbnailer Thumbnailer
	mirror      Mirror
	log         *slog.Logger
}

// Config holds worker dependencies. Mirror is optional.
type Config struct {
	Queue       *Queue
	Store       storage.VideoStore
	Checker     BinaryChecker
	Packager    Packager
	Thumbnailer Thumbnailer
	Mirror      Mirror
	Logger      *slog.Logger
}

// New creates a new Worker with the given configuration.
func New(cfg *Config) *Worker {
	return &Worker{
		queue:       cfg.Queue,
		store:       cfg.Store,
		checker:     cfg.Checker,
		packager:    cfg.Packager,
		thumbnailer: cfg.Thumbnailer,
		mirror:      cfg.Mirror,
		log:         cfg.Logger,
	}
}

// Run consumes jobs one at a time until ctx is cancelled. A job already
// started runs to completion before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.log.InfoContext(ctx, "Starting transcode worker", "queueCapacity", cap(w.queue.jobs))

	for {
		select {
		case <-ctx.Done():
			w.log.InfoContext(ctx, "Transcode worker stopped", "pendingJobs", w.queue.Len())
			return nil
		case job := <-w.queue.jobs:
			metrics.QueueDepth.Dec()
			w.Process(ctx, job)
		}
	}
}

// Process runs one job. Failures, including panics, are recorded on the
// video as StatusFailed and never returned.
func (w *Worker) Process(ctx context.Context, job models.VideoJob) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := tracer.Start(ctx, "process-video")
	defer span.End()
	span.SetAttributes(
		attribute.String("video.id", job.VideoID),
		attribute.String("video.source", job.SourcePath),
	)

	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	start := time.Now()

	var processingErr error
	defer func() {
		if r := recover(); r != nil {
			processingErr = fmt.Errorf("%w: panic: %v", models.ErrProcessing, r)
		}

		if processingErr == nil {
			metrics.RecordSuccess()
			metrics.ProcessingDuration.Observe(time.Since(start).Seconds())
			return
		}

		span.RecordError(processingErr)
		span.SetStatus(codes.Error, processingErr.Error())
		metrics.RecordFailure()
		w.log.ErrorContext(ctx, "Video processing failed",
			"videoID", job.VideoID,
			"error", processingErr,
		)

		if err := w.store.UpdateStatus(ctx, job.VideoID, models.StatusFailed); err != nil {
			w.log.ErrorContext(ctx, "Failed to mark video as failed",
				"videoID", job.VideoID,
				"error", err,
			)
		}
	}()

	processingErr = w.processVideo(ctx, job)
}

func (w *Worker) processVideo(ctx context.Context, job models.VideoJob) error {
	if err := job.Validate(); err != nil {
		return err
	}

	w.log.InfoContext(ctx, "Processing video",
		"videoID", job.VideoID,
		"source", job.SourcePath,
	)

	if err := w.store.UpdateStatus(ctx, job.VideoID, models.StatusPending); err != nil {
		w.log.WarnContext(ctx, "Failed to update video status to pending",
			"videoID", job.VideoID,
			"error", err,
		)
	}

	if err := w.checker.CheckBinaries(); err != nil {
		return err
	}

	manifest, err := w.packager.Package(ctx, job.VideoID, job.SourcePath)
	if err != nil {
		return err
	}

	if _, err := w.thumbnailer.Ensure(ctx, job.SourcePath, job.VideoID); err != nil {
		w.log.WarnContext(ctx, "Thumbnail generation failed",
			"videoID", job.VideoID,
			"error", err,
		)
	}

	if w.mirror != nil {
		if err := w.mirror.Upload(ctx, job.VideoID, filepath.Dir(manifest)); err != nil {
			// The local package is authoritative for playback.
			w.log.ErrorContext(ctx, "Failed to mirror HLS package",
				"videoID", job.VideoID,
				"error", err,
			)
		}
	}

	if err := w.store.UpdateStatusAndPath(ctx, job.VideoID, models.StatusProcessed, manifest); err != nil {
		return fmt.Errorf("record processed video: %w", err)
	}

	w.log.InfoContext(ctx, "Video processed successfully",
		"videoID", job.VideoID,
		"manifest", manifest,
	)
	return nil
}
