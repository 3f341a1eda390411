package worker

import (
	"context"
	"fmt"

	"github.com/amillerrr/vod-pipeline/internal/metrics"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

// StatusWriter is the narrow store surface the queue needs.
type StatusWriter interface {
	UpdateStatus(ctx context.Context, id string, status models.VideoStatus) error
}

// Queue is an in-process FIFO of transcode jobs. It is not durable; jobs
// pending at shutdown are lost.
type Queue struct {
	jobs  chan models.VideoJob
	store StatusWriter
}

// NewQueue creates a Queue holding up to capacity waiting jobs.
func NewQueue(capacity int, store StatusWriter) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		jobs:  make(chan models.VideoJob, capacity),
		store: store,
	}
}

// Enqueue marks the video pending and hands the job to the worker. Blocks
// while the queue is full until ctx is done.
func (q *Queue) Enqueue(ctx context.Context, job models.VideoJob) error {
	if err := job.Validate(); err != nil {
		return err
	}

	if err := q.store.UpdateStatus(ctx, job.VideoID, models.StatusPending); err != nil {
		return fmt.Errorf("mark %s pending: %w", job.VideoID, err)
	}

	select {
	case q.jobs <- job:
		metrics.QueueDepth.Inc()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: enqueue %s: %v", models.ErrResource, job.VideoID, ctx.Err())
	}
}

// Len returns the number of jobs waiting.
func (q *Queue) Len() int {
	return len(q.jobs)
}
