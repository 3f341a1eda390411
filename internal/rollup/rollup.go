// Package rollup aggregates raw view events into per-day summaries.
package rollup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/vod-pipeline/internal/metrics"
	"github.com/amillerrr/vod-pipeline/internal/storage"
)

var tracer = otel.Tracer("vod-rollup")

const day = 24 * time.Hour

// Aggregator periodically recomputes the trailing window of daily view counts.
type Aggregator struct {
	store      storage.VideoStore
	interval   time.Duration
	wake       time.Duration
	windowDays int
	log        *slog.Logger
	now        func() time.Time
	lastRun    time.Time
}

// NewAggregator creates an Aggregator. store is used only if it implements
// storage.ViewRollup; otherwise every run is a no-op.
func NewAggregator(store storage.VideoStore, interval, wake time.Duration, windowDays int, log *slog.Logger) *Aggregator {
	return &Aggregator{
		store:      store,
		interval:   interval,
		wake:       min(wake, interval),
		windowDays: max(windowDays, 1),
		log:        log,
		now:        time.Now,
	}
}

// Run executes once on start, then wakes every wake period and executes
// again when at least one interval has passed since the last successful
// execution. Skipped runs count as successful.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.wake)
	defer ticker.Stop()

	for {
		if a.due() {
			started := a.now()
			n, err := a.RunOnce(ctx)
			switch {
			case err != nil:
				// lastRun is left alone so the next wake retries.
				a.log.ErrorContext(ctx, "View rollup failed", "error", err)
			default:
				a.lastRun = started
				if n > 0 {
					a.log.InfoContext(ctx, "View rollup complete", "rows", n)
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (a *Aggregator) due() bool {
	return a.lastRun.IsZero() || a.now().Sub(a.lastRun) >= a.interval
}

// RunOnce recomputes every whole UTC day in the window and returns the
// number of rows written. It returns 0 without error when the store cannot
// aggregate or the event table does not exist yet.
func (a *Aggregator) RunOnce(ctx context.Context) (int64, error) {
	rollup, ok := a.store.(storage.ViewRollup)
	if !ok {
		metrics.RollupRuns.WithLabelValues("skipped").Inc()
		return 0, nil
	}

	ctx, span := tracer.Start(ctx, "view-rollup")
	defer span.End()

	ready, err := rollup.ViewEventsReady(ctx)
	if err != nil {
		metrics.RollupRuns.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("check view events: %w", err)
	}
	if !ready {
		metrics.RollupRuns.WithLabelValues("skipped").Inc()
		return 0, nil
	}

	since := a.WindowStart()
	span.SetAttributes(attribute.String("rollup.since", since.Format(time.DateOnly)))

	rows, err := rollup.RollupDailyViews(ctx, since)
	if err != nil {
		metrics.RollupRuns.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("rollup daily views: %w", err)
	}

	metrics.RollupRuns.WithLabelValues("success").Inc()
	metrics.RollupRows.Set(float64(rows))
	span.SetAttributes(attribute.Int64("rollup.rows", rows))
	return rows, nil
}

// WindowStart returns UTC midnight of the oldest day in the window.
func (a *Aggregator) WindowStart() time.Time {
	today := a.now().UTC().Truncate(day)
	return today.AddDate(0, 0, -(a.windowDays - 1))
}
