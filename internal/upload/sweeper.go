package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/amillerrr/vod-pipeline/internal/metrics"
	"github.com/amillerrr/vod-pipeline/internal/storage"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

// Sweeper removes abandoned session directories.
type Sweeper struct {
	store    storage.SessionStore
	root     string
	maxAge   time.Duration
	interval time.Duration
	log      *slog.Logger
	now      func() time.Time
}

// NewSweeper creates a Sweeper. The interval is never shorter than one hour.
func NewSweeper(store storage.SessionStore, root string, maxAge, interval time.Duration, log *slog.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		root:     root,
		maxAge:   maxAge,
		interval: max(interval, time.Hour),
		log:      log,
		now:      time.Now,
	}
}

// Run sweeps once on start and then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if n, err := s.SweepOnce(ctx); err != nil {
			s.log.ErrorContext(ctx, "Upload sweep failed", "error", err)
		} else if n > 0 {
			s.log.InfoContext(ctx, "Swept abandoned uploads", "count", n)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SweepOnce removes every session directory older than the max age that has
// no write in progress, and marks its record expired. Returns the number removed.
// A write marker older than the max age is left over from a crash and ignored.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("list upload root: %w", err)
	}

	cutoff := s.now().Add(-s.maxAge)
	removed := 0

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, e.Name())

		created, err := sessionCreatedAt(dir)
		if err != nil {
			s.log.WarnContext(ctx, "Skipping unreadable session dir", "dir", dir, "error", err)
			continue
		}
		if created.After(cutoff) {
			continue
		}

		active, err := writeInProgress(dir, cutoff)
		if err != nil || active {
			continue
		}

		if err := os.RemoveAll(dir); err != nil {
			s.log.WarnContext(ctx, "Failed to remove session dir", "dir", dir, "error", err)
			continue
		}
		removed++
		metrics.SessionsSwept.Inc()

		err = s.store.UpdateSessionState(ctx, e.Name(), models.SessionExpired)
		if err != nil && !errors.Is(err, models.ErrSessionNotFound) {
			s.log.WarnContext(ctx, "Failed to mark session expired", "uploadID", e.Name(), "error", err)
		}
	}

	return removed, nil
}

// sessionCreatedAt prefers the sidecar timestamp and falls back to the
// directory modification time.
func sessionCreatedAt(dir string) (time.Time, error) {
	if meta, err := readMeta(dir); err == nil && !meta.CreatedAt.IsZero() {
		return meta.CreatedAt, nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// writeInProgress reports whether dir holds a write marker touched after cutoff.
func writeInProgress(dir string, cutoff time.Time) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), writingSuffix) {
			continue
		}
		info, err := e.Info()
		if errors.Is(err, os.ErrNotExist) {
			// The write finished while listing.
			continue
		}
		if err != nil {
			return false, err
		}
		if info.ModTime().After(cutoff) {
			return true, nil
		}
	}
	return false, nil
}
