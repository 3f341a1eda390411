// Package storage persists videos, upload sessions and view telemetry.
package storage

import (
	"context"
	"time"

	"github.com/amillerrr/vod-pipeline/pkg/models"
)

// VideoStore exposes narrow operations on Video rows. Status changes never
// load-then-save the whole entity.
type VideoStore interface {
	// CreateVideo inserts a new row. Returns models.ErrConflict when a live
	// video already holds the same md5.
	CreateVideo(ctx context.Context, video *models.Video) error
	GetVideo(ctx context.Context, id string) (*models.Video, error)
	// FindVideoByMD5 returns models.ErrVideoNotFound when no live video matches.
	FindVideoByMD5(ctx context.Context, md5 string) (*models.Video, error)
	UpdateStatus(ctx context.Context, id string, status models.VideoStatus) error
	UpdateStatusAndPath(ctx context.Context, id string, status models.VideoStatus, path string) error
	IncrementViews(ctx context.Context, id string) error
	RecordViewEvent(ctx context.Context, event *models.VideoViewEvent) error
}

// SessionStore persists chunked upload session records.
type SessionStore interface {
	CreateSession(ctx context.Context, session *models.UploadSession) error
	GetSession(ctx context.Context, id string) (*models.UploadSession, error)
	UpdateSessionState(ctx context.Context, id string, state models.SessionState) error
}

// ViewRollup is implemented by backends able to aggregate view events by day.
type ViewRollup interface {
	// ViewEventsReady reports whether the raw event table exists.
	ViewEventsReady(ctx context.Context) (bool, error)
	// RollupDailyViews recomputes daily summaries for events at or after since
	// and returns the number of rows written.
	RollupDailyViews(ctx context.Context, since time.Time) (int64, error)
}

// Store is the full persistence surface used by the server.
type Store interface {
	VideoStore
	SessionStore
	Ping(ctx context.Context) error
	Close()
}
