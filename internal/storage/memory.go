package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/amillerrr/vod-pipeline/pkg/models"
)

type dailyKey struct {
	videoID string
	day     string
}

// MemoryStore keeps everything in process. Used in development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	videos   map[string]*models.Video
	byMD5    map[string]string
	sessions map[string]*models.UploadSession
	events   []models.VideoViewEvent
	daily    map[dailyKey]models.VideoViewDaily
	now      func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		videos:   make(map[string]*models.Video),
		byMD5:    make(map[string]string),
		sessions: make(map[string]*models.UploadSession),
		daily:    make(map[dailyKey]models.VideoViewDaily),
		now:      time.Now,
	}
}

// CreateVideo inserts a video, enforcing md5 uniqueness among live videos.
func (s *MemoryStore) CreateVideo(_ context.Context, video *models.Video) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.videos[video.ID]; ok {
		return fmt.Errorf("%w: video %s", models.ErrConflict, video.ID)
	}
	if id, ok := s.byMD5[video.MD5]; ok && s.videos[id].Status != models.StatusDeleted {
		return fmt.Errorf("%w: md5 %s", models.ErrConflict, video.MD5)
	}

	v := *video
	s.videos[v.ID] = &v
	s.byMD5[v.MD5] = v.ID
	return nil
}

// GetVideo returns a copy of the video.
func (s *MemoryStore) GetVideo(_ context.Context, id string) (*models.Video, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.videos[id]
	if !ok {
		return nil, models.ErrVideoNotFound
	}
	out := *v
	return &out, nil
}

// FindVideoByMD5 returns the live video holding md5.
func (s *MemoryStore) FindVideoByMD5(_ context.Context, md5 string) (*models.Video, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byMD5[md5]
	if !ok || s.videos[id].Status == models.StatusDeleted {
		return nil, models.ErrVideoNotFound
	}
	out := *s.videos[id]
	return &out, nil
}

// UpdateStatus sets only the status column.
func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status models.VideoStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.videos[id]
	if !ok {
		return models.ErrVideoNotFound
	}
	v.Status = status
	v.UpdatedAt = s.now().UTC()
	return nil
}

// UpdateStatusAndPath sets status and file_path together.
func (s *MemoryStore) UpdateStatusAndPath(_ context.Context, id string, status models.VideoStatus, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.videos[id]
	if !ok {
		return models.ErrVideoNotFound
	}
	v.Status = status
	v.FilePath = path
	v.UpdatedAt = s.now().UTC()
	return nil
}

// IncrementViews bumps the view counter by one.
func (s *MemoryStore) IncrementViews(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.videos[id]
	if !ok {
		return models.ErrVideoNotFound
	}
	v.Views++
	return nil
}

// RecordViewEvent appends a view event.
func (s *MemoryStore) RecordViewEvent(_ context.Context, event *models.VideoViewEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, *event)
	return nil
}

// CreateSession stores a new upload session.
func (s *MemoryStore) CreateSession(_ context.Context, session *models.UploadSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.UploadID]; ok {
		return fmt.Errorf("%w: upload %s", models.ErrConflict, session.UploadID)
	}
	sess := *session
	s.sessions[sess.UploadID] = &sess
	return nil
}

// GetSession returns a copy of the upload session.
func (s *MemoryStore) GetSession(_ context.Context, id string) (*models.UploadSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	out := *sess
	return &out, nil
}

// UpdateSessionState sets the session state.
func (s *MemoryStore) UpdateSessionState(_ context.Context, id string, state models.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return models.ErrSessionNotFound
	}
	sess.State = state
	sess.UpdatedAt = s.now().UTC()
	return nil
}

// ViewEventsReady always reports true; the event log exists from construction.
func (s *MemoryStore) ViewEventsReady(context.Context) (bool, error) {
	return true, nil
}

// RollupDailyViews recomputes per-day counts for events at or after since.
func (s *MemoryStore) RollupDailyViews(_ context.Context, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type agg struct {
		day   time.Time
		views int64
		users map[string]struct{}
	}
	groups := make(map[dailyKey]*agg)

	for _, e := range s.events {
		if e.CreatedAt.Before(since) {
			continue
		}
		day := e.CreatedAt.UTC().Truncate(24 * time.Hour)
		key := dailyKey{videoID: e.VideoID, day: day.Format(time.DateOnly)}
		g, ok := groups[key]
		if !ok {
			g = &agg{day: day, users: make(map[string]struct{})}
			groups[key] = g
		}
		g.views++
		if e.UserID != nil {
			g.users[*e.UserID] = struct{}{}
		}
	}

	now := s.now().UTC()
	for key, g := range groups {
		s.daily[key] = models.VideoViewDaily{
			VideoID:   key.videoID,
			Day:       g.day,
			Views:     g.views,
			UserViews: int64(len(g.users)),
			UpdatedAt: now,
		}
	}
	return int64(len(groups)), nil
}

// DailyViews returns the rolled-up rows for a video ordered by day.
func (s *MemoryStore) DailyViews(videoID string) []models.VideoViewDaily {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []models.VideoViewDaily
	for key, row := range s.daily {
		if key.videoID == videoID {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Day.Before(rows[j].Day) })
	return rows
}

// ViewEvents returns a copy of the raw event log.
func (s *MemoryStore) ViewEvents() []models.VideoViewEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]models.VideoViewEvent(nil), s.events...)
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() {}
