//go:build integration

package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/cockroachdb/cockroach-go/v2/testserver"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amillerrr/vod-pipeline/pkg/models"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	server, err := testserver.NewTestServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "start cockroach test server: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, server.PGURL().String())
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to cockroach test server: %v\n", err)
		server.Stop()
		os.Exit(1)
	}

	if err := NewPostgresStore(pool).Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "apply migrations: %v\n", err)
		pool.Close()
		server.Stop()
		os.Exit(1)
	}

	testPool = pool

	code := m.Run()

	pool.Close()
	server.Stop()

	os.Exit(code)
}

func resetDatabase(t *testing.T) {
	t.Helper()
	for _, table := range []string{"videos", "upload_sessions", "video_view_events"} {
		if _, err := testPool.Exec(context.Background(), "DELETE FROM "+table); err != nil {
			t.Fatalf("reset %s: %v", table, err)
		}
	}
	_, _ = testPool.Exec(context.Background(), "DROP TABLE IF EXISTS video_view_daily")
}

func TestPostgresStore_VideoLifecycle(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)
	s := NewPostgresStore(testPool)

	v := newVideo(uuid.NewString(), "0123456789abcdef0123456789abcdef")
	v.CreatedAt = v.CreatedAt.Truncate(time.Millisecond)
	v.UpdatedAt = v.CreatedAt
	if err := s.CreateVideo(ctx, v); err != nil {
		t.Fatalf("CreateVideo() error = %v", err)
	}

	dup := newVideo(uuid.NewString(), v.MD5)
	if err := s.CreateVideo(ctx, dup); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("CreateVideo() duplicate error = %v, want ErrConflict", err)
	}

	found, err := s.FindVideoByMD5(ctx, v.MD5)
	if err != nil || found.ID != v.ID {
		t.Fatalf("FindVideoByMD5() = %v, %v", found, err)
	}

	if err := s.UpdateStatusAndPath(ctx, v.ID, models.StatusProcessed, "/videos/x/master.m3u8"); err != nil {
		t.Fatalf("UpdateStatusAndPath() error = %v", err)
	}
	if err := s.IncrementViews(ctx, v.ID); err != nil {
		t.Fatalf("IncrementViews() error = %v", err)
	}

	got, err := s.GetVideo(ctx, v.ID)
	if err != nil {
		t.Fatalf("GetVideo() error = %v", err)
	}
	if got.Status != models.StatusProcessed || got.Views != 1 || got.FilePath != "/videos/x/master.m3u8" {
		t.Errorf("GetVideo() = %+v", got)
	}

	if err := s.UpdateStatus(ctx, uuid.NewString(), models.StatusFailed); !errors.Is(err, models.ErrVideoNotFound) {
		t.Errorf("UpdateStatus() missing error = %v, want ErrVideoNotFound", err)
	}
}

func TestPostgresStore_SessionLifecycle(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)
	s := NewPostgresStore(testPool)

	now := time.Now().UTC().Truncate(time.Millisecond)
	sess := &models.UploadSession{
		UploadID: uuid.NewString(), Filename: "a.mp4", DeclaredSize: 20, ChunkSize: 8,
		TotalChunks: 3, OwnerID: "alice", State: models.SessionInit, CreatedAt: now, UpdatedAt: now,
	}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := s.UpdateSessionState(ctx, sess.UploadID, models.SessionUploading); err != nil {
		t.Fatalf("UpdateSessionState() error = %v", err)
	}

	got, err := s.GetSession(ctx, sess.UploadID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.State != models.SessionUploading || got.TotalChunks != 3 || got.OwnerID != "alice" {
		t.Errorf("GetSession() = %+v", got)
	}
}

func TestPostgresStore_RollupIdempotent(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)
	s := NewPostgresStore(testPool)

	ready, err := s.ViewEventsReady(ctx)
	if err != nil || !ready {
		t.Fatalf("ViewEventsReady() = %v, %v", ready, err)
	}

	videoID := uuid.NewString()
	user := "alice"
	base := time.Now().UTC().Truncate(24 * time.Hour).Add(time.Hour)
	for i := 0; i < 3; i++ {
		ev := &models.VideoViewEvent{ID: uuid.NewString(), VideoID: videoID, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if i < 2 {
			ev.UserID = &user
		}
		if err := s.RecordViewEvent(ctx, ev); err != nil {
			t.Fatalf("RecordViewEvent() error = %v", err)
		}
	}

	since := base.Truncate(24 * time.Hour)
	for run := 0; run < 2; run++ {
		if _, err := s.RollupDailyViews(ctx, since); err != nil {
			t.Fatalf("RollupDailyViews() run %d error = %v", run, err)
		}
		rows, err := s.DailyViews(ctx, videoID)
		if err != nil {
			t.Fatalf("DailyViews() error = %v", err)
		}
		if len(rows) != 1 || rows[0].Views != 3 || rows[0].UserViews != 1 {
			t.Fatalf("run %d rows = %+v, want one row with 3 views / 1 user", run, rows)
		}
	}
}
