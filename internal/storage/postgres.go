package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amillerrr/vod-pipeline/pkg/models"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Pool abstracts the pgx connection pool to make testing easier.
type Pool interface {
	Acquire(ctx context.Context) (*pgxpool.Conn, error)
	Ping(ctx context.Context) error
	Close()
}

// Connect initialises a PostgreSQL connection pool using the provided database URL.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	return pool, nil
}

// PostgresStore provides PostgreSQL-backed persistence.
type PostgresStore struct {
	pool Pool
	now  func() time.Time
}

// NewPostgresStore constructs a store backed by PostgreSQL.
func NewPostgresStore(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	for _, name := range names {
		body, err := migrationFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := conn.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("%w: apply migration %s: %v", models.ErrPersistence, name, err)
		}
	}
	return nil
}

const videoColumns = `id, title, description, transcript, file_path, original_file_path,
        md5, status, duration, views, owner_id, created_at, updated_at`

// CreateVideo persists a new video record.
func (s *PostgresStore) CreateVideo(ctx context.Context, video *models.Video) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
        INSERT INTO videos (`+videoColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
    `, video.ID, video.Title, video.Description, video.Transcript, video.FilePath,
		video.OriginalFilePath, video.MD5, string(video.Status), video.Duration, video.Views,
		video.OwnerID, video.CreatedAt, video.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: md5 %s", models.ErrConflict, video.MD5)
		}
		return fmt.Errorf("%w: insert video: %v", models.ErrPersistence, err)
	}

	return nil
}

// GetVideo fetches a video by id.
func (s *PostgresStore) GetVideo(ctx context.Context, id string) (*models.Video, error) {
	return s.queryVideo(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, id)
}

// FindVideoByMD5 fetches the live video holding md5.
func (s *PostgresStore) FindVideoByMD5(ctx context.Context, md5 string) (*models.Video, error) {
	return s.queryVideo(ctx, `SELECT `+videoColumns+` FROM videos WHERE md5 = $1 AND status <> 'deleted'`, md5)
}

func (s *PostgresStore) queryVideo(ctx context.Context, query string, arg any) (*models.Video, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var (
		v      models.Video
		status string
	)
	err = conn.QueryRow(ctx, query, arg).Scan(
		&v.ID, &v.Title, &v.Description, &v.Transcript, &v.FilePath, &v.OriginalFilePath,
		&v.MD5, &status, &v.Duration, &v.Views, &v.OwnerID, &v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrVideoNotFound
		}
		return nil, fmt.Errorf("%w: select video: %v", models.ErrPersistence, err)
	}
	v.Status = models.VideoStatus(status)

	return &v, nil
}

// UpdateStatus writes only the status column.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status models.VideoStatus) error {
	return s.execVideo(ctx, `
        UPDATE videos SET status = $2, updated_at = $3 WHERE id = $1
    `, id, string(status), s.now().UTC())
}

// UpdateStatusAndPath writes status and file_path in one statement.
func (s *PostgresStore) UpdateStatusAndPath(ctx context.Context, id string, status models.VideoStatus, path string) error {
	return s.execVideo(ctx, `
        UPDATE videos SET status = $2, file_path = $3, updated_at = $4 WHERE id = $1
    `, id, string(status), path, s.now().UTC())
}

// IncrementViews bumps the view counter without reading the row.
func (s *PostgresStore) IncrementViews(ctx context.Context, id string) error {
	return s.execVideo(ctx, `UPDATE videos SET views = views + 1 WHERE id = $1`, id)
}

func (s *PostgresStore) execVideo(ctx context.Context, query string, args ...any) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: update video: %v", models.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrVideoNotFound
	}
	return nil
}

// RecordViewEvent appends a raw view event.
func (s *PostgresStore) RecordViewEvent(ctx context.Context, event *models.VideoViewEvent) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
        INSERT INTO video_view_events (id, user_id, video_id, created_at)
        VALUES ($1, $2, $3, $4)
    `, event.ID, event.UserID, event.VideoID, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: insert view event: %v", models.ErrPersistence, err)
	}
	return nil
}

// CreateSession persists a new upload session record.
func (s *PostgresStore) CreateSession(ctx context.Context, session *models.UploadSession) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
        INSERT INTO upload_sessions (upload_id, filename, declared_size, chunk_size, total_chunks,
            owner_id, expected_sha256, state, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
    `, session.UploadID, session.Filename, session.DeclaredSize, session.ChunkSize, session.TotalChunks,
		session.OwnerID, session.ExpectedSHA256, string(session.State), session.CreatedAt, session.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: upload %s", models.ErrConflict, session.UploadID)
		}
		return fmt.Errorf("%w: insert upload session: %v", models.ErrPersistence, err)
	}
	return nil
}

// GetSession fetches an upload session by id.
func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.UploadSession, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var (
		sess  models.UploadSession
		state string
	)
	err = conn.QueryRow(ctx, `
        SELECT upload_id, filename, declared_size, chunk_size, total_chunks, owner_id,
            expected_sha256, state, created_at, updated_at
        FROM upload_sessions
        WHERE upload_id = $1
    `, id).Scan(&sess.UploadID, &sess.Filename, &sess.DeclaredSize, &sess.ChunkSize, &sess.TotalChunks,
		&sess.OwnerID, &sess.ExpectedSHA256, &state, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: select upload session: %v", models.ErrPersistence, err)
	}
	sess.State = models.SessionState(state)

	return &sess, nil
}

// UpdateSessionState writes only the state column.
func (s *PostgresStore) UpdateSessionState(ctx context.Context, id string, state models.SessionState) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
        UPDATE upload_sessions SET state = $2, updated_at = $3 WHERE upload_id = $1
    `, id, string(state), s.now().UTC())
	if err != nil {
		return fmt.Errorf("%w: update upload session: %v", models.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrSessionNotFound
	}
	return nil
}

// ViewEventsReady reports whether the raw event table has been migrated.
func (s *PostgresStore) ViewEventsReady(ctx context.Context) (bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var exists bool
	err = conn.QueryRow(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM information_schema.tables
            WHERE table_schema = current_schema() AND table_name = 'video_view_events'
        )
    `).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: check view events table: %v", models.ErrPersistence, err)
	}
	return exists, nil
}

// RollupDailyViews upserts per-day view counts inside a single transaction.
func (s *PostgresStore) RollupDailyViews(ctx context.Context, since time.Time) (int64, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: begin rollup: %v", models.ErrPersistence, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS video_view_daily (
            video_id   VARCHAR(36) NOT NULL,
            day        DATE NOT NULL,
            views      BIGINT NOT NULL DEFAULT 0,
            user_views INTEGER NOT NULL DEFAULT 0,
            updated_at TIMESTAMPTZ NOT NULL,
            PRIMARY KEY (video_id, day)
        )
    `); err != nil {
		return 0, fmt.Errorf("%w: create video_view_daily: %v", models.ErrPersistence, err)
	}

	tag, err := tx.Exec(ctx, `
        INSERT INTO video_view_daily (video_id, day, views, user_views, updated_at)
        SELECT video_id,
               (created_at AT TIME ZONE 'UTC')::date,
               COUNT(*),
               COUNT(DISTINCT user_id),
               $2::timestamptz
        FROM video_view_events
        WHERE created_at >= $1::timestamptz
        GROUP BY 1, 2
        ON CONFLICT (video_id, day) DO UPDATE
        SET views = EXCLUDED.views,
            user_views = EXCLUDED.user_views,
            updated_at = EXCLUDED.updated_at
    `, since.UTC(), s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("%w: upsert video_view_daily: %v", models.ErrPersistence, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("%w: commit rollup: %v", models.ErrPersistence, err)
	}
	return tag.RowsAffected(), nil
}

// DailyViews returns the rolled-up rows for a video ordered by day.
func (s *PostgresStore) DailyViews(ctx context.Context, videoID string) ([]models.VideoViewDaily, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
        SELECT video_id, day, views, user_views, updated_at
        FROM video_view_daily
        WHERE video_id = $1
        ORDER BY day
    `, videoID)
	if err != nil {
		return nil, fmt.Errorf("%w: select video_view_daily: %v", models.ErrPersistence, err)
	}
	defer rows.Close()

	var out []models.VideoViewDaily
	for rows.Next() {
		var row models.VideoViewDaily
		if err := rows.Scan(&row.VideoID, &row.Day, &row.Views, &row.UserViews, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan video_view_daily: %v", models.ErrPersistence, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate video_view_daily: %v", models.ErrPersistence, err)
	}
	return out, nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
