// Package upload implements resumable chunked uploads.
package upload

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/vod-pipeline/internal/integrity"
	"github.com/amillerrr/vod-pipeline/internal/metrics"
	"github.com/amillerrr/vod-pipeline/internal/storage"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

const (
	metaFileName  = "meta.json"
	partSuffix    = ".part"
	tmpSuffix     = ".part.tmp"
	writingSuffix = ".writing"
)

var (
	tracer      = otel.Tracer("vod-upload")
	partPattern = regexp.MustCompile(`^(\d+)\.part$`)
)

// Manager owns upload session directories under a single root.
type Manager struct {
	store            storage.SessionStore
	policy           integrity.Policy
	root             string
	rawRoot          string
	defaultChunkSize int64
	minChunkSize     int64
	log              *slog.Logger
	now              func() time.Time
}

// Config holds Manager dependencies.
type Config struct {
	Store            storage.SessionStore
	Policy           integrity.Policy
	UploadRoot       string
	RawRoot          string
	DefaultChunkSize int64
	MinChunkSize     int64
	Logger           *slog.Logger
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	return &Manager{
		store:            cfg.Store,
		policy:           cfg.Policy,
		root:             cfg.UploadRoot,
		rawRoot:          cfg.RawRoot,
		defaultChunkSize: cfg.DefaultChunkSize,
		minChunkSize:     cfg.MinChunkSize,
		log:              cfg.Logger,
		now:              time.Now,
	}
}

// InitRequest opens a session.
type InitRequest struct {
	Filename   string `json:"filename"`
	Size       int64  `json:"size"`
	ChunkSize  int64  `json:"chunk_size,omitempty"`
	FileSHA256 string `json:"file_sha256,omitempty"`
}

// InitResult tells the client how to slice the file.
type InitResult struct {
	UploadID    string `json:"upload_id"`
	ChunkSize   int64  `json:"chunk_size"`
	TotalChunks int    `json:"total_chunks"`
}

// ChunkResult acknowledges a stored part.
type ChunkResult struct {
	Received int  `json:"received"`
	Verified bool `json:"verified"`
}

// Status describes which parts are on disk.
type Status struct {
	UploadID    string              `json:"upload_id"`
	Received    []int               `json:"received"`
	NextIndex   int                 `json:"next_index"`
	TotalChunks int                 `json:"total_chunks"`
	ChunkSize   int64               `json:"chunk_size"`
	Filename    string              `json:"filename"`
	Size        int64               `json:"size"`
	State       models.SessionState `json:"state"`
}

// Assembled is a completed upload ready for ingest. The caller owns Path.
type Assembled struct {
	Path     string
	Filename string
	OwnerID  string
	MD5      string
	Size     int64
}

// Init validates the request, creates the session directory and record.
func (m *Manager) Init(ctx context.Context, ownerID string, req InitRequest) (*InitResult, error) {
	ctx, span := tracer.Start(ctx, "upload-init")
	defer span.End()

	if err := m.policy.ValidateFilename(req.Filename); err != nil {
		return nil, err
	}
	if err := m.policy.ValidateSize(req.Size); err != nil {
		return nil, err
	}

	expected := strings.ToLower(strings.TrimSpace(req.FileSHA256))
	if expected != "" && !isSHA256Hex(expected) {
		return nil, invalidHash("file_sha256")
	}

	chunkSize := req.ChunkSize
	if chunkSize <= 0 {
		chunkSize = m.defaultChunkSize
	}
	chunkSize = max(chunkSize, m.minChunkSize)
	chunkSize = min(chunkSize, req.Size)

	total := int((req.Size + chunkSize - 1) / chunkSize)
	now := m.now().UTC()

	session := &models.UploadSession{
		UploadID:       uuid.NewString(),
		Filename:       req.Filename,
		DeclaredSize:   req.Size,
		ChunkSize:      chunkSize,
		TotalChunks:    total,
		OwnerID:        ownerID,
		ExpectedSHA256: expected,
		State:          models.SessionInit,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	dir := m.sessionDir(session.UploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	if err := writeMeta(dir, session); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	if err := m.store.CreateSession(ctx, session); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("upload.id", session.UploadID),
		attribute.Int("upload.total_chunks", total),
	)
	metrics.UploadsInitiated.Inc()
	m.log.InfoContext(ctx, "Upload session initiated",
		"uploadID", session.UploadID,
		"filename", session.Filename,
		"size", session.DeclaredSize,
		"chunkSize", chunkSize,
		"totalChunks", total,
	)

	return &InitResult{UploadID: session.UploadID, ChunkSize: chunkSize, TotalChunks: total}, nil
}

// Chunk stores one part, replacing any earlier part with the same index.
func (m *Manager) Chunk(ctx context.Context, ownerID, uploadID string, index int, body io.Reader, chunkSHA256 string) (*ChunkResult, error) {
	ctx, span := tracer.Start(ctx, "upload-chunk")
	defer span.End()
	span.SetAttributes(attribute.String("upload.id", uploadID), attribute.Int("upload.index", index))

	session, err := m.openSession(ctx, ownerID, uploadID)
	if err != nil {
		return nil, err
	}
	if !session.IsOpen() {
		return nil, models.ErrSessionClosed
	}
	if index < 0 || index >= session.TotalChunks {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", models.ErrChunkOutOfRange, index, session.TotalChunks)
	}

	expected := strings.ToLower(strings.TrimSpace(chunkSHA256))
	if expected != "" && !isSHA256Hex(expected) {
		return nil, invalidHash("X-Chunk-SHA256")
	}

	dir := m.sessionDir(uploadID)
	if _, err := os.Stat(dir); err != nil {
		return nil, models.ErrSessionNotFound
	}

	name := strconv.Itoa(index)
	marker := filepath.Join(dir, name+writingSuffix)
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		return nil, fmt.Errorf("create write marker: %w", err)
	}
	defer os.Remove(marker)

	tmpPath := filepath.Join(dir, name+tmpSuffix)
	allowed := session.AllowedChunkSize(index)
	hasher := integrity.NewHasher(expected != "")

	n, err := writePart(tmpPath, io.LimitReader(body, allowed+1), hasher)
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}

	if n == 0 {
		_ = os.Remove(tmpPath)
		return nil, models.ErrEmptyUpload
	}
	if n > allowed {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("%w: index %d allows %d bytes", models.ErrChunkTooLarge, index, allowed)
	}

	others, err := storedBytes(dir, index)
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}
	if others+n > session.DeclaredSize {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("%w: %d bytes stored, %d declared", models.ErrDeclaredSizeExceeded, others+n, session.DeclaredSize)
	}

	if expected != "" {
		if err := integrity.VerifyHash("chunk", expected, hasher.SHA256()); err != nil {
			_ = os.Remove(tmpPath)
			metrics.IntegrityFailures.WithLabelValues("chunk").Inc()
			return nil, err
		}
	}

	if err := os.Rename(tmpPath, filepath.Join(dir, name+partSuffix)); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("store part %d: %w", index, err)
	}
	metrics.ChunkBytes.Add(float64(n))

	if session.State == models.SessionInit {
		if err := m.store.UpdateSessionState(ctx, uploadID, models.SessionUploading); err != nil {
			return nil, err
		}
		session.State = models.SessionUploading
		session.UpdatedAt = m.now().UTC()
		if err := writeMeta(dir, session); err != nil {
			m.log.WarnContext(ctx, "Failed to update session sidecar", "uploadID", uploadID, "error", err)
		}
	}

	return &ChunkResult{Received: index, Verified: expected != ""}, nil
}

// Status lists the parts already stored so a client can resume.
func (m *Manager) Status(ctx context.Context, ownerID, uploadID string) (*Status, error) {
	session, err := m.openSession(ctx, ownerID, uploadID)
	if err != nil {
		return nil, err
	}

	received := []int{}
	switch {
	case session.State == models.SessionComplete:
		for i := range session.TotalChunks {
			received = append(received, i)
		}
	case session.IsOpen():
		received, err = receivedParts(m.sessionDir(uploadID), session.TotalChunks)
		if err != nil {
			return nil, err
		}
	}

	next := session.TotalChunks
	for i := range session.TotalChunks {
		if i >= len(received) || received[i] != i {
			next = i
			break
		}
	}

	return &Status{
		UploadID:    session.UploadID,
		Received:    received,
		NextIndex:   next,
		TotalChunks: session.TotalChunks,
		ChunkSize:   session.ChunkSize,
		Filename:    session.Filename,
		Size:        session.DeclaredSize,
		State:       session.State,
	}, nil
}

// Complete assembles every part in index order into a file under the raw
// root, verifies the declared hash, and removes the session directory.
func (m *Manager) Complete(ctx context.Context, ownerID, uploadID, filename string, totalChunks int) (*Assembled, error) {
	ctx, span := tracer.Start(ctx, "upload-complete")
	defer span.End()
	span.SetAttributes(attribute.String("upload.id", uploadID))

	session, err := m.openSession(ctx, ownerID, uploadID)
	if err != nil {
		return nil, err
	}
	if !session.IsOpen() {
		return nil, models.ErrSessionClosed
	}
	if totalChunks != session.TotalChunks {
		return nil, fmt.Errorf("%w: got %d, session has %d", models.ErrChunkCountMismatch, totalChunks, session.TotalChunks)
	}

	if filename == "" {
		filename = session.Filename
	}
	if err := m.policy.ValidateFilename(filename); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(m.rawRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create raw dir: %w", err)
	}
	out, err := os.CreateTemp(m.rawRoot, "assemble-*"+filepath.Ext(filename))
	if err != nil {
		return nil, fmt.Errorf("create assembly file: %w", err)
	}

	assembled := false
	defer func() {
		if !assembled {
			_ = os.Remove(out.Name())
		}
	}()

	hasher := integrity.NewHasher(session.ExpectedSHA256 != "")
	dir := m.sessionDir(uploadID)
	if err := assemble(out, hasher, dir, session.TotalChunks); err != nil {
		_ = out.Close()
		return nil, err
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("close assembly file: %w", err)
	}

	if hasher.Size() != session.DeclaredSize {
		return nil, fmt.Errorf("%w: assembled %d bytes, declared %d", models.ErrIncompleteUpload, hasher.Size(), session.DeclaredSize)
	}
	if session.ExpectedSHA256 != "" {
		if err := integrity.VerifyHash("file", session.ExpectedSHA256, hasher.SHA256()); err != nil {
			metrics.IntegrityFailures.WithLabelValues("file").Inc()
			return nil, err
		}
	}

	if err := os.RemoveAll(dir); err != nil {
		m.log.WarnContext(ctx, "Failed to remove session dir", "uploadID", uploadID, "error", err)
	}
	if err := m.store.UpdateSessionState(ctx, uploadID, models.SessionComplete); err != nil {
		m.log.WarnContext(ctx, "Failed to mark session complete", "uploadID", uploadID, "error", err)
	}

	assembled = true
	m.log.InfoContext(ctx, "Upload assembled",
		"uploadID", uploadID,
		"size", hasher.Size(),
		"md5", hasher.MD5(),
	)

	return &Assembled{
		Path:     out.Name(),
		Filename: filename,
		OwnerID:  session.OwnerID,
		MD5:      hasher.MD5(),
		Size:     hasher.Size(),
	}, nil
}

func (m *Manager) sessionDir(uploadID string) string {
	return filepath.Join(m.root, uploadID)
}

// openSession loads the session and enforces ownership.
func (m *Manager) openSession(ctx context.Context, ownerID, uploadID string) (*models.UploadSession, error) {
	if _, err := uuid.Parse(uploadID); err != nil {
		return nil, models.ErrSessionNotFound
	}

	session, err := m.store.GetSession(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if session.OwnerID != ownerID {
		return nil, models.ErrNotOwner
	}
	return session, nil
}

func assemble(w io.Writer, hasher *integrity.Hasher, dir string, total int) error {
	dst := io.MultiWriter(w, hasher)
	for i := range total {
		part, err := os.Open(filepath.Join(dir, strconv.Itoa(i)+partSuffix))
		if errors.Is(err, fs.ErrNotExist) {
			return &models.MissingChunkError{Index: i}
		}
		if err != nil {
			return fmt.Errorf("open part %d: %w", i, err)
		}
		_, err = io.Copy(dst, part)
		part.Close()
		if err != nil {
			return fmt.Errorf("copy part %d: %w", i, err)
		}
	}
	return nil
}

func writePart(path string, r io.Reader, hasher *integrity.Hasher) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create part: %w", err)
	}

	n, err := io.Copy(io.MultiWriter(f, hasher), r)
	if err != nil {
		f.Close()
		return n, fmt.Errorf("write part: %w", err)
	}
	if err := f.Close(); err != nil {
		return n, fmt.Errorf("close part: %w", err)
	}
	return n, nil
}

// storedBytes sums every stored part except the one at skip.
func storedBytes(dir string, skip int) (int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("list session dir: %w", err)
	}

	var total int64
	for _, e := range entries {
		m := partPattern.FindStringSubmatch(e.Name())
		if m == nil || m[1] == strconv.Itoa(skip) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}

func receivedParts(dir string, total int) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []int{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list session dir: %w", err)
	}

	indices := []int{}
	for _, e := range entries {
		m := partPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil || idx >= total {
			continue
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices, nil
}

func writeMeta(dir string, session *models.UploadSession) error {
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session meta: %w", err)
	}
	tmp := filepath.Join(dir, metaFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write session meta: %w", err)
	}
	return os.Rename(tmp, filepath.Join(dir, metaFileName))
}

func readMeta(dir string) (*models.UploadSession, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if err != nil {
		return nil, err
	}
	var session models.UploadSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func isSHA256Hex(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func invalidHash(field string) error {
	return fmt.Errorf("%w: %s", models.ErrInvalidHash, field)
}
