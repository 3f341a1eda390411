package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/amillerrr/vod-pipeline/internal/auth"
	"github.com/amillerrr/vod-pipeline/internal/ingest"
	"github.com/amillerrr/vod-pipeline/internal/metrics"
	"github.com/amillerrr/vod-pipeline/internal/playback"
	"github.com/amillerrr/vod-pipeline/internal/storage"
	"github.com/amillerrr/vod-pipeline/internal/transcoder"
	"github.com/amillerrr/vod-pipeline/internal/upload"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

var tracer = otel.Tracer("vod-api")

// Request limits
const (
	MaxRequestBodySize = 1 << 20 // 1 MB
	MultipartOverhead  = 1 << 20
	ChunkHashHeader    = "X-Chunk-SHA256"
)

// ThumbnailLocator maps a video id to its poster frame on disk.
type ThumbnailLocator interface {
	Path(videoID string) string
}

// Handlers contains all HTTP handlers for the API.
type Handlers struct {
	log            *slog.Logger
	uploads        *upload.Manager
	ingest         *ingest.Service
	playback       *playback.Service
	thumbnails     ThumbnailLocator
	maxUploadBytes int64
}

// HandlersConfig holds dependencies for handlers.
type HandlersConfig struct {
	Logger         *slog.Logger
	Uploads        *upload.Manager
	Ingest         *ingest.Service
	Playback       *playback.Service
	Thumbnails     ThumbnailLocator
	MaxUploadBytes int64
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(cfg *HandlersConfig) *Handlers {
	return &Handlers{
		log:            cfg.Logger,
		uploads:        cfg.Uploads,
		ingest:         cfg.Ingest,
		playback:       cfg.Playback,
		thumbnails:     cfg.Thumbnails,
		maxUploadBytes: cfg.MaxUploadBytes,
	}
}

// writeJSON writes a JSON response.
func (h *Handlers) writeJSON(ctx context.Context, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.ErrorContext(ctx, "Failed to encode JSON response", "error", err)
	}
}

// writeError writes an error response.
func (h *Handlers) writeError(ctx context.Context, w http.ResponseWriter, status int, message string) {
	h.writeJSON(ctx, w, status, map[string]string{"error": message})
}

// fail maps err to a status, records it on the span and writes the response.
func (h *Handlers) fail(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusFor(err)
	trace.SpanFromContext(ctx).RecordError(err)

	if status == http.StatusInternalServerError {
		h.log.ErrorContext(ctx, "Request failed", "error", err)
	} else {
		h.log.DebugContext(ctx, "Request rejected", "status", status, "error", err)
	}
	h.writeError(ctx, w, status, errorMessage(status, err))
}

func (h *Handlers) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return err
		}
		return fmt.Errorf("%w: invalid request body", models.ErrValidation)
	}
	return nil
}

func startSpan(w http.ResponseWriter, r *http.Request, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("request.id", w.Header().Get(RequestIDHeader)))
	return tracer.Start(r.Context(), name, trace.WithAttributes(attrs...))
}

// InitUploadHandler opens a chunked upload session.
func (h *Handlers) InitUploadHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := startSpan(w, r, "init-upload-handler")
	defer span.End()

	var req upload.InitRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.fail(ctx, w, err)
		return
	}

	result, err := h.uploads.Init(ctx, auth.UserIDFromContext(ctx), req)
	if err != nil {
		h.fail(ctx, w, err)
		return
	}

	span.SetAttributes(attribute.String("upload.id", result.UploadID))
	h.writeJSON(ctx, w, http.StatusCreated, result)
}

// UploadChunkHandler stores one part of a session. The body is the raw chunk.
func (h *Handlers) UploadChunkHandler(w http.ResponseWriter, r *http.Request) {
	uploadID := r.PathValue("id")
	ctx, span := startSpan(w, r, "upload-chunk-handler", attribute.String("upload.id", uploadID))
	defer span.End()

	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		h.fail(ctx, w, fmt.Errorf("%w: index must be an integer", models.ErrValidation))
		return
	}
	span.SetAttributes(attribute.Int("upload.chunk_index", index))

	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	}

	result, err := h.uploads.Chunk(ctx, auth.UserIDFromContext(ctx), uploadID, index, r.Body, r.Header.Get(ChunkHashHeader))
	if err != nil {
		h.fail(ctx, w, err)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, result)
}

// UploadStatusHandler reports which parts a session holds.
func (h *Handlers) UploadStatusHandler(w http.ResponseWriter, r *http.Request) {
	uploadID := r.PathValue("id")
	ctx, span := startSpan(w, r, "upload-status-handler", attribute.String("upload.id", uploadID))
	defer span.End()

	status, err := h.uploads.Status(ctx, auth.UserIDFromContext(ctx), uploadID)
	if err != nil {
		h.fail(ctx, w, err)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, status)
}

// CompleteUploadRequest is the request payload for completing a session.
type CompleteUploadRequest struct {
	Filename    string `json:"filename"`
	TotalChunks int    `json:"total_chunks"`
}

// CompleteUploadHandler assembles a session and ingests the result.
func (h *Handlers) CompleteUploadHandler(w http.ResponseWriter, r *http.Request) {
	uploadID := r.PathValue("id")
	ctx, span := startSpan(w, r, "complete-upload-handler", attribute.String("upload.id", uploadID))
	defer span.End()

	var req CompleteUploadRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.fail(ctx, w, err)
		return
	}

	assembled, err := h.uploads.Complete(ctx, auth.UserIDFromContext(ctx), uploadID, req.Filename, req.TotalChunks)
	if err != nil {
		h.fail(ctx, w, err)
		return
	}

	result, err := h.ingest.Ingest(ctx, ingest.Source{
		TempPath: assembled.Path,
		Filename: assembled.Filename,
		OwnerID:  assembled.OwnerID,
		MD5:      assembled.MD5,
	})
	if err != nil {
		h.fail(ctx, w, err)
		return
	}

	h.respondIngested(ctx, w, "chunked", result)
}

// DirectUploadHandler ingests a single multipart upload from the "file" field.
func (h *Handlers) DirectUploadHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := startSpan(w, r, "direct-upload-handler")
	defer span.End()

	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+MultipartOverhead)
	}

	reader, err := r.MultipartReader()
	if err != nil {
		h.fail(ctx, w, fmt.Errorf("%w: expected multipart/form-data", models.ErrValidation))
		return
	}

	var src *ingest.Source
	for src == nil {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			h.fail(ctx, w, fmt.Errorf("%w: file field is required", models.ErrValidation))
			return
		}
		if err != nil {
			h.fail(ctx, w, fmt.Errorf("%w: malformed multipart body: %w", models.ErrValidation, err))
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}

		src, err = h.ingest.Stage(part, part.FileName(), auth.UserIDFromContext(ctx))
		part.Close()
		if err != nil {
			h.fail(ctx, w, err)
			return
		}
	}

	result, err := h.ingest.Ingest(ctx, *src)
	if err != nil {
		h.fail(ctx, w, err)
		return
	}

	h.respondIngested(ctx, w, "direct", result)
}

func (h *Handlers) respondIngested(ctx context.Context, w http.ResponseWriter, mode string, result *ingest.Result) {
	metrics.UploadsCompleted.WithLabelValues(mode).Inc()
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("video.id", result.VideoID),
		attribute.Bool("video.duplicate", result.Duplicate),
	)

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	h.writeJSON(ctx, w, status, result)
}

// VideoStatusHandler returns the video summary.
func (h *Handlers) VideoStatusHandler(w http.ResponseWriter, r *http.Request) {
	videoID := r.PathValue("id")
	ctx, span := startSpan(w, r, "video-status-handler", attribute.String("video.id", videoID))
	defer span.End()

	video, err := h.playback.Video(ctx, videoID, false)
	if err != nil {
		h.fail(ctx, w, err)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, video)
}

// ThumbnailHandler serves the poster frame.
func (h *Handlers) ThumbnailHandler(w http.ResponseWriter, r *http.Request) {
	videoID := r.PathValue("id")
	ctx, span := startSpan(w, r, "thumbnail-handler", attribute.String("video.id", videoID))
	defer span.End()

	if _, err := h.playback.Video(ctx, videoID, false); err != nil {
		h.fail(ctx, w, err)
		return
	}

	path := h.thumbnails.Path(videoID)
	if err := serveFile(w, r, path); err != nil {
		h.fail(ctx, w, fmt.Errorf("thumbnail %w", models.ErrNotFound))
	}
}

// MasterHandler returns a handler serving the master playlist. public
// selects the gated variant.
func (h *Handlers) MasterHandler(public bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		videoID := r.PathValue("id")
		ctx, span := startSpan(w, r, "master-playlist-handler",
			attribute.String("video.id", videoID),
			attribute.Bool("playback.public", public),
		)
		defer span.End()

		var (
			data []byte
			err  error
		)
		if r.Method == http.MethodHead {
			data, err = h.playback.Manifest(ctx, videoID, public)
		} else {
			data, err = h.playback.Master(ctx, videoID, auth.UserIDFromContext(ctx), public)
		}
		if err != nil {
			h.fail(ctx, w, err)
			return
		}

		w.Header().Set("Content-Type", storage.ContentType(transcoder.MasterPlaylistName))
		w.Header().Set("Accept-Ranges", "none")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			_, _ = w.Write(data)
		}
	}
}

// AssetHandler returns a handler serving variant playlists, segments and keys.
func (h *Handlers) AssetHandler(public bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		videoID, asset := r.PathValue("id"), r.PathValue("asset")
		ctx, span := startSpan(w, r, "asset-handler",
			attribute.String("video.id", videoID),
			attribute.String("playback.asset", asset),
			attribute.Bool("playback.public", public),
		)
		defer span.End()

		path, err := h.playback.Asset(ctx, videoID, asset, public)
		if err != nil {
			h.fail(ctx, w, err)
			return
		}

		if err := serveFile(w, r, path); err != nil {
			h.fail(ctx, w, models.ErrAssetNotFound)
		}
	}
}

// serveFile writes path with a content type chosen by extension. Range
// requests are honoured.
func serveFile(w http.ResponseWriter, r *http.Request, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		return errors.New("not a regular file")
	}

	w.Header().Set("Content-Type", storage.ContentType(path))
	http.ServeContent(w, r, "", info.ModTime().Truncate(time.Second), f)
	return nil
}
