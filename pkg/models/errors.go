package models

import (
	"errors"
	"fmt"
)

// Error classes. Every error surfaced by the pipeline wraps one of these.
var (
	ErrValidation  = errors.New("validation failed")
	ErrIntegrity   = errors.New("integrity check failed")
	ErrResource    = errors.New("resource unavailable")
	ErrProcessing  = errors.New("processing failed")
	ErrPersistence = errors.New("persistence failed")
	ErrForbidden   = errors.New("forbidden")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("record conflict")
	ErrTooLarge    = errors.New("upload exceeds maximum size")
)

// Sentinel errors for upload operations.
var (
	ErrMissingFilename    = fmt.Errorf("%w: filename is required", ErrValidation)
	ErrFilenameTooLong    = fmt.Errorf("%w: filename too long", ErrValidation)
	ErrInvalidFileType    = fmt.Errorf("%w: file extension not allowed", ErrValidation)
	ErrInvalidContentType = fmt.Errorf("%w: content is not a video", ErrValidation)
	ErrInvalidSize        = fmt.Errorf("%w: size must be positive", ErrValidation)
	ErrChunkOutOfRange    = fmt.Errorf("%w: chunk index out of range", ErrValidation)
	ErrChunkCountMismatch = fmt.Errorf("%w: total_chunks does not match session", ErrValidation)
	ErrSessionClosed      = fmt.Errorf("%w: upload session is closed", ErrValidation)
	ErrEmptyUpload        = fmt.Errorf("%w: upload is empty", ErrValidation)
	ErrInvalidHash        = fmt.Errorf("%w: hash must be 64 hex characters", ErrValidation)

	ErrChunkTooLarge        = fmt.Errorf("%w: chunk exceeds negotiated size", ErrResource)
	ErrDeclaredSizeExceeded = fmt.Errorf("%w: declared size exceeded", ErrResource)
	ErrIncompleteUpload     = fmt.Errorf("%w: assembled size does not match declared size", ErrResource)

	ErrSessionNotFound = fmt.Errorf("upload session %w", ErrNotFound)
	ErrNotOwner        = fmt.Errorf("%w: caller does not own this upload", ErrForbidden)
)

// Sentinel errors for video operations.
var (
	ErrMissingVideoID    = fmt.Errorf("%w: video_id is required", ErrValidation)
	ErrMissingSourcePath = fmt.Errorf("%w: source_path is required", ErrValidation)

	ErrMissingBinary = fmt.Errorf("%w: missing dependency", ErrResource)
	ErrFFmpegFailed  = fmt.Errorf("%w: ffmpeg execution failed", ErrProcessing)
	ErrProbeFailed   = fmt.Errorf("%w: ffprobe execution failed", ErrProcessing)

	ErrVideoNotFound    = fmt.Errorf("video %w", ErrNotFound)
	ErrManifestNotReady = fmt.Errorf("manifest %w", ErrNotFound)
	ErrAssetNotFound    = fmt.Errorf("asset %w", ErrNotFound)
	ErrPathTraversal    = fmt.Errorf("%w: path escapes video directory", ErrForbidden)
	ErrNotPublished     = fmt.Errorf("%w: video is not published", ErrForbidden)
	ErrInvalidStatus    = fmt.Errorf("%w: invalid video status", ErrValidation)
)

// IntegrityError reports a hash mismatch between what the client declared and what arrived.
type IntegrityError struct {
	Scope    string
	Expected string
	Received string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s hash mismatch: expected %s, received %s", e.Scope, e.Expected, e.Received)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

// MissingChunkError names the first part absent at assembly time.
type MissingChunkError struct {
	Index int
}

func (e *MissingChunkError) Error() string {
	return fmt.Sprintf("missing chunk %d", e.Index)
}

func (e *MissingChunkError) Unwrap() error { return ErrResource }
