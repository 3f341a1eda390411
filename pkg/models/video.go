package models

import (
	"strings"
	"time"
)

// VideoStatus represents the processing status of a video.
type VideoStatus string

const (
	StatusPending   VideoStatus = "pending"
	StatusProcessed VideoStatus = "processed"
	StatusFailed    VideoStatus = "failed"

	// Editorial states owned by other services. Never written by this module.
	StatusPublished VideoStatus = "published"
	StatusRejected  VideoStatus = "rejected"
	StatusArchived  VideoStatus = "archived"
	StatusDeleted   VideoStatus = "deleted"
)

// IsValid returns true if the status is a valid VideoStatus.
func (s VideoStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessed, StatusFailed,
		StatusPublished, StatusRejected, StatusArchived, StatusDeleted:
		return true
	}
	return false
}

// IsPlayable reports whether public playback is allowed in this status.
func (s VideoStatus) IsPlayable() bool {
	return s == StatusProcessed || s == StatusPublished
}

// Video is the persisted record for an uploaded source and its HLS package.
type Video struct {
	ID               string      `dynamodbav:"video_id" json:"video_id"`
	Title            string      `dynamodbav:"title" json:"title"`
	Description      string      `dynamodbav:"description,omitempty" json:"description,omitempty"`
	Transcript       string      `dynamodbav:"transcript,omitempty" json:"transcript,omitempty"`
	FilePath         string      `dynamodbav:"file_path" json:"-"`
	OriginalFilePath string      `dynamodbav:"original_file_path" json:"-"`
	MD5              string      `dynamodbav:"md5" json:"md5"`
	Status           VideoStatus `dynamodbav:"status" json:"status"`
	Duration         float64     `dynamodbav:"duration,omitempty" json:"duration,omitempty"`
	Views            int64       `dynamodbav:"views" json:"views"`
	OwnerID          string      `dynamodbav:"owner_id,omitempty" json:"owner_id,omitempty"`
	CreatedAt        time.Time   `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt        time.Time   `dynamodbav:"updated_at" json:"updated_at"`
}

// HasManifest reports whether FilePath points at an HLS master playlist.
func (v *Video) HasManifest() bool {
	return strings.HasSuffix(v.FilePath, ".m3u8")
}

// VideoViewEvent is an append-only record of one manifest fetch.
type VideoViewEvent struct {
	ID        string    `dynamodbav:"event_id" json:"id"`
	UserID    *string   `dynamodbav:"user_id,omitempty" json:"user_id,omitempty"`
	VideoID   string    `dynamodbav:"video_id" json:"video_id"`
	CreatedAt time.Time `dynamodbav:"created_at" json:"created_at"`
}

// VideoViewDaily is the rolled-up view count for one video on one UTC day.
type VideoViewDaily struct {
	VideoID   string    `json:"video_id"`
	Day       time.Time `json:"day"`
	Views     int64     `json:"views"`
	UserViews int64     `json:"user_views"`
	UpdatedAt time.Time `json:"updated_at"`
}

// VideoJob is a transcode request handed to the worker.
type VideoJob struct {
	VideoID    string `json:"video_id"`
	SourcePath string `json:"source_path"`
}

// Validate checks if the video job has all required fields.
func (j *VideoJob) Validate() error {
	if j.VideoID == "" {
		return ErrMissingVideoID
	}
	if j.SourcePath == "" {
		return ErrMissingSourcePath
	}
	return nil
}
