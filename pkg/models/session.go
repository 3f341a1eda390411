package models

import "time"

// SessionState tracks a chunked upload through its lifecycle.
type SessionState string

const (
	SessionInit      SessionState = "init"
	SessionUploading SessionState = "uploading"
	SessionComplete  SessionState = "complete"
	SessionExpired   SessionState = "expired"
)

// UploadSession is a resumable, chunked upload.
type UploadSession struct {
	UploadID       string       `dynamodbav:"upload_id" json:"upload_id"`
	Filename       string       `dynamodbav:"filename" json:"filename"`
	DeclaredSize   int64        `dynamodbav:"declared_size" json:"size"`
	ChunkSize      int64        `dynamodbav:"chunk_size" json:"chunk_size"`
	TotalChunks    int          `dynamodbav:"total_chunks" json:"total_chunks"`
	OwnerID        string       `dynamodbav:"owner_id" json:"owner_id"`
	ExpectedSHA256 string       `dynamodbav:"expected_sha256,omitempty" json:"file_sha256,omitempty"`
	State          SessionState `dynamodbav:"state" json:"state"`
	CreatedAt      time.Time    `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt      time.Time    `dynamodbav:"updated_at" json:"updated_at"`
}

// IsOpen reports whether the session still accepts chunks.
func (s *UploadSession) IsOpen() bool {
	return s.State == SessionInit || s.State == SessionUploading
}

// AllowedChunkSize returns the maximum number of bytes the part at index may hold.
// Every part is ChunkSize bytes except the last, which carries the remainder.
func (s *UploadSession) AllowedChunkSize(index int) int64 {
	if index == s.TotalChunks-1 {
		if rem := s.DeclaredSize - s.ChunkSize*int64(s.TotalChunks-1); rem > 0 {
			return rem
		}
	}
	return s.ChunkSize
}
