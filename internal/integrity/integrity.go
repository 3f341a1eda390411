// Package integrity hashes uploads, sniffs their content type and enforces
// filename and size policy.
package integrity

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/amillerrr/vod-pipeline/pkg/models"
)

// MaxFilenameLength bounds client-supplied filenames.
const MaxFilenameLength = 255

// Hasher computes the dedup MD5 and, when requested, a SHA-256 in one pass.
type Hasher struct {
	md5    hash.Hash
	sha256 hash.Hash
	w      io.Writer
	n      int64
}

// NewHasher returns a Hasher. SHA-256 is only computed when withSHA256 is set.
func NewHasher(withSHA256 bool) *Hasher {
	h := &Hasher{md5: md5.New()}
	if withSHA256 {
		h.sha256 = sha256.New()
		h.w = io.MultiWriter(h.md5, h.sha256)
	} else {
		h.w = h.md5
	}
	return h
}

func (h *Hasher) Write(p []byte) (int, error) {
	n, err := h.w.Write(p)
	h.n += int64(n)
	return n, err
}

// MD5 returns the hex MD5 of everything written.
func (h *Hasher) MD5() string { return hex.EncodeToString(h.md5.Sum(nil)) }

// SHA256 returns the hex SHA-256, or "" when it was not requested.
func (h *Hasher) SHA256() string {
	if h.sha256 == nil {
		return ""
	}
	return hex.EncodeToString(h.sha256.Sum(nil))
}

// Size returns the number of bytes written.
func (h *Hasher) Size() int64 { return h.n }

// FileMD5 computes the whole-file MD5 of path.
func FileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ComputeSHA256 returns the hex SHA-256 of data.
func ComputeSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyHash compares a client-declared hex digest against the computed one.
func VerifyHash(scope, expected, received string) error {
	if strings.EqualFold(strings.TrimSpace(expected), received) {
		return nil
	}
	return &models.IntegrityError{Scope: scope, Expected: expected, Received: received}
}

// Sniff detects the MIME type of path from its leading bytes.
func Sniff(path string) (*mimetype.MIME, error) {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, fmt.Errorf("sniff %s: %w", path, err)
	}
	return mtype, nil
}

// IsVideoLike reports whether a sniffed type may hold video. Undetermined
// binary content passes; the encoder is the final judge.
func IsVideoLike(mtype *mimetype.MIME) bool {
	for m := mtype; m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), "video/") {
			return true
		}
	}
	return mtype.Is("application/octet-stream")
}

// CheckVideoContent rejects files whose leading bytes are clearly not video.
// A failed sniff is not treated as a rejection.
func CheckVideoContent(path string) error {
	mtype, err := Sniff(path)
	if err != nil {
		return nil
	}
	if !IsVideoLike(mtype) {
		return fmt.Errorf("%w: detected %s", models.ErrInvalidContentType, mtype.String())
	}
	return nil
}

// Policy holds upload limits.
type Policy struct {
	MaxBytes          int64
	AllowedExtensions []string
}

// ValidateFilename checks presence, length and extension.
func (p Policy) ValidateFilename(filename string) error {
	if strings.TrimSpace(filename) == "" {
		return models.ErrMissingFilename
	}
	if len(filename) > MaxFilenameLength {
		return models.ErrFilenameTooLong
	}

	ext := strings.ToLower(filepath.Ext(filename))
	for _, allowed := range p.AllowedExtensions {
		if ext == allowed {
			return nil
		}
	}
	return fmt.Errorf("%w: allowed extensions are %s", models.ErrInvalidFileType, strings.Join(p.AllowedExtensions, ", "))
}

// ValidateSize checks a declared or observed size against the limit.
func (p Policy) ValidateSize(size int64) error {
	if size <= 0 {
		return models.ErrInvalidSize
	}
	if p.MaxBytes > 0 && size > p.MaxBytes {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", models.ErrTooLarge, size, p.MaxBytes)
	}
	return nil
}

// SanitizeFilename reduces a client filename to a safe base name.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}

	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		return "upload"
	}
	return out
}
