package integrity

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/amillerrr/vod-pipeline/pkg/models"
)

// mp4Header is the leading ftyp box of an ISO base media file.
var mp4Header = append([]byte("\x00\x00\x00\x20ftypisom\x00\x00\x02\x00isomiso2avc1mp41"), make([]byte, 64)...)

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestHasher(t *testing.T) {
	h := NewHasher(true)
	if _, err := h.Write([]byte("hello ")); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Write([]byte("world")); err != nil {
		t.Fatal(err)
	}

	if got, want := h.MD5(), "5eb63bbbe01eeed093cb22bb8f5acdc3"; got != want {
		t.Errorf("MD5() = %s, want %s", got, want)
	}
	if got, want := h.SHA256(), ComputeSHA256([]byte("hello world")); got != want {
		t.Errorf("SHA256() = %s, want %s", got, want)
	}
	if h.Size() != 11 {
		t.Errorf("Size() = %d, want 11", h.Size())
	}

	if NewHasher(false).SHA256() != "" {
		t.Error("SHA256() should be empty when not requested")
	}
}

func TestFileMD5(t *testing.T) {
	path := writeTemp(t, "a.bin", []byte("hello world"))

	got, err := FileMD5(path)
	if err != nil {
		t.Fatalf("FileMD5() error = %v", err)
	}
	if got != "5eb63bbbe01eeed093cb22bb8f5acdc3" {
		t.Errorf("FileMD5() = %s", got)
	}

	if _, err := FileMD5(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("FileMD5() expected error for missing file")
	}
}

func TestVerifyHash(t *testing.T) {
	digest := ComputeSHA256([]byte("chunk"))

	if err := VerifyHash("chunk", strings.ToUpper(digest), digest); err != nil {
		t.Errorf("VerifyHash() should ignore case, got %v", err)
	}

	err := VerifyHash("file", "deadbeef", digest)
	if !errors.Is(err, models.ErrIntegrity) {
		t.Fatalf("VerifyHash() error = %v, want ErrIntegrity", err)
	}
	var ie *models.IntegrityError
	if !errors.As(err, &ie) || ie.Expected != "deadbeef" || ie.Received != digest || ie.Scope != "file" {
		t.Errorf("VerifyHash() error = %#v", err)
	}
}

func TestCheckVideoContent(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr bool
	}{
		{"mp4", mp4Header, false},
		{"undetermined binary", []byte{0x00, 0x01, 0x02, 0xff, 0xfe, 0x10, 0x00, 0x00}, false},
		{"plain text", []byte("this is definitely not a video file\n"), true},
		{"pdf", []byte("%PDF-1.7\n%\xe2\xe3\xcf\xd3\n1 0 obj\n"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTemp(t, "upload.mp4", tt.data)
			err := CheckVideoContent(path)
			if tt.wantErr {
				if !errors.Is(err, models.ErrValidation) {
					t.Errorf("CheckVideoContent() error = %v, want ErrValidation", err)
				}
				return
			}
			if err != nil {
				t.Errorf("CheckVideoContent() unexpected error = %v", err)
			}
		})
	}
}

func TestPolicy_ValidateFilename(t *testing.T) {
	p := Policy{AllowedExtensions: []string{".mp4", ".mov"}}

	tests := []struct {
		name     string
		filename string
		wantErr  error
	}{
		{"valid", "clip.mp4", nil},
		{"upper case extension", "CLIP.MOV", nil},
		{"empty", "  ", models.ErrMissingFilename},
		{"too long", strings.Repeat("a", 300) + ".mp4", models.ErrFilenameTooLong},
		{"bad extension", "notes.txt", models.ErrInvalidFileType},
		{"no extension", "clip", models.ErrInvalidFileType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.ValidateFilename(tt.filename)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidateFilename() unexpected error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateFilename() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPolicy_ValidateSize(t *testing.T) {
	p := Policy{MaxBytes: 100}

	if err := p.ValidateSize(100); err != nil {
		t.Errorf("ValidateSize(100) error = %v", err)
	}
	if err := p.ValidateSize(0); !errors.Is(err, models.ErrInvalidSize) {
		t.Errorf("ValidateSize(0) error = %v, want ErrInvalidSize", err)
	}
	if err := p.ValidateSize(101); !errors.Is(err, models.ErrTooLarge) {
		t.Errorf("ValidateSize(101) error = %v, want ErrTooLarge", err)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"clip.mp4":              "clip.mp4",
		"../../etc/passwd.mp4":  "passwd.mp4",
		`C:\videos\my clip.mov`: "my_clip.mov",
		"..hidden.mp4":          "hidden.mp4",
		"$$$":                   "upload",
	}

	for in, want := range tests {
		if got := SanitizeFilename(in); got != want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
