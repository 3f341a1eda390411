package transcoder

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// MasterPlaylistName is the file name of the top-level playlist.
const MasterPlaylistName = "master.m3u8"

var indexedVariantURI = regexp.MustCompile(`^(\d+)/index\.m3u8$`)

// FinalizeLayout renames ffmpeg's numbered rendition directories to their
// ladder names and rewrites playlist URIs to match. Returns the master path.
func FinalizeLayout(outputDir string, renditions []Rendition) (string, error) {
	names := make(map[string]string, len(renditions))

	for i, r := range renditions {
		idx := strconv.Itoa(i)
		names[idx] = r.Name

		src := filepath.Join(outputDir, idx)
		if _, err := os.Stat(src); err != nil {
			continue
		}

		dst := filepath.Join(outputDir, r.Name)
		if err := os.RemoveAll(dst); err != nil {
			return "", fmt.Errorf("failed to clear %s: %w", dst, err)
		}
		if err := os.Rename(src, dst); err != nil {
			return "", fmt.Errorf("failed to rename rendition %s: %w", r.Name, err)
		}

		oldPlaylist := filepath.Join(dst, "index.m3u8")
		if _, err := os.Stat(oldPlaylist); err == nil {
			if err := os.Rename(oldPlaylist, filepath.Join(dst, r.Name+".m3u8")); err != nil {
				return "", fmt.Errorf("failed to rename playlist %s: %w", r.Name, err)
			}
		}
	}

	masterPath := filepath.Join(outputDir, MasterPlaylistName)
	if err := rewriteFile(masterPath, func(line string) string {
		m := indexedVariantURI.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			return line
		}
		name, ok := names[m[1]]
		if !ok {
			name = m[1]
		}
		return name + "/" + name + ".m3u8"
	}); err != nil {
		return "", fmt.Errorf("failed to rewrite master playlist: %w", err)
	}

	for _, r := range renditions {
		playlist := filepath.Join(outputDir, r.Name, r.Name+".m3u8")
		if _, err := os.Stat(playlist); err != nil {
			continue
		}
		if err := rewriteFile(playlist, prefixSegmentURI); err != nil {
			return "", fmt.Errorf("failed to rewrite %s playlist: %w", r.Name, err)
		}
	}

	return masterPath, nil
}

// prefixSegmentURI points bare segment names at the segments/ subdirectory.
func prefixSegmentURI(line string) string {
	if line == "" || strings.HasPrefix(line, "#") {
		return line
	}
	uri, _, _ := strings.Cut(line, "?")
	if strings.HasSuffix(uri, ".ts") && !strings.Contains(uri, "/") {
		return "segments/" + line
	}
	return line
}

func rewriteFile(path string, fn func(string) string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	for i, line := range lines {
		lines[i] = fn(strings.TrimRight(line, "\r"))
	}

	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644)
}
