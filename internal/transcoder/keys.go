package transcoder

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
)

const (
	keyDirName      = "keys"
	keyFileName     = "enc.key"
	keyInfoFileName = "enc.keyinfo"
	keySize         = 16
)

// KeyInfoFileName is the ffmpeg key info file written next to the master playlist.
// It holds an absolute path and is never published.
const KeyInfoFileName = keyInfoFileName

// WriteKey generates one AES-128 key for every rendition of a package and
// writes the ffmpeg key info file. Returns the key info path.
func WriteKey(outputDir string) (string, error) {
	keyDir := filepath.Join(outputDir, keyDirName)
	if err := os.MkdirAll(keyDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create key dir: %w", err)
	}

	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}

	keyPath := filepath.Join(keyDir, keyFileName)
	if err := os.WriteFile(keyPath, key, 0o600); err != nil {
		return "", fmt.Errorf("failed to write key: %w", err)
	}

	absKeyPath, err := filepath.Abs(keyPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve key path: %w", err)
	}

	// Line 1 is the URI written into variant playlists, relative to <rendition>/<rendition>.m3u8.
	info := "../" + keyDirName + "/" + keyFileName + "\n" + absKeyPath + "\n"
	infoPath := filepath.Join(outputDir, keyInfoFileName)
	if err := os.WriteFile(infoPath, []byte(info), 0o600); err != nil {
		return "", fmt.Errorf("failed to write key info: %w", err)
	}

	return infoPath, nil
}
