package fsutil

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// HashFile calculates a SHA-256 hex digest of a file's contents, used
// for quick change-detection logging (not the loader's full integrity
// check — see internal/pkg/crypto.VerifyIntegrity for that).
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil))[:16], nil // first 16 chars suffice for a log line
}
