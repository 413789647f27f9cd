package crypto

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"strings"

	"github.com/tinyhost/kvmengine/internal/domain"
)

// HashString returns the first 16 hex characters of a string's SHA-256
// digest, used for log correlation ids rather than integrity checks.
func HashString(s string) string {
	h := sha256.New()
	h.Write([]byte(s))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// NewHasher returns the hash.Hash matching algo, or nil for HashNone.
func NewHasher(algo domain.HashAlgo) hash.Hash {
	switch algo {
	case domain.HashSHA256:
		return sha256.New()
	case domain.HashMD5:
		return md5.New()
	default:
		return nil
	}
}

// VerifyIntegrity hashes r with algo and compares the hex digest
// against wantHex, case-insensitively. A HashNone algo always passes —
// integrity checking is optional per tenant (§4.1).
func VerifyIntegrity(r io.Reader, algo domain.HashAlgo, wantHex string) (bool, error) {
	h := NewHasher(algo)
	if h == nil {
		return true, nil
	}
	if _, err := io.Copy(h, r); err != nil {
		return false, err
	}
	return strings.EqualFold(hex.EncodeToString(h.Sum(nil)), wantHex), nil
}
