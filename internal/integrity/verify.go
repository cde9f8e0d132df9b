// Package integrity checks downloaded artifacts against published digests.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Verifier computes streaming SHA-256 digests.
type Verifier struct {
	logger *slog.Logger
}

// NewVerifier creates a Verifier.
func NewVerifier(logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{logger: logger}
}

// Verify hashes the file at path and compares it with expectedHex. An empty
// expectedHex skips the comparison and reports a match; a mismatch is
// matched=false with a nil error. Only I/O failures return an error.
func (v *Verifier) Verify(path, expectedHex string) (bool, string, error) {
	expected := strings.TrimSpace(expectedHex)
	if expected == "" {
		v.logger.Warn("no digest published, skipping integrity check", "path", path)
		return true, "", nil
	}

	computed, err := HashFile(path)
	if err != nil {
		return false, "", fmt.Errorf("hashing %s: %w", path, err)
	}
	if !strings.EqualFold(computed, expected) {
		v.logger.Error("digest mismatch", "path", path, "expected", expected, "computed", computed)
		return false, computed, nil
	}
	v.logger.Debug("digest verified", "path", path, "sha256", computed)
	return true, computed, nil
}

// HashFile computes the SHA256 hex digest of an entire file.
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
	return hex.EncodeToString(h.Sum(nil)), nil
}
