// Package contenthash computes the sharing key used across the Job Store,
// Waveform Store, and Stem Cache: a 64-hex-digit sha256 digest over audio
// sample data with tag metadata stripped.
package contenthash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Length is the number of hex characters in a content hash.
const Length = 64

// OfReader hashes raw audio bytes read from r. Callers are responsible for
// positioning r past any tag/metadata header before calling this — the
// control plane does not parse audio containers itself.
func OfReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hash audio stream: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// OfFile hashes the bytes of the file at path in full. Callers are expected
// to have stripped metadata upstream; this is the fallback used when no
// pre-computed hash is supplied.
func OfFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s for hashing: %w", path, err)
	}
	defer f.Close()
	return OfReader(f)
}

// Valid reports whether s looks like a well-formed content hash.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}
