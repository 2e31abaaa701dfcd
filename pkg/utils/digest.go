// Package utils holds digest helpers shared by the ledger and the CLI.
package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Sum256Hex returns the hex-encoded sha256 of data.
func Sum256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FileSum256Hex streams the file at path through sha256.
func FileSum256Hex(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Short returns at most n leading bytes of an identifier or digest.
func Short(id string, n int) string {
	if n < 0 || len(id) <= n {
		return id
	}
	return id[:n]
}
