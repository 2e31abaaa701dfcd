package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// LogStorage saves stage output under BaseDir/<runID>/<stage>.log.
type LogStorage struct {
	BaseDir string
}

// NewLogStorage creates a new log storage handler
func NewLogStorage(baseDir string) *LogStorage {
	return &LogStorage{BaseDir: baseDir}
}

// SaveLog writes the output of one stage of one run and returns the file path.
// A stage that runs again in a later run gets a new directory, never an overwrite.
func (ls *LogStorage) SaveLog(runID, stage, output string) (string, error) {
	dir := filepath.Join(ls.BaseDir, sanitize(runID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating log directory: %w", err)
	}

	path := filepath.Join(dir, sanitize(stage)+".log")
	if err := os.WriteFile(path, []byte(output), 0o644); err != nil {
		return "", fmt.Errorf("writing stage log: %w", err)
	}
	return path, nil
}

// ReadLog returns the stored output of one stage of one run.
func (ls *LogStorage) ReadLog(runID, stage string) (string, error) {
	data, err := os.ReadFile(filepath.Join(ls.BaseDir, sanitize(runID), sanitize(stage)+".log"))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// sanitize removes special characters from names used in paths
func sanitize(name string) string {
	clean := make([]rune, 0, len(name))
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			clean = append(clean, r)
		}
	}
	if len(clean) == 0 || string(clean) == "." || string(clean) == ".." {
		return "stage"
	}
	return string(clean)
}
