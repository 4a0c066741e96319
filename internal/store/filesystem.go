package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const tmpPrefix = ".tmp-"

// FileStore keeps artifacts as <dir>/<jobID>.png on local disk.
type FileStore struct {
	dir string
}

// NewFileStore creates the results directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create results dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(jobID string) string {
	return filepath.Join(s.dir, jobID+".png")
}

// Put writes to a temp file in the same directory and renames it into place,
// so Get and Sweep never see a half-written artifact.
func (s *FileStore) Put(_ context.Context, jobID string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(s.dir, tmpPrefix+jobID+"-*")
	if err != nil {
		return "", fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close artifact: %w", err)
	}
	dest := s.path(jobID)
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("publish artifact: %w", err)
	}
	return dest, nil
}

// Get returns the artifact bytes, or ErrNotFound if none exists.
func (s *FileStore) Get(_ context.Context, jobID string) ([]byte, error) {
	data, err := os.ReadFile(s.path(jobID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return data, nil
}

// Sweep deletes artifacts whose age exceeds ttl and returns how many it
// removed. Stale temp files from interrupted writes are cleaned up too, but
// not counted.
func (s *FileStore) Sweep(_ context.Context, ttl time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read results dir: %w", err)
	}
	cutoff := time.Now().Add(-ttl)
	deleted := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		isArtifact := strings.HasSuffix(name, ".png") && !strings.HasPrefix(name, tmpPrefix)
		if !isArtifact && !strings.HasPrefix(name, tmpPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Raced with a concurrent delete.
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return deleted, fmt.Errorf("remove expired artifact %s: %w", name, err)
		}
		if isArtifact {
			deleted++
		}
	}
	return deleted, nil
}
