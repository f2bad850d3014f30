// Package archive moves expired audit ledger segments to cold storage. A
// segment is written once under a caller-chosen key and is never rewritten.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ColdStore persists archive segments.
type ColdStore interface {
	// Put writes data under key and returns a reference for Get. Writing an
	// existing key with identical content is a no-op.
	Put(ctx context.Context, key string, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// Checksum returns the hex SHA-256 of data, as recorded in segment manifests.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FileStore keeps segments under a local directory.
type FileStore struct {
	baseDir string
}

// NewFileStore creates the base directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

// Put writes data atomically: temp file, fsync, rename.
func (s *FileStore) Put(_ context.Context, key string, data []byte) (string, error) {
	path, err := s.path(key)
	if err != nil {
		return "", err
	}
	if existing, err := os.ReadFile(path); err == nil {
		if Checksum(existing) == Checksum(data) {
			return "file://" + key, nil
		}
		return "", fmt.Errorf("archive segment %s already exists with different content", key)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("create segment dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".segment-*")
	if err != nil {
		return "", fmt.Errorf("create temp segment: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write segment: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("sync segment: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close segment: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("publish segment: %w", err)
	}
	return "file://" + key, nil
}

// Get reads a segment written by Put.
func (s *FileStore) Get(_ context.Context, ref string) ([]byte, error) {
	path, err := s.path(strings.TrimPrefix(ref, "file://"))
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read segment %s: %w", ref, err)
	}
	return data, nil
}

func (s *FileStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid archive key %q", key)
	}
	return filepath.Join(s.baseDir, clean), nil
}
