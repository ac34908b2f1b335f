// Package storage is the file I/O collaborator. The engine core never
// touches the filesystem directly; reads and writes happen only here, at
// the boundary, where non-text input is rejected before it can reach the
// converters.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unicode/utf8"
)

var (
	ErrNotFound  = errors.New("storage: file not found")
	ErrBinary    = errors.New("storage: file is not valid UTF-8 text")
	ErrEmptyPath = errors.New("storage: path is required")
)

// Store reads and writes markdown documents.
type Store interface {
	Read(path string) (string, error)
	Write(path string, content string) error
}

// DiskStore implements Store against a base directory on local disk.
type DiskStore struct {
	baseDir string
}

// NewDiskStore creates the base directory if needed.
func NewDiskStore(baseDir string) (*DiskStore, error) {
	if baseDir == "" {
		baseDir = "."
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create documents dir: %w", err)
	}
	return &DiskStore{baseDir: baseDir}, nil
}

// Read loads a document, rejecting binary content at the boundary so
// unrecoverable input never reaches the conversion core.
func (s *DiskStore) Read(path string) (string, error) {
	full, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if !utf8.Valid(data) {
		return "", ErrBinary
	}
	return string(data), nil
}

// Write persists a document atomically: write to a temp file in the same
// directory, then rename over the target.
func (s *DiskStore) Write(path string, content string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".inkdown-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// resolve confines paths to the base directory.
func (s *DiskStore) resolve(path string) (string, error) {
	if path == "" {
		return "", ErrEmptyPath
	}
	clean := filepath.Clean("/" + path)
	return filepath.Join(s.baseDir, clean), nil
}
