package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) (*DiskStore, string) {
	dir := t.TempDir()
	store, err := NewDiskStore(dir)
	if err != nil {
		t.Fatalf("NewDiskStore failed: %v", err)
	}
	return store, dir
}

func TestWriteAndRead(t *testing.T) {
	store, _ := newTestStore(t)

	content := "# Title\n\nbody text\n"
	if err := store.Write("notes/today.md", content); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got, err := store.Read("notes/today.md")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got != content {
		t.Errorf("content: got %q, want %q", got, content)
	}
}

func TestReadMissingFile(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.Read("nope.md"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestReadRejectsBinary(t *testing.T) {
	store, dir := newTestStore(t)
	if err := os.WriteFile(filepath.Join(dir, "blob.md"), []byte{0xff, 0xfe, 0x00, 0x80}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Read("blob.md"); !errors.Is(err, ErrBinary) {
		t.Errorf("expected ErrBinary, got %v", err)
	}
}

func TestEmptyPathRejected(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.Read(""); !errors.Is(err, ErrEmptyPath) {
		t.Errorf("Read: %v", err)
	}
	if err := store.Write("", "x"); !errors.Is(err, ErrEmptyPath) {
		t.Errorf("Write: %v", err)
	}
}

func TestPathTraversalConfined(t *testing.T) {
	store, dir := newTestStore(t)
	if err := store.Write("../../escape.md", "outside?"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "escape.md")); err != nil {
		t.Errorf("traversal path not confined to base dir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "..", "..", "escape.md")); err == nil {
		t.Errorf("file escaped the base dir")
	}
}

func TestWriteOverwritesAtomically(t *testing.T) {
	store, dir := newTestStore(t)
	if err := store.Write("doc.md", "first"); err != nil {
		t.Fatal(err)
	}
	if err := store.Write("doc.md", "second"); err != nil {
		t.Fatal(err)
	}
	got, err := store.Read("doc.md")
	if err != nil || got != "second" {
		t.Errorf("got %q, %v", got, err)
	}
	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != "doc.md" {
			t.Errorf("leftover file: %s", e.Name())
		}
	}
}
