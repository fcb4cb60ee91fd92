// Package testutil holds fakes and fixtures shared by package tests.
package testutil

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"codeberg.org/snonux/hanzirecall/internal/storage"
	"codeberg.org/snonux/hanzirecall/internal/store"
)

// OpenTestStore opens a fresh SQLite store in a temporary directory.
func OpenTestStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "hanzirecall.db"))
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// NewTestObjectStore creates a file object store in a temporary directory.
func NewTestObjectStore(t *testing.T) *storage.FileStore {
	t.Helper()

	objects, err := storage.NewFileStore(filepath.Join(t.TempDir(), "media"))
	if err != nil {
		t.Fatalf("Failed to create object store: %v", err)
	}
	return objects
}

// CreateTestFile creates a test file with content
func CreateTestFile(t *testing.T, path string, content []byte) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create directory for test file: %v", err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("Failed to create test file %s: %v", path, err)
	}
}

// AssertFileExists checks if a file exists
func AssertFileExists(t *testing.T, path string) {
	t.Helper()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("Expected file to exist: %s", path)
	}
}

// AssertFileNotExists checks if a file does not exist
func AssertFileNotExists(t *testing.T, path string) {
	t.Helper()

	if _, err := os.Stat(path); err == nil {
		t.Errorf("Expected file to not exist: %s", path)
	}
}

// AssertFileContains checks if a file contains a substring
func AssertFileContains(t *testing.T, path string, substring string) {
	t.Helper()

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file %s: %v", path, err)
	}
	if !bytes.Contains(content, []byte(substring)) {
		t.Errorf("File %s does not contain expected substring: %q", path, substring)
	}
}
