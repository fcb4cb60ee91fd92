package storage

import (
	"context"
	"errors"
	"os"
	"testing"
)

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	key := "image/ab/cdef.png"
	if ok, _ := s.Exists(ctx, key); ok {
		t.Fatal("object exists before Put")
	}
	if err := s.Put(ctx, key, []byte("png-bytes")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ok, err := s.Exists(ctx, key); !ok || err != nil {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
	data, err := s.Get(ctx, key)
	if err != nil || string(data) != "png-bytes" {
		t.Fatalf("Get = %q, %v", data, err)
	}

	if err := s.Put(ctx, key, []byte("replaced")); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	data, _ = s.Get(ctx, key)
	if string(data) != "replaced" {
		t.Errorf("overwrite not visible: %q", data)
	}

	entries, _ := os.ReadDir(s.Root() + "/image/ab")
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %d entries", len(entries))
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Errorf("second Delete: %v", err)
	}
	if _, err := s.Get(ctx, key); !errors.Is(err, ErrNotExist) {
		t.Errorf("Get after delete error = %v, want ErrNotExist", err)
	}
}

func TestFileStoreRejectsEscapingKeys(t *testing.T) {
	s, _ := NewFileStore(t.TempDir())
	for _, key := range []string{"", "/etc/passwd", "../outside", "a/../../b", "."} {
		if err := s.Put(context.Background(), key, []byte("x")); err == nil {
			t.Errorf("Put(%q) succeeded, want error", key)
		}
	}
}
