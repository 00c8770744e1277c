package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalCopiesIntoFolder(t *testing.T) {
	src := filepath.Join(t.TempDir(), "front_door_1.jpg")
	if err := os.WriteFile(src, []byte("jpeg"), 0o600); err != nil {
		t.Fatal(err)
	}

	folder := filepath.Join(t.TempDir(), "snapshots")
	url, err := NewLocal(folder).StoreFile(context.Background(), src)
	if err != nil {
		t.Fatalf("StoreFile: %v", err)
	}

	if !strings.HasPrefix(url, "file://") || !strings.HasSuffix(url, "front_door_1.jpg") {
		t.Errorf("unexpected url %q", url)
	}

	data, err := os.ReadFile(filepath.Join(folder, "front_door_1.jpg"))
	if err != nil || string(data) != "jpeg" {
		t.Errorf("file not copied: %v", err)
	}
}

func TestLocalWithoutFolderKeepsFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.jpg")
	if err := os.WriteFile(src, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	url, err := NewLocal("").StoreFile(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if url != "file://"+src {
		t.Errorf("url = %q, want file://%s", url, src)
	}
}

func TestContentType(t *testing.T) {
	if contentType("a.JPG") != "image/jpeg" || contentType("b.bin") != "application/octet-stream" {
		t.Errorf("unexpected content types")
	}
}
