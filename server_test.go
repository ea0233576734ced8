package nbd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func tempExport(t *testing.T, size int64) *Export {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	ex, err := NewExport(path, "test", "a test export", false)
	if err != nil {
		t.Fatal(err)
	}
	return ex
}

func TestListenAndServeContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sockFile := filepath.Join(t.TempDir(), "nbd.sock")
	ex := tempExport(t, 1<<20)

	exited := make(chan error, 1)
	go func() {
		exited <- ListenAndServe(ctx, nil, ex, "127.0.0.1:0", sockFile)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-time.After(time.Second):
		t.Error("server did not shut down after context was cancelled")
	case err := <-exited:
		if err != nil {
			t.Errorf("ListenAndServe returned an error: %v", err)
		}
		if _, statErr := os.Stat(sockFile); !os.IsNotExist(statErr) {
			t.Errorf("unix socket file was not removed on shutdown")
		}
	}
}

func TestListenAndServeContextNoCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ex := tempExport(t, 1<<20)

	exited := make(chan error, 1)
	go func() {
		exited <- ListenAndServe(ctx, nil, ex, "127.0.0.1:0", "")
	}()

	select {
	case <-time.After(100 * time.Millisecond):
		// No cancel was called, so ListenAndServe should still be running.
	case err := <-exited:
		t.Errorf("server shut down without its context being cancelled: %v", err)
	}
	cancel()
}
