package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

// countingReloader records how many times Reload was invoked, and lets a
// test force the next call to fail.
type countingReloader struct {
	calls   chan struct{}
	failNext bool
}

func newCountingReloader() *countingReloader {
	return &countingReloader{calls: make(chan struct{}, 16)}
}

func (r *countingReloader) Reload() error {
	if r.failNext {
		r.failNext = false
		return errReloadFailed
	}
	r.calls <- struct{}{}
	return nil
}

var errReloadFailed = &testReloadError{}

type testReloadError struct{}

func (*testReloadError) Error() string { return "simulated reload failure" }

func testLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	l, err := zap.NewDevelopment()
	if err != nil {
		t.Fatal(err)
	}
	return l.Sugar()
}

func TestWatcher_DetectsFileChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}

	reloader := newCountingReloader()
	w, err := New(path, reloader, testLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.Start()
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte(`{"changed":true}`), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-reloader.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Reload to be called after file write")
	}
}

func TestWatcher_DetectsAtomicRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}

	reloader := newCountingReloader()
	w, err := New(path, reloader, testLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.Start()
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)

	tmp := filepath.Join(dir, "config.json.tmp")
	if err := os.WriteFile(tmp, []byte(`{"renamed":true}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}

	select {
	case <-reloader.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Reload to be called after atomic rename")
	}
}

func TestWatcher_InvalidConfigDoesNotCrashLoop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}

	reloader := newCountingReloader()
	reloader.failNext = true
	w, err := New(path, reloader, testLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.Start()
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte(`{"broken":true}`), 0o644); err != nil {
		t.Fatal(err)
	}

	// The failed reload never pushes to calls; give the debounce window
	// time to fire and then confirm the watch loop is still alive by
	// triggering a second, successful change.
	time.Sleep(500 * time.Millisecond)

	if err := os.WriteFile(path, []byte(`{"fixed":true}`), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-reloader.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("expected watch loop to survive a failed reload and process the next change")
	}
}

func TestWatcher_StopGracefully(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := New(path, newCountingReloader(), testLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.Start()
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() timed out - possible deadlock")
	}
}
