package fsguard

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherCoalescesIntoBatch(t *testing.T) {
	dir := t.TempDir()
	ws := NewWatcherSet()
	sub, err := ws.Subscribe(dir)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	path := filepath.Join(dir, "a.txt")
	os.WriteFile(path, []byte("1"), 0o644)
	time.Sleep(20 * time.Millisecond)
	os.WriteFile(path, []byte("12"), 0o644)

	select {
	case batch := <-sub.Batches():
		if len(batch) == 0 {
			t.Fatal("expected a non-empty batch")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a coalesced batch")
	}
}

func TestWatcherSetRefcounts(t *testing.T) {
	dir := t.TempDir()
	ws := NewWatcherSet()

	sub1, err := ws.Subscribe(dir)
	if err != nil {
		t.Fatalf("subscribe 1: %v", err)
	}
	sub2, err := ws.Subscribe(dir)
	if err != nil {
		t.Fatalf("subscribe 2: %v", err)
	}

	ws.mu.Lock()
	w := ws.watchers[sub1.w.root]
	ws.mu.Unlock()
	if w == nil {
		t.Fatal("expected a shared watcher entry")
	}
	if w != sub2.w {
		t.Fatal("expected both subscriptions to share the same underlying watcher")
	}

	sub1.Close()
	ws.mu.Lock()
	_, stillPresent := ws.watchers[dir]
	ws.mu.Unlock()
	if !stillPresent {
		t.Fatal("watcher should survive while a second subscriber remains")
	}

	sub2.Close()
	ws.mu.Lock()
	_, present := ws.watchers[dir]
	ws.mu.Unlock()
	if present {
		t.Fatal("watcher should be torn down once the last subscriber leaves")
	}
}

func TestIgnoresHiddenAndExcludedPaths(t *testing.T) {
	dir := t.TempDir()
	ws := NewWatcherSet()
	sub, err := ws.Subscribe(dir)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	os.Mkdir(filepath.Join(dir, "node_modules"), 0o755)
	os.WriteFile(filepath.Join(dir, "node_modules", "pkg.json"), []byte("{}"), 0o644)
	os.WriteFile(filepath.Join(dir, ".hidden"), []byte("x"), 0o644)

	select {
	case batch := <-sub.Batches():
		t.Fatalf("expected no batch for excluded paths, got %v", batch)
	case <-time.After(400 * time.Millisecond):
	}
}
