package watcher

import (
	"testing"

	"agent-mem/internal/config"
)

func newTestWatcher(t *testing.T, settings config.WatcherConfig) *Watcher {
	t.Helper()
	w, err := New(nil, settings)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { w.fsNotify.Close() })
	return w
}

func TestShouldIgnoreDirDotfilesAndConfigured(t *testing.T) {
	w := newTestWatcher(t, config.WatcherConfig{IgnoreDirs: []string{"node_modules"}})
	if !w.shouldIgnoreDir("/repo/.git") {
		t.Fatalf(".git should be ignored")
	}
	if !w.shouldIgnoreDir("/repo/node_modules") {
		t.Fatalf("node_modules should be ignored (configured)")
	}
	if w.shouldIgnoreDir("/repo/src") {
		t.Fatalf("src should not be ignored")
	}
}

func TestShouldIgnoreFileExtensionAllowList(t *testing.T) {
	w := newTestWatcher(t, config.WatcherConfig{Extensions: []string{".md", ".txt"}})
	if w.shouldIgnoreFile("/drop/notes.md") {
		t.Fatalf(".md should not be ignored")
	}
	if !w.shouldIgnoreFile("/drop/notes.bin") {
		t.Fatalf(".bin should be ignored (not in allow-list)")
	}
	if !w.shouldIgnoreFile("/drop/.hidden.md") {
		t.Fatalf("dotfiles should always be ignored")
	}
}

func TestStartNoOpWhenDisabled(t *testing.T) {
	w := newTestWatcher(t, config.WatcherConfig{Enabled: false})
	w.Start()
	select {
	case <-w.fsNotify.Events:
		t.Fatalf("watcher emitted an event despite being disabled")
	default:
	}
}
