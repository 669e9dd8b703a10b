// Package watcher implements the fsnotify-based drop-directory auto-ingest
// supplement (SPEC_FULL.md §B, fsnotify row) plus config hot reload, adapted from the teacher's
// watcher.go (debounce map, recursive directory add, ignore-dir/extension
// filtering), calling memory.Manager.Store instead of the teacher's
// ingestFile.
package watcher

import (
	"context"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"agent-mem/internal/config"
	"agent-mem/internal/memory"
	"agent-mem/internal/vectorstore"
)

type Watcher struct {
	manager    *memory.Manager
	settings   config.WatcherConfig
	settingsMu sync.RWMutex
	fsNotify   *fsnotify.Watcher
	debounce   map[string]time.Time
	mu         sync.Mutex
	done       chan struct{}
}

func New(manager *memory.Manager, settings config.WatcherConfig) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		manager:  manager,
		settings: settings,
		fsNotify: fsWatcher,
		debounce: make(map[string]time.Time),
		done:     make(chan struct{}),
	}, nil
}

func (w *Watcher) getSettings() config.WatcherConfig {
	w.settingsMu.RLock()
	defer w.settingsMu.RUnlock()
	return w.settings
}

// UpdateSettings swaps the watcher's filtering/ingest settings in place,
// used by the config hot-reload watcher to apply settings.yaml changes
// (ignore lists, extensions, default category) without restarting the
// already-running fsnotify watches.
func (w *Watcher) UpdateSettings(settings config.WatcherConfig) {
	w.settingsMu.Lock()
	w.settings = settings
	w.settingsMu.Unlock()
}

func (w *Watcher) Close() {
	if w.fsNotify != nil {
		w.fsNotify.Close()
	}
	close(w.done)
}

func (w *Watcher) Start() {
	settings := w.getSettings()
	if !settings.Enabled {
		return
	}
	roots := settings.DropDirs
	if len(roots) == 0 {
		cwd, err := os.Getwd()
		if err == nil {
			roots = []string{cwd}
			log.Printf("watcher: no drop_dirs configured, defaulting to cwd %s", cwd)
		}
	}
	for _, root := range roots {
		if root == "" {
			continue
		}
		if _, err := os.Stat(root); err != nil {
			continue
		}
		w.addRecursive(root)
	}
	go w.eventLoop()
}

func (w *Watcher) addRecursive(root string) {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if w.shouldIgnoreDir(path) {
				return filepath.SkipDir
			}
			if err := w.fsNotify.Add(path); err != nil {
				log.Printf("watcher: cannot watch directory %s: %v", path, err)
			}
		}
		return nil
	})
	if err != nil {
		log.Printf("watcher: walk failed: %v", err)
	}
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsNotify.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsNotify.Errors:
			if !ok {
				return
			}
			log.Printf("watcher: error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Remove == fsnotify.Remove || event.Op&fsnotify.Rename == fsnotify.Rename {
		return
	}

	if event.Op&fsnotify.Create == fsnotify.Create {
		info, err := os.Stat(event.Name)
		if err == nil && info.IsDir() {
			if !w.shouldIgnoreDir(event.Name) {
				w.fsNotify.Add(event.Name)
				w.addRecursive(event.Name)
			}
			return
		}
	}

	if event.Op&fsnotify.Create != fsnotify.Create && event.Op&fsnotify.Write != fsnotify.Write {
		return
	}

	path := event.Name
	if w.shouldIgnoreFile(path) {
		return
	}

	w.mu.Lock()
	lastTime, seen := w.debounce[path]
	now := time.Now()
	if seen && now.Sub(lastTime) < time.Second {
		w.mu.Unlock()
		return
	}
	w.debounce[path] = now
	w.mu.Unlock()

	go w.ingest(path)
}

func (w *Watcher) ingest(path string) {
	time.Sleep(100 * time.Millisecond)
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("watcher: read failed [%s]: %v", path, err)
		return
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return
	}

	category := vectorstore.Category(w.getSettings().DefaultCategory)
	if !vectorstore.ValidCategory(string(category)) {
		category = vectorstore.Semantic
	}

	memoryID, err := w.manager.Store(context.Background(), memory.StoreInput{
		Content:  content,
		Category: category,
		Metadata: map[string]any{"source_path": path, "source": "watcher"},
	})
	if err != nil {
		log.Printf("watcher: ingest failed [%s]: %v", path, err)
		return
	}
	log.Printf("watcher: ingested [%s] as memory %s", path, memoryID)
}

func (w *Watcher) shouldIgnoreDir(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") && base != "." {
		return true
	}
	for _, ignore := range w.getSettings().IgnoreDirs {
		if base == ignore {
			return true
		}
	}
	return false
}

func (w *Watcher) shouldIgnoreFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return true
	}
	ext := filepath.Ext(path)
	for _, allowed := range w.getSettings().Extensions {
		if allowed == ext {
			return false
		}
	}
	return true
}

// WatchConfig hot-reloads settings.yaml, calling onReload with the freshly
// loaded Settings whenever the file changes (teacher's config.go resolution
// logic reused via config.Load).
func WatchConfig(configPath string, onReload func(config.Settings)) (*fsnotify.Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(configPath)
	if err := fsWatcher.Add(dir); err != nil {
		fsWatcher.Close()
		return nil, err
	}
	go func() {
		for event := range fsWatcher.Events {
			if filepath.Clean(event.Name) != filepath.Clean(configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			settings, err := config.Load(configPath)
			if err != nil {
				log.Printf("watcher: config reload failed: %v", err)
				continue
			}
			onReload(settings)
		}
	}()
	return fsWatcher, nil
}
