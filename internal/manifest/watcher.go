package manifest

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Manager holds the current manifest and reloads it when the file changes.
type Manager struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	current *Manifest
	subs    []chan *Manifest
}

// NewManager creates a manager for the manifest at path.
func NewManager(path string) *Manager {
	return &Manager{
		path:   path,
		logger: slog.With("component", "manifest"),
	}
}

// Load reads the manifest from disk and makes it current.
func (m *Manager) Load() (*Manifest, error) {
	mf, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.current = mf
	m.mu.Unlock()
	return mf, nil
}

// Current returns the last successfully loaded manifest.
func (m *Manager) Current() *Manifest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Subscribe returns a channel that receives the new manifest after each
// successful reload. Slow subscribers miss updates rather than blocking the
// watcher.
func (m *Manager) Subscribe(buffer int) <-chan *Manifest {
	ch := make(chan *Manifest, buffer)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

func (m *Manager) publish(mf *Manifest) {
	m.mu.RLock()
	subs := append([]chan *Manifest{}, m.subs...)
	m.mu.RUnlock()
	for _, ch := range subs {
		select {
		case ch <- mf:
		default:
		}
	}
}

// Watch reloads the manifest on file changes until the context is
// cancelled. The containing directory is watched because editors replace
// files via rename; reloads are debounced to skip partial writes. A reload
// that fails validation keeps the previous manifest in force.
func (m *Manager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return err
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			mf, err := m.Load()
			if err != nil {
				m.logger.Warn("Manifest reload failed, keeping previous version", "error", err)
				return
			}
			m.logger.Info("Manifest reloaded", "services", len(mf.Services))
			m.publish(mf)
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-w.Events:
			if ev.Name == filepath.Join(dir, file) {
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					debounce()
				}
			}
		case <-w.Errors:
			// keep watching
		}
	}
}
