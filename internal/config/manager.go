package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Status describes the currently loaded configuration.
type Status struct {
	Path        string
	Checksum    string
	LoadedAt    time.Time
	ReloadCount uint64
}

// Manager handles configuration loading and hot-reload.
// It uses atomic pointer swaps so readers never see a partial update.
type Manager struct {
	config atomic.Pointer[Config]
	status atomic.Pointer[Status]
	path   string
	logger *slog.Logger

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	onChange []func(*Config)
	reloads  atomic.Uint64
}

// NewManager loads path and returns a manager holding it.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{path: path, logger: logger}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	return m.config.Load()
}

// Status returns load metadata for the current configuration.
func (m *Manager) Status() Status {
	return *m.status.Load()
}

// OnChange registers a callback invoked after each successful reload.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Reload re-reads the file. On error the current configuration is kept.
func (m *Manager) Reload() error {
	if err := m.load(); err != nil {
		return err
	}

	m.mu.Lock()
	callbacks := append([]func(*Config){}, m.onChange...)
	m.mu.Unlock()

	cfg := m.Get()
	for _, fn := range callbacks {
		fn(cfg)
	}
	return nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	cfg, err := Parse(data)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(data)

	m.config.Store(cfg)
	m.status.Store(&Status{
		Path:        m.path,
		Checksum:    hex.EncodeToString(sum[:]),
		LoadedAt:    time.Now(),
		ReloadCount: m.reloads.Add(1),
	})
	return nil
}

// Watch starts watching the configuration file. Editors that replace the
// file are handled by watching its directory.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		_ = watcher.Close()
		return err
	}

	m.mu.Lock()
	m.watcher = watcher
	m.mu.Unlock()

	go m.watchLoop(ctx, watcher)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	const debounceDelay = 500 * time.Millisecond
	var debounce *time.Timer
	target := filepath.Clean(m.path)

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				if err := m.Reload(); err != nil {
					m.logger.Error("config reload failed, keeping current", "error", err)
					return
				}
				m.logger.Info("configuration reloaded", "checksum", m.Status().Checksum[:12])
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("config watcher error", "error", err)
		}
	}
}

// Close stops the watcher.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
