package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeEvent describes a configuration file change.
type ChangeEvent struct {
	File      string
	Action    string // create, modify, delete
	Timestamp time.Time
}

// ChangeHandler is called when a watched file changes. Returning an error is
// logged but does not stop the watcher.
type ChangeHandler func(event ChangeEvent) error

// Manager watches a configuration directory and dispatches reload handlers.
// YAML changes feed config reloads; .rego changes feed policy reloads.
type Manager struct {
	dir            string
	logger         *zap.Logger
	watcher        *fsnotify.Watcher
	handlers       []ChangeHandler
	policyHandlers []func() error

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}

	// Debounce: editors often emit several events per save.
	debounce time.Duration
	pending  map[string]*time.Timer
}

// NewManager creates a manager for the given directory. The directory must
// exist; watching starts on Start.
func NewManager(dir string, logger *zap.Logger) (*Manager, error) {
	if dir == "" {
		return nil, fmt.Errorf("config dir is required")
	}
	return &Manager{
		dir:      dir,
		logger:   logger,
		debounce: 250 * time.Millisecond,
		pending:  make(map[string]*time.Timer),
		stopCh:   make(chan struct{}),
	}, nil
}

// OnChange registers a handler for YAML config changes.
func (m *Manager) OnChange(h ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// OnPolicyChange registers a handler invoked when any .rego file changes.
func (m *Manager) OnPolicyChange(h func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policyHandlers = append(m.policyHandlers, h)
}

// Start begins watching. Safe to call once.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(m.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", m.dir, err)
	}
	m.watcher = watcher
	m.started = true

	go m.loop()
	m.logger.Info("Config watcher started", zap.String("dir", m.dir))
	return nil
}

// Stop stops the watcher. Pending debounce timers are discarded.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	close(m.stopCh)
	_ = m.watcher.Close()
	for _, t := range m.pending {
		t.Stop()
	}
	m.started = false
	m.logger.Info("Config watcher stopped")
}

func (m *Manager) loop() {
	for {
		select {
		case <-m.stopCh:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove) == 0 {
				continue
			}
			m.scheduleDispatch(ev)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}

func (m *Manager) scheduleDispatch(ev fsnotify.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.pending[ev.Name]; ok {
		t.Stop()
	}
	m.pending[ev.Name] = time.AfterFunc(m.debounce, func() {
		m.mu.Lock()
		delete(m.pending, ev.Name)
		m.mu.Unlock()
		m.dispatch(ev)
	})
}

func (m *Manager) dispatch(ev fsnotify.Event) {
	action := "modify"
	switch {
	case ev.Op&fsnotify.Create != 0:
		action = "create"
	case ev.Op&fsnotify.Remove != 0:
		action = "delete"
	}

	ext := strings.ToLower(filepath.Ext(ev.Name))
	m.mu.Lock()
	handlers := append([]ChangeHandler(nil), m.handlers...)
	policyHandlers := append([]func() error(nil), m.policyHandlers...)
	m.mu.Unlock()

	switch ext {
	case ".rego":
		for _, h := range policyHandlers {
			if err := h(); err != nil {
				m.logger.Warn("Policy reload handler failed",
					zap.String("file", ev.Name), zap.Error(err))
			}
		}
	case ".yaml", ".yml", ".json":
		event := ChangeEvent{File: ev.Name, Action: action, Timestamp: time.Now()}
		for _, h := range handlers {
			if err := h(event); err != nil {
				m.logger.Warn("Config reload handler failed",
					zap.String("file", ev.Name), zap.Error(err))
			}
		}
	}
}
