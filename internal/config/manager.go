package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "livetimeline/pkg/logx"
	"livetimeline/pkg/yamlx"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second
)

// Manager owns the config file: it loads it once, then watches it and
// delivers each accepted edit on Updates. Rejected edits leave the
// committed config in place.
type Manager struct {
	path    string
	log     logx.Logger
	check   func(*Config) error
	updates chan *Config

	mu  sync.RWMutex
	cfg *Config
	sum uint64
}

func NewManager(path string) *Manager {
	return &Manager{path: path, updates: make(chan *Config, 1)}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator adds a check that runs after Validate on every reload, for
// rules that live outside this package. Call before Watch.
func (m *Manager) SetValidator(fn func(*Config) error) { m.check = fn }

func (m *Manager) Path() string { return m.path }

// Current returns the last committed config.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Updates delivers committed reloads. Only the newest pending config is
// kept; a slow reader skips intermediate edits.
func (m *Manager) Updates() <-chan *Config { return m.updates }

// Load reads, validates and commits the file. It does not publish.
func (m *Manager) Load() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := Decode(m.path, raw)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", m.path, err)
	}
	m.commit(cfg, checksum(raw))
	return cfg, nil
}

// Decode parses raw as JSON, or YAML when path says so. Unknown keys and
// trailing documents are errors. Defaults and environment overrides are
// applied to the result.
func Decode(path string, raw []byte) (*Config, error) {
	if yamlx.IsPath(path) {
		var err error
		if raw, err = yamlx.ToJSON(raw); err != nil {
			return nil, err
		}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			err = errors.New("trailing data")
		}
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := ApplyEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (m *Manager) commit(cfg *Config, sum uint64) {
	m.mu.Lock()
	m.cfg = cfg
	m.sum = sum
	m.mu.Unlock()
}

func checksum(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// reload re-reads the file and publishes it if it changed and passes both
// Validate and the external check.
func (m *Manager) reload() {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		m.log.Warn("config read failed", logx.String("path", m.path), logx.Err(err))
		return
	}
	sum := checksum(raw)
	m.mu.RLock()
	same := sum == m.sum
	m.mu.RUnlock()
	if same {
		m.log.Debug("config unchanged", logx.String("path", m.path))
		return
	}

	cfg, err := Decode(m.path, raw)
	if err == nil {
		err = Validate(cfg)
	}
	if err == nil && m.check != nil {
		err = m.check(cfg)
	}
	if err != nil {
		m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
		return
	}

	m.commit(cfg, sum)
	select {
	case <-m.updates:
	default:
	}
	m.updates <- cfg
	m.log.Debug("config published", logx.String("path", m.path), logx.String("sum", fmt.Sprintf("%x", sum)))
}

// Watch reloads the file after edits until ctx ends. The directory is
// watched so editors that replace the file are seen. A broken watcher is
// recreated with capped backoff.
func (m *Manager) Watch(ctx context.Context) error {
	backoff := watchBackoffMin
	for {
		started, err := m.watch(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if started {
			backoff = watchBackoffMin
		}
		m.log.Warn("config watcher stopped; restarting", logx.Err(err), logx.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, watchBackoffMax)
	}
}

func (m *Manager) watch(ctx context.Context) (bool, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, err
	}
	defer w.Close()
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return false, err
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", name))

	// Editors often write in several steps; reload once they settle.
	debounce := time.NewTimer(reloadDebounce)
	debounce.Stop()
	defer debounce.Stop()
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-w.Events:
			if !ok {
				return true, errors.New("watcher closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), name) {
				debounce.Reset(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return true, errors.New("watcher closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events were lost; assume the file changed.
				debounce.Reset(reloadDebounce)
				continue
			}
			m.log.Warn("config watch error", logx.String("dir", dir), logx.Err(err))
		case <-debounce.C:
			m.reload()
		}
	}
}
