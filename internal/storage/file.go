package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"livetimeline/internal/timeline"
	logx "livetimeline/pkg/logx"
	"livetimeline/pkg/yamlx"
)

// fileStore keeps the whole timeline in one document.
//
// Writes go to <path>.tmp and are renamed over <path>, so a reader never
// sees a half-written file.
type fileStore struct {
	log  logx.Logger
	path string
	yaml bool

	mu sync.Mutex
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &fileStore{
		log:  log,
		path: path,
		yaml: yamlx.IsPath(path),
	}, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) Load(ctx context.Context) (timeline.Timeline, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if err != nil {
		return nil, persistErr("read", err)
	}
	if s.yaml {
		if b, err = yamlx.ToJSON(b); err != nil {
			return nil, persistErr("decode", err)
		}
	}
	var tl timeline.Timeline
	if err := json.Unmarshal(b, &tl); err != nil {
		return nil, persistErr("decode", err)
	}
	return tl, nil
}

func (s *fileStore) Save(ctx context.Context, tl timeline.Timeline) error {
	_ = ctx
	if tl == nil {
		tl = timeline.Timeline{}
	}
	b, err := json.MarshalIndent(tl, "", "  ")
	if err != nil {
		return persistErr("encode", err)
	}
	if s.yaml {
		if b, err = yamlx.FromJSON(b); err != nil {
			return persistErr("encode", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return persistErr("write", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return persistErr("rename", err)
	}
	s.log.Debug("timeline saved", logx.String("path", s.path), logx.Int("items", len(tl)))
	return nil
}
