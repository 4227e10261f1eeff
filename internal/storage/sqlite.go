package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"livetimeline/internal/timeline"
	logx "livetimeline/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load returns os.ErrNotExist for an empty table so a fresh database is
// treated like a missing file.
func (s *sqliteStore) Load(ctx context.Context) (timeline.Timeline, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM timeline_items ORDER BY position`)
	if err != nil {
		return nil, persistErr("query", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			s.log.Warn("failed to close rows", logx.Err(err))
		}
	}()

	tl := timeline.Timeline{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, persistErr("scan", err)
		}
		var it timeline.Item
		if err := json.Unmarshal([]byte(body), &it); err != nil {
			return nil, persistErr("decode", err)
		}
		tl = append(tl, it)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("query", err)
	}
	if len(tl) == 0 {
		var n int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM timeline_meta`).Scan(&n); err != nil || n == 0 {
			return nil, persistErr("load", os.ErrNotExist)
		}
	}
	return tl, nil
}

// Save rewrites every row in one transaction.
func (s *sqliteStore) Save(ctx context.Context, tl timeline.Timeline) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM timeline_items`); err != nil {
		return persistErr("clear", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO timeline_items(position, id, body) VALUES(?,?,?)`)
	if err != nil {
		return persistErr("prepare", err)
	}
	defer stmt.Close()
	for i, it := range tl {
		body, err := json.Marshal(it)
		if err != nil {
			return persistErr("encode", err)
		}
		if _, err := stmt.ExecContext(ctx, i, it.ID, string(body)); err != nil {
			return persistErr("insert", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO timeline_meta(key, value) VALUES('saved', 1)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
	); err != nil {
		return persistErr("mark", err)
	}
	if err := tx.Commit(); err != nil {
		return persistErr("commit", err)
	}
	s.log.Debug("timeline saved", logx.Int("items", len(tl)))
	return nil
}
