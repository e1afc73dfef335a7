package tracestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/veldt-labs/cascade/internal/config"
	_ "modernc.org/sqlite"
)

// Transit records one frame crossing one stage, keyed to the turn it
// belongs to.
type Transit struct {
	ID        int64
	TurnID    string
	Kind      string
	Category  string
	Direction string
	Meta      []byte
	CreatedAt time.Time
}

// Store wraps a SQLite-backed trace timeline for pipeline turns.
type Store struct {
	db    *sql.DB
	cfg   config.TraceStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the trace store according to config. Ephemeral retention
// skips persistence entirely.
func Open(ctx context.Context, cfg config.TraceStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("trace store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("trace store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	// timestamps are unix nanoseconds so ordering and retention cutoffs are
	// plain integer comparisons
	ddl := `
CREATE TABLE IF NOT EXISTS turns (
    turn_id TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL,
    ended_at INTEGER
);
CREATE TABLE IF NOT EXISTS transits (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    turn_id TEXT NOT NULL,
    kind TEXT,
    category TEXT,
    direction TEXT,
    meta BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(turn_id) REFERENCES turns(turn_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_transits_turn_created ON transits(turn_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginTurn ensures a turn row exists.
func (s *Store) BeginTurn(ctx context.Context, turnID string) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns(turn_id, created_at) VALUES(?, ?)
		 ON CONFLICT(turn_id) DO NOTHING`,
		turnID, s.clock().UnixNano())
	return err
}

// EndTurn stamps a turn's completion.
func (s *Store) EndTurn(ctx context.Context, turnID string) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE turns SET ended_at = ? WHERE turn_id = ?`,
		s.clock().UnixNano(), turnID)
	return err
}

// AppendTransit writes one frame transit into the store. Metadata is stored
// as JSON so it survives losslessly alongside the timing columns.
func (s *Store) AppendTransit(ctx context.Context, t Transit) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transits(turn_id, kind, category, direction, meta, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		t.TurnID, t.Kind, t.Category, t.Direction, t.Meta, t.CreatedAt.UnixNano())
	return err
}

// ListTurnTransits retrieves up to limit transits for a turn ordered
// ascending by time.
func (s *Store) ListTurnTransits(ctx context.Context, turnID string, limit int) ([]Transit, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, turn_id, kind, category, direction, meta, created_at
		 FROM transits WHERE turn_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, turnID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transits []Transit
	for rows.Next() {
		var t Transit
		var created int64
		if err := rows.Scan(&t.ID, &t.TurnID, &t.Kind, &t.Category, &t.Direction, &t.Meta, &created); err != nil {
			return nil, err
		}
		t.CreatedAt = time.Unix(0, created).UTC()
		transits = append(transits, t)
	}
	return transits, rows.Err()
}

// Prune applies configured retention (called on startup and can be
// scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM transits WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM turns WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxTurns > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM turns WHERE turn_id IN (
			SELECT turn_id FROM turns ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxTurns)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

func encodeMeta(meta map[string]any) []byte {
	if len(meta) == 0 {
		return nil
	}
	encoded := make(map[string]string, len(meta))
	for k, v := range meta {
		encoded[k] = fmt.Sprint(v)
	}
	data, err := json.Marshal(encoded)
	if err != nil {
		return nil
	}
	return data
}
