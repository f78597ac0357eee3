package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/stagehand/stagehand/internal/fault"
)

// Store persists manager snapshots to SQLite. A single writer connection
// serialises writes; snapshots are stored whole as JSON rows and only the
// newest one matters on restore.
type Store struct {
	db *sqlx.DB
}

// OpenStore opens (and creates if needed) the snapshot database at path.
func OpenStore(path string) (*Store, error) {
	normalized := normalizeSQLitePath(path)
	if err := ensureSQLiteDir(normalized); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=5000&_journal_mode=WAL", normalized)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &Store{db: db}
	if err := st.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return st, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// initSchema creates the database tables if they don't exist
func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			taken_at TIMESTAMP NOT NULL,
			data TEXT NOT NULL
		)
	`)
	return err
}

// Save writes a snapshot and prunes all older ones.
func (s *Store) Save(ctx context.Context, snap *Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (taken_at, data) VALUES (?, ?)`,
		snap.TakenAt.UTC(), string(payload)); err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM snapshots WHERE id < (SELECT MAX(id) FROM snapshots)`); err != nil {
		return fmt.Errorf("failed to prune snapshots: %w", err)
	}
	return tx.Commit()
}

// Load returns the newest snapshot, or a fault.NotFound error when the
// store is empty.
func (s *Store) Load(ctx context.Context) (*Snapshot, error) {
	var row struct {
		TakenAt time.Time `db:"taken_at"`
		Data    string    `db:"data"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT taken_at, data FROM snapshots ORDER BY id DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.NotFound, "no snapshot stored")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(row.Data), &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func ensureSQLiteDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func normalizeSQLitePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
