package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pithecene-io/namazing/types"
)

// SQLiteStore implements Store using SQLite.
// Events are not persisted; loaded runs carry an empty event list.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database at dsn and creates the schema.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, wrap(err, "open", dsn)
	}

	// Each connection to :memory: is its own database.
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, wrap(fmt.Errorf("%s: %w", pragma, err), "open", dsn)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, wrap(err, "migrate", dsn)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			brief TEXT NOT NULL,
			mode TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS run_results (
			run_id TEXT PRIMARY KEY,
			result TEXT NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Save upserts the run row and its result in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, run *types.Run) error {
	if err := validateForSave(run); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(err, "save", run.ID)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, brief, mode, status, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			brief = excluded.brief,
			mode = excluded.mode,
			status = excluded.status,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		run.ID, run.Brief, string(run.Mode), string(run.Status),
		nullString(run.Error), formatTime(run.CreatedAt), formatTime(run.UpdatedAt))
	if err != nil {
		return wrap(err, "save", run.ID)
	}

	if len(run.Result) > 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_results (run_id, result) VALUES (?, ?)
			ON CONFLICT(run_id) DO UPDATE SET result = excluded.result`,
			run.ID, string(run.Result))
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM run_results WHERE run_id = ?`, run.ID)
	}
	if err != nil {
		return wrap(err, "save", run.ID)
	}

	return wrap(tx.Commit(), "save", run.ID)
}

// Load retrieves a run by ID. Returns (nil, nil) if not found.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*types.Run, error) {
	if !ValidID(id) {
		return nil, nil
	}

	var (
		run                  types.Run
		mode, status         string
		runErr, result       sql.NullString
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT r.id, r.brief, r.mode, r.status, r.error, r.created_at, r.updated_at, rr.result
		FROM runs r
		LEFT JOIN run_results rr ON rr.run_id = r.id
		WHERE r.id = ?`, id).
		Scan(&run.ID, &run.Brief, &mode, &status, &runErr, &createdAt, &updatedAt, &result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap(err, "load", id)
	}

	run.Mode = types.RunMode(mode)
	run.Status = types.RunStatus(status)
	run.Error = runErr.String
	run.Events = []types.Event{}
	if result.Valid {
		run.Result = json.RawMessage(result.String)
	}
	if run.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, NewStorageError(ErrCorrupt, "load", id, err)
	}
	if run.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, NewStorageError(ErrCorrupt, "load", id, err)
	}
	return &run, nil
}

// Delete removes the run and its result.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if !ValidID(id) {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(err, "delete", id)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_results WHERE run_id = ?`, id); err != nil {
		return wrap(err, "delete", id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id); err != nil {
		return wrap(err, "delete", id)
	}
	return wrap(tx.Commit(), "delete", id)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
