package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const defaultListLimit = 50

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Run Operations
// =============================================================================

// RecordStart inserts a run in running state.
func (s *SQLiteStore) RecordStart(ctx context.Context, run *Run) error {
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO runs (id, step, config_path, image, container, output_path, status, exit_code, started_at, finished_at)
		VALUES (:id, :step, :config_path, :image, :container, :output_path, :status, :exit_code, :started_at, :finished_at)`,
		run)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return NewStoreError("RecordStart", "run", run.ID, "run already recorded", ErrDuplicateID)
		}
		return NewStoreError("RecordStart", "run", run.ID, err.Error(), err)
	}
	return nil
}

// RecordFinish marks a run as finished with its final status and exit code.
func (s *SQLiteStore) RecordFinish(ctx context.Context, id string, status string, exitCode int, finishedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, exit_code = ?, finished_at = ? WHERE id = ?`,
		status, exitCode, finishedAt.UTC(), id)
	if err != nil {
		return NewStoreError("RecordFinish", "run", id, err.Error(), err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return NewStoreError("RecordFinish", "run", id, err.Error(), err)
	}
	if affected == 0 {
		return NewStoreError("RecordFinish", "run", id, "run not found", ErrNotFound)
	}
	return nil
}

// GetRun fetches a single run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	var run Run
	err := s.db.GetContext(ctx, &run, `SELECT * FROM runs WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetRun", "run", id, "run not found", ErrNotFound)
		}
		return nil, NewStoreError("GetRun", "run", id, err.Error(), err)
	}
	return &run, nil
}

// ListRuns returns runs newest-first, optionally filtered by step.
func (s *SQLiteStore) ListRuns(ctx context.Context, opts ListOptions) ([]Run, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var runs []Run
	var err error
	if opts.Step != "" {
		err = s.db.SelectContext(ctx, &runs, `
			SELECT * FROM runs WHERE step = ? ORDER BY started_at DESC, id DESC LIMIT ?`,
			opts.Step, limit)
	} else {
		err = s.db.SelectContext(ctx, &runs, `
			SELECT * FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`,
			limit)
	}
	if err != nil {
		return nil, NewStoreError("ListRuns", "run", "", err.Error(), err)
	}
	return runs, nil
}
