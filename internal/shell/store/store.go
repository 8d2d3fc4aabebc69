package store

import (
	"context"
	"time"
)

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

// Run is one recorded notebook execution.
type Run struct {
	ID         string     `db:"id"`
	Step       string     `db:"step"`
	ConfigPath string     `db:"config_path"`
	Image      string     `db:"image"`
	Container  string     `db:"container"`
	OutputPath string     `db:"output_path"`
	Status     string     `db:"status"`
	ExitCode   int        `db:"exit_code"`
	StartedAt  time.Time  `db:"started_at"`
	FinishedAt *time.Time `db:"finished_at"`
}

// Duration returns how long the run took, or how long it has been running.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt != nil {
		return r.FinishedAt.Sub(r.StartedAt)
	}
	return time.Since(r.StartedAt)
}

// Store defines the run ledger interface.
type Store interface {
	RecordStart(ctx context.Context, run *Run) error
	RecordFinish(ctx context.Context, id string, status string, exitCode int, finishedAt time.Time) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, opts ListOptions) ([]Run, error)
	Close() error
}

// ListOptions filters and bounds a run listing.
type ListOptions struct {
	Step  string // "" for all steps
	Limit int    // 0 for the default limit
}
