// Package store persists run history: one row per batch run and one per
// entity outcome.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/contract-toolkit/internal/config"
	"github.com/sells-group/contract-toolkit/internal/model"
)

// RunStatus is the lifecycle state of a batch run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = eris.New("store: not found")

// Run is one invocation of a workflow over a key file.
type Run struct {
	ID         string      `json:"id"`
	Workflow   string      `json:"workflow"`
	Input      string      `json:"input"`
	Status     RunStatus   `json:"status"`
	Summary    *RunSummary `json:"summary,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// RunSummary is stored when a run finishes.
type RunSummary struct {
	Keys      int            `json:"keys"`
	Outcomes  int            `json:"outcomes"`
	Counts    map[string]int `json:"counts"`
	TimedOut  int            `json:"timed_out"`
	ElapsedMs int64          `json:"elapsed_ms"`
	Output    string         `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// OutcomeRecord is a stored entity outcome.
type OutcomeRecord struct {
	RunID      string              `json:"run_id"`
	Index      int                 `json:"index"`
	Key        string              `json:"key"`
	Results    []model.StageResult `json:"results"`
	DurationMs int64               `json:"duration_ms"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Workflow string    `json:"workflow,omitempty"`
	Status   RunStatus `json:"status,omitempty"`
	Limit    int       `json:"limit,omitempty"`
	Offset   int       `json:"offset,omitempty"`
}

// Store defines the run history persistence interface.
type Store interface {
	CreateRun(ctx context.Context, workflow, input string) (*Run, error)
	FinishRun(ctx context.Context, runID string, status RunStatus, summary RunSummary) error
	SaveOutcomes(ctx context.Context, runID string, outcomes []model.Outcome) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)
	ListOutcomes(ctx context.Context, runID string) ([]OutcomeRecord, error)

	Migrate(ctx context.Context) error
	Close() error
}

// Open creates the store selected by cfg and applies its migration.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	var (
		st  Store
		err error
	)
	switch cfg.Driver {
	case "", "sqlite":
		st, err = NewSQLite(cfg.DatabaseURL)
	case "postgres":
		st, err = NewPostgres(ctx, cfg.DatabaseURL)
	case "none":
		return Nop{}, nil
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// Nop discards everything. It backs the "none" driver.
type Nop struct{}

func (Nop) CreateRun(_ context.Context, workflow, input string) (*Run, error) {
	return &Run{Workflow: workflow, Input: input, Status: RunStatusRunning, StartedAt: time.Now().UTC()}, nil
}
func (Nop) FinishRun(context.Context, string, RunStatus, RunSummary) error { return nil }
func (Nop) SaveOutcomes(context.Context, string, []model.Outcome) error    { return nil }
func (Nop) GetRun(context.Context, string) (*Run, error)                   { return nil, ErrNotFound }
func (Nop) ListRuns(context.Context, RunFilter) ([]Run, error)             { return nil, nil }
func (Nop) ListOutcomes(context.Context, string) ([]OutcomeRecord, error)  { return nil, nil }
func (Nop) Migrate(context.Context) error                                  { return nil }
func (Nop) Close() error                                                   { return nil }

func toRecord(runID string, o model.Outcome) OutcomeRecord {
	return OutcomeRecord{
		RunID:      runID,
		Index:      o.Index,
		Key:        o.Key.String(),
		Results:    o.Results,
		DurationMs: o.Duration.Milliseconds(),
	}
}

func listLimit(f RunFilter) int {
	if f.Limit <= 0 {
		return 100
	}
	return f.Limit
}
