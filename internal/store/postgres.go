package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/contract-toolkit/internal/model"
)

// Pool is the subset of *pgxpool.Pool the store uses. pgxmock pools satisfy
// it in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 1
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	workflow    TEXT NOT NULL,
	input       TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	summary     JSONB,
	started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS outcomes (
	run_id      TEXT NOT NULL REFERENCES runs(id),
	idx         INTEGER NOT NULL,
	entity_key  TEXT NOT NULL,
	results     JSONB NOT NULL,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, idx)
);

CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_outcomes_key ON outcomes(entity_key);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, workflow, input string) (*Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, workflow, input, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
		id, workflow, input, string(RunStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &Run{
		ID:        id,
		Workflow:  workflow,
		Input:     input,
		Status:    RunStatusRunning,
		StartedAt: now,
	}, nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status RunStatus, summary RunSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal summary")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, summary = $2, finished_at = $3 WHERE id = $4`,
		string(status), summaryJSON, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) SaveOutcomes(ctx context.Context, runID string, outcomes []model.Outcome) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin outcomes")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, o := range outcomes {
		rec := toRecord(runID, o)
		resultsJSON, err := json.Marshal(rec.Results)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal results")
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO outcomes (run_id, idx, entity_key, results, duration_ms) VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (run_id, idx) DO UPDATE SET entity_key = $3, results = $4, duration_ms = $5`,
			runID, rec.Index, rec.Key, resultsJSON, rec.DurationMs,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert outcome %d", rec.Index)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit outcomes")
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, workflow, input, status, summary, started_at, finished_at FROM runs WHERE id = $1`,
		runID,
	)
	r, err := scanPgRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: get run %s", runID)
		}
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `SELECT id, workflow, input, status, summary, started_at, finished_at FROM runs WHERE 1=1`
	var args []any
	param := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.Workflow != "" {
		query += ` AND workflow = ` + param(filter.Workflow)
	}
	if filter.Status != "" {
		query += ` AND status = ` + param(string(filter.Status))
	}
	query += ` ORDER BY started_at DESC LIMIT ` + param(listLimit(filter))
	if filter.Offset > 0 {
		query += ` OFFSET ` + param(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) ListOutcomes(ctx context.Context, runID string) ([]OutcomeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, idx, entity_key, results, duration_ms FROM outcomes WHERE run_id = $1 ORDER BY idx`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list outcomes")
	}
	defer rows.Close()

	var out []OutcomeRecord
	for rows.Next() {
		var rec OutcomeRecord
		var resultsJSON []byte
		if err := rows.Scan(&rec.RunID, &rec.Index, &rec.Key, &resultsJSON, &rec.DurationMs); err != nil {
			return nil, eris.Wrap(err, "postgres: scan outcome")
		}
		if err := json.Unmarshal(resultsJSON, &rec.Results); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal results")
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list outcomes iterate")
}

func scanPgRun(row pgx.Row) (*Run, error) {
	var r Run
	var status string
	var summary []byte
	if err := row.Scan(&r.ID, &r.Workflow, &r.Input, &status, &summary, &r.StartedAt, &r.FinishedAt); err != nil {
		return nil, err
	}
	r.Status = RunStatus(status)
	if len(summary) > 0 {
		var sum RunSummary
		if err := json.Unmarshal(summary, &sum); err != nil {
			return nil, eris.Wrap(err, "unmarshal summary")
		}
		r.Summary = &sum
	}
	return &r, nil
}
