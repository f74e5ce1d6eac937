package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/contract-toolkit/internal/model"
)

// ErrTaskTimeout is the detail recorded for an entity that ran out of time.
var ErrTaskTimeout = eris.New("task timeout")

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithWorkers sets the maximum number of entities processed concurrently.
func WithWorkers(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithTaskTimeout sets the time budget of one entity's pipeline.
func WithTaskTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.taskTimeout = d
		}
	}
}

// WithProgressEvery logs progress after every n completed entities. Zero
// disables progress logging.
func WithProgressEvery(n int) RunnerOption {
	return func(r *Runner) {
		r.progressEvery = n
	}
}

// Runner fans a pipeline out over many keys with bounded concurrency.
type Runner struct {
	exec          *Executor
	workers       int
	taskTimeout   time.Duration
	progressEvery int

	completed atomic.Int64
	total     atomic.Int64
}

// NewRunner creates a Runner that calls api.
func NewRunner(api API, opts ...RunnerOption) *Runner {
	r := &Runner{
		exec:          NewExecutor(api),
		workers:       10,
		taskTimeout:   30 * time.Second,
		progressEvery: 100,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Summary describes a finished run.
type Summary struct {
	Workflow string               `json:"workflow"`
	Keys     int                  `json:"keys"`
	Outcomes int                  `json:"outcomes"`
	Counts   map[model.Status]int `json:"counts"`
	ByStage  model.StageCounts    `json:"by_stage"`
	TimedOut int                  `json:"timed_out"`
	Elapsed  time.Duration        `json:"elapsed"`

	// Err is set when the run was aborted because the API rejected its
	// credentials. Entities not yet finished were recorded as failed.
	Err error `json:"-"`
}

// Progress returns how many entities have finished out of the current run.
func (r *Runner) Progress() (completed, total int64) {
	return r.completed.Load(), r.total.Load()
}

// Run processes every key and returns one outcome per key, in input order
// once sorted. Per-entity failures, timeouts and cancellation all produce
// outcomes; nothing is dropped. A credential failure aborts the remaining
// entities and is reported in Summary.Err.
func (r *Runner) Run(ctx context.Context, p *Pipeline, keys []model.Key) (*model.ResultTable, Summary) {
	start := time.Now()
	table := model.NewResultTable(len(keys))
	summary := Summary{Workflow: p.Name, Keys: len(keys)}

	r.completed.Store(0)
	r.total.Store(int64(len(keys)))
	if len(keys) == 0 {
		summary.Counts = map[model.Status]int{}
		summary.ByStage = model.StageCounts{}
		return table, summary
	}

	log := zap.L().With(zap.String("workflow", p.Name))
	workers := min(r.workers, len(keys))
	log.Info("starting run", zap.Int("keys", len(keys)), zap.Int("workers", workers))

	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)

	var (
		abortOnce sync.Once
		abortErr  error
	)
	exec := &Executor{api: r.exec.api, abort: func(err error) {
		abortOnce.Do(func() {
			abortErr = err
			log.Error("credentials rejected, aborting run", zap.Error(err))
			cancelRun(err)
		})
	}}

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(workers)

	var timedOut atomic.Int64
	for i, key := range keys {
		g.Go(func() error {
			o, expired := r.runTask(gctx, exec, p, i, key)
			if expired {
				timedOut.Add(1)
			}
			table.Add(o)
			r.tick(log)
			return nil // don't abort other entities
		})
	}
	_ = g.Wait()

	summary.Outcomes = table.Len()
	summary.Counts = table.Counts()
	summary.ByStage = table.CountsByStage()
	summary.TimedOut = int(timedOut.Load())
	summary.Elapsed = time.Since(start)
	summary.Err = abortErr

	fields := []zap.Field{
		zap.Int("keys", summary.Keys),
		zap.Int("outcomes", summary.Outcomes),
		zap.Int("timed_out", summary.TimedOut),
		zap.Duration("elapsed", summary.Elapsed),
	}
	for _, s := range model.Statuses {
		fields = append(fields, zap.Int(string(s), summary.Counts[s]))
	}
	if abortErr != nil {
		fields = append(fields, zap.Error(abortErr))
	}
	log.Info("run complete", fields...)

	return table, summary
}

// runTask executes the pipeline for one key under the task timeout. The
// pipeline runs in its own goroutine so a stuck call cannot hold the worker
// past its budget; partial results of a timed-out entity are discarded.
func (r *Runner) runTask(ctx context.Context, exec *Executor, p *Pipeline, index int, key model.Key) (model.Outcome, bool) {
	start := time.Now()
	tctx, cancel := context.WithTimeout(ctx, r.taskTimeout)
	defer cancel()

	done := make(chan []model.StageResult, 1)
	go func() {
		done <- exec.Execute(tctx, p, key)
	}()

	var results []model.StageResult
	select {
	case results = <-done:
	case <-tctx.Done():
	}

	expired := false
	switch {
	case ctx.Err() != nil:
		if results == nil {
			results = cancelled(ctx, p)
		}
	case tctx.Err() != nil:
		// A deadline that passed before the results were observed wins.
		results = r.timedOut(p, key)
		expired = true
	}

	return model.Outcome{
		Index:    index,
		Key:      key,
		Results:  results,
		Duration: time.Since(start),
	}, expired
}

// cancelled fails every stage of an entity cut short by the parent context,
// citing the cancellation cause.
func cancelled(parent context.Context, p *Pipeline) []model.StageResult {
	detail := context.Cause(parent).Error()
	results := make([]model.StageResult, len(p.Stages))
	for i, st := range p.Stages {
		results[i] = model.StageResult{Stage: st.Name, Status: model.StatusFailed, Detail: detail}
	}
	return results
}

// timedOut is the synthetic result of an entity that exceeded its budget:
// the first stage failed, the rest omitted.
func (r *Runner) timedOut(p *Pipeline, key model.Key) []model.StageResult {
	zap.L().Warn("task timeout",
		zap.String("workflow", p.Name),
		zap.String("key", key.String()),
		zap.Duration("timeout", r.taskTimeout),
	)
	return []model.StageResult{{
		Stage:  p.Stages[0].Name,
		Status: model.StatusFailed,
		Detail: ErrTaskTimeout.Error(),
	}}
}

func (r *Runner) tick(log *zap.Logger) {
	n := r.completed.Add(1)
	if r.progressEvery > 0 && n%int64(r.progressEvery) == 0 {
		log.Info("progress", zap.Int64("completed", n), zap.Int64("total", r.total.Load()))
	}
}
