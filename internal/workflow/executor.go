package workflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/sells-group/contract-toolkit/internal/auth"
	"github.com/sells-group/contract-toolkit/internal/model"
	"github.com/sells-group/contract-toolkit/pkg/contractapi"
)

// API is the part of the contract client a pipeline needs.
// *contractapi.Client implements it.
type API interface {
	Get(ctx context.Context, url string) (*contractapi.Response, error)
	Put(ctx context.Context, url string, body any) (*contractapi.Response, error)
}

// Executor runs a pipeline for one key at a time.
type Executor struct {
	api API

	// abort, when set, is called with any error caused by rejected
	// credentials. No later request of the run can succeed.
	abort func(error)
}

// NewExecutor creates an Executor backed by api.
func NewExecutor(api API) *Executor {
	return &Executor{api: api}
}

// Execute runs every stage of p for key and returns exactly one result per
// stage. After a structural stage ends not_found or failed the remaining
// stages are skipped without any remote call.
func (e *Executor) Execute(ctx context.Context, p *Pipeline, key model.Key) []model.StageResult {
	log := zap.L().With(zap.String("workflow", p.Name), zap.String("key", key.String()))

	results := make([]model.StageResult, 0, len(p.Stages))
	selected := make(map[string][]Record, len(p.Stages))
	haltedBy := ""

	for _, st := range p.Stages {
		if haltedBy != "" {
			results = append(results, model.StageResult{
				Stage:  st.Name,
				Status: model.StatusSkipped,
				Detail: "halted by " + haltedBy,
			})
			continue
		}
		if ctx.Err() != nil {
			results = append(results, model.StageResult{
				Stage:  st.Name,
				Status: model.StatusFailed,
				Detail: context.Cause(ctx).Error(),
			})
			continue
		}

		res, recs := e.runStage(ctx, log, st, key, selected)
		results = append(results, res)
		selected[st.Name] = recs

		if st.Mode == Structural && res.Status.Halts() {
			haltedBy = st.Name
		}
	}
	return results
}

func (e *Executor) runStage(ctx context.Context, log *zap.Logger, st Stage, key model.Key, selected map[string][]Record) (res model.StageResult, recs []Record) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("stage panicked", zap.String("stage", st.Name), zap.Any("panic", r))
			res = model.StageResult{Stage: st.Name, Status: model.StatusFailed, Detail: fmt.Sprintf("panic: %v", r)}
			recs = nil
		}
	}()

	sources := []Record{nil}
	if st.From != "" {
		sources = selected[st.From]
		if len(sources) == 0 {
			return model.StageResult{
				Stage:  st.Name,
				Status: model.StatusSkipped,
				Detail: "no records from " + st.From,
			}, nil
		}
		if st.Mode == Structural {
			sources = sources[:1]
		}
	}

	if st.Method == http.MethodPut {
		return e.put(ctx, log, st, key, sources)
	}
	return e.get(ctx, log, st, key, sources)
}

func (e *Executor) get(ctx context.Context, log *zap.Logger, st Stage, key model.Key, sources []Record) (model.StageResult, []Record) {
	var matched []Record
	failed := 0
	var lastErr error

	for _, src := range sources {
		url, err := st.URL(key, src)
		if err != nil {
			failed++
			lastErr = err
			continue
		}

		resp, err := e.api.Get(ctx, url)
		if err != nil {
			log.Warn("stage request failed", zap.String("stage", st.Name), zap.Error(err))
			e.checkAuth(err)
			failed++
			lastErr = err
			continue
		}

		for _, rec := range records(resp) {
			if st.Match == nil || st.Match(key, rec) {
				matched = append(matched, rec)
			}
		}
	}

	res := model.StageResult{Stage: st.Name}
	switch {
	case failed == len(sources):
		res.Status = model.StatusFailed
		res.Detail = lastErr.Error()
		return res, nil
	case failed > 0:
		res.Status = model.StatusFailed
		res.Detail = fmt.Sprintf("%d/%d fetched: %v", len(sources)-failed, len(sources), lastErr)
	case len(matched) == 0:
		res.Status = model.StatusNotFound
		return res, nil
	default:
		res.Status = model.StatusFound
		res.Detail = fmt.Sprintf("%d record(s)", len(matched))
	}
	return res, matched
}

func (e *Executor) put(ctx context.Context, log *zap.Logger, st Stage, key model.Key, sources []Record) (model.StageResult, []Record) {
	sent := make([]Record, 0, len(sources))
	var lastErr error

	for _, src := range sources {
		if ctx.Err() != nil {
			lastErr = context.Cause(ctx)
			break
		}

		url, err := st.URL(key, src)
		if err != nil {
			lastErr = err
			continue
		}
		payload, err := st.Payload(key, src)
		if err != nil {
			lastErr = err
			continue
		}

		if _, err := e.api.Put(ctx, url, payload); err != nil {
			log.Warn("stage request failed", zap.String("stage", st.Name), zap.Error(err))
			e.checkAuth(err)
			lastErr = err
			continue
		}
		sent = append(sent, payload)
	}

	res := model.StageResult{Stage: st.Name}
	if len(sent) == len(sources) {
		res.Status = model.StatusUpdated
		res.Detail = fmt.Sprintf("%d/%d updated", len(sent), len(sources))
		return res, sent
	}
	res.Status = model.StatusFailed
	res.Detail = fmt.Sprintf("%d/%d updated: %v", len(sent), len(sources), lastErr)
	return res, sent
}

func (e *Executor) checkAuth(err error) {
	var authErr *auth.AuthError
	if e.abort != nil && errors.As(err, &authErr) {
		e.abort(err)
	}
}

// records normalises a response body: an object is one record, an array
// yields its object elements, anything else yields none.
func records(resp *contractapi.Response) []Record {
	if resp.Empty() {
		return nil
	}
	switch body := resp.Body.(type) {
	case map[string]any:
		return []Record{body}
	case []any:
		out := make([]Record, 0, len(body))
		for _, item := range body {
			if rec, ok := item.(map[string]any); ok && len(rec) > 0 {
				out = append(out, rec)
			}
		}
		return out
	default:
		return nil
	}
}
