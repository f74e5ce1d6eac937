package workflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/contract-toolkit/internal/auth"
	"github.com/sells-group/contract-toolkit/internal/keysource"
	"github.com/sells-group/contract-toolkit/internal/model"
	"github.com/sells-group/contract-toolkit/internal/resilience"
	"github.com/sells-group/contract-toolkit/pkg/contractapi"
)

func makeKeys(n int) []model.Key {
	keys := make([]model.Key, n)
	for i := range keys {
		keys[i] = model.SingleKey("CONTRATO", fmt.Sprint(1000+i))
	}
	return keys
}

func TestRun_NoKeyLossWhenEverythingFails(t *testing.T) {
	api := newFakeAPI()
	api.get = func(_ context.Context, url string) (*contractapi.Response, error) {
		return nil, failure(url)
	}

	keys := makeKeys(57)
	table, summary := NewRunner(api, WithWorkers(8)).Run(context.Background(), threeStage(), keys)

	require.Equal(t, len(keys), table.Len())
	assert.Equal(t, len(keys), summary.Outcomes)
	assert.Equal(t, len(keys), summary.Counts[model.StatusFailed])
	assert.Equal(t, 2*len(keys), summary.Counts[model.StatusSkipped])
	for i, o := range table.Sorted() {
		assert.Equal(t, i, o.Index)
		assert.Equal(t, keys[i].String(), o.Key.String())
	}
}

func TestRun_TimeoutSynthesizesFailedOutcome(t *testing.T) {
	api := newFakeAPI()
	api.get = func(ctx context.Context, _ string) (*contractapi.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	keys := makeKeys(5)
	r := NewRunner(api, WithWorkers(5), WithTaskTimeout(20*time.Millisecond))
	table, summary := r.Run(context.Background(), threeStage(), keys)

	require.Equal(t, len(keys), table.Len())
	assert.Equal(t, len(keys), summary.TimedOut)
	for _, o := range table.Sorted() {
		require.Len(t, o.Results, 1)
		assert.Equal(t, "contrato", o.Results[0].Stage)
		assert.Equal(t, model.StatusFailed, o.Results[0].Status)
		assert.Equal(t, "task timeout", o.Results[0].Detail)
	}
}

func TestRun_ParentCancelledRecordsEveryKey(t *testing.T) {
	api := newFakeAPI()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	keys := makeKeys(20)
	table, summary := NewRunner(api, WithWorkers(3)).Run(ctx, threeStage(), keys)

	require.Equal(t, len(keys), table.Len())
	assert.Equal(t, 3*len(keys), summary.Counts[model.StatusFailed])
	assert.Equal(t, 0, summary.TimedOut)
}

func TestRun_CredentialFailureAbortsRemainingKeys(t *testing.T) {
	api := newFakeAPI()
	var gets atomic.Int64
	api.get = func(_ context.Context, url string) (*contractapi.Response, error) {
		if gets.Add(1) < 3 {
			return jsonBody(t, `{"id":1}`), nil
		}
		return nil, &contractapi.RequestFailed{
			Method:   http.MethodGet,
			URL:      url,
			Attempts: 1,
			Cause:    &auth.AuthError{StatusCode: http.StatusUnauthorized, Err: errors.New("invalid_client")},
		}
	}

	keys := makeKeys(10)
	table, summary := NewRunner(api, WithWorkers(1)).Run(context.Background(), threeStage(), keys)

	require.Error(t, summary.Err)
	var authErr *auth.AuthError
	require.ErrorAs(t, summary.Err, &authErr)
	assert.Equal(t, http.StatusUnauthorized, authErr.StatusCode)

	require.Equal(t, len(keys), table.Len())
	assert.Equal(t, int64(3), gets.Load())

	sorted := table.Sorted()
	assert.Equal(t, []model.Status{model.StatusFound, model.StatusFound, model.StatusUpdated}, statuses(sorted[0].Results))
	assert.Equal(t, []model.Status{model.StatusFailed, model.StatusSkipped, model.StatusSkipped}, statuses(sorted[1].Results))
	assert.Contains(t, sorted[1].Results[0].Detail, "auth:")
	for _, o := range sorted[2:] {
		for _, r := range o.Results {
			assert.Equal(t, model.StatusFailed, r.Status)
			assert.Contains(t, r.Detail, "auth:")
		}
	}
}

func TestRun_RespectsWorkerLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	api := newFakeAPI()
	api.get = func(_ context.Context, _ string) (*contractapi.Response, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return &contractapi.Response{NoContent: true}, nil
	}

	table, _ := NewRunner(api, WithWorkers(4)).Run(context.Background(), threeStage(), makeKeys(40))
	assert.Equal(t, 40, table.Len())
	assert.LessOrEqual(t, peak.Load(), int32(4))
}

func TestRun_EmptyKeys(t *testing.T) {
	table, summary := NewRunner(newFakeAPI()).Run(context.Background(), threeStage(), nil)
	assert.Equal(t, 0, table.Len())
	assert.Equal(t, 0, summary.Keys)
	assert.NotNil(t, summary.Counts)
}

func TestRun_Progress(t *testing.T) {
	r := NewRunner(newFakeAPI(), WithProgressEvery(2))
	r.Run(context.Background(), threeStage(), makeKeys(7))

	done, total := r.Progress()
	assert.Equal(t, int64(7), done)
	assert.Equal(t, int64(7), total)
}

func TestRun_DuplicateKeysScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.csv")
	require.NoError(t, os.WriteFile(path, []byte("CONTRATO\n100\n100\n200\n"), 0o644))

	keys, err := keysource.Load(context.Background(), path, "CONTRATO")
	require.NoError(t, err)
	require.Len(t, keys, 2)

	api := newFakeAPI()
	api.get = func(_ context.Context, url string) (*contractapi.Response, error) {
		if url == "contrato/100" {
			return jsonBody(t, `[{"cdContrato":100}]`), nil
		}
		if strings.HasPrefix(url, "equipamento") {
			return jsonBody(t, `{"serial":"x"}`), nil
		}
		return &contractapi.Response{NoContent: true}, nil
	}
	p := &Pipeline{
		Name:       "scenario",
		KeyColumns: []string{"CONTRATO"},
		Stages: []Stage{
			{Name: "contrato", Method: http.MethodGet, URL: keyURL("contrato")},
			{Name: "equipamento", Method: http.MethodGet, URL: keyURL("equipamento")},
		},
	}

	table, _ := NewRunner(api).Run(context.Background(), p, keys)
	rows := table.Rows()
	assert.Equal(t, [][]string{
		{"100", "found", "found"},
		{"200", "not_found", "skipped"},
	}, rows)
	assert.Equal(t, 1, api.Calls("equipamento"))
}

// newRetryingClient wires the real client against srv with millisecond backoff.
func newRetryingClient(srv *httptest.Server) *contractapi.Client {
	return contractapi.NewClient(staticToken("tok"),
		contractapi.WithHTTPClient(srv.Client()),
		contractapi.WithRetryPolicy(resilience.Policy{
			MaxAttempts:    4,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
			Multiplier:     1,
		}),
	)
}

type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }
func (s staticToken) Invalidate(string)                     {}

func singleGet(base string) *Pipeline {
	return &Pipeline{
		Name:       "retry",
		KeyColumns: []string{"CONTRATO"},
		Stages: []Stage{{
			Name:   "contrato",
			Method: http.MethodGet,
			URL: func(key model.Key, _ Record) (string, error) {
				return base + "/contratos/" + key.String(), nil
			},
		}},
	}
}

func TestRun_TransientErrorsAbsorbedByRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[{"cdContrato":1}]`))
	}))
	defer srv.Close()

	table, _ := NewRunner(newRetryingClient(srv)).Run(context.Background(), singleGet(srv.URL), makeKeys(1))
	assert.Equal(t, [][]string{{"1000", "found"}}, table.Rows())
	assert.Equal(t, int32(3), calls.Load())
}

func TestRun_PersistentErrorsBecomeFailedStage(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	table, summary := NewRunner(newRetryingClient(srv)).Run(context.Background(), singleGet(srv.URL), makeKeys(1))
	assert.Equal(t, [][]string{{"1000", "failed"}}, table.Rows())
	assert.Equal(t, 1, summary.Counts[model.StatusFailed])
	assert.Equal(t, int32(4), calls.Load())
	assert.Contains(t, table.Sorted()[0].Results[0].Detail, "503")
}
