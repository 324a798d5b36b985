// internal/server/server_test.go
package server_test

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/slotheather55/webspark/api/schemas"
	"github.com/slotheather55/webspark/internal/config"
	"github.com/slotheather55/webspark/internal/discovery"
	"github.com/slotheather55/webspark/internal/macrostore"
	"github.com/slotheather55/webspark/internal/server"
	"github.com/slotheather55/webspark/internal/worker"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeMacroStore is an in-memory stand-in for the on-disk macro store.
type fakeMacroStore struct {
	mu      sync.Mutex
	macros  map[string]*schemas.Macro
	listErr error
}

func newFakeMacroStore(macros ...*schemas.Macro) *fakeMacroStore {
	s := &fakeMacroStore{macros: make(map[string]*schemas.Macro)}
	for _, m := range macros {
		s.macros[m.ID] = m
	}
	return s
}

func (f *fakeMacroStore) List() ([]*schemas.Macro, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]*schemas.Macro, 0, len(f.macros))
	for _, m := range f.macros {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeMacroStore) Load(id string) (*schemas.Macro, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.macros[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", macrostore.ErrNotFound, id)
	}
	return m, nil
}

func (f *fakeMacroStore) Delete(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.macros[id]; !ok {
		return fmt.Errorf("%w: %s", macrostore.ErrNotFound, id)
	}
	delete(f.macros, id)
	return nil
}

// analysisView mirrors the API's analysis payload for decoding in tests.
type analysisView struct {
	AnalysisID string                  `json:"analysis_id"`
	State      string                  `json:"state"`
	MacroID    string                  `json:"macro_id"`
	MacroName  string                  `json:"macro_name"`
	URL        string                  `json:"url"`
	CreatedAt  time.Time               `json:"created_at"`
	StartedAt  *time.Time              `json:"started_at"`
	FinishedAt *time.Time              `json:"finished_at"`
	Error      string                  `json:"error"`
	Report     *schemas.AnalysisReport `json:"report"`
}

func testConfig() config.ServerConfig {
	return config.ServerConfig{
		ListenAddr:        "127.0.0.1:0",
		MaxConcurrentRuns: 2,
		RunRatePerMinute:  600,
		ShutdownTimeout:   5 * time.Second,
	}
}

func storedMacro() *schemas.Macro {
	return &schemas.Macro{
		ID:        "macro-123",
		Name:      "Checkout flow",
		URL:       "https://shop.example.com/checkout",
		CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Actions: []schemas.Action{
			{ID: 1, Type: schemas.ActionClick, Locator: schemas.LocatorBundle{CSSSelector: "#place-order"}},
		},
	}
}

func newTestServer(t *testing.T, cfg config.ServerConfig, runner worker.Runner, store server.MacroStore) (*httptest.Server, *worker.Pool) {
	t.Helper()

	pool, err := worker.NewPool(cfg.MaxConcurrentRuns, runner, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, pool.Shutdown(shutCtx))
	})

	s, err := server.New(cfg, pool, store, zaptest.NewLogger(t))
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		srv.Client().CloseIdleConnections()
	})
	return srv, pool
}

func postJSON(t *testing.T, srv *httptest.Server, path, body string) *http.Response {
	t.Helper()
	resp, err := srv.Client().Post(srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func doRequest(t *testing.T, srv *httptest.Server, method, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func errorMessage(t *testing.T, resp *http.Response) string {
	t.Helper()
	var payload map[string]string
	decodeBody(t, resp, &payload)
	return payload["error"]
}

func waitDone(t *testing.T, pool *worker.Pool, id string) *worker.Run {
	t.Helper()
	run, ok := pool.Get(id)
	require.True(t, ok, "run %s not registered in pool", id)
	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish in time")
	}
	return run
}

// readSSEFrames collects the payload of every "data:" line until the stream
// ends.
func readSSEFrames(t *testing.T, body io.Reader) []string {
	t.Helper()
	var frames []string
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "data: ") {
			frames = append(frames, strings.TrimPrefix(line, "data: "))
		}
	}
	require.NoError(t, scanner.Err())
	return frames
}

func instantRunner(report *schemas.AnalysisReport) worker.RunnerFunc {
	return func(context.Context, *schemas.Macro, schemas.ProgressSink) (*schemas.AnalysisReport, error) {
		return report, nil
	}
}

func TestServer_Health(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), instantRunner(&schemas.AnalysisReport{}), newFakeMacroStore())

	resp := doRequest(t, srv, http.MethodGet, "/healthz")
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestServer_ListMacros(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), instantRunner(&schemas.AnalysisReport{}), newFakeMacroStore(storedMacro()))

	resp := doRequest(t, srv, http.MethodGet, "/api/macros")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var payload struct {
		Count  int              `json:"count"`
		Macros []*schemas.Macro `json:"macros"`
	}
	decodeBody(t, resp, &payload)
	assert.Equal(t, 1, payload.Count)
	require.Len(t, payload.Macros, 1)
	assert.Equal(t, "macro-123", payload.Macros[0].ID)
	assert.Equal(t, "Checkout flow", payload.Macros[0].Name)
}

func TestServer_ListMacros_StoreError(t *testing.T) {
	store := newFakeMacroStore()
	store.listErr = errors.New("disk failure")
	srv, _ := newTestServer(t, testConfig(), instantRunner(&schemas.AnalysisReport{}), store)

	resp := doRequest(t, srv, http.MethodGet, "/api/macros")
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "failed to list macros", errorMessage(t, resp))
}

func TestServer_GetMacro(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), instantRunner(&schemas.AnalysisReport{}), newFakeMacroStore(storedMacro()))

	t.Run("found", func(t *testing.T) {
		resp := doRequest(t, srv, http.MethodGet, "/api/macros/macro-123")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var macro schemas.Macro
		decodeBody(t, resp, &macro)
		assert.Equal(t, "macro-123", macro.ID)
		assert.Equal(t, "https://shop.example.com/checkout", macro.URL)
		assert.Len(t, macro.Actions, 1)
	})

	t.Run("not found", func(t *testing.T) {
		resp := doRequest(t, srv, http.MethodGet, "/api/macros/ghost")
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "macro not found", errorMessage(t, resp))
	})
}

func TestServer_DeleteMacro(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), instantRunner(&schemas.AnalysisReport{}), newFakeMacroStore(storedMacro()))

	resp := doRequest(t, srv, http.MethodDelete, "/api/macros/macro-123")
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doRequest(t, srv, http.MethodGet, "/api/macros/macro-123")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = doRequest(t, srv, http.MethodDelete, "/api/macros/macro-123")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "macro not found", errorMessage(t, resp))
}

func TestServer_CreateAnalysis_Validation(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), instantRunner(&schemas.AnalysisReport{}), newFakeMacroStore(storedMacro()))

	cases := []struct {
		name       string
		body       string
		wantStatus int
		wantError  string
	}{
		{
			name:       "malformed body",
			body:       `{not json`,
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid request body",
		},
		{
			name:       "both macro and url",
			body:       `{"macro_id":"macro-123","url":"https://example.com"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "provide either macro_id or url, not both",
		},
		{
			name:       "neither macro nor url",
			body:       `{"page_type":"product"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "macro_id or url is required",
		},
		{
			name:       "blank url",
			body:       `{"url":"   "}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "url cannot be empty",
		},
		{
			name:       "unknown macro",
			body:       `{"macro_id":"ghost"}`,
			wantStatus: http.StatusNotFound,
			wantError:  "macro not found",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, srv, "/api/analyses", tc.body)
			require.Equal(t, tc.wantStatus, resp.StatusCode)
			assert.Contains(t, errorMessage(t, resp), tc.wantError)
		})
	}
}

func TestServer_CreateAnalysis_FromMacro(t *testing.T) {
	release := make(chan struct{})
	report := &schemas.AnalysisReport{
		RunID:     "a9470b0a-3a9e-4b66-9a3c-5d9f2e8c1f44",
		MacroName: "Checkout flow",
		MacroURL:  "https://shop.example.com/checkout",
	}
	runner := worker.RunnerFunc(func(ctx context.Context, _ *schemas.Macro, _ schemas.ProgressSink) (*schemas.AnalysisReport, error) {
		select {
		case <-release:
			return report, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	srv, pool := newTestServer(t, testConfig(), runner, newFakeMacroStore(storedMacro()))

	resp := postJSON(t, srv, "/api/analyses", `{"macro_id":"macro-123"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created analysisView
	decodeBody(t, resp, &created)
	assert.NotEmpty(t, created.AnalysisID)
	assert.Equal(t, "macro-123", created.MacroID)
	assert.Equal(t, "Checkout flow", created.MacroName)
	assert.Equal(t, "https://shop.example.com/checkout", created.URL)
	assert.Contains(t, []string{string(worker.StateQueued), string(worker.StateRunning)}, created.State)
	assert.Nil(t, created.Report)

	close(release)
	waitDone(t, pool, created.AnalysisID)

	resp = doRequest(t, srv, http.MethodGet, "/api/analyses/"+created.AnalysisID)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var finished analysisView
	decodeBody(t, resp, &finished)
	assert.Equal(t, string(worker.StateComplete), finished.State)
	require.NotNil(t, finished.Report)
	assert.Equal(t, report.RunID, finished.Report.RunID)
	require.NotNil(t, finished.StartedAt)
	require.NotNil(t, finished.FinishedAt)
	assert.False(t, finished.FinishedAt.Before(*finished.StartedAt))
	assert.Empty(t, finished.Error)
}

func TestServer_CreateAnalysis_FromURL(t *testing.T) {
	gotMacro := make(chan *schemas.Macro, 1)
	runner := worker.RunnerFunc(func(_ context.Context, m *schemas.Macro, _ schemas.ProgressSink) (*schemas.AnalysisReport, error) {
		gotMacro <- m
		return &schemas.AnalysisReport{}, nil
	})
	srv, pool := newTestServer(t, testConfig(), runner, newFakeMacroStore())

	resp := postJSON(t, srv, "/api/analyses", `{"url":"shop.example.com/books/123","page_type":"product"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created analysisView
	decodeBody(t, resp, &created)
	assert.Equal(t, "https://shop.example.com/books/123", created.URL, "scheme-less URL defaults to https")

	waitDone(t, pool, created.AnalysisID)

	select {
	case m := <-gotMacro:
		assert.Equal(t, fmt.Sprintf("Selector sweep: %s", discovery.PageTypeProduct), m.Name)
		assert.Equal(t, "https://shop.example.com/books/123", m.URL)
		assert.NotEmpty(t, m.Actions, "synthetic macro carries the curated selector set")
	case <-time.After(5 * time.Second):
		t.Fatal("runner never received the synthetic macro")
	}
}

func TestServer_CreateAnalysis_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RunRatePerMinute = 1
	srv, pool := newTestServer(t, cfg, instantRunner(&schemas.AnalysisReport{}), newFakeMacroStore(storedMacro()))

	// A rejected submission must not consume the only token in the bucket.
	resp := postJSON(t, srv, "/api/analyses", `{"macro_id":"ghost"}`)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv, "/api/analyses", `{"macro_id":"macro-123"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created analysisView
	decodeBody(t, resp, &created)
	waitDone(t, pool, created.AnalysisID)

	resp = postJSON(t, srv, "/api/analyses", `{"macro_id":"macro-123"}`)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "run rate limit exceeded", errorMessage(t, resp))
}

func TestServer_CreateAnalysis_AfterShutdown(t *testing.T) {
	srv, pool := newTestServer(t, testConfig(), instantRunner(&schemas.AnalysisReport{}), newFakeMacroStore(storedMacro()))
	require.NoError(t, pool.Shutdown(context.Background()))

	resp := postJSON(t, srv, "/api/analyses", `{"macro_id":"macro-123"}`)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "server is shutting down", errorMessage(t, resp))
}

func TestServer_GetAnalysis_NotFound(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), instantRunner(&schemas.AnalysisReport{}), newFakeMacroStore())

	resp := doRequest(t, srv, http.MethodGet, "/api/analyses/does-not-exist")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "analysis not found", errorMessage(t, resp))
}

func TestServer_StreamAnalysis(t *testing.T) {
	report := &schemas.AnalysisReport{
		RunID:    "0b5c9d7e-2f64-4f7a-9c32-8a41d1a5b9f0",
		MacroURL: "https://shop.example.com/checkout",
	}
	runner := worker.RunnerFunc(func(_ context.Context, _ *schemas.Macro, sink schemas.ProgressSink) (*schemas.AnalysisReport, error) {
		sink.Publish(schemas.ProgressUpdate{Status: schemas.StatusStarting, Message: "Launching browser."})
		sink.Publish(schemas.ProgressUpdate{Status: schemas.StatusExecuting, Message: "Replaying actions."})
		return report, nil
	})
	srv, pool := newTestServer(t, testConfig(), runner, newFakeMacroStore(storedMacro()))

	resp := postJSON(t, srv, "/api/analyses", `{"macro_id":"macro-123"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created analysisView
	decodeBody(t, resp, &created)
	waitDone(t, pool, created.AnalysisID)

	// The run already finished; the stream replays its history and ends with
	// the report frame.
	stream := doRequest(t, srv, http.MethodGet, "/api/analyses/"+created.AnalysisID+"/stream")
	defer stream.Body.Close()
	require.Equal(t, http.StatusOK, stream.StatusCode)
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", stream.Header.Get("Cache-Control"))

	frames := readSSEFrames(t, stream.Body)
	require.Len(t, frames, 3)

	var first, second schemas.ProgressUpdate
	require.NoError(t, json.Unmarshal([]byte(frames[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(frames[1]), &second))
	assert.Equal(t, schemas.StatusStarting, first.Status)
	assert.Equal(t, "Launching browser.", first.Message)
	assert.Equal(t, schemas.StatusExecuting, second.Status)

	var final struct {
		Status  string                  `json:"status"`
		Message string                  `json:"message"`
		Report  *schemas.AnalysisReport `json:"report"`
	}
	require.NoError(t, json.Unmarshal([]byte(frames[2]), &final))
	assert.Equal(t, schemas.StatusComplete, final.Status)
	assert.Empty(t, final.Message)
	require.NotNil(t, final.Report)
	assert.Equal(t, report.RunID, final.Report.RunID)
}

func TestServer_StreamAnalysis_FailedRun(t *testing.T) {
	partial := &schemas.AnalysisReport{MacroURL: "https://shop.example.com/checkout"}
	runner := worker.RunnerFunc(func(_ context.Context, _ *schemas.Macro, sink schemas.ProgressSink) (*schemas.AnalysisReport, error) {
		sink.Publish(schemas.ProgressUpdate{Status: schemas.StatusStarting, Message: "Launching browser."})
		return partial, errors.New("browser session crashed")
	})
	srv, pool := newTestServer(t, testConfig(), runner, newFakeMacroStore(storedMacro()))

	resp := postJSON(t, srv, "/api/analyses", `{"macro_id":"macro-123"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created analysisView
	decodeBody(t, resp, &created)
	waitDone(t, pool, created.AnalysisID)

	stream := doRequest(t, srv, http.MethodGet, "/api/analyses/"+created.AnalysisID+"/stream")
	defer stream.Body.Close()
	require.Equal(t, http.StatusOK, stream.StatusCode)

	frames := readSSEFrames(t, stream.Body)
	require.Len(t, frames, 2)

	var final struct {
		Status  string                  `json:"status"`
		Message string                  `json:"message"`
		Report  *schemas.AnalysisReport `json:"report"`
	}
	require.NoError(t, json.Unmarshal([]byte(frames[1]), &final))
	assert.Equal(t, schemas.StatusError, final.Status)
	assert.Equal(t, "browser session crashed", final.Message)
	require.NotNil(t, final.Report, "partial report rides along with the error frame")

	resp = doRequest(t, srv, http.MethodGet, "/api/analyses/"+created.AnalysisID)
	var failed analysisView
	decodeBody(t, resp, &failed)
	assert.Equal(t, string(worker.StateFailed), failed.State)
	assert.Equal(t, "browser session crashed", failed.Error)
	assert.NotNil(t, failed.Report)
}

func TestServer_StreamAnalysis_NotFound(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), instantRunner(&schemas.AnalysisReport{}), newFakeMacroStore())

	resp := doRequest(t, srv, http.MethodGet, "/api/analyses/ghost/stream")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "analysis not found", errorMessage(t, resp))
}

func TestServer_StreamDisconnect(t *testing.T) {
	release := make(chan struct{})
	runner := worker.RunnerFunc(func(ctx context.Context, _ *schemas.Macro, _ schemas.ProgressSink) (*schemas.AnalysisReport, error) {
		select {
		case <-release:
			return &schemas.AnalysisReport{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	srv, pool := newTestServer(t, testConfig(), runner, newFakeMacroStore(storedMacro()))

	resp := postJSON(t, srv, "/api/analyses", `{"macro_id":"macro-123"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created analysisView
	decodeBody(t, resp, &created)

	stream := doRequest(t, srv, http.MethodGet, "/api/analyses/"+created.AnalysisID+"/stream")
	require.Equal(t, http.StatusOK, stream.StatusCode)

	// Dropping the connection mid-run must unwind the handler without
	// disturbing the run itself.
	require.NoError(t, stream.Body.Close())
	close(release)

	run := waitDone(t, pool, created.AnalysisID)
	assert.Equal(t, worker.StateComplete, run.State())
}
