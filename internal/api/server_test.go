package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/review-harvester/internal/queue"
	"github.com/JakeFAU/review-harvester/internal/session"
)

type submission struct {
	url      string
	priority int
}

type fakeSubmitter struct {
	mu      sync.Mutex
	subs    []submission
	err     error
	leases  map[string][]queue.Task
	pending int
	readErr error
}

func (f *fakeSubmitter) SubmitURL(_ context.Context, url string, priority int) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", false, f.err
	}
	if url == "" {
		return "", false, nil
	}
	f.subs = append(f.subs, submission{url: url, priority: priority})
	return "task-1", true, nil
}

func (f *fakeSubmitter) Leases(context.Context) (map[string][]queue.Task, error) {
	return f.leases, f.readErr
}

func (f *fakeSubmitter) Pending(context.Context) (int, error) {
	return f.pending, f.readErr
}

type fakeBrowser struct{}

func (fakeBrowser) NewTab(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithCancel(ctx)
}

func (fakeBrowser) Close() error { return nil }

type fakeLauncher struct{ err error }

func (f fakeLauncher) Launch(context.Context) (session.Browser, error) {
	if f.err != nil {
		return nil, f.err
	}
	return fakeBrowser{}, nil
}

type testServer struct {
	submitter  *fakeSubmitter
	sessions   *session.Manager
	terminated chan struct{}
	server     *Server
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	ts := &testServer{
		submitter:  &fakeSubmitter{},
		sessions:   session.NewManager(fakeLauncher{}, zaptest.NewLogger(t)),
		terminated: make(chan struct{}, 1),
	}
	ts.server = NewServer(ts.submitter, ts.sessions, func() { ts.terminated <- struct{}{} }, cfg, zaptest.NewLogger(t))
	return ts
}

func (ts *testServer) do(method, target string, body []byte) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestGreeting(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Config{})

	rec := ts.do(http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "message")
}

func TestScrappSubmitsURL(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Config{})

	rec := ts.do(http.MethodGet, "/start/scrapp?url=https://maps.example.com/place/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Scrapping : https://maps.example.com/place/1", rec.Body.String())
	require.Equal(t, []submission{{url: "https://maps.example.com/place/1"}}, ts.submitter.subs)
}

func TestScrappWithoutURLIsNoOp(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Config{})

	rec := ts.do(http.MethodGet, "/start/scrapp", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Nothing to scrapp", rec.Body.String())
	require.Empty(t, ts.submitter.subs)
}

func TestScrappQueuesAnyNonEmptyValue(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Config{})

	rec := ts.do(http.MethodGet, "/start/scrapp?url=nope", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Scrapping : nope", rec.Body.String())
	require.Equal(t, []submission{{url: "nope"}}, ts.submitter.subs)
}

func TestScrappRejectedPayload(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Config{})
	ts.submitter.err = queue.ErrInvalidPayload

	rec := ts.do(http.MethodGet, "/start/scrapp?url=nope", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitTask(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		body   string
		status int
	}{
		{name: "accepted", body: `{"url":"https://maps.example.com/place/2","priority":5}`, status: http.StatusAccepted},
		{name: "blank url", body: `{"url":""}`, status: http.StatusOK},
		{name: "bad json", body: `{`, status: http.StatusBadRequest},
		{name: "negative priority", body: `{"url":"https://a.example","priority":-1}`, status: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ts := newTestServer(t, Config{})
			rec := ts.do(http.MethodPost, "/v1/tasks", []byte(tc.body))
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
		})
	}
}

func TestSubmitTaskReportsID(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Config{})

	rec := ts.do(http.MethodPost, "/v1/tasks", []byte(`{"url":"https://maps.example.com/place/2","priority":5}`))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, submitResponse{TaskID: "task-1", Accepted: true}, resp)
	require.Equal(t, 5, ts.submitter.subs[0].priority)
}

func TestSubmitTaskStoreFailure(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Config{})
	ts.submitter.err = queue.WriteError("insert", errors.New("disk full"))

	rec := ts.do(http.MethodPost, "/v1/tasks", []byte(`{"url":"https://a.example"}`))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "disk full")
}

func TestBrowserLifecycle(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Config{})

	rec := ts.do(http.MethodGet, "/close", nil)
	require.Equal(t, "Browser not started", rec.Body.String())

	rec = ts.do(http.MethodGet, "/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Browser started", rec.Body.String())

	rec = ts.do(http.MethodGet, "/start", nil)
	require.Equal(t, "Browser already started", rec.Body.String())

	handle, err := ts.sessions.Acquire()
	require.NoError(t, err)
	rec = ts.do(http.MethodGet, "/close", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	handle.Release()
	rec = ts.do(http.MethodGet, "/close", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Browser closed", rec.Body.String())
	require.False(t, ts.sessions.IsOpen())
}

func TestStartBrowserLaunchFailure(t *testing.T) {
	t.Parallel()
	logger := zaptest.NewLogger(t)
	sessions := session.NewManager(fakeLauncher{err: errors.New("no chrome")}, logger)
	server := NewServer(&fakeSubmitter{}, sessions, nil, Config{}, logger)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/start", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestTerminateRequiresClosedBrowser(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Config{})

	_, err := ts.sessions.Open(context.Background())
	require.NoError(t, err)
	rec := ts.do(http.MethodGet, "/terminate", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Empty(t, ts.terminated)

	_, err = ts.sessions.Close()
	require.NoError(t, err)
	rec = ts.do(http.MethodGet, "/terminate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	select {
	case <-ts.terminated:
	case <-time.After(time.Second):
		t.Fatal("terminate callback not invoked")
	}
}

func TestListLeases(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Config{})
	leasedAt := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	ts.submitter.leases = map[string][]queue.Task{
		"lease-1": {{ID: "a", Priority: 2, Attempts: 1, LockToken: "lease-1", LeasedAt: leasedAt}},
	}
	ts.submitter.pending = 3

	rec := ts.do(http.MethodGet, "/v1/leases", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Leases  map[string][]leasedTask `json:"leases"`
		Pending int                     `json:"pending"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 3, body.Pending)
	require.Equal(t, []leasedTask{{ID: "a", Priority: 2, Attempts: 1, LeasedAt: leasedAt}}, body.Leases["lease-1"])
}

func TestProbes(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Config{})

	require.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/readyz", nil).Code)

	ts.submitter.readErr = queue.ReadError("count", errors.New("down"))
	require.Equal(t, http.StatusServiceUnavailable, ts.do(http.MethodGet, "/readyz", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Config{})

	ts.do(http.MethodGet, "/healthz", nil)
	rec := ts.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "harvester_http_requests_total")
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Config{APIKey: "secret"})

	require.Equal(t, http.StatusForbidden, ts.do(http.MethodGet, "/", nil).Code)
	require.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/?api_key=secret", nil).Code)
	require.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/healthz", nil).Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zaptest.NewLogger(t))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
