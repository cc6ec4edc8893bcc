package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wordai/editor/internal/history"
	"github.com/wordai/editor/internal/metrics"
	"github.com/wordai/editor/internal/process"
	"github.com/wordai/editor/internal/supervisor"
)

type fakeService struct {
	mu       sync.Mutex
	status   supervisor.Status
	startErr error
	stopErr  error
	forced   bool
	exit     *process.ExitInfo
	starts   int
	stops    int
}

func (f *fakeService) Start() (supervisor.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return supervisor.Status{}, f.startErr
	}
	pid := 4242
	f.status = supervisor.Status{Running: true, PID: &pid}
	return f.status, nil
}

func (f *fakeService) Stop() (supervisor.StopResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if f.stopErr != nil {
		return supervisor.StopResult{}, f.stopErr
	}
	f.status = supervisor.Status{}
	return supervisor.StopResult{Forced: f.forced}, nil
}

func (f *fakeService) Status() supervisor.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeService) LastExit() (process.ExitInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exit == nil {
		return process.ExitInfo{}, false
	}
	return *f.exit, true
}

type fakeHistory struct {
	events []history.Event
	err    error
	limit  int
}

func (h *fakeHistory) Recent(_ context.Context, limit int) ([]history.Event, error) {
	h.limit = limit
	return h.events, h.err
}

type fakeSampler struct {
	sample *metrics.ProcessSample
}

func (s fakeSampler) Last() (metrics.ProcessSample, bool) {
	if s.sample == nil {
		return metrics.ProcessSample{}, false
	}
	return *s.sample, true
}

func setupRouter(t *testing.T, svc Service, base string, opts ...Option) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return NewRouter(svc, base, opts...).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResp {
	t.Helper()
	var e errorResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e), rec.Body.String())
	return e
}

func TestStartStatusStopFlow(t *testing.T) {
	svc := &fakeService{}
	h := setupRouter(t, svc, "/api")

	rec := doReq(t, h, http.MethodGet, "/api/service/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"running":false}`, rec.Body.String())

	rec = doReq(t, h, http.MethodPost, "/api/service/start")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"running":true,"pid":4242}`, rec.Body.String())

	rec = doReq(t, h, http.MethodGet, "/api/service/status")
	assert.JSONEq(t, `{"running":true,"pid":4242}`, rec.Body.String())

	rec = doReq(t, h, http.MethodPost, "/api/service/stop")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())

	rec = doReq(t, h, http.MethodGet, "/api/service/status")
	assert.JSONEq(t, `{"running":false}`, rec.Body.String())
	assert.Equal(t, 1, svc.starts)
	assert.Equal(t, 1, svc.stops)
}

func TestStartErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
		kind string
	}{
		{"conflict", supervisor.ErrConflictingOperation, http.StatusConflict, KindConflictingOperation},
		{"spawn", &supervisor.SpawnError{Program: "python3 main.py", Err: errors.New("exec: not found")}, http.StatusInternalServerError, KindSpawnError},
		{"closed", supervisor.ErrSupervisorClosed, http.StatusServiceUnavailable, KindClosed},
		{"other", errors.New("boom"), http.StatusInternalServerError, KindInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := setupRouter(t, &fakeService{startErr: tc.err}, "")
			rec := doReq(t, h, http.MethodPost, "/service/start")
			require.Equal(t, tc.code, rec.Code)
			e := decodeError(t, rec)
			assert.Equal(t, tc.kind, e.Kind)
			assert.Equal(t, tc.err.Error(), e.Error)
		})
	}
}

func TestStopConflict(t *testing.T) {
	h := setupRouter(t, &fakeService{stopErr: supervisor.ErrConflictingOperation}, "/api")
	rec := doReq(t, h, http.MethodPost, "/api/service/stop")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, KindConflictingOperation, decodeError(t, rec).Kind)
}

func TestStopReportsForcedKill(t *testing.T) {
	h := setupRouter(t, &fakeService{forced: true}, "/api")
	rec := doReq(t, h, http.MethodPost, "/api/service/stop")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"forced":true}`, rec.Body.String())
}

func TestExitEndpoint(t *testing.T) {
	svc := &fakeService{}
	h := setupRouter(t, svc, "/api")

	rec := doReq(t, h, http.MethodGet, "/api/service/exit")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, KindNotFound, decodeError(t, rec).Kind)

	svc.exit = &process.ExitInfo{PID: 7, ExitCode: -1, Description: "signal: killed", Forced: true}
	rec = doReq(t, h, http.MethodGet, "/api/service/exit")
	require.Equal(t, http.StatusOK, rec.Code)
	var got process.ExitInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 7, got.PID)
	assert.True(t, got.Forced)
	assert.Equal(t, "signal: killed", got.Description)
}

func TestMethodsAreEnforced(t *testing.T) {
	h := setupRouter(t, &fakeService{}, "/api")
	rec := doReq(t, h, http.MethodGet, "/api/service/start")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOptionalRoutesAbsentByDefault(t *testing.T) {
	h := setupRouter(t, &fakeService{}, "/api")
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/api/service/history").Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/api/service/resources").Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/metrics").Code)
}

func TestHistoryEndpoint(t *testing.T) {
	q := &fakeHistory{events: []history.Event{
		{Type: history.EventCrash, OccurredAt: time.Unix(100, 0).UTC(), Record: history.Record{Name: "svc", PID: 9, ExitCode: 1}},
	}}
	h := setupRouter(t, &fakeService{}, "/api", WithHistory(q))

	rec := doReq(t, h, http.MethodGet, "/api/service/history?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, q.limit)
	var events []history.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, history.EventCrash, events[0].Type)

	rec = doReq(t, h, http.MethodGet, "/api/service/history?limit=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	q.events = nil
	rec = doReq(t, h, http.MethodGet, "/api/service/history")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 50, q.limit)
	assert.JSONEq(t, `[]`, rec.Body.String())

	q.err = errors.New("db down")
	rec = doReq(t, h, http.MethodGet, "/api/service/history")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResourcesEndpoint(t *testing.T) {
	h := setupRouter(t, &fakeService{}, "/api", WithSampler(fakeSampler{}))
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/api/service/resources").Code)

	sample := &metrics.ProcessSample{PID: 12, CPUPercent: 1.5, MemoryRSS: 2048, NumThreads: 3}
	h = setupRouter(t, &fakeService{}, "/api", WithSampler(fakeSampler{sample: sample}))
	rec := doReq(t, h, http.MethodGet, "/api/service/resources")
	require.Equal(t, http.StatusOK, rec.Code)
	var got metrics.ProcessSample
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, int32(12), got.PID)
	assert.Equal(t, uint64(2048), got.MemoryRSS)
}

func TestMetricsRoute(t *testing.T) {
	mh := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("# metrics\n"))
	})
	h := setupRouter(t, &fakeService{}, "/api", WithMetrics(mh))
	rec := doReq(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# metrics\n", rec.Body.String())
}

func TestRouterWithRealSupervisor(t *testing.T) {
	sup, err := supervisor.New(supervisor.Config{
		Spec:   process.Spec{Name: "missing", Program: "/nonexistent/wordai-test-binary"},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	defer func() { _ = sup.Shutdown() }()

	h := setupRouter(t, sup, "/api")
	rec := doReq(t, h, http.MethodPost, "/api/service/start")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, KindSpawnError, decodeError(t, rec).Kind)

	rec = doReq(t, h, http.MethodGet, "/api/service/status")
	assert.JSONEq(t, `{"running":false}`, rec.Body.String())

	require.NoError(t, sup.Shutdown())
	rec = doReq(t, h, http.MethodPost, "/api/service/start")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
