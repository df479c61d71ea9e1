package console

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reploid/pkg/cycle"
	"reploid/pkg/metrics"
)

// stubController records operator calls and answers with configured
// results.
type stubController struct {
	mu      sync.Mutex
	calls   []string
	goal    string
	mode    cycle.RejectMode
	limit   int
	opErr   error
	state   cycle.State
	emitter *cycle.Emitter
}

func newStubController() *stubController {
	return &stubController{
		state:   cycle.StateIdle,
		emitter: cycle.NewEmitter(nil),
	}
}

func (c *stubController) record(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, name)
	return c.opErr
}

func (c *stubController) recorded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.calls...)
}

func (c *stubController) Start(goal string) error {
	c.mu.Lock()
	c.goal = goal
	c.mu.Unlock()
	return c.record("start")
}

func (c *stubController) ApproveContext() error  { return c.record("approve-context") }
func (c *stubController) ApproveProposal() error { return c.record("approve-proposal") }
func (c *stubController) Abort() error           { return c.record("abort") }

func (c *stubController) RejectContext(mode cycle.RejectMode) error {
	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()
	return c.record("reject-context")
}

func (c *stubController) RejectProposal(mode cycle.RejectMode) error {
	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()
	return c.record("reject-proposal")
}

func (c *stubController) State() cycle.State { return c.state }

func (c *stubController) Status() cycle.Status {
	return cycle.Status{State: c.state, Goal: c.goal}
}

func (c *stubController) History(limit int) []cycle.TransitionRecord {
	c.mu.Lock()
	c.limit = limit
	c.mu.Unlock()
	return []cycle.TransitionRecord{{From: cycle.StateIdle, To: cycle.StateCuratingContext}}
}

func (c *stubController) Events() *cycle.Emitter { return c.emitter }

func newTestServer(t *testing.T, ctrl Controller, gatherer prometheus.Gatherer) *http.ServeMux {
	t.Helper()
	if gatherer == nil {
		gatherer = prometheus.NewRegistry()
	}
	server, err := NewServer(ctrl, "op", "secret", gatherer)
	require.NoError(t, err)
	mux := http.NewServeMux()
	server.RegisterRoutes(mux)
	return mux
}

func doRequest(mux *http.ServeMux, method, path, body string, withAuth bool) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if withAuth {
		req.SetBasicAuth("op", "secret")
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(nil, "op", "secret", nil)
	assert.Error(t, err)

	_, err = NewServer(newStubController(), "op", "", nil)
	assert.Error(t, err)
}

func TestAuthRequired(t *testing.T) {
	mux := newTestServer(t, newStubController(), nil)

	rec := doRequest(mux, http.MethodGet, "/api/status", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.SetBasicAuth("op", "wrong")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(mux, http.MethodGet, "/api/status", "", true)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthzUnauthenticated(t *testing.T) {
	mux := newTestServer(t, newStubController(), nil)

	rec := doRequest(mux, http.MethodGet, "/healthz", "", false)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "IDLE", body["state"])
}

func TestStartRunsAndReturnsStatus(t *testing.T) {
	ctrl := newStubController()
	ctrl.state = cycle.StateAwaitingContextApproval
	mux := newTestServer(t, ctrl, nil)

	rec := doRequest(mux, http.MethodPost, "/api/cycle/start", `{"goal": "trim the prompts"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{"start"}, ctrl.recorded())
	assert.Equal(t, "trim the prompts", ctrl.goal)

	var status cycle.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, cycle.StateAwaitingContextApproval, status.State)
	assert.Equal(t, "trim the prompts", status.Goal)
}

func TestStartValidation(t *testing.T) {
	ctrl := newStubController()
	mux := newTestServer(t, ctrl, nil)

	rec := doRequest(mux, http.MethodPost, "/api/cycle/start", `{goal}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(mux, http.MethodPost, "/api/cycle/start", `{"goal": ""}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Empty(t, ctrl.recorded())
}

func TestBusyAndGateViolationsMapToConflict(t *testing.T) {
	ctrl := newStubController()
	ctrl.opErr = &cycle.CycleBusyError{State: cycle.StatePlanningWithContext, Goal: "other"}
	mux := newTestServer(t, ctrl, nil)

	rec := doRequest(mux, http.MethodPost, "/api/cycle/start", `{"goal": "g"}`, true)
	assert.Equal(t, http.StatusConflict, rec.Code)

	ctrl.opErr = &cycle.InvalidStateError{Op: "approve context", State: cycle.StateIdle}
	rec = doRequest(mux, http.MethodPost, "/api/cycle/approve-context", "", true)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "approve context")
}

func TestOperationFailureReturns500(t *testing.T) {
	ctrl := newStubController()
	ctrl.opErr = errors.New("context curation failed: index unavailable")
	mux := newTestServer(t, ctrl, nil)

	rec := doRequest(mux, http.MethodPost, "/api/cycle/start", `{"goal": "g"}`, true)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "index unavailable")
}

func TestRejectModeValidatedPerGate(t *testing.T) {
	ctrl := newStubController()
	mux := newTestServer(t, ctrl, nil)

	rec := doRequest(mux, http.MethodPost, "/api/cycle/reject-context", `{"mode": "replan"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(mux, http.MethodPost, "/api/cycle/reject-proposal", `{"mode": "recurate"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ctrl.recorded())

	rec = doRequest(mux, http.MethodPost, "/api/cycle/reject-context", `{"mode": "recurate"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, cycle.RejectRecurate, ctrl.mode)

	rec = doRequest(mux, http.MethodPost, "/api/cycle/reject-proposal", `{"mode": "abandon"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, cycle.RejectAbandon, ctrl.mode)
}

func TestMethodGuards(t *testing.T) {
	mux := newTestServer(t, newStubController(), nil)

	rec := doRequest(mux, http.MethodGet, "/api/cycle/start", "", true)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = doRequest(mux, http.MethodPost, "/api/status", "", true)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHistoryLimit(t *testing.T) {
	ctrl := newStubController()
	mux := newTestServer(t, ctrl, nil)

	rec := doRequest(mux, http.MethodGet, "/api/history?limit=7", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 7, ctrl.limit)

	rec = doRequest(mux, http.MethodGet, "/api/history", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultHistoryLimit, ctrl.limit)

	rec = doRequest(mux, http.MethodGet, "/api/history?limit=-3", "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsServedFromRing(t *testing.T) {
	ctrl := newStubController()
	mux := newTestServer(t, ctrl, nil)

	for i := 0; i < 3; i++ {
		ctrl.emitter.Emit(cycle.Event{Type: cycle.EventTransition, CycleID: "c1"})
	}

	// The ring is fed by a subscriber goroutine.
	require.Eventually(t, func() bool {
		rec := doRequest(mux, http.MethodGet, "/api/events", "", true)
		var events []cycle.Event
		if json.Unmarshal(rec.Body.Bytes(), &events) != nil {
			return false
		}
		return len(events) == 3
	}, 2*time.Second, 10*time.Millisecond)

	rec := doRequest(mux, http.MethodGet, "/api/events?limit=1", "", true)
	var events []cycle.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	assert.Len(t, events, 1)
}

func TestLogsEndpoint(t *testing.T) {
	mux := newTestServer(t, newStubController(), nil)

	rec := doRequest(mux, http.MethodGet, "/api/logs?limit=5", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	recorder := metrics.NewPrometheusRecorder(reg)
	recorder.ObserveTransition("IDLE", "CURATING_CONTEXT")

	mux := newTestServer(t, newStubController(), reg)

	rec := doRequest(mux, http.MethodGet, "/metrics", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(mux, http.MethodGet, "/metrics", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "reploid_cycle_transitions_total")
}

func TestUsageEndpoint(t *testing.T) {
	usage := metrics.NewInMemoryRecorder()
	usage.ObserveLLMRequest("anthropic", "m", "c1", "PLANNING_WITH_CONTEXT", 120, 30, true, "", time.Second)

	server, err := NewServer(newStubController(), "op", "secret", prometheus.NewRegistry())
	require.NoError(t, err)
	server.AttachUsage(usage)
	mux := http.NewServeMux()
	server.RegisterRoutes(mux)

	rec := doRequest(mux, http.MethodGet, "/api/usage?cycle=c1", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var got metrics.CycleUsage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, int64(150), got.TotalTokens)

	rec = doRequest(mux, http.MethodGet, "/api/usage?cycle=ghost", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(mux, http.MethodGet, "/api/usage", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var all map[string]*metrics.CycleUsage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all, 1)
}

func TestUsageEndpointWithoutSource(t *testing.T) {
	mux := newTestServer(t, newStubController(), nil)

	rec := doRequest(mux, http.MethodGet, "/api/usage", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCycleMetricsWithoutQueryService(t *testing.T) {
	mux := newTestServer(t, newStubController(), nil)

	rec := doRequest(mux, http.MethodGet, "/api/cycle-metrics?cycle=c1", "", true)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
