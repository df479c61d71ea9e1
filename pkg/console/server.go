// Package console is the HTTP control surface for a running daemon. It
// exposes every operator action as an authenticated JSON endpoint, plus
// read-only views of status, transition history, recent events, recent
// logs, and Prometheus metrics. When stdin is not a TTY this API is the
// only way to drive the approval gates.
package console

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"reploid/pkg/cycle"
	"reploid/pkg/logx"
	"reploid/pkg/metrics"
)

const (
	// DefaultUsername is the BasicAuth account name when none is configured.
	DefaultUsername = "reploid"

	// recentEventCap bounds the in-memory event ring served by /api/events.
	recentEventCap = 256

	defaultHistoryLimit = 50
	defaultLogLimit     = 200
)

// Controller is the orchestrator surface the console drives. It is
// satisfied by *cycle.Orchestrator.
type Controller interface {
	Start(goal string) error
	ApproveContext() error
	RejectContext(mode cycle.RejectMode) error
	ApproveProposal() error
	RejectProposal(mode cycle.RejectMode) error
	Abort() error
	State() cycle.State
	Status() cycle.Status
	History(limit int) []cycle.TransitionRecord
	Events() *cycle.Emitter
}

// UsageSource reports in-memory per-cycle token aggregates. It is
// satisfied by *metrics.InMemoryRecorder.
type UsageSource interface {
	Usage(cycleID string) *metrics.CycleUsage
	AllUsage() map[string]*metrics.CycleUsage
}

// Server is the console HTTP server. Operator endpoints block until the
// cycle reaches its next gate (or fails), mirroring the synchronous
// orchestrator; Abort can be issued from a second connection while
// another operation is in flight.
type Server struct {
	ctrl     Controller
	gatherer prometheus.Gatherer
	logger   *logx.Logger
	username string
	password string
	usage    UsageSource
	query    *metrics.QueryService

	mu     sync.Mutex
	events []cycle.Event
	unsub  func()
}

// NewServer creates a console over the controller and starts collecting
// its event stream. The password is required: the console never runs
// unauthenticated. A nil gatherer serves the default registry.
func NewServer(ctrl Controller, username, password string, gatherer prometheus.Gatherer) (*Server, error) {
	if ctrl == nil {
		return nil, fmt.Errorf("console requires a controller")
	}
	if password == "" {
		return nil, fmt.Errorf("console requires a password")
	}
	if username == "" {
		username = DefaultUsername
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		ctrl:     ctrl,
		gatherer: gatherer,
		logger:   logx.NewLogger("console"),
		username: username,
		password: password,
	}

	ch, unsub := ctrl.Events().Subscribe(recentEventCap)
	s.unsub = unsub
	go s.collectEvents(ch)

	return s, nil
}

// AttachUsage exposes in-memory per-cycle token aggregates at /api/usage.
// Call before Start.
func (s *Server) AttachUsage(src UsageSource) {
	s.usage = src
}

// AttachQuery exposes Prometheus-backed cycle metrics at
// /api/cycle-metrics, for cycles that outlived the process. Call before
// Start.
func (s *Server) AttachQuery(q *metrics.QueryService) {
	s.query = q
}

// collectEvents feeds the recent-events ring until the subscription
// closes.
func (s *Server) collectEvents(ch <-chan cycle.Event) {
	for ev := range ch {
		s.mu.Lock()
		s.events = append(s.events, ev)
		if len(s.events) > recentEventCap {
			s.events = s.events[len(s.events)-recentEventCap:]
		}
		s.mu.Unlock()
	}
}

// recentEvents returns up to limit newest events, oldest first.
func (s *Server) recentEvents(limit int) []cycle.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.events
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return append([]cycle.Event{}, events...)
}

// requireAuth wraps a handler with BasicAuth. Both credential comparisons
// are constant-time.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="reploid console"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(password), []byte(s.password)) == 1
		if !userOK || !passOK {
			s.logger.Warn("Failed authentication attempt from %s (username: %s)", r.RemoteAddr, username)
			w.Header().Set("WWW-Authenticate", `Basic realm="reploid console"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// RegisterRoutes sets up HTTP routes. /healthz stays unauthenticated so
// liveness probes work; everything else requires credentials.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", s.requireAuth(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP))

	mux.HandleFunc("/api/status", s.requireAuth(s.handleStatus))
	mux.HandleFunc("/api/history", s.requireAuth(s.handleHistory))
	mux.HandleFunc("/api/events", s.requireAuth(s.handleEvents))
	mux.HandleFunc("/api/logs", s.requireAuth(s.handleLogs))
	mux.HandleFunc("/api/usage", s.requireAuth(s.handleUsage))
	mux.HandleFunc("/api/cycle-metrics", s.requireAuth(s.handleCycleMetrics))

	mux.HandleFunc("/api/cycle/start", s.requireAuth(s.handleStart))
	mux.HandleFunc("/api/cycle/approve-context", s.requireAuth(s.handleApproveContext))
	mux.HandleFunc("/api/cycle/reject-context", s.requireAuth(s.handleRejectContext))
	mux.HandleFunc("/api/cycle/approve-proposal", s.requireAuth(s.handleApproveProposal))
	mux.HandleFunc("/api/cycle/reject-proposal", s.requireAuth(s.handleRejectProposal))
	mux.HandleFunc("/api/cycle/abort", s.requireAuth(s.handleAbort))
}

// Start runs the server until ctx is cancelled, then shuts it down
// gracefully and stops collecting events.
func (s *Server) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("Starting console server on %s", addr)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Console server error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down console server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		//nolint:contextcheck // parent is cancelled; shutdown needs a fresh context
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Console server shutdown failed: %v", err)
		}
		s.unsub()
	}()

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, map[string]string{
		"status": "ok",
		"state":  s.ctrl.State().String(),
	})
}

// handleStatus implements GET /api/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.ctrl.Status())
}

// handleHistory implements GET /api/history?limit=N.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit, err := parseLimit(r, defaultHistoryLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeJSON(w, s.ctrl.History(limit))
}

// handleEvents implements GET /api/events?limit=N over the in-memory
// event ring.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit, err := parseLimit(r, 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeJSON(w, s.recentEvents(limit))
}

// handleLogs implements GET /api/logs?limit=N over the logx ring buffer.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit, err := parseLimit(r, defaultLogLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeJSON(w, logx.Recent(limit))
}

// handleUsage implements GET /api/usage and GET /api/usage?cycle=ID over
// the in-memory token aggregates.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.usage == nil {
		http.Error(w, "usage tracking not enabled", http.StatusNotFound)
		return
	}
	if cycleID := r.URL.Query().Get("cycle"); cycleID != "" {
		usage := s.usage.Usage(cycleID)
		if usage == nil {
			http.Error(w, fmt.Sprintf("no usage recorded for cycle %s", cycleID), http.StatusNotFound)
			return
		}
		s.writeJSON(w, usage)
		return
	}
	s.writeJSON(w, s.usage.AllUsage())
}

// handleCycleMetrics implements GET /api/cycle-metrics?cycle=ID against the
// configured Prometheus server, covering cycles that outlived this process.
func (s *Server) handleCycleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.query == nil {
		http.Error(w, "no Prometheus server configured", http.StatusServiceUnavailable)
		return
	}
	cycleID := r.URL.Query().Get("cycle")
	if cycleID == "" {
		http.Error(w, "cycle parameter is required", http.StatusBadRequest)
		return
	}
	m, err := s.query.GetCycleMetrics(r.Context(), cycleID)
	if err != nil {
		s.logger.Warn("Cycle metrics query failed: %v", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.writeJSON(w, m)
}

// handleStart implements POST /api/cycle/start with body {"goal": "..."}.
// The response arrives once the cycle parks at the context gate or fails.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Goal string `json:"goal"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if body.Goal == "" {
		http.Error(w, "goal is required", http.StatusBadRequest)
		return
	}
	s.runOp(w, "start", func() error { return s.ctrl.Start(body.Goal) })
}

// handleApproveContext implements POST /api/cycle/approve-context. The
// response arrives once the cycle parks at the proposal gate or fails;
// with a slow provider that can take a while.
func (s *Server) handleApproveContext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.runOp(w, "approve-context", s.ctrl.ApproveContext)
}

// handleRejectContext implements POST /api/cycle/reject-context with body
// {"mode": "recurate"|"abandon"}.
func (s *Server) handleRejectContext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	mode, ok := decodeRejectMode(w, r, cycle.RejectRecurate, cycle.RejectAbandon)
	if !ok {
		return
	}
	s.runOp(w, "reject-context", func() error { return s.ctrl.RejectContext(mode) })
}

// handleApproveProposal implements POST /api/cycle/approve-proposal. The
// response arrives after the changeset has applied and reflection has
// either archived the cycle or started the next pass.
func (s *Server) handleApproveProposal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.runOp(w, "approve-proposal", s.ctrl.ApproveProposal)
}

// handleRejectProposal implements POST /api/cycle/reject-proposal with
// body {"mode": "replan"|"abandon"}.
func (s *Server) handleRejectProposal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	mode, ok := decodeRejectMode(w, r, cycle.RejectReplan, cycle.RejectAbandon)
	if !ok {
		return
	}
	s.runOp(w, "reject-proposal", func() error { return s.ctrl.RejectProposal(mode) })
}

// handleAbort implements POST /api/cycle/abort.
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.runOp(w, "abort", s.ctrl.Abort)
}

// runOp executes one operator action and answers with the post-operation
// status snapshot, so the driver sees the gate it landed on without a
// second request. Gate violations map to 409; everything else the
// orchestrator already turned into an ERROR-state cycle, so 500 carries
// the reason.
func (s *Server) runOp(w http.ResponseWriter, name string, op func() error) {
	if err := op(); err != nil {
		switch {
		case cycle.IsCycleBusy(err), cycle.IsInvalidState(err):
			s.logger.Debug("Operation %s rejected: %v", name, err)
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			s.logger.Warn("Operation %s failed: %v", name, err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	s.logger.Info("Operation %s accepted, state now %s", name, s.ctrl.State())
	s.writeJSON(w, s.ctrl.Status())
}

// decodeRejectMode reads {"mode": "..."} and checks it against the modes
// valid at the calling gate.
func decodeRejectMode(w http.ResponseWriter, r *http.Request, valid ...cycle.RejectMode) (cycle.RejectMode, bool) {
	var body struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return "", false
	}
	mode := cycle.RejectMode(body.Mode)
	for _, v := range valid {
		if mode == v {
			return mode, true
		}
	}
	http.Error(w, fmt.Sprintf("mode must be one of %v", valid), http.StatusBadRequest)
	return "", false
}

func parseLimit(r *http.Request, fallback int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("invalid limit parameter %q", raw)
	}
	return limit, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response: %v", err)
	}
}
