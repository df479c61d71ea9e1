package cycle

import (
	"fmt"
	"sync"
	"time"

	"reploid/pkg/logx"
	"reploid/pkg/metrics"
)

// DefaultMaxHistory bounds the in-memory transition history when no
// explicit cap is set.
const DefaultMaxHistory = 1000

// TransitionRecord is one appended history entry. Records are never
// mutated after they are appended; the history window itself is bounded.
type TransitionRecord struct {
	Timestamp time.Time `json:"timestamp"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Goal      string    `json:"goal,omitempty"`
	Forced    bool      `json:"forced,omitempty"`
}

// Machine is the cycle state machine: current state, table-validated
// transitions, and a bounded transition history. All methods are safe
// for concurrent use.
type Machine struct {
	logger   *logx.Logger
	recorder metrics.Recorder
	notifyCh chan<- TransitionRecord

	mu         sync.Mutex
	state      State
	history    []TransitionRecord
	maxHistory int
}

// NewMachine creates a machine in IDLE with empty history.
func NewMachine(recorder metrics.Recorder, logger *logx.Logger) *Machine {
	if recorder == nil {
		recorder = metrics.Nop()
	}
	if logger == nil {
		logger = logx.NewLogger("cycle")
	}
	return &Machine{
		state:      StateIdle,
		logger:     logger,
		recorder:   recorder,
		maxHistory: DefaultMaxHistory,
	}
}

// SetMaxHistory caps the retained transition history. n <= 0 removes the
// cap. Shrinking the cap trims the oldest records immediately.
func (m *Machine) SetMaxHistory(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxHistory = n
	m.trim()
}

// SetNotifyChannel registers a channel that receives every transition
// record. Sends never block; a full channel drops the notification.
func (m *Machine) SetNotifyChannel(ch chan<- TransitionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifyCh = ch
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves the machine to target if the transition table allows
// it, records the transition, and returns the (from, to) pair. On an
// invalid transition the state is unchanged and an InvalidStateError is
// returned.
func (m *Machine) Transition(target State, goal string) (State, State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	if !IsValidTransition(from, target) {
		return from, from, &InvalidStateError{
			Op:    fmt.Sprintf("transition to %s", target),
			State: from,
		}
	}
	m.apply(from, target, goal, false)
	return from, target, nil
}

// forceTransition bypasses the transition table. It exists for exactly
// one caller: the abort path, which must reach ERROR from any state.
func (m *Machine) forceTransition(target State, goal string) (State, State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	m.apply(from, target, goal, true)
	return from, target
}

// apply records and performs a transition. Caller holds m.mu.
func (m *Machine) apply(from, to State, goal string, forced bool) {
	record := TransitionRecord{
		Timestamp: time.Now().UTC(),
		From:      from,
		To:        to,
		Goal:      goal,
		Forced:    forced,
	}
	m.history = append(m.history, record)
	m.trim()
	m.state = to

	m.logger.Info("🔄 Cycle transition: %s → %s", from, to)
	m.recorder.ObserveTransition(string(from), string(to))

	if m.notifyCh != nil {
		select {
		case m.notifyCh <- record:
		default:
			m.logger.Warn("Transition notification channel full, dropping %s → %s", from, to)
		}
	}
}

// trim drops the oldest records past the cap. Caller holds m.mu.
func (m *Machine) trim() {
	if m.maxHistory <= 0 || len(m.history) <= m.maxHistory {
		return
	}
	n := copy(m.history, m.history[len(m.history)-m.maxHistory:])
	m.history = m.history[:n]
}

// History returns a copy of the most recent retained transition records,
// oldest first. limit <= 0 returns everything retained. Calling History
// never mutates the underlying records.
func (m *Machine) History(limit int) []TransitionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := m.history
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return append([]TransitionRecord{}, records...)
}
