// Package cycle implements the cognitive-cycle core: the 9-state FSM,
// the orchestrator that drives one cycle end-to-end through its approval
// gates, the per-cycle context, and the best-effort event stream.
package cycle

// State names one FSM state of the cognitive cycle.
type State string

// Cycle states - single source of truth for state names.
const (
	StateIdle                     State = "IDLE"
	StateCuratingContext          State = "CURATING_CONTEXT"
	StateAwaitingContextApproval  State = "AWAITING_CONTEXT_APPROVAL"
	StatePlanningWithContext      State = "PLANNING_WITH_CONTEXT"
	StateGeneratingProposal       State = "GENERATING_PROPOSAL"
	StateAwaitingProposalApproval State = "AWAITING_PROPOSAL_APPROVAL"
	StateApplyingChangeset        State = "APPLYING_CHANGESET"
	StateReflecting               State = "REFLECTING"
	StateError                    State = "ERROR"
)

// String returns the state name.
func (s State) String() string {
	return string(s)
}

// CycleTransitions defines the canonical transition map for the cognitive
// cycle. This is the single source of truth; any code, tests, or diagrams
// must match it exactly. There are no implicit edges.
var CycleTransitions = map[State][]State{
	// IDLE admits exactly one new cycle.
	StateIdle: {StateCuratingContext},

	// CURATING_CONTEXT ends at the context gate, or in ERROR when curation fails.
	StateCuratingContext: {StateAwaitingContextApproval, StateError},

	// The context gate can approve (→PLANNING), re-curate, or abandon (→IDLE).
	StateAwaitingContextApproval: {StatePlanningWithContext, StateCuratingContext, StateIdle},

	// PLANNING_WITH_CONTEXT holds the provider call; irrecoverable failure →ERROR.
	StatePlanningWithContext: {StateGeneratingProposal, StateError},

	// GENERATING_PROPOSAL derives the changeset, or ERROR on a malformed plan.
	StateGeneratingProposal: {StateAwaitingProposalApproval, StateError},

	// The proposal gate can approve (→APPLYING), replan, or abandon (→IDLE).
	StateAwaitingProposalApproval: {StateApplyingChangeset, StatePlanningWithContext, StateIdle},

	// APPLYING_CHANGESET either completes (→REFLECTING) or restores and fails.
	StateApplyingChangeset: {StateReflecting, StateError},

	// REFLECTING archives (→IDLE) or starts another pass on the same goal.
	StateReflecting: {StateIdle, StateCuratingContext},

	// ERROR drains to IDLE on the next admitted operation.
	StateError: {StateIdle},
}

// IsValidTransition checks whether the table allows moving from one state
// to another.
func IsValidTransition(from, to State) bool {
	allowed, exists := CycleTransitions[from]
	if !exists {
		return false
	}
	for _, state := range allowed {
		if state == to {
			return true
		}
	}
	return false
}

// ValidStates returns every state of the cycle.
func ValidStates() []State {
	return []State{
		StateIdle,
		StateCuratingContext,
		StateAwaitingContextApproval,
		StatePlanningWithContext,
		StateGeneratingProposal,
		StateAwaitingProposalApproval,
		StateApplyingChangeset,
		StateReflecting,
		StateError,
	}
}
