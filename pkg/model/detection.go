package model

import "time"

// DetectionState is the per-root state of the spike detector.
type DetectionState string

const (
	StateNormal                    DetectionState = "normal"
	StateSuspected                 DetectionState = "suspected"
	StateConfirmedAwaitingDecision DetectionState = "confirmed_awaiting_decision"
	StateRecovering                DetectionState = "recovering"
	StateCleared                   DetectionState = "cleared"
)

// AllStates lists every detection state.
var AllStates = []DetectionState{
	StateNormal, StateSuspected, StateConfirmedAwaitingDecision, StateRecovering, StateCleared,
}

// Quiet reports whether the state allows opportunistic snapshot capture.
func (s DetectionState) Quiet() bool {
	return s == StateNormal || s == StateCleared
}

// DetectionWindow summarizes the events counted over one interval.
type DetectionWindow struct {
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	EventCount    int       `json:"event_count"`
	DistinctPaths int       `json:"distinct_paths"`
}

// Transition records one detector state change.
type Transition struct {
	Root    string               `json:"root"`
	From    DetectionState       `json:"from"`
	To      DetectionState       `json:"to"`
	At      time.Time            `json:"at"`
	Reason  string               `json:"reason"`
	Window  DetectionWindow      `json:"window"`
	Request *ConfirmationRequest `json:"request,omitempty"`
}

// ConfirmationRequest asks a human whether a burst was intentional.
type ConfirmationRequest struct {
	ID            string    `json:"id"`
	Root          string    `json:"root"`
	Paths         []string  `json:"paths"`
	WindowStart   time.Time `json:"window_start"`
	WindowEnd     time.Time `json:"window_end"`
	EventCount    int       `json:"event_count"`
	DistinctPaths int       `json:"distinct_paths"`
	IssuedAt      time.Time `json:"issued_at"`
}

// Verdict is the answer to a ConfirmationRequest.
type Verdict string

const (
	// VerdictRestore means "this was not me".
	VerdictRestore Verdict = "restore"
	// VerdictIgnore means "this was me".
	VerdictIgnore Verdict = "ignore"
)

// DecisionSource tells a human answer apart from a timeout default.
type DecisionSource string

const (
	DecisionByUser    DecisionSource = "user"
	DecisionByTimeout DecisionSource = "timeout"
)

// Decision is a resolved ConfirmationRequest.
type Decision struct {
	RequestID string         `json:"request_id"`
	Root      string         `json:"root"`
	Verdict   Verdict        `json:"verdict"`
	Source    DecisionSource `json:"source"`
	DecidedAt time.Time      `json:"decided_at"`
}
