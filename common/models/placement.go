package models

import "strings"

// Candidate is one scored node returned by the placement engine.
type Candidate struct {
	NodeUUID  string  `json:"node_uuid"`
	IPAddress string  `json:"ip_address"`
	Port      int32   `json:"port"`
	Score     float64 `json:"score"`
}

// PlacementDecision correlates a candidate set with later outcome reports.
// Ephemeral; the engine retains it only for a short TTL.
type PlacementDecision struct {
	DecisionID string      `json:"decision_id"`
	RequestID  string      `json:"request_id"`
	TaskID     string      `json:"task_id"`
	Candidates []Candidate `json:"candidates"`
	CreatedAt  int64       `json:"created_at"`
}

// OutcomeClass classifies a reported invocation outcome.
type OutcomeClass string

const (
	OutcomeSuccess     OutcomeClass = "success"
	OutcomeOverloaded  OutcomeClass = "overloaded"
	OutcomeUnavailable OutcomeClass = "unavailable"
	OutcomeTimeout     OutcomeClass = "timeout"
	OutcomeRejected    OutcomeClass = "rejected"
	OutcomeBadRequest  OutcomeClass = "bad_request"
	OutcomeInternal    OutcomeClass = "internal"
	OutcomeUnknown     OutcomeClass = "unknown"
)

// ParseOutcomeClass maps a wire string onto the known classes; anything else
// is unknown.
func ParseOutcomeClass(s string) OutcomeClass {
	switch OutcomeClass(strings.ToLower(strings.TrimSpace(s))) {
	case OutcomeSuccess, OutcomeOverloaded, OutcomeUnavailable, OutcomeTimeout,
		OutcomeRejected, OutcomeBadRequest, OutcomeInternal:
		return OutcomeClass(strings.ToLower(strings.TrimSpace(s)))
	default:
		return OutcomeUnknown
	}
}

// Penalizes reports whether this outcome increments the node's fail count.
func (c OutcomeClass) Penalizes() bool {
	switch c {
	case OutcomeOverloaded, OutcomeUnavailable, OutcomeTimeout, OutcomeInternal:
		return true
	default:
		return false
	}
}

// Resets reports whether this outcome clears the node's penalty state.
func (c OutcomeClass) Resets() bool {
	return c == OutcomeSuccess || c == OutcomeBadRequest
}
