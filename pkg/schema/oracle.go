package schema

import "encoding/json"

// CapabilityDescriptor advertises one capability to the oracle.
type CapabilityDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"` // JSON Schema for call arguments
}

// EdgeOption is one outgoing edge offered to the oracle for selection.
type EdgeOption struct {
	Target    string       `json:"target"`
	Semantic  EdgeSemantic `json:"semantic,omitempty"`
	Condition string       `json:"condition,omitempty"`
}

// OracleRequest is one resolution round handed to the reasoning oracle.
// The context snapshot is read-only; writes happen through capability calls.
// Results carries the outputs of the previous round's calls.
type OracleRequest struct {
	ID           string                 `json:"id"`
	RunID        string                 `json:"run_id"`
	PathID       int64                  `json:"path_id"`
	Node         string                 `json:"node"`
	Instruction  string                 `json:"instruction,omitempty"`
	Context      map[string]any         `json:"context,omitempty"`
	Edges        []EdgeOption           `json:"edges,omitempty"`
	Capabilities []CapabilityDescriptor `json:"capabilities"`
	Results      []CapabilityResult     `json:"results,omitempty"`
	Round        int                    `json:"round"`
	RoundLimit   int                    `json:"round_limit"`
}

// CapabilityResult reports one executed capability call back to the oracle.
type CapabilityResult struct {
	Capability string          `json:"capability"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// OracleOutcome enumerates how the oracle concluded a round.
type OracleOutcome string

const (
	OutcomeEdge     OracleOutcome = "edge"      // an outgoing edge was selected
	OutcomeWorkDone OracleOutcome = "work_done" // declared work finished, resolver takes over
	OutcomeMoreWork OracleOutcome = "more_work" // another round is needed
)

// CapabilityCall is one capability invocation requested by the oracle.
type CapabilityCall struct {
	Capability string          `json:"capability"`
	Args       json.RawMessage `json:"args,omitempty"`
}

// OracleResponse is the oracle's reply to one request round: zero or more
// capability calls followed by an outcome.
type OracleResponse struct {
	RequestID string           `json:"request_id,omitempty"`
	Calls     []CapabilityCall `json:"calls,omitempty"`
	Outcome   OracleOutcome    `json:"outcome"`
	Edge      string           `json:"edge,omitempty"` // target node when Outcome == edge
	Notes     string           `json:"notes,omitempty"`
}
