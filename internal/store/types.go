package store

import (
	"encoding/json"
	"time"

	"github.com/railyard-io/railyard/pkg/schema"
)

// Run is the persisted representation of one graph execution.
type Run struct {
	ID          string                 `json:"id"`
	GraphName   string                 `json:"graph_name,omitempty"`
	Definition  schema.GraphDefinition `json:"definition"`
	Status      schema.RunStatus       `json:"status"`
	Origin      string                 `json:"origin"` // agent id, "cli", "scheduler"
	Seeds       json.RawMessage        `json:"seeds,omitempty"`
	Output      json.RawMessage        `json:"output,omitempty"`
	Error       json.RawMessage        `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// Event is an immutable entry in the per-run event log. PathID zero marks
// run-scoped events; Sequence is monotonic within a run.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	PathID    int64           `json:"path_id,omitempty"`
	Node      string          `json:"node,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// PathRecord is the materialized view of one path's current position.
type PathRecord struct {
	RunID       string            `json:"run_id"`
	PathID      int64             `json:"path_id"`
	CurrentNode string            `json:"current_node"`
	Status      schema.PathStatus `json:"status"`
	Hops        int               `json:"hops"`
	Failure     json.RawMessage   `json:"failure,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// CheckpointRecord is one persisted run snapshot. State is the opaque blob
// produced by the checkpoint manager; the store never inspects it.
type CheckpointRecord struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Node      string          `json:"node,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	State     json.RawMessage `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
}

// OracleRequestRecord tracks one resolution round handed to the oracle
// transport, so pending requests survive and can be listed and resolved.
type OracleRequestRecord struct {
	ID         string          `json:"id"`
	RunID      string          `json:"run_id"`
	PathID     int64           `json:"path_id"`
	Node       string          `json:"node"`
	Request    json.RawMessage `json:"request"`
	Status     string          `json:"status"` // pending, resolved, expired
	Response   json.RawMessage `json:"response,omitempty"`
	ResolvedBy string          `json:"resolved_by,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

// ToolRecord is a capability promoted to a persistent Tool node.
type ToolRecord struct {
	RunID      string          `json:"run_id"`
	Name       string          `json:"name"`
	Capability string          `json:"capability"`
	Descriptor json.RawMessage `json:"descriptor,omitempty"`
	PromotedAt time.Time       `json:"promoted_at"`
}

// ScheduledJob is a cron-triggered run of a stored graph definition.
type ScheduledJob struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	CronExpression string          `json:"cron_expression"`
	Definition     json.RawMessage `json:"definition"`
	Seeds          json.RawMessage `json:"seeds,omitempty"`
	Origin         string          `json:"origin"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status *schema.RunStatus `json:"status,omitempty"`
	Origin string            `json:"origin,omitempty"`
	Since  *time.Time        `json:"since,omitempty"`
	Limit  int               `json:"limit,omitempty"`
	Offset int               `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status      *schema.RunStatus `json:"status,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	RunID     string     `json:"run_id,omitempty"`
	Node      string     `json:"node,omitempty"`
	EventType string     `json:"event_type,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

// OracleRequestFilter specifies criteria for listing oracle requests.
type OracleRequestFilter struct {
	RunID  string `json:"run_id,omitempty"`
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled *bool  `json:"enabled,omitempty"`
	Origin  string `json:"origin,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}
