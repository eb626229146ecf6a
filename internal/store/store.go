package store

import (
	"context"
	"encoding/json"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Paths (materialized view)
	UpsertPath(ctx context.Context, rec *PathRecord) error
	GetPath(ctx context.Context, runID string, pathID int64) (*PathRecord, error)
	ListPaths(ctx context.Context, runID string) ([]*PathRecord, error)

	// Checkpoints
	SaveCheckpoint(ctx context.Context, rec *CheckpointRecord) error
	GetCheckpoint(ctx context.Context, id string) (*CheckpointRecord, error)
	ListCheckpoints(ctx context.Context, runID string) ([]*CheckpointRecord, error)

	// Oracle requests
	SaveOracleRequest(ctx context.Context, rec *OracleRequestRecord) error
	GetOracleRequest(ctx context.Context, id string) (*OracleRequestRecord, error)
	ResolveOracleRequest(ctx context.Context, id string, response json.RawMessage, resolvedBy string) error
	ExpireOracleRequest(ctx context.Context, id string) error
	ListOracleRequests(ctx context.Context, filter OracleRequestFilter) ([]*OracleRequestRecord, error)

	// Promoted tools
	SaveTool(ctx context.Context, rec *ToolRecord) error
	ListTools(ctx context.Context, runID string) ([]*ToolRecord, error)

	// Scheduled Jobs
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
