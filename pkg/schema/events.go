package schema

// Event type constants for the event sourcing log.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"

	EventPathCreated   = "path_created"
	EventPathMoved     = "path_moved"
	EventPathForked    = "path_forked"
	EventPathWaiting   = "path_waiting"
	EventPathCompleted = "path_completed"
	EventPathFailed    = "path_failed"

	EventOracleRequested  = "oracle_requested"
	EventOracleResolved   = "oracle_resolved"
	EventCapabilityCalled = "capability_called"
	EventCapabilityFailed = "capability_failed"

	EventContextWritten  = "context_written"
	EventContextRejected = "context_rejected"
	EventContextConflict = "context_conflict"
	EventLockTimedOut    = "lock_timed_out"

	EventBarrierArrived  = "barrier_arrived"
	EventBarrierReleased = "barrier_released"
	EventBarrierTimedOut = "barrier_timed_out"

	EventGraphMutated       = "graph_mutated"
	EventGraphUpdated       = "graph_updated"
	EventMutationStaged     = "mutation_staged"
	EventMutationRejected   = "mutation_rejected"
	EventMutationRolledBack = "mutation_rolled_back"

	EventCheckpointTaken    = "checkpoint_taken"
	EventCheckpointRestored = "checkpoint_restored"

	EventSafetyTripped = "safety_tripped"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusActive    RunStatus = "active"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// PathStatus represents the lifecycle state of an execution path.
// Completed and failed are terminal; terminal paths are retained for audit.
type PathStatus string

const (
	PathStatusActive    PathStatus = "active"
	PathStatusWaiting   PathStatus = "waiting"
	PathStatusCompleted PathStatus = "completed"
	PathStatusFailed    PathStatus = "failed"
)
