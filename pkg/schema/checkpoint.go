package schema

import "time"

// CheckpointMeta identifies one stored checkpoint. The snapshot itself is
// an opaque blob owned by the engine; stores persist it without inspecting.
type CheckpointMeta struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Node      string    `json:"node,omitempty"` // node that triggered the checkpoint, if any
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
