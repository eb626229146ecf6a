package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/railyard-io/railyard/internal/store"
	"github.com/railyard-io/railyard/pkg/schema"
)

// AgentOracle resolves delegated decisions by handing them to connected
// agents. Each resolution round is persisted as a pending oracle request,
// pushed to the run's origin agent when a session is known, and parked
// until railyard.resolve delivers an answer. If the waiting path is
// cancelled first, the record is expired and the round fails as cancelled.
type AgentOracle struct {
	store  store.Store
	logger *slog.Logger

	mu       sync.Mutex
	notifier AgentNotifier
	waiters  map[string]chan *schema.OracleResponse
}

// NewAgentOracle creates an oracle that delegates to MCP-connected agents.
func NewAgentOracle(st store.Store, logger *slog.Logger) *AgentOracle {
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentOracle{
		store:   st,
		logger:  logger,
		waiters: make(map[string]chan *schema.OracleResponse),
	}
}

// SetNotifier attaches the push channel. The oracle is constructed before
// the MCP server that owns the notifier, so wiring happens in two steps.
func (o *AgentOracle) SetNotifier(n AgentNotifier) {
	o.mu.Lock()
	o.notifier = n
	o.mu.Unlock()
}

// Resolve persists the request, notifies the run's origin agent, and blocks
// until Deliver answers it or ctx is cancelled.
func (o *AgentOracle) Resolve(ctx context.Context, req *schema.OracleRequest) (*schema.OracleResponse, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "encode oracle request: %v", err).
			WithNode(req.Node).WithPath(req.PathID).WithCause(err)
	}

	rec := &store.OracleRequestRecord{
		ID:        req.ID,
		RunID:     req.RunID,
		PathID:    req.PathID,
		Node:      req.Node,
		Request:   raw,
		Status:    "pending",
		CreatedAt: time.Now().UTC(),
	}
	if err := o.store.SaveOracleRequest(ctx, rec); err != nil {
		return nil, err
	}

	ch := make(chan *schema.OracleResponse, 1)
	o.mu.Lock()
	o.waiters[req.ID] = ch
	notifier := o.notifier
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.waiters, req.ID)
		o.mu.Unlock()
	}()

	o.announce(ctx, notifier, req)

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		// The driver is gone; nobody will consume a late answer.
		if expErr := o.store.ExpireOracleRequest(context.Background(), req.ID); expErr != nil {
			o.logger.Warn("failed to expire oracle request", "request_id", req.ID, "error", expErr)
		}
		return nil, schema.NewErrorf(schema.ErrCodeCancelled, "resolution of %s abandoned", req.Node).
			WithNode(req.Node).WithPath(req.PathID).WithCause(ctx.Err())
	}
}

// Deliver answers a parked resolution round. The response is recorded with
// the resolver's identity and handed to the waiting driver. An unknown or
// already-answered request returns NOT_FOUND.
func (o *AgentOracle) Deliver(ctx context.Context, requestID string, resp *schema.OracleResponse, resolvedBy string) error {
	resp.RequestID = requestID
	raw, err := json.Marshal(resp)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "encode oracle response: %v", err).WithCause(err)
	}

	o.mu.Lock()
	ch, ok := o.waiters[requestID]
	if ok {
		delete(o.waiters, requestID)
	}
	o.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no pending resolution for request %s", requestID)
	}

	if err := o.store.ResolveOracleRequest(ctx, requestID, raw, resolvedBy); err != nil {
		// The driver still gets its answer; only the audit record is degraded.
		o.logger.Warn("failed to record oracle resolution", "request_id", requestID, "error", err)
	}

	ch <- resp
	return nil
}

// Pending reports how many resolution rounds are currently parked.
func (o *AgentOracle) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.waiters)
}

// announce pushes a pending-request notification to the run's origin agent.
// Best-effort: a run without a connected origin is discovered via
// railyard.pending polling instead.
func (o *AgentOracle) announce(ctx context.Context, notifier AgentNotifier, req *schema.OracleRequest) {
	if notifier == nil {
		return
	}
	run, err := o.store.GetRun(ctx, req.RunID)
	if err != nil || run.Origin == "" {
		return
	}
	payload := map[string]any{
		"type":       "oracle_request",
		"request_id": req.ID,
		"run_id":     req.RunID,
		"path_id":    req.PathID,
		"node":       req.Node,
		"round":      req.Round,
	}
	if err := notifier.Notify(ctx, run.Origin, payload); err != nil {
		o.logger.Debug("pending-request push failed", "agent_id", run.Origin, "error", err)
	}
}
