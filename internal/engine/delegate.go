package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/railyard-io/railyard/internal/capability"
	"github.com/railyard-io/railyard/internal/expressions"
	"github.com/railyard-io/railyard/internal/graph"
	"github.com/railyard-io/railyard/internal/logging"
	"github.com/railyard-io/railyard/internal/store"
	"github.com/railyard-io/railyard/pkg/schema"
)

// resolutionOutcome carries a settled delegation from a worker back to the
// driver goroutine. Exactly one outcome is sent per dispatch.
type resolutionOutcome struct {
	pathID   int64
	node     string
	edge     string
	workDone bool
	failure  *schema.YardError
	rounds   int
}

// dispatchOracle parks the path and hands its resolution to the worker
// pool. The path stays active but is skipped by ticks until the outcome
// arrives.
func (d *runDriver) dispatchOracle(ctx context.Context, g *graph.Graph, p *Path, scope map[string]any) {
	req := d.buildRequest(g, p, scope)
	d.inFlight[p.ID] = true

	if err := d.pool.Submit(ctx, func(wctx context.Context) error {
		return d.resolveRounds(wctx, req)
	}); err != nil {
		delete(d.inFlight, p.ID)
		d.failPath(ctx, p, asYardError(err))
	}
}

// buildRequest assembles the first round's request. The instruction is set
// only while declared work is outstanding, so the oracle can tell work
// resolution from plain edge choice; templates resolve against the same
// scope guards see.
func (d *runDriver) buildRequest(g *graph.Graph, p *Path, scope map[string]any) *schema.OracleRequest {
	node, _ := g.Node(p.CurrentNode)

	instruction := ""
	if node != nil && node.DeclaresWork() && !p.WorkDone(node.Name) {
		instruction = node.Instruction()
		if resolved, err := expressions.ResolveTemplate(instruction, scope); err == nil {
			instruction = resolved
		} else {
			d.logger.Warn("instruction template unresolved",
				slog.String("run_id", d.runID),
				slog.String("node", p.CurrentNode),
				slog.String("error", err.Error()))
		}
	}

	ctxTree, _ := scope["ctx"].(map[string]any)
	return &schema.OracleRequest{
		ID:           uuid.NewString(),
		RunID:        d.runID,
		PathID:       p.ID,
		Node:         p.CurrentNode,
		Instruction:  instruction,
		Context:      ctxTree,
		Edges:        edgeOptions(g, p.CurrentNode),
		Capabilities: d.registry.Describe(),
		Round:        1,
		RoundLimit:   d.roundLimit,
	}
}

func edgeOptions(g *graph.Graph, node string) []schema.EdgeOption {
	var out []schema.EdgeOption
	for _, e := range g.OutboundControl(node) {
		out = append(out, schema.EdgeOption{
			Target:    e.Target,
			Semantic:  e.Semantic,
			Condition: e.Condition,
		})
	}
	return out
}

// resolveRounds runs the request/response loop with the oracle on a worker
// goroutine. Each more-work round executes the returned capability calls
// and sends their results back; the round limit bounds the conversation.
func (d *runDriver) resolveRounds(ctx context.Context, req *schema.OracleRequest) error {
	out := resolutionOutcome{pathID: req.PathID, node: req.Node}

rounds:
	for {
		out.rounds = req.Round

		reqPayload, _ := json.Marshal(map[string]any{
			"request_id": req.ID,
			"round":      req.Round,
			"edges":      len(req.Edges),
		})
		d.appendEvent(ctx, &store.Event{
			RunID:   d.runID,
			PathID:  req.PathID,
			Node:    req.Node,
			Type:    schema.EventOracleRequested,
			Payload: reqPayload,
		})

		resp, err := d.callOracle(ctx, req)
		if err != nil {
			out.failure = asYardError(err).WithPath(req.PathID).WithNode(req.Node)
			break
		}

		respPayload, _ := json.Marshal(map[string]any{
			"request_id": req.ID,
			"outcome":    resp.Outcome,
			"edge":       resp.Edge,
			"calls":      len(resp.Calls),
		})
		d.appendEvent(ctx, &store.Event{
			RunID:   d.runID,
			PathID:  req.PathID,
			Node:    req.Node,
			Type:    schema.EventOracleResolved,
			Payload: respPayload,
		})

		results, callErr := d.executeCalls(ctx, req, resp.Calls)
		if callErr != nil {
			out.failure = callErr
			break
		}

		switch resp.Outcome {
		case schema.OutcomeEdge:
			if resp.Edge == "" {
				out.failure = schema.NewError(schema.ErrCodeResolution,
					"oracle returned edge outcome without an edge").
					WithPath(req.PathID).WithNode(req.Node)
				break rounds
			}
			out.edge = resp.Edge
			break rounds

		case schema.OutcomeWorkDone:
			out.workDone = true
			break rounds

		case schema.OutcomeMoreWork:
			if req.RoundLimit > 0 && req.Round >= req.RoundLimit {
				out.failure = schema.NewErrorf(schema.ErrCodeRoundLimit,
					"resolution exceeded %d rounds", req.RoundLimit).
					WithPath(req.PathID).WithNode(req.Node)
				break rounds
			}
			req = d.nextRound(req, results)

		default:
			out.failure = schema.NewErrorf(schema.ErrCodeResolution,
				"oracle returned unknown outcome %q", resp.Outcome).
				WithPath(req.PathID).WithNode(req.Node)
			break rounds
		}
	}

	select {
	case d.outcomes <- out:
	case <-d.done:
	}
	if out.failure != nil {
		return out.failure
	}
	return nil
}

func (d *runDriver) callOracle(ctx context.Context, req *schema.OracleRequest) (*schema.OracleResponse, error) {
	if d.oracleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.oracleTimeout)
		defer cancel()
	}
	return d.oracle.Resolve(ctx, req)
}

// nextRound rebuilds the request for the following round: fresh ID, the
// previous round's results, and a re-read context and edge set, since
// capability calls may have written contexts or mutated the graph.
func (d *runDriver) nextRound(prev *schema.OracleRequest, results []schema.CapabilityResult) *schema.OracleRequest {
	g := d.mut.Current()
	next := *prev
	next.ID = uuid.NewString()
	next.Round = prev.Round + 1
	next.Results = results
	next.Context = d.visibleContext(g, prev.Node)
	next.Edges = edgeOptions(g, prev.Node)
	next.Capabilities = d.registry.Describe()
	return &next
}

// executeCalls runs the oracle's capability calls in order under the
// capability gate. The first failure aborts the round and is returned for
// catch handling; earlier results are kept for the failure report.
func (d *runDriver) executeCalls(ctx context.Context, req *schema.OracleRequest, calls []schema.CapabilityCall) ([]schema.CapabilityResult, *schema.YardError) {
	if len(calls) == 0 {
		return nil, nil
	}

	results := make([]schema.CapabilityResult, 0, len(calls))
	for _, c := range calls {
		var args map[string]any
		if len(c.Args) > 0 {
			if err := json.Unmarshal(c.Args, &args); err != nil {
				yerr := schema.NewErrorf(schema.ErrCodeValidation,
					"capability %s: malformed args: %v", c.Capability, err).
					WithPath(req.PathID).WithNode(req.Node)
				d.emitCapabilityFailure(ctx, req, c.Capability, yerr)
				return results, yerr
			}
		}

		callPayload, _ := json.Marshal(map[string]any{"capability": c.Capability, "args": args})
		d.appendEvent(ctx, &store.Event{
			RunID:   d.runID,
			PathID:  req.PathID,
			Node:    req.Node,
			Type:    schema.EventCapabilityCalled,
			Payload: callPayload,
		})

		d.capGate.RLock()
		output, err := d.registry.Dispatch(logging.WithIDs(ctx, d.runID, req.PathID, req.Node), c.Capability, capability.Call{
			Args:   args,
			RunID:  d.runID,
			PathID: req.PathID,
			Node:   req.Node,
		})
		d.capGate.RUnlock()

		if err != nil {
			yerr := asYardError(err)
			if yerr.PathID == 0 {
				yerr = yerr.WithPath(req.PathID)
			}
			if yerr.Node == "" {
				yerr = yerr.WithNode(req.Node)
			}
			d.emitCapabilityFailure(ctx, req, c.Capability, yerr)
			results = append(results, schema.CapabilityResult{Capability: c.Capability, Error: yerr.Message})
			return results, yerr
		}

		if c.Capability == "context.write" {
			d.appendEvent(ctx, &store.Event{
				RunID:   d.runID,
				PathID:  req.PathID,
				Node:    req.Node,
				Type:    schema.EventContextWritten,
				Payload: output.Data,
			})
		}
		results = append(results, schema.CapabilityResult{Capability: c.Capability, Output: output.Data})
	}
	return results, nil
}

// emitCapabilityFailure records a failed call, plus the more specific
// rejection event when the failure class has one.
func (d *runDriver) emitCapabilityFailure(ctx context.Context, req *schema.OracleRequest, capName string, yerr *schema.YardError) {
	payload, _ := json.Marshal(map[string]any{"capability": capName, "error": yerr})
	d.appendEvent(ctx, &store.Event{
		RunID:   d.runID,
		PathID:  req.PathID,
		Node:    req.Node,
		Type:    schema.EventCapabilityFailed,
		Payload: payload,
	})

	switch {
	// context.write wraps an exhausted lock in a resolution error, so
	// classify on the whole cause chain, not the outer code.
	case schema.IsCode(yerr, schema.ErrCodeLockTimeout):
		d.appendEvent(ctx, &store.Event{
			RunID:   d.runID,
			PathID:  req.PathID,
			Node:    req.Node,
			Type:    schema.EventLockTimedOut,
			Payload: payload,
		})
	case capName == "context.write" && yerr.Code == schema.ErrCodeValidation:
		d.appendEvent(ctx, &store.Event{
			RunID:   d.runID,
			PathID:  req.PathID,
			Node:    req.Node,
			Type:    schema.EventContextRejected,
			Payload: payload,
		})
	}
}

// applyOutcome lands a worker's settled resolution back on the path. Late
// outcomes for moved or terminal paths are discarded.
func (d *runDriver) applyOutcome(ctx context.Context, out resolutionOutcome) {
	if !d.inFlight[out.pathID] {
		return
	}
	delete(d.inFlight, out.pathID)

	p, ok := d.paths.Get(out.pathID)
	if !ok || p.Terminal() {
		return
	}
	if p.CurrentNode != out.node {
		d.logger.WarnContext(ctx, "discarding stale oracle outcome",
			slog.String("run_id", d.runID),
			slog.Int64("path_id", out.pathID),
			slog.String("resolved_node", out.node),
			slog.String("current_node", p.CurrentNode))
		return
	}

	if out.failure != nil {
		d.sentinel.RecordError(p.ID)
		d.recoverOrFail(ctx, p, out.failure)
		return
	}

	if out.workDone {
		p.MarkWorkDone(p.CurrentNode)
		d.sentinel.RecordSuccess(p.ID)
		return
	}

	if out.edge != "" {
		g := d.mut.Current()
		if !validEdgeTarget(g, p.CurrentNode, out.edge) {
			d.sentinel.RecordError(p.ID)
			d.recoverOrFail(ctx, p, schema.NewErrorf(schema.ErrCodeResolution,
				"oracle selected %q, not an outbound edge of %q", out.edge, p.CurrentNode).
				WithPath(p.ID).WithNode(p.CurrentNode))
			return
		}
		d.sentinel.RecordSuccess(p.ID)
		d.movePath(ctx, p, out.edge, ReasonOracle)
		return
	}

	d.recoverOrFail(ctx, p, schema.NewError(schema.ErrCodeResolution,
		"oracle settled without an edge or work completion").
		WithPath(p.ID).WithNode(p.CurrentNode))
}

// recoverOrFail reroutes a failed resolution along the node's first catch
// edge, or fails the path when none exists. The error already counted
// toward the path's streak; recovery does not erase it.
func (d *runDriver) recoverOrFail(ctx context.Context, p *Path, yerr *schema.YardError) {
	g := d.mut.Current()
	catches := g.CatchEdges(p.CurrentNode)
	if len(catches) > 0 {
		d.logger.InfoContext(ctx, "failure caught",
			slog.String("run_id", d.runID),
			slog.Int64("path_id", p.ID),
			slog.String("node", p.CurrentNode),
			slog.String("target", catches[0].Target),
			slog.String("code", yerr.Code))
		d.movePath(ctx, p, catches[0].Target, ReasonCatch)
		return
	}
	d.failPath(ctx, p, yerr)
}

func validEdgeTarget(g *graph.Graph, from, to string) bool {
	for _, e := range g.OutboundControl(from) {
		if e.Target == to {
			return true
		}
	}
	return false
}

// --- Graph mutation plumbing ---

// runMutator funnels capability-driven and API-driven mutations through
// the run's mutation engine and mirrors the results into the event log.
type runMutator struct {
	d *runDriver
}

// Apply implements capability.Mutator.
func (m *runMutator) Apply(ctx context.Context, gm schema.GraphMutation) (*schema.AppliedMutation, error) {
	applied, err := m.d.mut.Apply(ctx, gm)
	if err != nil {
		payload, _ := json.Marshal(map[string]any{"mutation": gm, "error": asYardError(err)})
		m.d.appendEvent(ctx, &store.Event{
			RunID:   m.d.runID,
			Type:    schema.EventMutationRejected,
			Payload: payload,
		})
		return nil, err
	}

	mode := gm.Mode
	if mode == "" {
		mode = schema.MutationImmediate
	}
	if mode == schema.MutationImmediate {
		m.d.recordApplied(ctx, []schema.AppliedMutation{*applied})
	} else {
		payload, _ := json.Marshal(applied)
		m.d.appendEvent(ctx, &store.Event{
			RunID:   m.d.runID,
			Type:    schema.EventMutationStaged,
			Payload: payload,
		})
	}
	return applied, nil
}

// recordApplied mirrors landed mutations into the event log and registers
// newly promoted or defined tools with the capability registry.
func (d *runDriver) recordApplied(ctx context.Context, applied []schema.AppliedMutation) {
	for i := range applied {
		a := applied[i]
		payload, _ := json.Marshal(a)
		d.appendEvent(ctx, &store.Event{
			RunID:   d.runID,
			Type:    schema.EventGraphMutated,
			Payload: payload,
		})
		switch a.Mutation.Op {
		case schema.MutationPromoteTool, schema.MutationDefineCapability:
			d.registerTool(ctx, a)
		}
	}
}

// registerTool makes a landed tool node invocable and persists it. A
// promoted node aliases its backing capability; a defined node synthesizes
// a generated or composed capability from the node's attributes.
func (d *runDriver) registerTool(ctx context.Context, a schema.AppliedMutation) {
	def := a.Mutation.Node
	if def == nil {
		return
	}
	node, ok := d.mut.Current().Node(def.Name)
	if !ok {
		return
	}

	tool, backing, err := d.buildToolCapability(node)
	if err != nil {
		d.logger.WarnContext(ctx, "tool registration failed",
			slog.String("run_id", d.runID),
			slog.String("tool", node.Name),
			slog.String("error", err.Error()))
		return
	}
	if err := d.registry.Register(tool); err != nil {
		d.logger.DebugContext(ctx, "tool already registered",
			slog.String("tool", node.Name))
	}

	desc, _ := json.Marshal(tool.Descriptor())
	if err := d.store.SaveTool(ctx, &store.ToolRecord{
		RunID:      d.runID,
		Name:       node.Name,
		Capability: backing,
		Descriptor: desc,
		PromotedAt: time.Now().UTC(),
	}); err != nil {
		d.logger.WarnContext(ctx, "persist tool failed",
			slog.String("run_id", d.runID),
			slog.String("tool", node.Name),
			slog.String("error", err.Error()))
	}
}

// registerGraphTools registers every tool node the current graph carries
// that the registry does not know yet. Start uses it for tools declared in
// the definition; restore uses it to bring promoted and defined
// capabilities back with the run.
func (d *runDriver) registerGraphTools(ctx context.Context) {
	g := d.mut.Current()
	// Defined capabilities first, so an alias of a defined tool resolves.
	for _, defined := range []bool{true, false} {
		for _, node := range g.Nodes() {
			if node.Kind != schema.NodeKindTool || d.registry.Has(node.Name) {
				continue
			}
			_, hasStages := node.Attributes[schema.AttrStages]
			if (node.StringAttr(schema.AttrProgram) != "" || hasStages) != defined {
				continue
			}
			tool, _, err := d.buildToolCapability(node)
			if err != nil {
				d.logger.WarnContext(ctx, "tool registration failed",
					slog.String("run_id", d.runID),
					slog.String("tool", node.Name),
					slog.String("error", err.Error()))
				continue
			}
			if err := d.registry.Register(tool); err != nil {
				d.logger.DebugContext(ctx, "tool already registered",
					slog.String("tool", node.Name))
			}
		}
	}
}

// buildToolCapability constructs the capability a tool node stands for,
// returning it with the backing name recorded in the tool table.
func (d *runDriver) buildToolCapability(node *graph.Node) (capability.Capability, string, error) {
	if program := node.StringAttr(schema.AttrProgram); program != "" {
		gen, err := capability.NewGenerated(node.Name,
			node.StringAttr(schema.AttrDescription), toolInputSchema(node), program, d.exprs)
		if err != nil {
			return nil, "", err
		}
		return gen, "generated", nil
	}
	if raw, ok := node.Attributes[schema.AttrStages]; ok {
		stages, err := decodeStages(raw)
		if err != nil {
			return nil, "", err
		}
		comp, err := capability.NewComposition(node.Name,
			node.StringAttr(schema.AttrDescription), toolInputSchema(node), stages, d.registry, d.jq)
		if err != nil {
			return nil, "", err
		}
		return comp, "composition", nil
	}

	backing := node.StringAttr(schema.AttrCapability)
	if backing == "" {
		return nil, "", schema.NewErrorf(schema.ErrCodeValidation,
			"tool node %q declares no backing capability", node.Name)
	}
	inner, err := d.registry.Get(backing)
	if err != nil {
		return nil, "", err
	}
	return &toolCapability{name: node.Name, inner: inner}, backing, nil
}

// toolInputSchema reads a tool node's declared argument schema, or nil.
func toolInputSchema(node *graph.Node) json.RawMessage {
	raw, ok := node.Attributes[schema.AttrSchema]
	if !ok {
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	return b
}

// decodeStages round-trips a raw stages attribute into pipeline stages.
func decodeStages(raw any) ([]capability.Stage, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "stages are not JSON-encodable").WithCause(err)
	}
	var stages []capability.Stage
	if err := json.Unmarshal(b, &stages); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "stages do not match the stage shape").WithCause(err)
	}
	return stages, nil
}

// toolCapability exposes a promoted tool node as an alias of its backing
// capability under the node's name.
type toolCapability struct {
	name  string
	inner capability.Capability
}

func (t *toolCapability) Name() string { return t.name }

func (t *toolCapability) Descriptor() schema.CapabilityDescriptor {
	desc := t.inner.Descriptor()
	desc.Name = t.name
	return desc
}

func (t *toolCapability) Validate(args map[string]any) error {
	return t.inner.Validate(args)
}

func (t *toolCapability) Execute(ctx context.Context, call capability.Call) (*capability.CallOutput, error) {
	return t.inner.Execute(ctx, call)
}
