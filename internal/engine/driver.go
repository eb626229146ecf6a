package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/railyard-io/railyard/internal/capability"
	"github.com/railyard-io/railyard/internal/ctxstore"
	"github.com/railyard-io/railyard/internal/expressions"
	"github.com/railyard-io/railyard/internal/graph"
	"github.com/railyard-io/railyard/internal/logging"
	"github.com/railyard-io/railyard/internal/mutation"
	"github.com/railyard-io/railyard/internal/store"
	"github.com/railyard-io/railyard/internal/streaming"
	"github.com/railyard-io/railyard/pkg/schema"
)

const (
	defaultTickPoll = 200 * time.Millisecond
	cancelGrace     = 5 * time.Second

	forkWatermarkLocal = "fork:watermark"
)

// pendingSpawn is a fork branch deferred because the path ceiling was hit.
type pendingSpawn struct {
	node      string
	from      string
	watermark int64
}

// checkpointRequest asks the driver to snapshot between ticks.
type checkpointRequest struct {
	reason string
	reply  chan checkpointReply
}

type checkpointReply struct {
	id  string
	err error
}

// runDriver advances one run. A single goroutine owns all path state and
// performs every transition; oracle rounds run on the shared worker pool
// and report back through the outcomes channel. Nothing outside the driver
// goroutine mutates paths, barriers or the sentinel while the run is live.
type runDriver struct {
	runID  string
	origin string

	mut      *mutation.Engine
	paths    *PathManager
	barriers *BarrierSet
	sentinel *Sentinel
	ctxStore *ctxstore.Store
	resolver *Resolver
	oracle   Oracle
	registry *capability.Registry
	exprs    *expressions.ExprEngine
	jq       *expressions.GoJQEngine
	pool     *WorkerPool
	runFSM   *RunFSM
	pathFSM  *PathFSM
	hub      streaming.EventHub
	store    store.Store
	ckpt     Checkpointer
	logger   *slog.Logger

	roundLimit    int
	oracleTimeout time.Duration
	tickPoll      time.Duration

	outcomes chan resolutionOutcome
	ckptReqs chan checkpointRequest

	// Driver-goroutine state; never touched elsewhere.
	inFlight      map[int64]bool
	pendingSpawns []pendingSpawn
	coolingDown   bool

	// capGate serializes checkpoints against capability calls: workers
	// hold the read side while executing a call, the driver takes the
	// write side to snapshot, so a checkpoint never splits a call's
	// effects.
	capGate sync.RWMutex

	mu      sync.RWMutex
	status  schema.RunStatus
	output  map[string]any
	runErr  *schema.YardError
	resumed bool

	cancel context.CancelFunc
	done   chan struct{}
}

// Status returns the run's current lifecycle status.
func (d *runDriver) Status() schema.RunStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

func (d *runDriver) setStatus(s schema.RunStatus) {
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
}

func (d *runDriver) terminal() bool {
	switch d.Status() {
	case schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCancelled:
		return true
	}
	return false
}

// run is the driver goroutine entry point.
func (d *runDriver) run(ctx context.Context) {
	defer close(d.done)

	if err := d.start(ctx); err != nil {
		d.logger.ErrorContext(ctx, "run start failed",
			slog.String("run_id", d.runID),
			slog.String("error", err.Error()))
		d.abort(asYardError(err))
		return
	}

	d.loop(ctx)
}

// start transitions the run to active and seeds the entry paths. Resumed
// runs skip the lifecycle transition; their paths were restored already.
func (d *runDriver) start(ctx context.Context) error {
	if d.resumed {
		d.logger.InfoContext(ctx, "run resumed",
			slog.String("run_id", d.runID),
			slog.Int("paths", len(d.paths.All())))
		return nil
	}

	if err := d.runFSM.Transition(ctx, d.runID, schema.RunStatusPending, schema.RunStatusActive, nil); err != nil {
		return err
	}
	d.setStatus(schema.RunStatusActive)
	d.publishLifecycle(ctx, 0, "", schema.EventRunStarted, nil)

	now := time.Now().UTC()
	active := schema.RunStatusActive
	if err := d.store.UpdateRun(ctx, d.runID, store.RunUpdate{Status: &active, StartedAt: &now}); err != nil {
		d.logger.WarnContext(ctx, "persist run start failed",
			slog.String("run_id", d.runID),
			slog.String("error", err.Error()))
	}

	g := d.mut.Current()
	entries := EntryNodes(g)
	if len(entries) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "graph has no entry node")
	}
	for _, node := range entries {
		d.spawnEntry(ctx, node)
	}
	return nil
}

// abort fails a run that never got going.
func (d *runDriver) abort(yerr *schema.YardError) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelGrace)
	defer cancel()

	d.mu.Lock()
	d.runErr = yerr
	d.mu.Unlock()

	payload, _ := json.Marshal(yerr)
	from := d.Status()
	if from == schema.RunStatusPending {
		// Failed is not reachable from pending; pass through active so
		// the event trail stays well-formed.
		if err := d.runFSM.Transition(ctx, d.runID, from, schema.RunStatusActive, nil); err == nil {
			from = schema.RunStatusActive
		}
	}
	if err := d.runFSM.Transition(ctx, d.runID, from, schema.RunStatusFailed, payload); err != nil {
		d.logger.Warn("abort transition failed", slog.String("run_id", d.runID), slog.String("error", err.Error()))
	}
	d.setStatus(schema.RunStatusFailed)

	failed := schema.RunStatusFailed
	now := time.Now().UTC()
	if err := d.store.UpdateRun(ctx, d.runID, store.RunUpdate{Status: &failed, Error: payload, CompletedAt: &now}); err != nil {
		d.logger.Warn("persist run abort failed", slog.String("run_id", d.runID), slog.String("error", err.Error()))
	}
}

// loop ticks until the run reaches a terminal status. Between ticks it
// blocks on oracle outcomes, checkpoint requests, a poll timer for
// deadlines, and cancellation.
func (d *runDriver) loop(ctx context.Context) {
	poll := d.tickPoll
	if poll <= 0 {
		poll = defaultTickPoll
	}

	for {
		d.drainOutcomes(ctx)
		d.drainCheckpointRequests(ctx)

		progressed := d.tick(ctx)
		if d.terminal() {
			return
		}
		if progressed {
			continue
		}

		timer := time.NewTimer(poll)
		select {
		case out := <-d.outcomes:
			d.applyOutcome(ctx, out)
		case req := <-d.ckptReqs:
			d.serveCheckpoint(ctx, req)
		case <-timer.C:
			d.expireBarriers(ctx)
		case <-ctx.Done():
			timer.Stop()
			d.handleCancel()
			return
		}
		timer.Stop()
	}
}

func (d *runDriver) drainOutcomes(ctx context.Context) {
	for {
		select {
		case out := <-d.outcomes:
			d.applyOutcome(ctx, out)
		default:
			return
		}
	}
}

func (d *runDriver) drainCheckpointRequests(ctx context.Context) {
	for {
		select {
		case req := <-d.ckptReqs:
			d.serveCheckpoint(ctx, req)
		default:
			return
		}
	}
}

// tick makes one resolution pass over every active path in ascending ID
// order and reports whether anything progressed.
func (d *runDriver) tick(ctx context.Context) bool {
	progressed := d.drainSpawns(ctx)

	for _, p := range d.paths.Active() {
		if d.inFlight[p.ID] {
			continue
		}
		if err := d.sentinel.Check(p.ID); err != nil {
			if d.applySafety(ctx, p, asYardError(err)) {
				progressed = true
			}
			if d.terminal() {
				return true
			}
			continue
		}
		d.coolingDown = false

		g := d.mut.Current()
		scope := d.buildScope(g, p)
		res, err := d.resolver.Resolve(ctx, g, p, scope)
		if err != nil {
			d.failPath(ctx, p, asYardError(err))
			progressed = true
			continue
		}

		switch res.Kind {
		case ResolveTerminal:
			d.completePath(ctx, p)
		case ResolveAuto:
			reason := ReasonAuto
			if res.Edge.Condition != "" {
				reason = ReasonGuard
			}
			d.movePath(ctx, p, res.Edge.Target, reason)
		case ResolveFork:
			d.forkPath(ctx, p, res.Branches)
		case ResolveJoin:
			d.arriveBarrier(ctx, g, p)
		case ResolveOracle:
			d.dispatchOracle(ctx, g, p, scope)
		}
		progressed = true
	}

	d.detectStall(ctx)

	if !d.terminal() && len(d.inFlight) == 0 && len(d.pendingSpawns) == 0 && d.allPathsTerminal() {
		d.finish(ctx)
		progressed = true
	}
	return progressed
}

func (d *runDriver) allPathsTerminal() bool {
	for _, p := range d.paths.All() {
		if !p.Terminal() {
			return false
		}
	}
	return true
}

// applySafety handles a sentinel rejection. Terminal trips fail the run,
// per-path step exhaustion fails the path, and an error-tripped breaker in
// cooldown just skips the path until the cooldown elapses. Returns whether
// the rejection produced a state change.
func (d *runDriver) applySafety(ctx context.Context, p *Path, yerr *schema.YardError) bool {
	reason := ""
	if yerr.Details != nil {
		reason, _ = yerr.Details["reason"].(string)
	}

	if d.sentinel.Terminal() {
		d.emitSafety(ctx, p, yerr)
		d.failRun(ctx, yerr)
		return true
	}
	if reason == TripMaxPathSteps {
		d.emitSafety(ctx, p, yerr)
		d.failPath(ctx, p, yerr)
		return true
	}

	// Breaker open on consecutive errors: leave the path active and let
	// the half-open probe retry after the cooldown.
	if !d.coolingDown {
		d.coolingDown = true
		d.emitSafety(ctx, p, yerr)
		d.logger.WarnContext(ctx, "safety breaker open, cooling down",
			slog.String("run_id", d.runID),
			slog.Int64("path_id", p.ID),
			slog.String("reason", reason))
	}
	return false
}

func (d *runDriver) emitSafety(ctx context.Context, p *Path, yerr *schema.YardError) {
	payload, _ := json.Marshal(yerr)
	d.appendEvent(ctx, &store.Event{
		RunID:   d.runID,
		PathID:  p.ID,
		Node:    p.CurrentNode,
		Type:    schema.EventSafetyTripped,
		Payload: payload,
	})
}

// --- Path actions ---

func (d *runDriver) spawnEntry(ctx context.Context, node string) {
	p, ok := d.paths.Create(node)
	if !ok {
		d.pendingSpawns = append(d.pendingSpawns, pendingSpawn{node: node})
		return
	}
	d.recordCreated(ctx, p, 0)
}

func (d *runDriver) spawnBranch(ctx context.Context, target, from string, watermark int64, parent int64) {
	p, ok := d.paths.Create(target)
	if !ok {
		d.pendingSpawns = append(d.pendingSpawns, pendingSpawn{node: target, from: from, watermark: watermark})
		return
	}
	p.Locals[forkWatermarkLocal] = watermark
	p.History = append(p.History, Hop{From: from, To: target, Reason: ReasonFork, At: time.Now().UTC()})
	d.recordCreated(ctx, p, parent)
}

func (d *runDriver) recordCreated(ctx context.Context, p *Path, parent int64) {
	var payload json.RawMessage
	if parent != 0 {
		payload, _ = json.Marshal(map[string]any{"parent": parent})
	}
	d.appendEvent(ctx, &store.Event{
		RunID:   d.runID,
		PathID:  p.ID,
		Node:    p.CurrentNode,
		Type:    schema.EventPathCreated,
		Payload: payload,
	})
	d.persistPath(ctx, p)
	d.logger.InfoContext(ctx, "path created",
		slog.String("run_id", d.runID),
		slog.Int64("path_id", p.ID),
		slog.String("node", p.CurrentNode))
}

func (d *runDriver) drainSpawns(ctx context.Context) bool {
	progressed := false
	for len(d.pendingSpawns) > 0 {
		s := d.pendingSpawns[0]
		p, ok := d.paths.Create(s.node)
		if !ok {
			break
		}
		if s.from != "" {
			p.Locals[forkWatermarkLocal] = s.watermark
			p.History = append(p.History, Hop{From: s.from, To: s.node, Reason: ReasonFork, At: time.Now().UTC()})
		}
		d.pendingSpawns = d.pendingSpawns[1:]
		d.recordCreated(ctx, p, 0)
		progressed = true
	}
	return progressed
}

// movePath records one transition: sentinel step, history hop, event, and
// persistence. Leaving a checkpoint-annotated node snapshots the run.
func (d *runDriver) movePath(ctx context.Context, p *Path, target, reason string) {
	g := d.mut.Current()
	from := p.CurrentNode
	fromNode, _ := g.Node(from)

	d.sentinel.RecordStep(p.ID)
	if err := d.paths.Move(p.ID, target, reason); err != nil {
		d.failPath(ctx, p, asYardError(err))
		return
	}

	payload, _ := json.Marshal(map[string]any{"from": from, "reason": reason})
	d.appendEvent(ctx, &store.Event{
		RunID:   d.runID,
		PathID:  p.ID,
		Node:    target,
		Type:    schema.EventPathMoved,
		Payload: payload,
	})
	d.persistPath(ctx, p)
	d.logger.DebugContext(ctx, "path moved",
		slog.String("run_id", d.runID),
		slog.Int64("path_id", p.ID),
		slog.String("from", from),
		slog.String("to", target),
		slog.String("reason", reason))

	if fromNode != nil && fromNode.HasAnnotation(schema.AnnotationCheckpoint) {
		if _, err := d.takeCheckpoint(ctx, from, "annotation"); err != nil {
			d.logger.WarnContext(ctx, "annotation checkpoint failed",
				slog.String("run_id", d.runID),
				slog.String("node", from),
				slog.String("error", err.Error()))
		}
	}
}

func (d *runDriver) completePath(ctx context.Context, p *Path) {
	if err := d.pathFSM.Transition(ctx, d.runID, p.ID, p.CurrentNode, p.Status, schema.PathStatusCompleted, nil); err != nil {
		d.logger.WarnContext(ctx, "path completion event failed",
			slog.String("run_id", d.runID),
			slog.Int64("path_id", p.ID),
			slog.String("error", err.Error()))
	}
	if err := d.paths.UpdateStatus(p.ID, schema.PathStatusCompleted); err != nil {
		d.logger.WarnContext(ctx, "path completion failed",
			slog.String("run_id", d.runID),
			slog.Int64("path_id", p.ID),
			slog.String("error", err.Error()))
		return
	}
	d.persistPath(ctx, p)
	d.publishLifecycle(ctx, p.ID, p.CurrentNode, schema.EventPathCompleted, nil)
}

func (d *runDriver) failPath(ctx context.Context, p *Path, yerr *schema.YardError) {
	payload, _ := json.Marshal(yerr)
	if err := d.pathFSM.Transition(ctx, d.runID, p.ID, p.CurrentNode, p.Status, schema.PathStatusFailed, payload); err != nil {
		d.logger.WarnContext(ctx, "path failure event failed",
			slog.String("run_id", d.runID),
			slog.Int64("path_id", p.ID),
			slog.String("error", err.Error()))
	}
	if err := d.paths.UpdateStatus(p.ID, schema.PathStatusFailed); err != nil {
		d.logger.WarnContext(ctx, "path failure transition rejected",
			slog.String("run_id", d.runID),
			slog.Int64("path_id", p.ID),
			slog.String("error", err.Error()))
		return
	}
	p.Failure = yerr
	d.persistPath(ctx, p)
	d.publishLifecycle(ctx, p.ID, p.CurrentNode, schema.EventPathFailed, payload)
	d.logger.WarnContext(ctx, "path failed",
		slog.String("run_id", d.runID),
		slog.Int64("path_id", p.ID),
		slog.String("node", p.CurrentNode),
		slog.String("code", yerr.Code),
		slog.String("error", yerr.Message))
}

// forkPath spawns one path per branch and completes the parent at the fork
// node. Children inherit the journal watermark so the matching join can
// reconcile exactly the writes that diverged.
func (d *runDriver) forkPath(ctx context.Context, p *Path, branches []*graph.Edge) {
	watermark := d.ctxStore.Watermark()
	targets := make([]string, 0, len(branches))
	for _, e := range branches {
		targets = append(targets, e.Target)
	}

	payload, _ := json.Marshal(map[string]any{"branches": targets, "watermark": watermark})
	d.appendEvent(ctx, &store.Event{
		RunID:   d.runID,
		PathID:  p.ID,
		Node:    p.CurrentNode,
		Type:    schema.EventPathForked,
		Payload: payload,
	})

	d.sentinel.RecordStep(p.ID)
	for _, e := range branches {
		d.spawnBranch(ctx, e.Target, p.CurrentNode, watermark, p.ID)
	}
	d.completePath(ctx, p)
}

// arriveBarrier parks or releases the path at its join node's barrier.
func (d *runDriver) arriveBarrier(ctx context.Context, g *graph.Graph, p *Path) {
	node, ok := g.Node(p.CurrentNode)
	if !ok {
		d.failPath(ctx, p, schema.NewErrorf(schema.ErrCodeResolution,
			"join node %q vanished", p.CurrentNode).WithPath(p.ID))
		return
	}

	name := node.StringAttr(schema.AttrBarrier)
	if name == "" {
		name = node.Name
	}
	expected := distinctSources(g.InboundControl(node.Name))
	if expected == 0 {
		expected = 1
	}
	d.barriers.Ensure(name, node.Name, expected)

	arr, err := d.barriers.Arrive(name, p.ID)
	if err != nil {
		d.failPath(ctx, p, asYardError(err))
		return
	}

	payload, _ := json.Marshal(map[string]any{"barrier": name})
	d.appendEvent(ctx, &store.Event{
		RunID:   d.runID,
		PathID:  p.ID,
		Node:    node.Name,
		Type:    schema.EventBarrierArrived,
		Payload: payload,
	})

	switch {
	case arr.PassThrough:
		p.MarkJoined(node.Name)
	case arr.Released:
		d.releaseBarrier(ctx, node.Name, name, arr)
	default:
		if err := d.pathFSM.Transition(ctx, d.runID, p.ID, node.Name, p.Status, schema.PathStatusWaiting, nil); err != nil {
			d.logger.WarnContext(ctx, "path waiting event failed",
				slog.String("run_id", d.runID),
				slog.Int64("path_id", p.ID),
				slog.String("error", err.Error()))
		}
		if err := d.paths.UpdateStatus(p.ID, schema.PathStatusWaiting); err != nil {
			d.failPath(ctx, p, asYardError(err))
			return
		}
		d.persistPath(ctx, p)
		d.publishLifecycle(ctx, p.ID, node.Name, schema.EventPathWaiting, nil)
	}
}

// releaseBarrier folds the merging paths into the continuing one:
// divergent context writes are reconciled, merged paths complete at the
// join node, and the continuing path proceeds alone.
func (d *runDriver) releaseBarrier(ctx context.Context, nodeName, barrierName string, arr *Arrival) {
	continuing, ok := d.paths.Get(arr.Continuing)
	if !ok {
		d.logger.ErrorContext(ctx, "released barrier has unknown continuation",
			slog.String("run_id", d.runID),
			slog.Int64("path_id", arr.Continuing))
		return
	}

	watermark := localInt64(continuing, forkWatermarkLocal)
	writers := append(append([]int64(nil), arr.Merging...), arr.Continuing)
	conflicts, err := d.ctxStore.ReconcileMerge(logging.WithRunID(ctx, d.runID), watermark, writers, arr.Continuing)
	if err != nil {
		d.logger.WarnContext(ctx, "merge reconciliation failed",
			slog.String("run_id", d.runID),
			slog.String("barrier", barrierName),
			slog.String("error", err.Error()))
	}
	for _, c := range conflicts {
		payload, _ := json.Marshal(c)
		d.appendEvent(ctx, &store.Event{
			RunID:   d.runID,
			PathID:  arr.Continuing,
			Node:    nodeName,
			Type:    schema.EventContextConflict,
			Payload: payload,
		})
	}

	payload, _ := json.Marshal(map[string]any{
		"barrier":    barrierName,
		"continuing": arr.Continuing,
		"merged":     arr.Merging,
	})
	d.appendEvent(ctx, &store.Event{
		RunID:   d.runID,
		PathID:  arr.Continuing,
		Node:    nodeName,
		Type:    schema.EventBarrierReleased,
		Payload: payload,
	})

	for _, id := range arr.Merging {
		mp, ok := d.paths.Get(id)
		if !ok || mp.Terminal() {
			continue
		}
		d.completePath(ctx, mp)
	}

	continuing.MarkJoined(nodeName)
	if continuing.Status == schema.PathStatusWaiting {
		if err := d.pathFSM.Transition(ctx, d.runID, continuing.ID, nodeName, schema.PathStatusWaiting, schema.PathStatusActive, nil); err != nil {
			d.logger.WarnContext(ctx, "barrier resume event failed",
				slog.String("run_id", d.runID),
				slog.Int64("path_id", continuing.ID),
				slog.String("error", err.Error()))
		}
		if err := d.paths.UpdateStatus(continuing.ID, schema.PathStatusActive); err != nil {
			d.logger.WarnContext(ctx, "barrier resume failed",
				slog.String("run_id", d.runID),
				slog.Int64("path_id", continuing.ID),
				slog.String("error", err.Error()))
		}
		d.persistPath(ctx, continuing)
	}
}

func distinctSources(edges []*graph.Edge) int {
	seen := make(map[string]bool, len(edges))
	for _, e := range edges {
		seen[e.Source] = true
	}
	return len(seen)
}

// detectStall fails every waiting path when nothing can release them: no
// path is active, nothing is in flight, and no spawn is queued. Without
// this a lost branch would park its siblings forever.
func (d *runDriver) detectStall(ctx context.Context) {
	if d.terminal() || len(d.inFlight) > 0 || len(d.pendingSpawns) > 0 {
		return
	}
	if len(d.paths.Active()) > 0 {
		return
	}
	waiting := d.paths.Waiting()
	if len(waiting) == 0 {
		return
	}
	for _, p := range waiting {
		d.failPath(ctx, p, schema.NewErrorf(schema.ErrCodeSynchronization,
			"barrier at %q can never release: no active paths remain", p.CurrentNode).
			WithPath(p.ID).WithNode(p.CurrentNode))
	}
}

// expireBarriers fails paths parked past their barrier deadline.
func (d *runDriver) expireBarriers(ctx context.Context) {
	for _, b := range d.barriers.Expired(time.Now().UTC()) {
		payload, _ := json.Marshal(map[string]any{
			"barrier":  b.Name,
			"arrived":  len(b.Arrived),
			"expected": b.Expected,
		})
		d.appendEvent(ctx, &store.Event{
			RunID:   d.runID,
			Node:    b.Node,
			Type:    schema.EventBarrierTimedOut,
			Payload: payload,
		})
		for _, id := range b.Arrived {
			p, ok := d.paths.Get(id)
			if !ok || p.Status != schema.PathStatusWaiting {
				continue
			}
			d.failPath(ctx, p, schema.NewErrorf(schema.ErrCodeTimeout,
				"barrier %q timed out after %d of %d arrivals", b.Name, len(b.Arrived), b.Expected).
				WithPath(id).WithNode(b.Node))
		}
	}
}

// --- Run completion ---

// failRun fails every live path and settles the run.
func (d *runDriver) failRun(ctx context.Context, yerr *schema.YardError) {
	d.mu.Lock()
	if d.runErr == nil {
		d.runErr = yerr
	}
	d.mu.Unlock()

	for _, p := range d.paths.All() {
		if p.Terminal() {
			continue
		}
		d.failPath(ctx, p, yerr)
	}
	d.finish(ctx)
}

// finish settles a run whose paths are all terminal: completed when at
// least one path completed and nothing forced a failure, failed otherwise.
// The final context contents become the run output.
func (d *runDriver) finish(ctx context.Context) {
	completed := 0
	var firstFailure *schema.YardError
	for _, p := range d.paths.All() {
		switch p.Status {
		case schema.PathStatusCompleted:
			completed++
		case schema.PathStatusFailed:
			if firstFailure == nil && p.Failure != nil {
				firstFailure = p.Failure
			}
		}
	}

	d.mu.Lock()
	runErr := d.runErr
	d.mu.Unlock()

	status := schema.RunStatusCompleted
	if runErr != nil || completed == 0 {
		status = schema.RunStatusFailed
		if runErr == nil {
			runErr = firstFailure
			if runErr == nil {
				runErr = schema.NewError(schema.ErrCodeExecution, "all paths failed")
			}
		}
	}

	output := d.contextDump()

	var payload json.RawMessage
	if runErr != nil {
		payload, _ = json.Marshal(runErr)
	}
	if err := d.runFSM.Transition(ctx, d.runID, schema.RunStatusActive, status, payload); err != nil {
		d.logger.WarnContext(ctx, "run completion event failed",
			slog.String("run_id", d.runID),
			slog.String("error", err.Error()))
	}

	now := time.Now().UTC()
	update := store.RunUpdate{Status: &status, CompletedAt: &now}
	if out, err := json.Marshal(output); err == nil {
		update.Output = out
	}
	update.Error = payload
	if err := d.store.UpdateRun(ctx, d.runID, update); err != nil {
		d.logger.WarnContext(ctx, "persist run completion failed",
			slog.String("run_id", d.runID),
			slog.String("error", err.Error()))
	}

	d.mu.Lock()
	d.status = status
	d.output = output
	d.runErr = runErr
	d.mu.Unlock()
	d.publishLifecycle(ctx, 0, "", runEventType(status), payload)

	if status == schema.RunStatusFailed {
		if _, err := d.takeCheckpoint(ctx, "", "failure"); err != nil {
			d.logger.WarnContext(ctx, "failure checkpoint failed",
				slog.String("run_id", d.runID),
				slog.String("error", err.Error()))
		}
	}

	d.logger.InfoContext(ctx, "run finished",
		slog.String("run_id", d.runID),
		slog.String("status", string(status)),
		slog.Int64("steps", d.sentinel.GlobalSteps()))
}

// handleCancel settles the run as cancelled after the driver context ends.
// Persistence uses a fresh context: the run's own is already dead.
func (d *runDriver) handleCancel() {
	ctx, cancel := context.WithTimeout(context.Background(), cancelGrace)
	defer cancel()

	if err := CancelRun(ctx, d.runFSM, d.pathFSM, d.runID, d.Status(), d.paths.Views()); err != nil {
		d.logger.Warn("cancel cascade failed",
			slog.String("run_id", d.runID),
			slog.String("error", err.Error()))
	}

	cancelErr := schema.NewError(schema.ErrCodeCancelled, "run cancelled")
	for _, p := range d.paths.All() {
		if p.Terminal() {
			continue
		}
		if err := d.paths.UpdateStatus(p.ID, schema.PathStatusFailed); err == nil {
			p.Failure = cancelErr
			d.persistPath(ctx, p)
		}
	}

	d.mu.Lock()
	d.status = schema.RunStatusCancelled
	if d.runErr == nil {
		d.runErr = cancelErr
	}
	d.mu.Unlock()

	status := schema.RunStatusCancelled
	now := time.Now().UTC()
	payload, _ := json.Marshal(cancelErr)
	if err := d.store.UpdateRun(ctx, d.runID, store.RunUpdate{Status: &status, Error: payload, CompletedAt: &now}); err != nil {
		d.logger.Warn("persist run cancel failed",
			slog.String("run_id", d.runID),
			slog.String("error", err.Error()))
	}
	d.publishLifecycle(ctx, 0, "", schema.EventRunCancelled, payload)
	d.logger.Info("run cancelled", slog.String("run_id", d.runID))
}

// --- Checkpoints ---

// requestCheckpoint hands a snapshot request to the driver goroutine and
// waits for the checkpoint ID.
func (d *runDriver) requestCheckpoint(ctx context.Context, reason string) (string, error) {
	req := checkpointRequest{reason: reason, reply: make(chan checkpointReply, 1)}
	select {
	case d.ckptReqs <- req:
	case <-d.done:
		return "", schema.NewErrorf(schema.ErrCodeConflict, "run %s is not live", d.runID)
	case <-ctx.Done():
		return "", asYardError(ctx.Err())
	}
	select {
	case rep := <-req.reply:
		return rep.id, rep.err
	case <-ctx.Done():
		return "", asYardError(ctx.Err())
	}
}

func (d *runDriver) serveCheckpoint(ctx context.Context, req checkpointRequest) {
	id, err := d.takeCheckpoint(ctx, "", req.reason)
	req.reply <- checkpointReply{id: id, err: err}
}

// takeCheckpoint snapshots the run between ticks. The capability gate
// excludes in-flight calls, batched mutations land first so the snapshot's
// graph is the one the next tick sees, and the context store is quiescent
// by construction.
func (d *runDriver) takeCheckpoint(ctx context.Context, node, reason string) (string, error) {
	d.capGate.Lock()
	defer d.capGate.Unlock()

	if flushed, err := d.mut.FlushBatch(ctx); err != nil {
		d.logger.WarnContext(ctx, "batch flush at checkpoint failed",
			slog.String("run_id", d.runID),
			slog.String("error", err.Error()))
	} else if len(flushed) > 0 {
		d.recordApplied(ctx, flushed)
	}

	g := d.mut.Current()
	paths, nextID := d.paths.Snapshot()
	snap := runSnapshot{
		RunID:      d.runID,
		Graph:      g.ToDefinition(),
		Revision:   g.Revision,
		Paths:      paths,
		NextPathID: nextID,
		Context:    d.ctxStore.Snapshot(),
		Barriers:   d.barriers.Snapshot(),
		Safety:     d.sentinel.Snapshot(),
		TakenAt:    time.Now().UTC(),
	}
	state, err := json.Marshal(snap)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeExecution, "marshal checkpoint: %v", err)
	}

	meta := schema.CheckpointMeta{
		ID:        uuid.NewString(),
		RunID:     d.runID,
		Node:      node,
		Reason:    reason,
		CreatedAt: snap.TakenAt,
	}
	if err := d.ckpt.Save(ctx, meta, state); err != nil {
		return "", err
	}

	payload, _ := json.Marshal(map[string]any{"checkpoint_id": meta.ID, "reason": reason})
	d.appendEvent(ctx, &store.Event{
		RunID:   d.runID,
		Node:    node,
		Type:    schema.EventCheckpointTaken,
		Payload: payload,
	})
	d.logger.InfoContext(ctx, "checkpoint taken",
		slog.String("run_id", d.runID),
		slog.String("checkpoint_id", meta.ID),
		slog.String("reason", reason))
	return meta.ID, nil
}

// --- Helpers ---

// appendEvent records an informational event; failures are logged, not
// fatal. Lifecycle events go through the FSMs instead so their failures
// surface.
func (d *runDriver) appendEvent(ctx context.Context, e *store.Event) {
	if err := d.store.AppendEvent(ctx, e); err != nil {
		d.logger.WarnContext(ctx, "append event failed",
			slog.String("run_id", d.runID),
			slog.String("type", e.Type),
			slog.String("error", err.Error()))
	}
	d.publish(ctx, e)
}

func (d *runDriver) publish(ctx context.Context, e *store.Event) {
	if d.hub == nil {
		return
	}
	var payload any
	if len(e.Payload) > 0 {
		payload = json.RawMessage(e.Payload)
	}
	if err := d.hub.Publish(ctx, streaming.StreamEvent{
		RunID:     d.runID,
		PathID:    e.PathID,
		Node:      e.Node,
		EventType: e.Type,
		Payload:   payload,
	}); err != nil {
		d.logger.DebugContext(ctx, "publish event failed",
			slog.String("type", e.Type),
			slog.String("error", err.Error()))
	}
}

// publishLifecycle mirrors FSM-emitted events onto the hub. The FSMs write
// the store event themselves; only streaming needs help.
func (d *runDriver) publishLifecycle(ctx context.Context, pathID int64, node, eventType string, payload json.RawMessage) {
	d.publish(ctx, &store.Event{PathID: pathID, Node: node, Type: eventType, Payload: payload})
}

func (d *runDriver) persistPath(ctx context.Context, p *Path) {
	rec := &store.PathRecord{
		RunID:       d.runID,
		PathID:      p.ID,
		CurrentNode: p.CurrentNode,
		Status:      p.Status,
		Hops:        len(p.History),
	}
	if p.Failure != nil {
		rec.Failure, _ = json.Marshal(p.Failure)
	}
	if err := d.store.UpsertPath(ctx, rec); err != nil {
		d.logger.WarnContext(ctx, "persist path failed",
			slog.String("run_id", d.runID),
			slog.Int64("path_id", p.ID),
			slog.String("error", err.Error()))
	}
}

// buildScope assembles the guard and template evaluation scope for a path:
// the contexts its node is wired to, the path's own coordinates, and the
// node's attributes.
func (d *runDriver) buildScope(g *graph.Graph, p *Path) map[string]any {
	node, _ := g.Node(p.CurrentNode)
	attrs := map[string]any{}
	if node != nil && node.Attributes != nil {
		attrs = node.Attributes
	}
	return map[string]any{
		"ctx": d.visibleContext(g, p.CurrentNode),
		"path": map[string]any{
			"id":     p.ID,
			"node":   p.CurrentNode,
			"status": string(p.Status),
			"hops":   len(p.History),
		},
		"attrs": attrs,
	}
}

// visibleContext reads the contexts the node declares data edges to,
// nested by the context name's dotted segments. A node with no data edges
// sees nothing: visibility is declared, not ambient.
func (d *runDriver) visibleContext(g *graph.Graph, nodeName string) map[string]any {
	tree := make(map[string]any)
	for _, name := range boundContexts(g, nodeName) {
		vals, err := d.ctxStore.Read(name)
		if err != nil {
			continue
		}
		insertContextTree(tree, name, vals)
	}
	return tree
}

// boundContexts returns the context nodes wired to the node by reads or
// writes edges in either direction, deduplicated in declaration order.
func boundContexts(g *graph.Graph, nodeName string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(name string) {
		n, ok := g.Node(name)
		if !ok || n.Kind != schema.NodeKindContext || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}
	for _, e := range g.Outbound(nodeName) {
		if e.Semantic == schema.EdgeReads || e.Semantic == schema.EdgeWrites {
			add(e.Target)
		}
	}
	for _, e := range g.Inbound(nodeName) {
		if e.Semantic == schema.EdgeReads || e.Semantic == schema.EdgeWrites {
			add(e.Source)
		}
	}
	return out
}

// insertContextTree nests a context's values under its dotted name:
// "data.flags" lands at tree["data"]["flags"]. A context whose name
// collides with another's prefix merges into the existing subtree.
func insertContextTree(tree map[string]any, name string, vals map[string]any) {
	segs := strings.Split(name, ".")
	cur := tree
	for _, s := range segs[:len(segs)-1] {
		next, ok := cur[s].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[s] = next
		}
		cur = next
	}
	last := segs[len(segs)-1]
	if existing, ok := cur[last].(map[string]any); ok {
		for k, v := range vals {
			existing[k] = v
		}
		return
	}
	cur[last] = vals
}

// contextDump reads every registered context into one nested tree; used as
// the run output.
func (d *runDriver) contextDump() map[string]any {
	tree := make(map[string]any)
	names := d.ctxStore.Contexts()
	sort.Slice(names, func(i, j int) bool { return len(names[i]) < len(names[j]) })
	for _, name := range names {
		vals, err := d.ctxStore.Read(name)
		if err != nil {
			continue
		}
		insertContextTree(tree, name, vals)
	}
	return tree
}

func localInt64(p *Path, key string) int64 {
	if p.Locals == nil {
		return 0
	}
	switch v := p.Locals[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case int:
		return int64(v)
	}
	return 0
}

func asYardError(err error) *schema.YardError {
	if err == nil {
		return nil
	}
	var yerr *schema.YardError
	if errors.As(err, &yerr) {
		return yerr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.NewError(schema.ErrCodeTimeout, err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return schema.NewError(schema.ErrCodeCancelled, err.Error())
	}
	return schema.NewError(schema.ErrCodeExecution, err.Error())
}
