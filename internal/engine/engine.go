package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
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
	"github.com/railyard-io/railyard/internal/validation"
	"github.com/railyard-io/railyard/pkg/schema"
)

const (
	defaultPoolSize    = 8
	defaultRoundLimit  = 8
	defaultPathCeiling = 64
	defaultLockWait    = 2 * time.Second
	defaultBarrierWait = 60 * time.Second
	defaultOracleWait  = 60 * time.Second
)

// Config configures an Engine.
type Config struct {
	// Store is the persistence layer. Required.
	Store store.Store
	// Oracle resolves delegated transitions. Runs may override it per
	// call; when both are nil the engine falls back to AutoOracle, which
	// acknowledges work and takes first edges.
	Oracle Oracle
	// Hub receives streaming events. Defaults to an in-process hub.
	Hub streaming.EventHub
	// Checkpointer stores run snapshots. Defaults to in-memory; use
	// NewStoreCheckpointer to persist alongside the run.
	Checkpointer Checkpointer
	Logger       *slog.Logger

	// PoolSize bounds concurrent oracle resolutions across all runs.
	PoolSize int
	// RoundLimit bounds oracle rounds per node visit. Zero means the
	// default; negative disables the limit.
	RoundLimit int
	// PathCeiling bounds live paths per run. Zero means the default;
	// negative disables the ceiling.
	PathCeiling int
	// LockWait bounds context write-lock acquisition.
	LockWait time.Duration
	// BarrierWait bounds how long a join barrier holds arrivals before
	// expiring them. Zero means the default; negative disables expiry.
	BarrierWait time.Duration
	// OracleTimeout bounds a single oracle round trip.
	OracleTimeout time.Duration
	// TickPoll is the driver's idle wake-up interval.
	TickPoll time.Duration

	Safety SafetyLimits
	// FrozenPrefixes closes graph regions to mutation for every run, in
	// addition to per-node frozen annotations.
	FrozenPrefixes []string
	// MergePolicy reconciles divergent context writes at barrier release.
	MergePolicy ctxstore.MergePolicy
	// WriteRetries is how many times context.write retries a contended
	// lock before surfacing the failure.
	WriteRetries int
}

// RunOptions parameterizes one run.
type RunOptions struct {
	// RunID overrides the generated ID. Must be unique.
	RunID string
	// Origin records who started the run ("cli", "scheduler", agent id).
	Origin string
	// Seeds are initial context writes, keyed by context name then key.
	// They land before the first tick, attributed to path 0.
	Seeds map[string]map[string]any
	// Oracle overrides the engine's oracle for this run.
	Oracle Oracle
}

// RunResult is the terminal outcome of a run.
type RunResult struct {
	RunID  string            `json:"run_id"`
	Status schema.RunStatus  `json:"status"`
	Output map[string]any    `json:"output,omitempty"`
	Err    *schema.YardError `json:"error,omitempty"`
	Paths  []PathView        `json:"paths"`
}

// Engine executes graph programs. It owns the shared worker pool and the
// per-run drivers; expression engines and FSM tables are shared across
// runs, everything with run-scoped state is built per run.
type Engine struct {
	cfg    Config
	store  store.Store
	hub    streaming.EventHub
	ckpt   Checkpointer
	logger *slog.Logger

	cel       *expressions.CELEngine
	jq        *expressions.GoJQEngine
	exprs     *expressions.ExprEngine
	jsonValid *validation.JSONSchemaValidator
	resolver  *Resolver
	pool      *WorkerPool
	runFSM    *RunFSM
	pathFSM   *PathFSM

	mu     sync.RWMutex
	runs   map[string]*runDriver
	closed bool
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a store")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Hub == nil {
		cfg.Hub = streaming.NewMemoryHub()
	}
	if cfg.Checkpointer == nil {
		cfg.Checkpointer = NewMemoryCheckpointer()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if cfg.RoundLimit == 0 {
		cfg.RoundLimit = defaultRoundLimit
	}
	if cfg.PathCeiling == 0 {
		cfg.PathCeiling = defaultPathCeiling
	}
	if cfg.LockWait == 0 {
		cfg.LockWait = defaultLockWait
	}
	if cfg.BarrierWait == 0 {
		cfg.BarrierWait = defaultBarrierWait
	}
	if cfg.OracleTimeout == 0 {
		cfg.OracleTimeout = defaultOracleWait
	}
	if cfg.TickPoll <= 0 {
		cfg.TickPoll = defaultTickPoll
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	jsonValid, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:       cfg,
		store:     cfg.Store,
		hub:       cfg.Hub,
		ckpt:      cfg.Checkpointer,
		logger:    cfg.Logger,
		cel:       cel,
		jq:        expressions.NewGoJQEngine(),
		exprs:     expressions.NewExprEngine(),
		jsonValid: jsonValid,
		resolver:  NewResolver(cel, cfg.Logger),
		pool:      NewWorkerPool(cfg.PoolSize),
		runFSM:    NewRunFSM(cfg.Store),
		pathFSM:   NewPathFSM(cfg.Store),
		runs:      make(map[string]*runDriver),
	}, nil
}

// StartRun validates the definition, persists the run and launches its
// driver. It returns as soon as the driver is live; Wait blocks for the
// outcome.
func (e *Engine) StartRun(ctx context.Context, def *schema.GraphDefinition, opts RunOptions) (string, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return "", schema.NewError(schema.ErrCodeConflict, "engine is shut down")
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	g, err := graph.FromDefinition(def)
	if err != nil {
		return "", err
	}

	ctxStore := ctxstore.New(ctxstore.Config{
		LockWait: e.cfg.LockWait,
		Policy:   e.cfg.MergePolicy,
		Logger:   e.logger,
	})
	registry := capability.NewRegistry(e.jsonValid)
	if err := capability.RegisterBuiltins(registry, ctxStore, e.jq, capability.ContextConfig{WriteRetries: e.cfg.WriteRetries}); err != nil {
		return "", err
	}

	d := e.assembleDriver(runID, opts.Origin, opts.Oracle, ctxStore, registry)
	if err := capability.RegisterMutators(registry, &runMutator{d: d}); err != nil {
		return "", err
	}

	validator, err := validation.NewGraphValidator(registry)
	if err != nil {
		return "", err
	}
	if err := validator.ValidateDefinition(def); err != nil {
		return "", err
	}

	if err := registerContexts(ctxStore, g); err != nil {
		return "", err
	}
	if err := seedContexts(logging.WithRunID(ctx, runID), ctxStore, opts.Seeds); err != nil {
		return "", err
	}

	mut, err := mutation.NewEngine(g, mutation.Config{
		RunID:          runID,
		FrozenPrefixes: e.cfg.FrozenPrefixes,
		Capabilities:   registry,
		Hub:            e.hub,
		Logger:         e.logger,
	})
	if err != nil {
		return "", err
	}
	d.mut = mut
	d.registerGraphTools(ctx)

	seeds, _ := json.Marshal(opts.Seeds)
	now := time.Now().UTC()
	if err := e.store.CreateRun(ctx, &store.Run{
		ID:         runID,
		GraphName:  def.Name,
		Definition: *def,
		Status:     schema.RunStatusPending,
		Origin:     opts.Origin,
		Seeds:      seeds,
		CreatedAt:  now,
		UpdatedAt:  now,
	}); err != nil {
		return "", err
	}

	if err := e.launch(d); err != nil {
		return "", err
	}

	e.logger.InfoContext(ctx, "run started",
		slog.String("run_id", runID),
		slog.String("graph", def.Name),
		slog.String("origin", opts.Origin),
		slog.Int("nodes", g.Len()))
	return runID, nil
}

// Run starts a run and blocks until it finishes.
func (e *Engine) Run(ctx context.Context, def *schema.GraphDefinition, opts RunOptions) (*RunResult, error) {
	runID, err := e.StartRun(ctx, def, opts)
	if err != nil {
		return nil, err
	}
	return e.Wait(ctx, runID)
}

// Wait blocks until the run reaches a terminal status. For runs no longer
// live it reconstructs the result from the store.
func (e *Engine) Wait(ctx context.Context, runID string) (*RunResult, error) {
	if d, ok := e.driver(runID); ok {
		select {
		case <-d.done:
			return d.result(), nil
		case <-ctx.Done():
			return nil, asYardError(ctx.Err())
		}
	}
	return e.storedResult(ctx, runID)
}

// Status returns the run's lifecycle status, from the live driver when the
// run is executing, otherwise from the store.
func (e *Engine) Status(ctx context.Context, runID string) (schema.RunStatus, error) {
	if d, ok := e.driver(runID); ok {
		return d.Status(), nil
	}
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	return run.Status, nil
}

// Cancel stops a live run: the driver cascades failure to every non-terminal
// path and persists the cancellation. Blocks until the driver exits.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	d, ok := e.driver(runID)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %s is not live", runID)
	}
	d.cancel()
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return asYardError(ctx.Err())
	}
}

// Checkpoint snapshots a live run between ticks. Finished runs cannot be
// checkpointed; their state is already terminal.
func (e *Engine) Checkpoint(ctx context.Context, runID, reason string) (string, error) {
	d, ok := e.driver(runID)
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeConflict, "run %s is not live", runID)
	}
	if reason == "" {
		reason = "manual"
	}
	return d.requestCheckpoint(ctx, reason)
}

// RestoreRun rebuilds a run from a checkpoint and resumes driving it. A
// still-live driver for the run is cancelled first; the restored state
// replaces whatever the run had progressed to.
func (e *Engine) RestoreRun(ctx context.Context, runID, checkpointID string) error {
	meta, state, err := e.ckpt.Load(ctx, checkpointID)
	if err != nil {
		return err
	}
	var snap runSnapshot
	if err := json.Unmarshal(state, &snap); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "checkpoint %s is not decodable: %v", checkpointID, err).WithCause(err)
	}
	if meta.RunID != "" && meta.RunID != snap.RunID {
		return schema.NewErrorf(schema.ErrCodeStore,
			"checkpoint %s metadata names run %s but its state names %s", checkpointID, meta.RunID, snap.RunID)
	}
	if runID == "" {
		runID = snap.RunID
	}
	if snap.RunID != runID {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"checkpoint %s belongs to run %s, not %s", checkpointID, snap.RunID, runID)
	}

	if d, ok := e.driver(runID); ok {
		d.cancel()
		select {
		case <-d.done:
		case <-ctx.Done():
			return asYardError(ctx.Err())
		}
	}

	g, err := graph.FromDefinition(snap.Graph)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "checkpoint graph rejected: %v", err).WithCause(err)
	}
	g.Revision = snap.Revision

	ctxStore := ctxstore.New(ctxstore.Config{
		LockWait: e.cfg.LockWait,
		Policy:   e.cfg.MergePolicy,
		Logger:   e.logger,
	})
	if snap.Context != nil {
		if err := ctxStore.Restore(snap.Context); err != nil {
			return err
		}
	}
	registry := capability.NewRegistry(e.jsonValid)
	if err := capability.RegisterBuiltins(registry, ctxStore, e.jq, capability.ContextConfig{WriteRetries: e.cfg.WriteRetries}); err != nil {
		return err
	}

	d := e.assembleDriver(runID, "", nil, ctxStore, registry)
	if err := capability.RegisterMutators(registry, &runMutator{d: d}); err != nil {
		return err
	}

	mut, err := mutation.NewEngine(g, mutation.Config{
		RunID:          runID,
		FrozenPrefixes: e.cfg.FrozenPrefixes,
		Capabilities:   registry,
		Hub:            e.hub,
		Logger:         e.logger,
	})
	if err != nil {
		return err
	}
	d.mut = mut
	// Tools promoted or defined before the checkpoint live in the
	// snapshot's graph; re-register them so the restored run answers the
	// same capability calls the original did.
	d.registerGraphTools(ctx)
	d.paths.Restore(snap.Paths, snap.NextPathID)
	d.barriers.Restore(snap.Barriers)
	d.sentinel.Restore(snap.Safety)
	d.resumed = true
	d.setStatus(schema.RunStatusActive)

	if run, err := e.store.GetRun(ctx, runID); err == nil {
		d.origin = run.Origin
	}

	// Restore bypasses the run FSM: the stored run may be failed or
	// cancelled, and restore is exactly the operation that overrides that.
	active := schema.RunStatusActive
	if err := e.store.UpdateRun(ctx, runID, store.RunUpdate{Status: &active}); err != nil {
		e.logger.WarnContext(ctx, "persist restore failed",
			slog.String("run_id", runID),
			slog.String("error", err.Error()))
	}
	payload, _ := json.Marshal(map[string]any{"checkpoint_id": checkpointID, "taken_at": snap.TakenAt})
	d.appendEvent(ctx, &store.Event{
		RunID:   runID,
		Type:    schema.EventCheckpointRestored,
		Payload: payload,
	})

	if err := e.launch(d); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "run restored",
		slog.String("run_id", runID),
		slog.String("checkpoint_id", checkpointID),
		slog.Int("paths", len(snap.Paths)))
	return nil
}

// Mutate applies a graph mutation to a live run, honoring the mutation's
// mode (immediate, proposed, batched).
func (e *Engine) Mutate(ctx context.Context, runID string, m schema.GraphMutation) (*schema.AppliedMutation, error) {
	d, ok := e.driver(runID)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %s is not live", runID)
	}
	return (&runMutator{d: d}).Apply(ctx, m)
}

// PendingMutations lists a live run's staged proposals.
func (e *Engine) PendingMutations(runID string) ([]mutation.Proposal, error) {
	d, ok := e.driver(runID)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %s is not live", runID)
	}
	return d.mut.Proposals(), nil
}

// ApproveMutation lands a staged proposal.
func (e *Engine) ApproveMutation(ctx context.Context, runID string, proposalID int64) (*schema.AppliedMutation, error) {
	d, ok := e.driver(runID)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %s is not live", runID)
	}
	applied, err := d.mut.Approve(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	d.recordApplied(ctx, []schema.AppliedMutation{*applied})
	return applied, nil
}

// RejectMutation discards a staged proposal.
func (e *Engine) RejectMutation(ctx context.Context, runID string, proposalID int64, reason string) error {
	d, ok := e.driver(runID)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %s is not live", runID)
	}
	return d.mut.Reject(ctx, proposalID, reason)
}

// GraphDefinition returns the run's current graph: the live mutated graph
// for executing runs, the stored definition otherwise.
func (e *Engine) GraphDefinition(ctx context.Context, runID string) (*schema.GraphDefinition, error) {
	if d, ok := e.driver(runID); ok {
		return d.mut.Current().ToDefinition(), nil
	}
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	def := run.Definition
	return &def, nil
}

// Hub exposes the engine's event hub for subscribers.
func (e *Engine) Hub() streaming.EventHub {
	return e.hub
}

// PoolMetrics reports the shared worker pool's counters.
func (e *Engine) PoolMetrics() PoolMetrics {
	return e.pool.Metrics()
}

// Shutdown cancels every live run and stops the worker pool. Blocks until
// drivers exit or the context expires.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	drivers := make([]*runDriver, 0, len(e.runs))
	for _, d := range e.runs {
		drivers = append(drivers, d)
	}
	e.mu.Unlock()

	for _, d := range drivers {
		d.cancel()
	}
	for _, d := range drivers {
		select {
		case <-d.done:
		case <-ctx.Done():
			return asYardError(ctx.Err())
		}
	}
	e.pool.Shutdown()
	return nil
}

// --- Internal wiring ---

// assembleDriver builds a driver with everything except the mutation
// engine, which needs the capability registry the driver participates in.
func (e *Engine) assembleDriver(runID, origin string, oracle Oracle, ctxStore *ctxstore.Store, registry *capability.Registry) *runDriver {
	if oracle == nil {
		oracle = e.cfg.Oracle
	}
	if oracle == nil {
		oracle = &AutoOracle{}
	}

	ceiling := e.cfg.PathCeiling
	if ceiling < 0 {
		ceiling = 0
	}
	barrierWait := e.cfg.BarrierWait
	if barrierWait < 0 {
		barrierWait = 0
	}
	roundLimit := e.cfg.RoundLimit
	if roundLimit < 0 {
		roundLimit = 0
	}

	return &runDriver{
		runID:         runID,
		origin:        origin,
		paths:         NewPathManager(ceiling),
		barriers:      NewBarrierSet(barrierWait),
		sentinel:      NewSentinel(e.cfg.Safety),
		ctxStore:      ctxStore,
		resolver:      e.resolver,
		oracle:        oracle,
		registry:      registry,
		exprs:         e.exprs,
		jq:            e.jq,
		pool:          e.pool,
		runFSM:        e.runFSM,
		pathFSM:       e.pathFSM,
		hub:           e.hub,
		store:         e.store,
		ckpt:          e.ckpt,
		logger:        e.logger,
		roundLimit:    roundLimit,
		oracleTimeout: e.cfg.OracleTimeout,
		tickPoll:      e.cfg.TickPoll,
		outcomes:      make(chan resolutionOutcome, outcomeBuffer(ceiling)),
		ckptReqs:      make(chan checkpointRequest),
		inFlight:      make(map[int64]bool),
		done:          make(chan struct{}),
		status:        schema.RunStatusPending,
	}
}

// launch registers the driver and starts its goroutine.
func (e *Engine) launch(d *runDriver) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "engine is shut down")
	}
	if prev, exists := e.runs[d.runID]; exists {
		select {
		case <-prev.done:
		default:
			e.mu.Unlock()
			return schema.NewErrorf(schema.ErrCodeConflict, "run %s is already live", d.runID)
		}
	}
	e.runs[d.runID] = d
	e.mu.Unlock()

	dctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	go d.run(dctx)
	return nil
}

func (e *Engine) driver(runID string) (*runDriver, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.runs[runID]
	return d, ok
}

// outcomeBuffer sizes the outcomes channel so every possible in-flight
// dispatch can land its result without blocking a worker: each live path
// has at most one outstanding resolution.
func outcomeBuffer(ceiling int) int {
	if ceiling <= 0 {
		return 1024
	}
	return ceiling + 16
}

// result builds the terminal RunResult. Only meaningful once done closes.
func (d *runDriver) result() *RunResult {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return &RunResult{
		RunID:  d.runID,
		Status: d.status,
		Output: d.output,
		Err:    d.runErr,
		Paths:  d.paths.Views(),
	}
}

// storedResult reconstructs a finished run's result from persistence.
func (e *Engine) storedResult(ctx context.Context, runID string) (*RunResult, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	switch run.Status {
	case schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCancelled:
	default:
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"run %s is %s but has no live driver", runID, run.Status)
	}

	res := &RunResult{RunID: runID, Status: run.Status}
	if len(run.Output) > 0 {
		_ = json.Unmarshal(run.Output, &res.Output)
	}
	if len(run.Error) > 0 {
		var yerr schema.YardError
		if json.Unmarshal(run.Error, &yerr) == nil && yerr.Code != "" {
			res.Err = &yerr
		}
	}
	recs, err := e.store.ListPaths(ctx, runID)
	if err != nil {
		return res, nil
	}
	for _, rec := range recs {
		view := PathView{
			ID:          rec.PathID,
			Label:       (&Path{ID: rec.PathID}).Label(),
			CurrentNode: rec.CurrentNode,
			Status:      rec.Status,
			Hops:        rec.Hops,
		}
		if len(rec.Failure) > 0 {
			var yerr schema.YardError
			if json.Unmarshal(rec.Failure, &yerr) == nil && yerr.Code != "" {
				view.Failure = &yerr
			}
		}
		res.Paths = append(res.Paths, view)
	}
	return res, nil
}

// registerContexts declares every context node with the store, attaching
// the node's schema attribute when present.
func registerContexts(cs *ctxstore.Store, g *graph.Graph) error {
	for _, n := range g.Nodes() {
		if n.Kind != schema.NodeKindContext {
			continue
		}
		raw, err := contextSchemaRaw(n)
		if err != nil {
			return err
		}
		if err := cs.Register(n.Name, raw); err != nil {
			return err
		}
	}
	return nil
}

// contextSchemaRaw extracts a context node's value schema. The attribute
// may be an inline JSON object (YAML definitions) or a pre-encoded string.
func contextSchemaRaw(n *graph.Node) (string, error) {
	v, ok := n.Attributes[schema.AttrSchema]
	if !ok || v == nil {
		return "", nil
	}
	switch s := v.(type) {
	case string:
		return s, nil
	default:
		raw, err := json.Marshal(s)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeValidation,
				"context %s has unencodable schema attribute: %v", n.Name, err)
		}
		return string(raw), nil
	}
}

// seedContexts applies initial writes in deterministic order, attributed
// to path 0 so journal history distinguishes seeds from path writes.
func seedContexts(ctx context.Context, cs *ctxstore.Store, seeds map[string]map[string]any) error {
	if len(seeds) == 0 {
		return nil
	}
	names := make([]string, 0, len(seeds))
	for name := range seeds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		keys := make([]string, 0, len(seeds[name]))
		for k := range seeds[name] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, err := cs.Write(ctx, name, k, seeds[name][k], 0); err != nil {
				return err
			}
		}
	}
	return nil
}
