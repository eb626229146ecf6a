package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/railyard-io/railyard/internal/engine"
	"github.com/railyard-io/railyard/internal/mutation"
	"github.com/railyard-io/railyard/internal/store"
	"github.com/railyard-io/railyard/pkg/schema"
)

// Engine is the slice of the run engine the tool handlers drive.
// Declared here so tests can substitute a stub; *engine.Engine satisfies it.
type Engine interface {
	StartRun(ctx context.Context, def *schema.GraphDefinition, opts engine.RunOptions) (string, error)
	Wait(ctx context.Context, runID string) (*engine.RunResult, error)
	Status(ctx context.Context, runID string) (schema.RunStatus, error)
	Cancel(ctx context.Context, runID string) error
	Checkpoint(ctx context.Context, runID, reason string) (string, error)
	RestoreRun(ctx context.Context, runID, checkpointID string) error
	Mutate(ctx context.Context, runID string, m schema.GraphMutation) (*schema.AppliedMutation, error)
	PendingMutations(runID string) ([]mutation.Proposal, error)
	ApproveMutation(ctx context.Context, runID string, proposalID int64) (*schema.AppliedMutation, error)
	RejectMutation(ctx context.Context, runID string, proposalID int64, reason string) error
	GraphDefinition(ctx context.Context, runID string) (*schema.GraphDefinition, error)
}

// YardServerDeps holds the dependencies for creating a YardServer.
type YardServerDeps struct {
	Engine Engine
	Store  store.Store
	Oracle *AgentOracle
	Logger *slog.Logger
}

// YardServer wraps an MCP server with railyard-specific tool handlers.
type YardServer struct {
	engine    Engine
	store     store.Store
	oracle    *AgentOracle
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  AgentNotifier
	mcpServer *server.MCPServer
}

// NewYardServer creates a new YardServer with all 10 tools registered.
// If deps.Oracle is set, its notifier is wired to the server's session
// registry so pending resolutions are pushed to their origin agents.
func NewYardServer(deps YardServerDeps) *YardServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &YardServer{
		engine:   deps.Engine,
		store:    deps.Store,
		oracle:   deps.Oracle,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"railyard",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Railyard executes graph programs on deterministic rails and delegates only genuine decisions back to you. Use railyard.run to start a graph, railyard.pending and railyard.resolve to answer delegated decisions, railyard.status to follow progress, railyard.mutate to reshape a running graph, railyard.checkpoint and railyard.restore for snapshots, railyard.schedule for recurring runs, and railyard.query to inspect runs, events, and history."),
	)

	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	if s.oracle != nil {
		s.oracle.SetNotifier(s.notifier)
	}

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *YardServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *YardServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 10 registered MCP tools as ServerTool entries.
func (s *YardServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: pendingTool(), Handler: s.handlePending},
		{Tool: resolveTool(), Handler: s.handleResolve},
		{Tool: mutateTool(), Handler: s.handleMutate},
		{Tool: checkpointTool(), Handler: s.handleCheckpoint},
		{Tool: restoreTool(), Handler: s.handleRestore},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("railyard.run",
		mcp.WithDescription("Start a graph program run"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Graph definition: {name, nodes: [{name, kind, attributes, annotations}], edges: [{source, target, semantic, condition}]}")),
		mcp.WithObject("seeds", mcp.Description("Initial context writes, keyed by context name then key")),
		mcp.WithString("run_id", mcp.Description("Run ID override (default: generated)")),
		mcp.WithString("wait", mcp.Description("Set to 'true' to block until the run finishes. Only safe when another agent resolves its decisions")),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("ID of the agent starting the run; recorded as the run origin and notified of delegated decisions")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("railyard.status",
		mcp.WithDescription("Get run status, paths, and terminal output"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("railyard.cancel",
		mcp.WithDescription("Cancel a live run and all of its paths"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
	)
}

func pendingTool() mcp.Tool {
	return mcp.NewTool("railyard.pending",
		mcp.WithDescription("List delegated decisions waiting for an agent"),
		mcp.WithString("run_id", mcp.Description("Limit to one run (default: all pending)")),
		mcp.WithString("agent_id", mcp.Description("ID of the polling agent; registers it for pending-request pushes")),
	)
}

func resolveTool() mcp.Tool {
	return mcp.NewTool("railyard.resolve",
		mcp.WithDescription("Answer a delegated decision"),
		mcp.WithString("request_id", mcp.Required(), mcp.Description("ID of the pending request being answered")),
		mcp.WithObject("response", mcp.Required(), mcp.Description("Resolution: {outcome: edge|work_done|more_work, edge?: target node, calls?: [{capability, args}], notes?}")),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("ID of the resolving agent, recorded on the request")),
	)
}

func mutateTool() mcp.Tool {
	return mcp.NewTool("railyard.mutate",
		mcp.WithDescription("Reshape a running graph, or decide a staged proposal"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the target run")),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("apply", "approve", "reject"),
			mcp.Description("apply submits a mutation; approve/reject decide a staged proposal"),
		),
		mcp.WithObject("mutation", mcp.Description("For apply: {op: add_node|update_node|remove_node|add_edge|remove_edge|promote_tool|define_capability, node?, edge?, target?, mode?: immediate|proposed|batched}")),
		mcp.WithString("proposal_id", mcp.Description("For approve/reject: the staged proposal's sequence number")),
		mcp.WithString("reason", mcp.Description("For reject: why the proposal was refused")),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("ID of the mutating agent, recorded as the mutation origin")),
	)
}

func checkpointTool() mcp.Tool {
	return mcp.NewTool("railyard.checkpoint",
		mcp.WithDescription("Snapshot a live run for later restore"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to snapshot")),
		mcp.WithString("reason", mcp.Description("Why the snapshot was taken (default: manual)")),
	)
}

func restoreTool() mcp.Tool {
	return mcp.NewTool("railyard.restore",
		mcp.WithDescription("Resume a run from a checkpoint"),
		mcp.WithString("checkpoint_id", mcp.Required(), mcp.Description("ID of the checkpoint to restore")),
		mcp.WithString("run_id", mcp.Description("Expected run ID; rejected if the checkpoint belongs to another run")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("railyard.schedule",
		mcp.WithDescription("Manage recurring runs of a stored graph definition"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("create", "enable", "disable", "delete"),
			mcp.Description("What to do with the scheduled job"),
		),
		mcp.WithString("name", mcp.Description("For create: human-readable job name")),
		mcp.WithString("cron", mcp.Description("For create: five-field cron expression (minute hour dom month dow)")),
		mcp.WithObject("definition", mcp.Description("For create: graph definition to run on each trigger")),
		mcp.WithObject("seeds", mcp.Description("For create: context seeds applied to each triggered run")),
		mcp.WithString("job_id", mcp.Description("For enable/disable/delete: ID of the job")),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("ID of the scheduling agent, recorded as the job origin")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("railyard.query",
		mcp.WithDescription("Query runs, paths, events, requests, checkpoints, tools, mutation proposals, scheduled jobs, or the live graph definition"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("runs", "paths", "events", "requests", "checkpoints", "tools", "mutations", "jobs", "definition"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (run_id, status, origin, since, limit, event_type, after, enabled)")),
	)
}
