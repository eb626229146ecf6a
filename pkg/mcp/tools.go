package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/robfig/cron/v3"

	"github.com/railyard-io/railyard/internal/engine"
	"github.com/railyard-io/railyard/internal/store"
	"github.com/railyard-io/railyard/pkg/schema"
)

// handleRun starts a graph program run for the calling agent.
func (s *YardServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	var def schema.GraphDefinition
	if err := remarshal(defRaw, &def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	var seeds map[string]map[string]any
	if seedsRaw := mcp.ParseStringMap(req, "seeds", nil); seedsRaw != nil {
		if err := remarshal(seedsRaw, &seeds); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid seeds: %v", err)), nil
		}
	}

	// Capture session mapping so delegated decisions can be pushed back.
	s.captureSession(ctx, agentID)

	runID, runErr := s.engine.StartRun(ctx, &def, engine.RunOptions{
		RunID:  req.GetString("run_id", ""),
		Origin: agentID,
		Seeds:  seeds,
	})
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run rejected: %v", runErr)), nil
	}

	if req.GetString("wait", "false") == "true" {
		result, waitErr := s.engine.Wait(ctx, runID)
		if waitErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("wait failed: %v", waitErr)), nil
		}
		return marshalResult(result)
	}

	status, statusErr := s.engine.Status(ctx, runID)
	if statusErr != nil {
		status = schema.RunStatusActive
	}
	return marshalResult(map[string]any{
		"run_id": runID,
		"status": status,
	})
}

// handleStatus returns the live state of a run with its paths.
func (s *YardServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	status, statusErr := s.engine.Status(ctx, runID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}

	out := map[string]any{
		"run_id": runID,
		"status": status,
	}
	if run, runErr := s.store.GetRun(ctx, runID); runErr == nil {
		out["origin"] = run.Origin
		out["graph_name"] = run.GraphName
		out["created_at"] = run.CreatedAt
		if run.CompletedAt != nil {
			out["completed_at"] = run.CompletedAt
		}
		if len(run.Output) > 0 {
			out["output"] = json.RawMessage(run.Output)
		}
		if len(run.Error) > 0 {
			out["error"] = json.RawMessage(run.Error)
		}
	}
	if paths, pathsErr := s.store.ListPaths(ctx, runID); pathsErr == nil {
		out["paths"] = paths
	}

	return marshalResult(out)
}

// handleCancel stops a live run.
func (s *YardServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	if cancelErr := s.engine.Cancel(ctx, runID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}

	return marshalResult(map[string]any{
		"run_id":    runID,
		"cancelled": true,
	})
}

// handlePending lists resolution rounds waiting for an agent.
func (s *YardServer) handlePending(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if agentID := req.GetString("agent_id", ""); agentID != "" {
		s.captureSession(ctx, agentID)
	}

	recs, listErr := s.store.ListOracleRequests(ctx, store.OracleRequestFilter{
		RunID:  req.GetString("run_id", ""),
		Status: "pending",
		Limit:  50,
	})
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("pending query failed: %v", listErr)), nil
	}

	out := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		out = append(out, map[string]any{
			"request_id": rec.ID,
			"run_id":     rec.RunID,
			"path_id":    rec.PathID,
			"node":       rec.Node,
			"created_at": rec.CreatedAt,
			"request":    json.RawMessage(rec.Request),
		})
	}

	return marshalResult(map[string]any{
		"requests": out,
		"count":    len(out),
	})
}

// handleResolve answers a delegated decision.
func (s *YardServer) handleResolve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requestID, err := req.RequireString("request_id")
	if err != nil {
		return mcp.NewToolResultError("request_id is required"), nil
	}
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}
	respRaw := mcp.ParseStringMap(req, "response", nil)
	if respRaw == nil {
		return mcp.NewToolResultError("response is required"), nil
	}

	var resp schema.OracleResponse
	if err := remarshal(respRaw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid response: %v", err)), nil
	}
	switch resp.Outcome {
	case schema.OutcomeEdge:
		if resp.Edge == "" {
			return mcp.NewToolResultError("response.edge is required when outcome is edge"), nil
		}
	case schema.OutcomeWorkDone, schema.OutcomeMoreWork:
	case "":
		return mcp.NewToolResultError("response.outcome is required"), nil
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown outcome %q: must be edge, work_done, or more_work", resp.Outcome)), nil
	}

	s.captureSession(ctx, agentID)

	if s.oracle == nil {
		return mcp.NewToolResultError("no agent oracle attached to this server"), nil
	}
	if deliverErr := s.oracle.Deliver(ctx, requestID, &resp, agentID); deliverErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resolve failed: %v", deliverErr)), nil
	}

	return marshalResult(map[string]any{
		"request_id": requestID,
		"resolved":   true,
	})
}

// handleMutate submits a graph mutation or decides a staged proposal.
func (s *YardServer) handleMutate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}

	s.captureSession(ctx, agentID)

	switch action {
	case "apply":
		mutRaw := mcp.ParseStringMap(req, "mutation", nil)
		if mutRaw == nil {
			return mcp.NewToolResultError("mutation is required for apply"), nil
		}
		var m schema.GraphMutation
		if err := remarshal(mutRaw, &m); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid mutation: %v", err)), nil
		}
		m.Origin = agentID

		applied, mutErr := s.engine.Mutate(ctx, runID, m)
		if mutErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("mutation rejected: %v", mutErr)), nil
		}
		return marshalResult(applied)

	case "approve":
		id, idErr := proposalID(req)
		if idErr != nil {
			return mcp.NewToolResultError(idErr.Error()), nil
		}
		applied, appErr := s.engine.ApproveMutation(ctx, runID, id)
		if appErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("approve failed: %v", appErr)), nil
		}
		return marshalResult(applied)

	case "reject":
		id, idErr := proposalID(req)
		if idErr != nil {
			return mcp.NewToolResultError(idErr.Error()), nil
		}
		if rejErr := s.engine.RejectMutation(ctx, runID, id, req.GetString("reason", "")); rejErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("reject failed: %v", rejErr)), nil
		}
		return marshalResult(map[string]any{
			"proposal_id": id,
			"rejected":    true,
		})

	default:
		return mcp.NewToolResultError("action must be apply, approve, or reject"), nil
	}
}

// handleCheckpoint snapshots a live run.
func (s *YardServer) handleCheckpoint(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	checkpointID, ckptErr := s.engine.Checkpoint(ctx, runID, req.GetString("reason", ""))
	if ckptErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("checkpoint failed: %v", ckptErr)), nil
	}

	return marshalResult(map[string]any{
		"checkpoint_id": checkpointID,
		"run_id":        runID,
	})
}

// handleRestore resumes a run from a checkpoint.
func (s *YardServer) handleRestore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	checkpointID, err := req.RequireString("checkpoint_id")
	if err != nil {
		return mcp.NewToolResultError("checkpoint_id is required"), nil
	}

	runID := req.GetString("run_id", "")
	if runID == "" {
		rec, recErr := s.store.GetCheckpoint(ctx, checkpointID)
		if recErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("checkpoint lookup failed: %v", recErr)), nil
		}
		runID = rec.RunID
	}

	if restoreErr := s.engine.RestoreRun(ctx, runID, checkpointID); restoreErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("restore failed: %v", restoreErr)), nil
	}

	return marshalResult(map[string]any{
		"run_id":        runID,
		"checkpoint_id": checkpointID,
		"restored":      true,
	})
}

// handleSchedule manages recurring runs of a stored definition.
func (s *YardServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}

	s.captureSession(ctx, agentID)

	switch action {
	case "create":
		return s.createScheduledJob(ctx, req, agentID)

	case "enable", "disable":
		jobID := req.GetString("job_id", "")
		if jobID == "" {
			return mcp.NewToolResultError("job_id is required"), nil
		}
		enabled := action == "enable"
		if updErr := s.store.UpdateScheduledJob(ctx, jobID, store.ScheduledJobUpdate{Enabled: &enabled}); updErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("update failed: %v", updErr)), nil
		}
		return marshalResult(map[string]any{
			"job_id":  jobID,
			"enabled": enabled,
		})

	case "delete":
		jobID := req.GetString("job_id", "")
		if jobID == "" {
			return mcp.NewToolResultError("job_id is required"), nil
		}
		if delErr := s.store.DeleteScheduledJob(ctx, jobID); delErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("delete failed: %v", delErr)), nil
		}
		return marshalResult(map[string]any{
			"job_id":  jobID,
			"deleted": true,
		})

	default:
		return mcp.NewToolResultError("action must be create, enable, disable, or delete"), nil
	}
}

func (s *YardServer) createScheduledJob(ctx context.Context, req mcp.CallToolRequest, agentID string) (*mcp.CallToolResult, error) {
	name := req.GetString("name", "")
	if name == "" {
		return mcp.NewToolResultError("name is required for create"), nil
	}
	cronExpr := req.GetString("cron", "")
	if cronExpr == "" {
		return mcp.NewToolResultError("cron is required for create"), nil
	}
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required for create"), nil
	}

	// Reject malformed definitions at scheduling time, not on first trigger.
	var def schema.GraphDefinition
	if err := remarshal(defRaw, &def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	defBytes, err := json.Marshal(defRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	var seedBytes json.RawMessage
	if seedsRaw := mcp.ParseStringMap(req, "seeds", nil); seedsRaw != nil {
		seedBytes, err = json.Marshal(seedsRaw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid seeds: %v", err)), nil
		}
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, parseErr := parser.Parse(cronExpr)
	if parseErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", parseErr)), nil
	}

	now := time.Now().UTC()
	next := schedule.Next(now)
	job := &store.ScheduledJob{
		ID:             uuid.New().String(),
		Name:           name,
		CronExpression: cronExpr,
		Definition:     defBytes,
		Seeds:          seedBytes,
		Origin:         agentID,
		Enabled:        true,
		NextRunAt:      &next,
		CreatedAt:      now,
	}
	if createErr := s.store.CreateScheduledJob(ctx, job); createErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("create failed: %v", createErr)), nil
	}

	return marshalResult(map[string]any{
		"job_id":      job.ID,
		"next_run_at": next,
	})
}

// handleQuery lists stored resources with optional filters.
func (s *YardServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "runs":
		return s.queryRuns(ctx, filter)
	case "paths":
		return s.queryPaths(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "requests":
		return s.queryRequests(ctx, filter)
	case "checkpoints":
		return s.queryCheckpoints(ctx, filter)
	case "tools":
		return s.queryTools(ctx, filter)
	case "mutations":
		return s.queryMutations(filter)
	case "jobs":
		return s.queryJobs(ctx, filter)
	case "definition":
		return s.queryDefinition(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource %q: must be runs, paths, events, requests, checkpoints, tools, mutations, jobs, or definition", resource)), nil
	}
}

func (s *YardServer) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	f := store.RunFilter{
		Origin: filterString(filter, "origin"),
		Limit:  extractInt(filter, "limit", 50),
	}
	if st := filterString(filter, "status"); st != "" {
		status := schema.RunStatus(st)
		f.Status = &status
	}
	if since := filterString(filter, "since"); since != "" {
		ts, parseErr := time.Parse(time.RFC3339, since)
		if parseErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid since timestamp: %v", parseErr)), nil
		}
		f.Since = &ts
	}

	runs, listErr := s.store.ListRuns(ctx, f)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", listErr)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *YardServer) queryPaths(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	runID := filterString(filter, "run_id")
	if runID == "" {
		return mcp.NewToolResultError("filter.run_id is required for paths"), nil
	}
	paths, listErr := s.store.ListPaths(ctx, runID)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", listErr)), nil
	}
	return marshalResult(map[string]any{"paths": paths})
}

func (s *YardServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if eventType := filterString(filter, "event_type"); eventType != "" {
		events, listErr := s.store.GetEventsByType(ctx, eventType, store.EventFilter{
			RunID: filterString(filter, "run_id"),
			Node:  filterString(filter, "node"),
			Limit: extractInt(filter, "limit", 100),
		})
		if listErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", listErr)), nil
		}
		return marshalResult(map[string]any{"events": events})
	}

	runID := filterString(filter, "run_id")
	if runID == "" {
		return mcp.NewToolResultError("filter.run_id or filter.event_type is required for events"), nil
	}
	events, listErr := s.store.GetEvents(ctx, runID, int64(extractInt(filter, "after", 0)))
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", listErr)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *YardServer) queryRequests(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	recs, listErr := s.store.ListOracleRequests(ctx, store.OracleRequestFilter{
		RunID:  filterString(filter, "run_id"),
		Status: filterString(filter, "status"),
		Limit:  extractInt(filter, "limit", 50),
	})
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", listErr)), nil
	}
	return marshalResult(map[string]any{"requests": recs})
}

func (s *YardServer) queryCheckpoints(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	runID := filterString(filter, "run_id")
	if runID == "" {
		return mcp.NewToolResultError("filter.run_id is required for checkpoints"), nil
	}
	recs, listErr := s.store.ListCheckpoints(ctx, runID)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", listErr)), nil
	}

	// Metadata only; snapshot blobs can be large.
	out := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		out = append(out, map[string]any{
			"checkpoint_id": rec.ID,
			"run_id":        rec.RunID,
			"node":          rec.Node,
			"reason":        rec.Reason,
			"created_at":    rec.CreatedAt,
		})
	}
	return marshalResult(map[string]any{"checkpoints": out})
}

func (s *YardServer) queryTools(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	runID := filterString(filter, "run_id")
	if runID == "" {
		return mcp.NewToolResultError("filter.run_id is required for tools"), nil
	}
	tools, listErr := s.store.ListTools(ctx, runID)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", listErr)), nil
	}
	return marshalResult(map[string]any{"tools": tools})
}

func (s *YardServer) queryMutations(filter map[string]any) (*mcp.CallToolResult, error) {
	runID := filterString(filter, "run_id")
	if runID == "" {
		return mcp.NewToolResultError("filter.run_id is required for mutations"), nil
	}
	proposals, listErr := s.engine.PendingMutations(runID)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", listErr)), nil
	}
	return marshalResult(map[string]any{"proposals": proposals})
}

func (s *YardServer) queryDefinition(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	runID := filterString(filter, "run_id")
	if runID == "" {
		return mcp.NewToolResultError("filter.run_id is required for definition"), nil
	}
	def, defErr := s.engine.GraphDefinition(ctx, runID)
	if defErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", defErr)), nil
	}
	return marshalResult(def)
}

func (s *YardServer) queryJobs(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	f := store.ScheduledJobFilter{
		Origin: filterString(filter, "origin"),
		Limit:  extractInt(filter, "limit", 50),
	}
	if v, ok := filter["enabled"].(bool); ok {
		f.Enabled = &v
	}
	jobs, listErr := s.store.ListScheduledJobs(ctx, f)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", listErr)), nil
	}
	return marshalResult(map[string]any{"jobs": jobs})
}

// --- Helpers ---

// proposalID extracts the staged proposal's sequence number from the request.
func proposalID(req mcp.CallToolRequest) (int64, error) {
	raw := req.GetString("proposal_id", "")
	if raw == "" {
		return 0, fmt.Errorf("proposal_id is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("proposal_id must be a number: %v", err)
	}
	return id, nil
}

// remarshal converts a decoded JSON map into a typed value.
func remarshal(src any, dst any) error {
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// filterString reads a string field from a query filter.
func filterString(filter map[string]any, key string) string {
	if filter == nil {
		return ""
	}
	if v, ok := filter[key].(string); ok {
		return v
	}
	return ""
}

// extractInt safely extracts an integer from a filter map with a default.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the agent ID to its current MCP session for notifications.
func (s *YardServer) captureSession(ctx context.Context, agentID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(agentID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
