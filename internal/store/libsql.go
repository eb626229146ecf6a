package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/railyard-io/railyard/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	def, err := json.Marshal(run.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, graph_name, definition, status, origin, seeds, output, error, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, nullStr(run.GraphName), string(def), string(run.Status), run.Origin,
		nullRaw(run.Seeds), nullRaw(run.Output), nullRaw(run.Error),
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run := &Run{}
	var (
		graphName                   sql.NullString
		defJSON                     string
		seedsJSON, outJSON, errJSON sql.NullString
		status                      string
		startedAt, completedAt      sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, graph_name, definition, status, origin, seeds, output, error, created_at, started_at, completed_at, updated_at
		 FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &graphName, &defJSON, &status, &run.Origin,
		&seedsJSON, &outJSON, &errJSON, &run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	run.GraphName = graphName.String
	run.Status = schema.RunStatus(status)
	if err := json.Unmarshal([]byte(defJSON), &run.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	run.Seeds = rawOrNil(seedsJSON)
	run.Output = rawOrNil(outJSON)
	run.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Origin != "" {
		where = append(where, "origin = ?")
		args = append(args, filter.Origin)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, graph_name, definition, status, origin, seeds, output, error, created_at, started_at, completed_at, updated_at FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		var (
			graphName                   sql.NullString
			defJSON                     string
			seedsJSON, outJSON, errJSON sql.NullString
			status                      string
			startedAt, completedAt      sql.NullTime
		)
		if err := rows.Scan(&run.ID, &graphName, &defJSON, &status, &run.Origin,
			&seedsJSON, &outJSON, &errJSON, &run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt); err != nil {
			return nil, err
		}
		run.GraphName = graphName.String
		run.Status = schema.RunStatus(status)
		if err := json.Unmarshal([]byte(defJSON), &run.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		run.Seeds = rawOrNil(seedsJSON)
		run.Output = rawOrNil(outJSON)
		run.Error = rawOrNil(errJSON)
		if startedAt.Valid {
			run.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			run.CompletedAt = &completedAt.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "run", id); err != nil {
		return err
	}
	// Cascade application-side: events, paths, checkpoints and oracle
	// requests of the run go with it.
	for _, table := range []string{"events", "paths", "checkpoints", "oracle_requests", "tools"} {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE run_id = ?`, table), id); err != nil {
			return err
		}
	}
	return nil
}

// --- Events ---

// AppendEvent inserts an event. Sequence must already be set by the caller;
// use EventLog.AppendEvent for per-run monotonic sequencing.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Sequence == 0 {
		return NewEventLog(s).AppendEvent(ctx, event)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (run_id, path_id, node, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, event.PathID, nullStr(event.Node), event.Type, nullRaw(event.Payload), event.Timestamp, event.Sequence,
	)
	return err
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, path_id, node, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Node != "" {
		where = append(where, "node = ?")
		args = append(args, filter.Node)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, run_id, path_id, node, event_type, payload, timestamp, sequence FROM events WHERE ` +
		strings.Join(where, " AND ") + " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var node, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.PathID, &node, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Node = node.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Paths ---

func (s *LibSQLStore) UpsertPath(ctx context.Context, rec *PathRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO paths (run_id, path_id, current_node, status, hops, failure, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, path_id) DO UPDATE SET
		   current_node=excluded.current_node, status=excluded.status,
		   hops=excluded.hops, failure=excluded.failure, updated_at=excluded.updated_at`,
		rec.RunID, rec.PathID, rec.CurrentNode, string(rec.Status), rec.Hops,
		nullRaw(rec.Failure), timeOrNow(rec.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetPath(ctx context.Context, runID string, pathID int64) (*PathRecord, error) {
	rec := &PathRecord{}
	var status string
	var failure sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, path_id, current_node, status, hops, failure, updated_at
		 FROM paths WHERE run_id = ? AND path_id = ?`, runID, pathID,
	).Scan(&rec.RunID, &rec.PathID, &rec.CurrentNode, &status, &rec.Hops, &failure, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("path", fmt.Sprintf("%s/%d", runID, pathID))
	}
	if err != nil {
		return nil, err
	}
	rec.Status = schema.PathStatus(status)
	rec.Failure = rawOrNil(failure)
	return rec, nil
}

func (s *LibSQLStore) ListPaths(ctx context.Context, runID string) ([]*PathRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, path_id, current_node, status, hops, failure, updated_at
		 FROM paths WHERE run_id = ? ORDER BY path_id ASC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*PathRecord
	for rows.Next() {
		rec := &PathRecord{}
		var status string
		var failure sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.PathID, &rec.CurrentNode, &status, &rec.Hops, &failure, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Status = schema.PathStatus(status)
		rec.Failure = rawOrNil(failure)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// --- Checkpoints ---

func (s *LibSQLStore) SaveCheckpoint(ctx context.Context, rec *CheckpointRecord) error {
	if len(rec.State) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "checkpoint state is empty")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, run_id, node, reason, state, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RunID, nullStr(rec.Node), nullStr(rec.Reason), string(rec.State), timeOrNow(rec.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetCheckpoint(ctx context.Context, id string) (*CheckpointRecord, error) {
	rec := &CheckpointRecord{}
	var node, reason sql.NullString
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, node, reason, state, created_at FROM checkpoints WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.RunID, &node, &reason, &state, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("checkpoint", id)
	}
	if err != nil {
		return nil, err
	}
	rec.Node = node.String
	rec.Reason = reason.String
	rec.State = json.RawMessage(state)
	return rec, nil
}

func (s *LibSQLStore) ListCheckpoints(ctx context.Context, runID string) ([]*CheckpointRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, node, reason, state, created_at FROM checkpoints
		 WHERE run_id = ? ORDER BY created_at ASC, id ASC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*CheckpointRecord
	for rows.Next() {
		rec := &CheckpointRecord{}
		var node, reason sql.NullString
		var state string
		if err := rows.Scan(&rec.ID, &rec.RunID, &node, &reason, &state, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Node = node.String
		rec.Reason = reason.String
		rec.State = json.RawMessage(state)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// --- Oracle requests ---

func (s *LibSQLStore) SaveOracleRequest(ctx context.Context, rec *OracleRequestRecord) error {
	status := rec.Status
	if status == "" {
		status = "pending"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO oracle_requests (id, run_id, path_id, node, request, status, response, resolved_by, created_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RunID, rec.PathID, rec.Node, string(rec.Request), status,
		nullRaw(rec.Response), nullStr(rec.ResolvedBy), timeOrNow(rec.CreatedAt), nullTime(rec.ResolvedAt),
	)
	return err
}

func (s *LibSQLStore) GetOracleRequest(ctx context.Context, id string) (*OracleRequestRecord, error) {
	rec := &OracleRequestRecord{}
	var request string
	var response, resolvedBy sql.NullString
	var resolvedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, path_id, node, request, status, response, resolved_by, created_at, resolved_at
		 FROM oracle_requests WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.RunID, &rec.PathID, &rec.Node, &request, &rec.Status,
		&response, &resolvedBy, &rec.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("oracle request", id)
	}
	if err != nil {
		return nil, err
	}
	rec.Request = json.RawMessage(request)
	rec.Response = rawOrNil(response)
	rec.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		rec.ResolvedAt = &resolvedAt.Time
	}
	return rec, nil
}

// ResolveOracleRequest marks a pending request resolved. Resolving a request
// that is not pending is a CONFLICT: responses are accepted exactly once.
func (s *LibSQLStore) ResolveOracleRequest(ctx context.Context, id string, response json.RawMessage, resolvedBy string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE oracle_requests
		 SET status = 'resolved', response = ?, resolved_by = ?, resolved_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = 'pending'`,
		nullRaw(response), nullStr(resolvedBy), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.GetOracleRequest(ctx, id); getErr != nil {
			return getErr
		}
		return schema.NewErrorf(schema.ErrCodeConflict, "oracle request %q is not pending", id)
	}
	return nil
}

func (s *LibSQLStore) ExpireOracleRequest(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE oracle_requests SET status = 'expired', resolved_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = 'pending'`, id,
	)
	if err != nil {
		return err
	}
	// Expiring an already-settled request is a no-op.
	_, err = res.RowsAffected()
	return err
}

func (s *LibSQLStore) ListOracleRequests(ctx context.Context, filter OracleRequestFilter) ([]*OracleRequestRecord, error) {
	var where []string
	var args []any

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT id, run_id, path_id, node, request, status, response, resolved_by, created_at, resolved_at FROM oracle_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*OracleRequestRecord
	for rows.Next() {
		rec := &OracleRequestRecord{}
		var request string
		var response, resolvedBy sql.NullString
		var resolvedAt sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.PathID, &rec.Node, &request, &rec.Status,
			&response, &resolvedBy, &rec.CreatedAt, &resolvedAt); err != nil {
			return nil, err
		}
		rec.Request = json.RawMessage(request)
		rec.Response = rawOrNil(response)
		rec.ResolvedBy = resolvedBy.String
		if resolvedAt.Valid {
			rec.ResolvedAt = &resolvedAt.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// --- Promoted tools ---

func (s *LibSQLStore) SaveTool(ctx context.Context, rec *ToolRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tools (run_id, name, capability, descriptor, promoted_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, name) DO UPDATE SET capability=excluded.capability, descriptor=excluded.descriptor, promoted_at=excluded.promoted_at`,
		rec.RunID, rec.Name, rec.Capability, nullRaw(rec.Descriptor), timeOrNow(rec.PromotedAt),
	)
	return err
}

func (s *LibSQLStore) ListTools(ctx context.Context, runID string) ([]*ToolRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, name, capability, descriptor, promoted_at FROM tools WHERE run_id = ? ORDER BY name ASC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*ToolRecord
	for rows.Next() {
		rec := &ToolRecord{}
		var descriptor sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.Name, &rec.Capability, &descriptor, &rec.PromotedAt); err != nil {
			return nil, err
		}
		rec.Descriptor = rawOrNil(descriptor)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// --- Scheduled Jobs ---

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	if len(job.Definition) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "scheduled job has no definition")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, name, cron_expression, definition, seeds, origin, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, job.CronExpression, string(job.Definition), nullRaw(job.Seeds),
		job.Origin, boolInt(job.Enabled), nullTime(job.LastRunAt), nullTime(job.NextRunAt),
		nullStr(job.LastRunStatus), timeOrNow(job.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	job := &ScheduledJob{}
	var definition string
	var seeds, lastStatus sql.NullString
	var enabled int
	var lastRun, nextRun sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, cron_expression, definition, seeds, origin, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_jobs WHERE id = ?`, id,
	).Scan(&job.ID, &job.Name, &job.CronExpression, &definition, &seeds, &job.Origin,
		&enabled, &lastRun, &nextRun, &lastStatus, &job.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled job", id)
	}
	if err != nil {
		return nil, err
	}
	job.Definition = json.RawMessage(definition)
	job.Seeds = rawOrNil(seeds)
	job.Enabled = enabled != 0
	job.LastRunStatus = lastStatus.String
	if lastRun.Valid {
		job.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		job.NextRunAt = &nextRun.Time
	}
	return job, nil
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}
	if filter.Origin != "" {
		where = append(where, "origin = ?")
		args = append(args, filter.Origin)
	}

	query := `SELECT id, name, cron_expression, definition, seeds, origin, enabled, last_run_at, next_run_at, last_run_status, created_at FROM scheduled_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		job := &ScheduledJob{}
		var definition string
		var seeds, lastStatus sql.NullString
		var enabled int
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&job.ID, &job.Name, &job.CronExpression, &definition, &seeds, &job.Origin,
			&enabled, &lastRun, &nextRun, &lastStatus, &job.CreatedAt); err != nil {
			return nil, err
		}
		job.Definition = json.RawMessage(definition)
		job.Seeds = rawOrNil(seeds)
		job.Enabled = enabled != 0
		job.LastRunStatus = lastStatus.String
		if lastRun.Valid {
			job.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			job.NextRunAt = &nextRun.Time
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_jobs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.YardError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
