package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/dagflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/dagflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

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

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// --- Definitions ---

func (s *LibSQLStore) PutDefinition(ctx context.Context, def *Definition) error {
	body, err := json.Marshal(def.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	now := time.Now().UTC()
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO definitions (name, version, definition, created_at, updated_at) VALUES (?, 1, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET version = definitions.version + 1, definition = excluded.definition, updated_at = excluded.updated_at
		 RETURNING version, created_at`,
		def.Name, string(body), timeOrNow(def.CreatedAt), now,
	).Scan(&def.Version, &def.CreatedAt)
	if err != nil {
		return err
	}
	def.UpdatedAt = now
	return nil
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, name string) (*Definition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, version, definition, created_at, updated_at FROM definitions WHERE name = ?`, name)
	d, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("definition", name)
	}
	return d, err
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context) ([]*Definition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, version, definition, created_at, updated_at FROM definitions ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*Definition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

func (s *LibSQLStore) DeleteDefinition(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM definitions WHERE name = ?`, name)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "definition", name)
}

func scanDefinition(r rowScanner) (*Definition, error) {
	d := &Definition{}
	var body string
	if err := r.Scan(&d.Name, &d.Version, &body, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(body), &d.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition %s: %w", d.Name, err)
	}
	return d, nil
}

// --- Runs ---

const runColumns = `id, workflow_name, definition, status, trigger_id, parent_run_id, parent_step_id, actor,
	variables, outputs, progress, failure, audit_cursor, created_at, started_at, finished_at, deadline_at, updated_at`

// runRow holds the serialized columns of a run.
type runRow struct {
	definition, variables, outputs, progress string
	failure                                  any
}

func encodeRun(run *Run) (*runRow, error) {
	def, err := json.Marshal(run.Definition)
	if err != nil {
		return nil, fmt.Errorf("marshal definition: %w", err)
	}
	vars, err := marshalOrEmpty(run.Variables)
	if err != nil {
		return nil, fmt.Errorf("marshal variables: %w", err)
	}
	outs, err := marshalOrEmpty(run.Outputs)
	if err != nil {
		return nil, fmt.Errorf("marshal outputs: %w", err)
	}
	prog, err := json.Marshal(run.Progress)
	if err != nil {
		return nil, fmt.Errorf("marshal progress: %w", err)
	}
	row := &runRow{definition: string(def), variables: vars, outputs: outs, progress: string(prog)}
	if run.Failure != nil {
		f, err := json.Marshal(run.Failure)
		if err != nil {
			return nil, fmt.Errorf("marshal failure: %w", err)
		}
		row.failure = string(f)
	}
	return row, nil
}

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	return insertRun(ctx, s.db, run)
}

func insertRun(ctx context.Context, ex execer, run *Run) error {
	row, err := encodeRun(run)
	if err != nil {
		return err
	}
	run.CreatedAt = timeOrNow(run.CreatedAt)
	run.UpdatedAt = timeOrNow(run.UpdatedAt)
	_, err = ex.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowName, row.definition, string(run.Status),
		nullStr(run.TriggerID), nullStr(run.ParentRunID), nullStr(run.ParentStepID), nullStr(run.Actor),
		row.variables, row.outputs, row.progress, row.failure, run.AuditCursor,
		run.CreatedAt, nullTime(run.StartedAt), nullTime(run.FinishedAt), nullTime(run.DeadlineAt), run.UpdatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, run *Run) error {
	return updateRun(ctx, s.db, run)
}

func updateRun(ctx context.Context, ex execer, run *Run) error {
	row, err := encodeRun(run)
	if err != nil {
		return err
	}
	run.UpdatedAt = time.Now().UTC()
	res, err := ex.ExecContext(ctx,
		`UPDATE runs SET status = ?, variables = ?, outputs = ?, progress = ?, failure = ?, audit_cursor = ?,
		 started_at = ?, finished_at = ?, deadline_at = ?, updated_at = ? WHERE id = ?`,
		string(run.Status), row.variables, row.outputs, row.progress, row.failure, run.AuditCursor,
		nullTime(run.StartedAt), nullTime(run.FinishedAt), nullTime(run.DeadlineAt), run.UpdatedAt, run.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", run.ID)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.WorkflowName != "" {
		where = append(where, "workflow_name = ?")
		args = append(args, filter.WorkflowName)
	}
	if filter.TriggerID != "" {
		where = append(where, "trigger_id = ?")
		args = append(args, filter.TriggerID)
	}
	if filter.ActiveOnly {
		where = append(where, "status NOT IN ('completed', 'failed', 'cancelled', 'timeout')")
	}

	query := "SELECT " + runColumns + " FROM runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(r rowScanner) (*Run, error) {
	run := &Run{}
	var (
		status, defJSON, varsJSON, outsJSON, progJSON string
		triggerID, parentRun, parentStep, actor       sql.NullString
		failureJSON                                   sql.NullString
		startedAt, finishedAt, deadlineAt             sql.NullTime
	)
	if err := r.Scan(&run.ID, &run.WorkflowName, &defJSON, &status, &triggerID, &parentRun, &parentStep, &actor,
		&varsJSON, &outsJSON, &progJSON, &failureJSON, &run.AuditCursor,
		&run.CreatedAt, &startedAt, &finishedAt, &deadlineAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.Status = schema.WorkflowStatus(status)
	run.TriggerID = triggerID.String
	run.ParentRunID = parentRun.String
	run.ParentStepID = parentStep.String
	run.Actor = actor.String
	if err := json.Unmarshal([]byte(defJSON), &run.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal run definition: %w", err)
	}
	if err := json.Unmarshal([]byte(varsJSON), &run.Variables); err != nil {
		return nil, fmt.Errorf("unmarshal run variables: %w", err)
	}
	if err := json.Unmarshal([]byte(outsJSON), &run.Outputs); err != nil {
		return nil, fmt.Errorf("unmarshal run outputs: %w", err)
	}
	if err := json.Unmarshal([]byte(progJSON), &run.Progress); err != nil {
		return nil, fmt.Errorf("unmarshal run progress: %w", err)
	}
	if failureJSON.Valid && failureJSON.String != "" {
		run.Failure = &Failure{}
		if err := json.Unmarshal([]byte(failureJSON.String), run.Failure); err != nil {
			return nil, fmt.Errorf("unmarshal run failure: %w", err)
		}
	}
	run.StartedAt = timePtr(startedAt)
	run.FinishedAt = timePtr(finishedAt)
	run.DeadlineAt = timePtr(deadlineAt)
	return run, nil
}

// --- Step State ---

const stepColumns = `run_id, step_id, status, attempt, next_attempt_at, last_attempt_at, started_at, finished_at,
	actor_id, output, error, skip_reason`

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *LibSQLStore) UpsertStepState(ctx context.Context, state *StepState) error {
	return upsertStep(ctx, s.db, state)
}

func upsertStep(ctx context.Context, ex execer, state *StepState) error {
	var errJSON any
	if state.Error != nil {
		b, err := json.Marshal(state.Error)
		if err != nil {
			return fmt.Errorf("marshal step error: %w", err)
		}
		errJSON = string(b)
	}
	_, err := ex.ExecContext(ctx,
		`INSERT INTO step_state (`+stepColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, step_id) DO UPDATE SET
		   status=excluded.status, attempt=excluded.attempt, next_attempt_at=excluded.next_attempt_at,
		   last_attempt_at=excluded.last_attempt_at, started_at=excluded.started_at, finished_at=excluded.finished_at,
		   actor_id=excluded.actor_id, output=excluded.output, error=excluded.error, skip_reason=excluded.skip_reason`,
		state.RunID, state.StepID, string(state.Status), state.Attempt,
		nullTime(state.NextAttemptAt), nullTime(state.LastAttemptAt), nullTime(state.StartedAt), nullTime(state.FinishedAt),
		nullStr(state.ActorID), nullRaw(state.Output), errJSON, nullStr(state.SkipReason),
	)
	return err
}

func (s *LibSQLStore) GetStepState(ctx context.Context, runID, stepID string) (*StepState, error) {
	ss, err := scanStep(s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM step_state WHERE run_id = ? AND step_id = ?`, runID, stepID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("step_state", runID+"/"+stepID)
	}
	return ss, err
}

func (s *LibSQLStore) ListStepStates(ctx context.Context, runID string) ([]*StepState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM step_state WHERE run_id = ? ORDER BY rowid ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*StepState
	for rows.Next() {
		ss, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, ss)
	}
	return states, rows.Err()
}

func scanStep(r rowScanner) (*StepState, error) {
	ss := &StepState{}
	var (
		status                                string
		nextAt, lastAt, startedAt, finishedAt sql.NullTime
		actorID, output, errJSON, skipReason  sql.NullString
	)
	if err := r.Scan(&ss.RunID, &ss.StepID, &status, &ss.Attempt, &nextAt, &lastAt, &startedAt, &finishedAt,
		&actorID, &output, &errJSON, &skipReason); err != nil {
		return nil, err
	}
	ss.Status = schema.StepStatus(status)
	ss.NextAttemptAt = timePtr(nextAt)
	ss.LastAttemptAt = timePtr(lastAt)
	ss.StartedAt = timePtr(startedAt)
	ss.FinishedAt = timePtr(finishedAt)
	ss.ActorID = actorID.String
	ss.Output = rawOrNil(output)
	ss.SkipReason = skipReason.String
	if errJSON.Valid && errJSON.String != "" {
		ss.Error = &StepError{}
		if err := json.Unmarshal([]byte(errJSON.String), ss.Error); err != nil {
			return nil, fmt.Errorf("unmarshal step error: %w", err)
		}
	}
	return ss, nil
}

// --- Snapshots ---

// SaveSnapshot writes the run row and all step states in one transaction.
// The run row is created if it does not exist yet.
func (s *LibSQLStore) SaveSnapshot(ctx context.Context, snap *RunSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	if err := updateRun(ctx, tx, snap.Run); err != nil {
		if !schema.HasCode(err, schema.ErrCodeNotFound) {
			return fmt.Errorf("save run: %w", err)
		}
		if err := insertRun(ctx, tx, snap.Run); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
	}
	for _, st := range snap.Steps {
		if err := upsertStep(ctx, tx, st); err != nil {
			return fmt.Errorf("save step %s: %w", st.StepID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

func (s *LibSQLStore) LoadSnapshot(ctx context.Context, runID string) (*RunSnapshot, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	steps, err := s.ListStepStates(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load steps: %w", err)
	}
	return &RunSnapshot{Run: run, Steps: steps}, nil
}

// --- Events ---

// AppendEvent assigns the next per-run sequence and inserts the event in one transaction.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)
	if event.Severity == "" {
		event.Severity = schema.EventSeverity(event.Type)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (run_id, step_id, event_type, severity, payload, actor, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.StepID), event.Type, string(event.Severity), nullRaw(event.Payload),
		nullStr(event.Actor), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_id, event_type, severity, payload, actor, timestamp, sequence
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
	if filter.StepID != "" {
		where = append(where, "step_id = ?")
		args = append(args, filter.StepID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, run_id, step_id, event_type, severity, payload, actor, timestamp, sequence FROM events WHERE ` +
		strings.Join(where, " AND ") + " ORDER BY timestamp DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
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
		var stepID, actor, payload sql.NullString
		var severity string
		if err := rows.Scan(&e.ID, &e.RunID, &stepID, &e.Type, &severity, &payload, &actor, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Actor = actor.String
		e.Severity = schema.EventLevel(severity)
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Triggers ---

const triggerColumns = `id, workflow_name, kind, enabled, cron_expression, timezone, event_type, filter, dependency,
	max_concurrent_executions, queue_policy, input_mapping, variables, last_fired_at, next_scheduled_at, created_at, updated_at`

func encodeTrigger(t *Trigger) (dep, mapping, vars any, err error) {
	if t.Dependency != nil {
		b, err := json.Marshal(t.Dependency)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("marshal dependency: %w", err)
		}
		dep = string(b)
	}
	if len(t.InputMapping) > 0 {
		b, err := json.Marshal(t.InputMapping)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("marshal input_mapping: %w", err)
		}
		mapping = string(b)
	}
	if len(t.Variables) > 0 {
		b, err := json.Marshal(t.Variables)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("marshal variables: %w", err)
		}
		vars = string(b)
	}
	return dep, mapping, vars, nil
}

func (s *LibSQLStore) CreateTrigger(ctx context.Context, t *Trigger) error {
	dep, mapping, vars, err := encodeTrigger(t)
	if err != nil {
		return err
	}
	t.CreatedAt = timeOrNow(t.CreatedAt)
	t.UpdatedAt = t.CreatedAt
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO triggers (`+triggerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.WorkflowName, string(t.Kind), t.Enabled, nullStr(t.CronExpression), nullStr(t.Timezone),
		nullStr(t.EventType), nullStr(t.Filter), dep, t.MaxConcurrentExecutions, string(t.QueuePolicy),
		mapping, vars, nullTime(t.LastFiredAt), nullTime(t.NextScheduledAt), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict, "trigger %q already exists", t.ID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetTrigger(ctx context.Context, id string) (*Trigger, error) {
	t, err := scanTrigger(s.db.QueryRowContext(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("trigger", id)
	}
	return t, err
}

func (s *LibSQLStore) UpdateTrigger(ctx context.Context, t *Trigger) error {
	dep, mapping, vars, err := encodeTrigger(t)
	if err != nil {
		return err
	}
	t.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE triggers SET workflow_name = ?, kind = ?, enabled = ?, cron_expression = ?, timezone = ?, event_type = ?,
		 filter = ?, dependency = ?, max_concurrent_executions = ?, queue_policy = ?, input_mapping = ?, variables = ?,
		 last_fired_at = ?, next_scheduled_at = ?, updated_at = ? WHERE id = ?`,
		t.WorkflowName, string(t.Kind), t.Enabled, nullStr(t.CronExpression), nullStr(t.Timezone), nullStr(t.EventType),
		nullStr(t.Filter), dep, t.MaxConcurrentExecutions, string(t.QueuePolicy), mapping, vars,
		nullTime(t.LastFiredAt), nullTime(t.NextScheduledAt), t.UpdatedAt, t.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "trigger", t.ID)
}

func (s *LibSQLStore) ListTriggers(ctx context.Context, filter TriggerFilter) ([]*Trigger, error) {
	var where []string
	var args []any

	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.WorkflowName != "" {
		where = append(where, "workflow_name = ?")
		args = append(args, filter.WorkflowName)
	}
	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}

	query := "SELECT " + triggerColumns + " FROM triggers"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var triggers []*Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

func (s *LibSQLStore) DeleteTrigger(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "trigger", id)
}

func scanTrigger(r rowScanner) (*Trigger, error) {
	t := &Trigger{}
	var (
		kind, policy                    string
		cronExpr, tz, eventType, filter sql.NullString
		dep, mapping, vars              sql.NullString
		lastFired, nextAt               sql.NullTime
	)
	if err := r.Scan(&t.ID, &t.WorkflowName, &kind, &t.Enabled, &cronExpr, &tz, &eventType, &filter, &dep,
		&t.MaxConcurrentExecutions, &policy, &mapping, &vars, &lastFired, &nextAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Kind = schema.TriggerKind(kind)
	t.QueuePolicy = schema.QueuePolicy(policy)
	t.CronExpression = cronExpr.String
	t.Timezone = tz.String
	t.EventType = eventType.String
	t.Filter = filter.String
	t.LastFiredAt = timePtr(lastFired)
	t.NextScheduledAt = timePtr(nextAt)
	if dep.Valid && dep.String != "" {
		t.Dependency = &schema.DependencySpec{}
		if err := json.Unmarshal([]byte(dep.String), t.Dependency); err != nil {
			return nil, fmt.Errorf("unmarshal dependency: %w", err)
		}
	}
	if mapping.Valid && mapping.String != "" {
		if err := json.Unmarshal([]byte(mapping.String), &t.InputMapping); err != nil {
			return nil, fmt.Errorf("unmarshal input_mapping: %w", err)
		}
	}
	if vars.Valid && vars.String != "" {
		if err := json.Unmarshal([]byte(vars.String), &t.Variables); err != nil {
			return nil, fmt.Errorf("unmarshal variables: %w", err)
		}
	}
	return t, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.DagflowError {
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

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
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

func marshalOrEmpty[M ~map[string]V, V any](m M) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
