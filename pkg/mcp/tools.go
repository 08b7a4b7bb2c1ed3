package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/dagflow/internal/diagram"
	"github.com/rendis/dagflow/internal/engine"
	"github.com/rendis/dagflow/internal/scheduler"
	"github.com/rendis/dagflow/internal/store"
	"github.com/rendis/dagflow/internal/streaming"
	"github.com/rendis/dagflow/pkg/schema"
)

// handleDefine validates and registers a workflow definition.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var def schema.WorkflowDefinition
	if err := decodeArg(req, "definition", &def); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	stored, err := s.engine.Define(ctx, &def)
	if err != nil {
		return errorResult("define failed", err)
	}
	return marshalResult(map[string]any{
		"name":    stored.Name,
		"version": stored.Version,
	})
}

// handleRun starts a run of a registered or inline workflow.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runReq := engine.RunRequest{
		WorkflowName: req.GetString("workflow_name", ""),
		Variables:    mcp.ParseStringMap(req, "variables", nil),
		Actor:        req.GetString("actor", ""),
	}
	if mcp.ParseStringMap(req, "definition", nil) != nil {
		var def schema.WorkflowDefinition
		if err := decodeArg(req, "definition", &def); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		runReq.Definition = &def
	}
	if runReq.WorkflowName == "" && runReq.Definition == nil {
		return mcp.NewToolResultError("workflow_name or definition is required"), nil
	}

	s.captureSession(ctx, runReq.Actor)

	run, err := s.engine.StartRun(ctx, runReq)
	if err != nil {
		return errorResult("run failed", err)
	}
	if runReq.Actor != "" && !run.Status.Terminal() {
		s.runActors.Store(run.ID, runReq.Actor)
	}
	return marshalResult(map[string]any{
		"run_id":   run.ID,
		"workflow": run.WorkflowName,
		"status":   run.Status,
	})
}

// handleStatus returns a run's status view.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	status, err := s.engine.Status(ctx, runID)
	if err != nil {
		return errorResult("status query failed", err)
	}
	return marshalResult(status)
}

// handleControl pauses, resumes or cancels a run.
func (s *Server) handleControl(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	reason := req.GetString("reason", "")

	switch action {
	case "pause":
		err = s.engine.Pause(ctx, runID, reason)
	case "resume":
		err = s.engine.Resume(ctx, runID)
	case "cancel":
		err = s.engine.Cancel(ctx, runID, reason)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
	if err != nil {
		return errorResult(action+" failed", err)
	}
	return marshalResult(map[string]any{"ok": true, "run_id": runID, "action": action})
}

// handleReport delivers the outcome of an asynchronous or wait step.
func (s *Server) handleReport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	stepID, err := req.RequireString("step_id")
	if err != nil {
		return mcp.NewToolResultError("step_id is required"), nil
	}

	outcome := engine.Outcome{
		RunID:     runID,
		StepID:    stepID,
		Attempt:   mcp.ParseInt(req, "attempt", 0),
		Variables: mcp.ParseStringMap(req, "variables", nil),
	}
	if out := mcp.ParseStringMap(req, "output", nil); out != nil {
		raw, err := json.Marshal(out)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid output: %v", err)), nil
		}
		outcome.Output = raw
	}
	if failure := mcp.ParseStringMap(req, "error", nil); failure != nil {
		code, _ := failure["code"].(string)
		if code == "" {
			code = schema.ErrCodeStepExecution
		}
		msg, _ := failure["message"].(string)
		if msg == "" {
			msg = "step reported failure"
		}
		outcome.Err = schema.NewError(code, msg).WithStep(stepID)
	}

	if err := s.engine.ReportOutcome(ctx, outcome); err != nil {
		return errorResult("report failed", err)
	}
	return marshalResult(map[string]any{"ok": true, "run_id": runID, "step_id": stepID})
}

// handleSetVariable sets one run variable.
func (s *Server) handleSetVariable(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	value := decodeValue(mcp.ParseArgument(req, "value", nil))

	if err := s.engine.SetVariable(ctx, runID, name, value); err != nil {
		return errorResult("set variable failed", err)
	}
	return marshalResult(map[string]any{"ok": true, "run_id": runID, "name": name})
}

// handleTrigger manages trigger configuration.
func (s *Server) handleTrigger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.triggers == nil {
		return mcp.NewToolResultError("triggers are not enabled"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	if action == "create" {
		var t store.Trigger
		if err := decodeArg(req, "trigger", &t); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		created, err := s.triggers.CreateTrigger(ctx, &t)
		if err != nil {
			return errorResult("create trigger failed", err)
		}
		return marshalResult(created)
	}

	id := req.GetString("trigger_id", "")
	if id == "" {
		return mcp.NewToolResultError("trigger_id is required"), nil
	}
	switch action {
	case "get":
		t, err := s.triggers.GetTrigger(ctx, id)
		if err != nil {
			return errorResult("get trigger failed", err)
		}
		return marshalResult(t)
	case "enable":
		err = s.triggers.EnableTrigger(ctx, id)
	case "disable":
		err = s.triggers.DisableTrigger(ctx, id)
	case "delete":
		err = s.triggers.DeleteTrigger(ctx, id)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
	if err != nil {
		return errorResult(action+" trigger failed", err)
	}
	return marshalResult(map[string]any{"ok": true, "trigger_id": id, "action": action})
}

// handleWebhook fires a webhook trigger.
func (s *Server) handleWebhook(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.triggers == nil {
		return mcp.NewToolResultError("triggers are not enabled"), nil
	}
	id, err := req.RequireString("trigger_id")
	if err != nil {
		return mcp.NewToolResultError("trigger_id is required"), nil
	}

	res, err := s.triggers.FireWebhook(ctx, id, mcp.ParseStringMap(req, "payload", nil))
	if err != nil {
		return errorResult("webhook failed", err)
	}
	return marshalResult(res)
}

// handleEmit delivers an event to event triggers.
func (s *Server) handleEmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.triggers == nil {
		return mcp.NewToolResultError("triggers are not enabled"), nil
	}
	eventType, err := req.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError("type is required"), nil
	}

	results, err := s.triggers.FireEvent(ctx, scheduler.Event{
		Type:    eventType,
		Source:  req.GetString("source", "mcp"),
		Payload: mcp.ParseStringMap(req, "payload", nil),
	})
	if err != nil {
		return errorResult("emit failed", err)
	}
	if results == nil {
		results = []*scheduler.FireResult{}
	}
	return marshalResult(map[string]any{"fired": results})
}

// handleQuery lists runs, events, definitions, triggers or handlers.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "runs":
		return s.queryRuns(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "definitions":
		defs, err := s.engine.ListDefinitions(ctx)
		if err != nil {
			return errorResult("query failed", err)
		}
		return marshalResult(map[string]any{"definitions": defs})
	case "triggers":
		return s.queryTriggers(ctx, filter)
	case "handlers":
		if s.handlers == nil {
			return marshalResult(map[string]any{"handlers": []any{}})
		}
		return marshalResult(map[string]any{"handlers": s.handlers.List()})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *Server) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{
		WorkflowName: extractString(filter, "workflow_name"),
		TriggerID:    extractString(filter, "trigger_id"),
		ActiveOnly:   extractBool(filter, "active_only"),
		Limit:        extractInt(filter, "limit", 50),
	}
	if status := extractString(filter, "status"); status != "" {
		ws := schema.WorkflowStatus(status)
		rf.Status = &ws
	}

	runs, err := s.engine.ListRuns(ctx, rf)
	if err != nil {
		return errorResult("query failed", err)
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *Server) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	runID := extractString(filter, "run_id")
	if runID == "" {
		return mcp.NewToolResultError("event query requires 'run_id' in filter"), nil
	}
	since := int64(extractInt(filter, "since", 0))
	events, err := s.engine.Events(ctx, runID, since)
	if err != nil {
		return errorResult("query failed", err)
	}

	stepID := extractString(filter, "step_id")
	eventType := extractString(filter, "event_type")
	limit := extractInt(filter, "limit", 100)
	out := make([]*store.Event, 0, len(events))
	for _, e := range events {
		if stepID != "" && e.StepID != stepID {
			continue
		}
		if eventType != "" && e.Type != eventType {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return marshalResult(map[string]any{"events": out})
}

func (s *Server) queryTriggers(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if s.triggers == nil {
		return mcp.NewToolResultError("triggers are not enabled"), nil
	}
	tf := store.TriggerFilter{
		Kind:         schema.TriggerKind(extractString(filter, "kind")),
		WorkflowName: extractString(filter, "workflow_name"),
		EventType:    extractString(filter, "event_type"),
		Limit:        extractInt(filter, "limit", 50),
	}
	if v, ok := filter["enabled"]; ok {
		enabled := extractBool(map[string]any{"enabled": v}, "enabled")
		tf.Enabled = &enabled
	}

	triggers, err := s.triggers.ListTriggers(ctx, tf)
	if err != nil {
		return errorResult("query failed", err)
	}
	return marshalResult(map[string]any{"triggers": triggers})
}

// --- Internal helpers ---

// decodeArg re-decodes an object argument into a typed value.
func decodeArg(req mcp.CallToolRequest, key string, v any) error {
	raw := mcp.ParseStringMap(req, key, nil)
	if raw == nil {
		return fmt.Errorf("%s is required", key)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %v", key, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("invalid %s: %v", key, err)
	}
	return nil
}

// decodeValue decodes JSON text values and passes everything else through.
func decodeValue(v any) any {
	str, ok := v.(string)
	if !ok {
		return v
	}
	var decoded any
	if err := json.Unmarshal([]byte(str), &decoded); err != nil {
		return str
	}
	return decoded
}

func extractString(filter map[string]any, key string) string {
	if filter == nil {
		return ""
	}
	s, _ := filter[key].(string)
	return s
}

func extractBool(filter map[string]any, key string) bool {
	if filter == nil {
		return false
	}
	switch v := filter[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// extractInt safely extracts an integer from a filter map.
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

// captureSession binds the actor to its current MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, actor string) {
	if actor == "" {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(actor, session.SessionID())
	}
}

// errorResult renders err as a tool error. Dagflow errors carry their code in the text.
func errorResult(prefix string, err error) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err)), nil
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

// handleDiagram renders a registered workflow, or a run with its step status overlay.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format := diagram.Format(req.GetString("format", string(diagram.FormatMermaid)))
	workflowName := req.GetString("workflow_name", "")
	runID := req.GetString("run_id", "")
	if workflowName == "" && runID == "" {
		return mcp.NewToolResultError("workflow_name or run_id is required"), nil
	}

	var (
		def    *schema.WorkflowDefinition
		states []*store.StepState
	)
	if runID != "" {
		status, err := s.engine.Status(ctx, runID)
		if err != nil {
			return errorResult("status query failed", err)
		}
		def = &status.Run.Definition
		if req.GetBool("include_status", true) {
			states = status.Steps
		}
	} else {
		stored, err := s.engine.GetDefinition(ctx, workflowName)
		if err != nil {
			return errorResult("definition lookup failed", err)
		}
		def = &stored.Definition
	}

	model, err := diagram.Build(def, states)
	if err != nil {
		return errorResult("diagram build failed", err)
	}
	out, err := diagram.Render(model, format)
	if err != nil {
		return errorResult("diagram render failed", err)
	}
	if format.Binary() {
		return mcp.NewToolResultImage(model.Title, base64.StdEncoding.EncodeToString(out), "image/png"), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

const (
	defaultWatchTimeout = 30 * time.Second
	maxWatchTimeout     = 5 * time.Minute
)

// watchResult is what dagflow.watch returns.
type watchResult struct {
	RunID    string                `json:"run_id"`
	Status   schema.WorkflowStatus `json:"status"`
	Events   []*store.Event        `json:"events"`
	Ended    bool                  `json:"ended"`
	TimedOut bool                  `json:"timed_out"`
}

// handleWatch streams a run's events from the hub until the run ends or the
// timeout passes, and returns what it saw.
func (s *Server) handleWatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.hub == nil {
		return mcp.NewToolResultError("event streaming is not configured"), nil
	}
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	timeout := time.Duration(req.GetFloat("timeout_seconds", defaultWatchTimeout.Seconds()) * float64(time.Second))
	if timeout <= 0 || timeout > maxWatchTimeout {
		timeout = maxWatchTimeout
	}
	filter := streaming.EventFilter{
		RunID:       runID,
		EventTypes:  req.GetStringSlice("event_types", nil),
		MinSeverity: schema.EventLevel(req.GetString("min_severity", "")),
	}

	watchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The subscription sees every event of the run; filter narrows what is returned.
	ch, unsubscribe, err := s.hub.Subscribe(watchCtx, streaming.EventFilter{RunID: runID})
	if err != nil {
		return errorResult("subscribe failed", err)
	}
	defer unsubscribe()

	// Subscribe first so a run ending in between is still observed.
	status, err := s.engine.Status(ctx, runID)
	if err != nil {
		return errorResult("status query failed", err)
	}
	out := watchResult{RunID: runID, Events: []*store.Event{}, Ended: status.Run.Status.Terminal()}

loop:
	for !out.Ended {
		select {
		case ev, ok := <-ch:
			if !ok {
				out.TimedOut = watchCtx.Err() != nil
				break loop
			}
			if filter.Matches(ev) {
				out.Events = append(out.Events, ev)
			}
			out.Ended = isRunEndEvent(ev)
		case <-watchCtx.Done():
			out.TimedOut = true
			break loop
		}
	}

	if ctx.Err() != nil {
		return mcp.NewToolResultError("watch cancelled"), nil
	}
	final, err := s.engine.Status(ctx, runID)
	if err != nil {
		return errorResult("status query failed", err)
	}
	out.Status = final.Run.Status
	return marshalResult(out)
}

func isRunEndEvent(ev *store.Event) bool {
	if ev.StepID != "" {
		return false
	}
	switch ev.Type {
	case schema.EventCompleted, schema.EventFailed, schema.EventCancelled, schema.EventTimeout:
		return true
	}
	return false
}
