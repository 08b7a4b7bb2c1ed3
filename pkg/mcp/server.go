package mcp

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/dagflow/internal/dispatch"
	"github.com/rendis/dagflow/internal/engine"
	"github.com/rendis/dagflow/internal/logging"
	"github.com/rendis/dagflow/internal/scheduler"
	"github.com/rendis/dagflow/internal/store"
	"github.com/rendis/dagflow/internal/streaming"
)

// TriggerService is the trigger surface exposed over MCP. Satisfied by *scheduler.Scheduler.
type TriggerService interface {
	CreateTrigger(ctx context.Context, t *store.Trigger) (*store.Trigger, error)
	GetTrigger(ctx context.Context, id string) (*store.Trigger, error)
	ListTriggers(ctx context.Context, filter store.TriggerFilter) ([]*store.Trigger, error)
	EnableTrigger(ctx context.Context, id string) error
	DisableTrigger(ctx context.Context, id string) error
	DeleteTrigger(ctx context.Context, id string) error
	FireWebhook(ctx context.Context, triggerID string, payload map[string]any) (*scheduler.FireResult, error)
	FireEvent(ctx context.Context, ev scheduler.Event) ([]*scheduler.FireResult, error)
}

// HandlerCatalog lists the handlers steps can name. Satisfied by *dispatch.Registry.
type HandlerCatalog interface {
	List() []dispatch.HandlerInfo
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Engine   engine.Engine
	Triggers TriggerService
	Handlers HandlerCatalog
	Hub      streaming.EventHub
	Logger   *slog.Logger
	Version  string
}

// Server wraps an MCP server with the dagflow tool handlers.
type Server struct {
	engine   engine.Engine
	triggers TriggerService
	handlers HandlerCatalog
	hub      streaming.EventHub
	logger   *slog.Logger

	sessions *SessionRegistry
	notifier ActorNotifier

	// runActors remembers who started each run over MCP so the terminal
	// notification can be routed back to that session.
	runActors sync.Map // runID -> actor

	mcpServer *server.MCPServer
}

// NewServer creates a Server with every tool registered. When an engine is
// supplied, the server observes run terminations to notify the starting actor.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		engine:   deps.Engine,
		triggers: deps.Triggers,
		handlers: deps.Handlers,
		hub:      deps.Hub,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"dagflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Dagflow executes workflow DAGs. Use dagflow.define to register a workflow, "+
			"dagflow.run to start a run, dagflow.status to inspect it, dagflow.control to pause, resume or cancel, "+
			"dagflow.report to complete asynchronous or wait steps, dagflow.trigger to manage triggers, "+
			"dagflow.watch to follow a run's events live, dagflow.query to list runs, events, definitions, triggers and handlers, "+
			"and dagflow.diagram to render a workflow."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)

	if s.engine != nil {
		s.engine.OnRunTerminated(s.runTerminated)
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: controlTool(), Handler: s.handleControl},
		{Tool: reportTool(), Handler: s.handleReport},
		{Tool: setVariableTool(), Handler: s.handleSetVariable},
		{Tool: triggerTool(), Handler: s.handleTrigger},
		{Tool: webhookTool(), Handler: s.handleWebhook},
		{Tool: emitTool(), Handler: s.handleEmit},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: diagramTool(), Handler: s.handleDiagram},
		{Tool: watchTool(), Handler: s.handleWatch},
	}
}

// runTerminated notifies the actor that started a run over MCP.
func (s *Server) runTerminated(rt engine.RunTerminal) {
	v, ok := s.runActors.LoadAndDelete(rt.RunID)
	if !ok {
		return
	}
	payload := map[string]any{
		"type":     "run_terminated",
		"run_id":   rt.RunID,
		"workflow": rt.WorkflowName,
		"status":   string(rt.Status),
	}
	if rt.Failure != nil {
		payload["failure"] = rt.Failure
	}
	ctx := logging.WithRunID(context.Background(), rt.RunID)
	if err := s.notifier.Notify(ctx, v.(string), payload); err != nil {
		s.logger.WarnContext(ctx, "run notification failed", slog.String("error", err.Error()))
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("dagflow.define",
		mcp.WithDescription("Validate and register a workflow definition under its name"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("dagflow.run",
		mcp.WithDescription("Start a run of a registered or inline workflow"),
		mcp.WithString("workflow_name", mcp.Description("Name of a registered workflow")),
		mcp.WithObject("definition", mcp.Description("Inline workflow definition, used instead of workflow_name")),
		mcp.WithObject("variables", mcp.Description("Initial run variables")),
		mcp.WithString("actor", mcp.Description("Who is starting the run; receives a notification when it ends")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("dagflow.status",
		mcp.WithDescription("Get a run's status, step states and progress"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
	)
}

func controlTool() mcp.Tool {
	return mcp.NewTool("dagflow.control",
		mcp.WithDescription("Pause, resume or cancel a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("pause", "resume", "cancel"),
			mcp.Description("Control action"),
		),
		mcp.WithString("reason", mcp.Description("Recorded in the audit log")),
	)
}

func reportTool() mcp.Tool {
	return mcp.NewTool("dagflow.report",
		mcp.WithDescription("Report the outcome of an asynchronous or wait step"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithString("step_id", mcp.Required(), mcp.Description("ID of the step")),
		mcp.WithNumber("attempt", mcp.Description("Attempt being reported (default: the running attempt)")),
		mcp.WithObject("output", mcp.Description("Step output on success")),
		mcp.WithObject("variables", mcp.Description("Variables to merge into the run")),
		mcp.WithObject("error", mcp.Description("Failure as {code, message}; omit on success")),
	)
}

func setVariableTool() mcp.Tool {
	return mcp.NewTool("dagflow.set_variable",
		mcp.WithDescription("Set a run variable"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Variable name")),
		mcp.WithString("value", mcp.Required(), mcp.Description("Variable value; JSON text is decoded, anything else is kept as a string")),
	)
}

func triggerTool() mcp.Tool {
	return mcp.NewTool("dagflow.trigger",
		mcp.WithDescription("Create, enable, disable, delete or get a trigger"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("create", "enable", "disable", "delete", "get"),
			mcp.Description("Trigger action"),
		),
		mcp.WithString("trigger_id", mcp.Description("Target trigger (all actions but create)")),
		mcp.WithObject("trigger", mcp.Description("Trigger configuration (create)")),
	)
}

func webhookTool() mcp.Tool {
	return mcp.NewTool("dagflow.webhook",
		mcp.WithDescription("Fire a webhook trigger"),
		mcp.WithString("trigger_id", mcp.Required(), mcp.Description("Webhook trigger ID")),
		mcp.WithObject("payload", mcp.Description("Request payload passed to input_mapping")),
	)
}

func emitTool() mcp.Tool {
	return mcp.NewTool("dagflow.emit",
		mcp.WithDescription("Deliver an event to matching event triggers"),
		mcp.WithString("type", mcp.Required(), mcp.Description("Event type")),
		mcp.WithString("source", mcp.Description("Event source")),
		mcp.WithObject("payload", mcp.Description("Event payload")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("dagflow.query",
		mcp.WithDescription("Query runs, events, definitions, triggers or handlers"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("runs", "events", "definitions", "triggers", "handlers"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, workflow_name, trigger_id, active_only, run_id, since, kind, enabled, limit)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("dagflow.diagram",
		mcp.WithDescription("Render a workflow or run as a Mermaid, ASCII, SVG or PNG diagram"),
		mcp.WithString("workflow_name", mcp.Description("Registered workflow to render")),
		mcp.WithString("run_id", mcp.Description("Run to render; overlays step status by default")),
		mcp.WithString("format",
			mcp.Enum("mermaid", "ascii", "svg", "png"),
			mcp.Description("Output format (default: mermaid)"),
		),
		mcp.WithBoolean("include_status", mcp.Description("Overlay step status for run_id (default: true)")),
	)
}

func watchTool() mcp.Tool {
	return mcp.NewTool("dagflow.watch",
		mcp.WithDescription("Follow a run's live events until it ends or the timeout passes"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithArray("event_types", mcp.WithStringItems(), mcp.Description("Only return these event types")),
		mcp.WithString("min_severity",
			mcp.Enum("info", "warning", "error"),
			mcp.Description("Only return events at or above this severity"),
		),
		mcp.WithNumber("timeout_seconds", mcp.Description("How long to wait (default: 30, max: 300)")),
	)
}
