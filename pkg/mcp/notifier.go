package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// ActorNotifier pushes notifications to connected actors.
type ActorNotifier interface {
	Notify(ctx context.Context, actor string, payload map[string]any) error
}

// MCPNotifier delivers notifications to the MCP session an actor last called from.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates an MCPNotifier.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notifications/message to the actor's session. Actors without
// a live session are skipped without error.
func (n *MCPNotifier) Notify(_ context.Context, actor string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(actor)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
