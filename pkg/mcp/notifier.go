package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// AgentNotifier pushes engine-side events (pending oracle requests, run
// completions) to a connected agent. Pushes are best-effort: the engine never
// blocks on an agent being reachable.
type AgentNotifier interface {
	Notify(ctx context.Context, agentID string, payload map[string]any) error
}

// MCPNotifier delivers notifications over the agent's live MCP session.
type MCPNotifier struct {
	srv      *server.MCPServer
	sessions *SessionRegistry
}

func NewMCPNotifier(srv *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{srv: srv, sessions: sessions}
}

// Notify sends payload to agentID's session as a notifications/message.
// An unknown agent or a session that expired between lookup and send is not
// an error; the stale mapping is dropped so the next registration is clean.
func (n *MCPNotifier) Notify(_ context.Context, agentID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(agentID)
	if !ok {
		return nil
	}
	err := n.srv.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
