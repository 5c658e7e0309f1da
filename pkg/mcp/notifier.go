package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/rowscript/internal/calculator"
)

// WarningNotifier forwards row warnings to the MCP client that issued the
// call, as logging notifications. Calls without a client session are ignored.
type WarningNotifier struct {
	mcpServer *server.MCPServer
	logger    *slog.Logger
}

// NewWarningNotifier creates a notifier pushing through mcpServer.
func NewWarningNotifier(mcpServer *server.MCPServer, logger *slog.Logger) *WarningNotifier {
	return &WarningNotifier{mcpServer: mcpServer, logger: logger}
}

// Warn implements calculator.WarningConsumer.
func (n *WarningNotifier) Warn(ctx context.Context, w calculator.Warning) {
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return
	}
	err := n.mcpServer.SendNotificationToSpecificClient(session.SessionID(), "notifications/message", map[string]any{
		"level":  "warning",
		"logger": "rowscript",
		"data": map[string]any{
			"category": w.Category,
			"row_key":  w.RowKey,
			"message":  w.Message,
		},
	})
	if err != nil && !errors.Is(err, server.ErrSessionNotFound) && n.logger != nil {
		n.logger.Debug("could not forward warning", "error", err)
	}
}

// teeWarnings hands every warning to each consumer.
type teeWarnings []calculator.WarningConsumer

func (t teeWarnings) Warn(ctx context.Context, w calculator.Warning) {
	for _, c := range t {
		c.Warn(ctx, w)
	}
}
