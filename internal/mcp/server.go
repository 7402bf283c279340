// Package mcp exposes healing history, reports and the response parser to
// MCP clients over stdio.
package mcp

import (
	"context"

	"testheal/internal/storage"

	"github.com/mark3labs/mcp-go/server"
)

// HistoryStore is the part of the healing history the tools read.
type HistoryStore interface {
	Attempts(ctx context.Context, f storage.Filter) ([]storage.Attempt, error)
	GetAttempt(ctx context.Context, id string) (*storage.Attempt, error)
	Stats(ctx context.Context) (storage.Stats, error)
}

// Tools holds what the tool handlers need.
type Tools struct {
	History   HistoryStore
	ReportDir string
}

// NewServer creates an MCP server with every healing tool registered.
func NewServer(t *Tools, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"testheal",
		version,
		server.WithToolCapabilities(true),
	)

	t.register(s)
	return s
}

// Serve runs the server on stdio until the client disconnects.
func Serve(t *Tools, version string) error {
	return server.ServeStdio(NewServer(t, version))
}
