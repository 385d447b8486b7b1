// Package mcpexec bridges external MCP tool servers into the action
// registry. Each configured stdio server is connected at startup through
// the official MCP Go SDK; its discovered tools become action definitions
// and the [Host] executes them on behalf of the dispatcher.
package mcpexec

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kestrel-voice/kestrel/pkg/provider/realtime"
)

// ServerConfig describes one stdio MCP server.
type ServerConfig struct {
	// Name labels the server in logs and tool bookkeeping.
	Name string

	// Command is the executable to spawn.
	Command string

	// Args are the executable's arguments.
	Args []string
}

type toolEntry struct {
	def        realtime.ActionDefinition
	serverName string
}

type serverConn struct {
	session *mcpsdk.ClientSession
}

// Host owns the MCP server connections and the discovered tool catalogue.
// Safe for concurrent use.
type Host struct {
	client *mcpsdk.Client
	log    *slog.Logger

	mu      sync.RWMutex
	tools   map[string]toolEntry
	servers map[string]serverConn
}

// NewHost creates an empty host. Connect servers with [Host.RegisterServer].
func NewHost(log *slog.Logger) *Host {
	if log == nil {
		log = slog.Default()
	}
	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "kestrel", Version: "1.0.0"},
		nil,
	)
	return &Host{
		client:  client,
		log:     log,
		tools:   make(map[string]toolEntry),
		servers: make(map[string]serverConn),
	}
}

// RegisterServer spawns the server, connects over stdio, and imports its
// tool catalogue. A server re-registered under the same name replaces the
// old connection and its tools.
func (h *Host) RegisterServer(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("mcpexec: server config must have a non-empty name")
	}
	if cfg.Command == "" {
		return fmt.Errorf("mcpexec: server %q requires a command", cfg.Name)
	}

	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	return h.registerTransport(ctx, cfg.Name, &mcpsdk.CommandTransport{Command: cmd})
}

// registerTransport connects over any SDK transport and imports the tool
// catalogue. Split from RegisterServer so tests can use in-memory
// transports.
func (h *Host) registerTransport(ctx context.Context, name string, transport mcpsdk.Transport) error {
	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcpexec: connect to server %q: %w", name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcpexec: list tools for server %q: %w", name, err)
		}
		discovered = append(discovered, *tool)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.servers[name]; ok {
		_ = old.session.Close()
		for tn, t := range h.tools {
			if t.serverName == name {
				delete(h.tools, tn)
			}
		}
	}
	h.servers[name] = serverConn{session: session}

	for _, tool := range discovered {
		h.tools[tool.Name] = toolEntry{
			def: realtime.ActionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaToMap(tool.InputSchema),
			},
			serverName: name,
		}
		h.log.Info("mcpexec: imported tool", "server", name, "tool", tool.Name)
	}
	return nil
}

// Definitions returns the discovered tools as action definitions.
func (h *Host) Definitions() []realtime.ActionDefinition {
	h.mu.RLock()
	defer h.mu.RUnlock()
	defs := make([]realtime.ActionDefinition, 0, len(h.tools))
	for _, entry := range h.tools {
		defs = append(defs, entry.def)
	}
	return defs
}

// Execute routes the named tool call to its server session and returns the
// concatenated text content. An IsError result surfaces as a Go error so
// the dispatcher reports it as an execution failure.
func (h *Host) Execute(ctx context.Context, name, arguments string) (string, error) {
	h.mu.RLock()
	entry, ok := h.tools[name]
	if !ok {
		h.mu.RUnlock()
		return "", fmt.Errorf("mcpexec: tool %q not found", name)
	}
	conn, connOK := h.servers[entry.serverName]
	h.mu.RUnlock()

	if !connOK {
		return "", fmt.Errorf("mcpexec: server %q not connected for tool %q", entry.serverName, name)
	}

	var argsMap map[string]any
	if arguments != "" && arguments != "{}" {
		if err := json.Unmarshal([]byte(arguments), &argsMap); err != nil {
			return "", fmt.Errorf("mcpexec: invalid args JSON for tool %q: %w", name, err)
		}
	}

	result, err := conn.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: argsMap,
	})
	if err != nil {
		return "", fmt.Errorf("mcpexec: call tool %q: %w", name, err)
	}

	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if result.IsError {
		return "", fmt.Errorf("mcpexec: tool %q reported: %s", name, sb.String())
	}
	return sb.String(), nil
}

// Close shuts down every server connection.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var firstErr error
	for name, conn := range h.servers {
		if err := conn.session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcpexec: close server %q: %w", name, err)
		}
		delete(h.servers, name)
	}
	return firstErr
}

// schemaToMap coerces the SDK's schema representation to the plain map the
// realtime session.update payload wants.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
