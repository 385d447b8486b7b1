package mcpexec

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

type echoArgs struct {
	Text string `json:"text"`
}

// newTestHost connects a Host to an in-process MCP server exposing an echo
// tool and an always-failing tool.
func newTestHost(t *testing.T) *Host {
	t.Helper()
	ctx := context.Background()

	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "testsrv", Version: "1.0.0"}, nil)
	mcpsdk.AddTool(server, &mcpsdk.Tool{Name: "echo", Description: "echoes text back"},
		func(_ context.Context, _ *mcpsdk.CallToolRequest, args echoArgs) (*mcpsdk.CallToolResult, any, error) {
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: args.Text}},
			}, nil, nil
		})
	mcpsdk.AddTool(server, &mcpsdk.Tool{Name: "broken", Description: "always fails"},
		func(_ context.Context, _ *mcpsdk.CallToolRequest, _ echoArgs) (*mcpsdk.CallToolResult, any, error) {
			return &mcpsdk.CallToolResult{
				IsError: true,
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "tool exploded"}},
			}, nil, nil
		})

	clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()
	serverSession, err := server.Connect(ctx, serverTransport, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { _ = serverSession.Close() })

	h := NewHost(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := h.registerTransport(ctx, "testsrv", clientTransport); err != nil {
		t.Fatalf("registerTransport: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestRegisterTransportImportsTools(t *testing.T) {
	h := newTestHost(t)

	defs := h.Definitions()
	if len(defs) != 2 {
		t.Fatalf("Definitions returned %d tools, want 2", len(defs))
	}
	var found bool
	for _, def := range defs {
		if def.Name != "echo" {
			continue
		}
		found = true
		if def.Description != "echoes text back" {
			t.Errorf("echo description = %q", def.Description)
		}
		if def.Parameters == nil {
			t.Error("echo has no parameter schema")
		}
	}
	if !found {
		t.Error("echo tool not imported")
	}
}

func TestExecuteRoundTrip(t *testing.T) {
	h := newTestHost(t)

	out, err := h.Execute(context.Background(), "echo", `{"text":"hello there"}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "hello there" {
		t.Errorf("Execute = %q, want %q", out, "hello there")
	}
}

func TestExecuteSurfacesToolError(t *testing.T) {
	h := newTestHost(t)

	_, err := h.Execute(context.Background(), "broken", `{"text":"x"}`)
	if err == nil {
		t.Fatal("Execute of failing tool returned nil error")
	}
	if !strings.Contains(err.Error(), "tool exploded") {
		t.Errorf("error %q does not carry the tool's message", err)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	h := newTestHost(t)

	if _, err := h.Execute(context.Background(), "no_such_tool", "{}"); err == nil {
		t.Fatal("Execute of unknown tool returned nil error")
	}
}

func TestExecuteRejectsBadArguments(t *testing.T) {
	h := newTestHost(t)

	if _, err := h.Execute(context.Background(), "echo", "{not json"); err == nil {
		t.Fatal("Execute accepted malformed argument JSON")
	}
}

func TestRegisterServerValidatesConfig(t *testing.T) {
	t.Parallel()
	h := NewHost(slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := h.RegisterServer(context.Background(), ServerConfig{Command: "true"}); err == nil {
		t.Error("RegisterServer accepted empty name")
	}
	if err := h.RegisterServer(context.Background(), ServerConfig{Name: "x"}); err == nil {
		t.Error("RegisterServer accepted empty command")
	}
}

func TestSchemaToMapFallsBackToObject(t *testing.T) {
	t.Parallel()

	m := schemaToMap(nil)
	if m["type"] != "object" {
		t.Errorf("nil schema mapped to %v", m)
	}
	m = schemaToMap(map[string]any{"type": "object", "properties": map[string]any{}})
	if _, ok := m["properties"]; !ok {
		t.Errorf("map schema lost its properties: %v", m)
	}
}
