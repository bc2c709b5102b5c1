package mcp

import (
	"context"
	"reflect"
	"strings"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nextlevelbuilder/omniclaw/internal/config"
	"github.com/nextlevelbuilder/omniclaw/internal/tools"
)

type fakeTool struct{ name string }

func (f *fakeTool) Name() string                           { return f.name }
func (f *fakeTool) Description() string                    { return "fake" }
func (f *fakeTool) Parameters() map[string]interface{}     { return map[string]interface{}{"type": "object"} }
func (f *fakeTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	return &tools.Result{ForLLM: "fake"}
}

// newBridgeServer serves an in-memory MCP server over SSE with an echo tool
// and an always-failing tool. Returns the SSE URL to connect to.
func newBridgeServer(t *testing.T, gotArgs chan map[string]interface{}) string {
	t.Helper()

	srv := server.NewMCPServer("bridge-test", "0.0.1")
	srv.AddTool(
		mcpgo.NewTool("echo",
			mcpgo.WithDescription("Echo the text back"),
			mcpgo.WithString("text", mcpgo.Required(), mcpgo.Description("Text to echo")),
		),
		func(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
			args := req.GetArguments()
			if gotArgs != nil {
				select {
				case gotArgs <- args:
				default:
				}
			}
			text, _ := args["text"].(string)
			return mcpgo.NewToolResultText("echo: " + text), nil
		},
	)
	srv.AddTool(
		mcpgo.NewTool("always-fails", mcpgo.WithDescription("Always errors")),
		func(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
			return mcpgo.NewToolResultError("remote kaboom"), nil
		},
	)

	httpSrv := server.NewTestServer(srv)
	t.Cleanup(httpSrv.Close)
	return httpSrv.URL + "/sse"
}

func startedManager(t *testing.T, reg *tools.Registry, url string) *Manager {
	t.Helper()
	m := NewManager(reg, map[string]*config.MCPServerConfig{
		"local": {Transport: "sse", URL: url},
	})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(m.Stop)
	return m
}

func TestManagerRegistersBridgeTools(t *testing.T) {
	reg := tools.NewRegistry()
	m := startedManager(t, reg, newBridgeServer(t, nil))

	want := []string{"mcp_local_always-fails", "mcp_local_echo"}
	if got := m.ToolNames(); !reflect.DeepEqual(got, want) {
		t.Fatalf("ToolNames() = %v, want %v", got, want)
	}
	for _, name := range want {
		if _, ok := reg.Get(name); !ok {
			t.Errorf("tool %s not in the registry", name)
		}
	}

	statuses := m.ServerStatus()
	if len(statuses) != 1 {
		t.Fatalf("ServerStatus() has %d entries, want 1", len(statuses))
	}
	st := statuses[0]
	if st.Name != "local" || st.Transport != "sse" || !st.Connected || st.ToolCount != 2 {
		t.Errorf("ServerStatus() = %+v", st)
	}
}

func TestBridgeExecuteRoundTrip(t *testing.T) {
	reg := tools.NewRegistry()
	gotArgs := make(chan map[string]interface{}, 1)
	startedManager(t, reg, newBridgeServer(t, gotArgs))

	ctx := tools.WithToolSessionKey(context.Background(), "webchat|w1")
	res := reg.Execute(ctx, "mcp_local_echo", map[string]interface{}{"text": "hi"})
	if res.IsError {
		t.Fatalf("Execute() error: %s", res.ForLLM)
	}
	if res.ForLLM != "echo: hi" {
		t.Errorf("ForLLM = %q, want %q", res.ForLLM, "echo: hi")
	}

	args := <-gotArgs
	if args["text"] != "hi" {
		t.Errorf("server received text = %v, want hi", args["text"])
	}
	if _, ok := args["_session_key"]; ok {
		t.Error("registry context field leaked to the MCP server")
	}
}

func TestBridgeRemoteErrorBecomesErrorResult(t *testing.T) {
	reg := tools.NewRegistry()
	startedManager(t, reg, newBridgeServer(t, nil))

	res := reg.Execute(context.Background(), "mcp_local_always-fails", nil)
	if !res.IsError {
		t.Fatalf("Execute() = %+v, want error result", res)
	}
	if !strings.Contains(res.ForLLM, "remote kaboom") {
		t.Errorf("ForLLM = %q, want the remote error text", res.ForLLM)
	}
}

func TestBridgeSchemaValidatedByRegistry(t *testing.T) {
	reg := tools.NewRegistry()
	startedManager(t, reg, newBridgeServer(t, nil))

	// echo requires "text"; the registry rejects the call before it leaves
	// the process.
	res := reg.Execute(context.Background(), "mcp_local_echo", map[string]interface{}{})
	if !res.IsError {
		t.Fatalf("Execute() = %+v, want schema validation error", res)
	}
	if !strings.Contains(res.ForLLM, "invalid arguments") {
		t.Errorf("ForLLM = %q, want invalid arguments", res.ForLLM)
	}
}

func TestManagerStopUnregisters(t *testing.T) {
	reg := tools.NewRegistry()
	m := startedManager(t, reg, newBridgeServer(t, nil))

	m.Stop()
	if _, ok := reg.Get("mcp_local_echo"); ok {
		t.Fatal("echo bridge still registered after Stop")
	}
	if got := m.ServerStatus(); len(got) != 0 {
		t.Fatalf("ServerStatus() = %v after Stop, want empty", got)
	}
}

func TestManagerSkipsDisabledServers(t *testing.T) {
	disabled := false
	m := NewManager(tools.NewRegistry(), map[string]*config.MCPServerConfig{
		"off": {Transport: "sse", URL: "http://127.0.0.1:1/sse", Enabled: &disabled},
	})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if got := m.ToolNames(); len(got) != 0 {
		t.Fatalf("ToolNames() = %v for a disabled server, want none", got)
	}
}

func TestManagerReportsUnsupportedTransport(t *testing.T) {
	m := NewManager(tools.NewRegistry(), map[string]*config.MCPServerConfig{
		"bad": {Transport: "carrier-pigeon"},
	})
	err := m.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "carrier-pigeon") {
		t.Fatalf("Start() = %v, want unsupported transport error", err)
	}
}

func TestToolNameCollisionKeepsExisting(t *testing.T) {
	reg := tools.NewRegistry()
	squatter := &fakeTool{name: "mcp_local_echo"}
	reg.Register(squatter)

	m := startedManager(t, reg, newBridgeServer(t, nil))

	got, ok := reg.Get("mcp_local_echo")
	if !ok || got != tools.Tool(squatter) {
		t.Fatal("collision overwrote the existing tool")
	}
	if n := m.ServerStatus()[0].ToolCount; n != 1 {
		t.Fatalf("ToolCount = %d, want 1 (colliding tool skipped)", n)
	}
}
