package mcp

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

func TestBridgeToolName(t *testing.T) {
	tests := []struct {
		server, tool, want string
	}{
		{"files", "read_file", "mcp_files_read_file"},
		{"files-server", "read.file", "mcp_files-server_read_file"},
		{"my server", "do/it", "mcp_my_server_do_it"},
	}
	for _, tt := range tests {
		if got := bridgeToolName(tt.server, tt.tool); got != tt.want {
			t.Errorf("bridgeToolName(%q, %q) = %q, want %q", tt.server, tt.tool, got, tt.want)
		}
	}
}

func TestSchemaToMapFallsBackToObject(t *testing.T) {
	got := schemaToMap(mcpgo.ToolInputSchema{})
	if got["type"] != "object" {
		t.Fatalf("schemaToMap(zero) = %v, want an object schema", got)
	}
}

func TestBridgeDisconnectedFailsFast(t *testing.T) {
	var connected atomic.Bool
	bt := NewBridgeTool("down", mcpgo.Tool{Name: "x"}, nil, 5, &connected)

	res := bt.Execute(context.Background(), map[string]interface{}{"a": 1})
	if !res.IsError || !strings.Contains(res.ForLLM, "not connected") {
		t.Fatalf("Execute() = %+v, want not-connected error", res)
	}
}

func TestBridgeDescriptionFallback(t *testing.T) {
	var connected atomic.Bool
	bt := NewBridgeTool("srv", mcpgo.Tool{Name: "mystery"}, nil, 5, &connected)
	if d := bt.Description(); !strings.Contains(d, "mystery") || !strings.Contains(d, "srv") {
		t.Errorf("Description() = %q, want server and tool named", d)
	}
}

func TestFlattenContentJoinsText(t *testing.T) {
	got := flattenContent([]mcpgo.Content{
		mcpgo.TextContent{Type: "text", Text: "one"},
		mcpgo.ImageContent{Type: "image", MIMEType: "image/png"},
		mcpgo.TextContent{Type: "text", Text: "two"},
	})
	want := "one\n[image: image/png]\ntwo"
	if got != want {
		t.Errorf("flattenContent() = %q, want %q", got, want)
	}
}
