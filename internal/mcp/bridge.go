package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/omniclaw/internal/tools"
)

// BridgeTool adapts one remote MCP tool to the registry Tool interface.
// Calls forward to the owning server's client under a per-call timeout.
type BridgeTool struct {
	serverName string
	tool       mcpgo.Tool
	client     *mcpclient.Client
	timeout    time.Duration
	connected  *atomic.Bool

	name   string
	params map[string]interface{}
}

// NewBridgeTool wraps a remote tool. connected is the owning server's health
// flag; while it is false calls fail fast instead of timing out.
func NewBridgeTool(serverName string, tool mcpgo.Tool, client *mcpclient.Client, timeoutSec int, connected *atomic.Bool) *BridgeTool {
	return &BridgeTool{
		serverName: serverName,
		tool:       tool,
		client:     client,
		timeout:    time.Duration(timeoutSec) * time.Second,
		connected:  connected,
		name:       bridgeToolName(serverName, tool.Name),
		params:     schemaToMap(tool.InputSchema),
	}
}

// OriginalName returns the tool's name on the remote server.
func (b *BridgeTool) OriginalName() string { return b.tool.Name }

func (b *BridgeTool) Name() string { return b.name }

func (b *BridgeTool) Description() string {
	if b.tool.Description == "" {
		return fmt.Sprintf("Tool %s from MCP server %s", b.tool.Name, b.serverName)
	}
	return b.tool.Description
}

func (b *BridgeTool) Parameters() map[string]interface{} { return b.params }

func (b *BridgeTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	if b.connected != nil && !b.connected.Load() {
		return tools.ErrorResult(fmt.Sprintf("MCP server %s is not connected", b.serverName))
	}

	// Registry-injected context fields are local concerns; the remote server
	// only sees what its schema declares.
	forward := make(map[string]interface{}, len(args))
	for k, v := range args {
		if strings.HasPrefix(k, "_") || k == "context_text" {
			continue
		}
		forward[k] = v
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = b.tool.Name
	req.Params.Arguments = forward

	result, err := b.client.CallTool(ctx, req)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("MCP tool %s failed: %v", b.name, err))
	}

	text := flattenContent(result.Content)
	if result.IsError {
		if text == "" {
			text = fmt.Sprintf("MCP tool %s reported an error with no content", b.name)
		}
		return tools.ErrorResult(text)
	}
	if text == "" {
		text = "(no content)"
	}
	return &tools.Result{ForLLM: text}
}

// bridgeToolName builds the registry name mcp_<server>_<tool>, normalized to
// the character set providers accept for tool names.
func bridgeToolName(server, tool string) string {
	return "mcp_" + sanitizeName(server) + "_" + sanitizeName(tool)
}

func sanitizeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// schemaToMap converts the remote input schema to the generic map form the
// registry compiles. A schema that does not survive the round trip falls
// back to accepting any object.
func schemaToMap(schema mcpgo.ToolInputSchema) map[string]interface{} {
	if raw, err := json.Marshal(schema); err == nil {
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err == nil {
			if t, ok := m["type"].(string); ok && t != "" {
				return m
			}
		}
	}
	return map[string]interface{}{"type": "object"}
}

// flattenContent joins text blocks; non-text blocks become short notes since
// the model cannot read them inline anyway.
func flattenContent(contents []mcpgo.Content) string {
	var parts []string
	for _, c := range contents {
		switch v := c.(type) {
		case mcpgo.TextContent:
			parts = append(parts, v.Text)
		case mcpgo.ImageContent:
			parts = append(parts, fmt.Sprintf("[image: %s]", v.MIMEType))
		case mcpgo.EmbeddedResource:
			parts = append(parts, "[embedded resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%T]", c))
		}
	}
	return strings.Join(parts, "\n")
}
