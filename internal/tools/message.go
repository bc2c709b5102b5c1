package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
)

// SendMessageTool sends a message to any chat on a connected channel,
// defaulting to the conversation the agent is currently serving. This is how
// the agent messages proactively (different chat, different channel).
type SendMessageTool struct {
	router   bus.MessageRouter
	channels func() []string // connected channel names, nil skips validation
}

func NewSendMessageTool(router bus.MessageRouter) *SendMessageTool {
	return &SendMessageTool{router: router}
}

// SetChannelLister installs the connected-channel lookup used to reject
// sends to channels that are not running.
func (t *SendMessageTool) SetChannelLister(fn func() []string) {
	t.channels = fn
}

func (t *SendMessageTool) Name() string { return "send_message" }
func (t *SendMessageTool) Description() string {
	return "Send a message to a chat. Defaults to the current conversation; pass channel and chat_id to reach another one"
}
func (t *SendMessageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Message text to send",
			},
			"channel": map[string]interface{}{
				"type":        "string",
				"description": "Target channel (default: current)",
			},
			"chat_id": map[string]interface{}{
				"type":        "string",
				"description": "Target chat id (default: current)",
			},
			"media": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "File paths or URLs to attach",
			},
		},
		"required": []string{"content"},
	}
}

func (t *SendMessageTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	content, _ := args["content"].(string)
	if strings.TrimSpace(content) == "" {
		return ErrorResult("content is required")
	}

	channel, _ := args["channel"].(string)
	if channel == "" {
		channel = ToolChannelFromCtx(ctx)
	}
	chatID, _ := args["chat_id"].(string)
	if chatID == "" {
		chatID = ToolChatIDFromCtx(ctx)
	}
	if channel == "" || chatID == "" {
		return ErrorResult("no target: pass channel and chat_id")
	}

	if t.channels != nil {
		connected := false
		for _, name := range t.channels() {
			if name == channel {
				connected = true
				break
			}
		}
		if !connected {
			return ErrorResult(fmt.Sprintf("channel %s is not connected", channel))
		}
	}

	var media []bus.MediaAttachment
	if raw, ok := args["media"].([]interface{}); ok {
		for _, item := range raw {
			if url, ok := item.(string); ok && url != "" {
				media = append(media, bus.MediaAttachment{URL: url})
			}
		}
	}

	t.router.PublishOutbound(bus.OutboundMessage{
		Channel: channel,
		ChatID:  chatID,
		Content: content,
		Media:   media,
	})
	return SilentResult(fmt.Sprintf("Message sent to %s:%s", channel, chatID))
}
