package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
	"github.com/nextlevelbuilder/omniclaw/internal/channels"
	"github.com/nextlevelbuilder/omniclaw/internal/sessions"
)

// handleUpdate processes an incoming Telegram update.
func (c *Channel) handleUpdate(ctx context.Context, update telego.Update) {
	message := update.Message
	if message == nil {
		return
	}

	// Service messages (member joined, title changed, pin) have no user
	// content; processing them pollutes the mention gate and group history.
	if isServiceMessage(message) {
		c.log.Debug("telegram service message skipped", "chat_id", message.Chat.ID)
		return
	}

	user := message.From
	if user == nil {
		return
	}

	userID := strconv.FormatInt(user.ID, 10)
	senderID := userID
	if user.Username != "" {
		senderID = userID + "|" + user.Username
	}

	isGroup := message.Chat.Type == "group" || message.Chat.Type == "supergroup"
	peerKind := sessions.PeerKindFromGroup(isGroup)
	chatIDStr := strconv.FormatInt(message.Chat.ID, 10)

	if !c.IsAllowed(senderID, chatIDStr, peerKind) {
		c.log.Debug("telegram message rejected by policy",
			"user_id", userID, "username", user.Username, "chat_id", chatIDStr, "peer_kind", peerKind)
		return
	}

	content := message.Text
	if message.Caption != "" {
		if content != "" {
			content += "\n"
		}
		content += message.Caption
	}

	// Download media and surface it to the agent: tags up front, document
	// text inline, file paths for vision.
	mediaList := c.resolveMedia(ctx, message)
	var mediaPaths []string
	if len(mediaList) > 0 {
		if tags := buildMediaTags(mediaList); tags != "" {
			if content != "" {
				content = tags + "\n\n" + content
			} else {
				content = tags
			}
		}
		for i := range mediaList {
			m := &mediaList[i]
			if m.Type == "document" && m.FileName != "" && m.FilePath != "" {
				docContent, err := extractDocumentContent(m.FilePath, m.FileName)
				if err != nil {
					c.log.Warn("document extraction failed", "file", m.FileName, "error", err)
				} else if docContent != "" {
					content += "\n\n" + docContent
				}
			}
			if m.FilePath != "" {
				mediaPaths = append(mediaPaths, m.FilePath)
			}
		}
	}

	if content == "" {
		content = "[empty message]"
	}

	senderLabel := user.FirstName
	if user.Username != "" {
		senderLabel = "@" + user.Username
	}

	// Group mention gate: unaddressed messages are buffered as context for
	// the next addressed one. Slash commands count as addressed unless they
	// explicitly target another bot.
	if isGroup && c.requireMention {
		addressed := c.detectMention(message)
		if !addressed {
			addressed = commandForThisBot(message.Text, c.bot.Username())
		}
		if !addressed {
			c.history.Record(chatIDStr, channels.HistoryEntry{Sender: senderLabel, Body: content}, c.historyLimit)
			c.log.Debug("telegram group message recorded (no mention)",
				"chat_id", chatIDStr, "sender", senderLabel)
			return
		}
	}

	finalContent := content
	if isGroup {
		annotated := fmt.Sprintf("[From: %s]\n%s", senderLabel, content)
		finalContent = c.history.BuildContext(chatIDStr, annotated, c.historyLimit)
	}

	c.log.Debug("telegram message received",
		"sender_id", senderID,
		"chat_id", chatIDStr,
		"is_group", isGroup,
		"preview", channels.Truncate(content, 50),
	)

	c.startTyping(message.Chat.ID)

	metadata := map[string]string{
		"message_id": strconv.Itoa(message.MessageID),
		"user_id":    userID,
		"username":   user.Username,
		"first_name": user.FirstName,
	}

	c.Bus().PublishInbound(bus.InboundMessage{
		Channel:      c.Name(),
		SenderID:     senderID,
		ChatID:       chatIDStr,
		Content:      finalContent,
		Media:        mediaPaths,
		PeerKind:     string(peerKind),
		UserID:       userID,
		AgentID:      c.AgentID(),
		HistoryLimit: c.historyLimit,
		Metadata:     metadata,
	})

	// Buffered history was folded into this message.
	if isGroup {
		c.history.Clear(chatIDStr)
	}
}

// detectMention checks if a message mentions the bot, in text or caption
// entities, as a raw substring, or by replying to one of the bot's messages.
func (c *Channel) detectMention(msg *telego.Message) bool {
	return detectMention(msg, c.bot.Username())
}

func detectMention(msg *telego.Message, botUsername string) bool {
	if botUsername == "" {
		return false
	}
	lowerBot := strings.ToLower(botUsername)

	// Photos carry their text in Caption, not Text.
	for _, pair := range []struct {
		entities []telego.MessageEntity
		text     string
	}{
		{msg.Entities, msg.Text},
		{msg.CaptionEntities, msg.Caption},
	} {
		if pair.text == "" {
			continue
		}
		for _, entity := range pair.entities {
			if entity.Offset < 0 || entity.Offset+entity.Length > len(pair.text) {
				continue
			}
			span := pair.text[entity.Offset : entity.Offset+entity.Length]
			switch entity.Type {
			case "mention":
				if strings.EqualFold(span, "@"+botUsername) {
					return true
				}
			case "bot_command":
				if strings.Contains(strings.ToLower(span), "@"+lowerBot) {
					return true
				}
			}
		}
	}

	if msg.Text != "" && strings.Contains(strings.ToLower(msg.Text), "@"+lowerBot) {
		return true
	}
	if msg.Caption != "" && strings.Contains(strings.ToLower(msg.Caption), "@"+lowerBot) {
		return true
	}

	// Replying to the bot counts as an implicit mention.
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil {
		if strings.EqualFold(msg.ReplyToMessage.From.Username, botUsername) {
			return true
		}
	}

	return false
}

// commandForThisBot reports whether a leading slash command addresses this
// bot. Plain "/status" goes to every bot in the chat; "/status@other_bot"
// does not.
func commandForThisBot(text, botUsername string) bool {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return false
	}
	token := text
	if i := strings.IndexAny(token, " \t\n"); i >= 0 {
		token = token[:i]
	}
	at := strings.IndexByte(token, '@')
	if at < 0 {
		return true
	}
	return strings.EqualFold(token[at+1:], botUsername)
}

// isServiceMessage reports whether the message is a Telegram service event
// (member added/removed, title changed, pinned) rather than user content.
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}
	if msg.Photo != nil || msg.Audio != nil || msg.Video != nil ||
		msg.Document != nil || msg.Voice != nil || msg.VideoNote != nil ||
		msg.Sticker != nil || msg.Animation != nil || msg.Contact != nil ||
		msg.Location != nil || msg.Venue != nil || msg.Poll != nil {
		return false
	}
	return true
}
