package discord

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
	"github.com/nextlevelbuilder/omniclaw/internal/channels"
	"github.com/nextlevelbuilder/omniclaw/internal/channels/typing"
	"github.com/nextlevelbuilder/omniclaw/internal/config"
	"github.com/nextlevelbuilder/omniclaw/internal/sessions"
)

const (
	// Discord's typing indicator expires after roughly 10 seconds.
	typingInterval    = 9 * time.Second
	typingMaxDuration = 2 * time.Minute
)

// Channel connects to Discord via the gateway websocket and bridges guild
// and DM traffic onto the message bus.
type Channel struct {
	*channels.BaseChannel
	session        *discordgo.Session
	cfg            config.DiscordConfig
	log            *slog.Logger
	botUserID      string // resolved on Start
	requireMention bool
	historyLimit   int
	history        *channels.GroupHistory
	typingCtrls    sync.Map // channelID string -> *typing.Controller
}

// New creates a Discord channel from config.
func New(cfg config.DiscordConfig, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token not set (OMNICLAW_DISCORD_TOKEN)")
	}

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	historyLimit := cfg.HistoryLimit
	if historyLimit == 0 {
		historyLimit = channels.DefaultGroupHistoryLimit
	}

	return &Channel{
		BaseChannel:    channels.NewBaseChannel("discord", msgBus, cfg.AllowFrom, cfg.DMPolicy, cfg.GroupPolicy),
		session:        session,
		cfg:            cfg,
		log:            slog.Default().With("component", "discord"),
		requireMention: cfg.RequireMention == nil || *cfg.RequireMention,
		historyLimit:   historyLimit,
		history:        channels.NewGroupHistory(),
	}, nil
}

// Start opens the gateway connection and begins receiving events.
func (c *Channel) Start(_ context.Context) error {
	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID

	c.SetRunning(true)
	c.log.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)

	c.typingCtrls.Range(func(key, value any) bool {
		value.(*typing.Controller).Stop()
		c.typingCtrls.Delete(key)
		return true
	})

	if err := c.session.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	c.log.Info("discord bot stopped")
	return nil
}

// Send delivers one outbound message to a Discord channel. Local media files
// are uploaded as attachments; remote URLs are appended so Discord embeds
// them. The first chunk of a reply references the inbound message.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	channelID := msg.ChatID
	if channelID == "" {
		return fmt.Errorf("empty chat ID for discord send")
	}

	c.stopTyping(channelID)

	send := &discordgo.MessageSend{Content: msg.Content}
	if msgID := msg.Metadata["message_id"]; msgID != "" && msg.Metadata["is_dm"] != "true" {
		send.Reference = &discordgo.MessageReference{MessageID: msgID, ChannelID: channelID}
	}

	var opened []io.Closer
	defer func() {
		for _, f := range opened {
			f.Close()
		}
	}()
	for _, att := range msg.Media {
		if strings.Contains(att.URL, "://") {
			if send.Content != "" {
				send.Content += "\n"
			}
			send.Content += att.URL
			continue
		}
		f, err := os.Open(att.URL)
		if err != nil {
			c.log.Warn("discord attachment unreadable", "path", att.URL, "error", err)
			continue
		}
		opened = append(opened, f)
		send.Files = append(send.Files, &discordgo.File{
			Name:        filepath.Base(att.URL),
			ContentType: att.ContentType,
			Reader:      f,
		})
	}

	if send.Content == "" && len(send.Files) == 0 {
		return nil
	}

	_, err := c.session.ChannelMessageSendComplex(channelID, send)
	if err != nil && send.Reference != nil && len(send.Files) == 0 {
		// The referenced message may have been deleted. Retry unreferenced.
		c.log.Debug("discord reply reference rejected, retrying plain",
			"channel_id", channelID, "error", err)
		send.Reference = nil
		_, err = c.session.ChannelMessageSendComplex(channelID, send)
	}
	if err != nil {
		return fmt.Errorf("send discord message: %w", err)
	}
	return nil
}

// handleMessage processes incoming Discord messages.
func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	userID := m.Author.ID
	senderID := userID
	if m.Author.Username != "" {
		senderID = userID + "|" + m.Author.Username
	}
	senderName := displayName(m)
	channelID := m.ChannelID
	isGuild := m.GuildID != ""
	peerKind := sessions.PeerKindFromGroup(isGuild)

	if !c.IsAllowed(senderID, channelID, peerKind) {
		c.log.Debug("discord message rejected by policy",
			"user_id", userID, "username", m.Author.Username, "channel_id", channelID, "peer_kind", peerKind)
		return
	}

	content := inboundContent(m)
	if content == "" {
		content = "[empty message]"
	}

	// Guild mention gate: unaddressed messages are buffered as context for
	// the next addressed one.
	if isGuild && c.requireMention && !c.mentionsBot(m) {
		c.history.Record(channelID, channels.HistoryEntry{Sender: senderName, Body: content}, c.historyLimit)
		c.log.Debug("discord guild message recorded (no mention)",
			"channel_id", channelID, "sender", senderName)
		return
	}

	finalContent := content
	if isGuild {
		annotated := fmt.Sprintf("[From: %s]\n%s", senderName, content)
		finalContent = c.history.BuildContext(channelID, annotated, c.historyLimit)
	}

	c.log.Debug("discord message received",
		"sender_id", senderID,
		"channel_id", channelID,
		"is_guild", isGuild,
		"preview", channels.Truncate(content, 50),
	)

	c.startTyping(channelID)

	metadata := map[string]string{
		"message_id":   m.ID,
		"user_id":      userID,
		"username":     m.Author.Username,
		"display_name": senderName,
		"guild_id":     m.GuildID,
		"is_dm":        strconv.FormatBool(!isGuild),
	}

	c.Bus().PublishInbound(bus.InboundMessage{
		Channel:      c.Name(),
		SenderID:     senderID,
		ChatID:       channelID,
		Content:      finalContent,
		PeerKind:     string(peerKind),
		UserID:       userID,
		AgentID:      c.AgentID(),
		HistoryLimit: c.historyLimit,
		Metadata:     metadata,
	})

	// Buffered history was folded into this message.
	if isGuild {
		c.history.Clear(channelID)
	}
}

// mentionsBot reports whether the message addresses the bot, either by
// an explicit @mention or by replying to one of the bot's messages.
func (c *Channel) mentionsBot(m *discordgo.MessageCreate) bool {
	for _, u := range m.Mentions {
		if u != nil && u.ID == c.botUserID {
			return true
		}
	}
	if m.ReferencedMessage != nil && m.ReferencedMessage.Author != nil {
		return m.ReferencedMessage.Author.ID == c.botUserID
	}
	return false
}

// startTyping shows the typing indicator for a channel, refreshed until the
// reply is sent or the cap elapses.
func (c *Channel) startTyping(channelID string) {
	c.stopTyping(channelID)

	ctrl := typing.New(typing.Options{
		MaxDuration:       typingMaxDuration,
		KeepaliveInterval: typingInterval,
		StartFn: func() error {
			return c.session.ChannelTyping(channelID)
		},
	})
	c.typingCtrls.Store(channelID, ctrl)
	ctrl.Start()
}

func (c *Channel) stopTyping(channelID string) {
	if ctrl, ok := c.typingCtrls.LoadAndDelete(channelID); ok {
		ctrl.(*typing.Controller).Stop()
	}
}

// inboundContent joins the message text with attachment URL notations so the
// agent sees what arrived.
func inboundContent(m *discordgo.MessageCreate) string {
	content := m.Content
	for _, att := range m.Attachments {
		if att == nil || att.URL == "" {
			continue
		}
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	return content
}

// displayName returns the best available name for a message author:
// server nickname, then global display name, then username.
func displayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
