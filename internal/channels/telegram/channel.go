// Package telegram connects the agent to Telegram via the Bot API using long
// polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
	"github.com/nextlevelbuilder/omniclaw/internal/channels"
	"github.com/nextlevelbuilder/omniclaw/internal/channels/typing"
	"github.com/nextlevelbuilder/omniclaw/internal/config"
)

const (
	// typingInterval refreshes the "typing..." indicator; Telegram shows it
	// for about five seconds per action.
	typingInterval = 5 * time.Second

	// typingMaxDuration bounds the indicator for runs that never reply.
	typingMaxDuration = 2 * time.Minute

	// captionMaxRunes is the Telegram caption limit for media messages.
	captionMaxRunes = 1024

	// stopPollWait is how long Stop waits for the polling goroutine so
	// Telegram releases the getUpdates lock before a new instance starts.
	stopPollWait = 10 * time.Second
)

// Channel is the Telegram adapter.
type Channel struct {
	*channels.BaseChannel
	bot *telego.Bot
	cfg config.TelegramConfig
	log *slog.Logger

	mediaDir       string
	requireMention bool
	historyLimit   int
	history        *channels.GroupHistory

	typingCtrls sync.Map // chatID string -> *typing.Controller
	pollCancel  context.CancelFunc
	pollDone    chan struct{}
}

// New creates the Telegram channel. The token comes from the environment
// (OMNICLAW_TELEGRAM_TOKEN); media downloads land under <workspace>/tmp.
func New(cfg config.TelegramConfig, msgBus *bus.MessageBus, workspace string) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token not set (OMNICLAW_TELEGRAM_TOKEN)")
	}

	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	historyLimit := cfg.HistoryLimit
	if historyLimit == 0 {
		historyLimit = channels.DefaultGroupHistoryLimit
	}

	return &Channel{
		BaseChannel:    channels.NewBaseChannel("telegram", msgBus, cfg.AllowFrom, cfg.DMPolicy, cfg.GroupPolicy),
		bot:            bot,
		cfg:            cfg,
		log:            slog.Default().With("component", "telegram"),
		mediaDir:       filepath.Join(workspace, "tmp"),
		requireMention: cfg.RequireMention == nil || *cfg.RequireMention,
		historyLimit:   historyLimit,
		history:        channels.NewGroupHistory(),
	}, nil
}

// Start begins long polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	c.log.Info("starting telegram bot (polling mode)")

	// Stop cancels this context to cleanly shut down long polling.
	pollCtx, cancel := context.WithCancel(context.Background())
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	c.log.Info("telegram bot connected", "username", c.bot.Username())

	// Register the bot menu with retry; Telegram occasionally rejects the
	// first setMyCommands right after connect.
	go func() {
		for attempt := 1; attempt <= 3; attempt++ {
			if err := c.syncMenuCommands(pollCtx); err != nil {
				c.log.Warn("failed to sync telegram menu commands", "error", err, "attempt", attempt)
				select {
				case <-pollCtx.Done():
					return
				case <-time.After(time.Duration(attempt*5) * time.Second):
				}
				continue
			}
			return
		}
	}()

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					c.log.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleUpdate(pollCtx, update)
				} else {
					c.log.Debug("telegram update skipped (no message)", "update_id", update.UpdateID)
				}
			}
		}
	}()

	return nil
}

// Stop cancels long polling and waits for the polling goroutine to exit.
func (c *Channel) Stop(ctx context.Context) error {
	c.log.Info("stopping telegram bot")
	c.SetRunning(false)

	if c.pollCancel != nil {
		c.pollCancel()
	}

	if c.pollDone != nil {
		select {
		case <-c.pollDone:
			c.log.Info("telegram bot stopped")
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(stopPollWait):
			c.log.Warn("telegram polling goroutine did not exit within timeout")
		}
	}

	return nil
}

// Send delivers an outbound message: attachments first (content as caption
// when it fits), then the remaining text rendered as Telegram HTML.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := parseChatID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", msg.ChatID, err)
	}

	c.stopTyping(msg.ChatID)

	content := msg.Content
	for _, att := range msg.Media {
		caption := att.Caption
		if caption == "" && content != "" && len(msg.Media) == 1 && len([]rune(content)) <= captionMaxRunes {
			caption = content
			content = ""
		}
		if err := c.sendAttachment(ctx, chatID, att, caption); err != nil {
			return err
		}
	}

	if content == "" {
		return nil
	}
	return c.sendText(ctx, chatID, content)
}

// sendText sends rendered HTML and falls back to plain text when Telegram
// rejects the markup.
func (c *Channel) sendText(ctx context.Context, chatID int64, text string) error {
	params := tu.Message(tu.ID(chatID), renderHTML(text)).WithParseMode(telego.ModeHTML)
	if c.cfg.LinkPreview != nil && !*c.cfg.LinkPreview {
		params = params.WithLinkPreviewOptions(&telego.LinkPreviewOptions{IsDisabled: true})
	}
	_, err := c.bot.SendMessage(ctx, params)
	if err == nil {
		return nil
	}
	c.log.Debug("html send rejected, retrying plain", "chat_id", chatID, "error", err)

	plain := tu.Message(tu.ID(chatID), text)
	if c.cfg.LinkPreview != nil && !*c.cfg.LinkPreview {
		plain = plain.WithLinkPreviewOptions(&telego.LinkPreviewOptions{IsDisabled: true})
	}
	if _, err := c.bot.SendMessage(ctx, plain); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// sendAttachment uploads one media item, as a photo for images and a document
// for everything else.
func (c *Channel) sendAttachment(ctx context.Context, chatID int64, att bus.MediaAttachment, caption string) error {
	var input telego.InputFile
	if strings.Contains(att.URL, "://") {
		input = tu.FileFromURL(att.URL)
	} else {
		f, err := os.Open(att.URL)
		if err != nil {
			return fmt.Errorf("open media %s: %w", att.URL, err)
		}
		defer f.Close()
		input = tu.File(f)
	}

	if isImageAttachment(att) {
		params := tu.Photo(tu.ID(chatID), input)
		if caption != "" {
			params = params.WithCaption(caption)
		}
		if _, err := c.bot.SendPhoto(ctx, params); err != nil {
			return fmt.Errorf("send photo: %w", err)
		}
		return nil
	}

	params := tu.Document(tu.ID(chatID), input)
	if caption != "" {
		params = params.WithCaption(caption)
	}
	if _, err := c.bot.SendDocument(ctx, params); err != nil {
		return fmt.Errorf("send document: %w", err)
	}
	return nil
}

func isImageAttachment(att bus.MediaAttachment) bool {
	if strings.HasPrefix(att.ContentType, "image/") {
		return true
	}
	switch strings.ToLower(filepath.Ext(att.URL)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return true
	}
	return false
}

// startTyping shows the typing indicator until the reply is sent or the
// run exceeds typingMaxDuration.
func (c *Channel) startTyping(chatID int64) {
	key := strconv.FormatInt(chatID, 10)
	c.stopTyping(key)

	ctrl := typing.New(typing.Options{
		MaxDuration:       typingMaxDuration,
		KeepaliveInterval: typingInterval,
		StartFn: func() error {
			return c.bot.SendChatAction(context.Background(), tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))
		},
	})
	c.typingCtrls.Store(key, ctrl)
	ctrl.Start()
}

func (c *Channel) stopTyping(chatID string) {
	if ctrl, ok := c.typingCtrls.LoadAndDelete(chatID); ok {
		ctrl.(*typing.Controller).Stop()
	}
}

// syncMenuCommands registers the slash command menu via setMyCommands.
func (c *Channel) syncMenuCommands(ctx context.Context) error {
	if err := c.bot.DeleteMyCommands(ctx, nil); err != nil {
		c.log.Debug("deleteMyCommands failed (may not exist)", "error", err)
	}
	if err := c.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{
		Commands: menuCommands(),
	}); err != nil {
		return err
	}
	c.log.Info("telegram menu commands synced")
	return nil
}

// menuCommands mirrors the gateway's builtin slash commands.
func menuCommands() []telego.BotCommand {
	return []telego.BotCommand{
		{Command: "help", Description: "List available commands"},
		{Command: "status", Description: "Session, model, and token stats"},
		{Command: "reset", Description: "Clear this session's history"},
		{Command: "switch", Description: "Switch this session to another model"},
		{Command: "stop", Description: "Cancel the running task"},
		{Command: "approve", Description: "Run the pending tool call"},
		{Command: "deny", Description: "Reject the pending tool call"},
		{Command: "clip", Description: "Repeat chunk n of the last reply"},
		{Command: "uptime", Description: "Time since the gateway started"},
		{Command: "doctor", Description: "Check the runtime environment"},
	}
}

// parseChatID converts a string chat ID to int64.
func parseChatID(chatIDStr string) (int64, error) {
	return strconv.ParseInt(chatIDStr, 10, 64)
}
