// Package commands routes slash commands intercepted before the agent loop.
// The gateway consumer offers every inbound message to the registry; a
// handled command produces an immediate reply without touching the model,
// and an unknown /token falls through to the agent as plain text.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/omniclaw/internal/config"
)

// Invocation is one inbound message offered to the router, with the session
// routing handlers need to act on it.
type Invocation struct {
	Message    string   // full raw text, e.g. "/switch gpt-5"
	Args       []string // filled by Dispatch: tokens after the command
	SessionKey string
	Channel    string
	ChatID     string
	SenderID   string
	PeerKind   string
}

// Result is a handled command's reply, sent back on the originating channel.
type Result struct {
	Text string
}

// HandlerFunc runs one command. A returned error becomes a generic failure
// reply; refusals the user should read are returned as text instead.
type HandlerFunc func(ctx context.Context, inv Invocation) (string, error)

// Command describes one slash command. Name and Aliases are matched without
// the leading slash, case-insensitively.
type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string // argument hint for /help, e.g. "<model>"
	Hidden      bool   // omit from /help
	AdminOnly   bool
	Handler     HandlerFunc
}

// Registry matches the first whitespace-delimited token of a message against
// the registered commands. Registration happens at startup; Dispatch is safe
// for concurrent use.
type Registry struct {
	cfg *config.Config

	mu     sync.RWMutex
	byName map[string]*Command
	order  []*Command

	log *slog.Logger
}

// NewRegistry creates an empty command registry. cfg supplies the admin
// allowlist; nil means no sender is admin.
func NewRegistry(cfg *config.Config) *Registry {
	return &Registry{
		cfg:    cfg,
		byName: make(map[string]*Command),
		log:    slog.Default().With("component", "commands"),
	}
}

// Register adds a command under its name and aliases. Re-registering a name
// replaces the previous command, so deployments can shadow a builtin.
func (r *Registry) Register(cmd Command) {
	if cmd.Name == "" || cmd.Handler == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	c := &cmd
	c.Name = strings.ToLower(strings.TrimPrefix(c.Name, "/"))

	if old, ok := r.byName[c.Name]; ok && old.Name == c.Name {
		for _, a := range old.Aliases {
			delete(r.byName, strings.ToLower(strings.TrimPrefix(a, "/")))
		}
		for i := range r.order {
			if r.order[i] == old {
				r.order[i] = c
				break
			}
		}
	} else {
		r.order = append(r.order, c)
	}

	r.byName[c.Name] = c
	for _, a := range c.Aliases {
		r.byName[strings.ToLower(strings.TrimPrefix(a, "/"))] = c
	}
}

// Commands returns the registered commands in registration order.
func (r *Registry) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Command, 0, len(r.order))
	for _, c := range r.order {
		out = append(out, *c)
	}
	return out
}

// Dispatch offers a message to the router. ok=false means the message is not
// a known slash command and should continue to the agent unchanged.
func (r *Registry) Dispatch(ctx context.Context, inv Invocation) (Result, bool) {
	text := strings.TrimSpace(inv.Message)
	if !strings.HasPrefix(text, "/") {
		return Result{}, false
	}

	fields := strings.Fields(text)
	token := strings.ToLower(fields[0])
	// Group channels append the bot mention: "/help@mybot".
	if at := strings.IndexByte(token, '@'); at > 0 {
		token = token[:at]
	}
	token = strings.TrimPrefix(token, "/")

	r.mu.RLock()
	cmd := r.byName[token]
	r.mu.RUnlock()
	if cmd == nil {
		return Result{}, false
	}

	inv.Args = fields[1:]
	if cmd.AdminOnly && !r.isAdmin(inv) {
		r.log.Info("admin command refused",
			"command", cmd.Name, "channel", inv.Channel, "sender", inv.SenderID)
		return Result{Text: fmt.Sprintf("/%s requires admin access.", cmd.Name)}, true
	}

	out, err := cmd.Handler(ctx, inv)
	if err != nil {
		r.log.Warn("command failed", "command", cmd.Name, "error", err)
		return Result{Text: fmt.Sprintf("Command /%s failed: %v", cmd.Name, err)}, true
	}
	return Result{Text: out}, true
}

func (r *Registry) isAdmin(inv Invocation) bool {
	if r.cfg == nil {
		return false
	}
	return r.cfg.IsAdmin(inv.Channel, inv.SenderID)
}
