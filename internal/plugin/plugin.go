// Package plugin defines what a plugin contributes to an agent runtime
// (context providers, reply actions, background services) and ships the
// built-in plugins: bootstrap, node and wallet.
package plugin

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/nugget/troupe/internal/cache"
	"github.com/nugget/troupe/internal/character"
)

// Plugin bundles capabilities registered with a runtime.
type Plugin interface {
	Name() string
	Description() string
	Actions() []Action
	Providers() []Provider
	Services() []Service
}

// Env is what a runtime exposes to plugin code for one agent.
type Env struct {
	AgentID   uuid.UUID
	Character character.Character
	Cache     *cache.Manager
	Logger    *slog.Logger
}

// Message is an inbound message being answered.
type Message struct {
	RoomID string
	UserID string
	Text   string
}

// Provider contributes a block of context to the system prompt.
type Provider interface {
	Name() string
	Get(ctx context.Context, env Env, msg Message) (string, error)
}

// Outcome tells the runtime what to do with a reply.
type Outcome int

const (
	// Reply sends the reply as is.
	Reply Outcome = iota
	// Suppress drops the reply.
	Suppress
	// Continue asks the model for one follow-up message.
	Continue
)

// Action is a named reply action the model may select.
type Action interface {
	Name() string
	Description() string
	Handle(ctx context.Context, env Env, msg Message) (Outcome, error)
}

// Service runs in the background for the life of a runtime. Run blocks
// until ctx is done.
type Service interface {
	Name() string
	Run(ctx context.Context, env Env) error
}

// Context runs every provider and joins the non-empty results. A
// failing provider is logged and skipped.
func Context(ctx context.Context, env Env, msg Message, providers []Provider) string {
	var parts []string
	for _, p := range providers {
		content, err := p.Get(ctx, env, msg)
		if err != nil {
			if env.Logger != nil {
				env.Logger.Warn("provider failed", "provider", p.Name(), "error", err)
			}
			continue
		}
		if content = strings.TrimSpace(content); content != "" {
			parts = append(parts, content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// simpleAction is an Action with a fixed outcome.
type simpleAction struct {
	name, desc string
	outcome    Outcome
}

func (a simpleAction) Name() string        { return a.name }
func (a simpleAction) Description() string { return a.desc }
func (a simpleAction) Handle(context.Context, Env, Message) (Outcome, error) {
	return a.outcome, nil
}
