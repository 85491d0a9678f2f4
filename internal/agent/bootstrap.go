// Package agent brings characters to life: it resolves credentials,
// opens storage, assembles plugins and starts the network clients for
// each character, then hands the running agent to a registrar.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/nugget/troupe/internal/cache"
	"github.com/nugget/troupe/internal/character"
	"github.com/nugget/troupe/internal/clients"
	"github.com/nugget/troupe/internal/completion"
	"github.com/nugget/troupe/internal/config"
	"github.com/nugget/troupe/internal/database"
	"github.com/nugget/troupe/internal/events"
	"github.com/nugget/troupe/internal/plugin"
	"github.com/nugget/troupe/internal/runtime"
)

// Registrar accepts a fully started agent. The front-end server is the
// usual registrar.
type Registrar interface {
	RegisterAgent(rt *runtime.Runtime)
}

// BootstrapConfig carries the process-wide settings shared by every
// agent.
type BootstrapConfig struct {
	DataDir    string
	Database   config.DatabaseConfig
	Completion config.CompletionConfig
	Clients    clients.Options

	// Node is the process-wide node plugin. It is created once by the
	// caller and added to every runtime.
	Node plugin.Plugin

	Getenv func(string) string
	Logger *slog.Logger
	Events *events.Bus

	// Launch runs plugin services; see runtime.Config.
	Launch func(name string, fn func() error)

	// NewCompleter builds the completion client for one agent. It
	// defaults to completion.New.
	NewCompleter func(cfg completion.Config) completion.Completer
}

// Bootstrapper starts agents.
type Bootstrapper struct {
	cfg    BootstrapConfig
	logger *slog.Logger
}

// NewBootstrapper creates a Bootstrapper.
func NewBootstrapper(cfg BootstrapConfig) *Bootstrapper {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Getenv == nil {
		cfg.Getenv = os.Getenv
	}
	if cfg.NewCompleter == nil {
		logger := cfg.Logger
		cfg.NewCompleter = func(cc completion.Config) completion.Completer {
			return completion.New(cc, logger)
		}
	}
	if cfg.Clients.Logger == nil {
		cfg.Clients.Logger = cfg.Logger
	}
	if cfg.Clients.Events == nil {
		cfg.Clients.Events = cfg.Events
	}
	return &Bootstrapper{cfg: cfg, logger: cfg.Logger}
}

// StartAgent runs c through every startup step and registers the
// result with reg. Nothing is registered on failure, and the database
// opened for c is closed again.
func (b *Bootstrapper) StartAgent(ctx context.Context, c character.Character, reg Registrar) (*runtime.Runtime, error) {
	if err := c.Validate(); err != nil {
		return nil, b.fail(c.Name, fmt.Errorf("invalid character: %w", err))
	}

	c = c.WithDefaults()
	logger := b.logger.With("agent", c.Name)
	logger.Info("starting agent", "agent_id", c.ID, "username", c.Username)

	token, err := character.TokenForProvider(c.ModelProvider, c, b.cfg.Getenv)
	if err != nil {
		return nil, b.fail(c.Name, fmt.Errorf("resolve token: %w", err))
	}
	logger.Debug("token resolved", "provider", providerName(c), "keyless", token == "")

	if err := os.MkdirAll(b.cfg.DataDir, 0o755); err != nil {
		return nil, b.fail(c.Name, fmt.Errorf("create data dir: %w", err))
	}
	logger.Debug("data dir ready", "path", b.cfg.DataDir)

	db := database.New(database.Config{
		Dir:    b.cfg.DataDir,
		File:   b.cfg.Database.File,
		Driver: b.cfg.Database.Driver,
	}, logger)
	if err := db.Init(ctx); err != nil {
		db.Close()
		return nil, b.fail(c.Name, fmt.Errorf("initialize database: %w", err))
	}
	logger.Debug("database ready", "path", db.Path())

	cm := cache.New(db, c.ID)

	plugins := []plugin.Plugin{plugin.NewBootstrap()}
	if b.cfg.Node != nil {
		plugins = append(plugins, b.cfg.Node)
	}
	if w, err := plugin.NewWallet(c); err == nil {
		plugins = append(plugins, w)
	} else if !errors.Is(err, plugin.ErrNoWallet) {
		db.Close()
		return nil, b.fail(c.Name, fmt.Errorf("wallet plugin: %w", err))
	}

	rt := runtime.New(runtime.Config{
		Character: c,
		Token:     token,
		DB:        db,
		Cache:     cm,
		Completer: b.cfg.NewCompleter(b.completionConfig(c, token)),
		Plugins:   plugins,
		Logger:    b.logger,
		Events:    b.cfg.Events,
		Launch:    b.cfg.Launch,
	})
	if err := rt.Initialize(ctx); err != nil {
		rt.Stop(context.WithoutCancel(ctx))
		return nil, b.fail(c.Name, fmt.Errorf("initialize runtime: %w", err))
	}

	started, err := clients.Initialize(ctx, c, rt, b.cfg.Clients)
	if err != nil {
		rt.Stop(context.WithoutCancel(ctx))
		return nil, b.fail(c.Name, fmt.Errorf("initialize clients: %w", err))
	}
	rt.SetClients(started)

	if reg != nil {
		reg.RegisterAgent(rt)
	}

	logger.Info("agent started",
		"agent_id", rt.AgentID(),
		"plugins", rt.PluginNames(),
		"clients", rt.ClientNames(),
	)
	b.cfg.Events.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindAgentStarted,
		Data:   map[string]any{"agent": c.Name, "agent_id": rt.AgentID().String()},
	})
	return rt, nil
}

// completionConfig builds the agent's completion settings. The
// character's model wins over the configured one; a keyless provider
// falls back to the configured key.
func (b *Bootstrapper) completionConfig(c character.Character, token string) completion.Config {
	cc := completion.Config{
		BaseURL:     b.cfg.Completion.APIBase,
		APIKey:      token,
		Model:       b.cfg.Completion.Model,
		Temperature: b.cfg.Completion.Temperature,
	}
	if c.Model != "" {
		cc.Model = c.Model
	}
	if cc.APIKey == "" {
		cc.APIKey = b.cfg.Completion.APIKey
	}
	return cc
}

func (b *Bootstrapper) fail(name string, err error) error {
	b.logger.Error("agent failed to start", "agent", name, "error", err)
	b.cfg.Events.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindAgentFailed,
		Data:   map[string]any{"agent": name, "error": err.Error()},
	})
	return fmt.Errorf("start agent %s: %w", name, err)
}

func providerName(c character.Character) string {
	if c.ModelProvider == "" {
		return character.ProviderOpenAI
	}
	return c.ModelProvider
}
