// Package runtime is the live agent: one character bound to its
// database adapter, cache, plugins and network clients. It answers
// messages by assembling context, calling the completion endpoint and
// applying the reply action the model chose.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/nugget/troupe/internal/cache"
	"github.com/nugget/troupe/internal/character"
	"github.com/nugget/troupe/internal/completion"
	"github.com/nugget/troupe/internal/database"
	"github.com/nugget/troupe/internal/events"
	"github.com/nugget/troupe/internal/plugin"
)

// DefaultMemoryWindow is how many earlier room messages are replayed to
// the model.
const DefaultMemoryWindow = 20

// ErrNotInitialized is returned by ProcessMessage before Initialize.
var ErrNotInitialized = errors.New("runtime not initialized")

// Client is a network client attached to a runtime.
type Client interface {
	Name() string
	Stop(ctx context.Context) error
}

// Config wires a Runtime.
type Config struct {
	Character    character.Character
	Token        string
	DB           *database.DB
	Cache        *cache.Manager
	Completer    completion.Completer
	Plugins      []plugin.Plugin
	MemoryWindow int
	Logger       *slog.Logger
	Events       *events.Bus

	// Launch runs a background service. It defaults to a plain
	// goroutine that logs the returned error.
	Launch func(name string, fn func() error)
}

// Runtime is one running agent.
type Runtime struct {
	id        uuid.UUID
	character character.Character
	token     string
	db        *database.DB
	cache     *cache.Manager
	completer completion.Completer
	plugins   []plugin.Plugin
	window    int
	logger    *slog.Logger
	events    *events.Bus
	launch    func(name string, fn func() error)

	mu          sync.RWMutex
	initialized bool
	providers   []plugin.Provider
	actions     map[string]plugin.Action
	services    []plugin.Service
	clients     []Client
	cancel      context.CancelFunc
	serviceWG   sync.WaitGroup
}

// New creates a runtime. Defaults are filled on the character copy.
func New(cfg Config) *Runtime {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MemoryWindow <= 0 {
		cfg.MemoryWindow = DefaultMemoryWindow
	}
	c := cfg.Character.WithDefaults()
	logger := cfg.Logger.With("agent", c.Name)
	rt := &Runtime{
		id:        c.ID,
		character: c,
		token:     cfg.Token,
		db:        cfg.DB,
		cache:     cfg.Cache,
		completer: cfg.Completer,
		plugins:   cfg.Plugins,
		window:    cfg.MemoryWindow,
		logger:    logger,
		events:    cfg.Events,
		launch:    cfg.Launch,
		actions:   make(map[string]plugin.Action),
	}
	if rt.launch == nil {
		rt.launch = func(name string, fn func() error) {
			go func() {
				if err := fn(); err != nil {
					logger.Error("service failed", "service", name, "error", err)
				}
			}()
		}
	}
	return rt
}

// AgentID returns the agent's id.
func (r *Runtime) AgentID() uuid.UUID { return r.id }

// Character returns the character the runtime runs as.
func (r *Runtime) Character() character.Character { return r.character }

// Name returns the character name.
func (r *Runtime) Name() string { return r.character.Name }

// Token returns the provider token resolved at bootstrap.
func (r *Runtime) Token() string { return r.token }

// Initialize registers plugin contributions, records the agent in the
// database and starts plugin services. ctx bounds the setup work only;
// services run until Stop.
func (r *Runtime) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return nil
	}

	seen := make(map[string]bool)
	for _, p := range r.plugins {
		for _, a := range p.Actions() {
			if _, dup := r.actions[a.Name()]; dup {
				r.logger.Warn("duplicate action ignored", "plugin", p.Name(), "action", a.Name())
				continue
			}
			r.actions[a.Name()] = a
		}
		for _, pr := range p.Providers() {
			if seen[pr.Name()] {
				r.logger.Warn("duplicate provider ignored", "plugin", p.Name(), "provider", pr.Name())
				continue
			}
			seen[pr.Name()] = true
			r.providers = append(r.providers, pr)
		}
		r.services = append(r.services, p.Services()...)
		r.logger.Debug("plugin registered", "plugin", p.Name())
	}

	if r.db != nil {
		raw, err := json.Marshal(r.character)
		if err != nil {
			return fmt.Errorf("encode character: %w", err)
		}
		if err := r.db.UpsertAgent(ctx, database.Agent{
			ID:        r.id,
			Name:      r.character.Name,
			Username:  r.character.Username,
			Character: string(raw),
		}); err != nil {
			return err
		}
	}

	svcCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	env := r.env()
	for _, s := range r.services {
		r.serviceWG.Add(1)
		r.launch(r.character.Name+"/"+s.Name(), func() error {
			defer r.serviceWG.Done()
			return s.Run(svcCtx, env)
		})
	}

	r.initialized = true
	r.logger.Info("runtime initialized",
		"agent_id", r.id,
		"plugins", len(r.plugins),
		"providers", len(r.providers),
		"actions", len(r.actions),
		"services", len(r.services),
	)
	return nil
}

func (r *Runtime) env() plugin.Env {
	return plugin.Env{
		AgentID:   r.id,
		Character: r.character,
		Cache:     r.cache,
		Logger:    r.logger,
	}
}

// SetClients attaches the runtime's network clients.
func (r *Runtime) SetClients(clients []Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients = clients
}

// ClientNames returns the names of attached clients.
func (r *Runtime) ClientNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for _, c := range r.clients {
		names = append(names, c.Name())
	}
	return names
}

// PluginNames returns the loaded plugin names.
func (r *Runtime) PluginNames() []string {
	names := make([]string, 0, len(r.plugins))
	for _, p := range r.plugins {
		names = append(names, p.Name())
	}
	return names
}

// ActionNames returns registered action names, sorted.
func (r *Runtime) ActionNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for n := range r.actions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Stop stops services and clients, then closes the database.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel := r.cancel
	clients := r.clients
	r.clients = nil
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		r.serviceWG.Wait()
	}

	var errs []error
	for _, c := range clients {
		if err := c.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop client %s: %w", c.Name(), err))
		}
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	return errors.Join(errs...)
}
