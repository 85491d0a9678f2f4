package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nugget/troupe/internal/agent"
	"github.com/nugget/troupe/internal/buildinfo"
	"github.com/nugget/troupe/internal/character"
	"github.com/nugget/troupe/internal/chat"
	"github.com/nugget/troupe/internal/clients"
	"github.com/nugget/troupe/internal/completion"
	"github.com/nugget/troupe/internal/config"
	"github.com/nugget/troupe/internal/connwatch"
	"github.com/nugget/troupe/internal/crashguard"
	"github.com/nugget/troupe/internal/events"
	"github.com/nugget/troupe/internal/frontend"
	"github.com/nugget/troupe/internal/mqtt"
	"github.com/nugget/troupe/internal/paths"
	"github.com/nugget/troupe/internal/plugin"
	"github.com/nugget/troupe/internal/runtime"
)

const shutdownTimeout = 10 * time.Second

type startOptions struct {
	stdin      io.Reader
	stdout     io.Writer
	stderr     io.Writer
	getenv     func(string) string
	configPath string
	characters string
}

// agentSet tracks every runtime started in this process, including
// those started later through the front-end server.
type agentSet struct {
	mu  sync.Mutex
	all []*runtime.Runtime
}

func (s *agentSet) add(rt *runtime.Runtime) {
	s.mu.Lock()
	s.all = append(s.all, rt)
	s.mu.Unlock()
}

func (s *agentSet) stopAll(ctx context.Context, logger *slog.Logger) {
	s.mu.Lock()
	all := s.all
	s.all = nil
	s.mu.Unlock()
	for _, rt := range all {
		if err := rt.Stop(ctx); err != nil {
			logger.Warn("agent stop failed", "agent", rt.Name(), "error", err)
		}
	}
}

// runStart is the default command. Startup is sequential: characters
// are started one at a time, then the front-end server, then the
// terminal chat. A character that fails to start is logged and skipped.
func runStart(ctx context.Context, o startOptions) error {
	logger := newLogger(o.stderr, slog.LevelInfo, "text")
	logger.Info("starting Troupe", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(o.configPath, o.getenv)
	if err != nil {
		return err
	}
	{
		// Validate already accepted both values.
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		format, _ := config.ParseLogFormat(cfg.LogFormat)
		logger = newLogger(o.stderr, level, format)
	}
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"daemon", cfg.Daemon,
		"completion_model", cfg.Completion.Model,
	)

	guard := crashguard.New(logger, exitFunc)

	dataDir, err := paths.DataDir(cfg.DataDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	chars, err := loadCharacters(o.characters, paths.NewResolver(cfg.Paths), logger)
	if err != nil {
		return err
	}

	var instanceID string
	if cfg.MQTT.Configured() {
		instanceID, err = mqtt.LoadOrCreateInstanceID(dataDir)
		if err != nil {
			return err
		}
	}

	bus := events.New()
	health := connwatch.NewManager(logger)
	defer health.Stop()

	server := frontend.New(frontend.Config{
		Address: cfg.Listen.Address,
		Logger:  logger,
		Events:  bus,
		Health:  health,
	})

	boot := agent.NewBootstrapper(agent.BootstrapConfig{
		DataDir:    dataDir,
		Database:   cfg.Database,
		Completion: cfg.Completion,
		Clients: clients.Options{
			MQTT:       cfg.MQTT,
			InstanceID: instanceID,
			Logger:     logger,
			Events:     bus,
			OnStarted:  watchClient(ctx, health, logger),
		},
		Node:   plugin.NewNode(nil, logger),
		Getenv: o.getenv,
		Logger: logger,
		Events: bus,
		Launch: guard.Go,
	})

	agents := &agentSet{}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		agents.stopAll(stopCtx, logger)
	}()

	for _, c := range chars {
		rt, err := boot.StartAgent(ctx, c, server)
		if err != nil {
			// Logged by the bootstrapper.
			continue
		}
		agents.add(rt)
	}

	port, err := frontend.FindAvailablePort(cfg.Listen.Address, cfg.Listen.Port, logger)
	if err != nil {
		return fmt.Errorf("find server port: %w", err)
	}
	if port != cfg.Listen.Port {
		logger.Warn("configured port unavailable, using next free port",
			"configured", cfg.Listen.Port,
			"port", port,
		)
	}

	server.SetStartAgent(func(ctx context.Context, c character.Character) (*runtime.Runtime, error) {
		rt, err := boot.StartAgent(ctx, c, server)
		if err != nil {
			return nil, err
		}
		agents.add(rt)
		return rt, nil
	})

	if err := server.Start(ctx, port); err != nil {
		return fmt.Errorf("start front-end server: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("front-end server shutdown failed", "error", err)
		}
	}()

	completer := completion.New(completion.Config{
		BaseURL:     cfg.Completion.APIBase,
		APIKey:      cfg.Completion.APIKey,
		Model:       cfg.Completion.Model,
		Temperature: cfg.Completion.Temperature,
	}, logger)
	if cfg.Completion.APIBase != "" {
		if _, err := health.Watch(ctx, "completion", completer.Ping, connwatch.DefaultBackoff()); err != nil {
			logger.Warn("completion watch not started", "error", err)
		}
	}

	if cfg.Daemon {
		logger.Info("running as daemon, terminal chat disabled")
		<-ctx.Done()
		logger.Info("shutdown signal received")
		return nil
	}

	name, prompt := "Agent", ""
	if len(chars) > 0 {
		name, prompt = chars[0].Name, chars[0].SystemPrompt()
	}
	loop := chat.NewLoop(chat.LoopConfig{
		In:          o.stdin,
		Out:         o.stdout,
		Session:     chat.NewSession(completer, prompt),
		DisplayName: name,
		Logger:      logger,
		Events:      bus,
	})
	return loop.Run(ctx)
}

// loadCharacters loads the comma-separated list, or the built-in
// default character when the list is empty.
func loadCharacters(list string, resolver *paths.Resolver, logger *slog.Logger) ([]character.Character, error) {
	files := character.SplitList(list)
	if len(files) == 0 {
		logger.Info("no characters given, using default", "character", character.Default().Name)
		return []character.Character{character.Default()}, nil
	}
	for i, f := range files {
		files[i] = resolver.Resolve(f)
	}
	chars, err := character.LoadAll(files)
	if err != nil {
		return nil, fmt.Errorf("load characters: %w", err)
	}
	logger.Info("characters loaded", "count", len(chars))
	return chars, nil
}

// watchClient returns a clients.Options.OnStarted hook that adds a
// connection watch for each MQTT client.
func watchClient(ctx context.Context, health *connwatch.Manager, logger *slog.Logger) func(string, runtime.Client) {
	return func(agentName string, c runtime.Client) {
		ac, ok := c.(*mqtt.AgentClient)
		if !ok {
			return
		}
		if _, err := health.Watch(ctx, "mqtt/"+agentName, ac.AwaitConnection, connwatch.DefaultBackoff()); err != nil {
			logger.Warn("mqtt watch not started", "agent", agentName, "error", err)
		}
	}
}
