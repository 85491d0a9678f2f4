package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/nugget/troupe/internal/character"
	"github.com/nugget/troupe/internal/completion"
	"github.com/nugget/troupe/internal/config"
	"github.com/nugget/troupe/internal/database"
	"github.com/nugget/troupe/internal/events"
	"github.com/nugget/troupe/internal/plugin"
	"github.com/nugget/troupe/internal/runtime"
)

type recordingRegistrar struct {
	mu     sync.Mutex
	agents []*runtime.Runtime
}

func (r *recordingRegistrar) RegisterAgent(rt *runtime.Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = append(r.agents, rt)
}

type stubCompleter struct{ cfg completion.Config }

func (s *stubCompleter) Complete(context.Context, []completion.Message) (string, error) {
	return "Hello!", nil
}

type harness struct {
	boot    *Bootstrapper
	reg     *recordingRegistrar
	bus     *events.Bus
	dataDir string
	configs []completion.Config
}

func newHarness(t *testing.T, env map[string]string) *harness {
	t.Helper()
	h := &harness{
		reg:     &recordingRegistrar{},
		bus:     events.New(),
		dataDir: filepath.Join(t.TempDir(), "data"),
	}
	h.boot = NewBootstrapper(BootstrapConfig{
		DataDir:  h.dataDir,
		Database: config.DatabaseConfig{Driver: database.DriverPureGo},
		Completion: config.CompletionConfig{
			APIBase:     "http://llm.invalid/v1",
			APIKey:      "global-key",
			Model:       "gpt-4o-mini",
			Temperature: 0.7,
		},
		Node:   plugin.NewNode(nil, nil),
		Getenv: func(k string) string { return env[k] },
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Events: h.bus,
		NewCompleter: func(cc completion.Config) completion.Completer {
			h.configs = append(h.configs, cc)
			return &stubCompleter{cfg: cc}
		},
	})
	return h
}

func TestStartAgent_Success(t *testing.T) {
	h := newHarness(t, map[string]string{"OPENAI_API_KEY": "env-key"})
	sub := h.bus.Subscribe(8)

	rt, err := h.boot.StartAgent(context.Background(), character.Character{Name: "Bob", Model: "gpt-4o"}, h.reg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rt.Stop(context.Background()) })

	if len(h.reg.agents) != 1 || h.reg.agents[0] != rt {
		t.Fatalf("registered = %v", h.reg.agents)
	}
	if rt.AgentID() != character.IDFromName("Bob") {
		t.Errorf("agent id = %s, want id derived from name", rt.AgentID())
	}
	if rt.Character().Username != "Bob" {
		t.Errorf("username = %q", rt.Character().Username)
	}
	if rt.Token() != "env-key" {
		t.Errorf("token = %q, want env-key", rt.Token())
	}
	if _, err := os.Stat(filepath.Join(h.dataDir, database.DefaultFile)); err != nil {
		t.Errorf("database file: %v", err)
	}

	plugins := rt.PluginNames()
	for _, want := range []string{"bootstrap", "node"} {
		if !slices.Contains(plugins, want) {
			t.Errorf("plugins = %v, missing %s", plugins, want)
		}
	}
	if slices.Contains(plugins, "wallet") {
		t.Errorf("wallet plugin added without a public key: %v", plugins)
	}

	if len(h.configs) != 1 {
		t.Fatalf("completers built = %d, want 1", len(h.configs))
	}
	if cc := h.configs[0]; cc.Model != "gpt-4o" || cc.APIKey != "env-key" || cc.BaseURL != "http://llm.invalid/v1" {
		t.Errorf("completion config = %+v", cc)
	}

	e := <-sub
	if e.Kind != events.KindAgentStarted || e.Data["agent"] != "Bob" {
		t.Errorf("event = %+v", e)
	}
}

func TestStartAgent_MissingToken(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.bus.Subscribe(8)

	_, err := h.boot.StartAgent(context.Background(), character.Character{
		Name:          "Alice",
		ModelProvider: character.ProviderAnthropic,
	}, h.reg)
	if !errors.Is(err, character.ErrMissingToken) {
		t.Fatalf("err = %v, want ErrMissingToken", err)
	}
	if len(h.reg.agents) != 0 {
		t.Error("failed agent was registered")
	}
	if len(h.configs) != 0 {
		t.Error("completion client built for a failed agent")
	}
	if e := <-sub; e.Kind != events.KindAgentFailed {
		t.Errorf("event = %+v", e)
	}
}

func TestStartAgent_FailureDoesNotBlockNext(t *testing.T) {
	h := newHarness(t, map[string]string{"OPENAI_API_KEY": "env-key"})

	chars := []character.Character{
		{Name: "Alice", ModelProvider: character.ProviderGroq},
		{Name: "Bob"},
	}
	var started []string
	for _, c := range chars {
		rt, err := h.boot.StartAgent(context.Background(), c, h.reg)
		if err != nil {
			continue
		}
		t.Cleanup(func() { rt.Stop(context.Background()) })
		started = append(started, rt.Name())
	}
	if !slices.Equal(started, []string{"Bob"}) {
		t.Errorf("started = %v, want [Bob]", started)
	}
}

func TestStartAgent_KeylessProviderUsesConfiguredKey(t *testing.T) {
	h := newHarness(t, nil)
	rt, err := h.boot.StartAgent(context.Background(), character.Character{
		Name:          "Llama",
		ModelProvider: character.ProviderOllama,
	}, h.reg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rt.Stop(context.Background()) })

	if rt.Token() != "" {
		t.Errorf("token = %q, want empty", rt.Token())
	}
	if h.configs[0].APIKey != "global-key" {
		t.Errorf("api key = %q, want global-key", h.configs[0].APIKey)
	}
	if h.configs[0].Model != "gpt-4o-mini" {
		t.Errorf("model = %q, want configured default", h.configs[0].Model)
	}
}

func TestStartAgent_Wallet(t *testing.T) {
	h := newHarness(t, map[string]string{"OPENAI_API_KEY": "k"})
	rt, err := h.boot.StartAgent(context.Background(), character.Character{
		Name: "Wally",
		Settings: character.Settings{Secrets: map[string]string{
			character.SecretWalletPublicKey: "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
		}},
	}, h.reg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rt.Stop(context.Background()) })

	if !slices.Contains(rt.PluginNames(), "wallet") {
		t.Errorf("plugins = %v, want wallet", rt.PluginNames())
	}
}

func TestStartAgent_InvalidCharacter(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.boot.StartAgent(context.Background(), character.Character{}, h.reg); err == nil {
		t.Fatal("expected error for a nameless character")
	}
}

func TestStartAgent_DataDirFailure(t *testing.T) {
	h := newHarness(t, map[string]string{"OPENAI_API_KEY": "k"})
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	h.boot.cfg.DataDir = filepath.Join(blocker, "data")

	if _, err := h.boot.StartAgent(context.Background(), character.Character{Name: "Bob"}, h.reg); err == nil {
		t.Fatal("expected error when the data dir cannot be created")
	}
	if len(h.reg.agents) != 0 {
		t.Error("agent registered despite failure")
	}
}

func TestStartAgent_TwoAgentsShareDatabase(t *testing.T) {
	h := newHarness(t, map[string]string{"OPENAI_API_KEY": "k"})
	ctx := context.Background()

	a, err := h.boot.StartAgent(ctx, character.Character{Name: "Ann"}, h.reg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Stop(ctx) })
	b, err := h.boot.StartAgent(ctx, character.Character{Name: "Ben"}, h.reg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Stop(ctx) })

	if _, err := a.ProcessMessage(ctx, plugin.Message{Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	if a.AgentID() == b.AgentID() {
		t.Error("agents share an id")
	}
}
