package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("missing explicit path should not be reported as ErrNotFound")
	}
}

func TestFindConfig_NothingFound(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)

	_, err := FindConfig("")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("FindConfig(\"\") error = %v, want ErrNotFound", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("log_level: debug\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen.Port != DefaultPort {
		t.Errorf("port = %d, want %d", cfg.Listen.Port, DefaultPort)
	}
	if cfg.Completion.Model != "gpt-4o-mini" {
		t.Errorf("model = %q, want gpt-4o-mini", cfg.Completion.Model)
	}
	if cfg.Completion.Temperature != 0.7 {
		t.Errorf("temperature = %v, want 0.7", cfg.Completion.Temperature)
	}
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("driver = %q, want sqlite3", cfg.Database.Driver)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("completion:\n  api_key: ${TROUPE_TEST_KEY}\n"), 0600)
	t.Setenv("TROUPE_TEST_KEY", "secret123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Completion.APIKey != "secret123" {
		t.Errorf("api_key = %q, want %q", cfg.Completion.APIKey, "secret123")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"SERVER_PORT":     "4100",
		"OPENAI_API_BASE": "http://llm.local/v1",
		"OPENAI_API_KEY":  "sk-test",
		"DAEMON_PROCESS":  "true",
	}
	cfg := Default()
	if err := cfg.ApplyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("ApplyEnv error: %v", err)
	}
	if cfg.Listen.Port != 4100 {
		t.Errorf("port = %d, want 4100", cfg.Listen.Port)
	}
	if cfg.Completion.APIBase != "http://llm.local/v1" || cfg.Completion.APIKey != "sk-test" {
		t.Errorf("completion = %+v, want env values", cfg.Completion)
	}
	if !cfg.Daemon {
		t.Error("Daemon = false, want true")
	}
}

func TestApplyEnv_DaemonOnlyExactTrue(t *testing.T) {
	cfg := Default()
	cfg.ApplyEnv(func(k string) string {
		if k == "DAEMON_PROCESS" {
			return "yes"
		}
		return ""
	})
	if cfg.Daemon {
		t.Error("DAEMON_PROCESS=yes should not enable daemon mode")
	}
}

func TestApplyEnv_BadPort(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) string {
		if k == "SERVER_PORT" {
			return "http"
		}
		return ""
	})
	if err == nil {
		t.Fatal("ApplyEnv with non-numeric SERVER_PORT should error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, true},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, true},
		{"port zero", func(c *Config) { c.Listen.Port = 0 }, true},
		{"pure go driver", func(c *Config) { c.Database.Driver = "sqlite" }, false},
		{"unknown driver", func(c *Config) { c.Database.Driver = "postgres" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "INFO", false},
		{"TRACE", "DEBUG-4", false},
		{" warning ", "WARN", false},
		{"verbose", "", true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got.String() != tt.want {
			t.Errorf("ParseLogLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestLoad_Paths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("paths:\n  chars: ${TROUPE_TEST_DIR}/characters\n"), 0600)
	t.Setenv("TROUPE_TEST_DIR", "/srv/troupe")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got := cfg.Paths["chars"]; got != "/srv/troupe/characters" {
		t.Errorf("paths[chars] = %q, want /srv/troupe/characters", got)
	}
}
