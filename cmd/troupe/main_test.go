package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/troupe/internal/completion"
	"github.com/nugget/troupe/internal/crashguard"
)

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// testEnv returns a getenv backed by m.
func testEnv(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

// newConfig writes a config that uses the pure-Go SQLite driver.
func newConfig(t *testing.T) string {
	t.Helper()
	return writeFile(t, t.TempDir(), "config.yaml", "log_level: debug\ndatabase:\n  driver: sqlite\n")
}

// fakeLLM serves chat completions with a fixed reply and records the
// requests. onRequest, when set, runs before each reply.
type fakeLLM struct {
	*httptest.Server
	mu        sync.Mutex
	requests  [][]completion.Message
	onRequest func()
}

func newFakeLLM(t *testing.T, reply string) *fakeLLM {
	t.Helper()
	f := &fakeLLM{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chat/completions":
		case "/models":
			w.Write([]byte(`{"data":[]}`))
			return
		default:
			http.NotFound(w, r)
			return
		}
		var body struct {
			Messages []completion.Message `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.requests = append(f.requests, body.Messages)
		hook := f.onRequest
		f.mu.Unlock()
		if hook != nil {
			hook()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]string{"role": "assistant", "content": reply}}},
		})
	}))
	t.Cleanup(f.Close)
	return f
}

func TestRun_BobRoundTrip(t *testing.T) {
	llm := newFakeLLM(t, "Hello!")
	dir := t.TempDir()
	bob := writeFile(t, dir, "bob.json", `{"name":"Bob","bio":"Bob builds boats."}`)

	var stdout bytes.Buffer
	var stderr syncBuffer
	env := testEnv(map[string]string{
		"OPENAI_API_KEY":  "test-key",
		"OPENAI_API_BASE": llm.URL,
		"SERVER_PORT":     strconv.Itoa(freePort(t)),
		"TROUPE_DATA_DIR": filepath.Join(dir, "data"),
	})

	err := run(context.Background(), strings.NewReader("Hello\nexit\n"), &stdout, &stderr,
		[]string{"--config", newConfig(t), "--characters", bob}, env)
	if err != nil {
		t.Fatalf("run: %v\nlogs:\n%s", err, stderr.String())
	}

	if !strings.Contains(stdout.String(), "Bob: Hello!\n") {
		t.Errorf("stdout = %q, want Bob: Hello!", stdout.String())
	}
	if strings.Count(stdout.String(), "You: ") != 2 {
		t.Errorf("stdout = %q, want two prompts", stdout.String())
	}

	llm.mu.Lock()
	defer llm.mu.Unlock()
	if len(llm.requests) != 1 {
		t.Fatalf("completion requests = %d, want 1", len(llm.requests))
	}
	msgs := llm.requests[0]
	if len(msgs) != 2 || msgs[0].Role != "system" || !strings.Contains(msgs[0].Content, "Bob") {
		t.Errorf("messages = %+v", msgs)
	}
	if msgs[1].Role != "user" || msgs[1].Content != "Hello" {
		t.Errorf("user message = %+v", msgs[1])
	}
}

func TestRun_FailedCharacterDoesNotStopOthers(t *testing.T) {
	llm := newFakeLLM(t, "Hello!")
	dir := t.TempDir()
	alice := writeFile(t, dir, "alice.yaml", "name: Alice\nmodelProvider: anthropic\n")
	bob := writeFile(t, dir, "bob.json", `{"name":"Bob"}`)
	port := freePort(t)

	// While the terminal turn is in flight, ask the front-end server
	// which agents are running.
	var agents []string
	llm.onRequest = func() {
		resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(port) + "/agents")
		if err != nil {
			return
		}
		defer resp.Body.Close()
		var body struct {
			Agents []struct {
				Name string `json:"name"`
			} `json:"agents"`
		}
		json.NewDecoder(resp.Body).Decode(&body)
		llm.mu.Lock()
		defer llm.mu.Unlock()
		for _, a := range body.Agents {
			agents = append(agents, a.Name)
		}
	}

	var stdout bytes.Buffer
	var stderr syncBuffer
	env := testEnv(map[string]string{
		"OPENAI_API_KEY":  "test-key",
		"OPENAI_API_BASE": llm.URL,
		"SERVER_PORT":     strconv.Itoa(port),
		"TROUPE_DATA_DIR": filepath.Join(dir, "data"),
	})

	err := run(context.Background(), strings.NewReader("Hi\nexit\n"), &stdout, &stderr,
		[]string{"--config", newConfig(t), "--characters", alice + "," + bob}, env)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	llm.mu.Lock()
	if !slices.Equal(agents, []string{"Bob"}) {
		t.Errorf("running agents = %v, want [Bob]", agents)
	}
	llm.mu.Unlock()
	logs := stderr.String()
	if !strings.Contains(logs, "agent failed to start") || !strings.Contains(logs, "agent=Alice") {
		t.Errorf("missing failure log for Alice:\n%s", logs)
	}
	// The terminal chat speaks as the first loaded character.
	if !strings.Contains(stdout.String(), "Alice: Hello!") {
		t.Errorf("stdout = %q", stdout.String())
	}
}

func TestRun_PortScan(t *testing.T) {
	var start int
	for range 20 {
		a, err := net.Listen("tcp", ":0")
		if err != nil {
			t.Fatal(err)
		}
		p := a.Addr().(*net.TCPAddr).Port
		b, err := net.Listen("tcp", ":"+strconv.Itoa(p+1))
		if err != nil {
			a.Close()
			continue
		}
		t.Cleanup(func() { a.Close(); b.Close() })
		start = p
		break
	}
	if start == 0 {
		t.Skip("could not reserve two consecutive ports")
	}

	var stdout bytes.Buffer
	var stderr syncBuffer
	env := testEnv(map[string]string{
		"OPENAI_API_KEY":  "test-key",
		"SERVER_PORT":     strconv.Itoa(start),
		"TROUPE_DATA_DIR": t.TempDir(),
	})

	if err := run(context.Background(), strings.NewReader("exit\n"), &stdout, &stderr,
		[]string{"--config", newConfig(t)}, env); err != nil {
		t.Fatalf("run: %v", err)
	}

	logs := stderr.String()
	if n := strings.Count(logs, "port in use"); n < 2 {
		t.Errorf("logged %d port conflicts, want at least 2:\n%s", n, logs)
	}
	if !strings.Contains(logs, "configured port unavailable") || !strings.Contains(logs, "configured="+strconv.Itoa(start)) {
		t.Errorf("port deviation not logged:\n%s", logs)
	}
	// The default character is used when none are given.
	if !strings.Contains(stdout.String(), "You: ") {
		t.Errorf("stdout = %q", stdout.String())
	}
}

func TestRun_Daemon(t *testing.T) {
	port := freePort(t)
	env := testEnv(map[string]string{
		"OPENAI_API_KEY":  "test-key",
		"SERVER_PORT":     strconv.Itoa(port),
		"DAEMON_PROCESS":  "true",
		"TROUPE_DATA_DIR": t.TempDir(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stderr syncBuffer
	cfgPath := newConfig(t)
	done := make(chan error, 1)
	go func() {
		// stdin is never read in daemon mode.
		done <- run(ctx, nil, io.Discard, &stderr, []string{"--config", cfgPath}, env)
	}()

	url := "http://127.0.0.1:" + strconv.Itoa(port) + "/health"
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("server never became healthy:\n%s", stderr.String())
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	if !strings.Contains(stderr.String(), "running as daemon") {
		t.Error("daemon mode not logged")
	}
}

func TestRun_MissingConfig(t *testing.T) {
	err := run(context.Background(), nil, io.Discard, io.Discard,
		[]string{"--config", filepath.Join(t.TempDir(), "nope.yaml")}, testEnv(nil))
	if err == nil {
		t.Fatal("expected error for a missing explicit config")
	}
}

func TestRun_MissingCharacterFile(t *testing.T) {
	err := run(context.Background(), nil, io.Discard, io.Discard,
		[]string{"--config", newConfig(t), "--character", filepath.Join(t.TempDir(), "ghost.json")},
		testEnv(map[string]string{"TROUPE_DATA_DIR": t.TempDir()}))
	if err == nil {
		t.Fatal("expected error for a missing character file")
	}
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), nil, &out, io.Discard, []string{"version"}, testEnv(nil)); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "Troupe ") || !strings.Contains(out.String(), "go_version:") {
		t.Errorf("version output = %q", out.String())
	}

	out.Reset()
	if err := run(context.Background(), nil, &out, io.Discard, []string{"-o", "json", "version"}, testEnv(nil)); err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("json output: %v", err)
	}
	if info["version"] == "" {
		t.Errorf("info = %v", info)
	}
}

func TestRun_ArgumentErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown command", []string{"dance"}},
		{"unknown flag", []string{"--nope"}},
		{"bad output format", []string{"-o", "xml", "version"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := run(context.Background(), nil, io.Discard, io.Discard, tt.args, testEnv(nil)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRun_Help(t *testing.T) {
	var stderr bytes.Buffer
	if err := run(context.Background(), nil, io.Discard, &stderr, []string{"--help"}, testEnv(nil)); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stderr.String(), "Usage: troupe") || !strings.Contains(stderr.String(), "--characters") {
		t.Errorf("help = %q", stderr.String())
	}
}

func TestMainExit(t *testing.T) {
	tests := []struct {
		name     string
		fn       func() error
		wantCode int
		wantErr  string
	}{
		{"success", func() error { return nil }, 0, ""},
		{"error", func() error { return errors.New("load config: boom") }, 1, "load config: boom"},
		{"panic", func() error {
			var m map[string]int
			m["x"] = 1
			return nil
		}, 1, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs, stderr bytes.Buffer
			var exits []int
			guard := crashguard.New(slog.New(slog.NewTextHandler(&logs, nil)), func(c int) { exits = append(exits, c) })

			if code := mainExit(guard, &stderr, tt.fn); code != tt.wantCode {
				t.Errorf("mainExit() = %d, want %d", code, tt.wantCode)
			}
			if !strings.Contains(stderr.String(), tt.wantErr) {
				t.Errorf("stderr = %q, want %q", stderr.String(), tt.wantErr)
			}
			if len(exits) != 0 {
				t.Errorf("guard exited early with %v", exits)
			}
			if tt.name == "panic" && !strings.Contains(logs.String(), "uncaught panic") {
				t.Errorf("panic not logged: %s", logs.String())
			}
		})
	}
}
