package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/troupe/internal/plugin"
	"github.com/nugget/troupe/internal/runtime"
)

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if len(strings.Split(first, "-")) != 5 {
		t.Errorf("id %q does not look like a UUID", first)
	}
	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != first {
		t.Errorf("file content = %q, want %q", data, first)
	}

	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Errorf("second = %q, want stable %q", second, first)
	}
}

func TestClientID(t *testing.T) {
	got := ClientID("0190a5b2-1c3d-7e4f-8a9b-0c1d2e3f4a5b", "Bob Builder")
	if got != "troupe-0c1d2e3f4a5b-bob_builder" {
		t.Errorf("ClientID() = %q", got)
	}
}

func TestTopics(t *testing.T) {
	c := NewAgentClient(Config{TopicPrefix: "agents/"}, "Bob", nil, nil, nil)
	tests := map[string]string{
		c.InboxTopic():  "agents/bob/in",
		c.OutboxTopic(): "agents/bob/out",
		c.StatusTopic(): "agents/bob/status",
	}
	for got, want := range tests {
		if got != want {
			t.Errorf("topic = %q, want %q", got, want)
		}
	}
	if def := NewAgentClient(Config{}, "x/y#", nil, nil, nil); def.InboxTopic() != "troupe/x_y_/in" {
		t.Errorf("default InboxTopic() = %q", def.InboxTopic())
	}
}

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		payload string
		want    Inbound
		ok      bool
	}{
		{`{"text":"hi","userId":"u1","roomId":"kitchen"}`, Inbound{Text: "hi", UserID: "u1", RoomID: "kitchen"}, true},
		{`hello there`, Inbound{Text: "hello there", UserID: "mqtt", RoomID: "mqtt"}, true},
		{`{"text":"  "}`, Inbound{}, false},
		{`   `, Inbound{}, false},
		{`{broken`, Inbound{Text: "{broken", UserID: "mqtt", RoomID: "mqtt"}, true},
	}
	for _, tt := range tests {
		got, ok := decodeInbound([]byte(tt.payload))
		if ok != tt.ok || got != tt.want {
			t.Errorf("decodeInbound(%q) = %+v, %v; want %+v, %v", tt.payload, got, ok, tt.want, tt.ok)
		}
	}
}

type stubResponder struct {
	reply []string
	err   error
	got   []plugin.Message
}

func (s *stubResponder) Name() string { return "Bob" }

func (s *stubResponder) ProcessMessage(_ context.Context, msg plugin.Message) (*runtime.Response, error) {
	s.got = append(s.got, msg)
	if s.err != nil {
		return nil, s.err
	}
	return &runtime.Response{Messages: s.reply, Action: "NONE"}, nil
}

type published struct {
	topic   string
	payload []byte
}

func TestHandle_PublishesReplies(t *testing.T) {
	r := &stubResponder{reply: []string{"one", "two"}}
	c := NewAgentClient(Config{}, "Bob", r, nil, nil)
	var mu sync.Mutex
	var out []published
	c.publish = func(_ context.Context, topic string, payload []byte, _ bool) error {
		mu.Lock()
		defer mu.Unlock()
		out = append(out, published{topic, payload})
		return nil
	}

	c.handle(context.Background(), Inbound{Text: "hi", UserID: "u", RoomID: "r"})

	if len(r.got) != 1 || r.got[0].Text != "hi" || r.got[0].RoomID != "r" {
		t.Errorf("responder got %+v", r.got)
	}
	if len(out) != 2 {
		t.Fatalf("published %d messages, want 2", len(out))
	}
	var first Outbound
	if err := json.Unmarshal(out[0].payload, &first); err != nil {
		t.Fatal(err)
	}
	if out[0].topic != "troupe/bob/out" || first.Text != "one" || first.User != "Bob" || first.RoomID != "r" {
		t.Errorf("first reply = %s on %s", out[0].payload, out[0].topic)
	}
}

func TestHandle_ErrorPublishesNothing(t *testing.T) {
	r := &stubResponder{err: errors.New("boom")}
	c := NewAgentClient(Config{}, "Bob", r, nil, nil)
	called := false
	c.publish = func(context.Context, string, []byte, bool) error { called = true; return nil }

	c.handle(context.Background(), Inbound{Text: "hi"})
	if called {
		t.Error("published after a failed message")
	}
}

func TestEnqueue_DropsWhenFull(t *testing.T) {
	c := NewAgentClient(Config{}, "Bob", &stubResponder{}, nil, nil)
	for range DefaultQueueSize + 3 {
		c.enqueue("troupe/bob/in", []byte("hi"))
	}
	if got := c.dropped.Load(); got != 3 {
		t.Errorf("dropped = %d, want 3", got)
	}
}

func TestWorker_ProcessesQueue(t *testing.T) {
	r := &stubResponder{reply: []string{"pong"}}
	c := NewAgentClient(Config{}, "Bob", r, nil, nil)
	done := make(chan struct{})
	c.publish = func(context.Context, string, []byte, bool) error { close(done); return nil }

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.startWorker(ctx)
	c.enqueue("troupe/bob/in", []byte("ping"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not publish")
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Errorf("Stop() = %v", err)
	}
}

func TestStart_BadURL(t *testing.T) {
	c := NewAgentClient(Config{Broker: "://nope"}, "Bob", &stubResponder{}, nil, nil)
	if err := c.Start(context.Background()); err == nil {
		t.Fatal("expected error for bad broker url")
	}
}
