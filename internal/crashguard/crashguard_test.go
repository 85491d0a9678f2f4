package crashguard

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

type exitRecorder struct {
	mu    sync.Mutex
	codes []int
}

func (e *exitRecorder) exit(code int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.codes = append(e.codes, code)
}

func (e *exitRecorder) get() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.codes...)
}

func newGuard() (*Guard, *exitRecorder, *syncWriter) {
	logs := &syncWriter{}
	rec := &exitRecorder{}
	return New(slog.New(slog.NewTextHandler(logs, nil)), rec.exit), rec, logs
}

type syncWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncWriter) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"FATAL: disk gone", true},
		{"something CRITICAL happened", true},
		{"fatal in lowercase", false},
		{"Critical mixed case", false},
		{"timeout", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsFatal(tt.msg); got != tt.want {
			t.Errorf("IsFatal(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestRecover_NonFatalContinues(t *testing.T) {
	g, rec, logs := newGuard()
	func() {
		defer g.Recover()
		panic("nil map write")
	}()
	if len(rec.get()) != 0 {
		t.Errorf("exit called with %v", rec.get())
	}
	if !strings.Contains(logs.String(), "nil map write") {
		t.Errorf("panic not logged: %s", logs.String())
	}
}

func TestRecover_FatalExitsOne(t *testing.T) {
	g, rec, logs := newGuard()
	func() {
		defer g.Recover()
		panic(fmt.Errorf("CRITICAL: store corrupted"))
	}()
	if codes := rec.get(); len(codes) != 1 || codes[0] != 1 {
		t.Errorf("exit codes = %v, want [1]", codes)
	}
	if !strings.Contains(logs.String(), "code=1") {
		t.Errorf("exit code not logged: %s", logs.String())
	}
}

func TestHandleRejection_Escalates(t *testing.T) {
	g, rec, logs := newGuard()
	g.HandleRejection(errors.New("flaky"))
	if len(rec.get()) != 0 {
		t.Error("non-fatal rejection exited")
	}
	if !strings.Contains(logs.String(), "unhandled background error") {
		t.Errorf("rejection not logged: %s", logs.String())
	}

	g.HandleRejection(fmt.Errorf("open db: %w", errors.New("FATAL: disk full")))
	if codes := rec.get(); len(codes) != 1 || codes[0] != 1 {
		t.Errorf("exit codes = %v, want [1]", codes)
	}
	g.HandleRejection(nil)
}

func TestGo(t *testing.T) {
	g, rec, logs := newGuard()
	var wg sync.WaitGroup
	wg.Add(2)
	g.Go("worker", func() error {
		defer wg.Done()
		return errors.New("stopped")
	})
	g.Go("panicker", func() error {
		defer wg.Done()
		panic("boom")
	})
	wg.Wait()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		out := logs.String()
		if strings.Contains(out, "worker: stopped") && strings.Contains(out, "boom") {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	out := logs.String()
	if !strings.Contains(out, "worker: stopped") || !strings.Contains(out, "boom") {
		t.Errorf("logs = %s", out)
	}
	if len(rec.get()) != 0 {
		t.Errorf("exit called with %v", rec.get())
	}
}

func TestExit_Once(t *testing.T) {
	g, rec, _ := newGuard()
	g.Exit(0)
	g.Exit(1)
	if codes := rec.get(); len(codes) != 1 || codes[0] != 0 {
		t.Errorf("exit codes = %v, want [0]", codes)
	}
}
