// Package crashguard is the process-wide last line of error handling.
// Panics recovered at goroutine boundaries and errors returned by
// background goroutines are logged; only failures whose message carries
// a FATAL or CRITICAL marker terminate the process.
package crashguard

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"sync"
)

// Markers that make a failure terminate the process.
var fatalMarkers = []string{"FATAL", "CRITICAL"}

// IsFatal reports whether msg carries a fatal marker. Matching is a
// case-sensitive substring test.
func IsFatal(msg string) bool {
	for _, m := range fatalMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// Guard handles escaped failures for one process.
type Guard struct {
	logger   *slog.Logger
	exit     func(int)
	exitOnce sync.Once
}

// New creates a Guard. A nil exit uses os.Exit.
func New(logger *slog.Logger, exit func(int)) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	if exit == nil {
		exit = os.Exit
	}
	return &Guard{logger: logger, exit: exit}
}

// Recover must be deferred directly. The recovered panic is logged and
// ends the process when it is fatal.
func (g *Guard) Recover() {
	if r := recover(); r != nil {
		g.handle("uncaught panic", r, debug.Stack())
	}
}

// HandleRejection logs an error returned by a background goroutine and
// escalates it to the panic handler.
func (g *Guard) HandleRejection(err error) {
	if err == nil {
		return
	}
	g.logger.Error("unhandled background error", "error", err)
	g.handle("uncaught panic", err, nil)
}

func (g *Guard) handle(msg string, v any, stack []byte) {
	text := describe(v)
	attrs := []any{"error", text}
	if len(stack) > 0 {
		attrs = append(attrs, "stack", string(stack))
	}
	g.logger.Error(msg, attrs...)
	if IsFatal(text) {
		g.logger.Error("fatal error, shutting down")
		g.Exit(1)
	}
}

func describe(v any) string {
	switch x := v.(type) {
	case error:
		return x.Error()
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// Go runs fn on a new goroutine. A panic is recovered and a returned
// error is treated as an unhandled rejection.
func (g *Guard) Go(name string, fn func() error) {
	go func() {
		defer g.Recover()
		if err := fn(); err != nil {
			g.HandleRejection(fmt.Errorf("%s: %w", name, err))
		}
	}()
}

// Exit logs the exit code and ends the process. Only the first call
// has any effect.
func (g *Guard) Exit(code int) {
	g.exitOnce.Do(func() {
		g.logger.Info("process exiting", "code", code)
		g.exit(code)
	})
}
