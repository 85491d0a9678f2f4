package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/nugget/troupe/internal/completion"
	"github.com/nugget/troupe/internal/events"
)

// Prompt is written before each line is read.
const Prompt = "You: "

// ExitCommand ends the loop, matched case-insensitively.
const ExitCommand = "exit"

// LoopConfig wires a Loop.
type LoopConfig struct {
	In          io.Reader
	Out         io.Writer
	Session     *Session
	DisplayName string
	Logger      *slog.Logger
	Events      *events.Bus
}

// Loop is the interactive read-reply cycle on a terminal.
type Loop struct {
	in      io.Reader
	out     io.Writer
	session *Session
	name    string
	logger  *slog.Logger
	events  *events.Bus
}

// NewLoop creates a Loop. DisplayName defaults to "Agent".
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = "Agent"
	}
	return &Loop{
		in:      cfg.In,
		out:     cfg.Out,
		session: cfg.Session,
		name:    cfg.DisplayName,
		logger:  cfg.Logger,
		events:  cfg.Events,
	}
}

// Run prompts until the user types exit, input ends, or ctx is
// cancelled. All three are a normal finish and return nil. Failed turns
// are logged and the loop carries on.
func (l *Loop) Run(ctx context.Context) error {
	reader := NewLineReader(l.in)
	defer reader.Close()

	for {
		if _, err := io.WriteString(l.out, Prompt); err != nil {
			return fmt.Errorf("write prompt: %w", err)
		}

		line, err := reader.ReadLine(ctx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			l.logger.Info("input closed, ending chat")
			return nil
		case ctx.Err() != nil:
			fmt.Fprintln(l.out)
			l.logger.Info("chat interrupted")
			return nil
		default:
			return fmt.Errorf("read input: %w", err)
		}

		text := strings.TrimRight(line, "\r\n")
		if strings.EqualFold(text, ExitCommand) {
			l.logger.Info("chat ended by user")
			return nil
		}

		l.events.Publish(events.Event{
			Source: events.SourceChat,
			Kind:   events.KindMessageReceived,
			Data:   map[string]any{"agent": l.name},
		})

		reply, err := l.session.Turn(ctx, text)
		if err != nil {
			if ctx.Err() != nil {
				fmt.Fprintln(l.out)
				l.logger.Info("chat interrupted")
				return nil
			}
			l.logTurnError(err)
			continue
		}

		l.events.Publish(events.Event{
			Source: events.SourceChat,
			Kind:   events.KindTurnComplete,
			Data:   map[string]any{"agent": l.name, "history": l.session.Len()},
		})
		fmt.Fprintf(l.out, "%s: %s\n", l.name, reply)
	}
}

func (l *Loop) logTurnError(err error) {
	attrs := []any{"agent", l.name, "error", err}
	var se *completion.StatusError
	if errors.As(err, &se) {
		attrs = append(attrs, "status", se.StatusCode, "body", se.Body)
	}
	l.logger.Error("chat turn failed", attrs...)
	l.events.Publish(events.Event{
		Source: events.SourceChat,
		Kind:   events.KindTurnFailed,
		Data:   map[string]any{"agent": l.name, "error": err.Error()},
	})
}
