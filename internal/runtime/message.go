package runtime

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/nugget/troupe/internal/completion"
	"github.com/nugget/troupe/internal/database"
	"github.com/nugget/troupe/internal/events"
	"github.com/nugget/troupe/internal/plugin"
)

// Response is the runtime's answer to one message. Messages is empty
// when the chosen action suppressed the reply.
type Response struct {
	Messages []string `json:"messages"`
	Action   string   `json:"action"`
}

var actionTag = regexp.MustCompile(`(?s)^(.*?)\s*\[ACTION:\s*([A-Za-z_]+)\s*\]\s*$`)

// splitAction separates a trailing [ACTION: NAME] tag from reply text.
func splitAction(reply string) (text, action string) {
	m := actionTag.FindStringSubmatch(reply)
	if m == nil {
		return strings.TrimSpace(reply), ""
	}
	return strings.TrimSpace(m[1]), strings.ToUpper(m[2])
}

// ProcessMessage answers msg in its room. Both sides of the exchange
// are stored as memories.
func (r *Runtime) ProcessMessage(ctx context.Context, msg plugin.Message) (*Response, error) {
	r.mu.RLock()
	ready := r.initialized
	providers := r.providers
	actions := r.actions
	r.mu.RUnlock()
	if !ready {
		return nil, ErrNotInitialized
	}
	if r.completer == nil {
		return nil, fmt.Errorf("agent %s has no completion client", r.character.Name)
	}
	if msg.RoomID == "" {
		msg.RoomID = r.id.String()
	}
	if msg.UserID == "" {
		msg.UserID = "user"
	}

	r.events.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindMessageReceived,
		Data:   map[string]any{"agent": r.character.Name, "room_id": msg.RoomID},
	})

	history, err := r.recent(ctx, msg.RoomID)
	if err != nil {
		return nil, err
	}
	if err := r.remember(ctx, msg, completion.RoleUser, msg.Text); err != nil {
		return nil, err
	}

	env := r.env()
	messages := make([]completion.Message, 0, len(history)+2)
	messages = append(messages, completion.Message{
		Role:    completion.RoleSystem,
		Content: r.systemPrompt(ctx, env, msg, providers, actions),
	})
	messages = append(messages, history...)
	messages = append(messages, completion.Message{Role: completion.RoleUser, Content: msg.Text})

	raw, err := r.completer.Complete(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("complete: %w", err)
	}
	text, actionName := splitAction(raw)

	outcome := plugin.Reply
	if actionName == "" {
		actionName = plugin.ActionNone
	}
	if a, ok := actions[actionName]; ok {
		outcome, err = a.Handle(ctx, env, msg)
		if err != nil {
			r.logger.Warn("action failed", "action", actionName, "error", err)
			outcome = plugin.Reply
		}
	} else {
		r.logger.Debug("model chose unknown action", "action", actionName)
	}

	resp := &Response{Action: actionName}
	switch outcome {
	case plugin.Suppress:
		r.logger.Debug("reply suppressed", "room_id", msg.RoomID)
	case plugin.Continue:
		resp.Messages = append(resp.Messages, text)
		messages = append(messages, completion.Message{Role: completion.RoleAssistant, Content: text})
		more, err := r.completer.Complete(ctx, messages)
		if err != nil {
			r.logger.Warn("continue failed", "error", err)
			break
		}
		if follow, _ := splitAction(more); follow != "" {
			resp.Messages = append(resp.Messages, follow)
		}
	default:
		if text != "" {
			resp.Messages = append(resp.Messages, text)
		}
	}

	for _, m := range resp.Messages {
		if err := r.remember(ctx, msg, completion.RoleAssistant, m); err != nil {
			return nil, err
		}
	}

	r.events.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindMessageReplied,
		Data: map[string]any{
			"agent":    r.character.Name,
			"room_id":  msg.RoomID,
			"action":   actionName,
			"messages": len(resp.Messages),
		},
	})
	return resp, nil
}

func (r *Runtime) recent(ctx context.Context, roomID string) ([]completion.Message, error) {
	if r.db == nil {
		return nil, nil
	}
	mems, err := r.db.RecentMemories(ctx, r.id, roomID, r.window)
	if err != nil {
		return nil, err
	}
	out := make([]completion.Message, 0, len(mems))
	for _, m := range mems {
		out = append(out, completion.Message{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

func (r *Runtime) remember(ctx context.Context, msg plugin.Message, role, text string) error {
	if r.db == nil {
		return nil
	}
	user := msg.UserID
	if role == completion.RoleAssistant {
		user = r.id.String()
	}
	_, err := r.db.CreateMemory(ctx, database.Memory{
		AgentID: r.id,
		RoomID:  msg.RoomID,
		UserID:  user,
		Role:    role,
		Content: text,
	})
	return err
}

func (r *Runtime) systemPrompt(ctx context.Context, env plugin.Env, msg plugin.Message, providers []plugin.Provider, actions map[string]plugin.Action) string {
	var b strings.Builder
	b.WriteString(r.character.SystemPrompt())
	if len(r.character.Lore) > 0 {
		b.WriteString("\n\nBackground: ")
		b.WriteString(strings.Join(r.character.Lore, " "))
	}
	if extra := plugin.Context(ctx, env, msg, providers); extra != "" {
		b.WriteString("\n\n")
		b.WriteString(extra)
	}
	if len(actions) > 0 {
		names := make([]string, 0, len(actions))
		for n := range actions {
			names = append(names, n)
		}
		sort.Strings(names)
		b.WriteString("\n\nAvailable actions:")
		for _, n := range names {
			fmt.Fprintf(&b, "\n- %s: %s", n, actions[n].Description())
		}
		b.WriteString("\nTo use an action other than NONE, end your reply with [ACTION: NAME].")
	}
	return b.String()
}
