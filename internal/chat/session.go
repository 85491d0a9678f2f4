// Package chat holds the terminal conversation: a Session that owns the
// message history sent to the completion endpoint, and a Loop that reads
// user lines and prints replies.
package chat

import (
	"context"
	"sync"

	"github.com/nugget/troupe/internal/completion"
)

// Session is one conversation with a single system prompt. History
// always starts with that prompt once the session has begun.
type Session struct {
	completer    completion.Completer
	systemPrompt string

	mu      sync.Mutex
	begun   bool
	history []completion.Message
}

// NewSession returns a session that has not begun yet.
func NewSession(c completion.Completer, systemPrompt string) *Session {
	return &Session{completer: c, systemPrompt: systemPrompt}
}

// Begin clears history and inserts the system prompt. Only the first
// call in a session has any effect; it reports whether it did.
func (s *Session) Begin(systemPrompt string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.beginLocked(systemPrompt)
}

func (s *Session) beginLocked(systemPrompt string) bool {
	if s.begun {
		return false
	}
	s.begun = true
	s.history = []completion.Message{{Role: completion.RoleSystem, Content: systemPrompt}}
	return true
}

// Turn sends userText with the full history and returns the reply. On
// failure the user message stays in history and is resent next turn.
func (s *Session) Turn(ctx context.Context, userText string) (string, error) {
	s.mu.Lock()
	s.beginLocked(s.systemPrompt)
	s.history = append(s.history, completion.Message{Role: completion.RoleUser, Content: userText})
	snapshot := make([]completion.Message, len(s.history))
	copy(snapshot, s.history)
	s.mu.Unlock()

	reply, err := s.completer.Complete(ctx, snapshot)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.history = append(s.history, completion.Message{Role: completion.RoleAssistant, Content: reply})
	s.mu.Unlock()
	return reply, nil
}

// History returns a copy of the conversation so far.
func (s *Session) History() []completion.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]completion.Message, len(s.history))
	copy(out, s.history)
	return out
}

// Len returns the number of messages in history.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}
