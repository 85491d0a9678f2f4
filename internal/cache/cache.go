// Package cache is the per-character cache manager. Values are JSON
// encoded and stored through the character's database adapter, so
// entries survive restarts and are isolated by agent id.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/troupe/internal/database"
)

// Store is the subset of the database adapter the cache needs.
type Store interface {
	GetCache(ctx context.Context, agentID uuid.UUID, key string) (string, error)
	SetCache(ctx context.Context, agentID uuid.UUID, key, value string, expiresAt time.Time) error
	DeleteCache(ctx context.Context, agentID uuid.UUID, key string) error
	PurgeExpiredCache(ctx context.Context, agentID uuid.UUID) (int64, error)
}

// Manager caches values for one character.
type Manager struct {
	store   Store
	agentID uuid.UUID
	now     func() time.Time
}

// New creates a Manager scoped to agentID.
func New(store Store, agentID uuid.UUID) *Manager {
	return &Manager{store: store, agentID: agentID, now: time.Now}
}

// AgentID returns the owning character's id.
func (m *Manager) AgentID() uuid.UUID { return m.agentID }

// Get decodes the value at key into dst. It reports false for missing
// or expired entries.
func (m *Manager) Get(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := m.store.GetCache(ctx, m.agentID, key)
	if errors.Is(err, database.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("decode cache %s: %w", key, err)
	}
	return true, nil
}

// Set stores v at key. A ttl of zero never expires.
func (m *Manager) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cache %s: %w", key, err)
	}
	var expires time.Time
	if ttl > 0 {
		expires = m.now().Add(ttl)
	}
	return m.store.SetCache(ctx, m.agentID, key, string(raw), expires)
}

// Delete removes key.
func (m *Manager) Delete(ctx context.Context, key string) error {
	return m.store.DeleteCache(ctx, m.agentID, key)
}

// Purge drops expired entries and returns how many went.
func (m *Manager) Purge(ctx context.Context) (int64, error) {
	return m.store.PurgeExpiredCache(ctx, m.agentID)
}
