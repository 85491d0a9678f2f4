package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// timeFormat is fixed width so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Agent is the stored registration of a character.
type Agent struct {
	ID        uuid.UUID
	Name      string
	Username  string
	Character string // JSON
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Memory is one stored message in a room.
type Memory struct {
	ID        uuid.UUID
	AgentID   uuid.UUID
	RoomID    string
	UserID    string
	Role      string
	Content   string
	CreatedAt time.Time
}

// UpsertAgent records an agent, keeping the original created_at.
func (d *DB) UpsertAgent(ctx context.Context, a Agent) error {
	db, err := d.conn()
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(timeFormat)
	_, err = db.ExecContext(ctx,
		`INSERT INTO agents (id, name, username, character, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE
		 SET name = excluded.name, username = excluded.username,
		     character = excluded.character, updated_at = excluded.updated_at`,
		a.ID.String(), a.Name, a.Username, a.Character, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", a.Name, err)
	}
	return nil
}

// GetAgent returns one agent by id.
func (d *DB) GetAgent(ctx context.Context, id uuid.UUID) (*Agent, error) {
	db, err := d.conn()
	if err != nil {
		return nil, err
	}
	var (
		a                Agent
		idStr            string
		created, updated string
	)
	err = db.QueryRowContext(ctx,
		`SELECT id, name, username, character, created_at, updated_at FROM agents WHERE id = ?`,
		id.String(),
	).Scan(&idStr, &a.Name, &a.Username, &a.Character, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	a.ID, _ = uuid.Parse(idStr)
	a.CreatedAt, _ = time.Parse(timeFormat, created)
	a.UpdatedAt, _ = time.Parse(timeFormat, updated)
	return &a, nil
}

// CreateMemory stores a memory. A nil ID gets a fresh time-ordered id and
// a zero CreatedAt gets the current time.
func (d *DB) CreateMemory(ctx context.Context, m Memory) (Memory, error) {
	db, err := d.conn()
	if err != nil {
		return Memory{}, err
	}
	if m.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return Memory{}, fmt.Errorf("generate memory id: %w", err)
		}
		m.ID = id
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO memories (id, agent_id, room_id, user_id, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID.String(), m.AgentID.String(), m.RoomID, m.UserID, m.Role, m.Content,
		m.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return Memory{}, fmt.Errorf("create memory: %w", err)
	}
	return m, nil
}

// RecentMemories returns up to limit of the newest memories in a room,
// oldest first.
func (d *DB) RecentMemories(ctx context.Context, agentID uuid.UUID, roomID string, limit int) ([]Memory, error) {
	db, err := d.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id, user_id, role, content, created_at FROM memories
		 WHERE agent_id = ? AND room_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		agentID.String(), roomID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent memories %s: %w", roomID, err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		var (
			m            Memory
			idStr, stamp string
		)
		if err := rows.Scan(&idStr, &m.UserID, &m.Role, &m.Content, &stamp); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		m.ID, _ = uuid.Parse(idStr)
		m.AgentID = agentID
		m.RoomID = roomID
		m.CreatedAt, _ = time.Parse(timeFormat, stamp)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CountMemories returns how many memories an agent has stored.
func (d *DB) CountMemories(ctx context.Context, agentID uuid.UUID) (int, error) {
	db, err := d.conn()
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE agent_id = ?`, agentID.String(),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}

// GetCache returns a cache value. Missing and expired entries return
// ErrNotFound.
func (d *DB) GetCache(ctx context.Context, agentID uuid.UUID, key string) (string, error) {
	db, err := d.conn()
	if err != nil {
		return "", err
	}
	var (
		value   string
		expires sql.NullString
	)
	err = db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM cache WHERE agent_id = ? AND key = ?`,
		agentID.String(), key,
	).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("get cache %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get cache %s: %w", key, err)
	}
	if expires.Valid {
		if t, perr := time.Parse(timeFormat, expires.String); perr == nil && !time.Now().Before(t) {
			return "", fmt.Errorf("get cache %s: %w", key, ErrNotFound)
		}
	}
	return value, nil
}

// SetCache upserts a cache value. A zero expiresAt never expires.
func (d *DB) SetCache(ctx context.Context, agentID uuid.UUID, key, value string, expiresAt time.Time) error {
	db, err := d.conn()
	if err != nil {
		return err
	}
	var expires sql.NullString
	if !expiresAt.IsZero() {
		expires = sql.NullString{String: expiresAt.UTC().Format(timeFormat), Valid: true}
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO cache (agent_id, key, value, expires_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (agent_id, key) DO UPDATE
		 SET value = excluded.value, expires_at = excluded.expires_at,
		     updated_at = excluded.updated_at`,
		agentID.String(), key, value, expires, time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("set cache %s: %w", key, err)
	}
	return nil
}

// DeleteCache removes a cache entry. Missing keys are not an error.
func (d *DB) DeleteCache(ctx context.Context, agentID uuid.UUID, key string) error {
	db, err := d.conn()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx,
		`DELETE FROM cache WHERE agent_id = ? AND key = ?`, agentID.String(), key,
	); err != nil {
		return fmt.Errorf("delete cache %s: %w", key, err)
	}
	return nil
}

// PurgeExpiredCache deletes expired entries for an agent and returns how
// many were removed.
func (d *DB) PurgeExpiredCache(ctx context.Context, agentID uuid.UUID) (int64, error) {
	db, err := d.conn()
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx,
		`DELETE FROM cache WHERE agent_id = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		agentID.String(), time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return 0, fmt.Errorf("purge cache: %w", err)
	}
	return res.RowsAffected()
}
