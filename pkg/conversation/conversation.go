// Package conversation stores the per-session message history used to build
// prompts.
package conversation

import (
	"context"
	"sync"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleTool records a one-line summary of tool activity in a turn.
	RoleTool Role = "tool"
)

type Message struct {
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type Store interface {
	// Recent returns at most limit messages, oldest first.
	Recent(ctx context.Context, sessionID string, limit int) ([]Message, error)
	Append(ctx context.Context, msgs ...Message) error
	Close() error
}

// MemoryStore keeps the last maxPerSession messages of each session.
type MemoryStore struct {
	mu            sync.RWMutex
	sessions      map[string][]Message
	maxPerSession int
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(maxPerSession int) *MemoryStore {
	if maxPerSession <= 0 {
		maxPerSession = 200
	}
	return &MemoryStore{sessions: map[string][]Message{}, maxPerSession: maxPerSession}
}

func (m *MemoryStore) Recent(_ context.Context, sessionID string, limit int) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.sessions[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]Message(nil), msgs...), nil
}

func (m *MemoryStore) Append(_ context.Context, msgs ...Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now()
		}
		list := append(m.sessions[msg.SessionID], msg)
		if len(list) > m.maxPerSession {
			list = list[len(list)-m.maxPerSession:]
		}
		m.sessions[msg.SessionID] = list
	}
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
