package pending

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps pending results in process memory. Results do not survive
// a restart.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string][]Result
	nextID   int64
	closed   bool
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[string][]Result{}}
}

func (m *MemoryStore) Append(_ context.Context, r Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.nextID++
	r.ID = m.nextID
	if r.StoredAt.IsZero() {
		r.StoredAt = time.Now()
	}
	m.sessions[r.SessionID] = append(m.sessions[r.SessionID], r)
	return nil
}

func (m *MemoryStore) Drain(_ context.Context, sessionID string) ([]Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	ret := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	return ret, nil
}

// Len reports the number of unprocessed results for a session.
func (m *MemoryStore) Len(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions[sessionID])
}

func (m *MemoryStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
