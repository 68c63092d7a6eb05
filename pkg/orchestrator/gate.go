package orchestrator

import (
	"context"
	"sync"
)

// SessionGate serialises turns of the same session in arrival order. Turns of
// different sessions never wait on each other.
type SessionGate struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

type lane struct {
	tail    chan struct{}
	holders int
}

func NewSessionGate() *SessionGate {
	return &SessionGate{lanes: map[string]*lane{}}
}

// Acquire waits until every earlier turn of key has released. On ctx expiry
// it returns ctx's error; the caller's place in line is then released as soon
// as its predecessor finishes, so later turns keep their order.
func (g *SessionGate) Acquire(ctx context.Context, key string) (func(), error) {
	g.mu.Lock()
	l, ok := g.lanes[key]
	if !ok {
		l = &lane{}
		g.lanes[key] = l
	}
	prev := l.tail
	mine := make(chan struct{})
	l.tail = mine
	l.holders++
	g.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(mine)
			g.mu.Lock()
			l.holders--
			if l.holders == 0 {
				delete(g.lanes, key)
			}
			g.mu.Unlock()
		})
	}

	if prev == nil {
		return release, nil
	}
	select {
	case <-prev:
		return release, nil
	case <-ctx.Done():
		go func() {
			<-prev
			release()
		}()
		return nil, ctx.Err()
	}
}

// Sessions is the number of sessions with a turn in flight or waiting.
func (g *SessionGate) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.lanes)
}
