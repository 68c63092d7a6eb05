// Package pending is the per-session side channel carrying background tool
// results to the next turn of the same session.
//
// Writers append in completion order. A turn drains the session, which reads
// every unprocessed result and marks it processed in one atomic step, so a
// result reaches exactly one prompt. When marking fails the read results are
// still returned together with ErrNotMarked: they stay unprocessed and will be
// delivered again on the following turn rather than be lost.
package pending

import (
	"context"
	"time"

	"github.com/go-go-golems/glitchcube/pkg/tools"
	"github.com/pkg/errors"
)

var (
	ErrNotMarked = errors.New("pending results read but not marked processed")
	ErrClosed    = errors.New("pending store closed")
)

// Result is one background tool outcome waiting for a session's next turn.
type Result struct {
	ID             int64            `json:"id"`
	SessionID      string           `json:"session_id"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Result         tools.ToolResult `json:"result"`
	StoredAt       time.Time        `json:"stored_at"`
}

// Store is the side channel. Implementations must make Drain atomic per session.
type Store interface {
	Append(ctx context.Context, r Result) error
	Drain(ctx context.Context, sessionID string) ([]Result, error)
	Ping(ctx context.Context) error
	Close() error
}
