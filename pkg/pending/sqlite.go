package pending

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-go-golems/glitchcube/pkg/store"
	"github.com/pkg/errors"
)

const sqlitePendingSchemaV1 = `
CREATE TABLE IF NOT EXISTS pending_results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    conversation_id TEXT NOT NULL DEFAULT '',
    call_id TEXT NOT NULL,
    tool TEXT NOT NULL,
    payload_json TEXT NOT NULL,
    processed INTEGER NOT NULL DEFAULT 0,
    stored_at_ms INTEGER NOT NULL,
    processed_at_ms INTEGER
);
CREATE INDEX IF NOT EXISTS pending_results_session_unprocessed
    ON pending_results (session_id, processed, id);
`

// SQLiteStore persists pending results. Processed rows are kept for
// inspection; only unprocessed rows are ever drained.
type SQLiteStore struct {
	mu     sync.Mutex
	db     *sql.DB
	ownsDB bool
	closed bool
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore uses an already opened database, which the caller closes.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if err := store.Migrate(db, sqlitePendingSchemaV1); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// OpenSQLiteStore opens path and owns the resulting connection.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := store.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

func (s *SQLiteStore) Append(ctx context.Context, r Result) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if r.StoredAt.IsZero() {
		r.StoredAt = time.Now()
	}
	payload, err := json.Marshal(r.Result)
	if err != nil {
		return errors.Wrap(err, "encode pending result")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pending_results (session_id, conversation_id, call_id, tool, payload_json, stored_at_ms)
VALUES (?, ?, ?, ?, ?, ?)`,
		r.SessionID, r.ConversationID, r.Result.CallID, r.Result.Tool, string(payload), r.StoredAt.UnixMilli(),
	)
	return errors.Wrap(err, "insert pending result")
}

func (s *SQLiteStore) Drain(ctx context.Context, sessionID string) ([]Result, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin drain")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, session_id, conversation_id, payload_json, stored_at_ms
FROM pending_results WHERE session_id = ? AND processed = 0 ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "select pending results")
	}
	var ret []Result
	var maxID int64
	for rows.Next() {
		var r Result
		var payload string
		var storedAt int64
		if err := rows.Scan(&r.ID, &r.SessionID, &r.ConversationID, &payload, &storedAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &r.Result); err != nil {
			_ = rows.Close()
			return nil, errors.Wrapf(err, "decode pending result %d", r.ID)
		}
		r.StoredAt = time.UnixMilli(storedAt)
		ret = append(ret, r)
		maxID = r.ID
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ret) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE pending_results SET processed = 1, processed_at_ms = ?
WHERE session_id = ? AND processed = 0 AND id <= ?`,
		time.Now().UnixMilli(), sessionID, maxID,
	); err != nil {
		return ret, errors.Wrap(ErrNotMarked, err.Error())
	}
	if err := tx.Commit(); err != nil {
		return ret, errors.Wrap(ErrNotMarked, err.Error())
	}
	return ret, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) ensureOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.db == nil {
		return errors.New("sqlite pending store db is nil")
	}
	return nil
}
