package conversation

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-go-golems/glitchcube/pkg/store"
	"github.com/pkg/errors"
)

const sqliteConversationSchemaV1 = `
CREATE TABLE IF NOT EXISTS conversation_messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS conversation_messages_session
    ON conversation_messages (session_id, id);
`

type SQLiteStore struct {
	db     *sql.DB
	ownsDB bool
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore uses an already opened database, which the caller closes.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if err := store.Migrate(db, sqliteConversationSchemaV1); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

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

func (s *SQLiteStore) Recent(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, role, content, created_at_ms FROM (
    SELECT id, session_id, role, content, created_at_ms FROM conversation_messages
    WHERE session_id = ? ORDER BY id DESC LIMIT ?
) ORDER BY id ASC`, sessionID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select conversation messages")
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []Message
	for rows.Next() {
		var m Message
		var role string
		var createdAt int64
		if err := rows.Scan(&m.SessionID, &role, &m.Content, &createdAt); err != nil {
			return nil, err
		}
		m.Role = Role(role)
		m.CreatedAt = time.UnixMilli(createdAt)
		ret = append(ret, m)
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) Append(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin append")
	}
	defer func() {
		_ = tx.Rollback()
	}()
	for _, m := range msgs {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_messages (session_id, role, content, created_at_ms) VALUES (?, ?, ?, ?)`,
			m.SessionID, string(m.Role), m.Content, m.CreatedAt.UnixMilli(),
		); err != nil {
			return errors.Wrap(err, "insert conversation message")
		}
	}
	return errors.Wrap(tx.Commit(), "commit conversation messages")
}

func (s *SQLiteStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
