// Package store holds the SQLite plumbing shared by the durable stores.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// DSNForFile returns a go-sqlite3 DSN with WAL journaling and a busy timeout,
// so the async workers and the turn handlers can share one file. Transactions
// take the write lock up front so read-then-mark sequences cannot interleave.
func DSNForFile(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("sqlite store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path), nil
}

// OpenSQLite opens and pings the database at path.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn, err := DSNForFile(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite %s", path)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "ping sqlite %s", path)
	}
	return db, nil
}

// Migrate runs each schema statement in order.
func Migrate(db *sql.DB, schema ...string) error {
	if db == nil {
		return fmt.Errorf("sqlite store: db is nil")
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		return err
	}
	for _, s := range schema {
		if _, err := db.Exec(s); err != nil {
			return errors.Wrap(err, "migrate sqlite schema")
		}
	}
	return nil
}
