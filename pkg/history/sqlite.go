package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id            TEXT PRIMARY KEY,
	messages_json TEXT NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);`

// sqliteStore implements Store on a local sqlite database, one row per
// conversation with the transcript serialized as JSON.
type sqliteStore struct {
	db *sql.DB
}

func newSQLiteStore(path string) (*sqliteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite database")
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create conversations table")
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Save(ctx context.Context, convID string, msgs []Message) error {
	val, err := json.Marshal(msgs)
	if err != nil {
		return errors.Wrap(err, "marshal transcript")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, messages_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET messages_json = excluded.messages_json, updated_at = excluded.updated_at`,
		convID, string(val), time.Now().UTC(),
	)
	return errors.Wrap(err, "save transcript")
}

func (s *sqliteStore) Load(ctx context.Context, convID string) ([]Message, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT messages_json FROM conversations WHERE id = ?`, convID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return []Message{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load transcript")
	}

	var msgs []Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return nil, errors.Wrap(err, "decode transcript")
	}
	return msgs, nil
}

func (s *sqliteStore) Delete(ctx context.Context, convID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, convID)
	return errors.Wrap(err, "delete transcript")
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*sqliteStore)(nil)
