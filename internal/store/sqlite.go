// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of the [Store] interface.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	bot TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (bot, key)
);
CREATE TABLE IF NOT EXISTS sessions (
	bot TEXT NOT NULL,
	chat_id INTEGER NOT NULL,
	user_id INTEGER NOT NULL,
	state TEXT NOT NULL,
	live_msg_id INTEGER NOT NULL,
	variant TEXT NOT NULL,
	updated INTEGER NOT NULL,
	PRIMARY KEY (bot, chat_id)
);
CREATE TABLE IF NOT EXISTS callbacks (
	bot TEXT NOT NULL,
	token TEXT NOT NULL,
	route TEXT NOT NULL,
	created INTEGER NOT NULL,
	PRIMARY KEY (bot, token)
);
CREATE TABLE IF NOT EXISTS fired (
	bot TEXT NOT NULL,
	notification INTEGER NOT NULL,
	period TEXT NOT NULL,
	PRIMARY KEY (bot, notification, period)
);
`

// NewSQLiteStore creates a new [SQLiteStore] and connects to the database.
func NewSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, err
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

// Get retrieves the value for a key.
func (s *SQLiteStore) Get(ctx context.Context, bot, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM kv WHERE bot = ? AND key = ?;
	`, bot, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}

// Set stores the value for a key.
func (s *SQLiteStore) Set(ctx context.Context, bot, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (bot, key, value) VALUES (?, ?, ?)
		ON CONFLICT (bot, key) DO UPDATE SET value = excluded.value;
	`, bot, key, value)
	return err
}

// Session retrieves the session for a chat.
func (s *SQLiteStore) Session(ctx context.Context, bot string, chatID int64) (*Session, error) {
	sess := &Session{Bot: bot, ChatID: chatID}
	var updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, state, live_msg_id, variant, updated
		FROM sessions WHERE bot = ? AND chat_id = ?;
	`, bot, chatID).Scan(&sess.UserID, &sess.State, &sess.LiveMsgID, &sess.Variant, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.Updated = time.Unix(updated, 0)
	return sess, nil
}

// SaveSession stores a session.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (bot, chat_id, user_id, state, live_msg_id, variant, updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (bot, chat_id) DO UPDATE SET
			user_id = excluded.user_id,
			state = excluded.state,
			live_msg_id = excluded.live_msg_id,
			variant = excluded.variant,
			updated = excluded.updated;
	`, sess.Bot, sess.ChatID, sess.UserID, sess.State, sess.LiveMsgID, sess.Variant, time.Now().Unix())
	return err
}

// Sessions lists all sessions known to a bot.
func (s *SQLiteStore) Sessions(ctx context.Context, bot string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, user_id, state, live_msg_id, variant, updated
		FROM sessions WHERE bot = ?;
	`, bot)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess := &Session{Bot: bot}
		var updated int64
		if err := rows.Scan(&sess.ChatID, &sess.UserID, &sess.State, &sess.LiveMsgID, &sess.Variant, &updated); err != nil {
			return nil, err
		}
		sess.Updated = time.Unix(updated, 0)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Callback resolves a callback token to its route.
func (s *SQLiteStore) Callback(ctx context.Context, bot, token string) (string, error) {
	var route string
	err := s.db.QueryRowContext(ctx, `
		SELECT route FROM callbacks WHERE bot = ? AND token = ?;
	`, bot, token).Scan(&route)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return route, err
}

// SaveCallback stores a callback token.
func (s *SQLiteStore) SaveCallback(ctx context.Context, bot, token, route string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO callbacks (bot, token, route, created) VALUES (?, ?, ?, ?)
		ON CONFLICT (bot, token) DO UPDATE SET route = excluded.route;
	`, bot, token, route, time.Now().Unix())
	return err
}

// MarkFired records a notification firing. The primary key makes the
// insert succeed for exactly one caller per (bot, notification, period).
func (s *SQLiteStore) MarkFired(ctx context.Context, bot string, notification int, period string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO fired (bot, notification, period) VALUES (?, ?, ?);
	`, bot, notification, period)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
