// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a PostgreSQL implementation of the [Store] interface.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS kv (
	bot TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (bot, key)
);
CREATE TABLE IF NOT EXISTS sessions (
	bot TEXT NOT NULL,
	chat_id BIGINT NOT NULL,
	user_id BIGINT NOT NULL,
	state TEXT NOT NULL,
	live_msg_id BIGINT NOT NULL,
	variant TEXT NOT NULL,
	updated TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (bot, chat_id)
);
CREATE TABLE IF NOT EXISTS callbacks (
	bot TEXT NOT NULL,
	token TEXT NOT NULL,
	route TEXT NOT NULL,
	created TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (bot, token)
);
CREATE TABLE IF NOT EXISTS fired (
	bot TEXT NOT NULL,
	notification INTEGER NOT NULL,
	period TEXT NOT NULL,
	PRIMARY KEY (bot, notification, period)
);
`

// NewPostgresStore creates a new PostgresStore and connects to the database.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Get retrieves the value for a key.
func (s *PostgresStore) Get(ctx context.Context, bot, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `
		SELECT value FROM kv WHERE bot = $1 AND key = $2;
	`, bot, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}

// Set stores the value for a key.
func (s *PostgresStore) Set(ctx context.Context, bot, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO kv (bot, key, value) VALUES ($1, $2, $3)
		ON CONFLICT (bot, key) DO UPDATE SET value = $3;
	`, bot, key, value)
	return err
}

// Session retrieves the session for a chat.
func (s *PostgresStore) Session(ctx context.Context, bot string, chatID int64) (*Session, error) {
	sess := &Session{Bot: bot, ChatID: chatID}
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, state, live_msg_id, variant, updated
		FROM sessions WHERE bot = $1 AND chat_id = $2;
	`, bot, chatID).Scan(&sess.UserID, &sess.State, &sess.LiveMsgID, &sess.Variant, &sess.Updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// SaveSession stores a session.
func (s *PostgresStore) SaveSession(ctx context.Context, sess *Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (bot, chat_id, user_id, state, live_msg_id, variant, updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (bot, chat_id) DO UPDATE SET
			user_id = $3,
			state = $4,
			live_msg_id = $5,
			variant = $6,
			updated = $7;
	`, sess.Bot, sess.ChatID, sess.UserID, sess.State, sess.LiveMsgID, sess.Variant, time.Now())
	return err
}

// Sessions lists all sessions known to a bot.
func (s *PostgresStore) Sessions(ctx context.Context, bot string) ([]*Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT chat_id, user_id, state, live_msg_id, variant, updated
		FROM sessions WHERE bot = $1;
	`, bot)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess := &Session{Bot: bot}
		if err := rows.Scan(&sess.ChatID, &sess.UserID, &sess.State, &sess.LiveMsgID, &sess.Variant, &sess.Updated); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Callback resolves a callback token to its route.
func (s *PostgresStore) Callback(ctx context.Context, bot, token string) (string, error) {
	var route string
	err := s.pool.QueryRow(ctx, `
		SELECT route FROM callbacks WHERE bot = $1 AND token = $2;
	`, bot, token).Scan(&route)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return route, err
}

// SaveCallback stores a callback token.
func (s *PostgresStore) SaveCallback(ctx context.Context, bot, token, route string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO callbacks (bot, token, route, created) VALUES ($1, $2, $3, $4)
		ON CONFLICT (bot, token) DO UPDATE SET route = $3;
	`, bot, token, route, time.Now())
	return err
}

// MarkFired records a notification firing. The insert succeeds for exactly
// one caller per (bot, notification, period).
func (s *PostgresStore) MarkFired(ctx context.Context, bot string, notification int, period string) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		INSERT INTO fired (bot, notification, period) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING;
	`, bot, notification, period)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
