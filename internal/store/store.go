// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package store persists bot state: chat sessions, script key-value data,
// callback button tokens and notification fire markers. Every record is
// scoped to a bot, so bots sharing a store never see each other's data.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// KV is the key-value surface exposed to bot scripts.
type KV interface {
	// Get retrieves the value for a key, or ErrNotFound.
	Get(ctx context.Context, bot, key string) (string, error)
	// Set stores the value for a key.
	Set(ctx context.Context, bot, key, value string) error
}

// Store is the persistence interface used by the dialog engine and the
// notification scheduler.
type Store interface {
	KV

	// Session retrieves the session for a chat, or ErrNotFound.
	Session(ctx context.Context, bot string, chatID int64) (*Session, error)
	// SaveSession stores a session, overwriting any existing one.
	SaveSession(ctx context.Context, s *Session) error
	// Sessions lists all sessions known to a bot.
	Sessions(ctx context.Context, bot string) ([]*Session, error)

	// Callback resolves a callback token to the route it was minted for,
	// or ErrNotFound.
	Callback(ctx context.Context, bot, token string) (string, error)
	// SaveCallback stores a callback token.
	SaveCallback(ctx context.Context, bot, token, route string) error

	// MarkFired records that a notification fired for a period. It reports
	// true exactly once per (bot, notification, period), atomically, so
	// concurrent sweeps cannot double-fire.
	MarkFired(ctx context.Context, bot string, notification int, period string) (bool, error)

	// Close closes the store and releases any resources.
	Close() error
}

// Session is the per-chat conversation state of a single bot.
type Session struct {
	Bot    string `json:"bot"`
	ChatID int64  `json:"chat_id"`
	UserID int64  `json:"user_id"`
	// State is the dialog state name, "start" for fresh sessions.
	State string `json:"state"`
	// LiveMsgID is the message that replace-mode responses edit in place.
	// Zero means no live message yet.
	LiveMsgID int64 `json:"live_msg_id"`
	// Variant selects command overrides and literal translations.
	Variant string    `json:"variant,omitempty"`
	Updated time.Time `json:"updated"`
}
