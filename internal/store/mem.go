// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package store

import (
	"context"
	"strconv"
	"sync"
)

// MemStore is an in-memory implementation of the Store interface,
// used in tests and for running without a database.
type MemStore struct {
	mu        sync.Mutex
	kv        map[memKey]string
	sessions  map[memKey]Session
	callbacks map[memKey]string
	fired     map[memKey]bool
}

type memKey struct {
	bot string
	key string
}

// NewMemStore creates a new empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		kv:        make(map[memKey]string),
		sessions:  make(map[memKey]Session),
		callbacks: make(map[memKey]string),
		fired:     make(map[memKey]bool),
	}
}

// Get retrieves the value for a key.
func (s *MemStore) Get(_ context.Context, bot, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.kv[memKey{bot, key}]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// Set stores the value for a key.
func (s *MemStore) Set(_ context.Context, bot, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[memKey{bot, key}] = value
	return nil
}

// Session retrieves the session for a chat.
func (s *MemStore) Session(_ context.Context, bot string, chatID int64) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[memKey{bot, chatKey(chatID)}]
	if !ok {
		return nil, ErrNotFound
	}
	return &sess, nil
}

// SaveSession stores a session.
func (s *MemStore) SaveSession(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[memKey{sess.Bot, chatKey(sess.ChatID)}] = *sess
	return nil
}

// Sessions lists all sessions known to a bot.
func (s *MemStore) Sessions(_ context.Context, bot string) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sessions []*Session
	for k, sess := range s.sessions {
		if k.bot != bot {
			continue
		}
		sess := sess
		sessions = append(sessions, &sess)
	}
	return sessions, nil
}

// Callback resolves a callback token to its route.
func (s *MemStore) Callback(_ context.Context, bot, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	route, ok := s.callbacks[memKey{bot, token}]
	if !ok {
		return "", ErrNotFound
	}
	return route, nil
}

// SaveCallback stores a callback token.
func (s *MemStore) SaveCallback(_ context.Context, bot, token, route string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks[memKey{bot, token}] = route
	return nil
}

// MarkFired records a notification firing, reporting true exactly once per
// (bot, notification, period).
func (s *MemStore) MarkFired(_ context.Context, bot string, notification int, period string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memKey{bot, firedKey(notification, period)}
	if s.fired[k] {
		return false, nil
	}
	s.fired[k] = true
	return true, nil
}

// Close is a no-op for MemStore.
func (s *MemStore) Close() error { return nil }

func chatKey(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}

func firedKey(notification int, period string) string {
	return strconv.Itoa(notification) + "@" + period
}
