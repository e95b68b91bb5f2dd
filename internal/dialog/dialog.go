// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package dialog routes chat events through a bot's manifest: it resolves
// commands, callback buttons and stateful message handlers to dialog
// nodes, invokes their script handlers and renders the response.
package dialog

import (
	"context"
	"encoding/json"
	"errors"

	"go.astrophena.name/botfarm/internal/manifest"
	"go.astrophena.name/botfarm/internal/sandbox"
	"go.astrophena.name/botfarm/internal/store"
)

// Transport delivers rendered responses to a chat surface.
type Transport interface {
	// Send posts a new message layout and returns its message ID.
	Send(ctx context.Context, chatID int64, text string, keyboard [][]Button) (int64, error)
	// Edit replaces the text and keyboard of an existing message.
	Edit(ctx context.Context, chatID, messageID int64, text string, keyboard [][]Button) error
}

// Button is a rendered inline button. Data is an opaque token the engine
// later resolves back to a route.
type Button struct {
	Text string
	Data string
}

// Bot bundles everything the engine needs to serve one bot.
type Bot struct {
	ID        string
	Manifest  *manifest.Manifest
	Sandbox   *sandbox.Sandbox
	Transport Transport
}

// EventKind says how an incoming update should be routed.
type EventKind int

const (
	// EventCommand is a slash command.
	EventCommand EventKind = iota
	// EventCallback is an inline button press.
	EventCallback
	// EventMessage is a plain text message, routed by session state.
	EventMessage
)

// Event is a single incoming chat update, already stripped of transport
// details.
type Event struct {
	Bot    string
	ChatID int64
	UserID int64
	Kind   EventKind

	// Command is the command name without the leading slash.
	Command string
	// Variant is the command's argument, selecting a variant override of
	// the command's node. Empty means the session's current variant.
	Variant string
	// Callback is the raw callback data of a button press.
	Callback string
	// Text is the message text.
	Text string

	Username  string
	FirstName string
	LastName  string
}

// Localizer resolves message literals to display text.
type Localizer interface {
	// Literal returns the text for a literal name.
	Literal(ctx context.Context, bot, name string) (string, error)
	// Variant returns the text for a literal in a variant, falling back
	// to the base literal.
	Variant(ctx context.Context, bot, name, variant string) (string, error)
}

// MissingLiteral is shown when a literal has no stored content yet.
const MissingLiteral = "Please, set content of this message"

// KVLocalizer resolves literals from the bot's key-value store under
// "literal/<name>" and "literal/<name>/<variant>" keys, so scripts can
// manage message content through db.set.
type KVLocalizer struct {
	KV store.KV
}

// Literal implements Localizer.
func (l KVLocalizer) Literal(ctx context.Context, bot, name string) (string, error) {
	return l.lookup(ctx, bot, "literal/"+name, MissingLiteral)
}

// Variant implements Localizer.
func (l KVLocalizer) Variant(ctx context.Context, bot, name, variant string) (string, error) {
	if variant == "" {
		return l.Literal(ctx, bot, name)
	}
	base, err := l.Literal(ctx, bot, name)
	if err != nil {
		return "", err
	}
	return l.lookup(ctx, bot, "literal/"+name+"/"+variant, base)
}

func (l KVLocalizer) lookup(ctx context.Context, bot, key, fallback string) (string, error) {
	raw, err := l.KV.Get(ctx, bot, key)
	if errors.Is(err, store.ErrNotFound) {
		return fallback, nil
	}
	if err != nil {
		return "", err
	}
	// Values written through db.set are JSON-encoded.
	var s string
	if err := json.Unmarshal([]byte(raw), &s); err == nil {
		return s, nil
	}
	return raw, nil
}
