// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package manifest defines the compiled representation of a bot's behavior
// and the compiler that builds it from the raw value produced by a bot
// script.
//
// A manifest is immutable once compiled: reloading a bot produces a fresh
// Manifest that is published wholesale, never mutated in place.
package manifest

import (
	"fmt"
	"regexp"
	"time"

	"go.starlark.net/starlark"
)

// ErrorKind classifies manifest errors.
type ErrorKind int

const (
	// InvalidShape means the script result (or a part of it) is not a record
	// of the expected form.
	InvalidShape ErrorKind = iota
	// BadButtonShape means a button or keyboard was expressed in a shorthand
	// the compiler does not recognize.
	BadButtonShape
	// Timeout means the script exceeded its execution budget.
	Timeout
)

func (k ErrorKind) String() string {
	switch k {
	case InvalidShape:
		return "invalid shape"
	case BadButtonShape:
		return "bad button shape"
	case Timeout:
		return "timeout"
	}
	return "unknown"
}

// Error is a typed manifest error. A failed compile returns an *Error and
// leaves the previously published manifest in service.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("manifest: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("manifest: %s: %s", e.Kind, e.Msg)
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error { return e.Err }

func errf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// HandlerRef is an opaque reference to a function retained from the script.
// The compiler never inspects it; only the sandbox that produced it may
// invoke it.
type HandlerRef struct {
	fn starlark.Callable
}

// NewHandlerRef wraps a Starlark callable.
func NewHandlerRef(fn starlark.Callable) *HandlerRef { return &HandlerRef{fn: fn} }

// Name returns the function name for logs.
func (h *HandlerRef) Name() string { return h.fn.Name() }

// Callable returns the underlying callable.
func (h *HandlerRef) Callable() starlark.Callable { return h.fn }

// Config is the bot-level configuration carried by a manifest.
type Config struct {
	Version string
	// Timezone is an offset in whole hours relative to UTC: 3 means UTC+3,
	// -2 means UTC-2.
	Timezone int
}

// Manifest is the compiled, validated representation of a bot's commands,
// buttons, state handlers and notifications.
type Manifest struct {
	Config        Config
	Commands      map[string]*DialogNode
	Buttons       map[string]*DialogNode
	StateHandlers map[string]*DialogNode
	Variants      map[string]map[string]*DialogNode
	Families      []Family
	Notifications []Notification
}

// Family is a button namespace entry generated by a counted pattern such as
// "project_{i}". It is resolved at dispatch time by pattern match instead of
// a static lookup.
type Family struct {
	Key     string
	Pattern *regexp.Regexp
	Node    *DialogNode
}

// DialogNode describes one response: its message source, keyboard, replace
// flag and target conversation state.
type DialogNode struct {
	// Literal is a localization key; Text is inline message text. At most one
	// is set after compilation; when both are empty the dispatch name is used
	// as the literal.
	Literal string
	Text    string

	Keyboard *Keyboard
	Replace  bool
	State    string

	// Meta marks the canonical first-contact node. When unset it defaults to
	// true for the "start" literal.
	Meta *bool

	Handler *HandlerRef
}

// IsMeta reports whether the node records dispatch variants on the session.
func (n *DialogNode) IsMeta() bool {
	if n.Meta != nil {
		return *n.Meta
	}
	return n.Literal == "start"
}

// WithDefaultLiteral returns the node itself if it already has a message
// source, or a shallow copy with the literal set to name.
func (n *DialogNode) WithDefaultLiteral(name string) *DialogNode {
	if n.Literal != "" || n.Text != "" {
		return n
	}
	c := *n
	c.Literal = name
	return &c
}

// Keyboard is an ordered grid of buttons, or a script function generating
// the whole grid at render time.
type Keyboard struct {
	Rows    []Row
	Dynamic *HandlerRef
}

// Row is a single keyboard row, or a script function generating it.
type Row struct {
	Buttons []Button
	Dynamic *HandlerRef
}

// Button is a single keyboard button. Display is either a localization key
// (Literal) or inline text (Text); Callback is the opaque dispatch key.
type Button struct {
	Literal  string
	Text     string
	Callback string
	Dynamic  *HandlerRef
}

// TriggerKind distinguishes notification triggers.
type TriggerKind int

const (
	// TriggerOnce fires once per local calendar day at a wall-clock minute.
	TriggerOnce TriggerKind = iota
	// TriggerEvery fires on a fixed period starting from a base hour of the
	// local day.
	TriggerEvery
)

// Trigger describes when a notification is due, in the bot's local time.
type Trigger struct {
	Kind   TriggerKind
	Hour   int
	Minute int
	// Every is the period for TriggerEvery.
	Every time.Duration
}

// FilterKind distinguishes notification broadcast scopes.
type FilterKind int

const (
	// FilterAll targets every session known to the bot.
	FilterAll FilterKind = iota
	// FilterRandom targets N randomly selected sessions.
	FilterRandom
	// FilterFunc asks a script function for the list of chat ids.
	FilterFunc
)

// Filter selects the broadcast scope of a notification.
type Filter struct {
	Kind FilterKind
	N    int
	Fn   *HandlerRef
}

// Message is a notification message source: a localization key, inline text
// or a script function receiving the target user.
type Message struct {
	Literal string
	Text    string
	Fn      *HandlerRef
}

// Notification is one scheduled notification spec.
type Notification struct {
	Trigger Trigger
	Filter  Filter
	Message Message
}

// Command resolves a command node, applying the variant override when one
// exists and falling back to the base node otherwise. An override with no
// meta flag of its own inherits the base node's. Returns nil when the
// command is not in the manifest.
func (m *Manifest) Command(name, variant string) *DialogNode {
	base, ok := m.Commands[name]
	if !ok {
		return nil
	}
	if variant != "" {
		if vs, ok := m.Variants[name]; ok {
			if n, ok := vs[variant]; ok {
				v := *n
				if v.Meta == nil {
					meta := base.IsMeta()
					v.Meta = &meta
				}
				return v.WithDefaultLiteral(name)
			}
		}
	}
	return base.WithDefaultLiteral(name)
}

// Button resolves a callback name to a node: first by static lookup, then by
// matching the generated families. The returned captures hold the values of
// the pattern placeholders, nil for a static match.
func (m *Manifest) Button(name string) (*DialogNode, []string) {
	if n, ok := m.Buttons[name]; ok {
		return n.WithDefaultLiteral(name), nil
	}
	for _, f := range m.Families {
		if sub := f.Pattern.FindStringSubmatch(name); sub != nil {
			return f.Node.WithDefaultLiteral(name), sub[1:]
		}
	}
	return nil, nil
}

// StateHandler returns the handler entry for a conversation state, or nil.
func (m *Manifest) StateHandler(state string) *DialogNode {
	n, ok := m.StateHandlers[state]
	if !ok {
		return nil
	}
	return n.WithDefaultLiteral(state)
}
