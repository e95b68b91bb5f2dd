// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package dialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"go.astrophena.name/botfarm/internal/manifest"
	"go.astrophena.name/botfarm/internal/sandbox"
	"go.astrophena.name/botfarm/internal/starconv"
	"go.astrophena.name/botfarm/internal/store"
	"go.starlark.net/starlark"
)

// ErrUnknownRoute is returned when an event resolves to no dialog node.
// The fallback message has already been sent by then; the session is left
// untouched.
var ErrUnknownRoute = errors.New("unknown route")

// StartState is the dialog state of a fresh session.
const StartState = "start"

// Engine dispatches chat events against bot manifests. It is stateless
// itself; all conversation state lives in the Store.
type Engine struct {
	Store     store.Store
	Localizer Localizer
	Logger    *slog.Logger
}

// Handle processes one chat event for a bot.
//
// The session is saved only after the response is delivered: a suppressed
// event or a transport failure leaves it untouched. A handler fault is
// logged and dispatch carries on as if the handler signaled Continue.
func (e *Engine) Handle(ctx context.Context, bot Bot, ev Event) error {
	sess, err := e.Store.Session(ctx, bot.ID, ev.ChatID)
	if errors.Is(err, store.ErrNotFound) {
		sess = &store.Session{Bot: bot.ID, ChatID: ev.ChatID, State: StartState}
	} else if err != nil {
		return err
	}
	if ev.UserID != 0 {
		sess.UserID = ev.UserID
	}

	node, route, captures, err := e.resolve(ctx, bot, sess, ev)
	if err != nil {
		return err
	}
	if node == nil {
		// Free text that matches no state handler is simply ignored;
		// the fallback reply is reserved for commands and callbacks.
		if ev.Kind == EventMessage {
			e.logger().Debug("free text with no state handler ignored",
				slog.String("bot", bot.ID), slog.Int64("chat_id", sess.ChatID), slog.String("state", sess.State))
			return nil
		}
		return e.unknownRoute(ctx, bot, sess, route)
	}

	// A meta node records the variant it was entered with, so later
	// dispatches and literal lookups keep using it.
	if node.IsMeta() && ev.Variant != "" {
		sess.Variant = ev.Variant
	}

	// A handler on a stateful message node consumes the text exclusively;
	// the node's default message is only sent when there is no handler.
	exclusive := false
	if node.Handler != nil {
		args, err := baseArgs(sess, ev, captures)
		if err != nil {
			return err
		}
		if ev.Kind == EventMessage {
			args = append(args, starlark.String(ev.Text))
			exclusive = true
		}
		_, sig, err := bot.Sandbox.Invoke(ctx, node.Handler, args...)
		var fault *sandbox.HandlerFault
		if errors.As(err, &fault) {
			// A faulty handler fails only itself: log it and carry on
			// as if it signaled Continue.
			e.logger().Error("handler fault",
				slog.String("bot", bot.ID),
				slog.Int64("chat_id", sess.ChatID),
				slog.String("handler", fault.Handler),
				slog.Any("error", err),
				slog.String("backtrace", fault.Backtrace))
			sig = sandbox.Continue
		} else if err != nil {
			return err
		}
		if sig == sandbox.Suppress {
			return nil
		}
	}

	if !exclusive {
		if err := e.render(ctx, bot, sess, ev, node, captures); err != nil {
			return err
		}
	}

	if node.State != "" {
		sess.State = node.State
	}
	return e.Store.SaveSession(ctx, sess)
}

// resolve maps an event to a dialog node. A nil node with no error means
// the route is unknown.
func (e *Engine) resolve(ctx context.Context, bot Bot, sess *store.Session, ev Event) (node *manifest.DialogNode, route string, captures []string, err error) {
	switch ev.Kind {
	case EventCommand:
		route = ev.Command
		variant := ev.Variant
		if variant == "" {
			variant = sess.Variant
		}
		node = bot.Manifest.Command(ev.Command, variant)
	case EventCallback:
		route = ev.Callback
		r, err := e.Store.Callback(ctx, bot.ID, ev.Callback)
		if err == nil {
			route = r
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, "", nil, err
		}
		node, captures = bot.Manifest.Button(route)
	case EventMessage:
		route = sess.State
		node = bot.Manifest.StateHandler(sess.State)
	}
	return node, route, captures, nil
}

// unknownRoute sends the fallback message and reports the unroutable event.
// Bots customize the fallback by setting the "unknown" literal.
func (e *Engine) unknownRoute(ctx context.Context, bot Bot, sess *store.Session, route string) error {
	text, err := e.Localizer.Variant(ctx, bot.ID, "unknown", sess.Variant)
	if err != nil {
		return err
	}
	if _, err := bot.Transport.Send(ctx, sess.ChatID, text, nil); err != nil {
		return err
	}
	return fmt.Errorf("bot %q: route %q: %w", bot.ID, route, ErrUnknownRoute)
}

// baseArgs builds the (session, user, captures...) argument list passed to
// handlers and keyboard generators.
func baseArgs(sess *store.Session, ev Event, captures []string) ([]starlark.Value, error) {
	sessionVal, err := starconv.ToValue(map[string]any{
		"chat_id": sess.ChatID,
		"user_id": sess.UserID,
		"state":   sess.State,
		"variant": sess.Variant,
	})
	if err != nil {
		return nil, err
	}
	userVal, err := starconv.ToValue(map[string]any{
		"id":         ev.UserID,
		"username":   ev.Username,
		"first_name": ev.FirstName,
		"last_name":  ev.LastName,
	})
	if err != nil {
		return nil, err
	}
	args := []starlark.Value{sessionVal, userVal}
	for _, c := range captures {
		args = append(args, captureValue(c))
	}
	return args, nil
}

func captureValue(s string) starlark.Value {
	if n, err := strconv.Atoi(s); err == nil {
		return starlark.MakeInt(n)
	}
	return starlark.String(s)
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.New(slog.DiscardHandler)
}
