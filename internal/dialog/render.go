// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package dialog

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"go.astrophena.name/botfarm/internal/manifest"
	"go.astrophena.name/botfarm/internal/store"
	"go.starlark.net/starlark"
)

// render resolves the node's text and keyboard and delivers them, either by
// editing the live message (replace mode) or by sending a new one. Non-meta
// messages become the new live message of the chat.
func (e *Engine) render(ctx context.Context, bot Bot, sess *store.Session, ev Event, node *manifest.DialogNode, captures []string) error {
	text, err := e.nodeText(ctx, bot, sess, node)
	if err != nil {
		return err
	}
	keyboard, err := e.keyboard(ctx, bot, sess, ev, node, captures)
	if err != nil {
		return err
	}

	if node.Replace && sess.LiveMsgID != 0 {
		err := bot.Transport.Edit(ctx, sess.ChatID, sess.LiveMsgID, text, keyboard)
		if err == nil {
			return nil
		}
		// The live message may be gone (deleted by the user). Send a new one.
		e.logger().Warn("edit of live message failed, sending a new one",
			slog.String("bot", bot.ID),
			slog.Int64("chat_id", sess.ChatID),
			slog.Int64("message_id", sess.LiveMsgID),
			slog.Any("error", err),
		)
	}

	id, err := bot.Transport.Send(ctx, sess.ChatID, text, keyboard)
	if err != nil {
		return err
	}
	if !node.IsMeta() {
		sess.LiveMsgID = id
	}
	return nil
}

func (e *Engine) nodeText(ctx context.Context, bot Bot, sess *store.Session, node *manifest.DialogNode) (string, error) {
	if node.Text != "" {
		return node.Text, nil
	}
	return e.Localizer.Variant(ctx, bot.ID, node.Literal, sess.Variant)
}

// keyboard resolves the node's keyboard to rendered buttons, invoking
// dynamic generators along the way. Each button gets a fresh callback token
// recorded in the store.
func (e *Engine) keyboard(ctx context.Context, bot Bot, sess *store.Session, ev Event, node *manifest.DialogNode, captures []string) ([][]Button, error) {
	if node.Keyboard == nil {
		return nil, nil
	}

	var genArgs []starlark.Value
	needArgs := node.Keyboard.Dynamic != nil
	for _, row := range node.Keyboard.Rows {
		if row.Dynamic != nil {
			needArgs = true
		}
		for _, b := range row.Buttons {
			if b.Dynamic != nil {
				needArgs = true
			}
		}
	}
	if needArgs {
		var err error
		genArgs, err = baseArgs(sess, ev, captures)
		if err != nil {
			return nil, err
		}
	}

	rows := node.Keyboard.Rows
	if node.Keyboard.Dynamic != nil {
		v, _, err := bot.Sandbox.Invoke(ctx, node.Keyboard.Dynamic, genArgs...)
		if err != nil {
			return nil, err
		}
		rows, err = manifest.Rows(v)
		if err != nil {
			return nil, err
		}
	}

	var out [][]Button
	for _, row := range rows {
		buttons := row.Buttons
		if row.Dynamic != nil {
			v, _, err := bot.Sandbox.Invoke(ctx, row.Dynamic, genArgs...)
			if err != nil {
				return nil, err
			}
			buttons, err = manifest.Buttons(v)
			if err != nil {
				return nil, err
			}
		}
		var rendered []Button
		for _, b := range buttons {
			rb, err := e.renderButton(ctx, bot, sess, b, genArgs)
			if err != nil {
				return nil, err
			}
			rendered = append(rendered, rb)
		}
		if len(rendered) > 0 {
			out = append(out, rendered)
		}
	}
	return out, nil
}

func (e *Engine) renderButton(ctx context.Context, bot Bot, sess *store.Session, b manifest.Button, genArgs []starlark.Value) (Button, error) {
	if b.Dynamic != nil {
		v, _, err := bot.Sandbox.Invoke(ctx, b.Dynamic, genArgs...)
		if err != nil {
			return Button{}, err
		}
		nb, err := manifest.CompileButton(v)
		if err != nil {
			return Button{}, err
		}
		if nb.Dynamic != nil {
			return Button{}, &manifest.Error{Kind: manifest.BadButtonShape, Msg: "button generator returned another generator"}
		}
		b = nb
	}

	text := b.Text
	if text == "" {
		var err error
		text, err = e.Localizer.Variant(ctx, bot.ID, b.Literal, sess.Variant)
		if err != nil {
			return Button{}, err
		}
	}

	token := uuid.NewString()
	if err := e.Store.SaveCallback(ctx, bot.ID, token, b.Callback); err != nil {
		return Button{}, err
	}
	return Button{Text: text, Data: token}, nil
}
