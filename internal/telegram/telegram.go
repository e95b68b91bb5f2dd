// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package telegram implements message delivery over the Telegram Bot API.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.astrophena.name/botfarm/internal/dialog"
	"go.astrophena.name/botfarm/internal/request"
)

const defaultAPI = "https://api.telegram.org"

// Client talks to the Telegram Bot API on behalf of a single bot. It
// implements [dialog.Transport].
type Client struct {
	token    string
	api      string
	httpc    *http.Client
	scrubber *strings.Replacer
}

// Option customizes a [Client].
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for API requests.
func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) { c.httpc = httpc }
}

// WithAPIURL overrides the Telegram API base URL. Used in tests.
func WithAPIURL(url string) Option {
	return func(c *Client) { c.api = strings.TrimSuffix(url, "/") }
}

// New returns a Client using the given bot token.
func New(token string, opts ...Option) *Client {
	c := &Client{
		token:    token,
		api:      defaultAPI,
		httpc:    request.DefaultClient,
		scrubber: strings.NewReplacer(token, "[EXPUNGED]"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Scrubber returns a replacer that removes the bot token from strings.
// Pass it to loggers that may see API errors.
func (c *Client) Scrubber() *strings.Replacer { return c.scrubber }

type apiResponse[Result any] struct {
	OK          bool   `json:"ok"`
	Result      Result `json:"result"`
	Description string `json:"description"`
	ErrorCode   int    `json:"error_code"`
}

type sentMessage struct {
	MessageID int64 `json:"message_id"`
}

type replyMarkup struct {
	InlineKeyboard [][]inlineKeyboardButton `json:"inline_keyboard"`
}

type inlineKeyboardButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type outgoingMessage struct {
	ChatID             int64        `json:"chat_id"`
	MessageID          int64        `json:"message_id,omitempty"`
	Text               string       `json:"text"`
	ReplyMarkup        *replyMarkup `json:"reply_markup,omitempty"`
	LinkPreviewOptions struct {
		IsDisabled bool `json:"is_disabled"`
	} `json:"link_preview_options"`
}

// Send posts a new message and returns its Telegram message ID.
func (c *Client) Send(ctx context.Context, chatID int64, text string, keyboard [][]dialog.Button) (int64, error) {
	msg := &outgoingMessage{ChatID: chatID, Text: text, ReplyMarkup: toReplyMarkup(keyboard)}
	msg.LinkPreviewOptions.IsDisabled = true
	sent, err := call[sentMessage](ctx, c, "sendMessage", msg)
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// Edit replaces the text and keyboard of an existing message.
func (c *Client) Edit(ctx context.Context, chatID, messageID int64, text string, keyboard [][]dialog.Button) error {
	msg := &outgoingMessage{ChatID: chatID, MessageID: messageID, Text: text, ReplyMarkup: toReplyMarkup(keyboard)}
	msg.LinkPreviewOptions.IsDisabled = true
	_, err := call[json.RawMessage](ctx, c, "editMessageText", msg)
	return err
}

// AnswerCallbackQuery acknowledges a button press so the client stops
// showing a progress indicator.
func (c *Client) AnswerCallbackQuery(ctx context.Context, queryID string) error {
	_, err := call[json.RawMessage](ctx, c, "answerCallbackQuery", map[string]string{
		"callback_query_id": queryID,
	})
	return err
}

func toReplyMarkup(keyboard [][]dialog.Button) *replyMarkup {
	if len(keyboard) == 0 {
		return nil
	}
	rm := &replyMarkup{InlineKeyboard: make([][]inlineKeyboardButton, 0, len(keyboard))}
	for _, row := range keyboard {
		buttons := make([]inlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, inlineKeyboardButton{Text: b.Text, CallbackData: b.Data})
		}
		if len(buttons) > 0 {
			rm.InlineKeyboard = append(rm.InlineKeyboard, buttons)
		}
	}
	if len(rm.InlineKeyboard) == 0 {
		return nil
	}
	return rm
}

func call[Result any](ctx context.Context, c *Client, method string, args any) (Result, error) {
	resp, err := request.MakeJSON[apiResponse[Result]](ctx, request.Params{
		Method:     http.MethodPost,
		URL:        c.api + "/bot" + c.token + "/" + method,
		Body:       args,
		HTTPClient: c.httpc,
		Scrubber:   c.scrubber,
	})
	if err != nil {
		var zero Result
		return zero, err
	}
	if !resp.OK {
		var zero Result
		return zero, fmt.Errorf("telegram: %s failed: %s (code %d)", method, resp.Description, resp.ErrorCode)
	}
	return resp.Result, nil
}

// Update is a single incoming update from a Telegram webhook.
type Update struct {
	ID            int64          `json:"update_id"`
	Message       *Message       `json:"message"`
	CallbackQuery *CallbackQuery `json:"callback_query"`
}

// Message is an incoming chat message.
type Message struct {
	ID   int64  `json:"message_id"`
	From *User  `json:"from"`
	Chat Chat   `json:"chat"`
	Text string `json:"text"`
}

// CallbackQuery is an inline button press.
type CallbackQuery struct {
	ID      string   `json:"id"`
	From    *User    `json:"from"`
	Message *Message `json:"message"`
	Data    string   `json:"data"`
}

// User is a Telegram user.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// Chat is a Telegram chat.
type Chat struct {
	ID int64 `json:"id"`
}

var errSkipUpdate = errors.New("telegram: nothing to handle in update")

// SkipUpdate reports whether err means the update carried nothing the
// dialog engine can route.
func SkipUpdate(err error) bool { return errors.Is(err, errSkipUpdate) }

// ParseUpdate converts a webhook payload into a [dialog.Event] for the
// named bot. It returns an error satisfying [SkipUpdate] when the update
// carries no routable content.
func ParseUpdate(bot string, body []byte) (dialog.Event, string, error) {
	var u Update
	if err := json.Unmarshal(body, &u); err != nil {
		return dialog.Event{}, "", fmt.Errorf("telegram: unmarshaling update: %w", err)
	}

	switch {
	case u.CallbackQuery != nil:
		cq := u.CallbackQuery
		if cq.Message == nil {
			return dialog.Event{}, "", errSkipUpdate
		}
		ev := dialog.Event{
			Bot:      bot,
			ChatID:   cq.Message.Chat.ID,
			Kind:     dialog.EventCallback,
			Callback: cq.Data,
		}
		fillFrom(&ev, cq.From)
		return ev, cq.ID, nil
	case u.Message != nil:
		msg := u.Message
		if msg.Text == "" {
			return dialog.Event{}, "", errSkipUpdate
		}
		ev := dialog.Event{
			Bot:    bot,
			ChatID: msg.Chat.ID,
		}
		fillFrom(&ev, msg.From)
		if cmd, variant, ok := parseCommand(msg.Text); ok {
			ev.Kind = dialog.EventCommand
			ev.Command = cmd
			ev.Variant = variant
		} else {
			ev.Kind = dialog.EventMessage
			ev.Text = msg.Text
		}
		return ev, "", nil
	}
	return dialog.Event{}, "", errSkipUpdate
}

func fillFrom(ev *dialog.Event, u *User) {
	if u == nil {
		return
	}
	ev.UserID = u.ID
	ev.Username = u.Username
	ev.FirstName = u.FirstName
	ev.LastName = u.LastName
}

// parseCommand extracts the command name and its argument from a message
// like "/start" or "/start@somebot de". The argument selects a variant of
// the command.
func parseCommand(text string) (cmd, variant string, ok bool) {
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	cmd = text[1:]
	if i := strings.IndexAny(cmd, " \t\n"); i >= 0 {
		if args := strings.Fields(cmd[i+1:]); len(args) > 0 {
			variant = args[0]
		}
		cmd = cmd[:i]
	}
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	if cmd == "" {
		return "", "", false
	}
	return cmd, variant, true
}
