// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package dialog_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.astrophena.name/botfarm/internal/dialog"
	"go.astrophena.name/botfarm/internal/manifest"
	"go.astrophena.name/botfarm/internal/sandbox"
	"go.astrophena.name/botfarm/internal/store"
	"go.astrophena.name/botfarm/internal/testutil"
)

type sentMsg struct {
	ChatID    int64
	MessageID int64
	Text      string
	Keyboard  [][]dialog.Button
}

type fakeTransport struct {
	mu     sync.Mutex
	nextID int64
	sent   []sentMsg
	edits  []sentMsg
}

func (t *fakeTransport) Send(_ context.Context, chatID int64, text string, keyboard [][]dialog.Button) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	t.sent = append(t.sent, sentMsg{ChatID: chatID, MessageID: t.nextID, Text: text, Keyboard: keyboard})
	return t.nextID, nil
}

func (t *fakeTransport) Edit(_ context.Context, chatID, messageID int64, text string, keyboard [][]dialog.Button) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.edits = append(t.edits, sentMsg{ChatID: chatID, MessageID: messageID, Text: text, Keyboard: keyboard})
	return nil
}

func (t *fakeTransport) lastSent(tb testing.TB) sentMsg {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sent) == 0 {
		tb.Fatal("nothing was sent")
	}
	return t.sent[len(t.sent)-1]
}

func newBot(t *testing.T, st store.Store, src string) (dialog.Bot, *fakeTransport) {
	t.Helper()
	sb := sandbox.New(sandbox.Opts{Bot: "testbot", KV: st})
	raw, err := sb.Load(context.Background(), "bot.star", []byte(src))
	if err != nil {
		t.Fatal(err)
	}
	man, err := manifest.Compile(raw)
	if err != nil {
		t.Fatal(err)
	}
	tr := new(fakeTransport)
	return dialog.Bot{ID: "testbot", Manifest: man, Sandbox: sb, Transport: tr}, tr
}

func newEngine(st store.Store) *dialog.Engine {
	return &dialog.Engine{Store: st, Localizer: dialog.KVLocalizer{KV: st}}
}

func TestCommandDispatch(t *testing.T) {
	t.Parallel()

	st := store.NewMemStore()
	bot, tr := newBot(t, st, `
manifest = {
	"config": {"version": "1"},
	"dialog": {
		"commands": {
			"hello": {"text": "Hi there!", "state": "greeted"},
		},
	},
}
`)
	e := newEngine(st)

	err := e.Handle(context.Background(), bot, dialog.Event{
		Bot: "testbot", ChatID: 1, UserID: 10, Kind: dialog.EventCommand, Command: "hello",
	})
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, tr.lastSent(t).Text, "Hi there!")

	sess, err := st.Session(context.Background(), "testbot", 1)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, sess.State, "greeted")
	testutil.AssertEqual(t, sess.UserID, int64(10))
}

func TestUnknownRoute(t *testing.T) {
	t.Parallel()

	st := store.NewMemStore()
	bot, tr := newBot(t, st, `
manifest = {
	"config": {"version": "1"},
	"dialog": {
		"commands": {
			"start": {"text": "Welcome"},
		},
	},
}
`)
	e := newEngine(st)
	ctx := context.Background()

	// Establish a session first.
	if err := e.Handle(ctx, bot, dialog.Event{ChatID: 1, UserID: 10, Kind: dialog.EventCommand, Command: "start"}); err != nil {
		t.Fatal(err)
	}
	before, err := st.Session(ctx, "testbot", 1)
	if err != nil {
		t.Fatal(err)
	}

	// A callback token minted by nobody must not touch the session.
	err = e.Handle(ctx, bot, dialog.Event{ChatID: 1, UserID: 10, Kind: dialog.EventCallback, Callback: "garbage"})
	if !errors.Is(err, dialog.ErrUnknownRoute) {
		t.Fatalf("got %v, want ErrUnknownRoute", err)
	}
	testutil.AssertEqual(t, tr.lastSent(t).Text, dialog.MissingLiteral)

	after, err := st.Session(ctx, "testbot", 1)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, after.State, before.State)
	testutil.AssertEqual(t, after.LiveMsgID, before.LiveMsgID)
}

func TestReplaceKeepsSingleLiveMessage(t *testing.T) {
	t.Parallel()

	st := store.NewMemStore()
	bot, tr := newBot(t, st, `
manifest = {
	"config": {"version": "1"},
	"dialog": {
		"commands": {
			"menu": {"text": "Menu", "replace": True, "meta": False},
			"about": {"text": "About", "replace": True, "meta": False},
		},
	},
}
`)
	e := newEngine(st)
	ctx := context.Background()

	if err := e.Handle(ctx, bot, dialog.Event{ChatID: 1, UserID: 10, Kind: dialog.EventCommand, Command: "menu"}); err != nil {
		t.Fatal(err)
	}
	first := tr.lastSent(t)

	if err := e.Handle(ctx, bot, dialog.Event{ChatID: 1, UserID: 10, Kind: dialog.EventCommand, Command: "about"}); err != nil {
		t.Fatal(err)
	}

	// The second response edits the first message instead of adding a new one.
	testutil.AssertEqual(t, len(tr.sent), 1)
	testutil.AssertEqual(t, len(tr.edits), 1)
	testutil.AssertEqual(t, tr.edits[0].MessageID, first.MessageID)
	testutil.AssertEqual(t, tr.edits[0].Text, "About")

	sess, err := st.Session(ctx, "testbot", 1)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, sess.LiveMsgID, first.MessageID)
}

func TestSuppressedHandler(t *testing.T) {
	t.Parallel()

	st := store.NewMemStore()
	bot, tr := newBot(t, st, `
def quiet(session, user):
	return False

manifest = {
	"config": {"version": "1"},
	"dialog": {
		"commands": {
			"quiet": {"text": "never shown", "state": "never", "handler": quiet},
		},
	},
}
`)
	e := newEngine(st)
	ctx := context.Background()

	if err := e.Handle(ctx, bot, dialog.Event{ChatID: 1, UserID: 10, Kind: dialog.EventCommand, Command: "quiet"}); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, len(tr.sent), 0)
	testutil.AssertEqual(t, len(tr.edits), 0)

	_, err := st.Session(ctx, "testbot", 1)
	testutil.AssertEqual(t, errors.Is(err, store.ErrNotFound), true)
}

func TestHandlerFaultStillAnswers(t *testing.T) {
	t.Parallel()

	st := store.NewMemStore()
	bot, tr := newBot(t, st, `
def boom(session, user):
	fail("kaboom")

manifest = {
	"config": {"version": "1"},
	"dialog": {
		"commands": {
			"boom": {"text": "still shown", "state": "answered", "handler": boom},
		},
	},
}
`)
	e := newEngine(st)

	// A crashing handler is logged and dispatch carries on: the node's
	// message still goes out and the transition still applies.
	err := e.Handle(context.Background(), bot, dialog.Event{ChatID: 1, UserID: 10, Kind: dialog.EventCommand, Command: "boom"})
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, len(tr.sent), 1)
	testutil.AssertEqual(t, tr.lastSent(t).Text, "still shown")

	sess, err := st.Session(context.Background(), "testbot", 1)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, sess.State, "answered")
}

func TestStatefulMessageHandler(t *testing.T) {
	t.Parallel()

	st := store.NewMemStore()
	bot, tr := newBot(t, st, `
def record_name(session, user, text):
	db.set("name", text)

manifest = {
	"config": {"version": "1"},
	"dialog": {
		"commands": {
			"ask": {"text": "What is your name?", "state": "asking"},
		},
		"stateful_msg_handlers": {
			"asking": {"state": "confirmed", "handler": record_name},
			"confirmed": {"text": "Nice to meet you!", "state": "start"},
		},
	},
}
`)
	e := newEngine(st)
	ctx := context.Background()

	if err := e.Handle(ctx, bot, dialog.Event{ChatID: 1, UserID: 10, Kind: dialog.EventCommand, Command: "ask"}); err != nil {
		t.Fatal(err)
	}

	// The handler consumes the text exclusively: nothing new is sent, the
	// state still advances.
	if err := e.Handle(ctx, bot, dialog.Event{ChatID: 1, UserID: 10, Kind: dialog.EventMessage, Text: "Ilya"}); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, tr.lastSent(t).Text, "What is your name?")

	name, err := st.Get(ctx, "testbot", "name")
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, name, `"Ilya"`)

	sess, err := st.Session(ctx, "testbot", 1)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, sess.State, "confirmed")

	// A stateful node without a handler answers with its default message.
	if err := e.Handle(ctx, bot, dialog.Event{ChatID: 1, UserID: 10, Kind: dialog.EventMessage, Text: "anything"}); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, tr.lastSent(t).Text, "Nice to meet you!")

	sess, err = st.Session(ctx, "testbot", 1)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, sess.State, "start")
}

func TestFreeTextWithoutStateHandler(t *testing.T) {
	t.Parallel()

	st := store.NewMemStore()
	bot, tr := newBot(t, st, `
manifest = {
	"config": {"version": "1"},
	"dialog": {
		"commands": {
			"start": {"text": "Welcome"},
		},
	},
}
`)
	e := newEngine(st)
	ctx := context.Background()

	if err := e.Handle(ctx, bot, dialog.Event{ChatID: 1, UserID: 10, Kind: dialog.EventCommand, Command: "start"}); err != nil {
		t.Fatal(err)
	}

	// Free text in a state with no handler is dropped: no reply, no error.
	if err := e.Handle(ctx, bot, dialog.Event{ChatID: 1, UserID: 10, Kind: dialog.EventMessage, Text: "nice weather"}); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, len(tr.sent), 1)
	testutil.AssertEqual(t, len(tr.edits), 0)
}

func TestButtonFamilies(t *testing.T) {
	t.Parallel()

	st := store.NewMemStore()
	bot, tr := newBot(t, st, `
def seen(session, user, i):
	db.set("last_project", i)

manifest = {
	"config": {"version": "1"},
	"dialog": {
		"commands": {
			"projects": {
				"text": "Pick a project:",
				"buttons": [["project_0", "project_1"]],
			},
		},
		"buttons": {
			"project_{i}": {"text": "Project details", "handler": seen},
		},
	},
}
`)
	e := newEngine(st)
	ctx := context.Background()

	if err := e.Handle(ctx, bot, dialog.Event{ChatID: 1, UserID: 10, Kind: dialog.EventCommand, Command: "projects"}); err != nil {
		t.Fatal(err)
	}
	menu := tr.lastSent(t)
	if len(menu.Keyboard) != 1 || len(menu.Keyboard[0]) != 2 {
		t.Fatalf("keyboard has wrong shape: %v", menu.Keyboard)
	}

	// Press the second button: the family pattern captures "1" and the
	// capture reaches the handler.
	if err := e.Handle(ctx, bot, dialog.Event{ChatID: 1, UserID: 10, Kind: dialog.EventCallback, Callback: menu.Keyboard[0][1].Data}); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, tr.lastSent(t).Text, "Project details")

	last, err := st.Get(ctx, "testbot", "last_project")
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, last, "1")
}

func TestDynamicKeyboard(t *testing.T) {
	t.Parallel()

	st := store.NewMemStore()
	bot, tr := newBot(t, st, `
def pager(session, user):
	return [[
		{"text": "Prev", "callback_name": "page_0"},
		{"text": "Next", "callback_name": "page_2"},
	]]

manifest = {
	"config": {"version": "1"},
	"dialog": {
		"commands": {
			"pages": {"text": "Page 1", "buttons": pager},
		},
		"buttons": {
			"page_{n}": {"text": "A page"},
		},
	},
}
`)
	e := newEngine(st)
	ctx := context.Background()

	if err := e.Handle(ctx, bot, dialog.Event{ChatID: 1, UserID: 10, Kind: dialog.EventCommand, Command: "pages"}); err != nil {
		t.Fatal(err)
	}
	menu := tr.lastSent(t)
	if len(menu.Keyboard) != 1 || len(menu.Keyboard[0]) != 2 {
		t.Fatalf("keyboard has wrong shape: %v", menu.Keyboard)
	}
	testutil.AssertEqual(t, menu.Keyboard[0][0].Text, "Prev")
	testutil.AssertEqual(t, menu.Keyboard[0][1].Text, "Next")

	// Generated buttons route through the family like static ones.
	if err := e.Handle(ctx, bot, dialog.Event{ChatID: 1, UserID: 10, Kind: dialog.EventCallback, Callback: menu.Keyboard[0][1].Data}); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, tr.lastSent(t).Text, "A page")
}

func TestFamilyNeighborKeyboards(t *testing.T) {
	t.Parallel()

	st := store.NewMemStore()
	bot, tr := newBot(t, st, `
def nav(session, user, i):
	row = []
	if i > 0:
		row.append({"text": "Prev", "callback_name": "project_" + str(i - 1)})
	if i < 1:
		row.append({"text": "Next", "callback_name": "project_" + str(i + 1)})
	return [row]

manifest = {
	"config": {"version": "1"},
	"dialog": {
		"commands": {
			"projects": {"text": "Pick a project:", "buttons": [["project_0"]]},
		},
		"buttons": {
			"project_{i}": {"text": "Project details", "buttons": nav},
		},
	},
}
`)
	e := newEngine(st)
	ctx := context.Background()

	// With two projects the first page offers only a Next button and the
	// second only a Prev one.
	if err := e.Handle(ctx, bot, dialog.Event{ChatID: 1, UserID: 10, Kind: dialog.EventCallback, Callback: "project_0"}); err != nil {
		t.Fatal(err)
	}
	first := tr.lastSent(t)
	if len(first.Keyboard) != 1 || len(first.Keyboard[0]) != 1 {
		t.Fatalf("keyboard of project 0 has wrong shape: %v", first.Keyboard)
	}
	testutil.AssertEqual(t, first.Keyboard[0][0].Text, "Next")

	// Following the Next button lands on the last page.
	if err := e.Handle(ctx, bot, dialog.Event{ChatID: 1, UserID: 10, Kind: dialog.EventCallback, Callback: first.Keyboard[0][0].Data}); err != nil {
		t.Fatal(err)
	}
	second := tr.lastSent(t)
	if len(second.Keyboard) != 1 || len(second.Keyboard[0]) != 1 {
		t.Fatalf("keyboard of project 1 has wrong shape: %v", second.Keyboard)
	}
	testutil.AssertEqual(t, second.Keyboard[0][0].Text, "Prev")
}

func TestVariantOverride(t *testing.T) {
	t.Parallel()

	st := store.NewMemStore()
	bot, tr := newBot(t, st, `
manifest = {
	"config": {"version": "1"},
	"dialog": {
		"commands": {
			"greet": {"text": "Hello!"},
		},
		"variants": {
			"greet": {
				"de": {"text": "Hallo!"},
			},
		},
	},
}
`)
	e := newEngine(st)
	ctx := context.Background()

	// Base node without a variant.
	if err := e.Handle(ctx, bot, dialog.Event{ChatID: 1, UserID: 10, Kind: dialog.EventCommand, Command: "greet"}); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, tr.lastSent(t).Text, "Hello!")

	// With the session variant set, the override wins.
	sess, err := st.Session(ctx, "testbot", 1)
	if err != nil {
		t.Fatal(err)
	}
	sess.Variant = "de"
	if err := st.SaveSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	if err := e.Handle(ctx, bot, dialog.Event{ChatID: 1, UserID: 10, Kind: dialog.EventCommand, Command: "greet"}); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, tr.lastSent(t).Text, "Hallo!")
}

func TestCommandArgumentSelectsVariant(t *testing.T) {
	t.Parallel()

	st := store.NewMemStore()
	bot, tr := newBot(t, st, `
manifest = {
	"config": {"version": "1"},
	"dialog": {
		"commands": {
			"greet": {"text": "Hello!", "meta": True},
		},
		"variants": {
			"greet": {
				"de": {"text": "Hallo!"},
			},
		},
	},
}
`)
	e := newEngine(st)
	ctx := context.Background()

	// "/greet de" picks the override and records it on the session.
	if err := e.Handle(ctx, bot, dialog.Event{ChatID: 1, UserID: 10, Kind: dialog.EventCommand, Command: "greet", Variant: "de"}); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, tr.lastSent(t).Text, "Hallo!")

	sess, err := st.Session(ctx, "testbot", 1)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, sess.Variant, "de")

	// A later bare "/greet" keeps using the recorded variant.
	if err := e.Handle(ctx, bot, dialog.Event{ChatID: 1, UserID: 10, Kind: dialog.EventCommand, Command: "greet"}); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, tr.lastSent(t).Text, "Hallo!")
}

func TestLiteralLookup(t *testing.T) {
	t.Parallel()

	st := store.NewMemStore()
	bot, tr := newBot(t, st, `
manifest = {
	"config": {"version": "1"},
	"dialog": {
		"commands": {
			"help": {},
		},
	},
}
`)
	e := newEngine(st)
	ctx := context.Background()

	// No content stored yet: the placeholder is shown.
	if err := e.Handle(ctx, bot, dialog.Event{ChatID: 1, UserID: 10, Kind: dialog.EventCommand, Command: "help"}); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, tr.lastSent(t).Text, dialog.MissingLiteral)

	// The command name doubles as the literal key.
	if err := st.Set(ctx, "testbot", "literal/help", `"Here is how it works."`); err != nil {
		t.Fatal(err)
	}
	if err := e.Handle(ctx, bot, dialog.Event{ChatID: 1, UserID: 10, Kind: dialog.EventCommand, Command: "help"}); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, tr.lastSent(t).Text, "Here is how it works.")
}
