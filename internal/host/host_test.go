// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package host

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.astrophena.name/botfarm/internal/dialog"
	"go.astrophena.name/botfarm/internal/manifest"
	"go.astrophena.name/botfarm/internal/store"
	"go.astrophena.name/botfarm/internal/testutil"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent []string
}

func (t *fakeTransport) Send(_ context.Context, _ int64, text string, _ [][]dialog.Button) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, text)
	return int64(len(t.sent)), nil
}

func (t *fakeTransport) Edit(context.Context, int64, int64, string, [][]dialog.Button) error {
	return nil
}

const goodScript = `
manifest = {
	"config": {"version": "1"},
	"dialog": {
		"commands": {
			"hello": {"text": "Hi!"},
		},
	},
}
`

func TestReloadKeepsPreviousManifestOnFailure(t *testing.T) {
	t.Parallel()

	h := New(Opts{Store: store.NewMemStore()})
	h.AddBot("alpha", new(fakeTransport))

	ctx := context.Background()
	if err := h.Reload(ctx, "alpha", []byte(goodScript)); err != nil {
		t.Fatal(err)
	}
	before, ok := h.Bot("alpha")
	if !ok {
		t.Fatal("bot has no manifest after a successful reload")
	}

	// A script that fails to execute must not unpublish the manifest.
	err := h.Reload(ctx, "alpha", []byte(`fail("broken")`))
	if err == nil {
		t.Fatal("reload of a broken script succeeded")
	}
	after, ok := h.Bot("alpha")
	if !ok {
		t.Fatal("manifest disappeared after a failed reload")
	}
	testutil.AssertEqual(t, after.Manifest == before.Manifest, true)

	// Same for a script that executes but produces a malformed manifest.
	err = h.Reload(ctx, "alpha", []byte(`manifest = {"config": {"version": "2"}, "dialog": "nope"}`))
	var merr *manifest.Error
	if !errors.As(err, &merr) {
		t.Fatalf("got %v, want a manifest error", err)
	}
	after, _ = h.Bot("alpha")
	testutil.AssertEqual(t, after.Manifest.Config.Version, "1")
}

func TestReloadSwapsManifest(t *testing.T) {
	t.Parallel()

	h := New(Opts{Store: store.NewMemStore()})
	h.AddBot("alpha", new(fakeTransport))

	ctx := context.Background()
	if err := h.Reload(ctx, "alpha", []byte(goodScript)); err != nil {
		t.Fatal(err)
	}
	if err := h.Reload(ctx, "alpha", []byte(`
manifest = {
	"config": {"version": "2"},
	"dialog": {
		"commands": {
			"hello": {"text": "Hi again!"},
		},
	},
}
`)); err != nil {
		t.Fatal(err)
	}

	b, _ := h.Bot("alpha")
	testutil.AssertEqual(t, b.Manifest.Config.Version, "2")
	testutil.AssertEqual(t, b.Manifest.Commands["hello"].Text, "Hi again!")
}

func TestBotWithoutManifestIsNotServed(t *testing.T) {
	t.Parallel()

	h := New(Opts{Store: store.NewMemStore()})
	h.AddBot("alpha", new(fakeTransport))

	if _, ok := h.Bot("alpha"); ok {
		t.Fatal("bot without a manifest is served")
	}
	testutil.AssertEqual(t, len(h.Bots()), 0)
}

func TestDispatch(t *testing.T) {
	t.Parallel()

	st := store.NewMemStore()
	h := New(Opts{Store: st, Workers: 2})
	tr := new(fakeTransport)
	h.AddBot("alpha", tr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.Reload(ctx, "alpha", []byte(goodScript)); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Run(ctx)
	}()

	if err := h.Dispatch(ctx, dialog.Event{
		Bot: "alpha", ChatID: 1, UserID: 10, Kind: dialog.EventCommand, Command: "hello",
	}); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		tr.mu.Lock()
		n := len(tr.sent)
		tr.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("event was not processed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
