// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.astrophena.name/botfarm/internal/cli"
	"go.astrophena.name/botfarm/internal/host"
	"go.astrophena.name/botfarm/internal/store"
	"go.astrophena.name/botfarm/internal/testutil"
)

const testScript = `
def greet(session, user):
    return True

manifest = {
    "config": {"version": "1", "timezone": 0},
    "dialog": {
        "commands": {
            "start": {"text": "Hello!", "handler": greet},
        },
    },
}
`

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	mem, err := openStore(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mem.Close() })
	if _, ok := mem.(*store.MemStore); !ok {
		t.Errorf("openStore(\"\") = %T, want *store.MemStore", mem)
	}

	lite, err := openStore(ctx, filepath.Join(t.TempDir(), "botfarm.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { lite.Close() })
	if _, ok := lite.(*store.SQLiteStore); !ok {
		t.Errorf("openStore(path) = %T, want *store.SQLiteStore", lite)
	}
}

func testFarm(t *testing.T) *farm {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "greeter.star"), []byte(testScript), 0o644); err != nil {
		t.Fatal(err)
	}

	st := store.NewMemStore()
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.DiscardHandler)
	f := &farm{
		cfg:    config{BotsDir: dir, ReloadToken: "secret"},
		env:    &cli.Env{Getenv: func(string) string { return "" }},
		logger: logger,
		host:   host.New(host.Opts{Store: st, Logger: logger}),
	}
	if err := f.loadBots(context.Background()); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestLoadBots(t *testing.T) {
	f := testFarm(t)
	if _, ok := f.host.Bot("greeter"); !ok {
		t.Fatal("greeter bot should be live after loadBots")
	}
}

func TestLoadBotsEmptyDir(t *testing.T) {
	f := &farm{
		cfg:    config{BotsDir: t.TempDir()},
		env:    &cli.Env{Getenv: func(string) string { return "" }},
		logger: slog.New(slog.DiscardHandler),
		host:   host.New(host.Opts{Store: store.NewMemStore()}),
	}
	if err := f.loadBots(context.Background()); err == nil {
		t.Fatal("loadBots should fail when the bots directory has no scripts")
	}
}

func TestReloadAuth(t *testing.T) {
	f := testFarm(t)

	cases := map[string]struct {
		auth     string
		wantCode int
	}{
		"no token":    {auth: "", wantCode: http.StatusUnauthorized},
		"wrong token": {auth: "Bearer nope", wantCode: http.StatusUnauthorized},
		"good token":  {auth: "Bearer secret", wantCode: http.StatusOK},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/reload/greeter", nil)
			r.SetPathValue("bot", "greeter")
			if tc.auth != "" {
				r.Header.Set("Authorization", tc.auth)
			}
			w := httptest.NewRecorder()
			f.handleReload(w, r)
			testutil.AssertEqual(t, w.Code, tc.wantCode)
		})
	}
}

func TestWebhookUnknownBot(t *testing.T) {
	f := testFarm(t)

	r := httptest.NewRequest(http.MethodPost, "/telegram/ghost", strings.NewReader(`{}`))
	r.SetPathValue("bot", "ghost")
	w := httptest.NewRecorder()
	f.handleWebhook(w, r)
	testutil.AssertEqual(t, w.Code, http.StatusNotFound)
}
