// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.astrophena.name/botfarm/internal/testutil"
)

func TestRespondJSONError(t *testing.T) {
	cases := map[string]struct {
		err      error
		wantCode int
	}{
		"plain error":  {err: errors.New("boom"), wantCode: http.StatusInternalServerError},
		"not found":    {err: ErrNotFound, wantCode: http.StatusNotFound},
		"wrapped":      {err: fmt.Errorf("resource %w", ErrNotFound), wantCode: http.StatusNotFound},
		"unauthorized": {err: ErrUnauthorized, wantCode: http.StatusUnauthorized},
		"bad request":  {err: fmt.Errorf("%w: malformed body", ErrBadRequest), wantCode: http.StatusBadRequest},
		"explicit 500": {err: ErrInternalServerError, wantCode: http.StatusInternalServerError},
		"method":       {err: ErrMethodNotAllowed, wantCode: http.StatusMethodNotAllowed},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			RespondJSONError(slog.New(slog.DiscardHandler), w, tc.err)
			testutil.AssertEqual(t, w.Code, tc.wantCode)

			resp := testutil.UnmarshalJSON[map[string]string](t, w.Body.Bytes())
			testutil.AssertEqual(t, resp["status"], "error")
		})
	}
}

func TestHealthHandler(t *testing.T) {
	mux := http.NewServeMux()
	h := Health(mux)

	// Health on the same mux returns the registered handler, not a new one.
	if again := Health(mux); again != h {
		t.Fatal("Health registered a second handler on the same mux")
	}

	h.RegisterFunc("store", func() (string, bool) { return "ok", true })

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	testutil.AssertEqual(t, w.Code, http.StatusOK)

	resp := testutil.UnmarshalJSON[HealthResponse](t, w.Body.Bytes())
	testutil.AssertEqual(t, resp.OK, true)
	testutil.AssertEqual(t, resp.Checks["store"].Status, "ok")

	h.RegisterFunc("broken", func() (string, bool) { return "down", false })

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	testutil.AssertEqual(t, w.Code, http.StatusInternalServerError)

	resp = testutil.UnmarshalJSON[HealthResponse](t, w.Body.Bytes())
	testutil.AssertEqual(t, resp.OK, false)
}

func TestRegisterFuncTwicePanics(t *testing.T) {
	h := Health(http.NewServeMux())
	h.RegisterFunc("dup", func() (string, bool) { return "ok", true })
	defer func() {
		if recover() == nil {
			t.Fatal("second RegisterFunc should panic")
		}
	}()
	h.RegisterFunc("dup", func() (string, bool) { return "ok", true })
}

func TestListenAndServeErrors(t *testing.T) {
	ctx := context.Background()

	if err := ListenAndServe(ctx, &ListenAndServeConfig{Mux: http.NewServeMux()}); !errors.Is(err, errNoAddr) {
		t.Errorf("got %v, want errNoAddr", err)
	}
	if err := ListenAndServe(ctx, &ListenAndServeConfig{Addr: "localhost:0"}); !errors.Is(err, errNilMux) {
		t.Errorf("got %v, want errNilMux", err)
	}
}

func TestListenAndServe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- ListenAndServe(ctx, &ListenAndServeConfig{
			Addr:   "localhost:0",
			Mux:    http.NewServeMux(),
			Logger: slog.New(slog.DiscardHandler),
			Ready:  func() { close(ready) },
		})
	}()

	<-ready
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}
