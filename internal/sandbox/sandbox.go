// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package sandbox executes bot scripts in an isolated Starlark
// interpreter with step and wall-clock budgets. A crashing or runaway
// script fails its own bot and nothing else.
//
// Each sandbox is single-threaded: script loads and handler calls are
// serialized by a lock whose wait is bounded, so a stuck script turns
// into a timeout error instead of a pile of blocked goroutines.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"go.astrophena.name/botfarm/internal/manifest"
	"go.astrophena.name/botfarm/internal/starconv"
	"go.astrophena.name/botfarm/internal/store"
	"go.astrophena.name/botfarm/internal/syncutil"
	starlarkjson "go.starlark.net/lib/json"
	starlarkmath "go.starlark.net/lib/math"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

// Signal tells the dialog engine whether to keep processing after a
// handler returns.
type Signal int

const (
	// Continue means the response should be rendered and sent.
	Continue Signal = iota
	// Suppress means the handler consumed the event and nothing should
	// be sent or saved.
	Suppress
)

// SignalOf derives the continuation signal from a handler's return value:
// False or 0 suppress, everything else (including None) continues.
func SignalOf(v starlark.Value) Signal {
	switch v := v.(type) {
	case starlark.Bool:
		if !bool(v) {
			return Suppress
		}
	case starlark.Int:
		if n, ok := v.Int64(); ok && n == 0 {
			return Suppress
		}
	}
	return Continue
}

// HandlerFault reports a failure inside a script handler. The fault names
// the bot and handler so the host can log it and keep serving other bots.
type HandlerFault struct {
	Bot       string
	Handler   string
	Err       error
	Backtrace string
}

func (f *HandlerFault) Error() string {
	return fmt.Sprintf("bot %q: handler %s: %v", f.Bot, f.Handler, f.Err)
}

func (f *HandlerFault) Unwrap() error { return f.Err }

// Opts configures a Sandbox.
type Opts struct {
	// Bot is the bot identifier used for logging and store scoping.
	Bot string
	// KV backs the db module exposed to scripts. If nil, scripts get no
	// db module.
	KV store.KV
	// Natives are additional host builtins exposed to scripts.
	Natives starlark.StringDict
	// Logger receives script print output. If nil, logs are discarded.
	Logger *slog.Logger

	// MaxSteps bounds the Starlark step counter per execution.
	// Zero means DefaultMaxSteps.
	MaxSteps uint64
	// ExecTimeout bounds a full script load. Zero means DefaultExecTimeout.
	ExecTimeout time.Duration
	// CallTimeout bounds a single handler call. Zero means DefaultCallTimeout.
	CallTimeout time.Duration
	// DBTimeout bounds each db.get/db.set call. Zero means DefaultDBTimeout.
	DBTimeout time.Duration
	// LockWait bounds how long a caller waits for the sandbox to become
	// free. Zero means DefaultLockWait.
	LockWait time.Duration
}

// Default execution budgets.
const (
	DefaultMaxSteps    = 500_000
	DefaultExecTimeout = 10 * time.Second
	DefaultCallTimeout = 5 * time.Second
	DefaultDBTimeout   = 5 * time.Second
	DefaultLockWait    = 5 * time.Second
)

// Sandbox is a single-threaded Starlark interpreter for one bot.
type Sandbox struct {
	bot         string
	kv          store.KV
	logger      *slog.Logger
	predeclared starlark.StringDict

	maxSteps    uint64
	execTimeout time.Duration
	callTimeout time.Duration
	dbTimeout   time.Duration
	lockWait    time.Duration

	mu *syncutil.Mutex
}

// New creates a Sandbox from opts.
func New(opts Opts) *Sandbox {
	s := &Sandbox{
		bot:         opts.Bot,
		kv:          opts.KV,
		logger:      opts.Logger,
		maxSteps:    opts.MaxSteps,
		execTimeout: opts.ExecTimeout,
		callTimeout: opts.CallTimeout,
		dbTimeout:   opts.DBTimeout,
		lockWait:    opts.LockWait,
		mu:          syncutil.NewMutex(),
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if s.maxSteps == 0 {
		s.maxSteps = DefaultMaxSteps
	}
	if s.execTimeout == 0 {
		s.execTimeout = DefaultExecTimeout
	}
	if s.callTimeout == 0 {
		s.callTimeout = DefaultCallTimeout
	}
	if s.dbTimeout == 0 {
		s.dbTimeout = DefaultDBTimeout
	}
	if s.lockWait == 0 {
		s.lockWait = DefaultLockWait
	}

	s.predeclared = starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"module": starlark.NewBuiltin("module", starlarkstruct.MakeModule),
		"json":   starlarkjson.Module,
		"math":   starlarkmath.Module,
		"time":   starlarktime.Module,
	}
	if s.kv != nil {
		s.predeclared["db"] = s.dbModule()
	}
	maps.Copy(s.predeclared, opts.Natives)

	return s
}

var fileOpts = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// Load executes a bot script and returns its manifest global. The script
// runs under the step and ExecTimeout budgets; exceeding either yields a
// manifest.Error of kind Timeout.
func (s *Sandbox) Load(ctx context.Context, filename string, src []byte) (starlark.Value, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return nil, &manifest.Error{Kind: manifest.Timeout, Msg: fmt.Sprintf("bot %q", s.bot), Err: err}
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, s.execTimeout)
	defer cancel()

	thread := s.newThread(ctx)
	defer watchdog(ctx, thread)()

	globals, err := starlark.ExecFileOptions(fileOpts, thread, filename, src, s.predeclared)
	if err != nil {
		return nil, s.classify(err)
	}
	man, ok := globals["manifest"]
	if !ok {
		return nil, &manifest.Error{Kind: manifest.InvalidShape, Msg: "script does not define a manifest global"}
	}
	return man, nil
}

// Invoke calls a handler under the CallTimeout budget and derives the
// continuation signal from its return value. Failures come back as a
// HandlerFault carrying the script backtrace.
func (s *Sandbox) Invoke(ctx context.Context, ref *manifest.HandlerRef, args ...starlark.Value) (starlark.Value, Signal, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return nil, Continue, s.fault(ref.Name(), err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	thread := s.newThread(ctx)
	defer watchdog(ctx, thread)()

	v, err := starlark.Call(thread, ref.Callable(), starlark.Tuple(args), nil)
	if err != nil {
		return nil, Continue, s.fault(ref.Name(), err)
	}
	return v, SignalOf(v), nil
}

func (s *Sandbox) lock(ctx context.Context) (unlock func(), err error) {
	lctx, cancel := context.WithTimeout(ctx, s.lockWait)
	defer cancel()
	if err := s.mu.Lock(lctx); err != nil {
		return nil, fmt.Errorf("sandbox busy: %w", err)
	}
	return s.mu.Unlock, nil
}

func (s *Sandbox) newThread(ctx context.Context) *starlark.Thread {
	thread := &starlark.Thread{
		Name: s.bot,
		Print: func(_ *starlark.Thread, msg string) {
			s.logger.Info(msg, slog.String("bot", s.bot), slog.String("source", "script"))
		},
	}
	thread.SetLocal("ctx", ctx)
	thread.SetMaxExecutionSteps(s.maxSteps)
	return thread
}

// watchdog cancels the thread when ctx expires, turning a runaway script
// into an evaluation error. The returned stop function must be deferred.
func watchdog(ctx context.Context, thread *starlark.Thread) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel("deadline exceeded")
		case <-done:
		}
	}()
	return func() { close(done) }
}

// classify maps budget violations to a typed Timeout error and leaves
// other errors untouched.
func (s *Sandbox) classify(err error) error {
	if strings.Contains(err.Error(), "Starlark computation cancelled") {
		return &manifest.Error{Kind: manifest.Timeout, Msg: "execution budget exceeded", Err: err}
	}
	return err
}

func (s *Sandbox) fault(handler string, err error) error {
	f := &HandlerFault{Bot: s.bot, Handler: handler, Err: s.classify(err)}
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		f.Backtrace = evalErr.Backtrace()
	}
	return f
}

// dbModule exposes per-bot persistent storage to scripts. Values round-trip
// through JSON, so scripts can store dicts and lists, not just strings.
func (s *Sandbox) dbModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "db",
		Members: starlark.StringDict{
			"get": starlark.NewBuiltin("db.get", s.dbGet),
			"set": starlark.NewBuiltin("db.set", s.dbSet),
		},
	}
}

func (s *Sandbox) dbGet(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(threadContext(thread), s.dbTimeout)
	defer cancel()

	raw, err := s.kv.Get(ctx, s.bot, key)
	if errors.Is(err, store.ErrNotFound) {
		return starlark.None, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}

	var val any
	if err := json.Unmarshal([]byte(raw), &val); err != nil {
		return nil, fmt.Errorf("%s: corrupt value for key %q: %w", b.Name(), key, err)
	}
	return starconv.ToValue(val)
}

func (s *Sandbox) dbSet(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		key string
		val starlark.Value
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "value", &val); err != nil {
		return nil, err
	}

	gv, err := starconv.FromValue(val)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	raw, err := json.Marshal(gv)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}

	ctx, cancel := context.WithTimeout(threadContext(thread), s.dbTimeout)
	defer cancel()

	if err := s.kv.Set(ctx, s.bot, key, string(raw)); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.None, nil
}

func threadContext(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local("ctx").(context.Context); ok {
		return ctx
	}
	return context.Background()
}
