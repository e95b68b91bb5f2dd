// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package host runs a fleet of script-driven bots. It owns the bot
// registry, reloads scripts with an atomic manifest swap (a failed reload
// keeps the previous manifest in service) and dispatches incoming events
// through a worker pool that serializes work per chat.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.astrophena.name/botfarm/internal/dialog"
	"go.astrophena.name/botfarm/internal/manifest"
	"go.astrophena.name/botfarm/internal/sandbox"
	"go.astrophena.name/botfarm/internal/store"
	"go.astrophena.name/botfarm/internal/syncutil"
	"golang.org/x/sync/errgroup"
)

// Opts configures a Host.
type Opts struct {
	Store  store.Store
	Logger *slog.Logger
	// Workers is the size of the dispatch worker pool. Zero means 4.
	Workers int
	// QueueSize is the dispatch queue capacity. Zero means 128.
	QueueSize int
	// Budgets carries the sandbox execution budgets applied to every bot.
	// Its Bot, KV, Natives and Logger fields are ignored.
	Budgets sandbox.Opts
}

// Host serves a set of bots.
type Host struct {
	store   store.Store
	logger  *slog.Logger
	engine  *dialog.Engine
	budgets sandbox.Opts

	workers int
	events  chan dialog.Event
	chats   syncutil.KeyedMutex

	mu   sync.RWMutex
	bots map[string]*bot
}

type bot struct {
	id        string
	transport dialog.Transport
	sb        *sandbox.Sandbox
	// man is the live manifest, swapped wholesale on successful reload.
	man atomic.Pointer[manifest.Manifest]
}

// New creates a Host from opts.
func New(opts Opts) *Host {
	h := &Host{
		store:   opts.Store,
		logger:  opts.Logger,
		budgets: opts.Budgets,
		workers: opts.Workers,
		bots:    make(map[string]*bot),
	}
	if h.logger == nil {
		h.logger = slog.New(slog.DiscardHandler)
	}
	if h.workers == 0 {
		h.workers = 4
	}
	queueSize := opts.QueueSize
	if queueSize == 0 {
		queueSize = 128
	}
	h.events = make(chan dialog.Event, queueSize)
	h.engine = &dialog.Engine{
		Store:     opts.Store,
		Localizer: dialog.KVLocalizer{KV: opts.Store},
		Logger:    h.logger,
	}
	return h
}

// AddBot registers a bot without a manifest. The bot starts serving once
// its first Reload succeeds.
func (h *Host) AddBot(id string, transport dialog.Transport) {
	sbOpts := h.budgets
	sbOpts.Bot = id
	sbOpts.KV = h.store
	sbOpts.Logger = h.logger

	h.mu.Lock()
	defer h.mu.Unlock()
	h.bots[id] = &bot{
		id:        id,
		transport: transport,
		sb:        sandbox.New(sbOpts),
	}
}

// Reload executes a bot's script and publishes the resulting manifest.
// On any failure the previously published manifest stays in service.
func (h *Host) Reload(ctx context.Context, id string, src []byte) error {
	b, ok := h.bot(id)
	if !ok {
		return fmt.Errorf("bot %q is not registered", id)
	}
	raw, err := b.sb.Load(ctx, id+".star", src)
	if err != nil {
		return err
	}
	man, err := manifest.Compile(raw)
	if err != nil {
		return err
	}
	b.man.Store(man)
	h.logger.Info("bot reloaded",
		slog.String("bot", id), slog.String("version", man.Config.Version))
	return nil
}

func (h *Host) bot(id string) (*bot, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	b, ok := h.bots[id]
	return b, ok
}

// Bot returns a snapshot of a live bot, or false if the bot is unknown or
// has no published manifest yet.
func (h *Host) Bot(id string) (dialog.Bot, bool) {
	b, ok := h.bot(id)
	if !ok {
		return dialog.Bot{}, false
	}
	man := b.man.Load()
	if man == nil {
		return dialog.Bot{}, false
	}
	return dialog.Bot{ID: b.id, Manifest: man, Sandbox: b.sb, Transport: b.transport}, true
}

// Bots returns snapshots of all bots with a published manifest.
func (h *Host) Bots() []dialog.Bot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	bots := make([]dialog.Bot, 0, len(h.bots))
	for _, b := range h.bots {
		man := b.man.Load()
		if man == nil {
			continue
		}
		bots = append(bots, dialog.Bot{ID: b.id, Manifest: man, Sandbox: b.sb, Transport: b.transport})
	}
	return bots
}

// Dispatch queues an event for processing. It blocks only when the queue
// is full.
func (h *Host) Dispatch(ctx context.Context, ev dialog.Event) error {
	select {
	case h.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes queued events until ctx is canceled.
func (h *Host) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for range h.workers {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case ev := <-h.events:
					h.handle(ctx, ev)
				}
			}
		})
	}
	return g.Wait()
}

// handle processes one event. Events for the same chat run strictly in
// order; a fault inside a handler is logged and fails only that event.
func (h *Host) handle(ctx context.Context, ev dialog.Event) {
	b, ok := h.Bot(ev.Bot)
	if !ok {
		h.logger.Warn("event for unknown bot dropped", slog.String("bot", ev.Bot))
		return
	}

	unlock := h.chats.Lock(fmt.Sprintf("%s/%d", ev.Bot, ev.ChatID))
	defer unlock()

	err := h.engine.Handle(ctx, b, ev)
	switch {
	case err == nil:
	case errors.Is(err, dialog.ErrUnknownRoute):
		h.logger.Info("unknown route",
			slog.String("bot", ev.Bot), slog.Int64("chat_id", ev.ChatID), slog.Any("error", err))
	default:
		h.logger.Error("event processing failed",
			slog.String("bot", ev.Bot), slog.Int64("chat_id", ev.ChatID), slog.Any("error", err))
	}
}
