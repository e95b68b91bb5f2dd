// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package notify delivers scheduled notifications. A periodic sweep checks
// every bot's notification specs against the bot's local clock and fires
// the ones that are due, recording a marker per fired period so a
// notification never fires twice even with overlapping sweeps.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"go.astrophena.name/botfarm/internal/dialog"
	"go.astrophena.name/botfarm/internal/manifest"
	"go.astrophena.name/botfarm/internal/sandbox"
	"go.astrophena.name/botfarm/internal/starconv"
	"go.astrophena.name/botfarm/internal/store"
	"go.starlark.net/starlark"
)

// Scheduler sweeps bot notifications. Sweep is a pure function of the
// passed time, so tests can drive it with a synthetic clock.
type Scheduler struct {
	// Bots returns the current set of live bots. It is called on every
	// sweep so reloads are picked up immediately.
	Bots      func() []dialog.Bot
	Store     store.Store
	Localizer dialog.Localizer
	Logger    *slog.Logger
	// Interval is the expected sweep cadence, used to detect missed
	// ticks. Zero means a minute.
	Interval time.Duration

	mu       sync.Mutex
	lastTick time.Time
}

// Sweep fires every notification that is due at now. Failures of one
// notification or one recipient are logged and never stop the sweep.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) {
	s.observeTick(now)

	for _, bot := range s.Bots() {
		local := now.UTC().Add(time.Duration(bot.Manifest.Config.Timezone) * time.Hour)
		for i, n := range bot.Manifest.Notifications {
			due, period := due(n.Trigger, local)
			if !due {
				continue
			}
			first, err := s.Store.MarkFired(ctx, bot.ID, i, period)
			if err != nil {
				s.logger().Error("failed to mark notification as fired",
					slog.String("bot", bot.ID), slog.Int("notification", i), slog.Any("error", err))
				continue
			}
			if !first {
				continue
			}
			if err := s.deliver(ctx, bot, n); err != nil {
				s.logger().Error("notification delivery failed",
					slog.String("bot", bot.ID), slog.Int("notification", i), slog.Any("error", err))
			}
		}
	}
}

// observeTick warns when the gap since the previous sweep exceeds twice the
// expected cadence, which means due notifications were delivered late.
func (s *Scheduler) observeTick(now time.Time) {
	interval := s.Interval
	if interval == 0 {
		interval = time.Minute
	}
	s.mu.Lock()
	last := s.lastTick
	s.lastTick = now
	s.mu.Unlock()
	if !last.IsZero() && now.Sub(last) > 2*interval {
		s.logger().Warn("scheduler missed ticks",
			slog.Time("last_tick", last), slog.Duration("gap", now.Sub(last)))
	}
}

// due reports whether the trigger fires at the local time, and the period
// key identifying this firing.
//
// A once-a-day trigger is due from its wall-clock minute until midnight, so
// a late sweep still delivers it; the day is the period. A recurring
// trigger fires on a fixed grid anchored at its base hour; the latest grid
// instant not after local identifies the period.
func due(tr manifest.Trigger, local time.Time) (bool, string) {
	switch tr.Kind {
	case manifest.TriggerOnce:
		if local.Hour()*60+local.Minute() < tr.Hour*60+tr.Minute {
			return false, ""
		}
		return true, local.Format("2006-01-02")
	case manifest.TriggerEvery:
		midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
		anchor := midnight.Add(time.Duration(tr.Hour) * time.Hour)
		if local.Before(anchor) {
			return false, ""
		}
		k := local.Sub(anchor) / tr.Every
		instant := anchor.Add(k * tr.Every)
		return true, instant.Format(time.RFC3339)
	}
	return false, ""
}

// deliver resolves the notification's recipients and sends the message to
// each of them.
func (s *Scheduler) deliver(ctx context.Context, bot dialog.Bot, n manifest.Notification) error {
	sessions, err := s.recipients(ctx, bot, n.Filter)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		text, skip, err := s.message(ctx, bot, sess, n.Message)
		if err != nil {
			s.logger().Error("failed to resolve notification message",
				slog.String("bot", bot.ID), slog.Int64("chat_id", sess.ChatID), slog.Any("error", err))
			continue
		}
		if skip {
			continue
		}
		if _, err := bot.Transport.Send(ctx, sess.ChatID, text, nil); err != nil {
			s.logger().Error("failed to send notification",
				slog.String("bot", bot.ID), slog.Int64("chat_id", sess.ChatID), slog.Any("error", err))
		}
	}
	return nil
}

func (s *Scheduler) recipients(ctx context.Context, bot dialog.Bot, f manifest.Filter) ([]*store.Session, error) {
	sessions, err := s.Store.Sessions(ctx, bot.ID)
	if err != nil {
		return nil, err
	}
	switch f.Kind {
	case manifest.FilterAll:
		return sessions, nil
	case manifest.FilterRandom:
		if len(sessions) <= f.N {
			return sessions, nil
		}
		rand.Shuffle(len(sessions), func(i, j int) {
			sessions[i], sessions[j] = sessions[j], sessions[i]
		})
		return sessions[:f.N], nil
	case manifest.FilterFunc:
		v, _, err := bot.Sandbox.Invoke(ctx, f.Fn)
		if err != nil {
			return nil, err
		}
		ids, err := chatIDs(v)
		if err != nil {
			return nil, err
		}
		var picked []*store.Session
		for _, sess := range sessions {
			if ids[sess.ChatID] {
				picked = append(picked, sess)
			}
		}
		return picked, nil
	}
	return nil, fmt.Errorf("unknown filter kind %d", f.Kind)
}

func chatIDs(v starlark.Value) (map[int64]bool, error) {
	it, ok := v.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("filter function must return a list of chat ids, got %s", v.Type())
	}
	ids := make(map[int64]bool)
	iter := it.Iterate()
	defer iter.Done()
	var el starlark.Value
	for iter.Next(&el) {
		n, ok := el.(starlark.Int)
		if !ok {
			return nil, fmt.Errorf("filter function must return integers, got %s", el.Type())
		}
		id, ok := n.Int64()
		if !ok {
			return nil, fmt.Errorf("chat id %s out of range", n)
		}
		ids[id] = true
	}
	return ids, nil
}

// message resolves the notification text for one recipient. A message
// function can return False to skip the recipient.
func (s *Scheduler) message(ctx context.Context, bot dialog.Bot, sess *store.Session, m manifest.Message) (text string, skip bool, err error) {
	switch {
	case m.Text != "":
		return m.Text, false, nil
	case m.Literal != "":
		text, err := s.Localizer.Variant(ctx, bot.ID, m.Literal, sess.Variant)
		return text, false, err
	case m.Fn != nil:
		user, err := starconv.ToValue(map[string]any{
			"chat_id": sess.ChatID,
			"user_id": sess.UserID,
			"variant": sess.Variant,
		})
		if err != nil {
			return "", false, err
		}
		v, sig, err := bot.Sandbox.Invoke(ctx, m.Fn, user)
		if err != nil {
			return "", false, err
		}
		if sig == sandbox.Suppress {
			return "", true, nil
		}
		str, ok := starlark.AsString(v)
		if !ok {
			return "", false, fmt.Errorf("message function must return a string, got %s", v.Type())
		}
		return str, false, nil
	}
	return "", false, fmt.Errorf("notification has no message source")
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.New(slog.DiscardHandler)
}
