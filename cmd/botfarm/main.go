// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.astrophena.name/botfarm/internal/cli"
	"go.astrophena.name/botfarm/internal/dialog"
	"go.astrophena.name/botfarm/internal/host"
	"go.astrophena.name/botfarm/internal/notify"
	"go.astrophena.name/botfarm/internal/store"
	"go.astrophena.name/botfarm/internal/telegram"
	"go.astrophena.name/botfarm/internal/web"

	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

func main() { cli.Main(cli.AppFunc(run)) }

// config is read from BOTFARM_* environment variables.
type config struct {
	Addr        string `default:"localhost:3000"`
	BotsDir     string `envconfig:"BOTS_DIR" default:"bots"`
	DatabaseURL string `envconfig:"DATABASE_URL"`
	ReloadToken string `envconfig:"RELOAD_TOKEN"`
	Workers     int    `default:"4"`
}

func run(ctx context.Context, env *cli.Env) error {
	var cfg config
	if err := envconfig.Process("botfarm", &cfg); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(env.Stderr, nil))

	st, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()

	f := &farm{
		cfg:    cfg,
		env:    env,
		logger: logger,
		host: host.New(host.Opts{
			Store:   st,
			Logger:  logger,
			Workers: cfg.Workers,
		}),
	}
	f.scheduler = &notify.Scheduler{
		Bots:      f.host.Bots,
		Store:     st,
		Localizer: dialog.KVLocalizer{KV: st},
		Logger:    logger,
	}

	if err := f.loadBots(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /telegram/{bot}", f.handleWebhook)
	mux.HandleFunc("POST /reload/{bot}", f.handleReload)
	web.Health(mux).RegisterFunc("bots", func() (string, bool) {
		n := len(f.host.Bots())
		return fmt.Sprintf("%d bots serving", n), n > 0
	})

	c := cron.New()
	if _, err := c.AddFunc("@every 1m", func() {
		sweepCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		f.scheduler.Sweep(sweepCtx, time.Now())
	}); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return f.host.Run(ctx) })
	g.Go(func() error {
		return web.ListenAndServe(ctx, &web.ListenAndServeConfig{
			Addr:   cfg.Addr,
			Mux:    mux,
			Logger: logger,
		})
	})
	g.Go(func() error {
		c.Start()
		<-ctx.Done()
		<-c.Stop().Done()
		return ctx.Err()
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// openStore picks a storage backend from the DSN: a postgres:// URL, a
// SQLite file path, or in-memory storage when empty.
func openStore(ctx context.Context, dsn string) (store.Store, error) {
	switch {
	case dsn == "":
		return store.NewMemStore(), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return store.NewPostgresStore(ctx, dsn)
	default:
		return store.NewSQLiteStore(ctx, dsn)
	}
}

type farm struct {
	cfg       config
	env       *cli.Env
	logger    *slog.Logger
	host      *host.Host
	scheduler *notify.Scheduler
	clients   map[string]*telegram.Client
}

// loadBots registers every *.star script in the bots directory and
// performs its initial reload. A bot whose script fails to load is still
// registered so a later fixed reload can bring it up.
func (f *farm) loadBots(ctx context.Context) error {
	scripts, err := filepath.Glob(filepath.Join(f.cfg.BotsDir, "*.star"))
	if err != nil {
		return err
	}
	if len(scripts) == 0 {
		return fmt.Errorf("no bot scripts found in %q", f.cfg.BotsDir)
	}

	f.clients = make(map[string]*telegram.Client)
	for _, script := range scripts {
		id := strings.TrimSuffix(filepath.Base(script), ".star")

		var transport dialog.Transport
		token := f.env.Getenv("BOTFARM_TOKEN_" + strings.ToUpper(id))
		if token != "" {
			client := telegram.New(token)
			f.clients[id] = client
			transport = client
		} else {
			f.logger.Warn("bot has no Telegram token, hosting without transport",
				slog.String("bot", id))
			transport = noopTransport{}
		}
		f.host.AddBot(id, transport)

		if err := f.reloadFromDisk(ctx, id); err != nil {
			f.logger.Error("initial load failed", slog.String("bot", id), slog.Any("error", err))
		}
	}
	return nil
}

func (f *farm) reloadFromDisk(ctx context.Context, id string) error {
	src, err := os.ReadFile(filepath.Join(f.cfg.BotsDir, id+".star"))
	if err != nil {
		return err
	}
	return f.host.Reload(ctx, id, src)
}

func (f *farm) handleWebhook(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("bot")
	client, ok := f.clients[id]
	if !ok {
		web.RespondJSONError(f.logger, w, fmt.Errorf("bot %q %w", id, web.ErrNotFound))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		web.RespondJSONError(f.logger, w, err)
		return
	}

	ev, queryID, err := telegram.ParseUpdate(id, body)
	if telegram.SkipUpdate(err) {
		web.RespondJSON(w, map[string]string{"status": "ignored"})
		return
	}
	if err != nil {
		web.RespondJSONError(f.logger, w, fmt.Errorf("%w: %v", web.ErrBadRequest, err))
		return
	}

	if queryID != "" {
		if err := client.AnswerCallbackQuery(r.Context(), queryID); err != nil {
			f.logger.Warn("failed to answer callback query",
				slog.String("bot", id), slog.Any("error", err))
		}
	}

	if err := f.host.Dispatch(r.Context(), ev); err != nil {
		web.RespondJSONError(f.logger, w, err)
		return
	}
	web.RespondJSON(w, map[string]string{"status": "ok"})
}

func (f *farm) handleReload(w http.ResponseWriter, r *http.Request) {
	if f.cfg.ReloadToken == "" ||
		r.Header.Get("Authorization") != "Bearer "+f.cfg.ReloadToken {
		web.RespondJSONError(f.logger, w, web.ErrUnauthorized)
		return
	}

	id := r.PathValue("bot")
	if err := f.reloadFromDisk(r.Context(), id); err != nil {
		web.RespondJSONError(f.logger, w, err)
		return
	}
	web.RespondJSON(w, map[string]string{"status": "reloaded"})
}

// noopTransport drops outgoing messages. It stands in for bots that have
// no Telegram token configured.
type noopTransport struct{}

func (noopTransport) Send(ctx context.Context, chatID int64, text string, keyboard [][]dialog.Button) (int64, error) {
	return 0, nil
}

func (noopTransport) Edit(ctx context.Context, chatID, messageID int64, text string, keyboard [][]dialog.Button) error {
	return nil
}
