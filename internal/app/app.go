// Package app wires a workspace into a running millwork instance: database,
// config, change bus, engine and presence service, plus the background
// workers that serve uses.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"millwork/internal/config"
	"millwork/internal/db"
	"millwork/internal/engine"
	"millwork/internal/feed"
	"millwork/internal/logger"
	"millwork/internal/migrate"
	"millwork/internal/mq"
	"millwork/internal/presence"
	"millwork/internal/repo"
	"millwork/internal/server"
)

type Options struct {
	Workspace string
	Driver    string
	DSN       string
	Log       *logger.Logger
}

type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Repo      repo.Repo
	Bus       *feed.Bus
	Engine    engine.Engine
	Presence  *presence.Service
	Log       *logger.Logger
}

// Open connects to the workspace database, applies pending migrations and
// loads millwork.yml, falling back to defaults when the file is absent.
func Open(ctx context.Context, opts Options) (*App, error) {
	log := opts.Log
	if log == nil {
		log = logger.Discard()
	}
	cfg, err := config.LoadOrDefault(opts.Workspace)
	if err != nil {
		return nil, err
	}
	dbCfg := db.Config{Workspace: opts.Workspace, Driver: opts.Driver, DSN: opts.DSN}
	conn, err := db.Open(dbCfg)
	if err != nil {
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect %s: %w", dbCfg.Dialect(), err)
	}
	if err := migrate.Migrate(conn, dbCfg.Dialect()); err != nil {
		conn.Close()
		return nil, err
	}
	r := repo.New(conn, dbCfg.Dialect())
	bus := feed.NewBus(log.With("feed"))
	svc := &presence.Service{
		Store:      r,
		Bus:        bus,
		Log:        log.With("presence"),
		StaleAfter: cfg.Presence.StaleAfter,
	}
	a := &App{
		Workspace: opts.Workspace,
		Config:    cfg,
		DB:        conn,
		Repo:      r,
		Bus:       bus,
		Engine:    engine.New(r, cfg, bus, log.With("engine")),
		Presence:  svc,
		Log:       log,
	}
	return a, nil
}

// Close ends every bus tap, then closes the database.
func (a *App) Close() error {
	a.Bus.Close()
	return a.DB.Close()
}

// Workers are the background jobs of a serving instance.
type Workers struct {
	sweeper *presence.Sweeper
	mq      *mq.Client
	tap     *feed.Subscription
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	log     *logger.Logger
}

// StartWorkers launches the presence sweeper, the webhook dispatcher and,
// when amqp is enabled, the change forwarder. They run until Stop.
func (a *App) StartWorkers(ctx context.Context) (*Workers, error) {
	w := &Workers{log: a.Log}
	if schedule := a.Config.Presence.SweepSchedule; schedule != "" {
		s, err := presence.NewSweeper(a.Presence, schedule, a.Log.With("presence"))
		if err != nil {
			return nil, err
		}
		w.sweeper = s
	}
	var fwd *mq.Forwarder
	if a.Config.AMQP.Enabled {
		client, err := mq.Dial(a.Config.AMQP.URL)
		if err != nil {
			return nil, err
		}
		if err := client.DeclareExchange(a.Config.AMQP.Exchange); err != nil {
			client.Close()
			return nil, err
		}
		w.mq = client
		fwd = &mq.Forwarder{Pub: client, Exchange: a.Config.AMQP.Exchange, Log: a.Log.With("mq")}
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	if w.sweeper != nil {
		w.sweeper.Start()
	}
	if fwd != nil {
		sub := a.Bus.Tap(256)
		w.tap = &sub
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := fwd.Run(ctx, sub); err != nil && !errors.Is(err, context.Canceled) {
				w.log.Error("mq.forwarder_stopped", err, nil)
			}
		}()
	}
	if len(a.Config.Webhooks) > 0 {
		d := server.NewWebhookDispatcher(a.Repo, a.Config.Webhooks, a.Log.With("webhooks"))
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			d.Run(ctx)
		}()
	}
	a.Log.Info("workers.started", "background workers running", logger.Fields{
		"sweep_schedule": a.Config.Presence.SweepSchedule,
		"webhooks":       len(a.Config.Webhooks),
		"amqp":           a.Config.AMQP.Enabled,
	})
	return w, nil
}

// Stop cancels the workers and waits for them, bounded by ctx.
func (w *Workers) Stop(ctx context.Context) error {
	w.cancel()
	if w.tap != nil {
		w.tap.Close()
	}
	var errs []error
	if w.sweeper != nil {
		if err := w.sweeper.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	if w.mq != nil {
		if err := w.mq.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
