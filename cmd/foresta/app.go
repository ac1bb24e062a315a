package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/danshapiro/foresta/internal/config"
	"github.com/danshapiro/foresta/internal/cyclelock"
	"github.com/danshapiro/foresta/internal/decision"
	"github.com/danshapiro/foresta/internal/destiny"
	"github.com/danshapiro/foresta/internal/llm"
	"github.com/danshapiro/foresta/internal/llmclient"
	"github.com/danshapiro/foresta/internal/notify"
	"github.com/danshapiro/foresta/internal/orchestrator"
	"github.com/danshapiro/foresta/internal/session"
	"github.com/danshapiro/foresta/internal/storage/sqlite"
	"github.com/danshapiro/foresta/internal/telemetry"
)

// app is one fully wired simulation instance.
type app struct {
	cfg         config.Config
	logger      *log.Logger
	store       *sqlite.Store
	storyteller *llm.Generator
	destinies   *destiny.Engine
	locks       *cyclelock.Manager
	tracker     *session.Tracker
	orch        *orchestrator.Orchestrator

	closers []func(context.Context) error
}

func (c *cli) open(ctx context.Context) (*app, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger := log.New(c.stderr, "[foresta] ", log.LstdFlags)
	a := &app{cfg: cfg, logger: logger}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	shutdown, err := telemetry.Setup(ctx, "foresta", a.cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, shutdown)

	store, err := sqlite.Open(a.cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, func(context.Context) error { return store.Close() })

	gen, err := llmclient.NewFromConfig(a.cfg, a.logger)
	if err != nil {
		return err
	}
	a.storyteller = gen

	// A nil *llm.Generator must not become a non-nil interface.
	var (
		destinyGen  destiny.Generator
		decisionGen decision.Generator
		storyteller orchestrator.Storyteller
	)
	if gen != nil {
		destinyGen, decisionGen, storyteller = gen, gen, gen
	}
	a.destinies = destiny.New(destinyGen, store, a.logger)
	decisions := decision.New(decisionGen, decision.Options{Logger: a.logger})

	a.locks = cyclelock.New(store, cyclelock.Options{
		StaleAfter: a.cfg.LockStaleAfter,
		Retry:      a.cfg.Tuning.LockRetry,
		Logger:     a.logger,
	})

	var sessions session.Store = session.NewMemoryStore(nil)
	if a.cfg.RedisURL != "" {
		rs, err := session.OpenRedis(ctx, a.cfg.RedisURL)
		if err != nil {
			return err
		}
		sessions = rs
		a.closers = append(a.closers, func(context.Context) error { return rs.Close() })
	}
	a.tracker = session.NewTracker(store, sessions, nil, a.cfg.ConversationTTL, a.logger)

	notifiers := notify.Multi{notify.NewLog(a.logger)}
	if a.cfg.TelegramToken != "" {
		tg, err := notify.NewTelegram(a.cfg.TelegramToken, a.cfg.TelegramChatID, "")
		if err != nil {
			return err
		}
		notifiers = append(notifiers, tg)
	}

	a.orch, err = orchestrator.New(orchestrator.Config{
		Store:        store,
		Locks:        a.locks,
		Decisions:    decisions,
		Destinies:    a.destinies,
		Storyteller:  storyteller,
		Notifier:     notifiers,
		Sweeper:      a.tracker,
		Logger:       log.New(a.logger.Writer(), "[foresta-cycle] ", log.LstdFlags),
		AdvanceRetry: a.cfg.Tuning.LockRetry,
	})
	return err
}

// Close releases everything in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
