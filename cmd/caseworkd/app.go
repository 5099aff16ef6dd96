package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	casework "github.com/goliatone/go-casework"
	"github.com/goliatone/go-casework/config"
	"github.com/goliatone/go-casework/detection"
	"github.com/goliatone/go-casework/engine"
	"github.com/goliatone/go-casework/journal"
	"github.com/goliatone/go-casework/logging"
	"github.com/goliatone/go-casework/notify"
	"github.com/goliatone/go-casework/records"
	"github.com/goliatone/go-casework/telemetry"
	"github.com/goliatone/go-casework/workflows"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/mattn/go-sqlite3"
)

const notifyTimeout = 30 * time.Second

// app holds what every command needs: config, logger, journal and engine.
type app struct {
	cfg     *config.Config
	logger  casework.Logger
	journal journal.Journal
	engine  *engine.Engine
	out     io.Writer
	closers []func()
}

func openApp(cli *CLI, out io.Writer) (*app, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return newApp(cfg, out)
}

func newApp(cfg *config.Config, out io.Writer) (*app, error) {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, out: out}

	j, err := a.openJournal()
	if err != nil {
		return nil, err
	}
	a.journal = j

	metrics, err := telemetry.New(nil)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine = engine.New(j,
		engine.WithLogger(logger),
		engine.WithMetrics(metrics),
	)
	return a, nil
}

func (a *app) openJournal() (journal.Journal, error) {
	switch a.cfg.Journal.Driver {
	case "memory":
		return journal.NewInMemoryJournal(), nil
	case "sqlite":
		db, err := sql.Open("sqlite3", a.cfg.Journal.DSN)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		if strings.Contains(a.cfg.Journal.DSN, ":memory:") {
			db.SetMaxOpenConns(1)
		}
		a.closers = append(a.closers, func() { db.Close() })
		return journal.NewSQLiteJournal(db, a.cfg.Journal.Prefix), nil
	}
	return nil, fmt.Errorf("unknown journal driver %q", a.cfg.Journal.Driver)
}

// registerWorkflows wires the collaborators and registers every workflow.
func (a *app) registerWorkflows(ctx context.Context) error {
	store, err := a.openRecords(ctx)
	if err != nil {
		return err
	}

	var sender notify.Sender
	switch a.cfg.Notify.Driver {
	case "http":
		sender = notify.NewHTTPSender(a.cfg.Notify.Endpoint, a.cfg.Notify.APIKey, &http.Client{Timeout: notifyTimeout})
	default:
		sender = notify.LogSender{Logger: a.logger}
	}

	wf := a.cfg.Workflows
	return workflows.Register(a.engine, workflows.Deps{
		Store:    store,
		Sender:   sender,
		Detector: detection.NewClient(a.cfg.Detection.URL, a.cfg.Detection.APIKey, detection.WithTimeout(a.cfg.Detection.Timeout)),
		Logger:   a.logger,
		Config: workflows.Config{
			GracePeriod:     wf.GracePeriod,
			EarlyTolerance:  wf.EarlyTolerance,
			UploadDelay:     wf.UploadDelay,
			VerificationTTL: wf.VerificationTTL,
			Retries:         &wf.Retries,
		},
	})
}

func (a *app) openRecords(ctx context.Context) (records.Store, error) {
	switch a.cfg.Records.Driver {
	case "memory":
		a.logger.Warn("using the in-memory record store; records are lost on restart")
		return records.NewInMemoryStore(), nil
	case "postgres":
		pool, err := pgxpool.New(ctx, a.cfg.Records.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect records database: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		store := records.NewPostgresStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("records schema: %w", err)
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown records driver %q", a.cfg.Records.Driver)
}

func (a *app) newPoller() *engine.Poller {
	p := a.cfg.Poller
	return engine.NewPoller(a.engine,
		engine.WithWorkerID(p.WorkerID),
		engine.WithPollInterval(p.Interval),
		engine.WithBatchSize(p.BatchSize),
		engine.WithConcurrency(p.Concurrency),
		engine.WithLeaseDuration(p.LeaseDuration),
		engine.WithRedeliveryDelay(p.RedeliveryDelay),
		engine.WithMaxAttempts(p.MaxAttempts),
		engine.WithOutcomeHook(func(ctx context.Context, res engine.DispatchEntryResult) {
			if res.Outcome == engine.DispatchOutcomeDeadLettered {
				a.logger.WithContext(ctx).Error("event %s (%s) dead lettered after %d attempts: %s",
					res.ScheduledID, res.Event, res.Attempt, res.Error)
			}
		}),
	)
}

// Close releases the journal and record store connections.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
