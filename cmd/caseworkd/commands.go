package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/goliatone/go-casework/cron"
	"github.com/goliatone/go-casework/engine"
	"github.com/goliatone/go-casework/journal"
	"github.com/goliatone/go-casework/server"
	"github.com/goliatone/go-casework/workflows"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

type ServeCmd struct {
	Addr string `help:"Listen address, overrides http.addr."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(cli, os.Stdout)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.registerWorkflows(ctx); err != nil {
		return err
	}
	addr := c.Addr
	if addr == "" {
		addr = a.cfg.HTTP.Addr
	}
	return a.serve(ctx, addr)
}

func (a *app) serve(ctx context.Context, addr string) error {
	poller := a.newPoller()

	level := strings.ToLower(a.cfg.Log.Level)
	srv := server.New(a.engine, a.journal,
		server.WithLogger(a.logger),
		server.WithPayloadValidator(workflows.ValidatePayload),
		server.WithHealthChecker(poller),
		server.WithTracing("caseworkd"),
		server.WithRequestLogging(level == "debug" || level == "trace"),
	)

	sched := cron.NewScheduler(
		cron.WithLogger(a.logger),
		cron.WithErrorHandler(func(err error) {
			a.logger.Error("maintenance job failed: %v", err)
		}),
	)
	m := a.cfg.Maintenance
	if _, err := cron.ScheduleMaintenance(sched, a.engine, cron.MaintenanceConfig{
		PruneExpression:   m.PruneSchedule,
		PruneOlderThan:    m.PruneOlderThan,
		RecoverExpression: m.RecoverSchedule,
		RecoverOlderThan:  m.RecoverOlderThan,
		Timeout:           m.Timeout,
	}); err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return poller.Run(gctx)
	})
	g.Go(func() error {
		return srv.Start(addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return errors.Join(
			srv.Shutdown(sctx),
			poller.Stop(sctx),
			sched.Stop(sctx),
		)
	})
	return g.Wait()
}

type EmitCmd struct {
	Name string `arg:"" help:"Event name."`
	Data string `help:"JSON payload." default:"{}"`
	At   string `help:"Deliver at this RFC3339 instant instead of now."`
	ID   string `help:"Event id; a repeated id is not scheduled twice."`
}

func (c *EmitCmd) Run(cli *CLI) error {
	a, err := openApp(cli, os.Stdout)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.emit(context.Background(), c)
}

func (a *app) emit(ctx context.Context, c *EmitCmd) error {
	raw := json.RawMessage(strings.TrimSpace(c.Data))
	if !json.Valid(raw) {
		return fmt.Errorf("--data is not valid JSON")
	}
	if err := workflows.ValidatePayload(c.Name, raw); err != nil {
		return err
	}

	var opts []engine.EmitOption
	if c.At != "" {
		at, err := time.Parse(time.RFC3339, c.At)
		if err != nil {
			return fmt.Errorf("--at: %w", err)
		}
		opts = append(opts, engine.WithAt(at))
	}
	if c.ID != "" {
		opts = append(opts, engine.WithEventID(c.ID))
	}

	id, err := a.engine.Emit(ctx, c.Name, raw, opts...)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, id)
	return nil
}

type RunsListCmd struct {
	Status   string `help:"Only runs in this status (running, completed, failed)."`
	Function string `help:"Only runs of this function."`
	Limit    int    `help:"Maximum rows." default:"20"`
}

func (c *RunsListCmd) Run(cli *CLI) error {
	a, err := openApp(cli, os.Stdout)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.listRuns(context.Background(), c)
}

func (a *app) listRuns(ctx context.Context, c *RunsListCmd) error {
	switch journal.RunStatus(c.Status) {
	case "", journal.RunRunning, journal.RunCompleted, journal.RunFailed:
	default:
		return fmt.Errorf("unknown status %q", c.Status)
	}
	runs, err := a.journal.ListRuns(ctx, journal.RunFilter{
		Status:     journal.RunStatus(c.Status),
		FunctionID: c.Function,
		Limit:      c.Limit,
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFUNCTION\tSTATUS\tATTEMPTS\tUPDATED")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			run.ID, run.FunctionID, run.Status, run.Attempts, run.UpdatedAt.UTC().Format(time.RFC3339))
	}
	return w.Flush()
}

type RunsShowCmd struct {
	ID string `arg:"" help:"Run id."`
}

func (c *RunsShowCmd) Run(cli *CLI) error {
	a, err := openApp(cli, os.Stdout)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.showRun(context.Background(), c.ID)
}

type eventView struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Data any    `yaml:"data,omitempty"`
}

type stepView struct {
	journal.StepRecord `yaml:",inline"`
	Output             any `yaml:"output,omitempty"`
}

type runView struct {
	journal.Run `yaml:",inline"`
	Event       eventView  `yaml:"event"`
	Output      any        `yaml:"output,omitempty"`
	Steps       []stepView `yaml:"steps"`
}

func (a *app) showRun(ctx context.Context, id string) error {
	run, err := a.journal.LoadRun(ctx, id)
	if err != nil {
		return err
	}
	steps, err := a.journal.ListSteps(ctx, run.ID)
	if err != nil {
		return err
	}

	view := runView{
		Run: *run,
		Event: eventView{
			ID:   run.Event.ID,
			Name: run.Event.Name,
			Data: decodeJSON(run.Event.Data),
		},
		Output: decodeJSON(run.Output),
		Steps:  make([]stepView, 0, len(steps)),
	}
	for _, s := range steps {
		view.Steps = append(view.Steps, stepView{StepRecord: s, Output: decodeJSON(s.Output)})
	}

	enc := yaml.NewEncoder(a.out)
	enc.SetIndent(2)
	if err := enc.Encode(view); err != nil {
		return err
	}
	return enc.Close()
}

func decodeJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

type PruneCmd struct {
	OlderThan time.Duration `help:"Delete runs finished before now minus this." default:"720h"`
}

func (c *PruneCmd) Run(cli *CLI) error {
	a, err := openApp(cli, os.Stdout)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.prune(context.Background(), c.OlderThan)
}

func (a *app) prune(ctx context.Context, olderThan time.Duration) error {
	if olderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}
	n, err := a.engine.Prune(ctx, olderThan)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "pruned %d run(s)\n", n)
	return nil
}
