package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"

	"escrowflow/app"
	"escrowflow/config"
	"escrowflow/workflows"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "escrowflow worker: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	path := fs.String("config", "", "path to a YAML config file")
	startCron := fs.Bool("start-cron", true, "start the cron sweep workflow if it is not already running")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := app.NewLogger(cfg.Log, os.Stderr)

	a, err := app.Open(ctx, cfg, logger, app.Collaborators{})
	if err != nil {
		return err
	}
	defer a.Close()

	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
		Logger:    tlog.NewStructuredLogger(logger),
	})
	if err != nil {
		return fmt.Errorf("dial temporal: %w", err)
	}
	defer c.Close()

	taskQueue := cfg.Temporal.TaskQueue
	if taskQueue == "" {
		taskQueue = workflows.TaskQueue
	}
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.ReleaseSweepWorkflow)
	w.RegisterActivity(&workflows.Activities{Sweeper: a.Runner})

	if *startCron && cfg.Scheduler.Mode == config.ModeTemporal {
		wr, err := workflows.StartCron(ctx, c, taskQueue, cfg.Scheduler.Cron)
		if err != nil {
			return err
		}
		logger.Info("release sweep cron started", "workflow_id", wr.GetID(), "run_id", wr.GetRunID(), "cron", cfg.Scheduler.Cron)
	}

	logger.Info("worker started", "task_queue", taskQueue)
	stopCh := make(chan interface{})
	go func() {
		<-ctx.Done()
		close(stopCh)
	}()
	if err := w.Run(stopCh); err != nil {
		return fmt.Errorf("worker exited: %w", err)
	}
	return nil
}
