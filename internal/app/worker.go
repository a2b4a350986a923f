package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"horse.fit/pulse/internal/cli"
)

func runWorker(args []string) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	scheduler := fs.Bool("scheduler", false, "Also register schedules and fire them (run in exactly one process)")
	schedulesFile := fs.String("schedules-file", "", "Schedules YAML (default: SCHEDULES_FILE, then built-in defaults)")
	taskList := fs.String("tasks", "", "Comma-separated task names to consume (default: all)")
	maintenanceInterval := fs.Duration("maintenance-interval", 15*time.Second, "Queue sweep interval when --scheduler is set")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "worker does not accept positional arguments")
		return 2
	}

	cfg, logger, err := loadConfig(envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, err := connect(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("worker setup failed")
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer svc.Close()

	if err := svc.pipeline.Runtime.CheckGraph(); err != nil {
		logger.Error().Err(err).Msg("pipeline graph is inconsistent")
		return 1
	}

	var names []string
	for _, name := range strings.Split(*taskList, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}

	if *scheduler {
		path := strings.TrimSpace(*schedulesFile)
		if path == "" {
			path = cfg.SchedulesFile
		}
		report, err := svc.pipeline.RegisterSchedules(ctx, path)
		if err != nil {
			logger.Error().Err(err).Msg("schedule registration failed")
			return 1
		}
		logger.Info().Int("created", report.Created).Int("unchanged", report.Unchanged).Msg("schedules registered")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.pipeline.Runtime.Start(gctx, names...)
	})
	if svc.pg != nil {
		g.Go(func() error {
			svc.pg.Listen(gctx)
			return nil
		})
	}
	if *scheduler {
		g.Go(func() error {
			return svc.runMaintenance(gctx, *maintenanceInterval)
		})
	}

	logger.Info().
		Str("queue_backend", cfg.QueueBackend).
		Bool("scheduler", *scheduler).
		Strs("tasks", names).
		Msg("worker started")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker failed")
		fmt.Fprintf(os.Stderr, "Worker failed: %v\n", err)
		return 1
	}
	logger.Info().Msg("worker stopped")
	return 0
}
