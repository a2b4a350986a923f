package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/pulse/internal/cli"
)

func runHealth(args []string) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 5*time.Second, "Connectivity check timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	ctx, cancel, svc, err := connectServices(*timeout, envLoader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer cancel()
	defer svc.Close()

	if _, err := svc.store.Stats(ctx); err != nil {
		svc.logger.Error().Err(err).Msg("store health check failed")
		fmt.Fprintf(os.Stderr, "Health check failed: store: %v\n", err)
		return 1
	}
	if _, err := svc.queue.Schedules(ctx); err != nil {
		svc.logger.Error().Err(err).Msg("queue health check failed")
		fmt.Fprintf(os.Stderr, "Health check failed: queue: %v\n", err)
		return 1
	}

	svc.logger.Info().
		Dur("timeout", *timeout).
		Str("queue_backend", svc.cfg.QueueBackend).
		Msg("health check passed")
	fmt.Printf("ok: store and %s queue reachable\n", svc.cfg.QueueBackend)
	return 0
}
