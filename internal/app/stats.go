package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/pulse/internal/cli"
	"horse.fit/pulse/internal/store"
)

func runStats(args []string) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "stats does not accept positional arguments")
		return 2
	}

	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	ctx, cancel, svc, err := connectServices(*timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer svc.Close()

	stats, err := svc.store.Stats(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query pipeline stats: %v\n", err)
		return 1
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(stats); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	if err := writeTable([]string{"metric", "value"}, statsRows(stats)); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render stats table: %v\n", err)
		return 1
	}
	return 0
}

func statsRows(stats store.Stats) [][]string {
	row := func(name string, v int64) []string { return []string{name, fmt.Sprintf("%d", v)} }
	return [][]string{
		row("sources", stats.Sources),
		row("active_sources", stats.ActiveSources),
		row("unhealthy_sources", stats.UnhealthySources),
		row("raw_items_pending", stats.RawItemsPending),
		row("raw_items_processed", stats.RawItemsDone),
		row("raw_items_error", stats.RawItemsError),
		row("contents", stats.Contents),
		row("stories", stats.Stories),
		row("stories_analyzed", stats.Analyzed),
		row("embeddings", stats.Embeddings),
		row("highlights", stats.Highlights),
		row("scored_highlights", stats.ScoredHighlights),
	}
}
