package app

import (
	"fmt"
	"os"
	"strings"
)

// Run executes the CLI command and returns a process exit code.
func Run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "--help", "-h":
		printUsage()
		return 0
	case "health":
		return runHealth(args[1:])
	case "migrate":
		return runMigrate(args[1:])
	case "worker":
		return runWorker(args[1:])
	case "serve":
		return runServe(args[1:])
	case "ingest-url":
		return runIngestURL(args[1:])
	case "ingest-upload":
		return runIngestUpload(args[1:])
	case "ingest-source":
		return runIngestSource(args[1:])
	case "reanalyze":
		return runReanalyze(args[1:])
	case "job":
		return runJob(args[1:])
	case "schedules":
		return runSchedules(args[1:])
	case "seed-sources":
		return runSeedSources(args[1:])
	case "validate":
		return runValidate(args[1:])
	case "stats":
		return runStats(args[1:])
	case "hash-token":
		return runHashToken(args[1:])
	case "daemon":
		return runDaemon(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "pulse CLI")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  pulse <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  health         Verify database and queue connectivity")
	fmt.Fprintln(os.Stderr, "  migrate        Apply database migrations (up, down, status, version)")
	fmt.Fprintln(os.Stderr, "  worker         Consume pipeline jobs; --scheduler also fires cron schedules")
	fmt.Fprintln(os.Stderr, "  serve          Start the HTTP trigger API")
	fmt.Fprintln(os.Stderr, "  ingest-url     Queue one URL for ingestion")
	fmt.Fprintln(os.Stderr, "  ingest-upload  Queue a bulk upload from a local file or object key")
	fmt.Fprintln(os.Stderr, "  ingest-source  Queue a poll of one source")
	fmt.Fprintln(os.Stderr, "  reanalyze      Queue a fresh analysis of one story")
	fmt.Fprintln(os.Stderr, "  job            Show, list or cancel jobs")
	fmt.Fprintln(os.Stderr, "  schedules      Register or list cron schedules")
	fmt.Fprintln(os.Stderr, "  seed-sources   Upsert sources from SOURCES_FILE")
	fmt.Fprintln(os.Stderr, "  validate       Validate task payload files")
	fmt.Fprintln(os.Stderr, "  stats          Print pipeline counters")
	fmt.Fprintln(os.Stderr, "  hash-token     Print the bcrypt hash for API_TOKEN_HASH")
	fmt.Fprintln(os.Stderr, "  daemon         Manage systemd services (install/start/stop/status)")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Use \"pulse <command> -h\" for command-specific flags.")
}
