package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"horse.fit/pulse/internal/cli"
	"horse.fit/pulse/internal/queue"
)

func runJob(args []string) int {
	if len(args) == 0 {
		printJobUsage()
		return 2
	}

	action := strings.ToLower(strings.TrimSpace(args[0]))
	switch action {
	case "help", "-h", "--help":
		printJobUsage()
		return 0
	case "show", "cancel":
		return runJobAction(action, args[1:])
	case "list":
		return runJobList(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown job action: %s\n\n", args[0])
		printJobUsage()
		return 2
	}
}

func runJobAction(action string, args []string) int {
	fs := flag.NewFlagSet("job "+action, flag.ContinueOnError)
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
	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: pulse job %s [flags] <job-id>\n", action)
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

	id := strings.TrimSpace(fs.Arg(0))
	if action == "cancel" {
		if err := svc.queue.Cancel(ctx, id); err != nil {
			return reportJobError(id, err)
		}
	}
	job, err := svc.queue.Get(ctx, id)
	if err != nil {
		return reportJobError(id, err)
	}
	return printJob(job.Record(), outputFormat)
}

func runJobList(args []string) int {
	fs := flag.NewFlagSet("job list", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	format := fs.String("format", outputFormatTable, "Output format: table or json")
	task := fs.String("task", "", "Filter by task name")
	state := fs.String("state", "", "Filter by state")
	runID := fs.String("run", "", "Filter by run id")
	limit := fs.Int("limit", 50, "Maximum rows")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}
	filter := queue.ListFilter{
		Name:  strings.TrimSpace(*task),
		State: queue.State(strings.ToLower(strings.TrimSpace(*state))),
		RunID: strings.TrimSpace(*runID),
		Limit: *limit,
	}
	if filter.State != "" && !filter.State.Valid() {
		fmt.Fprintf(os.Stderr, "invalid --state %q\n", *state)
		return 2
	}
	if filter.Limit < 1 || filter.Limit > 1000 {
		fmt.Fprintln(os.Stderr, "--limit must be between 1 and 1000")
		return 2
	}

	ctx, cancel, svc, err := connectServices(*timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer svc.Close()

	lister, ok := svc.queue.(queue.Lister)
	if !ok {
		fmt.Fprintf(os.Stderr, "QUEUE_BACKEND=%s does not support listing jobs\n", svc.cfg.QueueBackend)
		return 1
	}
	list, err := lister.List(ctx, filter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list jobs: %v\n", err)
		return 1
	}

	if outputFormat == outputFormatJSON {
		records := make([]queue.Record, 0, len(list))
		for _, job := range list {
			records = append(records, job.Record())
		}
		if err := printJSON(records); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}
	if err := writeTable(jobHeaders, jobRows(list)); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
		return 1
	}
	return 0
}

func printJob(record queue.Record, outputFormat string) int {
	if outputFormat == outputFormatJSON {
		if err := printJSON(record); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	rows := [][]string{
		{"id", record.ID},
		{"task", record.Name},
		{"state", string(record.State)},
		{"run_id", record.RunID},
		{"parent_id", record.ParentID},
		{"retry_count", fmt.Sprintf("%d", record.RetryCount)},
		{"created", formatUTCTimestamp(record.CreatedOn)},
		{"started", formatUTCTimestampPtr(record.StartedOn)},
		{"completed", formatUTCTimestampPtr(record.CompletedOn)},
		{"data", string(record.Data)},
		{"output", truncateForTable(string(record.Output), 200)},
		{"last_error", record.LastError},
	}
	if err := writeTable([]string{"field", "value"}, rows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
		return 1
	}
	return 0
}

func reportJobError(id string, err error) int {
	if errors.Is(err, queue.ErrNotFound) {
		fmt.Fprintf(os.Stderr, "job %s not found\n", id)
		return 1
	}
	fmt.Fprintf(os.Stderr, "Job %s: %v\n", id, err)
	return 1
}

func printJobUsage() {
	fmt.Fprintln(os.Stderr, "pulse job")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  pulse job show <job-id>")
	fmt.Fprintln(os.Stderr, "  pulse job cancel <job-id>")
	fmt.Fprintln(os.Stderr, "  pulse job list [--task name] [--state state] [--run id] [--limit n]")
}
