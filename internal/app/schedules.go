package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"horse.fit/pulse/internal/cli"
)

func runSchedules(args []string) int {
	fs := flag.NewFlagSet("schedules", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	file := fs.String("file", "", "Schedules YAML (default: SCHEDULES_FILE, then built-in defaults)")
	list := fs.Bool("list", false, "List registered schedules instead of registering")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

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

	ctx, cancel, svc, err := connectServices(*timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer svc.Close()

	if !*list {
		path := strings.TrimSpace(*file)
		if path == "" {
			path = svc.cfg.SchedulesFile
		}
		report, err := svc.pipeline.RegisterSchedules(ctx, path)
		if outputFormat == outputFormatJSON {
			_ = printJSON(report)
		} else {
			rows := make([][]string, 0, len(report.Results))
			for _, r := range report.Results {
				status := "unchanged"
				switch {
				case r.Error != "":
					status = "failed: " + r.Error
				case r.Created:
					status = "created"
				}
				rows = append(rows, []string{r.TaskName, r.Cron, status})
			}
			_ = writeTable([]string{"task", "cron", "status"}, rows)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Schedule registration failed: %v\n", err)
			return 1
		}
		return 0
	}

	schedules, err := svc.queue.Schedules(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list schedules: %v\n", err)
		return 1
	}
	if outputFormat == outputFormatJSON {
		if err := printJSON(schedules); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}
	rows := make([][]string, 0, len(schedules))
	for _, s := range schedules {
		rows = append(rows, []string{s.TaskName, s.Cron, s.Timezone, string(s.Payload), formatUTCTimestampPtr(s.LastFiredAt)})
	}
	if err := writeTable([]string{"task", "cron", "timezone", "payload", "last_fired"}, rows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
		return 1
	}
	return 0
}
