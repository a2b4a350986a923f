package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"horse.fit/pulse/internal/cli"
	"horse.fit/pulse/internal/ingest"
	"horse.fit/pulse/internal/jobs"
	"horse.fit/pulse/internal/store"
)

type triggerFlags struct {
	envLoader *cli.EnvLoader
	timeout   *time.Duration
	wait      *bool
	format    *string
}

func addTriggerFlags(fs *flag.FlagSet) triggerFlags {
	return triggerFlags{
		envLoader: cli.AddEnvFlag(fs, ".env", "Path to the .env file"),
		timeout:   fs.Duration("timeout", 5*time.Minute, "Command timeout, including --wait"),
		wait:      fs.Bool("wait", false, "Wait for the job to finish (always on with QUEUE_BACKEND=memory)"),
		format:    fs.String("format", outputFormatTable, "Output format: table or json"),
	}
}

// trigger enqueues one job through enqueue and reports it. With the memory
// backend the whole run is executed in this process first.
func (f triggerFlags) trigger(enqueue func(context.Context, *services) (string, error)) int {
	outputFormat, err := parseOutputFormat(*f.format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	ctx, cancel, svc, err := connectServices(*f.timeout, f.envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer svc.Close()

	id, err := enqueue(ctx, svc)
	if err != nil {
		var verr *jobs.ValidationError
		if errors.As(err, &verr) {
			for field, message := range verr.FieldMap() {
				fmt.Fprintf(os.Stderr, "invalid %s: %s\n", field, message)
			}
			return 2
		}
		fmt.Fprintf(os.Stderr, "Failed to enqueue job: %v\n", err)
		return 1
	}

	if svc.inline() {
		runJobs, err := svc.drain(ctx, id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Run failed: %v\n", err)
			return 1
		}
		if outputFormat == outputFormatJSON {
			records := make([]any, 0, len(runJobs))
			for _, job := range runJobs {
				records = append(records, job.Record())
			}
			if err := printJSON(records); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
				return 1
			}
			return 0
		}
		if err := writeTable(jobHeaders, jobRows(runJobs)); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
			return 1
		}
		return 0
	}

	if !*f.wait {
		if outputFormat == outputFormatJSON {
			_ = printJSON(map[string]string{"job_id": id})
			return 0
		}
		fmt.Println(id)
		return 0
	}

	job, err := waitForJob(ctx, svc.queue, id, time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Wait for job %s failed: %v\n", id, err)
		return 1
	}
	return printJob(job.Record(), outputFormat)
}

func runIngestURL(args []string) int {
	fs := flag.NewFlagSet("ingest-url", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	flags := addTriggerFlags(fs)
	title := fs.String("title", "", "Title override")
	kind := fs.String("kind", "", "Item kind: article, video or post")
	teamID := fs.String("team", "", "Team scope for highlights")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: pulse ingest-url [flags] <url>")
		return 2
	}

	req := ingest.ManualRequest{
		URL:   strings.TrimSpace(fs.Arg(0)),
		Title: strings.TrimSpace(*title),
		Kind:  store.ItemKind(strings.TrimSpace(*kind)),
	}
	if team := strings.TrimSpace(*teamID); team != "" {
		req.TeamID = &team
	}
	return flags.trigger(func(ctx context.Context, svc *services) (string, error) {
		return svc.pipeline.ManualURL.Trigger(ctx, req)
	})
}

func runIngestUpload(args []string) int {
	fs := flag.NewFlagSet("ingest-upload", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	flags := addTriggerFlags(fs)
	file := fs.String("file", "", "Local file with URLs (lines, csv or json)")
	bucket := fs.String("bucket", "", "Bucket of --key (default: S3_BUCKET)")
	key := fs.String("key", "", "Object key to read from object storage")
	format := fs.String("upload-format", "", "Upload format: lines, csv or json (default: from extension)")
	name := fs.String("name", "", "Upload source name")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 || (strings.TrimSpace(*file) == "") == (strings.TrimSpace(*key) == "") {
		fmt.Fprintln(os.Stderr, "usage: pulse ingest-upload (--file <path> | --key <object>) [flags]")
		return 2
	}

	req := ingest.UploadRequest{
		Format: strings.ToLower(strings.TrimSpace(*format)),
		Name:   strings.TrimSpace(*name),
	}
	if path := strings.TrimSpace(*file); path != "" {
		body, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read %s: %v\n", path, err)
			return 1
		}
		req.Format = ingest.DetectFormat(req.Format, path)
		items, err := ingest.ParseUpload(body, req.Format)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to parse %s: %v\n", path, err)
			return 2
		}
		req.Items = items
		if req.Name == "" {
			req.Name = filepath.Base(path)
		}
	}

	return flags.trigger(func(ctx context.Context, svc *services) (string, error) {
		if k := strings.TrimSpace(*key); k != "" {
			req.ObjectKey = k
			req.Bucket = strings.TrimSpace(*bucket)
			if req.Bucket == "" {
				req.Bucket = svc.cfg.S3Bucket
			}
		}
		return svc.pipeline.Upload.Trigger(ctx, req)
	})
}

func runIngestSource(args []string) int {
	fs := flag.NewFlagSet("ingest-source", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	flags := addTriggerFlags(fs)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	sourceID, ok := parseIDArg(fs, "usage: pulse ingest-source [flags] <source-id>")
	if !ok {
		return 2
	}
	return flags.trigger(func(ctx context.Context, svc *services) (string, error) {
		return svc.pipeline.IngestNow(ctx, sourceID)
	})
}

func runReanalyze(args []string) int {
	fs := flag.NewFlagSet("reanalyze", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	flags := addTriggerFlags(fs)
	teamID := fs.String("team", "", "Team scope for highlights")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	storyID, ok := parseIDArg(fs, "usage: pulse reanalyze [flags] <story-id>")
	if !ok {
		return 2
	}
	var team *string
	if t := strings.TrimSpace(*teamID); t != "" {
		team = &t
	}
	return flags.trigger(func(ctx context.Context, svc *services) (string, error) {
		return svc.pipeline.Reanalyze(ctx, storyID, team)
	})
}

func parseIDArg(fs *flag.FlagSet, usage string) (int64, bool) {
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, usage)
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimSpace(fs.Arg(0)), 10, 64)
	if err != nil || id <= 0 {
		fmt.Fprintf(os.Stderr, "invalid id %q: must be a positive integer\n", fs.Arg(0))
		return 0, false
	}
	return id, true
}
