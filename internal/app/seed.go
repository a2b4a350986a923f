package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"horse.fit/pulse/internal/cli"
	"horse.fit/pulse/internal/config"
	"horse.fit/pulse/internal/store"
)

func runSeedSources(args []string) int {
	fs := flag.NewFlagSet("seed-sources", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", time.Minute, "Command timeout")
	file := fs.String("file", "", "Sources YAML (default: SOURCES_FILE)")
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

	path := strings.TrimSpace(*file)
	if path == "" {
		path = svc.cfg.SourcesFile
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "seed-sources needs --file or SOURCES_FILE")
		return 2
	}
	seeds, err := config.LoadSources(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	sources := make([]store.Source, 0, len(seeds))
	for i, seed := range seeds {
		in, err := newSourceFromSeed(seed)
		if err != nil {
			fmt.Fprintf(os.Stderr, "sources[%d]: %v\n", i, err)
			return 2
		}
		src, err := svc.store.UpsertSource(ctx, in)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to upsert %s: %v\n", seed.URL, err)
			return 1
		}
		sources = append(sources, src)
	}
	svc.logger.Info().Int("sources", len(sources)).Str("file", path).Msg("sources seeded")

	if outputFormat == outputFormatJSON {
		if err := printJSON(sources); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}
	rows := make([][]string, 0, len(sources))
	for _, src := range sources {
		rows = append(rows, []string{
			fmt.Sprintf("%d", src.ID),
			string(src.Type),
			truncateForTable(src.Name, 40),
			truncateForTable(src.URL, 60),
			fmt.Sprintf("%t", src.IsActive),
		})
	}
	if err := writeTable([]string{"id", "type", "name", "url", "active"}, rows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
		return 1
	}
	return 0
}

func newSourceFromSeed(seed config.SourceSeed) (store.NewSource, error) {
	typ := store.SourceType(strings.ToLower(strings.TrimSpace(seed.Type)))
	if !typ.Valid() {
		return store.NewSource{}, fmt.Errorf("unknown source type %q", seed.Type)
	}
	if seed.AuthorityScore != nil && (*seed.AuthorityScore < 0 || *seed.AuthorityScore > 1) {
		return store.NewSource{}, fmt.Errorf("authority_score must be within [0,1]")
	}
	active := true
	if seed.Active != nil {
		active = *seed.Active
	}
	name := strings.TrimSpace(seed.Name)
	if name == "" {
		name = strings.TrimSpace(seed.URL)
	}
	return store.NewSource{
		Type:           typ,
		URL:            strings.TrimSpace(seed.URL),
		Name:           name,
		AuthorityScore: seed.AuthorityScore,
		IsActive:       active,
		Metadata:       seed.Metadata,
	}, nil
}
