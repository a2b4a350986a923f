package app

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"horse.fit/pulse/internal/jobs"
	"horse.fit/pulse/internal/queue"
	"horse.fit/pulse/internal/tasks"
)

type validateResult struct {
	Scanned int
	Valid   int
	Invalid int
}

// payloadEnvelope is the on-disk form of a task payload fixture. Files
// without a "task" key are raw payloads for the --task flag.
type payloadEnvelope struct {
	Task    string          `json:"task"`
	Payload json.RawMessage `json:"payload"`
}

func runValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	dir := fs.String("dir", "testdata/payloads", "Directory containing .json task payload files")
	recursive := fs.Bool("recursive", true, "Recursively scan subdirectories")
	task := fs.String("task", "", "Task name for files that are bare payloads")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	files, err := collectJSONFiles(strings.TrimSpace(*dir), *recursive)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Validation setup failed: %v\n", err)
		return 1
	}

	rt := validationRuntime()
	result := validateResult{}
	for _, path := range files {
		result.Scanned++

		raw, err := os.ReadFile(path)
		if err != nil {
			result.Invalid++
			fmt.Fprintf(os.Stderr, "INVALID %s: read failed: %v\n", path, err)
			continue
		}
		if err := validatePayloadFile(rt, raw, strings.TrimSpace(*task)); err != nil {
			result.Invalid++
			fmt.Fprintf(os.Stderr, "INVALID %s: %v\n", path, err)
			continue
		}
		result.Valid++
	}

	fmt.Printf(
		"validate scanned=%d valid=%d invalid=%d dir=%s recursive=%t\n",
		result.Scanned,
		result.Valid,
		result.Invalid,
		strings.TrimSpace(*dir),
		*recursive,
	)

	if result.Scanned == 0 {
		fmt.Fprintf(os.Stderr, "Validation failed: no .json files found under %s\n", strings.TrimSpace(*dir))
		return 1
	}
	if result.Invalid > 0 {
		return 1
	}
	return 0
}

// validationRuntime defines every task against a throwaway queue. Handlers
// are never run, so the pipeline needs no services.
func validationRuntime() *jobs.Runtime {
	logger := zerolog.Nop()
	q := queue.NewMemory(queue.MemoryOptions{Logger: logger})
	return tasks.New(q, tasks.Deps{}, logger, tasks.Options{}).Runtime
}

func validatePayloadFile(rt *jobs.Runtime, raw []byte, defaultTask string) error {
	if !json.Valid(raw) {
		return errors.New("malformed JSON")
	}

	task, payload := defaultTask, json.RawMessage(raw)
	var envelope payloadEnvelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&envelope); err == nil && strings.TrimSpace(envelope.Task) != "" {
		task = strings.TrimSpace(envelope.Task)
		payload = envelope.Payload
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}
	}
	if task == "" {
		return errors.New("no task: wrap the payload as {\"task\",\"payload\"} or pass --task")
	}
	return rt.ValidatePayload(task, payload)
}

func collectJSONFiles(root string, recursive bool) ([]string, error) {
	cleanRoot := strings.TrimSpace(root)
	if cleanRoot == "" {
		return nil, fmt.Errorf("directory path is empty")
	}

	info, err := os.Stat(cleanRoot)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", cleanRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", cleanRoot)
	}

	var files []string
	if !recursive {
		entries, err := os.ReadDir(cleanRoot)
		if err != nil {
			return nil, fmt.Errorf("read directory %s: %w", cleanRoot, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			if strings.EqualFold(filepath.Ext(entry.Name()), ".json") {
				files = append(files, filepath.Join(cleanRoot, entry.Name()))
			}
		}
		sort.Strings(files)
		return files, nil
	}

	err = filepath.WalkDir(cleanRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != cleanRoot {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if strings.EqualFold(filepath.Ext(d.Name()), ".json") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk directory %s: %w", cleanRoot, err)
	}

	sort.Strings(files)
	return files, nil
}
