package payloadschema

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed tasks/*.schema.json
var taskSchemas embed.FS

const schemaSuffix = ".schema.json"

// ErrUnknownTask is returned when no schema is registered for a task name.
var ErrUnknownTask = errors.New("no payload schema for task")

// FieldError describes one schema violation, keyed by its JSON pointer.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects every violation found in a payload.
type ValidationError struct {
	Task   string
	Fields []FieldError
	cause  error
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		if e.cause != nil {
			return fmt.Sprintf("payload for %s is invalid: %v", e.Task, e.cause)
		}
		return fmt.Sprintf("payload for %s is invalid", e.Task)
	}
	parts := make([]string, 0, len(e.Fields))
	for _, field := range e.Fields {
		parts = append(parts, field.Field+": "+field.Message)
	}
	return fmt.Sprintf("payload for %s is invalid: %s", e.Task, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error {
	return e.cause
}

type registry struct {
	schemas map[string]*jsonschema.Schema
}

var (
	compileOnce   sync.Once
	compiled      *registry
	compiledError error
)

// Validate checks raw against the schema registered for task. Empty payloads
// are validated as an empty object.
func Validate(task string, raw json.RawMessage) error {
	reg, err := load()
	if err != nil {
		return fmt.Errorf("load schemas: %w", err)
	}

	schema, ok := reg.schemas[task]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, task)
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage(`{}`)
	}

	value, err := decodeStrictJSON(raw)
	if err != nil {
		return &ValidationError{
			Task:   task,
			Fields: []FieldError{{Field: "/", Message: err.Error()}},
			cause:  err,
		}
	}

	if err := schema.Validate(value); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return &ValidationError{Task: task, Fields: flatten(verr), cause: err}
		}
		return fmt.Errorf("validate %s payload: %w", task, err)
	}
	return nil
}

// Has reports whether a schema is registered for task.
func Has(task string) bool {
	reg, err := load()
	if err != nil {
		return false
	}
	_, ok := reg.schemas[task]
	return ok
}

// Names lists the registered task names in sorted order.
func Names() []string {
	reg, err := load()
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(reg.schemas))
	for name := range reg.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func load() (*registry, error) {
	compileOnce.Do(func() {
		compiled, compiledError = compileAll(taskSchemas)
	})
	if compiledError != nil {
		return nil, compiledError
	}
	if compiled == nil {
		return nil, fmt.Errorf("schemas not initialized")
	}
	return compiled, nil
}

func compileAll(fsys fs.FS) (*registry, error) {
	entries, err := fs.ReadDir(fsys, "tasks")
	if err != nil {
		return nil, fmt.Errorf("read schema dir: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	compiler.AssertFormat = true

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), schemaSuffix) {
			continue
		}
		body, err := fs.ReadFile(fsys, path.Join("tasks", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", entry.Name(), err)
		}
		name := strings.TrimSuffix(entry.Name(), schemaSuffix)
		if err := compiler.AddResource(name, bytes.NewReader(body)); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", name, err)
		}
		names = append(names, name)
	}

	reg := &registry{schemas: make(map[string]*jsonschema.Schema, len(names))}
	for _, name := range names {
		schema, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		reg.schemas[name] = schema
	}
	return reg, nil
}

// flatten walks the cause tree and keeps the leaf messages, which carry the
// specific keyword that failed.
func flatten(err *jsonschema.ValidationError) []FieldError {
	var out []FieldError
	var walk func(*jsonschema.ValidationError)
	walk = func(node *jsonschema.ValidationError) {
		if len(node.Causes) == 0 {
			field := node.InstanceLocation
			if field == "" {
				field = "/"
			}
			out = append(out, FieldError{Field: field, Message: node.Message})
			return
		}
		for _, cause := range node.Causes {
			walk(cause)
		}
	}
	walk(err)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

func decodeStrictJSON(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("payload is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("payload contains trailing content")
	}

	return value, nil
}
