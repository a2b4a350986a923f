package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"horse.fit/pulse/internal/failure"
	"horse.fit/pulse/internal/store"
)

const (
	FormatLines = "lines"
	FormatCSV   = "csv"
	FormatJSON  = "json"

	uploadSourcePrefix = "upload://"
)

type UploadItem struct {
	URL         string         `json:"url" validate:"required,max=2048"`
	Title       string         `json:"title,omitempty" validate:"max=500"`
	ExternalID  string         `json:"external_id,omitempty" validate:"max=512"`
	Kind        store.ItemKind `json:"kind,omitempty" validate:"omitempty,oneof=article video post"`
	PublishedAt *time.Time     `json:"published_at,omitempty"`
}

// UploadRequest is a bulk upload: inline items, an object in storage, or
// both.
type UploadRequest struct {
	Bucket    string       `json:"bucket,omitempty"`
	ObjectKey string       `json:"object_key,omitempty"`
	Format    string       `json:"format,omitempty" validate:"omitempty,oneof=lines csv json"`
	Name      string       `json:"name,omitempty" validate:"max=200"`
	Items     []UploadItem `json:"items,omitempty" validate:"omitempty,max=1000,dive"`
}

func (r UploadRequest) Validate() error {
	if strings.TrimSpace(r.ObjectKey) == "" && len(r.Items) == 0 {
		return errors.New("either object_key or items is required")
	}
	return nil
}

// SourceURL names the upload source. Objects get one source per key;
// inline uploads share one per name.
func (r UploadRequest) SourceURL() string {
	if key := strings.TrimSpace(r.ObjectKey); key != "" {
		return uploadSourcePrefix + strings.TrimSpace(r.Bucket) + "/" + strings.TrimLeft(key, "/")
	}
	name := strings.TrimSpace(r.Name)
	if name == "" {
		name = "default"
	}
	return uploadSourcePrefix + "inline/" + name
}

// IngestUpload records every item of a bulk upload. Rows that do not parse
// count as failed items; the rest proceed.
func (s *Service) IngestUpload(ctx context.Context, req UploadRequest, emit Emit) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, failure.Permanent(err)
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "Upload " + req.SourceURL()
	}
	src, _, err := s.store.EnsureSource(ctx, store.NewSource{
		Type:     store.SourceUpload,
		URL:      req.SourceURL(),
		Name:     name,
		IsActive: false,
		Metadata: map[string]any{"bucket": req.Bucket, "object_key": req.ObjectKey},
	})
	if err != nil {
		return Result{}, fmt.Errorf("ensure upload source: %w", err)
	}

	return s.run(ctx, src, func(ctx context.Context, _ store.Source) ([]Candidate, error) {
		items := append([]UploadItem(nil), req.Items...)
		if strings.TrimSpace(req.ObjectKey) != "" {
			if s.blobs == nil {
				return nil, failure.Permanentf("object storage is not configured")
			}
			body, err := s.blobs.GetObject(ctx, req.Bucket, req.ObjectKey)
			if err != nil {
				return nil, err
			}
			parsed, err := ParseUpload(body, DetectFormat(req.Format, req.ObjectKey))
			if err != nil {
				return nil, failure.Permanent(err)
			}
			items = append(items, parsed...)
		}
		return uploadCandidates(items), nil
	}, emit)
}

func uploadCandidates(items []UploadItem) []Candidate {
	out := make([]Candidate, 0, len(items))
	for _, item := range items {
		out = append(out, Candidate{
			ExternalID:  item.ExternalID,
			URL:         item.URL,
			Title:       item.Title,
			Kind:        item.Kind,
			PublishedAt: item.PublishedAt,
			Metadata:    map[string]any{"uploaded": true},
		})
	}
	return out
}

// DetectFormat returns format when set, else guesses from the file extension.
func DetectFormat(format, key string) string {
	if f := strings.ToLower(strings.TrimSpace(format)); f != "" {
		return f
	}
	switch strings.ToLower(path.Ext(key)) {
	case ".csv":
		return FormatCSV
	case ".json":
		return FormatJSON
	default:
		return FormatLines
	}
}

// ParseUpload decodes an uploaded object. lines: one URL per line, blank
// lines and #comments skipped. csv: header row with a url column and
// optional title, external_id, kind, published_at. json: an array of items
// or {"items": [...]}.
func ParseUpload(body []byte, format string) ([]UploadItem, error) {
	switch format {
	case FormatLines:
		return parseLines(body)
	case FormatCSV:
		return parseCSV(body)
	case FormatJSON:
		return parseJSON(body)
	default:
		return nil, fmt.Errorf("unknown upload format %q", format)
	}
}

func parseLines(body []byte) ([]UploadItem, error) {
	var items []UploadItem
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		items = append(items, UploadItem{URL: line})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read lines upload: %w", err)
	}
	return items, nil
}

func parseCSV(body []byte) ([]UploadItem, error) {
	r := csv.NewReader(bytes.NewReader(body))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	columns := make(map[string]int, len(header))
	for i, h := range header {
		columns[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	if _, ok := columns["url"]; !ok {
		return nil, errors.New("csv upload requires a url column")
	}
	field := func(row []string, name string) string {
		i, ok := columns[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var items []UploadItem
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var parseErr *csv.ParseError
		if err != nil && !errors.As(err, &parseErr) {
			return nil, fmt.Errorf("read csv upload: %w", err)
		}
		if err != nil {
			// A malformed row becomes a failed item instead of failing the upload.
			items = append(items, UploadItem{})
			continue
		}
		item := UploadItem{
			URL:        field(row, "url"),
			Title:      field(row, "title"),
			ExternalID: field(row, "external_id"),
			Kind:       store.ItemKind(strings.ToLower(field(row, "kind"))),
		}
		if raw := field(row, "published_at"); raw != "" {
			if t, err := time.Parse(time.RFC3339, raw); err == nil {
				utc := t.UTC()
				item.PublishedAt = &utc
			}
		}
		items = append(items, item)
	}
	return items, nil
}

func parseJSON(body []byte) ([]UploadItem, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapped struct {
			Items []UploadItem `json:"items"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, fmt.Errorf("decode json upload: %w", err)
		}
		return wrapped.Items, nil
	}
	var items []UploadItem
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, fmt.Errorf("decode json upload: %w", err)
	}
	return items, nil
}
