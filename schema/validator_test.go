package payloadschema

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestNamesCoversPipelineTasks(t *testing.T) {
	names := Names()
	want := []string{
		"analysis.analyze",
		"analysis.brief",
		"analysis.fanout",
		"analysis.highlights",
		"analysis.score",
		"content.extract",
		"content.sweep-pending",
		"ingest.manual-url",
		"ingest.poll-sources",
		"ingest.source",
		"ingest.upload",
		"maintenance.queue",
	}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected schema names: %v", names)
	}
}

func TestValidate_ManualURL(t *testing.T) {
	t.Parallel()

	if err := Validate("ingest.manual-url", json.RawMessage(`{"url":"https://example.com/a","title":"A"}`)); err != nil {
		t.Fatalf("expected payload to be valid, got %v", err)
	}
}

func TestValidate_MissingRequired(t *testing.T) {
	t.Parallel()

	err := Validate("ingest.manual-url", json.RawMessage(`{"title":"no url"}`))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Task != "ingest.manual-url" {
		t.Fatalf("unexpected task %q", verr.Task)
	}
	if len(verr.Fields) == 0 {
		t.Fatalf("expected field errors")
	}
}

func TestValidate_RejectsBadFormat(t *testing.T) {
	t.Parallel()

	err := Validate("ingest.manual-url", json.RawMessage(`{"url":"not a url"}`))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Fields[0].Field != "/url" {
		t.Fatalf("expected /url violation, got %+v", verr.Fields)
	}
}

func TestValidate_RejectsUnknownProperty(t *testing.T) {
	t.Parallel()

	err := Validate("analysis.fanout", json.RawMessage(`{"story_id":1,"extra":true}`))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestValidate_ExtractBatchBounds(t *testing.T) {
	t.Parallel()

	if err := Validate("content.extract", json.RawMessage(`{"raw_item_ids":[]}`)); err == nil {
		t.Fatalf("expected empty batch to be rejected")
	}
	if err := Validate("content.extract", json.RawMessage(`{"raw_item_ids":[1,1]}`)); err == nil {
		t.Fatalf("expected duplicate ids to be rejected")
	}
	if err := Validate("content.extract", json.RawMessage(`{"raw_item_ids":[1,2,3]}`)); err != nil {
		t.Fatalf("expected batch to be valid, got %v", err)
	}
}

func TestValidate_UploadNeedsItemsOrObject(t *testing.T) {
	t.Parallel()

	if err := Validate("ingest.upload", json.RawMessage(`{"format":"csv"}`)); err == nil {
		t.Fatalf("expected upload without items or object_key to be rejected")
	}
	if err := Validate("ingest.upload", json.RawMessage(`{"object_key":"uploads/a.csv","format":"csv"}`)); err != nil {
		t.Fatalf("expected object upload to be valid, got %v", err)
	}
}

func TestValidate_EmptyPayloadIsEmptyObject(t *testing.T) {
	t.Parallel()

	if err := Validate("maintenance.queue", nil); err != nil {
		t.Fatalf("expected empty payload to be valid, got %v", err)
	}
	if err := Validate("analysis.score", nil); err == nil {
		t.Fatalf("expected missing story_id to be rejected")
	}
}

func TestValidate_TrailingContent(t *testing.T) {
	t.Parallel()

	err := Validate("analysis.score", json.RawMessage(`{"story_id":1} {}`))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !strings.Contains(verr.Error(), "trailing content") {
		t.Fatalf("unexpected error message %q", verr.Error())
	}
}

func TestValidate_UnknownTask(t *testing.T) {
	t.Parallel()

	if err := Validate("nope", json.RawMessage(`{}`)); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
	if Has("nope") {
		t.Fatalf("expected Has to be false")
	}
}
