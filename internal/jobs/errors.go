package jobs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	payloadschema "horse.fit/pulse/schema"
)

var (
	ErrUnknownTask     = errors.New("unknown task")
	ErrEdgeNotAllowed  = errors.New("trigger not allowed by pipeline graph")
	ErrDuplicateDefine = errors.New("task already defined")
)

// FieldError is one invalid payload field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned synchronously by Trigger when a payload is
// rejected. Nothing is enqueued.
type ValidationError struct {
	Task   string
	Fields []FieldError
	Err    error
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		if e.Err != nil {
			return fmt.Sprintf("invalid %s payload: %v", e.Task, e.Err)
		}
		return fmt.Sprintf("invalid %s payload", e.Task)
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return fmt.Sprintf("invalid %s payload: %s", e.Task, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return e.Err }

// FieldMap flattens the violations for JSend fail responses.
func (e *ValidationError) FieldMap() map[string]string {
	out := make(map[string]string, len(e.Fields))
	for _, f := range e.Fields {
		if _, ok := out[f.Field]; ok {
			continue
		}
		out[f.Field] = f.Message
	}
	if len(out) == 0 && e.Err != nil {
		out["payload"] = e.Err.Error()
	}
	return out
}

func IsValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

func newValidationError(task string, err error) *ValidationError {
	out := &ValidationError{Task: task, Err: err}

	var schemaErr *payloadschema.ValidationError
	if errors.As(err, &schemaErr) {
		for _, f := range schemaErr.Fields {
			out.Fields = append(out.Fields, FieldError{Field: f.Field, Message: f.Message})
		}
		return out
	}

	var tagErrs validator.ValidationErrors
	if errors.As(err, &tagErrs) {
		for _, fe := range tagErrs {
			out.Fields = append(out.Fields, FieldError{
				Field:   fe.Namespace(),
				Message: tagMessage(fe),
			})
		}
	}
	return out
}

func tagMessage(fe validator.FieldError) string {
	if fe.Param() != "" {
		return fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param())
	}
	return "failed " + fe.Tag()
}
