// Package failure classifies errors for the job queue. Permanent errors
// skip retries; everything else is retried with backoff.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrDuplicate marks work that was already done. Handlers log it and succeed.
var ErrDuplicate = errors.New("duplicate noop")

type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	if e == nil || e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	if e == nil || e.Err == nil {
		return "transient error"
	}
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsPermanent reports whether err must not be retried. A transient wrapper
// closer to the top of the chain wins over a permanent one below it.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	for cur := err; cur != nil; cur = errors.Unwrap(cur) {
		switch cur.(type) {
		case *TransientError:
			return false
		case *PermanentError:
			return true
		}
	}
	var perm *PermanentError
	return errors.As(err, &perm)
}

func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// FromStatus classifies an HTTP response status. It returns nil for 2xx/3xx.
func FromStatus(code int, url string) error {
	switch {
	case code < 400:
		return nil
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return Transient(fmt.Errorf("fetch %s: unexpected status %d", url, code))
	default:
		return Permanent(fmt.Errorf("fetch %s: unexpected status %d", url, code))
	}
}

// FromNetwork wraps transport errors as transient unless the caller's
// context was cancelled.
func FromNetwork(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return Transient(err)
}
