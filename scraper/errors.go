package scraper

import (
	"errors"
	"fmt"
)

// Request failure classes. A RequestError matches exactly one of them with
// errors.Is.
var (
	ErrTimeout     = errors.New("timeout")
	ErrConnection  = errors.New("connection")
	ErrForbidden   = errors.New("forbidden")
	ErrNotFound    = errors.New("not_found")
	ErrRateLimited = errors.New("rate_limited")
	ErrServer      = errors.New("server_error")
)

var errorClasses = []error{ErrTimeout, ErrConnection, ErrForbidden, ErrNotFound, ErrRateLimited, ErrServer}

// RequestError is a failed listing or product page request.
type RequestError struct {
	Class  error
	Status int
	Err    error
}

func (e *RequestError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%v (status %d): %v", e.Class, e.Status, e.Err)
	}
	return fmt.Sprintf("%v: %v", e.Class, e.Err)
}

func (e *RequestError) Unwrap() []error {
	return []error{e.Class, e.Err}
}

// errorTypeLabel is the metrics label of err.
func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	for _, class := range errorClasses {
		if errors.Is(err, class) {
			return class.Error()
		}
	}
	return "other"
}

// retryable reports whether another attempt could succeed.
func retryable(err error) bool {
	return !errors.Is(err, ErrForbidden) && !errors.Is(err, ErrNotFound)
}
