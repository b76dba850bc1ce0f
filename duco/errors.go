package duco

import (
	"errors"
	"fmt"
)

// Parse errors. Use errors.Is to check for them.
var (
	ErrMalformed   = errors.New("duco: malformed response")
	ErrDuplicateID = errors.New("duco: duplicate node id")
)

// Fetch error kinds, matched by errors.Is against a *FetchError.
var (
	ErrNetwork    = errors.New("duco: network error")
	ErrHTTPStatus = errors.New("duco: unexpected http status")
	ErrDecode     = errors.New("duco: invalid response body")
)

// FetchError describes a single failed request to the board.
type FetchError struct {
	Path       string
	Kind       error
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.Kind == ErrHTTPStatus:
		return fmt.Sprintf("fetching %v: %v: %v", e.Path, e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("fetching %v: %v: %v", e.Path, e.Kind, e.Err)
	default:
		return fmt.Sprintf("fetching %v: %v", e.Path, e.Kind)
	}
}

func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Reason returns a short label for the error kind, used in logs and metrics.
func (e *FetchError) Reason() string {
	switch e.Kind {
	case ErrHTTPStatus:
		return "http_status"
	case ErrDecode:
		return "decode"
	default:
		return "network"
	}
}
