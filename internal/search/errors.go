package search

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a search or queue entry does not exist.
var ErrNotFound = errors.New("search not found")

// ErrFetcherBusy is returned when a fetch gives up waiting for the shared
// browser session. No fetch was attempted.
var ErrFetcherBusy = errors.New("fetch session busy")

// ValidationError reports bad client input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ResourceError reports that the automation session could not be started.
type ResourceError struct {
	Op  string
	Err error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// ScrapeError normalizes every fetch failure. Cause is the human-readable
// message persisted on the search; Snapshot optionally carries the page DOM
// at the time of failure.
type ScrapeError struct {
	Query    string
	Cause    string
	Snapshot []byte
	Err      error
}

func (e *ScrapeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("scrape %q: %s: %v", e.Query, e.Cause, e.Err)
	}
	return fmt.Sprintf("scrape %q: %s", e.Query, e.Cause)
}

func (e *ScrapeError) Unwrap() error { return e.Err }

// NewScrapeError wraps err as a ScrapeError with the given cause.
func NewScrapeError(query, cause string, err error) *ScrapeError {
	return &ScrapeError{Query: query, Cause: cause, Err: err}
}

// Retryable reports whether a failed attempt may be rescheduled.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var vErr *ValidationError
	return !errors.As(err, &vErr)
}

// FailureMessage returns the message persisted for a failed attempt.
func FailureMessage(err error) string {
	var sErr *ScrapeError
	if errors.As(err, &sErr) && sErr.Cause != "" {
		return sErr.Cause
	}
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return vErr.Error()
	}
	return "internal error"
}
