package scraper

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound indicates the referenced job or record id does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyClaimed indicates another worker won the claim race for a job.
var ErrAlreadyClaimed = errors.New("job already claimed")

// ErrLeaseExpired indicates a status write from a worker whose lease on the
// job has lapsed; the queue rejects the write to prevent duplicate completion.
var ErrLeaseExpired = errors.New("job lease expired")

// InvalidTransitionError reports a status change that violates the job state
// machine. It is always surfaced to the caller, never silently coerced.
type InvalidTransitionError struct {
	JobID string
	From  JobStatus
	To    JobStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s for job %s", e.From, e.To, e.JobID)
}

// FetchError wraps a page fetch failure with a retryability classification.
type FetchError struct {
	URL       string
	Retryable bool
	Err       error
}

func (e *FetchError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("fetch %s: %s failure: %v", e.URL, kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// AnalysisError wraps a content analysis failure with a retryability flag.
type AnalysisError struct {
	Retryable bool
	Err       error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analyze content: %v", e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

// CircuitOpenError is returned when a domain's breaker is open and the fetch
// was not attempted at all; callers and metrics can tell "we didn't try"
// apart from "we tried and failed".
type CircuitOpenError struct {
	Domain     string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, retry in %s", e.Domain, e.RetryAfter.Round(time.Second))
}

// Retryable reports whether err is a transient external failure worth
// retrying. Circuit-open failures are not retryable within one attempt loop;
// the breaker's cooldown governs when the domain is tried again.
func Retryable(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	var ae *AnalysisError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}
