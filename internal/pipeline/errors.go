package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"syscall"
)

// Sentinel errors matched with errors.Is.
var (
	ErrTransient           = errors.New("transient failure")
	ErrPermanent           = errors.New("permanent failure")
	ErrConstraintViolation = errors.New("constraint violation")
	ErrConnectionFailure   = errors.New("storage connection failure")
	ErrRunInProgress       = errors.New("run already in progress")
	ErrUnknownTarget       = errors.New("unknown target")
	ErrTargetDisabled      = errors.New("target disabled")
	ErrMalformedURL        = errors.New("malformed url")
)

// FailureKind separates retryable from non-retryable failures.
type FailureKind int

// Failure kinds.
const (
	Transient FailureKind = iota
	Permanent
)

func (k FailureKind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// FetchError is returned by fetchers once a target could not be retrieved.
type FetchError struct {
	Kind       FailureKind
	TargetID   string
	URL        string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *FetchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "fetch %s (%s", e.URL, e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ", status %d", e.StatusCode)
	}
	if e.Attempts > 0 {
		fmt.Fprintf(&b, ", %d attempts", e.Attempts)
	}
	b.WriteString(")")
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrTransient) and errors.Is(err, ErrPermanent) match
// on the kind.
func (e *FetchError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Kind == Transient
	case ErrPermanent:
		return e.Kind == Permanent
	}
	return false
}

// NewFetchError builds a FetchError for a target.
func NewFetchError(kind FailureKind, t Target, status int, err error) *FetchError {
	return &FetchError{
		Kind:       kind,
		TargetID:   t.ID,
		URL:        t.URL,
		StatusCode: status,
		Err:        err,
	}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind == Transient
	}
	return ClassifyError(err) == Transient
}

// ClassifyStatus maps an HTTP status to a failure kind. ok is false for
// success statuses.
func ClassifyStatus(code int) (kind FailureKind, failed bool) {
	switch {
	case code == http.StatusTooManyRequests:
		return Transient, true
	case code >= 500:
		return Transient, true
	case code >= 400:
		return Permanent, true
	case code == 0:
		return Transient, true
	default:
		return Transient, false
	}
}

// ClassifyError decides whether a transport level error is worth retrying.
// Unknown errors are treated as transient.
func ClassifyError(err error) FailureKind {
	switch {
	case err == nil:
		return Transient
	case errors.Is(err, ErrPermanent),
		errors.Is(err, ErrMalformedURL),
		errors.Is(err, ErrTargetDisabled):
		return Permanent
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED):
		return Transient
	}
	// net/http reports a bad scheme as a plain error wrapped in *url.Error.
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil &&
		strings.Contains(urlErr.Err.Error(), "unsupported protocol scheme") {
		return Permanent
	}
	return Transient
}

// ExtractWarning is a per-record extraction failure. It never fails a run.
type ExtractWarning struct {
	TargetID string
	Index    int
	Field    string
	Reason   string
}

func (w *ExtractWarning) Error() string {
	if w.Field == "" {
		return fmt.Sprintf("item %d: %s", w.Index, w.Reason)
	}
	return fmt.Sprintf("item %d field %q: %s", w.Index, w.Field, w.Reason)
}

// PersistenceKind classifies storage failures.
type PersistenceKind int

// Persistence failure kinds.
const (
	ConnectionFailure PersistenceKind = iota
	ConstraintViolation
)

// PersistenceError wraps a storage failure with its kind.
type PersistenceError struct {
	Kind PersistenceKind
	Op   string
	Err  error
}

func (e *PersistenceError) Error() string {
	kind := "connection failure"
	if e.Kind == ConstraintViolation {
		kind = "constraint violation"
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, kind, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Is matches ErrConstraintViolation and ErrConnectionFailure.
func (e *PersistenceError) Is(target error) bool {
	switch target {
	case ErrConstraintViolation:
		return e.Kind == ConstraintViolation
	case ErrConnectionFailure:
		return e.Kind == ConnectionFailure
	}
	return false
}

// NotifyError is a non-fatal notification failure.
type NotifyError struct {
	Provider string
	Err      error
}

func (e *NotifyError) Error() string {
	return fmt.Sprintf("notify via %s: %v", e.Provider, e.Err)
}

func (e *NotifyError) Unwrap() error {
	return e.Err
}
