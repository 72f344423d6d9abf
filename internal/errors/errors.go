// Package errors defines the download error taxonomy shared across the
// engine: probe failures, transient network errors, permanent remote errors,
// storage errors, protocol errors on the messaging bridge, and context
// cancellation. Every user-visible failure carries a category tag so the
// bridge can report structured {success:false, error, kind} responses.
package errors

import (
	"errors"
	"fmt"
	"time"
)

var (
	Is     = errors.Is
	As     = errors.As
	New    = errors.New
	Unwrap = errors.Unwrap
)

// Category classifies a DownloadError for retry decisions and reporting.
type Category string

const (
	CategoryProbe    Category = "PROBE"    // URL could not be probed, job never planned
	CategoryNetwork  Category = "NETWORK"  // transient: timeout, reset, 5xx
	CategoryRemote   Category = "REMOTE"   // permanent: 403/404/410, resource changed
	CategoryStorage  Category = "STORAGE"  // disk full, permissions, path errors
	CategoryProtocol Category = "PROTOCOL" // malformed or oversized bridge frames
	CategoryContext  Category = "CONTEXT"  // context cancellation (pause/cancel)
	CategoryUnknown  Category = "UNKNOWN"
)

// Common sentinel errors.
var (
	ErrTimeout            = New("operation timed out")
	ErrConnectionReset    = New("connection reset")
	ErrResourceNotFound   = New("resource not found")
	ErrAccessDenied       = New("access denied")
	ErrResourceGone       = New("resource gone")
	ErrRangesNotSupported = New("byte ranges not supported by server")
	ErrResourceChanged    = New("remote resource changed since last probe")
)

// DownloadError is an error enriched with the information the engine needs
// to decide whether to retry and how to report the failure.
type DownloadError struct {
	Err        error
	Category   Category
	Retryable  bool
	Resource   string
	StatusCode int
	Timestamp  time.Time
}

func (e *DownloadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("[%s] %s (status %d): %v", e.Category, e.Resource, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Category, e.Resource, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// NewProbeError creates an error for a failed probe. Probes are not retried
// internally, so these are never retryable.
func NewProbeError(err error, resource string) *DownloadError {
	return &DownloadError{
		Err:       err,
		Category:  CategoryProbe,
		Retryable: false,
		Resource:  resource,
		Timestamp: time.Now(),
	}
}

// NewNetworkError creates a transient network error.
func NewNetworkError(err error, resource string, retryable bool) *DownloadError {
	return &DownloadError{
		Err:       err,
		Category:  CategoryNetwork,
		Retryable: retryable,
		Resource:  resource,
		Timestamp: time.Now(),
	}
}

// NewRemoteError creates a permanent remote error (no retry).
func NewRemoteError(err error, resource string, statusCode int) *DownloadError {
	return &DownloadError{
		Err:        err,
		Category:   CategoryRemote,
		Retryable:  false,
		Resource:   resource,
		StatusCode: statusCode,
		Timestamp:  time.Now(),
	}
}

// NewStorageError creates a fatal local I/O error.
func NewStorageError(err error, resource string) *DownloadError {
	return &DownloadError{
		Err:       err,
		Category:  CategoryStorage,
		Retryable: false,
		Resource:  resource,
		Timestamp: time.Now(),
	}
}

// NewProtocolError creates an error for a malformed bridge request.
func NewProtocolError(err error, resource string) *DownloadError {
	return &DownloadError{
		Err:       err,
		Category:  CategoryProtocol,
		Retryable: false,
		Resource:  resource,
		Timestamp: time.Now(),
	}
}

// NewContextError wraps a context cancellation.
func NewContextError(err error, resource string) *DownloadError {
	return &DownloadError{
		Err:       err,
		Category:  CategoryContext,
		Retryable: false,
		Resource:  resource,
		Timestamp: time.Now(),
	}
}

// IsRetryable reports whether the worker retry path should handle err.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var downloadErr *DownloadError
	if As(err, &downloadErr) {
		return downloadErr.Retryable
	}

	return false
}

// CategoryOf extracts the category tag from an error.
func CategoryOf(err error) Category {
	var downloadErr *DownloadError
	if As(err, &downloadErr) {
		return downloadErr.Category
	}
	return CategoryUnknown
}
