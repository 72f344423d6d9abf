package errors

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ClassifyHTTPError converts an HTTP status code into the matching taxonomy
// error. 5xx and 429 are transient, 403/404/410 are permanent, everything
// else in 4xx is a non-retryable remote error.
func ClassifyHTTPError(statusCode int, url string) error {
	switch statusCode {
	case http.StatusNotFound:
		return NewRemoteError(ErrResourceNotFound, url, statusCode)
	case http.StatusForbidden:
		return NewRemoteError(ErrAccessDenied, url, statusCode)
	case http.StatusGone:
		return NewRemoteError(ErrResourceGone, url, statusCode)
	case http.StatusRequestedRangeNotSatisfiable:
		return NewRemoteError(ErrRangesNotSupported, url, statusCode)
	case http.StatusTooManyRequests:
		return NewNetworkError(New("too many requests"), url, true)
	}

	switch {
	case statusCode >= 500 && statusCode != http.StatusNotImplemented:
		return NewNetworkError(fmt.Errorf("server error (%d)", statusCode), url, true)
	case statusCode >= 400:
		return NewRemoteError(fmt.Errorf("client error (%d)", statusCode), url, statusCode)
	default:
		return nil
	}
}

// ClassifyError categorizes a transport-level error. Timeouts and resets are
// retryable; DNS failures and context cancellation are not.
func ClassifyError(err error, url string) error {
	if err == nil {
		return nil
	}

	var downloadErr *DownloadError
	if As(err, &downloadErr) {
		return err
	}

	if Is(err, context.Canceled) || Is(err, context.DeadlineExceeded) {
		return NewContextError(err, url)
	}

	var netErr net.Error
	if As(err, &netErr) {
		if netErr.Timeout() {
			return NewNetworkError(ErrTimeout, url, true)
		}
		return NewNetworkError(err, url, true)
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") {
		return NewNetworkError(ErrConnectionReset, url, true)
	}

	if strings.Contains(errStr, "no such host") {
		return NewNetworkError(New("DNS resolution failed"), url, false)
	}

	if strings.Contains(errStr, "unexpected eof") ||
		strings.Contains(errStr, "broken pipe") {
		return NewNetworkError(err, url, true)
	}

	return &DownloadError{
		Err:      err,
		Category: CategoryUnknown,
		Resource: url,
	}
}
