package segment

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hyperdm/hdm/internal/errors"
	"github.com/hyperdm/hdm/internal/logger"
)

const readBufferSize = 32 * 1024

// Worker fetches one segment. It issues a ranged GET starting at
// Start+Written so retries and resumes continue from the last confirmed
// offset, and writes each chunk at its absolute file offset. Ranges of
// different workers are disjoint, so positional writes need no locking.
type Worker struct {
	Client    *http.Client
	URL       string
	UserAgent string
	Segment   *Segment
	// File receives positional writes; it is shared across the job's
	// workers.
	File io.WriterAt
	// Validator is the ETag or Last-Modified captured at probe time. When
	// set, a response indicating a different resource version fails the
	// segment permanently.
	Validator string
	// Sequential marks the single-segment fallback for servers without
	// range support: plain GET, body consumed from the beginning.
	Sequential bool
	// Timeout bounds inactivity on a single request; hitting it takes the
	// retry path, not job failure.
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	// OnProgress is invoked after each confirmed write with the byte count.
	// The owning job aggregates totals and checkpoints at a bounded cadence.
	OnProgress func(n int64)
}

// Run drives the segment to Done or Failed. Transient failures are retried
// with exponential backoff up to MaxRetries; permanent failures and storage
// errors fail immediately. Context cancellation (pause/cancel) is returned
// unwrapped in a CONTEXT-category error so the job can tell it apart from
// real failures.
func (w *Worker) Run(ctx context.Context) error {
	log := logger.Get("segment")

	err := w.attempt(ctx)
	if err == nil || errors.CategoryOf(err) == errors.CategoryContext {
		return err
	}

	for w.Segment.Retries() < w.MaxRetries {
		if !errors.IsRetryable(err) {
			w.Segment.setState(Failed)
			return err
		}

		w.Segment.Reset()
		delay := backoff(w.Segment.Retries(), w.BaseDelay)

		log.Debug().
			Int("segment", w.Segment.Index).
			Int("attempt", w.Segment.Retries()).
			Dur("backoff", delay).
			Err(err).
			Msg("retrying segment")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			w.Segment.setState(Pending)
			return errors.NewContextError(ctx.Err(), w.URL)
		}

		err = w.attempt(ctx)
		if err == nil || errors.CategoryOf(err) == errors.CategoryContext {
			return err
		}
	}

	w.Segment.setState(Failed)
	return fmt.Errorf("segment %d failed after %d attempts: %w", w.Segment.Index, w.MaxRetries, err)
}

// attempt performs one fetch of the remaining range.
func (w *Worker) attempt(ctx context.Context) error {
	seg := w.Segment
	seg.setState(Active)

	if !w.Sequential && seg.Remaining() == 0 {
		seg.setState(Done)
		return nil
	}

	// Without range support a retry restarts the whole body from byte zero;
	// whatever was written before the failure is overwritten.
	if w.Sequential && seg.Written() > 0 {
		seg.setWritten(0)
	}

	// The watchdog cancels the request when no bytes arrive for Timeout;
	// the cause distinguishes inactivity from an upstream pause/cancel.
	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var watchdog *time.Timer
	if w.Timeout > 0 {
		watchdog = time.AfterFunc(w.Timeout, func() {
			cancel(errors.ErrTimeout)
		})
		defer watchdog.Stop()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, w.URL, http.NoBody)
	if err != nil {
		return errors.NewNetworkError(err, w.URL, false)
	}

	req.Header.Set("User-Agent", w.UserAgent)
	req.Header.Set("Accept-Encoding", "identity")

	if !w.Sequential {
		from := seg.Start + seg.Written()
		if seg.End >= 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", from, seg.End))
		} else {
			// Unknown total size: open-ended range from the confirmed offset.
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", from))
		}
		if w.Validator != "" {
			req.Header.Set("If-Range", w.Validator)
		}
	}

	resp, err := w.Client.Do(req)
	if err != nil {
		return w.classifyRequestError(ctx, reqCtx, err)
	}
	defer resp.Body.Close()

	if err := w.checkResponse(resp); err != nil {
		return err
	}

	return w.consume(ctx, reqCtx, resp.Body, watchdog)
}

// checkResponse validates status code and resource version.
func (w *Worker) checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 400 {
		return errors.ClassifyHTTPError(resp.StatusCode, w.URL)
	}

	if !w.Sequential {
		if resp.StatusCode != http.StatusPartialContent {
			// An If-Range mismatch makes the server return the full body:
			// the resource changed since the probe. Without a validator a
			// 200 means the server stopped honoring ranges mid-job; either
			// way the partial file cannot be trusted.
			if w.Validator != "" {
				return errors.NewRemoteError(errors.ErrResourceChanged, w.URL, resp.StatusCode)
			}
			return errors.NewRemoteError(errors.ErrRangesNotSupported, w.URL, resp.StatusCode)
		}

		if v := validatorOf(resp); v != "" && w.Validator != "" && v != w.Validator {
			return errors.NewRemoteError(errors.ErrResourceChanged, w.URL, resp.StatusCode)
		}
	}

	return nil
}

// consume streams the body in bounded chunks, writing each at its absolute
// offset. The written counter is advanced only after WriteAt confirms the
// bytes are with the OS, so a checkpoint never claims more than is on disk.
func (w *Worker) consume(ctx, reqCtx context.Context, body io.Reader, watchdog *time.Timer) error {
	seg := w.Segment

	if remaining := seg.Remaining(); remaining > 0 {
		body = io.LimitReader(body, remaining)
	}

	buf := make([]byte, readBufferSize)

	for {
		select {
		case <-ctx.Done():
			seg.setState(Pending)
			return errors.NewContextError(ctx.Err(), w.URL)
		default:
		}

		n, readErr := body.Read(buf)

		if n > 0 {
			if watchdog != nil {
				watchdog.Reset(w.Timeout)
			}

			offset := seg.Start + seg.Written()
			if _, writeErr := w.File.WriteAt(buf[:n], offset); writeErr != nil {
				seg.setState(Failed)
				return errors.NewStorageError(writeErr, w.URL)
			}

			seg.addWritten(int64(n))

			if w.OnProgress != nil {
				w.OnProgress(int64(n))
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				return w.finishSegment()
			}
			return w.classifyRequestError(ctx, reqCtx, readErr)
		}
	}
}

// finishSegment decides whether EOF means completion or truncation.
func (w *Worker) finishSegment() error {
	seg := w.Segment

	if seg.End >= 0 && seg.Remaining() > 0 {
		// Short body: the server closed early. Retry continues from the
		// confirmed offset.
		return errors.NewNetworkError(
			fmt.Errorf("connection closed with %d bytes remaining", seg.Remaining()),
			w.URL, true)
	}

	seg.setState(Done)
	return nil
}

// classifyRequestError separates watchdog timeouts from caller cancellation
// before falling back to the generic classifier.
func (w *Worker) classifyRequestError(ctx, reqCtx context.Context, err error) error {
	if ctx.Err() != nil {
		w.Segment.setState(Pending)
		return errors.NewContextError(ctx.Err(), w.URL)
	}

	if errors.Is(context.Cause(reqCtx), errors.ErrTimeout) {
		return errors.NewNetworkError(errors.ErrTimeout, w.URL, true)
	}

	return errors.ClassifyError(err, w.URL)
}

func validatorOf(resp *http.Response) string {
	if etag := resp.Header.Get("ETag"); etag != "" {
		return etag
	}
	return resp.Header.Get("Last-Modified")
}
