// Package probe determines whether a URL can be fetched in parallel byte
// ranges. A single ranged GET for bytes 0-0 answers three questions at once:
// does the server honor Range headers, how large is the resource, and what
// validator (ETag/Last-Modified) identifies this version of it.
package probe

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hyperdm/hdm/internal/errors"
	"github.com/hyperdm/hdm/internal/logger"
)

const defaultFilename = "download"

// Result describes what the probe learned about a URL.
type Result struct {
	// URL is the final URL after redirects; workers fetch from it directly.
	URL string
	// Filename suggested by Content-Disposition or the URL path.
	Filename string
	// TotalSize in bytes, or -1 when the server did not report one.
	TotalSize int64
	// SupportsRanges is true only when the server answered 206 to a ranged
	// request.
	SupportsRanges bool
	// Validator is the ETag, or the Last-Modified value when no ETag was
	// supplied. Empty when the server sent neither.
	Validator string
	MimeType  string
}

// Prober issues probe requests and owns the HTTP client shared with the
// segment workers of every job.
type Prober struct {
	client    *http.Client
	userAgent string
	timeout   time.Duration
}

// New creates a Prober with a transport tuned for many concurrent ranged
// connections.
func New(userAgent string, timeout time.Duration) *Prober {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
		MaxConnsPerHost:       16,
	}

	return &Prober{
		client:    &http.Client{Transport: transport},
		userAgent: userAgent,
		timeout:   timeout,
	}
}

// Client returns the shared HTTP client for segment workers.
func (p *Prober) Client() *http.Client {
	return p.client
}

// Probe issues a ranged GET for bytes 0-0 and interprets the answer.
// Failures are not retried here; a job cannot be planned without a probe,
// so the error is surfaced to the caller as a probe failure.
func (p *Prober) Probe(ctx context.Context, urlStr string) (*Result, error) {
	log := logger.Get("probe")

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, http.NoBody)
	if err != nil {
		return nil, errors.NewProbeError(err, urlStr)
	}

	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("Range", "bytes=0-0")

	resp, err := p.client.Do(req)
	if err != nil {
		log.Debug().Str("url", urlStr).Err(err).Msg("probe request failed")
		return nil, errors.NewProbeError(errors.ClassifyError(err, urlStr), urlStr)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		log.Debug().Str("url", urlStr).Int("status", resp.StatusCode).Msg("probe rejected")
		return nil, errors.NewProbeError(errors.ClassifyHTTPError(resp.StatusCode, urlStr), urlStr)
	}

	finalURL := urlStr
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	result := &Result{
		URL:       finalURL,
		TotalSize: -1,
		MimeType:  resp.Header.Get("Content-Type"),
		Validator: validatorFrom(resp.Header),
		Filename:  filenameFrom(resp.Header.Get("Content-Disposition"), finalURL),
	}

	if resp.StatusCode == http.StatusPartialContent {
		// 206 means ranges are honored; the total comes from Content-Range.
		result.SupportsRanges = true
		result.TotalSize = parseContentRangeTotal(resp.Header.Get("Content-Range"))
	} else {
		// 200 means the server ignored the range request: single-segment,
		// non-resumable. Content-Length, if present, covers the whole body.
		if resp.ContentLength > 0 {
			result.TotalSize = resp.ContentLength
		}
	}

	log.Debug().
		Str("url", finalURL).
		Int64("size", result.TotalSize).
		Bool("ranges", result.SupportsRanges).
		Str("filename", result.Filename).
		Msg("probe complete")

	return result, nil
}

// validatorFrom prefers the ETag and falls back to Last-Modified.
func validatorFrom(h http.Header) string {
	if etag := h.Get("ETag"); etag != "" {
		return etag
	}
	return h.Get("Last-Modified")
}

// parseContentRangeTotal extracts the total from "bytes 0-0/1234".
// Returns -1 for missing or unparseable headers, including "bytes 0-0/*".
func parseContentRangeTotal(header string) int64 {
	parts := strings.Split(header, "/")
	if len(parts) != 2 {
		return -1
	}

	size, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil || size < 0 {
		return -1
	}

	return size
}

// filenameFrom picks a filename from Content-Disposition, then the URL path.
func filenameFrom(disposition, urlStr string) string {
	if name := parseContentDisposition(disposition); name != "" {
		return name
	}
	return filenameFromURL(urlStr)
}

func parseContentDisposition(header string) string {
	if header == "" {
		return ""
	}

	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(strings.ToLower(part), "filename=") {
			filename := strings.TrimPrefix(part, "filename=")
			filename = strings.TrimPrefix(filename, "\"")
			filename = strings.TrimSuffix(filename, "\"")
			return filename
		}
	}

	return ""
}

func filenameFromURL(urlStr string) string {
	u, err := url.Parse(urlStr)
	if err != nil {
		return defaultFilename
	}

	segments := strings.Split(u.Path, "/")
	if len(segments) > 0 {
		if filename := segments[len(segments)-1]; filename != "" {
			return filename
		}
	}

	return defaultFilename
}
