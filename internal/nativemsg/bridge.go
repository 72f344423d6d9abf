package nativemsg

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyperdm/hdm/internal/errors"
	"github.com/hyperdm/hdm/internal/logger"
	"github.com/hyperdm/hdm/internal/manager"
	"github.com/hyperdm/hdm/internal/resolver"
)

const progressInterval = time.Second

// Bridge routes decoded requests to the manager and resolver, guaranteeing
// exactly one response frame per request. It owns no domain state beyond
// the outstanding-request correlation table.
type Bridge struct {
	codec       *Codec
	manager     *manager.Manager
	resolver    resolver.Resolver
	classifier  *resolver.Classifier
	downloadDir string

	mu      sync.Mutex
	pending map[string]struct{}

	wg sync.WaitGroup
}

// NewBridge wires the codec to the manager and resolver.
func NewBridge(codec *Codec, mgr *manager.Manager, res resolver.Resolver, classifier *resolver.Classifier, downloadDir string) *Bridge {
	return &Bridge{
		codec:       codec,
		manager:     mgr,
		resolver:    res,
		classifier:  classifier,
		downloadDir: downloadDir,
		pending:     make(map[string]struct{}),
	}
}

// Run reads frames until the stream closes or ctx is cancelled, then drains
// outstanding requests with a shutdown error so none is left unanswered.
func (b *Bridge) Run(ctx context.Context) error {
	log := logger.Get("bridge")

	progressCtx, stopProgress := context.WithCancel(ctx)
	go b.emitProgress(progressCtx)

	defer func() {
		stopProgress()
		b.drain()
		b.wg.Wait()
	}()

	for {
		payload, err := b.codec.ReadFrame()

		switch {
		case err == nil:
		case errors.Is(err, ErrFrameTooLarge):
			log.Warn().Msg("rejecting oversized frame")
			b.respond(b.register(""), &Response{
				Success: false,
				Error:   "frame exceeds maximum size",
				Kind:    string(errors.CategoryProtocol),
			})
			continue
		case errors.Is(err, io.EOF):
			log.Info().Msg("stream closed by peer")
			return nil
		default:
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			b.respond(b.register(""), &Response{
				Success: false,
				Error:   "malformed request payload",
				Kind:    string(errors.CategoryProtocol),
			})
			continue
		}

		id := b.register(req.CorrelationID)

		b.wg.Add(1)

		go func() {
			defer b.wg.Done()
			b.dispatch(ctx, id, &req)
		}()
	}
}

// register records an outstanding correlation ID, minting one when the
// client did not supply any.
func (b *Bridge) register(id string) string {
	if id == "" {
		id = uuid.NewString()
	}

	b.mu.Lock()
	b.pending[id] = struct{}{}
	b.mu.Unlock()

	return id
}

// respond writes at most one response for the given correlation ID. A
// second call for the same ID, or a call after drain already answered it,
// is a no-op.
func (b *Bridge) respond(id string, resp *Response) {
	b.mu.Lock()
	if _, ok := b.pending[id]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.pending, id)
	b.mu.Unlock()

	resp.CorrelationID = id

	if err := b.codec.WriteFrame(resp); err != nil {
		logger.Get("bridge").Error().Err(err).Msg("failed to write response frame")
	}
}

// drain answers every outstanding request with a shutdown error.
func (b *Bridge) drain() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.respond(id, &Response{
			Success: false,
			Error:   "host shutting down",
			Kind:    string(errors.CategoryContext),
		})
	}
}

// emitProgress periodically pushes snapshots of moving jobs as event
// frames.
func (b *Bridge) emitProgress(ctx context.Context) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snaps := b.manager.Active()
			if len(snaps) == 0 {
				continue
			}

			event := &Event{Event: true, Type: "job_progress", Jobs: snaps}
			if err := b.codec.WriteFrame(event); err != nil {
				logger.Get("bridge").Error().Err(err).Msg("failed to write progress frame")
				return
			}
		}
	}
}

func (b *Bridge) dispatch(ctx context.Context, id string, req *Request) {
	var resp *Response

	switch req.Type {
	case TypeFetchVariants:
		resp = b.handleFetchVariants(ctx, req)
	case TypeDownloadVariant:
		resp = b.handleDownloadVariant(ctx, req)
	case TypeDownloadURL:
		resp = b.handleDownloadURL(ctx, req)
	case TypePause:
		resp = b.handleJobOp(req, b.manager.Pause)
	case TypeResume:
		resp = b.handleJobOp(req, b.manager.Resume)
	case TypeCancel:
		resp = b.handleJobOp(req, b.manager.Cancel)
	case TypeStatus:
		resp = b.handleStatus(req)
	case TypeList:
		resp = &Response{Success: true, Jobs: b.manager.List()}
	case TypeRemove:
		resp = b.handleRemove(req)
	default:
		resp = errorResponse(errors.NewProtocolError(
			errors.New("unknown request type: "+req.Type), ""))
	}

	b.respond(id, resp)
}

func (b *Bridge) handleFetchVariants(ctx context.Context, req *Request) *Response {
	if req.URL == "" {
		return errorResponse(errors.NewProtocolError(errors.New("url is required"), ""))
	}

	media, err := b.resolver.Resolve(ctx, req.URL)
	if err != nil {
		return errorResponse(err)
	}

	return &Response{
		Success: true,
		Data:    media.Variants,
		Info:    &MediaInfo{Title: media.Title},
	}
}

func (b *Bridge) handleDownloadVariant(ctx context.Context, req *Request) *Response {
	if req.URL == "" {
		return errorResponse(errors.NewProtocolError(errors.New("url is required"), ""))
	}

	media, err := b.resolver.Resolve(ctx, req.URL)
	if err != nil {
		return errorResponse(err)
	}

	variant, err := media.FindVariant(req.Itag.String())
	if err != nil {
		// The variant list went stale between fetch and download; the job
		// can never be planned, same as a failed probe.
		return errorResponse(errors.NewProbeError(err, req.URL))
	}

	filename := req.Filename
	if filename == "" {
		filename = variantFilename(media.Title, variant)
	}

	return b.submit(variant.URL, filename)
}

func (b *Bridge) handleDownloadURL(ctx context.Context, req *Request) *Response {
	if req.URL == "" {
		return errorResponse(errors.NewProtocolError(errors.New("url is required"), ""))
	}

	target := req.URL
	filename := req.Filename

	// Streaming pages cannot be fetched directly; resolve them to their
	// best variant first.
	if b.classifier.NeedsResolution(req.URL) {
		media, err := b.resolver.Resolve(ctx, req.URL)
		if err != nil {
			return errorResponse(err)
		}

		variant, err := media.Best()
		if err != nil {
			return errorResponse(errors.NewProbeError(err, req.URL))
		}

		target = variant.URL
		if filename == "" {
			filename = variantFilename(media.Title, variant)
		}
	}

	if filename == "" {
		filename = filenameFromURL(target)
	}

	return b.submit(target, filename)
}

func (b *Bridge) submit(url, filename string) *Response {
	destination := b.manager.ResolveDestination(b.downloadDir, sanitizeFilename(filename))

	j, err := b.manager.Submit(url, destination)
	if err != nil {
		return errorResponse(err)
	}

	return &Response{Success: true, JobID: j.ID}
}

func (b *Bridge) handleJobOp(req *Request, op func(id string) error) *Response {
	if req.JobID == "" {
		return errorResponse(errors.NewProtocolError(errors.New("jobId is required"), ""))
	}

	if err := op(req.JobID); err != nil {
		return errorResponse(err)
	}

	return &Response{Success: true, JobID: req.JobID}
}

func (b *Bridge) handleStatus(req *Request) *Response {
	if req.JobID == "" {
		return errorResponse(errors.NewProtocolError(errors.New("jobId is required"), ""))
	}

	snap, err := b.manager.Status(req.JobID)
	if err != nil {
		return errorResponse(err)
	}

	return &Response{Success: true, JobID: req.JobID, Job: &snap}
}

func (b *Bridge) handleRemove(req *Request) *Response {
	if req.JobID == "" {
		return errorResponse(errors.NewProtocolError(errors.New("jobId is required"), ""))
	}

	if err := b.manager.Remove(req.JobID, req.DeleteFile); err != nil {
		return errorResponse(err)
	}

	return &Response{Success: true, JobID: req.JobID}
}

// errorResponse maps an error to a wire response. The category tag travels
// in kind, so the message is the underlying cause without the log prefix.
func errorResponse(err error) *Response {
	msg := err.Error()

	var downloadErr *errors.DownloadError
	if errors.As(err, &downloadErr) && downloadErr.Err != nil {
		msg = downloadErr.Err.Error()
	}

	return &Response{
		Success: false,
		Error:   msg,
		Kind:    string(errors.CategoryOf(err)),
	}
}

// variantFilename derives a filename from the media title and the variant's
// container type.
func variantFilename(title string, variant *resolver.Variant) string {
	if title == "" {
		title = "download"
	}

	ext := ""
	if exts, err := mime.ExtensionsByType(variant.MimeType); err == nil && len(exts) > 0 {
		ext = exts[0]
	} else if i := strings.IndexByte(variant.MimeType, '/'); i >= 0 {
		ext = "." + variant.MimeType[i+1:]
	}

	return title + ext
}

func filenameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "download"
	}

	if name := path.Base(u.Path); name != "" && name != "/" && name != "." {
		return name
	}

	return "download"
}

// sanitizeFilename strips characters that would escape the download
// directory or upset common filesystems.
func sanitizeFilename(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			return '_'
		}
		return r
	}, name)

	name = strings.Trim(name, ". ")
	if name == "" {
		return "download"
	}

	return name
}
