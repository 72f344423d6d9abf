// Package job owns the full lifecycle of one file download: probing the
// URL, planning byte-range segments, supervising segment workers, persisting
// resume checkpoints, and finalizing the destination file.
package job

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hyperdm/hdm/internal/errors"
	"github.com/hyperdm/hdm/internal/probe"
	"github.com/hyperdm/hdm/internal/resume"
	"github.com/hyperdm/hdm/internal/segment"
)

// partSuffix marks the in-progress staging file next to the destination.
// Data is written there and renamed into place on finalization, so a
// half-downloaded file never sits at the user-visible path.
const partSuffix = ".hdmpart"

// Options are the per-job tuning knobs, resolved by the manager from the
// engine configuration.
type Options struct {
	Connections        int
	MinSegmentSize     int64
	MaxRetries         int
	RetryBaseDelay     time.Duration
	RequestTimeout     time.Duration
	CheckpointInterval time.Duration
	CheckpointBytes    int64
	UserAgent          string
}

// Job represents one download from submission to terminal state. Exactly
// one job owns a given destination path at a time; the manager enforces
// this at submission.
type Job struct {
	ID          string
	URL         string
	Destination string
	Filename    string
	CreatedAt   time.Time

	opts   Options
	prober *probe.Prober
	store  *resume.Store

	// acquire/release gate each segment worker on the manager's global
	// connection ceiling.
	acquire func(ctx context.Context) error
	release func()

	mu             sync.RWMutex
	finalURL       string
	totalSize      int64
	supportsRanges bool
	validator      string
	segments       []*segment.Segment
	err            error
	finishedAt     time.Time
	runCtx         context.Context
	cancelRun      func()
	runDone        chan struct{}

	status          int32
	cancelRequested int32

	speed *speedCalculator

	// Checkpoint throttling state; one checkpoint write at a time per job.
	checkpointMu      sync.Mutex
	pendingCheckpoint int64
	lastCheckpoint    time.Time
}

// DeriveID returns the stable job identity for a destination/URL pair.
// Deterministic UUIDs keep the ID identical across process restarts.
func DeriveID(destination, url string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(destination+"\n"+url)).String()
}

// New creates a job in Queued state.
func New(url, destination string, prober *probe.Prober, store *resume.Store, opts Options, acquire func(ctx context.Context) error, release func()) *Job {
	return &Job{
		ID:          DeriveID(destination, url),
		URL:         url,
		Destination: destination,
		Filename:    filepath.Base(destination),
		CreatedAt:   time.Now(),
		opts:        opts,
		prober:      prober,
		store:       store,
		acquire:     acquire,
		release:     release,
		totalSize:   -1,
		speed:       newSpeedCalculator(5),
	}
}

// PartPath returns the staging file path.
func (j *Job) PartPath() string {
	return j.Destination + partSuffix
}

// Status returns the current lifecycle state.
func (j *Job) Status() Status {
	return Status(atomic.LoadInt32(&j.status))
}

func (j *Job) setStatus(s Status) {
	atomic.StoreInt32(&j.status, int32(s))
}

// Err returns the last error, if any.
func (j *Job) Err() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.err
}

// Downloaded sums the confirmed bytes of all segments.
func (j *Job) Downloaded() int64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.downloadedLocked()
}

func (j *Job) downloadedLocked() int64 {
	var total int64
	for _, seg := range j.segments {
		total += seg.Written()
	}
	return total
}

// Snapshot is a point-in-time view of a job for status queries and for
// responses crossing the bridge.
type Snapshot struct {
	ID             string    `json:"jobId"`
	URL            string    `json:"url"`
	Destination    string    `json:"destination"`
	Filename       string    `json:"filename"`
	Status         string    `json:"status"`
	TotalSize      int64     `json:"totalSize"`
	Downloaded     int64     `json:"downloaded"`
	Progress       float64   `json:"progress"`
	Speed          int64     `json:"speed"`
	TotalSegments  int       `json:"totalSegments"`
	ActiveSegments int       `json:"activeSegments"`
	DoneSegments   int       `json:"doneSegments"`
	CreatedAt      time.Time `json:"createdAt"`
	Error          string    `json:"error,omitempty"`
	ErrorKind      string    `json:"kind,omitempty"`
}

// Stats builds a snapshot under the read lock.
func (j *Job) Stats() Snapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()

	snap := Snapshot{
		ID:          j.ID,
		URL:         j.URL,
		Destination: j.Destination,
		Filename:    j.Filename,
		Status:      j.Status().String(),
		TotalSize:   j.totalSize,
		Downloaded:  j.downloadedLocked(),
		Speed:       j.speed.Speed(),
		CreatedAt:   j.CreatedAt,
	}

	if j.totalSize > 0 {
		snap.Progress = float64(snap.Downloaded) / float64(j.totalSize) * 100
	}

	snap.TotalSegments = len(j.segments)
	for _, seg := range j.segments {
		switch seg.State() {
		case segment.Active:
			snap.ActiveSegments++
		case segment.Done:
			snap.DoneSegments++
		}
	}

	if j.err != nil {
		snap.Error = j.err.Error()
		snap.ErrorKind = string(errors.CategoryOf(j.err))
	}

	return snap
}

// CatalogEntry is the job record persisted in the catalog; it carries
// identity and terminal state, while byte-range progress lives in the
// resume store.
type CatalogEntry struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Destination string    `json:"destination"`
	Filename    string    `json:"filename"`
	TotalSize   int64     `json:"totalSize"`
	Downloaded  int64     `json:"downloaded"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	FinishedAt  time.Time `json:"finishedAt,omitempty"`
	Error       string    `json:"error,omitempty"`
	ErrorKind   string    `json:"kind,omitempty"`
}

// Catalog builds the persistent record for this job.
func (j *Job) Catalog() *CatalogEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()

	entry := &CatalogEntry{
		ID:          j.ID,
		URL:         j.URL,
		Destination: j.Destination,
		Filename:    j.Filename,
		TotalSize:   j.totalSize,
		Downloaded:  j.downloadedLocked(),
		Status:      j.Status().String(),
		CreatedAt:   j.CreatedAt,
		FinishedAt:  j.finishedAt,
	}

	if j.err != nil {
		entry.Error = j.err.Error()
		entry.ErrorKind = string(errors.CategoryOf(j.err))
	}

	return entry
}

// FromCatalog reconstructs a job from its catalog entry after a restart.
// The caller restores segment state separately from the resume store.
func FromCatalog(entry *CatalogEntry, prober *probe.Prober, store *resume.Store, opts Options, acquire func(ctx context.Context) error, release func()) *Job {
	j := New(entry.URL, entry.Destination, prober, store, opts, acquire, release)
	if entry.ID != "" {
		j.ID = entry.ID
	}
	j.CreatedAt = entry.CreatedAt
	j.totalSize = entry.TotalSize
	j.finishedAt = entry.FinishedAt

	switch entry.Status {
	case Completed.String():
		j.setStatus(Completed)
	case Failed.String():
		j.setStatus(Failed)
		if entry.Error != "" {
			j.err = errors.New(entry.Error)
		}
	case Cancelled.String():
		j.setStatus(Cancelled)
	default:
		// Anything non-terminal comes back as Paused: the engine never
		// auto-resumes after a restart.
		j.setStatus(Paused)
	}

	return j
}

// RestoreResume applies a resume record loaded at startup: segment layout,
// validator, and total size become the in-memory plan.
func (j *Job) RestoreResume(rec *resume.Record) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.totalSize = rec.TotalSize
	j.validator = rec.Validator
	j.supportsRanges = len(rec.Segments) > 1 || (len(rec.Segments) == 1 && rec.Segments[0].End >= 0)

	j.segments = make([]*segment.Segment, 0, len(rec.Segments))
	for i, s := range rec.Segments {
		j.segments = append(j.segments, segment.Restore(i, s.Start, s.End, s.BytesWritten))
	}
}

// buildRecord projects current segment progress into a resume record.
func (j *Job) buildRecord() *resume.Record {
	j.mu.RLock()
	defer j.mu.RUnlock()

	rec := &resume.Record{
		JobID:       j.ID,
		URL:         j.URL,
		Destination: j.Destination,
		TotalSize:   j.totalSize,
		Validator:   j.validator,
		Segments:    make([]resume.SegmentState, 0, len(j.segments)),
	}

	for _, seg := range j.segments {
		rec.Segments = append(rec.Segments, resume.SegmentState{
			Start:        seg.Start,
			End:          seg.End,
			BytesWritten: seg.Written(),
		})
	}

	return rec
}
