package job

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hyperdm/hdm/internal/errors"
	"github.com/hyperdm/hdm/internal/logger"
	"github.com/hyperdm/hdm/internal/probe"
	"github.com/hyperdm/hdm/internal/segment"
)

// Run drives the job from Queued to a terminal or paused state. The manager
// calls it on its own goroutine once the job is admitted; it returns when
// the job reaches Completed, Failed, Cancelled or Paused.
func (j *Job) Run(ctx context.Context) {
	// Claiming moves Queued to Probing atomically, so a job paused or
	// cancelled while waiting in the queue never starts, and a Pause
	// arriving right after admission always finds a run to interrupt.
	if !j.claim(ctx) {
		return
	}

	log := logger.Get("job").With().Str("job", j.ID).Logger()

	j.mu.RLock()
	runCtx := j.runCtx
	done := j.runDone
	j.mu.RUnlock()

	defer func() {
		j.mu.Lock()
		cancel := j.cancelRun
		j.cancelRun = nil
		j.runCtx = nil
		j.runDone = nil
		j.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		close(done)
	}()

	log.Info().Str("url", j.URL).Msg("probing")

	res, err := j.prober.Probe(runCtx, j.URL)
	if err != nil {
		j.finishInterrupted(runCtx, nil, err, log)
		return
	}

	j.setStatus(Planning)

	if err := j.plan(res, log); err != nil {
		j.fail(err, log)
		return
	}

	file, err := j.openPart()
	if err != nil {
		j.fail(err, log)
		return
	}

	j.setStatus(Active)
	j.checkpoint(true)

	j.mu.RLock()
	finalURL := j.finalURL
	validator := j.validator
	ranged := j.supportsRanges
	segments := j.segments
	totalSize := j.totalSize
	j.mu.RUnlock()

	log.Info().
		Int64("size", totalSize).
		Int("segments", len(segments)).
		Bool("ranges", ranged).
		Msg("download started")

	g, workerCtx := errgroup.WithContext(runCtx)

	for _, seg := range segments {
		if seg.State() == segment.Done {
			continue
		}

		w := &segment.Worker{
			Client:     j.prober.Client(),
			URL:        finalURL,
			UserAgent:  j.opts.UserAgent,
			Segment:    seg,
			File:       file,
			Validator:  validator,
			Sequential: !ranged,
			Timeout:    j.opts.RequestTimeout,
			MaxRetries: j.opts.MaxRetries,
			BaseDelay:  j.opts.RetryBaseDelay,
			OnProgress: j.onProgress,
		}

		g.Go(func() error {
			if err := j.acquire(workerCtx); err != nil {
				return errors.NewContextError(err, finalURL)
			}
			defer j.release()

			return w.Run(workerCtx)
		})
	}

	if err := g.Wait(); err != nil {
		j.finishInterrupted(runCtx, file, err, log)
		return
	}

	j.finalize(file, log)
}

// claim takes a queued job into Probing and installs the run context under
// the lock. The compare-and-swap guarantees exactly one winner between the
// run loop, Pause and Cancel, and once it returns true the run can always
// be interrupted through cancelRun.
func (j *Job) claim(ctx context.Context) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !atomic.CompareAndSwapInt32(&j.status, int32(Queued), int32(Probing)) {
		return false
	}

	runCtx, cancel := context.WithCancel(ctx)
	j.runCtx = runCtx
	j.cancelRun = cancel
	j.runDone = make(chan struct{})
	j.err = nil
	atomic.StoreInt32(&j.cancelRequested, 0)

	return true
}

// plan decides the segment layout: an in-memory layout from a previous
// pause wins, then a resume record from disk, then a fresh partition. Any
// resumed layout is only trusted if the freshly probed validator still
// matches; a changed resource fails the job rather than risk stitching
// bytes from two different versions together.
func (j *Job) plan(res *probe.Result, log zerolog.Logger) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.finalURL = res.URL

	if len(j.segments) > 0 {
		// Resuming from a pause in this process.
		if j.validator != "" && res.Validator != j.validator {
			return errors.NewRemoteError(errors.ErrResourceChanged, j.URL, 0)
		}

		j.reviveSegmentsLocked()
		return nil
	}

	if rec, err := j.store.Load(j.ID); err == nil && rec != nil && len(rec.Segments) > 0 {
		if rec.Validator != "" && res.Validator != rec.Validator {
			return errors.NewRemoteError(errors.ErrResourceChanged, j.URL, 0)
		}

		if rec.TotalSize == res.TotalSize && (res.SupportsRanges || len(rec.Segments) == 1) {
			log.Info().Int("segments", len(rec.Segments)).Msg("resuming from checkpoint")

			j.totalSize = rec.TotalSize
			j.validator = rec.Validator
			j.supportsRanges = res.SupportsRanges
			j.segments = make([]*segment.Segment, 0, len(rec.Segments))
			for i, s := range rec.Segments {
				j.segments = append(j.segments, segment.Restore(i, s.Start, s.End, s.BytesWritten))
			}
			return nil
		}

		// Same validator but a different shape: safest to start over.
		log.Warn().Msg("checkpoint no longer matches the resource, restarting")
	}

	j.totalSize = res.TotalSize
	j.validator = res.Validator
	j.supportsRanges = res.SupportsRanges
	j.segments = segment.Plan(res.TotalSize, res.SupportsRanges, j.opts.Connections, j.opts.MinSegmentSize)

	return nil
}

// reviveSegmentsLocked rebuilds the segment objects in place, keeping each
// range and its confirmed byte count but dropping retry counters and failed
// states from the previous attempt.
func (j *Job) reviveSegmentsLocked() {
	revived := make([]*segment.Segment, 0, len(j.segments))
	for i, seg := range j.segments {
		revived = append(revived, segment.Restore(i, seg.Start, seg.End, seg.Written()))
	}
	j.segments = revived
}

// openPart opens the staging file and, when the size is known, preallocates
// it so every worker can write at its offset immediately.
func (j *Job) openPart() (*os.File, error) {
	file, err := os.OpenFile(j.PartPath(), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.NewStorageError(err, j.Destination)
	}

	j.mu.RLock()
	size := j.totalSize
	j.mu.RUnlock()

	if size > 0 {
		if err := file.Truncate(size); err != nil {
			file.Close()
			return nil, errors.NewStorageError(err, j.Destination)
		}
	}

	return file, nil
}

// onProgress aggregates worker progress and checkpoints at a bounded
// cadence so a crash loses at most CheckpointBytes or CheckpointInterval
// worth of bookkeeping (never data: the bytes are already on disk).
func (j *Job) onProgress(n int64) {
	j.speed.AddBytes(n)

	j.checkpointMu.Lock()
	j.pendingCheckpoint += n
	due := j.pendingCheckpoint >= j.opts.CheckpointBytes ||
		time.Since(j.lastCheckpoint) >= j.opts.CheckpointInterval
	j.checkpointMu.Unlock()

	if due {
		j.checkpoint(false)
	}
}

// checkpoint persists the resume record. Failures are logged, never fatal:
// losing a checkpoint costs re-downloading a window of bytes, not the job.
func (j *Job) checkpoint(force bool) {
	j.checkpointMu.Lock()
	defer j.checkpointMu.Unlock()

	if !force && j.pendingCheckpoint == 0 {
		return
	}

	if err := j.store.Save(j.buildRecord()); err != nil {
		logger.Get("job").Warn().Str("job", j.ID).Err(err).Msg("checkpoint failed")
		return
	}

	j.pendingCheckpoint = 0
	j.lastCheckpoint = time.Now()
}

// finalize promotes the staging file to the destination.
func (j *Job) finalize(file *os.File, log zerolog.Logger) {
	if err := file.Sync(); err != nil {
		file.Close()
		j.fail(errors.NewStorageError(err, j.Destination), log)
		return
	}
	if err := file.Close(); err != nil {
		j.fail(errors.NewStorageError(err, j.Destination), log)
		return
	}

	if err := os.Rename(j.PartPath(), j.Destination); err != nil {
		j.fail(errors.NewStorageError(err, j.Destination), log)
		return
	}

	j.store.Delete(j.ID)

	j.mu.Lock()
	j.finishedAt = time.Now()
	j.mu.Unlock()
	j.setStatus(Completed)

	log.Info().Int64("bytes", j.Downloaded()).Msg("download complete")
}

// finishInterrupted routes a worker group error: cancellation becomes
// Paused or Cancelled depending on what was requested, anything else fails
// the job. The staging file and checkpoint are kept for every outcome
// except cancel, so both failed and paused jobs stay resumable.
func (j *Job) finishInterrupted(runCtx context.Context, file *os.File, err error, log zerolog.Logger) {
	if file != nil {
		j.checkpoint(true)
		file.Close()
	}

	interrupted := errors.CategoryOf(err) == errors.CategoryContext || runCtx.Err() != nil

	switch {
	case interrupted && atomic.LoadInt32(&j.cancelRequested) == 1:
		j.discardFiles()
		j.mu.Lock()
		j.finishedAt = time.Now()
		j.mu.Unlock()
		j.setStatus(Cancelled)
		log.Info().Msg("download cancelled")

	case interrupted:
		// Pause, or a manager shutdown draining active jobs. Either way the
		// job comes back as Paused.
		j.setStatus(Paused)
		log.Info().Int64("bytes", j.Downloaded()).Msg("download paused")

	default:
		j.fail(err, log)
	}
}

// fail records the error and moves the job to Failed. Checkpoint and
// staging file are kept: a failed job can be resumed manually once the
// underlying condition clears.
func (j *Job) fail(err error, log zerolog.Logger) {
	j.mu.Lock()
	j.err = err
	j.finishedAt = time.Now()
	j.mu.Unlock()
	j.setStatus(Failed)

	log.Error().
		Str("category", string(errors.CategoryOf(err))).
		Err(err).
		Msg("download failed")
}

func (j *Job) discardFiles() {
	os.Remove(j.PartPath())
	j.store.Delete(j.ID)
}

// Pause stops an in-flight job and checkpoints its progress. Pausing a
// queued job just parks it; the manager drops it from the admission queue
// on its next pass.
func (j *Job) Pause() error {
	// Parking a queued job races the admission claim; the CAS ensures the
	// job either parks here or is left for interruptAndWait below.
	if atomic.CompareAndSwapInt32(&j.status, int32(Queued), int32(Paused)) {
		return nil
	}

	switch j.Status() {
	case Paused:
		return nil
	case Probing, Planning, Active:
		j.interruptAndWait()
		return nil
	default:
		return errors.New("job is not running")
	}
}

// Cancel aborts the job and removes its staging file and checkpoint.
func (j *Job) Cancel() error {
	// A queued job is cancelled in place, racing the admission claim.
	if atomic.CompareAndSwapInt32(&j.status, int32(Queued), int32(Cancelled)) {
		j.discardFiles()
		j.mu.Lock()
		j.finishedAt = time.Now()
		j.mu.Unlock()
		return nil
	}

	switch j.Status() {
	case Cancelled:
		return nil
	case Completed:
		return errors.New("job already completed")
	case Probing, Planning, Active:
		atomic.StoreInt32(&j.cancelRequested, 1)
		j.interruptAndWait()
		// The run loop may have won the race and parked the job as Paused
		// before seeing the cancel flag.
		if j.Status() != Cancelled {
			j.discardFiles()
			j.mu.Lock()
			j.finishedAt = time.Now()
			j.mu.Unlock()
			j.setStatus(Cancelled)
		}
		return nil
	default:
		// Paused or Failed: nothing is running, clean up directly.
		j.discardFiles()
		j.mu.Lock()
		j.finishedAt = time.Now()
		j.mu.Unlock()
		j.setStatus(Cancelled)
		return nil
	}
}

// Requeue moves a paused or failed job back into Queued so the manager can
// admit it again.
func (j *Job) Requeue() error {
	switch j.Status() {
	case Paused, Failed:
		j.setStatus(Queued)
		return nil
	case Queued:
		return nil
	default:
		return errors.New("job cannot be resumed from state " + j.Status().String())
	}
}

// interruptAndWait cancels the run context and blocks until Run returns.
func (j *Job) interruptAndWait() {
	j.mu.RLock()
	cancel, done := j.cancelRun, j.runDone
	j.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}
