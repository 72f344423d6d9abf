// Package manager owns the job registry and admission control: a FIFO
// queue bounded by a concurrent-job ceiling, plus a global connection
// budget shared by every segment worker in the process.
package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hyperdm/hdm/internal/config"
	"github.com/hyperdm/hdm/internal/errors"
	"github.com/hyperdm/hdm/internal/job"
	"github.com/hyperdm/hdm/internal/logger"
	"github.com/hyperdm/hdm/internal/probe"
	"github.com/hyperdm/hdm/internal/resume"
)

// ErrShuttingDown rejects new work once Shutdown has begun.
var ErrShuttingDown = errors.New("manager is shutting down")

// ErrJobNotFound is returned for operations on unknown job IDs.
var ErrJobNotFound = errors.New("job not found")

// Repository is the slice of the catalog the manager needs.
type Repository interface {
	Save(entry *job.CatalogEntry) error
	FindAll() ([]*job.CatalogEntry, error)
	Delete(id string) error
}

// Manager coordinates every job in the process.
type Manager struct {
	cfg    *config.EngineConfig
	prober *probe.Prober
	store  *resume.Store
	repo   Repository

	// connections is the global ceiling on in-flight segment requests
	// across all active jobs.
	connections *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	jobs   map[string]*job.Job
	byDest map[string]string
	queue  []string
	queued map[string]struct{}
	active int
	closed bool

	wg sync.WaitGroup
}

// New creates a Manager. Call Restore before accepting requests to bring
// back jobs from a previous run.
func New(cfg *config.EngineConfig, prober *probe.Prober, store *resume.Store, repo Repository) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		cfg:         cfg,
		prober:      prober,
		store:       store,
		repo:        repo,
		connections: semaphore.NewWeighted(int64(cfg.MaxTotalConnections)),
		ctx:         ctx,
		cancel:      cancel,
		jobs:        make(map[string]*job.Job),
		byDest:      make(map[string]string),
		queued:      make(map[string]struct{}),
	}
}

func (m *Manager) jobOptions() job.Options {
	return job.Options{
		Connections:        m.cfg.MaxConnectionsPerJob,
		MinSegmentSize:     m.cfg.MinSegmentSize,
		MaxRetries:         m.cfg.MaxRetries,
		RetryBaseDelay:     m.cfg.RetryBaseDelay,
		RequestTimeout:     m.cfg.RequestTimeout,
		CheckpointInterval: m.cfg.CheckpointInterval,
		CheckpointBytes:    m.cfg.CheckpointBytes,
		UserAgent:          m.cfg.UserAgent,
	}
}

func (m *Manager) acquireConn(ctx context.Context) error {
	return m.connections.Acquire(ctx, 1)
}

func (m *Manager) releaseConn() {
	m.connections.Release(1)
}

// Restore rebuilds the registry from the catalog and resume store. Jobs
// that were active when the previous process died come back as Paused;
// nothing auto-resumes without an explicit request.
func (m *Manager) Restore() error {
	log := logger.Get("manager")

	entries, err := m.repo.FindAll()
	if err != nil {
		return fmt.Errorf("failed to load job catalog: %w", err)
	}

	records, err := m.store.LoadAll()
	if err != nil {
		log.Warn().Err(err).Msg("failed to scan resume records")
	}

	byID := make(map[string]*resume.Record, len(records))
	for _, rec := range records {
		byID[rec.JobID] = rec
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range entries {
		j := job.FromCatalog(entry, m.prober, m.store, m.jobOptions(), m.acquireConn, m.releaseConn)
		if rec, ok := byID[entry.ID]; ok {
			j.RestoreResume(rec)
			delete(byID, entry.ID)
		}

		m.jobs[j.ID] = j
		if !j.Status().Terminal() {
			m.byDest[j.Destination] = j.ID
		}
	}

	// A resume record without a catalog entry still identifies a restorable
	// job; the catalog write may have been lost in a crash.
	for _, rec := range byID {
		j := job.New(rec.URL, rec.Destination, m.prober, m.store, m.jobOptions(), m.acquireConn, m.releaseConn)
		j.RestoreResume(rec)
		j.Pause()

		m.jobs[j.ID] = j
		m.byDest[j.Destination] = j.ID
	}

	log.Info().Int("jobs", len(m.jobs)).Msg("registry restored")

	return nil
}

// Submit registers a new download and queues it. Submitting a URL that an
// existing non-terminal job already downloads to the same destination joins
// that job instead of creating a duplicate.
func (m *Manager) Submit(url, destination string) (*job.Job, error) {
	if url == "" {
		return nil, errors.New("url cannot be empty")
	}
	if destination == "" {
		return nil, errors.New("destination cannot be empty")
	}

	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}

	if id, ok := m.byDest[destination]; ok {
		existing := m.jobs[id]
		m.mu.Unlock()

		if existing.URL != url {
			return nil, fmt.Errorf("destination %s is already claimed by another download", destination)
		}

		return existing, nil
	}

	j := job.New(url, destination, m.prober, m.store, m.jobOptions(), m.acquireConn, m.releaseConn)
	m.jobs[j.ID] = j
	m.byDest[destination] = j.ID
	m.mu.Unlock()

	// Catalog before admission so a crash right after submit still knows
	// about the job.
	if err := m.repo.Save(j.Catalog()); err != nil {
		logger.Get("manager").Warn().Str("job", j.ID).Err(err).Msg("failed to catalog job")
	}

	m.mu.Lock()
	m.enqueueLocked(j.ID)
	m.admitLocked()
	m.mu.Unlock()

	logger.Get("manager").Info().
		Str("job", j.ID).
		Str("url", url).
		Str("destination", destination).
		Msg("job submitted")

	return j, nil
}

// enqueueLocked appends a job to the admission queue unless it is already
// waiting. Pausing a queued job leaves its entry behind, so a later resume
// must not add a second one. Caller holds m.mu.
func (m *Manager) enqueueLocked(id string) {
	if _, ok := m.queued[id]; ok {
		return
	}

	m.queued[id] = struct{}{}
	m.queue = append(m.queue, id)
}

// admitLocked starts queued jobs while the concurrent-job ceiling allows.
// The status check only filters entries parked while waiting; the claim
// inside Run is what takes the job atomically. Caller holds m.mu.
func (m *Manager) admitLocked() {
	for m.active < m.cfg.MaxConcurrentJobs && len(m.queue) > 0 {
		id := m.queue[0]
		m.queue = m.queue[1:]
		delete(m.queued, id)

		j, ok := m.jobs[id]
		if !ok || j.Status() != job.Queued {
			continue
		}

		m.active++
		m.wg.Add(1)

		go func() {
			defer m.wg.Done()

			j.Run(m.ctx)
			m.jobDone(j)
		}()
	}
}

// jobDone persists the outcome and frees the job's admission slot.
func (m *Manager) jobDone(j *job.Job) {
	if err := m.repo.Save(j.Catalog()); err != nil {
		logger.Get("manager").Warn().Str("job", j.ID).Err(err).Msg("failed to catalog job outcome")
	}

	m.mu.Lock()
	m.active--
	if j.Status().Terminal() {
		delete(m.byDest, j.Destination)
	}
	m.admitLocked()
	m.mu.Unlock()
}

func (m *Manager) find(id string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}

	return j, nil
}

// Pause stops a job and checkpoints its progress.
func (m *Manager) Pause(id string) error {
	j, err := m.find(id)
	if err != nil {
		return err
	}

	if err := j.Pause(); err != nil {
		return err
	}

	if err := m.repo.Save(j.Catalog()); err != nil {
		logger.Get("manager").Warn().Str("job", id).Err(err).Msg("failed to catalog pause")
	}

	return nil
}

// Resume re-queues a paused or failed job.
func (m *Manager) Resume(id string) error {
	j, err := m.find(id)
	if err != nil {
		return err
	}

	if err := j.Requeue(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	m.byDest[j.Destination] = j.ID
	m.enqueueLocked(j.ID)
	m.admitLocked()
	m.mu.Unlock()

	return nil
}

// Cancel aborts a job and deletes its partial data.
func (m *Manager) Cancel(id string) error {
	j, err := m.find(id)
	if err != nil {
		return err
	}

	if err := j.Cancel(); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.byDest, j.Destination)
	m.mu.Unlock()

	if err := m.repo.Save(j.Catalog()); err != nil {
		logger.Get("manager").Warn().Str("job", id).Err(err).Msg("failed to catalog cancel")
	}

	return nil
}

// Remove cancels the job if needed and erases it from the registry and
// catalog. With deleteFile set, a completed download's file is removed
// from disk as well.
func (m *Manager) Remove(id string, deleteFile bool) error {
	j, err := m.find(id)
	if err != nil {
		return err
	}

	if !j.Status().Terminal() {
		if err := j.Cancel(); err != nil {
			return err
		}
	}

	if deleteFile && j.Status() == job.Completed {
		if err := os.Remove(j.Destination); err != nil && !os.IsNotExist(err) {
			return errors.NewStorageError(err, j.Destination)
		}
	}

	m.mu.Lock()
	delete(m.jobs, id)
	delete(m.byDest, j.Destination)
	m.mu.Unlock()

	return m.repo.Delete(id)
}

// Status returns a snapshot of one job.
func (m *Manager) Status(id string) (job.Snapshot, error) {
	j, err := m.find(id)
	if err != nil {
		return job.Snapshot{}, err
	}

	return j.Stats(), nil
}

// List returns snapshots of every registered job, newest first.
func (m *Manager) List() []job.Snapshot {
	m.mu.Lock()
	jobs := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	m.mu.Unlock()

	snaps := make([]job.Snapshot, 0, len(jobs))
	for _, j := range jobs {
		snaps = append(snaps, j.Stats())
	}

	sort.Slice(snaps, func(i, k int) bool {
		return snaps[i].CreatedAt.After(snaps[k].CreatedAt)
	})

	return snaps
}

// Active returns snapshots of jobs that are currently moving bytes or
// waiting for admission; used for progress events.
func (m *Manager) Active() []job.Snapshot {
	var snaps []job.Snapshot
	for _, snap := range m.List() {
		switch snap.Status {
		case job.Active.String(), job.Probing.String(), job.Planning.String(), job.Queued.String():
			snaps = append(snaps, snap)
		}
	}

	return snaps
}

// ResolveDestination joins a directory and filename into a destination path
// that collides with neither an existing file nor a registered job,
// appending " (1)", " (2)", ... before the extension when needed.
func (m *Manager) ResolveDestination(dir, filename string) string {
	if filename == "" {
		filename = "download"
	}
	filename = filepath.Base(filename)

	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)

	m.mu.Lock()
	defer m.mu.Unlock()

	candidate := filepath.Join(dir, filename)
	for i := 1; m.destTakenLocked(candidate); i++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
	}

	return candidate
}

func (m *Manager) destTakenLocked(dest string) bool {
	if _, ok := m.byDest[dest]; ok {
		return true
	}

	if _, err := os.Stat(dest); err == nil {
		return true
	}

	_, err := os.Stat(dest + ".hdmpart")

	return err == nil
}

// Shutdown stops intake, pauses every running job so its progress is
// checkpointed, and waits up to timeout for them to wind down.
func (m *Manager) Shutdown(timeout time.Duration) error {
	log := logger.Get("manager")

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.queue = nil
	m.queued = make(map[string]struct{})
	jobs := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	m.mu.Unlock()

	var pauseWG sync.WaitGroup

	for _, j := range jobs {
		if j.Status().Terminal() {
			continue
		}

		pauseWG.Add(1)

		go func(j *job.Job) {
			defer pauseWG.Done()

			if err := j.Pause(); err != nil {
				return
			}

			if err := m.repo.Save(j.Catalog()); err != nil {
				log.Warn().Str("job", j.ID).Err(err).Msg("failed to catalog job during shutdown")
			}
		}(j)
	}

	paused := make(chan struct{})
	go func() {
		pauseWG.Wait()
		m.wg.Wait()
		close(paused)
	}()

	select {
	case <-paused:
	case <-time.After(timeout):
		log.Warn().Msg("shutdown timed out waiting for jobs")
	}

	m.cancel()
	log.Info().Msg("manager stopped")

	return nil
}
