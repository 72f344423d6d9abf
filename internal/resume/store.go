// Package resume persists per-job byte-range progress so an interrupted job
// can continue without re-fetching completed bytes. One JSON file per job,
// written atomically (temp file + rename) so a crash mid-write never leaves
// a corrupt record behind. A missing or malformed file simply means "no
// resumable state": the job restarts from scratch, it never fails.
package resume

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hyperdm/hdm/internal/logger"
)

// SegmentState is the durable projection of one segment.
type SegmentState struct {
	Start        int64 `json:"start"`
	End          int64 `json:"end"`
	BytesWritten int64 `json:"bytesWritten"`
}

// Record is the durable projection of a job.
type Record struct {
	JobID       string         `json:"jobId"`
	URL         string         `json:"url"`
	Destination string         `json:"destination"`
	TotalSize   int64          `json:"totalSize"`
	Validator   string         `json:"validator,omitempty"`
	Segments    []SegmentState `json:"segments"`
}

// Store keeps one resume file per job under a single directory.
type Store struct {
	dir string
}

// NewStore creates the resume directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create resume directory: %w", err)
	}

	return &Store{dir: dir}, nil
}

func (s *Store) path(jobID string) string {
	return filepath.Join(s.dir, jobID+".json")
}

// Save writes the record atomically. Each job checkpoints its own record
// serially, so no cross-process locking is needed.
func (s *Store) Save(rec *Record) error {
	if rec == nil || rec.JobID == "" {
		return fmt.Errorf("cannot save resume record without a job ID")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal resume record: %w", err)
	}

	final := s.path(rec.JobID)
	tmp := final + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write resume record: %w", err)
	}

	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit resume record: %w", err)
	}

	return nil
}

// Load returns the record for jobID, or nil when no usable state exists.
func (s *Store) Load(jobID string) (*Record, error) {
	data, err := os.ReadFile(s.path(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read resume record: %w", err)
	}

	rec := &Record{}
	if err := json.Unmarshal(data, rec); err != nil {
		logger.Get("resume").Warn().
			Str("job", jobID).
			Err(err).
			Msg("discarding malformed resume record")
		return nil, nil
	}

	if rec.JobID == "" {
		rec.JobID = jobID
	}

	return rec, nil
}

// LoadAll scans the resume directory; used by the manager on restart to
// repopulate its registry. Malformed files are skipped.
func (s *Store) LoadAll() ([]*Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan resume directory: %w", err)
	}

	var records []*Record
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}

		rec, err := s.Load(strings.TrimSuffix(name, ".json"))
		if err != nil || rec == nil {
			continue
		}

		records = append(records, rec)
	}

	return records, nil
}

// Delete removes a job's resume record; called on finalization and cancel.
func (s *Store) Delete(jobID string) error {
	if err := os.Remove(s.path(jobID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete resume record: %w", err)
	}
	return nil
}
