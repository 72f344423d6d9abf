// Package repository persists the job catalog: the identity and terminal
// state of every job the engine has seen, surviving restarts so the bridge
// can list history. Byte-range progress is deliberately not stored here;
// it lives in the per-job resume files.
package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/hyperdm/hdm/internal/errors"
	"github.com/hyperdm/hdm/internal/job"
)

const (
	jobsBucket     = "jobs"
	metadataBucket = "metadata"
	schemaVersion  = 1
)

// ErrJobNotFound is returned when a job ID has no catalog entry.
var ErrJobNotFound = errors.New("job not found")

// BboltRepository stores catalog entries in a single-file bbolt database.
type BboltRepository struct {
	db *bbolt.DB
}

// NewBboltRepository opens (or creates) the catalog database.
func NewBboltRepository(dbPath string) (*BboltRepository, error) {
	options := &bbolt.Options{
		Timeout: 1 * time.Second,
	}

	db, err := bbolt.Open(dbPath, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}

	repo := &BboltRepository{db: db}

	if err := repo.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return repo, nil
}

// initialize sets up buckets and records the schema version.
func (r *BboltRepository) initialize() error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(jobsBucket)); err != nil {
			return fmt.Errorf("failed to create jobs bucket: %w", err)
		}

		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}

		version := []byte(fmt.Sprintf("%d", schemaVersion))
		if err := meta.Put([]byte("schema_version"), version); err != nil {
			return fmt.Errorf("failed to store schema version: %w", err)
		}

		return nil
	})
}

// Save upserts a catalog entry keyed by job ID.
func (r *BboltRepository) Save(entry *job.CatalogEntry) error {
	if entry == nil || entry.ID == "" {
		return errors.New("cannot save catalog entry without a job ID")
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(jobsBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", jobsBucket)
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal catalog entry: %w", err)
		}

		if err := bucket.Put([]byte(entry.ID), data); err != nil {
			return fmt.Errorf("failed to save catalog entry: %w", err)
		}

		return nil
	})
}

// Find retrieves a catalog entry by job ID.
func (r *BboltRepository) Find(id string) (*job.CatalogEntry, error) {
	if id == "" {
		return nil, errors.New("job ID cannot be empty")
	}

	entry := &job.CatalogEntry{}

	err := r.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(jobsBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", jobsBucket)
		}

		// Values returned by Get are only valid inside the transaction.
		data := bucket.Get([]byte(id))
		if data == nil {
			return ErrJobNotFound
		}

		if err := json.Unmarshal(data, entry); err != nil {
			return fmt.Errorf("failed to unmarshal catalog entry: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return entry, nil
}

// FindAll retrieves every catalog entry. Entries that no longer parse are
// skipped rather than failing the whole scan.
func (r *BboltRepository) FindAll() ([]*job.CatalogEntry, error) {
	var entries []*job.CatalogEntry

	err := r.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(jobsBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", jobsBucket)
		}

		return bucket.ForEach(func(k, v []byte) error {
			entry := &job.CatalogEntry{}
			if err := json.Unmarshal(v, entry); err != nil {
				return nil
			}

			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// Delete removes a catalog entry. Deleting a missing entry is not an error.
func (r *BboltRepository) Delete(id string) error {
	if id == "" {
		return errors.New("job ID cannot be empty")
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(jobsBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", jobsBucket)
		}

		return bucket.Delete([]byte(id))
	})
}

// Close closes the underlying database.
func (r *BboltRepository) Close() error {
	return r.db.Close()
}
