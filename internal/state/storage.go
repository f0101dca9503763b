// Package state persists the outcome of periodic jobs in a bbolt file so
// that last-run information survives restarts.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketLastRun = []byte("last_run")
	bucketHistory = []byte("history")
)

// Run is one execution of a job
type Run struct {
	ID         string          `json:"id"`
	Job        string          `json:"job"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Skipped    bool            `json:"skipped,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// BoltStore keeps the last run per job and a time-ordered run history
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates the state file
func NewBoltStore(path string) (*BoltStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open state file: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketLastRun, bucketHistory} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// DB returns the underlying bbolt handle so other components can keep
// their own buckets in the same file
func (s *BoltStore) DB() *bolt.DB {
	return s.db
}

// Record stores a finished run as the job's last run and appends it to history
func (s *BoltStore) Record(ctx context.Context, run *Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketLastRun).Put([]byte(run.Job), data); err != nil {
			return fmt.Errorf("failed to store last run: %w", err)
		}
		if err := tx.Bucket(bucketHistory).Put(makeIndexKey(run.FinishedAt, run.ID), data); err != nil {
			return fmt.Errorf("failed to append history: %w", err)
		}
		return nil
	})
}

// Last returns the most recent run of job, or nil if it never ran
func (s *BoltStore) Last(ctx context.Context, job string) (*Run, error) {
	var run *Run

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLastRun).Get([]byte(job))
		if data == nil {
			return nil
		}

		run = &Run{}
		return json.Unmarshal(data, run)
	})

	return run, err
}

// History returns up to limit runs of job, newest first. An empty job
// matches every job.
func (s *BoltStore) History(ctx context.Context, job string, limit int) ([]*Run, error) {
	runs := []*Run{}

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketHistory).Cursor()

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var run Run
			if err := json.Unmarshal(v, &run); err != nil {
				continue
			}
			if job != "" && run.Job != job {
				continue
			}

			runs = append(runs, &run)
			if limit > 0 && len(runs) >= limit {
				break
			}
		}
		return nil
	})

	return runs, err
}

// CleanupHistory removes history entries older than maxAge and then the
// oldest entries beyond maxCount. Last-run records are kept.
func (s *BoltStore) CleanupHistory(ctx context.Context, maxAge time.Duration, maxCount int) (int, error) {
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketHistory)
		cutoff := time.Now().Add(-maxAge)

		var keys [][]byte
		c := bucket.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte{}, k...))
		}

		remove := 0
		if maxAge > 0 {
			for remove < len(keys) && parseTimestampFromKey(keys[remove]).Before(cutoff) {
				remove++
			}
		}
		if maxCount > 0 && len(keys)-remove > maxCount {
			remove = len(keys) - maxCount
		}

		for _, k := range keys[:remove] {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})

	return deleted, err
}

// Close closes the state file
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// makeIndexKey builds a history key that sorts by time
func makeIndexKey(t time.Time, id string) []byte {
	// Format: timestamp (RFC3339Nano, UTC, fixed width) + "|" + id
	return []byte(t.UTC().Format(indexTimeFormat) + "|" + id)
}

const indexTimeFormat = "2006-01-02T15:04:05.000000000Z"

// parseTimestampFromKey extracts timestamp from index key
func parseTimestampFromKey(key []byte) time.Time {
	s := string(key)
	if len(s) < len(indexTimeFormat) {
		return time.Time{}
	}
	ts, _ := time.Parse(indexTimeFormat, s[:len(indexTimeFormat)])
	return ts
}
