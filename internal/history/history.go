// Package history persists run and task-run records in BoltDB, adapted
// from the teacher's WorkflowStore: a hot in-memory cache over a durable
// embedded store, with a time-ordered index for range queries.
package history

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/swarmguard/cuenv/internal/cerr"
)

// TaskRunStatus is the terminal or in-flight state of one task execution
// within a run.
type TaskRunStatus string

const (
	TaskRunPending TaskRunStatus = "pending"
	TaskRunRunning TaskRunStatus = "running"
	TaskRunCached  TaskRunStatus = "cached"
	TaskRunSuccess TaskRunStatus = "success"
	TaskRunFailed  TaskRunStatus = "failed"
	TaskRunSkipped TaskRunStatus = "skipped"
)

// TaskRun records one task's outcome within a Run.
type TaskRun struct {
	TaskID     string        `json:"task_id"`
	Status     TaskRunStatus `json:"status"`
	CacheKey   string        `json:"cache_key,omitempty"`
	ExitCode   int           `json:"exit_code"`
	DurationMs int64         `json:"duration_ms"`
}

// Run is one invocation of the scheduler over a project's task graph.
type Run struct {
	ID        string    `json:"id"`
	Project   string    `json:"project"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Tasks     []TaskRun `json:"tasks"`
}

var (
	bucketRuns    = []byte("runs")
	bucketIndexes = []byte("indexes")
)

// Store is a BoltDB-backed run-history store with a hot read cache.
type Store struct {
	db           *bbolt.DB
	mu           sync.RWMutex
	cache        map[string]Run
	maxCacheSize int
}

// Open creates or opens the history database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, cerr.IO("history.Open", path, "open", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketRuns, bucketIndexes} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, cerr.IO("history.Open", path, "create_buckets", err)
	}

	s := &Store{db: db, cache: make(map[string]Run), maxCacheSize: 1000}
	if err := s.warmCache(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// PutRun stores or overwrites a run record and refreshes its time index.
func (s *Store) PutRun(run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(run)
	if err != nil {
		return cerr.Serialization("history.PutRun", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		if err := runs.Put([]byte(run.ID), data); err != nil {
			return err
		}
		indexes := tx.Bucket(bucketIndexes)
		indexKey := fmt.Sprintf("%s:%d:%s", run.Project, run.StartTime.UnixNano(), run.ID)
		return indexes.Put([]byte(indexKey), []byte(run.ID))
	})
	if err != nil {
		return cerr.IO("history.PutRun", run.ID, "write", err)
	}

	if len(s.cache) >= s.maxCacheSize {
		s.evictOldest()
	}
	s.cache[run.ID] = run
	return nil
}

// GetRun retrieves a run by id, checking the hot cache first.
func (s *Store) GetRun(id string) (Run, bool, error) {
	s.mu.RLock()
	if run, ok := s.cache[id]; ok {
		s.mu.RUnlock()
		return run, true, nil
	}
	s.mu.RUnlock()

	var run Run
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &run)
	})
	if err != nil {
		return Run{}, false, cerr.IO("history.GetRun", id, "read", err)
	}
	if !found {
		return Run{}, false, nil
	}

	s.mu.Lock()
	s.cache[id] = run
	s.mu.Unlock()
	return run, true, nil
}

// ListRuns returns up to limit runs for project whose StartTime falls in
// [start, end), ordered oldest-first, using the time-based cursor index.
func (s *Store) ListRuns(project string, start, end time.Time, limit int) ([]Run, error) {
	out := make([]Run, 0, limit)
	err := s.db.View(func(tx *bbolt.Tx) error {
		indexes := tx.Bucket(bucketIndexes)
		runs := tx.Bucket(bucketRuns)
		prefix := []byte(project + ":")
		cursor := indexes.Cursor()

		count := 0
		for k, v := cursor.Seek(prefix); k != nil && count < limit; k, v = cursor.Next() {
			if !hasPrefix(k, prefix) {
				break
			}
			data := runs.Get(v)
			if data == nil {
				continue
			}
			var run Run
			if err := json.Unmarshal(data, &run); err != nil {
				continue
			}
			if run.StartTime.Before(start) {
				continue
			}
			if !run.StartTime.Before(end) {
				break
			}
			out = append(out, run)
			count++
		}
		return nil
	})
	return out, err
}

func (s *Store) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(k, v []byte) error {
			var run Run
			if err := json.Unmarshal(v, &run); err != nil {
				return nil
			}
			s.cache[run.ID] = run
			return nil
		})
	})
}

func (s *Store) evictOldest() {
	var oldestID string
	var oldestTime time.Time
	for id, run := range s.cache {
		if oldestID == "" || run.StartTime.Before(oldestTime) {
			oldestID = id
			oldestTime = run.StartTime
		}
	}
	if oldestID != "" {
		delete(s.cache, oldestID)
	}
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
