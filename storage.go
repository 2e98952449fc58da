package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
)

const (
	bucketTasks    = "tasks"
	bucketTaskTime = "task_time"
)

const (
	taskStatusProcessing = "processing"
	taskStatusCompleted  = "completed"
	taskStatusFailed     = "failed"
)

// taskRecord is one generation job as persisted for audit/debugging.
type taskRecord struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	Kind      string    `json:"kind"`
	AccountID string    `json:"account_id,omitempty"`
	ClientIP  string    `json:"client_ip,omitempty"`
	Status    string    `json:"status"`
	URLs      []string  `json:"urls,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// jobStore persists task records in bbolt. A secondary time-ordered index
// keeps pruning cheap.
type jobStore struct {
	db        *bbolt.DB
	retention time.Duration
	nextPrune int64 // unix nanos, atomic
}

func newJobStore(path string, retentionDays int) (*jobStore, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, e := tx.CreateBucketIfNotExists([]byte(bucketTasks)); e != nil {
			return e
		}
		if _, e := tx.CreateBucketIfNotExists([]byte(bucketTaskTime)); e != nil {
			return e
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &jobStore{
		db:        db,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		nextPrune: time.Now().Add(1 * time.Hour).UnixNano(),
	}, nil
}

func (s *jobStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *jobStore) createTask(t taskRecord) {
	if s == nil || s.db == nil {
		return
	}
	t.UpdatedAt = t.CreatedAt
	val, err := json.Marshal(t)
	if err != nil {
		return
	}
	timeKey := fmt.Sprintf("%020d|%s", t.CreatedAt.UnixNano(), t.ID)
	_ = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(bucketTasks)).Put([]byte(t.ID), val); err != nil {
			return err
		}
		return tx.Bucket([]byte(bucketTaskTime)).Put([]byte(timeKey), []byte(t.ID))
	})
	s.maybePrune()
}

// maybePrune runs a prune once the schedule comes due. createTask calls
// this from concurrent request goroutines; the CAS elects one of them.
func (s *jobStore) maybePrune() {
	next := atomic.LoadInt64(&s.nextPrune)
	if time.Now().UnixNano() < next {
		return
	}
	if !atomic.CompareAndSwapInt64(&s.nextPrune, next, time.Now().Add(1*time.Hour).UnixNano()) {
		return
	}
	s.prune()
}

// finishTask records the terminal state of a task.
func (s *jobStore) finishTask(id, accountID, status string, urls []string, errMsg string) {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketTasks))
		raw := b.Get([]byte(id))
		if raw == nil {
			return nil
		}
		var t taskRecord
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil
		}
		t.Status = status
		t.AccountID = accountID
		t.URLs = urls
		t.Error = errMsg
		t.UpdatedAt = time.Now()
		if enc, err := json.Marshal(&t); err == nil {
			return b.Put([]byte(id), enc)
		}
		return nil
	})
}

func (s *jobStore) prune() {
	cutoff := time.Now().Add(-s.retention)
	_ = s.db.Update(func(tx *bbolt.Tx) error {
		tasks := tx.Bucket([]byte(bucketTasks))
		c := tx.Bucket([]byte(bucketTaskTime)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			parts := strings.SplitN(string(k), "|", 2)
			ts, err := timeFromKey(parts[0])
			if err != nil {
				continue
			}
			if ts.Before(cutoff) {
				_ = tasks.Delete(v)
				_ = c.Delete()
			} else {
				// keys are ordered; can break once beyond cutoff
				break
			}
		}
		return nil
	})
}

func timeFromKey(tsPart string) (time.Time, error) {
	var n int64
	if _, err := fmt.Sscanf(tsPart, "%d", &n); err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n), nil
}

// loadTask fetches a task by id, mainly for tests and admin inspection.
func (s *jobStore) loadTask(id string) (taskRecord, bool, error) {
	var out taskRecord
	if s == nil || s.db == nil {
		return out, false, nil
	}
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		if raw := tx.Bucket([]byte(bucketTasks)).Get([]byte(id)); raw != nil {
			found = true
			return json.Unmarshal(raw, &out)
		}
		return nil
	})
	return out, found, err
}

// recentTasks returns up to n most recent task records, newest first.
func (s *jobStore) recentTasks(n int) ([]taskRecord, error) {
	if s == nil || s.db == nil || n <= 0 {
		return nil, nil
	}
	var out []taskRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		tasks := tx.Bucket([]byte(bucketTasks))
		c := tx.Bucket([]byte(bucketTaskTime)).Cursor()
		for k, v := c.Last(); k != nil && len(out) < n; k, v = c.Prev() {
			raw := tasks.Get(v)
			if raw == nil {
				continue
			}
			var t taskRecord
			if err := json.Unmarshal(raw, &t); err != nil {
				continue
			}
			out = append(out, t)
		}
		return nil
	})
	return out, err
}
