package main

import (
	"sync"
	"time"
)

// errorEntry is one orchestration failure kept for /admin/errors: which
// request, which account, and at which stage (refresh, auth, rate_limit,
// transient, poll_timeout, rejection, exhausted) it failed.
type errorEntry struct {
	Time    time.Time `json:"time"`
	ReqID   string    `json:"req_id"`
	Account string    `json:"account,omitempty"`
	Stage   string    `json:"stage"`
	Message string    `json:"message"`
}

// recentErrors is a bounded newest-first ring of orchestration failures.
type recentErrors struct {
	mu   sync.Mutex
	max  int
	list []errorEntry
}

func newRecentErrors(max int) *recentErrors {
	return &recentErrors{max: max}
}

func (r *recentErrors) add(reqID, account, stage, message string) {
	e := errorEntry{
		Time:    time.Now(),
		ReqID:   reqID,
		Account: account,
		Stage:   stage,
		Message: message,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append([]errorEntry{e}, r.list...)
	if len(r.list) > r.max {
		r.list = r.list[:r.max]
	}
}

func (r *recentErrors) snapshot() []errorEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]errorEntry, len(r.list))
	copy(out, r.list)
	return out
}
