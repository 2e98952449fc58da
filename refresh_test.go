package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func writePoolFile(t *testing.T, dir, id, st string) string {
	t.Helper()
	path := filepath.Join(dir, id+".json")
	buf, _ := json.Marshal(flowAuthJSON{SessionToken: st})
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		t.Fatalf("write pool file: %v", err)
	}
	return path
}

func sessionCookie(r *http.Request) string {
	c := r.Header.Get("Cookie")
	return strings.TrimPrefix(c, "__Secure-next-auth.session-token=")
}

func TestEnsureAccessCoalescesConcurrentTriggers(t *testing.T) {
	var exchanges int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fx/api/auth/session" {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt64(&exchanges, 1)
		time.Sleep(30 * time.Millisecond)
		respondJSON(w, map[string]any{
			"access_token": "fresh-at",
			"expires":      time.Now().Add(1 * time.Hour).Format(time.RFC3339),
			"user":         map[string]any{"email": "a@example.com"},
		})
	}))
	defer upstream.Close()

	dir := t.TempDir()
	acc := &Account{
		ID:           "a1",
		File:         writePoolFile(t, dir, "a1", "st-a1"),
		SessionToken: "st-a1",
		MaxInflight:  3,
		State:        StateATExpired,
	}
	pool := newPoolState([]*Account{acc}, false)
	flow := newFlowClient(upstream.Client(), upstream.URL+"/fx/api", upstream.URL+"/v1", false)
	ref := newRefresher(pool, flow, nil, time.Minute, time.Minute, false)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- ref.ensureAccess(context.Background(), acc)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("ensureAccess: %v", err)
		}
	}

	if n := atomic.LoadInt64(&exchanges); n != 1 {
		t.Fatalf("exchanges = %d, want 1", n)
	}
	if acc.state() != StateHealthy {
		t.Fatalf("state = %s", acc.state())
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	if acc.AccessToken != "fresh-at" {
		t.Fatalf("access token = %s", acc.AccessToken)
	}
	if acc.Email != "a@example.com" {
		t.Fatalf("email = %s", acc.Email)
	}
}

func TestEnsureAccessValidTokenSkipsExchange(t *testing.T) {
	var exchanges int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&exchanges, 1)
		respondJSON(w, map[string]any{"access_token": "x"})
	}))
	defer upstream.Close()

	acc := testAccount("a1", 3)
	pool := newPoolState([]*Account{acc}, false)
	flow := newFlowClient(upstream.Client(), upstream.URL+"/fx/api", upstream.URL+"/v1", false)
	ref := newRefresher(pool, flow, nil, time.Minute, time.Minute, false)

	if err := ref.ensureAccess(context.Background(), acc); err != nil {
		t.Fatalf("ensureAccess: %v", err)
	}
	if atomic.LoadInt64(&exchanges) != 0 {
		t.Fatalf("expected no exchange for valid token")
	}
}

type stubRenewer struct {
	st   string
	err  error
	hits int64
}

func (s *stubRenewer) Renew(ctx context.Context, acc *Account) (string, error) {
	atomic.AddInt64(&s.hits, 1)
	return s.st, s.err
}

func TestRefreshRenewsRejectedSessionToken(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sessionCookie(r) != "renewed-st" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		respondJSON(w, map[string]any{
			"access_token": "renewed-at",
			"expires":      time.Now().Add(1 * time.Hour).Format(time.RFC3339),
		})
	}))
	defer upstream.Close()

	dir := t.TempDir()
	acc := &Account{
		ID:           "a1",
		File:         writePoolFile(t, dir, "a1", "expired-st"),
		SessionToken: "expired-st",
		MaxInflight:  3,
		State:        StateATExpired,
	}
	pool := newPoolState([]*Account{acc}, false)
	flow := newFlowClient(upstream.Client(), upstream.URL+"/fx/api", upstream.URL+"/v1", false)
	renewer := &stubRenewer{st: "renewed-st"}
	ref := newRefresher(pool, flow, renewer, time.Minute, time.Minute, false)

	if err := ref.ensureAccess(context.Background(), acc); err != nil {
		t.Fatalf("ensureAccess: %v", err)
	}
	if atomic.LoadInt64(&renewer.hits) != 1 {
		t.Fatalf("renewer hits = %d", renewer.hits)
	}
	if acc.state() != StateHealthy {
		t.Fatalf("state = %s", acc.state())
	}
	acc.mu.Lock()
	if acc.SessionToken != "renewed-st" || acc.AccessToken != "renewed-at" {
		t.Fatalf("tokens = %s / %s", acc.SessionToken, acc.AccessToken)
	}
	acc.mu.Unlock()

	// The renewed token must also land on disk.
	loaded, err := loadAccount("a1.json", acc.File, mustReadFile(t, acc.File), 3)
	if err != nil {
		t.Fatalf("loadAccount: %v", err)
	}
	if loaded.SessionToken != "renewed-st" {
		t.Fatalf("persisted session token = %s", loaded.SessionToken)
	}
}

func TestRefreshDisablesAccountWhenRenewalFails(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer upstream.Close()

	dir := t.TempDir()
	acc := &Account{
		ID:           "a1",
		File:         writePoolFile(t, dir, "a1", "expired-st"),
		SessionToken: "expired-st",
		MaxInflight:  3,
		State:        StateATExpired,
	}
	pool := newPoolState([]*Account{acc}, false)
	flow := newFlowClient(upstream.Client(), upstream.URL+"/fx/api", upstream.URL+"/v1", false)
	renewer := &stubRenewer{err: fmt.Errorf("browser worker offline")}
	ref := newRefresher(pool, flow, renewer, time.Minute, time.Minute, false)

	if err := ref.ensureAccess(context.Background(), acc); err == nil {
		t.Fatalf("expected error")
	}
	if acc.state() != StateDisabled {
		t.Fatalf("state = %s, want disabled", acc.state())
	}
	acc.mu.Lock()
	reason := acc.DisabledReason
	acc.mu.Unlock()
	if !strings.Contains(reason, "session renewal failed") {
		t.Fatalf("reason = %q", reason)
	}

	// A disabled account is out of the selector's reach.
	if _, err := pool.acquire(nil); err != errPoolExhausted {
		t.Fatalf("expected errPoolExhausted, got %v", err)
	}
}

func TestRefreshKeepsAccountRetryableOnTransientExchange(t *testing.T) {
	// First exchange with the renewed ST hits a provider hiccup; the next
	// one succeeds.
	var failOnce int64 = 1
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sessionCookie(r) != "renewed-st" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if atomic.CompareAndSwapInt64(&failOnce, 1, 0) {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		respondJSON(w, map[string]any{
			"access_token": "renewed-at",
			"expires":      time.Now().Add(1 * time.Hour).Format(time.RFC3339),
		})
	}))
	defer upstream.Close()

	dir := t.TempDir()
	acc := &Account{
		ID:           "a1",
		File:         writePoolFile(t, dir, "a1", "expired-st"),
		SessionToken: "expired-st",
		MaxInflight:  3,
		State:        StateATExpired,
	}
	pool := newPoolState([]*Account{acc}, false)
	flow := newFlowClient(upstream.Client(), upstream.URL+"/fx/api", upstream.URL+"/v1", false)
	renewer := &stubRenewer{st: "renewed-st"}
	ref := newRefresher(pool, flow, renewer, time.Minute, time.Minute, false)

	if err := ref.ensureAccess(context.Background(), acc); err == nil {
		t.Fatalf("expected transient exchange error")
	}
	if acc.state() != StateATExpired {
		t.Fatalf("state = %s, want at_expired", acc.state())
	}

	// The renewed token is on disk, so the retry skips the renewer.
	loaded, err := loadAccount("a1.json", acc.File, mustReadFile(t, acc.File), 3)
	if err != nil {
		t.Fatalf("loadAccount: %v", err)
	}
	if loaded.SessionToken != "renewed-st" {
		t.Fatalf("persisted session token = %s", loaded.SessionToken)
	}

	if err := ref.ensureAccess(context.Background(), acc); err != nil {
		t.Fatalf("retry ensureAccess: %v", err)
	}
	if acc.state() != StateHealthy {
		t.Fatalf("state = %s", acc.state())
	}
	if atomic.LoadInt64(&renewer.hits) != 1 {
		t.Fatalf("renewer hits = %d, want 1", renewer.hits)
	}
}

func TestEnsureProjectCreatesOnce(t *testing.T) {
	var creates int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fx/api/trpc/project.createProject" {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt64(&creates, 1)
		respondJSON(w, map[string]any{
			"result": map[string]any{
				"data": map[string]any{
					"json": map[string]any{
						"result": map[string]any{"projectId": "proj-123"},
					},
				},
			},
		})
	}))
	defer upstream.Close()

	dir := t.TempDir()
	acc := testAccount("a1", 3)
	acc.File = writePoolFile(t, dir, "a1", "st-a1")
	pool := newPoolState([]*Account{acc}, false)
	flow := newFlowClient(upstream.Client(), upstream.URL+"/fx/api", upstream.URL+"/v1", false)
	ref := newRefresher(pool, flow, nil, time.Minute, time.Minute, false)

	for i := 0; i < 3; i++ {
		id, err := ref.ensureProject(context.Background(), acc)
		if err != nil {
			t.Fatalf("ensureProject: %v", err)
		}
		if id != "proj-123" {
			t.Fatalf("project id = %s", id)
		}
	}
	if atomic.LoadInt64(&creates) != 1 {
		t.Fatalf("creates = %d, want 1", creates)
	}
}
