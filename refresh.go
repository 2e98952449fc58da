package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// SessionRenewer obtains a fresh session token for an account whose ST the
// provider no longer accepts. The real implementation drives an external
// browser worker; it is deliberately an interface so tests can stub it.
type SessionRenewer interface {
	Renew(ctx context.Context, acc *Account) (string, error)
}

// noRenewer is used when no renewal service is configured. Accounts with a
// rejected ST go straight to disabled.
type noRenewer struct{}

func (noRenewer) Renew(ctx context.Context, acc *Account) (string, error) {
	return "", fmt.Errorf("no session renewal service configured")
}

// httpRenewer calls an external browser worker that re-authenticates the
// account and hands back a new session token.
type httpRenewer struct {
	hc  *http.Client
	url string
}

func newHTTPRenewer(hc *http.Client, url string) *httpRenewer {
	return &httpRenewer{hc: hc, url: strings.TrimRight(url, "/")}
}

func (r *httpRenewer) Renew(ctx context.Context, acc *Account) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"account_id": acc.ID,
		"email":      acc.Email,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url+"/renew", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("renewal service: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("renewal service returned %d: %s", resp.StatusCode, safeText(raw[:min(len(raw), 256)]))
	}
	var out struct {
		SessionToken string `json:"session_token"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("renewal service response: %w", err)
	}
	if out.SessionToken == "" {
		return "", fmt.Errorf("renewal service returned no session_token")
	}
	return out.SessionToken, nil
}

// refresher keeps account bearers fresh. All refresh work for one account
// is coalesced: any number of concurrent triggers results in exactly one
// upstream exchange.
type refresher struct {
	pool    *poolState
	flow    *flowClient
	renewer SessionRenewer
	group   singleflight.Group

	// lead is how long before AT expiry a token counts as stale.
	lead    time.Duration
	timeout time.Duration
	debug   bool
}

func newRefresher(pool *poolState, flow *flowClient, renewer SessionRenewer, lead, timeout time.Duration, debug bool) *refresher {
	if renewer == nil {
		renewer = noRenewer{}
	}
	if lead <= 0 {
		lead = 5 * time.Minute
	}
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	return &refresher{pool: pool, flow: flow, renewer: renewer, lead: lead, timeout: timeout, debug: debug}
}

// ensureAccess guarantees the account holds a usable bearer, refreshing if
// needed. Concurrent callers for the same account share one exchange; a
// canceled caller does not abort the shared work.
func (r *refresher) ensureAccess(ctx context.Context, acc *Account) error {
	if acc.accessTokenValid(time.Now(), r.lead) {
		return nil
	}
	ch := r.group.DoChan(acc.ID, func() (any, error) {
		// Re-check inside the flight: a just-finished refresh satisfies us.
		if acc.accessTokenValid(time.Now(), r.lead) {
			return nil, nil
		}
		rctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		return nil, r.refresh(rctx, acc)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// forceRefresh drops the cached bearer first, for use after an upstream
// auth failure where the AT looked valid but was not.
func (r *refresher) forceRefresh(ctx context.Context, acc *Account) error {
	acc.markAuthFailure()
	return r.ensureAccess(ctx, acc)
}

func (r *refresher) refresh(ctx context.Context, acc *Account) error {
	if acc.state() == StateDisabled {
		return fmt.Errorf("account %s is disabled", acc.ID)
	}

	at, expires, email, err := r.flow.sessionInfo(ctx, acc.flowAuth())
	if err == nil {
		r.install(acc, at, expires, email)
		return nil
	}
	if !isAuthError(err) {
		return err
	}

	// The ST itself was rejected; hand the account to the renewal
	// collaborator and retry the exchange with the new token.
	acc.setState(StateSTExpired, "")
	r.debugf("account %s: session token rejected, renewing", acc.ID)
	acc.setState(StateRenewing, "")

	st, rerr := r.renewer.Renew(ctx, acc)
	if rerr != nil {
		acc.setState(StateDisabled, fmt.Sprintf("session renewal failed: %v", rerr))
		if serr := saveAccount(acc); serr != nil {
			log.Printf("save account %s: %v", acc.ID, serr)
		}
		return fmt.Errorf("renew session for %s: %w", acc.ID, rerr)
	}

	acc.mu.Lock()
	acc.SessionToken = st
	acc.mu.Unlock()

	at, expires, email, err = r.flow.sessionInfo(ctx, acc.flowAuth())
	if err != nil {
		if isAuthError(err) {
			acc.setState(StateDisabled, fmt.Sprintf("renewed session still rejected: %v", err))
		} else {
			// The renewed token may be fine; a transient exchange failure
			// leaves the account retryable with the new token on disk.
			acc.setState(StateATExpired, "")
		}
		if serr := saveAccount(acc); serr != nil {
			log.Printf("save account %s: %v", acc.ID, serr)
		}
		return fmt.Errorf("exchange renewed session for %s: %w", acc.ID, err)
	}
	r.install(acc, at, expires, email)
	return nil
}

func (r *refresher) install(acc *Account, at string, expires time.Time, email string) {
	acc.mu.Lock()
	acc.AccessToken = at
	acc.ATExpiresAt = expires
	if email != "" {
		acc.Email = email
	}
	acc.State = StateHealthy
	acc.DisabledReason = ""
	acc.LastRefresh = time.Now()
	acc.mu.Unlock()
	if err := saveAccount(acc); err != nil {
		log.Printf("save account %s: %v", acc.ID, err)
	}
	r.debugf("account %s: access token refreshed (expires %s)", acc.ID, expires.Format(time.RFC3339))
}

// ensureProject lazily creates the provider-side project an account needs
// for generation calls and persists the id.
func (r *refresher) ensureProject(ctx context.Context, acc *Account) (string, error) {
	acc.mu.Lock()
	id := acc.ProjectID
	acc.mu.Unlock()
	if id != "" {
		return id, nil
	}

	v, err, _ := r.group.Do(acc.ID+"/project", func() (any, error) {
		acc.mu.Lock()
		id := acc.ProjectID
		acc.mu.Unlock()
		if id != "" {
			return id, nil
		}
		created, err := r.flow.createProject(ctx, acc.flowAuth(), "flow-pool-"+acc.ID)
		if err != nil {
			return "", err
		}
		acc.mu.Lock()
		acc.ProjectID = created
		acc.mu.Unlock()
		if serr := saveAccount(acc); serr != nil {
			log.Printf("save account %s: %v", acc.ID, serr)
		}
		return created, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// sweep proactively refreshes bearers that are close to expiry. Run from a
// background ticker in main.
func (r *refresher) sweep(ctx context.Context) {
	for _, acc := range r.pool.allAccounts() {
		switch acc.state() {
		case StateDisabled, StateRenewing:
			continue
		}
		if acc.accessTokenValid(time.Now(), r.lead) {
			continue
		}
		if err := r.ensureAccess(ctx, acc); err != nil {
			log.Printf("background refresh %s: %v", acc.ID, err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// pollCredits updates credit balances for usable accounts.
func (r *refresher) pollCredits(ctx context.Context) {
	now := time.Now()
	for _, acc := range r.pool.allAccounts() {
		if !acc.usable(now) {
			continue
		}
		if err := r.ensureAccess(ctx, acc); err != nil {
			continue
		}
		credits, tier, err := r.flow.credits(ctx, acc.flowAuth())
		if err != nil {
			r.debugf("credits %s: %v", acc.ID, err)
			continue
		}
		acc.mu.Lock()
		acc.Credits = credits
		if tier != "" {
			acc.PaygateTier = tier
		}
		acc.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
	}
}

func (r *refresher) debugf(format string, args ...any) {
	if r == nil || !r.debug {
		return
	}
	log.Printf(format, args...)
}
