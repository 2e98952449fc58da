package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// AccountState tracks credential health for a pooled Flow account.
type AccountState string

const (
	StateHealthy   AccountState = "healthy"
	StateATExpired AccountState = "at_expired"
	StateSTExpired AccountState = "st_expired"
	StateRenewing  AccountState = "renewing"
	StateDisabled  AccountState = "disabled"
)

var (
	errPoolExhausted = errors.New("no usable accounts in pool")
	errPoolBusy      = errors.New("all accounts at capacity")
)

type Account struct {
	mu sync.Mutex

	ID    string
	File  string
	Label string
	Email string

	// SessionToken is the long-lived cookie credential; AccessToken is the
	// short-lived bearer minted from it.
	SessionToken string
	AccessToken  string
	ATExpiresAt  time.Time

	State          AccountState
	DisabledReason string

	Inflight    int64 // atomic
	MaxInflight int64

	ProjectID   string
	Credits     int64
	PaygateTier string

	// BannedUntil is set on upstream 429; the account sits out until then.
	BannedUntil time.Time
	Failures    int // consecutive generation failures

	LastRefresh time.Time
	LastUsed    time.Time

	Totals AccountTotals
}

// AccountTotals aggregates per-account generation counters.
type AccountTotals struct {
	Images      int64     `json:"images"`
	Videos      int64     `json:"videos"`
	Failed      int64     `json:"failed"`
	LastUpdated time.Time `json:"last_updated"`
}

// usableLocked reports whether the account may serve a new request.
// AT-expired accounts remain usable; the refresher re-mints on demand.
func (a *Account) usableLocked(now time.Time) bool {
	switch a.State {
	case StateHealthy, StateATExpired:
	default:
		return false
	}
	if !a.BannedUntil.IsZero() && now.Before(a.BannedUntil) {
		return false
	}
	return true
}

func (a *Account) usable(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usableLocked(now)
}

// accessTokenValid reports whether the bearer is present and not near expiry.
func (a *Account) accessTokenValid(now time.Time, lead time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.AccessToken == "" || a.State != StateHealthy {
		return false
	}
	if a.ATExpiresAt.IsZero() {
		return true
	}
	return now.Add(lead).Before(a.ATExpiresAt)
}

func (a *Account) setState(s AccountState, reason string) {
	a.mu.Lock()
	a.State = s
	if s == StateDisabled {
		a.DisabledReason = reason
	} else {
		a.DisabledReason = ""
	}
	a.mu.Unlock()
}

func (a *Account) state() AccountState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.State
}

// markAuthFailure flags the bearer as stale after an upstream 401/403.
func (a *Account) markAuthFailure() {
	a.mu.Lock()
	if a.State == StateHealthy {
		a.State = StateATExpired
	}
	a.mu.Unlock()
}

// markBanned parks the account after an upstream 429.
func (a *Account) markBanned(d time.Duration) {
	a.mu.Lock()
	a.BannedUntil = time.Now().Add(d)
	a.mu.Unlock()
}

// markFailure counts a consecutive generation failure and disables the
// account once the threshold is crossed. threshold <= 0 disables nothing.
func (a *Account) markFailure(threshold int) {
	a.mu.Lock()
	a.Failures++
	a.Totals.Failed++
	a.Totals.LastUpdated = time.Now()
	if threshold > 0 && a.Failures >= threshold && a.State != StateDisabled {
		a.State = StateDisabled
		a.DisabledReason = fmt.Sprintf("%d consecutive failures", a.Failures)
	}
	a.mu.Unlock()
}

func (a *Account) markSuccess(kind jobKind) {
	a.mu.Lock()
	a.Failures = 0
	if kind.isVideo() {
		a.Totals.Videos++
	} else {
		a.Totals.Images++
	}
	a.Totals.LastUpdated = time.Now()
	a.mu.Unlock()
}

// flowAuthJSON is the on-disk pool file format, one account per file.
type flowAuthJSON struct {
	SessionToken       string `json:"session_token"`
	AccessToken        string `json:"access_token,omitempty"`
	AccessTokenExpires string `json:"access_token_expires,omitempty"`
	Email              string `json:"email,omitempty"`
	Label              string `json:"label,omitempty"`
	ProjectID          string `json:"project_id,omitempty"`
	MaxInflight        int64  `json:"max_inflight,omitempty"`
	Disabled           bool   `json:"disabled,omitempty"`
	DisabledReason     string `json:"disabled_reason,omitempty"`
}

func loadPool(dir string, defaultMaxInflight int64) ([]*Account, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pool dir %s: %w", dir, err)
	}

	var accs []*Account
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		acc, err := loadAccount(e.Name(), path, data, defaultMaxInflight)
		if err != nil {
			return nil, err
		}
		if acc != nil {
			accs = append(accs, acc)
		}
	}
	return accs, nil
}

func loadAccount(name, path string, data []byte, defaultMaxInflight int64) (*Account, error) {
	var auth flowAuthJSON
	if err := json.Unmarshal(data, &auth); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if strings.TrimSpace(auth.SessionToken) == "" {
		log.Printf("skipping %s: no session_token", name)
		return nil, nil
	}

	acc := &Account{
		ID:           strings.TrimSuffix(name, ".json"),
		File:         path,
		Label:        auth.Label,
		Email:        auth.Email,
		SessionToken: auth.SessionToken,
		AccessToken:  auth.AccessToken,
		ProjectID:    auth.ProjectID,
		MaxInflight:  auth.MaxInflight,
		State:        StateHealthy,
	}
	if acc.MaxInflight <= 0 {
		acc.MaxInflight = defaultMaxInflight
	}
	if auth.AccessTokenExpires != "" {
		if t, err := time.Parse(time.RFC3339, auth.AccessTokenExpires); err == nil {
			acc.ATExpiresAt = t
		}
	}
	if acc.AccessToken == "" || (!acc.ATExpiresAt.IsZero() && acc.ATExpiresAt.Before(time.Now())) {
		acc.State = StateATExpired
	}
	if auth.Disabled {
		acc.State = StateDisabled
		acc.DisabledReason = auth.DisabledReason
		if acc.DisabledReason == "" {
			acc.DisabledReason = "disabled in pool file"
		}
	}
	return acc, nil
}

// poolState wraps accounts with a mutex.
type poolState struct {
	mu       sync.RWMutex
	accounts []*Account
	debug    bool
	rr       uint64
}

func newPoolState(accs []*Account, debug bool) *poolState {
	return &poolState{accounts: accs, debug: debug}
}

// replace swaps the pool accounts (used on reload).
func (p *poolState) replace(accs []*Account) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accounts = accs
	p.rr = 0
}

func (p *poolState) count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.accounts)
}

// acquire selects a usable account and claims an in-flight slot on it.
// Round-robin order leads: the least recently used eligible account wins,
// with the lowest in-flight count as the tie-break. Accounts with a known
// zero credit balance are deprioritized but not excluded. Returns
// errPoolBusy when every eligible account is at its cap, errPoolExhausted
// when none is eligible.
func (p *poolState) acquire(exclude map[string]bool) (*Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	n := len(p.accounts)
	if n == 0 {
		return nil, errPoolExhausted
	}

	var best *Account
	var bestLoad int64
	var bestUsed time.Time
	var bestCredits bool
	eligible := 0
	start := int(p.rr % uint64(n))
	for i := 0; i < n; i++ {
		a := p.accounts[(start+i)%n]
		if exclude != nil && exclude[a.ID] {
			continue
		}
		a.mu.Lock()
		usable := a.usableLocked(now)
		used := a.LastUsed
		credits := a.Credits != 0
		a.mu.Unlock()
		if !usable {
			continue
		}
		eligible++
		load := atomic.LoadInt64(&a.Inflight)
		if load >= a.MaxInflight {
			continue
		}
		var better bool
		switch {
		case best == nil:
			better = true
		case credits != bestCredits:
			better = credits
		case !used.Equal(bestUsed):
			better = used.Before(bestUsed)
		default:
			better = load < bestLoad
		}
		if better {
			best = a
			bestLoad = load
			bestUsed = used
			bestCredits = credits
		}
	}
	if best == nil {
		if eligible > 0 {
			return nil, errPoolBusy
		}
		return nil, errPoolExhausted
	}

	atomic.AddInt64(&best.Inflight, 1)
	best.mu.Lock()
	best.LastUsed = now
	best.mu.Unlock()
	p.rr++
	p.debugf("acquired account %s (inflight=%d)", best.ID, bestLoad+1)
	return best, nil
}

// release returns the in-flight slot claimed by acquire.
func (p *poolState) release(a *Account) {
	if a == nil {
		return
	}
	if v := atomic.AddInt64(&a.Inflight, -1); v < 0 {
		atomic.StoreInt64(&a.Inflight, 0)
	}
}

func (p *poolState) get(id string) *Account {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, a := range p.accounts {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// allAccounts returns a copy of the account slice for stats/reporting.
func (p *poolState) allAccounts() []*Account {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Account, len(p.accounts))
	copy(out, p.accounts)
	return out
}

// saveAccount persists the account back to its pool file, modifying only
// the fields the proxy owns. Unknown fields in the file are preserved; if
// the existing file cannot be parsed we fail closed rather than clobber it.
func saveAccount(a *Account) error {
	if a == nil {
		return fmt.Errorf("nil account")
	}
	if strings.TrimSpace(a.File) == "" {
		return fmt.Errorf("account %s has empty file path", a.ID)
	}

	raw, err := os.ReadFile(a.File)
	if err != nil {
		return err
	}
	var root map[string]any
	if err := json.Unmarshal(raw, &root); err != nil {
		return fmt.Errorf("parse %s: %w", a.File, err)
	}

	a.mu.Lock()
	if a.SessionToken != "" {
		root["session_token"] = a.SessionToken
	}
	if a.AccessToken != "" {
		root["access_token"] = a.AccessToken
	}
	if !a.ATExpiresAt.IsZero() {
		root["access_token_expires"] = a.ATExpiresAt.UTC().Format(time.RFC3339)
	}
	if a.ProjectID != "" {
		root["project_id"] = a.ProjectID
	}
	if a.State == StateDisabled {
		root["disabled"] = true
		root["disabled_reason"] = a.DisabledReason
	} else {
		delete(root, "disabled")
		delete(root, "disabled_reason")
	}
	a.mu.Unlock()

	return atomicWriteJSON(a.File, root)
}

func atomicWriteJSON(filePath string, data any) error {
	updated, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}

	// Atomic write: write to temp file then rename.
	dir := filepath.Dir(filePath)
	tmp, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(updated); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, filePath)
}

// PoolStats contains aggregate stats about the pool for the stats endpoint.
type PoolStats struct {
	TotalCount    int            `json:"total_count"`
	UsableCount   int            `json:"usable_count"`
	DisabledCount int            `json:"disabled_count"`
	RenewingCount int            `json:"renewing_count"`
	TotalInflight int64          `json:"total_inflight"`
	TotalCredits  int64          `json:"total_credits"`
	Accounts      []AccountBrief `json:"accounts"`
}

// AccountBrief is a sanitized account summary. Tokens never leave the pool.
type AccountBrief struct {
	ID          string `json:"id"`
	Label       string `json:"label,omitempty"`
	Email       string `json:"email,omitempty"`
	State       string `json:"state"`
	Reason      string `json:"reason,omitempty"`
	Inflight    int64  `json:"inflight"`
	MaxInflight int64  `json:"max_inflight"`
	Credits     int64  `json:"credits"`
	PaygateTier string `json:"paygate_tier,omitempty"`
	Images      int64  `json:"images"`
	Videos      int64  `json:"videos"`
	Failed      int64  `json:"failed"`
}

func (p *poolState) stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := time.Now()
	stats := PoolStats{TotalCount: len(p.accounts)}
	for _, a := range p.accounts {
		inflight := atomic.LoadInt64(&a.Inflight)
		a.mu.Lock()
		brief := AccountBrief{
			ID:          a.ID,
			Label:       a.Label,
			Email:       maskEmail(a.Email),
			State:       string(a.State),
			Reason:      a.DisabledReason,
			Inflight:    inflight,
			MaxInflight: a.MaxInflight,
			Credits:     a.Credits,
			PaygateTier: a.PaygateTier,
			Images:      a.Totals.Images,
			Videos:      a.Totals.Videos,
			Failed:      a.Totals.Failed,
		}
		switch {
		case a.usableLocked(now):
			stats.UsableCount++
		case a.State == StateDisabled:
			stats.DisabledCount++
		case a.State == StateRenewing:
			stats.RenewingCount++
		}
		stats.TotalInflight += inflight
		stats.TotalCredits += a.Credits
		a.mu.Unlock()
		stats.Accounts = append(stats.Accounts, brief)
	}
	return stats
}

func maskEmail(s string) string {
	at := strings.IndexByte(s, '@')
	if at <= 1 {
		return s
	}
	return s[:1] + "***" + s[at:]
}

func (p *poolState) debugf(format string, args ...any) {
	if p == nil || !p.debug {
		return
	}
	log.Printf(format, args...)
}
