package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// checkAdminToken gates the admin API. No configured token means no admin
// API at all.
func (h *apiHandler) checkAdminToken(r *http.Request) bool {
	if h.cfg.adminToken == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	return strings.TrimPrefix(auth, "Bearer ") == h.cfg.adminToken
}

func (h *apiHandler) handleReload(w http.ResponseWriter, r *http.Request) {
	if !h.checkAdminToken(r) {
		respondError(w, http.StatusUnauthorized, "invalid admin token")
		return
	}
	accs, err := loadPool(h.cfg.poolDir, h.cfg.maxInflight)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.pool.replace(accs)
	log.Printf("pool reloaded: %d accounts", len(accs))
	respondJSON(w, map[string]any{"ok": true, "accounts": len(accs)})
}

func (h *apiHandler) handleAdminAccounts(w http.ResponseWriter, r *http.Request) {
	if !h.checkAdminToken(r) {
		respondError(w, http.StatusUnauthorized, "invalid admin token")
		return
	}
	switch r.Method {
	case http.MethodGet:
		respondJSON(w, h.pool.stats())
	case http.MethodPost:
		h.handleAddAccount(w, r)
	default:
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleAddAccount registers a new account from a session token. The token
// is verified with a live exchange before anything is written.
func (h *apiHandler) handleAddAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID           string `json:"id"`
		SessionToken string `json:"session_token"`
		Label        string `json:"label"`
		MaxInflight  int64  `json:"max_inflight"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.SessionToken) == "" {
		respondError(w, http.StatusBadRequest, "session_token is required")
		return
	}
	if req.ID == "" {
		req.ID = "flow_" + randomID()
	}
	if strings.ContainsAny(req.ID, "/\\.") {
		respondError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	if h.pool.get(req.ID) != nil {
		respondError(w, http.StatusConflict, "account id already exists")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	auth := flowAuth{ST: req.SessionToken, UserAgent: userAgentFor(req.ID)}
	at, expires, email, err := h.flow.sessionInfo(ctx, auth)
	if err != nil {
		respondError(w, http.StatusBadRequest, "session token rejected: "+err.Error())
		return
	}

	file := filepath.Join(h.cfg.poolDir, req.ID+".json")
	record := flowAuthJSON{
		SessionToken:       req.SessionToken,
		AccessToken:        at,
		AccessTokenExpires: expires.UTC().Format(time.RFC3339),
		Email:              email,
		Label:              req.Label,
		MaxInflight:        req.MaxInflight,
	}
	if err := os.MkdirAll(h.cfg.poolDir, 0o700); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := atomicWriteJSON(file, record); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	acc := &Account{
		ID:           req.ID,
		File:         file,
		Label:        req.Label,
		Email:        email,
		SessionToken: req.SessionToken,
		AccessToken:  at,
		ATExpiresAt:  expires,
		MaxInflight:  req.MaxInflight,
		State:        StateHealthy,
	}
	if acc.MaxInflight <= 0 {
		acc.MaxInflight = h.cfg.maxInflight
	}
	h.pool.mu.Lock()
	h.pool.accounts = append(h.pool.accounts, acc)
	h.pool.mu.Unlock()

	log.Printf("account %s added (%s)", acc.ID, maskEmail(email))
	respondJSON(w, map[string]any{"ok": true, "id": acc.ID, "email": maskEmail(email)})
}

// handleAdminTasks lists recent generation tasks for inspection.
func (h *apiHandler) handleAdminTasks(w http.ResponseWriter, r *http.Request) {
	if !h.checkAdminToken(r) {
		respondError(w, http.StatusUnauthorized, "invalid admin token")
		return
	}
	tasks, err := h.store.recentTasks(50)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, map[string]any{"tasks": tasks})
}

// handleAdminAccountAction serves /admin/accounts/:id/{enable,disable,delete}.
func (h *apiHandler) handleAdminAccountAction(w http.ResponseWriter, r *http.Request) {
	if !h.checkAdminToken(r) {
		respondError(w, http.StatusUnauthorized, "invalid admin token")
		return
	}
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/admin/accounts/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	id, action := parts[0], parts[1]
	acc := h.pool.get(id)
	if acc == nil {
		respondError(w, http.StatusNotFound, "unknown account")
		return
	}

	switch action {
	case "enable":
		acc.mu.Lock()
		acc.State = StateATExpired
		acc.DisabledReason = ""
		acc.Failures = 0
		acc.BannedUntil = time.Time{}
		acc.mu.Unlock()
		if err := saveAccount(acc); err != nil {
			log.Printf("save account %s: %v", acc.ID, err)
		}
	case "disable":
		acc.setState(StateDisabled, "disabled by operator")
		if err := saveAccount(acc); err != nil {
			log.Printf("save account %s: %v", acc.ID, err)
		}
	case "delete":
		h.pool.mu.Lock()
		for i, a := range h.pool.accounts {
			if a.ID == id {
				h.pool.accounts = append(h.pool.accounts[:i], h.pool.accounts[i+1:]...)
				break
			}
		}
		h.pool.mu.Unlock()
		if err := os.Remove(acc.File); err != nil && !os.IsNotExist(err) {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
	default:
		http.NotFound(w, r)
		return
	}
	respondJSON(w, map[string]any{"ok": true, "id": id, "action": action})
}
