package main

import (
	"log"
	"net/http"
	"strings"
)

// ServeHTTP routes incoming requests to the appropriate handler.
func (h *apiHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := randomID()
	if h.cfg.debug {
		log.Printf("[%s] incoming %s %s", reqID, r.Method, r.URL.Path)
	}

	// Static routes
	switch r.URL.Path {
	case "/v1/chat/completions":
		h.handleChatCompletions(w, r, reqID)
		return
	case "/v1/models":
		if r.Method != http.MethodGet {
			respondError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleModels(w, r)
		return
	case "/api/pool/stats":
		h.handlePoolStats(w, r)
		return
	case "/healthz":
		h.serveHealth(w)
		return
	case "/metrics":
		h.metrics.serve(w, r)
		return
	case "/admin/errors":
		if !h.checkAdminToken(r) {
			respondError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		h.serveRecentErrors(w)
		return
	case "/admin/reload":
		if r.Method != http.MethodPost {
			respondError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleReload(w, r)
		return
	case "/admin/accounts":
		h.handleAdminAccounts(w, r)
		return
	case "/admin/tasks":
		h.handleAdminTasks(w, r)
		return
	case "/favicon.ico":
		http.NotFound(w, r)
		return
	}

	// Per-account admin actions: /admin/accounts/:id/{enable,disable,delete}
	if strings.HasPrefix(r.URL.Path, "/admin/accounts/") {
		h.handleAdminAccountAction(w, r)
		return
	}

	http.NotFound(w, r)
}
