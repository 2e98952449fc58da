package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

type apiHandler struct {
	cfg       config
	pool      *poolState
	flow      *flowClient
	refresher *refresher
	runner    *jobRunner
	store     *jobStore
	metrics   *metrics
	recent    *recentErrors
}

type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// respondError writes an OpenAI-style error body.
func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	errType := "invalid_request_error"
	if status >= 500 || status == http.StatusTooManyRequests {
		errType = "server_error"
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
		},
	})
}

// checkAPIKey validates the inbound bearer when an api key is configured.
func (h *apiHandler) checkAPIKey(r *http.Request) bool {
	if h.cfg.apiKey == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.TrimPrefix(auth, "Bearer ") == h.cfg.apiKey
}

func (h *apiHandler) handleModels(w http.ResponseWriter, r *http.Request) {
	if !h.checkAPIKey(r) {
		respondError(w, http.StatusUnauthorized, "invalid api key")
		return
	}
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
	created := time.Now().Unix()
	list := make([]modelEntry, 0, len(modelCatalog))
	for _, id := range modelIDs() {
		list = append(list, modelEntry{ID: id, Object: "model", Created: created, OwnedBy: "flow-pool"})
	}
	respondJSON(w, map[string]any{"object": "list", "data": list})
}

func (h *apiHandler) handleChatCompletions(w http.ResponseWriter, r *http.Request, reqID string) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !h.checkAPIKey(r) {
		h.metrics.inc("unauthorized", "")
		respondError(w, http.StatusUnauthorized, "invalid api key")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.cfg.maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if !req.Stream {
		respondError(w, http.StatusBadRequest, "only stream=true is supported")
		return
	}

	prompt, images, err := extractPromptAndImages(req.Messages)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if prompt == "" {
		respondError(w, http.StatusBadRequest, "no prompt found in messages")
		return
	}

	// Routing is pure: model mistakes are rejected here, before any
	// account is acquired.
	job, err := route(req.Model, len(images))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	job.Prompt = prompt

	if h.cfg.debug {
		log.Printf("[%s] %s -> %s (%d images)", reqID, job.Model, job.Kind, len(images))
	}

	// First acquire happens before the stream opens so pool saturation can
	// still be an honest HTTP status.
	exclude := map[string]bool{}
	authFails := map[string]int{}
	acc, err := h.pool.acquire(exclude)
	if err != nil {
		h.metrics.inc("pool_"+poolErrLabel(err), "")
		respondError(w, http.StatusTooManyRequests, "service busy: "+err.Error())
		return
	}

	sw, err := newStreamWriter(w, job.Model, h.cfg.flushInterval)
	if err != nil {
		h.pool.release(acc)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sw.role()

	taskID := randomID()
	h.store.createTask(taskRecord{
		ID:        taskID,
		Model:     job.Model,
		Kind:      string(job.Kind),
		ClientIP:  getClientIP(r),
		CreatedAt: time.Now(),
		Status:    taskStatusProcessing,
	})

	start := time.Now()
	ctx := r.Context()
	var lastErr error

	for attempt := 0; attempt < h.cfg.maxAttempts; attempt++ {
		if acc == nil {
			acc, err = h.pool.acquire(exclude)
			if err != nil {
				lastErr = err
				break
			}
		}

		if err := h.refresher.ensureAccess(ctx, acc); err != nil {
			h.pool.release(acc)
			exclude[acc.ID] = true
			lastErr = err
			h.recent.add(reqID, acc.ID, "refresh", err.Error())
			acc = nil
			if ctx.Err() != nil {
				break
			}
			continue
		}

		urls, runErr := h.runner.run(ctx, acc, job, images, func(text string) {
			sw.progress(text)
		})
		if runErr == nil {
			acc.markSuccess(job.Kind)
			h.pool.release(acc)
			h.metrics.inc("ok", acc.ID)
			h.metrics.incJob(string(job.Kind), "ok")
			h.store.finishTask(taskID, acc.ID, taskStatusCompleted, urls, "")
			sw.finish(renderResult(job.Kind, urls))
			if h.cfg.debug {
				log.Printf("[%s] completed on %s in %s", reqID, acc.ID, time.Since(start).Round(time.Millisecond))
			}
			return
		}

		failed := acc
		h.pool.release(acc)
		acc = nil
		lastErr = runErr

		if ctx.Err() != nil {
			// Client went away; stop work and record the abandonment.
			h.metrics.inc("canceled", failed.ID)
			h.store.finishTask(taskID, failed.ID, taskStatusFailed, nil, "client disconnected")
			return
		}

		switch {
		case isAuthError(runErr):
			// Recovered invisibly: flag the credential so the next pass
			// refreshes it. The account gets one retry after refresh; a
			// second auth failure removes it from this request. The
			// stream never sees intermediate auth failures.
			failed.markAuthFailure()
			authFails[failed.ID]++
			if authFails[failed.ID] >= 2 {
				exclude[failed.ID] = true
			}
			h.metrics.inc("auth_retry", failed.ID)
			h.recent.add(reqID, failed.ID, "auth", runErr.Error())
			continue
		case isBusyError(runErr):
			failed.markBanned(h.cfg.banDuration)
			exclude[failed.ID] = true
			h.metrics.inc("rate_limited", failed.ID)
			h.recent.add(reqID, failed.ID, "rate_limit", runErr.Error())
			continue
		case isTransientError(runErr):
			// The runner already burned its in-attempt retries; move on
			// to a different account.
			failed.markFailure(h.cfg.failureThreshold)
			exclude[failed.ID] = true
			h.metrics.inc("transient", failed.ID)
			h.recent.add(reqID, failed.ID, "transient", runErr.Error())
			continue
		case isTimeoutError(runErr):
			// Poll budget exhausted: terminal, never rerouted. The render
			// may still complete upstream, so a resubmission elsewhere
			// would duplicate it, and the caller has already waited the
			// full window.
			h.metrics.inc("poll_timeout", failed.ID)
			h.metrics.incJob(string(job.Kind), "timeout")
			h.store.finishTask(taskID, failed.ID, taskStatusFailed, nil, runErr.Error())
			h.recent.add(reqID, failed.ID, "poll_timeout", runErr.Error())
			sw.fail(runErr.Error())
			return
		default:
			// Provider rejection is terminal; retrying elsewhere would
			// just burn credits on the same bad request.
			failed.markFailure(h.cfg.failureThreshold)
			h.metrics.inc("rejected", failed.ID)
			h.metrics.incJob(string(job.Kind), "rejected")
			h.store.finishTask(taskID, failed.ID, taskStatusFailed, nil, runErr.Error())
			h.recent.add(reqID, failed.ID, "rejection", runErr.Error())
			sw.fail(runErr.Error())
			return
		}
	}

	msg := "all accounts failed"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	h.metrics.inc("exhausted", "")
	h.metrics.incJob(string(job.Kind), "exhausted")
	h.store.finishTask(taskID, "", taskStatusFailed, nil, msg)
	h.recent.add(reqID, "", "exhausted", msg)
	sw.fail("service busy: " + msg)
}

func poolErrLabel(err error) string {
	if err == errPoolBusy {
		return "busy"
	}
	return "exhausted"
}

// extractPromptAndImages pulls the prompt from the last user message and
// collects data-URI images across all user messages, in order.
func extractPromptAndImages(messages []chatMessage) (string, []inboundImage, error) {
	var prompt string
	var images []inboundImage

	for _, m := range messages {
		if m.Role != "user" {
			continue
		}
		text, imgs, err := parseContent(m.Content)
		if err != nil {
			return "", nil, err
		}
		if text != "" {
			prompt = text
		}
		images = append(images, imgs...)
	}
	return strings.TrimSpace(prompt), images, nil
}

func parseContent(raw json.RawMessage) (string, []inboundImage, error) {
	if len(raw) == 0 {
		return "", nil, nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil, nil
	}

	var parts []struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		ImageURL struct {
			URL string `json:"url"`
		} `json:"image_url"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", nil, fmt.Errorf("unsupported message content")
	}

	var text strings.Builder
	var images []inboundImage
	for _, p := range parts {
		switch p.Type {
		case "text":
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.WriteString(p.Text)
		case "image_url":
			img, err := parseDataURI(p.ImageURL.URL)
			if err != nil {
				return "", nil, err
			}
			images = append(images, img)
		}
	}
	return text.String(), images, nil
}

// parseDataURI splits a data: URI into mime type and base64 payload.
// Remote URLs are rejected; the proxy never fetches client-supplied links.
func parseDataURI(uri string) (inboundImage, error) {
	if !strings.HasPrefix(uri, "data:") {
		return inboundImage{}, fmt.Errorf("image must be a data: URI")
	}
	rest := strings.TrimPrefix(uri, "data:")
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return inboundImage{}, fmt.Errorf("malformed data URI")
	}
	meta, payload := rest[:comma], rest[comma+1:]
	if !strings.HasSuffix(meta, ";base64") {
		return inboundImage{}, fmt.Errorf("data URI must be base64 encoded")
	}
	mime := strings.TrimSuffix(meta, ";base64")
	if mime == "" {
		mime = "image/jpeg"
	}
	if payload == "" {
		return inboundImage{}, fmt.Errorf("empty image payload")
	}
	return inboundImage{Base64: payload, Mime: mime}, nil
}

func (h *apiHandler) serveHealth(w http.ResponseWriter) {
	respondJSON(w, map[string]any{
		"status":   "ok",
		"accounts": h.pool.count(),
	})
}

func (h *apiHandler) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	if !h.checkAPIKey(r) {
		respondError(w, http.StatusUnauthorized, "invalid api key")
		return
	}
	respondJSON(w, h.pool.stats())
}

func (h *apiHandler) serveRecentErrors(w http.ResponseWriter) {
	respondJSON(w, map[string]any{"errors": h.recent.snapshot()})
}
