package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   errClass
	}{
		{http.StatusUnauthorized, classAuth},
		{http.StatusForbidden, classAuth},
		{http.StatusTooManyRequests, classBusy},
		{http.StatusInternalServerError, classTransient},
		{http.StatusBadGateway, classTransient},
		{http.StatusBadRequest, classRejection},
		{http.StatusNotFound, classRejection},
	}
	for _, tc := range cases {
		if got := classifyStatus(tc.status); got != tc.want {
			t.Fatalf("classifyStatus(%d) = %d, want %d", tc.status, got, tc.want)
		}
	}
}

func TestErrorPredicates(t *testing.T) {
	if !isAuthError(&flowError{class: classAuth}) {
		t.Fatalf("isAuthError")
	}
	if !isTransientError(&flowError{class: classTransient}) {
		t.Fatalf("isTransientError")
	}
	if !isBusyError(&flowError{class: classBusy}) {
		t.Fatalf("isBusyError")
	}
	if !isTimeoutError(&flowError{class: classTimeout}) {
		t.Fatalf("isTimeoutError")
	}
	if isTimeoutError(&flowError{class: classTransient}) {
		t.Fatalf("transient must not read as timeout")
	}
	if isAuthError(nil) || isAuthError(http.ErrServerClosed) {
		t.Fatalf("non-flow errors must not classify")
	}
}

func TestUserAgentForIsStable(t *testing.T) {
	a := userAgentFor("acct-1")
	if a != userAgentFor("acct-1") {
		t.Fatalf("user agent not deterministic")
	}
	if a == userAgentFor("acct-2") {
		t.Fatalf("distinct accounts share a user agent")
	}
	if !strings.HasPrefix(a, "Mozilla/5.0 (Windows NT 10.0; Win64; x64)") || !strings.Contains(a, "Chrome/") {
		t.Fatalf("unexpected user agent %q", a)
	}
}

func TestDoJSONAuthPlacement(t *testing.T) {
	var gotCookie, gotBearer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		gotBearer = r.Header.Get("Authorization")
		respondJSON(w, map[string]any{})
	}))
	defer srv.Close()

	c := newFlowClient(srv.Client(), srv.URL, srv.URL, false)
	auth := flowAuth{ST: "my-st", AT: "my-at"}

	if err := c.doJSON(context.Background(), http.MethodGet, srv.URL+"/x", auth, true, nil, nil); err != nil {
		t.Fatalf("doJSON st: %v", err)
	}
	if gotCookie != "__Secure-next-auth.session-token=my-st" || gotBearer != "" {
		t.Fatalf("st call headers: cookie=%q auth=%q", gotCookie, gotBearer)
	}

	if err := c.doJSON(context.Background(), http.MethodGet, srv.URL+"/x", auth, false, nil, nil); err != nil {
		t.Fatalf("doJSON at: %v", err)
	}
	if gotBearer != "Bearer my-at" {
		t.Fatalf("at call auth=%q", gotBearer)
	}
}

func TestSessionInfoEmptyTokenIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// An anonymous session comes back 200 with an empty object.
		respondJSON(w, map[string]any{})
	}))
	defer srv.Close()

	c := newFlowClient(srv.Client(), srv.URL, srv.URL, false)
	_, _, _, err := c.sessionInfo(context.Background(), flowAuth{ST: "stale"})
	if !isAuthError(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestMaskEmail(t *testing.T) {
	if got := maskEmail("alice@example.com"); got != "a***@example.com" {
		t.Fatalf("got %q", got)
	}
	if got := maskEmail("x"); got != "x" {
		t.Fatalf("got %q", got)
	}
}
