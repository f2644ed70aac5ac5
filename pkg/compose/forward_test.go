package compose

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestForwardPropagatesHeaders(t *testing.T) {
	var gotAuth, gotCorrelation, gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCorrelation = r.Header.Get("X-Correlation-Id")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"ok":true}}`))
	}))
	defer ts.Close()

	f := NewForwarder(ts.Client())
	route := Route{Operation: "getUser", Service: "users", URL: ts.URL}
	result, ferr := f.Forward(context.Background(), route, []byte(`{"query":"query getUser { user { id } }"}`), "Bearer tok-123", "corr-9")
	if ferr != nil {
		t.Fatalf("forward: %v", ferr)
	}
	if gotPath != "/query" {
		t.Fatalf("dispatch must hit /query, got %q", gotPath)
	}
	if gotAuth != "Bearer tok-123" {
		t.Fatalf("authorization not propagated: %q", gotAuth)
	}
	if gotCorrelation != "corr-9" {
		t.Fatalf("correlation id not propagated: %q", gotCorrelation)
	}
	if result.Status != 200 || !strings.Contains(string(result.Body), `"ok":true`) {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Service != "users" {
		t.Fatalf("result must name the service: %+v", result)
	}
}

func TestForwardTimeoutIs504Class(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer ts.Close()

	f := NewForwarder(ts.Client())
	f.Timeout = 20 * time.Millisecond
	_, ferr := f.Forward(context.Background(), Route{Service: "slow", URL: ts.URL}, []byte(`{}`), "", "")
	if ferr == nil || !ferr.Timeout {
		t.Fatalf("expected timeout classification, got %v", ferr)
	}
}

func TestForwardTransportFailureIs502Class(t *testing.T) {
	f := NewForwarder(&http.Client{Timeout: 200 * time.Millisecond})
	_, ferr := f.Forward(context.Background(), Route{Service: "gone", URL: "http://127.0.0.1:1"}, []byte(`{}`), "", "")
	if ferr == nil {
		t.Fatalf("expected transport failure")
	}
	if ferr.Timeout {
		t.Fatalf("connection refused must not classify as timeout: %v", ferr)
	}
}

func TestForwardNeverRetries(t *testing.T) {
	var hits int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(500)
	}))
	defer ts.Close()

	f := NewForwarder(ts.Client())
	result, ferr := f.Forward(context.Background(), Route{Service: "users", URL: ts.URL}, []byte(`{}`), "", "")
	if ferr != nil {
		t.Fatalf("a 500 reply is still a reply: %v", ferr)
	}
	if result.Status != 500 {
		t.Fatalf("unexpected status %d", result.Status)
	}
	if hits != 1 {
		t.Fatalf("dispatch must not retry, saw %d attempts", hits)
	}
}
