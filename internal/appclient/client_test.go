package appclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/origincreativegroup/Loom/internal/api"
)

func TestCreateCaseSendsKeyAndBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/cases", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if got := r.Header.Get("X-API-Key"); got != "k1" {
			t.Errorf("expected api key header, got %q", got)
		}
		var req api.CreateCaseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Target != "example.com" || len(req.Tools) != 2 {
			t.Errorf("unexpected request: %+v", req)
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"schema_version":"v1","case_id":"c-1","status":"queued","message":"Investigation queued"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, "k1", srv.Client())
	resp, err := client.CreateCase(context.Background(), api.CreateCaseRequest{Title: "t", Target: "example.com", Tools: []string{"searxng", "sherlock"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if resp.CaseID != "c-1" || resp.Status != "queued" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestRequestErrorFromEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","error":{"code":"E_REF_NOT_FOUND","message":"not found"}}`)
	}))
	defer srv.Close()

	client := NewWithClient(srv.URL, "", srv.Client())
	_, err := client.GetCase(context.Background(), "nope")
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if reqErr.Code != "E_REF_NOT_FOUND" || reqErr.Retryable() || !IsNotFound(err) {
		t.Fatalf("unexpected request error: %+v", reqErr)
	}
	if reqErr.Error() != "E_REF_NOT_FOUND: not found" {
		t.Fatalf("unexpected message %q", reqErr.Error())
	}
}

func TestRequestErrorWithoutEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewWithClient(srv.URL, "", srv.Client()).Tools(context.Background())
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Code != "HTTP_502" || !reqErr.Retryable() {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewAddsScheme(t *testing.T) {
	c := New("127.0.0.1:8787/", "")
	if c.baseURL != "http://127.0.0.1:8787" {
		t.Fatalf("unexpected base url %q", c.baseURL)
	}
}

func TestWatchReconnectsUntilTerminal(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/cases/c-1/watch", func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, `{"schema_version":"v1","error":{"code":"E_INTERNAL","message":"boom"}}`)
		case 2:
			_, _ = io.WriteString(w, `{"schema_version":"v1","type":"snapshot","sequence":1,"progress":{"case_id":"c-1","status":"processing","tools_completed":[],"tools_failed":[],"tools_pending":["searxng"],"report_ready":false}}`+"\n")
		default:
			_, _ = io.WriteString(w, `{"schema_version":"v1","type":"snapshot","sequence":1,"progress":{"case_id":"c-1","status":"synthesizing"}}`+"\n")
			_, _ = io.WriteString(w, `{"schema_version":"v1","type":"terminal","sequence":2,"progress":{"case_id":"c-1","status":"completed","report_ready":true}}`+"\n")
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, "", srv.Client())
	var statuses []string
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := client.Watch(ctx, "c-1", WatchOptions{RetryMinBackoff: time.Millisecond, RetryMaxBackoff: 2 * time.Millisecond}, func(line api.WatchLine) error {
		statuses = append(statuses, line.Progress.Status)
		return nil
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	want := []string{"processing", "synthesizing", "completed"}
	if len(statuses) != len(want) {
		t.Fatalf("expected %v, got %v", want, statuses)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, statuses)
		}
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 connections, got %d", calls.Load())
	}
}

func TestWatchStopsOnNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"schema_version":"v1","error":{"code":"E_REF_NOT_FOUND","message":"not found"}}`)
	}))
	defer srv.Close()

	err := NewWithClient(srv.URL, "", srv.Client()).Watch(context.Background(), "missing", WatchOptions{}, nil)
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestWatchCallbackErrorStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"schema_version":"v1","type":"snapshot","sequence":1,"progress":{"case_id":"c-1","status":"processing"}}`+"\n")
	}))
	defer srv.Close()

	stop := errors.New("stop")
	err := NewWithClient(srv.URL, "", srv.Client()).Watch(context.Background(), "c-1", WatchOptions{}, func(api.WatchLine) error { return stop })
	if !errors.Is(err, stop) {
		t.Fatalf("expected callback error, got %v", err)
	}
}

func TestWatchRejectsInvalidPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "not-json\n")
	}))
	defer srv.Close()

	err := NewWithClient(srv.URL, "", srv.Client()).Watch(context.Background(), "c-1", WatchOptions{}, nil)
	if !errors.Is(err, ErrWatchPayloadInvalid) {
		t.Fatalf("expected ErrWatchPayloadInvalid, got %v", err)
	}
}
