package mountsync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestHTTPClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/v1/relays/relay-retry/tree" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("expected bearer token to be forwarded, got %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("X-Correlation-Id") == "" {
			t.Errorf("expected a correlation id on every request")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"entries":[{"path":"Lens/A.md","uuid":"u1","docId":"d1"}]}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", "mount", server.Client())
	entries, err := client.ListTree(context.Background(), "relay-retry")
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if len(entries) != 1 || entries[0].Path != "Lens/A.md" {
		t.Fatalf("unexpected tree entries: %+v", entries)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientListEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/relays/relay-events/events" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("cursor") != "evt_1" {
			t.Errorf("expected cursor query to be forwarded, got %q", r.URL.Query().Get("cursor"))
		}
		if r.URL.Query().Get("limit") != "50" {
			t.Errorf("expected limit query to be forwarded, got %q", r.URL.Query().Get("limit"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"events":[{"eventId":"evt_2","docId":"d1","origin":"editor","timestamp":"2026-08-30T00:00:00Z"}],"nextCursor":"evt_2"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", "mount", server.Client())
	feed, err := client.ListEvents(context.Background(), "relay-events", "evt_1", 50)
	if err != nil {
		t.Fatalf("list events failed: %v", err)
	}
	if len(feed.Events) != 1 {
		t.Fatalf("expected one event, got %d", len(feed.Events))
	}
	if feed.Events[0].DocID != "d1" || feed.Events[0].Origin != "editor" {
		t.Fatalf("unexpected event payload: %+v", feed.Events[0])
	}
	if feed.NextCursor != "evt_2" {
		t.Fatalf("expected nextCursor evt_2, got %q", feed.NextCursor)
	}
}

func TestHTTPClientWriteSendsOriginAndIfMatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/v1/relays/relay-write/file" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("path") != "Lens/A.md" {
			t.Errorf("expected path query, got %q", r.URL.Query().Get("path"))
		}
		if r.Header.Get("X-Relay-Origin") != "mount" {
			t.Errorf("expected X-Relay-Origin mount, got %q", r.Header.Get("X-Relay-Origin"))
		}
		if r.Header.Get("If-Match") != "7" {
			t.Errorf("expected If-Match 7, got %q", r.Header.Get("If-Match"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"path":"Lens/A.md","docId":"d1","uuid":"u1","contents":"# A","revision":8}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", "mount", server.Client())
	file, err := client.WriteFile(context.Background(), "relay-write", "Lens/A.md", "# A", 7, true)
	if err != nil {
		t.Fatalf("write file failed: %v", err)
	}
	if file.Revision != 8 {
		t.Fatalf("expected revision 8 after write, got %d", file.Revision)
	}
}

func TestHTTPClientPreconditionFailureMapsToConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("ETag", `"9"`)
		w.WriteHeader(http.StatusPreconditionFailed)
		_, _ = w.Write([]byte(`{"code":"revision_conflict","message":"stale revision"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", "mount", server.Client())
	_, err := client.WriteFile(context.Background(), "relay-conflict", "Lens/A.md", "# A", 3, true)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for 412 response, got %v", err)
	}
}
