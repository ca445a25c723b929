package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestClientMapsLockConflict(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{
			"error":   "insertion lock held",
			"held_by": "device:other",
		})
	}))

	_, err := client.Lock(context.Background())
	if !errors.Is(err, ErrLockHeld) {
		t.Fatalf("Lock error = %v, want ErrLockHeld", err)
	}
}

func TestClientMapsStaleAndNotFound(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/session/1/commit":
			w.WriteHeader(http.StatusGone)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	if _, err := client.Commit(context.Background(), 1, 2); !errors.Is(err, ErrStale) {
		t.Errorf("Commit error = %v, want ErrStale", err)
	}
	if _, err := client.Lookup(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup error = %v, want ErrNotFound", err)
	}
}

func TestClientCommitBody(t *testing.T) {
	var lastBody []byte
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastBody, _ = io.ReadAll(r.Body)
		json.NewEncoder(w).Encode(Snapshot{ID: 1, Status: "active"})
	}))

	if _, err := client.Commit(context.Background(), 1, 4); err != nil {
		t.Fatalf("commit with count: %v", err)
	}
	var req struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(lastBody, &req); err != nil || req.Count != 4 {
		t.Errorf("commit body = %q, want count 4", lastBody)
	}

	if _, err := client.Commit(context.Background(), 1, -1); err != nil {
		t.Fatalf("commit without count: %v", err)
	}
	if len(lastBody) != 0 {
		t.Errorf("negative count sent body %q, want empty", lastBody)
	}
}

func TestClientGetRetriesTransientFailures(t *testing.T) {
	var calls int
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(Snapshot{ID: 7, Status: "active"})
	}))

	snap, err := client.Get(context.Background(), 7)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if snap.ID != 7 {
		t.Errorf("snapshot id = %d, want 7", snap.ID)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestClientGetDoesNotRetryNotFound(t *testing.T) {
	var calls int
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	}))

	if _, err := client.Get(context.Background(), 7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get error = %v, want ErrNotFound", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
