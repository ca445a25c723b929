package agent

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestAgent(t *testing.T, baseURL string) *Agent {
	t.Helper()
	client, err := NewClient(baseURL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return New(ctx, client, slog.New(slog.DiscardHandler))
}

func TestStateSafeBeforeRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	donePost := make(chan struct{})
	a := newTestAgent(t, srv.URL)

	// Run has not started; posted ops queue in the buffered channel and
	// State drains its own reply once the loop picks it up.
	go func() {
		a.InsertBottle()
		close(donePost)
	}()
	<-donePost

	go a.Run()
	st := a.State()
	if st.SessionID != 0 {
		t.Errorf("SessionID = %d, want 0 before any lookup", st.SessionID)
	}
}

func TestApplyFloorsLocalCount(t *testing.T) {
	a := newTestAgent(t, "http://unused.invalid")
	a.st.LocalBottles = 5

	a.apply(&Snapshot{ID: 1, Status: "inserting", BottlesInserted: 3})

	if a.st.ServerBottles != 3 {
		t.Errorf("ServerBottles = %d, want 3", a.st.ServerBottles)
	}
	if a.st.LocalBottles != 5 {
		t.Errorf("LocalBottles = %d, want 5 (optimistic surplus kept)", a.st.LocalBottles)
	}
	if got := a.st.PendingBottles(); got != 2 {
		t.Errorf("PendingBottles() = %d, want 2", got)
	}
	if !a.st.Online {
		t.Error("Online = false after successful apply")
	}
}

func TestApplyLiftsLocalToConfirmed(t *testing.T) {
	a := newTestAgent(t, "http://unused.invalid")
	a.st.LocalBottles = 1

	// Another channel (the sensor bridge) confirmed more bottles than this
	// agent counted.
	a.apply(&Snapshot{ID: 1, Status: "inserting", BottlesInserted: 4})

	if a.st.LocalBottles != 4 {
		t.Errorf("LocalBottles = %d, want 4", a.st.LocalBottles)
	}
	if got := a.st.PendingBottles(); got != 0 {
		t.Errorf("PendingBottles() = %d, want 0", got)
	}
}

func TestApplyExpiredClampsLocal(t *testing.T) {
	a := newTestAgent(t, "http://unused.invalid")
	a.st.LocalBottles = 9

	a.apply(&Snapshot{ID: 1, Status: "expired", BottlesInserted: 3})

	if a.st.LocalBottles != 3 {
		t.Errorf("LocalBottles = %d, want 3 (surplus discarded on expiry)", a.st.LocalBottles)
	}
}

func TestApplyResultOfflineOnError(t *testing.T) {
	a := newTestAgent(t, "http://unused.invalid")
	a.st = State{SessionID: 4, Status: "active", Remaining: 30, Online: true}

	a.applyResult(nil, context.DeadlineExceeded)

	if a.st.Online {
		t.Error("Online = true after failed resync")
	}
	if a.st.SessionID != 4 || a.st.Remaining != 30 {
		t.Errorf("state changed on failure: %+v", a.st)
	}
}

func TestTickCountsDownOffline(t *testing.T) {
	a := newTestAgent(t, "http://unused.invalid")
	a.st = State{SessionID: 2, Status: "active", Remaining: 3, Online: false}
	a.notified = true // keep tick from reaching out

	a.tick()
	a.tick()

	if a.st.Remaining != 1 {
		t.Errorf("Remaining = %d, want 1", a.st.Remaining)
	}
}

func TestTickNotifiesExpiryExactlyOnce(t *testing.T) {
	var notifies int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/api/session/2/notify-expiry" {
			atomic.AddInt64(&notifies, 1)
			w.WriteHeader(http.StatusAccepted)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	a := newTestAgent(t, srv.URL)
	a.st = State{SessionID: 2, Status: "active", Remaining: 1}

	a.tick() // 1 -> 0, fires the notification
	a.tick()
	a.tick()

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt64(&notifies) == 0 {
		select {
		case <-deadline:
			t.Fatal("notify-expiry never reached the portal")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	// Give any duplicate a chance to arrive.
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt64(&notifies); got != 1 {
		t.Fatalf("notify-expiry sent %d times, want 1", got)
	}
	if !a.notified {
		t.Error("notified flag not set")
	}
}

func TestApplyResetsNotifiedOnNewWindow(t *testing.T) {
	a := newTestAgent(t, "http://unused.invalid")
	a.notified = true

	a.apply(&Snapshot{ID: 2, Status: "active", RemainingSeconds: 60})

	if a.notified {
		t.Error("notified still set after a live window arrived")
	}
}
