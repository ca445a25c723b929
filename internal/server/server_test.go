package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/dukerupert/econet/internal/access"
	"github.com/dukerupert/econet/internal/backup"
	"github.com/dukerupert/econet/internal/database"
	"github.com/dukerupert/econet/internal/device"
	"github.com/dukerupert/econet/internal/session"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.DiscardHandler)
	// A resolver with no lease or ARP sources: devices are identified by
	// cookie alone, independent of the host's network state.
	resolver := device.NewResolverFrom(nil, "", nil)
	srv := New(db, access.NewMemory(logger), resolver, 0, session.SchedulerConfig{}, backup.Config{}, logger)
	return srv.Router()
}

// doJSON sends a request with the given device cookie and decodes the JSON
// response into out (when out is non-nil).
func doJSON(t *testing.T, h http.Handler, method, path, deviceToken string, body, out any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if deviceToken != "" {
		req.AddCookie(&http.Cookie{Name: device.CookieName, Value: deviceToken})
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if out != nil && rec.Code < 300 {
		if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode response: %v", method, path, err)
		}
	}
	return rec
}

type sessionJSON struct {
	ID               int64  `json:"id"`
	Status           string `json:"status"`
	BottlesInserted  int    `json:"bottles_inserted"`
	SecondsEarned    int    `json:"seconds_earned"`
	RemainingSeconds int64  `json:"remaining_seconds"`
	SecondsPerBottle int    `json:"seconds_per_bottle"`
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	h := newTestRouter(t)

	var sess sessionJSON
	rec := doJSON(t, h, http.MethodPost, "/api/session", "dev-a", nil, &sess)
	if rec.Code != http.StatusOK {
		t.Fatalf("lookup status = %d: %s", rec.Code, rec.Body)
	}
	if sess.Status != "awaiting_insertion" {
		t.Fatalf("status = %q, want awaiting_insertion", sess.Status)
	}
	if sess.SecondsPerBottle != 120 {
		t.Errorf("seconds_per_bottle = %d, want 120", sess.SecondsPerBottle)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/session/lock", "dev-a", nil, &sess)
	if rec.Code != http.StatusOK {
		t.Fatalf("lock status = %d: %s", rec.Code, rec.Body)
	}
	if sess.Status != "inserting" {
		t.Fatalf("status = %q, want inserting", sess.Status)
	}

	doJSON(t, h, http.MethodPost, sessionPath(sess.ID, "bottle"), "dev-a", nil, &sess)
	doJSON(t, h, http.MethodPost, sessionPath(sess.ID, "bottle"), "dev-a", nil, &sess)
	if sess.BottlesInserted != 2 {
		t.Fatalf("bottles = %d, want 2", sess.BottlesInserted)
	}

	rec = doJSON(t, h, http.MethodPost, sessionPath(sess.ID, "commit"), "dev-a", map[string]int{"count": 3}, &sess)
	if rec.Code != http.StatusOK {
		t.Fatalf("commit status = %d: %s", rec.Code, rec.Body)
	}
	if sess.Status != "active" {
		t.Errorf("status = %q, want active", sess.Status)
	}
	if sess.BottlesInserted != 3 {
		t.Errorf("bottles = %d, want 3", sess.BottlesInserted)
	}
	if sess.RemainingSeconds <= 0 {
		t.Errorf("remaining = %d, want > 0", sess.RemainingSeconds)
	}

	rec = doJSON(t, h, http.MethodPost, sessionPath(sess.ID, "expire"), "dev-a", nil, &sess)
	if rec.Code != http.StatusOK {
		t.Fatalf("expire status = %d", rec.Code)
	}
	if sess.Status != "expired" {
		t.Errorf("status = %q, want expired", sess.Status)
	}
}

func sessionPath(id int64, op string) string {
	return "/api/session/" + strconv.FormatInt(id, 10) + "/" + op
}

func TestLockConflictOverHTTP(t *testing.T) {
	h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/api/session/lock", "dev-a", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("first lock status = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/session/lock", "dev-b", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second lock status = %d, want 409", rec.Code)
	}
	var body struct {
		HeldBy string `json:"held_by"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode conflict body: %v", err)
	}
	if body.HeldBy != "device:dev-a" {
		t.Errorf("held_by = %q, want device:dev-a", body.HeldBy)
	}

	// The holder can release it and the loser retries.
	doJSON(t, h, http.MethodPost, "/api/session/unlock", "dev-a", nil, nil)
	rec = doJSON(t, h, http.MethodPost, "/api/session/lock", "dev-b", nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("retry lock status = %d, want 200", rec.Code)
	}
}

func TestCommitAfterExpiryIsGone(t *testing.T) {
	h := newTestRouter(t)

	var sess sessionJSON
	doJSON(t, h, http.MethodPost, "/api/session/lock", "dev-a", nil, &sess)
	doJSON(t, h, http.MethodPost, sessionPath(sess.ID, "expire"), "dev-a", nil, nil)

	rec := doJSON(t, h, http.MethodPost, sessionPath(sess.ID, "commit"), "dev-a", map[string]int{"count": 2}, nil)
	if rec.Code != http.StatusGone {
		t.Errorf("stale commit status = %d, want 410", rec.Code)
	}
}

func TestBottleWithoutLockIsConflict(t *testing.T) {
	h := newTestRouter(t)

	var sess sessionJSON
	doJSON(t, h, http.MethodPost, "/api/session", "dev-a", nil, &sess)

	rec := doJSON(t, h, http.MethodPost, sessionPath(sess.ID, "bottle"), "dev-a", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("bottle on awaiting session status = %d, want 409", rec.Code)
	}
}

func TestUnknownSessionIs404(t *testing.T) {
	h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodGet, "/api/session/9999", "dev-a", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get unknown status = %d, want 404", rec.Code)
	}
}

func TestNotifyExpiryAccepted(t *testing.T) {
	h := newTestRouter(t)

	var sess sessionJSON
	doJSON(t, h, http.MethodPost, "/api/session", "dev-a", nil, &sess)

	rec := doJSON(t, h, http.MethodPost, sessionPath(sess.ID, "notify-expiry"), "dev-a", nil, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("notify status = %d, want 202", rec.Code)
	}

	// The claim is ignored for a session with no elapsed window.
	var got sessionJSON
	doJSON(t, h, http.MethodGet, "/api/session/"+strconv.FormatInt(sess.ID, 10), "dev-a", nil, &got)
	if got.Status != "awaiting_insertion" {
		t.Errorf("status = %q after bogus notify, want awaiting_insertion", got.Status)
	}
}

func TestSensorHitFindsLockHolder(t *testing.T) {
	h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/sensor/hit", "", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("sensor with no holder status = %d, want 409", rec.Code)
	}

	var sess sessionJSON
	doJSON(t, h, http.MethodPost, "/api/session/lock", "dev-a", nil, &sess)

	var hit sessionJSON
	rec = doJSON(t, h, http.MethodPost, "/sensor/hit", "", nil, &hit)
	if rec.Code != http.StatusOK {
		t.Fatalf("sensor hit status = %d: %s", rec.Code, rec.Body)
	}
	if hit.ID != sess.ID || hit.BottlesInserted != 1 {
		t.Errorf("hit credited session %d with %d bottles, want session %d with 1", hit.ID, hit.BottlesInserted, sess.ID)
	}
}

func TestCaptiveProbeRedirects(t *testing.T) {
	h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodGet, "/generate_204", "dev-a", nil, nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("probe status = %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/" {
		t.Errorf("probe location = %q, want /", loc)
	}

	// The probe ensured a session for the device.
	var sess sessionJSON
	doJSON(t, h, http.MethodPost, "/api/session", "dev-a", nil, &sess)
	if sess.Status != "awaiting_insertion" {
		t.Errorf("status = %q, want awaiting_insertion", sess.Status)
	}
}

func TestCaptiveProbeReusesOngoingSession(t *testing.T) {
	h := newTestRouter(t)

	var locked sessionJSON
	doJSON(t, h, http.MethodPost, "/api/session/lock", "dev-a", nil, &locked)

	rec := doJSON(t, h, http.MethodGet, "/connecttest.txt", "dev-a", nil, nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("probe status = %d, want 302", rec.Code)
	}

	var sess sessionJSON
	doJSON(t, h, http.MethodPost, "/api/session", "dev-a", nil, &sess)
	if sess.ID != locked.ID {
		t.Errorf("probe created session %d, want existing %d", sess.ID, locked.ID)
	}
	if sess.Status != "inserting" {
		t.Errorf("status = %q, want inserting", sess.Status)
	}
}

func TestRatingFlow(t *testing.T) {
	h := newTestRouter(t)

	var sess sessionJSON
	doJSON(t, h, http.MethodPost, "/api/session/lock", "dev-a", nil, &sess)
	doJSON(t, h, http.MethodPost, sessionPath(sess.ID, "bottle"), "dev-a", nil, nil)
	doJSON(t, h, http.MethodPost, sessionPath(sess.ID, "commit"), "dev-a", nil, nil)

	rating := map[string]any{
		"session_id": sess.ID,
		"answers":    []int{5, 4, 5, 3, 4, 5, 5, 4, 3, 5},
		"comment":    "good",
	}
	rec := doJSON(t, h, http.MethodPost, "/api/rating", "dev-a", rating, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("rating status = %d: %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/rating", "dev-a", rating, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second rating status = %d, want 409", rec.Code)
	}

	var status struct {
		Eligible bool `json:"eligible"`
		Rated    bool `json:"rated"`
	}
	rec = doJSON(t, h, http.MethodGet, "/api/rating/status?session_id="+strconv.FormatInt(sess.ID, 10), "dev-a", nil, &status)
	if rec.Code != http.StatusOK {
		t.Fatalf("rating status code = %d", rec.Code)
	}
	if !status.Eligible || !status.Rated {
		t.Errorf("status = %+v, want eligible and rated", status)
	}
}

func TestRatingRequiresBottles(t *testing.T) {
	h := newTestRouter(t)

	var sess sessionJSON
	doJSON(t, h, http.MethodPost, "/api/session", "dev-a", nil, &sess)

	rating := map[string]any{
		"session_id": sess.ID,
		"answers":    []int{5, 5, 5, 5, 5, 5, 5, 5, 5, 5},
	}
	rec := doJSON(t, h, http.MethodPost, "/api/rating", "dev-a", rating, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("rating without bottles status = %d, want 409", rec.Code)
	}
}

func TestAdminMetrics(t *testing.T) {
	h := newTestRouter(t)

	doJSON(t, h, http.MethodPost, "/api/session", "dev-a", nil, nil)

	var metrics struct {
		SessionsByState map[string]int `json:"sessions_by_state"`
		TotalBottles    int64          `json:"total_bottles"`
	}
	rec := doJSON(t, h, http.MethodGet, "/api/admin/metrics", "", nil, &metrics)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if metrics.SessionsByState["awaiting_insertion"] != 1 {
		t.Errorf("awaiting = %d, want 1", metrics.SessionsByState["awaiting_insertion"])
	}
}

func TestBackupUnconfigured(t *testing.T) {
	h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/api/admin/backup", "", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("backup status = %d, want 503", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodGet, "/health", "", nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
}
