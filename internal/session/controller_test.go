package session

import (
	"database/sql"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/dukerupert/econet/internal/access"
	"github.com/dukerupert/econet/internal/database"
	"github.com/dukerupert/econet/internal/model"
	"github.com/dukerupert/econet/internal/store"
)

func newTestController(t *testing.T) (*Controller, *access.Memory, *sql.DB) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.DiscardHandler)
	network := access.NewMemory(logger)
	sessions := store.NewSessionStore(db, 0)
	events := store.NewEventStore(db)
	return NewController(sessions, events, network, logger), network, db
}

func TestDelta(t *testing.T) {
	cases := []struct {
		client, server, want int
	}{
		{0, 0, 0},
		{5, 2, 3},
		{2, 2, 0},
		{1, 4, 0},
		{7, 0, 7},
	}
	for _, c := range cases {
		if got := Delta(c.client, c.server); got != c.want {
			t.Errorf("Delta(%d, %d) = %d, want %d", c.client, c.server, got, c.want)
		}
	}
}

func TestCommitGrantsAccess(t *testing.T) {
	ctrl, network, _ := newTestController(t)

	sess, err := ctrl.AcquireInsertionLock("device-a", "10.0.0.5")
	if err != nil {
		t.Fatalf("acquire lock: %v", err)
	}
	if _, err := ctrl.RecordBottle(sess.ID); err != nil {
		t.Fatalf("record bottle: %v", err)
	}

	committed, err := ctrl.CommitBottles(sess.ID, -1)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if committed.Status != model.StatusActive {
		t.Fatalf("status = %q, want active", committed.Status)
	}
	if !network.IsAllowed("10.0.0.5") {
		t.Error("commit with a live window did not grant access")
	}
}

func TestZeroBottleCommitGrantsNothing(t *testing.T) {
	ctrl, network, _ := newTestController(t)

	sess, _ := ctrl.AcquireInsertionLock("device-a", "10.0.0.5")
	committed, err := ctrl.CommitBottles(sess.ID, -1)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if committed.Status != model.StatusAwaitingInsertion {
		t.Errorf("status = %q, want awaiting_insertion", committed.Status)
	}
	if network.IsAllowed("10.0.0.5") {
		t.Error("zero-bottle commit granted access")
	}
}

func TestCancelKeepsConfirmedBottles(t *testing.T) {
	ctrl, network, _ := newTestController(t)

	sess, _ := ctrl.AcquireInsertionLock("device-a", "10.0.0.5")
	ctrl.RecordBottle(sess.ID)
	ctrl.RecordBottle(sess.ID)

	cancelled, err := ctrl.CancelInsertion(sess.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// Confirmed bottles stay credited: a cancel commits what the machine saw.
	if cancelled.BottlesInserted != 2 {
		t.Errorf("bottles = %d, want 2", cancelled.BottlesInserted)
	}
	if cancelled.Status != model.StatusActive {
		t.Errorf("status = %q, want active", cancelled.Status)
	}
	if !network.IsAllowed("10.0.0.5") {
		t.Error("credited cancel did not grant access")
	}
}

func TestExpireRevokesAccess(t *testing.T) {
	ctrl, network, _ := newTestController(t)

	sess, _ := ctrl.AcquireInsertionLock("device-a", "10.0.0.5")
	ctrl.RecordBottle(sess.ID)
	ctrl.CommitBottles(sess.ID, -1)
	if !network.IsAllowed("10.0.0.5") {
		t.Fatal("precondition: access granted")
	}

	if _, err := ctrl.ExpireSession(sess.ID); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if network.IsAllowed("10.0.0.5") {
		t.Error("expire did not revoke access")
	}
}

func TestLockConflictLeavesStateUntouched(t *testing.T) {
	ctrl, _, _ := newTestController(t)

	if _, err := ctrl.AcquireInsertionLock("device-a", "10.0.0.5"); err != nil {
		t.Fatalf("first lock: %v", err)
	}

	_, err := ctrl.AcquireInsertionLock("device-b", "10.0.0.6")
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.HeldBy != "device-a" {
		t.Errorf("held by = %q, want device-a", conflict.HeldBy)
	}
}

func TestReleaseInsertionLock(t *testing.T) {
	ctrl, _, _ := newTestController(t)

	if _, err := ctrl.AcquireInsertionLock("device-a", "10.0.0.5"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := ctrl.ReleaseInsertionLock("device-a"); err != nil {
		t.Fatalf("release: %v", err)
	}

	if _, err := ctrl.AcquireInsertionLock("device-b", "10.0.0.6"); err != nil {
		t.Errorf("lock still held after release: %v", err)
	}

	// Releasing when nothing is held is fine.
	if err := ctrl.ReleaseInsertionLock("device-a"); err != nil {
		t.Errorf("idle release: %v", err)
	}
}

func TestNotifyExpiryIsServerAuthoritative(t *testing.T) {
	ctrl, network, db := newTestController(t)

	sess, _ := ctrl.AcquireInsertionLock("device-a", "10.0.0.5")
	ctrl.RecordBottle(sess.ID)
	ctrl.CommitBottles(sess.ID, -1)

	// Window still live: the client's claim is ignored.
	if err := ctrl.NotifyExpiry(sess.ID); err != nil {
		t.Fatalf("notify with live window: %v", err)
	}
	got, _ := ctrl.GetSession(sess.ID)
	if got.Status != model.StatusActive {
		t.Fatalf("live session expired on client say-so")
	}

	// Window actually over: the claim is honored.
	past := time.Now().UTC().Add(-time.Second).Unix()
	if _, err := db.Exec(`UPDATE sessions SET session_end = ? WHERE id = ?`, past, sess.ID); err != nil {
		t.Fatalf("lapse window: %v", err)
	}
	if err := ctrl.NotifyExpiry(sess.ID); err != nil {
		t.Fatalf("notify after lapse: %v", err)
	}
	got, _ = ctrl.GetSession(sess.ID)
	if got.Status != model.StatusExpired {
		t.Errorf("status = %q, want expired", got.Status)
	}
	if network.IsAllowed("10.0.0.5") {
		t.Error("access survived expiry")
	}
}

func TestCurrentInserting(t *testing.T) {
	ctrl, _, _ := newTestController(t)

	sess, err := ctrl.CurrentInserting()
	if err != nil {
		t.Fatalf("current inserting: %v", err)
	}
	if sess != nil {
		t.Fatal("expected no holder")
	}

	locked, _ := ctrl.AcquireInsertionLock("device-a", "10.0.0.5")
	sess, err = ctrl.CurrentInserting()
	if err != nil {
		t.Fatalf("current inserting: %v", err)
	}
	if sess == nil || sess.ID != locked.ID {
		t.Errorf("holder = %v, want %d", sess, locked.ID)
	}
}

func TestZeroBottleCancelKeepsWindow(t *testing.T) {
	ctrl, network, _ := newTestController(t)

	sess, _ := ctrl.AcquireInsertionLock("device-a", "10.0.0.5")
	ctrl.RecordBottle(sess.ID)
	sess, err := ctrl.CommitBottles(sess.ID, -1)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	end := *sess.SessionEnd

	// Re-lock, change of heart, cancel with nothing recorded.
	sess, err = ctrl.AcquireInsertionLock("device-a", "10.0.0.5")
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	sess, err = ctrl.CancelInsertion(sess.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if sess.Status != model.StatusActive {
		t.Errorf("status = %q, want active", sess.Status)
	}
	if *sess.SessionEnd != end {
		t.Errorf("session_end = %d, want %d (unchanged)", *sess.SessionEnd, end)
	}
	if !network.IsAllowed("10.0.0.5") {
		t.Error("device lost access across a zero-bottle cancel")
	}
}

func TestBottleOnActiveExtendsAccess(t *testing.T) {
	ctrl, network, _ := newTestController(t)

	sess, _ := ctrl.AcquireInsertionLock("device-a", "10.0.0.5")
	ctrl.RecordBottle(sess.ID)
	sess, _ = ctrl.CommitBottles(sess.ID, -1)
	end := *sess.SessionEnd

	sess, err := ctrl.RecordBottle(sess.ID)
	if err != nil {
		t.Fatalf("bottle on active session: %v", err)
	}
	if *sess.SessionEnd != end+120 {
		t.Errorf("session_end = %d, want %d (+120)", *sess.SessionEnd, end+120)
	}
	if !network.IsAllowed("10.0.0.5") {
		t.Error("device not allowed after window extension")
	}
}
