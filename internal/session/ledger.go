package session

import (
	"fmt"
	"log/slog"

	"github.com/dukerupert/econet/internal/model"
	"github.com/dukerupert/econet/internal/store"
)

// Delta is the reconciliation function for the dual-counter pattern: given
// the client's optimistic count and the server-confirmed count, it returns
// how many additional bottles to credit. Never negative, so a client count
// at or behind the server is a no-op and bottles are never double-credited.
func Delta(clientCount, serverConfirmed int) int {
	if d := clientCount - serverConfirmed; d > 0 {
		return d
	}
	return 0
}

// Ledger is the per-session accounting of confirmed bottles and derived
// time credit. All arithmetic happens inside single store transactions;
// the ledger adds audit events on top.
type Ledger struct {
	sessions *store.SessionStore
	events   *store.EventStore
	logger   *slog.Logger
}

func NewLedger(sessions *store.SessionStore, events *store.EventStore, logger *slog.Logger) *Ledger {
	return &Ledger{sessions: sessions, events: events, logger: logger}
}

// RecordBottle confirms exactly one bottle. Valid only while the session
// is inserting or active.
func (l *Ledger) RecordBottle(sessionID int64) (*model.Session, error) {
	sess, err := l.sessions.AddBottle(sessionID)
	if err != nil {
		return nil, err
	}
	l.audit(sessionID, 1)
	return sess, nil
}

// ReconcileDelta applies Delta(clientCount, confirmed) extra bottles.
func (l *Ledger) ReconcileDelta(sessionID int64, clientCount int) (*model.Session, error) {
	before, err := l.sessions.GetByID(sessionID)
	if err != nil {
		return nil, err
	}
	if before == nil {
		return nil, ErrNotFound
	}

	sess, err := l.sessions.ReconcileCount(sessionID, clientCount)
	if err != nil {
		return nil, err
	}
	if d := Delta(clientCount, before.BottlesInserted); d > 0 {
		l.audit(sessionID, d)
	}
	return sess, nil
}

// Commit reconciles the client count and finalizes the insertion episode,
// releasing the insertion lock. The store decides extend-vs-fresh-window
// from the state captured at lock acquisition.
func (l *Ledger) Commit(sessionID int64, clientCount int) (*model.Session, error) {
	return l.sessions.Commit(sessionID, clientCount)
}

func (l *Ledger) audit(sessionID int64, count int) {
	desc := fmt.Sprintf("session %d: %d bottle(s) confirmed", sessionID, count)
	if err := l.events.Log(model.EventBottleInserted, desc); err != nil {
		l.logger.Warn("audit bottle event", "session", sessionID, "error", err)
	}
}
