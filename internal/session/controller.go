package session

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/econet/internal/access"
	"github.com/dukerupert/econet/internal/model"
	"github.com/dukerupert/econet/internal/store"
)

// Controller is the single entry point for session lifecycle mutations.
// It composes the insertion lock manager and bottle ledger over the
// session store, and drives the network access controller as windows open
// and close. All transition atomicity lives in the store; the controller
// sequences the collaborators around it.
type Controller struct {
	sessions *store.SessionStore
	events   *store.EventStore
	lock     *LockManager
	ledger   *Ledger
	network  access.Controller
	logger   *slog.Logger
}

func NewController(sessions *store.SessionStore, events *store.EventStore, network access.Controller, logger *slog.Logger) *Controller {
	return &Controller{
		sessions: sessions,
		events:   events,
		lock:     NewLockManager(sessions, logger.With("component", "insertion_lock")),
		ledger:   NewLedger(sessions, events, logger.With("component", "ledger")),
		network:  network,
		logger:   logger,
	}
}

// SecondsPerBottle returns the credit constant in effect.
func (c *Controller) SecondsPerBottle() int { return c.sessions.SecondsPerBottle() }

// LookupOrCreate returns the device's current non-terminal session or
// creates a new awaiting_insertion one. No other side effects.
func (c *Controller) LookupOrCreate(deviceKey, ipAddress string) (*model.Session, error) {
	return c.sessions.LookupOrCreate(deviceKey, ipAddress)
}

// GetSession returns the session by id.
func (c *Controller) GetSession(id int64) (*model.Session, error) {
	sess, err := c.sessions.GetByID(id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNotFound
	}
	return sess, nil
}

// CurrentInserting returns the session holding the insertion lock, or
// (nil, nil) when the lock is free.
func (c *Controller) CurrentInserting() (*model.Session, error) {
	return c.sessions.GetInserting()
}

// AcquireInsertionLock takes the machine-wide lock for the device and
// moves its session to inserting. A previously active session keeps its
// accrued bottles and window. Returns *ConflictError when another device
// is inserting; nothing is mutated in that case.
func (c *Controller) AcquireInsertionLock(deviceKey, ipAddress string) (*model.Session, error) {
	return c.lock.Acquire(deviceKey, ipAddress)
}

// ReleaseInsertionLock releases the lock held by the device, if any.
// Equivalent to cancelInsertion addressed by device instead of session id.
func (c *Controller) ReleaseInsertionLock(deviceKey string) error {
	sess, err := c.lock.Release(deviceKey)
	if err != nil {
		return err
	}
	if sess != nil {
		c.syncAccess(sess)
	}
	return nil
}

// RecordBottle confirms one bottle against the session's ledger. A bottle
// landing on an active session extends its window, so access is resynced.
func (c *Controller) RecordBottle(sessionID int64) (*model.Session, error) {
	sess, err := c.ledger.RecordBottle(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == model.StatusActive {
		c.syncAccess(sess)
	}
	return sess, nil
}

// CommitBottles reconciles the client-reported count, finalizes the
// episode, releases the insertion lock, and opens or extends the access
// window when bottles were confirmed.
func (c *Controller) CommitBottles(sessionID int64, clientCount int) (*model.Session, error) {
	before, err := c.sessions.GetByID(sessionID)
	if err != nil {
		return nil, err
	}
	if before == nil {
		return nil, ErrNotFound
	}
	hadWindow := before.SessionStart != nil

	sess, err := c.ledger.Commit(sessionID, clientCount)
	if err != nil {
		return nil, err
	}

	if sess.Status == model.StatusActive && !hadWindow {
		c.audit(model.EventSessionStarted, fmt.Sprintf("session %d started, %d bottles", sess.ID, sess.BottlesInserted))
	}
	c.syncAccess(sess)
	return sess, nil
}

// CancelInsertion releases the lock without posting new bottles. Bottles
// already confirmed during the hold stay credited: a cancel behaves as a
// commit of the server-confirmed count.
func (c *Controller) CancelInsertion(sessionID int64) (*model.Session, error) {
	sess, err := c.ledger.Commit(sessionID, -1)
	if err != nil {
		return nil, err
	}
	c.syncAccess(sess)
	return sess, nil
}

// ExpireSession forces the terminal status and revokes network access.
// Idempotent.
func (c *Controller) ExpireSession(sessionID int64) (*model.Session, error) {
	before, err := c.sessions.GetByID(sessionID)
	if err != nil {
		return nil, err
	}
	if before == nil {
		return nil, ErrNotFound
	}
	alreadyExpired := before.Status == model.StatusExpired

	sess, err := c.sessions.Expire(sessionID)
	if err != nil {
		return nil, err
	}
	if !alreadyExpired {
		c.audit(model.EventSessionExpired, fmt.Sprintf("session %d expired", sess.ID))
	}
	c.syncAccess(sess)
	return sess, nil
}

// NotifyExpiry is the best-effort client signal that its local countdown
// reached zero. The server stays authoritative: the session is expired
// only if its window has actually elapsed, otherwise the call is ignored.
func (c *Controller) NotifyExpiry(sessionID int64) error {
	sess, err := c.sessions.GetByID(sessionID)
	if err != nil {
		return err
	}
	if sess == nil || sess.Status == model.StatusExpired {
		return nil
	}
	if sess.Status != model.StatusActive || sess.HasLiveWindow(time.Now().UTC().Unix()) {
		return nil
	}
	_, err = c.ExpireSession(sessionID)
	return err
}

// syncAccess aligns the network controller with the session's window:
// grant while an active window is live, revoke otherwise.
func (c *Controller) syncAccess(sess *model.Session) {
	if sess.IPAddress == "" {
		return
	}
	now := time.Now().UTC().Unix()
	if sess.Status == model.StatusActive && sess.HasLiveWindow(now) {
		remaining := time.Duration(sess.RemainingSeconds(now)) * time.Second
		if err := c.network.Grant(sess.IPAddress, remaining); err != nil {
			c.logger.Error("grant access", "session", sess.ID, "ip", sess.IPAddress, "error", err)
		}
		return
	}
	if sess.Status == model.StatusExpired {
		if err := c.network.Revoke(sess.IPAddress); err != nil {
			c.logger.Error("revoke access", "session", sess.ID, "ip", sess.IPAddress, "error", err)
		}
	}
}

func (c *Controller) audit(eventType, description string) {
	if err := c.events.Log(eventType, description); err != nil {
		c.logger.Warn("audit event", "type", eventType, "error", err)
	}
}
