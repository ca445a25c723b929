package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dukerupert/econet/internal/session"
)

const (
	tickInterval = time.Second
	resyncEvery  = 10 // ticks between authoritative refreshes
	callTimeout  = 10 * time.Second
)

// State is the agent's view of its session. ServerBottles is the portal's
// confirmed count; LocalBottles is the optimistic count including bottles
// the user reported that the portal has not confirmed yet.
type State struct {
	SessionID        int64
	Status           string
	ServerBottles    int
	LocalBottles     int
	SecondsEarned    int
	Remaining        int64
	SecondsPerBottle int
	Online           bool
	Committing       bool
}

// PendingBottles is the optimistic surplus the next commit will reconcile.
func (s State) PendingBottles() int {
	return session.Delta(s.LocalBottles, s.ServerBottles)
}

// Agent runs the device-side session loop: a one-second countdown tick,
// periodic resyncs against the portal, and user-initiated operations. All
// state is owned by the Run goroutine; public methods post closures into
// the loop, and async network completions post their results back the same
// way, so no mutex is needed.
type Agent struct {
	client *Client
	logger *slog.Logger
	ctx    context.Context

	ops      chan func()
	st       State
	notified bool
	ticks    int
}

// New builds an agent scoped to ctx. The context is fixed at construction
// so public methods can be called before or concurrently with Run.
func New(ctx context.Context, client *Client, logger *slog.Logger) *Agent {
	return &Agent{
		client: client,
		logger: logger,
		ctx:    ctx,
		ops:    make(chan func(), 16),
	}
}

// Run drives the agent until the context is cancelled.
func (a *Agent) Run() error {
	ctx := a.ctx

	if snap, err := a.lookup(ctx); err != nil {
		a.st.Online = false
		a.logger.Warn("initial lookup", "error", err)
	} else {
		a.apply(snap)
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case op := <-a.ops:
			op()
		case <-ticker.C:
			a.tick()
		}
	}
}

func (a *Agent) lookup(ctx context.Context) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	return a.client.Lookup(ctx)
}

// post hands an op to the loop goroutine.
func (a *Agent) post(op func()) {
	select {
	case a.ops <- op:
	case <-a.ctx.Done():
	}
}

// tick advances the local countdown and schedules resyncs. The countdown
// keeps running even when the portal is unreachable.
func (a *Agent) tick() {
	if a.st.Status == "active" && a.st.Remaining > 0 {
		a.st.Remaining--
	}

	if a.st.Status == "active" && a.st.Remaining == 0 && !a.notified && a.st.SessionID != 0 {
		a.notified = true
		id := a.st.SessionID
		go func() {
			ctx, cancel := context.WithTimeout(a.ctx, callTimeout)
			defer cancel()
			if err := a.client.NotifyExpiry(ctx, id); err != nil {
				a.logger.Warn("notify expiry", "session", id, "error", err)
			}
		}()
	}

	a.ticks++
	if a.ticks >= resyncEvery {
		a.ticks = 0
		a.resync()
	}
}

// resync fetches the authoritative snapshot in the background and applies
// it in the loop.
func (a *Agent) resync() {
	if a.st.SessionID == 0 {
		go func() {
			snap, err := a.lookup(a.ctx)
			a.post(func() { a.applyResult(snap, err) })
		}()
		return
	}

	id := a.st.SessionID
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, callTimeout)
		defer cancel()
		snap, err := a.client.Get(ctx, id)
		a.post(func() { a.applyResult(snap, err) })
	}()
}

func (a *Agent) applyResult(snap *Snapshot, err error) {
	if err != nil {
		a.st.Online = false
		a.logger.Debug("resync failed", "error", err)
		return
	}
	a.apply(snap)
}

// apply overwrites local state with the portal's snapshot. The optimistic
// local count never drops below the confirmed count; the surplus survives
// until a commit reconciles it.
func (a *Agent) apply(snap *Snapshot) {
	a.st.Online = true
	a.st.SessionID = snap.ID
	a.st.Status = snap.Status
	a.st.ServerBottles = snap.BottlesInserted
	if a.st.LocalBottles < snap.BottlesInserted {
		a.st.LocalBottles = snap.BottlesInserted
	}
	a.st.SecondsEarned = snap.SecondsEarned
	a.st.Remaining = snap.RemainingSeconds
	a.st.SecondsPerBottle = snap.SecondsPerBottle

	if snap.Status == "active" && snap.RemainingSeconds > 0 {
		a.notified = false
	}
	if snap.Status == "expired" {
		a.st.LocalBottles = snap.BottlesInserted
	}
}

// State returns a copy of the agent's current state.
func (a *Agent) State() State {
	reply := make(chan State, 1)
	a.post(func() { reply <- a.st })
	select {
	case st := <-reply:
		return st
	case <-a.ctx.Done():
		return State{}
	}
}

// AcquireLock requests the insertion lock for this device.
func (a *Agent) AcquireLock() {
	a.post(func() {
		go func() {
			ctx, cancel := context.WithTimeout(a.ctx, callTimeout)
			defer cancel()
			snap, err := a.client.Lock(ctx)
			a.post(func() {
				if err != nil {
					if errors.Is(err, ErrLockHeld) {
						a.logger.Info("lock held elsewhere", "error", err)
					} else {
						a.st.Online = false
						a.logger.Warn("acquire lock", "error", err)
					}
					return
				}
				a.apply(snap)
			})
		}()
	})
}

// InsertBottle optimistically counts a bottle and reports it. If the
// report fails the surplus stays local and the next commit reconciles it.
func (a *Agent) InsertBottle() {
	a.post(func() {
		if a.st.SessionID == 0 {
			return
		}
		a.st.LocalBottles++
		id := a.st.SessionID
		go func() {
			ctx, cancel := context.WithTimeout(a.ctx, callTimeout)
			defer cancel()
			snap, err := a.client.Bottle(ctx, id)
			a.post(func() { a.applyResult(snap, err) })
		}()
	})
}

// Commit finalizes the insertion episode with the optimistic count.
// Overlapping commits collapse into one.
func (a *Agent) Commit() {
	a.post(func() {
		if a.st.Committing || a.st.SessionID == 0 {
			return
		}
		a.st.Committing = true
		id, count := a.st.SessionID, a.st.LocalBottles
		go func() {
			ctx, cancel := context.WithTimeout(a.ctx, callTimeout)
			defer cancel()
			snap, err := a.client.Commit(ctx, id, count)
			a.post(func() {
				a.st.Committing = false
				if err != nil {
					if errors.Is(err, ErrStale) {
						a.logger.Info("commit raced expiry", "session", id)
						a.resync()
						return
					}
					a.st.Online = false
					a.logger.Warn("commit", "error", err)
					return
				}
				a.apply(snap)
			})
		}()
	})
}

// Cancel abandons the insertion episode.
func (a *Agent) Cancel() {
	a.post(func() {
		if a.st.SessionID == 0 {
			return
		}
		id := a.st.SessionID
		go func() {
			ctx, cancel := context.WithTimeout(a.ctx, callTimeout)
			defer cancel()
			snap, err := a.client.Cancel(ctx, id)
			a.post(func() { a.applyResult(snap, err) })
		}()
	})
}
