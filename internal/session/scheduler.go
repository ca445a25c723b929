package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/econet/internal/access"
	"github.com/dukerupert/econet/internal/model"
	"github.com/dukerupert/econet/internal/store"
)

// SchedulerConfig holds the sweep thresholds.
type SchedulerConfig struct {
	// Interval between sweeps.
	Interval time.Duration
	// TTLAwaiting expires sessions that never started inserting.
	TTLAwaiting time.Duration
	// LockTimeout breaks an insertion lock held too long, so one wedged
	// device cannot block the machine forever.
	LockTimeout time.Duration
}

// Scheduler periodically demotes stale and time-exhausted sessions.
// Sweeps are idempotent; a commit racing a sweep loses and fails with
// ErrStaleCommit because commits re-check status in their own transaction.
type Scheduler struct {
	mu       sync.RWMutex
	cfg      SchedulerConfig
	sessions *store.SessionStore
	events   *store.EventStore
	network  access.Controller
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewScheduler creates an expiry scheduler. Zero config fields get the
// defaults from the original deployment: 60s interval, 600s awaiting TTL,
// 180s lock timeout.
func NewScheduler(cfg SchedulerConfig, sessions *store.SessionStore, events *store.EventStore, network access.Controller, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.TTLAwaiting <= 0 {
		cfg.TTLAwaiting = 600 * time.Second
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 180 * time.Second
	}
	return &Scheduler{
		cfg:      cfg,
		sessions: sessions,
		events:   events,
		network:  network,
		logger:   logger,
	}
}

// Start begins the sweep loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick()
			}
		}
	}()
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() {
	s.mu.RLock()
	cancel := s.cancel
	done := s.done
	s.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Tick runs one sweep. Errors are logged and retried on the next tick,
// never fatal.
func (s *Scheduler) Tick() {
	stale, err := s.sessions.ExpireStaleAwaiting(s.cfg.TTLAwaiting)
	if err != nil {
		s.logger.Error("sweep stale awaiting", "error", err)
	}
	wedged, err := s.sessions.ExpireStaleInserting(s.cfg.LockTimeout)
	if err != nil {
		s.logger.Error("sweep stale inserting", "error", err)
	}
	finished, err := s.sessions.ExpireFinishedActive()
	if err != nil {
		s.logger.Error("sweep finished active", "error", err)
	}

	expired := make([]model.Session, 0, len(stale)+len(wedged)+len(finished))
	expired = append(expired, stale...)
	expired = append(expired, wedged...)
	expired = append(expired, finished...)
	if len(expired) == 0 {
		return
	}

	for _, sess := range expired {
		if sess.IPAddress != "" {
			if err := s.network.Revoke(sess.IPAddress); err != nil {
				s.logger.Error("revoke on expiry", "session", sess.ID, "ip", sess.IPAddress, "error", err)
			}
		}
		if err := s.events.Log(model.EventSessionExpired, fmt.Sprintf("session %d expired by sweep", sess.ID)); err != nil {
			s.logger.Warn("audit sweep expiry", "session", sess.ID, "error", err)
		}
	}

	s.logger.Debug("session sweep",
		"stale_awaiting", len(stale),
		"stale_inserting", len(wedged),
		"finished_active", len(finished),
	)
}
