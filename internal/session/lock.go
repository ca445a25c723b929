package session

import (
	"errors"
	"log/slog"

	"github.com/dukerupert/econet/internal/model"
	"github.com/dukerupert/econet/internal/store"
)

// LockManager governs the single machine-wide insertion lock. The lock is
// not an in-process primitive: it is the persisted `inserting` session row,
// taken and released through serialized check-and-set operations in the
// store, so exclusion holds across request handlers and process restarts.
type LockManager struct {
	sessions *store.SessionStore
	logger   *slog.Logger
}

func NewLockManager(sessions *store.SessionStore, logger *slog.Logger) *LockManager {
	return &LockManager{sessions: sessions, logger: logger}
}

// Acquire takes the lock for the device, transitioning its session to
// inserting. Re-entrant: the current holder gets its session back.
// Returns *ConflictError naming the holder when another device has it.
func (m *LockManager) Acquire(deviceKey, ipAddress string) (*model.Session, error) {
	sess, err := m.sessions.AcquireLock(deviceKey, ipAddress)
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			m.logger.Info("insertion lock busy", "device", deviceKey, "held_by", conflict.HeldBy)
		}
		return nil, err
	}
	m.logger.Info("insertion lock acquired", "device", deviceKey, "session", sess.ID)
	return sess, nil
}

// Release gives the lock back without posting new bottles. Best-effort and
// idempotent: a device that holds no lock is a no-op. Bottles already
// confirmed during the hold stay credited.
func (m *LockManager) Release(deviceKey string) (*model.Session, error) {
	sess, err := m.sessions.GetByDeviceKey(deviceKey, model.StatusInserting)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, nil
	}

	released, err := m.sessions.Commit(sess.ID, -1)
	if err != nil {
		return nil, err
	}
	m.logger.Info("insertion lock released", "device", deviceKey, "session", released.ID, "status", released.Status)
	return released, nil
}
