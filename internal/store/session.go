package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dukerupert/econet/internal/model"
)

// DefaultSecondsPerBottle is the time credit earned per confirmed bottle.
const DefaultSecondsPerBottle = 120

// SessionStore persists sessions. Every mutation is applied as a single
// serialized read-modify-write: either one guarded UPDATE or a BEGIN
// IMMEDIATE transaction, so the §3 invariants hold under concurrent
// callers and across process restarts.
type SessionStore struct {
	db  *sql.DB
	spb int
}

// NewSessionStore creates a session store. secondsPerBottle <= 0 selects
// the default of 120.
func NewSessionStore(db *sql.DB, secondsPerBottle int) *SessionStore {
	if secondsPerBottle <= 0 {
		secondsPerBottle = DefaultSecondsPerBottle
	}
	return &SessionStore{db: db, spb: secondsPerBottle}
}

// SecondsPerBottle returns the configured credit per bottle.
func (s *SessionStore) SecondsPerBottle() int { return s.spb }

const sessionCols = `id, device_key, ip_address, status, bottles_inserted, seconds_earned,
	session_start, session_end, resume_status, bottles_at_lock, created_at, updated_at`

func scanSession(scanner interface{ Scan(...any) error }) (*model.Session, error) {
	var sess model.Session
	var ip sql.NullString
	var start, end sql.NullInt64
	var resume sql.NullString

	err := scanner.Scan(
		&sess.ID, &sess.DeviceKey, &ip, &sess.Status, &sess.BottlesInserted,
		&sess.SecondsEarned, &start, &end, &resume, &sess.BottlesAtLock,
		&sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if ip.Valid {
		sess.IPAddress = ip.String
	}
	if start.Valid {
		sess.SessionStart = &start.Int64
	}
	if end.Valid {
		sess.SessionEnd = &end.Int64
	}
	if resume.Valid {
		st := model.Status(resume.String)
		sess.ResumeStatus = &st
	}
	return &sess, nil
}

func now() int64 { return time.Now().UTC().Unix() }

// GetByID returns the session or (nil, nil) when the id is unknown.
func (s *SessionStore) GetByID(id int64) (*model.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// GetByDeviceKey returns the device's most recent session among the given
// statuses, or (nil, nil) when there is none.
func (s *SessionStore) GetByDeviceKey(deviceKey string, statuses ...model.Status) (*model.Session, error) {
	if len(statuses) == 0 {
		statuses = model.AllStatuses
	}
	placeholders := strings.Repeat("?,", len(statuses))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(statuses)+1)
	args = append(args, deviceKey)
	for _, st := range statuses {
		args = append(args, string(st))
	}

	row := s.db.QueryRow(
		`SELECT `+sessionCols+` FROM sessions
		 WHERE device_key = ? AND status IN (`+placeholders+`)
		 ORDER BY updated_at DESC, created_at DESC LIMIT 1`,
		args...,
	)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session for device: %w", err)
	}
	return sess, nil
}

// GetInserting returns the session currently holding the insertion lock,
// or (nil, nil) when the lock is free. The partial unique index guarantees
// at most one row qualifies.
func (s *SessionStore) GetInserting() (*model.Session, error) {
	row := s.db.QueryRow(`SELECT ` + sessionCols + ` FROM sessions WHERE status = 'inserting' LIMIT 1`)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get inserting session: %w", err)
	}
	return sess, nil
}

func getSessionTx(tx *sql.Tx, id int64) (*model.Session, error) {
	row := tx.QueryRow(`SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// beginImmediate opens a write transaction. The connection string sets
// _txlock=immediate, so the write lock is taken up front and the whole
// read-modify-write is serialized against other writers.
func (s *SessionStore) beginImmediate() (*sql.Tx, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return tx, nil
}

// LookupOrCreate returns the device's current non-terminal session,
// creating a fresh awaiting_insertion one if the device has none.
func (s *SessionStore) LookupOrCreate(deviceKey, ipAddress string) (*model.Session, error) {
	tx, err := s.beginImmediate()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	sess, err := findOngoingTx(tx, deviceKey)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		// Keep the recorded address current; devices get new DHCP leases.
		if ipAddress != "" && sess.IPAddress != ipAddress {
			ts := now()
			if _, err := tx.Exec(
				`UPDATE sessions SET ip_address = ?, updated_at = ? WHERE id = ?`,
				ipAddress, ts, sess.ID,
			); err != nil {
				return nil, fmt.Errorf("update session ip: %w", err)
			}
			sess.IPAddress = ipAddress
			sess.UpdatedAt = ts
		}
		return sess, tx.Commit()
	}

	ts := now()
	res, err := tx.Exec(
		`INSERT INTO sessions (device_key, ip_address, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		deviceKey, nullString(ipAddress), string(model.StatusAwaitingInsertion), ts, ts,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	sess, err = getSessionTx(tx, id)
	if err != nil {
		return nil, err
	}
	return sess, tx.Commit()
}

func findOngoingTx(tx *sql.Tx, deviceKey string) (*model.Session, error) {
	row := tx.QueryRow(
		`SELECT `+sessionCols+` FROM sessions
		 WHERE device_key = ? AND status != ?
		 ORDER BY updated_at DESC LIMIT 1`,
		deviceKey, string(model.StatusExpired),
	)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find ongoing session: %w", err)
	}
	return sess, nil
}

// AcquireLock takes the machine-wide insertion lock for the device and
// transitions its session to inserting. Re-entrant for the current holder.
// Returns *ConflictError when another device holds the lock. Accrued
// credit on a previously active session is preserved.
func (s *SessionStore) AcquireLock(deviceKey, ipAddress string) (*model.Session, error) {
	tx, err := s.beginImmediate()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	sess, err := findOngoingTx(tx, deviceKey)
	if err != nil {
		return nil, err
	}

	// Idempotent success for the current holder.
	if sess != nil && sess.Status == model.StatusInserting {
		return sess, tx.Commit()
	}

	// One inserting session machine-wide.
	var holder string
	err = tx.QueryRow(
		`SELECT device_key FROM sessions WHERE status = ? LIMIT 1`,
		string(model.StatusInserting),
	).Scan(&holder)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("check lock holder: %w", err)
	}
	if err == nil {
		return nil, &ConflictError{HeldBy: holder}
	}

	ts := now()
	if sess == nil {
		res, err := tx.Exec(
			`INSERT INTO sessions (device_key, ip_address, status, resume_status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			deviceKey, nullString(ipAddress), string(model.StatusInserting),
			string(model.StatusAwaitingInsertion), ts, ts,
		)
		if err != nil {
			return nil, fmt.Errorf("insert locked session: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("last insert id: %w", err)
		}
		sess, err = getSessionTx(tx, id)
		if err != nil {
			return nil, err
		}
		return sess, tx.Commit()
	}

	if _, err := tx.Exec(
		`UPDATE sessions
		 SET resume_status = status, bottles_at_lock = bottles_inserted,
		     status = ?, updated_at = ?
		 WHERE id = ?`,
		string(model.StatusInserting), ts, sess.ID,
	); err != nil {
		return nil, fmt.Errorf("lock session: %w", err)
	}
	sess, err = getSessionTx(tx, sess.ID)
	if err != nil {
		return nil, err
	}
	return sess, tx.Commit()
}

// AddBottle confirms one bottle for the session. Valid only while the
// session is inserting or active; the row's seconds_earned is recomputed
// in the same statement so the credit invariant holds.
func (s *SessionStore) AddBottle(id int64) (*model.Session, error) {
	return s.addBottles(id, 1)
}

// ReconcileCount applies delta = max(0, clientCount - confirmed) extra
// bottles. A delta of zero is a no-op, which makes repeated commits of an
// already-applied client count idempotent.
func (s *SessionStore) ReconcileCount(id int64, clientCount int) (*model.Session, error) {
	tx, err := s.beginImmediate()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	sess, err := reconcileTx(tx, id, clientCount, s.spb)
	if err != nil {
		return nil, err
	}
	return sess, tx.Commit()
}

func (s *SessionStore) addBottles(id int64, count int) (*model.Session, error) {
	tx, err := s.beginImmediate()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	sess, err := getSessionTx(tx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != model.StatusInserting && sess.Status != model.StatusActive {
		return nil, fmt.Errorf("record bottle in status %q: %w", sess.Status, ErrInvalidTransition)
	}

	sess, err = applyBottlesTx(tx, sess, count, s.spb)
	if err != nil {
		return nil, err
	}
	return sess, tx.Commit()
}

func reconcileTx(tx *sql.Tx, id int64, clientCount, spb int) (*model.Session, error) {
	sess, err := getSessionTx(tx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != model.StatusInserting && sess.Status != model.StatusActive {
		return nil, fmt.Errorf("reconcile in status %q: %w", sess.Status, ErrInvalidTransition)
	}

	delta := clientCount - sess.BottlesInserted
	if delta <= 0 {
		return sess, nil
	}
	return applyBottlesTx(tx, sess, delta, spb)
}

func applyBottlesTx(tx *sql.Tx, sess *model.Session, count, spb int) (*model.Session, error) {
	ts := now()
	if _, err := tx.Exec(
		`UPDATE sessions
		 SET bottles_inserted = bottles_inserted + ?,
		     seconds_earned = (bottles_inserted + ?) * ?,
		     updated_at = ?
		 WHERE id = ?`,
		count, count, spb, ts, sess.ID,
	); err != nil {
		return nil, fmt.Errorf("add bottles: %w", err)
	}

	// Bottles landing on an active session pay into the window right away;
	// bottles recorded under the lock are settled by Commit.
	if sess.Status == model.StatusActive {
		start := nullInt64(sess.SessionStart)
		var end int64
		if sess.HasLiveWindow(ts) {
			end = *sess.SessionEnd + int64(count*spb)
		} else {
			start = sql.NullInt64{Int64: ts, Valid: true}
			end = ts + int64(count*spb)
		}
		if _, err := tx.Exec(
			`UPDATE sessions SET session_start = ?, session_end = ? WHERE id = ?`,
			start, end, sess.ID,
		); err != nil {
			return nil, fmt.Errorf("extend session window: %w", err)
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO bottle_logs (session_id, count, detected_at) VALUES (?, ?, ?)`,
		sess.ID, count, ts,
	); err != nil {
		return nil, fmt.Errorf("log bottles: %w", err)
	}
	return getSessionTx(tx, sess.ID)
}

// Commit finalizes an insertion episode and always releases the lock.
// clientCount >= 0 reconciles the client's optimistic count first; pass a
// negative clientCount to commit only what was already confirmed (cancel).
//
// Committing an active session (no lock held) only reconciles the client
// count; any delta extends the window inside the reconcile itself.
//
// For an inserting session the branch is decided from the state captured at
// lock acquisition:
//   - the session was active with a live window: extend session_end by the
//     seconds earned this episode, keep session_start, status active;
//   - new bottles were confirmed this episode: fresh window from now,
//     status active;
//   - nothing confirmed: revert to the pre-lock status, window untouched.
func (s *SessionStore) Commit(id int64, clientCount int) (*model.Session, error) {
	tx, err := s.beginImmediate()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	sess, err := getSessionTx(tx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status == model.StatusExpired {
		return nil, fmt.Errorf("session %d: %w", id, ErrStaleCommit)
	}
	if sess.Status == model.StatusActive {
		if clientCount >= 0 {
			sess, err = reconcileTx(tx, id, clientCount, s.spb)
			if err != nil {
				return nil, err
			}
		}
		return sess, tx.Commit()
	}
	if sess.Status != model.StatusInserting {
		return nil, fmt.Errorf("commit in status %q: %w", sess.Status, ErrInvalidTransition)
	}

	if clientCount >= 0 {
		sess, err = reconcileTx(tx, id, clientCount, s.spb)
		if err != nil {
			return nil, err
		}
	}

	ts := now()
	episode := sess.BottlesInserted - sess.BottlesAtLock
	resume := model.StatusAwaitingInsertion
	if sess.ResumeStatus != nil {
		resume = *sess.ResumeStatus
	}

	var (
		status model.Status
		start  sql.NullInt64
		end    sql.NullInt64
	)
	start = nullInt64(sess.SessionStart)
	end = nullInt64(sess.SessionEnd)

	switch {
	case resume == model.StatusActive && sess.HasLiveWindow(ts):
		// Live window survives the lock: extend it by this episode only.
		status = model.StatusActive
		end = sql.NullInt64{Int64: *sess.SessionEnd + int64(episode*s.spb), Valid: true}
	case episode > 0:
		// First credit (or the prior window lapsed mid-insertion): open a
		// fresh window funded by this episode's bottles.
		status = model.StatusActive
		start = sql.NullInt64{Int64: ts, Valid: true}
		end = sql.NullInt64{Int64: ts + int64(episode*s.spb), Valid: true}
	default:
		// Zero-bottle release: hand the lock back and restore the status
		// that preceded acquisition.
		status = resume
	}

	if _, err := tx.Exec(
		`UPDATE sessions
		 SET status = ?, session_start = ?, session_end = ?,
		     resume_status = NULL, bottles_at_lock = 0, updated_at = ?
		 WHERE id = ?`,
		string(status), start, end, ts, id,
	); err != nil {
		return nil, fmt.Errorf("commit session: %w", err)
	}

	sess, err = getSessionTx(tx, id)
	if err != nil {
		return nil, err
	}
	return sess, tx.Commit()
}

// Expire forces the session into the terminal status. Idempotent: expiring
// an already expired session succeeds without touching the row.
func (s *SessionStore) Expire(id int64) (*model.Session, error) {
	tx, err := s.beginImmediate()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	sess, err := getSessionTx(tx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status == model.StatusExpired {
		return sess, tx.Commit()
	}

	if _, err := tx.Exec(
		`UPDATE sessions
		 SET status = ?, resume_status = NULL, bottles_at_lock = 0, updated_at = ?
		 WHERE id = ?`,
		string(model.StatusExpired), now(), id,
	); err != nil {
		return nil, fmt.Errorf("expire session: %w", err)
	}
	sess, err = getSessionTx(tx, id)
	if err != nil {
		return nil, err
	}
	return sess, tx.Commit()
}

// ExpireStaleAwaiting expires awaiting_insertion sessions idle past maxAge
// and returns them.
func (s *SessionStore) ExpireStaleAwaiting(maxAge time.Duration) ([]model.Session, error) {
	cutoff := now() - int64(maxAge.Seconds())
	return s.expireWhere(
		`status = ? AND updated_at < ?`,
		string(model.StatusAwaitingInsertion), cutoff,
	)
}

// ExpireStaleInserting expires sessions that have held the insertion lock
// past maxAge, freeing a wedged lock.
func (s *SessionStore) ExpireStaleInserting(maxAge time.Duration) ([]model.Session, error) {
	cutoff := now() - int64(maxAge.Seconds())
	return s.expireWhere(
		`status = ? AND updated_at < ?`,
		string(model.StatusInserting), cutoff,
	)
}

// ExpireFinishedActive expires active sessions whose window has elapsed.
func (s *SessionStore) ExpireFinishedActive() ([]model.Session, error) {
	return s.expireWhere(
		`status = ? AND session_end IS NOT NULL AND session_end <= ?`,
		string(model.StatusActive), now(),
	)
}

func (s *SessionStore) expireWhere(where string, args ...any) ([]model.Session, error) {
	tx, err := s.beginImmediate()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT `+sessionCols+` FROM sessions WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("find expirable sessions: %w", err)
	}
	var expired []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan session: %w", err)
		}
		expired = append(expired, *sess)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(expired) == 0 {
		return nil, tx.Commit()
	}

	ts := now()
	for i := range expired {
		if _, err := tx.Exec(
			`UPDATE sessions
			 SET status = ?, resume_status = NULL, bottles_at_lock = 0, updated_at = ?
			 WHERE id = ?`,
			string(model.StatusExpired), ts, expired[i].ID,
		); err != nil {
			return nil, fmt.Errorf("expire session %d: %w", expired[i].ID, err)
		}
		expired[i].Status = model.StatusExpired
		expired[i].UpdatedAt = ts
	}
	return expired, tx.Commit()
}

// CountByStatus returns how many sessions currently have the status.
func (s *SessionStore) CountByStatus(status model.Status) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM sessions WHERE status = ?`, string(status),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

// ListOngoing returns every non-terminal session, most recently touched
// first.
func (s *SessionStore) ListOngoing() ([]model.Session, error) {
	rows, err := s.db.Query(
		`SELECT `+sessionCols+` FROM sessions
		 WHERE status != ? ORDER BY updated_at DESC`,
		string(model.StatusExpired),
	)
	if err != nil {
		return nil, fmt.Errorf("list ongoing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// TotalBottles returns the all-time confirmed bottle count.
func (s *SessionStore) TotalBottles() (int64, error) {
	var n sql.NullInt64
	err := s.db.QueryRow(`SELECT SUM(count) FROM bottle_logs`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("total bottles: %w", err)
	}
	return n.Int64, nil
}

// BottlesSince returns bottles confirmed at or after the unix timestamp.
func (s *SessionStore) BottlesSince(since int64) (int64, error) {
	var n sql.NullInt64
	err := s.db.QueryRow(
		`SELECT SUM(count) FROM bottle_logs WHERE detected_at >= ?`, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("bottles since: %w", err)
	}
	return n.Int64, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
