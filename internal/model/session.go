package model

// Session statuses. A session is created awaiting_insertion, moves to
// inserting while its device holds the machine-wide insertion lock, to
// active once bottles are committed, and terminally to expired.
type Status string

const (
	StatusAwaitingInsertion Status = "awaiting_insertion"
	StatusInserting         Status = "inserting"
	StatusActive            Status = "active"
	StatusExpired           Status = "expired"
)

// AllStatuses lists every valid session status.
var AllStatuses = []Status{
	StatusAwaitingInsertion,
	StatusInserting,
	StatusActive,
	StatusExpired,
}

// Valid reports whether s is a known session status.
func (s Status) Valid() bool {
	switch s {
	case StatusAwaitingInsertion, StatusInserting, StatusActive, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether s is the terminal status.
func (s Status) Terminal() bool { return s == StatusExpired }

// Session binds one device's portal visit to its accrued credit and status.
// Timestamps are unix seconds (UTC); SessionStart/SessionEnd are nil until
// the first commit establishes an access window.
type Session struct {
	ID              int64  `json:"id"`
	DeviceKey       string `json:"device_key"`
	IPAddress       string `json:"ip_address,omitempty"`
	Status          Status `json:"status"`
	BottlesInserted int    `json:"bottles_inserted"`
	SecondsEarned   int    `json:"seconds_earned"`
	SessionStart    *int64 `json:"session_start,omitempty"`
	SessionEnd      *int64 `json:"session_end,omitempty"`

	// ResumeStatus and BottlesAtLock are set while the session holds the
	// insertion lock: the status to revert to on a zero-bottle release and
	// the confirmed count when the lock was taken.
	ResumeStatus  *Status `json:"-"`
	BottlesAtLock int     `json:"-"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// RemainingSeconds returns how much of the access window is left at now,
// never negative. Zero when no window has been established.
func (s *Session) RemainingSeconds(now int64) int64 {
	if s.SessionEnd == nil || *s.SessionEnd <= now {
		return 0
	}
	return *s.SessionEnd - now
}

// HasLiveWindow reports whether the session has an access window that has
// not yet elapsed at now.
func (s *Session) HasLiveWindow(now int64) bool {
	return s.SessionEnd != nil && *s.SessionEnd > now
}
