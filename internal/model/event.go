package model

// System event types recorded in system_logs.
const (
	EventSessionStarted  = "session_started"
	EventSessionExpired  = "session_expired"
	EventBottleInserted  = "bottle_inserted"
	EventRatingSubmitted = "rating_submitted"
)

// SystemEvent is an audit log entry.
type SystemEvent struct {
	ID          int64  `json:"id"`
	EventType   string `json:"event_type"`
	Description string `json:"description,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}

// BottleLog records one confirmed bottle increment (count may exceed one
// when a reconciliation applies a delta in bulk).
type BottleLog struct {
	ID         int64 `json:"id"`
	SessionID  int64 `json:"session_id"`
	Count      int   `json:"count"`
	DetectedAt int64 `json:"detected_at"`
}
