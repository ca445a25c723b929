package model

// Rating is one satisfaction survey bound to a session. Each question is
// scored 1-5; at most one rating exists per session.
type Rating struct {
	ID          int64   `json:"id"`
	SessionID   int64   `json:"session_id"`
	Answers     [10]int `json:"answers"`
	Comment     string  `json:"comment,omitempty"`
	SubmittedAt int64   `json:"submitted_at"`
}
