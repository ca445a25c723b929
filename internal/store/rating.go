package store

import (
	"database/sql"
	"fmt"

	"github.com/dukerupert/econet/internal/model"
)

// RatingStore persists satisfaction surveys, one per session.
type RatingStore struct {
	db *sql.DB
}

func NewRatingStore(db *sql.DB) *RatingStore {
	return &RatingStore{db: db}
}

const ratingCols = `id, session_id, q1, q2, q3, q4, q5, q6, q7, q8, q9, q10, comment, submitted_at`

func scanRating(scanner interface{ Scan(...any) error }) (*model.Rating, error) {
	var r model.Rating
	var comment sql.NullString
	err := scanner.Scan(
		&r.ID, &r.SessionID,
		&r.Answers[0], &r.Answers[1], &r.Answers[2], &r.Answers[3], &r.Answers[4],
		&r.Answers[5], &r.Answers[6], &r.Answers[7], &r.Answers[8], &r.Answers[9],
		&comment, &r.SubmittedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Comment = comment.String
	return &r, nil
}

// Create stores a rating for the session. The UNIQUE constraint on
// session_id enforces one rating per session.
func (s *RatingStore) Create(sessionID int64, answers [10]int, comment string) (*model.Rating, error) {
	res, err := s.db.Exec(
		`INSERT INTO ratings (session_id, q1, q2, q3, q4, q5, q6, q7, q8, q9, q10, comment, submitted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID,
		answers[0], answers[1], answers[2], answers[3], answers[4],
		answers[5], answers[6], answers[7], answers[8], answers[9],
		nullString(comment), now(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert rating: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}

	row := s.db.QueryRow(`SELECT `+ratingCols+` FROM ratings WHERE id = ?`, id)
	r, err := scanRating(row)
	if err != nil {
		return nil, fmt.Errorf("get rating: %w", err)
	}
	return r, nil
}

// GetBySession returns the session's rating or (nil, nil) when none exists.
func (s *RatingStore) GetBySession(sessionID int64) (*model.Rating, error) {
	row := s.db.QueryRow(`SELECT `+ratingCols+` FROM ratings WHERE session_id = ?`, sessionID)
	r, err := scanRating(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rating by session: %w", err)
	}
	return r, nil
}

// Count returns the all-time number of ratings.
func (s *RatingStore) Count() (int64, error) {
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM ratings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ratings: %w", err)
	}
	return n, nil
}

// Means returns the all-time mean score per question, keyed q1..q10.
func (s *RatingStore) Means() (map[string]float64, error) {
	row := s.db.QueryRow(
		`SELECT AVG(q1), AVG(q2), AVG(q3), AVG(q4), AVG(q5),
		        AVG(q6), AVG(q7), AVG(q8), AVG(q9), AVG(q10)
		 FROM ratings`,
	)
	var avgs [10]sql.NullFloat64
	if err := row.Scan(
		&avgs[0], &avgs[1], &avgs[2], &avgs[3], &avgs[4],
		&avgs[5], &avgs[6], &avgs[7], &avgs[8], &avgs[9],
	); err != nil {
		return nil, fmt.Errorf("rating means: %w", err)
	}

	means := make(map[string]float64, 10)
	for i, a := range avgs {
		if a.Valid {
			means[fmt.Sprintf("q%d", i+1)] = a.Float64
		}
	}
	return means, nil
}
