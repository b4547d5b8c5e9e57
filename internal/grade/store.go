package grade

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Record is a tool-reported score for one (resource link, user) pair.
// Each callback overwrites the previous record; no history is retained.
type Record struct {
	ResourceLinkID   string
	UserID           string
	Score            float64
	MaxScore         float64
	Timestamp        string
	ActivityProgress string
	GradingProgress  string
	Comment          string
}

var ErrNotFound = errors.New("grade: not found")

// Store persists grade records in the grades table.
type Store struct {
	DB *sql.DB

	// Clock (for tests)
	Now func() time.Time
}

func NewStore(db *sql.DB) *Store { return &Store{DB: db} }

// Upsert writes the record, replacing any prior record for its key.
func (s *Store) Upsert(ctx context.Context, rec Record) error {
	if rec.ResourceLinkID == "" || rec.UserID == "" {
		return errors.New("grade: resource link id and user id are required")
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO grades
		   (resource_link_id, user_id, score, max_score, ts,
		    activity_progress, grading_progress, comment, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 ON CONFLICT (resource_link_id, user_id) DO UPDATE SET
		   score=EXCLUDED.score,
		   max_score=EXCLUDED.max_score,
		   ts=EXCLUDED.ts,
		   activity_progress=EXCLUDED.activity_progress,
		   grading_progress=EXCLUDED.grading_progress,
		   comment=EXCLUDED.comment,
		   updated_at=EXCLUDED.updated_at`,
		rec.ResourceLinkID, rec.UserID, rec.Score, rec.MaxScore, rec.Timestamp,
		rec.ActivityProgress, rec.GradingProgress, rec.Comment,
		s.now().Unix())
	if err != nil {
		return fmt.Errorf("grade: upsert: %w", err)
	}
	return nil
}

// Get returns the record for (resourceLinkID, userID), or ErrNotFound.
func (s *Store) Get(ctx context.Context, resourceLinkID, userID string) (Record, error) {
	var rec Record
	err := s.DB.QueryRowContext(ctx,
		`SELECT resource_link_id, user_id, score, max_score, ts,
		        activity_progress, grading_progress, comment
		   FROM grades WHERE resource_link_id = $1 AND user_id = $2`,
		resourceLinkID, userID).
		Scan(&rec.ResourceLinkID, &rec.UserID, &rec.Score, &rec.MaxScore,
			&rec.Timestamp, &rec.ActivityProgress, &rec.GradingProgress,
			&rec.Comment)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("grade: get: %w", err)
	}
	return rec, nil
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}
