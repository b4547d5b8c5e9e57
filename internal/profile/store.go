package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

/*
Student-profile key/value store.

The launch protocol treats profile data as an external collaborator: it reads
a course display-title override when building the context claim, and reads/
writes the externally-assigned learner identifier plus a "refresh" toggle
during the roster-lookup side effect. Scopes keep courses and students apart:

	CourseScope("101")        -> "course:101"
	StudentScope("101", "u1") -> "student:101:u1"
*/

// Well-known keys.
const (
	KeyCourseTitle = "course_title"
	KeyLearnerID   = "learner_id"
	KeyRefresh     = "refresh"
)

var ErrNotFound = errors.New("profile: not found")

func CourseScope(courseID string) string { return "course:" + courseID }

func StudentScope(courseID, userID string) string {
	return "student:" + courseID + ":" + userID
}

// Store is a simple keyed get/set over the profile_kv table.
type Store struct {
	DB *sql.DB

	// Clock (for tests)
	Now func() time.Time
}

func NewStore(db *sql.DB) *Store { return &Store{DB: db} }

// Get returns the value for (scope, key), or ErrNotFound.
func (s *Store) Get(ctx context.Context, scope, key string) (string, error) {
	var v string
	err := s.DB.QueryRowContext(ctx,
		`SELECT value FROM profile_kv WHERE scope = $1 AND key = $2`,
		scope, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("profile: get: %w", err)
	}
	return v, nil
}

// Set writes the value for (scope, key), overwriting any prior value.
func (s *Store) Set(ctx context.Context, scope, key, value string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO profile_kv (scope, key, value, updated_at)
		 VALUES ($1,$2,$3,$4)
		 ON CONFLICT (scope, key) DO UPDATE SET
		   value=EXCLUDED.value,
		   updated_at=EXCLUDED.updated_at`,
		scope, key, value, s.now().Unix())
	if err != nil {
		return fmt.Errorf("profile: set: %w", err)
	}
	return nil
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}
