package session

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

/*
Ephemeral OIDC launch correlation state.

A session is created at login initiation, keyed by the opaque `state` token,
and carries everything the later authorization step needs to mint claims. It
is single-use: the authorization step consumes (deletes) it on successful
token issuance, so a captured state/nonce pair cannot be replayed. Expired
rows are additionally swept opportunistically at the top of each login
request; an idle platform accumulates expired sessions until the next login.
*/

// TTL is how long a launch session stays valid after creation.
const TTL = 5 * time.Minute

var (
	ErrNotFound = errors.New("session: not found")
	ErrExpired  = errors.New("session: expired")
)

// Role is the launching user's role in the course.
type Role string

const (
	RoleInstructor Role = "instructor"
	RoleStudent    Role = "student"
)

// Session is one login attempt's correlation state.
type Session struct {
	State            string
	Nonce            string
	UserID           string
	Role             Role
	CourseID         string
	ResourceLinkID   string
	DeepLinkID       string
	FirstName        string
	LastName         string
	Email            string
	AllowDirectLogin bool
	CreatedAt        time.Time
	ExpiresAt        time.Time
}

// NewToken returns a fresh 256-bit token from crypto/rand, hex-encoded.
// Used for both state and nonce; anything weaker is guessable/replayable.
func NewToken() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Store persists launch sessions in the launch_sessions table.
type Store struct {
	DB *sql.DB

	// Clock (for tests)
	Now func() time.Time
}

func NewStore(db *sql.DB) *Store { return &Store{DB: db} }

// Create stores a session keyed by its state token.
func (s *Store) Create(ctx context.Context, sess Session) error {
	if sess.State == "" || sess.Nonce == "" {
		return errors.New("session: state and nonce are required")
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO launch_sessions
		   (state, nonce, user_id, role, course_id, resource_link_id, deep_link_id,
		    first_name, last_name, email, allow_direct_login, created_at, expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		sess.State, sess.Nonce, sess.UserID, string(sess.Role), sess.CourseID,
		sess.ResourceLinkID, nullable(sess.DeepLinkID),
		sess.FirstName, sess.LastName, sess.Email,
		boolToInt(sess.AllowDirectLogin),
		sess.CreatedAt.Unix(), sess.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("session: create: %w", err)
	}
	return nil
}

// Get returns the session for state. ErrNotFound when no row exists,
// ErrExpired when the row exists but its TTL has passed.
func (s *Store) Get(ctx context.Context, state string) (Session, error) {
	var (
		sess             Session
		role             string
		deepLinkID       sql.NullString
		allowDirect      int
		created, expires int64
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT state, nonce, user_id, role, course_id, resource_link_id, deep_link_id,
		        first_name, last_name, email, allow_direct_login, created_at, expires_at
		   FROM launch_sessions WHERE state = $1`, state).
		Scan(&sess.State, &sess.Nonce, &sess.UserID, &role, &sess.CourseID,
			&sess.ResourceLinkID, &deepLinkID,
			&sess.FirstName, &sess.LastName, &sess.Email,
			&allowDirect, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("session: get: %w", err)
	}
	sess.Role = Role(role)
	sess.DeepLinkID = deepLinkID.String
	sess.AllowDirectLogin = allowDirect != 0
	sess.CreatedAt = time.Unix(created, 0).UTC()
	sess.ExpiresAt = time.Unix(expires, 0).UTC()
	if s.now().After(sess.ExpiresAt) {
		return Session{}, ErrExpired
	}
	return sess, nil
}

// Consume deletes the session after successful token issuance, making the
// state token single-use. ErrNotFound when it was already consumed.
func (s *Store) Consume(ctx context.Context, state string) error {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM launch_sessions WHERE state = $1`, state)
	if err != nil {
		return fmt.Errorf("session: consume: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SweepExpired deletes all sessions whose expiry has passed and returns the
// count. Called opportunistically at the top of the login step; there is no
// dedicated background scheduler.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM launch_sessions WHERE expires_at < $1`, s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("session: sweep: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
