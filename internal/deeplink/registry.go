package deeplink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/openacademy/lti-platform/internal/storage"
)

/*
Durable registry of tool-selected content.

A Record exists only after an instructor has completed a deep-linking round
trip for that resource; it is written (or overwritten) by the deep-link
return and read by every subsequent student launch of the resource. A student
launch referencing a resource link with no record is an error.

The registry also tracks pending returns: instructor logins register the
`data` correlation value they hand to the tool, and the deep-link return must
match and consume that entry. Without this, any old but still-validly-signed
response token could overwrite a record.
*/

var (
	ErrNotFound  = errors.New("deeplink: not found")
	ErrNoPending = errors.New("deeplink: no pending deep-link return for data value")
)

// PendingTTL bounds how long a registered deep-link return stays acceptable.
const PendingTTL = time.Hour

// LineItem is optional grading metadata attached to a record.
type LineItem struct {
	ScoreMaximum     float64
	Label            string
	Tag              string
	SubmissionReview string
}

// Record is one tool-selected content item, keyed by resource link id.
type Record struct {
	ResourceLinkID string
	Title          string
	URL            string
	Type           string
	CourseID       string
	AssessmentID   string
	LineItem       *LineItem
	CreatedAt      time.Time
}

// ParseContentURL extracts the course and assessment identifiers from a
// content item URL's query parameters. Accepts both camelCase and snake_case
// parameter names since tools are inconsistent about which they emit.
func ParseContentURL(raw string) (courseID, assessmentID string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("deeplink: parse content url: %w", err)
	}
	q := u.Query()
	courseID = firstOf(q, "courseId", "course_id")
	assessmentID = firstOf(q, "assessmentId", "assessment_id")
	return courseID, assessmentID, nil
}

func firstOf(q url.Values, names ...string) string {
	for _, n := range names {
		if v := q.Get(n); v != "" {
			return v
		}
	}
	return ""
}

// Registry persists deep-link records in the deep_links table.
type Registry struct {
	DB *storage.DB

	// Clock (for tests)
	Now func() time.Time
}

func NewRegistry(db *storage.DB) *Registry { return &Registry{DB: db} }

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Upsert creates or overwrites the record for its resource link id.
func (r *Registry) Upsert(ctx context.Context, rec Record) error {
	return upsertRecord(ctx, r.DB.SQL, rec, r.now())
}

// UpsertAll writes every record inside one transaction. A tool may return
// several content items in one deep-linking response; since the pending entry
// has already been consumed by then, a partial write could not be retried, so
// either all items land or none do.
func (r *Registry) UpsertAll(ctx context.Context, recs []Record) error {
	now := r.now()
	return storage.WithTx(ctx, r.DB, nil, func(tx *sql.Tx) error {
		for _, rec := range recs {
			if err := upsertRecord(ctx, tx, rec, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertRecord(ctx context.Context, ex execer, rec Record, now time.Time) error {
	if rec.ResourceLinkID == "" {
		return errors.New("deeplink: resource link id is required")
	}
	hasLine := 0
	var label, tag, review any
	var scoreMax any
	if rec.LineItem != nil {
		hasLine = 1
		label = rec.LineItem.Label
		tag = rec.LineItem.Tag
		review = rec.LineItem.SubmissionReview
		scoreMax = rec.LineItem.ScoreMaximum
	}
	_, err := ex.ExecContext(ctx,
		`INSERT INTO deep_links
		   (resource_link_id, title, url, type, course_id, assessment_id,
		    has_line_item, line_label, line_score_max, line_tag, line_submission_review,
		    created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		 ON CONFLICT (resource_link_id) DO UPDATE SET
		   title=EXCLUDED.title,
		   url=EXCLUDED.url,
		   type=EXCLUDED.type,
		   course_id=EXCLUDED.course_id,
		   assessment_id=EXCLUDED.assessment_id,
		   has_line_item=EXCLUDED.has_line_item,
		   line_label=EXCLUDED.line_label,
		   line_score_max=EXCLUDED.line_score_max,
		   line_tag=EXCLUDED.line_tag,
		   line_submission_review=EXCLUDED.line_submission_review`,
		rec.ResourceLinkID, rec.Title, rec.URL, rec.Type, rec.CourseID,
		rec.AssessmentID, hasLine, label, scoreMax, tag, review,
		now.Unix())
	if err != nil {
		return fmt.Errorf("deeplink: upsert: %w", err)
	}
	return nil
}

// Get returns the record for resourceLinkID, or ErrNotFound.
func (r *Registry) Get(ctx context.Context, resourceLinkID string) (Record, error) {
	row := r.DB.SQL.QueryRowContext(ctx,
		`SELECT resource_link_id, title, url, type, course_id, assessment_id,
		        has_line_item, line_label, line_score_max, line_tag,
		        line_submission_review, created_at
		   FROM deep_links WHERE resource_link_id = $1`, resourceLinkID)
	return scanRecord(row)
}

// ListByCourse returns all records for a course.
func (r *Registry) ListByCourse(ctx context.Context, courseID string) ([]Record, error) {
	rows, err := r.DB.SQL.QueryContext(ctx,
		`SELECT resource_link_id, title, url, type, course_id, assessment_id,
		        has_line_item, line_label, line_score_max, line_tag,
		        line_submission_review, created_at
		   FROM deep_links WHERE course_id = $1
		  ORDER BY created_at DESC`, courseID)
	if err != nil {
		return nil, fmt.Errorf("deeplink: list: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RegisterPending records that an instructor launch handed `data` to the tool
// and a deep-link return carrying it is expected.
func (r *Registry) RegisterPending(ctx context.Context, data, courseID string) error {
	now := r.now()
	_, err := r.DB.SQL.ExecContext(ctx,
		`INSERT INTO deep_link_pending (data, course_id, created_at, expires_at)
		 VALUES ($1,$2,$3,$4)
		 ON CONFLICT (data) DO UPDATE SET
		   course_id=EXCLUDED.course_id,
		   created_at=EXCLUDED.created_at,
		   expires_at=EXCLUDED.expires_at`,
		data, courseID, now.Unix(), now.Add(PendingTTL).Unix())
	if err != nil {
		return fmt.Errorf("deeplink: register pending: %w", err)
	}
	return nil
}

// ConsumePending atomically claims the pending entry for `data`, returning
// its course id. ErrNoPending when no live entry exists; a replayed response
// token therefore fails here even though its signature still verifies.
func (r *Registry) ConsumePending(ctx context.Context, data string) (courseID string, err error) {
	var created int64
	err = r.DB.SQL.QueryRowContext(ctx,
		`DELETE FROM deep_link_pending
		  WHERE data = $1 AND expires_at >= $2
		 RETURNING course_id, created_at`,
		data, r.now().Unix()).Scan(&courseID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoPending
	}
	if err != nil {
		return "", fmt.Errorf("deeplink: consume pending: %w", err)
	}
	return courseID, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec          Record
		assessmentID sql.NullString
		hasLine      int
		label, tag   sql.NullString
		review       sql.NullString
		scoreMax     sql.NullFloat64
		created      int64
	)
	err := row.Scan(&rec.ResourceLinkID, &rec.Title, &rec.URL, &rec.Type,
		&rec.CourseID, &assessmentID, &hasLine, &label, &scoreMax, &tag,
		&review, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("deeplink: scan: %w", err)
	}
	rec.AssessmentID = assessmentID.String
	rec.CreatedAt = time.Unix(created, 0).UTC()
	if hasLine != 0 {
		rec.LineItem = &LineItem{
			ScoreMaximum:     scoreMax.Float64,
			Label:            label.String,
			Tag:              tag.String,
			SubmissionReview: review.String,
		}
	}
	return rec, nil
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}
