package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openacademy/lti-platform/internal/middleware"
)

/*
Append-only audit record of every protocol step.

Entries exist for diagnosis only; nothing in the launch protocol reads them
back, and a failure to write one must never fail the step that produced it.
Details are sanitized before storage: nil values are stripped and nested
objects are sanitized recursively.
*/

// Entry is one audit event.
type Entry struct {
	ID      string
	Type    string
	Details map[string]any
	Success bool
	At      time.Time
}

// Log appends entries to the audit_log table.
type Log struct {
	DB     *sql.DB
	Logger zerolog.Logger

	// Clock (for tests)
	Now func() time.Time
}

func NewLog(db *sql.DB, logger zerolog.Logger) *Log {
	return &Log{DB: db, Logger: logger}
}

// Record appends an entry. Storage errors are logged and swallowed: the
// audit log is diagnostic, not part of protocol correctness.
func (l *Log) Record(ctx context.Context, typ string, details map[string]any, success bool) {
	clean := Sanitize(details)
	if id := middleware.RequestIDFromContext(ctx); id != "" {
		if clean == nil {
			clean = map[string]any{}
		}
		clean["request_id"] = id
	}
	var detailsJSON []byte
	if len(clean) > 0 {
		detailsJSON, _ = json.Marshal(clean)
	}
	_, err := l.DB.ExecContext(ctx,
		`INSERT INTO audit_log (id, ts, type, success, details)
		 VALUES ($1,$2,$3,$4,$5)`,
		uuid.NewString(), l.now().Unix(), typ, boolToInt(success),
		nullableBytes(detailsJSON))
	if err != nil {
		l.Logger.Error().Err(err).Str("type", typ).Msg("audit write failed")
	}
}

// List returns the most recent entries, newest first. Diagnostic use only;
// nothing in the launch protocol depends on reading the log back.
func (l *Log) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.DB.QueryContext(ctx,
		`SELECT id, ts, type, success, details
		   FROM audit_log
		  ORDER BY ts DESC, id
		  LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			ts      int64
			success int
			details sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.Type, &success, &details); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.At = time.Unix(ts, 0).UTC()
		e.Success = success != 0
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("audit: decode details: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Sanitize strips nil values from details and recursively sanitizes nested
// objects. Nested objects that become empty are dropped too.
func Sanitize(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		switch t := v.(type) {
		case nil:
			continue
		case map[string]any:
			if nested := Sanitize(t); len(nested) > 0 {
				out[k] = nested
			}
		default:
			out[k] = v
		}
	}
	return out
}

func (l *Log) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now().UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
