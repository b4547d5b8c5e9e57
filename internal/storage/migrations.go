package storage

import (
	"context"
	"fmt"
	"strings"
)

// Up applies (idempotent) DDL for the academy LTI platform service.
// It creates the tables needed for:
//   - the platform signing key (platform_keys, single row)
//   - OIDC launch correlation state (launch_sessions)
//   - deep-linked content placements (deep_links, deep_link_pending)
//   - tool-reported scores (grades)
//   - student profile key/value data (profile_kv)
//   - protocol auditing (audit_log)
//
// Call this once on startup (after Connect). Drivers supported: postgres|sqlite.
func Up(ctx context.Context, db *DB, driver string) error {
	if db == nil || db.SQL == nil {
		return fmt.Errorf("migrations: db is nil")
	}

	var schema string
	switch normalizeDriver(driver) {
	case "postgres":
		schema = schemaPostgres
	case "sqlite":
		schema = schemaSQLite
	default:
		return fmt.Errorf("migrations: unsupported driver %q (expected postgres|sqlite)", driver)
	}

	// Try to run as a single script; if the driver rejects multiple statements,
	// fall back to splitting on semicolons (sufficient for simple DDL).
	if _, err := db.SQL.ExecContext(ctx, schema); err != nil {
		for _, stmt := range splitSQL(schema) {
			trim := strings.TrimSpace(stmt)
			if trim == "" || trim == ";" {
				continue
			}
			if _, e := db.SQL.ExecContext(ctx, stmt); e != nil {
				return fmt.Errorf("migrations: failed at:\n%s\nerr: %w", firstLine(stmt), e)
			}
		}
	}
	return nil
}

/* ----------------------------- POSTGRES SCHEMA ----------------------------- */

const schemaPostgres = `
-- Platform signing key (single row; conditional insert keeps it single) ------
CREATE TABLE IF NOT EXISTS platform_keys (
  id                 INTEGER PRIMARY KEY CHECK (id = 1),
  kid                TEXT NOT NULL,
  private_pem        TEXT NOT NULL,
  created_at         BIGINT NOT NULL
);

-- OIDC launch correlation state ----------------------------------------------
CREATE TABLE IF NOT EXISTS launch_sessions (
  state              TEXT PRIMARY KEY,
  nonce              TEXT NOT NULL,
  user_id            TEXT NOT NULL,
  role               TEXT NOT NULL,
  course_id          TEXT NOT NULL,
  resource_link_id   TEXT NOT NULL,
  deep_link_id       TEXT,
  first_name         TEXT NOT NULL,
  last_name          TEXT NOT NULL,
  email              TEXT NOT NULL,
  allow_direct_login INTEGER NOT NULL DEFAULT 0,
  created_at         BIGINT NOT NULL,
  expires_at         BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS launch_sessions_expires_idx
  ON launch_sessions (expires_at);

-- Deep-linked content placements ---------------------------------------------
CREATE TABLE IF NOT EXISTS deep_links (
  resource_link_id   TEXT PRIMARY KEY,
  title              TEXT NOT NULL,
  url                TEXT NOT NULL,
  type               TEXT NOT NULL,
  course_id          TEXT NOT NULL,
  assessment_id      TEXT,
  has_line_item      INTEGER NOT NULL DEFAULT 0,
  line_label         TEXT,
  line_score_max     NUMERIC,
  line_tag           TEXT,
  line_submission_review TEXT,
  created_at         BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS deep_links_course_idx
  ON deep_links (course_id);

-- Pending deep-link returns (registered at instructor login, consumed by the
-- deep-link return; a response whose data has no pending row is rejected) ----
CREATE TABLE IF NOT EXISTS deep_link_pending (
  data               TEXT PRIMARY KEY,
  course_id          TEXT NOT NULL,
  created_at         BIGINT NOT NULL,
  expires_at         BIGINT NOT NULL
);

-- Tool-reported scores (last write wins) -------------------------------------
CREATE TABLE IF NOT EXISTS grades (
  resource_link_id   TEXT NOT NULL,
  user_id            TEXT NOT NULL,
  score              NUMERIC NOT NULL,
  max_score          NUMERIC NOT NULL,
  ts                 TEXT,
  activity_progress  TEXT,
  grading_progress   TEXT,
  comment            TEXT,
  updated_at         BIGINT NOT NULL,
  PRIMARY KEY (resource_link_id, user_id)
);

-- Student profile key/value data ---------------------------------------------
CREATE TABLE IF NOT EXISTS profile_kv (
  scope              TEXT NOT NULL,
  key                TEXT NOT NULL,
  value              TEXT NOT NULL,
  updated_at         BIGINT NOT NULL,
  PRIMARY KEY (scope, key)
);

-- Audit log ------------------------------------------------------------------
CREATE TABLE IF NOT EXISTS audit_log (
  id                 TEXT PRIMARY KEY,
  ts                 BIGINT NOT NULL,
  type               TEXT NOT NULL,
  success            INTEGER NOT NULL,
  details            TEXT
);

CREATE INDEX IF NOT EXISTS audit_log_ts_idx
  ON audit_log (ts DESC);
`

/* ------------------------------ SQLITE SCHEMA ------------------------------ */

const schemaSQLite = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS platform_keys (
  id                 INTEGER PRIMARY KEY CHECK (id = 1),
  kid                TEXT NOT NULL,
  private_pem        TEXT NOT NULL,
  created_at         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS launch_sessions (
  state              TEXT PRIMARY KEY,
  nonce              TEXT NOT NULL,
  user_id            TEXT NOT NULL,
  role               TEXT NOT NULL,
  course_id          TEXT NOT NULL,
  resource_link_id   TEXT NOT NULL,
  deep_link_id       TEXT,
  first_name         TEXT NOT NULL,
  last_name          TEXT NOT NULL,
  email              TEXT NOT NULL,
  allow_direct_login INTEGER NOT NULL DEFAULT 0,
  created_at         INTEGER NOT NULL,
  expires_at         INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS launch_sessions_expires_idx
  ON launch_sessions (expires_at);

CREATE TABLE IF NOT EXISTS deep_links (
  resource_link_id   TEXT PRIMARY KEY,
  title              TEXT NOT NULL,
  url                TEXT NOT NULL,
  type               TEXT NOT NULL,
  course_id          TEXT NOT NULL,
  assessment_id      TEXT,
  has_line_item      INTEGER NOT NULL DEFAULT 0,
  line_label         TEXT,
  line_score_max     REAL,
  line_tag           TEXT,
  line_submission_review TEXT,
  created_at         INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS deep_links_course_idx
  ON deep_links (course_id);

CREATE TABLE IF NOT EXISTS deep_link_pending (
  data               TEXT PRIMARY KEY,
  course_id          TEXT NOT NULL,
  created_at         INTEGER NOT NULL,
  expires_at         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS grades (
  resource_link_id   TEXT NOT NULL,
  user_id            TEXT NOT NULL,
  score              REAL NOT NULL,
  max_score          REAL NOT NULL,
  ts                 TEXT,
  activity_progress  TEXT,
  grading_progress   TEXT,
  comment            TEXT,
  updated_at         INTEGER NOT NULL,
  PRIMARY KEY (resource_link_id, user_id)
);

CREATE TABLE IF NOT EXISTS profile_kv (
  scope              TEXT NOT NULL,
  key                TEXT NOT NULL,
  value              TEXT NOT NULL,
  updated_at         INTEGER NOT NULL,
  PRIMARY KEY (scope, key)
);

CREATE TABLE IF NOT EXISTS audit_log (
  id                 TEXT PRIMARY KEY,
  ts                 INTEGER NOT NULL,
  type               TEXT NOT NULL,
  success            INTEGER NOT NULL,
  details            TEXT
);

CREATE INDEX IF NOT EXISTS audit_log_ts_idx
  ON audit_log (ts DESC);
`

/* ------------------------------ LOCAL HELPERS ------------------------------ */

// splitSQL naively splits on ';' boundaries so we can run one statement at a
// time. This is acceptable for our simple DDL (no functions/procedures).
func splitSQL(s string) []string {
	raw := strings.Split(s, ";")
	out := make([]string, 0, len(raw))
	for _, part := range raw {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part+";")
	}
	return out
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
