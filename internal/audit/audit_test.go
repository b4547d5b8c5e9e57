package audit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/openacademy/lti-platform/internal/middleware"
	"github.com/openacademy/lti-platform/internal/storage"
)

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Connect(ctx, "sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := storage.Up(ctx, db, "sqlite"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestRecordAndList(t *testing.T) {
	db := openTestDB(t)
	l := NewLog(db.SQL, zerolog.Nop())

	now := time.Now().UTC()
	l.Now = func() time.Time { return now }

	// A request context from the logging middleware carries a request ID that
	// must end up in the stored details.
	var ctx context.Context
	h := middleware.RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx = r.Context()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/login", nil))

	l.Record(ctx, "login", map[string]any{"user_id": "u1", "error": nil}, true)
	l.Now = func() time.Time { return now.Add(time.Second) }
	l.Record(context.Background(), "grade", map[string]any{"score": 8.0}, false)

	entries, err := l.List(context.Background(), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Type != "grade" || entries[1].Type != "login" {
		t.Fatalf("wrong order: %q then %q", entries[0].Type, entries[1].Type)
	}
	if entries[0].Success || !entries[1].Success {
		t.Fatalf("success flags wrong: %+v", entries)
	}

	login := entries[1]
	if login.Details["user_id"] != "u1" {
		t.Fatalf("details = %v", login.Details)
	}
	if _, ok := login.Details["error"]; ok {
		t.Fatal("nil detail survived sanitization")
	}
	if id, _ := login.Details["request_id"].(string); id == "" {
		t.Fatalf("request id missing from details: %v", login.Details)
	}
	if !login.At.Equal(now.Truncate(time.Second)) {
		t.Fatalf("at = %v, want %v", login.At, now.Truncate(time.Second))
	}
}

func TestListLimit(t *testing.T) {
	db := openTestDB(t)
	l := NewLog(db.SQL, zerolog.Nop())
	for i := 0; i < 5; i++ {
		l.Record(context.Background(), "login", nil, true)
	}
	entries, err := l.List(context.Background(), 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
}

func TestSanitizeStripsNils(t *testing.T) {
	in := map[string]any{
		"user_id": "u1",
		"error":   nil,
		"nested": map[string]any{
			"kept":    1,
			"dropped": nil,
		},
		"empty_after": map[string]any{
			"only": nil,
		},
	}
	want := map[string]any{
		"user_id": "u1",
		"nested":  map[string]any{"kept": 1},
	}
	if got := Sanitize(in); !reflect.DeepEqual(got, want) {
		t.Fatalf("Sanitize = %#v, want %#v", got, want)
	}
}

func TestSanitizeNil(t *testing.T) {
	if got := Sanitize(nil); got != nil {
		t.Fatalf("Sanitize(nil) = %#v, want nil", got)
	}
}
