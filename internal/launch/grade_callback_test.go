package launch

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func postGrade(t *testing.T, env *testEnv, body map[string]any, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/gradeCallback", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer test-token")
	req.Header.Set("Referer", "https://tool.example/page?resource_link_id=XYZ")
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	env.srv.HandleGradeCallback(rec, req)
	return rec
}

func scoreBody(score float64) map[string]any {
	return map[string]any{
		"userId":           "u1",
		"scoreGiven":       score,
		"scoreMaximum":     10,
		"timestamp":        "2026-08-01T10:00:00Z",
		"activityProgress": "Completed",
		"gradingProgress":  "FullyGraded",
	}
}

func TestGradeCallbackStoresRecord(t *testing.T) {
	env := newTestEnv()
	rec := postGrade(t, env, scoreBody(8), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp["success"] != true {
		t.Fatalf("response = %s", rec.Body.String())
	}

	stored, ok := env.grades.get("XYZ", "u1")
	if !ok {
		t.Fatal("no grade stored")
	}
	if stored.Score != 8 || stored.MaxScore != 10 {
		t.Fatalf("grade mismatch: %+v", stored)
	}
}

func TestGradeCallbackOverwrites(t *testing.T) {
	env := newTestEnv()
	postGrade(t, env, scoreBody(5), nil)
	postGrade(t, env, scoreBody(9), nil)

	stored, _ := env.grades.get("XYZ", "u1")
	if stored.Score != 9 {
		t.Fatalf("score = %v, want 9 (last write wins)", stored.Score)
	}
}

func TestGradeCallbackZeroScoreIsValid(t *testing.T) {
	env := newTestEnv()
	rec := postGrade(t, env, scoreBody(0), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, zero score must be accepted", rec.Code)
	}
	stored, _ := env.grades.get("XYZ", "u1")
	if stored.Score != 0 {
		t.Fatalf("score = %v, want 0", stored.Score)
	}
}

func TestGradeCallbackMissingBearer(t *testing.T) {
	env := newTestEnv()
	rec := postGrade(t, env, scoreBody(8), func(r *http.Request) {
		r.Header.Del("Authorization")
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if _, ok := env.grades.get("XYZ", "u1"); ok {
		t.Fatal("grade stored without authorization")
	}
}

func TestGradeCallbackMissingResourceLink(t *testing.T) {
	env := newTestEnv()
	rec := postGrade(t, env, scoreBody(8), func(r *http.Request) {
		r.Header.Set("Referer", "https://tool.example/page")
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGradeCallbackQueryParamFallback(t *testing.T) {
	env := newTestEnv()
	rec := postGrade(t, env, scoreBody(7), func(r *http.Request) {
		r.Header.Del("Referer")
		r.URL.RawQuery = "resource_link_id=XYZ"
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	stored, ok := env.grades.get("XYZ", "u1")
	if !ok || stored.Score != 7 {
		t.Fatalf("grade not stored via query parameter: %+v ok=%v", stored, ok)
	}
}

func TestGradeCallbackRefererWinsOverQuery(t *testing.T) {
	env := newTestEnv()
	rec := postGrade(t, env, scoreBody(6), func(r *http.Request) {
		r.URL.RawQuery = "resource_link_id=OTHER"
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if _, ok := env.grades.get("XYZ", "u1"); !ok {
		t.Fatal("grade not stored under the Referer's resource link")
	}
	if _, ok := env.grades.get("OTHER", "u1"); ok {
		t.Fatal("query parameter overrode the Referer")
	}
}

func TestGradeCallbackMissingScore(t *testing.T) {
	env := newTestEnv()
	body := scoreBody(8)
	delete(body, "scoreGiven")
	rec := postGrade(t, env, body, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
