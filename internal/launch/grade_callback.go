package launch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/openacademy/lti-platform/internal/grade"
)

// scorePayload is the AGS-style score body posted by the tool.
type scorePayload struct {
	UserID           string   `json:"userId"`
	ScoreGiven       *float64 `json:"scoreGiven"`
	ScoreMaximum     float64  `json:"scoreMaximum"`
	Timestamp        string   `json:"timestamp"`
	ActivityProgress string   `json:"activityProgress"`
	GradingProgress  string   `json:"gradingProgress"`
	Comment          string   `json:"comment"`
}

// HandleGradeCallback is Step D: the tool reports a score for one
// (resource link, user) pair. Last write wins; no history is kept.
//
// The bearer token is only checked for presence and the resource link is
// taken from the Referer header. Both are weaknesses inherited from the
// current tool integration; tightening them breaks the deployed tool, so
// they stay until the tool publishes a verifiable JWKS for its callbacks.
func (s *Server) HandleGradeCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	authz := r.Header.Get("Authorization")
	token := strings.TrimPrefix(authz, "Bearer ")
	if authz == "" || token == authz || strings.TrimSpace(token) == "" {
		s.gradeFail(ctx, w, http.StatusUnauthorized, "missing bearer token", nil)
		return
	}

	// The Referer stays primary for the deployed tool, but the AGS endpoint
	// claim advertises this URL with resource_link_id in the query string, so
	// a tool that posts there without a matching Referer must still resolve.
	resourceLinkID := resourceLinkFromReferer(r.Header.Get("Referer"))
	if resourceLinkID == "" {
		resourceLinkID = r.URL.Query().Get("resource_link_id")
	}
	if resourceLinkID == "" {
		s.gradeFail(ctx, w, http.StatusBadRequest, "could not determine resource link", nil)
		return
	}

	var p scorePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.gradeFail(ctx, w, http.StatusBadRequest, "malformed score payload", nil)
		return
	}
	if p.UserID == "" || p.ScoreGiven == nil {
		s.gradeFail(ctx, w, http.StatusBadRequest, "userId and scoreGiven are required",
			map[string]any{"resource_link_id": resourceLinkID})
		return
	}

	rec := grade.Record{
		ResourceLinkID:   resourceLinkID,
		UserID:           p.UserID,
		Score:            *p.ScoreGiven,
		MaxScore:         p.ScoreMaximum,
		Timestamp:        p.Timestamp,
		ActivityProgress: p.ActivityProgress,
		GradingProgress:  p.GradingProgress,
		Comment:          p.Comment,
	}
	if err := s.Grades.Upsert(ctx, rec); err != nil {
		s.Logger.Error().Err(err).Msg("grade upsert failed")
		s.gradeFail(ctx, w, http.StatusInternalServerError, "could not store grade", nil)
		return
	}

	s.step("grade", "ok")
	s.record(ctx, "grade", map[string]any{
		"resource_link_id": resourceLinkID,
		"user_id":          p.UserID,
		"score":            *p.ScoreGiven,
		"max_score":        p.ScoreMaximum,
	}, true)
	s.Logger.Info().
		Str("resource_link_id", resourceLinkID).
		Str("user_id", p.UserID).
		Float64("score", *p.ScoreGiven).
		Msg("grade recorded")

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) gradeFail(ctx context.Context, w http.ResponseWriter, status int, msg string, details map[string]any) {
	s.step("grade", "error")
	if details == nil {
		details = map[string]any{}
	}
	details["error"] = msg
	s.record(ctx, "grade", details, false)
	writeErr(w, status, msg)
}

// resourceLinkFromReferer pulls resource_link_id out of the Referer URL's
// query string.
func resourceLinkFromReferer(referer string) string {
	if referer == "" {
		return ""
	}
	u, err := url.Parse(referer)
	if err != nil {
		return ""
	}
	return u.Query().Get("resource_link_id")
}
