package launch

import (
	"net/http"
	"time"

	"github.com/openacademy/lti-platform/internal/deeplink"
)

type linkItem struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	URL          string        `json:"url"`
	Type         string        `json:"type"`
	CourseID     string        `json:"courseId"`
	AssessmentID string        `json:"assessmentId,omitempty"`
	LineItem     *lineItemJSON `json:"lineItem,omitempty"`
	CreatedAt    string        `json:"createdAt"`
}

type lineItemJSON struct {
	ScoreMaximum     float64 `json:"scoreMaximum"`
	Label            string  `json:"label,omitempty"`
	Tag              string  `json:"tag,omitempty"`
	SubmissionReview string  `json:"submissionReview,omitempty"`
}

// HandleLinks is Step E: list the deep-linked content for a course, for the
// authoring UI.
func (s *Server) HandleLinks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	courseID := r.URL.Query().Get("courseId")
	if courseID == "" {
		s.step("links", "invalid")
		writeErr(w, http.StatusBadRequest, "courseId is required")
		return
	}
	recs, err := s.DeepLinks.ListByCourse(ctx, courseID)
	if err != nil {
		s.Logger.Error().Err(err).Str("course_id", courseID).Msg("deep link listing failed")
		s.step("links", "error")
		writeErr(w, http.StatusInternalServerError, "could not list links")
		return
	}

	items := make([]linkItem, 0, len(recs))
	for _, rec := range recs {
		items = append(items, toLinkItem(rec))
	}
	s.step("links", "ok")
	writeJSON(w, http.StatusOK, map[string]any{
		"links":   items,
		"message": "ok",
	})
}

func toLinkItem(rec deeplink.Record) linkItem {
	item := linkItem{
		ID:           rec.ResourceLinkID,
		Title:        rec.Title,
		URL:          rec.URL,
		Type:         rec.Type,
		CourseID:     rec.CourseID,
		AssessmentID: rec.AssessmentID,
		CreatedAt:    rec.CreatedAt.UTC().Format(time.RFC3339),
	}
	if rec.LineItem != nil {
		item.LineItem = &lineItemJSON{
			ScoreMaximum:     rec.LineItem.ScoreMaximum,
			Label:            rec.LineItem.Label,
			Tag:              rec.LineItem.Tag,
			SubmissionReview: rec.LineItem.SubmissionReview,
		}
	}
	return item
}
