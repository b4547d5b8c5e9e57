package launch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/openacademy/lti-platform/internal/deeplink"
)

// contentItem is one entry of the tool's content_items claim.
type contentItem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	LineItem *struct {
		ScoreMaximum     float64 `json:"scoreMaximum"`
		Label            string  `json:"label"`
		Tag              string  `json:"tag"`
		SubmissionReview any     `json:"submissionReview"`
	} `json:"lineItem"`
}

var dlSuccessTpl = template.Must(template.New("dl").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>Content linked</title></head>
<body>
<p>Content linked. You can close this window.</p>
<script>
(function () {
  var target = window.opener || window.parent;
  if (target) {
    target.postMessage({subject: "lti.deep_linking.response.success", links: {{.Count}}}, "*");
  }
})();
</script>
</body></html>`))

// HandleDeepLinkReturn is Step C: the tool posts back a signed deep-linking
// response JWT carrying the instructor's content selection. The data claim
// must match a pending entry registered by the originating instructor login,
// so a replayed response token is rejected even though its signature is
// still valid.
func (s *Server) HandleDeepLinkReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw, err := extractResponseJWT(r)
	if err != nil {
		s.dlFail(ctx, w, http.StatusBadRequest, "missing deep-linking response token", nil)
		return
	}

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(raw, claims, s.toolKeyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(s.ToolClientID),
		jwt.WithAudience(s.Issuer),
	)
	if err != nil {
		s.dlFail(ctx, w, http.StatusUnauthorized, "deep-linking response verification failed",
			map[string]any{"error": err.Error()})
		return
	}
	if mt, _ := claims[claimMessageType].(string); mt != claimDLMessageType {
		s.dlFail(ctx, w, http.StatusBadRequest, "unexpected message type", map[string]any{"message_type": claims[claimMessageType]})
		return
	}
	data, _ := claims[claimDLData].(string)
	if data == "" {
		s.dlFail(ctx, w, http.StatusBadRequest, "response is missing the data correlation claim", nil)
		return
	}

	pendingCourse, err := s.DeepLinks.ConsumePending(ctx, data)
	if err != nil {
		if errors.Is(err, deeplink.ErrNoPending) {
			s.dlFail(ctx, w, http.StatusUnauthorized, "no pending deep-linking exchange for this response",
				map[string]any{"data": data})
			return
		}
		s.Logger.Error().Err(err).Msg("pending deep link consume failed")
		s.dlFail(ctx, w, http.StatusInternalServerError, "could not process deep-linking response", nil)
		return
	}

	items, err := parseContentItems(claims[claimDLContent])
	if err != nil {
		s.dlFail(ctx, w, http.StatusBadRequest, "malformed content_items claim", map[string]any{"error": err.Error()})
		return
	}

	var recs []deeplink.Record
	for _, item := range items {
		if item.Type != "" && item.Type != "ltiResourceLink" {
			continue
		}
		rec, err := s.recordFromItem(data, pendingCourse, item)
		if err != nil {
			s.dlFail(ctx, w, http.StatusBadRequest, "invalid content item", map[string]any{"error": err.Error()})
			return
		}
		recs = append(recs, rec)
	}

	// The pending entry is already consumed, so a half-written selection could
	// never be retried; the registry writes the whole batch or nothing.
	if err := s.DeepLinks.UpsertAll(ctx, recs); err != nil {
		s.Logger.Error().Err(err).Msg("deep link upsert failed")
		s.dlFail(ctx, w, http.StatusInternalServerError, "could not store content links", nil)
		return
	}
	count := len(recs)

	s.step("deeplink_return", "ok")
	s.record(ctx, "deeplink_return", map[string]any{
		"data":      data,
		"course_id": pendingCourse,
		"links":     count,
	}, true)
	s.Logger.Info().Str("data", data).Int("links", count).Msg("deep-linking response accepted")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = dlSuccessTpl.Execute(w, map[string]any{"Count": count})
}

func (s *Server) dlFail(ctx context.Context, w http.ResponseWriter, status int, msg string, details map[string]any) {
	s.step("deeplink_return", "error")
	if details == nil {
		details = map[string]any{}
	}
	details["error_message"] = msg
	s.record(ctx, "deeplink_return", details, false)
	writeHTMLErr(w, status, msg)
}

func (s *Server) toolKeyfunc(t *jwt.Token) (any, error) {
	if s.ToolPublicKey == nil {
		return nil, errors.New("tool public key not configured")
	}
	return s.ToolPublicKey, nil
}

// extractResponseJWT accepts the JSON body {"JWT": "..."} the tool's picker
// sends, plus the form-encoded JWT/id_token variants some tools emit.
func extractResponseJWT(r *http.Request) (string, error) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") {
		var body struct {
			JWT string `json:"JWT"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return "", fmt.Errorf("decode body: %w", err)
		}
		if body.JWT == "" {
			return "", errors.New("empty JWT field")
		}
		return body.JWT, nil
	}
	if err := r.ParseForm(); err != nil {
		return "", fmt.Errorf("parse form: %w", err)
	}
	for _, name := range []string{"JWT", "jwt", "id_token"} {
		if v := r.Form.Get(name); v != "" {
			return v, nil
		}
	}
	return "", errors.New("no token parameter")
}

func parseContentItems(claim any) ([]contentItem, error) {
	if claim == nil {
		return nil, errors.New("content_items claim absent")
	}
	// Round-trip through JSON: the claim arrives as []any of map[string]any.
	raw, err := json.Marshal(claim)
	if err != nil {
		return nil, err
	}
	var items []contentItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, errors.New("content_items claim empty")
	}
	return items, nil
}

func (s *Server) recordFromItem(resourceLinkID, fallbackCourse string, item contentItem) (deeplink.Record, error) {
	if item.URL == "" {
		return deeplink.Record{}, errors.New("content item has no url")
	}
	courseID, assessmentID, err := deeplink.ParseContentURL(item.URL)
	if err != nil {
		return deeplink.Record{}, err
	}
	if courseID == "" {
		courseID = fallbackCourse
	}
	typ := item.Type
	if typ == "" {
		typ = "ltiResourceLink"
	}
	rec := deeplink.Record{
		ResourceLinkID: resourceLinkID,
		Title:          item.Title,
		URL:            item.URL,
		Type:           typ,
		CourseID:       courseID,
		AssessmentID:   assessmentID,
	}
	if li := item.LineItem; li != nil {
		review := ""
		if li.SubmissionReview != nil {
			if str, ok := li.SubmissionReview.(string); ok {
				review = str
			} else if b, err := json.Marshal(li.SubmissionReview); err == nil {
				review = string(b)
			}
		}
		rec.LineItem = &deeplink.LineItem{
			ScoreMaximum:     li.ScoreMaximum,
			Label:            li.Label,
			Tag:              li.Tag,
			SubmissionReview: review,
		}
	}
	return rec, nil
}
