package launch

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/openacademy/lti-platform/internal/deeplink"
	"github.com/openacademy/lti-platform/internal/profile"
	"github.com/openacademy/lti-platform/internal/session"
)

// HandleAuthorize is Step B: the tool redirects the browser back here with
// the state from Step A, and the platform answers with a signed LTI id_token
// delivered through a self-submitting form post.
func (s *Server) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	started := s.now()

	q := r.URL.Query()
	clientID := q.Get("client_id")
	loginHint := q.Get("login_hint")
	nonce := q.Get("nonce")
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")
	msgHint := q.Get("lti_message_hint")

	if clientID == "" || loginHint == "" || nonce == "" || redirectURI == "" || state == "" {
		s.authFail(ctx, w, http.StatusBadRequest, "missing required authorization parameters", nil)
		return
	}
	if clientID != s.ToolClientID {
		s.authFail(ctx, w, http.StatusUnauthorized, "unknown client_id", map[string]any{"client_id": clientID})
		return
	}
	if !isHTTPURL(redirectURI) {
		s.authFail(ctx, w, http.StatusBadRequest, "invalid redirect_uri", nil)
		return
	}

	// The message hint carries the state token issued at login; some tools
	// omit it and echo only the state parameter, which holds the same value.
	hint := msgHint
	if hint == "" {
		hint = state
	}
	sess, err := s.Sessions.Get(ctx, hint)
	if err != nil {
		status := http.StatusInternalServerError
		msg := "session lookup failed"
		switch {
		case errors.Is(err, session.ErrNotFound):
			status, msg = http.StatusUnauthorized, "unknown or already used launch session"
		case errors.Is(err, session.ErrExpired):
			status, msg = http.StatusUnauthorized, "launch session expired"
		}
		s.authFail(ctx, w, status, msg, map[string]any{"state": hint})
		return
	}

	// Best-effort roster enrichment for students. Runs detached so a slow or
	// broken roster service can never delay or fail token issuance.
	if sess.Role == session.RoleStudent && s.Roster != nil {
		go s.ensureLearnerID(sess)
	}

	claims, err := s.buildClaims(ctx, sess, clientID, loginHint)
	if err != nil {
		if errors.Is(err, deeplink.ErrNotFound) {
			s.authFail(ctx, w, http.StatusNotFound, "deep link not found",
				map[string]any{"deep_link_id": sess.DeepLinkID})
			return
		}
		s.Logger.Error().Err(err).Msg("claim construction failed")
		s.authFail(ctx, w, http.StatusInternalServerError, "could not build launch claims", nil)
		return
	}

	kp, err := s.Keys.GetOrCreate(ctx)
	if err != nil {
		s.Logger.Error().Err(err).Msg("signing key unavailable")
		s.authFail(ctx, w, http.StatusInternalServerError, "signing key unavailable", nil)
		return
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kp.KID
	idToken, err := tok.SignedString(kp.Private)
	if err != nil {
		s.Logger.Error().Err(err).Msg("id_token signing failed")
		s.authFail(ctx, w, http.StatusInternalServerError, "token signing failed", nil)
		return
	}

	// Single use: consume before responding. Losing a concurrent race here
	// means another request already issued a token for this state.
	if err := s.Sessions.Consume(ctx, sess.State); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			s.authFail(ctx, w, http.StatusUnauthorized, "launch session already used", nil)
			return
		}
		s.Logger.Error().Err(err).Msg("session consume failed")
		s.authFail(ctx, w, http.StatusInternalServerError, "could not finalize launch session", nil)
		return
	}

	s.step("auth", "ok")
	if s.Metrics != nil {
		s.Metrics.ObserveIssueLatency(s.now().Sub(started))
	}
	s.record(ctx, "auth", map[string]any{
		"user_id":          sess.UserID,
		"course_id":        sess.CourseID,
		"role":             string(sess.Role),
		"resource_link_id": sess.ResourceLinkID,
		"message_type":     claims[claimMessageType],
		"kid":              kp.KID,
	}, true)
	s.Logger.Info().
		Str("user_id", sess.UserID).
		Str("course_id", sess.CourseID).
		Str("role", string(sess.Role)).
		Msg("id_token issued")

	writeFormPost(w, redirectURI, idToken, state)
}

func (s *Server) authFail(ctx context.Context, w http.ResponseWriter, status int, msg string, details map[string]any) {
	s.step("auth", "error")
	if details == nil {
		details = map[string]any{}
	}
	details["error"] = msg
	s.record(ctx, "auth", details, false)
	writeHTMLErr(w, status, msg)
}

// buildClaims assembles the full LTI message claim set for the session.
func (s *Server) buildClaims(ctx context.Context, sess session.Session, clientID, loginHint string) (jwt.MapClaims, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"iss":   s.Issuer,
		"aud":   clientID,
		"sub":   loginHint,
		"iat":   now.Unix(),
		"exp":   now.Add(s.tokenTTL()).Unix(),
		"nonce": sess.Nonce,

		"given_name":  sess.FirstName,
		"family_name": sess.LastName,
		"name":        sess.FirstName + " " + sess.LastName,
		"email":       sess.Email,

		claimVersion:    "1.3.0",
		claimDeployment: s.DeploymentID,
		claimRoles:      []string{roleURI(sess.Role)},
		claimLIS: map[string]any{
			"person_sourcedid":         sess.UserID,
			"course_section_sourcedid": sess.CourseID,
		},
		claimContext: s.contextClaim(ctx, sess.CourseID),
		claimToolPlat: map[string]any{
			"guid":                s.PlatformGUID,
			"name":                s.PlatformName,
			"version":             s.PlatformVersion,
			"product_family_code": "openacademy",
		},
		claimCustom: map[string]any{
			"launch_key":         correlationKey(sess.CourseID, sess.UserID),
			"platform_guid":      s.PlatformGUID,
			"allow_direct_login": sess.AllowDirectLogin,
		},
	}

	switch sess.Role {
	case session.RoleInstructor:
		data := sess.DeepLinkID
		if data == "" {
			data = sess.ResourceLinkID
		}
		claims[claimMessageType] = msgTypeDeepLink
		claims[claimTarget] = s.ToolLaunchURL
		claims[claimDLSettings] = map[string]any{
			"deep_link_return_url":                 s.issuerURL("/deepLinkReturn"),
			"accept_types":                         []string{"ltiResourceLink"},
			"accept_presentation_document_targets": []string{"iframe", "window"},
			"accept_multiple":                      false,
			"auto_create":                          true,
			"data":                                 data,
		}
	default:
		rec, err := s.DeepLinks.Get(ctx, sess.DeepLinkID)
		if err != nil {
			return nil, err
		}
		claims[claimMessageType] = msgTypeResourceLink
		claims[claimTarget] = rec.URL
		claims[claimResource] = map[string]any{
			"id":    sess.ResourceLinkID,
			"title": rec.Title,
		}
		if rec.LineItem != nil {
			rl := sess.ResourceLinkID
			claims[claimAGSEndpoint] = map[string]any{
				"scope":    []string{scopeScore, scopeLineItemRead, scopeResultReadOnly},
				"lineitem": s.issuerURL("/lineitems/" + url.PathEscape(rl)),
				"scores":   s.issuerURL("/gradeCallback?resource_link_id=" + url.QueryEscape(rl)),
			}
		}
	}
	return claims, nil
}

// contextClaim builds the course context, preferring a stored display-title
// override when the profile store has one.
func (s *Server) contextClaim(ctx context.Context, courseID string) map[string]any {
	title := "Course " + courseID
	if s.Profiles != nil {
		if v, err := s.Profiles.Get(ctx, profile.CourseScope(courseID), profile.KeyCourseTitle); err == nil && v != "" {
			title = v
		}
	}
	return map[string]any{
		"id":    courseID,
		"label": title,
		"title": title,
	}
}

func roleURI(r session.Role) string {
	if r == session.RoleInstructor {
		return roleInstructorURI
	}
	return roleLearnerURI
}

// ensureLearnerID fetches the external learner identifier for the student if
// one is not yet recorded, then flips the refresh toggle so downstream
// consumers re-read the profile. Any failure is logged and dropped.
func (s *Server) ensureLearnerID(sess session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	scope := profile.StudentScope(sess.CourseID, sess.UserID)
	if _, err := s.Profiles.Get(ctx, scope, profile.KeyLearnerID); err == nil {
		return
	} else if !errors.Is(err, profile.ErrNotFound) {
		s.Logger.Warn().Err(err).Str("user_id", sess.UserID).Msg("learner id read failed")
		return
	}

	id, err := s.Roster.LookupLearnerID(ctx, sess.Email)
	if err != nil {
		s.Logger.Warn().Err(err).Str("user_id", sess.UserID).Msg("roster lookup failed")
		s.record(ctx, "roster_lookup", map[string]any{
			"user_id":   sess.UserID,
			"course_id": sess.CourseID,
			"error":     err.Error(),
		}, false)
		return
	}
	if err := s.Profiles.Set(ctx, scope, profile.KeyLearnerID, id); err != nil {
		s.Logger.Warn().Err(err).Msg("learner id write failed")
		return
	}
	if err := s.Profiles.Set(ctx, scope, profile.KeyRefresh, "true"); err != nil {
		s.Logger.Warn().Err(err).Msg("refresh toggle write failed")
	}
	s.record(ctx, "roster_lookup", map[string]any{
		"user_id":    sess.UserID,
		"course_id":  sess.CourseID,
		"learner_id": id,
	}, true)
}
