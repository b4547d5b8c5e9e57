package launch

import (
	"net/http"
	"net/url"

	"github.com/openacademy/lti-platform/internal/session"
)

// loginParams are the LMS-side launch parameters. Launch requests come from
// the platform's own UI, so they arrive as query or form values rather than
// a signed message.
type loginParams struct {
	UserID           string `validate:"required"`
	CourseID         string `validate:"required"`
	Role             string `validate:"required,oneof=instructor student"`
	DeepLinkID       string `validate:"required_if=Role student"`
	FirstName        string `validate:"required"`
	LastName         string `validate:"required"`
	Email            string `validate:"required,email"`
	AllowDirectLogin bool
}

// HandleLogin is Step A: third-party-initiated OIDC login. It mints a launch
// session keyed by a fresh state token and redirects the browser to the
// tool's login initiation endpoint.
func (s *Server) HandleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		s.step("login", "error")
		writeErr(w, http.StatusBadRequest, "malformed request")
		return
	}
	p := loginParams{
		UserID:           r.Form.Get("user_id"),
		CourseID:         r.Form.Get("course_id"),
		Role:             r.Form.Get("role"),
		DeepLinkID:       r.Form.Get("deep_link_id"),
		FirstName:        r.Form.Get("firstname"),
		LastName:         r.Form.Get("lastname"),
		Email:            r.Form.Get("email"),
		AllowDirectLogin: r.Form.Get("allow_direct_login") == "true",
	}
	if p.Role == "" {
		p.Role = string(session.RoleStudent)
	}
	if err := validate.Struct(p); err != nil {
		s.step("login", "invalid")
		s.record(ctx, "login", map[string]any{
			"user_id":   p.UserID,
			"course_id": p.CourseID,
			"role":      p.Role,
			"error":     err.Error(),
		}, false)
		writeErr(w, http.StatusBadRequest, "missing or invalid launch parameters")
		return
	}

	// Opportunistic cleanup; expired sessions are also rejected on read.
	if n, err := s.Sessions.SweepExpired(ctx); err != nil {
		s.Logger.Warn().Err(err).Msg("session sweep failed")
	} else if n > 0 {
		s.Logger.Debug().Int64("swept", n).Msg("expired launch sessions removed")
	}

	// Instructors land on the course-level deep-linking entry; students land
	// on the specific placement they selected.
	resourceLinkID := "course_" + p.CourseID
	if p.Role == string(session.RoleStudent) {
		resourceLinkID = p.DeepLinkID
	}

	now := s.now()
	sess := session.Session{
		State:            session.NewToken(),
		Nonce:            session.NewToken(),
		UserID:           p.UserID,
		Role:             session.Role(p.Role),
		CourseID:         p.CourseID,
		ResourceLinkID:   resourceLinkID,
		DeepLinkID:       p.DeepLinkID,
		FirstName:        p.FirstName,
		LastName:         p.LastName,
		Email:            p.Email,
		AllowDirectLogin: p.AllowDirectLogin,
		CreatedAt:        now,
		ExpiresAt:        now.Add(session.TTL),
	}
	if err := s.Sessions.Create(ctx, sess); err != nil {
		s.Logger.Error().Err(err).Msg("launch session create failed")
		s.step("login", "error")
		s.record(ctx, "login", map[string]any{"user_id": p.UserID, "course_id": p.CourseID}, false)
		writeErr(w, http.StatusInternalServerError, "could not create launch session")
		return
	}

	// An instructor launch may produce a deep-linking response later; register
	// the data token now so the return leg can prove it originated here.
	if sess.Role == session.RoleInstructor {
		data := sess.DeepLinkID
		if data == "" {
			data = sess.ResourceLinkID
		}
		if err := s.DeepLinks.RegisterPending(ctx, data, sess.CourseID); err != nil {
			s.Logger.Error().Err(err).Msg("pending deep link registration failed")
			s.step("login", "error")
			writeErr(w, http.StatusInternalServerError, "could not register deep link")
			return
		}
	}

	// Standard OIDC third-party-initiated-login parameters. lti_message_hint
	// carries the state so the tool can echo it back on the auth request.
	q := url.Values{}
	q.Set("iss", s.Issuer)
	q.Set("login_hint", sess.UserID)
	q.Set("client_id", s.ToolClientID)
	q.Set("lti_message_hint", sess.State)
	q.Set("scope", "openid")
	q.Set("response_type", "id_token")
	q.Set("response_mode", "form_post")
	q.Set("nonce", sess.Nonce)
	q.Set("state", sess.State)
	q.Set("prompt", "none")
	q.Set("lti_deployment_id", s.DeploymentID)
	redirect := s.ToolOIDCLoginURL + "?" + q.Encode()

	s.step("login", "ok")
	s.record(ctx, "login", map[string]any{
		"user_id":          sess.UserID,
		"course_id":        sess.CourseID,
		"role":             string(sess.Role),
		"resource_link_id": sess.ResourceLinkID,
	}, true)
	s.Logger.Info().
		Str("user_id", sess.UserID).
		Str("course_id", sess.CourseID).
		Str("role", string(sess.Role)).
		Msg("launch initiated")

	http.Redirect(w, r, redirect, http.StatusFound)
}
