package launch

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/openacademy/lti-platform/internal/deeplink"
	"github.com/openacademy/lti-platform/internal/session"
)

var idTokenRe = regexp.MustCompile(`name="id_token" value="([^"]+)"`)

func doAuthorize(t *testing.T, env *testEnv, sess session.Session) *httptest.ResponseRecorder {
	t.Helper()
	q := url.Values{
		"client_id":        {env.srv.ToolClientID},
		"login_hint":       {sess.UserID},
		"nonce":            {sess.Nonce},
		"redirect_uri":     {"https://tool.example/lti/launch"},
		"state":            {sess.State},
		"lti_message_hint": {sess.State},
	}
	req := httptest.NewRequest(http.MethodGet, "/auth?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	env.srv.HandleAuthorize(rec, req)
	return rec
}

func extractIDToken(t *testing.T, body string) string {
	t.Helper()
	m := idTokenRe.FindStringSubmatch(body)
	if m == nil {
		t.Fatalf("no id_token field in response: %s", body)
	}
	return m[1]
}

func verifyIDToken(t *testing.T, raw string) jwt.MapClaims {
	t.Helper()
	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(tok *jwt.Token) (any, error) {
		return &testRSAKey.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		t.Fatalf("id_token verification: %v", err)
	}
	if kid, _ := tok.Header["kid"].(string); kid != "lti-test" {
		t.Fatalf("kid = %q, want lti-test", kid)
	}
	return claims
}

func loginAndGetSession(t *testing.T, env *testEnv, params url.Values) session.Session {
	t.Helper()
	rec := doLogin(t, env, params)
	if rec.Code != http.StatusFound {
		t.Fatalf("login status = %d: %s", rec.Code, rec.Body.String())
	}
	return env.sessions.only()
}

func TestAuthorizeUnknownState(t *testing.T) {
	env := newTestEnv()
	rec := doAuthorize(t, env, session.Session{
		State:  "never-issued",
		Nonce:  "n",
		UserID: "u1",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if idTokenRe.MatchString(rec.Body.String()) {
		t.Fatal("token issued for unknown state")
	}
}

func TestAuthorizeExpiredState(t *testing.T) {
	env := newTestEnv()
	sess := loginAndGetSession(t, env, instructorParams())

	env.sessions.now = func() time.Time { return time.Now().Add(session.TTL + time.Minute) }
	rec := doAuthorize(t, env, sess)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if idTokenRe.MatchString(rec.Body.String()) {
		t.Fatal("token issued for expired state")
	}
}

func TestAuthorizeMissingParams(t *testing.T) {
	env := newTestEnv()
	req := httptest.NewRequest(http.MethodGet, "/auth?client_id=tool-client&state=s", nil)
	rec := httptest.NewRecorder()
	env.srv.HandleAuthorize(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAuthorizeWrongClient(t *testing.T) {
	env := newTestEnv()
	sess := loginAndGetSession(t, env, instructorParams())

	q := url.Values{
		"client_id":    {"someone-else"},
		"login_hint":   {sess.UserID},
		"nonce":        {sess.Nonce},
		"redirect_uri": {"https://tool.example/lti/launch"},
		"state":        {sess.State},
	}
	req := httptest.NewRequest(http.MethodGet, "/auth?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	env.srv.HandleAuthorize(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestInstructorAuthorizeIssuesDeepLinkingRequest(t *testing.T) {
	env := newTestEnv()
	sess := loginAndGetSession(t, env, instructorParams())

	rec := doAuthorize(t, env, sess)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	claims := verifyIDToken(t, extractIDToken(t, rec.Body.String()))

	if claims[claimMessageType] != msgTypeDeepLink {
		t.Fatalf("message_type = %v, want %s", claims[claimMessageType], msgTypeDeepLink)
	}
	if claims["iss"] != env.srv.Issuer || claims["aud"] != env.srv.ToolClientID {
		t.Fatalf("iss/aud wrong: %v / %v", claims["iss"], claims["aud"])
	}
	if claims["nonce"] != sess.Nonce {
		t.Fatalf("nonce = %v, want session nonce", claims["nonce"])
	}
	if claims["sub"] != "u1" {
		t.Fatalf("sub = %v, want u1", claims["sub"])
	}

	ctxClaim, _ := claims[claimContext].(map[string]any)
	if ctxClaim == nil || ctxClaim["id"] != "101" {
		t.Fatalf("context claim = %v, want id 101", claims[claimContext])
	}

	settings, _ := claims[claimDLSettings].(map[string]any)
	if settings == nil {
		t.Fatal("missing deep-linking settings claim")
	}
	if settings["data"] != "course_101" {
		t.Fatalf("settings data = %v, want course_101", settings["data"])
	}
	if settings["deep_link_return_url"] != env.srv.Issuer+"/deepLinkReturn" {
		t.Fatalf("return url = %v", settings["deep_link_return_url"])
	}

	iat, _ := claims["iat"].(float64)
	exp, _ := claims["exp"].(float64)
	if exp-iat != 3600 {
		t.Fatalf("token lifetime = %v seconds, want 3600", exp-iat)
	}
}

func TestAuthorizeConsumesSession(t *testing.T) {
	env := newTestEnv()
	sess := loginAndGetSession(t, env, instructorParams())

	if rec := doAuthorize(t, env, sess); rec.Code != http.StatusOK {
		t.Fatalf("first auth status = %d", rec.Code)
	}
	rec := doAuthorize(t, env, sess)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("replayed auth status = %d, want 401", rec.Code)
	}
	if idTokenRe.MatchString(rec.Body.String()) {
		t.Fatal("token issued on replay")
	}
}

func TestStudentAuthorizeMissingDeepLink(t *testing.T) {
	env := newTestEnv()
	sess := loginAndGetSession(t, env, studentParams())

	rec := doAuthorize(t, env, sess)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if idTokenRe.MatchString(rec.Body.String()) {
		t.Fatal("token issued without a deep link record")
	}
}

func TestStudentAuthorizeWithLineItem(t *testing.T) {
	env := newTestEnv()
	env.deepLinks.records["XYZ"] = deeplink.Record{
		ResourceLinkID: "XYZ",
		Title:          "Quiz 1",
		URL:            "https://tool.example/launch?courseId=101&assessmentId=a9",
		Type:           "ltiResourceLink",
		CourseID:       "101",
		LineItem:       &deeplink.LineItem{ScoreMaximum: 100, Label: "Quiz 1"},
	}
	sess := loginAndGetSession(t, env, studentParams())

	rec := doAuthorize(t, env, sess)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	claims := verifyIDToken(t, extractIDToken(t, rec.Body.String()))

	if claims[claimMessageType] != msgTypeResourceLink {
		t.Fatalf("message_type = %v, want %s", claims[claimMessageType], msgTypeResourceLink)
	}
	if claims[claimTarget] != "https://tool.example/launch?courseId=101&assessmentId=a9" {
		t.Fatalf("target = %v", claims[claimTarget])
	}
	res, _ := claims[claimResource].(map[string]any)
	if res == nil || res["id"] != "XYZ" || res["title"] != "Quiz 1" {
		t.Fatalf("resource_link claim = %v", claims[claimResource])
	}
	roles, _ := claims[claimRoles].([]any)
	if len(roles) != 1 || roles[0] != roleLearnerURI {
		t.Fatalf("roles = %v", claims[claimRoles])
	}
	ags, _ := claims[claimAGSEndpoint].(map[string]any)
	if ags == nil {
		t.Fatalf("missing AGS endpoint claim: %v", claims[claimAGSEndpoint])
	}
	scores, _ := ags["scores"].(string)
	lineitem, _ := ags["lineitem"].(string)
	if !strings.Contains(scores, "resource_link_id=XYZ") || !strings.Contains(lineitem, "/lineitems/XYZ") {
		t.Fatalf("AGS endpoints wrong: scores=%q lineitem=%q", scores, lineitem)
	}
}

func TestStudentAuthorizeWithoutLineItemOmitsAGS(t *testing.T) {
	env := newTestEnv()
	env.deepLinks.records["XYZ"] = deeplink.Record{
		ResourceLinkID: "XYZ",
		Title:          "Reading",
		URL:            "https://tool.example/launch?courseId=101",
		Type:           "ltiResourceLink",
		CourseID:       "101",
	}
	sess := loginAndGetSession(t, env, studentParams())

	rec := doAuthorize(t, env, sess)
	claims := verifyIDToken(t, extractIDToken(t, rec.Body.String()))
	if _, ok := claims[claimAGSEndpoint]; ok {
		t.Fatal("AGS endpoint claim present without a line item")
	}
}

func TestContextTitleOverride(t *testing.T) {
	env := newTestEnv()
	_ = env.profiles.Set(nil, "course:101", "course_title", "Intro to Computing")
	sess := loginAndGetSession(t, env, instructorParams())

	rec := doAuthorize(t, env, sess)
	claims := verifyIDToken(t, extractIDToken(t, rec.Body.String()))
	ctxClaim, _ := claims[claimContext].(map[string]any)
	if ctxClaim["title"] != "Intro to Computing" {
		t.Fatalf("context title = %v, want override", ctxClaim["title"])
	}
}

func TestEnsureLearnerID(t *testing.T) {
	env := newTestEnv()
	ros := &fakeRoster{id: "ext-42"}
	env.srv.Roster = ros

	sess := session.Session{
		UserID:   "u1",
		CourseID: "101",
		Email:    "ada@example.edu",
		Role:     session.RoleStudent,
	}
	env.srv.ensureLearnerID(sess)

	if v, _ := env.profiles.Get(nil, "student:101:u1", "learner_id"); v != "ext-42" {
		t.Fatalf("learner_id = %q, want ext-42", v)
	}
	if v, _ := env.profiles.Get(nil, "student:101:u1", "refresh"); v != "true" {
		t.Fatalf("refresh = %q, want true", v)
	}

	// Second call is a no-op: the identifier is already recorded.
	env.srv.ensureLearnerID(sess)
	if len(ros.emails) != 1 {
		t.Fatalf("roster called %d times, want 1", len(ros.emails))
	}
}
