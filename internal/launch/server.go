package launch

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/openacademy/lti-platform/internal/deeplink"
	"github.com/openacademy/lti-platform/internal/grade"
	"github.com/openacademy/lti-platform/internal/keys"
	"github.com/openacademy/lti-platform/internal/session"
)

/*
LTI 1.3 launch protocol engine (Platform side).

The engine drives the whole handshake with the external tool:

  Step A  /login           third-party-initiated OIDC login: create a
                           LaunchSession and redirect to the tool
  Step B  /auth            validate correlation state, mint the RS256
                           id_token, respond via form_post
  Step C  /deepLinkReturn  verify the tool's deep-linking response JWT and
                           persist the selected content
  Step D  /gradeCallback   accept the tool's score callback
  Step E  /links           list deep-linked content for a course

Each step is a stateless handler; the only shared mutable state lives in the
stores the Server composes. Every step writes an audit entry, success or not.
*/

// Claim URIs from the IMS LTI 1.3 / Deep Linking specs.
const (
	claimMessageType = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	claimVersion     = "https://purl.imsglobal.org/spec/lti/claim/version"
	claimDeployment  = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	claimTarget      = "https://purl.imsglobal.org/spec/lti/claim/target_link_uri"
	claimContext     = "https://purl.imsglobal.org/spec/lti/claim/context"
	claimResource    = "https://purl.imsglobal.org/spec/lti/claim/resource_link"
	claimRoles       = "https://purl.imsglobal.org/spec/lti/claim/roles"
	claimToolPlat    = "https://purl.imsglobal.org/spec/lti/claim/tool_platform"
	claimLIS         = "https://purl.imsglobal.org/spec/lti/claim/lis"
	claimCustom      = "https://purl.imsglobal.org/spec/lti/claim/custom"

	claimAGSEndpoint = "https://purl.imsglobal.org/spec/lti-ags/claim/endpoint"

	claimDLSettings    = "https://purl.imsglobal.org/spec/lti-dl/claim/deep_linking_settings"
	claimDLContent     = "https://purl.imsglobal.org/spec/lti-dl/claim/content_items"
	claimDLData        = "https://purl.imsglobal.org/spec/lti-dl/claim/data"
	claimDLMessageType = "LtiDeepLinkingResponse"

	msgTypeResourceLink = "LtiResourceLinkRequest"
	msgTypeDeepLink     = "LtiDeepLinkingRequest"

	roleInstructorURI = "http://purl.imsglobal.org/vocab/lis/v2/membership#Instructor"
	roleLearnerURI    = "http://purl.imsglobal.org/vocab/lis/v2/membership#Learner"

	scopeScore          = "https://purl.imsglobal.org/spec/lti-ags/scope/score"
	scopeLineItemRead   = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem.readonly"
	scopeResultReadOnly = "https://purl.imsglobal.org/spec/lti-ags/scope/result.readonly"
)

// ---------- Dependencies ------------------------------------------------------

// Keys provisions and returns the platform signing keypair.
type Keys interface {
	GetOrCreate(ctx context.Context) (keys.KeyPair, error)
}

// Sessions is the launch-session correlation store.
type Sessions interface {
	Create(ctx context.Context, s session.Session) error
	Get(ctx context.Context, state string) (session.Session, error)
	Consume(ctx context.Context, state string) error
	SweepExpired(ctx context.Context) (int64, error)
}

// DeepLinks is the durable content-placement registry. UpsertAll must be
// atomic: either every record in the batch lands or none do.
type DeepLinks interface {
	UpsertAll(ctx context.Context, recs []deeplink.Record) error
	Get(ctx context.Context, resourceLinkID string) (deeplink.Record, error)
	ListByCourse(ctx context.Context, courseID string) ([]deeplink.Record, error)
	RegisterPending(ctx context.Context, data, courseID string) error
	ConsumePending(ctx context.Context, data string) (string, error)
}

// Grades persists tool-reported scores.
type Grades interface {
	Upsert(ctx context.Context, rec grade.Record) error
}

// Profiles is the external student-profile key/value store.
type Profiles interface {
	Get(ctx context.Context, scope, key string) (string, error)
	Set(ctx context.Context, scope, key, value string) error
}

// Roster is the external roster/identifier-lookup collaborator.
type Roster interface {
	LookupLearnerID(ctx context.Context, email string) (string, error)
}

// Auditor appends protocol audit entries. Implementations must not fail the
// calling step.
type Auditor interface {
	Record(ctx context.Context, typ string, details map[string]any, success bool)
}

// Metrics counts protocol steps and observes issuance latency. Optional.
type Metrics interface {
	RecordStep(step, result string)
	ObserveIssueLatency(d time.Duration)
}

// ---------- Server ------------------------------------------------------------

// Server composes the stores and collaborators behind the protocol handlers.
type Server struct {
	Keys      Keys
	Sessions  Sessions
	DeepLinks DeepLinks
	Grades    Grades
	Profiles  Profiles
	Roster    Roster
	Audit     Auditor
	Metrics   Metrics

	// Issuer is the platform's public base URL (also the `iss` claim).
	Issuer string

	// Static single-tool registration.
	ToolClientID     string
	ToolOIDCLoginURL string // tool's OIDC login initiation endpoint
	ToolLaunchURL    string // course-level entry point (instructor target)
	ToolPublicKey    *rsa.PublicKey
	ToolSecretHash   string // bcrypt hash (or plain for dev) for /oauth/token

	// tool_platform claim metadata.
	DeploymentID    string
	PlatformName    string
	PlatformVersion string
	PlatformGUID    string

	Logger zerolog.Logger

	// Optional knobs
	Now      func() time.Time
	TokenTTL time.Duration // id_token lifetime, default 1 hour
}

var validate = validator.New()

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Server) tokenTTL() time.Duration {
	if s.TokenTTL > 0 {
		return s.TokenTTL
	}
	return time.Hour
}

func (s *Server) step(name, result string) {
	if s.Metrics != nil {
		s.Metrics.RecordStep(name, result)
	}
}

func (s *Server) record(ctx context.Context, typ string, details map[string]any, success bool) {
	if s.Audit != nil {
		s.Audit.Record(ctx, typ, details, success)
	}
}

// issuerURL joins path onto the platform issuer.
func (s *Server) issuerURL(path string) string {
	return strings.TrimSuffix(s.Issuer, "/") + path
}

// correlationKey derives the platform-custom claim's opaque launch key.
func correlationKey(courseID, userID string) string {
	sum := sha256.Sum256([]byte(courseID + "|" + userID))
	return hex.EncodeToString(sum[:8])
}

// ---------- Response helpers --------------------------------------------------

type errPayload struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errPayload{Error: msg})
}

var errPageTpl = template.Must(template.New("err").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>Launch failed</title></head>
<body>
<h1>Launch failed</h1>
<p>{{.Message}}</p>
</body></html>`))

// writeHTMLErr renders a human-readable error page for the browser-rendered
// steps (auth, deep-link return).
func writeHTMLErr(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = errPageTpl.Execute(w, map[string]string{"Message": msg})
}

var formPostTpl = template.Must(template.New("fp").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>LTI Launch</title></head>
<body onload="document.forms[0].submit()">
<form method="post" action="{{.Action}}">
  <input type="hidden" name="id_token" value="{{.JWT}}">
  <input type="hidden" name="state" value="{{.State}}">
  <noscript><button type="submit">Continue</button></noscript>
</form>
</body></html>`))

// writeFormPost responds with a minimal self-submitting form that POSTs the
// id_token and state to the tool. A front-channel form post, not a redirect,
// because the target may be cross-site.
func writeFormPost(w http.ResponseWriter, actionURL, idToken, state string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = formPostTpl.Execute(w, map[string]string{
		"Action": actionURL,
		"JWT":    idToken,
		"State":  state,
	})
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}
