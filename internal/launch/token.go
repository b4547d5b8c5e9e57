package launch

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

/*
OAuth 2.0 token endpoint.

The tool obtains Bearer access tokens here before calling back into the
platform (grade submission and related AGS reads). Only
grant_type=client_credentials with client_secret_post authentication is
supported; the single static tool registration supplies the secret hash.

Error responses use RFC 6749 fields: {"error":"...", "error_description":"..."}.
*/

const (
	oauthErrInvalidRequest       = "invalid_request"
	oauthErrInvalidClient        = "invalid_client"
	oauthErrUnsupportedGrantType = "unsupported_grant_type"
	oauthErrInvalidScope         = "invalid_scope"
)

// knownScopes are the AGS scopes this platform grants.
var knownScopes = []string{
	scopeScore,
	scopeLineItemRead,
	scopeResultReadOnly,
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// HandleToken serves POST /oauth/token.
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	if ct := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Type"))); !strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
		writeOAuthError(w, http.StatusBadRequest, oauthErrInvalidRequest, "content-type must be application/x-www-form-urlencoded")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, oauthErrInvalidRequest, "bad form")
		return
	}
	if grant := r.PostFormValue("grant_type"); grant != "client_credentials" {
		writeOAuthError(w, http.StatusBadRequest, oauthErrUnsupportedGrantType, "only client_credentials supported")
		return
	}

	clientID := strings.TrimSpace(r.PostFormValue("client_id"))
	clientSecret := r.PostFormValue("client_secret")
	if clientID == "" || clientSecret == "" {
		writeOAuthError(w, http.StatusUnauthorized, oauthErrInvalidClient, "missing client authentication")
		return
	}
	if clientID != s.ToolClientID {
		writeOAuthError(w, http.StatusUnauthorized, oauthErrInvalidClient, "unknown client")
		return
	}
	if err := verifySecret(s.ToolSecretHash, clientSecret); err != nil {
		s.step("token", "denied")
		s.record(r.Context(), "token", map[string]any{"client_id": clientID}, false)
		writeOAuthError(w, http.StatusUnauthorized, oauthErrInvalidClient, "invalid client_secret")
		return
	}

	requested := strings.Fields(r.PostFormValue("scope"))
	granted := intersectScopes(requested, knownScopes)
	if len(granted) == 0 && len(requested) > 0 {
		writeOAuthError(w, http.StatusBadRequest, oauthErrInvalidScope, "requested scopes not allowed")
		return
	}
	if len(granted) == 0 {
		granted = knownScopes
	}

	now := s.now()
	ttl := s.tokenTTL()
	claims := jwt.MapClaims{
		"iss":       s.Issuer,
		"sub":       clientID,
		"aud":       s.issuerURL("/oauth/token"),
		"iat":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
		"jti":       randHex(20),
		"client_id": clientID,
		"scope":     strings.Join(granted, " "),
		"typ":       "access",
	}

	kp, err := s.Keys.GetOrCreate(r.Context())
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, oauthErrInvalidRequest, "signing key unavailable")
		return
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kp.KID
	access, err := tok.SignedString(kp.Private)
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, oauthErrInvalidRequest, "signing failed")
		return
	}

	s.step("token", "ok")
	s.record(r.Context(), "token", map[string]any{
		"client_id": clientID,
		"scope":     strings.Join(granted, " "),
	}, true)

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ttl.Seconds()),
		Scope:       strings.Join(granted, " "),
	})
}

var (
	errNoSecret       = errors.New("no client_secret configured")
	errSecretMismatch = errors.New("secret mismatch")
)

// verifySecret accepts either a bcrypt hash (prefix "$2") or raw equality
// for dev setups.
func verifySecret(storedHash, provided string) error {
	stored := strings.TrimSpace(storedHash)
	if stored == "" {
		return errNoSecret
	}
	if strings.HasPrefix(stored, "$2a$") || strings.HasPrefix(stored, "$2b$") || strings.HasPrefix(stored, "$2y$") {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(provided))
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(provided)) != 1 {
		return errSecretMismatch
	}
	return nil
}

func intersectScopes(requested, allowed []string) []string {
	set := make(map[string]struct{}, len(allowed))
	for _, s := range allowed {
		set[s] = struct{}{}
	}
	var out []string
	for _, s := range requested {
		if _, ok := set[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

func writeOAuthError(w http.ResponseWriter, status int, code, desc string) {
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": desc,
	})
}

func randHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
