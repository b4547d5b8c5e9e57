package launch

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/openacademy/lti-platform/internal/keys"
)

// jwksCacheMaxAge bounds how long tools may cache the key set. The signing
// key is never rotated while present, so a stale cache is harmless.
const jwksCacheMaxAge = 10 * time.Minute

// HandleJWKS serves the platform's public key set in JWKS (RFC 7517) format.
// Tools fetch it to verify platform-issued id_tokens. The signing key is
// provisioned lazily, so the very first request may create it.
func (s *Server) HandleJWKS(w http.ResponseWriter, r *http.Request) {
	kp, err := s.Keys.GetOrCreate(r.Context())
	if err != nil {
		s.Logger.Error().Err(err).Msg("key provisioning failed")
		s.step("jwks", "error")
		writeErr(w, http.StatusInternalServerError, "could not load signing key")
		return
	}

	payload, err := json.Marshal(map[string]any{
		"keys": []map[string]any{keys.JWK(kp)},
	})
	if err != nil {
		s.step("jwks", "error")
		writeErr(w, http.StatusInternalServerError, "could not encode key set")
		return
	}

	etag := jwksETag(payload)
	w.Header().Set("Content-Type", "application/jwk-set+json")
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(jwksCacheMaxAge.Seconds())))
	w.Header().Set("ETag", etag)
	w.Header().Set("Last-Modified", s.now().Format(http.TimeFormat))

	s.step("jwks", "ok")

	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func jwksETag(b []byte) string {
	sum := sha256.Sum256(b)
	// weak ETag is fine here
	return `W/"` + base64.RawURLEncoding.EncodeToString(sum[:]) + `"`
}
