package config

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Config holds everything the platform reads from the environment.
type Config struct {
	HTTPAddr  string
	PublicURL string // platform base URL; also the LTI issuer

	DBDriver string
	DBDSN    string

	// Static single-tool registration.
	ToolClientID     string
	ToolOIDCLoginURL string
	ToolLaunchURL    string
	ToolPublicKeyPEM string // PEM-encoded RSA public key for deep-link return verification
	ToolSecretHash   string // bcrypt hash (or plain for dev) for /oauth/token

	DeploymentID    string
	PlatformName    string
	PlatformVersion string
	PlatformGUID    string

	RosterURL string

	CORSOrigins []string

	LogLevel  string
	LogPretty bool

	RateLimitPerMin int
	RateLimitBurst  int
}

// FromEnv reads the configuration from environment variables, applying
// development defaults where sensible.
func FromEnv() Config {
	pub := envOr("PUBLIC_URL", "http://localhost:8080")
	toolBase := envOr("TOOL_BASE_URL", "http://localhost:9090")
	return Config{
		HTTPAddr:  envOr("HTTP_ADDR", ":8080"),
		PublicURL: strings.TrimSuffix(pub, "/"),

		DBDriver: envOr("DB_DRIVER", "sqlite"),
		DBDSN:    envOr("DB_DSN", "file:lti-platform.db?cache=shared"),

		ToolClientID:     envOr("TOOL_CLIENT_ID", "openacademy-tool"),
		ToolOIDCLoginURL: envOr("TOOL_OIDC_LOGIN_URL", strings.TrimSuffix(toolBase, "/")+"/lti/login"),
		ToolLaunchURL:    envOr("TOOL_LAUNCH_URL", strings.TrimSuffix(toolBase, "/")+"/lti/launch"),
		ToolPublicKeyPEM: os.Getenv("TOOL_PUBLIC_KEY_PEM"),
		ToolSecretHash:   os.Getenv("TOOL_SECRET_HASH"),

		DeploymentID:    envOr("LTI_DEPLOYMENT_ID", "1"),
		PlatformName:    envOr("PLATFORM_NAME", "OpenAcademy"),
		PlatformVersion: envOr("PLATFORM_VERSION", "1.0"),
		PlatformGUID:    envOr("PLATFORM_GUID", "openacademy.local"),

		RosterURL: os.Getenv("ROSTER_URL"),

		CORSOrigins: csvOr("CORS_ORIGINS", "http://localhost:3000"),

		LogLevel:  envOr("LOG_LEVEL", "info"),
		LogPretty: envBool("LOG_PRETTY", false),

		RateLimitPerMin: envInt("LOGIN_RATE_PER_MIN", 60),
		RateLimitBurst:  envInt("LOGIN_RATE_BURST", 30),
	}
}

// ToolPublicKey parses the configured tool verification key. Returns nil when
// none is configured, which disables the deep-link return step.
func (c Config) ToolPublicKey() (*rsa.PublicKey, error) {
	if strings.TrimSpace(c.ToolPublicKeyPEM) == "" {
		return nil, nil
	}
	block, _ := pem.Decode([]byte(c.ToolPublicKeyPEM))
	if block == nil {
		return nil, errors.New("config: invalid TOOL_PUBLIC_KEY_PEM")
	}
	if pk, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return pk, nil
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("config: parse tool public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("config: tool public key is not RSA")
	}
	return rsaPub, nil
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envBool(k string, def bool) bool {
	switch os.Getenv(k) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return def
	}
}

func envInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n <= 0 {
		return def
	}
	return n
}

func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
