package roster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

/*
Client for the external roster/identifier-lookup service.

The service assigns (or returns) the external learner identifier for a
student, looked up by email. The launch protocol calls it best-effort during
authorization: a failure here is logged but never aborts token issuance.

Contract: POST {"email": "..."} -> {"success": true, "user": {"id": "..."}},
or {"success": false, "message": "..."} on failure.
*/

// Client talks to the roster service over HTTP.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

type lookupRequest struct {
	Email string `json:"email"`
}

type lookupResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	User    *struct {
		ID string `json:"id"`
	} `json:"user,omitempty"`
}

// LookupLearnerID fetches or creates the external learner identifier for the
// student with the given email.
func (c *Client) LookupLearnerID(ctx context.Context, email string) (string, error) {
	if c.BaseURL == "" {
		return "", errors.New("roster: base url not configured")
	}
	if strings.TrimSpace(email) == "" {
		return "", errors.New("roster: email is required")
	}

	body, err := json.Marshal(lookupRequest{Email: email})
	if err != nil {
		return "", fmt.Errorf("roster: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/users/lookup", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("roster: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("roster: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("roster: unexpected status %d", resp.StatusCode)
	}

	var out lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("roster: decode: %w", err)
	}
	if !out.Success || out.User == nil || out.User.ID == "" {
		msg := out.Message
		if msg == "" {
			msg = "lookup unsuccessful"
		}
		return "", fmt.Errorf("roster: %s", msg)
	}
	return out.User.ID, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}
