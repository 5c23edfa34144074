// Package directory resolves user references against the upstream identity
// service, the same service that authenticates callers and forwards their
// identity in request headers.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Client looks up users over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
}

// New creates a directory client for the given base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type lookupResponse struct {
	UserID string `json:"userId"`
}

// ResolveByEmail returns the user ID registered for an email address, or
// empty when no user matches.
func (c *Client) ResolveByEmail(ctx context.Context, email string) (string, error) {
	u := fmt.Sprintf("%s/users/lookup?email=%s", c.baseURL, url.QueryEscape(email))
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return "", fmt.Errorf("create lookup request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("directory lookup: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", nil
	default:
		return "", fmt.Errorf("directory lookup returned status %d", resp.StatusCode)
	}

	var body lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode lookup response: %w", err)
	}
	return body.UserID, nil
}
