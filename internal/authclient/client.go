package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crewassist/pkg/domain"
)

// Client calls the hosted authentication provider over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// APIError represents an auth provider error response.
type APIError struct {
	Status  int
	Message string
	Code    string
}

func (e *APIError) Error() string {
	return e.Message
}

// Unwrap maps rejected-credential statuses onto the shared sentinel so
// callers can use errors.Is(err, domain.ErrAuthExpired).
func (e *APIError) Unwrap() error {
	if e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		return domain.ErrAuthExpired
	}
	return nil
}

// SessionPayload is the provider's wire representation of a session.
type SessionPayload struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	User         struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

// NewClient constructs an auth provider client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// GetSession asks the provider for the session bound to token.
func (c *Client) GetSession(ctx context.Context, token string) (SessionPayload, error) {
	var resp SessionPayload
	if err := c.doJSON(ctx, http.MethodGet, "/auth/session", token, nil, &resp); err != nil {
		return SessionPayload{}, err
	}
	return resp, nil
}

// SignInWithPassword exchanges email/password credentials for a session.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (SessionPayload, error) {
	payload := map[string]string{"email": email, "password": password}
	var resp SessionPayload
	if err := c.doJSON(ctx, http.MethodPost, "/auth/token?grant_type=password", "", payload, &resp); err != nil {
		return SessionPayload{}, err
	}
	return resp, nil
}

// SignInWithOAuth builds the provider authorize URL for a third-party
// provider. No network call: the caller opens the URL in a browser.
func (c *Client) SignInWithOAuth(provider, redirectURL string) string {
	query := url.Values{}
	query.Set("provider", provider)
	if redirectURL != "" {
		query.Set("redirect_to", redirectURL)
	}
	return c.baseURL + "/auth/authorize?" + query.Encode()
}

// RefreshSession rotates the session using the provider-native refresh flow.
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (SessionPayload, error) {
	payload := map[string]string{"refresh_token": refreshToken}
	var resp SessionPayload
	if err := c.doJSON(ctx, http.MethodPost, "/auth/token?grant_type=refresh_token", "", payload, &resp); err != nil {
		return SessionPayload{}, err
	}
	return resp, nil
}

// SetSession asks the provider to verify and adopt an externally stored
// token pair, returning the authoritative session for it.
func (c *Client) SetSession(ctx context.Context, accessToken, refreshToken string) (SessionPayload, error) {
	payload := map[string]string{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
	}
	var resp SessionPayload
	if err := c.doJSON(ctx, http.MethodPost, "/auth/session", "", payload, &resp); err != nil {
		return SessionPayload{}, err
	}
	return resp, nil
}

// SignOut revokes the session bound to token. A provider-side 401 is not an
// error here: the session is gone either way.
func (c *Client) SignOut(ctx context.Context, token string) error {
	err := c.doJSON(ctx, http.MethodPost, "/auth/logout", token, nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
		return nil
	}
	return err
}

func (c *Client) doJSON(ctx context.Context, method, path, token string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: msg, Code: strings.TrimSpace(errResp.Code)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
