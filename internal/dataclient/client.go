package dataclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crewassist/pkg/domain"
)

// Client performs point queries, updates and inserts against the hosted
// relational store (profiles, conversations, messages) over its REST surface.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// APIError represents a data store error response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

// Unwrap maps rejected-token statuses onto the shared sentinel.
func (e *APIError) Unwrap() error {
	if e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		return domain.ErrAuthExpired
	}
	return nil
}

// NewClient constructs a data store client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// GetProfileByID returns the profile row keyed by user id.
func (c *Client) GetProfileByID(ctx context.Context, token, id string) (domain.Profile, bool, error) {
	return c.getProfile(ctx, token, "/rest/profiles/"+url.PathEscape(id))
}

// GetProfileByEmail returns the profile row keyed by the unique email column.
func (c *Client) GetProfileByEmail(ctx context.Context, token, email string) (domain.Profile, bool, error) {
	return c.getProfile(ctx, token, "/rest/profiles?email="+url.QueryEscape(email))
}

func (c *Client) getProfile(ctx context.Context, token, path string) (domain.Profile, bool, error) {
	var profile domain.Profile
	err := c.doJSON(ctx, http.MethodGet, path, token, nil, &profile)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return domain.Profile{}, false, nil
		}
		return domain.Profile{}, false, err
	}
	return profile, true, nil
}

// ReactivateProfile flips a soft-deleted profile back to active, resetting
// the plan to the default tier and the query counter to zero. Returns the
// updated row.
func (c *Client) ReactivateProfile(ctx context.Context, token, id string) (domain.Profile, error) {
	updates := map[string]any{
		"account_status":    domain.AccountActive,
		"subscription_plan": domain.PlanFree,
		"query_count":       0,
	}
	return c.patchProfile(ctx, token, id, updates)
}

// UpdateProfileID rewrites a profile's primary key to match the session's
// user id (provider/account-linking drift repair).
func (c *Client) UpdateProfileID(ctx context.Context, token, id, newID string) (domain.Profile, error) {
	return c.patchProfile(ctx, token, id, map[string]any{"id": newID})
}

func (c *Client) patchProfile(ctx context.Context, token, id string, updates map[string]any) (domain.Profile, error) {
	var profile domain.Profile
	path := "/rest/profiles/" + url.PathEscape(id)
	if err := c.doJSON(ctx, http.MethodPatch, path, token, updates, &profile); err != nil {
		return domain.Profile{}, err
	}
	return profile, nil
}

// IncrementQueryCount bumps the stored free-tier counter by one and returns
// the new value, avoiding a separate re-fetch.
func (c *Client) IncrementQueryCount(ctx context.Context, token, userID string) (int, error) {
	payload := map[string]string{"user_id": userID}
	var resp struct {
		QueryCount int `json:"query_count"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/rest/rpc/increment_query_count", token, payload, &resp); err != nil {
		return 0, err
	}
	return resp.QueryCount, nil
}

// InsertConversation persists a new conversation and returns the stored row.
func (c *Client) InsertConversation(ctx context.Context, token string, conversation domain.Conversation) (domain.Conversation, error) {
	var out domain.Conversation
	if err := c.doJSON(ctx, http.MethodPost, "/rest/conversations", token, conversation, &out); err != nil {
		return domain.Conversation{}, err
	}
	return out, nil
}

// UpdateConversationTitle renames a conversation.
func (c *Client) UpdateConversationTitle(ctx context.Context, token, id, title string) error {
	path := "/rest/conversations/" + url.PathEscape(id)
	payload := map[string]string{"title": title}
	return c.doJSON(ctx, http.MethodPatch, path, token, payload, nil)
}

// InsertMessage persists a message and returns the row with its
// server-assigned id.
func (c *Client) InsertMessage(ctx context.Context, token string, msg domain.Message) (domain.Message, error) {
	var out domain.Message
	if err := c.doJSON(ctx, http.MethodPost, "/rest/messages", token, msg, &out); err != nil {
		return domain.Message{}, err
	}
	return out, nil
}

// InvokeFunction calls a side-effecting remote function (transactional
// email and similar). Callers keep it off the critical path.
func (c *Client) InvokeFunction(ctx context.Context, token, name string, payload any) error {
	path := "/rest/functions/" + url.PathEscape(name)
	return c.doJSON(ctx, http.MethodPost, path, token, payload, nil)
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
		return fmt.Errorf("data store request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
