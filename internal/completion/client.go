package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"crewassist/pkg/domain"
)

// Client talks to the streaming completion backend.
//
// The underlying http.Client carries no global timeout: completions stream
// for as long as the model generates. Callers bound the call with a context.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// APIError represents a completion backend error response.
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

// Request is the completion request body.
type Request struct {
	Content          string                  `json:"content"`
	ConversationID   string                  `json:"conversationId"`
	SubscriptionPlan domain.SubscriptionPlan `json:"subscriptionPlan"`
	AssistantID      string                  `json:"assistantId"`
	Stream           bool                    `json:"stream"`
}

// NewClient constructs a completion client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

// Stream opens the completion request and reads the chunked response body
// incrementally. Each received chunk is treated as a delta; onDelta receives
// the cumulative decoded text so far, so consumers always replace rather
// than append. Returns the full final text.
func (c *Client) Stream(ctx context.Context, token string, request Request, onDelta func(cumulative string)) (string, error) {
	request.Stream = true
	data, err := json.Marshal(request)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat-completion", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("open completion stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return "", &APIError{Status: resp.StatusCode, Message: msg}
	}

	var total strings.Builder
	var pending []byte
	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			// A chunk boundary can split a multi-byte rune; hold the
			// incomplete tail back so onDelta never sees invalid UTF-8.
			pending = append(pending, buf[:n]...)
			if cut := completeRunePrefix(pending); cut > 0 {
				total.Write(pending[:cut])
				pending = pending[cut:]
				if onDelta != nil {
					onDelta(total.String())
				}
			}
		}
		if readErr == io.EOF {
			total.Write(pending)
			break
		}
		if readErr != nil {
			total.Write(pending)
			return total.String(), fmt.Errorf("read completion stream: %w", readErr)
		}
	}
	if total.Len() == 0 {
		return "", fmt.Errorf("empty completion response")
	}
	return total.String(), nil
}

// completeRunePrefix returns the length of the longest prefix of b that ends
// on a rune boundary. Only the trailing bytes of one incomplete rune are ever
// held back; bytes that cannot start a rune at all pass through unchanged.
func completeRunePrefix(b []byte) int {
	n := len(b)
	for i := 1; i <= utf8.UTFMax && i <= n; i++ {
		if utf8.RuneStart(b[n-i]) {
			if utf8.FullRune(b[n-i:]) {
				return n
			}
			return n - i
		}
	}
	return n
}
