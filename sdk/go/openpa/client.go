package openpa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the OpenPA REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// ChatRequest is the payload for a synchronous conversation turn.
type ChatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

// ChatResult is the reply produced by a synchronous turn.
type ChatResult struct {
	SessionID      string   `json:"session_id"`
	Reply          string   `json:"reply"`
	StepsCompleted int      `json:"steps_completed"`
	ToolsUsed      []string `json:"tools_used,omitempty"`
}

// TurnSubmission is the payload for an asynchronous turn.
type TurnSubmission struct {
	ID        string `json:"id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

// TurnOutcome is the result attached to a completed turn.
type TurnOutcome struct {
	Reply          string   `json:"reply"`
	StepsCompleted int      `json:"steps_completed"`
	ToolsUsed      []string `json:"tools_used,omitempty"`
}

// Turn mirrors the server-side view of a queued conversation turn.
type Turn struct {
	ID         string       `json:"id"`
	SessionID  string       `json:"session_id"`
	Message    string       `json:"message"`
	Status     string       `json:"status"`
	Attempts   int          `json:"attempts"`
	MaxRetries int          `json:"max_retries"`
	LastError  string       `json:"last_error,omitempty"`
	ErrorCode  string       `json:"error_code,omitempty"`
	Result     *TurnOutcome `json:"result,omitempty"`
	CreatedAt  int64        `json:"created_at"`
	UpdatedAt  int64        `json:"updated_at"`
}

// Terminal reports whether the turn has reached a final state.
func (t *Turn) Terminal() bool {
	return t != nil && (t.Status == "succeeded" || t.Status == "failed")
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("openpa api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("openpa api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the OpenPA API. When httpClient is nil,
// a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// Chat executes a conversation turn synchronously and returns the reply.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (ChatResult, error) {
	var result ChatResult
	if err := c.post(ctx, "/api/v1/chat", req, &result); err != nil {
		return ChatResult{}, err
	}
	return result, nil
}

// SubmitTurn enqueues a turn for asynchronous processing.
func (c *Client) SubmitTurn(ctx context.Context, submission TurnSubmission) (Turn, error) {
	var turn Turn
	if err := c.post(ctx, "/api/v1/turns", submission, &turn); err != nil {
		return Turn{}, err
	}
	return turn, nil
}

// GetTurn fetches turn details by identifier.
func (c *Client) GetTurn(ctx context.Context, turnID string) (Turn, error) {
	var turn Turn
	if err := c.get(ctx, "/api/v1/turns/"+url.PathEscape(turnID), &turn); err != nil {
		return Turn{}, err
	}
	return turn, nil
}

// ListTurns returns turns for a session, newest first.
func (c *Client) ListTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	query := url.Values{}
	if sessionID != "" {
		query.Set("session_id", sessionID)
	}
	if limit > 0 {
		query.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := "/api/v1/turns"
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var turns []Turn
	if err := c.get(ctx, endpoint, &turns); err != nil {
		return nil, err
	}
	return turns, nil
}

// WaitForTurn polls a turn until it reaches a terminal state or the context
// is cancelled.
func (c *Client) WaitForTurn(ctx context.Context, turnID string, interval time.Duration) (Turn, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		turn, err := c.GetTurn(ctx, turnID)
		if err != nil {
			return Turn{}, err
		}
		if turn.Terminal() {
			return turn, nil
		}
		select {
		case <-ctx.Done():
			return Turn{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
