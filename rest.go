package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// MessageAPI is the REST collaborator for conversation history and sends.
type MessageAPI interface {
	FetchHistory(ctx context.Context, conversationID, cursor string) (*HistoryPage, error)
	SendMessage(ctx context.Context, conversationID string, content *string, attachment *Attachment) (Message, error)
	MarkAsRead(ctx context.Context, conversationID string) error
}

// HistoryPage is one page of conversation history, oldest first.
type HistoryPage struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"nextCursor,omitempty"`
}

// apiResult is the envelope every REST endpoint responds with.
type apiResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

const DefaultTimeout = 30 * time.Second

// ============================================================================
// APIClient
// ============================================================================

// APIClient implements MessageAPI over HTTP with bearer auth.
type APIClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *zap.Logger

	mu    sync.RWMutex
	token string
}

// APIOption configures an APIClient.
type APIOption func(*APIClient)

func WithHTTPClient(client *http.Client) APIOption {
	return func(c *APIClient) { c.httpClient = client }
}

func WithTimeout(timeout time.Duration) APIOption {
	return func(c *APIClient) { c.httpClient.Timeout = timeout }
}

// WithRateLimit paces requests to rps with the given burst.
func WithRateLimit(rps float64, burst int) APIOption {
	return func(c *APIClient) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

func WithLogger(log *zap.Logger) APIOption {
	return func(c *APIClient) { c.log = log }
}

// NewAPIClient creates a REST client for baseURL (e.g. https://api.example.com).
func NewAPIClient(baseURL, token string, opts ...APIOption) *APIClient {
	c := &APIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(rate.Inf, 1),
		log:        zap.NewNop(),
		token:      token,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("api")
	return c
}

// SetToken replaces the bearer token, e.g. after a refresh.
func (c *APIClient) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// FetchHistory returns one page of history; an empty cursor asks for the
// latest page.
func (c *APIClient) FetchHistory(ctx context.Context, conversationID, cursor string) (*HistoryPage, error) {
	var query map[string]string
	if cursor != "" {
		query = map[string]string{"cursor": cursor}
	}
	var page HistoryPage
	if err := c.do(ctx, http.MethodGet, conversationPath(conversationID, "messages"), nil, query, &page); err != nil {
		return nil, err
	}
	for i := range page.Messages {
		if page.Messages[i].ConversationID == "" {
			page.Messages[i].ConversationID = conversationID
		}
	}
	return &page, nil
}

// SendMessage posts a message and returns the server's copy.
func (c *APIClient) SendMessage(ctx context.Context, conversationID string, content *string, attachment *Attachment) (Message, error) {
	body := map[string]any{"content": content}
	if attachment != nil {
		body["attachment"] = attachment
	}
	var msg Message
	if err := c.do(ctx, http.MethodPost, conversationPath(conversationID, "messages"), body, nil, &msg); err != nil {
		return Message{}, err
	}
	if msg.ID == "" {
		return Message{}, fmt.Errorf("send message: response has no message id")
	}
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	return msg, nil
}

// MarkAsRead marks every message in the conversation as read.
func (c *APIClient) MarkAsRead(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPost, conversationPath(conversationID, "read"), nil, nil, nil)
}

func conversationPath(conversationID, tail string) string {
	return "/api/conversations/" + url.PathEscape(conversationID) + "/" + tail
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *APIClient) do(ctx context.Context, method, path string, body any, query map[string]string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var result apiResult
	if err := json.Unmarshal(data, &result); err != nil {
		if resp.StatusCode >= 400 {
			return &APIError{Status: resp.StatusCode, Code: "HTTP_ERROR", Message: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !result.OK || resp.StatusCode >= 400 {
		apiErr := result.Error
		if apiErr == nil {
			apiErr = &APIError{Code: "REQUEST_FAILED", Message: "request failed"}
		}
		apiErr.Status = resp.StatusCode
		c.log.Debug("api error", zap.String("method", method), zap.String("path", path), zap.Error(apiErr))
		return apiErr
	}
	if out != nil && len(result.Data) > 0 {
		if err := json.Unmarshal(result.Data, out); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}
