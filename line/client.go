package line

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// DefaultBaseURL is the LINE Messaging API endpoint.
const DefaultBaseURL = "https://api.line.me"

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 512

// APIError is a non-2xx response from the Messaging API.
type APIError struct {
	Endpoint   string
	Body       string
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("LINE API %s: HTTP %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// IsClientError reports whether err is a 4xx response from the Messaging API.
func IsClientError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
}

// Profile is a LINE user profile.
type Profile struct {
	UserID        string `json:"userId"`
	DisplayName   string `json:"displayName"`
	PictureURL    string `json:"pictureUrl,omitempty"`
	StatusMessage string `json:"statusMessage,omitempty"`
}

type textMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type pushRequest struct {
	To       string        `json:"to"`
	Messages []textMessage `json:"messages"`
}

type replyRequest struct {
	ReplyToken string        `json:"replyToken"`
	Messages   []textMessage `json:"messages"`
}

// Client talks to the LINE Messaging API with a channel access token.
type Client struct {
	client  *http.Client
	logger  *slog.Logger
	baseURL string
	token   string
}

// NewClient creates a Messaging API client. An empty baseURL uses DefaultBaseURL.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
	}
}

// Push sends a text message to a user. It makes a single attempt; the next scan retries.
func (c *Client) Push(ctx context.Context, to, text string) error {
	return c.post(ctx, "/v2/bot/message/push", pushRequest{
		To:       to,
		Messages: []textMessage{{Type: "text", Text: text}},
	})
}

// Reply answers a webhook event. Reply tokens are single use, so there is no retry.
func (c *Client) Reply(ctx context.Context, replyToken, text string) error {
	return c.post(ctx, "/v2/bot/message/reply", replyRequest{
		ReplyToken: replyToken,
		Messages:   []textMessage{{Type: "text", Text: text}},
	})
}

// Profile fetches a user's profile, retrying transient failures.
func (c *Client) Profile(ctx context.Context, userID string) (*Profile, error) {
	endpoint := "/v2/bot/profile/" + url.PathEscape(userID)
	var profile Profile

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			body, err := c.do(req, "/v2/bot/profile")
			if err != nil {
				if IsClientError(err) {
					return retry.Unrecoverable(err)
				}
				return err
			}
			if err := json.Unmarshal(body, &profile); err != nil {
				return retry.Unrecoverable(fmt.Errorf("decode profile: %w", err))
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying LINE profile fetch after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch profile: %w", err)
	}
	return &profile, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = c.do(req, endpoint)
	return err
}

func (c *Client) do(req *http.Request, endpoint string) ([]byte, error) {
	req.Header.Set("Authorization", "Bearer "+c.token)

	start := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		c.logger.Warn("LINE API request failed",
			"endpoint", endpoint,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return nil, fmt.Errorf("LINE API %s: %w", endpoint, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("LINE API returned non-2xx status",
			"endpoint", endpoint,
			"status_code", resp.StatusCode,
			"duration_ms", duration.Milliseconds())
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: string(body)}
	}

	c.logger.Debug("LINE API request completed",
		"endpoint", endpoint,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())
	return body, nil
}
