// Package telegram delivers artifacts as photos through the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/phillus33/shotrelay/internal/delivery"
)

// DefaultAPIURL is the public Bot API endpoint.
const DefaultAPIURL = "https://api.telegram.org"

// DefaultTimeout is the per-request timeout.
const DefaultTimeout = 30 * time.Second

// Config configures the Telegram client.
type Config struct {
	// APIURL overrides the Bot API base URL (default DefaultAPIURL).
	APIURL string
	// Token is the bot token (required).
	Token string
	// Chats maps destinations to chat or channel ids.
	Chats   map[delivery.Destination]string
	Timeout time.Duration
}

// Client sends photos with sendPhoto.
type Client struct {
	config Config
	http   *http.Client
}

func New(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram client requires a bot token")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		config: cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// APIError is a non-2xx Bot API response.
type APIError struct {
	Code        int
	Description string
	RetryAfter  int
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("telegram: %d %s", e.Code, e.Description)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %ds)", e.RetryAfter)
	}
	return msg
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Send uploads payload to the chat mapped to dest.
func (c *Client) Send(ctx context.Context, dest delivery.Destination, a delivery.Artifact, payload []byte) delivery.Outcome {
	chat, ok := c.config.Chats[dest]
	if !ok {
		return delivery.PermanentFailure(fmt.Errorf("telegram: no chat configured for destination %q", dest))
	}
	return Classify(c.sendPhoto(ctx, chat, a.Name, payload))
}

func (c *Client) sendPhoto(ctx context.Context, chat, name string, payload []byte) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("chat_id", chat); err != nil {
		return delivery.Permanent(err)
	}
	part, err := mw.CreateFormFile("photo", name)
	if err != nil {
		return delivery.Permanent(err)
	}
	if _, err := part.Write(payload); err != nil {
		return delivery.Permanent(err)
	}
	if err := mw.Close(); err != nil {
		return delivery.Permanent(err)
	}

	url := fmt.Sprintf("%s/bot%s/sendPhoto", c.config.APIURL, c.config.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return delivery.Permanent(fmt.Errorf("create request: %w", redact(err, c.config.Token)))
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		// The URL embeds the token; keep it out of logs.
		return fmt.Errorf("telegram: request failed: %w", redact(err, c.config.Token))
	}
	defer func() { _ = resp.Body.Close() }()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var parsed apiResponse
	_ = json.Unmarshal(data, &parsed)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && (parsed.OK || len(data) == 0) {
		return nil
	}
	code := parsed.ErrorCode
	if code == 0 {
		code = resp.StatusCode
	}
	return &APIError{Code: code, Description: parsed.Description, RetryAfter: parsed.Parameters.RetryAfter}
}

// Classify maps every send error onto an outcome. Rate limits, timeouts,
// server errors and network failures are transient; other 4xx responses
// (bad request, unauthorized, forbidden, chat not found) are permanent.
// Anything unrecognised is transient.
func Classify(err error) delivery.Outcome {
	if err == nil {
		return delivery.Delivered()
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests, apiErr.Code == http.StatusRequestTimeout:
			return delivery.TransientFailure(err)
		case apiErr.Code >= 400 && apiErr.Code < 500:
			return delivery.PermanentFailure(err)
		default:
			return delivery.TransientFailure(err)
		}
	}
	return delivery.OutcomeFromError(err)
}

// redactedError hides the bot token in the message of a wrapped error while
// keeping the chain intact for errors.Is and errors.As.
type redactedError struct {
	err   error
	token string
}

func (e *redactedError) Error() string {
	return strings.ReplaceAll(e.err.Error(), e.token, "<token>")
}

func (e *redactedError) Unwrap() error { return e.err }

func redact(err error, token string) error {
	if token == "" {
		return err
	}
	return &redactedError{err: err, token: token}
}

var _ delivery.Client = (*Client)(nil)
