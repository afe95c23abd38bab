package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"parley/internal/domain"
	"parley/internal/infra/config"
	"parley/internal/infra/tracer"
)

// maxResponseBody caps how much of an API response we read.
const maxResponseBody = 10 * 1024 * 1024 // 10 MB

// Client implements domain.BackendClient over the chat service's HTTP API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient creates a backend client. SendsPerMinute of 0 disables the
// outbound rate limiter.
func NewClient(cfg config.BackendConfig, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.SendsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.SendsPerMinute)/60.0), cfg.SendsPerMinute)
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http: &http.Client{
			Transport: newPooledTransport(timeout),
			Timeout:   timeout,
		},
		limiter: limiter,
		logger:  logger,
	}
}

func newPooledTransport(respTimeout time.Duration) *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: respTimeout,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       120 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// CreateChat implements domain.BackendClient.
func (c *Client) CreateChat(ctx context.Context, title, promptModule string) (*domain.Chat, error) {
	ctx, span := tracer.StartSpan(ctx, "backend.CreateChat")
	defer span.End()

	payload, err := json.Marshal(map[string]string{
		"title":  title,
		"module": promptModule,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	body, err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/chats", payload)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	var chat domain.Chat
	if err := json.Unmarshal(body, &chat); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	tracer.SetOK(span)
	return &chat, nil
}

// SendMessage implements domain.BackendClient. Sends pass through the rate
// limiter; a context cancelled while waiting surfaces as the wait error.
func (c *Client) SendMessage(ctx context.Context, chatID string, req domain.SendRequest) (*domain.SendResult, error) {
	ctx, span := tracer.StartSpan(ctx, "backend.SendMessage")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("chat_id", chatID))

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal send request: %w", err)
	}

	body, err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/chats/"+url.PathEscape(chatID)+"/messages", payload)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	var result domain.SendResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode send response: %w", err)
	}
	tracer.SetOK(span)
	return &result, nil
}

// JobState implements domain.BackendClient. A 404 maps to ErrJobNotFound.
func (c *Client) JobState(ctx context.Context, runID string) (*domain.JobState, error) {
	body, err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/runs/"+url.PathEscape(runID), nil)
	if err != nil {
		return nil, err
	}
	var state domain.JobState
	if err := json.Unmarshal(body, &state); err != nil {
		return nil, fmt.Errorf("decode job state: %w", err)
	}
	return &state, nil
}

// CancelJob implements domain.BackendClient.
func (c *Client) CancelJob(ctx context.Context, runID string) error {
	_, err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/runs/"+url.PathEscape(runID)+"/cancel", nil)
	return err
}

// ListMessages implements domain.BackendClient.
func (c *Client) ListMessages(ctx context.Context, chatID, cursor string, limit int) (*domain.HistoryPage, error) {
	u := c.baseURL + "/chats/" + url.PathEscape(chatID) + "/messages?limit=" + strconv.Itoa(limit)
	if cursor != "" {
		u += "&cursor=" + url.QueryEscape(cursor)
	}
	body, err := c.doJSON(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	var page domain.HistoryPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("decode history page: %w", err)
	}
	return &page, nil
}

// doJSON performs a JSON request and returns the response body. Non-2xx
// responses come back as domain errors via mapHTTPError so the send path
// and reconciler can classify them.
func (c *Client) doJSON(ctx context.Context, method, u string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, mapHTTPError(httpResp.StatusCode, respBody)
	}
	return respBody, nil
}

// mapHTTPError maps an HTTP status and body to a domain error so callers
// classify by sentinel instead of parsing strings.
func mapHTTPError(statusCode int, body []byte) error {
	detail := fmt.Sprintf("API error %d: %s", statusCode, string(body))

	switch {
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, detail)
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimit, detail)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, detail)
	case statusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s", domain.ErrDuplicate, detail)
	case statusCode >= 500:
		return fmt.Errorf("%w: %s", domain.ErrUnavailable, detail)
	case statusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", domain.ErrInvalidInput, detail)
	default:
		return fmt.Errorf("%s", detail)
	}
}

var _ domain.BackendClient = (*Client)(nil)
