// Package discovery holds the client for the search-augmented completion
// service used by competitor discovery. The service is an OpenAI-compatible
// chat endpoint whose answers are grounded in live web search results.
package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL        = "https://api.perplexity.ai"
	DefaultModel          = "sonar"
	chatCompletionsPath   = "/chat/completions"
	defaultRequestsPerMin = 20
	defaultTimeout        = 30 * time.Second
)

type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	RequestsPerMin int
	HTTPClient     *http.Client
}

type Client struct {
	cfg     Config
	limiter *rate.Limiter
}

func NewClient(cfg Config) (*Client, error) {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.APIKey == "" {
		return nil, errors.New("SEARCH_API_KEY not configured")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.RequestsPerMin <= 0 {
		cfg.RequestsPerMin = defaultRequestsPerMin
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	interval := time.Minute / time.Duration(cfg.RequestsPerMin)
	return &Client{cfg: cfg, limiter: rate.NewLimiter(rate.Every(interval), 1)}, nil
}

func NewClientFromEnv() (*Client, error) {
	return NewClient(Config{
		APIKey:  os.Getenv("SEARCH_API_KEY"),
		BaseURL: strings.TrimSpace(os.Getenv("SEARCH_BASE_URL")),
		Model:   strings.TrimSpace(os.Getenv("SEARCH_MODEL")),
	})
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Search sends one search-augmented completion request and returns the raw
// assistant text. Callers own JSON extraction; the service frequently wraps
// answers in prose or code fences.
func (c *Client) Search(ctx context.Context, system, prompt string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	body, err := c.executeWithRetry(ctx, chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", err
	}
	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("parse search response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", nil
	}
	return parsed.Choices[0].Message.Content, nil
}

func (c *Client) executeWithRetry(ctx context.Context, req chatRequest) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= 4; attempt++ {
		body, code, retryAfter, err := c.executeOnce(ctx, req)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if code == http.StatusUnauthorized || code == http.StatusForbidden || code == http.StatusBadRequest {
			return nil, err
		}
		if attempt == 4 {
			break
		}
		sleep := backoffDelay(attempt)
		if code == http.StatusTooManyRequests && retryAfter > 0 {
			sleep = retryAfter
		}
		if err := sleepCtx(ctx, sleep); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) executeOnce(ctx context.Context, req chatRequest) ([]byte, int, time.Duration, error) {
	payload, _ := json.Marshal(req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+chatCompletionsPath, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	res, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, 0, 0, err
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(res.Body, 2<<20))

	retryAfter := parseRetryAfter(res.Header.Get("Retry-After"))
	if res.StatusCode >= 400 {
		return nil, res.StatusCode, retryAfter, fmt.Errorf("status code: %d body=%s", res.StatusCode, string(b))
	}
	return b, res.StatusCode, retryAfter, nil
}

func parseRetryAfter(v string) time.Duration {
	if strings.TrimSpace(v) == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func backoffDelay(attempt int) time.Duration {
	switch attempt {
	case 1:
		return 1 * time.Second
	case 2:
		return 2 * time.Second
	default:
		return 4 * time.Second
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
