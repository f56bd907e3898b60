// Package cms fetches pricing page content from a headless CMS. The CMS
// is a soft dependency: callers fall back to built-in copy when it is
// unreachable, so the client favors bounded retries over long waits.
package cms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/helioslabs/subscription-service/internal/domain"
	"github.com/helioslabs/subscription-service/pkg/logger"
)

const (
	maxAttempts    = 3
	initialDelay   = time.Second
	maxDelay       = 5 * time.Second
	requestTimeout = 10 * time.Second
)

// Content is one CMS document with its localized fields.
type Content struct {
	ID         int            `json:"id"`
	Attributes map[string]any `json:"attributes"`
}

type documentResponse struct {
	Data []Content `json:"data"`
}

// Client queries a Strapi-style content API with retries and jittered
// backoff. 4xx responses are not retried; the content either exists or
// it does not.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	log     *logger.Logger

	// retryDelay is overridable so tests do not sleep.
	retryDelay time.Duration
}

func NewClient(baseURL, token string, log *logger.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		client:     &http.Client{Timeout: requestTimeout},
		log:        log,
		retryDelay: initialDelay,
	}
}

// GetContent fetches a collection, optionally filtered by locale.
func (c *Client) GetContent(ctx context.Context, collection, locale string) ([]Content, error) {
	endpoint := fmt.Sprintf("%s/api/%s", c.baseURL, url.PathEscape(collection))
	if locale != "" {
		endpoint += "?locale=" + url.QueryEscape(locale)
	}

	body, err := c.getWithRetry(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var doc documentResponse
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("cms: failed to parse response: %w", err)
	}
	return doc.Data, nil
}

func (c *Client) getWithRetry(ctx context.Context, endpoint string) ([]byte, error) {
	delay := c.retryDelay

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		body, retryable, err := c.get(ctx, endpoint)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}

		if attempt < maxAttempts {
			// Full jitter keeps retry bursts from synchronizing.
			sleep := time.Duration(rand.Int63n(int64(delay) + 1))
			c.log.Debugw("CMS request failed, retrying", "error", err, "attempt", attempt, "sleep", sleep)

			select {
			case <-time.After(sleep):
			case <-ctx.Done():
				return nil, ctx.Err()
			}

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		}
	}

	return nil, fmt.Errorf("%w: cms request failed after %d attempts: %v",
		domain.ErrExternalService, maxAttempts, lastErr)
}

func (c *Client) get(ctx context.Context, endpoint string) (body []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, fmt.Errorf("cms: failed to build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("cms: request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, fmt.Errorf("%w: cms content not found", domain.ErrNotFound)
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("cms: server returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, false, fmt.Errorf("cms: request rejected with %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("cms: failed to read response: %w", err)
	}
	return data, false, nil
}
