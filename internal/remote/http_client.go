package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/dkarlsson/habitsync/internal/errors"
	"github.com/dkarlsson/habitsync/internal/models"
)

// HTTPClient implements API over JSON/HTTP.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	token   TokenProvider
}

// HTTPClientOptions configures NewHTTPClient.
type HTTPClientOptions struct {
	BaseURL string
	Token   TokenProvider
	// Timeout bounds each request; the engine also passes a context deadline.
	Timeout time.Duration
}

// NewHTTPClient creates an HTTP-backed remote API client.
func NewHTTPClient(opts HTTPClientOptions) *HTTPClient {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: opts.BaseURL,
		client:  &http.Client{Timeout: timeout},
		token:   opts.Token,
	}
}

// PushBatch implements API.PushBatch via POST /api/v1/mutations.
func (c *HTTPClient) PushBatch(ctx context.Context, records []*models.MutationRecord) (*BatchResult, error) {
	body, err := json.Marshal(map[string]interface{}{"mutations": records})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode batch", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/v1/mutations", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		if apperrors.Is(err, apperrors.ErrSyncRateLimited) {
			return &BatchResult{RetryAfter: retryAfter(resp)}, err
		}
		return nil, err
	}

	result := &BatchResult{}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncServer, "failed to decode batch result", err)
	}
	return result, nil
}

// PullChanges implements API.PullChanges via GET /api/v1/changes.
func (c *HTTPClient) PullChanges(ctx context.Context, sinceCursor int64, limit int) (*models.ChangeFeed, error) {
	path := fmt.Sprintf("/api/v1/changes?since=%d&limit=%d", sinceCursor, limit)

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	feed := &models.ChangeFeed{}
	if err := json.NewDecoder(resp.Body).Decode(feed); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncServer, "failed to decode change feed", err)
	}
	return feed, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrSyncAuthFailed, "no auth token available", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Timeouts and connection failures are both network-class.
		if ctx.Err() == context.DeadlineExceeded {
			return nil, apperrors.Wrap(apperrors.ErrSyncTimeout, "request timed out", err)
		}
		return nil, apperrors.Wrap(apperrors.ErrSyncNetwork, "request failed", err)
	}
	return resp, nil
}

// classifyStatus maps a non-2xx response to the engine's error taxonomy.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperrors.New(apperrors.ErrSyncAuthFailed,
			fmt.Sprintf("authentication rejected (status %d)", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		after := retryAfter(resp)
		return apperrors.RateLimited(
			fmt.Sprintf("rate limited, retry after %s", after), after)
	case resp.StatusCode >= 500:
		return apperrors.New(apperrors.ErrSyncServer,
			fmt.Sprintf("server error (status %d)", resp.StatusCode))
	default:
		return apperrors.New(apperrors.ErrSyncFailed,
			fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}
}

// retryAfter parses the Retry-After header, defaulting to 60s when the server
// rate-limits without advertising a delay.
func retryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 60 * time.Second
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 60 * time.Second
}
