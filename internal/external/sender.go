// Package external is the boundary to the third-party notification delivery
// API. All outbound calls go through SenderClient, which wraps the HTTP call
// in a circuit breaker and maps transport and status failures onto the
// upstream error codes the worker's retry classification runs on.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/sony/gobreaker/v2"

	"occasion/internal/config"
	"occasion/internal/types"
)

// Notification is the payload of one logical send. MessageID is forwarded so
// an upstream that deduplicates can do so; the pipeline's own idempotency
// never relies on it.
type Notification struct {
	MessageID    string             `json:"message_id"`
	UserID       string             `json:"user_id"`
	OccasionType types.OccasionType `json:"occasion_type"`
	Message      string             `json:"message"`
}

// SenderClient performs the outbound send call. The breaker is per-process:
// each worker instance protects itself and trips independently.
type SenderClient struct {
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker[*http.Response]
	baseURL   string
	apiKey    types.SecretString
	userAgent string
	logger    *slog.Logger
}

// NewSenderClient builds a SenderClient from SenderConfig. The breaker trips
// when the failure ratio over the rolling interval crosses the configured
// threshold with enough requests observed, stays open for the cooldown, then
// lets a bounded number of trial calls through half-open.
func NewSenderClient(cfg config.SenderConfig, logger *slog.Logger) *SenderClient {
	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "notification-sender",
		MaxRequests: cfg.BreakerMaxHalfOpen,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.BreakerMinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.BreakerFailureRatio
		},
		// Permanent rejections mean our payload is bad, not that the
		// upstream is down; they must not trip the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || types.CodeOf(err) == types.ErrCodeUpstreamRejected
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &SenderClient{
		client:    &http.Client{Timeout: cfg.Timeout},
		breaker:   breaker,
		baseURL:   cfg.BaseURL,
		apiKey:    cfg.APIKey,
		userAgent: cfg.UserAgent,
		logger:    logger,
	}
}

// BreakerState exposes the breaker's current state for the metrics gauge.
func (c *SenderClient) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// Send delivers one notification. The returned error's code drives the
// worker's handling:
//
//   - nil: delivered
//   - upstream_timeout, upstream_rate_limited, upstream_unavailable:
//     transient, eligible for backoff retry
//   - upstream_rejected: permanent, dead-letter without retry
//
// An open breaker short-circuits to upstream_unavailable without touching
// the network.
func (c *SenderClient) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal notification", err)
	}

	_, err = c.breaker.Execute(func() (*http.Response, error) {
		return c.post(ctx, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return types.NewAppError(types.ErrCodeUpstreamUnavailable, "circuit breaker open, send short-circuited", err)
		}
		return err
	}

	c.logger.InfoContext(ctx, "notification delivered",
		"message_id", n.MessageID,
		"user_id", n.UserID,
		"occasion_type", string(n.OccasionType),
	)
	return nil
}

// post performs the HTTP call and classifies the outcome. It always drains
// and closes the response body so the connection is reusable.
func (c *SenderClient) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build send request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if key := c.apiKey.Unmask(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil || isTimeout(err) {
			return nil, types.NewAppError(types.ErrCodeUpstreamTimeout, "send request timed out", err)
		}
		return nil, types.NewAppError(types.ErrCodeUpstreamUnavailable, "send request failed", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return resp, types.NewAppError(types.ErrCodeUpstreamRateLimited, "upstream rate limit exceeded", nil)
	case resp.StatusCode == http.StatusRequestTimeout:
		return resp, types.NewAppError(types.ErrCodeUpstreamTimeout, "upstream reported request timeout", nil)
	case resp.StatusCode >= 500:
		return resp, types.NewAppError(types.ErrCodeUpstreamUnavailable, fmt.Sprintf("upstream returned %d", resp.StatusCode), nil)
	default:
		// Remaining 4xx: validation, auth, not-found. Retrying the same
		// payload cannot succeed.
		return resp, types.NewAppError(types.ErrCodeUpstreamRejected, fmt.Sprintf("upstream rejected notification with %d", resp.StatusCode), nil)
	}
}

// isTimeout reports whether err is a network-level timeout.
func isTimeout(err error) bool {
	var timeoutErr interface{ Timeout() bool }
	return errors.As(err, &timeoutErr) && timeoutErr.Timeout()
}
