// Package exchange implements the Hyperliquid info client, the upstream
// WebSocket feed, and order signing.
//
// The REST client (Client) talks to the exchange's POST /info endpoint:
//   - UserState:        clearinghouseState — margin summary and open positions
//   - OpenOrders:       frontendOpenOrders — resting orders for one user
//   - UserFills:        userFills          — recent executions for one user
//   - RecentCloseFills: userFillsByTime    — position-closing fills in a window
//   - UserFunding:      userFunding        — funding payments in a window
//   - OrderStatus:      orderStatus        — one order looked up by oid
//   - Meta:             meta               — the tradeable asset universe
//   - AllMids:          allMids            — mid prices for every asset
//
// Every request passes the circuit breaker, waits on the shared rate
// limiter, and is retried with exponential backoff on transient failures.
// Client errors (4xx) fail immediately; server errors, timeouts and network
// failures consume the retry budget.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"hyperliquid-sidecar/internal/config"
	"hyperliquid-sidecar/pkg/types"
)

// Client is the exchange info API client.
// It wraps a resty HTTP client with rate limiting, retry, and a circuit breaker.
type Client struct {
	http    *resty.Client
	rl      *TokenBucket
	breaker *Breaker
	logger  *slog.Logger

	maxRetries int
	retryBase  time.Duration
	retryMax   time.Duration
}

// NewClient creates an info client from the exchange configuration.
func NewClient(cfg config.ExchangeConfig, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.RequestTimeout).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:       httpClient,
		rl:         NewTokenBucket(float64(cfg.InfoRPS), float64(cfg.InfoRPS)),
		breaker:    NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		logger:     logger.With("component", "exchange"),
		maxRetries: cfg.MaxRetries,
		retryBase:  cfg.RetryBaseDelay,
		retryMax:   cfg.RetryMaxDelay,
	}
}

// BreakerState exposes the breaker mode for health reporting.
func (c *Client) BreakerState() BreakerState {
	return c.breaker.State()
}

// info performs one rate-limited, breaker-guarded POST /info request,
// retrying transient failures with exponential backoff.
func (c *Client) info(ctx context.Context, op string, body map[string]any, out any) error {
	if err := c.breaker.Allow(); err != nil {
		return err
	}

	var lastErr error
	delay := c.retryBase
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("retrying info request",
				"op", op, "attempt", attempt, "delay", delay, "err", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > c.retryMax {
				delay = c.retryMax
			}
		}

		if err := c.rl.Wait(ctx); err != nil {
			return err
		}

		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(body).
			SetResult(out).
			Post("/info")
		switch {
		case err != nil:
			lastErr = fmt.Errorf("%s: %w", op, err)
		case resp.StatusCode() != http.StatusOK:
			lastErr = &APIError{Status: resp.StatusCode(), Op: op, Body: resp.String()}
		default:
			c.breaker.RecordSuccess()
			return nil
		}

		c.breaker.RecordFailure()
		if !Retryable(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("%w: %s after %d attempts: %v", ErrRetriesExhausted, op, c.maxRetries+1, lastErr)
}

// UserState fetches the clearinghouse state (positions + margin) for a user.
func (c *Client) UserState(ctx context.Context, user types.Address) (*types.ClearinghouseState, error) {
	var result types.ClearinghouseState
	err := c.info(ctx, "clearinghouseState", map[string]any{
		"type": "clearinghouseState",
		"user": user.String(),
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// OpenOrders fetches the user's resting orders.
func (c *Client) OpenOrders(ctx context.Context, user types.Address) ([]types.OpenOrder, error) {
	var result []types.OpenOrder
	err := c.info(ctx, "frontendOpenOrders", map[string]any{
		"type": "frontendOpenOrders",
		"user": user.String(),
	}, &result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UserFills fetches the user's recent executions, newest first.
func (c *Client) UserFills(ctx context.Context, user types.Address) ([]types.Fill, error) {
	var result []types.Fill
	err := c.info(ctx, "userFills", map[string]any{
		"type": "userFills",
		"user": user.String(),
	}, &result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RecentCloseFills fetches the user's position-closing fills within the
// given window. Used by the reconciler to attribute realized P&L when a
// position disappears between account snapshots.
func (c *Client) RecentCloseFills(ctx context.Context, user types.Address, window time.Duration) ([]types.Fill, error) {
	start := time.Now().Add(-window).UnixMilli()

	var fills []types.Fill
	err := c.info(ctx, "userFillsByTime", map[string]any{
		"type":      "userFillsByTime",
		"user":      user.String(),
		"startTime": start,
	}, &fills)
	if err != nil {
		// Fall back to the plain fills query and filter by time locally.
		fills, err = c.UserFills(ctx, user)
		if err != nil {
			return nil, err
		}
	}

	closes := fills[:0:0]
	for _, f := range fills {
		if f.Time >= start && f.IsClose() {
			closes = append(closes, f)
		}
	}
	return closes, nil
}

// UserFunding fetches the user's funding payments within the given window,
// newest first.
func (c *Client) UserFunding(ctx context.Context, user types.Address, window time.Duration) ([]types.FundingEntry, error) {
	var result []types.FundingEntry
	err := c.info(ctx, "userFunding", map[string]any{
		"type":      "userFunding",
		"user":      user.String(),
		"startTime": time.Now().Add(-window).UnixMilli(),
	}, &result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// OrderStatusResult is the orderStatus query response.
type OrderStatusResult struct {
	Status string `json:"status"` // "order" when found, "unknownOid" otherwise
	Order  struct {
		Order  types.RestOrder `json:"order"`
		Status string          `json:"status"`
	} `json:"order"`
}

// OrderStatus looks up a single order by exchange id.
func (c *Client) OrderStatus(ctx context.Context, user types.Address, oid int64) (*OrderStatusResult, error) {
	var result OrderStatusResult
	err := c.info(ctx, "orderStatus", map[string]any{
		"type": "orderStatus",
		"user": user.String(),
		"oid":  oid,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Meta fetches the asset universe.
func (c *Client) Meta(ctx context.Context) (*types.MetaResponse, error) {
	var result types.MetaResponse
	err := c.info(ctx, "meta", map[string]any{"type": "meta"}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// AllMids fetches mid prices for every asset, keyed by coin symbol.
func (c *Client) AllMids(ctx context.Context) (map[string]string, error) {
	result := make(map[string]string)
	err := c.info(ctx, "allMids", map[string]any{"type": "allMids"}, &result)
	if err != nil {
		return nil, err
	}
	return result, nil
}
