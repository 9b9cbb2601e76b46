// Package broker implements the client facade over the broker REST API.
//
// The facade owns everything between a validated caller and the wire:
//
//   - pre-network validation against hard limits (never retried)
//   - the paper-mode gate: simulated orders that skip the limiter and the
//     network entirely
//   - per-category rate limiting via the sliding-window buckets
//   - retry with exponential backoff for transient failures
//   - normalization of broker responses into pkg/types records
//
// Rate-limit categories per operation: orders (place/cancel/status),
// live_data (quote/ltp/ohlc), non_trading (historical/positions/holdings).
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"groww-trader/internal/config"
	"groww-trader/pkg/types"
)

const (
	maxRetries    = 3
	backoffFactor = 1.5
	paperPrefix   = "PAPER_"
)

// Client is the broker client facade.
type Client struct {
	cfg    config.Config
	sdk    SDK
	auth   *Auth
	rl     *RateLimiter
	paper  bool
	logger *slog.Logger

	mu    sync.Mutex
	stats ClientStats
}

// ClientStats counts facade activity.
type ClientStats struct {
	OrdersPlaced    int64
	OrdersCancelled int64
	QuotesFetched   int64
	APIErrors       int64
	PaperModeOrders int64
}

// NewClient builds the facade. Credentials are validated here so a
// misconfigured process fails at startup, not on the first order.
func NewClient(cfg config.Config, sdk SDK, logger *slog.Logger) (*Client, error) {
	auth, err := NewAuth(cfg.API.APIKey, cfg.API.APISecret, sdk)
	if err != nil {
		return nil, err
	}
	rl := NewRateLimiter(
		cfg.API.RateLimits.OrdersPerSecond,
		cfg.API.RateLimits.LiveDataPerSecond,
		cfg.API.RateLimits.NonTradingPerSecond,
	)
	return &Client{
		cfg:    cfg,
		sdk:    sdk,
		auth:   auth,
		rl:     rl,
		paper:  cfg.Trading.PaperMode(),
		logger: logger.With("component", "broker"),
	}, nil
}

// PaperMode reports whether the client simulates orders.
func (c *Client) PaperMode() bool { return c.paper }

// Auth exposes the token cache for diagnostics.
func (c *Client) Auth() *Auth { return c.auth }

// RateLimiter exposes the limiter for diagnostics.
func (c *Client) RateLimiter() *RateLimiter { return c.rl }

// PlaceOrder validates, then either simulates (paper) or submits the order.
func (c *Client) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error) {
	if err := c.validateOrderRequest(req); err != nil {
		return nil, err
	}

	if c.paper {
		order := c.paperOrder(req)
		c.mu.Lock()
		c.stats.PaperModeOrders++
		c.stats.OrdersPlaced++
		c.mu.Unlock()
		c.logger.Info("paper order simulated",
			"order_id", order.OrderID, "symbol", req.Symbol,
			"side", req.Side, "qty", req.Quantity)
		return order, nil
	}

	if err := c.rl.Acquire(ctx, CategoryOrders); err != nil {
		return nil, err
	}
	order, err := callWithRetry(ctx, c, func(ctx context.Context, token string) (*types.Order, error) {
		return c.sdk.PlaceOrder(ctx, token, req)
	})
	if err != nil {
		c.countError()
		return nil, err
	}

	c.mu.Lock()
	c.stats.OrdersPlaced++
	c.mu.Unlock()
	c.logger.Info("order placed", "order_id", order.OrderID,
		"symbol", req.Symbol, "side", req.Side, "qty", req.Quantity)
	return order, nil
}

// CancelOrder cancels a live order. Paper orders succeed without a call.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if c.paper || strings.HasPrefix(orderID, paperPrefix) {
		c.mu.Lock()
		c.stats.OrdersCancelled++
		c.mu.Unlock()
		return nil
	}

	if err := c.rl.Acquire(ctx, CategoryOrders); err != nil {
		return err
	}
	_, err := callWithRetry(ctx, c, func(ctx context.Context, token string) (struct{}, error) {
		return struct{}{}, c.sdk.CancelOrder(ctx, token, orderID)
	})
	if err != nil {
		c.countError()
		return err
	}
	c.mu.Lock()
	c.stats.OrdersCancelled++
	c.mu.Unlock()
	return nil
}

// OrderStatus polls an order. Paper ids return a synthetic PENDING record.
func (c *Client) OrderStatus(ctx context.Context, orderID string) (*types.OrderStatusResponse, error) {
	if strings.HasPrefix(orderID, paperPrefix) {
		return &types.OrderStatusResponse{
			OrderID:   orderID,
			Status:    types.OrderStatusPending,
			Symbol:    "UNKNOWN",
			Timestamp: time.Now(),
			Message:   "PAPER MODE - Order simulated",
		}, nil
	}

	if err := c.rl.Acquire(ctx, CategoryOrders); err != nil {
		return nil, err
	}
	status, err := callWithRetry(ctx, c, func(ctx context.Context, token string) (*types.OrderStatusResponse, error) {
		return c.sdk.OrderStatus(ctx, token, orderID)
	})
	if err != nil {
		c.countError()
	}
	return status, err
}

// GetQuote fetches the full quote for one instrument.
func (c *Client) GetQuote(ctx context.Context, symbol string, exchange types.Exchange) (*types.Quote, error) {
	if err := c.rl.Acquire(ctx, CategoryLiveData); err != nil {
		return nil, err
	}
	quote, err := callWithRetry(ctx, c, func(ctx context.Context, token string) (*types.Quote, error) {
		return c.sdk.Quote(ctx, token, symbol, exchange)
	})
	if err != nil {
		c.countError()
		return nil, err
	}
	c.mu.Lock()
	c.stats.QuotesFetched++
	c.mu.Unlock()
	return quote, nil
}

// GetLTP fetches the last traded price for one instrument.
func (c *Client) GetLTP(ctx context.Context, symbol string, exchange types.Exchange) (float64, error) {
	quote, err := c.GetQuote(ctx, symbol, exchange)
	if err != nil {
		return 0, err
	}
	if quote.LTP <= 0 {
		return 0, &DataFetchError{Kind: "ltp", Symbol: symbol,
			Message: fmt.Sprintf("invalid LTP value %v", quote.LTP)}
	}
	return quote.LTP, nil
}

// GetOHLC fetches the daily OHLC snapshot.
func (c *Client) GetOHLC(ctx context.Context, symbol string, exchange types.Exchange) (*types.OHLC, error) {
	if err := c.rl.Acquire(ctx, CategoryLiveData); err != nil {
		return nil, err
	}
	ohlc, err := callWithRetry(ctx, c, func(ctx context.Context, token string) (*types.OHLC, error) {
		return c.sdk.OHLC(ctx, token, symbol, exchange)
	})
	if err != nil {
		c.countError()
	}
	return ohlc, err
}

// GetHistoricalData fetches an OHLCV series.
func (c *Client) GetHistoricalData(ctx context.Context, symbol string, exchange types.Exchange, interval string, from, to time.Time) (*types.HistoricalData, error) {
	if err := c.rl.Acquire(ctx, CategoryNonTrading); err != nil {
		return nil, err
	}
	data, err := callWithRetry(ctx, c, func(ctx context.Context, token string) (*types.HistoricalData, error) {
		return c.sdk.Historical(ctx, token, symbol, exchange, interval, from, to)
	})
	if err != nil {
		c.countError()
	}
	return data, err
}

// GetPositions fetches open positions. Paper mode returns an empty list
// even when the underlying account holds real positions.
func (c *Client) GetPositions(ctx context.Context) ([]types.Position, error) {
	if c.paper {
		return []types.Position{}, nil
	}
	if err := c.rl.Acquire(ctx, CategoryNonTrading); err != nil {
		return nil, err
	}
	positions, err := callWithRetry(ctx, c, func(ctx context.Context, token string) ([]types.Position, error) {
		return c.sdk.Positions(ctx, token)
	})
	if err != nil {
		c.countError()
	}
	return positions, err
}

// GetHoldings fetches demat holdings. Empty in paper mode.
func (c *Client) GetHoldings(ctx context.Context) ([]types.Holding, error) {
	if c.paper {
		return []types.Holding{}, nil
	}
	if err := c.rl.Acquire(ctx, CategoryNonTrading); err != nil {
		return nil, err
	}
	holdings, err := callWithRetry(ctx, c, func(ctx context.Context, token string) ([]types.Holding, error) {
		return c.sdk.Holdings(ctx, token)
	})
	if err != nil {
		c.countError()
	}
	return holdings, err
}

// Stats returns facade counters plus limiter and token diagnostics.
func (c *Client) Stats() map[string]any {
	c.mu.Lock()
	stats := c.stats
	c.mu.Unlock()

	return map[string]any{
		"orders_placed":     stats.OrdersPlaced,
		"orders_cancelled":  stats.OrdersCancelled,
		"quotes_fetched":    stats.QuotesFetched,
		"api_errors":        stats.APIErrors,
		"paper_mode_orders": stats.PaperModeOrders,
		"paper_mode":        c.paper,
		"rate_limiter":      c.rl.Stats(),
		"token":             c.auth.TokenInfo(),
	}
}

// validateOrderRequest rejects malformed or hard-limit-violating orders
// before any network activity. These failures are never retried.
func (c *Client) validateOrderRequest(req types.OrderRequest) error {
	if strings.TrimSpace(req.Symbol) == "" {
		return &InvalidOrderError{Field: "symbol", Message: "symbol must not be empty"}
	}
	if req.Quantity <= 0 {
		return &InvalidOrderError{Field: "quantity", Value: req.Quantity,
			Message: "quantity must be positive"}
	}
	if _, err := types.ParseSide(string(req.Side)); err != nil {
		return &InvalidOrderError{Field: "side", Value: string(req.Side),
			Message: "side must be BUY or SELL"}
	}
	if _, err := types.ParseOrderType(string(req.OrderType)); err != nil {
		return &InvalidOrderError{Field: "order_type", Value: string(req.OrderType),
			Message: "unknown order type"}
	}
	if req.OrderType == types.OrderTypeLimit && req.Price <= 0 {
		return &InvalidOrderError{Field: "price", Value: req.Price,
			Message: "LIMIT orders require a positive price"}
	}
	if (req.OrderType == types.OrderTypeStopLoss || req.OrderType == types.OrderTypeStopLossMarket) && req.TriggerPrice <= 0 {
		return &InvalidOrderError{Field: "trigger_price", Value: req.TriggerPrice,
			Message: "stop-loss orders require a positive trigger price"}
	}
	if req.Segment != "" && c.cfg.Limits.Hard.SegmentForbidden(string(req.Segment)) {
		return &InvalidOrderError{Field: "segment", Value: string(req.Segment),
			Message: "segment is forbidden"}
	}
	if req.Product != "" && c.cfg.Limits.Hard.ProductForbidden(string(req.Product)) {
		return &InvalidOrderError{Field: "product", Value: string(req.Product),
			Message: "product is forbidden"}
	}

	orderValue := decimal.NewFromFloat(req.Price).Mul(decimal.NewFromInt(int64(req.Quantity)))
	hardLimit := decimal.NewFromFloat(c.cfg.Limits.Hard.MaxSingleOrderValue)
	if orderValue.GreaterThan(hardLimit) {
		value, _ := orderValue.Float64()
		return &InvalidOrderError{Field: "order_value", Value: value,
			Message: fmt.Sprintf("order value %s exceeds hard limit %s", orderValue, hardLimit)}
	}
	return nil
}

// paperOrder builds the simulated order record.
func (c *Client) paperOrder(req types.OrderRequest) *types.Order {
	now := time.Now()
	return &types.Order{
		OrderID:      fmt.Sprintf("%s%s_%s", paperPrefix, now.Format("20060102150405"), req.Symbol),
		Symbol:       req.Symbol,
		Exchange:     req.Exchange,
		Quantity:     req.Quantity,
		Price:        req.Price,
		TriggerPrice: req.TriggerPrice,
		Side:         req.Side,
		OrderType:    req.OrderType,
		Product:      req.Product,
		Status:       types.OrderStatusPending,
		FilledQty:    0,
		Timestamp:    now,
		Message:      "PAPER MODE - Order simulated",
	}
}

func (c *Client) countError() {
	c.mu.Lock()
	c.stats.APIErrors++
	c.mu.Unlock()
}

// callWithRetry runs an authenticated broker call with exponential backoff.
// Validation and auth errors short-circuit; transient failures are retried
// up to maxRetries attempts with delays of backoffFactor^attempt seconds.
func callWithRetry[T any](ctx context.Context, c *Client, fn func(ctx context.Context, token string) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(backoffFactor, float64(attempt)) * float64(time.Second))
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}

		token, err := c.auth.AccessToken(ctx, false)
		if err != nil {
			return zero, err
		}

		result, err := fn(ctx, token)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !Retriable(err) {
			return zero, err
		}
		c.logger.Warn("broker call failed, retrying",
			"attempt", attempt+1, "error", err)
	}
	return zero, fmt.Errorf("broker call failed after %d attempts: %w", maxRetries, lastErr)
}
