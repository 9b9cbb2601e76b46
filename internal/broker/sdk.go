// sdk.go adapts the broker's REST API to the typed records in pkg/types.
//
// Every broker endpoint returns a loosely-typed JSON payload. The adapter
// decodes into a generic map and copies fields into the normalized records,
// defaulting missing fields to zero values and rejecting unknown enum
// values at the boundary. Non-2xx responses are classified into the error
// taxonomy by message substring.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"groww-trader/pkg/types"
)

// SDK is the broker wire interface consumed by the Client facade. The
// facade owns retries, rate limiting, and the paper-mode gate; the SDK
// performs exactly one network call per method.
type SDK interface {
	TokenSource
	PlaceOrder(ctx context.Context, token string, req types.OrderRequest) (*types.Order, error)
	CancelOrder(ctx context.Context, token, orderID string) error
	OrderStatus(ctx context.Context, token, orderID string) (*types.OrderStatusResponse, error)
	Quote(ctx context.Context, token, symbol string, exchange types.Exchange) (*types.Quote, error)
	OHLC(ctx context.Context, token, symbol string, exchange types.Exchange) (*types.OHLC, error)
	Historical(ctx context.Context, token, symbol string, exchange types.Exchange, interval string, from, to time.Time) (*types.HistoricalData, error)
	Positions(ctx context.Context, token string) ([]types.Position, error)
	Holdings(ctx context.Context, token string) ([]types.Holding, error)
}

// RestSDK talks to the broker's REST API via resty. Timeouts come from
// config; retry is deliberately NOT configured here — the Client facade
// applies its own backoff policy so validation errors never get retried.
type RestSDK struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewRestSDK builds the HTTP adapter.
func NewRestSDK(baseURL string, timeout time.Duration, logger *slog.Logger) *RestSDK {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &RestSDK{
		http:   httpClient,
		logger: logger.With("component", "broker_sdk"),
	}
}

// FetchToken exchanges API credentials for an access token.
func (s *RestSDK) FetchToken(ctx context.Context, apiKey, apiSecret string) (string, error) {
	var result map[string]any
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"api_key": apiKey, "api_secret": apiSecret}).
		SetResult(&result).
		Post("/v1/token")
	if err != nil {
		return "", fmt.Errorf("%w: fetch token: %v", ErrNetwork, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("%w: token endpoint status %d", ErrAuthentication, resp.StatusCode())
	}
	token := str(result, "access_token")
	if token == "" {
		return "", fmt.Errorf("%w: token endpoint returned empty token", ErrAuthentication)
	}
	return token, nil
}

// PlaceOrder submits an order and normalizes the response.
func (s *RestSDK) PlaceOrder(ctx context.Context, token string, req types.OrderRequest) (*types.Order, error) {
	body := map[string]any{
		"trading_symbol":   req.Symbol,
		"exchange":         string(req.Exchange),
		"quantity":         req.Quantity,
		"transaction_type": string(req.Side),
		"order_type":       string(req.OrderType),
		"product":          string(req.Product),
		"segment":          string(req.Segment),
	}
	if req.Price > 0 {
		body["price"] = req.Price
	}
	if req.TriggerPrice > 0 {
		body["trigger_price"] = req.TriggerPrice
	}

	var result map[string]any
	resp, err := s.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(body).
		SetResult(&result).
		Post("/v1/orders")
	if err != nil {
		return nil, fmt.Errorf("%w: place order: %v", ErrNetwork, err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return nil, classifyOrderFailure(req.Symbol, string(req.Exchange), resp)
	}
	return parseOrder(result, req)
}

// CancelOrder cancels an order by broker id.
func (s *RestSDK) CancelOrder(ctx context.Context, token, orderID string) error {
	resp, err := s.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		Delete("/v1/orders/" + orderID)
	if err != nil {
		return fmt.Errorf("%w: cancel order: %v", ErrNetwork, err)
	}
	if resp.StatusCode() != http.StatusOK {
		e := classifyOrderFailure("", "", resp)
		if oe, ok := e.(*OrderError); ok {
			oe.OrderID = orderID
		}
		return e
	}
	return nil
}

// OrderStatus polls the broker for an order's current state.
func (s *RestSDK) OrderStatus(ctx context.Context, token, orderID string) (*types.OrderStatusResponse, error) {
	var result map[string]any
	resp, err := s.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&result).
		Get("/v1/orders/" + orderID)
	if err != nil {
		return nil, fmt.Errorf("%w: order status: %v", ErrNetwork, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classifyOrderFailure("", "", resp)
	}

	status, err := types.ParseOrderStatus(str(result, "order_status"))
	if err != nil {
		return nil, fmt.Errorf("parse order status: %w", err)
	}
	side, err := types.ParseSide(str(result, "transaction_type"))
	if err != nil {
		return nil, fmt.Errorf("parse order status: %w", err)
	}
	return &types.OrderStatusResponse{
		OrderID:      orderID,
		Status:       status,
		Symbol:       str(result, "trading_symbol"),
		Quantity:     num(result, "quantity"),
		FilledQty:    num(result, "filled_quantity"),
		PendingQty:   num(result, "pending_quantity"),
		AvgPrice:     flt(result, "average_price"),
		Price:        flt(result, "price"),
		TriggerPrice: flt(result, "trigger_price"),
		Side:         side,
		OrderType:    types.OrderType(str(result, "order_type")),
		Product:      types.ProductType(str(result, "product")),
		Exchange:     types.Exchange(str(result, "exchange")),
		Timestamp:    time.Now(),
		Message:      str(result, "remark"),
	}, nil
}

// Quote fetches the full real-time quote for one instrument.
func (s *RestSDK) Quote(ctx context.Context, token, symbol string, exchange types.Exchange) (*types.Quote, error) {
	var result map[string]any
	resp, err := s.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParam("trading_symbol", symbol).
		SetQueryParam("exchange", string(exchange)).
		SetResult(&result).
		Get("/v1/quote")
	if err != nil {
		return nil, fmt.Errorf("%w: quote: %v", ErrNetwork, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classifyDataFailure("quote", symbol, string(exchange), resp)
	}

	depth, _ := result["depth"].(map[string]any)
	q := &types.Quote{
		Symbol:        symbol,
		Exchange:      exchange,
		LTP:           flt(result, "last_price"),
		Open:          flt(result, "open"),
		High:          flt(result, "high"),
		Low:           flt(result, "low"),
		Close:         flt(result, "close"),
		Volume:        int64(num(result, "volume")),
		Change:        flt(result, "day_change"),
		ChangePercent: flt(result, "day_change_perc"),
		Timestamp:     time.Now(),
	}
	if depth != nil {
		if buy, ok := depth["buy"].(map[string]any); ok {
			q.Bid = flt(buy, "price")
			q.BidQty = int64(num(buy, "quantity"))
		}
		if sell, ok := depth["sell"].(map[string]any); ok {
			q.Ask = flt(sell, "price")
			q.AskQty = int64(num(sell, "quantity"))
		}
	}
	return q, nil
}

// OHLC fetches the daily open/high/low/close snapshot.
func (s *RestSDK) OHLC(ctx context.Context, token, symbol string, exchange types.Exchange) (*types.OHLC, error) {
	var result map[string]any
	resp, err := s.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParam("trading_symbol", symbol).
		SetQueryParam("exchange", string(exchange)).
		SetResult(&result).
		Get("/v1/ohlc")
	if err != nil {
		return nil, fmt.Errorf("%w: ohlc: %v", ErrNetwork, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classifyDataFailure("ohlc", symbol, string(exchange), resp)
	}
	return &types.OHLC{
		Symbol:   symbol,
		Exchange: exchange,
		Open:     flt(result, "open"),
		High:     flt(result, "high"),
		Low:      flt(result, "low"),
		Close:    flt(result, "close"),
		Volume:   int64(num(result, "volume")),
		Date:     time.Now(),
	}, nil
}

// Historical fetches an OHLCV candle series.
func (s *RestSDK) Historical(ctx context.Context, token, symbol string, exchange types.Exchange, interval string, from, to time.Time) (*types.HistoricalData, error) {
	var result map[string]any
	resp, err := s.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParams(map[string]string{
			"trading_symbol": symbol,
			"exchange":       string(exchange),
			"interval":       interval,
			"from":           from.Format("2006-01-02"),
			"to":             to.Format("2006-01-02"),
		}).
		SetResult(&result).
		Get("/v1/historical")
	if err != nil {
		return nil, fmt.Errorf("%w: historical: %v", ErrNetwork, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classifyDataFailure("historical", symbol, string(exchange), resp)
	}

	data := &types.HistoricalData{
		Symbol:   symbol,
		Exchange: exchange,
		Interval: interval,
		From:     from,
		To:       to,
	}
	raw, _ := result["candles"].([]any)
	for _, item := range raw {
		row, ok := item.([]any)
		if !ok || len(row) < 6 {
			continue
		}
		candle := types.Candle{
			Timestamp: time.Unix(int64(asFloat(row[0])), 0),
			Open:      asFloat(row[1]),
			High:      asFloat(row[2]),
			Low:       asFloat(row[3]),
			Close:     asFloat(row[4]),
			Volume:    int64(asFloat(row[5])),
		}
		if err := candle.Validate(); err != nil {
			return nil, &DataFetchError{Kind: "historical", Symbol: symbol, Message: err.Error()}
		}
		data.Candles = append(data.Candles, candle)
	}
	return data, nil
}

// Positions fetches open positions for the account.
func (s *RestSDK) Positions(ctx context.Context, token string) ([]types.Position, error) {
	var result map[string]any
	resp, err := s.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&result).
		Get("/v1/positions")
	if err != nil {
		return nil, fmt.Errorf("%w: positions: %v", ErrNetwork, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classifyDataFailure("positions", "", "", resp)
	}

	var positions []types.Position
	raw, _ := result["positions"].([]any)
	for _, item := range raw {
		row, ok := item.(map[string]any)
		if !ok {
			continue
		}
		p := types.Position{
			Symbol:   str(row, "trading_symbol"),
			Exchange: types.Exchange(str(row, "exchange")),
			Product:  types.ProductType(str(row, "product")),
			Quantity: num(row, "quantity"),
			AvgPrice: flt(row, "average_price"),
			LTP:      flt(row, "last_price"),
		}
		if v, ok := row["pnl"]; ok {
			pnl := asFloat(v)
			p.PnL = &pnl
		}
		p.PnLPercent = flt(row, "pnl_percent")
		p.DayChange = flt(row, "day_change")
		p.DayChangePercent = flt(row, "day_change_percent")
		positions = append(positions, p)
	}
	return positions, nil
}

// Holdings fetches demat holdings for the account.
func (s *RestSDK) Holdings(ctx context.Context, token string) ([]types.Holding, error) {
	var result map[string]any
	resp, err := s.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&result).
		Get("/v1/holdings")
	if err != nil {
		return nil, fmt.Errorf("%w: holdings: %v", ErrNetwork, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classifyDataFailure("holdings", "", "", resp)
	}

	var holdings []types.Holding
	raw, _ := result["holdings"].([]any)
	for _, item := range raw {
		row, ok := item.(map[string]any)
		if !ok {
			continue
		}
		h := types.Holding{
			Symbol:           str(row, "trading_symbol"),
			Exchange:         types.Exchange(str(row, "exchange")),
			Quantity:         num(row, "quantity"),
			AvgPrice:         flt(row, "average_price"),
			LTP:              flt(row, "last_price"),
			PnL:              flt(row, "pnl"),
			PnLPercent:       flt(row, "pnl_percent"),
			DayChange:        flt(row, "day_change"),
			DayChangePercent: flt(row, "day_change_percent"),
		}
		h.InvestmentValue = h.AvgPrice * float64(h.Quantity)
		h.CurrentValue = h.LTP * float64(h.Quantity)
		holdings = append(holdings, h)
	}
	return holdings, nil
}

// parseOrder builds the normalized Order from a place response, filling
// request fields the broker echoes back sparsely.
func parseOrder(result map[string]any, req types.OrderRequest) (*types.Order, error) {
	orderID := str(result, "groww_order_id")
	if orderID == "" {
		orderID = str(result, "order_id")
	}
	if orderID == "" {
		return nil, &OrderError{Symbol: req.Symbol, Kind: OrderErrGeneric, Message: "response missing order id"}
	}
	status := types.OrderStatusPending
	if raw := str(result, "order_status"); raw != "" {
		parsed, err := types.ParseOrderStatus(raw)
		if err != nil {
			return nil, fmt.Errorf("parse place response: %w", err)
		}
		status = parsed
	}
	return &types.Order{
		OrderID:      orderID,
		Symbol:       req.Symbol,
		Exchange:     req.Exchange,
		Quantity:     req.Quantity,
		Price:        req.Price,
		TriggerPrice: req.TriggerPrice,
		Side:         req.Side,
		OrderType:    req.OrderType,
		Product:      req.Product,
		Status:       status,
		FilledQty:    num(result, "filled_quantity"),
		Timestamp:    time.Now(),
		Message:      str(result, "remark"),
	}, nil
}

// classifyOrderFailure maps a broker error response onto the taxonomy by
// message substring.
func classifyOrderFailure(symbol, exchange string, resp *resty.Response) error {
	msg := resp.String()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "insufficient") || strings.Contains(lower, "balance"):
		return &OrderError{Symbol: symbol, Kind: OrderErrInsufficientFunds, Message: msg}
	case strings.Contains(lower, "market closed") || strings.Contains(lower, "trading closed"):
		return &OrderError{Symbol: symbol, Kind: OrderErrMarketClosed, Message: msg}
	case strings.Contains(lower, "symbol") || strings.Contains(lower, "not found"):
		return &SymbolNotFoundError{Symbol: symbol, Exchange: exchange}
	case strings.Contains(lower, "rate limit") || resp.StatusCode() == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", ErrAuthentication, resp.StatusCode(), msg)
	default:
		return &OrderError{Symbol: symbol, Kind: OrderErrGeneric,
			Message: fmt.Sprintf("status %d: %s", resp.StatusCode(), msg)}
	}
}

// classifyDataFailure tags a failed read with its data kind.
func classifyDataFailure(kind, symbol, exchange string, resp *resty.Response) error {
	lower := strings.ToLower(resp.String())
	switch {
	case strings.Contains(lower, "symbol") || strings.Contains(lower, "not found"):
		return &SymbolNotFoundError{Symbol: symbol, Exchange: exchange}
	case strings.Contains(lower, "rate limit") || resp.StatusCode() == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: retryAfter(resp)}
	default:
		return &DataFetchError{Kind: kind, Symbol: symbol,
			Message: fmt.Sprintf("status %d: %s", resp.StatusCode(), resp.String())}
	}
}

func retryAfter(resp *resty.Response) time.Duration {
	if v := resp.Header().Get("Retry-After"); v != "" {
		if d, err := time.ParseDuration(v + "s"); err == nil {
			return d
		}
	}
	return 0
}

// Loose-map accessors. Broker payloads default missing fields to zero.

func str(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func flt(m map[string]any, key string) float64 {
	if v, ok := m[key]; ok {
		return asFloat(v)
	}
	return 0
}

func num(m map[string]any, key string) int {
	return int(flt(m, key))
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
