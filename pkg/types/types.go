// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trading control plane —
// order and transaction enums, normalized broker records, GTT rows, and
// risk metric snapshots. It has no dependencies on internal packages, so
// it can be imported by any layer.
package types

import (
	"fmt"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// ParseSide validates a raw transaction-type string from a caller or broker
// response. Unknown values are rejected at the boundary rather than allowed
// to propagate.
func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case BUY, SELL:
		return Side(s), nil
	}
	return "", fmt.Errorf("unknown side %q", s)
}

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	OrderTypeLimit          OrderType = "LIMIT"
	OrderTypeMarket         OrderType = "MARKET"
	OrderTypeStopLoss       OrderType = "STOP_LOSS"
	OrderTypeStopLossMarket OrderType = "STOP_LOSS_MARKET"
)

// ParseOrderType validates a raw order-type string.
func ParseOrderType(s string) (OrderType, error) {
	switch OrderType(s) {
	case OrderTypeLimit, OrderTypeMarket, OrderTypeStopLoss, OrderTypeStopLossMarket:
		return OrderType(s), nil
	}
	return "", fmt.Errorf("unknown order type %q", s)
}

// OrderStatus is the broker-side execution status of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusOpen      OrderStatus = "OPEN"
	OrderStatusCompleted OrderStatus = "COMPLETED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
	OrderStatusFailed    OrderStatus = "FAILED"
)

// ParseOrderStatus validates a raw status string from a broker response.
func ParseOrderStatus(s string) (OrderStatus, error) {
	switch OrderStatus(s) {
	case OrderStatusPending, OrderStatusOpen, OrderStatusCompleted,
		OrderStatusCancelled, OrderStatusRejected, OrderStatusFailed:
		return OrderStatus(s), nil
	}
	return "", fmt.Errorf("unknown order status %q", s)
}

// ProductType identifies how a position is margined and settled.
type ProductType string

const (
	ProductCNC  ProductType = "CNC"  // cash and carry (delivery)
	ProductMIS  ProductType = "MIS"  // margin intraday squareoff
	ProductNRML ProductType = "NRML" // normal (F&O carry-forward)
)

// Exchange identifies the venue an instrument trades on.
type Exchange string

const (
	NSE Exchange = "NSE"
	BSE Exchange = "BSE"
	MCX Exchange = "MCX"
)

// Segment identifies the market segment of an order.
type Segment string

const (
	SegmentCash Segment = "CASH"
	SegmentFNO  Segment = "FNO"
)

// GTTStatus is the lifecycle state of a good-till-triggered order.
//
// Allowed transitions: ACTIVE → {TRIGGERED, CANCELLED, FAILED},
// TRIGGERED → {COMPLETED, FAILED}, and the manual retry FAILED → ACTIVE.
// Terminal states never revert otherwise.
type GTTStatus string

const (
	GTTActive    GTTStatus = "ACTIVE"
	GTTTriggered GTTStatus = "TRIGGERED"
	GTTCompleted GTTStatus = "COMPLETED"
	GTTCancelled GTTStatus = "CANCELLED"
	GTTFailed    GTTStatus = "FAILED"
)

// ParseGTTStatus validates a raw GTT status string.
func ParseGTTStatus(s string) (GTTStatus, error) {
	switch GTTStatus(s) {
	case GTTActive, GTTTriggered, GTTCompleted, GTTCancelled, GTTFailed:
		return GTTStatus(s), nil
	}
	return "", fmt.Errorf("unknown GTT status %q", s)
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// OrderRequest is the caller-facing order submission. The broker client
// validates it against hard limits before any network call.
type OrderRequest struct {
	Symbol       string
	Exchange     Exchange
	Quantity     int
	Price        float64 // required > 0 for LIMIT
	TriggerPrice float64 // required > 0 for STOP_LOSS*
	Side         Side
	OrderType    OrderType
	Product      ProductType
	Segment      Segment
}

// Order is the normalized record returned by a place call. In paper mode
// the OrderID carries the PAPER_ prefix and no broker call is made.
type Order struct {
	OrderID      string
	Symbol       string
	Exchange     Exchange
	Quantity     int
	Price        float64
	TriggerPrice float64
	Side         Side
	OrderType    OrderType
	Product      ProductType
	Status       OrderStatus
	FilledQty    int
	AvgPrice     float64
	Timestamp    time.Time
	Message      string
}

// OrderStatusResponse is a broker status poll result.
type OrderStatusResponse struct {
	OrderID      string
	Status       OrderStatus
	Symbol       string
	Quantity     int
	FilledQty    int
	PendingQty   int
	AvgPrice     float64
	Price        float64
	TriggerPrice float64
	Side         Side
	OrderType    OrderType
	Product      ProductType
	Exchange     Exchange
	Timestamp    time.Time
	Message      string
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Quote is a normalized real-time quote for one instrument.
type Quote struct {
	Symbol        string
	Exchange      Exchange
	LTP           float64 // last traded price
	Open          float64
	High          float64
	Low           float64
	Close         float64
	Volume        int64
	Bid           float64
	Ask           float64
	BidQty        int64
	AskQty        int64
	Change        float64
	ChangePercent float64
	Timestamp     time.Time
}

// OHLC is a daily open/high/low/close snapshot.
type OHLC struct {
	Symbol   string
	Exchange Exchange
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   int64
	Date     time.Time
}

// Candle is a single interval in a historical series. High and Low are
// checked at the parse boundary (High ≥ Low).
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
}

// Validate rejects candles whose high/low bracket is inverted.
func (c Candle) Validate() error {
	if c.High < c.Low {
		return fmt.Errorf("candle at %s: high %.2f < low %.2f", c.Timestamp.Format(time.RFC3339), c.High, c.Low)
	}
	return nil
}

// HistoricalData is an OHLCV series for one instrument.
type HistoricalData struct {
	Symbol   string
	Exchange Exchange
	Interval string
	From     time.Time
	To       time.Time
	Candles  []Candle
}

// MarketStatus describes the current session of the target exchange.
type MarketStatus struct {
	Session   string    // "open", "pre_open", "post_close", "closed"
	IsOpen    bool      // true only during the regular session
	NextOpen  time.Time // next regular-session open
	NextClose time.Time // zero when the market is closed
	AsOf      time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Portfolio
// ————————————————————————————————————————————————————————————————————————

// Position is an open trading position reported by the broker.
type Position struct {
	Symbol           string
	Exchange         Exchange
	Product          ProductType
	Quantity         int
	AvgPrice         float64
	LTP              float64
	PnL              *float64 // nil when the broker omits it
	PnLPercent       float64
	DayChange        float64
	DayChangePercent float64
}

// Holding is a demat holding reported by the broker.
type Holding struct {
	Symbol           string
	Exchange         Exchange
	Quantity         int
	AvgPrice         float64
	LTP              float64
	CurrentValue     float64
	InvestmentValue  float64
	PnL              float64
	PnLPercent       float64
	DayChange        float64
	DayChangePercent float64
}

// AccountSummary aggregates margin and portfolio figures.
type AccountSummary struct {
	AvailableCash   float64
	UsedMargin      float64
	AvailableMargin float64
	PortfolioValue  float64
	TotalPnL        float64
	DayPnL          float64
}

// PortfolioSummary is the aggregate view over all holdings, with per-symbol
// allocation percentages of current value.
type PortfolioSummary struct {
	HoldingCount    int
	InvestmentValue float64
	CurrentValue    float64
	TotalPnL        float64
	TotalPnLPercent float64
	DayPnL          float64
	Allocation      map[string]float64 // symbol → % of current value
}

// ————————————————————————————————————————————————————————————————————————
// GTT
// ————————————————————————————————————————————————————————————————————————

// GTT is a durable conditional order. When the last traded price crosses
// TriggerPrice (≤ for BUY, ≥ for SELL), the executor places a real order.
type GTT struct {
	ID           int64
	Symbol       string
	Exchange     Exchange
	TriggerPrice float64
	OrderType    OrderType // LIMIT or MARKET only
	Action       Side
	Quantity     int
	LimitPrice   *float64 // non-nil iff OrderType is LIMIT
	Status       GTTStatus
	CreatedAt    time.Time
	TriggeredAt  *time.Time
	CompletedAt  *time.Time
	OrderID      *string
	ErrorMessage *string
	TriggerLTP   *float64 // LTP observed at trigger time
	Notes        *string
}

// ShouldTrigger reports whether the GTT fires at the given last traded
// price. BUY fires when price falls to or below the trigger; SELL fires
// when price rises to or above it.
func (g *GTT) ShouldTrigger(ltp float64) bool {
	if g.Action == BUY {
		return ltp <= g.TriggerPrice
	}
	return ltp >= g.TriggerPrice
}

// ————————————————————————————————————————————————————————————————————————
// Risk
// ————————————————————————————————————————————————————————————————————————

// ValidationResult is the structured outcome of a risk-gate check.
// Rejections are results, not errors: Approved=false with a human-readable
// Reason and the limit that was hit.
type ValidationResult struct {
	Approved  bool
	Reason    string
	LimitType string  // e.g. "max_daily_orders"
	Current   float64 // observed value at rejection time
	Limit     float64 // the configured bound
}

// RiskMetrics is a point-in-time health snapshot of the risk gate.
type RiskMetrics struct {
	DailyPnL         float64
	OpenPositions    int
	MaxPositions     int
	UsedCapital      float64
	AvailableCapital float64
	DailyLossLimit   float64
	DailyOrderCount  int
	MaxDailyOrders   int
	KillSwitchActive bool
	IsHealthy        bool
	Warnings         []string
}
