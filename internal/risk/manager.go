// Package risk enforces the order-validation pipeline and the kill switch.
//
// The Manager (risk gate) sits between every caller and the broker client.
// It owns the per-day counters, a mirror of open positions, and the daily
// P&L, and checks each order against both the operator-tunable soft limits
// and the immutable hard limits:
//
//   - Single-order value:  qty × price ≤ MAX_SINGLE_ORDER_VALUE  (hard)
//   - Position size:       BUY value ≤ max_position_size          (soft)
//   - Daily order cap:     count < MAX_DAILY_ORDERS               (hard)
//   - Open-position cap:   distinct BUY symbols < max_open_positions
//   - Daily loss:          |pnl| under soft and hard loss limits
//   - Forbidden venue:     segment/product deny-lists
//
// Rejections are structured results, never errors, and are never retried.
// Counters reset lazily on the first call after a calendar-day change;
// open positions survive the rollover.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"groww-trader/internal/config"
	"groww-trader/pkg/types"
)

// PositionReader supplies the broker's view of open positions. Implemented
// by the broker client.
type PositionReader interface {
	GetPositions(ctx context.Context) ([]types.Position, error)
}

// Manager is the stateful risk gate. A single lock serializes validation,
// recording, P&L updates, and status reads.
type Manager struct {
	cfg    config.RiskConfig
	hard   config.HardLimits
	broker PositionReader
	logger *slog.Logger

	mu              sync.Mutex
	currentDay      string // YYYY-MM-DD local date of the counters
	dailyPnL        float64
	dailyOrderCount int
	dailyOrders     []types.Order
	openPositions   map[string]types.Position

	validated        int64
	approved         int64
	rejected         int64
	rejectionReasons map[string]int64
}

// NewManager creates the risk gate.
func NewManager(cfg config.RiskConfig, hard config.HardLimits, broker PositionReader, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:              cfg,
		hard:             hard,
		broker:           broker,
		logger:           logger.With("component", "risk"),
		currentDay:       today(),
		openPositions:    make(map[string]types.Position),
		rejectionReasons: make(map[string]int64),
	}
}

func today() string {
	return time.Now().Format("2006-01-02")
}

// ValidateOrder runs the pipeline and returns the structured verdict.
// The first failing check short-circuits; every rejection increments the
// per-reason counter.
func (m *Manager) ValidateOrder(req types.OrderRequest) types.ValidationResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rolloverIfNeeded()
	m.validated++

	orderValue, _ := decimal.NewFromFloat(req.Price).
		Mul(decimal.NewFromInt(int64(req.Quantity))).Float64()

	// Hard single-order value cap.
	if orderValue > m.hard.MaxSingleOrderValue {
		return m.reject("max_single_order_value",
			fmt.Sprintf("order value %.2f exceeds hard limit %.2f", orderValue, m.hard.MaxSingleOrderValue),
			orderValue, m.hard.MaxSingleOrderValue)
	}

	// Soft position-size cap, BUY only.
	if req.Side == types.BUY && orderValue > m.cfg.MaxPositionSize {
		return m.reject("max_position_size",
			fmt.Sprintf("order value %.2f exceeds max position size %.2f", orderValue, m.cfg.MaxPositionSize),
			orderValue, m.cfg.MaxPositionSize)
	}

	// Hard daily-order cap.
	if m.dailyOrderCount >= m.hard.MaxDailyOrders {
		return m.reject("max_daily_orders",
			fmt.Sprintf("daily order count %d at hard limit %d", m.dailyOrderCount, m.hard.MaxDailyOrders),
			float64(m.dailyOrderCount), float64(m.hard.MaxDailyOrders))
	}

	// Open-position cap: only BUYs opening a new symbol count against it.
	if req.Side == types.BUY {
		if _, held := m.openPositions[req.Symbol]; !held && len(m.openPositions) >= m.cfg.MaxOpenPositions {
			return m.reject("max_open_positions",
				fmt.Sprintf("open positions %d at limit %d", len(m.openPositions), m.cfg.MaxOpenPositions),
				float64(len(m.openPositions)), float64(m.cfg.MaxOpenPositions))
		}
	}

	// Daily loss, hard bound first.
	if m.dailyPnL < 0 {
		loss := -m.dailyPnL
		if loss >= m.hard.MaxDailyLossHard {
			return m.reject("max_daily_loss_hard",
				fmt.Sprintf("daily loss %.2f at hard limit %.2f — kill switch territory", loss, m.hard.MaxDailyLossHard),
				loss, m.hard.MaxDailyLossHard)
		}
		if loss >= m.cfg.MaxDailyLoss {
			return m.reject("max_daily_loss",
				fmt.Sprintf("daily loss %.2f at limit %.2f", loss, m.cfg.MaxDailyLoss),
				loss, m.cfg.MaxDailyLoss)
		}
	}

	// Venue deny-lists.
	if req.Segment != "" && m.hard.SegmentForbidden(string(req.Segment)) {
		return m.reject("forbidden_segment",
			fmt.Sprintf("segment %s is forbidden", req.Segment), 0, 0)
	}
	if req.Product != "" && m.hard.ProductForbidden(string(req.Product)) {
		return m.reject("forbidden_product",
			fmt.Sprintf("product %s is forbidden", req.Product), 0, 0)
	}

	m.approved++
	return types.ValidationResult{Approved: true}
}

// reject counts and builds a denial. Caller holds mu.
func (m *Manager) reject(limitType, reason string, current, limit float64) types.ValidationResult {
	m.rejected++
	m.rejectionReasons[limitType]++
	m.logger.Warn("order rejected", "limit_type", limitType, "reason", reason)
	return types.ValidationResult{
		Approved:  false,
		Reason:    reason,
		LimitType: limitType,
		Current:   current,
		Limit:     limit,
	}
}

// RecordOrder registers a successfully placed order against the daily
// counters. Call it after, not before, the broker accepts the order.
func (m *Manager) RecordOrder(order types.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rolloverIfNeeded()
	m.dailyOrders = append(m.dailyOrders, order)
	m.dailyOrderCount++
	m.logger.Info("order recorded",
		"order_id", order.OrderID, "symbol", order.Symbol,
		"daily_count", m.dailyOrderCount)
}

// UpdateDailyPnL re-reads positions from the broker, rebuilds the
// open-position mirror, and recomputes the daily P&L as the sum of
// per-position P&L (missing values count as zero).
func (m *Manager) UpdateDailyPnL(ctx context.Context) error {
	positions, err := m.broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("update daily pnl: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.rolloverIfNeeded()
	m.openPositions = make(map[string]types.Position, len(positions))
	total := 0.0
	for _, p := range positions {
		if p.Quantity == 0 {
			continue
		}
		m.openPositions[p.Symbol] = p
		if p.PnL != nil {
			total += *p.PnL
		}
	}
	m.dailyPnL = total
	return nil
}

// RecordTradePnL adjusts the daily P&L directly, for flows that know a
// trade outcome without a broker position refresh (paper mode, GTT fills).
func (m *Manager) RecordTradePnL(pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverIfNeeded()
	m.dailyPnL += pnl
}

// DailyPnL returns the current daily P&L. Used by the kill-switch monitor.
func (m *Manager) DailyPnL() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverIfNeeded()
	return m.dailyPnL
}

// Status assembles a RiskMetrics snapshot. Warnings fire at 80% of the
// loss and order-count limits; IsHealthy drops on any outright breach.
func (m *Manager) Status(killSwitchActive bool) types.RiskMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rolloverIfNeeded()

	usedCapital := 0.0
	for _, p := range m.openPositions {
		usedCapital += float64(p.Quantity) * p.AvgPrice
	}

	metrics := types.RiskMetrics{
		DailyPnL:         m.dailyPnL,
		OpenPositions:    len(m.openPositions),
		MaxPositions:     m.cfg.MaxOpenPositions,
		UsedCapital:      usedCapital,
		AvailableCapital: m.cfg.MaxPortfolioValue - usedCapital,
		DailyLossLimit:   m.cfg.MaxDailyLoss,
		DailyOrderCount:  m.dailyOrderCount,
		MaxDailyOrders:   m.hard.MaxDailyOrders,
		KillSwitchActive: killSwitchActive,
		IsHealthy:        !killSwitchActive,
	}

	if m.dailyPnL < 0 {
		loss := -m.dailyPnL
		switch {
		case loss >= m.cfg.MaxDailyLoss:
			metrics.Warnings = append(metrics.Warnings,
				fmt.Sprintf("daily loss %.2f breached limit %.2f", loss, m.cfg.MaxDailyLoss))
			metrics.IsHealthy = false
		case loss >= m.cfg.MaxDailyLoss*0.8:
			metrics.Warnings = append(metrics.Warnings,
				fmt.Sprintf("daily loss %.2f at %.0f%% of limit %.2f", loss, loss/m.cfg.MaxDailyLoss*100, m.cfg.MaxDailyLoss))
		}
	}

	switch {
	case m.dailyOrderCount >= m.hard.MaxDailyOrders:
		metrics.Warnings = append(metrics.Warnings,
			fmt.Sprintf("daily order count %d at hard limit %d", m.dailyOrderCount, m.hard.MaxDailyOrders))
		metrics.IsHealthy = false
	case float64(m.dailyOrderCount) >= float64(m.hard.MaxDailyOrders)*0.8:
		metrics.Warnings = append(metrics.Warnings,
			fmt.Sprintf("daily order count %d near hard limit %d", m.dailyOrderCount, m.hard.MaxDailyOrders))
	}

	return metrics
}

// Stats returns validation counters including per-reason rejections.
func (m *Manager) Stats() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	reasons := make(map[string]int64, len(m.rejectionReasons))
	for k, v := range m.rejectionReasons {
		reasons[k] = v
	}
	return map[string]any{
		"orders_validated":  m.validated,
		"orders_approved":   m.approved,
		"orders_rejected":   m.rejected,
		"rejection_reasons": reasons,
	}
}

// rolloverIfNeeded resets the per-day counters on the first call after a
// local calendar-date change. Open positions are preserved. Idempotent.
// Caller holds mu.
func (m *Manager) rolloverIfNeeded() {
	day := today()
	if day == m.currentDay {
		return
	}
	m.logger.Info("day rollover, resetting daily counters",
		"previous_day", m.currentDay, "day", day,
		"final_pnl", m.dailyPnL, "final_order_count", m.dailyOrderCount)
	m.currentDay = day
	m.dailyPnL = 0
	m.dailyOrderCount = 0
	m.dailyOrders = nil
}
