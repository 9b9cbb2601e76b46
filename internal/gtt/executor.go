package gtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"groww-trader/internal/broker"
	"groww-trader/pkg/types"
)

// OrderGate is the kill switch's pre-order check.
type OrderGate interface {
	CheckBeforeOrder() error
}

// RiskGate is the slice of the risk manager the executor needs.
type RiskGate interface {
	ValidateOrder(req types.OrderRequest) types.ValidationResult
	RecordOrder(order types.Order)
}

// OrderPlacer is the slice of the broker client the executor needs.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error)
	GetLTP(ctx context.Context, symbol string, exchange types.Exchange) (float64, error)
}

// ExecutorStats are cumulative execution counters.
type ExecutorStats struct {
	Attempted        int64
	Succeeded        int64
	Failed           int64
	RiskRejections   int64
	KillSwitchBlocks int64
	SuccessRate      float64
}

// Executor turns a triggered GTT into a real order. Every execution runs
// the same gauntlet as a manual order: kill switch, then risk gate, then
// broker. A failure at any stage marks the GTT FAILED with the reason
// persisted, so the row itself is the audit record.
type Executor struct {
	store  *Store
	gate   OrderGate
	risk   RiskGate
	broker OrderPlacer
	logger *slog.Logger

	mu               sync.Mutex
	attempted        int64
	succeeded        int64
	failed           int64
	riskRejections   int64
	killSwitchBlocks int64
}

// NewExecutor wires the execution pipeline.
func NewExecutor(store *Store, gate OrderGate, risk RiskGate, placer OrderPlacer, logger *slog.Logger) *Executor {
	return &Executor{
		store:  store,
		gate:   gate,
		risk:   risk,
		broker: placer,
		logger: logger.With("component", "gtt_executor"),
	}
}

// Execute places the order for a GTT whose trigger condition has been met
// at the given last traded price. On any failure the GTT transitions to
// FAILED with the reason persisted; on success it transitions to TRIGGERED
// carrying the broker order id.
func (e *Executor) Execute(ctx context.Context, g *types.GTT, price float64) error {
	e.mu.Lock()
	e.attempted++
	e.mu.Unlock()

	e.logger.Info("executing GTT",
		"gtt_id", g.ID, "symbol", g.Symbol, "action", string(g.Action),
		"trigger_price", g.TriggerPrice, "ltp", price)

	// Kill switch first. An active switch fails the GTT rather than leaving
	// it ACTIVE to re-fire every tick.
	if err := e.gate.CheckBeforeOrder(); err != nil {
		e.mu.Lock()
		e.killSwitchBlocks++
		e.failed++
		e.mu.Unlock()
		e.markFailed(g.ID, fmt.Sprintf("Kill switch active: %v", err), price)
		return &broker.GTTExecutionError{GTTID: g.ID, Err: err}
	}

	req := e.orderRequest(g)

	// Risk gate values the order at the price it will actually fill near:
	// the limit price for LIMIT orders, the trigger LTP for MARKET orders
	// (whose broker request carries no price at all).
	checkReq := req
	if checkReq.Price == 0 {
		checkReq.Price = price
	}
	if result := e.risk.ValidateOrder(checkReq); !result.Approved {
		e.mu.Lock()
		e.riskRejections++
		e.failed++
		e.mu.Unlock()
		e.markFailed(g.ID, fmt.Sprintf("Risk validation failed: %s", result.Reason), price)
		return &broker.GTTExecutionError{
			GTTID: g.ID,
			Err:   fmt.Errorf("risk rejected: %s", result.Reason),
		}
	}

	order, err := e.broker.PlaceOrder(ctx, req)
	if err != nil {
		e.mu.Lock()
		e.failed++
		e.mu.Unlock()
		e.markFailed(g.ID, fmt.Sprintf("Order placement failed: %v", err), price)
		return &broker.GTTExecutionError{GTTID: g.ID, Err: err}
	}

	ltp := price
	if _, err := e.store.UpdateStatus(g.ID, types.GTTTriggered, UpdateFields{
		OrderID:    &order.OrderID,
		TriggerLTP: &ltp,
	}); err != nil {
		// The order is live but the row is stale. Log loudly; the operator
		// reconciles from the broker order id.
		e.logger.Error("order placed but GTT status update failed",
			"gtt_id", g.ID, "order_id", order.OrderID, "error", err)
		return &broker.GTTExecutionError{GTTID: g.ID, Err: err}
	}
	e.risk.RecordOrder(*order)

	e.mu.Lock()
	e.succeeded++
	e.mu.Unlock()
	e.logger.Info("GTT triggered",
		"gtt_id", g.ID, "order_id", order.OrderID, "ltp", price)
	return nil
}

// RetryFailed resets a FAILED GTT to ACTIVE and, if its trigger condition
// already holds at the current price, executes it immediately. Otherwise
// the GTT stays ACTIVE for the monitor to pick up.
func (e *Executor) RetryFailed(ctx context.Context, id int64) error {
	g, err := e.store.Get(id)
	if err != nil {
		return err
	}
	if g.Status != types.GTTFailed {
		return fmt.Errorf("GTT %d: retry requires FAILED status, got %s", id, g.Status)
	}

	g, err = e.store.UpdateStatus(id, types.GTTActive, UpdateFields{})
	if err != nil {
		return err
	}
	e.logger.Info("GTT reset for retry", "gtt_id", id)

	ltp, err := e.broker.GetLTP(ctx, g.Symbol, g.Exchange)
	if err != nil {
		// Reset succeeded; the monitor retries the price on its next tick.
		e.logger.Warn("retry price fetch failed, GTT left ACTIVE",
			"gtt_id", id, "error", err)
		return nil
	}
	if g.ShouldTrigger(ltp) {
		return e.Execute(ctx, g, ltp)
	}
	return nil
}

// Stats returns the cumulative counters.
func (e *Executor) Stats() ExecutorStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	stats := ExecutorStats{
		Attempted:        e.attempted,
		Succeeded:        e.succeeded,
		Failed:           e.failed,
		RiskRejections:   e.riskRejections,
		KillSwitchBlocks: e.killSwitchBlocks,
	}
	if stats.Attempted > 0 {
		stats.SuccessRate = float64(stats.Succeeded) / float64(stats.Attempted)
	}
	return stats
}

// orderRequest builds the broker request for a GTT. GTT orders are always
// CNC delivery in the cash segment.
func (e *Executor) orderRequest(g *types.GTT) types.OrderRequest {
	req := types.OrderRequest{
		Symbol:    g.Symbol,
		Exchange:  g.Exchange,
		Quantity:  g.Quantity,
		Side:      g.Action,
		OrderType: g.OrderType,
		Product:   types.ProductCNC,
		Segment:   types.SegmentCash,
	}
	if g.OrderType == types.OrderTypeLimit && g.LimitPrice != nil {
		req.Price = *g.LimitPrice
	}
	return req
}

// markFailed persists the failure; a persistence error here is logged, not
// propagated, because the execution error is the one the caller needs.
func (e *Executor) markFailed(id int64, message string, ltp float64) {
	if _, err := e.store.UpdateStatus(id, types.GTTFailed, UpdateFields{
		ErrorMessage: &message,
		TriggerLTP:   &ltp,
	}); err != nil {
		e.logger.Error("failed to mark GTT as FAILED", "gtt_id", id, "error", err)
	}
}
