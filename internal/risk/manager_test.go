package risk

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"groww-trader/internal/config"
	"groww-trader/pkg/types"
)

// stubPositions implements PositionReader with a fixed snapshot.
type stubPositions struct {
	positions []types.Position
	err       error
}

func (s *stubPositions) GetPositions(ctx context.Context) ([]types.Position, error) {
	return s.positions, s.err
}

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxPortfolioValue: 50000,
		MaxPositionSize:   5000,
		MaxDailyLoss:      2000,
		MaxOpenPositions:  3,
	}
}

func testHardLimits() config.HardLimits {
	return config.HardLimits{
		MaxSingleOrderValue: 10000,
		MaxDailyOrders:      15,
		MaxPortfolioValue:   100000,
		MaxDailyLossHard:    5000,
		AllowedExchanges:    []string{"NSE", "BSE"},
		ForbiddenSegments:   []string{"FNO"},
		ForbiddenProducts:   []string{"MIS", "NRML"},
	}
}

func newTestManager(broker PositionReader) *Manager {
	if broker == nil {
		broker = &stubPositions{}
	}
	return NewManager(testRiskConfig(), testHardLimits(), broker, slog.Default())
}

func buyRequest(qty int, price float64) types.OrderRequest {
	return types.OrderRequest{
		Symbol:    "RELIANCE",
		Exchange:  types.NSE,
		Quantity:  qty,
		Price:     price,
		Side:      types.BUY,
		OrderType: types.OrderTypeLimit,
		Product:   types.ProductCNC,
		Segment:   types.SegmentCash,
	}
}

func TestValidateApprovesSmallOrder(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)

	result := m.ValidateOrder(buyRequest(1, 2500))
	if !result.Approved {
		t.Fatalf("small order rejected: %s", result.Reason)
	}
}

func TestValidateRejectsOverHardOrderValue(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)

	result := m.ValidateOrder(buyRequest(100, 500)) // 50000 > 10000 hard
	if result.Approved {
		t.Fatal("over-limit order approved")
	}
	if result.LimitType != "max_single_order_value" {
		t.Errorf("LimitType = %q, want max_single_order_value", result.LimitType)
	}
	if result.Current != 50000 {
		t.Errorf("Current = %v, want 50000", result.Current)
	}
	if result.Limit != 10000 {
		t.Errorf("Limit = %v, want 10000", result.Limit)
	}
}

func TestValidateRejectsOverPositionSizeBuyOnly(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)

	// 6000 exceeds the 5000 soft position cap for a BUY.
	result := m.ValidateOrder(buyRequest(3, 2000))
	if result.Approved {
		t.Fatal("BUY over position size approved")
	}
	if result.LimitType != "max_position_size" {
		t.Errorf("LimitType = %q, want max_position_size", result.LimitType)
	}

	// The same value is fine on a SELL.
	sell := buyRequest(3, 2000)
	sell.Side = types.SELL
	if result := m.ValidateOrder(sell); !result.Approved {
		t.Errorf("SELL over position size rejected: %s", result.Reason)
	}
}

func TestValidateRejectsAtDailyOrderCap(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)

	for i := 0; i < 15; i++ {
		m.RecordOrder(types.Order{OrderID: "x", Symbol: "RELIANCE"})
	}
	result := m.ValidateOrder(buyRequest(1, 100))
	if result.Approved {
		t.Fatal("order approved at daily cap")
	}
	if result.LimitType != "max_daily_orders" {
		t.Errorf("LimitType = %q, want max_daily_orders", result.LimitType)
	}
}

func TestValidateOpenPositionCap(t *testing.T) {
	t.Parallel()
	pnl := 0.0
	m := newTestManager(&stubPositions{positions: []types.Position{
		{Symbol: "RELIANCE", Quantity: 1, AvgPrice: 2500, PnL: &pnl},
		{Symbol: "INFY", Quantity: 2, AvgPrice: 1500, PnL: &pnl},
		{Symbol: "TCS", Quantity: 1, AvgPrice: 3500, PnL: &pnl},
	}})
	if err := m.UpdateDailyPnL(context.Background()); err != nil {
		t.Fatal(err)
	}

	// New symbol BUY at the cap is rejected.
	req := buyRequest(1, 100)
	req.Symbol = "HDFC"
	result := m.ValidateOrder(req)
	if result.Approved {
		t.Fatal("BUY to new symbol approved at position cap")
	}
	if result.LimitType != "max_open_positions" {
		t.Errorf("LimitType = %q, want max_open_positions", result.LimitType)
	}

	// Adding to an existing symbol bypasses the cap.
	if result := m.ValidateOrder(buyRequest(1, 100)); !result.Approved {
		t.Errorf("add to held symbol rejected: %s", result.Reason)
	}

	// SELL of a new symbol bypasses the cap too.
	sell := req
	sell.Side = types.SELL
	if result := m.ValidateOrder(sell); !result.Approved {
		t.Errorf("SELL rejected at position cap: %s", result.Reason)
	}
}

func TestValidateDailyLossLimits(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)

	m.RecordTradePnL(-2500) // past soft 2000, under hard 5000
	result := m.ValidateOrder(buyRequest(1, 100))
	if result.Approved {
		t.Fatal("order approved past soft loss limit")
	}
	if result.LimitType != "max_daily_loss" {
		t.Errorf("LimitType = %q, want max_daily_loss", result.LimitType)
	}

	m.RecordTradePnL(-3000) // total -5500, past hard 5000
	result = m.ValidateOrder(buyRequest(1, 100))
	if result.LimitType != "max_daily_loss_hard" {
		t.Errorf("LimitType = %q, want max_daily_loss_hard", result.LimitType)
	}
}

func TestValidateForbiddenSegmentAndProduct(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)

	req := buyRequest(1, 100)
	req.Segment = types.SegmentFNO
	if result := m.ValidateOrder(req); result.Approved || result.LimitType != "forbidden_segment" {
		t.Errorf("forbidden segment: got %+v", result)
	}

	req = buyRequest(1, 100)
	req.Product = types.ProductMIS
	if result := m.ValidateOrder(req); result.Approved || result.LimitType != "forbidden_product" {
		t.Errorf("forbidden product: got %+v", result)
	}
}

func TestDayRolloverResetsCountersKeepsPositions(t *testing.T) {
	t.Parallel()
	pnl := -500.0
	m := newTestManager(&stubPositions{positions: []types.Position{
		{Symbol: "RELIANCE", Quantity: 1, AvgPrice: 2500, PnL: &pnl},
	}})
	if err := m.UpdateDailyPnL(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		m.RecordOrder(types.Order{OrderID: "x"})
	}

	// Simulate yesterday's state.
	m.mu.Lock()
	m.currentDay = time.Now().AddDate(0, 0, -1).Format("2006-01-02")
	m.mu.Unlock()

	result := m.ValidateOrder(buyRequest(1, 100))
	if !result.Approved {
		t.Fatalf("order rejected after rollover: %s", result.Reason)
	}

	metrics := m.Status(false)
	if metrics.DailyOrderCount != 0 {
		t.Errorf("DailyOrderCount = %d, want 0 after rollover", metrics.DailyOrderCount)
	}
	if metrics.DailyPnL != 0 {
		t.Errorf("DailyPnL = %v, want 0 after rollover", metrics.DailyPnL)
	}
	if metrics.OpenPositions != 1 {
		t.Errorf("OpenPositions = %d, want 1 preserved across rollover", metrics.OpenPositions)
	}
}

func TestUpdateDailyPnLRebuildsMirror(t *testing.T) {
	t.Parallel()
	pnlA, pnlB := -300.0, 150.0
	stub := &stubPositions{positions: []types.Position{
		{Symbol: "RELIANCE", Quantity: 2, AvgPrice: 2500, PnL: &pnlA},
		{Symbol: "INFY", Quantity: 5, AvgPrice: 1500, PnL: &pnlB},
		{Symbol: "TCS", Quantity: 1, AvgPrice: 3500, PnL: nil}, // missing pnl counts as 0
	}}
	m := newTestManager(stub)

	if err := m.UpdateDailyPnL(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := m.DailyPnL(); got != -150 {
		t.Errorf("DailyPnL = %v, want -150", got)
	}

	metrics := m.Status(false)
	if metrics.OpenPositions != 3 {
		t.Errorf("OpenPositions = %d, want 3", metrics.OpenPositions)
	}
	wantUsed := 2*2500.0 + 5*1500.0 + 1*3500.0
	if metrics.UsedCapital != wantUsed {
		t.Errorf("UsedCapital = %v, want %v", metrics.UsedCapital, wantUsed)
	}
}

func TestStatusWarningsAtEightyPercent(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)

	m.RecordTradePnL(-1700) // 85% of the 2000 soft loss limit
	metrics := m.Status(false)
	if len(metrics.Warnings) == 0 {
		t.Error("no warning at 85% of loss limit")
	}
	if !metrics.IsHealthy {
		t.Error("IsHealthy = false below breach")
	}

	for i := 0; i < 15; i++ {
		m.RecordOrder(types.Order{OrderID: "x"})
	}
	metrics = m.Status(false)
	if metrics.IsHealthy {
		t.Error("IsHealthy = true at order-count breach")
	}
}

func TestStatsCountRejectionsByReason(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)

	m.ValidateOrder(buyRequest(1, 2500))  // approved
	m.ValidateOrder(buyRequest(100, 500)) // max_single_order_value
	m.ValidateOrder(buyRequest(100, 500)) // max_single_order_value

	stats := m.Stats()
	if got := stats["orders_validated"].(int64); got != 3 {
		t.Errorf("orders_validated = %d, want 3", got)
	}
	if got := stats["orders_approved"].(int64); got != 1 {
		t.Errorf("orders_approved = %d, want 1", got)
	}
	reasons := stats["rejection_reasons"].(map[string]int64)
	if reasons["max_single_order_value"] != 2 {
		t.Errorf("max_single_order_value rejections = %d, want 2", reasons["max_single_order_value"])
	}
}
