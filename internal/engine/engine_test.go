package engine

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"groww-trader/internal/broker"
	"groww-trader/internal/config"
	"groww-trader/internal/gtt"
	"groww-trader/pkg/types"
)

// testEngineConfig builds a paper-mode configuration backed by a temp GTT
// database. Paper mode keeps every test off the network.
func testEngineConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Trading: config.TradingConfig{
			Mode:     "paper",
			Exchange: "NSE",
			Segment:  "CASH",
			Product:  "CNC",
		},
		Risk: config.RiskConfig{
			MaxPortfolioValue: 50000,
			MaxPositionSize:   5000,
			MaxDailyLoss:      2000,
			MaxOpenPositions:  3,
		},
		API: config.APIConfig{
			BaseURL:    "https://api.invalid",
			APIKey:     "test-key",
			APISecret:  "test-secret",
			TimeoutSec: 2,
			RateLimits: config.RateLimitsConfig{
				OrdersPerSecond:     10,
				LiveDataPerSecond:   5,
				NonTradingPerSecond: 10,
			},
		},
		KillSwitch: config.KillSwitchConfig{
			ConsecutiveLossThreshold: 5,
			APIErrorRateThreshold:    0.3,
			NetworkTimeoutSeconds:    60,
			CheckIntervalSeconds:     30,
			Recovery: config.RecoveryProtocol{
				CooldownPeriodMinutes: 60,
				ApprovalCode:          "TEST_CODE_123",
			},
		},
		GTT: config.GTTConfig{
			DBPath:                 filepath.Join(t.TempDir(), "gtt.db"),
			MonitorIntervalSeconds: 1,
			PriceCacheTTLSeconds:   10,
		},
		Limits: config.LimitsConfig{
			Hard: config.HardLimits{
				MaxSingleOrderValue: 10000,
				MaxDailyOrders:      15,
				MaxPortfolioValue:   100000,
				MaxDailyLossHard:    5000,
				AllowedExchanges:    []string{"NSE", "BSE"},
				ForbiddenSegments:   []string{"FNO"},
				ForbiddenProducts:   []string{"MIS", "NRML"},
			},
		},
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(testEngineConfig(t), slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func orderRequest() types.OrderRequest {
	return types.OrderRequest{
		Symbol:    "RELIANCE",
		Exchange:  types.NSE,
		Quantity:  1,
		Price:     2500,
		Side:      types.BUY,
		OrderType: types.OrderTypeLimit,
		Product:   types.ProductCNC,
		Segment:   types.SegmentCash,
	}
}

func TestPaperOrderFlow(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	order, err := e.PlaceOrder(context.Background(), orderRequest())
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if !strings.HasPrefix(order.OrderID, "PAPER_") {
		t.Errorf("OrderID = %q, want PAPER_ prefix", order.OrderID)
	}

	metrics := e.RiskStatus(context.Background())
	if metrics.DailyOrderCount != 1 {
		t.Errorf("DailyOrderCount = %d, want 1", metrics.DailyOrderCount)
	}
}

func TestPlaceOrderBlockedByKillSwitch(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	e.ActivateKillSwitch("manual halt for test")
	_, err := e.PlaceOrder(context.Background(), orderRequest())
	var kse *broker.KillSwitchActiveError
	if !errors.As(err, &kse) {
		t.Fatalf("err = %v, want KillSwitchActiveError", err)
	}

	status := e.KillSwitchStatus()
	if !status.Active || status.Reason != "manual halt for test" {
		t.Errorf("status = %+v", status)
	}
}

func TestPlaceOrderRiskRejected(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	req := orderRequest()
	req.Quantity = 3 // 7500 > 5000 soft position cap
	_, err := e.PlaceOrder(context.Background(), req)
	if err == nil {
		t.Fatal("over-limit order accepted")
	}
	if !strings.Contains(err.Error(), "max_position_size") {
		t.Errorf("err = %v, want max_position_size rejection", err)
	}
}

func TestDeactivateKillSwitchRequiresCode(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	e.ActivateKillSwitch("halt")
	if err := e.DeactivateKillSwitch("WRONG"); err == nil {
		t.Error("deactivation succeeded with wrong code")
	}
	if !e.KillSwitchStatus().Active {
		t.Error("switch cleared by wrong code")
	}
}

func TestGTTLifecycleThroughEngine(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	g, err := e.CreateGTT(gtt.CreateParams{
		Symbol:       "INFY",
		Exchange:     types.NSE,
		TriggerPrice: 1500,
		OrderType:    types.OrderTypeMarket,
		Action:       types.SELL,
		Quantity:     5,
	})
	if err != nil {
		t.Fatalf("CreateGTT: %v", err)
	}

	got, err := e.GetGTT(g.ID)
	if err != nil {
		t.Fatalf("GetGTT: %v", err)
	}
	if got.Status != types.GTTActive {
		t.Errorf("Status = %s, want ACTIVE", got.Status)
	}

	list, err := e.ListGTTs(0, nil)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListGTTs = %v, %v", list, err)
	}

	cancelled, err := e.CancelGTT(g.ID)
	if err != nil {
		t.Fatalf("CancelGTT: %v", err)
	}
	if cancelled.Status != types.GTTCancelled {
		t.Errorf("Status = %s, want CANCELLED", cancelled.Status)
	}

	// Manual trigger on a CANCELLED GTT is refused before any price fetch.
	if err := e.TriggerGTTManually(context.Background(), g.ID); err == nil {
		t.Error("manual trigger accepted a CANCELLED GTT")
	}
}

func TestGTTStatisticsShape(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	stats, err := e.GTTStatistics()
	if err != nil {
		t.Fatalf("GTTStatistics: %v", err)
	}
	for _, key := range []string{"store", "executor", "monitor"} {
		if _, ok := stats[key]; !ok {
			t.Errorf("GTTStatistics missing %q", key)
		}
	}
}

func TestPortfolioSummaryEmptyInPaperMode(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	summary, err := e.GetPortfolioSummary(context.Background())
	if err != nil {
		t.Fatalf("GetPortfolioSummary: %v", err)
	}
	if summary.HoldingCount != 0 || summary.CurrentValue != 0 {
		t.Errorf("summary = %+v, want empty", summary)
	}
}

func TestStartAndStop(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Start(); err == nil {
		t.Error("second Start succeeded")
	}

	e.PauseGTTMonitoring()
	e.ResumeGTTMonitoring()
	e.ClearGTTPriceCache()

	e.Stop()
}

func TestStatsAggregatesComponents(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	stats := e.Stats()
	for _, key := range []string{"broker", "risk", "kill_switch", "gtt_monitor", "gtt_exec"} {
		if _, ok := stats[key]; !ok {
			t.Errorf("Stats missing %q", key)
		}
	}
}
