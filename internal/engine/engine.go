// Package engine is the central orchestrator of the trading control plane.
//
// It wires together all subsystems:
//
//  1. The broker client talks to the Groww REST API (or simulates fills in
//     paper mode) behind per-category rate limiting and retry.
//  2. The risk manager validates every order against soft and hard limits.
//  3. The kill switch sits in front of the risk gate and halts all trading
//     when a trip condition fires; its monitor goroutine evaluates the
//     automatic conditions continuously.
//  4. The GTT subsystem persists conditional orders and polls prices,
//     routing triggered orders through the same kill-switch → risk → broker
//     pipeline as manual ones.
//
// There is no global state: the Engine instance is the explicit context
// every operation runs against.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"groww-trader/internal/broker"
	"groww-trader/internal/config"
	"groww-trader/internal/gtt"
	"groww-trader/internal/market"
	"groww-trader/internal/risk"
	"groww-trader/pkg/types"
)

// pnlRefreshInterval is how often the engine re-reads positions so the
// kill switch sees fresh daily P&L.
const pnlRefreshInterval = time.Minute

// Engine owns the lifecycle of every component and goroutine.
type Engine struct {
	cfg        config.Config
	client     *broker.Client
	riskMgr    *risk.Manager
	killSwitch *risk.KillSwitch
	gttStore   *gtt.Store
	gttExec    *gtt.Executor
	gttMonitor *gtt.Monitor
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// New creates and wires all components. The configuration must already be
// validated.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	timeout := time.Duration(cfg.API.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sdk := broker.NewRestSDK(cfg.API.BaseURL, timeout, logger)

	client, err := broker.NewClient(cfg, sdk, logger)
	if err != nil {
		return nil, fmt.Errorf("build broker client: %w", err)
	}

	riskMgr := risk.NewManager(cfg.Risk, cfg.Limits.Hard, client, logger)
	killSwitch := risk.NewKillSwitch(cfg.KillSwitch, cfg.Limits.Hard, riskMgr, logger)

	store, err := gtt.OpenStore(cfg.GTT.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open gtt store: %w", err)
	}
	exec := gtt.NewExecutor(store, killSwitch, riskMgr, client, logger)
	monitor := gtt.NewMonitor(store, client, exec, cfg.GTT, logger)

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:        cfg,
		client:     client,
		riskMgr:    riskMgr,
		killSwitch: killSwitch,
		gttStore:   store,
		gttExec:    exec,
		gttMonitor: monitor,
		logger:     logger.With("component", "engine"),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start launches the background goroutines: the kill-switch condition
// monitor, the GTT price monitor, and the P&L refresher.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("engine already started")
	}
	e.started = true

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.killSwitch.Run(e.ctx)
	}()

	if err := e.gttMonitor.Start(e.ctx); err != nil {
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.refreshPnLLoop()
	}()

	e.logger.Info("engine started",
		"paper_mode", e.client.PaperMode(),
		"exchange", e.cfg.Trading.Exchange)
	return nil
}

// Stop cancels all goroutines and waits for them to exit.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.cancel()
	e.gttMonitor.Stop()
	e.wg.Wait()
	e.logger.Info("shutdown complete")
}

// refreshPnLLoop keeps the risk manager's position mirror and daily P&L
// current, and feeds connectivity health into the kill switch.
func (e *Engine) refreshPnLLoop() {
	ticker := time.NewTicker(pnlRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			err := e.riskMgr.UpdateDailyPnL(e.ctx)
			e.observeAPIResult(err)
			if err != nil && e.ctx.Err() == nil {
				e.logger.Warn("daily pnl refresh failed", "error", err)
			}
		}
	}
}

// observeAPIResult feeds broker-call outcomes into the kill switch's
// error-rate and network-outage conditions.
func (e *Engine) observeAPIResult(err error) {
	e.killSwitch.RecordAPICall(err == nil)
	if errors.Is(err, broker.ErrNetwork) || errors.Is(err, broker.ErrTimeout) {
		e.killSwitch.RecordNetworkFailure(true)
	} else if err == nil {
		e.killSwitch.RecordNetworkFailure(false)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// PlaceOrder runs the full pipeline: kill switch, risk gate, broker. A
// risk rejection is returned as an error carrying the structured reason.
func (e *Engine) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error) {
	if err := e.killSwitch.CheckBeforeOrder(); err != nil {
		return nil, err
	}
	if result := e.riskMgr.ValidateOrder(req); !result.Approved {
		return nil, fmt.Errorf("order rejected by risk gate (%s): %s", result.LimitType, result.Reason)
	}

	order, err := e.client.PlaceOrder(ctx, req)
	e.observeAPIResult(err)
	if err != nil {
		return nil, err
	}
	e.riskMgr.RecordOrder(*order)
	return order, nil
}

// CancelOrder cancels a pending or open order.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) error {
	err := e.client.CancelOrder(ctx, orderID)
	e.observeAPIResult(err)
	return err
}

// OrderStatus polls the broker for an order's execution state.
func (e *Engine) OrderStatus(ctx context.Context, orderID string) (*types.OrderStatusResponse, error) {
	status, err := e.client.OrderStatus(ctx, orderID)
	e.observeAPIResult(err)
	return status, err
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// GetQuote fetches the full quote for an instrument.
func (e *Engine) GetQuote(ctx context.Context, symbol string, exchange types.Exchange) (*types.Quote, error) {
	q, err := e.client.GetQuote(ctx, symbol, exchange)
	e.observeAPIResult(err)
	return q, err
}

// GetLTP fetches the last traded price.
func (e *Engine) GetLTP(ctx context.Context, symbol string, exchange types.Exchange) (float64, error) {
	ltp, err := e.client.GetLTP(ctx, symbol, exchange)
	e.observeAPIResult(err)
	return ltp, err
}

// GetOHLC fetches the current day's OHLC.
func (e *Engine) GetOHLC(ctx context.Context, symbol string, exchange types.Exchange) (*types.OHLC, error) {
	o, err := e.client.GetOHLC(ctx, symbol, exchange)
	e.observeAPIResult(err)
	return o, err
}

// GetHistoricalData fetches a candle series.
func (e *Engine) GetHistoricalData(ctx context.Context, symbol string, exchange types.Exchange, interval string, from, to time.Time) (*types.HistoricalData, error) {
	h, err := e.client.GetHistoricalData(ctx, symbol, exchange, interval, from, to)
	e.observeAPIResult(err)
	return h, err
}

// GetMultipleLTPs fetches LTPs for several symbols on one exchange.
// Per-symbol failures are logged and omitted from the result rather than
// failing the batch.
func (e *Engine) GetMultipleLTPs(ctx context.Context, symbols []string, exchange types.Exchange) map[string]float64 {
	out := make(map[string]float64, len(symbols))
	for _, symbol := range symbols {
		ltp, err := e.client.GetLTP(ctx, symbol, exchange)
		e.observeAPIResult(err)
		if err != nil {
			e.logger.Warn("ltp fetch failed in batch", "symbol", symbol, "error", err)
			continue
		}
		out[symbol] = ltp
	}
	return out
}

// GetMarketStatus reports the exchange session for the current instant.
func (e *Engine) GetMarketStatus() types.MarketStatus {
	return market.Status(time.Now())
}

// ————————————————————————————————————————————————————————————————————————
// Portfolio
// ————————————————————————————————————————————————————————————————————————

// GetPositions returns open positions (empty in paper mode).
func (e *Engine) GetPositions(ctx context.Context) ([]types.Position, error) {
	positions, err := e.client.GetPositions(ctx)
	e.observeAPIResult(err)
	return positions, err
}

// GetHoldings returns demat holdings (empty in paper mode).
func (e *Engine) GetHoldings(ctx context.Context) ([]types.Holding, error) {
	holdings, err := e.client.GetHoldings(ctx)
	e.observeAPIResult(err)
	return holdings, err
}

// GetPosition returns the open position for one symbol, or nil when flat.
func (e *Engine) GetPosition(ctx context.Context, symbol string) (*types.Position, error) {
	positions, err := e.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].Symbol == symbol {
			return &positions[i], nil
		}
	}
	return nil, nil
}

// GetHolding returns the demat holding for one symbol, or nil when absent.
func (e *Engine) GetHolding(ctx context.Context, symbol string) (*types.Holding, error) {
	holdings, err := e.GetHoldings(ctx)
	if err != nil {
		return nil, err
	}
	for i := range holdings {
		if holdings[i].Symbol == symbol {
			return &holdings[i], nil
		}
	}
	return nil, nil
}

// GetPortfolioSummary aggregates holdings into totals and a per-symbol
// allocation breakdown (percent of current value).
func (e *Engine) GetPortfolioSummary(ctx context.Context) (*types.PortfolioSummary, error) {
	holdings, err := e.GetHoldings(ctx)
	if err != nil {
		return nil, err
	}

	summary := &types.PortfolioSummary{
		HoldingCount: len(holdings),
		Allocation:   make(map[string]float64),
	}
	for _, h := range holdings {
		summary.InvestmentValue += h.InvestmentValue
		summary.CurrentValue += h.CurrentValue
		summary.TotalPnL += h.PnL
		summary.DayPnL += h.DayChange * float64(h.Quantity)
	}
	if summary.InvestmentValue > 0 {
		summary.TotalPnLPercent = summary.TotalPnL / summary.InvestmentValue * 100
	}
	if summary.CurrentValue > 0 {
		for _, h := range holdings {
			summary.Allocation[h.Symbol] = h.CurrentValue / summary.CurrentValue * 100
		}
	}
	return summary, nil
}

// ————————————————————————————————————————————————————————————————————————
// GTT
// ————————————————————————————————————————————————————————————————————————

// CreateGTT persists a new conditional order.
func (e *Engine) CreateGTT(p gtt.CreateParams) (*types.GTT, error) {
	g, err := e.gttStore.Create(p)
	if err != nil {
		return nil, err
	}
	e.logger.Info("GTT created",
		"gtt_id", g.ID, "symbol", g.Symbol, "action", string(g.Action),
		"trigger_price", g.TriggerPrice)
	return g, nil
}

// GetGTT fetches one GTT by id.
func (e *Engine) GetGTT(id int64) (*types.GTT, error) {
	return e.gttStore.Get(id)
}

// ListGTTs returns GTTs newest-first, optionally filtered.
func (e *Engine) ListGTTs(limit int, status *types.GTTStatus) ([]types.GTT, error) {
	return e.gttStore.GetAll(limit, status)
}

// CancelGTT cancels an ACTIVE GTT.
func (e *Engine) CancelGTT(id int64) (*types.GTT, error) {
	return e.gttStore.Cancel(id)
}

// RetryGTT resets a FAILED GTT to ACTIVE and executes it immediately if
// its trigger condition already holds.
func (e *Engine) RetryGTT(ctx context.Context, id int64) error {
	return e.gttExec.RetryFailed(ctx, id)
}

// TriggerGTTManually executes an ACTIVE GTT at the current price without
// waiting for its trigger condition.
func (e *Engine) TriggerGTTManually(ctx context.Context, id int64) error {
	g, err := e.gttStore.Get(id)
	if err != nil {
		return err
	}
	if g.Status != types.GTTActive {
		return fmt.Errorf("GTT %d: manual trigger requires ACTIVE status, got %s", id, g.Status)
	}
	ltp, err := e.client.GetLTP(ctx, g.Symbol, g.Exchange)
	e.observeAPIResult(err)
	if err != nil {
		return err
	}
	return e.gttExec.Execute(ctx, g, ltp)
}

// CheckGTTTriggerCondition reports whether a GTT would fire at the current
// price, without executing it.
func (e *Engine) CheckGTTTriggerCondition(ctx context.Context, id int64) (ltp float64, wouldTrigger bool, err error) {
	g, err := e.gttStore.Get(id)
	if err != nil {
		return 0, false, err
	}
	ltp, err = e.client.GetLTP(ctx, g.Symbol, g.Exchange)
	e.observeAPIResult(err)
	if err != nil {
		return 0, false, err
	}
	return ltp, g.ShouldTrigger(ltp), nil
}

// CheckGTTsNow forces one monitor sweep immediately.
func (e *Engine) CheckGTTsNow(ctx context.Context) (int, error) {
	return e.gttMonitor.CheckNow(ctx)
}

// PauseGTTMonitoring suspends trigger checks.
func (e *Engine) PauseGTTMonitoring() { e.gttMonitor.Pause() }

// ResumeGTTMonitoring lifts a pause.
func (e *Engine) ResumeGTTMonitoring() { e.gttMonitor.Resume() }

// ClearGTTPriceCache drops cached LTPs.
func (e *Engine) ClearGTTPriceCache() { e.gttMonitor.ClearPriceCache() }

// GTTStatistics combines store, executor, and monitor views.
func (e *Engine) GTTStatistics() (map[string]any, error) {
	storeStats, err := e.gttStore.Stats()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"store":    storeStats,
		"executor": e.gttExec.Stats(),
		"monitor":  e.gttMonitor.Stats(),
	}, nil
}

// ————————————————————————————————————————————————————————————————————————
// Risk and kill switch
// ————————————————————————————————————————————————————————————————————————

// RiskStatus refreshes the position mirror and returns the current risk
// metrics. The refresh failure is non-fatal: stale metrics still return.
func (e *Engine) RiskStatus(ctx context.Context) types.RiskMetrics {
	if err := e.riskMgr.UpdateDailyPnL(ctx); err != nil {
		e.observeAPIResult(err)
		e.logger.Warn("risk status refresh failed, metrics may be stale", "error", err)
	}
	return e.riskMgr.Status(e.killSwitch.Active())
}

// ActivateKillSwitch halts all trading manually.
func (e *Engine) ActivateKillSwitch(reason string) {
	e.killSwitch.Activate(reason, "manual activation", risk.ConditionManualTrigger)
}

// DeactivateKillSwitch resumes trading if the approval code matches and
// the cooldown has elapsed.
func (e *Engine) DeactivateKillSwitch(approvalCode string) error {
	return e.killSwitch.Deactivate(approvalCode)
}

// KillSwitchStatus returns the lockout diagnostic snapshot.
func (e *Engine) KillSwitchStatus() risk.KillSwitchStatus {
	return e.killSwitch.Status()
}

// Stats aggregates every component's counters.
func (e *Engine) Stats() map[string]any {
	return map[string]any{
		"broker":      e.client.Stats(),
		"risk":        e.riskMgr.Stats(),
		"kill_switch": e.killSwitch.Status(),
		"gtt_monitor": e.gttMonitor.Stats(),
		"gtt_exec":    e.gttExec.Stats(),
	}
}
