package gtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"groww-trader/internal/config"
	"groww-trader/internal/market"
	"groww-trader/pkg/types"
)

// closedPollInterval is how often the monitor re-checks the clock while
// the market is closed.
const closedPollInterval = time.Minute

// PriceSource is the slice of the broker client the monitor needs.
type PriceSource interface {
	GetLTP(ctx context.Context, symbol string, exchange types.Exchange) (float64, error)
}

// TriggerExecutor runs the execution pipeline for a GTT whose condition
// has been met. Implemented by Executor.
type TriggerExecutor interface {
	Execute(ctx context.Context, g *types.GTT, price float64) error
}

// cachedPrice is one entry in the short-TTL LTP cache.
type cachedPrice struct {
	price     float64
	fetchedAt time.Time
}

// Monitor polls active GTTs against live prices. One price fetch serves
// every GTT on the same symbol+exchange within a tick, and a short TTL
// cache absorbs bursts across adjacent ticks. Executor failures and price
// fetch failures are counted and logged; neither stops the loop.
type Monitor struct {
	store  *Store
	prices PriceSource
	exec   TriggerExecutor
	cfg    config.GTTConfig
	logger *slog.Logger

	// tradingHours is swappable in tests; defaults to the exchange clock.
	tradingHours func(time.Time) bool

	mu              sync.Mutex
	running         bool
	paused          bool
	cancel          context.CancelFunc
	done            chan struct{}
	cache           map[string]cachedPrice
	checksPerformed int64
	gttsTriggered   int64
	triggerFailures int64
	symbolsChecked  int64
	apiErrors       int64
	lastCheck       time.Time
	startedAt       time.Time
}

// NewMonitor wires the polling loop.
func NewMonitor(store *Store, prices PriceSource, exec TriggerExecutor, cfg config.GTTConfig, logger *slog.Logger) *Monitor {
	return &Monitor{
		store:        store,
		prices:       prices,
		exec:         exec,
		cfg:          cfg,
		logger:       logger.With("component", "gtt_monitor"),
		tradingHours: market.IsTradingTime,
		cache:        make(map[string]cachedPrice),
	}
}

// Start launches the polling goroutine. Starting a running monitor is an
// error.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("gtt monitor already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	m.running = true
	m.paused = false
	m.cancel = cancel
	m.done = make(chan struct{})
	m.startedAt = time.Now()

	go m.run(ctx)
	m.logger.Info("gtt monitor started", "interval", m.interval().String())
	return nil
}

// Stop cancels the loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel, done := m.cancel, m.done
	m.running = false
	m.mu.Unlock()

	cancel()
	<-done
	m.logger.Info("gtt monitor stopped")
}

// Pause suspends trigger checks without stopping the goroutine.
func (m *Monitor) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
	m.logger.Info("gtt monitoring paused")
}

// Resume lifts a pause.
func (m *Monitor) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
	m.logger.Info("gtt monitoring resumed")
}

// Paused reports whether checks are suspended.
func (m *Monitor) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// CheckNow runs one trigger sweep immediately, ignoring pause state and
// market hours. Returns how many GTTs were triggered in the sweep.
func (m *Monitor) CheckNow(ctx context.Context) (int, error) {
	return m.checkOnce(ctx)
}

// ClearPriceCache drops all cached LTPs, forcing fresh fetches on the
// next sweep.
func (m *Monitor) ClearPriceCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = make(map[string]cachedPrice)
}

// Stats returns the monitor's counters and health indicators.
func (m *Monitor) Stats() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := map[string]any{
		"running":          m.running,
		"paused":           m.paused,
		"checks_performed": m.checksPerformed,
		"gtts_triggered":   m.gttsTriggered,
		"trigger_failures": m.triggerFailures,
		"symbols_checked":  m.symbolsChecked,
		"api_errors":       m.apiErrors,
		"cache_size":       len(m.cache),
	}
	if attempts := m.gttsTriggered + m.triggerFailures; attempts > 0 {
		stats["trigger_success_rate"] = float64(m.gttsTriggered) / float64(attempts)
	}
	if !m.lastCheck.IsZero() {
		stats["last_check_time"] = m.lastCheck
	}
	if !m.startedAt.IsZero() {
		stats["started_at"] = m.startedAt
		if m.running {
			stats["uptime"] = time.Since(m.startedAt).String()
		}
	}
	return stats
}

func (m *Monitor) interval() time.Duration {
	if m.cfg.MonitorIntervalSeconds > 0 {
		return time.Duration(m.cfg.MonitorIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

func (m *Monitor) cacheTTL() time.Duration {
	if m.cfg.PriceCacheTTLSeconds > 0 {
		return time.Duration(m.cfg.PriceCacheTTLSeconds) * time.Second
	}
	return 10 * time.Second
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	for {
		wait := m.interval()
		switch {
		case m.Paused():
			// Skip the sweep, keep ticking.
		case !m.tradingHours(time.Now()):
			wait = closedPollInterval
		default:
			if _, err := m.checkOnce(ctx); err != nil {
				m.logger.Error("gtt sweep failed", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// checkOnce runs one full sweep: load ACTIVE GTTs, fetch one price per
// symbol+exchange group, and execute every GTT whose condition holds.
func (m *Monitor) checkOnce(ctx context.Context) (int, error) {
	active, err := m.store.GetActive()
	if err != nil {
		return 0, fmt.Errorf("gtt sweep: %w", err)
	}

	m.mu.Lock()
	m.checksPerformed++
	m.lastCheck = time.Now()
	m.mu.Unlock()

	if len(active) == 0 {
		return 0, nil
	}

	groups := make(map[string][]types.GTT)
	for _, g := range active {
		key := g.Symbol + ":" + string(g.Exchange)
		groups[key] = append(groups[key], g)
	}

	triggered := 0
	for key, group := range groups {
		m.mu.Lock()
		m.symbolsChecked++
		m.mu.Unlock()

		first := group[0]
		price, err := m.ltp(ctx, key, first.Symbol, first.Exchange)
		if err != nil {
			m.mu.Lock()
			m.apiErrors++
			m.mu.Unlock()
			m.logger.Warn("price fetch failed, skipping symbol",
				"symbol", first.Symbol, "exchange", string(first.Exchange), "error", err)
			continue
		}

		for i := range group {
			g := &group[i]
			if !g.ShouldTrigger(price) {
				continue
			}
			if err := m.exec.Execute(ctx, g, price); err != nil {
				m.mu.Lock()
				m.triggerFailures++
				m.mu.Unlock()
				m.logger.Error("gtt execution failed",
					"gtt_id", g.ID, "symbol", g.Symbol, "error", err)
				continue
			}
			m.mu.Lock()
			m.gttsTriggered++
			m.mu.Unlock()
			triggered++
		}
	}
	return triggered, nil
}

// ltp returns the cached price for the key while fresh, fetching
// otherwise.
func (m *Monitor) ltp(ctx context.Context, key, symbol string, exchange types.Exchange) (float64, error) {
	ttl := m.cacheTTL()

	m.mu.Lock()
	if entry, ok := m.cache[key]; ok && time.Since(entry.fetchedAt) < ttl {
		m.mu.Unlock()
		return entry.price, nil
	}
	m.mu.Unlock()

	price, err := m.prices.GetLTP(ctx, symbol, exchange)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	m.cache[key] = cachedPrice{price: price, fetchedAt: time.Now()}
	m.mu.Unlock()
	return price, nil
}
