// killswitch.go implements the global trading lockout.
//
// The kill switch is a two-state machine, deliberately independent of the
// risk gate (which it only observes through DailyPnL). While active, every
// order-placing path fails via CheckBeforeOrder. Recovery is gated twice:
// the caller must present the configured approval code AND the cooldown
// period must have elapsed since activation.
//
// A background monitor evaluates the automatic trip conditions on a fixed
// interval. External observers feed it: trade results drive the
// consecutive-loss counter, API call outcomes fill a bounded history, and
// network failures mark the start of an outage window. Monitor errors are
// logged and swallowed — the loop never exits on a per-tick failure.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"groww-trader/internal/broker"
	"groww-trader/internal/config"
)

// Condition identifies what tripped the kill switch.
type Condition string

const (
	ConditionDailyLoss         Condition = "DAILY_LOSS_LIMIT"
	ConditionConsecutiveLosses Condition = "CONSECUTIVE_LOSSES"
	ConditionAPIErrorRate      Condition = "API_ERROR_RATE"
	ConditionNetworkFailure    Condition = "NETWORK_FAILURE"
	ConditionManualTrigger     Condition = "MANUAL_TRIGGER"
)

const apiHistoryBound = 100

// apiErrorSample is how many of the most recent API calls the error-rate
// condition inspects, and the minimum sample size before it can trip.
const (
	apiErrorWindow    = 50
	apiErrorMinSample = 20
)

// PnLSource exposes the risk gate's daily P&L to the monitor.
type PnLSource interface {
	DailyPnL() float64
}

// KillSwitch owns the lockout state. A single lock serializes monitor
// ticks, observer feeds, and activation/deactivation.
type KillSwitch struct {
	cfg    config.KillSwitchConfig
	hard   config.HardLimits
	pnl    PnLSource
	logger *slog.Logger

	mu                  sync.Mutex
	active              bool
	reason              string
	message             string
	condition           Condition
	activatedAt         time.Time
	activationCount     int
	manualActivations   int
	autoActivations     int
	consecutiveLosses   int
	apiHistory          []bool // true = success, newest last, bounded
	networkFailureStart time.Time
}

// KillSwitchStatus is the diagnostic snapshot.
type KillSwitchStatus struct {
	Active            bool
	Reason            string
	Condition         Condition
	ActivatedAt       time.Time
	Elapsed           time.Duration
	CooldownRemaining time.Duration
	CanDeactivate     bool
	ActivationCount   int
	ManualActivations int
	AutoActivations   int
	ConsecutiveLosses int
	APIErrorRate      float64
	APISampleSize     int
	NetworkDownFor    time.Duration
}

// NewKillSwitch creates the switch in the INACTIVE state.
func NewKillSwitch(cfg config.KillSwitchConfig, hard config.HardLimits, pnl PnLSource, logger *slog.Logger) *KillSwitch {
	return &KillSwitch{
		cfg:    cfg,
		hard:   hard,
		pnl:    pnl,
		logger: logger.With("component", "kill_switch"),
	}
}

// Activate engages the lockout. A second call while active is a no-op.
func (k *KillSwitch) Activate(reason, message string, condition Condition) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.activate(reason, message, condition)
}

// activate is the lock-held body shared with the monitor.
func (k *KillSwitch) activate(reason, message string, condition Condition) {
	if k.active {
		return
	}
	k.active = true
	k.reason = reason
	k.message = message
	k.condition = condition
	k.activatedAt = time.Now()
	k.activationCount++
	if condition == ConditionManualTrigger {
		k.manualActivations++
	} else {
		k.autoActivations++
	}

	k.logger.Error("KILL SWITCH ACTIVATED",
		"reason", reason, "condition", string(condition), "message", message)
}

// Deactivate clears the lockout when both gates pass: the approval token
// matches the configured code and the cooldown has elapsed. On failure the
// state is unchanged and the blocking reason is returned.
func (k *KillSwitch) Deactivate(approval string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.active {
		return nil
	}
	if approval != k.cfg.Recovery.ApprovalCode {
		return &broker.KillSwitchActiveError{
			Reason:      "Invalid approval code. Check trading_limits.yaml for the correct code.",
			ActivatedAt: k.activatedAt,
		}
	}
	cooldown := time.Duration(k.cfg.Recovery.CooldownPeriodMinutes) * time.Minute
	elapsed := time.Since(k.activatedAt)
	if elapsed < cooldown {
		remaining := cooldown - elapsed
		return &broker.KillSwitchActiveError{
			Reason: fmt.Sprintf("Cooldown period not elapsed. Wait %.0f more minutes.",
				remaining.Minutes()),
			ActivatedAt: k.activatedAt,
		}
	}

	k.logger.Warn("kill switch deactivated",
		"was_active_for", elapsed.String(), "reason", k.reason)
	k.active = false
	k.reason = ""
	k.message = ""
	k.condition = ""
	k.activatedAt = time.Time{}
	k.consecutiveLosses = 0
	k.networkFailureStart = time.Time{}
	return nil
}

// CheckBeforeOrder fails iff the switch is active. Every order path must
// call it before touching the risk gate.
func (k *KillSwitch) CheckBeforeOrder() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.active {
		return nil
	}
	return &broker.KillSwitchActiveError{Reason: k.reason, ActivatedAt: k.activatedAt}
}

// Active reports the lockout state.
func (k *KillSwitch) Active() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.active
}

// RecordTradeResult feeds the consecutive-loss counter: a loss increments
// it, any profit resets it.
func (k *KillSwitch) RecordTradeResult(pnl float64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if pnl < 0 {
		k.consecutiveLosses++
	} else {
		k.consecutiveLosses = 0
	}
}

// RecordAPICall appends an API outcome to the bounded history.
func (k *KillSwitch) RecordAPICall(success bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.apiHistory = append(k.apiHistory, success)
	if len(k.apiHistory) > apiHistoryBound {
		k.apiHistory = k.apiHistory[len(k.apiHistory)-apiHistoryBound:]
	}
}

// RecordNetworkFailure marks the start (down=true) or end (down=false) of
// a connectivity outage.
func (k *KillSwitch) RecordNetworkFailure(down bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if down {
		if k.networkFailureStart.IsZero() {
			k.networkFailureStart = time.Now()
		}
	} else {
		k.networkFailureStart = time.Time{}
	}
}

// Run starts the condition monitor. It evaluates every tick until ctx is
// cancelled; per-tick panics are not possible (no I/O) but evaluation
// never stops the loop regardless of outcome.
func (k *KillSwitch) Run(ctx context.Context) {
	interval := time.Duration(k.cfg.CheckIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	k.logger.Info("kill switch monitor started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			k.logger.Info("kill switch monitor stopped")
			return
		case <-ticker.C:
			k.CheckConditions()
		}
	}
}

// CheckConditions evaluates the automatic trip conditions once. Exposed
// for on-demand checks; a no-op while the switch is already active.
func (k *KillSwitch) CheckConditions() {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.active {
		return
	}

	// Daily loss at the hard bound.
	if pnl := k.pnl.DailyPnL(); pnl < 0 && -pnl >= k.hard.MaxDailyLossHard {
		k.activate(
			fmt.Sprintf("daily loss %.2f reached hard limit %.2f", -pnl, k.hard.MaxDailyLossHard),
			"automatic: daily loss limit", ConditionDailyLoss)
		return
	}

	// Consecutive losing trades.
	if k.consecutiveLosses >= k.cfg.ConsecutiveLossThreshold {
		k.activate(
			fmt.Sprintf("%d consecutive losing trades", k.consecutiveLosses),
			"automatic: consecutive losses", ConditionConsecutiveLosses)
		return
	}

	// API error rate over the recent history.
	rate, sample := k.apiErrorRate()
	if sample >= apiErrorMinSample && rate >= k.cfg.APIErrorRateThreshold {
		k.activate(
			fmt.Sprintf("API error rate %.0f%% over last %d calls", rate*100, sample),
			"automatic: API error rate", ConditionAPIErrorRate)
		return
	}

	// Sustained network outage.
	if !k.networkFailureStart.IsZero() {
		down := time.Since(k.networkFailureStart)
		if down >= time.Duration(k.cfg.NetworkTimeoutSeconds)*time.Second {
			k.activate(
				fmt.Sprintf("network unreachable for %s", down.Round(time.Second)),
				"automatic: network failure", ConditionNetworkFailure)
		}
	}
}

// apiErrorRate computes the failure fraction over the last apiErrorWindow
// records. Caller holds mu.
func (k *KillSwitch) apiErrorRate() (rate float64, sample int) {
	history := k.apiHistory
	if len(history) > apiErrorWindow {
		history = history[len(history)-apiErrorWindow:]
	}
	if len(history) == 0 {
		return 0, 0
	}
	failures := 0
	for _, ok := range history {
		if !ok {
			failures++
		}
	}
	return float64(failures) / float64(len(history)), len(history)
}

// Status returns the diagnostic snapshot.
func (k *KillSwitch) Status() KillSwitchStatus {
	k.mu.Lock()
	defer k.mu.Unlock()

	rate, sample := k.apiErrorRate()
	status := KillSwitchStatus{
		Active:            k.active,
		Reason:            k.reason,
		Condition:         k.condition,
		ActivatedAt:       k.activatedAt,
		ActivationCount:   k.activationCount,
		ManualActivations: k.manualActivations,
		AutoActivations:   k.autoActivations,
		ConsecutiveLosses: k.consecutiveLosses,
		APIErrorRate:      rate,
		APISampleSize:     sample,
	}
	if k.active {
		status.Elapsed = time.Since(k.activatedAt)
		cooldown := time.Duration(k.cfg.Recovery.CooldownPeriodMinutes) * time.Minute
		if remaining := cooldown - status.Elapsed; remaining > 0 {
			status.CooldownRemaining = remaining
		} else {
			status.CanDeactivate = true
		}
	}
	if !k.networkFailureStart.IsZero() {
		status.NetworkDownFor = time.Since(k.networkFailureStart)
	}
	return status
}
