// errors.go defines the error taxonomy for the broker layer.
//
// Callers classify failures with errors.Is / errors.As. Validation and
// authentication errors are never retried; network and generic order
// failures are retried by the client's backoff policy. Risk rejections are
// NOT part of this taxonomy — they are structured results returned by the
// risk gate, not errors.
package broker

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel kinds for errors.Is checks.
var (
	ErrAuthentication = errors.New("authentication failed")
	ErrNetwork        = errors.New("network error")
	ErrTimeout        = errors.New("request timed out")
	ErrConfiguration  = errors.New("configuration error")
)

// InvalidOrderError rejects an order before any network call. Field names
// the offending parameter; Value carries the observed value.
type InvalidOrderError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *InvalidOrderError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("invalid order: %s (%s=%v)", e.Message, e.Field, e.Value)
	}
	return fmt.Sprintf("invalid order: %s", e.Message)
}

// KillSwitchActiveError blocks every order path while the kill switch is
// engaged, and is also raised by a deactivation attempt that fails its gate.
type KillSwitchActiveError struct {
	Reason      string
	ActivatedAt time.Time
}

func (e *KillSwitchActiveError) Error() string {
	if e.ActivatedAt.IsZero() {
		return fmt.Sprintf("kill switch: %s", e.Reason)
	}
	return fmt.Sprintf("kill switch active since %s: %s",
		e.ActivatedAt.Format(time.RFC3339), e.Reason)
}

// RateLimitError is surfaced when the broker rejects a call despite the
// local limiter (quota shared with other clients, or limiter bypassed).
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
	}
	return "rate limit exceeded"
}

// OrderError is a broker-side place/cancel failure. Kind distinguishes the
// classified sub-failures derived from the broker's error message.
type OrderError struct {
	OrderID string
	Symbol  string
	Kind    OrderErrorKind
	Message string
}

// OrderErrorKind tags the classified cause of an order failure.
type OrderErrorKind string

const (
	OrderErrGeneric           OrderErrorKind = "order_failed"
	OrderErrInsufficientFunds OrderErrorKind = "insufficient_funds"
	OrderErrMarketClosed      OrderErrorKind = "market_closed"
)

func (e *OrderError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("order failed for %s: %s", e.Symbol, e.Message)
	}
	return fmt.Sprintf("order failed: %s", e.Message)
}

// SymbolNotFoundError indicates the broker does not recognize the symbol.
type SymbolNotFoundError struct {
	Symbol   string
	Exchange string
}

func (e *SymbolNotFoundError) Error() string {
	return fmt.Sprintf("symbol not found: %s on %s", e.Symbol, e.Exchange)
}

// DataFetchError tags a failed market-data or portfolio read with the kind
// of data that was requested.
type DataFetchError struct {
	Kind    string // quote | ltp | ohlc | historical | positions | holdings
	Symbol  string
	Message string
}

func (e *DataFetchError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("fetch %s for %s: %s", e.Kind, e.Symbol, e.Message)
	}
	return fmt.Sprintf("fetch %s: %s", e.Kind, e.Message)
}

// GTTNotFoundError indicates a GTT id with no matching row.
type GTTNotFoundError struct {
	ID int64
}

func (e *GTTNotFoundError) Error() string {
	return fmt.Sprintf("GTT %d not found", e.ID)
}

// GTTExecutionError wraps a failure while executing a triggered GTT.
type GTTExecutionError struct {
	GTTID int64
	Err   error
}

func (e *GTTExecutionError) Error() string {
	return fmt.Sprintf("GTT %d execution failed: %v", e.GTTID, e.Err)
}

func (e *GTTExecutionError) Unwrap() error { return e.Err }

// Retriable reports whether the client's backoff policy may retry the
// failure. Validation and authentication errors always short-circuit.
func Retriable(err error) bool {
	var invalid *InvalidOrderError
	if errors.As(err, &invalid) {
		return false
	}
	var kill *KillSwitchActiveError
	if errors.As(err, &kill) {
		return false
	}
	if errors.Is(err, ErrAuthentication) || errors.Is(err, ErrConfiguration) {
		return false
	}
	return true
}
