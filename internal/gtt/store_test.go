package gtt

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"groww-trader/internal/broker"
	"groww-trader/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "gtt.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	return store
}

func limitParams() CreateParams {
	limit := 2450.0
	return CreateParams{
		Symbol:       "RELIANCE",
		Exchange:     types.NSE,
		TriggerPrice: 2500,
		OrderType:    types.OrderTypeLimit,
		Action:       types.BUY,
		Quantity:     2,
		LimitPrice:   &limit,
	}
}

func marketParams(symbol string) CreateParams {
	return CreateParams{
		Symbol:       symbol,
		Exchange:     types.NSE,
		TriggerPrice: 1500,
		OrderType:    types.OrderTypeMarket,
		Action:       types.SELL,
		Quantity:     5,
	}
}

func TestCreateAndGet(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	created, err := s.Create(limitParams())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == 0 {
		t.Error("Create did not assign an id")
	}
	if created.Status != types.GTTActive {
		t.Errorf("Status = %s, want ACTIVE", created.Status)
	}
	if created.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	got, err := s.Get(created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Symbol != "RELIANCE" || got.TriggerPrice != 2500 {
		t.Errorf("Get returned %+v", got)
	}
	if got.LimitPrice == nil || *got.LimitPrice != 2450 {
		t.Errorf("LimitPrice = %v, want 2450", got.LimitPrice)
	}
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	cases := []struct {
		name   string
		mutate func(*CreateParams)
	}{
		{"empty symbol", func(p *CreateParams) { p.Symbol = "" }},
		{"zero trigger", func(p *CreateParams) { p.TriggerPrice = 0 }},
		{"zero quantity", func(p *CreateParams) { p.Quantity = 0 }},
		{"limit without price", func(p *CreateParams) { p.LimitPrice = nil }},
		{"stop loss type", func(p *CreateParams) { p.OrderType = types.OrderTypeStopLoss }},
		{"bad action", func(p *CreateParams) { p.Action = "HOLD" }},
		{"market with limit price", func(p *CreateParams) {
			p.OrderType = types.OrderTypeMarket
		}},
	}
	for _, tc := range cases {
		p := limitParams()
		tc.mutate(&p)
		if _, err := s.Create(p); err == nil {
			t.Errorf("%s: Create accepted invalid params", tc.name)
		}
	}
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.Get(999)
	var nf *broker.GTTNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want GTTNotFoundError", err)
	}
	if nf.ID != 999 {
		t.Errorf("ID = %d, want 999", nf.ID)
	}
}

func TestGetActiveOrdersOldestFirst(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	first, _ := s.Create(marketParams("INFY"))
	time.Sleep(5 * time.Millisecond)
	second, _ := s.Create(marketParams("TCS"))
	time.Sleep(5 * time.Millisecond)
	cancelled, _ := s.Create(marketParams("HDFC"))
	if _, err := s.Cancel(cancelled.ID); err != nil {
		t.Fatal(err)
	}

	active, err := s.GetActive()
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 {
		t.Fatalf("len(active) = %d, want 2", len(active))
	}
	if active[0].ID != first.ID || active[1].ID != second.ID {
		t.Errorf("active order = [%d %d], want [%d %d]",
			active[0].ID, active[1].ID, first.ID, second.ID)
	}
}

func TestGetBySymbolFilters(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	s.Create(marketParams("INFY"))
	bse := marketParams("INFY")
	bse.Exchange = types.BSE
	s.Create(bse)
	s.Create(marketParams("TCS"))

	all, err := s.GetBySymbol("INFY", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("len = %d, want 2", len(all))
	}

	nse := types.NSE
	filtered, err := s.GetBySymbol("INFY", &nse, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(filtered) != 1 || filtered[0].Exchange != types.NSE {
		t.Errorf("exchange filter returned %+v", filtered)
	}
}

func TestGetAllLimitAndStatus(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		s.Create(marketParams("INFY"))
	}

	capped, err := s.GetAll(3, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(capped) != 3 {
		t.Errorf("len = %d, want 3", len(capped))
	}

	cancelled := types.GTTCancelled
	none, err := s.GetAll(0, &cancelled)
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("len = %d, want 0 cancelled rows", len(none))
	}
}

func TestUpdateStatusLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	g, _ := s.Create(marketParams("INFY"))

	orderID := "ORD123"
	ltp := 1495.0
	triggered, err := s.UpdateStatus(g.ID, types.GTTTriggered, UpdateFields{
		OrderID:    &orderID,
		TriggerLTP: &ltp,
	})
	if err != nil {
		t.Fatalf("ACTIVE → TRIGGERED: %v", err)
	}
	if triggered.TriggeredAt == nil {
		t.Error("TriggeredAt not stamped")
	}
	if triggered.OrderID == nil || *triggered.OrderID != "ORD123" {
		t.Errorf("OrderID = %v, want ORD123", triggered.OrderID)
	}
	if triggered.TriggerLTP == nil || *triggered.TriggerLTP != 1495 {
		t.Errorf("TriggerLTP = %v, want 1495", triggered.TriggerLTP)
	}

	completed, err := s.UpdateStatus(g.ID, types.GTTCompleted, UpdateFields{})
	if err != nil {
		t.Fatalf("TRIGGERED → COMPLETED: %v", err)
	}
	if completed.CompletedAt == nil {
		t.Error("CompletedAt not stamped")
	}

	// COMPLETED is terminal.
	if _, err := s.UpdateStatus(g.ID, types.GTTActive, UpdateFields{}); err == nil {
		t.Error("COMPLETED → ACTIVE allowed")
	}
}

func TestUpdateStatusRejectsIllegalTransitions(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	g, _ := s.Create(marketParams("INFY"))

	// ACTIVE → COMPLETED skips TRIGGERED.
	if _, err := s.UpdateStatus(g.ID, types.GTTCompleted, UpdateFields{}); err == nil {
		t.Error("ACTIVE → COMPLETED allowed")
	}

	cancelled, _ := s.Create(marketParams("TCS"))
	s.Cancel(cancelled.ID)
	if _, err := s.UpdateStatus(cancelled.ID, types.GTTTriggered, UpdateFields{}); err == nil {
		t.Error("CANCELLED → TRIGGERED allowed")
	}
}

func TestFailedRetryResetClearsError(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	g, _ := s.Create(marketParams("INFY"))

	msg := "Risk validation failed: daily loss at limit"
	if _, err := s.UpdateStatus(g.ID, types.GTTFailed, UpdateFields{ErrorMessage: &msg}); err != nil {
		t.Fatal(err)
	}

	reset, err := s.UpdateStatus(g.ID, types.GTTActive, UpdateFields{})
	if err != nil {
		t.Fatalf("FAILED → ACTIVE: %v", err)
	}
	if reset.ErrorMessage != nil {
		t.Errorf("ErrorMessage = %q, want cleared", *reset.ErrorMessage)
	}
	if reset.CompletedAt != nil {
		t.Error("CompletedAt not cleared on retry reset")
	}
}

func TestCancelOnlyFromActive(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	g, _ := s.Create(marketParams("INFY"))

	got, err := s.Cancel(g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != types.GTTCancelled {
		t.Errorf("Status = %s, want CANCELLED", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not stamped on cancel")
	}

	if _, err := s.Cancel(g.ID); err == nil {
		t.Error("cancelling a CANCELLED GTT succeeded")
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	g, _ := s.Create(marketParams("INFY"))

	if err := s.Delete(g.ID); err != nil {
		t.Fatal(err)
	}
	var nf *broker.GTTNotFoundError
	if _, err := s.Get(g.ID); !errors.As(err, &nf) {
		t.Errorf("Get after delete = %v, want GTTNotFoundError", err)
	}
	if err := s.Delete(g.ID); !errors.As(err, &nf) {
		t.Errorf("second Delete = %v, want GTTNotFoundError", err)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	a, _ := s.Create(marketParams("INFY"))
	b, _ := s.Create(marketParams("TCS"))
	s.Create(marketParams("HDFC")) // stays ACTIVE

	s.UpdateStatus(a.ID, types.GTTTriggered, UpdateFields{})
	s.UpdateStatus(a.ID, types.GTTCompleted, UpdateFields{})
	s.UpdateStatus(b.ID, types.GTTFailed, UpdateFields{})

	stats, err := s.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.ByStatus[types.GTTCompleted] != 1 || stats.ByStatus[types.GTTFailed] != 1 {
		t.Errorf("ByStatus = %v", stats.ByStatus)
	}
	if stats.CreatedLast24h != 3 {
		t.Errorf("CreatedLast24h = %d, want 3", stats.CreatedLast24h)
	}
	if stats.TriggeredLast24h != 1 {
		t.Errorf("TriggeredLast24h = %d, want 1", stats.TriggeredLast24h)
	}
	if stats.SuccessRate != 0.5 {
		t.Errorf("SuccessRate = %v, want 0.5", stats.SuccessRate)
	}
}
