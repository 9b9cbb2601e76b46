package types

import "testing"

func TestParseSide(t *testing.T) {
	t.Parallel()
	for _, valid := range []string{"BUY", "SELL"} {
		if _, err := ParseSide(valid); err != nil {
			t.Errorf("ParseSide(%q) returned error: %v", valid, err)
		}
	}
	if _, err := ParseSide("HOLD"); err == nil {
		t.Error("ParseSide(HOLD) = nil error, want rejection")
	}
}

func TestParseOrderType(t *testing.T) {
	t.Parallel()
	for _, valid := range []string{"LIMIT", "MARKET", "STOP_LOSS", "STOP_LOSS_MARKET"} {
		if _, err := ParseOrderType(valid); err != nil {
			t.Errorf("ParseOrderType(%q) returned error: %v", valid, err)
		}
	}
	if _, err := ParseOrderType("ICEBERG"); err == nil {
		t.Error("ParseOrderType(ICEBERG) = nil error, want rejection")
	}
}

func TestParseGTTStatus(t *testing.T) {
	t.Parallel()
	if _, err := ParseGTTStatus("TRIGGERED"); err != nil {
		t.Errorf("ParseGTTStatus(TRIGGERED) returned error: %v", err)
	}
	if _, err := ParseGTTStatus("PAUSED"); err == nil {
		t.Error("ParseGTTStatus(PAUSED) = nil error, want rejection")
	}
}

func TestGTTShouldTrigger(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		action  Side
		trigger float64
		ltp     float64
		want    bool
	}{
		{"buy below trigger", BUY, 2500, 2490, true},
		{"buy at trigger", BUY, 2500, 2500, true},
		{"buy above trigger", BUY, 2500, 2510, false},
		{"sell above trigger", SELL, 2500, 2510, true},
		{"sell at trigger", SELL, 2500, 2500, true},
		{"sell below trigger", SELL, 2500, 2490, false},
	}
	for _, tt := range tests {
		g := &GTT{Action: tt.action, TriggerPrice: tt.trigger}
		if got := g.ShouldTrigger(tt.ltp); got != tt.want {
			t.Errorf("%s: ShouldTrigger(%v) = %v, want %v", tt.name, tt.ltp, got, tt.want)
		}
	}
}

func TestCandleValidate(t *testing.T) {
	t.Parallel()
	good := Candle{Open: 100, High: 110, Low: 95, Close: 105}
	if err := good.Validate(); err != nil {
		t.Errorf("valid candle rejected: %v", err)
	}
	bad := Candle{Open: 100, High: 90, Low: 95, Close: 92}
	if err := bad.Validate(); err == nil {
		t.Error("inverted candle accepted, want error")
	}
}
