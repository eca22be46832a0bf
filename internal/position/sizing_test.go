package position

import "testing"

func TestQuantityForNotional(t *testing.T) {
	qtyStr, qty, err := QuantityForNotional(100, 3, 50, "0.001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if qtyStr != "6" || qty != 6 {
		t.Errorf("got %q / %f, want 6", qtyStr, qty)
	}
}

func TestQuantityFloorsToStep(t *testing.T) {
	qtyStr, _, err := QuantityForNotional(10, 1, 3, "0.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 10/3 = 3.333..., floored to the 0.1 lot step.
	if qtyStr != "3.3" {
		t.Errorf("got %q, want 3.3", qtyStr)
	}
}

func TestQuantityErrors(t *testing.T) {
	if _, _, err := QuantityForNotional(1, 1, 100000, "0.01"); err == nil {
		t.Error("notional below one lot step must error, not send a zero order")
	}
	if _, _, err := QuantityForNotional(100, 1, 0, "0.01"); err == nil {
		t.Error("zero price must error")
	}
	if _, _, err := QuantityForNotional(100, 1, 50, "bogus"); err == nil {
		t.Error("invalid step size must error")
	}
}

func TestRoundPriceToTick(t *testing.T) {
	got, err := RoundPriceToTick(98.567, "0.01")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "98.56" {
		t.Errorf("got %q, want 98.56", got)
	}

	if _, err := RoundPriceToTick(100, "0"); err == nil {
		t.Error("zero tick must error")
	}
	if _, err := RoundPriceToTick(0.0001, "1"); err == nil {
		t.Error("price that floors to zero must error")
	}
}
