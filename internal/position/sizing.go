package position

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// QuantityForNotional converts a target notional into a venue-safe
// quantity string, floored to the symbol's lot step so the order is
// never rejected for precision. Returns the string form for the wire
// and the float form for local bookkeeping.
func QuantityForNotional(notional float64, leverage int, price float64, stepSize string) (string, float64, error) {
	if price <= 0 {
		return "", 0, fmt.Errorf("invalid price %.8f", price)
	}

	step, err := decimal.NewFromString(stepSize)
	if err != nil || step.IsZero() {
		return "", 0, fmt.Errorf("invalid step size %q", stepSize)
	}

	qty := decimal.NewFromFloat(notional).
		Mul(decimal.NewFromInt(int64(leverage))).
		Div(decimal.NewFromFloat(price))

	qty = qty.Div(step).Floor().Mul(step)
	if qty.IsZero() {
		return "", 0, fmt.Errorf("notional %.2f too small for step %s at price %.8f", notional, stepSize, price)
	}

	f, _ := qty.Float64()
	return qty.String(), f, nil
}

// RoundPriceToTick floors a price to the symbol's tick size and returns
// its wire form.
func RoundPriceToTick(price float64, tickSize string) (string, error) {
	tick, err := decimal.NewFromString(tickSize)
	if err != nil || tick.IsZero() {
		return "", fmt.Errorf("invalid tick size %q", tickSize)
	}

	p := decimal.NewFromFloat(price).Div(tick).Floor().Mul(tick)
	if p.IsNegative() || p.IsZero() {
		return "", fmt.Errorf("price %.8f rounds to zero at tick %s", price, tickSize)
	}
	return p.String(), nil
}
