package indicator

import (
	"math"
	"reflect"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestEMASeriesSeedAndDecay(t *testing.T) {
	out := emaSeries([]float64{1, 2, 3, 4, 5, 6}, 3)
	want := []float64{2, 3, 4, 5}

	if len(out) != len(want) {
		t.Fatalf("expected %d values, got %d", len(want), len(out))
	}
	for i := range want {
		if !almostEqual(out[i], want[i]) {
			t.Errorf("ema[%d] = %f, want %f", i, out[i], want[i])
		}
	}
}

func TestEMASeriesTooShort(t *testing.T) {
	if out := emaSeries([]float64{1, 2}, 3); out != nil {
		t.Errorf("expected nil for input shorter than period, got %v", out)
	}
}

func TestClassifyInsufficientData(t *testing.T) {
	p := Params{FastPeriod: 12, SlowPeriod: 26, SignalPeriod: 9}

	cls := Classify(make([]float64, p.MinPoints()-1), p, CrossoverStrict)

	if cls.Signal != SignalInsufficientData {
		t.Fatalf("expected INSUFFICIENT_DATA, got %s", cls.Signal)
	}
	if cls.Signal.Bullish() {
		t.Error("INSUFFICIENT_DATA must never pass the bullish filter")
	}
	if cls.Crossover {
		t.Error("INSUFFICIENT_DATA must not report a crossover")
	}
}

func TestSeriesHistogramConsistency(t *testing.T) {
	p := Params{FastPeriod: 3, SlowPeriod: 5, SignalPeriod: 3}
	prices := make([]float64, 30)
	for i := range prices {
		prices[i] = 100 + 5*math.Sin(float64(i)/3)
	}

	points := Series(prices, p)
	if len(points) == 0 {
		t.Fatal("expected points for sufficient input")
	}
	// First point sits at price index SlowPeriod+SignalPeriod-2.
	wantLen := len(prices) - p.MinPoints() + 2
	if len(points) != wantLen {
		t.Errorf("expected %d points, got %d", wantLen, len(points))
	}
	for i, pt := range points {
		if !almostEqual(pt.Histogram, pt.MACD-pt.Signal) {
			t.Errorf("point %d: histogram %f != macd-signal %f", i, pt.Histogram, pt.MACD-pt.Signal)
		}
	}
}

func TestClassifyDeterministic(t *testing.T) {
	p := Params{FastPeriod: 3, SlowPeriod: 5, SignalPeriod: 3}
	prices := make([]float64, 40)
	for i := range prices {
		prices[i] = 50 + 3*math.Sin(float64(i)/4) + float64(i)*0.1
	}

	first := Classify(prices, p, CrossoverStrict)
	second := Classify(prices, p, CrossoverStrict)

	if !reflect.DeepEqual(first, second) {
		t.Errorf("same input produced different classifications:\n%+v\n%+v", first, second)
	}
}

// A hard reversal off a decline crosses the MACD over its signal line on
// the final candle. The two-point test accepts it; the strict three-point
// test rejects it (the histogram was not negative on the previous point)
// and the result downgrades to BULLISH.
func TestClassifyCrossoverModes(t *testing.T) {
	p := Params{FastPeriod: 1, SlowPeriod: 2, SignalPeriod: 2}
	prices := []float64{10, 9, 8, 7, 12}

	simple := Classify(prices, p, CrossoverSimple)
	if simple.Signal != SignalBuy {
		t.Fatalf("simple mode: expected BUY, got %s (%s)", simple.Signal, simple.Reason)
	}
	if !simple.Crossover {
		t.Error("simple mode: expected crossover on final candle")
	}

	strict := Classify(prices, p, CrossoverStrict)
	if strict.Crossover {
		t.Error("strict mode: flat-histogram crossover must not qualify")
	}
	if strict.Signal != SignalBullish {
		t.Errorf("strict mode: expected downgrade to BULLISH, got %s", strict.Signal)
	}
}

func TestClassifyBearishDecline(t *testing.T) {
	p := Params{FastPeriod: 3, SlowPeriod: 5, SignalPeriod: 3}
	prices := make([]float64, 25)
	for i := range prices {
		prices[i] = 500 - float64(i*i) // steepening decline
	}

	cls := Classify(prices, p, CrossoverStrict)
	if cls.Signal != SignalBearish {
		t.Fatalf("expected BEARISH, got %s (%s)", cls.Signal, cls.Reason)
	}
	if cls.Signal.Bullish() {
		t.Error("BEARISH must not pass the bullish filter")
	}
}

func TestClassifyBullishAcceleration(t *testing.T) {
	p := Params{FastPeriod: 3, SlowPeriod: 5, SignalPeriod: 3}
	prices := make([]float64, 25)
	for i := range prices {
		prices[i] = 100 + float64(i*i) // accelerating advance, never below
	}

	cls := Classify(prices, p, CrossoverStrict)
	if !cls.Signal.Bullish() {
		t.Fatalf("expected bullish classification, got %s (%s)", cls.Signal, cls.Reason)
	}
	if cls.Crossover {
		t.Error("a series that was never bearish has no fresh crossover")
	}
}

func TestStrictCrossover(t *testing.T) {
	qualifying := []Point{
		{MACD: -2, Signal: -1, Histogram: -1},
		{MACD: -1, Signal: -0.5, Histogram: -0.5},
		{MACD: 1, Signal: 0.5, Histogram: 0.5},
	}
	if !strictCrossover(qualifying) {
		t.Error("expected strict crossover for below/below/above with rising histogram")
	}

	fallingHistogram := []Point{
		{MACD: -2, Signal: -1, Histogram: -1},
		{MACD: -1, Signal: -0.5, Histogram: -0.5},
		{MACD: 0.1, Signal: 0.7, Histogram: -0.6},
	}
	if strictCrossover(fallingHistogram) {
		t.Error("latest point below signal must not be a crossover")
	}

	if strictCrossover(qualifying[1:]) {
		t.Error("two points are not enough for the strict test")
	}
}

func TestClassifyStrictBuyFromPriceSeries(t *testing.T) {
	// A decline that reverses hard on the last candle: the MACD pushes
	// through the signal line with an improving histogram.
	prices := []float64{100, 98, 93.6, 88.8, 84.1, 89.4}
	p := Params{FastPeriod: 1, SlowPeriod: 2, SignalPeriod: 2}

	cls := Classify(prices, p, CrossoverStrict)
	if cls.Signal != SignalBuy {
		t.Fatalf("expected BUY, got %s (%s)", cls.Signal, cls.Reason)
	}
	if !cls.Crossover {
		t.Error("expected a fresh crossover")
	}
}

func TestFailedIsFailClosed(t *testing.T) {
	cls := Failed("candle fetch failed")

	if cls.Signal != SignalError {
		t.Fatalf("expected ERROR, got %s", cls.Signal)
	}
	if cls.Signal.Bullish() {
		t.Error("a failed classification must never pass the bullish filter")
	}
	if cls.Crossover {
		t.Error("a failed classification must not report a crossover")
	}
}
