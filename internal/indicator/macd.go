package indicator

import "fmt"

// Params holds the MACD periods for one timeframe tier.
// A tier's params are fixed at startup and never mutated.
type Params struct {
	FastPeriod   int `json:"fast_period"`
	SlowPeriod   int `json:"slow_period"`
	SignalPeriod int `json:"signal_period"`
	MinCandles   int `json:"min_candles"` // how many candles callers should fetch
}

// MinPoints returns the minimum series length required before the
// signal line exists at all. Shorter input yields SignalInsufficientData.
func (p Params) MinPoints() int {
	return p.SlowPeriod + p.SignalPeriod
}

// Point is one aligned MACD observation. Histogram == MACD - Signal.
type Point struct {
	MACD      float64 `json:"macd"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
}

// Signal classifies a price series at its latest candle.
type Signal string

const (
	SignalInsufficientData Signal = "INSUFFICIENT_DATA"
	SignalBearish          Signal = "BEARISH"
	SignalNeutral          Signal = "NEUTRAL"
	SignalBullish          Signal = "BULLISH"
	SignalBuy              Signal = "BUY"
	SignalError            Signal = "ERROR"
)

// Bullish reports whether the signal allows a symbol through the
// progressive timeframe filter.
func (s Signal) Bullish() bool {
	return s == SignalBullish || s == SignalBuy
}

// CrossoverMode selects how a MACD/signal-line crossover is detected.
type CrossoverMode int

const (
	// CrossoverSimple uses the last two points: previous MACD at or
	// below signal, latest MACD above. Used by the offline replay path.
	CrossoverSimple CrossoverMode = iota

	// CrossoverStrict additionally requires that two points prior the
	// MACD was already below the signal line, the histogram flipped
	// negative to positive on the latest point, and the histogram is
	// rising. Filters single-tick noise crossovers; the live path uses it.
	CrossoverStrict
)

// Classification is the result of classifying one price series.
type Classification struct {
	Signal    Signal  `json:"signal"`
	Crossover bool    `json:"crossover"`
	Reason    string  `json:"reason"`
	Price     float64 `json:"price"`
	Latest    *Point  `json:"latest,omitempty"`
}

// Failed returns a conservative classification for transport failures.
// It is never BUY or BULLISH so downstream filtering fails closed.
func Failed(reason string) Classification {
	return Classification{Signal: SignalError, Reason: reason}
}

// emaSeries computes the exponential moving average of values.
// The returned slice starts at index period-1 of the input: out[0] is the
// simple average of the first period values, and every following element
// applies ema = value*k + prev*(1-k) with k = 2/(period+1).
func emaSeries(values []float64, period int) []float64 {
	if len(values) < period {
		return nil
	}

	out := make([]float64, 0, len(values)-period+1)

	sum := 0.0
	for _, v := range values[:period] {
		sum += v
	}
	out = append(out, sum/float64(period))

	k := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		out = append(out, values[i]*k+out[len(out)-1]*(1-k))
	}

	return out
}

// Series computes the aligned MACD point series for a price series.
// Points exist only where both the MACD line and its signal line exist,
// so the first point corresponds to price index SlowPeriod+SignalPeriod-2.
func Series(prices []float64, p Params) []Point {
	if len(prices) < p.MinPoints() {
		return nil
	}

	fast := emaSeries(prices, p.FastPeriod)
	slow := emaSeries(prices, p.SlowPeriod)

	// fast starts at price index FastPeriod-1, slow at SlowPeriod-1.
	// Align both to the slow EMA's origin.
	offset := p.SlowPeriod - p.FastPeriod
	macd := make([]float64, len(slow))
	for i := range slow {
		macd[i] = fast[i+offset] - slow[i]
	}

	signal := emaSeries(macd, p.SignalPeriod)
	if signal == nil {
		return nil
	}

	points := make([]Point, len(signal))
	for i := range signal {
		m := macd[i+p.SignalPeriod-1]
		points[i] = Point{MACD: m, Signal: signal[i], Histogram: m - signal[i]}
	}

	return points
}

// Classify evaluates a price series against MACD params and returns the
// classification at the latest candle. Precedence, first match wins:
// BUY (fresh crossover, positive and improving histogram), BULLISH
// (MACD above signal with positive histogram), BEARISH (MACD below
// signal), NEUTRAL otherwise.
//
// Classify is pure and deterministic; it is safe to call concurrently.
func Classify(prices []float64, p Params, mode CrossoverMode) Classification {
	if len(prices) < p.MinPoints() {
		return Classification{
			Signal: SignalInsufficientData,
			Reason: fmt.Sprintf("need %d candles, have %d", p.MinPoints(), len(prices)),
		}
	}

	points := Series(prices, p)
	latest := points[len(points)-1]
	price := prices[len(prices)-1]

	crossover := detectCrossover(points, mode)
	improving := histogramImproving(points)

	cls := Classification{
		Crossover: crossover,
		Price:     price,
		Latest:    &latest,
	}

	switch {
	case crossover && latest.Histogram > 0 && improving:
		cls.Signal = SignalBuy
		cls.Reason = "MACD crossed above signal with improving histogram"
	case latest.MACD > latest.Signal && latest.Histogram > 0:
		cls.Signal = SignalBullish
		cls.Reason = "MACD above signal, histogram positive"
	case latest.MACD < latest.Signal:
		cls.Signal = SignalBearish
		cls.Reason = "MACD below signal"
	default:
		cls.Signal = SignalNeutral
		cls.Reason = "MACD flat against signal"
	}

	return cls
}

// detectCrossover reports whether the latest point is a fresh crossover.
func detectCrossover(points []Point, mode CrossoverMode) bool {
	switch mode {
	case CrossoverStrict:
		return strictCrossover(points)
	default:
		return simpleCrossover(points)
	}
}

// simpleCrossover is the 2-point test: previous at-or-below, latest above.
func simpleCrossover(points []Point) bool {
	if len(points) < 2 {
		return false
	}
	prev := points[len(points)-2]
	cur := points[len(points)-1]
	return prev.MACD <= prev.Signal && cur.MACD > cur.Signal
}

// strictCrossover is the 3-point test used on the live trading path.
// The MACD must have been below the signal line two points back, the
// histogram negative on the previous point and positive now, and rising.
func strictCrossover(points []Point) bool {
	if len(points) < 3 {
		return false
	}
	prior := points[len(points)-3]
	prev := points[len(points)-2]
	cur := points[len(points)-1]

	return prior.MACD < prior.Signal &&
		prev.MACD <= prev.Signal &&
		prev.Histogram < 0 &&
		cur.MACD > cur.Signal &&
		cur.Histogram > 0 &&
		cur.Histogram > prev.Histogram
}

// histogramImproving reports whether the histogram has been rising over
// the last two steps.
func histogramImproving(points []Point) bool {
	if len(points) < 3 {
		return false
	}
	h0 := points[len(points)-3].Histogram
	h1 := points[len(points)-2].Histogram
	h2 := points[len(points)-1].Histogram
	return h2 > h1 && h1 >= h0
}
