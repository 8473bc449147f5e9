// Package indicators computes the pure technical indicators the Assembler
// (C2) layers onto raw klines: EMA, MACD, RSI, ATR, and volume comparisons.
// Every function here is a pure function of its input series — no network
// calls, no package-level state — matching spec.md §1's treatment of
// indicator math as a pluggable collaborator.
package indicators

// EMA computes the exponential moving average series for period p over
// closes. The first value is seeded with the simple average of the first p
// closes (or of all closes when there are fewer), and every later value
// follows the EMA recurrence, so the series has the same length as the input
// instead of leaving a gap.
func EMA(closes []float64, period int) []float64 {
	n := len(closes)
	out := make([]float64, n)
	if n == 0 || period <= 0 {
		return out
	}
	k := 2.0 / float64(period+1)

	seed := 0.0
	seedN := period
	if seedN > n {
		seedN = n
	}
	for i := 0; i < seedN; i++ {
		seed += closes[i]
	}
	seed /= float64(seedN)

	prev := seed
	for i := 0; i < n; i++ {
		if i == 0 {
			out[i] = seed
			continue
		}
		prev = closes[i]*k + prev*(1-k)
		out[i] = prev
	}
	return out
}

// Current returns the last element of a series, or 0 for an empty series.
func Current(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}

// MACD is the (macd-line, signal-line, histogram) triple for the standard
// 12/26/9 configuration, returned as full series so callers can read either
// the current value or recent history.
type MACD struct {
	Line      []float64
	Signal    []float64
	Histogram []float64
}

// ComputeMACD runs EMA(fast), EMA(slow), their difference, and an
// EMA(signal) signal line over that difference, per the standard MACD
// definition (12/26/9 in the usual configuration).
func ComputeMACD(closes []float64, fast, slow, signal int) MACD {
	emaFast := EMA(closes, fast)
	emaSlow := EMA(closes, slow)
	n := len(closes)
	line := make([]float64, n)
	for i := 0; i < n; i++ {
		line[i] = emaFast[i] - emaSlow[i]
	}
	sig := EMA(line, signal)
	hist := make([]float64, n)
	for i := 0; i < n; i++ {
		hist[i] = line[i] - sig[i]
	}
	return MACD{Line: line, Signal: sig, Histogram: hist}
}

// RSI computes the relative-strength-index series for the given period
// using Wilder's smoothing of average gains/losses.
func RSI(closes []float64, period int) []float64 {
	n := len(closes)
	out := make([]float64, n)
	if n < 2 || period <= 0 {
		return out
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period && i < n; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss += -change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	if period < n {
		out[period] = rsiFromAverages(avgGain, avgLoss)
	}

	for i := period + 1; i < n; i++ {
		change := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiFromAverages(avgGain, avgLoss)
	}
	return out
}

func rsiFromAverages(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// Bar is the minimal OHLC shape ATR needs, decoupled from exchange.Kline so
// this package has no dependency on the adapter.
type Bar struct {
	High  float64
	Low   float64
	Close float64
}

// ATR computes the average-true-range series for the given period using
// Wilder's smoothing, the same recurrence RSI uses for average gain/loss.
func ATR(bars []Bar, period int) []float64 {
	n := len(bars)
	out := make([]float64, n)
	if n < 2 || period <= 0 {
		return out
	}

	trueRanges := make([]float64, n)
	trueRanges[0] = bars[0].High - bars[0].Low
	for i := 1; i < n; i++ {
		hl := bars[i].High - bars[i].Low
		hc := absF(bars[i].High - bars[i-1].Close)
		lc := absF(bars[i].Low - bars[i-1].Close)
		trueRanges[i] = maxF(hl, maxF(hc, lc))
	}

	var sum float64
	for i := 0; i < period && i < n; i++ {
		sum += trueRanges[i]
	}
	atr := sum / float64(minInt(period, n))
	if period-1 < n {
		out[period-1] = atr
	}
	for i := period; i < n; i++ {
		atr = (atr*float64(period-1) + trueRanges[i]) / float64(period)
		out[i] = atr
	}
	return out
}

// VolumeRatio compares the most recent volume to the mean of the preceding
// lookback bars, guarding against a zero-volume lookback window.
func VolumeRatio(volumes []float64, lookback int) float64 {
	n := len(volumes)
	if n == 0 {
		return 1
	}
	start := n - 1 - lookback
	if start < 0 {
		start = 0
	}
	end := n - 1
	if end <= start {
		return 1
	}
	var sum float64
	count := 0
	for i := start; i < end; i++ {
		sum += volumes[i]
		count++
	}
	if count == 0 || sum == 0 {
		return 1
	}
	avg := sum / float64(count)
	if avg == 0 {
		return 1
	}
	return volumes[end] / avg
}

// PercentChange returns 100*(to-from)/from, guarding against a zero
// divisor (§4.2 "guarding against zero divisors").
func PercentChange(from, to float64) float64 {
	if from == 0 {
		return 0
	}
	return (to - from) / from * 100
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
