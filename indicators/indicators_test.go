package indicators

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEMA_ConstantSeriesStaysConstant(t *testing.T) {
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 100
	}
	ema := EMA(closes, 12)
	assert.InDelta(t, 100, Current(ema), 1e-9)
}

func TestRSI_MonotonicUptrendApproaches100(t *testing.T) {
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	rsi := RSI(closes, 14)
	assert.Greater(t, Current(rsi), 90.0)
}

func TestRSI_FlatSeriesIsFifty(t *testing.T) {
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 100
	}
	rsi := RSI(closes, 14)
	assert.InDelta(t, 50, Current(rsi), 1e-9)
}

func TestATR_ZeroRangeIsZero(t *testing.T) {
	bars := make([]Bar, 20)
	for i := range bars {
		bars[i] = Bar{High: 100, Low: 100, Close: 100}
	}
	atr := ATR(bars, 14)
	assert.InDelta(t, 0, Current(atr), 1e-9)
}

func TestVolumeRatio_ZeroLookbackGuard(t *testing.T) {
	assert.Equal(t, 1.0, VolumeRatio([]float64{5}, 20))
	assert.Equal(t, 1.0, VolumeRatio(nil, 20))
}

func TestPercentChange_ZeroDivisorGuard(t *testing.T) {
	assert.Equal(t, 0.0, PercentChange(0, 100))
	assert.InDelta(t, 10, PercentChange(100, 110), 1e-9)
}

func TestComputeMACD_Histogram(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100 + float64(i)*0.5
	}
	m := ComputeMACD(closes, 12, 26, 9)
	require := Current(m.Line) - Current(m.Signal)
	assert.InDelta(t, require, Current(m.Histogram), 1e-9)
}
