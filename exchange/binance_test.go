package exchange

import (
	"strings"
	"testing"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/assert"
)

func TestBinanceOrderID_BoundedLength(t *testing.T) {
	for i := 0; i < 50; i++ {
		id := binanceOrderID()
		assert.True(t, strings.HasPrefix(id, "x-KzrpZaP9"))
		assert.LessOrEqual(t, len(id), 32)
	}
}

func TestBinanceOrderID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id := binanceOrderID()
		assert.False(t, seen[id], "order id collision: %s", id)
		seen[id] = true
	}
}

func TestClassifyBinanceErr(t *testing.T) {
	assert.Equal(t, ErrInsufficientFunds, classifyBinanceErr(&futures.APIError{Code: -2019}))
	assert.Equal(t, ErrAuth, classifyBinanceErr(&futures.APIError{Code: -1022}))
	assert.Equal(t, ErrRateLimit, classifyBinanceErr(&futures.APIError{Code: -1003}))
	assert.Equal(t, ErrInvalidOrder, classifyBinanceErr(&futures.APIError{Code: -2010}))
	assert.Equal(t, ErrOther, classifyBinanceErr(&futures.APIError{Code: -9999}))
}

func TestSupportedIntervals_ClosedSet(t *testing.T) {
	assert.True(t, SupportedIntervals["1h"])
	assert.True(t, SupportedIntervals["4h"])
	assert.False(t, SupportedIntervals["7h"])
}
