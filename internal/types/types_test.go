package types

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestInstrumentKeyString(t *testing.T) {
	key := InstrumentKey{Exchange: OKX, MarketType: Linear, Symbol: "BTC-USDT"}
	assert.Equal(t, "okx/linear/BTC-USDT", key.String())
}

func TestQuoteQuantity(t *testing.T) {
	price := decimal.RequireFromString("50000.5")
	qty := decimal.RequireFromString("0.25")
	assert.Equal(t, "12500.125", QuoteQuantity(price, qty).String())

	// Exact tie at the 8th fractional digit rounds half-even.
	tie := QuoteQuantity(decimal.RequireFromString("1.5"), decimal.RequireFromString("0.00000001"))
	assert.Equal(t, "0.00000002", tie.String())
}

func TestIsResyncable(t *testing.T) {
	resyncable := []error{
		ErrGapDetected, ErrSnapshotStale, ErrChecksumMismatch,
		ErrBufferOverflow, ErrUpstreamDisconnected, ErrBusBackpressure,
	}
	for _, err := range resyncable {
		assert.True(t, IsResyncable(err), err.Error())
		// Wrapping preserves classification.
		assert.True(t, IsResyncable(fmt.Errorf("books: %w", err)))
	}

	terminal := []error{ErrProtocol, ErrRateLimited, ErrUnknownSymbol, ErrDecode}
	for _, err := range terminal {
		assert.False(t, IsResyncable(err), err.Error())
	}
}
