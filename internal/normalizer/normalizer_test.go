package normalizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketprism-collector/internal/connector"
	"marketprism-collector/internal/types"
)

func binanceSpot() *Normalizer {
	return New(NewSymbolTable(types.Binance, types.Spot, map[string]string{
		"BTC-USDT": "BTCUSDT",
		"ETH-USDT": "ETHUSDT",
	}))
}

func okxLinear() *Normalizer {
	return New(NewSymbolTable(types.OKX, types.Linear, map[string]string{
		"BTC-USDT": "BTC-USDT-SWAP",
	}))
}

func TestSymbolTableRoundTrip(t *testing.T) {
	table := NewSymbolTable(types.Deribit, types.Inverse, map[string]string{
		"BTC-USD": "BTC-PERPETUAL",
	})

	key, err := table.Key("BTC-PERPETUAL")
	require.NoError(t, err)
	assert.Equal(t, "deribit/inverse/BTC-USD", key.String())

	native, ok := table.Native("BTC-USD")
	require.True(t, ok)
	assert.Equal(t, "BTC-PERPETUAL", native)

	_, err = table.Key("ETH-PERPETUAL")
	assert.ErrorIs(t, err, types.ErrUnknownSymbol)
}

func TestTradeBinanceSideFromBuyerMaker(t *testing.T) {
	n := binanceSpot()
	eventTime := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	trade, err := n.Trade(&connector.RawTrade{
		Exchange:     types.Binance,
		NativeSymbol: "BTCUSDT",
		TradeID:      "12345",
		Price:        "50000.5",
		Quantity:     "0.25",
		IsBuyerMaker: true,
		EventTime:    eventTime,
		IngestTime:   eventTime.Add(20 * time.Millisecond),
	})
	require.NoError(t, err)

	// Buyer was maker, so the taker sold.
	assert.Equal(t, types.SideSell, trade.Side)
	assert.True(t, trade.IsBuyerMaker)
	assert.Equal(t, "BTC-USDT", trade.Key.Symbol)
	assert.Equal(t, "12500.125", trade.QuoteQuantity.String())
	assert.Equal(t, types.TimeSourceEvent, trade.TimeSource)
	assert.Equal(t, eventTime, trade.TradeTime)

	taker, err := n.Trade(&connector.RawTrade{
		Exchange:     types.Binance,
		NativeSymbol: "BTCUSDT",
		Price:        "1",
		Quantity:     "1",
		IsBuyerMaker: false,
		EventTime:    eventTime,
		IngestTime:   eventTime,
	})
	require.NoError(t, err)
	assert.Equal(t, types.SideBuy, taker.Side)
	assert.False(t, taker.IsBuyerMaker)
}

func TestTradeTakerSideVenues(t *testing.T) {
	n := okxLinear()
	trade, err := n.Trade(&connector.RawTrade{
		Exchange:     types.OKX,
		NativeSymbol: "BTC-USDT-SWAP",
		Price:        "50000",
		Quantity:     "2",
		Side:         "sell",
		IngestTime:   time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, types.SideSell, trade.Side)
	assert.False(t, trade.IsBuyerMaker)

	_, err = n.Trade(&connector.RawTrade{
		Exchange:     types.OKX,
		NativeSymbol: "BTC-USDT-SWAP",
		Price:        "1",
		Quantity:     "1",
		Side:         "short",
		IngestTime:   time.Now().UTC(),
	})
	assert.ErrorIs(t, err, types.ErrDecode)
}

func TestTradeUnknownSymbolDropped(t *testing.T) {
	n := binanceSpot()
	_, err := n.Trade(&connector.RawTrade{
		Exchange:     types.Binance,
		NativeSymbol: "DOGEUSDT",
		Price:        "1",
		Quantity:     "1",
	})
	assert.ErrorIs(t, err, types.ErrUnknownSymbol)
}

func TestTradeIngestTimeFallback(t *testing.T) {
	n := binanceSpot()
	ingest := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	trade, err := n.Trade(&connector.RawTrade{
		Exchange:     types.Binance,
		NativeSymbol: "BTCUSDT",
		Price:        "1",
		Quantity:     "1",
		IngestTime:   ingest,
	})
	require.NoError(t, err)
	assert.Equal(t, types.TimeSourceIngest, trade.TimeSource)
	assert.Equal(t, ingest, trade.TradeTime)
}

func TestQuoteQuantityRoundsHalfEven(t *testing.T) {
	n := binanceSpot()
	// 1.5 * 0.00000001 = 0.000000015: an exact tie at the 8th digit,
	// which half-even resolves to the even neighbor 0.00000002.
	trade, err := n.Trade(&connector.RawTrade{
		Exchange:     types.Binance,
		NativeSymbol: "BTCUSDT",
		Price:        "1.5",
		Quantity:     "0.00000001",
		IngestTime:   time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, "0.00000002", trade.QuoteQuantity.String())
}

func TestTickerDerivesChangeFromOpen(t *testing.T) {
	n := okxLinear()
	ticker, err := n.Ticker(&connector.RawTicker{
		Exchange:     types.OKX,
		NativeSymbol: "BTC-USDT-SWAP",
		LastPrice:    "110",
		Open24h:      "100",
		High24h:      "115",
		Low24h:       "99",
		IngestTime:   time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, "10", ticker.PriceChange24h.String())
	assert.Equal(t, "10", ticker.PriceChangePct24h.String())
	assert.Equal(t, "115", ticker.High24h.String())
}

func TestTickerPassesThroughChangeFields(t *testing.T) {
	n := binanceSpot()
	ticker, err := n.Ticker(&connector.RawTicker{
		Exchange:       types.Binance,
		NativeSymbol:   "ETHUSDT",
		LastPrice:      "3000",
		PriceChange:    "-150.5",
		PriceChangePct: "-4.78",
		IngestTime:     time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, "-150.5", ticker.PriceChange24h.String())
	assert.Equal(t, "-4.78", ticker.PriceChangePct24h.String())
}

func TestFunding(t *testing.T) {
	n := okxLinear()
	next := time.Date(2024, 5, 1, 16, 0, 0, 0, time.UTC)
	funding, err := n.Funding(&connector.RawFunding{
		Exchange:        types.OKX,
		NativeSymbol:    "BTC-USDT-SWAP",
		FundingRate:     "0.0001",
		NextFundingTime: next,
		MarkPrice:       "50001.2",
		IngestTime:      time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, "0.0001", funding.FundingRate.String())
	assert.Equal(t, next, funding.NextFundingTime)
	assert.Equal(t, "50001.2", funding.MarkPrice.String())
}

func TestLSRSplitsQuotient(t *testing.T) {
	n := okxLinear()
	// Quotient 3 means 75% long, 25% short.
	sample, err := n.LSR(&connector.RawLSR{
		Exchange:     types.OKX,
		NativeSymbol: "BTC-USDT-SWAP",
		Period:       "5m",
		LongRatio:    "3",
		Variant:      types.LSRAllAccounts,
		IngestTime:   time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, "0.75", sample.LongRatio.String())
	assert.Equal(t, "0.25", sample.ShortRatio.String())
}

func TestLSRKeepsExplicitShares(t *testing.T) {
	n := binanceSpot()
	sample, err := n.LSR(&connector.RawLSR{
		Exchange:     types.Binance,
		NativeSymbol: "BTCUSDT",
		Period:       "5m",
		LongRatio:    "0.6",
		ShortRatio:   "0.4",
		Variant:      types.LSRTopPositions,
		IngestTime:   time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, "0.6", sample.LongRatio.String())
	assert.Equal(t, "0.4", sample.ShortRatio.String())
	assert.Equal(t, types.LSRTopPositions, sample.Variant)
}

func TestVolKeyUsesCurrency(t *testing.T) {
	n := New(NewSymbolTable(types.Deribit, types.Option, nil))
	vol, err := n.Vol(&connector.RawVol{
		Exchange:   types.Deribit,
		Currency:   "BTC",
		IndexValue: "52.31",
		IngestTime: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, "deribit/option/BTC", vol.Key.String())
	assert.Equal(t, "52.31", vol.IndexValue.String())
}

func TestLiquidation(t *testing.T) {
	n := okxLinear()
	liq, err := n.Liquidation(&connector.RawLiquidation{
		Exchange:     types.OKX,
		NativeSymbol: "BTC-USDT-SWAP",
		Side:         "sell",
		Price:        "49000",
		Quantity:     "10",
		IngestTime:   time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, types.SideSell, liq.Side)
	assert.Equal(t, "49000", liq.Price.String())
}
