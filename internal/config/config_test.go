package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketprism-collector/internal/types"
)

const validYAML = `
exchanges:
  - name: binance
    market_type: spot
    symbols: [BTC-USDT, ETH-USDT]
    symbol_map:
      BTC-USDT: BTCUSDT
      ETH-USDT: ETHUSDT
    data_types: [trade, orderbook, ticker]
  - name: okx
    market_type: linear
    symbols: [BTC-USDT]
    symbol_map:
      BTC-USDT: BTC-USDT-SWAP
    data_types: [orderbook, funding, oi]
orderbook:
  max_depth_levels: 200
bus:
  url: nats://bus:4222
  subject_prefix: md
rate_limits:
  - exchange: binance
    class: depth
    capacity: 10
    refill_per_second: 5
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	require.Len(t, cfg.Exchanges, 2)
	assert.Equal(t, types.Binance, cfg.Exchanges[0].Name)
	assert.True(t, cfg.Exchanges[0].HasDataType("orderbook"))
	assert.False(t, cfg.Exchanges[0].HasDataType("lsr"))

	// Explicit values override, everything else keeps defaults.
	assert.Equal(t, 200, cfg.OrderBook.MaxDepthLevels)
	assert.Equal(t, 10000, cfg.OrderBook.BufferCap)
	assert.Equal(t, "md", cfg.Bus.SubjectPrefix)
	assert.Equal(t, 5*time.Second, cfg.Bus.PublishTimeout)
	assert.Equal(t, 5, cfg.OrderBook.Resync.MaxAttempts)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsUnknownExchange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exchanges = []ExchangeConfig{{
		Name:       "kraken",
		MarketType: types.Spot,
		Symbols:    []string{"BTC-USD"},
		SymbolMap:  map[string]string{"BTC-USD": "XBTUSD"},
	}}
	assert.ErrorContains(t, cfg.Validate(), "unsupported")
}

func TestValidateRejectsLowercaseCanonical(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exchanges = []ExchangeConfig{{
		Name:       types.Binance,
		MarketType: types.Spot,
		Symbols:    []string{"btc-usdt"},
		SymbolMap:  map[string]string{"btc-usdt": "BTCUSDT"},
	}}
	assert.ErrorContains(t, cfg.Validate(), "upper-case")
}

func TestValidateRejectsNonBijectiveSymbolMap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exchanges = []ExchangeConfig{{
		Name:       types.Binance,
		MarketType: types.Spot,
		Symbols:    []string{"BTC-USDT", "BTC-USD"},
		SymbolMap: map[string]string{
			"BTC-USDT": "BTCUSDT",
			"BTC-USD":  "BTCUSDT", // two canonicals, one native
		},
	}}
	assert.ErrorContains(t, cfg.Validate(), "maps from both")
}

func TestValidateRejectsMissingMapping(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exchanges = []ExchangeConfig{{
		Name:       types.OKX,
		MarketType: types.Linear,
		Symbols:    []string{"BTC-USDT"},
		SymbolMap:  map[string]string{},
	}}
	assert.ErrorContains(t, cfg.Validate(), "missing from symbol_map")
}

func TestValidateRejectsBinanceInverse(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exchanges = []ExchangeConfig{{
		Name:       types.Binance,
		MarketType: types.Inverse,
		Symbols:    []string{"BTC-USD"},
		SymbolMap:  map[string]string{"BTC-USD": "BTCUSD_PERP"},
	}}
	assert.ErrorContains(t, cfg.Validate(), "inverse market not supported")
}

func TestValidateRejectsDuplicateFeed(t *testing.T) {
	feed := ExchangeConfig{
		Name:       types.Deribit,
		MarketType: types.Option,
		Symbols:    []string{"BTC-USD"},
		SymbolMap:  map[string]string{"BTC-USD": "BTC-PERPETUAL"},
	}
	cfg := DefaultConfig()
	cfg.Exchanges = []ExchangeConfig{feed, feed}
	assert.ErrorContains(t, cfg.Validate(), "configured twice")
}

func TestValidateRejectsUnknownDataType(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exchanges = []ExchangeConfig{{
		Name:       types.Binance,
		MarketType: types.Spot,
		Symbols:    []string{"BTC-USDT"},
		SymbolMap:  map[string]string{"BTC-USDT": "BTCUSDT"},
		DataTypes:  []string{"candles"},
	}}
	assert.ErrorContains(t, cfg.Validate(), "unknown data type")
}

func TestConfigEnvOverride(t *testing.T) {
	path := writeConfig(t, validYAML)
	t.Setenv("MARKETPRISM_CONFIG", path)

	cfg, err := Load("does-not-exist.yaml")
	require.NoError(t, err)
	assert.Len(t, cfg.Exchanges, 2)
}

func TestLogLevelDefault(t *testing.T) {
	t.Setenv("MARKETPRISM_LOG_LEVEL", "")
	assert.Equal(t, "info", LogLevel())
	t.Setenv("MARKETPRISM_LOG_LEVEL", "DEBUG")
	assert.Equal(t, "debug", LogLevel())
}
