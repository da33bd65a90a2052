package supervisor

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketprism-collector/internal/config"
	"marketprism-collector/internal/connector"
	"marketprism-collector/internal/health"
	"marketprism-collector/internal/publisher"
	"marketprism-collector/internal/types"
)

type nopJetStream struct{}

func (nopJetStream) PublishAsync(string, []byte, ...nats.PubOpt) (nats.PubAckFuture, error) {
	return nil, nil
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Exchanges = []config.ExchangeConfig{
		{
			Name:       types.Binance,
			MarketType: types.Spot,
			Symbols:    []string{"BTC-USDT", "ETH-USDT"},
			SymbolMap: map[string]string{
				"BTC-USDT": "BTCUSDT",
				"ETH-USDT": "ETHUSDT",
			},
			DataTypes: []string{"trade", "orderbook", "ticker"},
		},
		{
			Name:       types.OKX,
			MarketType: types.Linear,
			Symbols:    []string{"BTC-USDT"},
			SymbolMap:  map[string]string{"BTC-USDT": "BTC-USDT-SWAP"},
			DataTypes:  []string{"orderbook", "funding", "oi", "lsr"},
		},
		{
			Name:       types.Deribit,
			MarketType: types.Option,
			Symbols:    []string{"BTC-USD"},
			SymbolMap:  map[string]string{"BTC-USD": "BTC-PERPETUAL"},
			DataTypes:  []string{"trade", "vol", "funding", "oi"},
		},
	}
	return &cfg
}

func newTestSupervisor(t *testing.T) (*Supervisor, *health.Registry) {
	t.Helper()
	pub := publisher.NewWithJetStream(nopJetStream{}, config.BusConfig{
		SubjectPrefix:  "market",
		PublishTimeout: time.Second,
		MaxPending:     16,
	}, nil)
	reg := health.NewRegistry()
	s, err := New(testConfig(), pub, reg)
	require.NoError(t, err)
	return s, reg
}

func TestNewBuildsAllFeeds(t *testing.T) {
	s, reg := newTestSupervisor(t)
	require.Len(t, s.feeds, 3)

	// One manager per symbol where the orderbook data type is enabled.
	binanceFeed := s.feeds[0]
	assert.Len(t, binanceFeed.managers, 2)
	assert.Contains(t, binanceFeed.managers, "BTCUSDT")
	assert.Contains(t, binanceFeed.managers, "ETHUSDT")

	okxFeed := s.feeds[1]
	assert.Len(t, okxFeed.managers, 1)
	assert.Contains(t, okxFeed.managers, "BTC-USDT-SWAP")

	// Deribit has no orderbook data type configured here.
	deribitFeed := s.feeds[2]
	assert.Empty(t, deribitFeed.managers)

	report := reg.Report()
	assert.Len(t, report.Adapters, 3)
	assert.Len(t, report.Books, 3)
}

func TestPollJobsFollowDataTypes(t *testing.T) {
	s, _ := newTestSupervisor(t)

	names := func(f *feed) []string {
		var out []string
		for _, j := range f.polls {
			out = append(out, j.name)
		}
		return out
	}

	// Spot Binance: no derivative polls.
	assert.Empty(t, names(s.feeds[0]))
	assert.ElementsMatch(t, []string{"open_interest", "lsr"}, names(s.feeds[1]))
	assert.ElementsMatch(t, []string{"funding", "open_interest", "vol"}, names(s.feeds[2]))
}

func TestDepthRoutingBySymbol(t *testing.T) {
	s, _ := newTestSupervisor(t)
	f := s.feeds[0]

	// Known symbols route into the per-instrument manager buffer;
	// unknown symbols are counted and dropped without panicking.
	f.adapter.(interface {
		EmitDepth(*connector.RawDepth)
	}).EmitDepth(&connector.RawDepth{
		Exchange:     types.Binance,
		NativeSymbol: "BTCUSDT",
		FirstID:      1, LastID: 2,
	})
	f.adapter.(interface {
		EmitDepth(*connector.RawDepth)
	}).EmitDepth(&connector.RawDepth{
		Exchange:     types.Binance,
		NativeSymbol: "DOGEUSDT",
	})

	assert.Equal(t, int64(0), f.managers["BTCUSDT"].Stats().Dropped)
}

func TestOfferDropShedsOldest(t *testing.T) {
	ch := make(chan int, 2)
	offerDrop(ch, 1, types.Binance, "trade")
	offerDrop(ch, 2, types.Binance, "trade")
	offerDrop(ch, 3, types.Binance, "trade")

	assert.Len(t, ch, 2)
	assert.Equal(t, 2, <-ch)
	assert.Equal(t, 3, <-ch)
}

func TestBaseCurrency(t *testing.T) {
	assert.Equal(t, "BTC", baseCurrency("BTC-USDT"))
	assert.Equal(t, "ETH", baseCurrency("ETH-USD"))
	assert.Equal(t, "SOL", baseCurrency("SOL"))
}
