package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketprism-collector/internal/config"
	"marketprism-collector/internal/types"
)

type fakeJetStream struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakeJetStream) PublishAsync(subj string, data []byte, _ ...nats.PubOpt) (nats.PubAckFuture, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.subjects = append(f.subjects, subj)
	f.payloads = append(f.payloads, data)
	return nil, nil
}

func busConfig() config.BusConfig {
	return config.BusConfig{
		SubjectPrefix:  "market",
		PublishTimeout: time.Second,
		MaxPending:     512,
	}
}

func testTrade() *types.NormalizedTrade {
	return &types.NormalizedTrade{
		Key: types.InstrumentKey{
			Exchange: types.Binance, MarketType: types.Spot, Symbol: "BTC-USDT",
		},
		TradeID:    "1",
		Price:      decimal.RequireFromString("50000"),
		Quantity:   decimal.RequireFromString("0.5"),
		Side:       types.SideBuy,
		TradeTime:  time.Now().UTC(),
		IngestTime: time.Now().UTC(),
	}
}

func TestSubjectDerivation(t *testing.T) {
	p := NewWithJetStream(&fakeJetStream{}, busConfig(), nil)

	key := types.InstrumentKey{
		Exchange: types.OKX, MarketType: types.Linear, Symbol: "BTC-USDT",
	}
	assert.Equal(t, "market.okx.linear.BTC-USDT.book_delta",
		p.Subject(key, types.RecordBookDelta))

	// Dots in option symbols would break subject tokenization.
	optKey := types.InstrumentKey{
		Exchange: types.Deribit, MarketType: types.Option, Symbol: "BTC-27DEC24-60000.5-C",
	}
	assert.Equal(t, "market.deribit.option.BTC-27DEC24-60000_5-C.trade",
		p.Subject(optKey, types.RecordTrade))
}

func TestPublishTrade(t *testing.T) {
	js := &fakeJetStream{}
	p := NewWithJetStream(js, busConfig(), nil)

	require.NoError(t, p.PublishTrade(context.Background(), testTrade()))

	js.mu.Lock()
	defer js.mu.Unlock()
	require.Len(t, js.subjects, 1)
	assert.Equal(t, "market.binance.spot.BTC-USDT.trade", js.subjects[0])

	var decoded types.NormalizedTrade
	require.NoError(t, json.Unmarshal(js.payloads[0], &decoded))
	assert.Equal(t, "BTC-USDT", decoded.Key.Symbol)
	assert.True(t, decoded.Price.Equal(decimal.RequireFromString("50000")))
}

func TestPublishStallMapsToBackpressure(t *testing.T) {
	js := &fakeJetStream{err: errors.New("nats: stalled with too many outstanding async published messages")}
	p := NewWithJetStream(js, busConfig(), nil)

	err := p.PublishTrade(context.Background(), testTrade())
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrBusBackpressure)
}

func TestPublishBookRecords(t *testing.T) {
	js := &fakeJetStream{}
	p := NewWithJetStream(js, busConfig(), nil)
	key := types.InstrumentKey{
		Exchange: types.OKX, MarketType: types.Spot, Symbol: "ETH-USDT",
	}

	snap := &types.OrderBookSnapshot{
		Key:          key,
		LastUpdateID: 42,
		Bids: []types.PriceLevel{{
			Price:    decimal.RequireFromString("3000"),
			Quantity: decimal.RequireFromString("1"),
		}},
		SnapshotTime: time.Now().UTC(),
		IngestTime:   time.Now().UTC(),
	}
	require.NoError(t, p.PublishBookSnapshot(context.Background(), snap))

	delta := &types.OrderBookDelta{
		Key:           key,
		FirstUpdateID: 43,
		LastUpdateID:  43,
		AsksChanged: []types.PriceLevel{{
			Price:    decimal.RequireFromString("3001"),
			Quantity: decimal.Zero,
		}},
		EventTime:  time.Now().UTC(),
		IngestTime: time.Now().UTC(),
	}
	require.NoError(t, p.PublishBookDelta(context.Background(), delta))

	js.mu.Lock()
	defer js.mu.Unlock()
	require.Len(t, js.subjects, 2)
	assert.Equal(t, "market.okx.spot.ETH-USDT.book_snapshot", js.subjects[0])
	assert.Equal(t, "market.okx.spot.ETH-USDT.book_delta", js.subjects[1])
}
