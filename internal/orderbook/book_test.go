package orderbook

import (
	"hash/crc32"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketprism-collector/internal/connector"
	"marketprism-collector/internal/types"
)

var testKey = types.InstrumentKey{
	Exchange:   types.Binance,
	MarketType: types.Spot,
	Symbol:     "BTC-USDT",
}

func snapshotFrame(lastID int64, bids, asks [][2]string) *connector.RawDepth {
	return &connector.RawDepth{
		Exchange:   types.Binance,
		LastID:     lastID,
		Bids:       bids,
		Asks:       asks,
		IsSnapshot: true,
		EventTime:  time.Now().UTC(),
		IngestTime: time.Now().UTC(),
	}
}

func TestBookApplySnapshot(t *testing.T) {
	b := NewBook(testKey, 400)
	err := b.ApplySnapshot(snapshotFrame(100,
		[][2]string{{"50000.5", "1.5"}, {"50001.0", "2.0"}, {"49999.9", "0.25"}},
		[][2]string{{"50002.0", "3.0"}, {"50001.5", "1.0"}},
	))
	require.NoError(t, err)

	snap := b.Snapshot(time.Now())
	require.Len(t, snap.Bids, 3)
	require.Len(t, snap.Asks, 2)

	// Bids descend, asks ascend.
	assert.Equal(t, "50001", snap.Bids[0].Price.String())
	assert.Equal(t, "49999.9", snap.Bids[2].Price.String())
	assert.Equal(t, "50001.5", snap.Asks[0].Price.String())
	assert.Equal(t, "50001", snap.BestBid.String())
	assert.Equal(t, "50001.5", snap.BestAsk.String())
	assert.Equal(t, int64(100), snap.LastUpdateID)
}

func TestBookApplyDelta(t *testing.T) {
	b := NewBook(testKey, 400)
	require.NoError(t, b.ApplySnapshot(snapshotFrame(100,
		[][2]string{{"100.0", "1.0"}, {"99.0", "2.0"}},
		[][2]string{{"101.0", "1.0"}},
	)))

	delta, err := b.ApplyDelta(&connector.RawDepth{
		FirstID: 101,
		LastID:  103,
		Bids: [][2]string{
			{"100.0", "5.0"}, // replace
			{"98.5", "1.0"},  // insert
			{"99.0", "0"},    // remove
			{"97.0", "0"},    // absent: no-op
		},
		Asks: [][2]string{{"101.5", "2.0"}},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(101), delta.FirstUpdateID)
	assert.Equal(t, int64(103), delta.LastUpdateID)
	require.Len(t, delta.BidsChanged, 3) // no-op delete excluded
	require.Len(t, delta.AsksChanged, 1)
	assert.Equal(t, int64(103), b.LastUpdateID())

	snap := b.Snapshot(time.Now())
	require.Len(t, snap.Bids, 2)
	assert.Equal(t, "100", snap.Bids[0].Price.String())
	assert.Equal(t, "5", snap.Bids[0].Quantity.String())
	assert.Equal(t, "98.5", snap.Bids[1].Price.String())
	require.Len(t, snap.Asks, 2)
}

func TestBookDeltaRangeFromPrevID(t *testing.T) {
	// Sequence-chained feeds carry prevSeqId/prev_change_id instead of a
	// first update id; the delta range must still resume after it.
	b := NewBook(testKey, 400)
	require.NoError(t, b.ApplySnapshot(snapshotFrame(1000,
		[][2]string{{"100.0", "1.0"}}, nil)))

	delta, err := b.ApplyDelta(&connector.RawDepth{
		PrevID: 1000, LastID: 1001,
		Bids: [][2]string{{"100.0", "2.0"}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1001), delta.FirstUpdateID)
	assert.Equal(t, int64(1001), delta.LastUpdateID)
}

func TestBookRemovedLevelHasZeroQuantity(t *testing.T) {
	b := NewBook(testKey, 400)
	require.NoError(t, b.ApplySnapshot(snapshotFrame(1,
		[][2]string{{"100.0", "1.0"}}, nil)))

	delta, err := b.ApplyDelta(&connector.RawDepth{
		FirstID: 2, LastID: 2,
		Bids: [][2]string{{"100.0", "0"}},
	})
	require.NoError(t, err)
	require.Len(t, delta.BidsChanged, 1)
	assert.True(t, delta.BidsChanged[0].Quantity.IsZero())
	bids, _ := b.Depth()
	assert.Zero(t, bids)
}

func TestBookTruncatesToMaxDepth(t *testing.T) {
	b := NewBook(testKey, 2)
	require.NoError(t, b.ApplySnapshot(snapshotFrame(1,
		[][2]string{{"100", "1"}, {"99", "1"}, {"98", "1"}, {"97", "1"}},
		[][2]string{{"101", "1"}, {"102", "1"}, {"103", "1"}},
	)))
	bids, asks := b.Depth()
	assert.Equal(t, 2, bids)
	assert.Equal(t, 2, asks)

	snap := b.Snapshot(time.Now())
	assert.Equal(t, "100", snap.Bids[0].Price.String())
	assert.Equal(t, "99", snap.Bids[1].Price.String())
}

func TestBookBadNumberRejected(t *testing.T) {
	b := NewBook(testKey, 400)
	err := b.ApplySnapshot(snapshotFrame(1, [][2]string{{"not-a-number", "1"}}, nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrDecode)
}

func TestBookChecksum(t *testing.T) {
	b := NewBook(testKey, 400)
	require.NoError(t, b.ApplySnapshot(snapshotFrame(1,
		[][2]string{{"3366.1", "7"}, {"3366", "6"}},
		[][2]string{{"3366.8", "9"}, {"3368", "8"}},
	)))

	// Alternating bid/ask over the original text, trailing colon trimmed.
	payload := strings.Join([]string{
		"3366.1", "7", "3366.8", "9",
		"3366", "6", "3368", "8",
	}, ":")
	want := int32(crc32.ChecksumIEEE([]byte(payload)))
	assert.Equal(t, want, b.Checksum())
}

func TestBookChecksumUsesOriginalText(t *testing.T) {
	// "1.50" must hash as "1.50", not as a re-rendered "1.5".
	b := NewBook(testKey, 400)
	require.NoError(t, b.ApplySnapshot(snapshotFrame(1,
		[][2]string{{"100.10", "1.50"}}, nil)))

	want := int32(crc32.ChecksumIEEE([]byte("100.10:1.50")))
	assert.Equal(t, want, b.Checksum())

	// The parsed values still normalize.
	snap := b.Snapshot(time.Now())
	assert.True(t, snap.Bids[0].Price.Equal(decimal.RequireFromString("100.1")))
}
