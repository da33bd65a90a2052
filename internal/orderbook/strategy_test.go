package orderbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketprism-collector/internal/connector"
	"marketprism-collector/internal/types"
)

func TestBinanceStrategySyncRules(t *testing.T) {
	s := NewBinanceStrategy()
	assert.False(t, s.InBandSnapshots())
	s.Reset(100) // snapshot lastUpdateId L=100

	// Events entirely at or before the snapshot are dropped.
	d, err := s.Judge(100, &connector.RawDepth{FirstID: 90, LastID: 100})
	require.NoError(t, err)
	assert.Equal(t, Drop, d)

	// First applied event must straddle L+1.
	d, err = s.Judge(100, &connector.RawDepth{FirstID: 98, LastID: 105})
	require.NoError(t, err)
	assert.Equal(t, Apply, d)

	// Thereafter continuity is strict: U == previous u + 1.
	d, err = s.Judge(105, &connector.RawDepth{FirstID: 106, LastID: 110})
	require.NoError(t, err)
	assert.Equal(t, Apply, d)

	// Duplicate replays drop silently.
	d, err = s.Judge(110, &connector.RawDepth{FirstID: 106, LastID: 110})
	require.NoError(t, err)
	assert.Equal(t, Drop, d)

	// A hole is a gap.
	_, err = s.Judge(110, &connector.RawDepth{FirstID: 115, LastID: 120})
	assert.ErrorIs(t, err, types.ErrGapDetected)
}

func TestBinanceStrategyStaleSnapshot(t *testing.T) {
	s := NewBinanceStrategy()
	s.Reset(100)

	// First event past the snapshot starts beyond L+1: the snapshot is
	// older than the buffered stream and must be refetched.
	_, err := s.Judge(100, &connector.RawDepth{FirstID: 150, LastID: 160})
	assert.ErrorIs(t, err, types.ErrSnapshotStale)
}

func TestOKXStrategySequencing(t *testing.T) {
	s := NewOKXStrategy(false)
	assert.True(t, s.InBandSnapshots())

	d, err := s.Judge(42, &connector.RawDepth{PrevID: 42, LastID: 43})
	require.NoError(t, err)
	assert.Equal(t, Apply, d)

	// No-change heartbeat: seqId == prevSeqId.
	d, err = s.Judge(43, &connector.RawDepth{PrevID: 43, LastID: 43})
	require.NoError(t, err)
	assert.Equal(t, Apply, d)

	// Replay of an already-applied frame drops.
	d, err = s.Judge(43, &connector.RawDepth{PrevID: 41, LastID: 42})
	require.NoError(t, err)
	assert.Equal(t, Drop, d)

	_, err = s.Judge(43, &connector.RawDepth{PrevID: 45, LastID: 46})
	assert.ErrorIs(t, err, types.ErrGapDetected)
}

func TestOKXStrategyChecksum(t *testing.T) {
	b := NewBook(testKey, 400)
	require.NoError(t, b.ApplySnapshot(snapshotFrame(1,
		[][2]string{{"100", "1"}}, [][2]string{{"101", "2"}})))

	verifying := NewOKXStrategy(true)
	require.NoError(t, verifying.Verify(b, &connector.RawDepth{Checksum: b.Checksum()}))

	err := verifying.Verify(b, &connector.RawDepth{Checksum: b.Checksum() + 1})
	assert.ErrorIs(t, err, types.ErrChecksumMismatch)

	// Verification disabled or checksum absent: no error either way.
	disabled := NewOKXStrategy(false)
	assert.NoError(t, disabled.Verify(b, &connector.RawDepth{Checksum: b.Checksum() + 1}))
	assert.NoError(t, verifying.Verify(b, &connector.RawDepth{Checksum: 0}))
}

func TestDeribitStrategySequencing(t *testing.T) {
	s := NewDeribitStrategy()
	assert.True(t, s.InBandSnapshots())

	d, err := s.Judge(7, &connector.RawDepth{PrevID: 7, LastID: 8})
	require.NoError(t, err)
	assert.Equal(t, Apply, d)

	d, err = s.Judge(8, &connector.RawDepth{PrevID: 6, LastID: 7})
	require.NoError(t, err)
	assert.Equal(t, Drop, d)

	_, err = s.Judge(8, &connector.RawDepth{PrevID: 9, LastID: 10})
	assert.ErrorIs(t, err, types.ErrGapDetected)
}
