package orderbook

import (
	"fmt"

	"marketprism-collector/internal/connector"
	"marketprism-collector/internal/types"
)

// Decision classifies an incremental depth frame against the local book.
type Decision int

const (
	// Drop discards the frame; it predates or duplicates applied state.
	Drop Decision = iota
	// Apply accepts the frame as the next sequenced update.
	Apply
)

// SyncStrategy encodes one exchange's depth sequencing rules. A strategy
// instance belongs to a single manager and may carry per-book state.
type SyncStrategy interface {
	// InBandSnapshots reports whether the depth stream delivers its own
	// snapshot frames. When false, resync fetches a REST baseline and
	// replays buffered frames against it.
	InBandSnapshots() bool

	// Reset arms the strategy after a new baseline with sequence baseID.
	Reset(baseID int64)

	// Judge classifies an incremental frame given the book's last applied
	// sequence id. A non-nil error means the book can no longer be
	// trusted and must resync.
	Judge(lastID int64, ev *connector.RawDepth) (Decision, error)

	// Verify checks post-apply integrity of the book against the frame.
	Verify(book *Book, ev *connector.RawDepth) error
}

// binanceStrategy implements the Binance depth sync rules: buffer the
// stream, fetch a REST snapshot with lastUpdateId L, drop events with
// u <= L, require the first applied event to straddle L+1, then require
// strict continuity U == previous u + 1.
type binanceStrategy struct {
	baseID        int64
	awaitingFirst bool
}

// NewBinanceStrategy creates the Binance sequencing strategy.
func NewBinanceStrategy() SyncStrategy { return &binanceStrategy{} }

func (s *binanceStrategy) InBandSnapshots() bool { return false }

func (s *binanceStrategy) Reset(baseID int64) {
	s.baseID = baseID
	s.awaitingFirst = true
}

func (s *binanceStrategy) Judge(lastID int64, ev *connector.RawDepth) (Decision, error) {
	if s.awaitingFirst {
		if ev.LastID <= s.baseID {
			return Drop, nil
		}
		if ev.FirstID <= s.baseID+1 && s.baseID+1 <= ev.LastID {
			s.awaitingFirst = false
			return Apply, nil
		}
		// First event past the snapshot does not straddle it: the
		// snapshot is older than the buffered stream.
		return Drop, fmt.Errorf("first event U=%d past snapshot id %d: %w", ev.FirstID, s.baseID, types.ErrSnapshotStale)
	}
	if ev.LastID <= lastID {
		return Drop, nil
	}
	if ev.FirstID != lastID+1 {
		return Drop, fmt.Errorf("expected U=%d got U=%d: %w", lastID+1, ev.FirstID, types.ErrGapDetected)
	}
	return Apply, nil
}

func (s *binanceStrategy) Verify(*Book, *connector.RawDepth) error { return nil }

// okxStrategy implements the OKX books channel rules: snapshots arrive
// in-band, each update's prevSeqId must match the local seqId, and the
// frame checksum must match the local top-25 checksum after apply.
type okxStrategy struct {
	verifyChecksum bool
}

// NewOKXStrategy creates the OKX sequencing strategy.
func NewOKXStrategy(verifyChecksum bool) SyncStrategy {
	return &okxStrategy{verifyChecksum: verifyChecksum}
}

func (s *okxStrategy) InBandSnapshots() bool { return true }

func (s *okxStrategy) Reset(int64) {}

func (s *okxStrategy) Judge(lastID int64, ev *connector.RawDepth) (Decision, error) {
	if ev.PrevID == lastID {
		return Apply, nil
	}
	if ev.LastID <= lastID {
		return Drop, nil
	}
	return Drop, fmt.Errorf("expected prevSeqId=%d got %d: %w", lastID, ev.PrevID, types.ErrGapDetected)
}

func (s *okxStrategy) Verify(book *Book, ev *connector.RawDepth) error {
	if !s.verifyChecksum || ev.Checksum == 0 {
		return nil
	}
	if got := book.Checksum(); got != ev.Checksum {
		return fmt.Errorf("local=%d remote=%d: %w", got, ev.Checksum, types.ErrChecksumMismatch)
	}
	return nil
}

// deribitStrategy implements the Deribit book channel rules: snapshots
// arrive in-band (and via REST, which carries a change_id), and each
// change frame's prev_change_id must match the local change_id.
type deribitStrategy struct{}

// NewDeribitStrategy creates the Deribit sequencing strategy.
func NewDeribitStrategy() SyncStrategy { return &deribitStrategy{} }

func (s *deribitStrategy) InBandSnapshots() bool { return true }

func (s *deribitStrategy) Reset(int64) {}

func (s *deribitStrategy) Judge(lastID int64, ev *connector.RawDepth) (Decision, error) {
	if ev.PrevID == lastID {
		return Apply, nil
	}
	if ev.LastID <= lastID {
		return Drop, nil
	}
	return Drop, fmt.Errorf("expected prev_change_id=%d got %d: %w", lastID, ev.PrevID, types.ErrGapDetected)
}

func (s *deribitStrategy) Verify(*Book, *connector.RawDepth) error { return nil }
