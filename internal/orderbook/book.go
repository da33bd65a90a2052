package orderbook

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"marketprism-collector/internal/connector"
	"marketprism-collector/internal/types"
)

// checksumLevels is the number of levels per side covered by the OKX
// book checksum.
const checksumLevels = 25

// level is one price level. The exchange's original price and quantity
// text is kept verbatim; checksum verification hashes the text, not a
// re-rendering of the parsed values.
type level struct {
	px, qty  string
	price    decimal.Decimal
	quantity decimal.Decimal
}

// bookSide is a sorted slice of levels. Bids sort descending, asks
// ascending, so index 0 is always the best level.
type bookSide struct {
	levels []level
	desc   bool
}

// search returns the index where price p belongs and whether the level
// at that index already has price p.
func (s *bookSide) search(p decimal.Decimal) (int, bool) {
	i := sort.Search(len(s.levels), func(i int) bool {
		c := s.levels[i].price.Cmp(p)
		if s.desc {
			return c <= 0
		}
		return c >= 0
	})
	found := i < len(s.levels) && s.levels[i].price.Equal(p)
	return i, found
}

// apply inserts, replaces, or removes one level. It returns the changed
// level and false when a zero-quantity update referenced an absent
// price, which is a no-op.
func (s *bookSide) apply(px, qty string) (types.PriceLevel, bool, error) {
	price, err := decimal.NewFromString(px)
	if err != nil {
		return types.PriceLevel{}, false, fmt.Errorf("price %q: %w", px, types.ErrDecode)
	}
	quantity, err := decimal.NewFromString(qty)
	if err != nil {
		return types.PriceLevel{}, false, fmt.Errorf("quantity %q: %w", qty, types.ErrDecode)
	}

	i, found := s.search(price)
	if quantity.IsZero() {
		if !found {
			return types.PriceLevel{}, false, nil
		}
		s.levels = append(s.levels[:i], s.levels[i+1:]...)
		return types.PriceLevel{Price: price, Quantity: decimal.Zero}, true, nil
	}

	lvl := level{px: px, qty: qty, price: price, quantity: quantity}
	if found {
		s.levels[i] = lvl
	} else {
		s.levels = append(s.levels, level{})
		copy(s.levels[i+1:], s.levels[i:])
		s.levels[i] = lvl
	}
	return types.PriceLevel{Price: price, Quantity: quantity}, true, nil
}

func (s *bookSide) truncate(max int) {
	if max > 0 && len(s.levels) > max {
		s.levels = s.levels[:max]
	}
}

func (s *bookSide) best() (decimal.Decimal, bool) {
	if len(s.levels) == 0 {
		return decimal.Decimal{}, false
	}
	return s.levels[0].price, true
}

func (s *bookSide) priceLevels() []types.PriceLevel {
	out := make([]types.PriceLevel, len(s.levels))
	for i, lvl := range s.levels {
		out[i] = types.PriceLevel{Price: lvl.price, Quantity: lvl.quantity}
	}
	return out
}

// Book is the locally maintained orderbook for one instrument. It is
// not safe for concurrent use; each manager owns one book on a single
// goroutine.
type Book struct {
	key          types.InstrumentKey
	bids         bookSide
	asks         bookSide
	maxDepth     int
	lastUpdateID int64
	snapshotTime time.Time
}

// NewBook creates an empty book truncated to maxDepth levels per side.
func NewBook(key types.InstrumentKey, maxDepth int) *Book {
	return &Book{
		key:      key,
		bids:     bookSide{desc: true},
		asks:     bookSide{desc: false},
		maxDepth: maxDepth,
	}
}

// Key returns the instrument key.
func (b *Book) Key() types.InstrumentKey { return b.key }

// LastUpdateID returns the sequence id of the last applied frame.
func (b *Book) LastUpdateID() int64 { return b.lastUpdateID }

// Depth returns the current number of levels per side.
func (b *Book) Depth() (bids, asks int) {
	return len(b.bids.levels), len(b.asks.levels)
}

// ApplySnapshot replaces the book contents with a snapshot frame.
func (b *Book) ApplySnapshot(ev *connector.RawDepth) error {
	b.bids.levels = b.bids.levels[:0]
	b.asks.levels = b.asks.levels[:0]
	for _, p := range ev.Bids {
		if _, _, err := b.bids.apply(p[0], p[1]); err != nil {
			return err
		}
	}
	for _, p := range ev.Asks {
		if _, _, err := b.asks.apply(p[0], p[1]); err != nil {
			return err
		}
	}
	b.bids.truncate(b.maxDepth)
	b.asks.truncate(b.maxDepth)
	b.lastUpdateID = ev.LastID
	b.snapshotTime = ev.EventTime
	return nil
}

// ApplyDelta applies an incremental frame and returns the delta record
// carrying only the changed levels. Zero-quantity updates for absent
// prices are accepted but excluded from the delta. Sequencing is the
// strategy's concern; ApplyDelta trusts the frame.
func (b *Book) ApplyDelta(ev *connector.RawDepth) (*types.OrderBookDelta, error) {
	// Venues without an explicit first id chain on the previous sequence
	// id; the delta's range resumes right after it.
	firstID := ev.FirstID
	if firstID == 0 && ev.PrevID != 0 {
		firstID = ev.PrevID + 1
	}
	delta := &types.OrderBookDelta{
		Key:           b.key,
		FirstUpdateID: firstID,
		LastUpdateID:  ev.LastID,
		EventTime:     ev.EventTime,
		IngestTime:    ev.IngestTime,
	}
	for _, p := range ev.Bids {
		changed, ok, err := b.bids.apply(p[0], p[1])
		if err != nil {
			return nil, err
		}
		if ok {
			delta.BidsChanged = append(delta.BidsChanged, changed)
		}
	}
	for _, p := range ev.Asks {
		changed, ok, err := b.asks.apply(p[0], p[1])
		if err != nil {
			return nil, err
		}
		if ok {
			delta.AsksChanged = append(delta.AsksChanged, changed)
		}
	}
	b.bids.truncate(b.maxDepth)
	b.asks.truncate(b.maxDepth)
	b.lastUpdateID = ev.LastID
	return delta, nil
}

// Snapshot renders the current book as a canonical snapshot record.
func (b *Book) Snapshot(ingest time.Time) *types.OrderBookSnapshot {
	snap := &types.OrderBookSnapshot{
		Key:          b.key,
		LastUpdateID: b.lastUpdateID,
		Bids:         b.bids.priceLevels(),
		Asks:         b.asks.priceLevels(),
		SnapshotTime: b.snapshotTime,
		IngestTime:   ingest,
	}
	if best, ok := b.bids.best(); ok {
		snap.BestBid = best
	}
	if best, ok := b.asks.best(); ok {
		snap.BestAsk = best
	}
	return snap
}

// Checksum computes the CRC32-IEEE checksum over the top 25 levels per
// side, alternating bid and ask as "price:quantity" over the original
// exchange text. The result is compared as a signed 32-bit value.
func (b *Book) Checksum() int32 {
	var sb strings.Builder
	for i := 0; i < checksumLevels; i++ {
		if i < len(b.bids.levels) {
			sb.WriteString(b.bids.levels[i].px)
			sb.WriteString(":")
			sb.WriteString(b.bids.levels[i].qty)
			sb.WriteString(":")
		}
		if i < len(b.asks.levels) {
			sb.WriteString(b.asks.levels[i].px)
			sb.WriteString(":")
			sb.WriteString(b.asks.levels[i].qty)
			sb.WriteString(":")
		}
	}
	payload := strings.TrimSuffix(sb.String(), ":")
	return int32(crc32.ChecksumIEEE([]byte(payload)))
}
