package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Exchange identifies a supported exchange.
type Exchange string

const (
	Binance Exchange = "binance"
	OKX     Exchange = "okx"
	Deribit Exchange = "deribit"
)

// MarketType identifies the market segment an instrument trades on.
type MarketType string

const (
	Spot    MarketType = "spot"
	Linear  MarketType = "linear"
	Inverse MarketType = "inverse"
	Option  MarketType = "option"
)

// RecordType identifies a canonical record kind on the bus.
type RecordType string

const (
	RecordTrade        RecordType = "trade"
	RecordTicker       RecordType = "ticker"
	RecordBookSnapshot RecordType = "book_snapshot"
	RecordBookDelta    RecordType = "book_delta"
	RecordFunding      RecordType = "funding"
	RecordOpenInterest RecordType = "oi"
	RecordLiquidation  RecordType = "liquidation"
	RecordLSR          RecordType = "lsr"
	RecordVol          RecordType = "vol"
)

// PriceScale is the number of fractional digits carried end-to-end.
const PriceScale = 8

// InstrumentKey uniquely identifies an instrument across the collector.
type InstrumentKey struct {
	Exchange   Exchange   `json:"exchange"`
	MarketType MarketType `json:"market_type"`
	Symbol     string     `json:"symbol"` // canonical form, e.g. BTC-USDT
}

func (k InstrumentKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Exchange, k.MarketType, k.Symbol)
}

// PriceLevel is one level of an orderbook side. Quantity zero means the
// level is removed.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// TradeSide is the taker side of a trade.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// TimeSource flags whether the event timestamp came from the exchange or
// was stamped at ingest because the exchange omitted it.
type TimeSource string

const (
	TimeSourceEvent  TimeSource = "event"
	TimeSourceIngest TimeSource = "ingest"
)

// NormalizedTrade is a canonical trade record.
type NormalizedTrade struct {
	Key           InstrumentKey   `json:"key"`
	TradeID       string          `json:"trade_id"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	QuoteQuantity decimal.Decimal `json:"quote_quantity"`
	Side          TradeSide       `json:"side"`
	IsBuyerMaker  bool            `json:"is_buyer_maker"`
	TradeTime     time.Time       `json:"trade_time"`
	IngestTime    time.Time       `json:"ingest_time"`
	TimeSource    TimeSource      `json:"time_source,omitempty"`
}

// NormalizedTicker is a canonical 24h ticker record.
type NormalizedTicker struct {
	Key               InstrumentKey   `json:"key"`
	LastPrice         decimal.Decimal `json:"last_price"`
	Volume24h         decimal.Decimal `json:"volume_24h"`
	QuoteVolume24h    decimal.Decimal `json:"quote_volume_24h"`
	PriceChange24h    decimal.Decimal `json:"price_change_24h"`
	PriceChangePct24h decimal.Decimal `json:"price_change_pct_24h"`
	High24h           decimal.Decimal `json:"high_24h"`
	Low24h            decimal.Decimal `json:"low_24h"`
	EventTime         time.Time       `json:"event_time"`
	IngestTime        time.Time       `json:"ingest_time"`
	TimeSource        TimeSource      `json:"time_source,omitempty"`
}

// NormalizedFundingRate is a canonical funding record for derivatives.
type NormalizedFundingRate struct {
	Key             InstrumentKey   `json:"key"`
	FundingRate     decimal.Decimal `json:"funding_rate"`
	NextFundingTime time.Time       `json:"next_funding_time"`
	MarkPrice       decimal.Decimal `json:"mark_price"`
	IndexPrice      decimal.Decimal `json:"index_price"`
	EventTime       time.Time       `json:"event_time"`
	IngestTime      time.Time       `json:"ingest_time"`
}

// NormalizedOpenInterest is a canonical open-interest sample.
type NormalizedOpenInterest struct {
	Key               InstrumentKey   `json:"key"`
	OpenInterest      decimal.Decimal `json:"open_interest"`
	OpenInterestValue decimal.Decimal `json:"open_interest_value"`
	EventTime         time.Time       `json:"event_time"`
	IngestTime        time.Time       `json:"ingest_time"`
}

// NormalizedLiquidation is a canonical forced-liquidation event. Side is
// the side of the forced order.
type NormalizedLiquidation struct {
	Key        InstrumentKey   `json:"key"`
	Side       TradeSide       `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	EventTime  time.Time       `json:"event_time"`
	IngestTime time.Time       `json:"ingest_time"`
}

// LSRVariant distinguishes the two long/short ratio feeds.
type LSRVariant string

const (
	LSRAllAccounts  LSRVariant = "all_accounts"
	LSRTopPositions LSRVariant = "top_positions"
)

// LSRSample is a canonical long/short ratio sample.
type LSRSample struct {
	Key        InstrumentKey   `json:"key"`
	Period     string          `json:"period"`
	LongRatio  decimal.Decimal `json:"long_ratio"`
	ShortRatio decimal.Decimal `json:"short_ratio"`
	Variant    LSRVariant      `json:"variant"`
	EventTime  time.Time       `json:"event_time"`
	IngestTime time.Time       `json:"ingest_time"`
}

// VolatilityIndex is a canonical volatility index sample for an option
// underlying.
type VolatilityIndex struct {
	Key        InstrumentKey   `json:"key"`
	IndexValue decimal.Decimal `json:"index_value"`
	EventTime  time.Time       `json:"event_time"`
	IngestTime time.Time       `json:"ingest_time"`
}

// OrderBookSnapshot is the full top-N book emitted on init and after a
// resync.
type OrderBookSnapshot struct {
	Key          InstrumentKey   `json:"key"`
	LastUpdateID int64           `json:"last_update_id"`
	Bids         []PriceLevel    `json:"bids"` // sorted desc
	Asks         []PriceLevel    `json:"asks"` // sorted asc
	BestBid      decimal.Decimal `json:"best_bid"`
	BestAsk      decimal.Decimal `json:"best_ask"`
	SnapshotTime time.Time       `json:"snapshot_time"`
	IngestTime   time.Time       `json:"ingest_time"`
}

// OrderBookDelta carries only the levels changed by one accepted
// incremental update.
type OrderBookDelta struct {
	Key           InstrumentKey `json:"key"`
	FirstUpdateID int64         `json:"first_update_id"`
	LastUpdateID  int64         `json:"last_update_id"`
	BidsChanged   []PriceLevel  `json:"bids_changed"`
	AsksChanged   []PriceLevel  `json:"asks_changed"`
	EventTime     time.Time     `json:"event_time"`
	IngestTime    time.Time     `json:"ingest_time"`
}

// QuoteQuantity computes price*quantity rounded half-even to PriceScale
// fractional digits.
func QuoteQuantity(price, quantity decimal.Decimal) decimal.Decimal {
	return price.Mul(quantity).RoundBank(PriceScale)
}
