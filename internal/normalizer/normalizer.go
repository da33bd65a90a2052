package normalizer

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"marketprism-collector/internal/connector"
	"marketprism-collector/internal/types"
)

// SymbolTable resolves native exchange symbols to canonical instrument
// keys for one (exchange, market_type) feed set. The canonical->native
// mapping is validated as a bijection at config load, so the reverse
// lookup here is unambiguous.
type SymbolTable struct {
	exchange   types.Exchange
	marketType types.MarketType
	toCanon    map[string]string
	toNative   map[string]string
}

// NewSymbolTable builds a table from the canonical->native symbol map.
func NewSymbolTable(exchange types.Exchange, marketType types.MarketType, symbolMap map[string]string) *SymbolTable {
	t := &SymbolTable{
		exchange:   exchange,
		marketType: marketType,
		toCanon:    make(map[string]string, len(symbolMap)),
		toNative:   make(map[string]string, len(symbolMap)),
	}
	for canon, native := range symbolMap {
		t.toCanon[native] = canon
		t.toNative[canon] = native
	}
	return t
}

// Key resolves a native symbol to its instrument key. Unknown symbols
// are an error; the caller drops the record and counts it.
func (t *SymbolTable) Key(native string) (types.InstrumentKey, error) {
	canon, ok := t.toCanon[native]
	if !ok {
		return types.InstrumentKey{}, fmt.Errorf("%s %q: %w", t.exchange, native, types.ErrUnknownSymbol)
	}
	return types.InstrumentKey{
		Exchange:   t.exchange,
		MarketType: t.marketType,
		Symbol:     canon,
	}, nil
}

// Native resolves a canonical symbol back to the exchange's form.
func (t *SymbolTable) Native(canonical string) (string, bool) {
	native, ok := t.toNative[canonical]
	return native, ok
}

// Canonicals lists the configured canonical symbols.
func (t *SymbolTable) Canonicals() []string {
	out := make([]string, 0, len(t.toNative))
	for canon := range t.toNative {
		out = append(out, canon)
	}
	return out
}

// Normalizer converts raw adapter events into canonical records. All
// methods are pure given the symbol table; they are safe for concurrent
// use.
type Normalizer struct {
	symbols *SymbolTable
}

// New creates a normalizer over one symbol table.
func New(symbols *SymbolTable) *Normalizer {
	return &Normalizer{symbols: symbols}
}

// Trade normalizes a raw trade. Side semantics per venue: Binance
// reports the buyer-maker flag, so the taker side is its inverse; OKX
// and Deribit report the taker side directly, and only Binance can mark
// the buyer as maker.
func (n *Normalizer) Trade(ev *connector.RawTrade) (*types.NormalizedTrade, error) {
	key, err := n.symbols.Key(ev.NativeSymbol)
	if err != nil {
		return nil, err
	}
	price, err := parseDecimal(ev.Price, "price")
	if err != nil {
		return nil, err
	}
	quantity, err := parseDecimal(ev.Quantity, "quantity")
	if err != nil {
		return nil, err
	}

	var side types.TradeSide
	isBuyerMaker := false
	switch ev.Exchange {
	case types.Binance:
		isBuyerMaker = ev.IsBuyerMaker
		if ev.IsBuyerMaker {
			side = types.SideSell
		} else {
			side = types.SideBuy
		}
	default:
		side, err = parseSide(ev.Side)
		if err != nil {
			return nil, err
		}
	}

	tradeTime, source := eventOrIngest(ev.EventTime, ev.IngestTime)
	return &types.NormalizedTrade{
		Key:           key,
		TradeID:       ev.TradeID,
		Price:         price,
		Quantity:      quantity,
		QuoteQuantity: types.QuoteQuantity(price, quantity),
		Side:          side,
		IsBuyerMaker:  isBuyerMaker,
		TradeTime:     tradeTime,
		IngestTime:    ev.IngestTime,
		TimeSource:    source,
	}, nil
}

// Ticker normalizes a raw 24h ticker. Venues that report an open price
// instead of change fields get the change derived from open and last.
func (n *Normalizer) Ticker(ev *connector.RawTicker) (*types.NormalizedTicker, error) {
	key, err := n.symbols.Key(ev.NativeSymbol)
	if err != nil {
		return nil, err
	}
	last, err := parseDecimal(ev.LastPrice, "last_price")
	if err != nil {
		return nil, err
	}

	out := &types.NormalizedTicker{
		Key:            key,
		LastPrice:      last,
		Volume24h:      parseOptional(ev.Volume24h),
		QuoteVolume24h: parseOptional(ev.QuoteVolume24h),
		High24h:        parseOptional(ev.High24h),
		Low24h:         parseOptional(ev.Low24h),
		IngestTime:     ev.IngestTime,
	}
	out.EventTime, out.TimeSource = eventOrIngest(ev.EventTime, ev.IngestTime)

	switch {
	case ev.PriceChange != "" || ev.PriceChangePct != "":
		out.PriceChange24h = parseOptional(ev.PriceChange)
		out.PriceChangePct24h = parseOptional(ev.PriceChangePct)
	case ev.Open24h != "":
		open := parseOptional(ev.Open24h)
		out.PriceChange24h = last.Sub(open)
		if !open.IsZero() {
			out.PriceChangePct24h = out.PriceChange24h.
				Div(open).Mul(decimal.NewFromInt(100)).RoundBank(types.PriceScale)
		}
	}
	return out, nil
}

// Funding normalizes a funding/mark-price event.
func (n *Normalizer) Funding(ev *connector.RawFunding) (*types.NormalizedFundingRate, error) {
	key, err := n.symbols.Key(ev.NativeSymbol)
	if err != nil {
		return nil, err
	}
	rate, err := parseDecimal(ev.FundingRate, "funding_rate")
	if err != nil {
		return nil, err
	}
	eventTime, _ := eventOrIngest(ev.EventTime, ev.IngestTime)
	return &types.NormalizedFundingRate{
		Key:             key,
		FundingRate:     rate,
		NextFundingTime: ev.NextFundingTime,
		MarkPrice:       parseOptional(ev.MarkPrice),
		IndexPrice:      parseOptional(ev.IndexPrice),
		EventTime:       eventTime,
		IngestTime:      ev.IngestTime,
	}, nil
}

// OpenInterest normalizes a polled open-interest sample.
func (n *Normalizer) OpenInterest(ev *connector.RawOpenInterest) (*types.NormalizedOpenInterest, error) {
	key, err := n.symbols.Key(ev.NativeSymbol)
	if err != nil {
		return nil, err
	}
	oi, err := parseDecimal(ev.OpenInterest, "open_interest")
	if err != nil {
		return nil, err
	}
	eventTime, _ := eventOrIngest(ev.EventTime, ev.IngestTime)
	return &types.NormalizedOpenInterest{
		Key:               key,
		OpenInterest:      oi,
		OpenInterestValue: parseOptional(ev.OpenInterestValue),
		EventTime:         eventTime,
		IngestTime:        ev.IngestTime,
	}, nil
}

// Liquidation normalizes a forced-liquidation event.
func (n *Normalizer) Liquidation(ev *connector.RawLiquidation) (*types.NormalizedLiquidation, error) {
	key, err := n.symbols.Key(ev.NativeSymbol)
	if err != nil {
		return nil, err
	}
	price, err := parseDecimal(ev.Price, "price")
	if err != nil {
		return nil, err
	}
	quantity, err := parseDecimal(ev.Quantity, "quantity")
	if err != nil {
		return nil, err
	}
	side, err := parseSide(ev.Side)
	if err != nil {
		return nil, err
	}
	eventTime, _ := eventOrIngest(ev.EventTime, ev.IngestTime)
	return &types.NormalizedLiquidation{
		Key:        key,
		Side:       side,
		Price:      price,
		Quantity:   quantity,
		EventTime:  eventTime,
		IngestTime: ev.IngestTime,
	}, nil
}

// LSR normalizes a long/short ratio sample. Binance reports long and
// short shares directly; OKX reports a single long/short quotient r,
// which splits into long = r/(1+r) and short = 1/(1+r).
func (n *Normalizer) LSR(ev *connector.RawLSR) (*types.LSRSample, error) {
	key, err := n.symbols.Key(ev.NativeSymbol)
	if err != nil {
		return nil, err
	}
	long, err := parseDecimal(ev.LongRatio, "long_ratio")
	if err != nil {
		return nil, err
	}

	var short decimal.Decimal
	if ev.ShortRatio != "" {
		short, err = parseDecimal(ev.ShortRatio, "short_ratio")
		if err != nil {
			return nil, err
		}
	} else {
		denom := decimal.NewFromInt(1).Add(long)
		if denom.IsZero() {
			return nil, fmt.Errorf("lsr quotient %s: %w", ev.LongRatio, types.ErrDecode)
		}
		short = decimal.NewFromInt(1).Div(denom).RoundBank(types.PriceScale)
		long = long.Div(denom).RoundBank(types.PriceScale)
	}

	eventTime, _ := eventOrIngest(ev.EventTime, ev.IngestTime)
	return &types.LSRSample{
		Key:        key,
		Period:     ev.Period,
		LongRatio:  long,
		ShortRatio: short,
		Variant:    ev.Variant,
		EventTime:  eventTime,
		IngestTime: ev.IngestTime,
	}, nil
}

// Vol normalizes a volatility index sample. The key's symbol is the
// underlying currency rather than a tradable instrument.
func (n *Normalizer) Vol(ev *connector.RawVol) (*types.VolatilityIndex, error) {
	value, err := parseDecimal(ev.IndexValue, "index_value")
	if err != nil {
		return nil, err
	}
	eventTime, _ := eventOrIngest(ev.EventTime, ev.IngestTime)
	return &types.VolatilityIndex{
		Key: types.InstrumentKey{
			Exchange:   ev.Exchange,
			MarketType: types.Option,
			Symbol:     ev.Currency,
		},
		IndexValue: value,
		EventTime:  eventTime,
		IngestTime: ev.IngestTime,
	}, nil
}

func parseDecimal(s, field string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("%s empty: %w", field, types.ErrDecode)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s %q: %w", field, s, types.ErrDecode)
	}
	return d, nil
}

// parseOptional parses a decimal, returning zero for empty or malformed
// input. Used for informational fields that must not fail the record.
func parseOptional(s string) decimal.Decimal {
	if s == "" {
		return decimal.Decimal{}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}
	}
	return d
}

func parseSide(s string) (types.TradeSide, error) {
	switch s {
	case "buy", "BUY":
		return types.SideBuy, nil
	case "sell", "SELL":
		return types.SideSell, nil
	}
	return "", fmt.Errorf("side %q: %w", s, types.ErrDecode)
}

// eventOrIngest falls back to the ingest timestamp when the exchange
// omitted an event time, flagging the substitution.
func eventOrIngest(event, ingest time.Time) (time.Time, types.TimeSource) {
	if event.IsZero() {
		return ingest, types.TimeSourceIngest
	}
	return event, types.TimeSourceEvent
}
