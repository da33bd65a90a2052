package connector

import (
	"context"
	"sync"
	"time"

	"marketprism-collector/internal/types"
)

// RawDepth is a decoded incremental depth message or in-band snapshot
// frame. Price and quantity strings are preserved exactly as the exchange
// sent them; OKX checksum verification depends on the original text.
type RawDepth struct {
	Exchange     types.Exchange
	NativeSymbol string
	FirstID      int64 // Binance U; zero elsewhere
	LastID       int64 // Binance u, OKX seqId, Deribit change_id
	PrevID       int64 // OKX prevSeqId, Deribit prev_change_id
	Bids         [][2]string
	Asks         [][2]string
	Checksum     int32 // OKX only; zero when absent
	IsSnapshot   bool
	EventTime    time.Time
	IngestTime   time.Time
}

// RawTrade is a decoded trade message.
type RawTrade struct {
	Exchange     types.Exchange
	NativeSymbol string
	TradeID      string
	Price        string
	Quantity     string
	// Side is the taker side where the exchange reports one (okx,
	// deribit); empty for binance, which reports IsBuyerMaker instead.
	Side         string
	IsBuyerMaker bool
	EventTime    time.Time
	IngestTime   time.Time
}

// RawTicker is a decoded 24h ticker message.
type RawTicker struct {
	Exchange       types.Exchange
	NativeSymbol   string
	LastPrice      string
	Volume24h      string
	QuoteVolume24h string
	PriceChange    string
	PriceChangePct string
	Open24h        string // some feeds report the 24h open instead of change fields
	High24h        string
	Low24h         string
	EventTime      time.Time
	IngestTime     time.Time
}

// RawFunding is a decoded funding/mark-price message or poll result.
type RawFunding struct {
	Exchange        types.Exchange
	NativeSymbol    string
	FundingRate     string
	NextFundingTime time.Time
	MarkPrice       string
	IndexPrice      string
	EventTime       time.Time
	IngestTime      time.Time
}

// RawOpenInterest is a polled open-interest sample.
type RawOpenInterest struct {
	Exchange          types.Exchange
	NativeSymbol      string
	OpenInterest      string
	OpenInterestValue string
	EventTime         time.Time
	IngestTime        time.Time
}

// RawLiquidation is a decoded forced-liquidation event.
type RawLiquidation struct {
	Exchange     types.Exchange
	NativeSymbol string
	Side         string
	Price        string
	Quantity     string
	EventTime    time.Time
	IngestTime   time.Time
}

// RawLSR is a polled long/short ratio sample.
type RawLSR struct {
	Exchange     types.Exchange
	NativeSymbol string
	Period       string
	LongRatio    string
	ShortRatio   string
	Variant      types.LSRVariant
	EventTime    time.Time
	IngestTime   time.Time
}

// RawVol is a polled volatility index sample.
type RawVol struct {
	Exchange   types.Exchange
	Currency   string
	IndexValue string
	EventTime  time.Time
	IngestTime time.Time
}

// Handlers for raw events emitted by adapters.
type (
	DepthHandler       func(ev *RawDepth)
	TradeHandler       func(ev *RawTrade)
	TickerHandler      func(ev *RawTicker)
	FundingHandler     func(ev *RawFunding)
	LiquidationHandler func(ev *RawLiquidation)
	ErrorHandler       func(err error)
	// ReconnectHandler fires after a successful reconnect, before any
	// message from the new session is delivered. Orderbook managers use
	// it to enter Resyncing.
	ReconnectHandler func()
)

// AdapterConfig holds shared configuration for an exchange adapter.
type AdapterConfig struct {
	Exchange        types.Exchange
	MarketType      types.MarketType
	WsURL           string
	RestURL         string
	NativeSymbols   []string
	DataTypes       []string
	ReadIdleTimeout time.Duration
	ReconnectBase   time.Duration
	ReconnectCap    time.Duration
}

// Adapter is the wire-facing contract for one exchange feed set.
type Adapter interface {
	// Exchange returns the exchange identifier.
	Exchange() types.Exchange

	// Connect dials the WebSocket, sends subscription frames, and starts
	// the read and heartbeat loops. The adapter reconnects itself with
	// backoff until ctx is cancelled or Close is called.
	Connect(ctx context.Context) error

	// Close releases sockets and timers. Idempotent.
	Close() error

	// FetchSnapshot fetches a REST depth snapshot for a native symbol.
	FetchSnapshot(ctx context.Context, nativeSymbol string, depth int) (*RawDepth, error)

	SetDepthHandler(h DepthHandler)
	SetTradeHandler(h TradeHandler)
	SetTickerHandler(h TickerHandler)
	SetFundingHandler(h FundingHandler)
	SetLiquidationHandler(h LiquidationHandler)
	SetErrorHandler(h ErrorHandler)
	SetReconnectHandler(h ReconnectHandler)

	IsConnected() bool
	LastMessageTime() time.Time
	ReconnectCount() int64
}

// BookResubscriber is implemented by adapters whose depth feed delivers
// in-band snapshots (okx, deribit). Re-subscribing the book channel
// yields a fresh snapshot frame carrying a sequence id, which REST
// snapshots on these venues do not.
type BookResubscriber interface {
	ResubscribeBook(nativeSymbol string) error
}

// BaseAdapter provides shared handler plumbing and liveness bookkeeping
// for concrete adapters.
type BaseAdapter struct {
	config AdapterConfig

	depthHandler       DepthHandler
	tradeHandler       TradeHandler
	tickerHandler      TickerHandler
	fundingHandler     FundingHandler
	liquidationHandler LiquidationHandler
	errorHandler       ErrorHandler
	reconnectHandler   ReconnectHandler

	mu              sync.RWMutex
	connected       bool
	lastMessageTime time.Time
	reconnects      int64

	done      chan struct{}
	closeOnce sync.Once
}

// NewBaseAdapter creates a base adapter.
func NewBaseAdapter(config AdapterConfig) *BaseAdapter {
	if config.ReadIdleTimeout == 0 {
		config.ReadIdleTimeout = 90 * time.Second
	}
	if config.ReconnectBase == 0 {
		config.ReconnectBase = time.Second
	}
	if config.ReconnectCap == 0 {
		config.ReconnectCap = 60 * time.Second
	}
	return &BaseAdapter{config: config, done: make(chan struct{})}
}

// Done is closed when the adapter is shut down.
func (a *BaseAdapter) Done() <-chan struct{} { return a.done }

// Close releases the adapter. Idempotent.
func (a *BaseAdapter) Close() error {
	a.closeOnce.Do(func() { close(a.done) })
	a.SetConnected(false)
	return nil
}

// Config returns the adapter configuration.
func (a *BaseAdapter) Config() AdapterConfig { return a.config }

// Exchange returns the exchange identifier.
func (a *BaseAdapter) Exchange() types.Exchange { return a.config.Exchange }

func (a *BaseAdapter) SetDepthHandler(h DepthHandler)             { a.depthHandler = h }
func (a *BaseAdapter) SetTradeHandler(h TradeHandler)             { a.tradeHandler = h }
func (a *BaseAdapter) SetTickerHandler(h TickerHandler)           { a.tickerHandler = h }
func (a *BaseAdapter) SetFundingHandler(h FundingHandler)         { a.fundingHandler = h }
func (a *BaseAdapter) SetLiquidationHandler(h LiquidationHandler) { a.liquidationHandler = h }
func (a *BaseAdapter) SetErrorHandler(h ErrorHandler)             { a.errorHandler = h }
func (a *BaseAdapter) SetReconnectHandler(h ReconnectHandler)     { a.reconnectHandler = h }

// IsConnected returns connection status.
func (a *BaseAdapter) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

// LastMessageTime returns the last received message timestamp.
func (a *BaseAdapter) LastMessageTime() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastMessageTime
}

// ReconnectCount returns the total number of reconnects.
func (a *BaseAdapter) ReconnectCount() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.reconnects
}

// SetConnected updates connection status.
func (a *BaseAdapter) SetConnected(connected bool) {
	a.mu.Lock()
	a.connected = connected
	a.mu.Unlock()
}

// Touch records message receipt for the read-idle watchdog.
func (a *BaseAdapter) Touch() {
	a.mu.Lock()
	a.lastMessageTime = time.Now()
	a.mu.Unlock()
}

// BumpReconnects increments the reconnect counter.
func (a *BaseAdapter) BumpReconnects() {
	a.mu.Lock()
	a.reconnects++
	a.mu.Unlock()
}

// EmitDepth delivers a depth event to the handler.
func (a *BaseAdapter) EmitDepth(ev *RawDepth) {
	a.Touch()
	if a.depthHandler != nil {
		a.depthHandler(ev)
	}
}

// EmitTrade delivers a trade event to the handler.
func (a *BaseAdapter) EmitTrade(ev *RawTrade) {
	a.Touch()
	if a.tradeHandler != nil {
		a.tradeHandler(ev)
	}
}

// EmitTicker delivers a ticker event to the handler.
func (a *BaseAdapter) EmitTicker(ev *RawTicker) {
	a.Touch()
	if a.tickerHandler != nil {
		a.tickerHandler(ev)
	}
}

// EmitFunding delivers a funding event to the handler.
func (a *BaseAdapter) EmitFunding(ev *RawFunding) {
	a.Touch()
	if a.fundingHandler != nil {
		a.fundingHandler(ev)
	}
}

// EmitLiquidation delivers a liquidation event to the handler.
func (a *BaseAdapter) EmitLiquidation(ev *RawLiquidation) {
	a.Touch()
	if a.liquidationHandler != nil {
		a.liquidationHandler(ev)
	}
}

// EmitError delivers an error to the handler.
func (a *BaseAdapter) EmitError(err error) {
	if a.errorHandler != nil {
		a.errorHandler(err)
	}
}

// EmitReconnected notifies downstream of a fresh session.
func (a *BaseAdapter) EmitReconnected() {
	if a.reconnectHandler != nil {
		a.reconnectHandler()
	}
}
