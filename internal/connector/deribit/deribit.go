package deribit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"marketprism-collector/internal/connector"
	"marketprism-collector/internal/ratelimit"
	"marketprism-collector/internal/types"
)

const (
	wsURL   = "wss://www.deribit.com/ws/api/v2"
	restURL = "https://www.deribit.com"

	bookInterval      = "100ms"
	heartbeatInterval = 30 // seconds
)

// Adapter implements the wire adapter for Deribit's JSON-RPC WebSocket.
// The server heartbeat issues test_request frames that must be answered
// with public/test or the connection is dropped.
type Adapter struct {
	*connector.BaseAdapter
	rest  *RestClient
	rpcID atomic.Int64

	volHandler func(*connector.RawVol)

	mu   sync.Mutex
	conn *websocket.Conn
}

// New creates a Deribit adapter.
func New(cfg connector.AdapterConfig, limits *ratelimit.Registry) *Adapter {
	if cfg.WsURL == "" {
		cfg.WsURL = wsURL
	}
	if cfg.RestURL == "" {
		cfg.RestURL = restURL
	}
	a := &Adapter{BaseAdapter: connector.NewBaseAdapter(cfg)}
	a.rest = NewRestClient(cfg.RestURL, limits)
	return a
}

// Rest exposes the REST client for polled feeds.
func (a *Adapter) Rest() *RestClient { return a.rest }

// Connect dials the JSON-RPC endpoint and runs the session loop.
func (a *Adapter) Connect(ctx context.Context) error {
	channels := a.channels()
	if len(channels) == 0 {
		return fmt.Errorf("deribit: no channels to subscribe")
	}
	log.Info().Str("url", a.Config().WsURL).Int("channels", len(channels)).Msg("Connecting to Deribit WebSocket")

	go a.RunSessions(ctx, connector.SessionHooks{
		Dial: func(ctx context.Context) (*websocket.Conn, error) {
			conn, _, err := connector.DefaultDialer().DialContext(ctx, a.Config().WsURL, nil)
			if err != nil {
				return nil, err
			}
			a.mu.Lock()
			a.conn = conn
			a.mu.Unlock()
			return conn, nil
		},
		Subscribe: func(*websocket.Conn) error {
			if err := a.call("public/set_heartbeat", map[string]any{"interval": heartbeatInterval}); err != nil {
				return err
			}
			return a.call("public/subscribe", map[string]any{"channels": channels})
		},
		Handle: a.handleMessage,
	})
	return nil
}

// call writes one JSON-RPC request under the write lock. Heartbeat
// replies run on the read goroutine and book resubscribes on manager
// goroutines; gorilla allows only one concurrent writer per connection.
func (a *Adapter) call(method string, params any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return types.ErrUpstreamDisconnected
	}
	return a.conn.WriteJSON(rpcRequest{
		JSONRPC: "2.0",
		ID:      a.rpcID.Add(1),
		Method:  method,
		Params:  params,
	})
}

// ResubscribeBook re-subscribes the book channel for one instrument.
// The fresh subscription opens with a snapshot frame that starts a new
// change_id chain; a REST snapshot cannot join the stream's chain.
func (a *Adapter) ResubscribeBook(nativeSymbol string) error {
	if !a.IsConnected() {
		return types.ErrUpstreamDisconnected
	}
	channel := fmt.Sprintf("book.%s.%s", nativeSymbol, bookInterval)
	if err := a.call("public/unsubscribe", map[string]any{"channels": []string{channel}}); err != nil {
		return err
	}
	return a.call("public/subscribe", map[string]any{"channels": []string{channel}})
}

// FetchSnapshot fetches a REST order book. The response carries a
// change_id but does not join the stream's chain; it serves as a
// baseline for consumers, not for sequencing.
func (a *Adapter) FetchSnapshot(ctx context.Context, nativeSymbol string, depth int) (*connector.RawDepth, error) {
	return a.rest.FetchOrderBook(ctx, nativeSymbol, depth)
}

func (a *Adapter) channels() []string {
	cfg := a.Config()
	var channels []string
	currencies := map[string]bool{}
	for _, s := range cfg.NativeSymbols {
		if i := strings.Index(s, "-"); i > 0 {
			currencies[strings.ToLower(s[:i])] = true
		}
	}
	for _, dt := range cfg.DataTypes {
		switch dt {
		case "orderbook":
			for _, s := range cfg.NativeSymbols {
				channels = append(channels, fmt.Sprintf("book.%s.%s", s, bookInterval))
			}
		case "trade", "liquidation":
			for _, s := range cfg.NativeSymbols {
				ch := fmt.Sprintf("trades.%s.%s", s, bookInterval)
				if !contains(channels, ch) {
					channels = append(channels, ch)
				}
			}
		case "ticker", "funding":
			for _, s := range cfg.NativeSymbols {
				ch := fmt.Sprintf("ticker.%s.%s", s, bookInterval)
				if !contains(channels, ch) {
					channels = append(channels, ch)
				}
			}
		case "vol":
			for ccy := range currencies {
				channels = append(channels, fmt.Sprintf("deribit_volatility_index.%s_usd", ccy))
			}
		}
	}
	return channels
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (a *Adapter) handleMessage(message []byte) {
	var msg rpcMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		a.EmitError(fmt.Errorf("deribit: %w: %v", types.ErrDecode, err))
		return
	}
	if msg.Error != nil {
		a.EmitError(fmt.Errorf("deribit: rpc error %d: %s: %w", msg.Error.Code, msg.Error.Message, types.ErrProtocol))
		return
	}

	switch msg.Method {
	case "subscription":
		var params subscriptionParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			a.EmitError(fmt.Errorf("deribit: subscription %w: %v", types.ErrDecode, err))
			return
		}
		a.route(params.Channel, params.Data)
	case "heartbeat":
		var params heartbeatParams
		if err := json.Unmarshal(msg.Params, &params); err == nil && params.Type == "test_request" {
			a.answerTestRequest()
		}
	}
}

// answerTestRequest replies to the server heartbeat; an unanswered
// test_request gets the connection dropped.
func (a *Adapter) answerTestRequest() {
	if err := a.call("public/test", nil); err != nil {
		a.EmitError(fmt.Errorf("deribit: heartbeat reply: %w", err))
	}
}

func (a *Adapter) route(channel string, data json.RawMessage) {
	switch {
	case strings.HasPrefix(channel, "book."):
		a.handleBook(data)
	case strings.HasPrefix(channel, "trades."):
		a.handleTrades(data)
	case strings.HasPrefix(channel, "ticker."):
		a.handleTicker(data)
	case strings.HasPrefix(channel, "deribit_volatility_index."):
		a.handleVolatility(data)
	}
}

func (a *Adapter) handleBook(data []byte) {
	var ev bookData
	if err := json.Unmarshal(data, &ev); err != nil {
		a.EmitError(fmt.Errorf("deribit: book %w: %v", types.ErrDecode, err))
		return
	}
	bids, err := levelPairs(ev.Bids)
	if err != nil {
		a.EmitError(fmt.Errorf("deribit: book bids %w: %v", types.ErrDecode, err))
		return
	}
	asks, err := levelPairs(ev.Asks)
	if err != nil {
		a.EmitError(fmt.Errorf("deribit: book asks %w: %v", types.ErrDecode, err))
		return
	}
	a.EmitDepth(&connector.RawDepth{
		Exchange:     a.Exchange(),
		NativeSymbol: ev.InstrumentName,
		LastID:       ev.ChangeID,
		PrevID:       ev.PrevChangeID,
		Bids:         bids,
		Asks:         asks,
		IsSnapshot:   ev.Type == "snapshot",
		EventTime:    time.UnixMilli(ev.Timestamp).UTC(),
		IngestTime:   time.Now().UTC(),
	})
}

func (a *Adapter) handleTrades(data []byte) {
	var trades []tradeData
	if err := json.Unmarshal(data, &trades); err != nil {
		a.EmitError(fmt.Errorf("deribit: trades %w: %v", types.ErrDecode, err))
		return
	}
	for _, t := range trades {
		price := strconv.FormatFloat(t.Price, 'f', -1, 64)
		amount := strconv.FormatFloat(t.Amount, 'f', -1, 64)
		a.EmitTrade(&connector.RawTrade{
			Exchange:     a.Exchange(),
			NativeSymbol: t.InstrumentName,
			TradeID:      t.TradeID,
			Price:        price,
			Quantity:     amount,
			Side:         t.Direction,
			EventTime:    time.UnixMilli(t.Timestamp).UTC(),
			IngestTime:   time.Now().UTC(),
		})

		// Trades flagged with a liquidation marker double as forced
		// liquidation events; "M" means the maker was liquidated.
		if t.Liquidation != "" {
			side := t.Direction
			if t.Liquidation == "M" {
				if side == "buy" {
					side = "sell"
				} else {
					side = "buy"
				}
			}
			a.EmitLiquidation(&connector.RawLiquidation{
				Exchange:     a.Exchange(),
				NativeSymbol: t.InstrumentName,
				Side:         side,
				Price:        price,
				Quantity:     amount,
				EventTime:    time.UnixMilli(t.Timestamp).UTC(),
				IngestTime:   time.Now().UTC(),
			})
		}
	}
}

func (a *Adapter) handleTicker(data []byte) {
	var t tickerData
	if err := json.Unmarshal(data, &t); err != nil {
		a.EmitError(fmt.Errorf("deribit: ticker %w: %v", types.ErrDecode, err))
		return
	}
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

	// Funding and open interest ride on the ticker payload but are
	// sampled via REST polls instead; re-emitting them at ticker
	// cadence would flood those record streams.
	a.EmitTicker(&connector.RawTicker{
		Exchange:       a.Exchange(),
		NativeSymbol:   t.InstrumentName,
		LastPrice:      f(t.LastPrice),
		Volume24h:      f(t.Stats.Volume),
		QuoteVolume24h: f(t.Stats.VolumeUSD),
		PriceChangePct: f(t.Stats.PriceChange),
		High24h:        f(t.Stats.High),
		Low24h:         f(t.Stats.Low),
		EventTime:      time.UnixMilli(t.Timestamp).UTC(),
		IngestTime:     time.Now().UTC(),
	})
}

func (a *Adapter) handleVolatility(data []byte) {
	var v volatilityData
	if err := json.Unmarshal(data, &v); err != nil {
		a.EmitError(fmt.Errorf("deribit: volatility %w: %v", types.ErrDecode, err))
		return
	}
	ccy := strings.ToUpper(strings.TrimSuffix(v.IndexName, "_usd"))
	if a.volHandler != nil {
		a.volHandler(&connector.RawVol{
			Exchange:   a.Exchange(),
			Currency:   ccy,
			IndexValue: strconv.FormatFloat(v.Volatility, 'f', -1, 64),
			EventTime:  time.UnixMilli(v.Timestamp).UTC(),
			IngestTime: time.Now().UTC(),
		})
	}
}

// SetVolHandler registers the volatility index handler. Only Deribit
// publishes a volatility index, so the hook lives here rather than on
// the shared adapter contract.
func (a *Adapter) SetVolHandler(h func(*connector.RawVol)) { a.volHandler = h }

// levelPairs converts [action, price, amount] triplets into price/qty
// string pairs; "delete" entries carry amount 0.
func levelPairs(levels [][]json.RawMessage) ([][2]string, error) {
	out := make([][2]string, 0, len(levels))
	for _, lvl := range levels {
		if len(lvl) < 2 {
			continue
		}
		var price, amount json.Number
		idx := 0
		if len(lvl) == 3 {
			idx = 1 // leading action tag on change frames
			var action string
			if err := json.Unmarshal(lvl[0], &action); err != nil {
				return nil, err
			}
		}
		if err := json.Unmarshal(lvl[idx], &price); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(lvl[idx+1], &amount); err != nil {
			return nil, err
		}
		out = append(out, [2]string{price.String(), amount.String()})
	}
	return out, nil
}
