package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"marketprism-collector/internal/connector"
	"marketprism-collector/internal/ratelimit"
	"marketprism-collector/internal/types"
)

const (
	publicWsURL = "wss://ws.okx.com:8443/ws/v5/public"
	restURL     = "https://www.okx.com"

	pingInterval = 20 * time.Second
)

// Adapter implements the wire adapter for OKX. Depth arrives on the
// books channel as an in-band snapshot followed by sequenced updates;
// resync is a books resubscribe, which produces a fresh snapshot.
type Adapter struct {
	*connector.BaseAdapter
	rest *RestClient

	mu   sync.Mutex
	conn *websocket.Conn
}

// New creates an OKX adapter.
func New(cfg connector.AdapterConfig, limits *ratelimit.Registry) *Adapter {
	if cfg.WsURL == "" {
		cfg.WsURL = publicWsURL
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

// Connect dials the public endpoint and runs the session loop. OKX
// expects a client "ping" every 20s.
func (a *Adapter) Connect(ctx context.Context) error {
	args := a.subscriptionArgs()
	if len(args) == 0 {
		return fmt.Errorf("okx: no channels to subscribe")
	}
	log.Info().Str("url", a.Config().WsURL).Int("channels", len(args)).Msg("Connecting to OKX WebSocket")

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
			return a.send(wsRequest{Op: "subscribe", Args: args})
		},
		Handle:       a.handleMessage,
		Ping:         func(*websocket.Conn) error { return a.sendPing() },
		PingInterval: pingInterval,
	})
	return nil
}

// send writes one frame under the write lock. The ping loop, subscribe
// frames, and book resubscribes run on different goroutines, and gorilla
// allows only one concurrent writer per connection.
func (a *Adapter) send(v any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return types.ErrUpstreamDisconnected
	}
	return a.conn.WriteJSON(v)
}

func (a *Adapter) sendPing() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return types.ErrUpstreamDisconnected
	}
	return a.conn.WriteMessage(websocket.TextMessage, []byte("ping"))
}

// ResubscribeBook re-subscribes the books channel for one instrument,
// forcing a fresh in-band snapshot.
func (a *Adapter) ResubscribeBook(nativeSymbol string) error {
	if !a.IsConnected() {
		return types.ErrUpstreamDisconnected
	}
	arg := []wsArg{{Channel: "books", InstID: nativeSymbol}}
	if err := a.send(wsRequest{Op: "unsubscribe", Args: arg}); err != nil {
		return err
	}
	return a.send(wsRequest{Op: "subscribe", Args: arg})
}

// FetchSnapshot fetches a REST depth snapshot. OKX REST books carry no
// seqId, so the books channel resync path prefers ResubscribeBook.
func (a *Adapter) FetchSnapshot(ctx context.Context, nativeSymbol string, depth int) (*connector.RawDepth, error) {
	return a.rest.FetchBooks(ctx, nativeSymbol, depth)
}

func (a *Adapter) subscriptionArgs() []wsArg {
	cfg := a.Config()
	var args []wsArg
	for _, dt := range cfg.DataTypes {
		var channel string
		switch dt {
		case "orderbook":
			channel = "books"
		case "trade":
			channel = "trades"
		case "ticker":
			channel = "tickers"
		case "funding":
			if cfg.MarketType == types.Spot {
				continue
			}
			channel = "funding-rate"
		case "liquidation":
			if cfg.MarketType == types.Spot {
				continue
			}
			channel = "liquidation-orders"
		default:
			continue
		}
		for _, s := range cfg.NativeSymbols {
			args = append(args, wsArg{Channel: channel, InstID: s})
		}
	}
	return args
}

func (a *Adapter) handleMessage(message []byte) {
	if string(message) == "pong" {
		return
	}

	var msg wsMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		a.EmitError(fmt.Errorf("okx: %w: %v", types.ErrDecode, err))
		return
	}

	switch msg.Event {
	case "error":
		a.EmitError(fmt.Errorf("okx: subscribe rejected: code=%s msg=%s: %w", msg.Code, msg.Msg, types.ErrProtocol))
		return
	case "subscribe", "unsubscribe":
		return
	}
	if msg.Data == nil {
		return
	}

	switch msg.Arg.Channel {
	case "books":
		a.handleBooks(&msg)
	case "trades":
		a.handleTrades(&msg)
	case "tickers":
		a.handleTickers(&msg)
	case "funding-rate":
		a.handleFunding(&msg)
	case "liquidation-orders":
		a.handleLiquidations(&msg)
	}
}

func (a *Adapter) handleBooks(msg *wsMessage) {
	var entries []wsBookData
	if err := json.Unmarshal(msg.Data, &entries); err != nil {
		a.EmitError(fmt.Errorf("okx: books %w: %v", types.ErrDecode, err))
		return
	}
	for i := range entries {
		e := &entries[i]
		a.EmitDepth(&connector.RawDepth{
			Exchange:     a.Exchange(),
			NativeSymbol: msg.Arg.InstID,
			LastID:       e.SeqID,
			PrevID:       e.PrevSeqID,
			Bids:         toPairs(e.Bids),
			Asks:         toPairs(e.Asks),
			Checksum:     e.Checksum,
			IsSnapshot:   msg.Action == "snapshot",
			EventTime:    parseMillis(e.Ts),
			IngestTime:   time.Now().UTC(),
		})
	}
}

func (a *Adapter) handleTrades(msg *wsMessage) {
	var entries []wsTradeData
	if err := json.Unmarshal(msg.Data, &entries); err != nil {
		a.EmitError(fmt.Errorf("okx: trades %w: %v", types.ErrDecode, err))
		return
	}
	for _, e := range entries {
		a.EmitTrade(&connector.RawTrade{
			Exchange:     a.Exchange(),
			NativeSymbol: e.InstID,
			TradeID:      e.TradeID,
			Price:        e.Price,
			Quantity:     e.Size,
			Side:         e.Side,
			EventTime:    parseMillis(e.Ts),
			IngestTime:   time.Now().UTC(),
		})
	}
}

func (a *Adapter) handleTickers(msg *wsMessage) {
	var entries []wsTickerData
	if err := json.Unmarshal(msg.Data, &entries); err != nil {
		a.EmitError(fmt.Errorf("okx: tickers %w: %v", types.ErrDecode, err))
		return
	}
	for _, e := range entries {
		a.EmitTicker(&connector.RawTicker{
			Exchange:       a.Exchange(),
			NativeSymbol:   e.InstID,
			LastPrice:      e.Last,
			Volume24h:      e.Vol24h,
			QuoteVolume24h: e.VolCcy24h,
			Open24h:        e.Open24h,
			High24h:        e.High24h,
			Low24h:         e.Low24h,
			EventTime:      parseMillis(e.Ts),
			IngestTime:     time.Now().UTC(),
		})
	}
}

func (a *Adapter) handleFunding(msg *wsMessage) {
	var entries []wsFundingData
	if err := json.Unmarshal(msg.Data, &entries); err != nil {
		a.EmitError(fmt.Errorf("okx: funding %w: %v", types.ErrDecode, err))
		return
	}
	for _, e := range entries {
		a.EmitFunding(&connector.RawFunding{
			Exchange:        a.Exchange(),
			NativeSymbol:    e.InstID,
			FundingRate:     e.FundingRate,
			NextFundingTime: parseMillis(e.NextFundingTime),
			EventTime:       parseMillis(e.Ts),
			IngestTime:      time.Now().UTC(),
		})
	}
}

func (a *Adapter) handleLiquidations(msg *wsMessage) {
	var entries []wsLiquidationData
	if err := json.Unmarshal(msg.Data, &entries); err != nil {
		a.EmitError(fmt.Errorf("okx: liquidations %w: %v", types.ErrDecode, err))
		return
	}
	for _, e := range entries {
		for _, d := range e.Details {
			a.EmitLiquidation(&connector.RawLiquidation{
				Exchange:     a.Exchange(),
				NativeSymbol: e.InstID,
				Side:         d.Side,
				Price:        d.BkPx,
				Quantity:     d.Sz,
				EventTime:    parseMillis(d.Ts),
				IngestTime:   time.Now().UTC(),
			})
		}
	}
}

// toPairs keeps only price and size; OKX book levels carry two more
// informational columns.
func toPairs(data [][]string) [][2]string {
	out := make([][2]string, 0, len(data))
	for _, item := range data {
		if len(item) < 2 {
			continue
		}
		out = append(out, [2]string{item[0], item[1]})
	}
	return out
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
