package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"marketprism-collector/internal/connector"
	"marketprism-collector/internal/ratelimit"
	"marketprism-collector/internal/types"
)

const (
	spotWsURL      = "wss://stream.binance.com:9443"
	spotRestURL    = "https://api.binance.com"
	futuresWsURL   = "wss://fstream.binance.com"
	futuresRestURL = "https://fapi.binance.com"
)

// Adapter implements the wire adapter for Binance spot and USDT-margined
// futures. Subscriptions ride on the combined-stream URL; Binance pings
// the client, so no client-side ping is sent.
type Adapter struct {
	*connector.BaseAdapter
	rest *RestClient
}

// New creates a Binance adapter for the given market type.
func New(cfg connector.AdapterConfig, limits *ratelimit.Registry) *Adapter {
	if cfg.WsURL == "" {
		if cfg.MarketType == types.Spot {
			cfg.WsURL = spotWsURL
		} else {
			cfg.WsURL = futuresWsURL
		}
	}
	if cfg.RestURL == "" {
		if cfg.MarketType == types.Spot {
			cfg.RestURL = spotRestURL
		} else {
			cfg.RestURL = futuresRestURL
		}
	}

	a := &Adapter{BaseAdapter: connector.NewBaseAdapter(cfg)}
	a.rest = NewRestClient(cfg.RestURL, cfg.Exchange, limits)
	return a
}

// Rest exposes the REST client for polled feeds.
func (a *Adapter) Rest() *RestClient { return a.rest }

// Connect dials the combined stream and runs the session loop in the
// background.
func (a *Adapter) Connect(ctx context.Context) error {
	streams := a.buildStreamNames()
	if streams == "" {
		return fmt.Errorf("binance: no streams to subscribe")
	}
	url := fmt.Sprintf("%s/stream?streams=%s", a.Config().WsURL, streams)
	log.Info().Str("url", url).Msg("Connecting to Binance WebSocket")

	go a.RunSessions(ctx, connector.SessionHooks{
		Dial: func(ctx context.Context) (*websocket.Conn, error) {
			conn, _, err := connector.DefaultDialer().DialContext(ctx, url, nil)
			return conn, err
		},
		Handle: a.handleMessage,
	})
	return nil
}

// FetchSnapshot fetches a REST depth snapshot.
func (a *Adapter) FetchSnapshot(ctx context.Context, nativeSymbol string, depth int) (*connector.RawDepth, error) {
	return a.rest.FetchDepth(ctx, a.Config().MarketType, nativeSymbol, depth)
}

func (a *Adapter) buildStreamNames() string {
	cfg := a.Config()
	var streams []string
	for _, dt := range cfg.DataTypes {
		switch dt {
		case "orderbook":
			for _, s := range cfg.NativeSymbols {
				streams = append(streams, strings.ToLower(s)+"@depth@100ms")
			}
		case "trade":
			for _, s := range cfg.NativeSymbols {
				streams = append(streams, strings.ToLower(s)+"@trade")
			}
		case "ticker":
			for _, s := range cfg.NativeSymbols {
				streams = append(streams, strings.ToLower(s)+"@ticker")
			}
		case "funding":
			if cfg.MarketType != types.Spot {
				for _, s := range cfg.NativeSymbols {
					streams = append(streams, strings.ToLower(s)+"@markPrice@1s")
				}
			}
		case "liquidation":
			if cfg.MarketType != types.Spot {
				streams = append(streams, "!forceOrder@arr")
			}
		}
	}
	return strings.Join(streams, "/")
}

func (a *Adapter) handleMessage(message []byte) {
	var wrapper wsWrapper
	data := message
	if err := json.Unmarshal(message, &wrapper); err == nil && wrapper.Data != nil {
		data = wrapper.Data
	}

	var et wsEventType
	if err := json.Unmarshal(data, &et); err != nil {
		a.EmitError(fmt.Errorf("binance: %w: %v", types.ErrDecode, err))
		return
	}

	switch et.EventType {
	case "depthUpdate":
		a.handleDepth(data)
	case "trade":
		a.handleTrade(data)
	case "24hrTicker":
		a.handleTicker(data)
	case "markPriceUpdate":
		a.handleMarkPrice(data)
	case "forceOrder":
		a.handleForceOrder(data)
	}
}

func (a *Adapter) handleDepth(data []byte) {
	var ev wsDepthEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		a.EmitError(fmt.Errorf("binance: depth %w: %v", types.ErrDecode, err))
		return
	}
	a.EmitDepth(&connector.RawDepth{
		Exchange:     a.Exchange(),
		NativeSymbol: ev.Symbol,
		FirstID:      ev.FirstUpdateID,
		LastID:       ev.FinalUpdateID,
		PrevID:       ev.PrevFinalID,
		Bids:         toPairs(ev.Bids),
		Asks:         toPairs(ev.Asks),
		EventTime:    time.UnixMilli(ev.EventTime).UTC(),
		IngestTime:   time.Now().UTC(),
	})
}

func (a *Adapter) handleTrade(data []byte) {
	var ev wsTradeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		a.EmitError(fmt.Errorf("binance: trade %w: %v", types.ErrDecode, err))
		return
	}
	a.EmitTrade(&connector.RawTrade{
		Exchange:     a.Exchange(),
		NativeSymbol: ev.Symbol,
		TradeID:      strconv.FormatInt(ev.TradeID, 10),
		Price:        ev.Price,
		Quantity:     ev.Quantity,
		IsBuyerMaker: ev.IsBuyerMaker,
		EventTime:    time.UnixMilli(ev.TradeTime).UTC(),
		IngestTime:   time.Now().UTC(),
	})
}

func (a *Adapter) handleTicker(data []byte) {
	var ev wsTickerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		a.EmitError(fmt.Errorf("binance: ticker %w: %v", types.ErrDecode, err))
		return
	}
	a.EmitTicker(&connector.RawTicker{
		Exchange:       a.Exchange(),
		NativeSymbol:   ev.Symbol,
		LastPrice:      ev.LastPrice,
		Volume24h:      ev.Volume,
		QuoteVolume24h: ev.QuoteVolume,
		PriceChange:    ev.PriceChange,
		PriceChangePct: ev.PriceChangePct,
		High24h:        ev.High,
		Low24h:         ev.Low,
		EventTime:      time.UnixMilli(ev.EventTime).UTC(),
		IngestTime:     time.Now().UTC(),
	})
}

func (a *Adapter) handleMarkPrice(data []byte) {
	var ev wsMarkPriceEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		a.EmitError(fmt.Errorf("binance: markPrice %w: %v", types.ErrDecode, err))
		return
	}
	a.EmitFunding(&connector.RawFunding{
		Exchange:        a.Exchange(),
		NativeSymbol:    ev.Symbol,
		FundingRate:     ev.FundingRate,
		NextFundingTime: time.UnixMilli(ev.NextFundingTime).UTC(),
		MarkPrice:       ev.MarkPrice,
		IndexPrice:      ev.IndexPrice,
		EventTime:       time.UnixMilli(ev.EventTime).UTC(),
		IngestTime:      time.Now().UTC(),
	})
}

func (a *Adapter) handleForceOrder(data []byte) {
	var ev wsForceOrderEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		a.EmitError(fmt.Errorf("binance: forceOrder %w: %v", types.ErrDecode, err))
		return
	}
	price := ev.Order.AvgPrice
	if price == "" || price == "0" {
		price = ev.Order.Price
	}
	a.EmitLiquidation(&connector.RawLiquidation{
		Exchange:     a.Exchange(),
		NativeSymbol: ev.Order.Symbol,
		Side:         strings.ToLower(ev.Order.Side),
		Price:        price,
		Quantity:     ev.Order.Quantity,
		EventTime:    time.UnixMilli(ev.Order.TradeTime).UTC(),
		IngestTime:   time.Now().UTC(),
	})
}

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
