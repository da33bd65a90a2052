package deribit

import "encoding/json"

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type subscriptionParams struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type heartbeatParams struct {
	Type string `json:"type"`
}

// book channel data. Levels are [action, price, amount] where action is
// "new", "change" or "delete".
type bookData struct {
	Type           string              `json:"type"` // "snapshot" | "change"
	Timestamp      int64               `json:"timestamp"`
	InstrumentName string              `json:"instrument_name"`
	ChangeID       int64               `json:"change_id"`
	PrevChangeID   int64               `json:"prev_change_id"`
	Bids           [][]json.RawMessage `json:"bids"`
	Asks           [][]json.RawMessage `json:"asks"`
}

type tradeData struct {
	TradeID        string  `json:"trade_id"`
	InstrumentName string  `json:"instrument_name"`
	Price          float64 `json:"price"`
	Amount         float64 `json:"amount"`
	Direction      string  `json:"direction"` // taker side
	Timestamp      int64   `json:"timestamp"`
	Liquidation    string  `json:"liquidation,omitempty"` // "M", "T" or "MT"
}

type tickerData struct {
	InstrumentName string  `json:"instrument_name"`
	LastPrice      float64 `json:"last_price"`
	MarkPrice      float64 `json:"mark_price"`
	IndexPrice     float64 `json:"index_price"`
	OpenInterest   float64 `json:"open_interest"`
	CurrentFunding float64 `json:"current_funding"`
	Funding8h      float64 `json:"funding_8h"`
	Timestamp      int64   `json:"timestamp"`
	Stats          struct {
		Volume      float64 `json:"volume"`
		VolumeUSD   float64 `json:"volume_usd"`
		High        float64 `json:"high"`
		Low         float64 `json:"low"`
		PriceChange float64 `json:"price_change"` // percent
	} `json:"stats"`
}

type volatilityData struct {
	IndexName  string  `json:"index_name"`
	Volatility float64 `json:"volatility"`
	Timestamp  int64   `json:"timestamp"`
}

type restOrderBook struct {
	InstrumentName string       `json:"instrument_name"`
	ChangeID       int64        `json:"change_id"`
	Timestamp      int64        `json:"timestamp"`
	Bids           [][2]float64 `json:"bids"`
	Asks           [][2]float64 `json:"asks"`
}

type restEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error,omitempty"`
}
