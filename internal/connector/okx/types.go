package okx

import "encoding/json"

type wsRequest struct {
	Op   string   `json:"op"`
	Args []wsArg  `json:"args"`
}

type wsArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId,omitempty"`
}

type wsMessage struct {
	Event  string          `json:"event,omitempty"`
	Code   string          `json:"code,omitempty"`
	Msg    string          `json:"msg,omitempty"`
	Arg    wsArg           `json:"arg"`
	Action string          `json:"action,omitempty"` // books: "snapshot" | "update"
	Data   json.RawMessage `json:"data,omitempty"`
}

// books channel entry. Levels are [price, size, liquidatedOrders, orders].
type wsBookData struct {
	Asks      [][]string `json:"asks"`
	Bids      [][]string `json:"bids"`
	Ts        string     `json:"ts"`
	Checksum  int32      `json:"checksum"`
	PrevSeqID int64      `json:"prevSeqId"`
	SeqID     int64      `json:"seqId"`
}

type wsTradeData struct {
	InstID  string `json:"instId"`
	TradeID string `json:"tradeId"`
	Price   string `json:"px"`
	Size    string `json:"sz"`
	Side    string `json:"side"` // taker side
	Ts      string `json:"ts"`
}

type wsTickerData struct {
	InstID    string `json:"instId"`
	Last      string `json:"last"`
	Open24h   string `json:"open24h"`
	High24h   string `json:"high24h"`
	Low24h    string `json:"low24h"`
	Vol24h    string `json:"vol24h"`
	VolCcy24h string `json:"volCcy24h"`
	Ts        string `json:"ts"`
}

type wsFundingData struct {
	InstID          string `json:"instId"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
	Ts              string `json:"ts"`
}

type wsLiquidationData struct {
	InstID  string `json:"instId"`
	Details []struct {
		Side  string `json:"side"`
		Sz    string `json:"sz"`
		BkPx  string `json:"bkPx"`
		Ts    string `json:"ts"`
	} `json:"details"`
}

type restResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type restBookData struct {
	Asks [][]string `json:"asks"`
	Bids [][]string `json:"bids"`
	Ts   string     `json:"ts"`
}

type restOpenInterest struct {
	InstID string `json:"instId"`
	Oi     string `json:"oi"`
	OiCcy  string `json:"oiCcy"`
	OiUsd  string `json:"oiUsd"`
	Ts     string `json:"ts"`
}

type restLSREntry [2]string // [ts, ratio]
