package deribit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"marketprism-collector/internal/connector"
	"marketprism-collector/internal/metrics"
	"marketprism-collector/internal/ratelimit"
	"marketprism-collector/internal/types"
)

// RestClient issues public Deribit REST calls behind the rate limiter.
type RestClient struct {
	baseURL string
	limits  *ratelimit.Registry
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewRestClient creates a Deribit REST client.
func NewRestClient(baseURL string, limits *ratelimit.Registry) *RestClient {
	return &RestClient{
		baseURL: baseURL,
		limits:  limits,
		client:  &http.Client{Timeout: 5 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "deribit-book",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (r *RestClient) get(ctx context.Context, class, path string, params url.Values, out any) error {
	if r.limits != nil {
		if err := r.limits.Acquire(ctx, types.Deribit, class); err != nil {
			return err
		}
	}

	timer := metrics.NewTimer()
	u := r.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		metrics.RestFetchErrors.WithLabelValues(string(types.Deribit), path).Inc()
		return fmt.Errorf("deribit get %s: %w", path, err)
	}
	defer resp.Body.Close()
	timer.ObserveDuration(metrics.RestFetchDuration, string(types.Deribit), path)

	if resp.StatusCode == http.StatusTooManyRequests {
		metrics.RestFetchErrors.WithLabelValues(string(types.Deribit), path).Inc()
		return fmt.Errorf("deribit get %s: %w", path, types.ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		metrics.RestFetchErrors.WithLabelValues(string(types.Deribit), path).Inc()
		return fmt.Errorf("deribit get %s: status %d", path, resp.StatusCode)
	}

	var envelope restEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("deribit get %s: %w", path, err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("deribit get %s: code=%d msg=%s", path, envelope.Error.Code, envelope.Error.Message)
	}
	return json.Unmarshal(envelope.Result, out)
}

// FetchOrderBook fetches a REST depth snapshot. The response carries a
// change_id, but stream change frames chain only within their own
// subscription, so this serves as a standalone baseline.
func (r *RestClient) FetchOrderBook(ctx context.Context, instrument string, depth int) (*connector.RawDepth, error) {
	params := url.Values{}
	params.Set("instrument_name", instrument)
	params.Set("depth", strconv.Itoa(depth))

	res, err := r.breaker.Execute(func() (any, error) {
		var book restOrderBook
		if err := r.get(ctx, "depth", "/api/v2/public/get_order_book", params, &book); err != nil {
			return nil, err
		}
		return &book, nil
	})
	if err != nil {
		return nil, err
	}
	book := res.(*restOrderBook)

	return &connector.RawDepth{
		Exchange:     types.Deribit,
		NativeSymbol: book.InstrumentName,
		LastID:       book.ChangeID,
		Bids:         floatPairs(book.Bids),
		Asks:         floatPairs(book.Asks),
		IsSnapshot:   true,
		EventTime:    time.UnixMilli(book.Timestamp).UTC(),
		IngestTime:   time.Now().UTC(),
	}, nil
}

// FetchFunding polls the current funding via the public ticker.
func (r *RestClient) FetchFunding(ctx context.Context, instrument string) (*connector.RawFunding, error) {
	params := url.Values{}
	params.Set("instrument_name", instrument)
	var t tickerData
	if err := r.get(ctx, "market", "/api/v2/public/ticker", params, &t); err != nil {
		return nil, err
	}
	return &connector.RawFunding{
		Exchange:     types.Deribit,
		NativeSymbol: t.InstrumentName,
		FundingRate:  strconv.FormatFloat(t.Funding8h, 'f', -1, 64),
		MarkPrice:    strconv.FormatFloat(t.MarkPrice, 'f', -1, 64),
		IndexPrice:   strconv.FormatFloat(t.IndexPrice, 'f', -1, 64),
		EventTime:    time.UnixMilli(t.Timestamp).UTC(),
		IngestTime:   time.Now().UTC(),
	}, nil
}

// FetchOpenInterest polls open interest via the public ticker; Deribit
// has no dedicated open-interest endpoint.
func (r *RestClient) FetchOpenInterest(ctx context.Context, instrument string) (*connector.RawOpenInterest, error) {
	params := url.Values{}
	params.Set("instrument_name", instrument)
	var t tickerData
	if err := r.get(ctx, "market", "/api/v2/public/ticker", params, &t); err != nil {
		return nil, err
	}
	return &connector.RawOpenInterest{
		Exchange:     types.Deribit,
		NativeSymbol: t.InstrumentName,
		OpenInterest: strconv.FormatFloat(t.OpenInterest, 'f', -1, 64),
		EventTime:    time.UnixMilli(t.Timestamp).UTC(),
		IngestTime:   time.Now().UTC(),
	}, nil
}

// FetchVolatilityIndex polls the DVOL index for a currency.
func (r *RestClient) FetchVolatilityIndex(ctx context.Context, ccy string) (*connector.RawVol, error) {
	end := time.Now().UTC()
	params := url.Values{}
	params.Set("currency", ccy)
	params.Set("start_timestamp", strconv.FormatInt(end.Add(-time.Minute).UnixMilli(), 10))
	params.Set("end_timestamp", strconv.FormatInt(end.UnixMilli(), 10))
	params.Set("resolution", "60")

	var res struct {
		Data [][]float64 `json:"data"` // [ts, open, high, low, close]
	}
	if err := r.get(ctx, "market", "/api/v2/public/get_volatility_index_data", params, &res); err != nil {
		return nil, err
	}
	if len(res.Data) == 0 {
		return nil, fmt.Errorf("deribit volatility %s: empty response", ccy)
	}
	latest := res.Data[len(res.Data)-1]
	if len(latest) < 5 {
		return nil, fmt.Errorf("deribit volatility %s: short row", ccy)
	}
	return &connector.RawVol{
		Exchange:   types.Deribit,
		Currency:   ccy,
		IndexValue: strconv.FormatFloat(latest[4], 'f', -1, 64),
		EventTime:  time.UnixMilli(int64(latest[0])).UTC(),
		IngestTime: time.Now().UTC(),
	}, nil
}

func floatPairs(levels [][2]float64) [][2]string {
	out := make([][2]string, 0, len(levels))
	for _, lvl := range levels {
		out = append(out, [2]string{
			strconv.FormatFloat(lvl[0], 'f', -1, 64),
			strconv.FormatFloat(lvl[1], 'f', -1, 64),
		})
	}
	return out
}
