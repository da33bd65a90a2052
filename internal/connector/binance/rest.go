package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"marketprism-collector/internal/connector"
	"marketprism-collector/internal/metrics"
	"marketprism-collector/internal/ratelimit"
	"marketprism-collector/internal/types"
)

// RestClient issues public REST calls. Every call takes a token from the
// rate-limit registry first; depth snapshot fetches additionally run
// behind a circuit breaker so a flapping endpoint feeds the resync
// backoff instead of being hammered.
type RestClient struct {
	baseURL  string
	exchange types.Exchange
	limits   *ratelimit.Registry
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
}

// NewRestClient creates a REST client for a Binance base URL.
func NewRestClient(baseURL string, exchange types.Exchange, limits *ratelimit.Registry) *RestClient {
	return &RestClient{
		baseURL:  baseURL,
		exchange: exchange,
		limits:   limits,
		client:   &http.Client{Timeout: 5 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    string(exchange) + "-depth",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (r *RestClient) get(ctx context.Context, class, path string, params url.Values, out any) error {
	if r.limits != nil {
		if err := r.limits.Acquire(ctx, r.exchange, class); err != nil {
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
		metrics.RestFetchErrors.WithLabelValues(string(r.exchange), path).Inc()
		return fmt.Errorf("binance get %s: %w", path, err)
	}
	defer resp.Body.Close()
	timer.ObserveDuration(metrics.RestFetchDuration, string(r.exchange), path)

	if resp.StatusCode == http.StatusTooManyRequests {
		metrics.RestFetchErrors.WithLabelValues(string(r.exchange), path).Inc()
		return fmt.Errorf("binance get %s: %w", path, types.ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		metrics.RestFetchErrors.WithLabelValues(string(r.exchange), path).Inc()
		return fmt.Errorf("binance get %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// FetchDepth fetches a depth snapshot with lastUpdateId.
func (r *RestClient) FetchDepth(ctx context.Context, marketType types.MarketType, symbol string, depth int) (*connector.RawDepth, error) {
	path := "/fapi/v1/depth"
	if marketType == types.Spot {
		path = "/api/v3/depth"
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", fmt.Sprintf("%d", depth))

	res, err := r.breaker.Execute(func() (any, error) {
		var data restDepthResponse
		if err := r.get(ctx, "depth", path, params, &data); err != nil {
			return nil, err
		}
		return &data, nil
	})
	if err != nil {
		return nil, err
	}
	data := res.(*restDepthResponse)

	eventTime := time.Now().UTC()
	if data.EventTime > 0 {
		eventTime = time.UnixMilli(data.EventTime).UTC()
	}
	return &connector.RawDepth{
		Exchange:     r.exchange,
		NativeSymbol: symbol,
		LastID:       data.LastUpdateID,
		Bids:         toPairs(data.Bids),
		Asks:         toPairs(data.Asks),
		IsSnapshot:   true,
		EventTime:    eventTime,
		IngestTime:   time.Now().UTC(),
	}, nil
}

// FetchFunding polls the premium index for funding rates.
func (r *RestClient) FetchFunding(ctx context.Context, symbol string) (*connector.RawFunding, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var data restPremiumIndex
	if err := r.get(ctx, "market", "/fapi/v1/premiumIndex", params, &data); err != nil {
		return nil, err
	}
	return &connector.RawFunding{
		Exchange:        r.exchange,
		NativeSymbol:    data.Symbol,
		FundingRate:     data.LastFundingRate,
		NextFundingTime: time.UnixMilli(data.NextFundingTime).UTC(),
		MarkPrice:       data.MarkPrice,
		IndexPrice:      data.IndexPrice,
		EventTime:       time.UnixMilli(data.Time).UTC(),
		IngestTime:      time.Now().UTC(),
	}, nil
}

// FetchOpenInterest polls current open interest for one symbol.
func (r *RestClient) FetchOpenInterest(ctx context.Context, symbol string) (*connector.RawOpenInterest, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var data restOpenInterest
	if err := r.get(ctx, "market", "/fapi/v1/openInterest", params, &data); err != nil {
		return nil, err
	}
	return &connector.RawOpenInterest{
		Exchange:     r.exchange,
		NativeSymbol: data.Symbol,
		OpenInterest: data.OpenInterest,
		EventTime:    time.UnixMilli(data.Time).UTC(),
		IngestTime:   time.Now().UTC(),
	}, nil
}

// FetchLSR polls a long/short ratio series; only the newest point is
// returned.
func (r *RestClient) FetchLSR(ctx context.Context, symbol, period string, variant types.LSRVariant) (*connector.RawLSR, error) {
	path := "/futures/data/globalLongShortAccountRatio"
	if variant == types.LSRTopPositions {
		path = "/futures/data/topLongShortPositionRatio"
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("period", period)
	params.Set("limit", "1")

	var data []restLSREntry
	if err := r.get(ctx, "market", path, params, &data); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("binance lsr %s: empty response", symbol)
	}
	last := data[len(data)-1]
	return &connector.RawLSR{
		Exchange:     r.exchange,
		NativeSymbol: last.Symbol,
		Period:       period,
		LongRatio:    last.LongAccount,
		ShortRatio:   last.ShortAccount,
		Variant:      variant,
		EventTime:    time.UnixMilli(last.Timestamp).UTC(),
		IngestTime:   time.Now().UTC(),
	}, nil
}
