package okx

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

// RestClient issues public OKX REST calls behind the rate limiter.
type RestClient struct {
	baseURL string
	limits  *ratelimit.Registry
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewRestClient creates an OKX REST client.
func NewRestClient(baseURL string, limits *ratelimit.Registry) *RestClient {
	return &RestClient{
		baseURL: baseURL,
		limits:  limits,
		client:  &http.Client{Timeout: 5 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "okx-books",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (r *RestClient) get(ctx context.Context, class, path string, params url.Values, out any) error {
	if r.limits != nil {
		if err := r.limits.Acquire(ctx, types.OKX, class); err != nil {
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
		metrics.RestFetchErrors.WithLabelValues(string(types.OKX), path).Inc()
		return fmt.Errorf("okx get %s: %w", path, err)
	}
	defer resp.Body.Close()
	timer.ObserveDuration(metrics.RestFetchDuration, string(types.OKX), path)

	if resp.StatusCode == http.StatusTooManyRequests {
		metrics.RestFetchErrors.WithLabelValues(string(types.OKX), path).Inc()
		return fmt.Errorf("okx get %s: %w", path, types.ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		metrics.RestFetchErrors.WithLabelValues(string(types.OKX), path).Inc()
		return fmt.Errorf("okx get %s: status %d", path, resp.StatusCode)
	}

	var envelope restResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("okx get %s: %w", path, err)
	}
	if envelope.Code != "0" {
		return fmt.Errorf("okx get %s: code=%s msg=%s", path, envelope.Code, envelope.Msg)
	}
	return json.Unmarshal(envelope.Data, out)
}

// FetchBooks fetches a REST depth snapshot. The response carries no
// seqId; the caller treats it as a baseline only.
func (r *RestClient) FetchBooks(ctx context.Context, instID string, depth int) (*connector.RawDepth, error) {
	params := url.Values{}
	params.Set("instId", instID)
	params.Set("sz", fmt.Sprintf("%d", depth))

	res, err := r.breaker.Execute(func() (any, error) {
		var data []restBookData
		if err := r.get(ctx, "depth", "/api/v5/market/books", params, &data); err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("okx books %s: empty response", instID)
		}
		return &data[0], nil
	})
	if err != nil {
		return nil, err
	}
	data := res.(*restBookData)

	return &connector.RawDepth{
		Exchange:     types.OKX,
		NativeSymbol: instID,
		Bids:         toPairs(data.Bids),
		Asks:         toPairs(data.Asks),
		IsSnapshot:   true,
		EventTime:    parseMillis(data.Ts),
		IngestTime:   time.Now().UTC(),
	}, nil
}

// FetchOpenInterest polls open interest for one instrument.
func (r *RestClient) FetchOpenInterest(ctx context.Context, instID string) (*connector.RawOpenInterest, error) {
	params := url.Values{}
	params.Set("instId", instID)
	var data []restOpenInterest
	if err := r.get(ctx, "market", "/api/v5/public/open-interest", params, &data); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("okx open-interest %s: empty response", instID)
	}
	return &connector.RawOpenInterest{
		Exchange:          types.OKX,
		NativeSymbol:      data[0].InstID,
		OpenInterest:      data[0].Oi,
		OpenInterestValue: data[0].OiUsd,
		EventTime:         parseMillis(data[0].Ts),
		IngestTime:        time.Now().UTC(),
	}, nil
}

// FetchLSR polls the long/short account ratio for a currency. OKX
// reports a single long/short quotient; the normalizer splits it.
func (r *RestClient) FetchLSR(ctx context.Context, ccy, period string) (*connector.RawLSR, error) {
	params := url.Values{}
	params.Set("ccy", ccy)
	params.Set("period", period)
	var data []restLSREntry
	if err := r.get(ctx, "market", "/api/v5/rubik/stat/contracts/long-short-account-ratio", params, &data); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("okx lsr %s: empty response", ccy)
	}
	latest := data[0]
	return &connector.RawLSR{
		Exchange:     types.OKX,
		NativeSymbol: ccy,
		Period:       period,
		LongRatio:    latest[1], // long/short quotient
		Variant:      types.LSRAllAccounts,
		EventTime:    parseMillis(latest[0]),
		IngestTime:   time.Now().UTC(),
	}, nil
}
