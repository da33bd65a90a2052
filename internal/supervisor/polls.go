package supervisor

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"marketprism-collector/internal/connector"
	"marketprism-collector/internal/connector/binance"
	"marketprism-collector/internal/connector/deribit"
	"marketprism-collector/internal/connector/okx"
	"marketprism-collector/internal/metrics"
	"marketprism-collector/internal/types"
)

// buildBinancePolls schedules open-interest and long/short ratio polls
// for derivatives. Both LSR variants are sampled: all accounts and top
// trader positions. Funding arrives on the mark-price stream, so it is
// not polled.
func (s *Supervisor) buildBinancePolls(f *feed, ad *binance.Adapter, natives []string) {
	if f.cfg.MarketType == types.Spot {
		return
	}
	rest := ad.Rest()

	if f.cfg.HasDataType("oi") {
		f.polls = append(f.polls, pollJob{
			name:  "open_interest",
			every: s.cfg.Schedules.OpenInterest,
			run: func(ctx context.Context) {
				for _, native := range natives {
					ev, err := rest.FetchOpenInterest(ctx, native)
					if err != nil {
						s.pollError(f, "open_interest", err)
						continue
					}
					s.publishOI(ctx, f, ev)
				}
			},
		})
	}

	if f.cfg.HasDataType("lsr") {
		variants := []types.LSRVariant{types.LSRAllAccounts, types.LSRTopPositions}
		f.polls = append(f.polls, pollJob{
			name:  "lsr",
			every: s.cfg.Schedules.LSR,
			run: func(ctx context.Context) {
				for _, native := range natives {
					for _, variant := range variants {
						ev, err := rest.FetchLSR(ctx, native, lsrPeriod, variant)
						if err != nil {
							s.pollError(f, "lsr", err)
							continue
						}
						s.publishLSR(ctx, f, ev)
					}
				}
			},
		})
	}
}

// buildOKXPolls schedules open-interest and long/short ratio polls. The
// OKX LSR endpoint is keyed by currency, so the sample is re-attached
// to the configured instrument before normalization.
func (s *Supervisor) buildOKXPolls(f *feed, ad *okx.Adapter, natives []string) {
	if f.cfg.MarketType == types.Spot {
		return
	}
	rest := ad.Rest()

	if f.cfg.HasDataType("oi") {
		f.polls = append(f.polls, pollJob{
			name:  "open_interest",
			every: s.cfg.Schedules.OpenInterest,
			run: func(ctx context.Context) {
				for _, native := range natives {
					ev, err := rest.FetchOpenInterest(ctx, native)
					if err != nil {
						s.pollError(f, "open_interest", err)
						continue
					}
					s.publishOI(ctx, f, ev)
				}
			},
		})
	}

	if f.cfg.HasDataType("lsr") {
		f.polls = append(f.polls, pollJob{
			name:  "lsr",
			every: s.cfg.Schedules.LSR,
			run: func(ctx context.Context) {
				for i, native := range natives {
					ccy := baseCurrency(f.cfg.Symbols[i])
					ev, err := rest.FetchLSR(ctx, ccy, lsrPeriod)
					if err != nil {
						s.pollError(f, "lsr", err)
						continue
					}
					ev.NativeSymbol = native
					s.publishLSR(ctx, f, ev)
				}
			},
		})
	}
}

// buildDeribitPolls schedules funding and open-interest polls, both
// sampled from the public ticker endpoint, plus a volatility index poll
// per base currency.
func (s *Supervisor) buildDeribitPolls(f *feed, ad *deribit.Adapter, natives []string) {
	rest := ad.Rest()

	if f.cfg.HasDataType("funding") && f.cfg.MarketType != types.Spot {
		f.polls = append(f.polls, pollJob{
			name:  "funding",
			every: s.cfg.Schedules.Funding,
			run: func(ctx context.Context) {
				for _, native := range natives {
					ev, err := rest.FetchFunding(ctx, native)
					if err != nil {
						s.pollError(f, "funding", err)
						continue
					}
					r, nerr := f.norm.Funding(ev)
					if nerr != nil {
						s.dropRecord(f, "funding", nerr)
						continue
					}
					pollSample(f.cfg.Name, "funding")
					s.report(f, "funding", s.pub.PublishFunding(ctx, r))
				}
			},
		})
	}

	if f.cfg.HasDataType("oi") && f.cfg.MarketType != types.Spot {
		f.polls = append(f.polls, pollJob{
			name:  "open_interest",
			every: s.cfg.Schedules.OpenInterest,
			run: func(ctx context.Context) {
				for _, native := range natives {
					ev, err := rest.FetchOpenInterest(ctx, native)
					if err != nil {
						s.pollError(f, "open_interest", err)
						continue
					}
					s.publishOI(ctx, f, ev)
				}
			},
		})
	}

	if f.cfg.HasDataType("vol") {
		// DVOL is keyed by currency, not instrument. The streaming
		// channel stays subscribed; this poll guarantees a sample on
		// the configured cadence.
		seen := make(map[string]bool)
		var currencies []string
		for _, canon := range f.cfg.Symbols {
			ccy := baseCurrency(canon)
			if !seen[ccy] {
				seen[ccy] = true
				currencies = append(currencies, ccy)
			}
		}
		f.polls = append(f.polls, pollJob{
			name:  "vol",
			every: s.cfg.Schedules.Vol,
			run: func(ctx context.Context) {
				for _, ccy := range currencies {
					ev, err := rest.FetchVolatilityIndex(ctx, ccy)
					if err != nil {
						s.pollError(f, "vol", err)
						continue
					}
					v, nerr := f.norm.Vol(ev)
					if nerr != nil {
						s.dropRecord(f, "vol", nerr)
						continue
					}
					pollSample(f.cfg.Name, "vol")
					s.report(f, "vol", s.pub.PublishVol(ctx, v))
				}
			},
		})
	}
}

func (s *Supervisor) publishOI(ctx context.Context, f *feed, ev *connector.RawOpenInterest) {
	r, err := f.norm.OpenInterest(ev)
	if err != nil {
		s.dropRecord(f, "oi", err)
		return
	}
	pollSample(f.cfg.Name, "oi")
	s.report(f, "oi", s.pub.PublishOpenInterest(ctx, r))
}

func (s *Supervisor) publishLSR(ctx context.Context, f *feed, ev *connector.RawLSR) {
	r, err := f.norm.LSR(ev)
	if err != nil {
		s.dropRecord(f, "lsr", err)
		return
	}
	pollSample(f.cfg.Name, "lsr")
	s.report(f, "lsr", s.pub.PublishLSR(ctx, r))
}

func (s *Supervisor) pollError(f *feed, job string, err error) {
	log.Warn().Err(err).
		Str("exchange", string(f.cfg.Name)).
		Str("job", job).
		Msg("Poll fetch failed")
}

// startPolls runs each job on its cadence until ctx ends. The first run
// fires shortly after start rather than a full interval later.
func (s *Supervisor) startPolls(ctx context.Context, f *feed) {
	for _, job := range f.polls {
		job := job
		s.worker(ctx, func() {
			initial := time.NewTimer(5 * time.Second)
			defer initial.Stop()
			select {
			case <-ctx.Done():
				return
			case <-initial.C:
				job.run(ctx)
			}

			ticker := time.NewTicker(job.every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					job.run(ctx)
				}
			}
		})
		log.Info().
			Str("exchange", string(f.cfg.Name)).
			Str("job", job.name).
			Dur("every", job.every).
			Msg("Poll scheduled")
	}
}

func pollSample(exchange types.Exchange, recordType string) {
	metrics.PolledSamples.WithLabelValues(string(exchange), recordType).Inc()
}

// baseCurrency extracts the base asset from a canonical BASE-QUOTE
// symbol.
func baseCurrency(canonical string) string {
	if i := strings.Index(canonical, "-"); i > 0 {
		return canonical[:i]
	}
	return canonical
}
