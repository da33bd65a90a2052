package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"marketprism-collector/internal/config"
	"marketprism-collector/internal/connector"
	"marketprism-collector/internal/connector/binance"
	"marketprism-collector/internal/connector/deribit"
	"marketprism-collector/internal/connector/okx"
	"marketprism-collector/internal/health"
	"marketprism-collector/internal/metrics"
	"marketprism-collector/internal/normalizer"
	"marketprism-collector/internal/orderbook"
	"marketprism-collector/internal/publisher"
	"marketprism-collector/internal/ratelimit"
	"marketprism-collector/internal/types"
)

// binanceSnapshotDepth is the REST depth limit tier used for baselines;
// Binance only accepts fixed tiers. OKX and Deribit resync in-band and
// need no REST depth.
const binanceSnapshotDepth = 1000

const (
	rawChannelCap = 4096
	drainTimeout  = 10 * time.Second
	lsrPeriod     = "5m"
)

// Supervisor builds every configured feed set and drives it: adapters,
// orderbook managers, normalization workers, and REST poll loops. It
// owns graceful shutdown.
type Supervisor struct {
	cfg    *config.Config
	pub    *publisher.Publisher
	limits *ratelimit.Registry
	feeds  []*feed

	wg sync.WaitGroup
}

// feed is one (exchange, market_type) pipeline.
type feed struct {
	cfg      config.ExchangeConfig
	adapter  connector.Adapter
	table    *normalizer.SymbolTable
	norm     *normalizer.Normalizer
	managers map[string]*orderbook.Manager // by native symbol

	trades       chan *connector.RawTrade
	tickers      chan *connector.RawTicker
	fundings     chan *connector.RawFunding
	liquidations chan *connector.RawLiquidation
	vols         chan *connector.RawVol

	polls []pollJob
}

// pollJob is one scheduled REST fetch.
type pollJob struct {
	name  string
	every time.Duration
	run   func(ctx context.Context)
}

// New builds a supervisor from validated config.
func New(cfg *config.Config, pub *publisher.Publisher, reg *health.Registry) (*Supervisor, error) {
	limits := ratelimit.NewRegistry(10, 20)
	for _, rl := range cfg.RateLimits {
		limits.Configure(rl.Exchange, rl.Class, rl.Capacity, rl.RefillPerSecond)
	}

	s := &Supervisor{cfg: cfg, pub: pub, limits: limits}
	for _, ec := range cfg.Exchanges {
		f, err := s.buildFeed(ec)
		if err != nil {
			return nil, fmt.Errorf("feed %s/%s: %w", ec.Name, ec.MarketType, err)
		}
		s.feeds = append(s.feeds, f)

		reg.AddAdapter(ec.MarketType, f.adapter)
		for _, m := range f.managers {
			reg.AddManager(m)
		}
	}
	return s, nil
}

func (s *Supervisor) buildFeed(ec config.ExchangeConfig) (*feed, error) {
	table := normalizer.NewSymbolTable(ec.Name, ec.MarketType, ec.SymbolMap)
	natives := make([]string, 0, len(ec.Symbols))
	for _, canon := range ec.Symbols {
		native, ok := table.Native(canon)
		if !ok {
			return nil, fmt.Errorf("symbol %s has no native mapping", canon)
		}
		natives = append(natives, native)
	}

	f := &feed{
		cfg:          ec,
		table:        table,
		norm:         normalizer.New(table),
		managers:     make(map[string]*orderbook.Manager),
		trades:       make(chan *connector.RawTrade, rawChannelCap),
		tickers:      make(chan *connector.RawTicker, rawChannelCap),
		fundings:     make(chan *connector.RawFunding, rawChannelCap),
		liquidations: make(chan *connector.RawLiquidation, rawChannelCap),
		vols:         make(chan *connector.RawVol, rawChannelCap),
	}

	acfg := connector.AdapterConfig{
		Exchange:      ec.Name,
		MarketType:    ec.MarketType,
		WsURL:         ec.WsURL,
		RestURL:       ec.RestURL,
		NativeSymbols: natives,
		DataTypes:     ec.DataTypes,
	}

	switch ec.Name {
	case types.Binance:
		ad := binance.New(acfg, s.limits)
		f.adapter = ad
		s.buildBooks(f, natives, func(native string) orderbook.ManagerConfig {
			return orderbook.ManagerConfig{
				Strategy: orderbook.NewBinanceStrategy(),
				Fetch: func(ctx context.Context) (*connector.RawDepth, error) {
					return ad.FetchSnapshot(ctx, native, binanceSnapshotDepth)
				},
			}
		})
		s.buildBinancePolls(f, ad, natives)

	case types.OKX:
		ad := okx.New(acfg, s.limits)
		f.adapter = ad
		s.buildBooks(f, natives, func(string) orderbook.ManagerConfig {
			return orderbook.ManagerConfig{
				Strategy:    orderbook.NewOKXStrategy(s.cfg.OrderBook.VerifyChecksum),
				Resubscribe: ad.ResubscribeBook,
			}
		})
		s.buildOKXPolls(f, ad, natives)

	case types.Deribit:
		ad := deribit.New(acfg, s.limits)
		f.adapter = ad
		s.buildBooks(f, natives, func(string) orderbook.ManagerConfig {
			return orderbook.ManagerConfig{
				Strategy:    orderbook.NewDeribitStrategy(),
				Resubscribe: ad.ResubscribeBook,
			}
		})
		if ec.HasDataType("vol") {
			ad.SetVolHandler(func(ev *connector.RawVol) {
				offerDrop(f.vols, ev, ec.Name, "vol")
			})
		}
		s.buildDeribitPolls(f, ad, natives)

	default:
		return nil, fmt.Errorf("unsupported exchange %q", ec.Name)
	}

	s.wireHandlers(f)
	return f, nil
}

// buildBooks creates one orderbook manager per native symbol.
func (s *Supervisor) buildBooks(f *feed, natives []string, base func(native string) orderbook.ManagerConfig) {
	if !f.cfg.HasDataType("orderbook") {
		return
	}
	for i, native := range natives {
		mc := base(native)
		mc.Key = types.InstrumentKey{
			Exchange:   f.cfg.Name,
			MarketType: f.cfg.MarketType,
			Symbol:     f.cfg.Symbols[i],
		}
		mc.NativeSymbol = native
		mc.Emitter = s.pub
		mc.Book = s.cfg.OrderBook
		f.managers[native] = orderbook.NewManager(mc)
	}
}

func (s *Supervisor) wireHandlers(f *feed) {
	exchange := f.cfg.Name

	f.adapter.SetDepthHandler(func(ev *connector.RawDepth) {
		if m, ok := f.managers[ev.NativeSymbol]; ok {
			m.Offer(ev)
			return
		}
		metrics.RecordDrop(string(exchange), "unknown_symbol")
	})
	f.adapter.SetReconnectHandler(func() {
		for _, m := range f.managers {
			m.OnReconnect()
		}
	})
	f.adapter.SetErrorHandler(func(err error) {
		if errors.Is(err, types.ErrDecode) {
			metrics.RecordDrop(string(exchange), "decode")
			log.Debug().Err(err).Str("exchange", string(exchange)).Msg("Dropped undecodable frame")
			return
		}
		log.Warn().Err(err).Str("exchange", string(exchange)).Msg("Adapter error")
	})

	f.adapter.SetTradeHandler(func(ev *connector.RawTrade) {
		offerDrop(f.trades, ev, exchange, "trade")
	})
	f.adapter.SetTickerHandler(func(ev *connector.RawTicker) {
		offerDrop(f.tickers, ev, exchange, "ticker")
	})
	f.adapter.SetFundingHandler(func(ev *connector.RawFunding) {
		offerDrop(f.fundings, ev, exchange, "funding")
	})
	f.adapter.SetLiquidationHandler(func(ev *connector.RawLiquidation) {
		offerDrop(f.liquidations, ev, exchange, "liquidation")
	})
}

// offerDrop enqueues without blocking the read loop; a full channel
// sheds the oldest event and counts the drop.
func offerDrop[T any](ch chan T, ev T, exchange types.Exchange, kind string) {
	select {
	case ch <- ev:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
	metrics.RecordDrop(string(exchange), "channel_full_"+kind)
}

// Run starts all feeds and blocks until ctx is cancelled, then shuts
// down with a bounded drain.
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, f := range s.feeds {
		f := f
		if err := f.adapter.Connect(runCtx); err != nil {
			return fmt.Errorf("connect %s/%s: %w", f.cfg.Name, f.cfg.MarketType, err)
		}
		for _, m := range f.managers {
			m := m
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				m.Run(runCtx)
			}()
		}
		s.startWorkers(runCtx, f)
		s.startPolls(runCtx, f)

		log.Info().
			Str("exchange", string(f.cfg.Name)).
			Str("market_type", string(f.cfg.MarketType)).
			Int("symbols", len(f.cfg.Symbols)).
			Strs("data_types", f.cfg.DataTypes).
			Msg("Feed started")
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down feeds")
	for _, f := range s.feeds {
		f.adapter.Close()
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(drainTimeout):
		return fmt.Errorf("shutdown drain exceeded %s", drainTimeout)
	}
}

// startWorkers runs the normalize-and-publish loops for one feed.
func (s *Supervisor) startWorkers(ctx context.Context, f *feed) {
	s.worker(ctx, func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-f.trades:
				t, err := f.norm.Trade(ev)
				if err != nil {
					s.dropRecord(f, "trade", err)
					continue
				}
				s.report(f, "trade", s.pub.PublishTrade(ctx, t))
			}
		}
	})
	s.worker(ctx, func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-f.tickers:
				t, err := f.norm.Ticker(ev)
				if err != nil {
					s.dropRecord(f, "ticker", err)
					continue
				}
				s.report(f, "ticker", s.pub.PublishTicker(ctx, t))
			}
		}
	})
	s.worker(ctx, func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-f.fundings:
				r, err := f.norm.Funding(ev)
				if err != nil {
					s.dropRecord(f, "funding", err)
					continue
				}
				s.report(f, "funding", s.pub.PublishFunding(ctx, r))
			}
		}
	})
	s.worker(ctx, func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-f.liquidations:
				l, err := f.norm.Liquidation(ev)
				if err != nil {
					s.dropRecord(f, "liquidation", err)
					continue
				}
				s.report(f, "liquidation", s.pub.PublishLiquidation(ctx, l))
			}
		}
	})
	s.worker(ctx, func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-f.vols:
				v, err := f.norm.Vol(ev)
				if err != nil {
					s.dropRecord(f, "vol", err)
					continue
				}
				s.report(f, "vol", s.pub.PublishVol(ctx, v))
			}
		}
	})
}

func (s *Supervisor) worker(ctx context.Context, run func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		run()
	}()
}

func (s *Supervisor) dropRecord(f *feed, kind string, err error) {
	reason := "decode"
	if errors.Is(err, types.ErrUnknownSymbol) {
		reason = "unknown_symbol"
	}
	metrics.RecordDrop(string(f.cfg.Name), reason)
	log.Debug().Err(err).
		Str("exchange", string(f.cfg.Name)).
		Str("kind", kind).
		Msg("Dropped record")
}

func (s *Supervisor) report(f *feed, kind string, err error) {
	if err == nil {
		return
	}
	log.Warn().Err(err).
		Str("exchange", string(f.cfg.Name)).
		Str("kind", kind).
		Msg("Publish failed")
}
