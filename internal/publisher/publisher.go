package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"marketprism-collector/internal/config"
	"marketprism-collector/internal/metrics"
	"marketprism-collector/internal/types"
)

// StreamName is the JetStream stream holding all market records.
const StreamName = "MARKET"

// jetStream is the slice of nats.JetStreamContext the publisher uses.
type jetStream interface {
	PublishAsync(subj string, data []byte, opts ...nats.PubOpt) (nats.PubAckFuture, error)
}

// Publisher writes canonical records to the bus. Records are published
// asynchronously; when the pending window fills and the stall wait
// expires, the error maps to bus backpressure so orderbook managers can
// react.
type Publisher struct {
	js     jetStream
	nc     *nats.Conn
	prefix string
	stall  time.Duration
	mirror *Mirror
}

// Connect dials NATS, binds JetStream, and ensures the stream exists.
func Connect(cfg config.BusConfig, mirror *Mirror) (*Publisher, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("marketprism-collector"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Bus disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("Bus reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("bus connect: %w", err)
	}

	js, err := nc.JetStream(
		nats.PublishAsyncMaxPending(cfg.MaxPending),
		nats.PublishAsyncErrHandler(func(_ nats.JetStream, msg *nats.Msg, err error) {
			metrics.PublishErrors.WithLabelValues(recordTypeOf(msg.Subject), "ack").Inc()
			log.Error().Err(err).Str("subject", msg.Subject).Msg("Bus publish not acknowledged")
		}),
	)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("bus jetstream: %w", err)
	}

	if _, err := js.StreamInfo(StreamName); err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      StreamName,
			Subjects:  []string{cfg.SubjectPrefix + ".>"},
			Retention: nats.LimitsPolicy,
			MaxAge:    24 * time.Hour,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("bus stream: %w", err)
		}
	}

	return &Publisher{
		js:     js,
		nc:     nc,
		prefix: cfg.SubjectPrefix,
		stall:  cfg.PublishTimeout,
		mirror: mirror,
	}, nil
}

// NewWithJetStream wires a publisher over an existing JetStream context.
func NewWithJetStream(js jetStream, cfg config.BusConfig, mirror *Mirror) *Publisher {
	return &Publisher{
		js:     js,
		prefix: cfg.SubjectPrefix,
		stall:  cfg.PublishTimeout,
		mirror: mirror,
	}
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
	}
}

// Subject derives the bus subject for a record. Canonical symbols may
// carry dots (deribit options); dots are subject separators in NATS and
// are rewritten.
func (p *Publisher) Subject(key types.InstrumentKey, rt types.RecordType) string {
	symbol := strings.ReplaceAll(key.Symbol, ".", "_")
	return fmt.Sprintf("%s.%s.%s.%s.%s",
		p.prefix, key.Exchange, key.MarketType, symbol, rt)
}

func (p *Publisher) publish(key types.InstrumentKey, rt types.RecordType, eventTime time.Time, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		metrics.PublishErrors.WithLabelValues(string(rt), "encode").Inc()
		return fmt.Errorf("encode %s: %w", rt, err)
	}

	timer := metrics.NewTimer()
	_, err = p.js.PublishAsync(p.Subject(key, rt), data, nats.StallWait(p.stall))
	timer.ObserveDuration(metrics.PublishDuration, string(rt))
	if err != nil {
		metrics.PublishErrors.WithLabelValues(string(rt), "stall").Inc()
		return fmt.Errorf("publish %s: %v: %w", rt, err, types.ErrBusBackpressure)
	}

	if !eventTime.IsZero() {
		metrics.IngestLag.WithLabelValues(string(key.Exchange), string(rt)).
			Observe(time.Since(eventTime).Seconds())
	}
	return nil
}

// PublishTrade publishes a normalized trade.
func (p *Publisher) PublishTrade(_ context.Context, t *types.NormalizedTrade) error {
	if err := p.publish(t.Key, types.RecordTrade, t.TradeTime, t); err != nil {
		return err
	}
	metrics.TradeCount.WithLabelValues(
		string(t.Key.Exchange), t.Key.Symbol, string(t.Side)).Inc()
	return nil
}

// PublishTicker publishes a normalized ticker.
func (p *Publisher) PublishTicker(_ context.Context, t *types.NormalizedTicker) error {
	return p.publish(t.Key, types.RecordTicker, t.EventTime, t)
}

// PublishBookSnapshot publishes a book snapshot and mirrors it.
func (p *Publisher) PublishBookSnapshot(ctx context.Context, s *types.OrderBookSnapshot) error {
	if err := p.publish(s.Key, types.RecordBookSnapshot, s.SnapshotTime, s); err != nil {
		return err
	}
	if p.mirror != nil {
		p.mirror.StoreSnapshot(ctx, s)
	}
	return nil
}

// PublishBookDelta publishes a book delta.
func (p *Publisher) PublishBookDelta(_ context.Context, d *types.OrderBookDelta) error {
	return p.publish(d.Key, types.RecordBookDelta, d.EventTime, d)
}

// PublishFunding publishes a funding rate record.
func (p *Publisher) PublishFunding(_ context.Context, f *types.NormalizedFundingRate) error {
	return p.publish(f.Key, types.RecordFunding, f.EventTime, f)
}

// PublishOpenInterest publishes an open-interest sample.
func (p *Publisher) PublishOpenInterest(_ context.Context, o *types.NormalizedOpenInterest) error {
	return p.publish(o.Key, types.RecordOpenInterest, o.EventTime, o)
}

// PublishLiquidation publishes a liquidation event.
func (p *Publisher) PublishLiquidation(_ context.Context, l *types.NormalizedLiquidation) error {
	return p.publish(l.Key, types.RecordLiquidation, l.EventTime, l)
}

// PublishLSR publishes a long/short ratio sample.
func (p *Publisher) PublishLSR(_ context.Context, s *types.LSRSample) error {
	return p.publish(s.Key, types.RecordLSR, s.EventTime, s)
}

// PublishVol publishes a volatility index sample.
func (p *Publisher) PublishVol(_ context.Context, v *types.VolatilityIndex) error {
	return p.publish(v.Key, types.RecordVol, v.EventTime, v)
}

// recordTypeOf extracts the trailing record-type token from a subject
// for error metric labels.
func recordTypeOf(subject string) string {
	if i := strings.LastIndex(subject, "."); i >= 0 {
		return subject[i+1:]
	}
	return subject
}
