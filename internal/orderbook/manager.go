package orderbook

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"marketprism-collector/internal/config"
	"marketprism-collector/internal/connector"
	"marketprism-collector/internal/metrics"
	"marketprism-collector/internal/types"
)

// State is the orderbook manager lifecycle state.
type State int32

const (
	StateInit State = iota
	StateSynced
	StateResyncing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateSynced:
		return "synced"
	case StateResyncing:
		return "resyncing"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Resync reasons, used as metric labels and log fields.
const (
	ReasonInit         = "init"
	ReasonGap          = "gap"
	ReasonChecksum     = "checksum"
	ReasonStale        = "stale_snapshot"
	ReasonOverflow     = "buffer_overflow"
	ReasonReconnect    = "reconnect"
	ReasonBackpressure = "backpressure"
)

const (
	resyncBackoffBase = time.Second
	resyncBackoffCap  = 30 * time.Second
)

// SnapshotFetcher fetches a REST depth baseline.
type SnapshotFetcher func(ctx context.Context) (*connector.RawDepth, error)

// Emitter receives the canonical book records a manager produces.
type Emitter interface {
	PublishBookSnapshot(ctx context.Context, snap *types.OrderBookSnapshot) error
	PublishBookDelta(ctx context.Context, delta *types.OrderBookDelta) error
}

// ManagerConfig wires one manager to its feed, strategy and output.
type ManagerConfig struct {
	Key          types.InstrumentKey
	NativeSymbol string
	Strategy     SyncStrategy

	// Fetch obtains a REST baseline; required when the strategy has no
	// in-band snapshots. Resubscribe forces a fresh in-band snapshot and
	// takes priority for resync when set.
	Fetch       SnapshotFetcher
	Resubscribe func(nativeSymbol string) error

	Emitter Emitter
	Book    config.OrderBookConfig
}

// Stats is a point-in-time view of a manager for the health endpoint.
type Stats struct {
	Key            types.InstrumentKey `json:"key"`
	State          string              `json:"state"`
	LastUpdateID   int64               `json:"last_update_id"`
	LastEventTime  time.Time           `json:"last_event_time,omitempty"`
	LastEmitTime   time.Time           `json:"last_emit_time,omitempty"`
	ResyncsLastMin int                 `json:"resyncs_last_minute"`
	Dropped        int64               `json:"dropped_events"`
}

// Manager owns the orderbook state machine for one instrument. All book
// mutation happens on the Run goroutine; Offer and RequestResync are
// safe to call from adapter callbacks.
type Manager struct {
	cfg      ManagerConfig
	book     *Book
	strategy SyncStrategy

	events   chan *connector.RawDepth
	resyncCh chan string

	// pending buffers frames that arrive while a REST resync is in
	// flight; they replay against the fresh baseline.
	pending []*connector.RawDepth

	bpStreak int

	mu            sync.Mutex
	state         State
	lastID        int64
	lastEventTime time.Time
	lastEmitTime  time.Time
	resyncTimes   []time.Time
	dropped       int64
}

// NewManager creates a manager in the Init state.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Book.BufferCap <= 0 {
		cfg.Book.BufferCap = 10000
	}
	if cfg.Book.BackpressureThreshold <= 0 {
		cfg.Book.BackpressureThreshold = 5
	}
	m := &Manager{
		cfg:      cfg,
		book:     NewBook(cfg.Key, cfg.Book.MaxDepthLevels),
		strategy: cfg.Strategy,
		events:   make(chan *connector.RawDepth, cfg.Book.BufferCap),
		resyncCh: make(chan string, 8),
		state:    StateInit,
	}
	m.recordState(StateInit)
	return m
}

// Key returns the instrument key.
func (m *Manager) Key() types.InstrumentKey { return m.cfg.Key }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats snapshots manager health.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-time.Minute)
	recent := 0
	for _, t := range m.resyncTimes {
		if t.After(cutoff) {
			recent++
		}
	}
	return Stats{
		Key:            m.cfg.Key,
		State:          m.state.String(),
		LastUpdateID:   m.lastID,
		LastEventTime:  m.lastEventTime,
		LastEmitTime:   m.lastEmitTime,
		ResyncsLastMin: recent,
		Dropped:        m.dropped,
	}
}

// Offer enqueues a raw depth frame. When the buffer is full the oldest
// frame is dropped and a resync is forced, since continuity is lost.
func (m *Manager) Offer(ev *connector.RawDepth) {
	select {
	case m.events <- ev:
		return
	default:
	}

	select {
	case <-m.events:
	default:
	}
	select {
	case m.events <- ev:
	default:
	}

	m.mu.Lock()
	m.dropped++
	m.mu.Unlock()
	metrics.RecordDrop(string(m.cfg.Key.Exchange), ReasonOverflow)
	m.RequestResync(ReasonOverflow)
}

// RequestResync schedules a resync. No-op once Failed.
func (m *Manager) RequestResync(reason string) {
	if m.State() == StateFailed {
		return
	}
	select {
	case m.resyncCh <- reason:
	default:
	}
}

// OnReconnect is wired as the adapter's reconnect handler; a new session
// invalidates sequence continuity.
func (m *Manager) OnReconnect() { m.RequestResync(ReasonReconnect) }

// Run drives the state machine until ctx is cancelled or the manager
// fails terminally.
func (m *Manager) Run(ctx context.Context) {
	m.RequestResync(ReasonInit)
	backoff := resyncBackoffBase

	for {
		select {
		case <-ctx.Done():
			return
		case reason := <-m.resyncCh:
			if !m.allowResync() {
				m.fail(reason)
				return
			}
			metrics.BookResyncs.WithLabelValues(
				string(m.cfg.Key.Exchange), m.cfg.Key.Symbol, reason).Inc()
			if err := m.resync(ctx, reason); err != nil {
				log.Warn().Err(err).
					Str("key", m.cfg.Key.String()).
					Str("reason", reason).
					Msg("Orderbook resync attempt failed")
				if !sleepCtx(ctx, jitter(backoff)) {
					return
				}
				backoff = nextBackoff(backoff)
				m.RequestResync(reason)
			} else {
				backoff = resyncBackoffBase
			}
		case ev := <-m.events:
			m.handleEvent(ctx, ev)
		}
	}
}

// allowResync records an attempt and enforces the attempts-per-window
// bound. Returns false when the budget is exhausted.
func (m *Manager) allowResync() bool {
	window := time.Duration(m.cfg.Book.Resync.WindowSeconds) * time.Second
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.resyncTimes[:0]
	for _, t := range m.resyncTimes {
		if now.Sub(t) < window {
			kept = append(kept, t)
		}
	}
	m.resyncTimes = append(kept, now)
	return len(m.resyncTimes) <= m.cfg.Book.Resync.MaxAttempts
}

// resync re-establishes a trusted baseline. In-band venues resubscribe
// and stay Resyncing until the fresh snapshot frame arrives; REST venues
// fetch a baseline, replay buffered frames against it, and go Synced.
func (m *Manager) resync(ctx context.Context, reason string) error {
	m.setState(StateResyncing)
	log.Info().Str("key", m.cfg.Key.String()).Str("reason", reason).Msg("Orderbook resyncing")

	if m.cfg.Resubscribe != nil {
		return m.cfg.Resubscribe(m.cfg.NativeSymbol)
	}

	snap, err := m.cfg.Fetch(ctx)
	if err != nil {
		return err
	}
	if err := m.book.ApplySnapshot(snap); err != nil {
		return err
	}
	m.strategy.Reset(snap.LastID)
	m.mu.Lock()
	m.lastID = m.book.LastUpdateID()
	m.mu.Unlock()

	pending := m.pending
	m.pending = nil
	m.setState(StateSynced)
	if err := m.emitSnapshot(ctx); err != nil && errors.Is(err, types.ErrBusBackpressure) {
		return err
	}
	for _, ev := range pending {
		m.handleEvent(ctx, ev)
		if m.State() != StateSynced {
			break
		}
	}
	return nil
}

func (m *Manager) handleEvent(ctx context.Context, ev *connector.RawDepth) {
	m.mu.Lock()
	m.lastEventTime = ev.IngestTime
	state := m.state
	m.mu.Unlock()

	switch state {
	case StateFailed:
		return
	case StateInit, StateResyncing:
		if m.strategy.InBandSnapshots() {
			if !ev.IsSnapshot {
				return // stale tail of the previous subscription
			}
			m.applyInBandSnapshot(ctx, ev)
			return
		}
		// REST baseline in flight; hold the frame for replay.
		m.pending = append(m.pending, ev)
		if len(m.pending) > m.cfg.Book.BufferCap {
			m.pending = m.pending[1:]
			m.mu.Lock()
			m.dropped++
			m.mu.Unlock()
			metrics.RecordDrop(string(m.cfg.Key.Exchange), ReasonOverflow)
		}
		return
	}

	// Synced. In-band snapshot frames mid-stream replace the book.
	if ev.IsSnapshot && m.strategy.InBandSnapshots() {
		m.applyInBandSnapshot(ctx, ev)
		return
	}

	decision, err := m.strategy.Judge(m.book.LastUpdateID(), ev)
	if err != nil {
		log.Warn().Err(err).Str("key", m.cfg.Key.String()).Msg("Orderbook sequencing violation")
		m.RequestResync(reasonFor(err))
		return
	}
	if decision == Drop {
		return
	}

	delta, err := m.book.ApplyDelta(ev)
	if err != nil {
		m.RequestResync(ReasonGap)
		return
	}
	if err := m.strategy.Verify(m.book, ev); err != nil {
		log.Warn().Err(err).Str("key", m.cfg.Key.String()).Msg("Orderbook verification failed")
		m.RequestResync(reasonFor(err))
		return
	}

	metrics.BookUpdates.WithLabelValues(string(m.cfg.Key.Exchange), m.cfg.Key.Symbol).Inc()
	m.mu.Lock()
	m.lastID = m.book.LastUpdateID()
	m.mu.Unlock()
	m.observeDepth()
	m.publishDelta(ctx, delta)
}

func (m *Manager) applyInBandSnapshot(ctx context.Context, ev *connector.RawDepth) {
	if err := m.book.ApplySnapshot(ev); err != nil {
		m.RequestResync(ReasonGap)
		return
	}
	m.strategy.Reset(ev.LastID)
	if err := m.strategy.Verify(m.book, ev); err != nil {
		log.Warn().Err(err).Str("key", m.cfg.Key.String()).Msg("Snapshot verification failed")
		m.RequestResync(reasonFor(err))
		return
	}
	m.mu.Lock()
	m.lastID = m.book.LastUpdateID()
	m.mu.Unlock()
	m.setState(StateSynced)
	m.emitSnapshot(ctx)
}

func (m *Manager) emitSnapshot(ctx context.Context) error {
	snap := m.book.Snapshot(time.Now().UTC())
	err := m.cfg.Emitter.PublishBookSnapshot(ctx, snap)
	m.afterPublish(err)
	if err == nil {
		metrics.BookSnapshots.WithLabelValues(
			string(m.cfg.Key.Exchange), m.cfg.Key.Symbol).Inc()
		m.observeDepth()
	}
	return err
}

func (m *Manager) publishDelta(ctx context.Context, delta *types.OrderBookDelta) {
	if len(delta.BidsChanged) == 0 && len(delta.AsksChanged) == 0 {
		return
	}
	m.afterPublish(m.cfg.Emitter.PublishBookDelta(ctx, delta))
}

// afterPublish tracks consecutive backpressure failures; past the
// threshold the book is considered behind and resyncs.
func (m *Manager) afterPublish(err error) {
	if err == nil {
		m.bpStreak = 0
		m.mu.Lock()
		m.lastEmitTime = time.Now()
		m.mu.Unlock()
		return
	}
	if errors.Is(err, types.ErrBusBackpressure) {
		m.bpStreak++
		if m.bpStreak >= m.cfg.Book.BackpressureThreshold {
			m.bpStreak = 0
			m.RequestResync(ReasonBackpressure)
		}
		return
	}
	log.Error().Err(err).Str("key", m.cfg.Key.String()).Msg("Book publish failed")
}

func (m *Manager) observeDepth() {
	bids, asks := m.book.Depth()
	ex, sym := string(m.cfg.Key.Exchange), m.cfg.Key.Symbol
	metrics.BookDepth.WithLabelValues(ex, sym, "bid").Set(float64(bids))
	metrics.BookDepth.WithLabelValues(ex, sym, "ask").Set(float64(asks))
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.recordState(s)
}

func (m *Manager) recordState(s State) {
	metrics.BookState.WithLabelValues(
		string(m.cfg.Key.Exchange), m.cfg.Key.Symbol).Set(float64(s))
}

func (m *Manager) fail(reason string) {
	m.setState(StateFailed)
	log.Error().
		Str("key", m.cfg.Key.String()).
		Str("reason", reason).
		Int("max_attempts", m.cfg.Book.Resync.MaxAttempts).
		Int("window_seconds", m.cfg.Book.Resync.WindowSeconds).
		Msg("Orderbook failed: resync budget exhausted")
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, types.ErrChecksumMismatch):
		return ReasonChecksum
	case errors.Is(err, types.ErrSnapshotStale):
		return ReasonStale
	case errors.Is(err, types.ErrBufferOverflow):
		return ReasonOverflow
	case errors.Is(err, types.ErrUpstreamDisconnected):
		return ReasonReconnect
	case errors.Is(err, types.ErrBusBackpressure):
		return ReasonBackpressure
	}
	return ReasonGap
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > resyncBackoffCap {
		next = resyncBackoffCap
	}
	return next
}

// jitter spreads a delay by ±20%.
func jitter(d time.Duration) time.Duration {
	delta := int64(d) / 5
	if delta == 0 {
		return d
	}
	return time.Duration(int64(d) - delta + rand.Int63n(2*delta))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
