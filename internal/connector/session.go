package connector

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"marketprism-collector/internal/metrics"
	"marketprism-collector/internal/types"
)

// SessionHooks are the exchange-specific pieces of a WebSocket session.
type SessionHooks struct {
	// Dial establishes the connection. The default dialer honors the
	// standard proxy environment variables.
	Dial func(ctx context.Context) (*websocket.Conn, error)

	// Subscribe sends subscription frames after the connection opens.
	// Optional; Binance subscribes via the URL.
	Subscribe func(conn *websocket.Conn) error

	// Handle processes one raw frame.
	Handle func(data []byte)

	// Ping sends a client-side keepalive. Optional; Binance only answers
	// server pings, which gorilla handles in the control frame path.
	Ping         func(conn *websocket.Conn) error
	PingInterval time.Duration
}

// RunSessions dials and reads in a loop until ctx is cancelled or the
// adapter is closed, reconnecting with exponential backoff and jitter.
// After every successful reconnect the reconnect handler fires so
// orderbook managers can resync.
func (a *BaseAdapter) RunSessions(ctx context.Context, hooks SessionHooks) {
	exchange := string(a.config.Exchange)
	backoff := a.config.ReconnectBase
	firstSession := true

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		default:
		}

		conn, err := hooks.Dial(ctx)
		if err == nil && hooks.Subscribe != nil {
			if serr := hooks.Subscribe(conn); serr != nil {
				conn.Close()
				err = fmt.Errorf("subscribe: %w", serr)
			}
		}
		if err != nil {
			a.EmitError(fmt.Errorf("%s: connect: %w", exchange, err))
			metrics.RecordConnectionError(exchange, "connect_failed")
			if !sleepCtx(ctx, a.done, jitter(backoff)) {
				return
			}
			backoff = nextBackoff(backoff, a.config.ReconnectCap)
			continue
		}

		backoff = a.config.ReconnectBase
		a.SetConnected(true)
		metrics.RecordConnectionStatus(exchange, true)
		if firstSession {
			firstSession = false
			log.Info().Str("exchange", exchange).Msg("WebSocket connected")
		} else {
			a.BumpReconnects()
			metrics.RecordReconnect(exchange)
			log.Info().Str("exchange", exchange).Msg("WebSocket reconnected")
			a.EmitReconnected()
		}

		a.readSession(ctx, conn, hooks)

		a.SetConnected(false)
		metrics.RecordConnectionStatus(exchange, false)

		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		default:
		}
		a.EmitError(fmt.Errorf("%s: %w", exchange, types.ErrUpstreamDisconnected))
		if !sleepCtx(ctx, a.done, jitter(backoff)) {
			return
		}
		backoff = nextBackoff(backoff, a.config.ReconnectCap)
	}
}

// readSession runs one connection until read failure or shutdown.
func (a *BaseAdapter) readSession(ctx context.Context, conn *websocket.Conn, hooks SessionHooks) {
	defer conn.Close()

	idle := a.config.ReadIdleTimeout
	conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		a.Touch()
		conn.SetReadDeadline(time.Now().Add(idle))
		return nil
	})
	conn.SetPingHandler(func(payload string) error {
		a.Touch()
		conn.SetReadDeadline(time.Now().Add(idle))
		return conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(5*time.Second))
	})

	stop := make(chan struct{})
	defer close(stop)

	if hooks.Ping != nil && hooks.PingInterval > 0 {
		go func() {
			ticker := time.NewTicker(hooks.PingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := hooks.Ping(conn); err != nil {
						conn.Close()
						return
					}
				}
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		a.Touch()
		conn.SetReadDeadline(time.Now().Add(idle))
		hooks.Handle(message)
	}
}

// DefaultDialer returns a dialer with handshake timeout and proxy support.
func DefaultDialer() *websocket.Dialer {
	d := *websocket.DefaultDialer
	d.HandshakeTimeout = 10 * time.Second
	return &d
}

func nextBackoff(cur, cap time.Duration) time.Duration {
	next := cur * 2
	if next > cap {
		next = cap
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

func sleepCtx(ctx context.Context, done <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-done:
		return false
	case <-timer.C:
		return true
	}
}
