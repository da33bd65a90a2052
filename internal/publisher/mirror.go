package publisher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"marketprism-collector/internal/config"
	"marketprism-collector/internal/types"
)

// Mirror keeps the latest book snapshot per instrument in Redis so
// dashboards and spot checks can read current state without replaying
// the stream. The bus remains authoritative; mirror writes are
// best-effort and never fail the publish path.
type Mirror struct {
	client *redis.Client
	ttl    time.Duration
}

// NewMirror connects the snapshot mirror. Returns nil when disabled.
func NewMirror(cfg config.MirrorConfig) *Mirror {
	if !cfg.Enabled {
		return nil
	}
	return &Mirror{
		client: redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			DialTimeout:  2 * time.Second,
			WriteTimeout: time.Second,
		}),
		ttl: cfg.TTL,
	}
}

// StoreSnapshot writes the latest snapshot for an instrument.
func (m *Mirror) StoreSnapshot(ctx context.Context, s *types.OrderBookSnapshot) {
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	key := "snapshot:" + s.Key.String()
	if err := m.client.Set(ctx, key, data, m.ttl).Err(); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("Snapshot mirror write failed")
	}
}

// Close releases the Redis connection.
func (m *Mirror) Close() error {
	return m.client.Close()
}
