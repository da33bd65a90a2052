package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"marketprism-collector/internal/types"
)

// Config is the full collector configuration, loaded once at startup and
// shared read-only afterwards.
type Config struct {
	Exchanges  []ExchangeConfig  `yaml:"exchanges"`
	OrderBook  OrderBookConfig   `yaml:"orderbook"`
	RateLimits []RateLimitConfig `yaml:"rate_limits"`
	Bus        BusConfig         `yaml:"bus"`
	Mirror     MirrorConfig      `yaml:"mirror"`
	Schedules  ScheduleConfig    `yaml:"schedules"`
	Metrics    MetricsConfig     `yaml:"metrics"`
}

// ExchangeConfig configures one (exchange, market_type) feed set.
type ExchangeConfig struct {
	Name       types.Exchange   `yaml:"name"`
	MarketType types.MarketType `yaml:"market_type"`
	WsURL      string           `yaml:"ws_url,omitempty"`
	RestURL    string           `yaml:"rest_url,omitempty"`
	Symbols    []string         `yaml:"symbols"`    // canonical symbols
	SymbolMap  map[string]string `yaml:"symbol_map"` // canonical -> native
	DataTypes  []string         `yaml:"data_types"`
}

// HasDataType reports whether a data type is enabled for this exchange.
func (e ExchangeConfig) HasDataType(dt string) bool {
	for _, d := range e.DataTypes {
		if d == dt {
			return true
		}
	}
	return false
}

// OrderBookConfig tunes the per-key orderbook managers.
type OrderBookConfig struct {
	MaxDepthLevels        int          `yaml:"max_depth_levels"`
	BufferCap             int          `yaml:"buffer_cap"`
	VerifyChecksum        bool         `yaml:"verify_checksum"`
	BackpressureThreshold int          `yaml:"backpressure_threshold"`
	Resync                ResyncConfig `yaml:"resync"`
}

// ResyncConfig bounds consecutive resync attempts.
type ResyncConfig struct {
	MaxAttempts   int `yaml:"max_attempts"`
	WindowSeconds int `yaml:"window_seconds"`
}

// RateLimitConfig is one token bucket per (exchange, endpoint class).
type RateLimitConfig struct {
	Exchange        types.Exchange `yaml:"exchange"`
	Class           string         `yaml:"class"`
	Capacity        int            `yaml:"capacity"`
	RefillPerSecond float64        `yaml:"refill_per_second"`
}

// BusConfig configures the NATS JetStream output.
type BusConfig struct {
	URL            string        `yaml:"url"`
	SubjectPrefix  string        `yaml:"subject_prefix"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	MaxPending     int           `yaml:"max_pending"`
}

// MirrorConfig configures the optional Redis realtime snapshot mirror.
// The bus remains the authoritative output; the mirror is best-effort.
type MirrorConfig struct {
	Enabled bool          `yaml:"enabled"`
	Addr    string        `yaml:"addr"`
	TTL     time.Duration `yaml:"ttl"`
}

// ScheduleConfig sets cadences for REST-polled feeds.
type ScheduleConfig struct {
	Funding      time.Duration `yaml:"funding"`
	OpenInterest time.Duration `yaml:"open_interest"`
	LSR          time.Duration `yaml:"lsr"`
	Vol          time.Duration `yaml:"vol"`
}

// MetricsConfig configures the metrics/health HTTP listener.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a config populated with the documented defaults.
func DefaultConfig() Config {
	return Config{
		OrderBook: OrderBookConfig{
			MaxDepthLevels:        400,
			BufferCap:             10000,
			VerifyChecksum:        true,
			BackpressureThreshold: 5,
			Resync: ResyncConfig{
				MaxAttempts:   5,
				WindowSeconds: 120,
			},
		},
		Bus: BusConfig{
			URL:            "nats://localhost:4222",
			SubjectPrefix:  "market",
			PublishTimeout: 5 * time.Second,
			MaxPending:     512,
		},
		Mirror: MirrorConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			TTL:     time.Minute,
		},
		Schedules: ScheduleConfig{
			Funding:      8 * time.Hour,
			OpenInterest: 15 * time.Minute,
			LSR:          5 * time.Minute,
			Vol:          time.Minute,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// Load reads and validates a YAML config file. Unset fields take defaults.
func Load(path string) (*Config, error) {
	if env := os.Getenv("MARKETPRISM_CONFIG"); env != "" {
		path = env
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validDataTypes = map[string]bool{
	"trade": true, "orderbook": true, "ticker": true, "funding": true,
	"oi": true, "liquidation": true, "lsr": true, "vol": true,
}

// Validate checks enum membership, symbol map bijectivity and bounds.
func (c *Config) Validate() error {
	if len(c.Exchanges) == 0 {
		return fmt.Errorf("no exchanges configured")
	}

	seen := make(map[string]bool)
	for i := range c.Exchanges {
		e := &c.Exchanges[i]
		switch e.Name {
		case types.Binance, types.OKX, types.Deribit:
		default:
			return fmt.Errorf("exchange %q: unsupported", e.Name)
		}
		switch e.MarketType {
		case types.Spot, types.Linear, types.Inverse, types.Option:
		default:
			return fmt.Errorf("exchange %q: invalid market_type %q", e.Name, e.MarketType)
		}
		// Coin-margined Binance lives on the dapi API family, which the
		// collector does not speak.
		if e.Name == types.Binance && e.MarketType == types.Inverse {
			return fmt.Errorf("exchange %s/%s: inverse market not supported on binance", e.Name, e.MarketType)
		}

		id := string(e.Name) + "/" + string(e.MarketType)
		if seen[id] {
			return fmt.Errorf("exchange %s configured twice", id)
		}
		seen[id] = true

		if len(e.Symbols) == 0 {
			return fmt.Errorf("exchange %s: no symbols", id)
		}
		for _, dt := range e.DataTypes {
			if !validDataTypes[dt] {
				return fmt.Errorf("exchange %s: unknown data type %q", id, dt)
			}
		}

		// The canonical->native mapping must be a bijection over the
		// configured symbols.
		natives := make(map[string]string)
		for _, canon := range e.Symbols {
			if canon != strings.ToUpper(canon) {
				return fmt.Errorf("exchange %s: canonical symbol %q must be upper-case", id, canon)
			}
			native, ok := e.SymbolMap[canon]
			if !ok || native == "" {
				return fmt.Errorf("exchange %s: symbol %q missing from symbol_map", id, canon)
			}
			if prev, dup := natives[native]; dup {
				return fmt.Errorf("exchange %s: native symbol %q maps from both %q and %q", id, native, prev, canon)
			}
			natives[native] = canon
		}
	}

	if c.OrderBook.MaxDepthLevels <= 0 {
		return fmt.Errorf("orderbook.max_depth_levels must be positive")
	}
	if c.OrderBook.BufferCap <= 0 {
		return fmt.Errorf("orderbook.buffer_cap must be positive")
	}
	if c.OrderBook.Resync.MaxAttempts <= 0 || c.OrderBook.Resync.WindowSeconds <= 0 {
		return fmt.Errorf("orderbook.resync bounds must be positive")
	}

	for _, rl := range c.RateLimits {
		if rl.Capacity <= 0 || rl.RefillPerSecond <= 0 {
			return fmt.Errorf("rate limit %s/%s: capacity and refill must be positive", rl.Exchange, rl.Class)
		}
	}

	if c.Bus.URL == "" {
		return fmt.Errorf("bus.url required")
	}
	if c.Bus.PublishTimeout <= 0 {
		return fmt.Errorf("bus.publish_timeout must be positive")
	}
	return nil
}

// LogLevel resolves the zerolog level from MARKETPRISM_LOG_LEVEL,
// defaulting to info.
func LogLevel() string {
	if lvl := os.Getenv("MARKETPRISM_LOG_LEVEL"); lvl != "" {
		return strings.ToLower(lvl)
	}
	return "info"
}
