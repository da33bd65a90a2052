package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"marketprism-collector/internal/connector"
	"marketprism-collector/internal/orderbook"
	"marketprism-collector/internal/types"
)

// AdapterStatus is the liveness view of one exchange adapter.
type AdapterStatus struct {
	Exchange       types.Exchange   `json:"exchange"`
	MarketType     types.MarketType `json:"market_type"`
	Connected      bool             `json:"connected"`
	LastMessageAge float64          `json:"last_message_age_seconds"`
	Reconnects     int64            `json:"reconnects"`
}

// Report is the full collector health document.
type Report struct {
	Status   string            `json:"status"`
	Adapters []AdapterStatus   `json:"adapters"`
	Books    []orderbook.Stats `json:"books"`
	Time     time.Time         `json:"time"`
}

type adapterEntry struct {
	marketType types.MarketType
	adapter    connector.Adapter
}

// Registry aggregates adapter and orderbook manager state for the
// health endpoint.
type Registry struct {
	mu       sync.Mutex
	adapters []adapterEntry
	managers []*orderbook.Manager
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// AddAdapter registers an adapter for health reporting.
func (r *Registry) AddAdapter(marketType types.MarketType, a connector.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters = append(r.adapters, adapterEntry{marketType: marketType, adapter: a})
}

// AddManager registers an orderbook manager for health reporting.
func (r *Registry) AddManager(m *orderbook.Manager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.managers = append(r.managers, m)
}

// Report builds the current health document. Overall status degrades
// when an adapter is disconnected and fails when any book is terminal.
func (r *Registry) Report() Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	report := Report{Status: "ok", Time: now.UTC()}

	for _, e := range r.adapters {
		status := AdapterStatus{
			Exchange:   e.adapter.Exchange(),
			MarketType: e.marketType,
			Connected:  e.adapter.IsConnected(),
			Reconnects: e.adapter.ReconnectCount(),
		}
		if last := e.adapter.LastMessageTime(); !last.IsZero() {
			status.LastMessageAge = now.Sub(last).Seconds()
		}
		if !status.Connected {
			report.Status = "degraded"
		}
		report.Adapters = append(report.Adapters, status)
	}

	for _, m := range r.managers {
		stats := m.Stats()
		if stats.State == "failed" {
			report.Status = "failed"
		}
		report.Books = append(report.Books, stats)
	}
	return report
}

// Handler serves the health document as JSON. Mounted alongside
// /metrics on the metrics listener.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		report := r.Report()
		code := http.StatusOK
		if report.Status == "failed" {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(report)
	})
}
