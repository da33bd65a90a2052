package health

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketprism-collector/internal/connector"
	"marketprism-collector/internal/types"
)

type stubAdapter struct {
	*connector.BaseAdapter
}

func (stubAdapter) Connect(context.Context) error { return nil }
func (stubAdapter) FetchSnapshot(context.Context, string, int) (*connector.RawDepth, error) {
	return nil, nil
}

func testAdapter(connected bool) connector.Adapter {
	a := stubAdapter{connector.NewBaseAdapter(connector.AdapterConfig{
		Exchange: types.Binance,
	})}
	a.SetConnected(connected)
	if connected {
		a.Touch()
	}
	return a
}

func TestReportStatusLevels(t *testing.T) {
	r := NewRegistry()
	r.AddAdapter(types.Spot, testAdapter(true))

	report := r.Report()
	assert.Equal(t, "ok", report.Status)
	require.Len(t, report.Adapters, 1)
	assert.True(t, report.Adapters[0].Connected)
	assert.Less(t, report.Adapters[0].LastMessageAge, 5.0)

	r.AddAdapter(types.Linear, testAdapter(false))
	assert.Equal(t, "degraded", r.Report().Status)
}

func TestHandlerServesJSON(t *testing.T) {
	r := NewRegistry()
	r.AddAdapter(types.Spot, testAdapter(true))

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "ok", report.Status)
	assert.WithinDuration(t, time.Now(), report.Time, time.Minute)
}
