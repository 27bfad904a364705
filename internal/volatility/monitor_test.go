package volatility

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	indexPrice  float64
	instruments string
	tickerIV    map[string]float64
	failures    atomic.Int32
}

func (f *fixture) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/public/index", func(w http.ResponseWriter, r *http.Request) {
		if f.failures.Load() > 0 {
			f.failures.Add(-1)
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintf(w, `{"result":{"price":%v}}`, f.indexPrice)
	})
	mux.HandleFunc("/public/all_instruments", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"result":[%s]}`, f.instruments)
	})
	mux.HandleFunc("/public/ticker", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("instrument_name")
		iv, ok := f.tickerIV[name]
		if !ok {
			http.Error(w, "unknown instrument", http.StatusNotFound)
			return
		}
		fmt.Fprintf(w, `{"result":{"iv":%v}}`, iv)
	})
	return mux
}

func option(name string, optType string, strike float64, expiry int64) string {
	return fmt.Sprintf(
		`{"instrument_name":%q,"type":"option","underlying":"BTCUSD","option_type":%q,"strike_price":%v,"expiration_timestamp":%d}`,
		name, optType, strike, expiry)
}

func monitorForTest(t *testing.T, f *fixture) *Monitor {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return &Monitor{
		baseURL:    srv.URL,
		underlying: "BTCUSD",
		httpc:      srv.Client(),
		retryDelay: time.Millisecond,
		now:        func() time.Time { return time.Unix(1000, 0) },
	}
}

func TestFetchAveragesAtTheMoneyPair(t *testing.T) {
	near, far := int64(2000), int64(9000)
	f := &fixture{
		indexPrice: 30000,
		instruments: option("C-30000", "call", 30000, near) + "," +
			option("C-32000", "call", 32000, near) + "," +
			option("P-29000", "put", 29000, near) + "," +
			option("P-31000", "put", 31000, near) + "," +
			option("C-30000-FAR", "call", 30000, far) + "," +
			option("P-30000-FAR", "put", 30000, far) + "," +
			`{"instrument_name":"BTC-PERPETUAL","type":"perpetual","underlying":"BTCUSD"}`,
		tickerIV: map[string]float64{"C-30000": 0.6, "P-31000": 0.4},
	}
	m := monitorForTest(t, f)

	vol, err := m.Fetch(context.Background())
	require.NoError(t, err)
	// nearest expiry only, closest strikes: call@30000 and put@31000
	assert.InDelta(t, 0.5, vol, 1e-9)
}

func TestFetchSkipsExpiredOptions(t *testing.T) {
	f := &fixture{
		indexPrice: 30000,
		instruments: option("C-OLD", "call", 30000, 500) + "," +
			option("P-OLD", "put", 30000, 500) + "," +
			option("C-LIVE", "call", 29500, 3000) + "," +
			option("P-LIVE", "put", 30500, 3000),
		tickerIV: map[string]float64{"C-LIVE": 0.8, "P-LIVE": 0.6},
	}
	m := monitorForTest(t, f)

	vol, err := m.Fetch(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.7, vol, 1e-9)
}

func TestFetchRetriesTransientFailures(t *testing.T) {
	f := &fixture{
		indexPrice: 30000,
		instruments: option("C", "call", 30000, 2000) + "," +
			option("P", "put", 30000, 2000),
		tickerIV: map[string]float64{"C": 0.5, "P": 0.5},
	}
	f.failures.Store(2)
	m := monitorForTest(t, f)

	vol, err := m.Fetch(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.5, vol, 1e-9)
}

func TestFetchFailsAfterRetryBudget(t *testing.T) {
	f := &fixture{indexPrice: 30000}
	f.failures.Store(10)
	m := monitorForTest(t, f)

	_, err := m.Fetch(context.Background())
	require.Error(t, err)
}

func TestFetchFailsWithoutOptions(t *testing.T) {
	f := &fixture{
		indexPrice:  30000,
		instruments: `{"instrument_name":"BTC-PERPETUAL","type":"perpetual","underlying":"BTCUSD"}`,
	}
	m := monitorForTest(t, f)

	_, err := m.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no unexpired options")
}

func TestFetchFailsWithMissingPairLeg(t *testing.T) {
	f := &fixture{
		indexPrice:  30000,
		instruments: option("C-ONLY", "call", 30000, 2000),
	}
	m := monitorForTest(t, f)

	_, err := m.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incomplete at-the-money pair")
}
