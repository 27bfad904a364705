// Package volatility estimates index volatility from the at-the-money
// options of the nearest expiry, using the venue's public REST API.
package volatility

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"

	json "github.com/goccy/go-json"

	"github.com/marketcraft/quoterd/errs"
	"github.com/marketcraft/quoterd/internal/config"
	"github.com/marketcraft/quoterd/internal/observability"
)

const (
	defaultUnderlying = "BTCUSD"
	requestAttempts   = 3
	initialRetryDelay = 250 * time.Millisecond
	requestTimeout    = 10 * time.Second
)

type instrumentRecord struct {
	InstrumentName      string  `json:"instrument_name"`
	Type                string  `json:"type"`
	Underlying          string  `json:"underlying"`
	OptionType          string  `json:"option_type"`
	StrikePrice         float64 `json:"strike_price"`
	ExpirationTimestamp int64   `json:"expiration_timestamp"`
}

type indexResult struct {
	Price float64 `json:"price"`
}

type tickerResult struct {
	IV float64 `json:"iv"`
}

// Monitor fetches an implied volatility estimate: the average IV of the
// closest-to-the-money call and put of the nearest unexpired option expiry.
type Monitor struct {
	baseURL    string
	underlying string
	httpc      *http.Client
	retryDelay time.Duration
	now        func() time.Time
}

// NewMonitor builds a monitor against the configured network's REST API.
func NewMonitor(cfg *config.Config) *Monitor {
	return &Monitor{
		baseURL:    cfg.Network.RestBaseURL(),
		underlying: defaultUnderlying,
		httpc:      &http.Client{Timeout: requestTimeout},
		retryDelay: initialRetryDelay,
		now:        time.Now,
	}
}

// Fetch returns the current volatility estimate in the venue's IV units.
func (m *Monitor) Fetch(ctx context.Context) (float64, error) {
	var index struct {
		Result indexResult `json:"result"`
	}
	query := url.Values{"underlying": {m.underlying}}
	if err := m.get(ctx, "/public/index", query, &index); err != nil {
		return 0, fmt.Errorf("index price: %w", err)
	}
	if index.Result.Price <= 0 {
		return 0, errs.New("volatility", errs.CodeExchange, errs.WithMessage("index price missing"))
	}

	var instruments struct {
		Result []instrumentRecord `json:"result"`
	}
	if err := m.get(ctx, "/public/all_instruments", nil, &instruments); err != nil {
		return 0, fmt.Errorf("instrument list: %w", err)
	}

	call, put, err := m.atTheMoneyPair(instruments.Result, index.Result.Price)
	if err != nil {
		return 0, err
	}

	callIV, err := m.impliedVol(ctx, call.InstrumentName)
	if err != nil {
		return 0, err
	}
	putIV, err := m.impliedVol(ctx, put.InstrumentName)
	if err != nil {
		return 0, err
	}

	vol := (callIV + putIV) / 2
	observability.Log().Debug("volatility estimate",
		observability.F("call", call.InstrumentName),
		observability.F("put", put.InstrumentName),
		observability.F("vol", vol))
	return vol, nil
}

// atTheMoneyPair picks the call and put closest to the index price from the
// nearest expiry that is still in the future.
func (m *Monitor) atTheMoneyPair(instruments []instrumentRecord, indexPrice float64) (call, put instrumentRecord, err error) {
	nowTS := m.now().Unix()
	var nearestExpiry int64
	for _, inst := range instruments {
		if inst.Type != "option" || inst.Underlying != m.underlying {
			continue
		}
		if inst.ExpirationTimestamp <= nowTS {
			continue
		}
		if nearestExpiry == 0 || inst.ExpirationTimestamp < nearestExpiry {
			nearestExpiry = inst.ExpirationTimestamp
		}
	}
	if nearestExpiry == 0 {
		return call, put, errs.New("volatility", errs.CodeExchange, errs.WithMessage("no unexpired options found"))
	}

	callDist, putDist := math.MaxFloat64, math.MaxFloat64
	for _, inst := range instruments {
		if inst.Type != "option" || inst.Underlying != m.underlying || inst.ExpirationTimestamp != nearestExpiry {
			continue
		}
		dist := math.Abs(inst.StrikePrice - indexPrice)
		switch inst.OptionType {
		case "call":
			if dist < callDist {
				callDist, call = dist, inst
			}
		case "put":
			if dist < putDist {
				putDist, put = dist, inst
			}
		}
	}
	if call.InstrumentName == "" || put.InstrumentName == "" {
		return call, put, errs.New("volatility", errs.CodeExchange, errs.WithMessage("incomplete at-the-money pair"))
	}
	return call, put, nil
}

func (m *Monitor) impliedVol(ctx context.Context, instrument string) (float64, error) {
	var ticker struct {
		Result tickerResult `json:"result"`
	}
	query := url.Values{"instrument_name": {instrument}}
	if err := m.get(ctx, "/public/ticker", query, &ticker); err != nil {
		return 0, fmt.Errorf("ticker %s: %w", instrument, err)
	}
	if ticker.Result.IV <= 0 {
		return 0, errs.New("volatility", errs.CodeExchange,
			errs.WithMessage(fmt.Sprintf("no implied volatility for %s", instrument)))
	}
	return ticker.Result.IV, nil
}

// get performs a GET with bounded retries, doubling the delay between
// attempts. Non-2xx responses and transport faults both count as failures.
func (m *Monitor) get(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := m.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	delay := m.retryDelay
	var lastErr error
	for attempt := 0; attempt < requestAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		lastErr = m.getOnce(ctx, endpoint, out)
		if lastErr == nil {
			return nil
		}
		observability.Log().Debug("volatility request failed",
			observability.F("endpoint", path),
			observability.F("attempt", attempt+1),
			observability.F("error", lastErr))
	}
	return lastErr
}

func (m *Monitor) getOnce(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := m.httpc.Do(req)
	if err != nil {
		return errs.New("volatility", errs.CodeNetwork, errs.WithCause(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.New("volatility", errs.CodeNetwork, errs.WithCause(err))
	}
	if resp.StatusCode != http.StatusOK {
		return errs.New("volatility", errs.CodeExchange,
			errs.WithMessage(fmt.Sprintf("status %d", resp.StatusCode)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errs.New("volatility", errs.CodeExchange, errs.WithCause(err), errs.WithMessage("decode response"))
	}
	return nil
}
