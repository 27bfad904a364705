// Package exchangetest provides a scripted venue client fake for tests.
package exchangetest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/marketcraft/quoterd/internal/exchange"
)

// Call records one client invocation and its arguments.
type Call struct {
	Method string
	Args   map[string]any
}

// Fake implements exchange.Client with scripted responses and call recording.
// Hook fields, when set, decide the outcome of the corresponding method.
type Fake struct {
	mu    sync.Mutex
	calls []Call

	ConnectErr   error
	LoginErr     error
	SubscribeErr error
	InsertHook   func(req exchange.InsertRequest) error
	AmendHook    func(clientOrderID uint64, price, amount float64) error
	CancelHook   func(clientOrderID uint64) error
	CancelAllErr error

	ConnectedValue bool
	HealthyValue   bool

	// Frames feeds Receive; closing it makes Receive fail with ReceiveErr.
	Frames     chan []byte
	ReceiveErr error
}

// NewFake returns a connected fake with an open frame stream.
func NewFake() *Fake {
	return &Fake{
		ConnectedValue: true,
		HealthyValue:   true,
		Frames:         make(chan []byte, 64),
		ReceiveErr:     errors.New("stream closed"),
	}
}

func (f *Fake) record(method string, args map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Method: method, Args: args})
}

// Calls returns every recorded invocation of the named method.
func (f *Fake) Calls(method string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// CallCount returns the number of recorded invocations of the named method.
func (f *Fake) CallCount(method string) int {
	return len(f.Calls(method))
}

// Connect implements exchange.Client.
func (f *Fake) Connect(context.Context) error {
	f.record("connect", nil)
	if f.ConnectErr == nil {
		f.mu.Lock()
		f.ConnectedValue = true
		f.mu.Unlock()
	}
	return f.ConnectErr
}

// Login implements exchange.Client.
func (f *Fake) Login(context.Context) error {
	f.record("login", nil)
	return f.LoginErr
}

// SetCancelOnDisconnect implements exchange.Client.
func (f *Fake) SetCancelOnDisconnect(_ context.Context, timeout time.Duration) error {
	f.record("set_cancel_on_disconnect", map[string]any{"timeout": timeout})
	return nil
}

// PrivateSubscribe implements exchange.Client.
func (f *Fake) PrivateSubscribe(_ context.Context, channels []string) error {
	f.record("private_subscribe", map[string]any{"channels": channels})
	return f.SubscribeErr
}

// Insert implements exchange.Client.
func (f *Fake) Insert(_ context.Context, req exchange.InsertRequest) error {
	f.record("insert", map[string]any{
		"side":            req.Side,
		"price":           req.Price,
		"amount":          req.Amount,
		"client_order_id": req.ClientOrderID,
		"label":           req.Label,
	})
	if f.InsertHook != nil {
		return f.InsertHook(req)
	}
	return nil
}

// Amend implements exchange.Client.
func (f *Fake) Amend(_ context.Context, clientOrderID uint64, price, amount float64) error {
	f.record("amend", map[string]any{
		"client_order_id": clientOrderID,
		"price":           price,
		"amount":          amount,
	})
	if f.AmendHook != nil {
		return f.AmendHook(clientOrderID, price, amount)
	}
	return nil
}

// Cancel implements exchange.Client.
func (f *Fake) Cancel(_ context.Context, clientOrderID uint64) error {
	f.record("cancel", map[string]any{"client_order_id": clientOrderID})
	if f.CancelHook != nil {
		return f.CancelHook(clientOrderID)
	}
	return nil
}

// CancelAll implements exchange.Client.
func (f *Fake) CancelAll(context.Context) error {
	f.record("cancel_all", nil)
	return f.CancelAllErr
}

// CancelSession implements exchange.Client.
func (f *Fake) CancelSession(context.Context) error {
	f.record("cancel_session", nil)
	return nil
}

// OrderStatus implements exchange.Client.
func (f *Fake) OrderStatus(_ context.Context, clientOrderID uint64) error {
	f.record("order_status", map[string]any{"client_order_id": clientOrderID})
	return nil
}

// Ticker implements exchange.Client.
func (f *Fake) Ticker(_ context.Context, instrument string) error {
	f.record("ticker", map[string]any{"instrument": instrument})
	return nil
}

// AccountSummary implements exchange.Client.
func (f *Fake) AccountSummary(context.Context) error {
	f.record("account_summary", nil)
	return nil
}

// Instrument implements exchange.Client.
func (f *Fake) Instrument(_ context.Context, name string) error {
	f.record("instrument", map[string]any{"name": name})
	return nil
}

// Connected implements exchange.Client.
func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ConnectedValue
}

// ConnectionHealthy implements exchange.Client.
func (f *Fake) ConnectionHealthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.HealthyValue
}

// Disconnect implements exchange.Client.
func (f *Fake) Disconnect(context.Context) error {
	f.record("disconnect", nil)
	f.mu.Lock()
	f.ConnectedValue = false
	f.mu.Unlock()
	return nil
}

// Receive implements exchange.Client.
func (f *Fake) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame, ok := <-f.Frames:
		if !ok {
			return nil, f.ReceiveErr
		}
		return frame, nil
	}
}

var _ exchange.Client = (*Fake)(nil)
