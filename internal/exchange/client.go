// Package exchange declares the venue client surface consumed by the quoter.
package exchange

import (
	"context"
	"time"

	"github.com/marketcraft/quoterd/internal/schema"
)

// InsertRequest carries the parameters of a new order submission.
type InsertRequest struct {
	Side          schema.Side
	Price         float64
	Amount        float64
	Instrument    string
	ClientOrderID uint64
	Label         string
}

// Client is the authenticated bidirectional venue channel. Mutating calls
// (login, subscribe, insert, amend, cancel) are synchronous: they wait for the
// venue's request result and surface venue errors as *errs.E. Query calls
// (ticker, account summary, order status, instrument) only send the request;
// their results arrive on the notification stream via Receive.
//
// Only the connection supervisor may call Connect, Disconnect, and
// CancelSession; every other component issues request calls exclusively.
type Client interface {
	Connect(ctx context.Context) error
	Login(ctx context.Context) error
	SetCancelOnDisconnect(ctx context.Context, timeout time.Duration) error
	PrivateSubscribe(ctx context.Context, channels []string) error

	Insert(ctx context.Context, req InsertRequest) error
	Amend(ctx context.Context, clientOrderID uint64, price, amount float64) error
	Cancel(ctx context.Context, clientOrderID uint64) error
	CancelAll(ctx context.Context) error
	CancelSession(ctx context.Context) error

	OrderStatus(ctx context.Context, clientOrderID uint64) error
	Ticker(ctx context.Context, instrument string) error
	AccountSummary(ctx context.Context) error
	Instrument(ctx context.Context, name string) error

	Connected() bool
	ConnectionHealthy() bool
	Disconnect(ctx context.Context) error

	// Receive yields one raw frame from the venue notification stream per call.
	Receive(ctx context.Context) ([]byte, error)
}
