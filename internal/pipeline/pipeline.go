// Package pipeline serializes venue notifications into the quoting engine.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/marketcraft/quoterd/errs"
	"github.com/marketcraft/quoterd/internal/exchange"
	"github.com/marketcraft/quoterd/internal/observability"
	"github.com/marketcraft/quoterd/internal/schema"
	"github.com/marketcraft/quoterd/internal/thalex"
)

// Handler is the closed dispatch surface for venue notifications. Each method
// carries exactly the fields the engine consumes; the dispatcher invokes them
// from a single goroutine in strict receipt order.
type Handler interface {
	OnOrders(ctx context.Context, orders []schema.Order)
	OnPortfolio(ctx context.Context, entries []schema.PortfolioEntry)
	OnTrades(ctx context.Context, trades schema.TradesNotification)
	OnAccountSummary(ctx context.Context, summary schema.AccountSummary)
	OnTicker(ctx context.Context, ticker schema.TickerData)
	OnVenueError(ctx context.Context, venueErr *errs.E)
}

// receiveFailureThreshold is the number of consecutive receive faults after
// which the receiver stops and signals the dispatcher to exit.
const receiveFailureThreshold = 3

// ErrReceiverStopped is returned by Run when the receive loop gave up after
// repeated transport faults; the caller restarts the connection lifecycle.
var ErrReceiverStopped = errors.New("pipeline: receiver stopped")

type envelope struct {
	ChannelName  string          `json:"channel_name"`
	Notification json.RawMessage `json:"notification"`
	Result       json.RawMessage `json:"result"`
	Error        *venueError     `json:"error"`
}

type venueError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Pipeline runs one receive loop feeding a bounded queue drained by one
// ordered dispatcher.
type Pipeline struct {
	client  exchange.Client
	handler Handler
	queue   chan []byte
}

// New constructs a pipeline with the given bounded queue size.
func New(client exchange.Client, handler Handler, queueSize int) *Pipeline {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Pipeline{
		client:  client,
		handler: handler,
		queue:   make(chan []byte, queueSize),
	}
}

// Run processes frames until the context is cancelled or the receiver stops.
// A receiver stop is reported as ErrReceiverStopped so the supervisor's outer
// loop can restart the whole connection lifecycle.
func (p *Pipeline) Run(ctx context.Context) error {
	go p.receive(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-p.queue:
			if frame == nil {
				// sentinel pushed by the receiver on fault
				return ErrReceiverStopped
			}
			p.dispatch(ctx, frame)
		}
	}
}

func (p *Pipeline) receive(ctx context.Context) {
	failures := 0
	for {
		frame, err := p.client.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			observability.Log().Error("receive fault",
				observability.F("error", err),
				observability.F("consecutive", failures))
			if failures >= receiveFailureThreshold {
				select {
				case p.queue <- nil:
				case <-ctx.Done():
				}
				return
			}
			continue
		}
		failures = 0
		select {
		case p.queue <- frame:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) dispatch(ctx context.Context, frame []byte) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		observability.Log().Warn("malformed frame skipped", observability.F("error", err))
		return
	}

	switch {
	case env.ChannelName != "":
		p.dispatchChannel(ctx, schema.ChannelKind(env.ChannelName), env.Notification)
	case env.Error != nil:
		p.handler.OnVenueError(ctx, thalex.ClassifyVenueError(env.Error.Code, env.Error.Message))
	case env.Result != nil:
		p.dispatchResult(ctx, env.Result)
	default:
		observability.Log().Debug("unrecognized frame skipped")
	}
}

func (p *Pipeline) dispatchChannel(ctx context.Context, channel schema.ChannelKind, payload json.RawMessage) {
	switch channel {
	case schema.ChannelOrders:
		var orders []schema.Order
		if err := json.Unmarshal(payload, &orders); err != nil {
			p.skip(channel, err)
			return
		}
		p.handler.OnOrders(ctx, orders)
	case schema.ChannelPortfolio:
		var entries []schema.PortfolioEntry
		if err := json.Unmarshal(payload, &entries); err != nil {
			p.skip(channel, err)
			return
		}
		p.handler.OnPortfolio(ctx, entries)
	case schema.ChannelTrades:
		var trades schema.TradesNotification
		if err := json.Unmarshal(payload, &trades); err != nil {
			p.skip(channel, err)
			return
		}
		p.handler.OnTrades(ctx, trades)
	default:
		observability.Log().Debug("unhandled channel", observability.F("channel", channel))
	}
}

// dispatchResult classifies bare request results by payload shape: account
// summaries carry an account_number, tickers carry both best prices, and
// order-status refreshes carry a client order id with a status.
func (p *Pipeline) dispatchResult(ctx context.Context, result json.RawMessage) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(result, &keys); err != nil {
		// results that are not objects (e.g. "ok" acknowledgements) are ignored
		observability.Log().Debug("non-object result skipped")
		return
	}

	switch {
	case hasKey(keys, "account_number"):
		var summary schema.AccountSummary
		if err := json.Unmarshal(result, &summary); err != nil {
			p.skip(schema.ChannelAccountSummary, err)
			return
		}
		p.handler.OnAccountSummary(ctx, summary)
	case hasKey(keys, "best_bid_price") && hasKey(keys, "best_ask_price"):
		var ticker schema.TickerData
		if err := json.Unmarshal(result, &ticker); err != nil {
			p.skip(schema.ChannelTicker, err)
			return
		}
		p.handler.OnTicker(ctx, ticker)
	case hasKey(keys, "client_order_id") && hasKey(keys, "status"):
		var order schema.Order
		if err := json.Unmarshal(result, &order); err != nil {
			p.skip(schema.ChannelOrders, err)
			return
		}
		p.handler.OnOrders(ctx, []schema.Order{order})
	default:
		observability.Log().Debug("result without routable shape skipped")
	}
}

func hasKey(keys map[string]json.RawMessage, name string) bool {
	_, ok := keys[name]
	return ok
}

func (p *Pipeline) skip(channel schema.ChannelKind, err error) {
	observability.Log().Warn(fmt.Sprintf("malformed %s payload skipped", channel), observability.F("error", err))
}
