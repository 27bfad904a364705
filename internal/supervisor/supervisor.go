// Package supervisor owns the venue connection lifecycle: connect,
// authenticate, subscribe, keep the market data polls alive, and tear the
// session down when the stream dies so the process loop can start over.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"

	"github.com/marketcraft/quoterd/internal/config"
	"github.com/marketcraft/quoterd/internal/exchange"
	"github.com/marketcraft/quoterd/internal/observability"
	"github.com/marketcraft/quoterd/internal/pipeline"
	"github.com/marketcraft/quoterd/internal/schema"
)

// State is the supervisor's connection lifecycle state.
type State int

const (
	// StateDisconnected means no websocket session exists.
	StateDisconnected State = iota
	// StateConnecting means a transport connection attempt is running.
	StateConnecting
	// StateAuthenticating means the session exists but login has not finished.
	StateAuthenticating
	// StateSubscribed means the session is live and notifications flow.
	StateSubscribed
	// StateDegraded means the session failed and teardown is in progress.
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSubscribed:
		return "subscribed"
	case StateDegraded:
		return "degraded"
	default:
		return "disconnected"
	}
}

// teardownTimeout bounds the best-effort session cleanup after a failure.
const teardownTimeout = 5 * time.Second

// defaultSettleDelay spaces the handshake steps so the venue has applied the
// previous one before the next arrives.
const defaultSettleDelay = 250 * time.Millisecond

// subscriptions lists every private channel the quoter consumes.
var subscriptions = []string{
	string(schema.ChannelOrders),
	string(schema.ChannelPortfolio),
	string(schema.ChannelTrades),
}

// gate blocks callers until the session is authenticated and subscribed.
// Open and Close may be called repeatedly as sessions come and go.
type gate struct {
	mu   sync.Mutex
	open bool
	ch   chan struct{}
}

func newGate() *gate {
	return &gate{ch: make(chan struct{})}
}

func (g *gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		g.open = true
		close(g.ch)
	}
}

func (g *gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open {
		g.open = false
		g.ch = make(chan struct{})
	}
}

// Await blocks until the gate opens or the context expires.
func (g *gate) Await(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// Supervisor drives one full session: authenticated connection, gated data
// polls, and the notification pipeline. Run returns when the session ends.
type Supervisor struct {
	cfg         *config.Config
	client      exchange.Client
	pipeline    *pipeline.Pipeline
	gate        *gate
	settleDelay time.Duration

	mu    sync.Mutex
	state State
}

// New builds a supervisor around the client and an assembled pipeline.
func New(cfg *config.Config, client exchange.Client, pipe *pipeline.Pipeline) *Supervisor {
	return &Supervisor{
		cfg:         cfg,
		client:      client,
		pipeline:    pipe,
		gate:        newGate(),
		settleDelay: defaultSettleDelay,
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	observability.Log().Info("session state", observability.F("state", state))
}

// AwaitReady blocks until the session is authenticated and subscribed.
func (s *Supervisor) AwaitReady(ctx context.Context) error {
	return s.gate.Await(ctx)
}

// ConnectAndAuthenticate establishes an authenticated, subscribed session,
// retrying the whole sequence with exponential backoff up to the configured
// attempt budget. The final step sends the connection self-test queries whose
// results flow back through the notification stream.
func (s *Supervisor) ConnectAndAuthenticate(ctx context.Context) error {
	attempt := func() (struct{}, error) {
		return struct{}{}, s.establish(ctx)
	}
	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(s.cfg.ConnectAttempts)))
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("establish session: %w", err)
	}
	s.setState(StateSubscribed)
	return nil
}

func (s *Supervisor) establish(ctx context.Context) error {
	s.setState(StateConnecting)
	if err := s.client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	s.setState(StateAuthenticating)
	if err := s.settle(ctx); err != nil {
		s.disconnect()
		return err
	}
	if err := s.client.Login(ctx); err != nil {
		s.disconnect()
		return fmt.Errorf("login: %w", err)
	}
	if err := s.settle(ctx); err != nil {
		s.disconnect()
		return err
	}
	if err := s.client.SetCancelOnDisconnect(ctx, s.cfg.CancelOnDisconnect); err != nil {
		s.disconnect()
		return fmt.Errorf("cancel-on-disconnect: %w", err)
	}
	if err := s.client.PrivateSubscribe(ctx, subscriptions); err != nil {
		s.disconnect()
		return fmt.Errorf("subscribe: %w", err)
	}
	// self-test: both answers arrive on the stream and prove it is live
	if err := s.client.AccountSummary(ctx); err != nil {
		s.disconnect()
		return fmt.Errorf("self-test account summary: %w", err)
	}
	if err := s.client.Instrument(ctx, s.cfg.Instrument); err != nil {
		s.disconnect()
		return fmt.Errorf("self-test instrument: %w", err)
	}
	return nil
}

// Run executes one complete session: establish, open the gate, keep the
// ticker and account summary polls running, and drain the pipeline until it
// stops. A context cancellation is a clean shutdown and returns nil; a dead
// receiver returns pipeline.ErrReceiverStopped so the caller can start a
// fresh session.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.ConnectAndAuthenticate(ctx); err != nil {
		return err
	}
	s.gate.Open()

	pollCtx, stopPolls := context.WithCancel(ctx)
	var polls conc.WaitGroup
	polls.Go(func() { s.pollLoop(pollCtx, s.cfg.TickerPollInterval, s.ticker) })
	polls.Go(func() { s.pollLoop(pollCtx, s.cfg.AccountSummaryInterval, s.client.AccountSummary) })

	err := s.pipeline.Run(ctx)

	s.gate.Close()
	s.setState(StateDegraded)
	stopPolls()
	polls.Wait()
	s.teardown()
	s.setState(StateDisconnected)

	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Supervisor) settle(ctx context.Context) error {
	if s.settleDelay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.settleDelay):
		return nil
	}
}

func (s *Supervisor) ticker(ctx context.Context) error {
	return s.client.Ticker(ctx, s.cfg.Instrument)
}

// pollLoop issues fn on the interval while the session gate is open. A
// closed gate (transport fault, teardown) parks the loop instead of letting
// it hammer a dead session.
func (s *Supervisor) pollLoop(ctx context.Context, interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		return
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := s.gate.Await(ctx); err != nil {
				return
			}
			if !s.client.ConnectionHealthy() {
				observability.Log().Debug("connection unhealthy, skipping poll")
				continue
			}
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				observability.Log().Debug("poll failed", observability.F("error", err))
			}
		}
	}
}

// teardown makes a best-effort attempt to leave no session orders behind.
func (s *Supervisor) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if !s.client.Connected() {
		return
	}
	if err := s.client.CancelSession(ctx); err != nil {
		observability.Log().Warn("session cancel failed", observability.F("error", err))
	}
	s.disconnect()
}

func (s *Supervisor) disconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil {
		observability.Log().Warn("disconnect failed", observability.F("error", err))
	}
}
