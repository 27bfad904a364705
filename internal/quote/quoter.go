package quote

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/marketcraft/quoterd/errs"
	"github.com/marketcraft/quoterd/internal/config"
	"github.com/marketcraft/quoterd/internal/exchange"
	"github.com/marketcraft/quoterd/internal/observability"
	"github.com/marketcraft/quoterd/internal/schema"
	"github.com/marketcraft/quoterd/lib/async"
)

// Snapshot is a point-in-time view of the quoter's state for periodic
// logging and the CSV journal. Pointer fields are nil while unknown.
type Snapshot struct {
	Mid          *float64
	Position     *float64
	Volatility   *float64
	BidSpreadBps *float64
	AskSpreadBps *float64
	SizeScale    float64

	UnrealisedPnL      *float64
	SessionRealisedPnL *float64
	Fees               decimal.Decimal

	BidPhase Phase
	AskPhase Phase
}

// Quoter ties the notification stream to quoting decisions. It implements
// the pipeline handler surface and owns the mutable market view; every
// handler mutates state and schedules at most one recomputation on the
// single-worker pool, so quote cycles never interleave.
type Quoter struct {
	cfg        *config.Config
	engine     *Engine
	tracker    *CooldownTracker
	reconciler *Reconciler
	desync     *Desync
	pool       *async.Pool
	background conc.WaitGroup

	now func() time.Time

	// touched only from the pool worker
	prevBidPhase Phase
	prevAskPhase Phase

	cycles atomic.Uint64

	mu         sync.Mutex
	mid        *float64
	bestBid    *float64
	bestAsk    *float64
	position   *float64
	volatility *float64
	lastQuote  *Quote
	unrealised *float64
	realised   *float64
	fees       decimal.Decimal
}

// NewQuoter assembles the quoting core around a connected venue client.
func NewQuoter(cfg *config.Config, client exchange.Client) (*Quoter, error) {
	// one worker, one queued slot: cycles run strictly in order and a
	// trigger arriving mid-cycle coalesces into the queued recomputation
	pool, err := async.NewPool(1, 1)
	if err != nil {
		return nil, err
	}
	inst := schema.Instrument{Name: cfg.Instrument, PriceTick: cfg.PriceTick, SizeTick: cfg.SizeTick}
	reconciler := NewReconciler(cfg, client)
	return &Quoter{
		cfg:        cfg,
		engine:     NewEngine(cfg, inst),
		tracker:    NewCooldownTracker(cfg),
		reconciler: reconciler,
		desync:     NewDesync(client, reconciler),
		pool:       pool,
		now:        time.Now,
	}, nil
}

// Close drains in-flight cycles and background recoveries.
func (q *Quoter) Close(ctx context.Context) error {
	err := q.pool.Shutdown(ctx)
	q.background.Wait()
	return err
}

// SetVolatility installs the latest index volatility estimate and requotes.
func (q *Quoter) SetVolatility(ctx context.Context, vol float64) {
	q.mu.Lock()
	q.volatility = &vol
	q.mu.Unlock()
	q.schedule(ctx)
}

// OnTicker stores the fresh top of book and requotes around the new mid.
func (q *Quoter) OnTicker(ctx context.Context, ticker schema.TickerData) {
	mid := ticker.Mid()
	q.mu.Lock()
	q.mid = &mid
	bb, ba := ticker.BestBidPrice, ticker.BestAskPrice
	q.bestBid, q.bestAsk = &bb, &ba
	q.mu.Unlock()
	q.schedule(ctx)
}

// OnOrders folds authoritative order updates into the slot cache. A fill
// starts the side's cooldown from the time the notification is processed.
func (q *Quoter) OnOrders(ctx context.Context, orders []schema.Order) {
	changed := false
	for _, order := range orders {
		side, ok := q.reconciler.ApplyNotification(order)
		if !ok {
			continue
		}
		changed = true
		status := schema.ParseOrderStatus(order.Status)
		if status == schema.StatusFilled || status == schema.StatusPartiallyFilled {
			q.tracker.RecordFill(side, q.now())
			observability.Log().Info("quote filled",
				observability.F("side", side),
				observability.F("status", status),
				observability.F("price", order.Price))
		}
	}
	if changed {
		q.schedule(ctx)
	}
}

// OnPortfolio updates the tracked position. A payload without our instrument
// keeps the previous value; positions stay unknown until the first matching
// entry arrives, and no quote is placed before that.
func (q *Quoter) OnPortfolio(ctx context.Context, entries []schema.PortfolioEntry) {
	for _, entry := range entries {
		if entry.InstrumentName != q.cfg.Instrument {
			continue
		}
		pos := entry.Position
		q.mu.Lock()
		q.position = &pos
		q.mu.Unlock()
		q.schedule(ctx)
		return
	}
	observability.Log().Debug("portfolio update without quoted instrument")
}

// OnTrades accrues taker fees for our own executions and requotes once per
// notification regardless of how many trades it carries.
func (q *Quoter) OnTrades(ctx context.Context, trades schema.TradesNotification) {
	matched := false
	for _, trade := range trades.Trades {
		if trade.Label != q.cfg.OrderLabel || trade.Instrument != q.cfg.Instrument {
			continue
		}
		matched = true
		fee := schema.FeeAmount(trade.Amount, trade.Price, q.cfg.FeeRateBps)
		q.mu.Lock()
		q.fees = q.fees.Add(fee)
		q.mu.Unlock()
		observability.Log().Info("trade executed",
			observability.F("price", trade.Price),
			observability.F("amount", trade.Amount),
			observability.F("fee", fee))
	}
	if matched {
		q.schedule(ctx)
	}
}

// OnAccountSummary refreshes the PnL view used for periodic state logging.
func (q *Quoter) OnAccountSummary(_ context.Context, summary schema.AccountSummary) {
	u, r := summary.UnrealisedPnL, summary.SessionRealisedPnL
	q.mu.Lock()
	q.unrealised = &u
	q.realised = &r
	q.mu.Unlock()
}

// OnVenueError handles unsolicited error frames. An order-not-found here
// means the venue rejected an operation against an order we believe exists,
// so local state can no longer be trusted and a full desync recovery runs.
func (q *Quoter) OnVenueError(ctx context.Context, venueErr *errs.E) {
	if errs.IsOrderNotFound(venueErr) {
		if q.desync.InProgress() {
			return
		}
		q.background.Go(func() {
			if err := q.desync.Recover(ctx); err != nil && !errors.Is(err, context.Canceled) {
				observability.Log().Error("desync recovery failed", observability.F("error", err))
			}
			q.schedule(ctx)
		})
		return
	}
	observability.Log().Warn("venue error",
		observability.F("code", venueErr.RawCode),
		observability.F("message", venueErr.Error()))
}

// Snapshot returns the current market and accounting view.
func (q *Quoter) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	snap := Snapshot{
		Mid:                q.mid,
		Position:           q.position,
		Volatility:         q.volatility,
		SizeScale:          1,
		UnrealisedPnL:      q.unrealised,
		SessionRealisedPnL: q.realised,
		Fees:               q.fees,
		BidPhase:           q.tracker.Phase(schema.SideBid, q.now()),
		AskPhase:           q.tracker.Phase(schema.SideAsk, q.now()),
	}
	if q.volatility != nil {
		snap.SizeScale = 1 / (1 + (*q.volatility)*q.cfg.VolatilityMultiplier)
	}
	if q.lastQuote != nil {
		bid, ask := q.lastQuote.BidSpreadBps, q.lastQuote.AskSpreadBps
		snap.BidSpreadBps, snap.AskSpreadBps = &bid, &ask
	}
	return snap
}

// schedule queues one quote recomputation. A saturated pool means a
// recomputation is already pending, which will observe this update too.
func (q *Quoter) schedule(ctx context.Context) {
	if err := q.pool.Submit(ctx, q.quoteCycle); err != nil {
		if errors.Is(err, async.ErrSaturated) {
			return
		}
		observability.Log().Error("quote cycle submit failed", observability.F("error", err))
	}
}

func (q *Quoter) logPhaseChange(side schema.Side, prev *Phase, current Phase) {
	if *prev == current {
		return
	}
	observability.Log().Info("quoting phase changed",
		observability.F("side", side),
		observability.F("from", *prev),
		observability.F("to", current))
	*prev = current
}

// Cycles reports how many quote recomputations have started.
func (q *Quoter) Cycles() uint64 {
	return q.cycles.Load()
}

// quoteCycle recomputes the desired two-sided quote from the current view
// and reconciles both slots against it. Runs only on the pool worker.
func (q *Quoter) quoteCycle(ctx context.Context) error {
	q.cycles.Add(1)
	if q.desync.InProgress() {
		return nil
	}

	q.mu.Lock()
	mid, bestBid, bestAsk := q.mid, q.bestBid, q.bestAsk
	position, volatility := q.position, q.volatility
	q.mu.Unlock()

	if mid == nil || position == nil {
		return nil
	}

	now := q.now()
	bidPhase := q.tracker.Phase(schema.SideBid, now)
	askPhase := q.tracker.Phase(schema.SideAsk, now)
	q.logPhaseChange(schema.SideBid, &q.prevBidPhase, bidPhase)
	q.logPhaseChange(schema.SideAsk, &q.prevAskPhase, askPhase)

	if bidPhase == PhaseCooldown && askPhase == PhaseCooldown {
		if err := q.reconciler.Reconcile(ctx, schema.SideBid, 0, 0, true); err != nil {
			return err
		}
		return q.reconciler.Reconcile(ctx, schema.SideAsk, 0, 0, true)
	}

	desired, ok := q.engine.Compute(Input{
		Mid:        *mid,
		BestBid:    bestBid,
		BestAsk:    bestAsk,
		Position:   position,
		Volatility: volatility,
		BidPhase:   bidPhase,
		AskPhase:   askPhase,
	})
	if !ok {
		return nil
	}

	q.mu.Lock()
	q.lastQuote = &desired
	q.mu.Unlock()

	if err := q.reconciler.Reconcile(ctx, schema.SideBid, desired.Bid.Price, desired.Bid.Size, bidPhase == PhaseCooldown); err != nil {
		return err
	}
	return q.reconciler.Reconcile(ctx, schema.SideAsk, desired.Ask.Price, desired.Ask.Size, askPhase == PhaseCooldown)
}
