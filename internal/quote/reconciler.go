package quote

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/marketcraft/quoterd/errs"
	"github.com/marketcraft/quoterd/internal/config"
	"github.com/marketcraft/quoterd/internal/exchange"
	"github.com/marketcraft/quoterd/internal/observability"
	"github.com/marketcraft/quoterd/internal/schema"
)

// statusRefreshWait bounds the single status-refresh retry used before
// cancelling an order of unknown state.
const statusRefreshWait = 100 * time.Millisecond

// slot is one of the two fixed quoting positions, bound to a permanent
// client order id. actionMu serializes reconciliation actions for the slot;
// stateMu guards the cached venue-confirmed state.
type slot struct {
	clientOrderID uint64

	actionMu sync.Mutex
	stateMu  sync.Mutex
	state    schema.SlotState
}

func (s *slot) snapshot() schema.SlotState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *slot) setState(state schema.SlotState) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
}

// Reconciler maps desired quotes onto insert/amend/cancel calls against the
// two fixed order slots, tracking venue-confirmed state per slot and
// resolving "already gone" races locally.
type Reconciler struct {
	cfg     *config.Config
	client  exchange.Client
	limiter *rate.Limiter
	slots   map[schema.Side]*slot
}

// NewReconciler builds the reconciler with one empty slot per side.
func NewReconciler(cfg *config.Config, client exchange.Client) *Reconciler {
	throttle := cfg.OrderThrottle
	if throttle <= 0 {
		throttle = 10
	}
	return &Reconciler{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(throttle), 1),
		slots: map[schema.Side]*slot{
			schema.SideBid: {clientOrderID: cfg.BidQuoteID, state: schema.SlotState{Status: schema.StatusNone, Side: schema.SideBid}},
			schema.SideAsk: {clientOrderID: cfg.AskQuoteID, state: schema.SlotState{Status: schema.StatusNone, Side: schema.SideAsk}},
		},
	}
}

// SideFor maps a client order id onto its quoting side.
func (r *Reconciler) SideFor(clientOrderID uint64) (schema.Side, bool) {
	switch clientOrderID {
	case r.cfg.BidQuoteID:
		return schema.SideBid, true
	case r.cfg.AskQuoteID:
		return schema.SideAsk, true
	default:
		return "", false
	}
}

// ApplyNotification records an authoritative order update into the slot cache.
// It returns the side and true when the order belongs to one of the slots.
func (r *Reconciler) ApplyNotification(order schema.Order) (schema.Side, bool) {
	side, ok := r.SideFor(order.ClientOrderID)
	if !ok {
		return "", false
	}
	r.slots[side].setState(schema.SlotState{
		Status: schema.ParseOrderStatus(order.Status),
		Price:  order.Price,
		Side:   side,
	})
	return side, true
}

// SlotState returns the cached confirmed state for the side.
func (r *Reconciler) SlotState(side schema.Side) schema.SlotState {
	return r.slots[side].snapshot()
}

// Reset clears both slot caches. Used by desync recovery after cancel-all.
func (r *Reconciler) Reset() {
	for side, s := range r.slots {
		s.setState(schema.SlotState{Status: schema.StatusNone, Side: side})
	}
}

// Reconcile converts the desired (price, size) for a side into at most one
// venue action. A side in cooldown is withdrawn from the market instead of
// requoted. At most one reconciliation action per slot is in flight at a
// time: a cycle arriving while the previous action runs waits on the slot.
func (r *Reconciler) Reconcile(ctx context.Context, side schema.Side, price, size float64, inCooldown bool) error {
	s := r.slots[side]
	s.actionMu.Lock()
	defer s.actionMu.Unlock()

	if inCooldown {
		return r.withdraw(ctx, s, side)
	}
	return r.adjust(ctx, s, side, price, size)
}

func (r *Reconciler) adjust(ctx context.Context, s *slot, side schema.Side, price, size float64) error {
	state := s.snapshot()

	if state.Status.IsOpen() {
		if size != 0 && math.Abs(state.Price-price) <= r.cfg.AmendThreshold {
			// resting close enough, leave it alone
			return nil
		}
		if err := r.throttle(ctx); err != nil {
			return err
		}
		if err := r.client.Amend(ctx, s.clientOrderID, price, size); err != nil {
			if errs.IsOrderNotFound(err) {
				// expected race: the order was filled or cancelled while we
				// amended; correct the cache and replace it when still wanted
				observability.Log().Debug("amend hit missing order",
					observability.F("side", side),
					observability.F("client_order_id", s.clientOrderID))
				s.setState(schema.SlotState{Status: schema.StatusUnknown, Price: price, Side: side})
				if size > 0 {
					return r.insert(ctx, s, side, price, size)
				}
				return nil
			}
			return fmt.Errorf("amend %s: %w", side, err)
		}
		s.setState(schema.SlotState{Status: schema.StatusOpen, Price: price, Side: side})
		observability.Log().Info("order amended",
			observability.F("side", side),
			observability.F("price", price),
			observability.F("size", size))
		return nil
	}

	if size > 0 {
		return r.insert(ctx, s, side, price, size)
	}
	return nil
}

func (r *Reconciler) insert(ctx context.Context, s *slot, side schema.Side, price, size float64) error {
	if err := r.throttle(ctx); err != nil {
		return err
	}
	err := r.client.Insert(ctx, exchange.InsertRequest{
		Side:          side,
		Price:         price,
		Amount:        size,
		Instrument:    r.cfg.Instrument,
		ClientOrderID: s.clientOrderID,
		Label:         r.cfg.OrderLabel,
	})
	if err != nil {
		return fmt.Errorf("insert %s: %w", side, err)
	}
	// optimistic: mark open before the confirmation arrives so the next
	// cycle does not double-submit; the order notification corrects this
	s.setState(schema.SlotState{Status: schema.StatusOpen, Price: price, Side: side})
	observability.Log().Info("order inserted",
		observability.F("side", side),
		observability.F("price", price),
		observability.F("size", size))
	return nil
}

// withdraw cancels the side's resting order during cooldown. Terminal orders
// need no action; unknown status triggers a single bounded refresh before
// deciding.
func (r *Reconciler) withdraw(ctx context.Context, s *slot, side schema.Side) error {
	state := s.snapshot()
	if state.Status.IsTerminal() || state.Status == schema.StatusNone {
		return nil
	}

	if state.Status == schema.StatusUnknown {
		if err := r.client.OrderStatus(ctx, s.clientOrderID); err != nil {
			observability.Log().Debug("status refresh failed",
				observability.F("side", side),
				observability.F("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(statusRefreshWait):
		}
		state = s.snapshot()
	}

	if !state.Status.IsOpen() {
		return nil
	}

	if err := r.throttle(ctx); err != nil {
		return err
	}
	if err := r.client.Cancel(ctx, s.clientOrderID); err != nil {
		if errs.IsOrderNotFound(err) {
			s.setState(schema.SlotState{Status: schema.StatusUnknown, Price: state.Price, Side: side})
			return nil
		}
		return fmt.Errorf("cancel %s: %w", side, err)
	}
	s.setState(schema.SlotState{Status: schema.StatusCancelled, Price: state.Price, Side: side})
	observability.Log().Info("order cancelled for cooldown", observability.F("side", side))
	return nil
}

func (r *Reconciler) throttle(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("order throttle: %w", err)
	}
	return nil
}
