package quote

import (
	"math"

	"github.com/marketcraft/quoterd/internal/config"
	"github.com/marketcraft/quoterd/internal/schema"
)

// Input carries everything the engine needs to price one quote cycle.
// Optional observations are nil when unknown.
type Input struct {
	Mid        float64
	BestBid    *float64
	BestAsk    *float64
	Position   *float64
	Volatility *float64
	BidPhase   Phase
	AskPhase   Phase
}

// SideQuote is the desired price and size for one side.
type SideQuote struct {
	Price float64
	Size  float64
}

// Quote is the engine's desired two-sided quote.
type Quote struct {
	Bid          SideQuote
	Ask          SideQuote
	BidSpreadBps float64
	AskSpreadBps float64
}

// Engine computes desired quotes as a pure function of market state,
// inventory, volatility, and the per-side cooldown phase.
type Engine struct {
	cfg  *config.Config
	inst schema.Instrument
}

// NewEngine builds a quote engine for the configured instrument.
func NewEngine(cfg *config.Config, inst schema.Instrument) *Engine {
	return &Engine{cfg: cfg, inst: inst}
}

// Compute returns the desired quote, or ok=false when quoting must be
// skipped: the position is still unknown, or both sides are cooling down.
func (e *Engine) Compute(in Input) (Quote, bool) {
	if in.Position == nil {
		return Quote{}, false
	}
	if in.BidPhase == PhaseCooldown && in.AskPhase == PhaseCooldown {
		return Quote{}, false
	}

	baseSpread := e.cfg.MinSpreadBps
	if in.Volatility != nil {
		baseSpread = e.cfg.MinSpreadBps +
			(e.cfg.MaxSpreadBps-e.cfg.MinSpreadBps)*(*in.Volatility)*e.cfg.VolatilityMultiplier
	}

	// Inventory skew: the side that would add to the imbalance pays a
	// quadratic penalty; the opposite side is unaffected.
	position := *in.Position
	clamped := math.Max(math.Min(position, e.cfg.MaxPosition), -e.cfg.MaxPosition)
	positionFactor := (math.Abs(clamped) / e.cfg.MaxPosition) * (math.Abs(clamped) / e.cfg.MaxPosition)

	bidSpread := baseSpread
	askSpread := baseSpread
	if position > 0 {
		bidSpread = baseSpread * (1 + positionFactor)
	} else if position < 0 {
		askSpread = baseSpread * (1 + positionFactor)
	}

	if in.BidPhase == PhaseRecovery {
		bidSpread *= e.cfg.RecoverySpreadMultiplier
	}
	if in.AskPhase == PhaseRecovery {
		askSpread *= e.cfg.RecoverySpreadMultiplier
	}

	// Each side sits half its spread away from mid.
	bidPrice := e.inst.RoundPrice(in.Mid - bidSpread/2/10000*in.Mid)
	askPrice := e.inst.RoundPrice(in.Mid + askSpread/2/10000*in.Mid)

	// Never cross the visible market: clamp to one tick outside the
	// reference price on the same side of the book.
	if in.BestBid != nil && bidPrice >= *in.BestBid {
		bidPrice = e.inst.RoundPrice(*in.BestBid - e.cfg.PriceTick)
	}
	if in.BestAsk != nil && askPrice <= *in.BestAsk {
		askPrice = e.inst.RoundPrice(*in.BestAsk + e.cfg.PriceTick)
	}

	sizeScale := 1.0
	if in.Volatility != nil {
		sizeScale = 1 / (1 + (*in.Volatility)*e.cfg.VolatilityMultiplier)
	}
	adjusted := e.cfg.BaseSize * sizeScale

	var bidSize, askSize float64
	switch {
	case position >= e.cfg.MaxPosition:
		// at or beyond the long limit the bid side stops entirely
		bidSize = 0
		askSize = e.inst.RoundSize(math.Max(math.Min(adjusted, e.cfg.MaxPosition+position), 0))
	case position <= -e.cfg.MaxPosition:
		bidSize = e.inst.RoundSize(math.Max(math.Min(adjusted, e.cfg.MaxPosition-position), 0))
		askSize = 0
	default:
		bidSize = e.inst.RoundSize(math.Max(math.Min(adjusted, e.cfg.MaxPosition-position), 0))
		askSize = e.inst.RoundSize(math.Max(math.Min(adjusted, e.cfg.MaxPosition+position), 0))
	}

	return Quote{
		Bid:          SideQuote{Price: bidPrice, Size: bidSize},
		Ask:          SideQuote{Price: askPrice, Size: askSize},
		BidSpreadBps: bidSpread,
		AskSpreadBps: askSpread,
	}, true
}
