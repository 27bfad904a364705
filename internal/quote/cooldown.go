// Package quote contains the quoting policy: spread/size computation, the
// per-side cooldown and recovery state machine, and order reconciliation.
package quote

import (
	"sync"
	"time"

	"github.com/marketcraft/quoterd/internal/config"
	"github.com/marketcraft/quoterd/internal/schema"
)

// Phase describes a side's position in the fill cooldown state machine.
type Phase int

const (
	// PhaseNormal quotes with the regular spread.
	PhaseNormal Phase = iota
	// PhaseCooldown withdraws the side from the market entirely.
	PhaseCooldown
	// PhaseRecovery requotes the side with a widened spread.
	PhaseRecovery
)

func (p Phase) String() string {
	switch p {
	case PhaseCooldown:
		return "cooldown"
	case PhaseRecovery:
		return "recovery"
	default:
		return "normal"
	}
}

type sideWindows struct {
	lastFill      time.Time
	cooldownUntil time.Time
	recoveryUntil time.Time
}

// CooldownTracker drives the per-side cooldown/recovery state machine from
// fill events. A new fill restarts both windows from the new fill time; there
// is no accumulation across fills. For each side the invariant
// recoveryUntil >= cooldownUntil >= lastFill holds whenever set.
type CooldownTracker struct {
	mu       sync.Mutex
	cooldown map[schema.Side]time.Duration
	recovery map[schema.Side]time.Duration
	windows  map[schema.Side]sideWindows
}

// NewCooldownTracker builds a tracker with the configured per-side durations.
func NewCooldownTracker(cfg *config.Config) *CooldownTracker {
	return &CooldownTracker{
		cooldown: map[schema.Side]time.Duration{
			schema.SideBid: cfg.BidFillCooldown,
			schema.SideAsk: cfg.AskFillCooldown,
		},
		recovery: map[schema.Side]time.Duration{
			schema.SideBid: cfg.BidFillRecovery,
			schema.SideAsk: cfg.AskFillRecovery,
		},
		windows: make(map[schema.Side]sideWindows),
	}
}

// RecordFill restarts the side's cooldown and recovery windows from fillTime.
func (t *CooldownTracker) RecordFill(side schema.Side, fillTime time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cooldownUntil := fillTime.Add(t.cooldown[side])
	t.windows[side] = sideWindows{
		lastFill:      fillTime,
		cooldownUntil: cooldownUntil,
		recoveryUntil: cooldownUntil.Add(t.recovery[side]),
	}
}

// Phase returns the side's phase at the given instant. Phases decay
// naturally: cooldown while now < cooldownUntil, recovery until recoveryUntil,
// normal afterwards. Cooldown takes precedence over recovery.
func (t *CooldownTracker) Phase(side schema.Side, now time.Time) Phase {
	t.mu.Lock()
	w, ok := t.windows[side]
	t.mu.Unlock()
	if !ok {
		return PhaseNormal
	}
	if now.Before(w.cooldownUntil) {
		return PhaseCooldown
	}
	if now.Before(w.recoveryUntil) {
		return PhaseRecovery
	}
	return PhaseNormal
}

// Windows exposes the side's current thresholds for logging; the boolean is
// false when the side has never been filled.
func (t *CooldownTracker) Windows(side schema.Side) (cooldownUntil, recoveryUntil time.Time, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, present := t.windows[side]
	if !present {
		return time.Time{}, time.Time{}, false
	}
	return w.cooldownUntil, w.recoveryUntil, true
}
