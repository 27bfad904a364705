package quote

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/marketcraft/quoterd/internal/exchange"
	"github.com/marketcraft/quoterd/internal/observability"
)

// defaultSettleWait gives in-flight venue responses time to drain after a
// cancel-all before quoting resumes.
const defaultSettleWait = 2 * time.Second

// Desync flattens venue state when the local order cache can no longer be
// trusted: cancel everything, forget everything, wait, then let the next
// cycle rebuild from scratch. Re-entrant triggers while a recovery is in
// progress collapse into it.
type Desync struct {
	client     exchange.Client
	reconciler *Reconciler
	settleWait time.Duration

	inProgress atomic.Bool
}

// NewDesync builds the recovery handler around the shared reconciler cache.
func NewDesync(client exchange.Client, reconciler *Reconciler) *Desync {
	return &Desync{client: client, reconciler: reconciler, settleWait: defaultSettleWait}
}

// InProgress reports whether a recovery is currently running.
func (d *Desync) InProgress() bool {
	return d.inProgress.Load()
}

// Recover runs one full desync recovery. It returns immediately when another
// recovery is already running.
func (d *Desync) Recover(ctx context.Context) error {
	if !d.inProgress.CompareAndSwap(false, true) {
		observability.Log().Debug("desync recovery already in progress")
		return nil
	}
	defer d.inProgress.Store(false)

	observability.Log().Warn("order state desync detected, cancelling all session orders")

	if err := d.client.CancelAll(ctx); err != nil {
		return fmt.Errorf("desync cancel-all: %w", err)
	}
	d.reconciler.Reset()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d.settleWait):
	}

	observability.Log().Info("desync recovery complete, quoting resumes")
	return nil
}
