// Package reconciler diffs successive account snapshots per user and turns
// the deltas into position lifecycle events: opened, closed, and unrealized
// PnL threshold crossings.
//
// Close detection is snapshot-based. When a position present in the prior
// frame is absent (or zero) in the current one, the recent close fills are
// queried to recover the exit price and realized PnL; if that lookup fails
// the prior snapshot's own figures are used as a fallback.
package reconciler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"hyperliquid-sidecar/internal/exchange"
	"hyperliquid-sidecar/pkg/types"
)

// closeFillWindow bounds how far back the close-fill lookup reaches.
const closeFillWindow = 10 * time.Minute

// pnlThresholds are the absolute unrealized PnL percentages that trigger an
// alert, lowest first. Only the highest newly crossed threshold fires, and
// each fires at most once per position episode.
var pnlThresholds = []float64{10, 25, 50}

// EventKind labels a reconciler event.
type EventKind string

const (
	EventPositionOpened EventKind = "position_opened"
	EventPositionClosed EventKind = "position_closed"
	EventPnlThreshold   EventKind = "pnl_threshold"
)

// Event is one position lifecycle observation.
type Event struct {
	Kind EventKind
	User types.Address
	Coin string

	// Position is the current snapshot for opened and threshold events,
	// and the last known snapshot for closed events.
	Position types.PositionSnapshot

	// Close details, set for EventPositionClosed.
	ExitPrice  decimal.Decimal
	ClosedSize decimal.Decimal
	ClosedPnl  decimal.Decimal

	// Threshold details, set for EventPnlThreshold.
	PnlPct    float64
	Threshold float64
}

// CloseFillAPI is the slice of the exchange client the reconciler needs.
type CloseFillAPI interface {
	RecentCloseFills(ctx context.Context, user types.Address, window time.Duration) ([]types.Fill, error)
}

// Reconciler holds per-user prior snapshots between account frames.
type Reconciler struct {
	mu    sync.Mutex
	prior map[types.Address]map[string]types.PositionSnapshot
	// fired tracks the highest threshold already alerted per open position,
	// keyed by user then coin. Cleared when the position flattens.
	fired map[types.Address]map[string]float64

	api    CloseFillAPI
	logger *slog.Logger

	// OnEvent, when set, receives every emitted event synchronously.
	OnEvent func(Event)
}

// New creates a reconciler.
func New(api CloseFillAPI, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		prior:  make(map[types.Address]map[string]types.PositionSnapshot),
		fired:  make(map[types.Address]map[string]float64),
		api:    api,
		logger: logger.With("component", "reconciler"),
	}
}

// HandleAccount diffs one webData2 frame against the user's prior snapshot
// and emits the resulting events.
func (r *Reconciler) HandleAccount(ctx context.Context, upd exchange.AccountUpdate) {
	if upd.Data.ClearinghouseState == nil {
		return
	}

	current := make(map[string]types.PositionSnapshot)
	for _, ap := range upd.Data.ClearinghouseState.AssetPositions {
		p := ap.Position
		if p.Szi.IsZero() {
			continue
		}
		current[p.Coin] = types.PositionSnapshot{
			Coin:          p.Coin,
			Size:          p.Szi,
			EntryPx:       p.EntryPx,
			UnrealizedPnl: p.UnrealizedPnl,
		}
	}

	var events []Event
	var closed []types.PositionSnapshot

	r.mu.Lock()
	prior := r.prior[upd.User]

	for coin, snap := range current {
		prev, existed := prior[coin]
		if !existed || prev.Flat() {
			events = append(events, Event{
				Kind:     EventPositionOpened,
				User:     upd.User,
				Coin:     coin,
				Position: snap,
			})
		}
		if ev, ok := r.checkThresholdLocked(upd.User, snap); ok {
			events = append(events, ev)
		}
	}

	for coin, prev := range prior {
		if prev.Flat() {
			continue
		}
		if _, still := current[coin]; !still {
			closed = append(closed, prev)
			delete(r.fired[upd.User], coin)
		}
	}

	r.prior[upd.User] = current
	r.mu.Unlock()

	// Close resolution talks to the exchange, so it runs outside the lock.
	for _, prev := range closed {
		events = append(events, r.resolveClose(ctx, upd.User, prev))
	}

	for _, ev := range events {
		r.logger.Info("position event",
			"kind", ev.Kind, "user", ev.User, "coin", ev.Coin)
		if r.OnEvent != nil {
			r.OnEvent(ev)
		}
	}
}

// checkThresholdLocked computes the unrealized PnL percentage for an open
// position and returns a threshold event if a new high-water threshold was
// crossed. Caller holds r.mu.
func (r *Reconciler) checkThresholdLocked(user types.Address, snap types.PositionSnapshot) (Event, bool) {
	basis := snap.Size.Abs().Mul(snap.EntryPx)
	if basis.IsZero() {
		return Event{}, false
	}
	pct, _ := snap.UnrealizedPnl.Div(basis).Mul(decimal.NewFromInt(100)).Float64()

	abs := pct
	if abs < 0 {
		abs = -abs
	}
	var crossed float64
	for _, t := range pnlThresholds {
		if abs >= t {
			crossed = t
		}
	}
	if crossed == 0 {
		return Event{}, false
	}

	// One high-water mark per coin, not one flag per threshold: after a 25%
	// alert, a retreat to 12% does not re-arm the 10% key. Marks clear only
	// when the position flattens.
	if r.fired[user] == nil {
		r.fired[user] = make(map[string]float64)
	}
	if r.fired[user][snap.Coin] >= crossed {
		return Event{}, false
	}
	r.fired[user][snap.Coin] = crossed

	return Event{
		Kind:      EventPnlThreshold,
		User:      user,
		Coin:      snap.Coin,
		Position:  snap,
		PnlPct:    pct,
		Threshold: crossed,
	}, true
}

// resolveClose builds the close event for a flattened position, preferring
// actual close fills over the stale snapshot.
func (r *Reconciler) resolveClose(ctx context.Context, user types.Address, prev types.PositionSnapshot) Event {
	ev := Event{
		Kind:     EventPositionClosed,
		User:     user,
		Coin:     prev.Coin,
		Position: prev,
		// Snapshot fallback, overwritten if a close fill is found.
		ExitPrice:  prev.EntryPx,
		ClosedSize: prev.Size.Abs(),
		ClosedPnl:  prev.UnrealizedPnl,
	}

	fills, err := r.api.RecentCloseFills(ctx, user, closeFillWindow)
	if err != nil {
		r.logger.Warn("close fill lookup failed, using snapshot",
			"user", user, "coin", prev.Coin, "error", err)
		return ev
	}

	var newest *types.Fill
	for i := range fills {
		f := &fills[i]
		if f.Coin != prev.Coin {
			continue
		}
		if newest == nil || f.Time > newest.Time {
			newest = f
		}
	}
	if newest != nil {
		ev.ExitPrice = newest.Px
		ev.ClosedSize = newest.Sz
		ev.ClosedPnl = newest.ClosedPnl
	}
	return ev
}

// DropUser forgets all reconciliation state for a user, typically when the
// last downstream subscriber for that user disconnects.
func (r *Reconciler) DropUser(user types.Address) {
	r.mu.Lock()
	delete(r.prior, user)
	delete(r.fired, user)
	r.mu.Unlock()
}

// Users returns the number of users with retained snapshots.
func (r *Reconciler) Users() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.prior)
}
