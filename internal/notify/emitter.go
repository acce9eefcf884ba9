package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"hyperliquid-sidecar/internal/linkstore"
	"hyperliquid-sidecar/internal/order"
	"hyperliquid-sidecar/internal/reconciler"
	"hyperliquid-sidecar/pkg/types"
)

// dedupWindow buckets repeated notifications: at most one message per
// (user, asset, kind) within this window.
const dedupWindow = 30 * time.Second

// sendTimeout bounds one delivery attempt, retries included.
const sendTimeout = 25 * time.Second

// Instrumentation receives delivery outcomes. All methods must be cheap.
type Instrumentation interface {
	RecordNotification(kind string)
	RecordSuppressed(reason string)
}

// Emitter routes order changes and position events to linked Telegram
// chats. Unlinked users are dropped silently. A nil link store disables the
// emitter entirely; the rest of the sidecar runs without notifications.
type Emitter struct {
	sender Sender
	links  *linkstore.Store
	logger *slog.Logger

	// Metrics may be nil; every use is guarded.
	Metrics Instrumentation

	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewEmitter creates an emitter.
func NewEmitter(sender Sender, links *linkstore.Store, logger *slog.Logger) *Emitter {
	return &Emitter{
		sender: sender,
		links:  links,
		logger: logger.With("component", "emitter"),
		seen:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// HandleOrderChange consumes one state machine transition. Only transitions
// a user would act on become messages; intermediate bookkeeping stays quiet.
func (e *Emitter) HandleOrderChange(ch order.Change) {
	if e.links == nil {
		return
	}
	o := ch.Order

	var kind, text string
	switch o.State {
	case order.Filled:
		kind = "fill"
		text = fmt.Sprintf("✅ *Order Filled*\n%s %s %s @ %s",
			o.Coin, side(o.IsBuy), o.FilledSize, o.AvgFillPrice)
	case order.PartiallyFilled:
		kind = "partial_fill"
		text = fmt.Sprintf("🔄 *Partial Fill*\n%s %s %s of %s @ %s",
			o.Coin, side(o.IsBuy), o.FilledSize, o.Size, o.AvgFillPrice)
	case order.Cancelled:
		kind = "cancel"
		text = fmt.Sprintf("❌ *Order Cancelled*\n%s %s %s (%s)",
			o.Coin, side(o.IsBuy), o.Size, o.Reason)
	case order.Rejected:
		kind = "reject"
		text = fmt.Sprintf("🚫 *Order Rejected*\n%s %s %s (%s)",
			o.Coin, side(o.IsBuy), o.Size, o.Reason)
	default:
		return
	}

	settings := e.links.Settings(o.User)
	if !settings.FillNotifications {
		return
	}
	notional := o.AvgFillPrice.Mul(o.FilledSize)
	if (kind == "fill" || kind == "partial_fill") && notional.LessThan(settings.MinNotionalValue) {
		return
	}

	if e.deliver(o.User, o.Coin, kind, text) && o.State == order.Filled {
		e.links.RecordFill(o.User, notional, decimal.Zero)
	}
}

// HandlePosition consumes one reconciler event.
func (e *Emitter) HandlePosition(ev reconciler.Event) {
	if e.links == nil {
		return
	}
	settings := e.links.Settings(ev.User)
	if !settings.PnlAlerts {
		return
	}

	var kind, text string
	switch ev.Kind {
	case reconciler.EventPositionOpened:
		kind = "position_open"
		text = fmt.Sprintf("📈 *Position Opened*\n%s %s @ %s",
			ev.Coin, ev.Position.Size, ev.Position.EntryPx)
	case reconciler.EventPositionClosed:
		kind = "position_close"
		if ev.ClosedPnl.Abs().LessThan(settings.MinNotionalValue) {
			return
		}
		text = fmt.Sprintf("🏁 *Position Closed*\n%s %s @ %s, PnL %s",
			ev.Coin, ev.ClosedSize, ev.ExitPrice, ev.ClosedPnl)
		e.links.RecordFill(ev.User, decimal.Zero, ev.ClosedPnl)
	case reconciler.EventPnlThreshold:
		kind = fmt.Sprintf("pnl_%g", ev.Threshold)
		text = fmt.Sprintf("⚠️ *PnL Alert*\n%s unrealized PnL is %.1f%% (%s)",
			ev.Coin, ev.PnlPct, ev.Position.UnrealizedPnl)
	default:
		return
	}

	e.deliver(ev.User, ev.Coin, kind, text)
}

// HandleLiquidation consumes a liquidation event from the user event stream.
// Liquidations bypass the notional floor; there is no amount small enough to
// keep quiet about.
func (e *Emitter) HandleLiquidation(user types.Address, liq types.Liquidation) {
	if e.links == nil {
		return
	}
	if !e.links.Settings(user).LiquidationWarnings {
		return
	}
	text := fmt.Sprintf("🚨 *Liquidation*\n%s liquidated, notional %s, account value %s",
		user.Short(), liq.LiquidatedNtlPos, liq.LiquidatedAccountValue)
	e.deliver(user, "", "liquidation", text)
}

// deliver applies the chat link and dedup gate, then sends. Reports whether
// a message went out.
func (e *Emitter) deliver(user types.Address, coin, kind, text string) bool {
	if !e.sender.Enabled() {
		return false
	}
	chatID, ok := e.links.ChatID(user)
	if !ok {
		e.logger.Debug("no chat linked", "user", user, "kind", kind)
		return false
	}
	if !e.allow(user, coin, kind) {
		e.logger.Debug("suppressed duplicate notification",
			"user", user, "coin", coin, "kind", kind)
		if e.Metrics != nil {
			e.Metrics.RecordSuppressed("duplicate")
		}
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := e.sender.SendMessage(ctx, chatID, text); err != nil {
		e.logger.Warn("notification send failed",
			"user", user, "kind", kind, "error", err)
		return false
	}
	e.links.RecordNotification(user)
	if e.Metrics != nil {
		e.Metrics.RecordNotification(kind)
	}
	return true
}

// allow enforces the per-(user, asset, kind) dedup window.
func (e *Emitter) allow(user types.Address, coin, kind string) bool {
	key := fmt.Sprintf("%s|%s|%s", user, coin, kind)
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if last, ok := e.seen[key]; ok && now.Sub(last) < dedupWindow {
		return false
	}
	e.seen[key] = now

	// Opportunistic prune so the map does not grow without bound.
	if len(e.seen) > 4096 {
		for k, at := range e.seen {
			if now.Sub(at) >= dedupWindow {
				delete(e.seen, k)
			}
		}
	}
	return true
}

func side(isBuy bool) string {
	if isBuy {
		return "BUY"
	}
	return "SELL"
}
