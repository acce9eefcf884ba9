package notify

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"hyperliquid-sidecar/internal/linkstore"
	"hyperliquid-sidecar/internal/order"
	"hyperliquid-sidecar/internal/reconciler"
	"hyperliquid-sidecar/pkg/types"
)

const testUser = types.Address("0xabcdef1234567890abcdef1234567890abcdef12")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recordedMessage struct {
	chatID int64
	text   string
}

type fakeSender struct {
	mu       sync.Mutex
	sent     []recordedMessage
	disabled bool
}

func (f *fakeSender) Enabled() bool { return !f.disabled }

func (f *fakeSender) SendMessage(ctx context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, recordedMessage{chatID, text})
	return nil
}

func (f *fakeSender) messages() []recordedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedMessage(nil), f.sent...)
}

func newTestEmitter(t *testing.T, link bool) (*Emitter, *fakeSender, *linkstore.Store) {
	t.Helper()
	links, err := linkstore.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if link {
		if err := links.Link(testUser, 4242); err != nil {
			t.Fatal(err)
		}
	}
	sender := &fakeSender{}
	return NewEmitter(sender, links, testLogger()), sender, links
}

func filledChange(coin string) order.Change {
	return order.Change{
		Order: order.Context{
			TrackingID:   "t1",
			User:         testUser,
			Coin:         coin,
			IsBuy:        true,
			Size:         dec("1.0"),
			FilledSize:   dec("1.0"),
			AvgFillPrice: dec("2500"),
			State:        order.Filled,
		},
		From:  order.Open,
		Event: order.CompleteFill,
	}
}

func TestFilledOrderNotifiesLinkedChat(t *testing.T) {
	t.Parallel()

	e, sender, links := newTestEmitter(t, true)
	e.HandleOrderChange(filledChange("ETH"))

	msgs := sender.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent = %d messages", len(msgs))
	}
	if msgs[0].chatID != 4242 {
		t.Errorf("chat = %d", msgs[0].chatID)
	}

	stats, _ := links.Stats(testUser)
	if stats.OrdersFilled != 1 || stats.Notifications != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestUnlinkedUserIsDroppedSilently(t *testing.T) {
	t.Parallel()

	e, sender, _ := newTestEmitter(t, false)
	e.HandleOrderChange(filledChange("ETH"))

	if len(sender.messages()) != 0 {
		t.Errorf("sent to unlinked user: %v", sender.messages())
	}
}

func TestSettingsGateAndNotionalFloor(t *testing.T) {
	t.Parallel()

	e, sender, links := newTestEmitter(t, true)

	settings := linkstore.DefaultSettings()
	settings.MinNotionalValue = dec("5000")
	if err := links.UpdateSettings(testUser, settings); err != nil {
		t.Fatal(err)
	}

	// Notional 2500 < floor 5000: suppressed.
	e.HandleOrderChange(filledChange("ETH"))
	if len(sender.messages()) != 0 {
		t.Fatalf("floor ignored: %v", sender.messages())
	}

	// Cancels are not notional-gated.
	cancel := filledChange("ETH")
	cancel.Order.State = order.Cancelled
	cancel.Order.Reason = "not_in_open_orders"
	e.HandleOrderChange(cancel)
	if len(sender.messages()) != 1 {
		t.Fatalf("cancel suppressed by notional floor")
	}

	// Fills off entirely.
	settings.FillNotifications = false
	settings.MinNotionalValue = decimal.Zero
	if err := links.UpdateSettings(testUser, settings); err != nil {
		t.Fatal(err)
	}
	e.HandleOrderChange(filledChange("BTC"))
	if len(sender.messages()) != 1 {
		t.Errorf("fill sent with notifications disabled")
	}
}

func TestDuplicateNotificationsSuppressed(t *testing.T) {
	t.Parallel()

	e, sender, _ := newTestEmitter(t, true)

	base := time.Now()
	e.now = func() time.Time { return base }

	e.HandleOrderChange(filledChange("ETH"))
	e.HandleOrderChange(filledChange("ETH")) // same window: dropped
	e.HandleOrderChange(filledChange("BTC")) // other asset: allowed
	if got := len(sender.messages()); got != 2 {
		t.Fatalf("sent = %d, want 2", got)
	}

	e.now = func() time.Time { return base.Add(dedupWindow + time.Second) }
	e.HandleOrderChange(filledChange("ETH"))
	if got := len(sender.messages()); got != 3 {
		t.Errorf("sent = %d after window elapsed, want 3", got)
	}
}

func TestIntermediateStatesStayQuiet(t *testing.T) {
	t.Parallel()

	e, sender, _ := newTestEmitter(t, true)

	ch := filledChange("ETH")
	ch.Order.State = order.Open
	ch.Event = order.ConfirmOpen
	e.HandleOrderChange(ch)

	ch.Order.State = order.Submitted
	ch.Event = order.Submit
	e.HandleOrderChange(ch)

	if len(sender.messages()) != 0 {
		t.Errorf("intermediate states produced messages: %v", sender.messages())
	}
}

func TestPositionEvents(t *testing.T) {
	t.Parallel()

	e, sender, links := newTestEmitter(t, true)

	e.HandlePosition(reconciler.Event{
		Kind: reconciler.EventPositionOpened,
		User: testUser,
		Coin: "ETH",
		Position: types.PositionSnapshot{
			Coin: "ETH", Size: dec("1.5"), EntryPx: dec("2500"),
		},
	})
	e.HandlePosition(reconciler.Event{
		Kind:      reconciler.EventPnlThreshold,
		User:      testUser,
		Coin:      "ETH",
		PnlPct:    26.4,
		Threshold: 25,
		Position:  types.PositionSnapshot{Coin: "ETH", UnrealizedPnl: dec("990")},
	})
	e.HandlePosition(reconciler.Event{
		Kind:       reconciler.EventPositionClosed,
		User:       testUser,
		Coin:       "ETH",
		ExitPrice:  dec("2550"),
		ClosedSize: dec("1.5"),
		ClosedPnl:  dec("75"),
	})

	if got := len(sender.messages()); got != 3 {
		t.Fatalf("sent = %d, want 3", got)
	}

	stats, _ := links.Stats(testUser)
	if !stats.RealizedPnl.Equal(dec("75")) {
		t.Errorf("realized pnl = %s", stats.RealizedPnl)
	}

	// PnL alerts off: everything position-related goes quiet.
	settings := linkstore.DefaultSettings()
	settings.PnlAlerts = false
	if err := links.UpdateSettings(testUser, settings); err != nil {
		t.Fatal(err)
	}
	e.HandlePosition(reconciler.Event{
		Kind: reconciler.EventPositionOpened, User: testUser, Coin: "BTC",
		Position: types.PositionSnapshot{Coin: "BTC", Size: dec("1")},
	})
	if got := len(sender.messages()); got != 3 {
		t.Errorf("sent = %d with pnl alerts disabled", got)
	}
}

func TestDisabledSenderSendsNothing(t *testing.T) {
	t.Parallel()

	e, sender, _ := newTestEmitter(t, true)
	sender.disabled = true

	e.HandleOrderChange(filledChange("ETH"))
	if len(sender.messages()) != 0 {
		t.Errorf("disabled sender delivered: %v", sender.messages())
	}
}

func TestLiquidationWarnings(t *testing.T) {
	t.Parallel()

	e, sender, links := newTestEmitter(t, true)

	liq := types.Liquidation{
		LiquidatedUser:         testUser.String(),
		LiquidatedNtlPos:       dec("12000"),
		LiquidatedAccountValue: dec("300"),
	}

	// Liquidations ignore the notional floor.
	settings := linkstore.DefaultSettings()
	settings.MinNotionalValue = dec("50000")
	if err := links.UpdateSettings(testUser, settings); err != nil {
		t.Fatal(err)
	}
	e.HandleLiquidation(testUser, liq)
	if len(sender.messages()) != 1 {
		t.Fatalf("liquidation not delivered: %v", sender.messages())
	}

	settings.LiquidationWarnings = false
	if err := links.UpdateSettings(testUser, settings); err != nil {
		t.Fatal(err)
	}
	e.now = func() time.Time { return time.Now().Add(dedupWindow + time.Second) }
	e.HandleLiquidation(testUser, liq)
	if len(sender.messages()) != 1 {
		t.Errorf("liquidation sent with warnings disabled")
	}
}

func TestNilLinkStoreDisablesEmitter(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	e := NewEmitter(sender, nil, testLogger())

	e.HandleOrderChange(filledChange("ETH"))
	e.HandlePosition(reconciler.Event{
		Kind: reconciler.EventPositionOpened,
		User: testUser,
		Coin: "ETH",
	})
	e.HandleLiquidation(testUser, types.Liquidation{LiquidatedNtlPos: dec("1000")})

	if len(sender.messages()) != 0 {
		t.Errorf("emitter without a link store sent %d message(s)", len(sender.messages()))
	}
}
