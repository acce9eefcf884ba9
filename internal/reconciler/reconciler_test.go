package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"hyperliquid-sidecar/internal/exchange"
	"hyperliquid-sidecar/pkg/types"
)

const testUser = types.Address("0xabcdef1234567890abcdef1234567890abcdef12")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeFills struct {
	fills []types.Fill
	err   error
	calls int
}

func (f *fakeFills) RecentCloseFills(ctx context.Context, user types.Address, window time.Duration) ([]types.Fill, error) {
	f.calls++
	return f.fills, f.err
}

func newTestReconciler(api CloseFillAPI) (*Reconciler, *[]Event) {
	if api == nil {
		api = &fakeFills{}
	}
	r := New(api, testLogger())
	events := &[]Event{}
	r.OnEvent = func(ev Event) { *events = append(*events, ev) }
	return r, events
}

func frame(positions ...types.PositionData) exchange.AccountUpdate {
	aps := make([]types.AssetPosition, len(positions))
	for i, p := range positions {
		aps[i] = types.AssetPosition{Position: p}
	}
	return exchange.AccountUpdate{
		User: testUser,
		Data: types.AccountData{
			ClearinghouseState: &types.ClearinghouseState{AssetPositions: aps},
		},
	}
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func TestPositionOpenedOnFirstSight(t *testing.T) {
	t.Parallel()

	r, events := newTestReconciler(nil)
	r.HandleAccount(context.Background(), frame(types.PositionData{
		Coin: "ETH", Szi: dec("1.5"), EntryPx: dec("2500"), UnrealizedPnl: dec("0"),
	}))

	if len(*events) != 1 || (*events)[0].Kind != EventPositionOpened {
		t.Fatalf("events = %v", kinds(*events))
	}
	ev := (*events)[0]
	if ev.Coin != "ETH" || !ev.Position.Size.Equal(dec("1.5")) {
		t.Errorf("event = %+v", ev)
	}

	// Same position again: no repeat.
	r.HandleAccount(context.Background(), frame(types.PositionData{
		Coin: "ETH", Szi: dec("1.5"), EntryPx: dec("2500"), UnrealizedPnl: dec("10"),
	}))
	if len(*events) != 1 {
		t.Errorf("repeat frame emitted %v", kinds((*events)[1:]))
	}
}

func TestPositionClosedUsesRecentFill(t *testing.T) {
	t.Parallel()

	api := &fakeFills{fills: []types.Fill{
		{Coin: "BTC", Px: dec("64000"), Sz: dec("0.1"), Time: 100, Dir: "Close Long", ClosedPnl: dec("80")},
		{Coin: "ETH", Px: dec("2550"), Sz: dec("1.5"), Time: 200, Dir: "Close Long", ClosedPnl: dec("75")},
		{Coin: "ETH", Px: dec("2540"), Sz: dec("0.5"), Time: 150, Dir: "Close Long", ClosedPnl: dec("20")},
	}}
	r, events := newTestReconciler(api)

	r.HandleAccount(context.Background(), frame(types.PositionData{
		Coin: "ETH", Szi: dec("1.5"), EntryPx: dec("2500"), UnrealizedPnl: dec("0"),
	}))
	r.HandleAccount(context.Background(), frame()) // flattened

	if len(*events) != 2 {
		t.Fatalf("events = %v", kinds(*events))
	}
	ev := (*events)[1]
	if ev.Kind != EventPositionClosed {
		t.Fatalf("kind = %s", ev.Kind)
	}
	if !ev.ExitPrice.Equal(dec("2550")) {
		t.Errorf("exit price = %s, want newest ETH close fill 2550", ev.ExitPrice)
	}
	if !ev.ClosedPnl.Equal(dec("75")) {
		t.Errorf("closed pnl = %s, want 75", ev.ClosedPnl)
	}
}

func TestPositionClosedFallsBackToSnapshot(t *testing.T) {
	t.Parallel()

	api := &fakeFills{err: errors.New("info down")}
	r, events := newTestReconciler(api)

	r.HandleAccount(context.Background(), frame(types.PositionData{
		Coin: "ETH", Szi: dec("-2"), EntryPx: dec("2500"), UnrealizedPnl: dec("-40"),
	}))
	r.HandleAccount(context.Background(), frame())

	ev := (*events)[len(*events)-1]
	if ev.Kind != EventPositionClosed {
		t.Fatalf("kind = %s", ev.Kind)
	}
	if !ev.ExitPrice.Equal(dec("2500")) || !ev.ClosedSize.Equal(dec("2")) || !ev.ClosedPnl.Equal(dec("-40")) {
		t.Errorf("fallback close = %+v", ev)
	}
}

func TestThresholdFiresHighestOnce(t *testing.T) {
	t.Parallel()

	r, events := newTestReconciler(nil)

	// 1 ETH at entry 100: basis 100. UPnL 30 → 30%, crosses 10 and 25,
	// only 25 fires.
	r.HandleAccount(context.Background(), frame(types.PositionData{
		Coin: "ETH", Szi: dec("1"), EntryPx: dec("100"), UnrealizedPnl: dec("30"),
	}))

	var thresholds []float64
	for _, ev := range *events {
		if ev.Kind == EventPnlThreshold {
			thresholds = append(thresholds, ev.Threshold)
		}
	}
	if len(thresholds) != 1 || thresholds[0] != 25 {
		t.Fatalf("thresholds = %v, want [25]", thresholds)
	}

	// Still at 30%: no repeat alert.
	before := len(*events)
	r.HandleAccount(context.Background(), frame(types.PositionData{
		Coin: "ETH", Szi: dec("1"), EntryPx: dec("100"), UnrealizedPnl: dec("32"),
	}))
	if len(*events) != before {
		t.Errorf("repeat frame emitted %v", kinds((*events)[before:]))
	}

	// Climbs past 50: one more alert.
	r.HandleAccount(context.Background(), frame(types.PositionData{
		Coin: "ETH", Szi: dec("1"), EntryPx: dec("100"), UnrealizedPnl: dec("-55"),
	}))
	last := (*events)[len(*events)-1]
	if last.Kind != EventPnlThreshold || last.Threshold != 50 {
		t.Errorf("last event = %+v, want threshold 50", last)
	}
	if last.PnlPct > -54 || last.PnlPct < -56 {
		t.Errorf("pnl pct = %f, want about -55", last.PnlPct)
	}
}

func TestThresholdResetsOnFlatten(t *testing.T) {
	t.Parallel()

	r, events := newTestReconciler(&fakeFills{})

	open := frame(types.PositionData{
		Coin: "ETH", Szi: dec("1"), EntryPx: dec("100"), UnrealizedPnl: dec("15"),
	})
	r.HandleAccount(context.Background(), open)
	r.HandleAccount(context.Background(), frame())
	r.HandleAccount(context.Background(), open) // re-opened

	var thresholds int
	for _, ev := range *events {
		if ev.Kind == EventPnlThreshold {
			thresholds++
		}
	}
	if thresholds != 2 {
		t.Errorf("threshold events = %d, want 2 (episode state cleared on flatten)", thresholds)
	}
}

func TestZeroEntryPriceEmitsNoThreshold(t *testing.T) {
	t.Parallel()

	r, events := newTestReconciler(nil)
	r.HandleAccount(context.Background(), frame(types.PositionData{
		Coin: "ETH", Szi: dec("1"), EntryPx: dec("0"), UnrealizedPnl: dec("100"),
	}))

	for _, ev := range *events {
		if ev.Kind == EventPnlThreshold {
			t.Fatalf("threshold event with zero basis: %+v", ev)
		}
	}
}

func TestDropUserForgetsState(t *testing.T) {
	t.Parallel()

	r, events := newTestReconciler(&fakeFills{})
	r.HandleAccount(context.Background(), frame(types.PositionData{
		Coin: "ETH", Szi: dec("1"), EntryPx: dec("2500"), UnrealizedPnl: dec("0"),
	}))
	if r.Users() != 1 {
		t.Fatalf("users = %d", r.Users())
	}

	r.DropUser(testUser)
	if r.Users() != 0 {
		t.Fatalf("users = %d after drop", r.Users())
	}

	// A flat frame after the drop must not emit a phantom close.
	before := len(*events)
	r.HandleAccount(context.Background(), frame())
	if len(*events) != before {
		t.Errorf("events after drop = %v", kinds((*events)[before:]))
	}
}
