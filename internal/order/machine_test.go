package order

import (
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newOrder(id string, size string) Context {
	return Context{
		TrackingID: id,
		User:       "0xabcdef1234567890abcdef1234567890abcdef12",
		AssetIndex: 4,
		Coin:       "ETH",
		IsBuy:      true,
		Price:      decimal.RequireFromString("2500"),
		Size:       decimal.RequireFromString(size),
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestTransitionTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		events []Event
		want   State
	}{
		{"full lifecycle", []Event{Submit, ConfirmOpen, PartialFill, CompleteFill}, Filled},
		{"immediate fill from submitted", []Event{Submit, CompleteFill}, Filled},
		{"reject from submitted", []Event{Submit, Reject}, Rejected},
		{"cancel while open", []Event{Submit, ConfirmOpen, Cancel}, Cancelled},
		{"expire while partially filled", []Event{Submit, ConfirmOpen, PartialFill, Expire}, Expired},
		{"repeated partial fills", []Event{Submit, ConfirmOpen, PartialFill, PartialFill}, PartiallyFilled},
		{"fail before submit", []Event{Fail}, Failed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewMachine(nil, testLogger())
			if err := m.Create(newOrder("o1", "10")); err != nil {
				t.Fatal(err)
			}
			for _, ev := range tt.events {
				if err := m.Trigger("o1", ev, EventData{FillSize: dec("1"), FillPrice: dec("2500")}); err != nil {
					t.Fatalf("Trigger(%s): %v", ev, err)
				}
			}
			got, _ := m.Get("o1")
			if got.State != tt.want {
				t.Errorf("state = %s, want %s", got.State, tt.want)
			}
		})
	}
}

func TestInvalidTransitionsAreDropped(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup []Event
		event Event
	}{
		{"fill before submit", nil, CompleteFill},
		{"cancel before open", []Event{Submit}, Cancel},
		{"partial fill from submitted", []Event{Submit}, PartialFill},
		{"expire from pending", nil, Expire},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewMachine(nil, testLogger())
			if err := m.Create(newOrder("o1", "1")); err != nil {
				t.Fatal(err)
			}
			for _, ev := range tt.setup {
				if err := m.Trigger("o1", ev, EventData{}); err != nil {
					t.Fatal(err)
				}
			}
			before, _ := m.Get("o1")
			err := m.Trigger("o1", tt.event, EventData{})
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("err = %v, want ErrInvalidTransition", err)
			}
			after, _ := m.Get("o1")
			if after.State != before.State {
				t.Errorf("state changed on invalid event: %s -> %s", before.State, after.State)
			}
		})
	}
}

func TestTerminalStatesAcceptNoEvents(t *testing.T) {
	t.Parallel()

	m := NewMachine(nil, testLogger())
	if err := m.Create(newOrder("o1", "1")); err != nil {
		t.Fatal(err)
	}
	for _, ev := range []Event{Submit, CompleteFill} {
		if err := m.Trigger("o1", ev, EventData{}); err != nil {
			t.Fatal(err)
		}
	}

	for _, ev := range []Event{Submit, ConfirmOpen, PartialFill, CompleteFill, Cancel, Reject, Expire, Fail} {
		if err := m.Trigger("o1", ev, EventData{}); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Trigger(%s) on terminal order = %v, want ErrInvalidTransition", ev, err)
		}
	}
	got, _ := m.Get("o1")
	if got.State != Filled {
		t.Errorf("terminal state moved to %s", got.State)
	}
}

func TestFillAccountingInvariant(t *testing.T) {
	t.Parallel()

	m := NewMachine(nil, testLogger())
	if err := m.Create(newOrder("o1", "2.0")); err != nil {
		t.Fatal(err)
	}

	check := func(label string) {
		t.Helper()
		o, _ := m.Get("o1")
		if !o.FilledSize.Add(o.RemainingSize).Equal(o.Size) {
			t.Errorf("%s: filled %s + remaining %s != size %s", label, o.FilledSize, o.RemainingSize, o.Size)
		}
		if o.FilledSize.Sign() < 0 || o.FilledSize.GreaterThan(o.Size) {
			t.Errorf("%s: filled %s out of range", label, o.FilledSize)
		}
	}

	check("created")
	_ = m.Trigger("o1", Submit, EventData{})
	_ = m.Trigger("o1", ConfirmOpen, EventData{})

	_ = m.Trigger("o1", PartialFill, EventData{FillSize: dec("0.5"), FillPrice: dec("100")})
	check("first partial")
	o, _ := m.Get("o1")
	if !o.FilledSize.Equal(dec("0.5")) {
		t.Errorf("filled = %s, want 0.5", o.FilledSize)
	}

	// Oversized fill is capped at the order size.
	_ = m.Trigger("o1", PartialFill, EventData{FillSize: dec("5"), FillPrice: dec("100")})
	check("oversized partial")
	o, _ = m.Get("o1")
	if !o.FilledSize.Equal(dec("2.0")) {
		t.Errorf("filled = %s, want capped at 2.0", o.FilledSize)
	}

	_ = m.Trigger("o1", CompleteFill, EventData{FillPrice: dec("101")})
	check("complete")
	o, _ = m.Get("o1")
	if !o.RemainingSize.IsZero() {
		t.Errorf("remaining = %s after complete fill", o.RemainingSize)
	}
}

func TestObserverReceivesChanges(t *testing.T) {
	t.Parallel()

	var changes []Change
	m := NewMachine(func(c Change) { changes = append(changes, c) }, testLogger())

	if err := m.Create(newOrder("o1", "1")); err != nil {
		t.Fatal(err)
	}
	_ = m.Trigger("o1", Submit, EventData{})
	_ = m.Trigger("o1", CompleteFill, EventData{FillPrice: dec("2499"), ExchangeOrderID: 101})

	if len(changes) != 2 {
		t.Fatalf("observer saw %d changes, want 2", len(changes))
	}
	last := changes[1]
	if last.From != Submitted || last.Order.State != Filled || last.Event != CompleteFill {
		t.Errorf("change = %+v", last)
	}
	if last.Order.ExchangeOrderID != 101 {
		t.Errorf("exchange order id = %d, want 101 (lazily bound)", last.Order.ExchangeOrderID)
	}
}

func TestExchangeOrderIDBindsOnce(t *testing.T) {
	t.Parallel()

	m := NewMachine(nil, testLogger())
	if err := m.Create(newOrder("o1", "2")); err != nil {
		t.Fatal(err)
	}
	_ = m.Trigger("o1", Submit, EventData{})
	_ = m.Trigger("o1", ConfirmOpen, EventData{ExchangeOrderID: 42})
	_ = m.Trigger("o1", PartialFill, EventData{FillSize: dec("1"), ExchangeOrderID: 99})

	o, _ := m.Get("o1")
	if o.ExchangeOrderID != 42 {
		t.Errorf("exchange order id = %d, want first binding 42", o.ExchangeOrderID)
	}
}

func TestCreateRejectsDuplicates(t *testing.T) {
	t.Parallel()

	m := NewMachine(nil, testLogger())
	if err := m.Create(newOrder("o1", "1")); err != nil {
		t.Fatal(err)
	}
	if err := m.Create(newOrder("o1", "1")); !errors.Is(err, ErrDuplicateOrder) {
		t.Errorf("duplicate Create = %v, want ErrDuplicateOrder", err)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	t.Parallel()

	m := NewMachine(nil, testLogger())
	if err := m.Create(newOrder("o1", "100")); err != nil {
		t.Fatal(err)
	}
	_ = m.Trigger("o1", Submit, EventData{})
	_ = m.Trigger("o1", ConfirmOpen, EventData{})
	for i := 0; i < 20; i++ {
		_ = m.Trigger("o1", PartialFill, EventData{FillSize: dec("0.1")})
	}

	o, _ := m.Get("o1")
	if len(o.History) != historyLimit {
		t.Errorf("history length = %d, want %d", len(o.History), historyLimit)
	}
	// The tail must be the most recent transitions.
	if o.History[len(o.History)-1].Event != PartialFill {
		t.Errorf("last history entry = %+v", o.History[len(o.History)-1])
	}
}

func TestCleanupTerminalPrunesOldOrders(t *testing.T) {
	t.Parallel()

	m := NewMachine(nil, testLogger())
	_ = m.Create(newOrder("done", "1"))
	_ = m.Trigger("done", Submit, EventData{})
	_ = m.Trigger("done", CompleteFill, EventData{})
	_ = m.Create(newOrder("live", "1"))
	_ = m.Trigger("live", Submit, EventData{})

	// Backdate the terminal order past the cutoff.
	m.mu.Lock()
	m.orders["done"].LastUpdated = time.Now().Add(-2 * time.Hour)
	m.orders["live"].LastUpdated = time.Now().Add(-2 * time.Hour)
	m.mu.Unlock()

	if got := m.CleanupTerminal(time.Hour); got != 1 {
		t.Errorf("CleanupTerminal = %d, want 1", got)
	}
	if _, ok := m.Get("done"); ok {
		t.Error("terminal order survived cleanup")
	}
	if _, ok := m.Get("live"); !ok {
		t.Error("active order was pruned")
	}
}

func TestStatistics(t *testing.T) {
	t.Parallel()

	m := NewMachine(nil, testLogger())
	_ = m.Create(newOrder("a", "1"))
	_ = m.Create(newOrder("b", "1"))
	_ = m.Trigger("b", Submit, EventData{})
	_ = m.Trigger("b", CompleteFill, EventData{})

	stats := m.Statistics()
	if stats.Total != 2 || stats.Active != 1 || stats.Terminal != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.ByState[Pending] != 1 || stats.ByState[Filled] != 1 {
		t.Errorf("byState = %v", stats.ByState)
	}
}
