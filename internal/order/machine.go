// Package order implements the order lifecycle state machine.
//
// The machine is a pure transition table: source state x event -> destination
// state. Events that have no entry for the current state are invalid and are
// dropped with a warning rather than reordered or retried, which is what
// makes replayed push frames and late poll results safe to apply blindly.
// All I/O lives in the callers; the machine only mutates order records and
// fires a synchronous state-change cue.
package order

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"hyperliquid-sidecar/pkg/types"
)

// State is an order lifecycle state.
type State string

const (
	Pending         State = "pending"
	Submitted       State = "submitted"
	Open            State = "open"
	PartiallyFilled State = "partially_filled"
	Filled          State = "filled"
	Cancelled       State = "cancelled"
	Rejected        State = "rejected"
	Expired         State = "expired"
	Failed          State = "failed"
)

// Terminal reports whether a state has no outgoing transitions.
func (s State) Terminal() bool {
	switch s {
	case Filled, Cancelled, Rejected, Expired, Failed:
		return true
	}
	return false
}

// Event triggers a state transition.
type Event string

const (
	Submit       Event = "submit"
	ConfirmOpen  Event = "confirm_open"
	PartialFill  Event = "partial_fill"
	CompleteFill Event = "complete_fill"
	Cancel       Event = "cancel"
	Reject       Event = "reject"
	Expire       Event = "expire"
	Fail         Event = "fail"
)

// transitions is the complete lifecycle table. A Submitted order may fill
// immediately without ever being confirmed open (taker orders).
var transitions = map[State]map[Event]State{
	Pending: {
		Submit: Submitted,
		Fail:   Failed,
	},
	Submitted: {
		ConfirmOpen:  Open,
		CompleteFill: Filled,
		Reject:       Rejected,
		Fail:         Failed,
	},
	Open: {
		PartialFill:  PartiallyFilled,
		CompleteFill: Filled,
		Cancel:       Cancelled,
		Expire:       Expired,
		Reject:       Rejected,
	},
	PartiallyFilled: {
		PartialFill:  PartiallyFilled,
		CompleteFill: Filled,
		Cancel:       Cancelled,
		Expire:       Expired,
	},
}

// Errors returned by Trigger.
var (
	ErrUnknownOrder      = errors.New("order: unknown tracking id")
	ErrDuplicateOrder    = errors.New("order: tracking id already exists")
	ErrInvalidTransition = errors.New("order: invalid transition")
)

// EventData carries the payload of a transition event. Zero fields are
// ignored by the handlers.
type EventData struct {
	FillSize        decimal.Decimal
	FillPrice       decimal.Decimal
	ExchangeOrderID int64
	Reason          string
}

// Transition is one applied state change, kept in the order's bounded
// history.
type Transition struct {
	From   State
	To     State
	Event  Event
	Reason string
	At     time.Time
}

// historyLimit bounds the per-order transition history.
const historyLimit = 10

// Context is the record tracked per order.
type Context struct {
	TrackingID      string
	ExchangeOrderID int64 // 0 until learned from a fill or status frame
	User            types.Address
	AssetIndex      int
	Coin            string
	IsBuy           bool
	Price           decimal.Decimal
	Size            decimal.Decimal
	FilledSize      decimal.Decimal
	RemainingSize   decimal.Decimal
	AvgFillPrice    decimal.Decimal
	OrderType       types.OrderType
	TimeInForce     types.TimeInForce

	State         State
	PreviousState State
	Reason        string // cancel/reject/fail reason, when applicable

	CreatedAt   time.Time
	SubmittedAt time.Time
	LastUpdated time.Time

	History []Transition
}

// Change is the state-change cue fired after every applied transition.
type Change struct {
	Order Context // snapshot after the transition
	From  State
	Event Event
	Data  EventData
}

// Machine holds every tracked order and applies events against the
// transition table. Safe for concurrent use.
type Machine struct {
	mu     sync.Mutex
	orders map[string]*Context

	// observer is invoked synchronously after each transition, outside the
	// machine lock, with a copy of the order.
	observer func(Change)

	logger *slog.Logger
}

// NewMachine creates an empty machine. The observer may be nil.
func NewMachine(observer func(Change), logger *slog.Logger) *Machine {
	return &Machine{
		orders:   make(map[string]*Context),
		observer: observer,
		logger:   logger.With("component", "order_machine"),
	}
}

// Create registers a new order in the Pending state.
func (m *Machine) Create(ctx Context) error {
	if ctx.TrackingID == "" {
		return fmt.Errorf("order: empty tracking id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[ctx.TrackingID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, ctx.TrackingID)
	}

	now := time.Now()
	ctx.State = Pending
	ctx.RemainingSize = ctx.Size.Sub(ctx.FilledSize)
	if ctx.CreatedAt.IsZero() {
		ctx.CreatedAt = now
	}
	ctx.LastUpdated = now

	m.orders[ctx.TrackingID] = &ctx
	m.logger.Info("order created", "tracking_id", ctx.TrackingID, "user", ctx.User, "coin", ctx.Coin)
	return nil
}

// Trigger applies an event to an order. Invalid transitions return
// ErrInvalidTransition and leave the order untouched.
func (m *Machine) Trigger(trackingID string, event Event, data EventData) error {
	m.mu.Lock()

	o, ok := m.orders[trackingID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownOrder, trackingID)
	}

	next, ok := transitions[o.State][event]
	if !ok {
		state := o.State
		m.mu.Unlock()
		m.logger.Warn("invalid transition dropped",
			"tracking_id", trackingID, "state", state, "event", event)
		return fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, event, state)
	}

	m.apply(o, event, next, data)
	change := Change{Order: *o, From: o.PreviousState, Event: event, Data: data}
	m.mu.Unlock()

	m.logger.Info("order transitioned",
		"tracking_id", trackingID, "from", change.From, "to", change.Order.State, "event", event)

	if m.observer != nil {
		m.observer(change)
	}
	return nil
}

// apply mutates the order for an accepted transition. Caller holds m.mu.
func (m *Machine) apply(o *Context, event Event, next State, data EventData) {
	now := time.Now()

	if data.ExchangeOrderID != 0 && o.ExchangeOrderID == 0 {
		o.ExchangeOrderID = data.ExchangeOrderID
	}

	switch event {
	case Submit:
		o.SubmittedAt = now
	case PartialFill:
		o.FilledSize = o.FilledSize.Add(data.FillSize)
		if o.FilledSize.GreaterThan(o.Size) {
			o.FilledSize = o.Size
		}
		o.RemainingSize = o.Size.Sub(o.FilledSize)
		if data.FillPrice.Sign() > 0 {
			o.AvgFillPrice = data.FillPrice
		}
	case CompleteFill:
		o.FilledSize = o.Size
		o.RemainingSize = decimal.Zero
		if data.FillPrice.Sign() > 0 {
			o.AvgFillPrice = data.FillPrice
		}
	case Cancel, Reject, Expire, Fail:
		if data.Reason != "" {
			o.Reason = data.Reason
		}
	}

	o.PreviousState = o.State
	o.State = next
	o.LastUpdated = now

	o.History = append(o.History, Transition{
		From:   o.PreviousState,
		To:     next,
		Event:  event,
		Reason: data.Reason,
		At:     now,
	})
	if len(o.History) > historyLimit {
		o.History = o.History[len(o.History)-historyLimit:]
	}
}

// Get returns a copy of an order's context.
func (m *Machine) Get(trackingID string) (Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[trackingID]
	if !ok {
		return Context{}, false
	}
	return *o, true
}

// ByUser returns copies of every order belonging to a user.
func (m *Machine) ByUser(user types.Address) []Context {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Context
	for _, o := range m.orders {
		if o.User == user {
			out = append(out, *o)
		}
	}
	return out
}

// ByState returns copies of every order currently in the given state.
func (m *Machine) ByState(state State) []Context {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Context
	for _, o := range m.orders {
		if o.State == state {
			out = append(out, *o)
		}
	}
	return out
}

// Remove drops an order from the machine.
func (m *Machine) Remove(trackingID string) {
	m.mu.Lock()
	delete(m.orders, trackingID)
	m.mu.Unlock()
}

// CleanupTerminal removes terminal orders whose last update is older than
// maxAge, returning how many were pruned.
func (m *Machine) CleanupTerminal(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, o := range m.orders {
		if o.State.Terminal() && o.LastUpdated.Before(cutoff) {
			delete(m.orders, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("pruned terminal orders", "count", removed)
	}
	return removed
}

// Stats summarizes the machine's population.
type Stats struct {
	Total    int           `json:"total"`
	Active   int           `json:"active"`
	Terminal int           `json:"terminal"`
	ByState  map[State]int `json:"byState"`
}

// Statistics returns the current order population breakdown.
func (m *Machine) Statistics() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{ByState: make(map[State]int)}
	for _, o := range m.orders {
		stats.Total++
		stats.ByState[o.State]++
		if o.State.Terminal() {
			stats.Terminal++
		} else {
			stats.Active++
		}
	}
	return stats
}
