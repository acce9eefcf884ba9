// Package tracker implements hybrid order tracking: push events from the
// upstream feed drive state transitions with low latency, and a polling
// fallback covers orders the push channel has gone silent on.
//
// Correlation is the hard part. A fill frame carries the exchange order id
// (oid) but a freshly signed order does not know its oid yet, so fills are
// matched either by a previously bound oid or heuristically by asset, size
// and order age; the winning match binds the oid for all future frames.
//
// All tracker mutations happen under the service mutex; the polling loop
// batches info queries per user but applies transitions one order at a time.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"hyperliquid-sidecar/internal/config"
	"hyperliquid-sidecar/internal/exchange"
	"hyperliquid-sidecar/internal/order"
	"hyperliquid-sidecar/pkg/types"
)

// Strategy selects how an individual order is tracked.
type Strategy string

const (
	StrategyHybrid        Strategy = "hybrid"
	StrategyWebsocketOnly Strategy = "websocket_only"
	StrategyPollingOnly   Strategy = "polling_only"
)

// InfoAPI is the slice of the exchange client the tracker needs.
type InfoAPI interface {
	OpenOrders(ctx context.Context, user types.Address) ([]types.OpenOrder, error)
	UserFills(ctx context.Context, user types.Address) ([]types.Fill, error)
}

// sizeTolerance is the slack allowed when matching a fill to an order by
// size instead of oid.
var sizeTolerance = decimal.NewFromFloat(0.001)

// oidBindingMaxAge bounds how old an order may be and still claim an
// unmatched fill heuristically.
const oidBindingMaxAge = 5 * time.Minute

// recentEventsLimit bounds the per-order event ring buffer.
const recentEventsLimit = 10

// tracked is the per-order tracking state, separate from the order context
// held by the state machine.
type tracked struct {
	trackingID string
	user       types.Address
	strategy   Strategy
	createdAt  time.Time
	lastPush   time.Time
	lastPoll   time.Time
	pushEvents int
	pollCount  int
	active     bool
	recent     []string       // ring buffer of event descriptions
	seenTids   map[int64]bool // trade ids already applied; replays are dropped
}

func (t *tracked) note(format string, args ...any) {
	t.recent = append(t.recent, fmt.Sprintf(format, args...))
	if len(t.recent) > recentEventsLimit {
		t.recent = t.recent[len(t.recent)-recentEventsLimit:]
	}
}

// Service tracks a cohort of orders against the state machine.
type Service struct {
	mu       sync.Mutex
	trackers map[string]*tracked
	oidIndex map[int64]string // exchange order id -> tracking id

	machine *order.Machine
	api     InfoAPI
	cfg     config.TrackerConfig
	logger  *slog.Logger

	// OnTrackingDone, when set, is called after a tracker is dropped in
	// cleanup, with the final order context.
	OnTrackingDone func(order.Context)
}

// NewService creates the tracker service.
func NewService(machine *order.Machine, api InfoAPI, cfg config.TrackerConfig, logger *slog.Logger) *Service {
	return &Service{
		trackers: make(map[string]*tracked),
		oidIndex: make(map[int64]string),
		machine:  machine,
		api:      api,
		cfg:      cfg,
		logger:   logger.With("component", "tracker"),
	}
}

// Track registers an order with the state machine and starts tracking it.
// The order is created Pending and immediately submitted.
func (s *Service) Track(ctx order.Context, strategy Strategy) error {
	if strategy == "" {
		strategy = StrategyHybrid
	}

	s.mu.Lock()
	if len(s.trackers) >= s.cfg.MaxTracked {
		s.mu.Unlock()
		return fmt.Errorf("tracker: at capacity (%d orders)", s.cfg.MaxTracked)
	}
	s.mu.Unlock()

	if err := s.machine.Create(ctx); err != nil {
		return err
	}
	if err := s.machine.Trigger(ctx.TrackingID, order.Submit, order.EventData{
		ExchangeOrderID: ctx.ExchangeOrderID,
	}); err != nil {
		return err
	}

	s.mu.Lock()
	s.trackers[ctx.TrackingID] = &tracked{
		trackingID: ctx.TrackingID,
		user:       ctx.User,
		strategy:   strategy,
		createdAt:  time.Now(),
		active:     true,
		seenTids:   make(map[int64]bool),
	}
	if ctx.ExchangeOrderID != 0 {
		s.oidIndex[ctx.ExchangeOrderID] = ctx.TrackingID
	}
	s.mu.Unlock()

	s.logger.Info("tracking order",
		"tracking_id", ctx.TrackingID, "user", ctx.User, "strategy", strategy)
	return nil
}

// StopTracking deactivates an order's tracker. The order record stays in
// the machine until terminal pruning.
func (s *Service) StopTracking(trackingID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trackers[trackingID]
	if !ok {
		return false
	}
	t.active = false
	return true
}

// HandlePush consumes a demultiplexed userEvents frame.
func (s *Service) HandlePush(ev exchange.UserEvents) {
	for _, fill := range ev.Data.Fills {
		s.handleFill(ev.User, fill)
	}
	for _, upd := range ev.Data.Orders {
		s.handleOrderUpdate(upd)
	}
}

// handleFill correlates one fill to a tracked order and dispatches the
// corresponding transition.
func (s *Service) handleFill(user types.Address, fill types.Fill) {
	trackingID := s.correlate(user, fill)
	if trackingID == "" {
		s.logger.Debug("fill did not match any tracked order",
			"user", user, "oid", fill.Oid, "coin", fill.Coin)
		return
	}

	// The exchange can replay a fill across reconnects; the trade id makes
	// the push path idempotent. Fills without a tid are applied as-is.
	if fill.Tid != 0 {
		s.mu.Lock()
		if t, ok := s.trackers[trackingID]; ok {
			if t.seenTids[fill.Tid] {
				s.mu.Unlock()
				s.logger.Debug("replayed fill ignored",
					"tracking_id", trackingID, "tid", fill.Tid)
				return
			}
			t.seenTids[fill.Tid] = true
		}
		s.mu.Unlock()
	}

	o, ok := s.machine.Get(trackingID)
	if !ok {
		return
	}

	event := order.PartialFill
	if fill.Sz.GreaterThanOrEqual(o.RemainingSize) {
		event = order.CompleteFill
	}

	// A partial fill can arrive before any open confirmation; the fill
	// itself proves the order reached the book.
	if event == order.PartialFill && o.State == order.Submitted {
		if err := s.machine.Trigger(trackingID, order.ConfirmOpen, order.EventData{
			ExchangeOrderID: fill.Oid,
		}); err != nil {
			s.logger.Warn("implicit open confirmation dropped", "tracking_id", trackingID, "error", err)
		}
	}

	err := s.machine.Trigger(trackingID, event, order.EventData{
		FillSize:        fill.Sz,
		FillPrice:       fill.Px,
		ExchangeOrderID: fill.Oid,
	})

	s.mu.Lock()
	if t, ok := s.trackers[trackingID]; ok {
		t.lastPush = time.Now()
		t.pushEvents++
		t.note("push fill %s@%s oid=%d", fill.Sz, fill.Px, fill.Oid)
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("push fill dropped", "tracking_id", trackingID, "error", err)
	}
}

// correlate resolves a fill to a tracking id: exact oid match first, then a
// heuristic match against the user's young oid-less orders. A heuristic
// match binds the oid for future frames.
func (s *Service) correlate(user types.Address, fill types.Fill) string {
	s.mu.Lock()
	if id, ok := s.oidIndex[fill.Oid]; ok {
		s.mu.Unlock()
		return id
	}
	s.mu.Unlock()

	for _, o := range s.machine.ByUser(user) {
		if o.ExchangeOrderID != 0 || o.State.Terminal() {
			continue
		}
		if o.Coin != fill.Coin {
			continue
		}
		if o.Size.Sub(fill.Sz).Abs().GreaterThan(sizeTolerance) {
			continue
		}

		s.mu.Lock()
		t, ok := s.trackers[o.TrackingID]
		young := ok && time.Since(t.createdAt) < oidBindingMaxAge
		if young {
			s.oidIndex[fill.Oid] = o.TrackingID
		}
		s.mu.Unlock()

		if young {
			s.logger.Info("bound exchange order id",
				"tracking_id", o.TrackingID, "oid", fill.Oid)
			return o.TrackingID
		}
	}
	return ""
}

// handleOrderUpdate maps an order status entry onto a transition.
func (s *Service) handleOrderUpdate(upd types.OrderUpdate) {
	s.mu.Lock()
	trackingID, ok := s.oidIndex[upd.Oid]
	if ok {
		if t, found := s.trackers[trackingID]; found {
			t.lastPush = time.Now()
			t.pushEvents++
			t.note("push status %s oid=%d", upd.Status, upd.Oid)
		}
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	var err error
	switch upd.Status {
	case "open":
		err = s.machine.Trigger(trackingID, order.ConfirmOpen, order.EventData{ExchangeOrderID: upd.Oid})
	case "cancelled", "canceled":
		err = s.machine.Trigger(trackingID, order.Cancel, order.EventData{Reason: "cancelled_by_exchange"})
	case "rejected":
		reason := upd.RejectReason
		if reason == "" {
			reason = "rejected_by_exchange"
		}
		err = s.machine.Trigger(trackingID, order.Reject, order.EventData{Reason: reason})
	default:
		s.logger.Debug("unhandled order status", "status", upd.Status, "oid", upd.Oid)
	}
	if err != nil {
		s.logger.Warn("push status dropped", "tracking_id", trackingID, "error", err)
	}
}

// Run drives the polling and cleanup loops until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	pollTicker := time.NewTicker(s.cfg.PollInterval)
	defer pollTicker.Stop()
	cleanupTicker := time.NewTicker(s.cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pollTicker.C:
			s.pollOnce(ctx)
		case <-cleanupTicker.C:
			s.cleanup()
		}
	}
}

// usePollingFallback decides whether an order needs a poll right now.
func (s *Service) usePollingFallback(t *tracked, now time.Time) bool {
	switch t.strategy {
	case StrategyWebsocketOnly:
		return false
	case StrategyPollingOnly:
		return true
	}
	// Hybrid: poll once the push channel has been silent too long, or has
	// never spoken for an order old enough to expect news about.
	if !t.lastPush.IsZero() {
		return now.Sub(t.lastPush) > s.cfg.WSTimeout
	}
	return now.Sub(t.createdAt) > s.cfg.WSTimeout
}

// pollOnce reconciles every due order against the exchange, one info query
// batch per user.
func (s *Service) pollOnce(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	due := make(map[types.Address][]string)
	for id, t := range s.trackers {
		if !t.active || !s.usePollingFallback(t, now) {
			continue
		}
		if o, ok := s.machine.Get(id); !ok || o.State.Terminal() {
			continue
		}
		due[t.user] = append(due[t.user], id)
		t.lastPoll = now
		t.pollCount++
	}
	s.mu.Unlock()

	for user, ids := range due {
		s.pollUser(ctx, user, ids)
	}
}

// pollUser fetches the user's open orders once and reconciles each due
// order against them.
func (s *Service) pollUser(ctx context.Context, user types.Address, trackingIDs []string) {
	open, err := s.api.OpenOrders(ctx, user)
	if err != nil {
		s.logger.Warn("open orders poll failed", "user", user, "error", err)
		return
	}

	openOids := make(map[int64]bool, len(open))
	for _, oo := range open {
		openOids[oo.Order.Oid] = true
	}

	for _, id := range trackingIDs {
		o, ok := s.machine.Get(id)
		if !ok || o.State.Terminal() {
			continue
		}
		if o.ExchangeOrderID == 0 {
			// Nothing to reconcile against until an oid is bound.
			continue
		}

		if openOids[o.ExchangeOrderID] {
			if o.State == order.Pending || o.State == order.Submitted {
				if err := s.machine.Trigger(id, order.ConfirmOpen, order.EventData{}); err != nil {
					s.logger.Warn("poll confirm dropped", "tracking_id", id, "error", err)
				}
				s.noteTracked(id, "poll confirmed open oid=%d", o.ExchangeOrderID)
			}
			continue
		}

		s.resolveMissing(ctx, user, o)
	}
}

// resolveMissing handles an order that has disappeared from the open set:
// either it filled (fills exist for its oid) or it was cancelled.
func (s *Service) resolveMissing(ctx context.Context, user types.Address, o order.Context) {
	fills, err := s.api.UserFills(ctx, user)
	if err != nil {
		s.logger.Warn("user fills poll failed", "user", user, "error", err)
		return
	}

	createdMs := o.CreatedAt.UnixMilli()
	total := decimal.Zero
	notional := decimal.Zero
	for _, f := range fills {
		if f.Oid != o.ExchangeOrderID || f.Time < createdMs {
			continue
		}
		total = total.Add(f.Sz)
		notional = notional.Add(f.Px.Mul(f.Sz))
	}

	if total.Sign() > 0 {
		avg := notional.Div(total)
		err = s.machine.Trigger(o.TrackingID, order.CompleteFill, order.EventData{
			FillSize:  total,
			FillPrice: avg,
		})
		s.noteTracked(o.TrackingID, "poll resolved fill %s@%s", total, avg)
	} else {
		err = s.machine.Trigger(o.TrackingID, order.Cancel, order.EventData{
			Reason: "not_in_open_orders",
		})
		s.noteTracked(o.TrackingID, "poll resolved cancel")
	}
	if err != nil {
		s.logger.Warn("poll resolution dropped", "tracking_id", o.TrackingID, "error", err)
	}
}

func (s *Service) noteTracked(id, format string, args ...any) {
	s.mu.Lock()
	if t, ok := s.trackers[id]; ok {
		t.note(format, args...)
	}
	s.mu.Unlock()
}

// cleanup drops trackers that are done: explicitly stopped, expired, or in
// a terminal state. The machine also prunes its own old terminal records.
func (s *Service) cleanup() {
	now := time.Now()

	s.mu.Lock()
	var done []string
	for id, t := range s.trackers {
		expired := now.Sub(t.createdAt) >= s.cfg.TrackDuration
		terminal := false
		if o, ok := s.machine.Get(id); ok {
			terminal = o.State.Terminal()
		}
		if !t.active || expired || terminal {
			done = append(done, id)
		}
	}
	for _, id := range done {
		delete(s.trackers, id)
	}
	for oid, id := range s.oidIndex {
		if _, ok := s.trackers[id]; !ok {
			delete(s.oidIndex, oid)
		}
	}
	s.mu.Unlock()

	for _, id := range done {
		if o, ok := s.machine.Get(id); ok {
			s.logger.Info("tracking completed",
				"tracking_id", id, "state", o.State, "filled", o.FilledSize)
			if s.OnTrackingDone != nil {
				s.OnTrackingDone(o)
			}
		}
	}

	s.machine.CleanupTerminal(time.Hour)
}

// Details describes one tracked order for the status API.
type Details struct {
	Order      order.Context `json:"order"`
	Strategy   Strategy      `json:"strategy"`
	Active     bool          `json:"active"`
	CreatedAt  time.Time     `json:"createdAt"`
	LastPush   time.Time     `json:"lastPush"`
	LastPoll   time.Time     `json:"lastPoll"`
	PushEvents int           `json:"pushEvents"`
	PollCount  int           `json:"pollCount"`
	Recent     []string      `json:"recentEvents,omitempty"`
}

// Details returns the tracking view of one order.
func (s *Service) Details(trackingID string) (Details, bool) {
	o, ok := s.machine.Get(trackingID)
	if !ok {
		return Details{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trackers[trackingID]
	if !ok {
		return Details{Order: o}, true
	}
	return Details{
		Order:      o,
		Strategy:   t.strategy,
		Active:     t.active,
		CreatedAt:  t.createdAt,
		LastPush:   t.lastPush,
		LastPoll:   t.lastPoll,
		PushEvents: t.pushEvents,
		PollCount:  t.pollCount,
		Recent:     append([]string(nil), t.recent...),
	}, true
}

// Stats summarizes the tracker population for the status API.
type Stats struct {
	Tracked    int              `json:"tracked"`
	Capacity   int              `json:"capacity"`
	ByStrategy map[Strategy]int `json:"byStrategy"`
	Machine    order.Stats      `json:"machine"`
}

// Stats returns current tracking statistics.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	byStrategy := make(map[Strategy]int)
	for _, t := range s.trackers {
		byStrategy[t.strategy]++
	}
	tracked := len(s.trackers)
	s.mu.Unlock()

	return Stats{
		Tracked:    tracked,
		Capacity:   s.cfg.MaxTracked,
		ByStrategy: byStrategy,
		Machine:    s.machine.Statistics(),
	}
}
