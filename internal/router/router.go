// Package router fans upstream exchange frames out to downstream websocket
// clients and reference-counts the upstream subscriptions behind them.
//
// Each downstream client follows at most one user at a time plus any number
// of candle streams. The upstream user subscription exists exactly while at
// least one client follows that user; when the last one leaves, the
// subscription is torn down and the drop hook fires so per-user state held
// elsewhere can be released too.
package router

import (
	"log/slog"
	"sync"

	"hyperliquid-sidecar/internal/exchange"
	"hyperliquid-sidecar/pkg/types"
)

// Upstream is the slice of the exchange feed the router drives.
type Upstream interface {
	Subscribe(sub types.Subscription) error
	Unsubscribe(sub types.Subscription) error
	SubscribeUser(user types.Address) error
	UnsubscribeUser(user types.Address) error
}

// Client is one downstream connection. Send must not block; it reports
// false when the frame was dropped.
type Client interface {
	ID() string
	Send(frame []byte) bool
}

// clientState is the router's view of one connection.
type clientState struct {
	client  Client
	user    types.Address // zero while not following anyone
	candles map[string]types.Subscription
}

// Router owns the downstream subscription table.
type Router struct {
	mu         sync.Mutex
	clients    map[string]*clientState
	userRefs   map[types.Address]int
	candleRefs map[string]int

	upstream Upstream
	logger   *slog.Logger

	// OnUserDropped fires after the last follower of a user disconnects or
	// switches away, with the router lock released.
	OnUserDropped func(types.Address)
}

// New creates a router.
func New(upstream Upstream, logger *slog.Logger) *Router {
	return &Router{
		clients:    make(map[string]*clientState),
		userRefs:   make(map[types.Address]int),
		candleRefs: make(map[string]int),
		upstream:   upstream,
		logger:     logger.With("component", "router"),
	}
}

// Register adds a connected client with no subscriptions.
func (r *Router) Register(c Client) {
	r.mu.Lock()
	r.clients[c.ID()] = &clientState{
		client:  c,
		candles: make(map[string]types.Subscription),
	}
	n := len(r.clients)
	r.mu.Unlock()

	r.logger.Info("client registered", "client", c.ID(), "clients", n)
}

// Unregister removes a client and releases everything it held.
func (r *Router) Unregister(clientID string) {
	r.mu.Lock()
	st, ok := r.clients[clientID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.clients, clientID)

	dropped := r.releaseUserLocked(st.user)
	for _, sub := range st.candles {
		r.releaseCandleLocked(sub)
	}
	n := len(r.clients)
	r.mu.Unlock()

	r.fireDrop(dropped)
	r.logger.Info("client unregistered", "client", clientID, "clients", n)
}

// SubscribeUserData points a client at a user's private streams. A client
// follows one user at a time; switching releases the previous user first.
func (r *Router) SubscribeUserData(clientID string, raw string) error {
	user, err := types.ParseAddress(raw)
	if err != nil {
		return err
	}

	r.mu.Lock()
	st, ok := r.clients[clientID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if st.user == user {
		r.mu.Unlock()
		return nil
	}

	dropped := r.releaseUserLocked(st.user)
	st.user = user
	r.userRefs[user]++
	first := r.userRefs[user] == 1
	r.mu.Unlock()

	r.fireDrop(dropped)

	if first {
		if err := r.upstream.SubscribeUser(user); err != nil {
			return err
		}
	}
	r.logger.Info("client follows user", "client", clientID, "user", user)
	return nil
}

// UnsubscribeUserData stops a client's user stream.
func (r *Router) UnsubscribeUserData(clientID string) {
	r.mu.Lock()
	st, ok := r.clients[clientID]
	var dropped types.Address
	if ok {
		dropped = r.releaseUserLocked(st.user)
		st.user = ""
	}
	r.mu.Unlock()

	r.fireDrop(dropped)
}

// SubscribeCandles adds a candle stream for a client.
func (r *Router) SubscribeCandles(clientID, coin, interval string) error {
	sub := types.Subscription{Type: types.ChannelCandle, Coin: coin, Interval: interval}
	key := sub.Key()

	r.mu.Lock()
	st, ok := r.clients[clientID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if _, dup := st.candles[key]; dup {
		r.mu.Unlock()
		return nil
	}
	st.candles[key] = sub
	r.candleRefs[key]++
	first := r.candleRefs[key] == 1
	r.mu.Unlock()

	if first {
		return r.upstream.Subscribe(sub)
	}
	return nil
}

// UnsubscribeCandles removes a candle stream for a client.
func (r *Router) UnsubscribeCandles(clientID, coin, interval string) {
	sub := types.Subscription{Type: types.ChannelCandle, Coin: coin, Interval: interval}
	key := sub.Key()

	r.mu.Lock()
	st, ok := r.clients[clientID]
	if ok {
		if _, held := st.candles[key]; held {
			delete(st.candles, key)
			r.releaseCandleLocked(sub)
		}
	}
	r.mu.Unlock()
}

// releaseUserLocked decrements a user refcount and tears down the upstream
// subscription when it hits zero. Returns the user to fire the drop hook
// for, or zero. Caller holds r.mu.
func (r *Router) releaseUserLocked(user types.Address) types.Address {
	if user == "" {
		return ""
	}
	r.userRefs[user]--
	if r.userRefs[user] > 0 {
		return ""
	}
	delete(r.userRefs, user)
	if err := r.upstream.UnsubscribeUser(user); err != nil {
		r.logger.Warn("upstream user unsubscribe failed", "user", user, "error", err)
	}
	return user
}

func (r *Router) releaseCandleLocked(sub types.Subscription) {
	key := sub.Key()
	r.candleRefs[key]--
	if r.candleRefs[key] > 0 {
		return
	}
	delete(r.candleRefs, key)
	if err := r.upstream.Unsubscribe(sub); err != nil {
		r.logger.Warn("upstream unsubscribe failed", "subscription", key, "error", err)
	}
}

func (r *Router) fireDrop(user types.Address) {
	if user != "" && r.OnUserDropped != nil {
		r.OnUserDropped(user)
	}
}

// BroadcastMids forwards an allMids payload to every connected client as a
// priceUpdate frame.
func (r *Router) BroadcastMids(payload []byte) {
	frame := types.StreamFrame{Type: types.ServerPriceUpdate, Data: payload}.Encode()
	for _, c := range r.snapshot(func(st *clientState) bool { return true }) {
		if !c.Send(frame) {
			r.logger.Warn("mids frame dropped", "client", c.ID())
		}
	}
}

// RouteUserEvents forwards a userEvents payload to the user's followers.
// An event without a user matches nobody; idle clients never see it.
func (r *Router) RouteUserEvents(ev exchange.UserEvents) {
	if ev.User == "" {
		return
	}
	frame := types.StreamFrame{Type: types.ServerUserEvents, Data: ev.Payload}.Encode()
	for _, c := range r.snapshot(func(st *clientState) bool { return st.user == ev.User }) {
		if !c.Send(frame) {
			r.logger.Warn("user events frame dropped", "client", c.ID(), "user", ev.User)
		}
	}
}

// RouteAccount forwards a webData2 payload to the user's followers as a
// userDataUpdate frame.
func (r *Router) RouteAccount(upd exchange.AccountUpdate) {
	if upd.User == "" {
		return
	}
	frame := types.StreamFrame{Type: types.ServerUserData, Data: upd.Payload}.Encode()
	for _, c := range r.snapshot(func(st *clientState) bool { return st.user == upd.User }) {
		if !c.Send(frame) {
			r.logger.Warn("account frame dropped", "client", c.ID(), "user", upd.User)
		}
	}
}

// RouteCandle forwards a candle payload to the stream's subscribers.
func (r *Router) RouteCandle(cu exchange.CandleUpdate) {
	key := types.Subscription{Type: types.ChannelCandle, Coin: cu.Coin, Interval: cu.Interval}.Key()
	match := func(st *clientState) bool {
		_, ok := st.candles[key]
		return ok
	}
	frame := types.StreamFrame{
		Type:    types.ServerPassthrough,
		Channel: types.ChannelCandle,
		Data:    cu.Payload,
	}.Encode()
	for _, c := range r.snapshot(match) {
		if !c.Send(frame) {
			r.logger.Warn("candle frame dropped", "client", c.ID())
		}
	}
}

// BroadcastOther forwards a frame from an uninterpreted upstream channel to
// every connected client, tagged with its channel name.
func (r *Router) BroadcastOther(fr types.Frame) {
	frame := types.StreamFrame{
		Type:    types.ServerPassthrough,
		Channel: fr.Channel,
		Data:    fr.Data,
	}.Encode()
	for _, c := range r.snapshot(func(st *clientState) bool { return true }) {
		if !c.Send(frame) {
			r.logger.Warn("passthrough frame dropped", "client", c.ID(), "channel", fr.Channel)
		}
	}
}

// snapshot collects matching clients under the lock so sends happen outside.
func (r *Router) snapshot(match func(*clientState) bool) []Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Client
	for _, st := range r.clients {
		if match(st) {
			out = append(out, st.client)
		}
	}
	return out
}

// Stats summarizes the subscription table.
type Stats struct {
	Clients       int `json:"clients"`
	Users         int `json:"users"`
	CandleStreams int `json:"candleStreams"`
}

// Stats returns current counts.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Clients:       len(r.clients),
		Users:         len(r.userRefs),
		CandleStreams: len(r.candleRefs),
	}
}
