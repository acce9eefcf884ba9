// ws.go implements the single upstream WebSocket feed.
//
// One connection carries every subscription the sidecar holds: the shared
// allMids price stream plus per-user userEvents and webData2 channels and
// any candle streams clients asked for. Incoming {channel, data} envelopes
// are demultiplexed onto typed event channels; the payload bytes travel
// with each event so downstream fan-out can re-wrap them without another
// marshal round-trip. User-scoped frames whose user cannot be resolved are
// dropped with a warning, never forwarded.
//
// On disconnect the feed waits a fixed 5 seconds and reconnects; the Run
// loop is the only place a connection is ever established, so there is
// never more than one reconnect attempt in flight. Every tracked
// subscription is replayed after reconnecting, with each user's userEvents
// subscription sent before their webData2 so no account snapshot arrives
// ahead of the event stream that explains it.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"hyperliquid-sidecar/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // how often we send ping frames
	readTimeout      = 60 * time.Second // silence past this triggers reconnect
	reconnectDelay   = 5 * time.Second  // fixed delay between reconnect attempts
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	midsBufferSize   = 256              // buffer for price frames
	eventsBufferSize = 128              // buffer for user-scoped frames
)

// UserEvents is a demultiplexed userEvents frame: fills and order status
// changes for one user. User is never empty.
type UserEvents struct {
	User    types.Address
	Data    types.UserEventsData
	Payload json.RawMessage // the frame's data member, for downstream fan-out
}

// AccountUpdate is a demultiplexed webData2 frame: a full account snapshot
// for one user. User is never empty.
type AccountUpdate struct {
	User    types.Address
	Data    types.AccountData
	Payload json.RawMessage
}

// CandleUpdate is a demultiplexed candle frame.
type CandleUpdate struct {
	Coin     string
	Interval string
	Payload  json.RawMessage
}

// Feed manages the single upstream WebSocket connection. It handles the
// connection lifecycle, subscription tracking, demultiplexing, and
// reconnection with subscription replay.
type Feed struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	// Track subscriptions for replay on reconnect, keyed by Subscription.Key.
	subscribedMu sync.RWMutex
	subscribed   map[string]types.Subscription

	connected atomic.Bool
	lastMsgMu sync.RWMutex
	lastMsg   map[types.Address]time.Time // last userEvents arrival per user

	// Typed event channels — consumers read from these via accessor methods
	midsCh    chan json.RawMessage
	eventsCh  chan UserEvents
	accountCh chan AccountUpdate
	candleCh  chan CandleUpdate
	otherCh   chan types.Frame

	logger *slog.Logger
}

// NewFeed creates the upstream feed. The allMids subscription is always
// present; user and candle subscriptions come and go with downstream demand.
func NewFeed(wsURL string, logger *slog.Logger) *Feed {
	f := &Feed{
		url:        wsURL,
		subscribed: make(map[string]types.Subscription),
		lastMsg:    make(map[types.Address]time.Time),
		midsCh:     make(chan json.RawMessage, midsBufferSize),
		eventsCh:   make(chan UserEvents, eventsBufferSize),
		accountCh:  make(chan AccountUpdate, eventsBufferSize),
		candleCh:   make(chan CandleUpdate, midsBufferSize),
		otherCh:    make(chan types.Frame, eventsBufferSize),
		logger:     logger.With("component", "ws_upstream"),
	}
	allMids := types.Subscription{Type: types.ChannelAllMids}
	f.subscribed[allMids.Key()] = allMids
	return f
}

// Mids returns a read-only channel of allMids payloads.
func (f *Feed) Mids() <-chan json.RawMessage { return f.midsCh }

// Events returns a read-only channel of demultiplexed userEvents frames.
func (f *Feed) Events() <-chan UserEvents { return f.eventsCh }

// Accounts returns a read-only channel of demultiplexed webData2 frames.
func (f *Feed) Accounts() <-chan AccountUpdate { return f.accountCh }

// Candles returns a read-only channel of demultiplexed candle frames.
func (f *Feed) Candles() <-chan CandleUpdate { return f.candleCh }

// Other returns a read-only channel of frames from channels the sidecar
// does not interpret. They are forwarded to every downstream client.
func (f *Feed) Other() <-chan types.Frame { return f.otherCh }

// Connected reports whether the upstream connection is currently live.
func (f *Feed) Connected() bool { return f.connected.Load() }

// LastUserEvent returns when a userEvents frame last arrived for the user.
// The zero time means none has arrived since the subscription was added.
func (f *Feed) LastUserEvent(user types.Address) time.Time {
	f.lastMsgMu.RLock()
	defer f.lastMsgMu.RUnlock()
	return f.lastMsg[user]
}

// Run connects and maintains the upstream connection. Blocks until ctx is
// cancelled.
func (f *Feed) Run(ctx context.Context) error {
	for {
		err := f.connectAndRead(ctx)
		f.connected.Store(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("upstream disconnected, reconnecting",
			"error", err,
			"delay", reconnectDelay,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

// Subscribe adds a subscription to the tracked set and, when connected,
// sends it upstream. Duplicate subscriptions are absorbed silently, so any
// number of downstream clients can demand the same channel while the
// exchange sees it exactly once.
func (f *Feed) Subscribe(sub types.Subscription) error {
	f.subscribedMu.Lock()
	_, dup := f.subscribed[sub.Key()]
	f.subscribed[sub.Key()] = sub
	f.subscribedMu.Unlock()

	if dup || !f.connected.Load() {
		return nil
	}
	return f.writeJSON(types.SubscribeRequest{Method: "subscribe", Subscription: sub})
}

// Unsubscribe removes a subscription and, when connected, tells the
// exchange to stop the stream.
func (f *Feed) Unsubscribe(sub types.Subscription) error {
	f.subscribedMu.Lock()
	_, ok := f.subscribed[sub.Key()]
	delete(f.subscribed, sub.Key())
	f.subscribedMu.Unlock()

	if !ok || !f.connected.Load() {
		return nil
	}
	return f.writeJSON(types.SubscribeRequest{Method: "unsubscribe", Subscription: sub})
}

// SubscribeUser adds both per-user channels, userEvents first so the event
// stream is live before the first account snapshot arrives.
func (f *Feed) SubscribeUser(user types.Address) error {
	if err := f.Subscribe(types.Subscription{Type: types.ChannelUserEvents, User: user.String()}); err != nil {
		return err
	}
	return f.Subscribe(types.Subscription{Type: types.ChannelAccount, User: user.String()})
}

// UnsubscribeUser removes both per-user channels and forgets the user's
// event clock.
func (f *Feed) UnsubscribeUser(user types.Address) error {
	err := f.Unsubscribe(types.Subscription{Type: types.ChannelUserEvents, User: user.String()})
	if err2 := f.Unsubscribe(types.Subscription{Type: types.ChannelAccount, User: user.String()}); err == nil {
		err = err2
	}

	f.lastMsgMu.Lock()
	delete(f.lastMsg, user)
	f.lastMsgMu.Unlock()
	return err
}

// Close gracefully closes the connection.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	f.connected.Store(true)

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.replaySubscriptions(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}

	f.logger.Info("upstream connected", "url", f.url)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if the server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchFrame(msg)
	}
}

// replaySubscriptions resends every tracked subscription on a fresh
// connection: allMids first, then per user userEvents before webData2,
// then everything else.
func (f *Feed) replaySubscriptions() error {
	f.subscribedMu.RLock()
	subs := make([]types.Subscription, 0, len(f.subscribed))
	for _, sub := range f.subscribed {
		subs = append(subs, sub)
	}
	f.subscribedMu.RUnlock()

	rank := func(s types.Subscription) int {
		switch s.Type {
		case types.ChannelAllMids:
			return 0
		case types.ChannelUserEvents:
			return 1
		case types.ChannelAccount:
			return 2
		default:
			return 3
		}
	}
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].User != subs[j].User {
			return subs[i].User < subs[j].User
		}
		return rank(subs[i]) < rank(subs[j])
	})

	for _, sub := range subs {
		if err := f.writeJSON(types.SubscribeRequest{Method: "subscribe", Subscription: sub}); err != nil {
			return err
		}
	}
	return nil
}

func (f *Feed) dispatchFrame(raw []byte) {
	var frame types.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		f.logger.Debug("ignoring non-json upstream message", "data", string(raw))
		return
	}

	switch frame.Channel {
	case types.ChannelAllMids:
		select {
		case f.midsCh <- frame.Data:
		default:
			f.logger.Warn("mids channel full, dropping frame")
		}

	case types.ChannelUserEvents:
		var data types.UserEventsData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			f.logger.Error("unmarshal userEvents frame", "error", err)
			return
		}
		user := extractUser(frame.Data)
		if user == "" && len(data.Fills) > 0 {
			user = types.NormalizeAddress(data.Fills[0].User)
		}
		if len(data.Fills) == 0 && len(data.Orders) == 0 && data.Liquidation == nil {
			return // keepalive
		}
		if user == "" {
			f.logger.Warn("could not extract user from userEvents, dropping frame")
			return
		}
		f.touchUser(user)
		select {
		case f.eventsCh <- UserEvents{User: user, Data: data, Payload: frame.Data}:
		default:
			f.logger.Warn("events channel full, dropping frame", "user", user)
		}

	case types.ChannelAccount:
		var data types.AccountData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			f.logger.Error("unmarshal webData2 frame", "error", err)
			return
		}
		user := extractUser(frame.Data)
		if user == "" {
			f.logger.Warn("could not extract user from webData2, dropping frame")
			return
		}
		select {
		case f.accountCh <- AccountUpdate{User: user, Data: data, Payload: frame.Data}:
		default:
			f.logger.Warn("account channel full, dropping frame", "user", user)
		}

	case types.ChannelCandle:
		var data struct {
			Coin     string `json:"s"`
			Interval string `json:"i"`
		}
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			f.logger.Error("unmarshal candle frame", "error", err)
			return
		}
		select {
		case f.candleCh <- CandleUpdate{Coin: data.Coin, Interval: data.Interval, Payload: frame.Data}:
		default:
			f.logger.Warn("candle channel full, dropping frame", "coin", data.Coin)
		}

	case types.ChannelSubAck:
		f.logger.Debug("subscription acknowledged")

	default:
		select {
		case f.otherCh <- frame:
		default:
			f.logger.Warn("passthrough channel full, dropping frame", "channel", frame.Channel)
		}
	}
}

// extractUser pulls the wallet address out of a user-scoped frame payload.
// The exchange is inconsistent about where it puts the address, so several
// locations are tried in order.
func extractUser(data json.RawMessage) types.Address {
	var probe struct {
		User               string `json:"user"`
		UserAddress        string `json:"userAddress"`
		ClearinghouseState struct {
			User string `json:"user"`
		} `json:"clearinghouseState"`
		Fills []struct {
			User string `json:"user"`
		} `json:"fills"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}

	switch {
	case probe.User != "":
		return types.NormalizeAddress(probe.User)
	case probe.UserAddress != "":
		return types.NormalizeAddress(probe.UserAddress)
	case probe.ClearinghouseState.User != "":
		return types.NormalizeAddress(probe.ClearinghouseState.User)
	case len(probe.Fills) > 0 && probe.Fills[0].User != "":
		return types.NormalizeAddress(probe.Fills[0].User)
	}
	return ""
}

func (f *Feed) touchUser(user types.Address) {
	if user == "" {
		return
	}
	f.lastMsgMu.Lock()
	f.lastMsg[user] = time.Now()
	f.lastMsgMu.Unlock()
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeJSON(map[string]string{"method": "ping"}); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}
