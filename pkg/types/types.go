// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the sidecar — user addresses,
// upstream WebSocket frames, fill and position payloads, and the downstream
// client protocol. It has no dependencies on internal packages, so it can be
// imported by any layer.
//
// Prices, sizes and P&L arrive from the exchange as decimal strings and are
// kept as shopspring decimals end to end. Binary floats appear only in
// derived percentages used for thresholding.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Users
// ————————————————————————————————————————————————————————————————————————

// Address is a lowercased 0x-prefixed hex wallet address (42 chars).
// All map keys and comparisons in the sidecar use this normalized form.
type Address string

// ParseAddress validates and normalizes a wallet address.
func ParseAddress(s string) (Address, error) {
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("invalid wallet address %q", s)
	}
	return Address(strings.ToLower(common.HexToAddress(s).Hex())), nil
}

// NormalizeAddress lowercases an address without validating it. Used for
// addresses extracted from upstream frames, which the exchange has already
// validated.
func NormalizeAddress(s string) Address {
	return Address(strings.ToLower(s))
}

// Short returns the abbreviated 0x1234...abcd form used in chat messages.
func (a Address) Short() string {
	s := string(a)
	if len(s) < 10 {
		return s
	}
	return s[:6] + "..." + s[len(s)-4:]
}

func (a Address) String() string { return string(a) }

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	OrderTypeLimit   OrderType = "limit"
	OrderTypeTrigger OrderType = "trigger"
)

// TimeInForce enumerates the supported limit-order lifecycles.
type TimeInForce string

const (
	TifGtc TimeInForce = "Gtc" // Good-Til-Cancelled
	TifIoc TimeInForce = "Ioc" // Immediate-Or-Cancel
	TifAlo TimeInForce = "Alo" // Add-Liquidity-Only (post-only)
)

// OrderRequest carries the order parameters a client submits for signing.
// The private key is used for the one signing call and never persisted.
type OrderRequest struct {
	WalletAddress string `json:"walletAddress"`
	PrivateKey    string `json:"privateKey"`
	AssetIndex    int    `json:"assetIndex"`
	IsBuy         bool   `json:"isBuy"`
	Price         string `json:"price"`
	Size          string `json:"size"`
	OrderType     string `json:"orderType"`
	TimeInForce   string `json:"timeInForce"`
	ReduceOnly    bool   `json:"reduceOnly"`
}

// ————————————————————————————————————————————————————————————————————————
// Upstream WebSocket protocol
// ————————————————————————————————————————————————————————————————————————
// The exchange sends {channel, data} envelopes. Subscribe and unsubscribe
// requests are {method, subscription} frames.

// Upstream channel tags.
const (
	ChannelAllMids    = "allMids"
	ChannelAccount    = "webData2"
	ChannelUserEvents = "userEvents"
	ChannelCandle     = "candle"
	ChannelSubAck     = "subscriptionResponse"
)

// Frame is the envelope of every upstream message. Data stays raw until a
// consumer that knows the channel's schema unmarshals it.
type Frame struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// Subscription identifies one upstream subscription. Only the fields the
// exchange expects for the given Type are set; the rest are omitted.
type Subscription struct {
	Type     string `json:"type"`
	User     string `json:"user,omitempty"`
	Coin     string `json:"coin,omitempty"`
	Interval string `json:"interval,omitempty"`
}

// Key returns the identity of a subscription for dedup purposes.
func (s Subscription) Key() string {
	return s.Type + "|" + strings.ToLower(s.User) + "|" + s.Coin + "|" + s.Interval
}

// SubscribeRequest is the frame sent upstream to add or remove a
// subscription. Method is "subscribe" or "unsubscribe".
type SubscribeRequest struct {
	Method       string       `json:"method"`
	Subscription Subscription `json:"subscription"`
}

// Fill is a single execution, as delivered both on the userEvents push
// channel and by the userFills info query.
type Fill struct {
	Coin      string          `json:"coin"`
	Px        decimal.Decimal `json:"px"`
	Sz        decimal.Decimal `json:"sz"`
	Side      string          `json:"side"` // "B" buy, "S" sell
	Time      int64           `json:"time"` // unix millis
	Oid       int64           `json:"oid"`
	Tid       int64           `json:"tid"` // unique trade id
	Dir       string          `json:"dir"` // e.g. "Open Long", "Close Short"
	ClosedPnl decimal.Decimal `json:"closedPnl"`
	Fee       decimal.Decimal `json:"fee"`
	User      string          `json:"user,omitempty"`
}

// IsBuy reports whether the fill was on the buy side.
func (f Fill) IsBuy() bool { return f.Side == "B" }

// IsClose reports whether the fill reduced an existing position.
func (f Fill) IsClose() bool {
	return f.Dir == "Close Long" || f.Dir == "Close Short"
}

// Notional returns px * sz in quote currency.
func (f Fill) Notional() decimal.Decimal { return f.Px.Mul(f.Sz) }

// Liquidation is the payload attached to a userEvents frame when the user's
// account is force-closed.
type Liquidation struct {
	LiquidatedUser         string          `json:"liquidatedUser"`
	LiquidatedNtlPos       decimal.Decimal `json:"liquidatedNtlPos"`
	LiquidatedAccountValue decimal.Decimal `json:"liquidatedAccountValue"`
}

// OrderUpdate is an order status entry on the userEvents channel.
type OrderUpdate struct {
	Oid          int64  `json:"oid"`
	Status       string `json:"status"` // "open", "cancelled", "rejected"
	RejectReason string `json:"rejectReason,omitempty"`
}

// UserEventsData is the payload of a userEvents frame. Any of the fields may
// be absent; a frame carrying none of them is a keepalive and is ignored.
type UserEventsData struct {
	User        string        `json:"user,omitempty"`
	Fills       []Fill        `json:"fills,omitempty"`
	Orders      []OrderUpdate `json:"orders,omitempty"`
	Liquidation *Liquidation  `json:"liquidation,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Account snapshots
// ————————————————————————————————————————————————————————————————————————

// PositionData is one open position inside a clearinghouse state.
// Szi is signed: positive long, negative short.
type PositionData struct {
	Coin          string          `json:"coin"`
	Szi           decimal.Decimal `json:"szi"`
	EntryPx       decimal.Decimal `json:"entryPx"`
	UnrealizedPnl decimal.Decimal `json:"unrealizedPnl"`
}

// AssetPosition wraps a position entry as the exchange nests it.
type AssetPosition struct {
	Position PositionData `json:"position"`
}

// ClearinghouseState is the per-user margin and position summary carried in
// webData2 frames and returned by the clearinghouseState info query.
type ClearinghouseState struct {
	User           string          `json:"user,omitempty"`
	AssetPositions []AssetPosition `json:"assetPositions"`
	Withdrawable   decimal.Decimal `json:"withdrawable,omitempty"`
}

// AccountData is the payload of a webData2 frame.
type AccountData struct {
	User               string              `json:"user,omitempty"`
	ClearinghouseState *ClearinghouseState `json:"clearinghouseState,omitempty"`
}

// PositionSnapshot is the reconciler's retained view of one (user, asset)
// position between successive account frames.
type PositionSnapshot struct {
	Coin          string
	Size          decimal.Decimal // signed net size
	EntryPx       decimal.Decimal
	UnrealizedPnl decimal.Decimal
}

// Flat reports whether the position has no exposure.
func (p PositionSnapshot) Flat() bool { return p.Size.IsZero() }

// ————————————————————————————————————————————————————————————————————————
// Info API payloads
// ————————————————————————————————————————————————————————————————————————

// FundingEntry is one funding payment in the userFunding info response.
// Usdc is the signed amount credited (positive) or charged (negative).
type FundingEntry struct {
	Time  int64 `json:"time"` // unix millis
	Delta struct {
		Coin        string          `json:"coin"`
		Usdc        decimal.Decimal `json:"usdc"`
		Szi         decimal.Decimal `json:"szi"`
		FundingRate decimal.Decimal `json:"fundingRate"`
	} `json:"delta"`
}

// RestOrder is the inner order record of an openOrders response entry.
type RestOrder struct {
	Oid       int64           `json:"oid"`
	Coin      string          `json:"coin"`
	Side      string          `json:"side"`
	LimitPx   decimal.Decimal `json:"limitPx"`
	Sz        decimal.Decimal `json:"sz"`
	OrigSz    decimal.Decimal `json:"origSz"`
	Timestamp int64           `json:"timestamp"`
}

// OpenOrder is one entry of the openOrders info response.
type OpenOrder struct {
	Order  RestOrder `json:"order"`
	Status string    `json:"status,omitempty"`
}

// AssetInfo describes one tradeable asset in the meta response. The asset
// index is the position in the universe array.
type AssetInfo struct {
	Name       string `json:"name"`
	SzDecimals int    `json:"szDecimals"`
}

// MetaResponse is the exchange meta info query result.
type MetaResponse struct {
	Universe []AssetInfo `json:"universe"`
}

// ————————————————————————————————————————————————————————————————————————
// Downstream client protocol
// ————————————————————————————————————————————————————————————————————————

// Downstream client message types.
const (
	ClientSubscribeUserData   = "subscribe_user_data"
	ClientUnsubscribeUserData = "unsubscribe_user_data"
	ClientSubscribeCandles    = "subscribe_candles"
	ClientUnsubscribe         = "unsubscribe"
)

// Server frame types sent to downstream clients.
const (
	ServerConnected      = "connected"
	ServerSubConfirmed   = "subscription_confirmed"
	ServerUnsubConfirmed = "unsubscription_confirmed"
)

// Stream frame types wrapping forwarded upstream data.
const (
	ServerPriceUpdate = "priceUpdate"        // allMids
	ServerUserData    = "userDataUpdate"     // webData2
	ServerUserEvents  = "userEvents"         // userEvents
	ServerPassthrough = "hyperliquidMessage" // any other upstream channel
)

// ClientMessage is the envelope of every frame a downstream client sends.
type ClientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// UserDataPayload accompanies subscribe_user_data / unsubscribe_user_data.
type UserDataPayload struct {
	UserAddress string `json:"userAddress"`
}

// CandlePayload accompanies subscribe_candles.
type CandlePayload struct {
	Coin     string `json:"coin"`
	Interval string `json:"interval"`
}

// UnsubscribePayload accompanies a raw unsubscribe passthrough.
type UnsubscribePayload struct {
	Subscription Subscription `json:"subscription"`
}

// StreamFrame re-wraps an upstream payload into the downstream protocol:
// every frame a client receives is keyed by "type", with the original
// channel name carried only for passthrough frames.
type StreamFrame struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// Encode marshals a stream frame, falling back to an error frame if the
// payload cannot be marshalled.
func (f StreamFrame) Encode() []byte {
	data, err := json.Marshal(f)
	if err != nil {
		data, _ = json.Marshal(ServerMessage{Error: "internal encoding error"})
	}
	return data
}

// ServerMessage is a frame the sidecar itself originates for a downstream
// client: acks, confirmations and errors. Forwarded upstream data travels
// as a StreamFrame instead.
type ServerMessage struct {
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Encode marshals a server message, falling back to an error frame if the
// payload itself cannot be marshalled.
func (m ServerMessage) Encode() []byte {
	data, err := json.Marshal(m)
	if err != nil {
		data, _ = json.Marshal(ServerMessage{Error: "internal encoding error"})
	}
	return data
}

// ————————————————————————————————————————————————————————————————————————
// Time helpers
// ————————————————————————————————————————————————————————————————————————

// Millis converts a unix-millisecond timestamp from the exchange to a Time.
func Millis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
