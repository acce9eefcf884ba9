package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"hyperliquid-sidecar/internal/config"
	"hyperliquid-sidecar/internal/exchange"
	"hyperliquid-sidecar/internal/linkstore"
	"hyperliquid-sidecar/internal/metrics"
	"hyperliquid-sidecar/internal/order"
	"hyperliquid-sidecar/internal/router"
	"hyperliquid-sidecar/internal/tracker"
	"hyperliquid-sidecar/pkg/types"
)

// Upstream is the feed state the handlers report and the candle coins they
// resolve against.
type Upstream interface {
	Connected() bool
}

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	cfg     config.ServerConfig
	signer  *exchange.Signer
	assets  *exchange.AssetMap
	tracker *tracker.Service
	router  *router.Router
	links   *linkstore.Store
	feed    Upstream
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewHandlers creates a handlers instance. metrics may be nil in tests.
func NewHandlers(
	cfg config.ServerConfig,
	signer *exchange.Signer,
	assets *exchange.AssetMap,
	trk *tracker.Service,
	rt *router.Router,
	links *linkstore.Store,
	feed Upstream,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Handlers {
	return &Handlers{
		cfg:     cfg,
		signer:  signer,
		assets:  assets,
		tracker: trk,
		router:  rt,
		links:   links,
		feed:    feed,
		metrics: m,
		logger:  logger.With("component", "api-handlers"),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// HandleHealth reports liveness plus the state of the upstream connection.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"upstreamConnected": h.feed.Connected(),
		"trackedOrders":     h.tracker.Stats().Tracked,
		"clients":           h.router.Stats().Clients,
	})
}

// signOrderRequest is an order to sign plus optional tracking options.
type signOrderRequest struct {
	types.OrderRequest
	TrackingStrategy string `json:"trackingStrategy,omitempty"`
}

// signOrderResponse returns the signed action ready for submission to the
// exchange, and the tracking id minted for it.
type signOrderResponse struct {
	TrackingID string                 `json:"trackingId"`
	Signed     *exchange.SignedAction `json:"signed"`
}

// HandleSignOrder signs one order with the caller's key and starts tracking
// it. The key is used for the single signing call and never stored or
// logged.
func (h *Handlers) HandleSignOrder(w http.ResponseWriter, r *http.Request) {
	var req signOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	signed, err := h.signer.SignOrder(req.OrderRequest)
	if err != nil {
		if h.metrics != nil {
			h.metrics.RecordSignFailure()
		}
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	user, err := types.ParseAddress(req.WalletAddress)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid price")
		return
	}
	size, err := decimal.NewFromString(req.Size)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid size")
		return
	}

	trackingID := uuid.NewString()
	ctx := order.Context{
		TrackingID:  trackingID,
		User:        user,
		AssetIndex:  req.AssetIndex,
		Coin:        h.assets.Coin(req.AssetIndex),
		IsBuy:       req.IsBuy,
		Price:       price,
		Size:        size,
		OrderType:   types.OrderType(req.OrderType),
		TimeInForce: types.TimeInForce(req.TimeInForce),
	}
	if err := h.tracker.Track(ctx, tracker.Strategy(req.TrackingStrategy)); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	if h.metrics != nil {
		h.metrics.RecordOrderSigned()
	}
	h.logger.Info("order signed",
		"tracking_id", trackingID, "user", user, "asset", ctx.Coin, "buy", req.IsBuy)

	writeJSON(w, http.StatusOK, signOrderResponse{TrackingID: trackingID, Signed: signed})
}

// HandleTrackingStatus summarizes the tracker and router populations.
func (h *Handlers) HandleTrackingStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"tracker": h.tracker.Stats(),
		"router":  h.router.Stats(),
	})
}

// HandleTrackingOrder returns the tracking view of one order.
func (h *Handlers) HandleTrackingOrder(w http.ResponseWriter, r *http.Request) {
	details, ok := h.tracker.Details(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown tracking id")
		return
	}
	writeJSON(w, http.StatusOK, details)
}

// HandleStopTracking deactivates one order's tracker.
func (h *Handlers) HandleStopTracking(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.tracker.StopTracking(id) {
		writeError(w, http.StatusNotFound, "unknown tracking id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"trackingId": id, "status": "stopped"})
}

type linkRequest struct {
	UserAddress string `json:"userAddress"`
	ChatID      int64  `json:"chatId"`
}

// linksReady rejects link-store routes with 503 while the store is down,
// which happens when it failed to open at startup.
func (h *Handlers) linksReady(w http.ResponseWriter) bool {
	if h.links == nil {
		writeError(w, http.StatusServiceUnavailable, "link store unavailable")
		return false
	}
	return true
}

// HandleTelegramLink associates a wallet with a Telegram chat.
func (h *Handlers) HandleTelegramLink(w http.ResponseWriter, r *http.Request) {
	if !h.linksReady(w) {
		return
	}
	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user, err := types.ParseAddress(req.UserAddress)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if req.ChatID == 0 {
		writeError(w, http.StatusUnprocessableEntity, "chatId is required")
		return
	}

	if err := h.links.Link(user, req.ChatID); err != nil {
		h.logger.Error("link save failed", "user", user, "error", err)
		writeError(w, http.StatusInternalServerError, "could not save link")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user, "linked": true})
}

// HandleTelegramUnlink removes a wallet's chat link.
func (h *Handlers) HandleTelegramUnlink(w http.ResponseWriter, r *http.Request) {
	if !h.linksReady(w) {
		return
	}
	user, err := types.ParseAddress(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	removed, err := h.links.Unlink(user)
	if err != nil {
		h.logger.Error("unlink failed", "user", user, "error", err)
		writeError(w, http.StatusInternalServerError, "could not remove link")
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "wallet is not linked")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user, "linked": false})
}

// HandleGetSettings returns a wallet's notification settings.
func (h *Handlers) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	if !h.linksReady(w) {
		return
	}
	user, err := types.ParseAddress(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.links.Settings(user))
}

// HandleUpdateSettings replaces a wallet's notification settings.
func (h *Handlers) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	if !h.linksReady(w) {
		return
	}
	user, err := types.ParseAddress(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	var settings linkstore.NotificationSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.links.UpdateSettings(user, settings); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// HandleStats returns a wallet's accumulated trading stats.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	if !h.linksReady(w) {
		return
	}
	user, err := types.ParseAddress(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	stats, ok := h.links.Stats(user)
	if !ok {
		writeError(w, http.StatusNotFound, "wallet is not linked")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket
// ————————————————————————————————————————————————————————————————————————

// HandleWebSocket upgrades the connection and registers the client.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), h.cfg, r.Host)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, h, h.logger)
	h.router.Register(client)
	if h.metrics != nil {
		h.metrics.ClientConnected()
	}

	client.Send(types.ServerMessage{
		Type:    types.ServerConnected,
		Message: "connected",
	}.Encode())
}

// onMessage dispatches one parsed client frame.
func (h *Handlers) onMessage(c *Client, msg types.ClientMessage) {
	if h.metrics != nil {
		h.metrics.RecordClientMessage(msg.Type)
	}

	switch msg.Type {
	case types.ClientSubscribeUserData:
		var p types.UserDataPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.Send(types.ServerMessage{Error: "invalid payload"}.Encode())
			return
		}
		if err := h.router.SubscribeUserData(c.ID(), p.UserAddress); err != nil {
			c.Send(types.ServerMessage{Error: err.Error()}.Encode())
			return
		}
		c.Send(types.ServerMessage{
			Type:    types.ServerSubConfirmed,
			Message: strings.ToLower(p.UserAddress),
		}.Encode())

	case types.ClientUnsubscribeUserData:
		h.router.UnsubscribeUserData(c.ID())
		c.Send(types.ServerMessage{Type: types.ServerUnsubConfirmed}.Encode())

	case types.ClientSubscribeCandles:
		var p types.CandlePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.Coin == "" || p.Interval == "" {
			c.Send(types.ServerMessage{Error: "invalid payload"}.Encode())
			return
		}
		if err := h.router.SubscribeCandles(c.ID(), p.Coin, p.Interval); err != nil {
			c.Send(types.ServerMessage{Error: err.Error()}.Encode())
			return
		}
		c.Send(types.ServerMessage{
			Type:    types.ServerSubConfirmed,
			Message: p.Coin + "/" + p.Interval,
		}.Encode())

	case types.ClientUnsubscribe:
		var p types.UnsubscribePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.Send(types.ServerMessage{Error: "invalid payload"}.Encode())
			return
		}
		switch p.Subscription.Type {
		case types.ChannelCandle:
			h.router.UnsubscribeCandles(c.ID(), p.Subscription.Coin, p.Subscription.Interval)
		case types.ChannelUserEvents, types.ChannelAccount:
			h.router.UnsubscribeUserData(c.ID())
		}
		c.Send(types.ServerMessage{Type: types.ServerUnsubConfirmed}.Encode())

	default:
		c.Send(types.ServerMessage{Error: "Unknown message type"}.Encode())
	}
}

// onDisconnect releases everything a client held.
func (h *Handlers) onDisconnect(c *Client) {
	h.router.Unregister(c.ID())
	if h.metrics != nil {
		h.metrics.ClientDisconnected()
	}
}

// isOriginAllowed decides whether a browser origin may connect. With no
// allowlist configured, localhost and same-host origins pass; with one,
// only exact matches do.
func isOriginAllowed(origin string, cfg config.ServerConfig, reqHost string) bool {
	if origin == "" {
		return true
	}

	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			if origin == allowed {
				return true
			}
		}
		return false
	}

	host := origin
	if i := strings.Index(origin, "://"); i >= 0 {
		host = origin[i+3:]
	}
	if host == reqHost {
		return true
	}
	bare := host
	if i := strings.Index(host, ":"); i >= 0 {
		bare = host[:i]
	}
	return bare == "localhost" || bare == "127.0.0.1"
}

