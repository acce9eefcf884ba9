// Package engine is the central orchestrator of the sidecar.
//
// It wires together all subsystems:
//
//  1. The exchange feed maintains one upstream websocket and demultiplexes
//     mids, user events, account snapshots and candles.
//  2. The tracker follows signed orders through the state machine, fed by
//     push events with a polling fallback.
//  3. The reconciler diffs account snapshots into position events.
//  4. The router fans upstream frames out to downstream clients and
//     reference-counts upstream subscriptions.
//  5. The emitter turns order and position events into Telegram messages.
//  6. The API server exposes signing, tracking, link management and the
//     downstream websocket.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"hyperliquid-sidecar/internal/api"
	"hyperliquid-sidecar/internal/config"
	"hyperliquid-sidecar/internal/exchange"
	"hyperliquid-sidecar/internal/linkstore"
	"hyperliquid-sidecar/internal/metrics"
	"hyperliquid-sidecar/internal/notify"
	"hyperliquid-sidecar/internal/order"
	"hyperliquid-sidecar/internal/reconciler"
	"hyperliquid-sidecar/internal/router"
	"hyperliquid-sidecar/internal/tracker"
)

// Engine owns the lifecycle of every component and goroutine.
type Engine struct {
	cfg     config.Config
	client  *exchange.Client
	feed    *exchange.Feed
	assets  *exchange.AssetMap
	machine *order.Machine
	tracker *tracker.Service
	recon   *reconciler.Reconciler
	router  *router.Router
	links   *linkstore.Store
	emitter *notify.Emitter
	server  *api.Server
	metrics *metrics.Metrics
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:     cfg,
		metrics: metrics.New(),
		logger:  logger.With("component", "engine"),
		ctx:     ctx,
		cancel:  cancel,
	}

	e.client = exchange.NewClient(cfg.Exchange, logger)
	e.feed = exchange.NewFeed(cfg.Exchange.WSURL, logger)
	e.assets = exchange.NewAssetMap()
	e.machine = order.NewMachine(e.onOrderChange, logger)
	e.tracker = tracker.NewService(e.machine, e.client, cfg.Tracker, logger)
	e.recon = reconciler.New(e.client, logger)
	e.router = router.New(e.feed, logger)

	links, err := linkstore.Open(cfg.Store.DataDir)
	if err != nil {
		// The sidecar still tracks and streams without persistence; only
		// chat links and notifications are lost.
		logger.Error("link store unavailable, continuing without chat links",
			"dir", cfg.Store.DataDir, "error", err)
		links = nil
	}
	e.links = links

	telegram := notify.NewTelegram(cfg.Telegram.BotToken, logger)
	if !telegram.Enabled() {
		logger.Warn("no telegram bot token configured, notifications disabled")
	}
	e.emitter = notify.NewEmitter(telegram, links, logger)
	e.emitter.Metrics = e.metrics

	e.router.OnUserDropped = e.recon.DropUser
	e.recon.OnEvent = e.emitter.HandlePosition
	e.tracker.OnTrackingDone = func(order.Context) {
		e.metrics.SetOrdersTracked(e.tracker.Stats().Tracked)
	}

	signer := exchange.NewSigner(cfg.Exchange.Testnet)
	handlers := api.NewHandlers(cfg.Server, signer, e.assets,
		e.tracker, e.router, links, e.feed, e.metrics, logger)
	e.server = api.NewServer(cfg.Server, handlers, logger)

	return e, nil
}

// onOrderChange fans one state machine transition out to the notifier and
// the instrumentation.
func (e *Engine) onOrderChange(ch order.Change) {
	e.metrics.RecordTransition(string(ch.Order.State))
	e.emitter.HandleOrderChange(ch)
}

// Start launches the upstream feed, the tracker loops, the frame dispatcher
// and the API server. A failed meta refresh degrades to the built-in asset
// table instead of aborting startup.
func (e *Engine) Start() error {
	metaCtx, metaCancel := context.WithTimeout(e.ctx, e.cfg.Exchange.RequestTimeout)
	if err := e.assets.Refresh(metaCtx, e.client); err != nil {
		e.logger.Warn("asset meta refresh failed, using built-in universe", "error", err)
	}
	metaCancel()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.feed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("upstream feed error", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.tracker.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("tracker error", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatchFrames()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.gaugeLoop()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.server.Start(); err != nil && e.ctx.Err() == nil {
			e.logger.Error("api server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down: stops the API server, cancels every loop,
// closes the upstream connection and waits for the goroutines.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	if err := e.server.Stop(); err != nil {
		e.logger.Error("api server shutdown error", "error", err)
	}

	e.cancel()
	e.feed.Close()
	e.wg.Wait()

	if e.links != nil {
		e.links.Close()
	}
	e.logger.Info("shutdown complete")
}

// dispatchFrames drains the feed channels and routes each frame to its
// consumers: the tracker and reconciler for state, the router for fan-out.
func (e *Engine) dispatchFrames() {
	for {
		select {
		case <-e.ctx.Done():
			return

		case raw := <-e.feed.Mids():
			e.metrics.RecordUpstreamFrame("allMids")
			e.router.BroadcastMids(raw)

		case ev := <-e.feed.Events():
			e.metrics.RecordUpstreamFrame("userEvents")
			e.tracker.HandlePush(ev)
			if ev.Data.Liquidation != nil {
				e.emitter.HandleLiquidation(ev.User, *ev.Data.Liquidation)
			}
			e.router.RouteUserEvents(ev)

		case upd := <-e.feed.Accounts():
			e.metrics.RecordUpstreamFrame("webData2")
			e.recon.HandleAccount(e.ctx, upd)
			e.router.RouteAccount(upd)

		case cu := <-e.feed.Candles():
			e.metrics.RecordUpstreamFrame("candle")
			e.router.RouteCandle(cu)

		case fr := <-e.feed.Other():
			e.metrics.RecordUpstreamFrame("other")
			e.router.BroadcastOther(fr)
		}
	}
}

// gaugeLoop refreshes the slow-moving gauges.
func (e *Engine) gaugeLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.metrics.SetUpstreamConnected(e.feed.Connected())
			e.metrics.SetOrdersTracked(e.tracker.Stats().Tracked)
			e.metrics.SetBreakerState(int(e.client.BreakerState()))
		}
	}
}
