// Package coordinator composes the upstream session, the order/book
// store, and the broadcast server into one running gateway: it boots C2
// (authenticate, open the duplex channel), builds C3 around it, starts
// C4 on the configured port, and bridges every upstream book push into a
// C3 update... except it deliberately doesn't — see SubscribeMarketData
// below, which preserves the spec's documented cache-staleness trade-off.
//
// Lifecycle follows the teacher's engine.go shape: a context+cancel+
// WaitGroup owned by the coordinator, a sync.Once guarding Stop so a
// signal-handler re-entry or a caller's own explicit Stop can't double-
// close anything, and a channel closed exactly once so Wait() can block
// a caller until shutdown completes.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"deribit-gateway/internal/broadcast"
	"deribit-gateway/internal/config"
	"deribit-gateway/internal/exchange"
	"deribit-gateway/internal/latency"
	"deribit-gateway/internal/tradestate"
	"deribit-gateway/pkg/types"
)

// Coordinator holds shared handles to the session, store, and broadcast
// server and is the only component that bridges them. Construction order
// is Session, then Store (around the session), then Server (around the
// store); teardown runs in the reverse order so no component outlives a
// collaborator it depends on.
type Coordinator struct {
	cfg     config.Config
	logger  *slog.Logger
	latency *latency.Registry

	session *exchange.Session
	store   *tradestate.Store
	server  *broadcast.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once
	doneCh   chan struct{}
}

// New constructs the coordinator's trio but touches no network; call
// Start to authenticate and bring the gateway up.
func New(cfg config.Config, logger *slog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())

	reg := latency.NewRegistry()
	session := exchange.NewSession(cfg.Venue, logger)
	store := tradestate.New(session, logger)
	server := broadcast.NewServer(cfg.Broadcast.Port, store, logger)

	return &Coordinator{
		cfg:     cfg,
		logger:  logger.With("component", "coordinator"),
		latency: reg,
		session: session,
		store:   store,
		server:  server,
		ctx:     ctx,
		cancel:  cancel,
		doneCh:  make(chan struct{}),
	}
}

// Session, Store, and Latency expose the coordinator's collaborators for
// callers that need to issue requests directly (e.g. placing an order)
// without routing every operation through the coordinator itself.
func (c *Coordinator) Session() *exchange.Session   { return c.session }
func (c *Coordinator) Store() *tradestate.Store     { return c.store }
func (c *Coordinator) Latency() *latency.Registry   { return c.latency }
func (c *Coordinator) Broadcast() *broadcast.Server { return c.server }

// Start authenticates against the venue, opens the persistent duplex
// channel, and starts the broadcast server's accept loop on its own
// goroutine.
func (c *Coordinator) Start(ctx context.Context) error {
	c.session.Initialize()

	if err := c.session.Authenticate(ctx); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	if err := c.session.ConnectWebsocket(ctx); err != nil {
		return fmt.Errorf("connect websocket: %w", err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.server.Start(); err != nil {
			c.logger.Error("broadcast server stopped", "error", err)
		}
	}()

	c.logger.Info("coordinator started", "port", c.cfg.Broadcast.Port, "test_mode", c.cfg.Venue.TestMode)
	return nil
}

// Stop stops the broadcast server and then disconnects the upstream
// channel, unblocking in-flight reads. Idempotent under signal-handler
// re-entry: a second call is a no-op. A running PrivateRequest/refresh
// may still complete after Stop returns; callers should drain outstanding
// handles before discarding the coordinator.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.logger.Info("stopping coordinator")
		c.cancel()

		if err := c.server.Stop(); err != nil {
			c.logger.Warn("stop broadcast server", "error", err)
		}

		if err := c.session.DisconnectWebsocket(); err != nil {
			c.logger.Warn("disconnect websocket", "error", err)
		}
		c.session.Shutdown()

		c.wg.Wait()
		close(c.doneCh)
		c.logger.Info("coordinator stopped")
	})
}

// Wait blocks until Stop has completed, for a caller that wants to park
// on the coordinator's lifetime (e.g. a supervisory goroutine distinct
// from the one handling OS signals).
func (c *Coordinator) Wait() {
	<-c.doneCh
}

// pushPayload is the shape of a book.<instrument>.100ms push data field.
// Timestamp is decoded via json.RawMessage because the venue is not
// consistent about sending it as a JSON number versus a quoted string.
type pushPayload struct {
	InstrumentName string           `json:"instrument_name"`
	Timestamp      json.RawMessage  `json:"timestamp"`
	Bids           [][2]interface{} `json:"bids"`
	Asks           [][2]interface{} `json:"asks"`
}

// SubscribeMarketData joins the upstream "book.<instrument>.100ms"
// channel and wires each push straight to the broadcast server. Note the
// asymmetry, carried forward from spec.md §4.5 / §9: this does NOT write
// the parsed book into the store's cache, trading snapshot freshness for
// a push path that never takes a cache write lock. get_orderbook callers
// may therefore see stale cached data; updating the cache here is an
// equally valid alternative design, not pursued here to match the
// documented behavior.
func (c *Coordinator) SubscribeMarketData(ctx context.Context, instrument string) error {
	channel := "book." + instrument + ".100ms"
	tracker := c.latency.GetTracker("market_data.push", c.cfg.Latency.StoreSamples, c.cfg.Latency.MaxSamples)

	return c.session.Subscribe(ctx, channel, func(_ string, data json.RawMessage) {
		tok := tracker.Start()
		defer tracker.End(tok)

		book, err := parsePushPayload(data, instrument)
		if err != nil {
			c.logger.Warn("market data push: malformed payload", "channel", channel, "error", err)
			return
		}

		c.server.HandleOrderbookUpdate(book.InstrumentName, book)
	})
}

// parsePushPayload decodes one book.<instrument>.100ms push data field
// into an OrderBook, defaulting InstrumentName to fallback when the
// payload omits it.
func parsePushPayload(data json.RawMessage, fallback string) (types.OrderBook, error) {
	var payload pushPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return types.OrderBook{}, err
	}

	book := types.OrderBook{
		InstrumentName: payload.InstrumentName,
		Timestamp:      parseTimestampMillis(payload.Timestamp),
		Bids:           levelsFromPairs(payload.Bids),
		Asks:           levelsFromPairs(payload.Asks),
	}
	if book.InstrumentName == "" {
		book.InstrumentName = fallback
	}
	return book, nil
}

// parseTimestampMillis accepts a push's timestamp field as either a JSON
// number or a quoted JSON string, mirroring tradestate's parseTimestampMillis
// since the venue is not consistent about which shape it sends.
func parseTimestampMillis(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}

	var asNumber int64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return asNumber
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		ms, err := strconv.ParseInt(asString, 10, 64)
		if err != nil {
			return 0
		}
		return ms
	}

	return 0
}

// UnsubscribeMarketData is the dual of SubscribeMarketData.
func (c *Coordinator) UnsubscribeMarketData(ctx context.Context, instrument string) error {
	return c.session.Unsubscribe(ctx, "book."+instrument+".100ms")
}

func levelsFromPairs(pairs [][2]interface{}) []types.PriceLevel {
	levels := make([]types.PriceLevel, 0, len(pairs))
	for _, pair := range pairs {
		price, ok1 := toFloat(pair[0])
		size, ok2 := toFloat(pair[1])
		if !ok1 || !ok2 {
			continue
		}
		levels = append(levels, types.PriceLevel{Price: price, Size: size})
	}
	return levels
}

func toFloat(v interface{}) (float64, bool) {
	switch value := v.(type) {
	case float64:
		return value, true
	default:
		return 0, false
	}
}
