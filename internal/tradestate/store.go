// Package tradestate is the order, position, and order-book cache layer.
// It holds a non-owning handle to an upstream session sufficient to issue
// read-through JSON-RPC calls, mirroring the book mirror in the teacher's
// market package and the RWMutex-guarded position tracker in its strategy
// package — collapsed onto the three caches this domain needs and wired
// to venue methods instead of CLOB ones.
package tradestate

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"deribit-gateway/internal/exchange"
	"deribit-gateway/pkg/types"
)

// session is the subset of *exchange.Session the store needs. Declaring
// it here (rather than depending on the concrete type) keeps the store
// testable with a fake.
type session interface {
	PublicRequest(ctx context.Context, method string, params interface{}) types.ApiResponse
	PrivateRequest(ctx context.Context, method string, params map[string]interface{}) types.ApiResponse
}

// Store holds the three independently-locked caches: open orders keyed by
// order_id, positions keyed by instrument_name, and order books keyed by
// instrument_name. Never hold two of these locks at once.
type Store struct {
	sess session
	log  *slog.Logger

	ordersMu sync.RWMutex
	orders   map[string]types.Order

	positionsMu sync.RWMutex
	positions   map[string]types.Position

	booksMu sync.RWMutex
	books   map[string]types.OrderBook
}

// New builds a Store bound to sess. sess must not be nil.
func New(sess *exchange.Session, logger *slog.Logger) *Store {
	return &Store{
		sess:      sess,
		log:       logger.With("component", "tradestate"),
		orders:    make(map[string]types.Order),
		positions: make(map[string]types.Position),
		books:     make(map[string]types.OrderBook),
	}
}

// PlaceOrder submits private/buy. Preconditions violated, or a venue
// error, return an empty order id; the call never returns an error to
// the caller by design — failure is surfaced as the empty string, with
// the reason logged.
func (s *Store) PlaceOrder(ctx context.Context, instrument string, otype types.OrderType, direction types.Direction, amount, price float64, tif types.TimeInForce) string {
	if instrument == "" || amount <= 0 {
		s.log.Warn("place_order: invalid argument", "instrument", instrument, "amount", amount)
		return ""
	}
	if (otype == types.Limit || otype == types.StopLimit) && price <= 0 {
		s.log.Warn("place_order: invalid argument", "type", otype, "price", price)
		return ""
	}

	params := map[string]interface{}{
		"instrument_name": instrument,
		"amount":          amount,
		"type":            otype.VenueType(),
		"side":             direction.VenueSide(),
		"label":           "gateway",
		"time_in_force":   tif.VenueTIF(),
	}
	if price > 0 {
		params["price"] = price
	}

	resp := s.sess.PrivateRequest(ctx, "private/buy", params)
	if !resp.Success {
		s.log.Warn("place_order: venue error", "error", resp.ErrorMessage)
		return ""
	}

	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		s.log.Error("place_order: unexpected result shape")
		return ""
	}
	orderObj, ok := result["order"].(map[string]interface{})
	if !ok {
		s.log.Error("place_order: missing order object")
		return ""
	}

	orderID, _ := orderObj["order_id"].(string)
	if orderID == "" {
		return ""
	}

	createdAt := parseTimestampMillis(orderObj["creation_timestamp"])

	s.ordersMu.Lock()
	s.orders[orderID] = types.Order{
		OrderID:        orderID,
		InstrumentName: instrument,
		Type:           otype,
		Direction:      direction,
		Price:          price,
		Amount:         amount,
		TimeInForce:    tif,
		Status:         "open",
		CreatedAt:      createdAt,
		LastUpdatedAt:  createdAt,
	}
	s.ordersMu.Unlock()

	return orderID
}

// CancelOrder submits private/cancel and, on success, evicts order_id
// from the open-orders cache.
func (s *Store) CancelOrder(ctx context.Context, orderID string) bool {
	if orderID == "" {
		return false
	}

	resp := s.sess.PrivateRequest(ctx, "private/cancel", map[string]interface{}{"order_id": orderID})
	if !resp.Success {
		s.log.Warn("cancel_order: venue error", "order_id", orderID, "error", resp.ErrorMessage)
		return false
	}

	s.ordersMu.Lock()
	delete(s.orders, orderID)
	s.ordersMu.Unlock()

	return true
}

// ModifyOrder submits private/edit with only the fields provided, and
// patches the cached order on success.
func (s *Store) ModifyOrder(ctx context.Context, orderID string, amount, price float64) bool {
	if orderID == "" || (amount <= 0 && price <= 0) {
		return false
	}

	params := map[string]interface{}{"order_id": orderID}
	if amount > 0 {
		params["amount"] = amount
	}
	if price > 0 {
		params["price"] = price
	}

	resp := s.sess.PrivateRequest(ctx, "private/edit", params)
	if !resp.Success {
		s.log.Warn("modify_order: venue error", "order_id", orderID, "error", resp.ErrorMessage)
		return false
	}

	s.ordersMu.Lock()
	defer s.ordersMu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return true
	}
	if amount > 0 {
		order.Amount = amount
	}
	if price > 0 {
		order.Price = price
	}
	order.LastUpdatedAt = time.Now()
	s.orders[orderID] = order

	return true
}

// GetOrderBook is read-through: a cached book for instrument is returned
// unchanged with no staleness check; a miss calls public/get_order_book,
// stores, and returns the fresh book.
func (s *Store) GetOrderBook(ctx context.Context, instrument string, depth int) (types.OrderBook, bool) {
	s.booksMu.RLock()
	book, ok := s.books[instrument]
	s.booksMu.RUnlock()
	if ok {
		return book, true
	}

	if depth <= 0 {
		depth = 10
	}
	resp := s.sess.PublicRequest(ctx, "public/get_order_book", map[string]interface{}{
		"instrument_name": instrument,
		"depth":           depth,
	})
	if !resp.Success {
		s.log.Warn("get_orderbook: venue error", "instrument", instrument, "error", resp.ErrorMessage)
		return types.OrderBook{}, false
	}

	book, err := bookFromResult(instrument, resp.Result)
	if err != nil {
		s.log.Error("get_orderbook: parse failure", "error", err)
		return types.OrderBook{}, false
	}

	s.booksMu.Lock()
	s.books[instrument] = book
	s.booksMu.Unlock()

	return book, true
}

// GetPositions is read-through over the whole positions cache: if it has
// any entries, return a snapshot unchanged; otherwise call
// private/get_positions and populate the cache.
func (s *Store) GetPositions(ctx context.Context, currency string) []types.Position {
	s.positionsMu.RLock()
	if len(s.positions) > 0 {
		snap := snapshotPositions(s.positions)
		s.positionsMu.RUnlock()
		return snap
	}
	s.positionsMu.RUnlock()

	resp := s.sess.PrivateRequest(ctx, "private/get_positions", map[string]interface{}{"currency": currency})
	if !resp.Success {
		s.log.Warn("get_positions: venue error", "error", resp.ErrorMessage)
		return nil
	}

	list, ok := resp.Result.([]interface{})
	if !ok {
		return nil
	}

	s.positionsMu.Lock()
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		pos := positionFromMap(m)
		if pos.InstrumentName != "" {
			s.positions[pos.InstrumentName] = pos
		}
	}
	snap := snapshotPositions(s.positions)
	s.positionsMu.Unlock()

	return snap
}

// GetPosition is the single-instrument analogue of GetPositions.
func (s *Store) GetPosition(ctx context.Context, instrument string) (types.Position, bool) {
	s.positionsMu.RLock()
	pos, ok := s.positions[instrument]
	s.positionsMu.RUnlock()
	if ok {
		return pos, true
	}

	resp := s.sess.PrivateRequest(ctx, "private/get_position", map[string]interface{}{"instrument_name": instrument})
	if !resp.Success {
		s.log.Warn("get_position: venue error", "instrument", instrument, "error", resp.ErrorMessage)
		return types.Position{}, false
	}

	m, ok := resp.Result.(map[string]interface{})
	if !ok {
		return types.Position{}, false
	}
	pos = positionFromMap(m)
	if pos.InstrumentName == "" {
		return types.Position{}, false
	}

	s.positionsMu.Lock()
	s.positions[pos.InstrumentName] = pos
	s.positionsMu.Unlock()

	return pos, true
}

// GetOpenOrders is cache-first: returns every open-order snapshot
// already known; if the cache is empty it falls back to
// private/get_open_orders_by_currency.
func (s *Store) GetOpenOrders(ctx context.Context, currency string) []types.Order {
	s.ordersMu.RLock()
	if len(s.orders) > 0 {
		snap := snapshotOrders(s.orders)
		s.ordersMu.RUnlock()
		return snap
	}
	s.ordersMu.RUnlock()

	resp := s.sess.PrivateRequest(ctx, "private/get_open_orders_by_currency", map[string]interface{}{"currency": currency})
	if !resp.Success {
		s.log.Warn("get_open_orders: venue error", "error", resp.ErrorMessage)
		return nil
	}

	list, ok := resp.Result.([]interface{})
	if !ok {
		return nil
	}

	s.ordersMu.Lock()
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		order := orderFromMap(m)
		if order.OrderID != "" && types.OpenOrderStatuses[order.Status] {
			s.orders[order.OrderID] = order
		}
	}
	snap := snapshotOrders(s.orders)
	s.ordersMu.Unlock()

	return snap
}

// GetOrder is cache-first, falling back to private/get_order_state. An
// order whose status is not open/untriggered is never written into the
// cache.
func (s *Store) GetOrder(ctx context.Context, orderID string) (types.Order, bool) {
	s.ordersMu.RLock()
	order, ok := s.orders[orderID]
	s.ordersMu.RUnlock()
	if ok {
		return order, true
	}

	resp := s.sess.PrivateRequest(ctx, "private/get_order_state", map[string]interface{}{"order_id": orderID})
	if !resp.Success {
		s.log.Warn("get_order: venue error", "order_id", orderID, "error", resp.ErrorMessage)
		return types.Order{}, false
	}

	m, ok := resp.Result.(map[string]interface{})
	if !ok {
		return types.Order{}, false
	}
	order = orderFromMap(m)
	if order.OrderID == "" {
		return types.Order{}, false
	}

	if types.OpenOrderStatuses[order.Status] {
		s.ordersMu.Lock()
		s.orders[order.OrderID] = order
		s.ordersMu.Unlock()
	}

	return order, true
}

// HandleOrderUpdate applies an upstream push: upsert on open/untriggered,
// evict otherwise. This is the only path by which the open-orders cache
// shrinks without an explicit cancel reply.
func (s *Store) HandleOrderUpdate(order types.Order) {
	s.ordersMu.Lock()
	defer s.ordersMu.Unlock()
	if types.OpenOrderStatuses[order.Status] {
		s.orders[order.OrderID] = order
	} else {
		delete(s.orders, order.OrderID)
	}
}

// HandlePositionUpdate wholesale-replaces the cached position; positions
// are never partially patched.
func (s *Store) HandlePositionUpdate(pos types.Position) {
	s.positionsMu.Lock()
	s.positions[pos.InstrumentName] = pos
	s.positionsMu.Unlock()
}

// OrdersLen, PositionsLen, and BooksLen are diagnostics used by tests;
// they carry no cache-invariant meaning of their own.
func (s *Store) OrdersLen() int {
	s.ordersMu.RLock()
	defer s.ordersMu.RUnlock()
	return len(s.orders)
}

func (s *Store) PositionsLen() int {
	s.positionsMu.RLock()
	defer s.positionsMu.RUnlock()
	return len(s.positions)
}

func (s *Store) BooksLen() int {
	s.booksMu.RLock()
	defer s.booksMu.RUnlock()
	return len(s.books)
}

func snapshotOrders(m map[string]types.Order) []types.Order {
	out := make([]types.Order, 0, len(m))
	for _, o := range m {
		out = append(out, o)
	}
	return out
}

func snapshotPositions(m map[string]types.Position) []types.Position {
	out := make([]types.Position, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	return out
}

func bookFromResult(instrument string, result interface{}) (types.OrderBook, error) {
	m, ok := result.(map[string]interface{})
	if !ok {
		return types.OrderBook{}, fmt.Errorf("unexpected order book result shape")
	}

	bids, err := parseLevels(m["bids"])
	if err != nil {
		return types.OrderBook{}, fmt.Errorf("bids: %w", err)
	}
	asks, err := parseLevels(m["asks"])
	if err != nil {
		return types.OrderBook{}, fmt.Errorf("asks: %w", err)
	}

	return types.OrderBook{
		InstrumentName: instrument,
		Bids:           bids,
		Asks:           asks,
		Timestamp:      parseTimestampMillis(m["timestamp"]).UnixMilli(),
	}, nil
}

// parseLevels decodes a venue [[price,size],...] array. Levels may arrive
// as JSON numbers or strings depending on endpoint; decimal is used to
// avoid base-2 float rounding surprises at this parse boundary before
// normalizing to the float64 shape the rest of the system uses.
func parseLevels(raw interface{}) ([]types.PriceLevel, error) {
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected array")
	}

	levels := make([]types.PriceLevel, 0, len(list))
	for _, entry := range list {
		pair, ok := entry.([]interface{})
		if !ok || len(pair) != 2 {
			continue
		}
		price, err := toDecimal(pair[0])
		if err != nil {
			continue
		}
		size, err := toDecimal(pair[1])
		if err != nil {
			continue
		}
		p, _ := price.Float64()
		sz, _ := size.Float64()
		levels = append(levels, types.PriceLevel{Price: p, Size: sz})
	}
	return levels, nil
}

func toDecimal(v interface{}) (decimal.Decimal, error) {
	switch value := v.(type) {
	case string:
		return decimal.NewFromString(value)
	case float64:
		return decimal.NewFromFloat(value), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("unsupported numeric shape %T", v)
	}
}

func positionFromMap(m map[string]interface{}) types.Position {
	return types.Position{
		InstrumentName:   stringField(m, "instrument_name"),
		Size:             floatField(m, "size"),
		EntryPrice:       floatField(m, "average_price"),
		MarkPrice:        floatField(m, "mark_price"),
		LiquidationPrice: floatField(m, "estimated_liquidation_price"),
		UnrealizedPnL:    floatField(m, "floating_profit_loss"),
		RealizedPnL:      floatField(m, "realized_profit_loss"),
	}
}

func orderFromMap(m map[string]interface{}) types.Order {
	return types.Order{
		OrderID:        stringField(m, "order_id"),
		InstrumentName: stringField(m, "instrument_name"),
		Direction:      types.Direction(stringField(m, "direction")),
		Price:          floatField(m, "price"),
		Amount:         floatField(m, "amount"),
		Status:         stringField(m, "order_state"),
		CreatedAt:      parseTimestampMillis(m["creation_timestamp"]),
		LastUpdatedAt:  parseTimestampMillis(m["last_update_timestamp"]),
	}
}

func stringField(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}

func floatField(m map[string]interface{}, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	default:
		return 0
	}
}

func parseTimestampMillis(v interface{}) time.Time {
	switch value := v.(type) {
	case float64:
		return time.UnixMilli(int64(value))
	case string:
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}
		}
		return time.UnixMilli(ms)
	default:
		return time.Time{}
	}
}
