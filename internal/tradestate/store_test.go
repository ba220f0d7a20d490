package tradestate

import (
	"context"
	"log/slog"
	"testing"

	"deribit-gateway/pkg/types"
)

// fakeSession is a direct struct-literal test double, not a mock
// framework: each test wires in the PublicRequest/PrivateRequest
// behavior it needs.
type fakeSession struct {
	publicFn  func(ctx context.Context, method string, params interface{}) types.ApiResponse
	privateFn func(ctx context.Context, method string, params map[string]interface{}) types.ApiResponse
}

func (f *fakeSession) PublicRequest(ctx context.Context, method string, params interface{}) types.ApiResponse {
	return f.publicFn(ctx, method, params)
}

func (f *fakeSession) PrivateRequest(ctx context.Context, method string, params map[string]interface{}) types.ApiResponse {
	return f.privateFn(ctx, method, params)
}

func newTestStore(sess session) *Store {
	return &Store{
		sess:      sess,
		log:       slog.Default(),
		orders:    make(map[string]types.Order),
		positions: make(map[string]types.Position),
		books:     make(map[string]types.OrderBook),
	}
}

func TestPlaceOrderRejectsNonPositiveAmount(t *testing.T) {
	t.Parallel()
	s := newTestStore(&fakeSession{})
	id := s.PlaceOrder(context.Background(), "BTC-PERPETUAL", types.Limit, types.Buy, 0, 10000, types.GoodTilCancelled)
	if id != "" {
		t.Fatalf("expected empty id, got %q", id)
	}
	if s.OrdersLen() != 0 {
		t.Fatalf("expected no cache mutation")
	}
}

func TestPlaceOrderRejectsZeroPriceLimit(t *testing.T) {
	t.Parallel()
	s := newTestStore(&fakeSession{})
	id := s.PlaceOrder(context.Background(), "BTC-PERPETUAL", types.Limit, types.Buy, 0.1, 0, types.GoodTilCancelled)
	if id != "" {
		t.Fatalf("expected empty id, got %q", id)
	}
}

func TestPlaceModifyCancelLifecycle(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{
		privateFn: func(ctx context.Context, method string, params map[string]interface{}) types.ApiResponse {
			switch method {
			case "private/buy":
				return types.ApiResponse{Success: true, Result: map[string]interface{}{
					"order": map[string]interface{}{
						"order_id":           "X1",
						"creation_timestamp": float64(1700000000000),
					},
				}}
			case "private/edit":
				return types.ApiResponse{Success: true}
			case "private/cancel":
				return types.ApiResponse{Success: true}
			default:
				t.Fatalf("unexpected method %s", method)
				return types.ApiResponse{}
			}
		},
	}
	s := newTestStore(sess)

	id := s.PlaceOrder(context.Background(), "BTC-PERPETUAL", types.Limit, types.Buy, 0.1, 10000.0, types.GoodTilCancelled)
	if id != "X1" {
		t.Fatalf("expected order id X1, got %q", id)
	}
	if s.OrdersLen() != 1 {
		t.Fatalf("expected cache to contain placed order")
	}

	if ok := s.ModifyOrder(context.Background(), id, 0.2, 10500.0); !ok {
		t.Fatalf("expected modify to succeed")
	}
	order, ok := s.GetOrder(context.Background(), id)
	if !ok || order.Amount != 0.2 || order.Price != 10500.0 {
		t.Fatalf("expected cached order to reflect modify, got %+v", order)
	}

	if ok := s.CancelOrder(context.Background(), id); !ok {
		t.Fatalf("expected cancel to succeed")
	}
	if s.OrdersLen() != 0 {
		t.Fatalf("expected cache to no longer contain cancelled order")
	}
}

func TestGetOrderBookCachesAfterFirstCall(t *testing.T) {
	t.Parallel()
	calls := 0
	sess := &fakeSession{
		publicFn: func(ctx context.Context, method string, params interface{}) types.ApiResponse {
			calls++
			return types.ApiResponse{Success: true, Result: map[string]interface{}{
				"timestamp": float64(1),
				"bids":      []interface{}{[]interface{}{float64(10000), float64(1)}},
				"asks":      []interface{}{[]interface{}{float64(10100), float64(1)}},
			}}
		},
	}
	s := newTestStore(sess)

	book1, ok := s.GetOrderBook(context.Background(), "BTC-PERPETUAL", 10)
	if !ok || len(book1.Bids) != 1 {
		t.Fatalf("expected first call to populate book, got %+v", book1)
	}

	book2, ok := s.GetOrderBook(context.Background(), "BTC-PERPETUAL", 10)
	if !ok || book2.Bids[0].Price != 10000 {
		t.Fatalf("expected cached book on second call, got %+v", book2)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one upstream call, got %d", calls)
	}
}

func TestHandleOrderUpdateEvictsTerminalStatus(t *testing.T) {
	t.Parallel()
	s := newTestStore(&fakeSession{})

	s.HandleOrderUpdate(types.Order{OrderID: "A", Status: "open"})
	if s.OrdersLen() != 1 {
		t.Fatalf("expected open order to be cached")
	}

	s.HandleOrderUpdate(types.Order{OrderID: "A", Status: "filled"})
	if s.OrdersLen() != 0 {
		t.Fatalf("expected terminal status to evict order")
	}
}

func TestHandlePositionUpdateReplacesWholesale(t *testing.T) {
	t.Parallel()
	s := newTestStore(&fakeSession{})

	s.HandlePositionUpdate(types.Position{InstrumentName: "BTC-PERPETUAL", Size: 1})
	s.HandlePositionUpdate(types.Position{InstrumentName: "BTC-PERPETUAL", Size: 2})

	pos, ok := s.GetPosition(context.Background(), "BTC-PERPETUAL")
	if !ok || pos.Size != 2 {
		t.Fatalf("expected wholesale replace, got %+v", pos)
	}
}
