// Package types is the shared vocabulary for the Deribit gateway: wire
// shapes and domain entities used by every other package. It has no
// internal dependency on the rest of the module.
package types

import "time"

// OrderType mirrors the venue's order type enum.
type OrderType string

const (
	Market     OrderType = "MARKET"
	Limit      OrderType = "LIMIT"
	StopMarket OrderType = "STOP_MARKET"
	StopLimit  OrderType = "STOP_LIMIT"
)

// VenueType returns the lowercase venue wire form for this order type.
func (t OrderType) VenueType() string {
	switch t {
	case Market:
		return "market"
	case Limit:
		return "limit"
	case StopMarket:
		return "stop_market"
	case StopLimit:
		return "stop_limit"
	default:
		return ""
	}
}

// Direction is the side of an order.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// VenueSide returns the venue wire form ("buy"/"sell").
func (d Direction) VenueSide() string {
	switch d {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return ""
	}
}

// TimeInForce mirrors the venue's time-in-force enum.
type TimeInForce string

const (
	GoodTilCancelled  TimeInForce = "GTC"
	FillOrKill        TimeInForce = "FOK"
	ImmediateOrCancel TimeInForce = "IOC"
)

// VenueTIF returns the venue wire form for this time-in-force value.
func (tif TimeInForce) VenueTIF() string {
	switch tif {
	case GoodTilCancelled:
		return "good_til_cancelled"
	case FillOrKill:
		return "fill_or_kill"
	case ImmediateOrCancel:
		return "immediate_or_cancel"
	default:
		return ""
	}
}

// OpenOrderStatuses are the non-terminal states kept in the open-orders
// cache. Anything else is treated as terminal and evicted.
var OpenOrderStatuses = map[string]bool{
	"open":        true,
	"untriggered": true,
}

// Credentials holds the venue bearer-token lifecycle for one session.
// Mutated only by authenticate / refresh.
type Credentials struct {
	APIKey             string
	APISecret          string
	AccessToken        string
	RefreshToken       string
	TokenExpiryInstant time.Time
	Authenticated      bool
}

// Order is the local mirror of one venue order.
type Order struct {
	OrderID        string
	InstrumentName string
	Type           OrderType
	Direction      Direction
	Price          float64
	Amount         float64
	TimeInForce    TimeInForce
	Status         string
	CreatedAt      time.Time
	LastUpdatedAt  time.Time
}

// IsOpen reports whether the order's status belongs in the open-orders
// cache.
func (o Order) IsOpen() bool {
	return OpenOrderStatuses[o.Status]
}

// Position is always created/replaced wholesale, never partially patched.
type Position struct {
	InstrumentName   string
	Size             float64
	EntryPrice       float64
	MarkPrice        float64
	LiquidationPrice float64
	UnrealizedPnL    float64
	RealizedPnL      float64
}

// PriceLevel is one (price, size) pair in an order book side.
type PriceLevel struct {
	Price float64
	Size  float64
}

// OrderBook is a single instrument's book, replaced wholesale on update.
// Bids sorted descending by price, asks ascending; ties broken by
// upstream order — the core trusts the venue and does not re-sort.
type OrderBook struct {
	InstrumentName string
	Bids           []PriceLevel
	Asks           []PriceLevel
	Timestamp      int64
}

// BestBid returns the highest bid, or (0, false) if the book has none.
func (b OrderBook) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask, or (0, false) if the book has none.
func (b OrderBook) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// ApiResponse is the result of a one-shot JSON-RPC round trip: either the
// raw venue result, or a failure with an explanatory message. Never both.
type ApiResponse struct {
	Success      bool
	ErrorMessage string
	Result       interface{}
}
