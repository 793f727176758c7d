package broker

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// SecType is the broker's security type code.
type SecType string

// Security types used by the bot.
const (
	SecTypeIndex  SecType = "IND"
	SecTypeStock  SecType = "STK"
	SecTypeFuture SecType = "FUT"
	SecTypeOption SecType = "OPT"
	SecTypeFOP    SecType = "FOP"
	SecTypeBag    SecType = "BAG"
)

// Right is an option right.
type Right string

// Option rights.
const (
	RightCall Right = "C"
	RightPut  Right = "P"
)

// Action is an order side.
type Action string

// Order sides.
const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Reverse returns the opposite side.
func (a Action) Reverse() Action {
	if a == ActionBuy {
		return ActionSell
	}
	return ActionBuy
}

// OrderType is the order price instruction.
type OrderType string

// Order types.
const (
	OrderTypeMarket OrderType = "MKT"
	OrderTypeLimit  OrderType = "LMT"
)

// Order status values as reported by the gateway.
const (
	OrderStatusPreview     = "preview"
	OrderStatusPending     = "PendingSubmit"
	OrderStatusPreSubmit   = "PreSubmitted"
	OrderStatusSubmitted   = "Submitted"
	OrderStatusFilled      = "Filled"
	OrderStatusCancelled   = "Cancelled"
	OrderStatusPendingCncl = "PendingCancel"
	OrderStatusInactive    = "Inactive"
	OrderStatusRejected    = "Rejected"
)

// expiryLayout is the broker's YYYYMMDD expiry format.
const expiryLayout = "20060102"

// strikeEpsilon is the tolerance when matching strikes.
const strikeEpsilon = 1e-3

// Contract describes an instrument as the broker knows it. A zero ConID
// means the contract has not been resolved yet.
type Contract struct {
	ConID        int     `json:"conid"`
	Symbol       string  `json:"symbol"`
	SecType      SecType `json:"sec_type"`
	Exchange     string  `json:"exchange,omitempty"`
	Currency     string  `json:"currency,omitempty"`
	Expiry       string  `json:"expiry,omitempty"` // YYYYMMDD for derivatives
	Strike       float64 `json:"strike,omitempty"`
	Right        Right   `json:"right,omitempty"`
	Multiplier   string  `json:"multiplier,omitempty"`
	TradingClass string  `json:"trading_class,omitempty"`
}

// IsOption reports whether the contract is an option or future option.
func (c Contract) IsOption() bool {
	return c.SecType == SecTypeOption || c.SecType == SecTypeFOP
}

// SameOption reports whether two contracts are the same listed option,
// by conid when both are resolved, else by symbol, expiry, strike and right.
func (c Contract) SameOption(o Contract) bool {
	if c.ConID != 0 && o.ConID != 0 {
		return c.ConID == o.ConID
	}
	return strings.EqualFold(c.Symbol, o.Symbol) &&
		c.Expiry == o.Expiry &&
		c.Right == o.Right &&
		math.Abs(c.Strike-o.Strike) <= strikeEpsilon
}

func (c Contract) String() string {
	if c.IsOption() {
		return fmt.Sprintf("%s %s %g%s", c.Symbol, c.Expiry, c.Strike, c.Right)
	}
	return fmt.Sprintf("%s %s", c.Symbol, c.SecType)
}

// Quote is a top-of-book snapshot. Missing values are NaN.
type Quote struct {
	ConID  int       `json:"conid"`
	Symbol string    `json:"symbol"`
	Last   float64   `json:"last"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Time   time.Time `json:"time"`
}

// Mid returns the bid/ask midpoint, NaN when either side is missing.
func (q Quote) Mid() float64 {
	return midpoint(q.Bid, q.Ask)
}

// Price returns the last trade when valid, else the midpoint.
func (q Quote) Price() float64 {
	if validPrice(q.Last) {
		return q.Last
	}
	return q.Mid()
}

// OptionQuote is an option contract with its broker-supplied market data.
// Delta is signed (puts negative). Missing values are NaN.
type OptionQuote struct {
	Contract
	Bid   float64 `json:"bid"`
	Ask   float64 `json:"ask"`
	Last  float64 `json:"last"`
	Delta float64 `json:"delta"`
	IV    float64 `json:"iv"`
}

// Mid returns the bid/ask midpoint, NaN when either side is missing.
func (o OptionQuote) Mid() float64 {
	return midpoint(o.Bid, o.Ask)
}

// HasBid reports whether the option is quoted with a positive bid.
func (o OptionQuote) HasBid() bool {
	return validPrice(o.Bid)
}

// HasDelta reports whether the broker supplied a usable delta.
func (o OptionQuote) HasDelta() bool {
	return !math.IsNaN(o.Delta) && !math.IsInf(o.Delta, 0)
}

// ComboLeg is one leg of a combination order.
type ComboLeg struct {
	Contract Contract `json:"contract"`
	Action   Action   `json:"action"`
	Ratio    int      `json:"ratio"`
}

// SignedRatio returns the ratio as the gateway expects it: negative for sells.
func (l ComboLeg) SignedRatio() int {
	if l.Action == ActionSell {
		return -l.Ratio
	}
	return l.Ratio
}

// ComboOrder is a multi-leg order submitted as a single bag.
type ComboOrder struct {
	Underlying    Contract   `json:"underlying"`
	Legs          []ComboLeg `json:"legs"`
	Action        Action     `json:"action"`
	OrderType     OrderType  `json:"order_type"`
	LimitPrice    float64    `json:"limit_price,omitempty"`
	Quantity      int        `json:"quantity"`
	Adaptive      bool       `json:"adaptive"`
	OrderRef      string     `json:"order_ref"`
	Transmit      bool       `json:"transmit"`
	ProfitTarget  *float64   `json:"profit_target,omitempty"`
	ClientOrderID string     `json:"client_order_id,omitempty"`
}

// Validate checks the order is structurally sound before it reaches the wire.
func (o ComboOrder) Validate() error {
	if len(o.Legs) == 0 {
		return fmt.Errorf("combo order has no legs")
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("combo order quantity must be > 0, got %d", o.Quantity)
	}
	for i, leg := range o.Legs {
		if leg.Contract.ConID == 0 {
			return fmt.Errorf("leg %d (%s) has no conid", i, leg.Contract)
		}
		if leg.Ratio <= 0 {
			return fmt.Errorf("leg %d ratio must be > 0", i)
		}
		if leg.Action != ActionBuy && leg.Action != ActionSell {
			return fmt.Errorf("leg %d has invalid action %q", i, leg.Action)
		}
	}
	switch o.OrderType {
	case OrderTypeMarket:
	case OrderTypeLimit:
		if math.IsNaN(o.LimitPrice) || math.IsInf(o.LimitPrice, 0) {
			return fmt.Errorf("limit order requires a finite limit price")
		}
	default:
		return fmt.Errorf("unsupported order type %q", o.OrderType)
	}
	return nil
}

// OrderResponse is the gateway's view of a placed or queried order.
type OrderResponse struct {
	ID        string   `json:"id"`
	ParentID  string   `json:"parent_id,omitempty"`
	ChildIDs  []string `json:"child_ids,omitempty"`
	Status    string   `json:"status"`
	Filled    float64  `json:"filled"`
	Remaining float64  `json:"remaining"`
	AvgPrice  float64  `json:"avg_price"`
	Warnings  []string `json:"warnings,omitempty"`
	Preview   bool     `json:"preview"`
}

// IsOrderTerminal reports whether an order status is final.
func IsOrderTerminal(status string) bool {
	switch strings.ToLower(status) {
	case "filled", "cancelled", "canceled", "inactive", "rejected", "expired", OrderStatusPreview:
		return true
	default:
		return false
	}
}

// IsOrderFilled reports whether the status means a complete fill.
func IsOrderFilled(status string) bool {
	return strings.EqualFold(status, OrderStatusFilled)
}

// PositionItem is an account position.
type PositionItem struct {
	Contract
	Quantity    float64 `json:"quantity"`
	AvgCost     float64 `json:"avg_cost"`
	MarketPrice float64 `json:"market_price"`
	MarketValue float64 `json:"market_value"`
	Underlying  string  `json:"underlying"`
}

// Execution is a single fill reported by the gateway. Combo fills arrive as
// one summary execution (IsCombo) plus one execution per leg.
type Execution struct {
	ExecutionID string    `json:"execution_id"`
	OrderID     string    `json:"order_id"`
	OrderRef    string    `json:"order_ref"`
	Symbol      string    `json:"symbol"`
	Description string    `json:"description"`
	SecType     SecType   `json:"sec_type"`
	Side        Action    `json:"side"`
	Quantity    float64   `json:"quantity"`
	Price       float64   `json:"price"`
	NetAmount   float64   `json:"net_amount"`
	Commission  float64   `json:"commission"`
	ConID       int       `json:"conid"`
	ConIDEx     string    `json:"conidex"`
	Time        time.Time `json:"time"`
	IsCombo     bool      `json:"is_combo"`
}

// ChainRequest selects the slice of an option chain to fetch.
type ChainRequest struct {
	Underlying   Contract
	Expiry       time.Time
	Exchange     string
	TradingClass string
	Center       float64 // strikes are taken closest to this price
	MaxStrikes   int
	Rights       []Right // empty means both
}

// WantsRight reports whether r is requested.
func (r ChainRequest) WantsRight(right Right) bool {
	if len(r.Rights) == 0 {
		return true
	}
	for _, x := range r.Rights {
		if x == right {
			return true
		}
	}
	return false
}

// OptionSecType returns the option security type for an underlying.
func OptionSecType(underlying SecType) SecType {
	if underlying == SecTypeFuture {
		return SecTypeFOP
	}
	return SecTypeOption
}

// UnderlyingSecType maps an option security type back to its underlying's:
// FOP to FUT, anything else to IND.
func UnderlyingSecType(option SecType) SecType {
	if option == SecTypeFOP {
		return SecTypeFuture
	}
	return SecTypeIndex
}

// FormatExpiry renders an expiry date as YYYYMMDD.
func FormatExpiry(t time.Time) string {
	return t.Format(expiryLayout)
}

// ComboPrices returns the natural bid, mid and ask of a combo from leg quotes
// keyed by conid. Bought legs add bid/ask, sold legs subtract ask/bid.
func ComboPrices(legs []ComboLeg, quotes map[int]OptionQuote) (bid, mid, ask float64, err error) {
	if len(legs) == 0 {
		return 0, 0, 0, fmt.Errorf("no legs to price")
	}
	for _, leg := range legs {
		q, ok := quotes[leg.Contract.ConID]
		if !ok {
			return 0, 0, 0, fmt.Errorf("no quote for leg %s", leg.Contract)
		}
		bidOK := q.Bid == 0 || validPrice(q.Bid)
		if !bidOK || !validPrice(q.Ask) {
			return 0, 0, 0, fmt.Errorf("leg %s has no valid bid/ask (%v/%v)", leg.Contract, q.Bid, q.Ask)
		}
		ratio := float64(leg.Ratio)
		if leg.Action == ActionBuy {
			bid += ratio * q.Bid
			ask += ratio * q.Ask
		} else {
			bid -= ratio * q.Ask
			ask -= ratio * q.Bid
		}
	}
	return bid, (bid + ask) / 2, ask, nil
}

func validPrice(p float64) bool {
	return p > 0 && !math.IsNaN(p) && !math.IsInf(p, 0)
}

func midpoint(bid, ask float64) float64 {
	if math.IsNaN(bid) || math.IsNaN(ask) || bid < 0 || ask <= 0 {
		return math.NaN()
	}
	return (bid + ask) / 2
}
