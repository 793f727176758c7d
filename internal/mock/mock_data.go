// Package mock provides a simulated trading gateway for sim mode and tests.
// Option greeks and prices are fabricated from a simple moneyness curve so
// that strike selection has realistic-looking data to work with.
package mock

import (
	"context"
	"crypto/rand"
	"fmt"
	"hash/fnv"
	"math"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/double_calendar/internal/broker"
)

// DefaultPrices are the starting spot prices of the simulated underlyings.
var DefaultPrices = map[string]float64{
	"SPX": 5800,
	"ES":  5815,
	"NDX": 20400,
	"NQ":  20460,
	"RUT": 2300,
	"RTY": 2304,
	"SPY": 580,
}

// Options configures a SimBroker.
type Options struct {
	Prices map[string]float64
	IV     float64 // annualised, e.g. 0.15
	Jitter bool    // random walk the spot on every quote
	Now    func() time.Time
}

// SimBroker is an in-memory gateway that fills every transmitted order at
// its limit (or mid for market orders).
type SimBroker struct {
	mu         sync.Mutex
	prices     map[string]float64
	iv         float64
	jitter     bool
	now        func() time.Time
	quotes     map[int]broker.OptionQuote
	orders     map[string]*broker.OrderResponse
	legsByID   map[string][]broker.ComboLeg
	positions  map[int]*broker.PositionItem
	executions []broker.Execution
	nextOrder  int
	down       bool
}

// Ensure SimBroker implements Broker at compile time.
var _ broker.Broker = (*SimBroker)(nil)

// NewSimBroker creates a simulated gateway.
func NewSimBroker(opts Options) *SimBroker {
	prices := make(map[string]float64, len(DefaultPrices))
	for k, v := range DefaultPrices {
		prices[k] = v
	}
	for k, v := range opts.Prices {
		prices[strings.ToUpper(k)] = v
	}
	iv := opts.IV
	if iv <= 0 {
		iv = 0.15
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &SimBroker{
		prices:    prices,
		iv:        iv,
		jitter:    opts.Jitter,
		now:       now,
		quotes:    make(map[int]broker.OptionQuote),
		orders:    make(map[string]*broker.OrderResponse),
		legsByID:  make(map[string][]broker.ComboLeg),
		positions: make(map[int]*broker.PositionItem),
		nextOrder: 1000,
	}
}

// secureFloat64 generates a cryptographically secure random float64 between 0 and 1
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// SetDown makes CheckConnection fail, simulating a stopped gateway.
func (s *SimBroker) SetDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

// SetPrice moves the spot of a symbol.
func (s *SimBroker) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	s.prices[strings.ToUpper(symbol)] = price
	s.mu.Unlock()
}

// AddPosition seeds an account position.
func (s *SimBroker) AddPosition(p broker.PositionItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := p
	s.positions[p.ConID] = &cp
}

// CheckConnection reports the simulated session state.
func (s *SimBroker) CheckConnection(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return broker.ErrNotAuthenticated
	}
	return nil
}

// conID derives a stable contract id from a key.
func conID(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32()&0x3fffffff) + 1
}

// ResolveUnderlying returns the simulated underlying. Futures resolve to the
// next quarterly contract.
func (s *SimBroker) ResolveUnderlying(_ context.Context, symbol string, secType broker.SecType,
	exchange string) (*broker.Contract, error) {
	symbol = strings.ToUpper(symbol)
	s.mu.Lock()
	_, ok := s.prices[symbol]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", broker.ErrContractNotFound, symbol)
	}

	c := &broker.Contract{
		ConID:    conID(symbol + ":" + string(secType)),
		Symbol:   symbol,
		SecType:  secType,
		Exchange: exchange,
		Currency: "USD",
	}
	if secType == broker.SecTypeFuture {
		c.Expiry = broker.FormatExpiry(nextQuarterly(s.now()))
	}
	return c, nil
}

// nextQuarterly returns the third Friday of the next Mar/Jun/Sep/Dec month
// that has not passed.
func nextQuarterly(now time.Time) time.Time {
	y, m := now.Year(), now.Month()
	for i := 0; i < 15; i++ {
		month := time.Month((int(m)-1+i)%12 + 1)
		year := y + (int(m)-1+i)/12
		if month%3 != 0 {
			continue
		}
		d := thirdFriday(year, month, now.Location())
		if !d.Before(time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())) {
			return d
		}
	}
	return now.AddDate(0, 3, 0)
}

func thirdFriday(year int, month time.Month, loc *time.Location) time.Time {
	d := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	for d.Weekday() != time.Friday {
		d = d.AddDate(0, 0, 1)
	}
	return d.AddDate(0, 0, 14)
}

// GetQuote returns the spot with a fixed spread.
func (s *SimBroker) GetQuote(_ context.Context, und broker.Contract) (*broker.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	price, ok := s.prices[und.Symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", broker.ErrContractNotFound, und.Symbol)
	}
	if s.jitter {
		price += (secureFloat64() - 0.5) * price * 0.0005
		s.prices[und.Symbol] = price
	}
	spread := strikeStep(price) * 0.01
	return &broker.Quote{
		ConID:  und.ConID,
		Symbol: und.Symbol,
		Last:   price,
		Bid:    price - spread/2,
		Ask:    price + spread/2,
		Time:   s.now(),
	}, nil
}

// GetExpirations lists every weekday for the next 45 days.
func (s *SimBroker) GetExpirations(_ context.Context, _ broker.Contract, _ string) ([]time.Time, error) {
	now := s.now()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	var out []time.Time
	for d := 0; d <= 45; d++ {
		day := start.AddDate(0, 0, d)
		if day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
			continue
		}
		out = append(out, day)
	}
	return out, nil
}

// strikeStep picks a listing interval that scales with the underlying.
func strikeStep(price float64) float64 {
	switch {
	case price >= 10000:
		return 25
	case price >= 1000:
		return 5
	case price >= 100:
		return 1
	default:
		return 0.5
	}
}

// GetOptionChain fabricates strikes around the center with deltas falling off
// with moneyness and time to expiry.
func (s *SimBroker) GetOptionChain(_ context.Context, req broker.ChainRequest) ([]broker.OptionQuote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	spot, ok := s.prices[req.Underlying.Symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", broker.ErrNoChain, req.Underlying.Symbol)
	}
	center := req.Center
	if center <= 0 {
		center = spot
	}
	n := req.MaxStrikes
	if n <= 0 {
		n = 40
	}

	now := s.now()
	days := req.Expiry.Sub(time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)).Hours() / 24
	years := math.Max(days, 0.5) / 365.0
	sigmaT := s.iv * math.Sqrt(years)

	step := strikeStep(spot)
	first := math.Round(center/step)*step - float64(n/2)*step
	expiry := broker.FormatExpiry(req.Expiry)
	optType := broker.OptionSecType(req.Underlying.SecType)

	var chain []broker.OptionQuote
	for _, right := range []broker.Right{broker.RightPut, broker.RightCall} {
		if !req.WantsRight(right) {
			continue
		}
		for i := 0; i < n; i++ {
			strike := first + float64(i)*step
			if strike <= 0 {
				continue
			}
			moneyness := math.Log(strike/spot) / sigmaT
			callDelta := 0.5 * math.Erfc(moneyness/math.Sqrt2)
			delta := callDelta
			intrinsic := math.Max(spot-strike, 0)
			if right == broker.RightPut {
				delta = callDelta - 1
				intrinsic = math.Max(strike-spot, 0)
			}
			timeValue := 0.4 * spot * sigmaT * math.Exp(-moneyness*moneyness/2)
			mid := math.Max(intrinsic+timeValue, 0.05)
			halfSpread := math.Max(0.05, mid*0.02)

			key := fmt.Sprintf("%s:%s:%s:%g:%s", req.Underlying.Symbol, optType, expiry, strike, right)
			q := broker.OptionQuote{
				Contract: broker.Contract{
					ConID:        conID(key),
					Symbol:       req.Underlying.Symbol,
					SecType:      optType,
					Exchange:     req.Exchange,
					Currency:     "USD",
					Expiry:       expiry,
					Strike:       strike,
					Right:        right,
					Multiplier:   "100",
					TradingClass: req.TradingClass,
				},
				Bid:   math.Max(mid-halfSpread, 0),
				Ask:   mid + halfSpread,
				Last:  mid,
				Delta: delta,
				IV:    s.iv,
			}
			s.quotes[q.ConID] = q
			chain = append(chain, q)
		}
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: %s %s", broker.ErrNoChain, req.Underlying.Symbol, expiry)
	}
	return chain, nil
}

// PlaceComboOrder fills transmitted orders immediately. Untransmitted orders
// are previewed only.
func (s *SimBroker) PlaceComboOrder(_ context.Context, order broker.ComboOrder) (*broker.OrderResponse, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextOrder++
	id := fmt.Sprintf("%d", s.nextOrder)
	if !order.Transmit {
		resp := &broker.OrderResponse{ID: "preview-" + id, Status: broker.OrderStatusPreview, Preview: true}
		s.orders[resp.ID] = resp
		return copyResponse(resp), nil
	}

	price := order.LimitPrice
	if order.OrderType == broker.OrderTypeMarket {
		_, mid, _, err := broker.ComboPrices(order.Legs, s.quotes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", broker.ErrOrderRejected, err)
		}
		price = mid
	}

	resp := &broker.OrderResponse{
		ID:       id,
		Status:   broker.OrderStatusFilled,
		Filled:   float64(order.Quantity),
		AvgPrice: price,
	}
	s.orders[id] = resp
	s.legsByID[id] = order.Legs
	s.fill(id, order, price)

	if order.ProfitTarget != nil {
		s.nextOrder++
		childID := fmt.Sprintf("%d", s.nextOrder)
		s.orders[childID] = &broker.OrderResponse{
			ID:        childID,
			ParentID:  id,
			Status:    broker.OrderStatusSubmitted,
			Remaining: float64(order.Quantity),
		}
		resp.ChildIDs = []string{childID}
	}
	return copyResponse(resp), nil
}

func (s *SimBroker) fill(orderID string, order broker.ComboOrder, price float64) {
	now := s.now()
	qty := float64(order.Quantity)
	side := 1.0
	if order.Action == broker.ActionSell {
		side = -1
	}

	s.executions = append(s.executions, broker.Execution{
		ExecutionID: orderID + ".0",
		OrderID:     orderID,
		OrderRef:    order.OrderRef,
		Symbol:      order.Underlying.Symbol,
		Description: fmt.Sprintf("%s %d %s combo", order.Action, order.Quantity, order.Underlying.Symbol),
		SecType:     broker.SecTypeBag,
		Side:        order.Action,
		Quantity:    qty,
		Price:       price,
		NetAmount:   price * qty * 100,
		Time:        now,
		IsCombo:     true,
	})

	for i, leg := range order.Legs {
		legQty := side * float64(leg.SignedRatio()) * qty
		q := s.quotes[leg.Contract.ConID]
		legPrice := q.Mid()
		if math.IsNaN(legPrice) {
			legPrice = 0
		}
		legSide := broker.ActionBuy
		if legQty < 0 {
			legSide = broker.ActionSell
		}
		s.executions = append(s.executions, broker.Execution{
			ExecutionID: fmt.Sprintf("%s.%d", orderID, i+1),
			OrderID:     orderID,
			OrderRef:    order.OrderRef,
			Symbol:      leg.Contract.Symbol,
			Description: leg.Contract.String(),
			SecType:     leg.Contract.SecType,
			Side:        legSide,
			Quantity:    math.Abs(legQty),
			Price:       legPrice,
			ConID:       leg.Contract.ConID,
			Time:        now,
		})

		pos, ok := s.positions[leg.Contract.ConID]
		if !ok {
			pos = &broker.PositionItem{Contract: leg.Contract, Underlying: leg.Contract.Symbol}
			s.positions[leg.Contract.ConID] = pos
		}
		pos.Quantity += legQty
		pos.MarketPrice = legPrice
		if pos.Quantity == 0 {
			delete(s.positions, leg.Contract.ConID)
		}
	}
}

func copyResponse(r *broker.OrderResponse) *broker.OrderResponse {
	cp := *r
	cp.ChildIDs = append([]string(nil), r.ChildIDs...)
	cp.Warnings = append([]string(nil), r.Warnings...)
	return &cp
}

// GetOrderStatus returns a copy of the recorded order.
func (s *SimBroker) GetOrderStatus(_ context.Context, orderID string) (*broker.OrderResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, &broker.APIError{Status: 404, Body: "order not found: " + orderID}
	}
	return copyResponse(o), nil
}

// CancelOrder cancels a working order.
func (s *SimBroker) CancelOrder(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return &broker.APIError{Status: 404, Body: "order not found: " + orderID}
	}
	if !broker.IsOrderTerminal(o.Status) {
		o.Status = broker.OrderStatusCancelled
	}
	return nil
}

// GetPositions returns open positions sorted by conid.
func (s *SimBroker) GetPositions(_ context.Context) ([]broker.PositionItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]broker.PositionItem, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConID < out[j].ConID })
	return out, nil
}

// GetExecutions returns fills from the last days.
func (s *SimBroker) GetExecutions(_ context.Context, days int) ([]broker.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if days <= 0 {
		days = 1
	}
	cutoff := s.now().AddDate(0, 0, -days)
	var out []broker.Execution
	for _, e := range s.executions {
		if e.Time.After(cutoff) {
			out = append(out, e)
		}
	}
	return out, nil
}
