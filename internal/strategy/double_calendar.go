// Package strategy builds double calendar plans from broker market data.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/double_calendar/internal/broker"
	"github.com/eddiefleurent/double_calendar/internal/calendar"
	"github.com/eddiefleurent/double_calendar/internal/config"
	"github.com/eddiefleurent/double_calendar/internal/logging"
	"github.com/eddiefleurent/double_calendar/internal/models"
	"github.com/eddiefleurent/double_calendar/internal/selection"
	"github.com/eddiefleurent/double_calendar/internal/util"
)

const defaultMultiplier = 100.0

var (
	// ErrPositionCollision is returned when a plan trades an option already held.
	ErrPositionCollision = errors.New("plan collides with an existing position")
	// ErrNoTickSize is returned when a futures limit price cannot be tick-rounded.
	ErrNoTickSize = errors.New("no tick size configured")
)

// CalendarPlan is a fully priced double calendar ready to submit.
type CalendarPlan struct {
	Strategy   string
	Symbol     string
	Underlying broker.Contract
	Spot       float64

	ShortExpiry time.Time
	LongExpiry  time.Time

	ShortPut  broker.OptionQuote
	ShortCall broker.OptionQuote
	LongPut   broker.OptionQuote
	LongCall  broker.OptionQuote

	// Legs are ordered BUY long call, SELL short call, BUY long put, SELL short put.
	Legs []broker.ComboLeg

	Bid, Mid, Ask float64

	OrderType  broker.OrderType
	LimitPrice float64
	Adaptive   bool

	Quantity        int
	Multiplier      float64
	ProfitTargetPct float64
	AutoClose       bool
	CreatedAt       time.Time
}

// Order returns the entry combo order for the plan.
func (p *CalendarPlan) Order(transmit bool) broker.ComboOrder {
	return broker.ComboOrder{
		Underlying: p.Underlying,
		Legs:       append([]broker.ComboLeg(nil), p.Legs...),
		Action:     broker.ActionBuy,
		OrderType:  p.OrderType,
		LimitPrice: p.LimitPrice,
		Quantity:   p.Quantity,
		Adaptive:   p.Adaptive,
		OrderRef:   p.Strategy,
		Transmit:   transmit,
	}
}

// ReferencePrice is the expected entry price: the limit when set, else the mid.
func (p *CalendarPlan) ReferencePrice() float64 {
	if p.OrderType == broker.OrderTypeLimit {
		return p.LimitPrice
	}
	return p.Mid
}

// DoubleCalendarStrategy plans double calendars for configured strategies.
type DoubleCalendarStrategy struct {
	broker broker.Broker
	config *config.Config
	logger logrus.FieldLogger
	ticks  util.TickTable
	now    func() time.Time
}

// NewDoubleCalendarStrategy creates a planner over b.
func NewDoubleCalendarStrategy(b broker.Broker, cfg *config.Config, logger logrus.FieldLogger) *DoubleCalendarStrategy {
	return &DoubleCalendarStrategy{
		broker: b,
		config: cfg,
		logger: logging.OrDiscard(logger),
		ticks:  cfg.TickTable(),
		now:    time.Now,
	}
}

// WithClock overrides the planner's clock.
func (s *DoubleCalendarStrategy) WithClock(now func() time.Time) *DoubleCalendarStrategy {
	s.now = now
	return s
}

// Plan resolves, selects and prices a double calendar for symbol under strategy tag.
func (s *DoubleCalendarStrategy) Plan(ctx context.Context, tag, symbol string) (*CalendarPlan, error) {
	strat, err := s.config.Strategy(tag)
	if err != nil {
		return nil, err
	}
	params, err := s.config.SymbolParams(tag, symbol)
	if err != nil {
		return nil, err
	}
	log := s.logger.WithFields(logrus.Fields{"strategy": tag, "symbol": symbol})

	und, err := s.broker.ResolveUnderlying(ctx, symbol, broker.SecType(params.SecType), params.Exchange)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", symbol, err)
	}
	quote, err := s.broker.GetQuote(ctx, *und)
	if err != nil {
		return nil, fmt.Errorf("quoting %s: %w", symbol, err)
	}
	spot := quote.Price()
	if math.IsNaN(spot) || spot <= 0 {
		return nil, fmt.Errorf("no usable price for %s", symbol)
	}
	log.WithField("spot", spot).Info("Underlying priced")

	shortExp, longExp, err := s.resolveExpiries(ctx, *und, params)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"short_expiry": calendar.FormatExpiry(shortExp),
		"long_expiry":  calendar.FormatExpiry(longExp),
	}).Info("Expiries resolved")

	shortChain, longChain, err := s.fetchChains(ctx, *und, params, spot, shortExp, longExp)
	if err != nil {
		return nil, err
	}

	shortPut, err := s.selectShort(shortChain, shortTarget{
		right: broker.RightPut, deltaPct: params.TargetPutDelta,
		price: params.PutTargetPrice, rule: params.PutStrikeRule,
	}, params, spot)
	if err != nil {
		return nil, fmt.Errorf("short put: %w", err)
	}
	shortCall, err := s.selectShort(shortChain, shortTarget{
		right: broker.RightCall, deltaPct: params.TargetCallDelta,
		price: params.CallTargetPrice, rule: params.CallStrikeRule,
	}, params, spot)
	if err != nil {
		return nil, fmt.Errorf("short call: %w", err)
	}
	longPut, err := selectLong(longChain, shortPut, params.LongPutDelta, params)
	if err != nil {
		return nil, fmt.Errorf("long put: %w", err)
	}
	longCall, err := selectLong(longChain, shortCall, params.LongCallDelta, params)
	if err != nil {
		return nil, fmt.Errorf("long call: %w", err)
	}

	plan := &CalendarPlan{
		Strategy:        tag,
		Symbol:          und.Symbol,
		Underlying:      *und,
		Spot:            spot,
		ShortExpiry:     shortExp,
		LongExpiry:      longExp,
		ShortPut:        shortPut,
		ShortCall:       shortCall,
		LongPut:         longPut,
		LongCall:        longCall,
		Legs:            BuildDoubleCalendar(shortPut, shortCall, longPut, longCall),
		Quantity:        params.Quantity,
		Multiplier:      multiplier(params.Multiplier, shortPut.Multiplier),
		ProfitTargetPct: params.ProfitTargetPct,
		AutoClose:       strat.AutoClose,
		CreatedAt:       s.now(),
	}

	quotes := map[int]broker.OptionQuote{
		shortPut.ConID: shortPut, shortCall.ConID: shortCall,
		longPut.ConID: longPut, longCall.ConID: longCall,
	}
	plan.Bid, plan.Mid, plan.Ask, err = broker.ComboPrices(plan.Legs, quotes)
	if err != nil {
		return nil, fmt.Errorf("pricing combo: %w", err)
	}

	if err := s.applyOrderStyle(plan, params); err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"short_put":  shortPut.Strike,
		"short_call": shortCall.Strike,
		"long_put":   longPut.Strike,
		"long_call":  longCall.Strike,
		"bid":        plan.Bid,
		"mid":        plan.Mid,
		"ask":        plan.Ask,
		"order_type": plan.OrderType,
		"limit":      plan.LimitPrice,
	}).Info("Double calendar planned")
	return plan, nil
}

func (s *DoubleCalendarStrategy) resolveExpiries(ctx context.Context, und broker.Contract,
	params *config.SymbolParams) (time.Time, time.Time, error) {
	listed, err := s.broker.GetExpirations(ctx, und, params.OptExchange)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("listing expirations for %s: %w", und.Symbol, err)
	}

	today := s.now().In(s.config.Location())
	holidays := s.config.Holidays()
	shortExp, err := calendar.ResolveExpiry(today, params.ShortExpiryDays, listed, holidays)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("short expiry: %w", err)
	}
	longExp, err := calendar.ResolveExpiry(today, params.LongExpiryDays, listed, holidays)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("long expiry: %w", err)
	}
	if !longExp.After(shortExp) {
		return time.Time{}, time.Time{}, fmt.Errorf("long expiry %s must be after short expiry %s",
			calendar.FormatExpiry(longExp), calendar.FormatExpiry(shortExp))
	}
	return shortExp, longExp, nil
}

// fetchChains loads the short and long expiry chains concurrently.
func (s *DoubleCalendarStrategy) fetchChains(ctx context.Context, und broker.Contract, params *config.SymbolParams,
	spot float64, shortExp, longExp time.Time) ([]broker.OptionQuote, []broker.OptionQuote, error) {
	req := func(exp time.Time) broker.ChainRequest {
		return broker.ChainRequest{
			Underlying:   und,
			Expiry:       exp,
			Exchange:     params.OptExchange,
			TradingClass: params.TradingClass,
			Center:       spot,
			MaxStrikes:   params.MaxStrikes,
		}
	}

	var shortChain, longChain []broker.OptionQuote
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		shortChain, err = s.broker.GetOptionChain(gctx, req(shortExp))
		if err != nil {
			return fmt.Errorf("short chain %s: %w", calendar.FormatExpiry(shortExp), err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		longChain, err = s.broker.GetOptionChain(gctx, req(longExp))
		if err != nil {
			return fmt.Errorf("long chain %s: %w", calendar.FormatExpiry(longExp), err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return shortChain, longChain, nil
}

// shortTarget is how one short leg is chosen: a strike rule wins over a
// premium target, which wins over the delta target.
type shortTarget struct {
	right    broker.Right
	deltaPct float64
	price    float64
	rule     string
}

func (s *DoubleCalendarStrategy) selectShort(chain []broker.OptionQuote, target shortTarget,
	params *config.SymbolParams, spot float64) (broker.OptionQuote, error) {
	if target.rule == "" && target.price <= 0 {
		return selection.ByDelta(chain, target.right, target.deltaPct/100, selection.Mode(params.DeltaMode))
	}

	strikes := selection.Strikes(chain, target.right)
	atm, err := selection.ATMStrike(strikes, spot)
	if err != nil {
		return broker.OptionQuote{}, err
	}
	if target.rule == "" {
		return selection.ByPrice(chain, target.right, target.price, atm)
	}
	strike, err := selection.ByExpression(target.rule, spot, atm, strikes)
	if err != nil {
		return broker.OptionQuote{}, err
	}
	return selection.ClosestQuotedStrike(chain, target.right, strike)
}

// selectLong picks the far leg: the short strike by default, or its own delta target.
func selectLong(chain []broker.OptionQuote, short broker.OptionQuote, deltaPct float64,
	params *config.SymbolParams) (broker.OptionQuote, error) {
	if params.LongStrike == config.LongStrikeDelta {
		return selection.ByDelta(chain, short.Right, deltaPct/100, selection.Mode(params.DeltaMode))
	}
	for _, q := range chain {
		if q.Right == short.Right && math.Abs(q.Strike-short.Strike) < 1e-6 {
			if !q.HasBid() {
				return broker.OptionQuote{}, fmt.Errorf("%w: %g%s not quoted", selection.ErrNoCandidates, q.Strike, q.Right)
			}
			return q, nil
		}
	}
	return broker.OptionQuote{}, fmt.Errorf("%w: strike %g%s not listed on long expiry",
		selection.ErrNoCandidates, short.Strike, short.Right)
}

// BuildDoubleCalendar orders the four legs as the gateway expects them.
func BuildDoubleCalendar(shortPut, shortCall, longPut, longCall broker.OptionQuote) []broker.ComboLeg {
	return []broker.ComboLeg{
		{Contract: longCall.Contract, Action: broker.ActionBuy, Ratio: 1},
		{Contract: shortCall.Contract, Action: broker.ActionSell, Ratio: 1},
		{Contract: longPut.Contract, Action: broker.ActionBuy, Ratio: 1},
		{Contract: shortPut.Contract, Action: broker.ActionSell, Ratio: 1},
	}
}

// applyOrderStyle sets adaptive market for index/stock underlyings and a
// mid-less-one-tick limit for futures.
func (s *DoubleCalendarStrategy) applyOrderStyle(plan *CalendarPlan, params *config.SymbolParams) error {
	if broker.SecType(params.SecType) != broker.SecTypeFuture {
		plan.OrderType = broker.OrderTypeMarket
		plan.Adaptive = true
		return nil
	}
	limit, ok := s.ticks.MidLessOneTick(plan.Symbol, plan.Mid)
	if !ok {
		return fmt.Errorf("%w for %s", ErrNoTickSize, plan.Symbol)
	}
	plan.OrderType = broker.OrderTypeLimit
	plan.LimitPrice = limit
	return nil
}

func multiplier(configured, contract string) float64 {
	for _, m := range []string{configured, contract} {
		if v, err := strconv.ParseFloat(m, 64); err == nil && v > 0 {
			return v
		}
	}
	return defaultMultiplier
}

// CheckCollision rejects a plan whose legs are already held at the broker.
func CheckCollision(plan *CalendarPlan, positions []broker.PositionItem) error {
	for _, leg := range plan.Legs {
		for _, pos := range positions {
			if pos.Quantity == 0 {
				continue
			}
			if leg.Contract.SameOption(pos.Contract) {
				return fmt.Errorf("%w: %s (held %g)", ErrPositionCollision, leg.Contract, pos.Quantity)
			}
		}
	}
	return nil
}

// BuildClose returns the order that flattens an open position.
func BuildClose(pos *models.Position, transmit bool) broker.ComboOrder {
	return broker.ComboOrder{
		Underlying: broker.Contract{Symbol: pos.Symbol, SecType: pos.SecType},
		Legs:       append([]broker.ComboLeg(nil), pos.Legs...),
		Action:     broker.ActionSell,
		OrderType:  broker.OrderTypeMarket,
		Quantity:   pos.Quantity,
		Adaptive:   pos.SecType != broker.SecTypeFuture,
		OrderRef:   pos.Strategy,
		Transmit:   transmit,
	}
}
