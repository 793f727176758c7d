// Package broker provides the trading gateway client used to open and close
// double calendar spreads. It includes an Interactive Brokers Client Portal
// gateway implementation and a circuit breaker wrapper.
package broker

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// comboCurrencyConID is the gateway's spread contract for USD combos.
const comboCurrencyConID = 28812380

// Snapshot field codes.
const (
	fieldLast  = "31"
	fieldBid   = "84"
	fieldAsk   = "86"
	fieldDelta = "7308"
	fieldIV    = "7633"
)

const (
	snapshotFields    = fieldLast + "," + fieldBid + "," + fieldAsk + "," + fieldDelta + "," + fieldIV
	snapshotBatchSize = 100
	maxReplyRounds    = 5
	maxPositionPages  = 10
	positionsPageSize = 100
	expirationMonths  = 3
	previewIDPrefix   = "preview-"
)

// APIError represents an API error with status code and response body
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// Unwrap maps 401 responses to ErrNotAuthenticated.
func (e *APIError) Unwrap() error {
	if e.Status == http.StatusUnauthorized {
		return ErrNotAuthenticated
	}
	return nil
}

// IBKROptions configures an IBKRClient.
type IBKROptions struct {
	BaseURL            string
	AccountID          string
	Timeout            time.Duration
	RequestsPerSecond  float64
	SnapshotAttempts   int
	SnapshotInterval   time.Duration
	InsecureSkipVerify bool
	Logger             logrus.FieldLogger
}

// IBKRClient talks to a locally running Client Portal gateway.
type IBKRClient struct {
	client           *http.Client
	baseURL          string
	accountID        string
	limiter          *rate.Limiter
	snapshotAttempts int
	snapshotInterval time.Duration
	logger           logrus.FieldLogger
	now              func() time.Time
}

// Ensure IBKRClient implements Broker at compile time.
var _ Broker = (*IBKRClient)(nil)

// NewIBKRClient creates a gateway client. Zero options take defaults.
func NewIBKRClient(opts IBKROptions) *IBKRClient {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://localhost:5000/v1/api"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 8
	}
	attempts := opts.SnapshotAttempts
	if attempts <= 0 {
		attempts = 5
	}
	interval := opts.SnapshotInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.InsecureSkipVerify {
		// The gateway listens on localhost with a self-signed certificate.
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402
	}

	return &IBKRClient{
		client:           &http.Client{Timeout: timeout, Transport: transport},
		baseURL:          baseURL,
		accountID:        opts.AccountID,
		limiter:          rate.NewLimiter(rate.Limit(rps), 1),
		snapshotAttempts: attempts,
		snapshotInterval: interval,
		logger:           logger,
		now:              time.Now,
	}
}

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (c *IBKRClient) WithHTTPClient(h *http.Client) *IBKRClient {
	if h != nil {
		c.client = h
	}
	return c
}

// ============ Gateway Response Structures ============

type authStatusResponse struct {
	Authenticated bool   `json:"authenticated"`
	Connected     bool   `json:"connected"`
	Competing     bool   `json:"competing"`
	Message       string `json:"message"`
}

type secdefSection struct {
	SecType  string `json:"secType"`
	Months   string `json:"months"`
	Exchange string `json:"exchange"`
}

type secdefSearchResult struct {
	ConID       flexInt         `json:"conid"`
	Symbol      string          `json:"symbol"`
	CompanyName string          `json:"companyName"`
	Description string          `json:"description"`
	Sections    []secdefSection `json:"sections"`
}

type futureContract struct {
	Symbol          string  `json:"symbol"`
	ConID           flexInt `json:"conid"`
	UnderlyingConID flexInt `json:"underlyingConid"`
	ExpirationDate  flexInt `json:"expirationDate"`
	LastTradingDay  flexInt `json:"ltd"`
}

type strikesResponse struct {
	Call []float64 `json:"call"`
	Put  []float64 `json:"put"`
}

type secdefInfo struct {
	ConID        flexInt   `json:"conid"`
	Symbol       string    `json:"symbol"`
	SecType      string    `json:"secType"`
	Exchange     string    `json:"exchange"`
	Right        string    `json:"right"`
	Strike       flexFloat `json:"strike"`
	Currency     string    `json:"currency"`
	MaturityDate string    `json:"maturityDate"`
	Multiplier   string    `json:"multiplier"`
	TradingClass string    `json:"tradingClass"`
}

type orderTicket struct {
	AcctID             string            `json:"acctId"`
	ConIDEx            string            `json:"conidex"`
	COID               string            `json:"cOID,omitempty"`
	ParentID           string            `json:"parentId,omitempty"`
	OrderType          string            `json:"orderType"`
	Price              *float64          `json:"price,omitempty"`
	Side               string            `json:"side"`
	Quantity           float64           `json:"quantity"`
	TIF                string            `json:"tif"`
	Referrer           string            `json:"referrer,omitempty"`
	Strategy           string            `json:"strategy,omitempty"`
	StrategyParameters map[string]string `json:"strategyParameters,omitempty"`
}

type ordersRequest struct {
	Orders []orderTicket `json:"orders"`
}

type orderReply struct {
	OrderID     flexString `json:"order_id"`
	OrderStatus string     `json:"order_status"`
	ID          string     `json:"id"`
	Message     []string   `json:"message"`
	Error       string     `json:"error"`
}

type whatIfResponse struct {
	Amount struct {
		Amount     string `json:"amount"`
		Commission string `json:"commission"`
		Total      string `json:"total"`
	} `json:"amount"`
	Warn  *string `json:"warn"`
	Error *string `json:"error"`
}

type orderStatusResponse struct {
	OrderID      flexString `json:"order_id"`
	OrderStatus  string     `json:"order_status"`
	CumFill      flexFloat  `json:"cum_fill"`
	TotalSize    flexFloat  `json:"total_size"`
	AveragePrice flexFloat  `json:"average_price"`
}

type positionEntry struct {
	ConID        flexInt   `json:"conid"`
	ContractDesc string    `json:"contractDesc"`
	Position     flexFloat `json:"position"`
	MktPrice     flexFloat `json:"mktPrice"`
	MktValue     flexFloat `json:"mktValue"`
	AvgCost      flexFloat `json:"avgCost"`
	AssetClass   string    `json:"assetClass"`
	Strike       flexFloat `json:"strike"`
	PutOrCall    string    `json:"putOrCall"`
	Expiry       string    `json:"expiry"`
	UndSym       string    `json:"undSym"`
	Ticker       string    `json:"ticker"`
	Multiplier   flexFloat `json:"multiplier"`
	Currency     string    `json:"currency"`
}

type tradeEntry struct {
	ExecutionID      string     `json:"execution_id"`
	Symbol           string     `json:"symbol"`
	Side             string     `json:"side"`
	OrderDescription string     `json:"order_description"`
	TradeTimeR       int64      `json:"trade_time_r"`
	Size             flexFloat  `json:"size"`
	Price            flexFloat  `json:"price"`
	OrderRef         string     `json:"order_ref"`
	NetAmount        flexFloat  `json:"net_amount"`
	Commission       flexFloat  `json:"commission"`
	SecType          string     `json:"sec_type"`
	ConID            flexInt    `json:"conid"`
	ConIDEx          string     `json:"conidex"`
	OrderID          flexString `json:"order_id"`
}

// snapshotRow is one conid's market data fields; missing fields are NaN.
type snapshotRow struct {
	ConID                     int
	Last, Bid, Ask, Delta, IV float64
}

// ============ Session ============

// CheckConnection keeps the session alive and verifies it is authenticated
// and connected to the backend.
func (c *IBKRClient) CheckConnection(ctx context.Context) error {
	if err := c.makeRequestCtx(ctx, http.MethodPost, "/tickle", nil, nil, nil); err != nil {
		return fmt.Errorf("tickle: %w", err)
	}
	var status authStatusResponse
	if err := c.makeRequestCtx(ctx, http.MethodGet, "/iserver/auth/status", nil, nil, &status); err != nil {
		return fmt.Errorf("auth status: %w", err)
	}
	if !status.Authenticated {
		return fmt.Errorf("%w: %s", ErrNotAuthenticated, status.Message)
	}
	if !status.Connected {
		return errors.New("gateway not connected to backend")
	}
	if status.Competing {
		c.logger.Warn("Another session is competing for this gateway login")
	}
	return nil
}

// ============ Contracts ============

// ResolveUnderlying returns the tradable underlying. Futures resolve to the
// front month that has not expired.
func (c *IBKRClient) ResolveUnderlying(ctx context.Context, symbol string, secType SecType,
	exchange string) (*Contract, error) {
	if secType == SecTypeFuture {
		return c.frontMonthFuture(ctx, symbol, exchange)
	}

	results, err := c.searchSecdef(ctx, symbol, secType)
	if err != nil {
		return nil, err
	}
	var pick *secdefSearchResult
	for i := range results {
		r := &results[i]
		if r.ConID == 0 || !strings.EqualFold(r.Symbol, symbol) {
			continue
		}
		if exchange != "" && strings.EqualFold(r.Description, exchange) {
			pick = r
			break
		}
		if pick == nil {
			pick = r
		}
	}
	if pick == nil {
		return nil, fmt.Errorf("%w: %s %s", ErrContractNotFound, symbol, secType)
	}
	return &Contract{
		ConID:    int(pick.ConID),
		Symbol:   strings.ToUpper(symbol),
		SecType:  secType,
		Exchange: exchange,
		Currency: "USD",
	}, nil
}

func (c *IBKRClient) searchSecdef(ctx context.Context, symbol string, secType SecType) ([]secdefSearchResult, error) {
	body := map[string]interface{}{"symbol": symbol, "name": false}
	if secType == SecTypeIndex || secType == SecTypeStock {
		body["secType"] = string(secType)
	}
	var results []secdefSearchResult
	if err := c.makeRequestCtx(ctx, http.MethodPost, "/iserver/secdef/search", nil, body, &results); err != nil {
		return nil, fmt.Errorf("secdef search %s: %w", symbol, err)
	}
	return results, nil
}

func (c *IBKRClient) frontMonthFuture(ctx context.Context, symbol, exchange string) (*Contract, error) {
	var resp map[string][]futureContract
	params := url.Values{"symbols": {symbol}}
	if err := c.makeRequestCtx(ctx, http.MethodGet, "/trsrv/futures", params, nil, &resp); err != nil {
		return nil, fmt.Errorf("futures lookup %s: %w", symbol, err)
	}
	today, _ := strconv.Atoi(FormatExpiry(c.now()))
	var live []futureContract
	for _, f := range resp[strings.ToUpper(symbol)] {
		if f.ConID != 0 && int(f.ExpirationDate) >= today {
			live = append(live, f)
		}
	}
	if len(live) == 0 {
		return nil, fmt.Errorf("%w: no live %s futures", ErrContractNotFound, symbol)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].ExpirationDate < live[j].ExpirationDate })
	front := live[0]
	return &Contract{
		ConID:    int(front.ConID),
		Symbol:   strings.ToUpper(symbol),
		SecType:  SecTypeFuture,
		Exchange: exchange,
		Currency: "USD",
		Expiry:   strconv.Itoa(int(front.ExpirationDate)),
	}, nil
}

// monthCode renders the gateway's option month code, e.g. OCT26.
func monthCode(t time.Time) string {
	return strings.ToUpper(t.Format("Jan06"))
}

func (c *IBKRClient) strikes(ctx context.Context, conid int, secType SecType, month,
	exchange string) (*strikesResponse, error) {
	params := url.Values{
		"conid":    {strconv.Itoa(conid)},
		"sectype":  {string(secType)},
		"month":    {month},
		"exchange": {exchange},
	}
	var resp strikesResponse
	if err := c.makeRequestCtx(ctx, http.MethodGet, "/iserver/secdef/strikes", params, nil, &resp); err != nil {
		return nil, fmt.Errorf("strikes %s: %w", month, err)
	}
	return &resp, nil
}

func (c *IBKRClient) secdefInfo(ctx context.Context, conid int, secType SecType, month, exchange string,
	strike float64, right Right) ([]secdefInfo, error) {
	params := url.Values{
		"conid":    {strconv.Itoa(conid)},
		"sectype":  {string(secType)},
		"month":    {month},
		"exchange": {exchange},
		"strike":   {strconv.FormatFloat(strike, 'f', -1, 64)},
		"right":    {string(right)},
	}
	var resp singleOrArray[secdefInfo]
	if err := c.makeRequestCtx(ctx, http.MethodGet, "/iserver/secdef/info", params, nil, &resp); err != nil {
		return nil, fmt.Errorf("secdef info %s %g%s: %w", month, strike, right, err)
	}
	return resp, nil
}

// GetExpirations lists option expiries for the next few listed months. The
// gateway only exposes expiries through contract details, so one strike per
// month is probed.
func (c *IBKRClient) GetExpirations(ctx context.Context, underlying Contract, exchange string) ([]time.Time, error) {
	if exchange == "" {
		exchange = "SMART"
	}
	optType := OptionSecType(underlying.SecType)
	results, err := c.searchSecdef(ctx, underlying.Symbol, underlying.SecType)
	if err != nil {
		return nil, err
	}

	var months []string
	for _, r := range results {
		if !strings.EqualFold(r.Symbol, underlying.Symbol) {
			continue
		}
		for _, s := range r.Sections {
			if SecType(s.SecType) == optType && s.Months != "" {
				months = strings.Split(s.Months, ";")
				break
			}
		}
		if len(months) > 0 {
			break
		}
	}
	if len(months) == 0 {
		return nil, fmt.Errorf("%w: no %s months for %s", ErrNoChain, optType, underlying.Symbol)
	}
	if len(months) > expirationMonths {
		months = months[:expirationMonths]
	}

	seen := make(map[string]bool)
	var out []time.Time
	for _, month := range months {
		strikes, err := c.strikes(ctx, underlying.ConID, optType, month, exchange)
		if err != nil {
			return nil, err
		}
		if len(strikes.Call) == 0 {
			continue
		}
		probe := strikes.Call[len(strikes.Call)/2]
		infos, err := c.secdefInfo(ctx, underlying.ConID, optType, month, exchange, probe, RightCall)
		if err != nil {
			return nil, err
		}
		for _, info := range infos {
			if info.MaturityDate == "" || seen[info.MaturityDate] {
				continue
			}
			t, err := time.Parse(expiryLayout, info.MaturityDate)
			if err != nil {
				continue
			}
			seen[info.MaturityDate] = true
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// GetOptionChain fetches contracts and market data for the strikes closest
// to req.Center on one expiry.
func (c *IBKRClient) GetOptionChain(ctx context.Context, req ChainRequest) ([]OptionQuote, error) {
	exchange := req.Exchange
	if exchange == "" {
		exchange = "SMART"
	}
	optType := OptionSecType(req.Underlying.SecType)
	month := monthCode(req.Expiry)
	expiry := FormatExpiry(req.Expiry)

	strikes, err := c.strikes(ctx, req.Underlying.ConID, optType, month, exchange)
	if err != nil {
		return nil, err
	}

	var contracts []Contract
	for _, right := range []Right{RightPut, RightCall} {
		if !req.WantsRight(right) {
			continue
		}
		list := strikes.Put
		if right == RightCall {
			list = strikes.Call
		}
		for _, k := range nearestStrikes(list, req.Center, req.MaxStrikes) {
			infos, err := c.secdefInfo(ctx, req.Underlying.ConID, optType, month, exchange, k, right)
			if err != nil {
				return nil, err
			}
			for _, info := range infos {
				if info.ConID == 0 || info.MaturityDate != expiry {
					continue
				}
				if req.TradingClass != "" && !strings.EqualFold(info.TradingClass, req.TradingClass) {
					continue
				}
				contracts = append(contracts, Contract{
					ConID:        int(info.ConID),
					Symbol:       req.Underlying.Symbol,
					SecType:      optType,
					Exchange:     exchange,
					Currency:     info.Currency,
					Expiry:       expiry,
					Strike:       float64(info.Strike),
					Right:        right,
					Multiplier:   info.Multiplier,
					TradingClass: info.TradingClass,
				})
			}
		}
	}
	if len(contracts) == 0 {
		return nil, fmt.Errorf("%w: %s %s", ErrNoChain, req.Underlying.Symbol, expiry)
	}

	conids := make([]int, len(contracts))
	for i, ct := range contracts {
		conids[i] = ct.ConID
	}
	rows, err := c.pollSnapshot(ctx, conids, func(r snapshotRow) bool {
		return !math.IsNaN(r.Bid) && !math.IsNaN(r.Ask) && !math.IsNaN(r.Delta)
	})
	if err != nil {
		return nil, err
	}

	chain := make([]OptionQuote, 0, len(contracts))
	for _, ct := range contracts {
		q := OptionQuote{Contract: ct, Bid: math.NaN(), Ask: math.NaN(), Last: math.NaN(),
			Delta: math.NaN(), IV: math.NaN()}
		if r, ok := rows[ct.ConID]; ok {
			q.Bid, q.Ask, q.Last, q.Delta, q.IV = r.Bid, r.Ask, r.Last, r.Delta, r.IV
		}
		chain = append(chain, q)
	}
	sort.SliceStable(chain, func(i, j int) bool {
		if chain[i].Right != chain[j].Right {
			return chain[i].Right == RightPut
		}
		return chain[i].Strike < chain[j].Strike
	})
	return chain, nil
}

// nearestStrikes returns up to n strikes closest to center, ascending.
func nearestStrikes(strikes []float64, center float64, n int) []float64 {
	out := append([]float64(nil), strikes...)
	if n > 0 && len(out) > n && center > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			return math.Abs(out[i]-center) < math.Abs(out[j]-center)
		})
		out = out[:n]
	}
	sort.Float64s(out)
	return out
}

// ============ Market Data ============

// GetQuote returns a snapshot for the underlying, polling until a price
// arrives.
func (c *IBKRClient) GetQuote(ctx context.Context, underlying Contract) (*Quote, error) {
	rows, err := c.pollSnapshot(ctx, []int{underlying.ConID}, func(r snapshotRow) bool {
		return validPrice(r.Last) || (validPrice(r.Bid) && validPrice(r.Ask))
	})
	if err != nil {
		return nil, err
	}
	r, ok := rows[underlying.ConID]
	if !ok || !(validPrice(r.Last) || (validPrice(r.Bid) && validPrice(r.Ask))) {
		return nil, fmt.Errorf("no market data for %s after %d attempts", underlying.Symbol, c.snapshotAttempts)
	}
	return &Quote{
		ConID:  underlying.ConID,
		Symbol: underlying.Symbol,
		Last:   r.Last,
		Bid:    r.Bid,
		Ask:    r.Ask,
		Time:   c.now(),
	}, nil
}

// pollSnapshot requests snapshots until every conid satisfies complete or
// attempts run out. The first request for a conid usually returns no fields
// while the gateway subscribes.
func (c *IBKRClient) pollSnapshot(ctx context.Context, conids []int,
	complete func(snapshotRow) bool) (map[int]snapshotRow, error) {
	rows := make(map[int]snapshotRow, len(conids))
	pending := append([]int(nil), conids...)

	for attempt := 1; attempt <= c.snapshotAttempts && len(pending) > 0; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(c.snapshotInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		for start := 0; start < len(pending); start += snapshotBatchSize {
			end := start + snapshotBatchSize
			if end > len(pending) {
				end = len(pending)
			}
			batch, err := c.snapshot(ctx, pending[start:end])
			if err != nil {
				return nil, err
			}
			for _, r := range batch {
				rows[r.ConID] = mergeSnapshot(rows[r.ConID], r)
			}
		}

		next := pending[:0]
		for _, id := range pending {
			if r, ok := rows[id]; !ok || !complete(r) {
				next = append(next, id)
			}
		}
		pending = next
	}

	if len(pending) > 0 {
		c.logger.WithFields(logrus.Fields{
			"incomplete": len(pending),
			"requested":  len(conids),
		}).Debug("Snapshot data incomplete after polling")
	}
	return rows, nil
}

func (c *IBKRClient) snapshot(ctx context.Context, conids []int) ([]snapshotRow, error) {
	ids := make([]string, len(conids))
	for i, id := range conids {
		ids[i] = strconv.Itoa(id)
	}
	params := url.Values{
		"conids": {strings.Join(ids, ",")},
		"fields": {snapshotFields},
	}
	var raw []map[string]json.RawMessage
	if err := c.makeRequestCtx(ctx, http.MethodGet, "/iserver/marketdata/snapshot", params, nil, &raw); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	out := make([]snapshotRow, 0, len(raw))
	for _, m := range raw {
		var id flexInt
		if v, ok := m["conid"]; ok {
			if err := json.Unmarshal(v, &id); err != nil {
				continue
			}
		}
		if id == 0 {
			continue
		}
		out = append(out, snapshotRow{
			ConID: int(id),
			Last:  rawField(m, fieldLast),
			Bid:   rawField(m, fieldBid),
			Ask:   rawField(m, fieldAsk),
			Delta: rawField(m, fieldDelta),
			IV:    rawField(m, fieldIV),
		})
	}
	return out, nil
}

func rawField(m map[string]json.RawMessage, key string) float64 {
	v, ok := m[key]
	if !ok {
		return math.NaN()
	}
	var f flexFloat
	if err := json.Unmarshal(v, &f); err != nil {
		return math.NaN()
	}
	return float64(f)
}

// mergeSnapshot keeps earlier values for fields the latest response omitted.
func mergeSnapshot(prev, next snapshotRow) snapshotRow {
	pick := func(a, b float64) float64 {
		if math.IsNaN(b) {
			return a
		}
		return b
	}
	if prev.ConID == 0 {
		return next
	}
	return snapshotRow{
		ConID: next.ConID,
		Last:  pick(prev.Last, next.Last),
		Bid:   pick(prev.Bid, next.Bid),
		Ask:   pick(prev.Ask, next.Ask),
		Delta: pick(prev.Delta, next.Delta),
		IV:    pick(prev.IV, next.IV),
	}
}

// ============ Orders ============

// comboConIDEx renders the legs in the gateway's spread notation:
// "<currency conid>;;;<conid>/<ratio>,..." with negative ratios for sells.
func comboConIDEx(legs []ComboLeg) string {
	parts := make([]string, len(legs))
	for i, leg := range legs {
		parts[i] = fmt.Sprintf("%d/%d", leg.Contract.ConID, leg.SignedRatio())
	}
	return fmt.Sprintf("%d;;;%s", comboCurrencyConID, strings.Join(parts, ","))
}

func (c *IBKRClient) buildTickets(order ComboOrder, coid string) []orderTicket {
	parent := orderTicket{
		AcctID:    c.accountID,
		ConIDEx:   comboConIDEx(order.Legs),
		COID:      coid,
		OrderType: string(order.OrderType),
		Side:      string(order.Action),
		Quantity:  float64(order.Quantity),
		TIF:       "DAY",
		Referrer:  order.OrderRef,
	}
	if order.OrderType == OrderTypeLimit {
		price := order.LimitPrice
		parent.Price = &price
	}
	if order.Adaptive {
		parent.Strategy = "Adaptive"
		parent.StrategyParameters = map[string]string{"adaptivePriority": "Normal"}
	}
	tickets := []orderTicket{parent}

	if order.ProfitTarget != nil {
		target := *order.ProfitTarget
		tickets = append(tickets, orderTicket{
			AcctID:    c.accountID,
			ConIDEx:   parent.ConIDEx,
			COID:      coid + "-pt",
			ParentID:  coid,
			OrderType: string(OrderTypeLimit),
			Price:     &target,
			Side:      string(order.Action.Reverse()),
			Quantity:  float64(order.Quantity),
			TIF:       "GTC",
			Referrer:  order.OrderRef,
		})
	}
	return tickets
}

// PlaceComboOrder submits a combo. When order.Transmit is false the order is
// only previewed through the what-if endpoint and nothing reaches the market.
func (c *IBKRClient) PlaceComboOrder(ctx context.Context, order ComboOrder) (*OrderResponse, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}
	coid := order.ClientOrderID
	if coid == "" {
		coid = uuid.NewString()
	}
	tickets := c.buildTickets(order, coid)

	if !order.Transmit {
		return c.previewOrder(ctx, tickets[0], coid)
	}

	path := fmt.Sprintf("/iserver/account/%s/orders", url.PathEscape(c.accountID))
	replies, err := c.submitWithReplies(ctx, path, ordersRequest{Orders: tickets})
	if err != nil {
		return nil, err
	}

	resp := &OrderResponse{ID: string(replies[0].OrderID), Status: replies[0].OrderStatus}
	for _, r := range replies[1:] {
		if r.OrderID != "" {
			resp.ChildIDs = append(resp.ChildIDs, string(r.OrderID))
		}
	}
	c.logger.WithFields(logrus.Fields{
		"order_id": resp.ID,
		"ref":      order.OrderRef,
		"type":     order.OrderType,
		"legs":     len(order.Legs),
	}).Info("Combo order submitted")
	return resp, nil
}

func (c *IBKRClient) previewOrder(ctx context.Context, ticket orderTicket, coid string) (*OrderResponse, error) {
	path := fmt.Sprintf("/iserver/account/%s/orders/whatif", url.PathEscape(c.accountID))
	var resp whatIfResponse
	if err := c.makeRequestCtx(ctx, http.MethodPost, path, nil, ordersRequest{Orders: []orderTicket{ticket}}, &resp); err != nil {
		return nil, fmt.Errorf("what-if: %w", err)
	}
	if resp.Error != nil && *resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrOrderRejected, *resp.Error)
	}
	out := &OrderResponse{
		ID:      previewIDPrefix + coid,
		Status:  OrderStatusPreview,
		Preview: true,
	}
	if resp.Warn != nil && *resp.Warn != "" {
		out.Warnings = append(out.Warnings, *resp.Warn)
	}
	c.logger.WithFields(logrus.Fields{
		"amount":     resp.Amount.Amount,
		"commission": resp.Amount.Commission,
	}).Info("Combo order previewed (not transmitted)")
	return out, nil
}

// submitWithReplies posts an order and confirms the gateway's precautionary
// questions until it returns order ids.
func (c *IBKRClient) submitWithReplies(ctx context.Context, path string, body interface{}) ([]orderReply, error) {
	var replies singleOrArray[orderReply]
	if err := c.makeRequestCtx(ctx, http.MethodPost, path, nil, body, &replies); err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}

	for round := 0; round <= maxReplyRounds; round++ {
		if len(replies) == 0 {
			return nil, fmt.Errorf("%w: empty gateway response", ErrOrderRejected)
		}
		first := replies[0]
		if first.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrOrderRejected, first.Error)
		}
		if first.OrderID != "" || first.ID == "" {
			if first.OrderID == "" {
				return nil, fmt.Errorf("%w: no order id returned", ErrOrderRejected)
			}
			return replies, nil
		}
		if round == maxReplyRounds {
			break
		}

		c.logger.WithFields(logrus.Fields{
			"reply_id": first.ID,
			"message":  strings.Join(first.Message, "; "),
		}).Info("Confirming gateway order warning")

		replies = nil
		confirm := map[string]bool{"confirmed": true}
		if err := c.makeRequestCtx(ctx, http.MethodPost, "/iserver/reply/"+url.PathEscape(first.ID),
			nil, confirm, &replies); err != nil {
			return nil, fmt.Errorf("confirm order reply: %w", err)
		}
	}
	return nil, fmt.Errorf("%w: too many confirmation rounds", ErrOrderRejected)
}

// GetOrderStatus retrieves the status of an existing order
func (c *IBKRClient) GetOrderStatus(ctx context.Context, orderID string) (*OrderResponse, error) {
	if strings.HasPrefix(orderID, previewIDPrefix) {
		return &OrderResponse{ID: orderID, Status: OrderStatusPreview, Preview: true}, nil
	}
	var resp orderStatusResponse
	path := "/iserver/account/order/status/" + url.PathEscape(orderID)
	if err := c.makeRequestCtx(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("order status %s: %w", orderID, err)
	}
	filled := nanToZero(float64(resp.CumFill))
	total := nanToZero(float64(resp.TotalSize))
	remaining := total - filled
	if remaining < 0 {
		remaining = 0
	}
	return &OrderResponse{
		ID:        orderID,
		Status:    resp.OrderStatus,
		Filled:    filled,
		Remaining: remaining,
		AvgPrice:  nanToZero(float64(resp.AveragePrice)),
	}, nil
}

// CancelOrder cancels an open order. Preview orders have nothing to cancel.
func (c *IBKRClient) CancelOrder(ctx context.Context, orderID string) error {
	if strings.HasPrefix(orderID, previewIDPrefix) {
		return nil
	}
	path := fmt.Sprintf("/iserver/account/%s/order/%s", url.PathEscape(c.accountID), url.PathEscape(orderID))
	if err := c.makeRequestCtx(ctx, http.MethodDelete, path, nil, nil, nil); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return nil
}

// ============ Account ============

// GetPositions returns all positions in the account.
func (c *IBKRClient) GetPositions(ctx context.Context) ([]PositionItem, error) {
	var out []PositionItem
	for page := 0; page < maxPositionPages; page++ {
		var entries []positionEntry
		path := fmt.Sprintf("/portfolio/%s/positions/%d", url.PathEscape(c.accountID), page)
		if err := c.makeRequestCtx(ctx, http.MethodGet, path, nil, nil, &entries); err != nil {
			return nil, fmt.Errorf("positions page %d: %w", page, err)
		}
		for _, e := range entries {
			if e.ConID == 0 || nanToZero(float64(e.Position)) == 0 {
				continue
			}
			symbol := e.UndSym
			if symbol == "" {
				symbol = e.Ticker
			}
			out = append(out, PositionItem{
				Contract: Contract{
					ConID:      int(e.ConID),
					Symbol:     symbol,
					SecType:    SecType(e.AssetClass),
					Currency:   e.Currency,
					Expiry:     e.Expiry,
					Strike:     nanToZero(float64(e.Strike)),
					Right:      Right(strings.ToUpper(firstChar(e.PutOrCall))),
					Multiplier: formatMultiplier(float64(e.Multiplier)),
				},
				Quantity:    float64(e.Position),
				AvgCost:     nanToZero(float64(e.AvgCost)),
				MarketPrice: nanToZero(float64(e.MktPrice)),
				MarketValue: nanToZero(float64(e.MktValue)),
				Underlying:  symbol,
			})
		}
		if len(entries) < positionsPageSize {
			break
		}
	}
	return out, nil
}

// GetExecutions returns fills from the last days (the gateway caps this at 7).
func (c *IBKRClient) GetExecutions(ctx context.Context, days int) ([]Execution, error) {
	if days <= 0 {
		days = 1
	}
	if days > 7 {
		days = 7
	}
	var trades []tradeEntry
	params := url.Values{"days": {strconv.Itoa(days)}}
	if err := c.makeRequestCtx(ctx, http.MethodGet, "/iserver/account/trades", params, nil, &trades); err != nil {
		return nil, fmt.Errorf("trades: %w", err)
	}

	out := make([]Execution, 0, len(trades))
	for _, t := range trades {
		secType := SecType(strings.ToUpper(t.SecType))
		out = append(out, Execution{
			ExecutionID: t.ExecutionID,
			OrderID:     string(t.OrderID),
			OrderRef:    t.OrderRef,
			Symbol:      t.Symbol,
			Description: t.OrderDescription,
			SecType:     secType,
			Side:        parseSide(t.Side),
			Quantity:    nanToZero(float64(t.Size)),
			Price:       nanToZero(float64(t.Price)),
			NetAmount:   nanToZero(float64(t.NetAmount)),
			Commission:  nanToZero(float64(t.Commission)),
			ConID:       int(t.ConID),
			ConIDEx:     t.ConIDEx,
			Time:        time.UnixMilli(t.TradeTimeR),
			IsCombo:     secType == SecTypeBag || strings.Contains(t.ConIDEx, ";;;"),
		})
	}
	return out, nil
}

func parseSide(s string) Action {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "S", "SLD", "SELL":
		return ActionSell
	default:
		return ActionBuy
	}
}

func firstChar(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return s[:1]
}

func formatMultiplier(m float64) string {
	if math.IsNaN(m) || m == 0 {
		return ""
	}
	return strconv.FormatFloat(m, 'f', -1, 64)
}

func nanToZero(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// ============ Transport ============

// makeRequestCtx makes a rate limited JSON request against the gateway.
// A nil response skips decoding.
func (c *IBKRClient) makeRequestCtx(ctx context.Context, method, endpoint string,
	params url.Values, body interface{}, response interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	target := c.baseURL + endpoint
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "double-calendar/1.0 (+ibkr)")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.WithError(err).Debug("Failed to close response body")
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap to avoid huge payloads
		if err != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s (retry-after: %s)", method, endpoint, string(data), ra)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s", method, endpoint, string(data))}
	}

	if response == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return fmt.Errorf("decoding %s %s: %w", method, endpoint, err)
	}
	return nil
}
