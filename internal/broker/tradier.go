// Package broker provides the market-data and brokerage gateway used by the
// trading engines. It includes the Tradier API client implementation.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/stamford_scalper/internal/models"
	"github.com/eddiefleurent/stamford_scalper/internal/osi"
)

// Chain pagination bounds: a full SPY chain can span many pages but the scan
// cannot stall the cycle indefinitely.
const (
	maxChainPages   = 20
	chainFetchLimit = 45 * time.Second
)

// APIError represents an API error with status code and response body.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// IsTransient reports whether an error is worth retrying: timeouts, 429, 5xx.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}
	// Network-level failures (timeouts, refused connections) come back as
	// url.Error and are retryable.
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// IsPermanent reports whether an error will not succeed on retry: 4xx except 429.
func IsPermanent(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != http.StatusTooManyRequests
	}
	return false
}

var (
	nyLocOnce sync.Once
	nyLoc     *time.Location
)

// easternTime returns the America/New_York location, falling back to a fixed
// EST offset when the tz database is unavailable.
func easternTime() *time.Location {
	nyLocOnce.Do(func() {
		loc, err := time.LoadLocation("America/New_York")
		if err != nil {
			log.Printf("warning: failed to load America/New_York, using fixed EST offset: %v", err)
			loc = time.FixedZone("EST", -5*3600)
		}
		nyLoc = loc
	})
	return nyLoc
}

// TradierAPI implements Gateway against the Tradier brokerage API.
type TradierAPI struct {
	client    *http.Client
	apiKey    string
	baseURL   string
	accountID string
	sandbox   bool
	timeout   time.Duration
}

// Ensure TradierAPI implements Gateway at compile time.
var _ Gateway = (*TradierAPI)(nil)

// NewTradierAPI creates a new TradierAPI client with default settings.
func NewTradierAPI(apiKey, accountID string, sandbox bool) *TradierAPI {
	return NewTradierAPIWithBaseURL(apiKey, accountID, sandbox, "")
}

// NewTradierAPIWithBaseURL creates a client with an optional custom baseURL
// (tests point this at an httptest server).
func NewTradierAPIWithBaseURL(apiKey, accountID string, sandbox bool, baseURL string) *TradierAPI {
	if baseURL == "" {
		if sandbox {
			baseURL = "https://sandbox.tradier.com/v1"
		} else {
			baseURL = "https://api.tradier.com/v1"
		}
	}
	baseURL = strings.TrimRight(baseURL, "/")

	defaultTimeout := 10 * time.Second
	return &TradierAPI{
		apiKey:    apiKey,
		baseURL:   baseURL,
		accountID: accountID,
		client:    &http.Client{Timeout: defaultTimeout},
		sandbox:   sandbox,
		timeout:   defaultTimeout,
	}
}

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (t *TradierAPI) WithHTTPClient(c *http.Client) *TradierAPI {
	if c != nil {
		t.client = c
	}
	return t
}

// WithTimeout sets the HTTP client timeout duration.
func (t *TradierAPI) WithTimeout(timeout time.Duration) *TradierAPI {
	t.timeout = timeout
	if t.client != nil {
		t.client.Timeout = timeout
	}
	return t
}

// ============ API Response Structures ============

// Handle single-object vs array responses from Tradier.
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, (*[]T)(s))
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

type clockResponse struct {
	Clock struct {
		Date       string `json:"date"`
		State      string `json:"state"`
		NextChange string `json:"next_change"`
		NextState  string `json:"next_state"`
	} `json:"clock"`
}

type balancesResponse struct {
	Balances struct {
		TotalEquity float64 `json:"total_equity"`
		TotalCash   float64 `json:"total_cash"`
		OptionBP    float64 `json:"option_buying_power"`
		StockBP     float64 `json:"stock_buying_power"`
		DayTrades   int     `json:"day_trade_buying_power_calls"`
	} `json:"balances"`
}

type positionItem struct {
	Symbol    string  `json:"symbol"`
	Quantity  float64 `json:"quantity"`
	CostBasis float64 `json:"cost_basis"`
}

type positionsWrapper struct {
	Position singleOrArray[positionItem] `json:"position"`
}

// Tradier returns the string "null" for an empty positions list.
func (pw *positionsWrapper) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) || bytes.Equal(b, []byte(`"null"`)) {
		return nil
	}
	type alias positionsWrapper
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*pw = positionsWrapper(a)
	return nil
}

type positionsResponse struct {
	Positions positionsWrapper `json:"positions"`
}

type quoteItem struct {
	Symbol    string  `json:"symbol"`
	Last      float64 `json:"last"`
	PrevClose float64 `json:"prevclose"`
	ChangePct float64 `json:"change_percentage"`
	Volume    int64   `json:"volume"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	BidSize   int     `json:"bidsize"`
	AskSize   int     `json:"asksize"`
}

type quotesResponse struct {
	Quotes struct {
		Quote singleOrArray[quoteItem] `json:"quote"`
	} `json:"quotes"`
}

type historyResponse struct {
	History struct {
		Day singleOrArray[struct {
			Date   string  `json:"date"`
			Open   float64 `json:"open"`
			High   float64 `json:"high"`
			Low    float64 `json:"low"`
			Close  float64 `json:"close"`
			Volume int64   `json:"volume"`
		}] `json:"day"`
	} `json:"history"`
}

type timesalesResponse struct {
	Series struct {
		Data singleOrArray[struct {
			Time   string  `json:"time"`
			Open   float64 `json:"open"`
			High   float64 `json:"high"`
			Low    float64 `json:"low"`
			Close  float64 `json:"close"`
			Volume int64   `json:"volume"`
			VWAP   float64 `json:"vwap"`
		}] `json:"data"`
	} `json:"series"`
}

type chainOption struct {
	Symbol       string  `json:"symbol"`
	OptionType   string  `json:"option_type"`
	Strike       float64 `json:"strike"`
	Expiration   string  `json:"expiration_date"`
	Underlying   string  `json:"underlying"`
	Bid          float64 `json:"bid"`
	Ask          float64 `json:"ask"`
	Last         float64 `json:"last"`
	BidSize      int     `json:"bid_size"`
	AskSize      int     `json:"ask_size"`
	Volume       int64   `json:"volume"`
	OpenInterest int64   `json:"open_interest"`
	Greeks       *struct {
		Delta float64 `json:"delta"`
		Gamma float64 `json:"gamma"`
		Theta float64 `json:"theta"`
		Vega  float64 `json:"vega"`
		Rho   float64 `json:"rho"`
		MidIV float64 `json:"mid_iv"`
	} `json:"greeks,omitempty"`
}

type chainResponse struct {
	Options struct {
		Option   singleOrArray[chainOption] `json:"option"`
		NextPage string                     `json:"next_page"`
	} `json:"options"`
}

type expirationsResponse struct {
	Expirations struct {
		Date []string `json:"date"`
	} `json:"expirations"`
}

type orderResponse struct {
	Order struct {
		ID           int     `json:"id"`
		Symbol       string  `json:"symbol"`
		Side         string  `json:"side"`
		Status       string  `json:"status"`
		Quantity     float64 `json:"quantity"`
		ExecQuantity float64 `json:"exec_quantity"`
		AvgFillPrice float64 `json:"avg_fill_price"`
		CreateDate   string  `json:"create_date"`
	} `json:"order"`
}

type ordersResponse struct {
	Orders struct {
		Order singleOrArray[struct {
			ID     int    `json:"id"`
			Status string `json:"status"`
		}] `json:"order"`
	} `json:"orders"`
}

// ============ Gateway Methods ============

// GetClock retrieves the current market session state.
func (t *TradierAPI) GetClock(ctx context.Context) (*Clock, error) {
	endpoint := t.baseURL + "/markets/clock"

	var response clockResponse
	if err := t.makeRequest(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}

	clock := &Clock{IsOpen: response.Clock.State == "open"}

	// next_change is a wall-clock HH:MM on the clock's date, Eastern.
	next, err := time.ParseInLocation("2006-01-02 15:04",
		response.Clock.Date+" "+response.Clock.NextChange, easternTime())
	if err == nil {
		if response.Clock.NextState == "open" {
			clock.NextOpen = next
		} else {
			clock.NextClose = next
		}
	}
	return clock, nil
}

// GetAccount retrieves account balances.
func (t *TradierAPI) GetAccount(ctx context.Context) (*Account, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/balances", t.baseURL, t.accountID)

	var response balancesResponse
	if err := t.makeRequest(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}

	bp := response.Balances.OptionBP
	if bp == 0 {
		bp = response.Balances.StockBP
	}
	return &Account{
		Equity:      response.Balances.TotalEquity,
		BuyingPower: bp,
		Cash:        response.Balances.TotalCash,
	}, nil
}

// GetPositions retrieves all positions in the account.
func (t *TradierAPI) GetPositions(ctx context.Context) ([]Position, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/positions", t.baseURL, t.accountID)

	var response positionsResponse
	if err := t.makeRequest(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}

	positions := make([]Position, 0, len(response.Positions.Position))
	for _, item := range response.Positions.Position {
		qty := int(item.Quantity)
		pos := Position{Symbol: item.Symbol, Qty: qty}
		if qty != 0 {
			pos.AvgEntryPrice = item.CostBasis / float64(qty)
			if pos.IsOption() {
				pos.AvgEntryPrice /= 100
			}
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// GetOptionsPositions retrieves only positions whose symbols parse as OSI.
func (t *TradierAPI) GetOptionsPositions(ctx context.Context) ([]Position, error) {
	positions, err := t.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	return FilterOptionsPositions(positions), nil
}

// GetSnapshot retrieves a price snapshot for one ticker.
func (t *TradierAPI) GetSnapshot(ctx context.Context, ticker string) (*Snapshot, error) {
	snapshots, err := t.GetSnapshots(ctx, []string{ticker})
	if err != nil {
		return nil, err
	}
	snap, ok := snapshots[ticker]
	if !ok {
		return nil, fmt.Errorf("no quote found for symbol: %s", ticker)
	}
	return &snap, nil
}

// GetSnapshots retrieves price snapshots for a batch of tickers.
func (t *TradierAPI) GetSnapshots(ctx context.Context, tickers []string) (map[string]Snapshot, error) {
	params := url.Values{}
	params.Set("symbols", strings.Join(tickers, ","))
	params.Set("greeks", "false")
	endpoint := t.baseURL + "/markets/quotes?" + params.Encode()

	var response quotesResponse
	if err := t.makeRequest(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}

	out := make(map[string]Snapshot, len(response.Quotes.Quote))
	for _, q := range response.Quotes.Quote {
		out[q.Symbol] = Snapshot{
			Symbol:    q.Symbol,
			Price:     q.Last,
			PrevClose: q.PrevClose,
			ChangePct: q.ChangePct,
			Volume:    q.Volume,
		}
	}
	return out, nil
}

// GetHistory retrieves up to days of daily bars, oldest first.
func (t *TradierAPI) GetHistory(ctx context.Context, ticker string, days int) ([]models.Bar, error) {
	end := time.Now().In(easternTime())
	// Pad for weekends and holidays so we get the requested trading days.
	start := end.AddDate(0, 0, -(days*7/5 + 5))

	params := url.Values{}
	params.Set("symbol", ticker)
	params.Set("interval", "daily")
	params.Set("start", start.Format("2006-01-02"))
	params.Set("end", end.Format("2006-01-02"))
	endpoint := t.baseURL + "/markets/history?" + params.Encode()

	var response historyResponse
	if err := t.makeRequest(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, fmt.Errorf("failed to get history for %s: %w", ticker, err)
	}

	bars := make([]models.Bar, 0, len(response.History.Day))
	for _, day := range response.History.Day {
		ts, err := time.ParseInLocation("2006-01-02", day.Date, easternTime())
		if err != nil {
			return nil, fmt.Errorf("failed to parse date %s: %w", day.Date, err)
		}
		bars = append(bars, models.Bar{
			Timestamp: ts.UTC(),
			Open:      day.Open,
			High:      day.High,
			Low:       day.Low,
			Close:     day.Close,
			Volume:    day.Volume,
		})
	}
	if len(bars) > days {
		bars = bars[len(bars)-days:]
	}
	return bars, nil
}

// tradierInterval maps gateway timeframes to Tradier timesales intervals.
func tradierInterval(timeframe string) (string, error) {
	switch timeframe {
	case "1m", "1min":
		return "1min", nil
	case "5m", "5min":
		return "5min", nil
	case "15m", "15min":
		return "15min", nil
	}
	return "", fmt.Errorf("unsupported intraday timeframe: %s", timeframe)
}

// GetIntradayBars retrieves up to limit intraday bars for today's session,
// oldest first.
func (t *TradierAPI) GetIntradayBars(ctx context.Context, ticker, timeframe string, limit int) ([]models.Bar, error) {
	interval, err := tradierInterval(timeframe)
	if err != nil {
		return nil, err
	}

	now := time.Now().In(easternTime())
	sessionStart := time.Date(now.Year(), now.Month(), now.Day(), 9, 30, 0, 0, easternTime())

	params := url.Values{}
	params.Set("symbol", ticker)
	params.Set("interval", interval)
	params.Set("start", sessionStart.Format("2006-01-02 15:04"))
	params.Set("end", now.Format("2006-01-02 15:04"))
	params.Set("session_filter", "open")
	endpoint := t.baseURL + "/markets/timesales?" + params.Encode()

	var response timesalesResponse
	if err := t.makeRequest(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, fmt.Errorf("failed to get intraday bars for %s: %w", ticker, err)
	}

	bars := make([]models.Bar, 0, len(response.Series.Data))
	for _, d := range response.Series.Data {
		ts, err := time.ParseInLocation("2006-01-02T15:04:05", d.Time, easternTime())
		if err != nil {
			continue
		}
		bars = append(bars, models.Bar{
			Timestamp: ts.UTC(),
			Open:      d.Open,
			High:      d.High,
			Low:       d.Low,
			Close:     d.Close,
			Volume:    d.Volume,
			VWAP:      d.VWAP,
		})
	}
	if limit > 0 && len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return bars, nil
}

// GetOptionsSnapshots retrieves the option chain with greeks, following
// pagination up to maxChainPages pages within a 45 second budget.
func (t *TradierAPI) GetOptionsSnapshots(ctx context.Context, ticker, expiration, optionType string) ([]OptionContract, error) {
	ctx, cancel := context.WithTimeout(ctx, chainFetchLimit)
	defer cancel()

	var contracts []OptionContract
	page := ""
	for pages := 0; pages < maxChainPages; pages++ {
		params := url.Values{}
		params.Set("symbol", ticker)
		params.Set("greeks", "true")
		if expiration != "" {
			params.Set("expiration", expiration)
		}
		if page != "" {
			params.Set("page", page)
		}
		endpoint := t.baseURL + "/markets/options/chains?" + params.Encode()

		var response chainResponse
		if err := t.makeRequest(ctx, "GET", endpoint, nil, &response); err != nil {
			// Keep what we have if a later page fails.
			if len(contracts) > 0 {
				log.Printf("warning: chain page %d for %s failed, using %d contracts: %v",
					pages+1, ticker, len(contracts), err)
				break
			}
			return nil, err
		}

		for _, opt := range response.Options.Option {
			if optionType != "" && opt.OptionType != optionType {
				continue
			}
			c := OptionContract{
				Symbol:       opt.Symbol,
				Underlying:   opt.Underlying,
				Strike:       opt.Strike,
				Expiration:   opt.Expiration,
				Type:         opt.OptionType,
				Volume:       opt.Volume,
				OpenInterest: opt.OpenInterest,
				Quote: Quote{
					Bid:     opt.Bid,
					Ask:     opt.Ask,
					Last:    opt.Last,
					BidSize: opt.BidSize,
					AskSize: opt.AskSize,
				},
			}
			if opt.Greeks != nil {
				c.IV = opt.Greeks.MidIV
				c.Greeks = Greeks{
					Delta: opt.Greeks.Delta,
					Gamma: opt.Greeks.Gamma,
					Theta: opt.Greeks.Theta,
					Vega:  opt.Greeks.Vega,
					Rho:   opt.Greeks.Rho,
				}
			}
			// Fill gaps from the OSI code when the provider omits fields.
			if c.Underlying == "" || c.Strike == 0 {
				parsed := osi.Parse(c.Symbol)
				if parsed.Type != osi.TypeUnknown {
					c.Underlying = parsed.Underlying
					c.Strike = parsed.Strike
					c.Expiration = parsed.Expiration
					c.Type = parsed.Type
				}
			}
			contracts = append(contracts, c)
		}

		page = response.Options.NextPage
		if page == "" {
			break
		}
	}
	return contracts, nil
}

// GetOptionExpirations retrieves the sorted expiration dates for a ticker.
func (t *TradierAPI) GetOptionExpirations(ctx context.Context, ticker string) ([]string, error) {
	params := url.Values{}
	params.Set("symbol", ticker)
	params.Set("includeAllRoots", "true")
	params.Set("strikes", "false")
	endpoint := t.baseURL + "/markets/options/expirations?" + params.Encode()

	var response expirationsResponse
	if err := t.makeRequest(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}

	dates := response.Expirations.Date
	sort.Strings(dates)
	return dates, nil
}

// CreateOrder submits an equity order.
func (t *TradierAPI) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if req.Qty <= 0 && req.Notional <= 0 {
		return nil, fmt.Errorf("order for %s needs qty or notional", req.Symbol)
	}
	if req.Type == "limit" && req.LimitPrice <= 0 {
		return nil, fmt.Errorf("invalid price for limit order: %.2f, price must be positive", req.LimitPrice)
	}

	params := url.Values{}
	params.Add("class", "equity")
	params.Add("symbol", req.Symbol)
	params.Add("side", req.Side)
	if req.Qty > 0 {
		params.Add("quantity", strconv.Itoa(req.Qty))
	} else {
		params.Add("notional", fmt.Sprintf("%.2f", req.Notional))
	}
	params.Add("type", req.Type)
	params.Add("duration", orderDuration(req.TimeInForce))
	if req.Type == "limit" {
		params.Add("price", fmt.Sprintf("%.2f", req.LimitPrice))
	}

	return t.submitOrder(ctx, params)
}

// CreateOptionsOrder submits a single-leg option order.
func (t *TradierAPI) CreateOptionsOrder(ctx context.Context, req OptionsOrderRequest) (*Order, error) {
	if req.Qty <= 0 {
		return nil, fmt.Errorf("invalid quantity for order: %d, quantity must be greater than zero", req.Qty)
	}
	if req.Type == "limit" && req.LimitPrice <= 0 {
		return nil, fmt.Errorf("invalid price for limit order: %.2f, price must be positive", req.LimitPrice)
	}
	underlying := osi.Parse(req.Symbol).Underlying
	if underlying == "" {
		return nil, fmt.Errorf("failed to extract underlying from option symbol: %s", req.Symbol)
	}

	params := url.Values{}
	params.Add("class", "option")
	params.Add("symbol", underlying)
	params.Add("option_symbol", req.Symbol)
	params.Add("side", req.Side)
	params.Add("quantity", strconv.Itoa(req.Qty))
	params.Add("type", req.Type)
	params.Add("duration", orderDuration(req.TimeInForce))
	if req.Type == "limit" {
		params.Add("price", fmt.Sprintf("%.2f", req.LimitPrice))
	}
	if req.Tag != "" {
		params.Add("tag", req.Tag)
	}

	return t.submitOrder(ctx, params)
}

// GetOrder retrieves the status of an existing order by ID.
func (t *TradierAPI) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%s", t.baseURL, t.accountID, orderID)

	var response orderResponse
	if err := t.makeRequest(ctx, "GET", endpoint, nil, &response); err != nil {
		return nil, err
	}
	return orderFromResponse(&response), nil
}

// ClosePosition closes qty shares of an equity position with a market order.
// qty <= 0 closes the full position.
func (t *TradierAPI) ClosePosition(ctx context.Context, symbol string, qty int) (*Order, error) {
	side := "sell"
	if qty <= 0 {
		positions, err := t.GetPositions(ctx)
		if err != nil {
			return nil, err
		}
		found := false
		for _, p := range positions {
			if p.Symbol == symbol {
				qty = p.Qty
				found = true
				break
			}
		}
		if !found || qty == 0 {
			return nil, fmt.Errorf("no open position for %s", symbol)
		}
	}
	if qty < 0 {
		side = "buy_to_cover"
		qty = -qty
	}

	return t.CreateOrder(ctx, OrderRequest{
		Symbol:      symbol,
		Side:        side,
		Qty:         qty,
		Type:        "market",
		TimeInForce: "day",
	})
}

// CloseOptionsPosition closes qty contracts of a long option position.
// qty <= 0 closes the full position.
func (t *TradierAPI) CloseOptionsPosition(ctx context.Context, osiSymbol string, qty int) (*Order, error) {
	if qty <= 0 {
		positions, err := t.GetOptionsPositions(ctx)
		if err != nil {
			return nil, err
		}
		found := false
		for _, p := range positions {
			if p.Symbol == osiSymbol {
				qty = p.Qty
				found = true
				break
			}
		}
		if !found || qty <= 0 {
			return nil, fmt.Errorf("no open long option position for %s", osiSymbol)
		}
	}

	return t.CreateOptionsOrder(ctx, OptionsOrderRequest{
		Symbol:      osiSymbol,
		Side:        "sell_to_close",
		Qty:         qty,
		Type:        "market",
		TimeInForce: "day",
	})
}

// CancelAllOrders cancels every non-terminal order in the account.
func (t *TradierAPI) CancelAllOrders(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, t.accountID)

	var response ordersResponse
	if err := t.makeRequest(ctx, "GET", endpoint, nil, &response); err != nil {
		return err
	}

	var firstErr error
	for _, o := range response.Orders.Order {
		switch o.Status {
		case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
			continue
		}
		cancelEndpoint := fmt.Sprintf("%s/accounts/%s/orders/%d", t.baseURL, t.accountID, o.ID)
		if err := t.makeRequest(ctx, "DELETE", cancelEndpoint, nil, &struct{}{}); err != nil {
			log.Printf("warning: failed to cancel order %d: %v", o.ID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// CloseAllPositions market-closes every open position, options first so the
// decaying legs go before the stock.
func (t *TradierAPI) CloseAllPositions(ctx context.Context) error {
	positions, err := t.GetPositions(ctx)
	if err != nil {
		return err
	}

	sort.SliceStable(positions, func(i, j int) bool {
		return positions[i].IsOption() && !positions[j].IsOption()
	})

	var firstErr error
	for _, p := range positions {
		if p.Qty == 0 {
			continue
		}
		if p.IsOption() {
			_, err = t.CloseOptionsPosition(ctx, p.Symbol, p.Qty)
		} else {
			_, err = t.ClosePosition(ctx, p.Symbol, p.Qty)
		}
		if err != nil {
			log.Printf("warning: failed to close %s: %v", p.Symbol, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// ============ Internals ============

func orderDuration(timeInForce string) string {
	switch strings.ToLower(timeInForce) {
	case "", "day":
		return "day"
	case "gtc":
		return "gtc"
	case "pre", "post":
		return timeInForce
	}
	return "day"
}

func (t *TradierAPI) submitOrder(ctx context.Context, params url.Values) (*Order, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, t.accountID)

	var response orderResponse
	if err := t.makeRequest(ctx, "POST", endpoint, params, &response); err != nil {
		return nil, err
	}
	return orderFromResponse(&response), nil
}

func orderFromResponse(r *orderResponse) *Order {
	o := &Order{
		ID:           strconv.Itoa(r.Order.ID),
		Symbol:       r.Order.Symbol,
		Side:         r.Order.Side,
		Status:       normalizeOrderStatus(r.Order.Status),
		Qty:          r.Order.Quantity,
		FilledQty:    r.Order.ExecQuantity,
		AvgFillPrice: r.Order.AvgFillPrice,
	}
	if ts, err := time.Parse(time.RFC3339, r.Order.CreateDate); err == nil {
		o.CreatedAt = ts
	}
	return o
}

func normalizeOrderStatus(status string) string {
	switch status {
	case "ok", "pending", "submitted":
		return OrderStatusPending
	case "open", "partially_filled":
		return OrderStatusOpen
	case "filled":
		return OrderStatusFilled
	case "canceled":
		return OrderStatusCanceled
	case "rejected", "error":
		return OrderStatusRejected
	case "expired":
		return OrderStatusExpired
	}
	return status
}

// makeRequest makes an HTTP request with context support for timeout and
// cancellation.
func (t *TradierAPI) makeRequest(ctx context.Context, method, endpoint string,
	params url.Values, response interface{}) error {
	var req *http.Request
	var err error

	if method == "POST" && params != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return err
		}
		req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
		if err != nil {
			return err
		}
	}

	req.Header.Add("Authorization", "Bearer "+t.apiKey)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "stamford-scalper/1.0 (+tradier)")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("Failed to close response body: %v", err)
		}
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated &&
		resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap to avoid huge payloads
		if err != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s (retry-after: %s)", method, endpoint, string(body), ra)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s", method, endpoint, string(body))}
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return err
	}
	return nil
}
