package venue

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// RESTConfig holds transport configuration for the REST adapter.
type RESTConfig struct {
	BaseURL    string
	APIKey     string
	SecretKey  string
	Passphrase string
	Timeout    time.Duration
	RatePerSec float64
	RateBurst  int
}

// RESTClient talks to the venue's v5 REST API. Calls pass through a token
// bucket and a circuit breaker; retries are the caller's concern (Retry).
type RESTClient struct {
	cfg     RESTConfig
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// NewRESTClient builds the REST adapter.
func NewRESTClient(cfg RESTConfig, log zerolog.Logger) *RESTClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 10
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = 20
	}
	return &RESTClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RateBurst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "venue-rest",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 8
			},
		}),
		log: log,
	}
}

// apiEnvelope is the venue's standard response wrapper.
type apiEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *RESTClient) do(ctx context.Context, method, path string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
	}

	_, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		c.sign(req, method, path, payload)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRetryable, err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: read body: %v", ErrRetryable, err)
		}
		if clsErr := classifyStatus(resp.StatusCode); clsErr != nil {
			return nil, fmt.Errorf("%w: status %d: %s", clsErr, resp.StatusCode, truncate(raw, 200))
		}

		var env apiEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("%w: decode envelope: %v", ErrFatal, err)
		}
		if env.Code != "0" && env.Code != "" {
			if strings.Contains(env.Msg, "does not exist") || strings.Contains(env.Msg, "not exist") {
				return nil, ErrOrderNotFound
			}
			return nil, fmt.Errorf("%w: venue code %s: %s", ErrFatal, env.Code, env.Msg)
		}
		if out != nil && len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, out); err != nil {
				return nil, fmt.Errorf("%w: decode data: %v", ErrFatal, err)
			}
		}
		return nil, nil
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("%w: breaker open", ErrRetryable)
	}
	return err
}

// sign adds the venue authentication headers (HMAC-SHA256, base64).
func (c *RESTClient) sign(req *http.Request, method, path string, body []byte) {
	if c.cfg.APIKey == "" {
		return
	}
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	mac := hmac.New(sha256.New, []byte(c.cfg.SecretKey))
	mac.Write([]byte(ts + method + path))
	mac.Write(body)
	req.Header.Set("OK-ACCESS-KEY", c.cfg.APIKey)
	req.Header.Set("OK-ACCESS-SIGN", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", c.cfg.Passphrase)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// ==================== MARKET DATA ====================

func (c *RESTClient) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	path := fmt.Sprintf("/api/v5/market/candles?instId=%s&bar=%s&limit=%d",
		ToInstID(symbol), timeframe, limit)
	var rows [][]string
	if err := c.do(ctx, http.MethodGet, path, nil, &rows); err != nil {
		return nil, err
	}
	candles := make([]Candle, 0, len(rows))
	// Venue returns newest first; the engine wants oldest first.
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		if len(row) < 6 {
			continue
		}
		candles = append(candles, Candle{
			OpenTime: parseInt(row[0]),
			Open:     parseFloat(row[1]),
			High:     parseFloat(row[2]),
			Low:      parseFloat(row[3]),
			Close:    parseFloat(row[4]),
			Volume:   parseFloat(row[5]),
		})
	}
	return candles, nil
}

type tickerRow struct {
	InstID    string `json:"instId"`
	Last      string `json:"last"`
	Open24h   string `json:"open24h"`
	VolCcy24h string `json:"volCcy24h"`
}

func (r tickerRow) toTicker() Ticker24h {
	last := parseFloat(r.Last)
	open := parseFloat(r.Open24h)
	change := 0.0
	if open > 0 {
		change = (last - open) / open * 100
	}
	return Ticker24h{
		Symbol:      FromInstID(r.InstID),
		LastPrice:   last,
		ChangePct:   change,
		QuoteVolume: parseFloat(r.VolCcy24h),
	}
}

func (c *RESTClient) GetTicker(ctx context.Context, symbol string) (*Ticker24h, error) {
	path := "/api/v5/market/ticker?instId=" + ToInstID(symbol)
	var rows []tickerRow
	if err := c.do(ctx, http.MethodGet, path, nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no ticker for %s", ErrFatal, symbol)
	}
	t := rows[0].toTicker()
	return &t, nil
}

func (c *RESTClient) GetAllTickers(ctx context.Context) ([]Ticker24h, error) {
	var rows []tickerRow
	if err := c.do(ctx, http.MethodGet, "/api/v5/market/tickers?instType=SWAP", nil, &rows); err != nil {
		return nil, err
	}
	out := make([]Ticker24h, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toTicker())
	}
	return out, nil
}

func (c *RESTClient) GetOrderBook(ctx context.Context, symbol string, limit int) (*OrderBook, error) {
	path := fmt.Sprintf("/api/v5/market/books?instId=%s&sz=%d", ToInstID(symbol), limit)
	var rows []struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &rows); err != nil {
		return nil, err
	}
	book := &OrderBook{Symbol: symbol}
	if len(rows) == 0 {
		return book, nil
	}
	for _, lvl := range rows[0].Bids {
		if len(lvl) >= 2 {
			book.Bids = append(book.Bids, BookLevel{Price: parseFloat(lvl[0]), Amount: parseFloat(lvl[1])})
		}
	}
	for _, lvl := range rows[0].Asks {
		if len(lvl) >= 2 {
			book.Asks = append(book.Asks, BookLevel{Price: parseFloat(lvl[0]), Amount: parseFloat(lvl[1])})
		}
	}
	return book, nil
}

func (c *RESTClient) GetFundingRates(ctx context.Context) ([]FundingRate, error) {
	var rows []struct {
		InstID      string `json:"instId"`
		FundingRate string `json:"fundingRate"`
		FundingTime string `json:"fundingTime"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v5/public/funding-rate?instId=ANY", nil, &rows); err != nil {
		return nil, err
	}
	out := make([]FundingRate, 0, len(rows))
	for _, r := range rows {
		out = append(out, FundingRate{
			Symbol: FromInstID(r.InstID),
			Rate:   parseFloat(r.FundingRate),
			Time:   parseInt(r.FundingTime),
		})
	}
	return out, nil
}

func (c *RESTClient) GetFundingRate(ctx context.Context, symbol string) (*FundingRate, error) {
	path := "/api/v5/public/funding-rate?instId=" + ToInstID(symbol)
	var rows []struct {
		InstID      string `json:"instId"`
		FundingRate string `json:"fundingRate"`
		FundingTime string `json:"fundingTime"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no funding for %s", ErrFatal, symbol)
	}
	return &FundingRate{
		Symbol: symbol,
		Rate:   parseFloat(rows[0].FundingRate),
		Time:   parseInt(rows[0].FundingTime),
	}, nil
}

func (c *RESTClient) GetOpenInterestHist(ctx context.Context, symbol string, limit int) ([]OpenInterest, error) {
	path := fmt.Sprintf("/api/v5/rubik/stat/contracts/open-interest-history?instId=%s&period=5m&limit=%d",
		ToInstID(symbol), limit)
	var rows [][]string
	if err := c.do(ctx, http.MethodGet, path, nil, &rows); err != nil {
		return nil, err
	}
	out := make([]OpenInterest, 0, len(rows))
	// Venue returns newest first; the engine wants oldest first.
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		if len(row) < 2 {
			continue
		}
		out = append(out, OpenInterest{Time: parseInt(row[0]), Value: parseFloat(row[1])})
	}
	return out, nil
}

func (c *RESTClient) GetPrice(ctx context.Context, symbol string) (float64, error) {
	t, err := c.GetTicker(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return t.LastPrice, nil
}

func (c *RESTClient) GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error) {
	path := "/api/v5/public/instruments?instType=SWAP&instId=" + ToInstID(symbol)
	var rows []struct {
		InstID string `json:"instId"`
		LotSz  string `json:"lotSz"`
		TickSz string `json:"tickSz"`
		MinSz  string `json:"minSz"`
		CtVal  string `json:"ctVal"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: unknown symbol %s", ErrVenueMinimum, symbol)
	}
	r := rows[0]
	return &SymbolInfo{
		Symbol:          symbol,
		AmountPrecision: decimalsOf(r.LotSz),
		PricePrecision:  decimalsOf(r.TickSz),
		MinAmount:       parseFloat(r.MinSz),
		ContractSize:    parseFloat(r.CtVal),
	}, nil
}

// ==================== ACCOUNT ====================

func (c *RESTClient) GetBalance(ctx context.Context) (*Balance, error) {
	var rows []struct {
		TotalEq string `json:"totalEq"`
		Details []struct {
			Ccy     string `json:"ccy"`
			AvailEq string `json:"availEq"`
		} `json:"details"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v5/account/balance?ccy=USDT", nil, &rows); err != nil {
		return nil, err
	}
	bal := &Balance{}
	if len(rows) > 0 {
		bal.Total = parseFloat(rows[0].TotalEq)
		for _, d := range rows[0].Details {
			if d.Ccy == "USDT" {
				bal.Available = parseFloat(d.AvailEq)
			}
		}
	}
	return bal, nil
}

func (c *RESTClient) GetPositions(ctx context.Context) ([]Position, error) {
	var rows []struct {
		InstID  string `json:"instId"`
		PosSide string `json:"posSide"`
		Pos     string `json:"pos"`
		AvgPx   string `json:"avgPx"`
		MarkPx  string `json:"markPx"`
		Lever   string `json:"lever"`
		Upl     string `json:"upl"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v5/account/positions?instType=SWAP", nil, &rows); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(rows))
	for _, r := range rows {
		contracts := parseFloat(r.Pos)
		if contracts == 0 {
			continue
		}
		side := SideLong
		if r.PosSide == "short" || contracts < 0 {
			side = SideShort
			if contracts < 0 {
				contracts = -contracts
			}
		}
		out = append(out, Position{
			Symbol:     FromInstID(r.InstID),
			Side:       side,
			Contracts:  contracts,
			EntryPrice: parseFloat(r.AvgPx),
			MarkPrice:  parseFloat(r.MarkPx),
			Leverage:   int(parseFloat(r.Lever)),
			UnrealPnL:  parseFloat(r.Upl),
		})
	}
	return out, nil
}

func (c *RESTClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	body := map[string]string{
		"instId":  ToInstID(symbol),
		"lever":   strconv.Itoa(leverage),
		"mgnMode": "cross",
	}
	return c.do(ctx, http.MethodPost, "/api/v5/account/set-leverage", body, nil)
}

// ==================== ORDERS ====================

func orderSide(side Side, reduceOnly bool) string {
	// One-way mode: a reduce-only close trades against the position side.
	if reduceOnly {
		side = side.Opposite()
	}
	if side == SideLong {
		return "buy"
	}
	return "sell"
}

func (c *RESTClient) CreateOrder(ctx context.Context, params OrderParams) (*Order, error) {
	if IsDelivery(params.Symbol) {
		return nil, fmt.Errorf("%w: delivery contract %s", ErrVenueMinimum, params.Symbol)
	}
	body := map[string]string{
		"instId":  ToInstID(params.Symbol),
		"tdMode":  "cross",
		"side":    orderSide(params.Side, params.ReduceOnly),
		"ordType": string(params.Type),
		"sz":      strconv.FormatFloat(params.Amount, 'f', -1, 64),
	}
	if params.Type == OrderLimit {
		body["px"] = strconv.FormatFloat(params.Price, 'f', -1, 64)
	}
	if params.ReduceOnly {
		body["reduceOnly"] = "true"
	}
	var rows []struct {
		OrdID string `json:"ordId"`
		SCode string `json:"sCode"`
		SMsg  string `json:"sMsg"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v5/trade/order", body, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 || rows[0].OrdID == "" {
		msg := "empty order response"
		if len(rows) > 0 {
			msg = rows[0].SMsg
		}
		return nil, fmt.Errorf("%w: %s", ErrFatal, msg)
	}
	return &Order{
		ID:        rows[0].OrdID,
		Symbol:    params.Symbol,
		Side:      params.Side,
		Type:      params.Type,
		Amount:    params.Amount,
		Price:     params.Price,
		Status:    "open",
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (c *RESTClient) GetOrder(ctx context.Context, symbol, orderID string) (*Order, error) {
	path := fmt.Sprintf("/api/v5/trade/order?instId=%s&ordId=%s", ToInstID(symbol), orderID)
	var rows []struct {
		OrdID   string `json:"ordId"`
		Side    string `json:"side"`
		OrdType string `json:"ordType"`
		Sz      string `json:"sz"`
		Px      string `json:"px"`
		AccFill string `json:"accFillSz"`
		AvgPx   string `json:"avgPx"`
		State   string `json:"state"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrOrderNotFound
	}
	r := rows[0]
	side := SideLong
	if r.Side == "sell" {
		side = SideShort
	}
	status := "open"
	switch r.State {
	case "filled":
		status = "filled"
	case "canceled", "mmp_canceled":
		status = "canceled"
	}
	return &Order{
		ID:       r.OrdID,
		Symbol:   symbol,
		Side:     side,
		Type:     OrderType(r.OrdType),
		Amount:   parseFloat(r.Sz),
		Price:    parseFloat(r.Px),
		Filled:   parseFloat(r.AccFill),
		AvgPrice: parseFloat(r.AvgPx),
		Status:   status,
	}, nil
}

func (c *RESTClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]string{"instId": ToInstID(symbol), "ordId": orderID}
	return c.do(ctx, http.MethodPost, "/api/v5/trade/cancel-order", body, nil)
}

// ==================== ALGO ORDERS ====================

func (c *RESTClient) CreateAlgoOrder(ctx context.Context, params AlgoOrderParams) (*AlgoOrderIDs, error) {
	body := map[string]string{
		"instId":     ToInstID(params.Symbol),
		"tdMode":     "cross",
		"side":       orderSide(params.Side, true),
		"ordType":    "oco",
		"sz":         strconv.FormatFloat(params.Amount, 'f', -1, 64),
		"reduceOnly": "true",
	}
	if params.SLTrigger > 0 {
		body["slTriggerPx"] = strconv.FormatFloat(params.SLTrigger, 'f', -1, 64)
		body["slOrdPx"] = "-1" // market on trigger
	}
	if params.TPTrigger > 0 {
		body["tpTriggerPx"] = strconv.FormatFloat(params.TPTrigger, 'f', -1, 64)
		body["tpOrdPx"] = "-1"
	}
	if params.SLTrigger == 0 || params.TPTrigger == 0 {
		body["ordType"] = "conditional"
	}
	var rows []struct {
		AlgoID string `json:"algoId"`
		SMsg   string `json:"sMsg"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v5/trade/order-algo", body, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 || rows[0].AlgoID == "" {
		return nil, fmt.Errorf("%w: algo order rejected", ErrFatal)
	}
	ids := &AlgoOrderIDs{}
	// The venue books the OCO pair under one algo id; both slots carry it
	// so either leg can be cancelled through the cache.
	if params.SLTrigger > 0 {
		ids.SLID = rows[0].AlgoID
	}
	if params.TPTrigger > 0 {
		ids.TPID = rows[0].AlgoID
	}
	return ids, nil
}

func (c *RESTClient) GetOpenAlgoOrders(ctx context.Context, symbol string) ([]AlgoOrder, error) {
	path := "/api/v5/trade/orders-algo-pending?ordType=oco,conditional"
	if symbol != "" {
		path += "&instId=" + ToInstID(symbol)
	}
	var rows []struct {
		AlgoID      string `json:"algoId"`
		InstID      string `json:"instId"`
		Side        string `json:"side"`
		Sz          string `json:"sz"`
		SlTriggerPx string `json:"slTriggerPx"`
		TpTriggerPx string `json:"tpTriggerPx"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &rows); err != nil {
		return nil, err
	}
	out := make([]AlgoOrder, 0, len(rows))
	for _, r := range rows {
		sl := parseFloat(r.SlTriggerPx)
		tp := parseFloat(r.TpTriggerPx)
		kind := AlgoOCO
		if tp == 0 {
			kind = AlgoStopLoss
		} else if sl == 0 {
			kind = AlgoTakeProfit
		}
		// Close side is opposite of position side.
		side := SideShort
		if r.Side == "sell" {
			side = SideLong
		}
		out = append(out, AlgoOrder{
			ID:        r.AlgoID,
			Symbol:    FromInstID(r.InstID),
			Kind:      kind,
			Side:      side,
			Amount:    parseFloat(r.Sz),
			SLTrigger: sl,
			TPTrigger: tp,
		})
	}
	return out, nil
}

func (c *RESTClient) CancelAlgoOrders(ctx context.Context, symbol string, algoIDs []string) error {
	if len(algoIDs) == 0 {
		return nil
	}
	body := make([]map[string]string, 0, len(algoIDs))
	for _, id := range algoIDs {
		body = append(body, map[string]string{
			"instId": ToInstID(symbol),
			"algoId": id,
		})
	}
	return c.do(ctx, http.MethodPost, "/api/v5/trade/cancel-algos", body, nil)
}

// ==================== PARSE HELPERS ====================

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func parseInt(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

// decimalsOf counts decimal places of a step size like "0.001".
func decimalsOf(step string) int32 {
	if i := strings.Index(step, "."); i >= 0 {
		return int32(len(strings.TrimRight(step[i+1:], "0")))
	}
	return 0
}
