package venue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockClient is an in-memory Client used in mock mode and tests. State is
// settable from the outside; order ids are sequential.
type MockClient struct {
	mu sync.Mutex

	Candles     map[string][]Candle // key: symbol:timeframe
	Tickers     map[string]Ticker24h
	Books       map[string]OrderBook
	Funding     map[string]float64
	OIHist      map[string][]OpenInterest
	Prices      map[string]float64
	Infos       map[string]SymbolInfo
	Positions_  []Position
	Balance_    Balance
	Orders      map[string]*Order
	AlgoOrders  map[string]*AlgoOrder
	nextID      int

	// Failure injection.
	FailCreateOrder bool
	FailCreateAlgo  bool
	FailFunding     bool

	// Call history for assertions.
	Calls []string
}

// NewMockClient returns an empty mock with a small default balance.
func NewMockClient() *MockClient {
	return &MockClient{
		Candles:    make(map[string][]Candle),
		Tickers:    make(map[string]Ticker24h),
		Books:      make(map[string]OrderBook),
		Funding:    make(map[string]float64),
		OIHist:     make(map[string][]OpenInterest),
		Prices:     make(map[string]float64),
		Infos:      make(map[string]SymbolInfo),
		Orders:     make(map[string]*Order),
		AlgoOrders: make(map[string]*AlgoOrder),
		Balance_:   Balance{Total: 10000, Available: 10000},
	}
}

func (m *MockClient) record(call string) {
	m.Calls = append(m.Calls, call)
}

func (m *MockClient) id() string {
	m.nextID++
	return fmt.Sprintf("mock-%d", m.nextID)
}

func (m *MockClient) GetCandles(_ context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetCandles:" + symbol + ":" + timeframe)
	c := m.Candles[symbol+":"+timeframe]
	if len(c) > limit && limit > 0 {
		c = c[len(c)-limit:]
	}
	return c, nil
}

func (m *MockClient) GetTicker(_ context.Context, symbol string) (*Ticker24h, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.Tickers[symbol]; ok {
		return &t, nil
	}
	return &Ticker24h{Symbol: symbol, LastPrice: m.Prices[symbol]}, nil
}

func (m *MockClient) GetAllTickers(_ context.Context) ([]Ticker24h, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Ticker24h, 0, len(m.Tickers))
	for _, t := range m.Tickers {
		out = append(out, t)
	}
	return out, nil
}

func (m *MockClient) GetOrderBook(_ context.Context, symbol string, _ int) (*OrderBook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.Books[symbol]; ok {
		return &b, nil
	}
	return &OrderBook{Symbol: symbol}, nil
}

func (m *MockClient) GetFundingRates(_ context.Context) ([]FundingRate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailFunding {
		return nil, fmt.Errorf("%w: funding unavailable", ErrRetryable)
	}
	out := make([]FundingRate, 0, len(m.Funding))
	for sym, rate := range m.Funding {
		out = append(out, FundingRate{Symbol: sym, Rate: rate, Time: time.Now().UnixMilli()})
	}
	return out, nil
}

func (m *MockClient) GetFundingRate(_ context.Context, symbol string) (*FundingRate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailFunding {
		return nil, fmt.Errorf("%w: funding unavailable", ErrRetryable)
	}
	return &FundingRate{Symbol: symbol, Rate: m.Funding[symbol], Time: time.Now().UnixMilli()}, nil
}

func (m *MockClient) GetOpenInterestHist(_ context.Context, symbol string, limit int) ([]OpenInterest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.OIHist[symbol]
	if len(h) > limit && limit > 0 {
		h = h[len(h)-limit:]
	}
	return h, nil
}

func (m *MockClient) GetPrice(_ context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.Prices[symbol]; ok {
		return p, nil
	}
	if t, ok := m.Tickers[symbol]; ok {
		return t.LastPrice, nil
	}
	return 0, fmt.Errorf("%w: no price for %s", ErrFatal, symbol)
}

func (m *MockClient) GetSymbolInfo(_ context.Context, symbol string) (*SymbolInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.Infos[symbol]; ok {
		return &info, nil
	}
	return &SymbolInfo{Symbol: symbol, AmountPrecision: 3, PricePrecision: 4, MinAmount: 0.001, ContractSize: 1}, nil
}

func (m *MockClient) GetBalance(_ context.Context) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.Balance_
	return &b, nil
}

func (m *MockClient) GetPositions(_ context.Context) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, len(m.Positions_))
	copy(out, m.Positions_)
	return out, nil
}

// SetPositions replaces the venue position list.
func (m *MockClient) SetPositions(positions []Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Positions_ = positions
}

func (m *MockClient) SetLeverage(_ context.Context, symbol string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(fmt.Sprintf("SetLeverage:%s:%d", symbol, leverage))
	return nil
}

func (m *MockClient) CreateOrder(_ context.Context, params OrderParams) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CreateOrder:" + params.Symbol + ":" + string(params.Side) + ":" + string(params.Type))
	if m.FailCreateOrder {
		return nil, fmt.Errorf("%w: order rejected", ErrFatal)
	}
	if IsDelivery(params.Symbol) {
		return nil, fmt.Errorf("%w: delivery contract", ErrVenueMinimum)
	}
	order := &Order{
		ID:        m.id(),
		Symbol:    params.Symbol,
		Side:      params.Side,
		Type:      params.Type,
		Amount:    params.Amount,
		Price:     params.Price,
		Status:    "open",
		CreatedAt: time.Now().UTC(),
	}
	// Market orders fill immediately; a reduce-only fill removes the position.
	if params.Type == OrderMarket {
		order.Status = "filled"
		order.Filled = params.Amount
		order.AvgPrice = m.Prices[params.Symbol]
		if order.AvgPrice == 0 {
			order.AvgPrice = params.Price
		}
		if params.ReduceOnly {
			kept := m.Positions_[:0]
			for _, p := range m.Positions_ {
				if p.Symbol != params.Symbol {
					kept = append(kept, p)
				}
			}
			m.Positions_ = kept
		} else {
			m.Positions_ = append(m.Positions_, Position{
				Symbol:     params.Symbol,
				Side:       params.Side,
				Contracts:  params.Amount,
				EntryPrice: order.AvgPrice,
			})
		}
	}
	m.Orders[order.ID] = order
	return order, nil
}

func (m *MockClient) GetOrder(_ context.Context, _ string, orderID string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.Orders[orderID]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, ErrOrderNotFound
}

// FillOrder marks a limit order filled at its price and opens the position.
func (m *MockClient) FillOrder(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.Orders[orderID]
	if !ok {
		return
	}
	o.Status = "filled"
	o.Filled = o.Amount
	o.AvgPrice = o.Price
	m.Positions_ = append(m.Positions_, Position{
		Symbol:     o.Symbol,
		Side:       o.Side,
		Contracts:  o.Amount,
		EntryPrice: o.Price,
	})
}

// PartialFillOrder fills part of a limit order at its price and opens the
// position for the filled amount. The order stays open.
func (m *MockClient) PartialFillOrder(orderID string, amount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.Orders[orderID]
	if !ok || amount <= 0 {
		return
	}
	if amount > o.Amount {
		amount = o.Amount
	}
	o.Filled = amount
	o.AvgPrice = o.Price
	m.Positions_ = append(m.Positions_, Position{
		Symbol:     o.Symbol,
		Side:       o.Side,
		Contracts:  amount,
		EntryPrice: o.Price,
	})
}

func (m *MockClient) CancelOrder(_ context.Context, _ string, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CancelOrder:" + orderID)
	o, ok := m.Orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	o.Status = "canceled"
	return nil
}

func (m *MockClient) CreateAlgoOrder(_ context.Context, params AlgoOrderParams) (*AlgoOrderIDs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CreateAlgoOrder:" + params.Symbol)
	if m.FailCreateAlgo {
		return nil, fmt.Errorf("%w: algo rejected", ErrFatal)
	}
	kind := AlgoOCO
	if params.TPTrigger == 0 {
		kind = AlgoStopLoss
	} else if params.SLTrigger == 0 {
		kind = AlgoTakeProfit
	}
	algo := &AlgoOrder{
		ID:        m.id(),
		Symbol:    params.Symbol,
		Kind:      kind,
		Side:      params.Side,
		Amount:    params.Amount,
		SLTrigger: params.SLTrigger,
		TPTrigger: params.TPTrigger,
	}
	m.AlgoOrders[algo.ID] = algo
	ids := &AlgoOrderIDs{}
	if params.SLTrigger > 0 {
		ids.SLID = algo.ID
	}
	if params.TPTrigger > 0 {
		ids.TPID = algo.ID
	}
	return ids, nil
}

func (m *MockClient) GetOpenAlgoOrders(_ context.Context, symbol string) ([]AlgoOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AlgoOrder, 0, len(m.AlgoOrders))
	for _, a := range m.AlgoOrders {
		if symbol == "" || a.Symbol == symbol {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *MockClient) CancelAlgoOrders(_ context.Context, _ string, algoIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range algoIDs {
		m.record("CancelAlgoOrders:" + id)
		delete(m.AlgoOrders, id)
	}
	return nil
}

var _ Client = (*MockClient)(nil)
