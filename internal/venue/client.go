package venue

import "context"

// Client is the venue API surface the engine depends on. The REST adapter
// and the in-memory mock both satisfy it.
type Client interface {
	// ==================== MARKET DATA ====================

	// GetCandles retrieves OHLCV bars, oldest first.
	GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)

	// GetTicker retrieves 24h stats for one instrument.
	GetTicker(ctx context.Context, symbol string) (*Ticker24h, error)

	// GetAllTickers retrieves 24h stats for every swap instrument.
	GetAllTickers(ctx context.Context) ([]Ticker24h, error)

	// GetOrderBook retrieves a top-N depth snapshot.
	GetOrderBook(ctx context.Context, symbol string, limit int) (*OrderBook, error)

	// GetFundingRates retrieves funding for all instruments in one call.
	GetFundingRates(ctx context.Context) ([]FundingRate, error)

	// GetFundingRate retrieves funding for one instrument.
	GetFundingRate(ctx context.Context, symbol string) (*FundingRate, error)

	// GetOpenInterestHist retrieves recent open-interest samples, oldest
	// first.
	GetOpenInterestHist(ctx context.Context, symbol string, limit int) ([]OpenInterest, error)

	// GetPrice retrieves the last trade price.
	GetPrice(ctx context.Context, symbol string) (float64, error)

	// GetSymbolInfo retrieves the precision contract for one instrument.
	GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error)

	// ==================== ACCOUNT ====================

	GetBalance(ctx context.Context) (*Balance, error)
	GetPositions(ctx context.Context) ([]Position, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// ==================== ORDERS ====================

	CreateOrder(ctx context.Context, params OrderParams) (*Order, error)
	GetOrder(ctx context.Context, symbol, orderID string) (*Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// ==================== ALGO ORDERS ====================

	// CreateAlgoOrder books a conditional SL/TP (OCO when both legs set).
	CreateAlgoOrder(ctx context.Context, params AlgoOrderParams) (*AlgoOrderIDs, error)

	// GetOpenAlgoOrders lists live conditionals for a symbol ("" = all).
	GetOpenAlgoOrders(ctx context.Context, symbol string) ([]AlgoOrder, error)

	// CancelAlgoOrders cancels conditionals by id. Venue "not found"
	// responses are treated as success by callers.
	CancelAlgoOrders(ctx context.Context, symbol string, algoIDs []string) error
}
