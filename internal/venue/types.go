package venue

import "time"

// Side is the order/position direction.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// OrderType is the venue order type.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime int64   `json:"open_time"` // ms epoch
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
}

// Ticker24h is the 24 hour stats for one instrument.
type Ticker24h struct {
	Symbol      string  `json:"symbol"`
	LastPrice   float64 `json:"last_price"`
	ChangePct   float64 `json:"change_pct"`   // 24h percent change
	QuoteVolume float64 `json:"quote_volume"` // 24h volume in quote currency
}

// FundingRate is the current funding for one instrument.
type FundingRate struct {
	Symbol string  `json:"symbol"`
	Rate   float64 `json:"rate"`
	Time   int64   `json:"time"`
}

// OpenInterest is one open-interest sample for a swap instrument.
type OpenInterest struct {
	Value float64 `json:"value"` // contracts outstanding
	Time  int64   `json:"time"`  // ms epoch
}

// BookLevel is one price level of the order book.
type BookLevel struct {
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
}

// OrderBook is a top-N depth snapshot.
type OrderBook struct {
	Symbol string      `json:"symbol"`
	Bids   []BookLevel `json:"bids"`
	Asks   []BookLevel `json:"asks"`
}

// BidShare returns the bid fraction of total top-of-book volume, 0.5 when empty.
func (b *OrderBook) BidShare() float64 {
	var bid, ask float64
	for _, l := range b.Bids {
		bid += l.Amount
	}
	for _, l := range b.Asks {
		ask += l.Amount
	}
	if bid+ask == 0 {
		return 0.5
	}
	return bid / (bid + ask)
}

// Position is a live venue position.
type Position struct {
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	Contracts  float64 `json:"contracts"`
	EntryPrice float64 `json:"entry_price"`
	MarkPrice  float64 `json:"mark_price"`
	Leverage   int     `json:"leverage"`
	UnrealPnL  float64 `json:"unreal_pnl"`
}

// OrderParams describes an entry order.
type OrderParams struct {
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Type       OrderType `json:"type"`
	Amount     float64   `json:"amount"`
	Price      float64   `json:"price"`       // ignored for market orders
	ReduceOnly bool      `json:"reduce_only"`
}

// Order is a venue order record.
type Order struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	Type      OrderType `json:"type"`
	Amount    float64   `json:"amount"`
	Price     float64   `json:"price"`
	Filled    float64   `json:"filled"`
	AvgPrice  float64   `json:"avg_price"`
	Status    string    `json:"status"` // open, filled, canceled
	CreatedAt time.Time `json:"created_at"`
}

// AlgoKind distinguishes the conditional order legs.
type AlgoKind string

const (
	AlgoStopLoss   AlgoKind = "stop_loss"
	AlgoTakeProfit AlgoKind = "take_profit"
	AlgoOCO        AlgoKind = "oco"
)

// AlgoOrderParams describes a conditional (stop / take-profit) order.
// When both triggers are set the venue books them as one OCO pair.
type AlgoOrderParams struct {
	Symbol    string  `json:"symbol"`
	Side      Side    `json:"side"` // position side being protected
	Amount    float64 `json:"amount"`
	SLTrigger float64 `json:"sl_trigger"` // 0 = no stop leg
	TPTrigger float64 `json:"tp_trigger"` // 0 = no take-profit leg
}

// AlgoOrder is a live conditional order.
type AlgoOrder struct {
	ID        string   `json:"id"`
	Symbol    string   `json:"symbol"`
	Kind      AlgoKind `json:"kind"`
	Side      Side     `json:"side"`
	Amount    float64  `json:"amount"`
	SLTrigger float64  `json:"sl_trigger"`
	TPTrigger float64  `json:"tp_trigger"`
}

// AlgoOrderIDs identifies the SL/TP pair protecting a position.
type AlgoOrderIDs struct {
	SLID string `json:"sl_id"`
	TPID string `json:"tp_id"`
}

// Balance is the account balance snapshot.
type Balance struct {
	Total     float64 `json:"total"`
	Available float64 `json:"available"`
}

// SymbolInfo carries the venue precision contract for one instrument.
type SymbolInfo struct {
	Symbol          string  `json:"symbol"`
	AmountPrecision int32   `json:"amount_precision"`
	PricePrecision  int32   `json:"price_precision"`
	MinAmount       float64 `json:"min_amount"`
	ContractSize    float64 `json:"contract_size"`
}
