package market

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"perp-engine/internal/venue"
)

// risingTape builds n candles grinding up 0.1% per bar with a volume surge
// on the last bar.
func risingTape(n int) []venue.Candle {
	out := make([]venue.Candle, n)
	price := 100.0
	for i := range out {
		price *= 1.001
		out[i] = venue.Candle{Open: price * 0.999, High: price * 1.001, Low: price * 0.998, Close: price, Volume: 100}
	}
	out[n-1].Volume = 200
	return out
}

func TestAttachSmartMoneyClassifiesFlow(t *testing.T) {
	const sym = "SOL/USDT:USDT"
	mock := venue.NewMockClient()
	c := NewCache(mock, Config{}, zerolog.Nop())

	// Price up, open interest up, volume surging: fresh longs entering.
	oi := make([]venue.OpenInterest, 30)
	for i := range oi {
		oi[i] = venue.OpenInterest{Value: 1000 + float64(i)*10}
	}
	mock.OIHist[sym] = oi

	m := ComputeMetrics(sym, risingTape(40), nil)
	c.AttachSmartMoney(context.Background(), &m)
	assert.Equal(t, SmartAccumulation, m.SmartMoney)
}

func TestAttachSmartMoneyFallingOI(t *testing.T) {
	const sym = "SOL/USDT:USDT"
	mock := venue.NewMockClient()
	c := NewCache(mock, Config{}, zerolog.Nop())

	// Price up on shrinking open interest: shorts covering.
	oi := make([]venue.OpenInterest, 30)
	for i := range oi {
		oi[i] = venue.OpenInterest{Value: 1000 - float64(i)*10}
	}
	mock.OIHist[sym] = oi

	m := ComputeMetrics(sym, risingTape(40), nil)
	c.AttachSmartMoney(context.Background(), &m)
	assert.Equal(t, SmartSqueeze, m.SmartMoney)
}

func TestAttachSmartMoneyNoDataStaysNeutral(t *testing.T) {
	const sym = "SOL/USDT:USDT"
	mock := venue.NewMockClient()
	c := NewCache(mock, Config{}, zerolog.Nop())

	m := ComputeMetrics(sym, risingTape(40), nil)
	c.AttachSmartMoney(context.Background(), &m)
	assert.Equal(t, SmartMoney(""), m.SmartMoney)
}
