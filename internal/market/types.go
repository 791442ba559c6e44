package market

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Depth is the number of order book levels carried per side.
const Depth = 5

var hundred = decimal.NewFromInt(100)

type Level struct {
	Price  decimal.Decimal `json:"price"`
	Volume int64           `json:"volume"`
}

// QuoteRecord is the canonical quote for one symbol at one instant. Values
// are copied around, never mutated after the fetcher builds them.
type QuoteRecord struct {
	Symbol       Symbol          `json:"symbol"`
	Name         string          `json:"name,omitempty"`
	Last         decimal.Decimal `json:"last"`
	PrevClose    decimal.Decimal `json:"prev_close"`
	Open         decimal.Decimal `json:"open"`
	High         decimal.Decimal `json:"high"`
	Low          decimal.Decimal `json:"low"`
	Bids         [Depth]Level    `json:"bids"`
	Asks         [Depth]Level    `json:"asks"`
	Volume       int64           `json:"volume"`
	SourceTime   time.Time       `json:"source_time"`
	FetchedAt    time.Time       `json:"fetched_at"`
	Board        BoardType       `json:"board"`
	LimitPercent decimal.Decimal `json:"limit_pct"`
}

// ChangePercent is (last - prevClose) / prevClose in percent, zero when
// prevClose is unknown.
func (q QuoteRecord) ChangePercent() decimal.Decimal {
	if q.PrevClose.IsZero() {
		return decimal.Zero
	}
	return q.Last.Sub(q.PrevClose).Div(q.PrevClose).Mul(hundred)
}

func (q QuoteRecord) LimitUp() decimal.Decimal {
	return q.limitPrice(1)
}

func (q QuoteRecord) LimitDown() decimal.Decimal {
	return q.limitPrice(-1)
}

func (q QuoteRecord) limitPrice(sign int64) decimal.Decimal {
	if q.PrevClose.IsZero() || q.LimitPercent.IsZero() {
		return decimal.Zero
	}
	ratio := q.LimitPercent.Mul(decimal.NewFromInt(sign)).Div(hundred)
	return q.PrevClose.Mul(decimal.NewFromInt(1).Add(ratio)).Round(2)
}

// Provider fetches raw quotes for a batch of symbols from one source. The
// returned string names the source. Symbols absent from the response are
// simply not returned.
type Provider interface {
	FetchQuotes(ctx context.Context, symbols []Symbol) ([]QuoteRecord, string, error)
}

// MinuteBar is one minute of the intraday chart. Volume is in shares.
type MinuteBar struct {
	Time   time.Time       `json:"time"`
	Price  decimal.Decimal `json:"price"`
	Volume int64           `json:"volume"`
}

// IntradayProvider serves the minute chart of the current or most recent
// session for one symbol, oldest bar first.
type IntradayProvider interface {
	FetchIntraday(ctx context.Context, sym Symbol) ([]MinuteBar, error)
}
