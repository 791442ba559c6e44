package market

import (
	"strings"

	"github.com/shopspring/decimal"
)

type BoardType string

const (
	BoardMain    BoardType = "main"
	BoardSTAR    BoardType = "star"
	BoardChiNext BoardType = "chinext"
	BoardBeijing BoardType = "beijing"
	BoardST      BoardType = "st"
	BoardIndex   BoardType = "index"
	BoardUnknown BoardType = "unknown"
)

// LimitTable holds the daily price-limit percentage per board. Default is
// used for BoardUnknown and for any board missing from Limits.
type LimitTable struct {
	Limits  map[BoardType]decimal.Decimal
	Default decimal.Decimal
}

func DefaultLimitTable() LimitTable {
	return LimitTable{
		Limits: map[BoardType]decimal.Decimal{
			BoardMain:    decimal.NewFromInt(10),
			BoardSTAR:    decimal.NewFromInt(20),
			BoardChiNext: decimal.NewFromInt(20),
			BoardBeijing: decimal.NewFromInt(30),
			BoardST:      decimal.NewFromInt(5),
			BoardIndex:   decimal.NewFromInt(10),
		},
		Default: decimal.NewFromInt(10),
	}
}

// LimitTableFromPercents builds a table from plain percentages, filling
// boards absent from m with the defaults. Non-positive values are ignored.
func LimitTableFromPercents(m map[string]float64, def float64) LimitTable {
	t := DefaultLimitTable()
	for k, v := range m {
		if v <= 0 {
			continue
		}
		t.Limits[BoardType(strings.ToLower(k))] = decimal.NewFromFloat(v)
	}
	if def > 0 {
		t.Default = decimal.NewFromFloat(def)
	}
	return t
}

// Resolver maps symbols to their board and limit. It is immutable after
// construction and safe for concurrent use.
type Resolver struct {
	table LimitTable
}

func NewResolver(table LimitTable) *Resolver {
	if table.Limits == nil {
		table = DefaultLimitTable()
	}
	cp := LimitTable{Limits: make(map[BoardType]decimal.Decimal, len(table.Limits)), Default: table.Default}
	for k, v := range table.Limits {
		cp.Limits[k] = v
	}
	return &Resolver{table: cp}
}

func (r *Resolver) Resolve(sym Symbol) (BoardType, decimal.Decimal) {
	return r.ResolveNamed(sym, "")
}

// ResolveNamed additionally treats main-board issues whose name carries an
// ST flag as BoardST.
func (r *Resolver) ResolveNamed(sym Symbol, name string) (BoardType, decimal.Decimal) {
	board := classifyBoard(sym)
	if board == BoardMain && isSTName(name) {
		board = BoardST
	}
	return board, r.limit(board)
}

func (r *Resolver) limit(b BoardType) decimal.Decimal {
	if b == BoardUnknown {
		return r.table.Default
	}
	if v, ok := r.table.Limits[b]; ok {
		return v
	}
	return r.table.Default
}

func classifyBoard(sym Symbol) BoardType {
	c := sym.Code
	if len(c) != 6 {
		return BoardUnknown
	}
	switch sym.Exchange {
	case ExchangeSH:
		switch {
		case strings.HasPrefix(c, "000"):
			return BoardIndex
		case strings.HasPrefix(c, "688"), strings.HasPrefix(c, "689"):
			return BoardSTAR
		case strings.HasPrefix(c, "600"), strings.HasPrefix(c, "601"),
			strings.HasPrefix(c, "603"), strings.HasPrefix(c, "605"):
			return BoardMain
		}
	case ExchangeSZ:
		switch {
		case strings.HasPrefix(c, "399"):
			return BoardIndex
		case strings.HasPrefix(c, "300"), strings.HasPrefix(c, "301"):
			return BoardChiNext
		case strings.HasPrefix(c, "000"), strings.HasPrefix(c, "001"),
			strings.HasPrefix(c, "002"), strings.HasPrefix(c, "003"):
			return BoardMain
		}
	case ExchangeBJ:
		return BoardBeijing
	}
	return BoardUnknown
}

func isSTName(name string) bool {
	n := strings.ToUpper(strings.TrimSpace(name))
	return strings.HasPrefix(n, "ST") || strings.HasPrefix(n, "*ST") || strings.HasPrefix(n, "S*ST")
}
