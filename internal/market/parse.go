package market

import (
	"bytes"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// China has no DST, a fixed zone avoids depending on tzdata.
var chinaZone = time.FixedZone("CST", 8*3600)

func ChinaZone() *time.Location { return chinaZone }

func parseDecimal(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" || s == "-" {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}

func parseInt64(s string) int64 {
	return parseDecimal(s).IntPart()
}

// flexNumber decodes a JSON number, a numeric string or "-" (missing).
type flexNumber struct {
	decimal.Decimal
	Valid bool
}

func (n *flexNumber) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "-" {
		return nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		// Unknown placeholders count as missing rather than failing the batch.
		return nil
	}
	n.Decimal, n.Valid = v, true
	return nil
}

func padLevels(prices, volumes []string) [Depth]Level {
	var out [Depth]Level
	for i := 0; i < Depth && i < len(prices) && i < len(volumes); i++ {
		out[i] = Level{Price: parseDecimal(prices[i]), Volume: parseInt64(volumes[i])}
	}
	return out
}
