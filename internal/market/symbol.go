package market

import (
	"fmt"
	"strings"
)

// Exchange is the lowercase venue prefix used by the quote sources.
type Exchange string

const (
	ExchangeSH Exchange = "sh"
	ExchangeSZ Exchange = "sz"
	ExchangeBJ Exchange = "bj"
)

// Symbol is an exchange-qualified ticker. The zero value is invalid.
type Symbol struct {
	Exchange Exchange
	Code     string
}

// ParseSymbol accepts "600000", "sh600000", "SZ000001" and "600000.SH".
// Bare codes get their exchange from the leading digits.
func ParseSymbol(raw string) (Symbol, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return Symbol{}, fmt.Errorf("invalid symbol: empty")
	}
	if i := strings.IndexByte(s, '.'); i > 0 {
		s = s[i+1:] + s[:i]
	}

	var ex Exchange
	code := s
	switch {
	case strings.HasPrefix(s, "sh"):
		ex, code = ExchangeSH, s[2:]
	case strings.HasPrefix(s, "sz"):
		ex, code = ExchangeSZ, s[2:]
	case strings.HasPrefix(s, "bj"):
		ex, code = ExchangeBJ, s[2:]
	}
	if !isDigits(code) || len(code) != 6 {
		return Symbol{}, fmt.Errorf("invalid symbol: %q", raw)
	}
	if ex == "" {
		ex = inferExchange(code)
		if ex == "" {
			return Symbol{}, fmt.Errorf("invalid symbol: cannot infer exchange for %q", raw)
		}
	}
	return Symbol{Exchange: ex, Code: code}, nil
}

// MustParseSymbol panics on invalid input. Intended for tests and constants.
func MustParseSymbol(raw string) Symbol {
	sym, err := ParseSymbol(raw)
	if err != nil {
		panic(err)
	}
	return sym
}

// ParseSymbols parses a list, rejecting duplicates.
func ParseSymbols(raw []string) ([]Symbol, error) {
	out := make([]Symbol, 0, len(raw))
	seen := make(map[Symbol]struct{}, len(raw))
	for _, r := range raw {
		sym, err := ParseSymbol(r)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[sym]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSymbol, sym)
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	return out, nil
}

func (s Symbol) String() string {
	return string(s.Exchange) + s.Code
}

func (s Symbol) IsZero() bool {
	return s.Code == ""
}

// SecID is the eastmoney market-qualified id, e.g. "1.600000".
func (s Symbol) SecID() string {
	switch s.Exchange {
	case ExchangeSH:
		return "1." + s.Code
	default:
		return "0." + s.Code
	}
}

func (s Symbol) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Symbol) UnmarshalText(b []byte) error {
	sym, err := ParseSymbol(string(b))
	if err != nil {
		return err
	}
	*s = sym
	return nil
}

func SymbolStrings(syms []Symbol) []string {
	out := make([]string, len(syms))
	for i, s := range syms {
		out[i] = s.String()
	}
	return out
}

func inferExchange(code string) Exchange {
	switch {
	case strings.HasPrefix(code, "92"), code[0] == '4', code[0] == '8':
		return ExchangeBJ
	case code[0] == '6', code[0] == '9', code[0] == '5':
		return ExchangeSH
	case code[0] == '0', code[0] == '2', code[0] == '3', code[0] == '1':
		return ExchangeSZ
	}
	return ""
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
