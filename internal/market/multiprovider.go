package market

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// MultiProvider tries providers in order. The first one that returns at
// least one quote wins.
type MultiProvider struct {
	providers []Provider
}

func NewMultiProvider(providers ...Provider) *MultiProvider {
	return &MultiProvider{providers: providers}
}

// FetchQuotes reports MalformedResponse only when every provider did; any
// transport failure takes precedence so a single broken endpoint is retried
// rather than treated as fatal.
func (m *MultiProvider) FetchQuotes(ctx context.Context, symbols []Symbol) ([]QuoteRecord, string, error) {
	if len(m.providers) == 0 {
		return nil, "", newFetchError(FetchMalformedResponse, "no market providers configured")
	}
	var (
		lastErr     error
		transient   error
		emptySource string
	)
	for _, p := range m.providers {
		quotes, source, err := p.FetchQuotes(ctx, symbols)
		if err == nil && len(quotes) > 0 {
			return quotes, source, nil
		}
		if err == nil {
			emptySource = source
			continue
		}
		log.Debug().Err(err).Str("source", fmt.Sprintf("%T", p)).Msg("provider failed, trying next")
		lastErr = err
		if fe := classify(err); fe.Kind != FetchMalformedResponse {
			transient = fe
		}
		if ctx.Err() != nil {
			break
		}
	}
	if emptySource != "" {
		return []QuoteRecord{}, emptySource, nil
	}
	if transient != nil {
		return nil, "", transient
	}
	if lastErr == nil {
		lastErr = newFetchError(FetchUnreachable, "all providers failed")
	}
	return nil, "", lastErr
}

// FetchIntraday asks each provider that serves minute charts in turn and
// returns the first non-empty series.
func (m *MultiProvider) FetchIntraday(ctx context.Context, sym Symbol) ([]MinuteBar, error) {
	var (
		lastErr error
		empty   bool
	)
	for _, p := range m.providers {
		ip, ok := p.(IntradayProvider)
		if !ok {
			continue
		}
		bars, err := ip.FetchIntraday(ctx, sym)
		if err == nil && len(bars) > 0 {
			return bars, nil
		}
		if err == nil {
			empty = true
			continue
		}
		log.Debug().Err(err).Str("source", fmt.Sprintf("%T", p)).Msg("intraday provider failed, trying next")
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	if empty {
		return []MinuteBar{}, nil
	}
	if lastErr == nil {
		return nil, ErrNoIntraday
	}
	return nil, lastErr
}
