package market

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// Batch is the result of one successful fetch. Records follow the request
// order and cover only symbols the source answered for.
type Batch struct {
	Records []QuoteRecord
	Missing []Symbol
	Source  string
}

// Partial returns the missing symbols as an error, nil when complete.
func (b *Batch) Partial() *PartialDataError {
	if b == nil || len(b.Missing) == 0 {
		return nil
	}
	return &PartialDataError{Missing: append([]Symbol(nil), b.Missing...)}
}

type FetcherConfig struct {
	// Timeout bounds a single FetchBatch call. Zero relies on the caller's ctx.
	Timeout time.Duration
	// MinRequestInterval spaces outbound requests. Zero disables spacing.
	MinRequestInterval time.Duration
}

// Fetcher turns a provider into batch fetches with uniform errors and
// board annotation. It never touches engine state.
type Fetcher struct {
	provider Provider
	resolver *Resolver
	timeout  time.Duration
	limiter  *rate.Limiter
}

func NewFetcher(provider Provider, resolver *Resolver, cfg FetcherConfig) *Fetcher {
	if resolver == nil {
		resolver = NewResolver(DefaultLimitTable())
	}
	f := &Fetcher{provider: provider, resolver: resolver, timeout: cfg.Timeout}
	if cfg.MinRequestInterval > 0 {
		f.limiter = rate.NewLimiter(rate.Every(cfg.MinRequestInterval), 1)
	}
	return f
}

func (f *Fetcher) Resolver() *Resolver { return f.resolver }

// FetchBatch fetches all symbols in as few requests as the provider allows.
// Every returned error is a *FetchError.
func (f *Fetcher) FetchBatch(ctx context.Context, symbols []Symbol) (*Batch, error) {
	if len(symbols) == 0 {
		return nil, newFetchError(FetchEmptyBatch, "no symbols requested")
	}
	if f.provider == nil {
		return nil, newFetchError(FetchMalformedResponse, "market provider not configured")
	}
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			// rate.Limiter reports a would-exceed-deadline wait without wrapping ctx errors
			return nil, &FetchError{Kind: FetchTimeout, Err: err}
		}
	}

	quotes, source, err := f.provider.FetchQuotes(ctx, symbols)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &FetchError{Kind: FetchTimeout, Err: err}
		}
		return nil, classify(err)
	}

	got := make(map[Symbol]QuoteRecord, len(quotes))
	for _, q := range quotes {
		if _, dup := got[q.Symbol]; !dup {
			got[q.Symbol] = q
		}
	}
	batch := &Batch{Source: source, Records: make([]QuoteRecord, 0, len(symbols))}
	for _, sym := range symbols {
		q, ok := got[sym]
		if !ok {
			batch.Missing = append(batch.Missing, sym)
			continue
		}
		q.Board, q.LimitPercent = f.resolver.ResolveNamed(sym, q.Name)
		batch.Records = append(batch.Records, q)
	}
	if len(batch.Records) == 0 {
		return nil, newFetchError(FetchEmptyBatch, "%s returned no quotes for %d symbols", source, len(symbols))
	}
	return batch, nil
}

// FetchIntraday loads the minute chart for one symbol through the same
// request spacing as FetchBatch. It returns ErrNoIntraday when the provider
// has no minute source.
func (f *Fetcher) FetchIntraday(ctx context.Context, sym Symbol) ([]MinuteBar, error) {
	ip, ok := f.provider.(IntradayProvider)
	if !ok {
		return nil, ErrNoIntraday
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, &FetchError{Kind: FetchTimeout, Err: err}
		}
	}
	bars, err := ip.FetchIntraday(ctx, sym)
	if err != nil {
		if errors.Is(err, ErrNoIntraday) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, &FetchError{Kind: FetchTimeout, Err: err}
		}
		return nil, classify(err)
	}
	return bars, nil
}
