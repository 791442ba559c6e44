package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockbar/internal/market"
)

func testConfig(symbols ...market.Symbol) Config {
	return Config{
		Symbols:  symbols,
		Interval: time.Second,
		Backoff:  Backoff{Base: 10 * time.Millisecond, Cap: 20 * time.Millisecond},
	}
}

func stopEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Stop(ctx))
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		cfg   Config
		field string
	}{
		{name: "no symbols", cfg: Config{Interval: time.Second}, field: "symbols"},
		{name: "zero symbol", cfg: Config{Symbols: []market.Symbol{{}}, Interval: time.Second}, field: "symbols"},
		{name: "duplicate", cfg: Config{Symbols: []market.Symbol{symA, symA}, Interval: time.Second}, field: "symbols"},
		{name: "interval too short", cfg: Config{Symbols: []market.Symbol{symA}, Interval: 500 * time.Millisecond}, field: "interval"},
		{name: "negative timeout", cfg: Config{Symbols: []market.Symbol{symA}, Interval: time.Second, FetchTimeout: -1}, field: "fetch_timeout"},
		{name: "negative spacing", cfg: Config{Symbols: []market.Symbol{symA}, Interval: time.Second, MinRequestInterval: -1}, field: "min_request_interval"},
		{name: "spacing fills timeout", cfg: Config{Symbols: []market.Symbol{symA}, Interval: 3 * time.Second, FetchTimeout: time.Second, MinRequestInterval: time.Second}, field: "min_request_interval"},
		{name: "base over cap", cfg: Config{Symbols: []market.Symbol{symA}, Interval: time.Second, Backoff: Backoff{Base: time.Minute, Cap: time.Second}}, field: "backoff"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var ce *ConfigurationError
			require.True(t, errors.As(tt.cfg.Validate(), &ce))
			assert.Equal(t, tt.field, ce.Field)
		})
	}
	assert.NoError(t, testConfig(symA).Validate())

	spaced := testConfig(symA)
	spaced.MinRequestInterval = 500 * time.Millisecond
	assert.NoError(t, spaced.Validate())
	assert.Equal(t, 800*time.Millisecond, spaced.EffectiveFetchTimeout())
}

func TestEngineStartPublishesFirstCycle(t *testing.T) {
	t.Parallel()

	f := &scriptedFetcher{steps: []fetchFunc{ok(quoteAt(symA, "10", 1, base), quoteAt(symB, "20", 1, base))}}
	e := New(f, nil)
	require.NoError(t, e.Start(context.Background(), testConfig(symA, symB)))
	defer stopEngine(t, e)

	snap := e.Snapshot()
	assert.False(t, snap.Stale)
	assert.Len(t, snap.Entries, 2)
	assert.Len(t, e.Series(symA), 1)
	assert.Equal(t, []market.Symbol{symA, symB}, e.Symbols())
	active, ok := e.Active()
	require.True(t, ok)
	assert.Equal(t, symA, active)

	assert.ErrorIs(t, e.Start(context.Background(), testConfig(symA)), ErrAlreadyStarted)
}

func TestEngineStartRejectsBadConfig(t *testing.T) {
	t.Parallel()

	e := New(&scriptedFetcher{steps: []fetchFunc{ok()}}, nil)
	var ce *ConfigurationError
	require.True(t, errors.As(e.Start(context.Background(), Config{Interval: time.Second}), &ce))
	assert.True(t, e.Snapshot().Stale, "placeholder is served before any start")
}

func TestEngineStartFailsOnMalformedSource(t *testing.T) {
	t.Parallel()

	e := New(&scriptedFetcher{steps: []fetchFunc{fail(market.FetchMalformedResponse)}}, nil)
	err := e.Start(context.Background(), testConfig(symA))
	require.Error(t, err)
	assert.True(t, market.IsFetchKind(err, market.FetchMalformedResponse))
	assert.NoError(t, e.Stop(context.Background()), "stop on a never-started engine is a no-op")
}

func TestEngineStartSurvivesUnreachableSource(t *testing.T) {
	t.Parallel()

	f := &scriptedFetcher{steps: []fetchFunc{
		fail(market.FetchUnreachable),
		ok(quoteAt(symA, "10", 1, base)),
	}}
	e := New(f, nil)
	require.NoError(t, e.Start(context.Background(), testConfig(symA)))
	defer stopEngine(t, e)

	assert.True(t, e.Snapshot().Stale)
	require.Eventually(t, func() bool { return !e.Snapshot().Stale }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, e.Snapshot().ConsecutiveFailures)
}

func TestEngineUpdateConfig(t *testing.T) {
	t.Parallel()

	f := &scriptedFetcher{steps: []fetchFunc{ok(quoteAt(symA, "10", 1, base), quoteAt(symB, "20", 1, base))}}
	e := New(f, nil)
	assert.ErrorIs(t, e.UpdateConfig(testConfig(symA)), ErrNotStarted)

	require.NoError(t, e.Start(context.Background(), testConfig(symA, symB)))
	defer stopEngine(t, e)
	require.NoError(t, e.SetActive(1))

	next := testConfig(symB)
	next.Interval = 2 * time.Second
	require.NoError(t, e.UpdateConfig(next))
	assert.Equal(t, []market.Symbol{symB}, e.Symbols())
	active, _ := e.Active()
	assert.Equal(t, symB, active, "active symbol survives the update")
	assert.Equal(t, 2*time.Second, e.Config().Interval)

	var ce *ConfigurationError
	assert.True(t, errors.As(e.UpdateConfig(Config{Symbols: []market.Symbol{symA}, Interval: 0}), &ce))
	assert.Equal(t, []market.Symbol{symB}, e.Symbols(), "rejected update changes nothing")
}

func TestEngineSymbolMutations(t *testing.T) {
	t.Parallel()

	f := &scriptedFetcher{steps: []fetchFunc{ok(quoteAt(symA, "10", 1, base))}}
	e := New(f, nil)
	require.NoError(t, e.Start(context.Background(), testConfig(symA)))
	defer stopEngine(t, e)

	require.NoError(t, e.AddSymbol(symB))
	assert.ErrorIs(t, e.AddSymbol(symB), market.ErrDuplicateSymbol)
	e.Rotate(1)
	active, _ := e.Active()
	assert.Equal(t, symB, active)

	require.NoError(t, e.RemoveSymbol(symB))
	assert.ErrorIs(t, e.RemoveSymbol(symB), market.ErrNotFound)
	var ce *ConfigurationError
	assert.True(t, errors.As(e.RemoveSymbol(symA), &ce), "last symbol stays")
	assert.ErrorIs(t, e.SetActive(3), market.ErrOutOfRange)
}

func TestEngineConcurrentRemoveKeepsOneSymbol(t *testing.T) {
	t.Parallel()

	symC := market.MustParseSymbol("sz002624")
	symD := market.MustParseSymbol("sz300750")
	f := &scriptedFetcher{steps: []fetchFunc{ok(quoteAt(symA, "10", 1, base))}}
	e := New(f, nil)
	require.NoError(t, e.Start(context.Background(), testConfig(symA)))
	defer stopEngine(t, e)

	all := []market.Symbol{symA, symB, symC}
	for round := 0; round < 30; round++ {
		require.NoError(t, e.UpdateConfig(testConfig(all...)))
		var wg sync.WaitGroup
		for i := 0; i < 9; i++ {
			wg.Add(1)
			go func(sym market.Symbol) {
				defer wg.Done()
				err := e.RemoveSymbol(sym)
				var ce *ConfigurationError
				if err != nil && !errors.As(err, &ce) && !errors.Is(err, market.ErrNotFound) {
					t.Errorf("unexpected remove error: %v", err)
				}
			}(all[i%len(all)])
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.AddSymbol(symD)
		}()
		wg.Wait()
		assert.NotEmpty(t, e.Symbols(), "round %d", round)
		assert.NotEmpty(t, e.Config().Symbols)
	}
}

func TestEngineThresholdUsesKnownName(t *testing.T) {
	t.Parallel()

	q := quoteAt(symA, "10", 1, base)
	q.Name = "*ST浦发"
	e := New(&scriptedFetcher{steps: []fetchFunc{ok(q)}}, nil)

	board, _ := e.Threshold(symA)
	assert.Equal(t, market.BoardMain, board)

	require.NoError(t, e.Start(context.Background(), testConfig(symA)))
	defer stopEngine(t, e)
	board, limit := e.Threshold(symA)
	assert.Equal(t, market.BoardST, board)
	assert.Equal(t, "5", limit.String())
}

func TestEngineStopWaitsForInflightFetch(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	f := &scriptedFetcher{steps: []fetchFunc{
		ok(quoteAt(symA, "10", 1, base)),
		block(release, ok(quoteAt(symA, "11", 2, base.Add(time.Second)))),
	}}
	e := New(f, nil)
	require.NoError(t, e.Start(context.Background(), testConfig(symA)))
	require.Eventually(t, func() bool { return f.Calls() == 2 }, 3*time.Second, 10*time.Millisecond)

	before := e.Snapshot()
	stopEngine(t, e)
	assert.Same(t, before, e.Snapshot())
	assert.Equal(t, StateIdle, e.State())
}
