package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"stockbar/internal/history"
	"stockbar/internal/market"
	"stockbar/internal/snapshot"
)

const (
	DefaultInterval = 3 * time.Second
	MinInterval     = time.Second
)

var (
	ErrAlreadyStarted = errors.New("engine already started")
	ErrNotStarted     = errors.New("engine not started")
)

// ConfigurationError is returned by Start and UpdateConfig for input the
// engine refuses to run with.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type Config struct {
	Symbols      []market.Symbol
	Interval     time.Duration
	FetchTimeout time.Duration
	// MinRequestInterval is the fetcher's spacing between outbound calls.
	// It must leave room for a request inside one fetch timeout.
	MinRequestInterval time.Duration
	Backoff            Backoff
	HistoryGrace       time.Duration
	ShutdownGrace      time.Duration
}

func (c Config) Validate() error {
	if len(c.Symbols) == 0 {
		return &ConfigurationError{Field: "symbols", Reason: "at least one symbol is required"}
	}
	seen := make(map[market.Symbol]struct{}, len(c.Symbols))
	for _, s := range c.Symbols {
		if s.IsZero() {
			return &ConfigurationError{Field: "symbols", Reason: "empty symbol"}
		}
		if _, ok := seen[s]; ok {
			return &ConfigurationError{Field: "symbols", Reason: "duplicate " + s.String()}
		}
		seen[s] = struct{}{}
	}
	if c.Interval < MinInterval {
		return &ConfigurationError{Field: "interval", Reason: fmt.Sprintf("%s is below the %s minimum", c.Interval, MinInterval)}
	}
	if c.FetchTimeout < 0 {
		return &ConfigurationError{Field: "fetch_timeout", Reason: "must not be negative"}
	}
	if c.MinRequestInterval < 0 {
		return &ConfigurationError{Field: "min_request_interval", Reason: "must not be negative"}
	}
	if timeout := c.EffectiveFetchTimeout(); c.MinRequestInterval > 0 && c.MinRequestInterval >= timeout {
		return &ConfigurationError{
			Field:  "min_request_interval",
			Reason: fmt.Sprintf("%s leaves no room inside the %s fetch timeout", c.MinRequestInterval, timeout),
		}
	}
	if c.Backoff.Base < 0 || c.Backoff.Cap < 0 || c.Backoff.Jitter < 0 {
		return &ConfigurationError{Field: "backoff", Reason: "durations must not be negative"}
	}
	if c.Backoff.Cap > 0 && c.Backoff.Base > c.Backoff.Cap {
		return &ConfigurationError{Field: "backoff", Reason: "base exceeds cap"}
	}
	return nil
}

// EffectiveFetchTimeout is the per-cycle deadline the scheduler will use.
func (c Config) EffectiveFetchTimeout() time.Duration {
	return c.settings().fetchTimeout()
}

func (c Config) withDefaults() Config {
	if c.Backoff == (Backoff{}) {
		c.Backoff = DefaultBackoff()
	}
	if c.HistoryGrace <= 0 {
		c.HistoryGrace = 10 * time.Minute
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 2 * time.Second
	}
	return c
}

func (c Config) settings() Settings {
	return Settings{
		Interval:      c.Interval,
		FetchTimeout:  c.FetchTimeout,
		Backoff:       c.Backoff,
		ShutdownGrace: c.ShutdownGrace,
	}
}

// Engine owns the registry, history, snapshot store and scheduler and is
// the only surface a renderer needs.
type Engine struct {
	resolver *market.Resolver
	registry *market.Registry
	history  *history.Buffer
	store    *snapshot.Store
	sched    *Scheduler

	mu      sync.Mutex
	cfg     Config
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(fetcher BatchFetcher, resolver *market.Resolver) *Engine {
	if resolver == nil {
		resolver = market.NewResolver(market.DefaultLimitTable())
	}
	registry, _ := market.NewRegistry(nil)
	hist := history.NewBuffer(history.CapacityFor(DefaultInterval), 10*time.Minute)
	store := snapshot.NewStore(nil)
	return &Engine{
		resolver: resolver,
		registry: registry,
		history:  hist,
		store:    store,
		sched:    NewScheduler(fetcher, registry, hist, store, Settings{Interval: DefaultInterval, Backoff: DefaultBackoff()}),
	}
}

// AddListener registers a snapshot consumer. Call before Start.
func (e *Engine) AddListener(l Listener) {
	e.sched.AddListener(l)
}

// Start validates cfg, runs the first cycle synchronously and then keeps
// refreshing in the background until Stop. A malformed response on the
// first cycle is fatal; transport failures only put the engine in backoff.
func (e *Engine) Start(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.withDefaults()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}
	if err := e.registry.Replace(cfg.Symbols); err != nil {
		return &ConfigurationError{Field: "symbols", Reason: err.Error()}
	}
	e.history.SetCapacity(history.CapacityFor(cfg.Interval))
	e.history.SetGrace(cfg.HistoryGrace)
	e.store.Publish(snapshot.Placeholder(cfg.Symbols))
	e.sched.UpdateSettings(cfg.settings())

	if err := e.sched.RunCycle(ctx); err != nil {
		if market.IsFetchKind(err, market.FetchMalformedResponse) {
			return fmt.Errorf("startup fetch: %w", err)
		}
		log.Warn().Err(err).Msg("first fetch failed, starting in backoff")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cfg = cfg
	e.cancel = cancel
	e.done = make(chan struct{})
	e.started = true
	go func(done chan struct{}) {
		defer close(done)
		e.sched.Run(runCtx)
	}(e.done)

	log.Info().
		Strs("symbols", market.SymbolStrings(cfg.Symbols)).
		Dur("interval", cfg.Interval).
		Msg("quote engine started")
	return nil
}

// UpdateConfig hot-applies the symbol list and timing. An in-flight fetch
// finishes with the old settings.
func (e *Engine) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.withDefaults()

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return ErrNotStarted
	}
	before := e.registry.Symbols()
	if err := e.registry.Replace(cfg.Symbols); err != nil {
		return &ConfigurationError{Field: "symbols", Reason: err.Error()}
	}
	e.resetReadded(before, cfg.Symbols)
	e.history.SetCapacity(history.CapacityFor(cfg.Interval))
	e.history.SetGrace(cfg.HistoryGrace)
	e.sched.UpdateSettings(cfg.settings())
	e.cfg = cfg
	log.Info().
		Strs("symbols", market.SymbolStrings(cfg.Symbols)).
		Dur("interval", cfg.Interval).
		Msg("engine config updated")
	return nil
}

// Stop cancels the scheduler and waits for it to exit or for ctx to end.
// No state is written once Stop returns nil.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	cancel, done := e.cancel, e.done
	e.started = false
	e.mu.Unlock()

	cancel()
	select {
	case <-done:
		log.Info().Msg("quote engine stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop engine: %w", ctx.Err())
	}
}

func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg := e.cfg
	cfg.Symbols = e.registry.Symbols()
	return cfg
}

func (e *Engine) Snapshot() *snapshot.Snapshot { return e.store.Current() }

func (e *Engine) Series(sym market.Symbol) []history.Point { return e.history.Series(sym) }

func (e *Engine) Symbols() []market.Symbol { return e.registry.Symbols() }

func (e *Engine) Tracks(sym market.Symbol) bool { return e.registry.Contains(sym) }

func (e *Engine) Active() (market.Symbol, bool) { return e.registry.Active() }

func (e *Engine) ActiveIndex() int { return e.registry.ActiveIndex() }

func (e *Engine) Rotate(dir int) { e.registry.Rotate(dir) }

func (e *Engine) SetActive(i int) error { return e.registry.SetActive(i) }

func (e *Engine) State() State { return e.sched.State() }

// AddSymbol starts tracking sym from the next cycle with a fresh series.
func (e *Engine) AddSymbol(sym market.Symbol) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.registry.Add(sym); err != nil {
		return err
	}
	e.history.Reset(sym)
	e.sched.Reseed(sym)
	return nil
}

// RemoveSymbol stops fetching sym. Its series stays readable until the
// history grace period reclaims it. The last symbol cannot be removed.
func (e *Engine) RemoveSymbol(sym market.Symbol) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.registry.RemoveKeep(sym, 1)
	if errors.Is(err, market.ErrLastSymbol) {
		return &ConfigurationError{Field: "symbols", Reason: "cannot remove the last symbol"}
	}
	return err
}

// Threshold resolves the board and limit, using the last known name to
// detect ST issues.
func (e *Engine) Threshold(sym market.Symbol) (market.BoardType, decimal.Decimal) {
	if entry, ok := e.store.Current().Entry(sym); ok && entry.HasData {
		return e.resolver.ResolveNamed(sym, entry.Quote.Name)
	}
	return e.resolver.Resolve(sym)
}

func (e *Engine) resetReadded(before, after []market.Symbol) {
	old := make(map[market.Symbol]struct{}, len(before))
	for _, s := range before {
		old[s] = struct{}{}
	}
	for _, s := range after {
		if _, ok := old[s]; !ok {
			e.history.Reset(s)
			e.sched.Reseed(s)
		}
	}
}
