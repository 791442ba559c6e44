package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"stockbar/internal/history"
	"stockbar/internal/market"
	"stockbar/internal/snapshot"
)

type State int32

const (
	StateIdle State = iota
	StateFetching
	StatePublishing
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StatePublishing:
		return "publishing"
	case StateBackoff:
		return "backoff"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ErrBusy is returned by RunCycle while another fetch is in flight.
var ErrBusy = errors.New("fetch already in flight")

// BatchFetcher is satisfied by *market.Fetcher.
type BatchFetcher interface {
	FetchBatch(ctx context.Context, symbols []market.Symbol) (*market.Batch, error)
}

// IntradayFetcher is optional. A BatchFetcher that also implements it has
// each symbol's history backfilled with the session's minute chart.
type IntradayFetcher interface {
	FetchIntraday(ctx context.Context, sym market.Symbol) ([]market.MinuteBar, error)
}

// Listener is told about every published snapshot, from the scheduler
// goroutine. Implementations must not block.
type Listener interface {
	OnSnapshot(snap *snapshot.Snapshot)
}

type ListenerFunc func(snap *snapshot.Snapshot)

func (f ListenerFunc) OnSnapshot(snap *snapshot.Snapshot) { f(snap) }

type Settings struct {
	Interval      time.Duration
	FetchTimeout  time.Duration
	Backoff       Backoff
	ShutdownGrace time.Duration
}

// fetchTimeout stays below the interval so a hung call cannot swallow the
// next cycle.
func (s Settings) fetchTimeout() time.Duration {
	limit := s.Interval * 4 / 5
	if limit > 10*time.Second {
		limit = 10 * time.Second
	}
	if s.FetchTimeout > 0 && s.FetchTimeout < limit {
		return s.FetchTimeout
	}
	return limit
}

type fetchResult struct {
	symbols []market.Symbol
	batch   *market.Batch
	err     error

	day   string
	seeds map[market.Symbol][]market.MinuteBar
}

// Scheduler drives fetch cycles. It is the only writer of the history
// buffer and the snapshot store.
type Scheduler struct {
	fetcher  BatchFetcher
	intraday IntradayFetcher
	registry *market.Registry
	history  *history.Buffer
	store    *snapshot.Store

	settingsMu sync.Mutex
	settings   Settings
	updates    chan struct{}

	listenersMu sync.RWMutex
	listeners   []Listener

	// seeded holds the China date each symbol's chart was last loaded for.
	seedMu sync.Mutex
	seeded map[market.Symbol]string

	state    atomic.Int32
	skipped  atomic.Uint64
	failures int
	cycle    uint64
	pending  atomic.Int64
	now      func() time.Time
}

func NewScheduler(fetcher BatchFetcher, registry *market.Registry, hist *history.Buffer, store *snapshot.Store, settings Settings) *Scheduler {
	s := &Scheduler{
		fetcher:  fetcher,
		registry: registry,
		history:  hist,
		store:    store,
		settings: settings,
		updates:  make(chan struct{}, 1),
		seeded:   make(map[market.Symbol]string),
		now:      time.Now,
	}
	if ip, ok := fetcher.(IntradayFetcher); ok {
		s.intraday = ip
	}
	return s
}

func (s *Scheduler) AddListener(l Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

// UpdateSettings takes effect on the next cycle; an in-flight fetch is not
// interrupted.
func (s *Scheduler) UpdateSettings(settings Settings) {
	s.settingsMu.Lock()
	s.settings = settings
	s.settingsMu.Unlock()
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Settings() Settings {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()
	return s.settings
}

// Reseed makes the next cycle reload sym's minute chart.
func (s *Scheduler) Reseed(sym market.Symbol) {
	s.seedMu.Lock()
	delete(s.seeded, sym)
	s.seedMu.Unlock()
}

func (s *Scheduler) State() State { return State(s.state.Load()) }

// Skipped counts ticks dropped because a fetch was still in flight.
func (s *Scheduler) Skipped() uint64 { return s.skipped.Load() }

// PendingBackoff is the wait chosen by the last failed cycle.
func (s *Scheduler) PendingBackoff() time.Duration { return time.Duration(s.pending.Load()) }

// RunCycle runs one fetch cycle synchronously and returns the fetch error.
// It ignores a pending backoff and must not be called while Run is active.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateFetching)) &&
		!s.state.CompareAndSwap(int32(StateBackoff), int32(StateFetching)) {
		s.skipped.Add(1)
		return ErrBusy
	}
	symbols := s.registry.Symbols()
	day := s.day()
	unseeded := s.unseeded(symbols, day)
	fctx, cancel := context.WithTimeout(ctx, s.Settings().fetchTimeout())
	res := s.fetch(fctx, symbols, unseeded, day)
	cancel()
	s.complete(ctx, res)
	return res.err
}

// Run ticks until ctx is cancelled. When the last cycle failed it starts
// in backoff. No state is written after Run returns.
func (s *Scheduler) Run(ctx context.Context) {
	settings := s.Settings()
	ticker := time.NewTicker(settings.Interval)
	defer ticker.Stop()

	var (
		inflight    chan fetchResult
		cancelFetch context.CancelFunc = func() {}
		backoff     *time.Timer
		backoffC    <-chan time.Time
	)
	stopBackoff := func() {
		if backoff != nil {
			backoff.Stop()
			backoff, backoffC = nil, nil
		}
	}
	defer stopBackoff()

	launch := func() {
		s.state.Store(int32(StateFetching))
		symbols := s.registry.Symbols()
		day := s.day()
		unseeded := s.unseeded(symbols, day)
		var fctx context.Context
		fctx, cancelFetch = context.WithTimeout(ctx, s.Settings().fetchTimeout())
		inflight = make(chan fetchResult, 1)
		go func(out chan<- fetchResult) {
			out <- s.fetch(fctx, symbols, unseeded, day)
		}(inflight)
	}

	if s.State() == StateBackoff {
		backoff = time.NewTimer(s.PendingBackoff())
		backoffC = backoff.C
	}

	for {
		select {
		case <-ctx.Done():
			if inflight != nil {
				cancelFetch()
				select {
				case <-inflight:
				case <-time.After(settings.ShutdownGrace):
					log.Warn().Msg("in-flight fetch abandoned at shutdown")
				}
			}
			s.state.Store(int32(StateIdle))
			return

		case <-ticker.C:
			switch s.State() {
			case StateIdle:
				launch()
			case StateFetching:
				s.skipped.Add(1)
				log.Debug().Uint64("skipped", s.skipped.Load()).Msg("tick skipped, fetch in flight")
			}

		case res := <-inflight:
			inflight = nil
			cancelFetch()
			if s.complete(ctx, res) {
				backoff = time.NewTimer(s.PendingBackoff())
				backoffC = backoff.C
			}

		case <-backoffC:
			backoff, backoffC = nil, nil
			s.state.Store(int32(StateIdle))
			ticker.Reset(settings.Interval)
			launch()

		case <-s.updates:
			next := s.Settings()
			if next.Interval != settings.Interval {
				ticker.Reset(next.Interval)
				log.Info().Dur("interval", next.Interval).Msg("refresh interval updated")
			}
			settings = next
		}
	}
}

// fetch runs off the scheduler goroutine and touches no state. Charts are
// loaded only after a good batch, in order, and the first failure defers
// the rest to a later cycle.
func (s *Scheduler) fetch(ctx context.Context, symbols, unseeded []market.Symbol, day string) fetchResult {
	batch, err := s.fetcher.FetchBatch(ctx, symbols)
	res := fetchResult{symbols: symbols, batch: batch, err: err, day: day}
	if err != nil || len(unseeded) == 0 {
		return res
	}
	res.seeds = make(map[market.Symbol][]market.MinuteBar, len(unseeded))
	for _, sym := range unseeded {
		bars, err := s.intraday.FetchIntraday(ctx, sym)
		if errors.Is(err, market.ErrNoIntraday) {
			for _, rest := range unseeded {
				res.seeds[rest] = nil
			}
			break
		}
		if err != nil {
			log.Debug().Err(err).Str("symbol", sym.String()).Msg("intraday chart deferred")
			break
		}
		res.seeds[sym] = bars
	}
	return res
}

func (s *Scheduler) day() string {
	return s.now().In(market.ChinaZone()).Format("2006-01-02")
}

func (s *Scheduler) unseeded(symbols []market.Symbol, day string) []market.Symbol {
	if s.intraday == nil {
		return nil
	}
	s.seedMu.Lock()
	defer s.seedMu.Unlock()
	var out []market.Symbol
	for _, sym := range symbols {
		if s.seeded[sym] != day {
			out = append(out, sym)
		}
	}
	return out
}

// seed writes a loaded chart into history ahead of the cycle's live quote.
func (s *Scheduler) seed(sym market.Symbol, bars []market.MinuteBar, day string) {
	pts := make([]history.Point, len(bars))
	for i, b := range bars {
		pts[i] = history.Point{Time: b.Time, Price: b.Price, VolumeDelta: b.Volume}
	}
	n := s.history.Seed(sym, pts)
	s.seedMu.Lock()
	s.seeded[sym] = day
	s.seedMu.Unlock()
	if len(bars) > 0 {
		log.Info().Str("symbol", sym.String()).Int("minutes", len(bars)).Int("points", n).Msg("intraday chart loaded")
	}
}

// complete applies a fetch result and reports whether the scheduler is now
// in backoff. Results that arrive after ctx is done are dropped.
func (s *Scheduler) complete(ctx context.Context, res fetchResult) bool {
	if ctx.Err() != nil {
		s.state.Store(int32(StateIdle))
		return false
	}
	s.cycle++
	now := s.now()
	if res.err != nil {
		s.fail(res, now)
		return true
	}
	s.state.Store(int32(StatePublishing))
	s.publish(res, now)
	s.state.Store(int32(StateIdle))
	return false
}

func (s *Scheduler) publish(res fetchResult, now time.Time) {
	prev := s.store.Current()
	got := make(map[market.Symbol]market.QuoteRecord, len(res.batch.Records))
	for _, q := range res.batch.Records {
		got[q.Symbol] = q
	}

	entries := make([]snapshot.Entry, len(res.symbols))
	for i, sym := range res.symbols {
		if bars, ok := res.seeds[sym]; ok {
			s.seed(sym, bars, res.day)
		}
		if q, ok := got[sym]; ok {
			entries[i] = snapshot.Entry{Symbol: sym, Quote: q, HasData: true}
			s.history.Record(q)
			continue
		}
		entries[i] = carryOver(prev, sym)
	}

	snap := &snapshot.Snapshot{
		Entries:     entries,
		Source:      res.batch.Source,
		Cycle:       s.cycle,
		PublishedAt: now,
	}
	if partial := res.batch.Partial(); partial != nil {
		snap.LastError = partial.Error()
		log.Warn().Strs("missing", market.SymbolStrings(partial.Missing)).Msg("partial quote batch")
	}
	if s.failures > 0 {
		log.Info().Int("failures", s.failures).Msg("quote source recovered")
	}
	s.failures = 0
	s.pending.Store(0)
	s.store.Publish(snap)
	s.history.Retain(res.symbols, now)
	s.notify(snap)
}

func (s *Scheduler) fail(res fetchResult, now time.Time) {
	prev := s.store.Current()
	s.failures++
	delay := s.Settings().Backoff.Delay(s.failures)
	s.pending.Store(int64(delay))

	entries := make([]snapshot.Entry, len(res.symbols))
	for i, sym := range res.symbols {
		entries[i] = carryOver(prev, sym)
	}
	snap := &snapshot.Snapshot{
		Entries:             entries,
		Stale:               true,
		ConsecutiveFailures: s.failures,
		LastError:           res.err.Error(),
		Source:              prev.Source,
		Cycle:               s.cycle,
		PublishedAt:         now,
	}
	s.state.Store(int32(StateBackoff))
	s.store.Publish(snap)
	log.Warn().Err(res.err).
		Int("failures", s.failures).
		Dur("backoff", delay).
		Msg("quote fetch failed")
	s.notify(snap)
}

func (s *Scheduler) notify(snap *snapshot.Snapshot) {
	s.listenersMu.RLock()
	listeners := s.listeners
	s.listenersMu.RUnlock()
	for _, l := range listeners {
		l.OnSnapshot(snap)
	}
}

// carryOver keeps the previous data for sym, marked stale.
func carryOver(prev *snapshot.Snapshot, sym market.Symbol) snapshot.Entry {
	if e, ok := prev.Entry(sym); ok && e.HasData {
		e.Stale = true
		return e
	}
	return snapshot.Entry{Symbol: sym, Stale: true}
}
