package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"stockbar/internal/market"
	"stockbar/internal/push/dingtalk"
	"stockbar/internal/snapshot"
	"stockbar/internal/store"
)

type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

type Status string

const (
	StatusSent        Status = "sent"
	StatusFailed      Status = "failed"
	StatusRateLimited Status = "rate_limited"
	StatusDropped     Status = "dropped"
)

// Event is a symbol touching its daily price limit.
type Event struct {
	Symbol    market.Symbol
	Name      string
	Direction Direction
	Price     decimal.Decimal
	Limit     decimal.Decimal
	Percent   decimal.Decimal
	Date      string
	At        time.Time
}

func (e Event) dedupKey() string {
	return e.Symbol.String() + "|" + string(e.Direction) + "|" + e.Date
}

type Result struct {
	Status          Status
	Error           error
	DingTalkErrCode int
	DingTalkErrMsg  string
}

type Config struct {
	RateLimit RateLimitConfig
	QueueSize int
	// MaxWait bounds how long a send waits for a rate token.
	MaxWait time.Duration
}

type RateLimitConfig struct {
	PerMinute int
	Burst     int
}

// Service watches published snapshots and sends one DingTalk message per
// symbol, direction and trading day when a quote reaches its limit price.
type Service struct {
	dt      dingtalk.Sender
	cfg     Config
	limiter *rate.Limiter
	store   *store.Store
	queue   chan Event
	now     func() time.Time

	dedupMu sync.Mutex
	dedup   map[string]struct{}
	day     string
}

func NewService(dt dingtalk.Sender, st *store.Store, cfg Config) *Service {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 2 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit.PerMinute > 0 {
		burst := cfg.RateLimit.Burst
		if burst <= 0 {
			burst = cfg.RateLimit.PerMinute
		}
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RateLimit.PerMinute)/60.0), burst)
	}
	return &Service{
		dt:      dt,
		cfg:     cfg,
		limiter: limiter,
		store:   st,
		queue:   make(chan Event, cfg.QueueSize),
		now:     time.Now,
		dedup:   make(map[string]struct{}),
	}
}

// Prime marks today's already recorded alerts as sent so a restart does not
// repeat them.
func (s *Service) Prime() error {
	date := s.now().In(market.ChinaZone()).Format("2006-01-02")
	recs, err := s.store.QueryAlertsByDate(date, 1000)
	if err != nil {
		return err
	}
	s.dedupMu.Lock()
	defer s.dedupMu.Unlock()
	s.rollDayLocked(date)
	for _, r := range recs {
		if r.Status != string(StatusSent) {
			continue
		}
		s.dedup[r.Symbol+"|"+r.Direction+"|"+date] = struct{}{}
	}
	return nil
}

// OnSnapshot never blocks. Events that do not fit in the queue are dropped.
func (s *Service) OnSnapshot(snap *snapshot.Snapshot) {
	for _, e := range snap.Entries {
		ev, ok := detect(e, s.now())
		if !ok || s.isDeduped(ev) {
			continue
		}
		select {
		case s.queue <- ev:
		default:
			log.Warn().Str("symbol", ev.Symbol.String()).Msg("alert queue full, event dropped")
			s.recordAlert(ev, Result{Status: StatusDropped})
		}
	}
}

// Run sends queued events until ctx is done. Events already waiting in the
// queue are merged into one message.
func (s *Service) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.queue:
			batch := []Event{ev}
		drain:
			for {
				select {
				case more := <-s.queue:
					batch = append(batch, more)
				default:
					break drain
				}
			}
			res := s.Handle(ctx, batch)
			if res.Error != nil {
				log.Warn().Err(res.Error).Str("status", string(res.Status)).Int("events", len(batch)).Msg("limit alert not delivered")
			}
		}
	}
}

// Handle sends one message for the batch and records every event.
func (s *Service) Handle(ctx context.Context, batch []Event) Result {
	if len(batch) == 0 {
		return Result{}
	}
	wctx, cancel := context.WithTimeout(ctx, s.cfg.MaxWait)
	err := s.limiter.Wait(wctx)
	cancel()
	var res Result
	if err != nil {
		res = Result{Status: StatusRateLimited, Error: err}
	} else {
		res = s.sendNow(ctx, dingtalk.LimitMessage(notices(batch)))
	}
	for _, ev := range batch {
		s.recordAlert(ev, res)
	}
	return res
}

func (s *Service) sendNow(ctx context.Context, msg dingtalk.Message) Result {
	if s.dt == nil {
		return Result{Status: StatusFailed, Error: fmt.Errorf("dingtalk client not configured")}
	}
	resp, err := s.dt.Send(ctx, msg)
	if err != nil {
		return Result{Status: StatusFailed, Error: err}
	}
	if resp.ErrCode != 0 {
		status := StatusFailed
		if resp.Throttled() {
			status = StatusRateLimited
		}
		return Result{
			Status:          status,
			DingTalkErrCode: resp.ErrCode,
			DingTalkErrMsg:  resp.ErrMsg,
			Error:           fmt.Errorf("dingtalk errcode=%d errmsg=%s", resp.ErrCode, resp.ErrMsg),
		}
	}
	return Result{Status: StatusSent, DingTalkErrCode: resp.ErrCode, DingTalkErrMsg: resp.ErrMsg}
}

func (s *Service) isDeduped(ev Event) bool {
	s.dedupMu.Lock()
	defer s.dedupMu.Unlock()
	s.rollDayLocked(ev.Date)
	key := ev.dedupKey()
	if _, ok := s.dedup[key]; ok {
		return true
	}
	s.dedup[key] = struct{}{}
	return false
}

// rollDayLocked forgets earlier days once a newer trading date shows up.
func (s *Service) rollDayLocked(date string) {
	if date > s.day {
		s.day = date
		clear(s.dedup)
	}
}

func (s *Service) recordAlert(ev Event, res Result) {
	if s.store == nil {
		return
	}
	rec := store.AlertRecord{
		TS:              ev.At.Unix(),
		Symbol:          ev.Symbol.String(),
		Direction:       string(ev.Direction),
		Price:           ev.Price.String(),
		Status:          string(res.Status),
		DingTalkErrCode: res.DingTalkErrCode,
		DingTalkErrMsg:  res.DingTalkErrMsg,
	}
	if err := s.store.InsertAlert(rec); err != nil {
		log.Error().Err(err).Msg("insert alert record")
	}
}

// detect reports a limit touch for fresh entries only. Indices have no limit.
func detect(e snapshot.Entry, now time.Time) (Event, bool) {
	q := e.Quote
	if !e.HasData || e.Stale || q.Board == market.BoardIndex || q.LimitPercent.IsZero() || q.Last.IsZero() {
		return Event{}, false
	}
	at := q.SourceTime
	if at.IsZero() {
		at = now
	}
	ev := Event{
		Symbol:  e.Symbol,
		Name:    q.Name,
		Price:   q.Last,
		Percent: q.ChangePercent(),
		Date:    at.In(market.ChinaZone()).Format("2006-01-02"),
		At:      at,
	}
	switch {
	case q.Last.GreaterThanOrEqual(q.LimitUp()):
		ev.Direction, ev.Limit = DirectionUp, q.LimitUp()
	case q.Last.LessThanOrEqual(q.LimitDown()):
		ev.Direction, ev.Limit = DirectionDown, q.LimitDown()
	default:
		return Event{}, false
	}
	return ev, true
}

func notices(batch []Event) []dingtalk.LimitNotice {
	out := make([]dingtalk.LimitNotice, len(batch))
	for i, ev := range batch {
		out[i] = dingtalk.LimitNotice{
			Symbol:  ev.Symbol.String(),
			Name:    ev.Name,
			Down:    ev.Direction == DirectionDown,
			Price:   ev.Price,
			Limit:   ev.Limit,
			Percent: ev.Percent,
			At:      ev.At.In(market.ChinaZone()),
		}
	}
	return out
}
