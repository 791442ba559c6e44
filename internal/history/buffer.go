package history

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"stockbar/internal/market"
)

// SessionLength is one A-share trading day (09:30-11:30, 13:00-15:00).
const SessionLength = 4 * time.Hour

type Point struct {
	Time        time.Time       `json:"time"`
	Price       decimal.Decimal `json:"price"`
	VolumeDelta int64           `json:"volume_delta"`
}

// CapacityFor returns how many samples one session holds at interval.
func CapacityFor(interval time.Duration) int {
	if interval <= 0 {
		return 1
	}
	n := int(SessionLength / interval)
	if n < 1 {
		return 1
	}
	return n
}

// ring is a fixed-capacity FIFO of points.
type ring struct {
	points  []Point
	head    int
	size    int
	lastVol int64
	hasVol  bool
	session string
	dropped time.Time // when the symbol stopped being tracked, zero while tracked
}

func newRing(capacity int) *ring {
	return &ring{points: make([]Point, capacity)}
}

func (r *ring) push(p Point) {
	c := len(r.points)
	r.points[(r.head+r.size)%c] = p
	if r.size < c {
		r.size++
		return
	}
	r.head = (r.head + 1) % c
}

func (r *ring) last() Point {
	return r.points[(r.head+r.size-1)%len(r.points)]
}

func (r *ring) slice() []Point {
	out := make([]Point, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.points[(r.head+i)%len(r.points)]
	}
	return out
}

func (r *ring) resize(capacity int) {
	pts := r.slice()
	if len(pts) > capacity {
		pts = pts[len(pts)-capacity:]
	}
	r.points = make([]Point, capacity)
	r.head = 0
	r.size = copy(r.points, pts)
}

func (r *ring) reset() {
	r.head, r.size = 0, 0
	r.lastVol, r.hasVol = 0, false
	r.session = ""
}

// Buffer keeps a bounded intraday series per symbol. All methods are safe
// for concurrent use; Series hands out copies.
type Buffer struct {
	mu       sync.RWMutex
	capacity int
	grace    time.Duration
	series   map[market.Symbol]*ring
}

func NewBuffer(capacity int, grace time.Duration) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		capacity: capacity,
		grace:    grace,
		series:   make(map[market.Symbol]*ring),
	}
}

// Append adds a raw sample. The point is stored as given.
func (b *Buffer) Append(sym market.Symbol, p Point) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ringLocked(sym).push(p)
}

// Record turns a quote into a point: the volume delta is taken against the
// previous cumulative volume of the same session and floored at zero. A new
// session date clears the series first. A quote whose source time equals the
// last point's is not appended, so a closed market does not flood the series.
func (b *Buffer) Record(q market.QuoteRecord) (Point, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.ringLocked(q.Symbol)
	session := q.SourceTime.In(market.ChinaZone()).Format("2006-01-02")
	if r.session != "" && r.session != session {
		r.reset()
	}
	r.session = session
	if r.size > 0 && !q.SourceTime.IsZero() && r.last().Time.Equal(q.SourceTime) {
		return r.last(), false
	}

	var delta int64
	if r.hasVol && q.Volume > r.lastVol {
		delta = q.Volume - r.lastVol
	}
	r.lastVol, r.hasVol = q.Volume, true

	p := Point{Time: q.SourceTime, Price: q.Last, VolumeDelta: delta}
	r.push(p)
	return p, true
}

// Seed backfills a series from a minute chart, oldest point first. Points
// already held that are newer than the chart survive behind it, older ones
// are replaced. A chart from an earlier session than the one held is
// ignored, a later one starts the series over. When no quote has been seen
// yet the chart's total volume becomes the baseline for the next delta.
// It returns the number of points held afterwards.
func (b *Buffer) Seed(sym market.Symbol, pts []Point) int {
	if len(pts) == 0 {
		return 0
	}
	until := pts[len(pts)-1].Time
	session := until.In(market.ChinaZone()).Format("2006-01-02")

	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.ringLocked(sym)
	if r.session > session {
		return r.size
	}
	if r.session != session {
		r.reset()
	}

	var total int64
	merged := make([]Point, 0, len(pts)+r.size)
	for _, p := range pts {
		merged = append(merged, p)
		total += p.VolumeDelta
	}
	for _, p := range r.slice() {
		if p.Time.After(until) {
			merged = append(merged, p)
		}
	}
	if c := len(r.points); len(merged) > c {
		merged = merged[len(merged)-c:]
	}
	r.head = 0
	r.size = copy(r.points, merged)
	r.session = session
	if !r.hasVol {
		r.lastVol, r.hasVol = total, true
	}
	return r.size
}

func (b *Buffer) Series(sym market.Symbol) []Point {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.series[sym]
	if !ok {
		return nil
	}
	return r.slice()
}

func (b *Buffer) Reset(sym market.Symbol) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.series[sym]; ok {
		r.reset()
	}
}

func (b *Buffer) Capacity() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.capacity
}

// SetCapacity resizes every series, keeping the newest points.
func (b *Buffer) SetCapacity(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if capacity == b.capacity {
		return
	}
	b.capacity = capacity
	for _, r := range b.series {
		r.resize(capacity)
	}
}

func (b *Buffer) SetGrace(grace time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.grace = grace
}

// Retain marks series outside tracked as dropped and frees the ones that
// have been dropped for longer than the grace period. It returns the number
// of series freed.
func (b *Buffer) Retain(tracked []market.Symbol, now time.Time) int {
	keep := make(map[market.Symbol]struct{}, len(tracked))
	for _, s := range tracked {
		keep[s] = struct{}{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	freed := 0
	for sym, r := range b.series {
		if _, ok := keep[sym]; ok {
			r.dropped = time.Time{}
			continue
		}
		if r.dropped.IsZero() {
			r.dropped = now
		}
		if now.Sub(r.dropped) >= b.grace {
			delete(b.series, sym)
			freed++
		}
	}
	return freed
}

func (b *Buffer) ringLocked(sym market.Symbol) *ring {
	r, ok := b.series[sym]
	if !ok {
		r = newRing(b.capacity)
		b.series[sym] = r
	}
	r.dropped = time.Time{}
	return r
}
