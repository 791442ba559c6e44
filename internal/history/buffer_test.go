package history

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockbar/internal/market"
)

var (
	symA = market.MustParseSymbol("sh600000")
	symB = market.MustParseSymbol("sz000001")
	t0   = time.Date(2025, 3, 14, 9, 30, 0, 0, market.ChinaZone())
)

func point(i int) Point {
	return Point{Time: t0.Add(time.Duration(i) * time.Second), Price: decimal.NewFromInt(int64(i))}
}

func TestCapacityFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 4800, CapacityFor(3*time.Second))
	assert.Equal(t, 14400, CapacityFor(time.Second))
	assert.Equal(t, 1, CapacityFor(0))
	assert.Equal(t, 1, CapacityFor(5*time.Hour))
}

func TestBufferEvictsOldestFirst(t *testing.T) {
	t.Parallel()

	b := NewBuffer(3, time.Minute)
	for i := 0; i < 10; i++ {
		b.Append(symA, point(i))
		assert.LessOrEqual(t, len(b.Series(symA)), 3)
	}
	got := b.Series(symA)
	require.Len(t, got, 3)
	assert.Equal(t, "7", got[0].Price.String())
	assert.Equal(t, "9", got[2].Price.String())
	assert.Empty(t, b.Series(symB), "capacity is per symbol")
}

func TestBufferSeriesIsCopy(t *testing.T) {
	t.Parallel()

	b := NewBuffer(5, time.Minute)
	b.Append(symA, point(1))
	s := b.Series(symA)
	s[0].Price = decimal.NewFromInt(99)
	assert.Equal(t, "1", b.Series(symA)[0].Price.String())
}

func TestBufferRecordVolumeDelta(t *testing.T) {
	t.Parallel()

	b := NewBuffer(10, time.Minute)
	q := market.QuoteRecord{Symbol: symA, Last: decimal.NewFromInt(10), Volume: 1000, SourceTime: t0}
	record := func(q market.QuoteRecord) Point {
		p, ok := b.Record(q)
		require.True(t, ok)
		return p
	}
	assert.Equal(t, int64(0), record(q).VolumeDelta, "first point of a session")

	q.Volume, q.SourceTime = 1500, t0.Add(3*time.Second)
	assert.Equal(t, int64(500), record(q).VolumeDelta)

	q.Volume, q.SourceTime = 1400, t0.Add(6*time.Second)
	assert.Equal(t, int64(0), record(q).VolumeDelta, "never negative")
	assert.Equal(t, 3, len(b.Series(symA)))

	// next trading day starts a fresh series
	q.Volume, q.SourceTime = 200, t0.Add(24*time.Hour)
	assert.Equal(t, int64(0), record(q).VolumeDelta)
	assert.Equal(t, 1, len(b.Series(symA)))
}

func TestBufferRecordSkipsUnchangedSourceTime(t *testing.T) {
	t.Parallel()

	b := NewBuffer(10, time.Minute)
	q := market.QuoteRecord{Symbol: symA, Last: decimal.NewFromInt(10), Volume: 1000, SourceTime: t0}
	_, ok := b.Record(q)
	require.True(t, ok)
	q.Volume = 1200
	_, ok = b.Record(q)
	assert.False(t, ok)
	assert.Equal(t, 1, len(b.Series(symA)))
}

func TestBufferReset(t *testing.T) {
	t.Parallel()

	b := NewBuffer(4, time.Minute)
	b.Append(symA, point(1))
	b.Append(symB, point(2))
	b.Reset(symA)
	assert.Empty(t, b.Series(symA))
	assert.Len(t, b.Series(symB), 1)
	b.Reset(market.MustParseSymbol("sz300750"))
}

func TestBufferSetCapacityKeepsNewest(t *testing.T) {
	t.Parallel()

	b := NewBuffer(5, time.Minute)
	for i := 0; i < 5; i++ {
		b.Append(symA, point(i))
	}
	b.SetCapacity(2)
	got := b.Series(symA)
	require.Len(t, got, 2)
	assert.Equal(t, "3", got[0].Price.String())

	b.SetCapacity(4)
	b.Append(symA, point(5))
	b.Append(symA, point(6))
	assert.Len(t, b.Series(symA), 4)
	assert.Equal(t, 4, b.Capacity())
}

func TestBufferRetainReclaimsAfterGrace(t *testing.T) {
	t.Parallel()

	b := NewBuffer(4, time.Minute)
	b.Append(symA, point(1))
	b.Append(symB, point(2))

	assert.Equal(t, 0, b.Retain([]market.Symbol{symA}, t0))
	assert.Len(t, b.Series(symB), 1, "still queryable during grace")

	assert.Equal(t, 1, b.Retain([]market.Symbol{symA}, t0.Add(time.Minute)))
	assert.Nil(t, b.Series(symB))
	assert.Len(t, b.Series(symA), 1)
}

func TestBufferRetainForgetsReaddedSymbol(t *testing.T) {
	t.Parallel()

	b := NewBuffer(4, time.Minute)
	b.Append(symB, point(1))
	b.Retain(nil, t0)
	b.Retain([]market.Symbol{symB}, t0.Add(30*time.Second))
	assert.Equal(t, 0, b.Retain(nil, t0.Add(2*time.Minute)), "grace restarts after re-tracking")
}

func TestBufferConcurrentAppendAndRead(t *testing.T) {
	t.Parallel()

	b := NewBuffer(50, time.Minute)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			sym := market.MustParseSymbol(fmt.Sprintf("sh60000%d", w))
			for i := 0; i < 200; i++ {
				b.Append(sym, point(i))
				assert.LessOrEqual(t, len(b.Series(sym)), 50)
			}
		}(w)
	}
	wg.Wait()
	for w := 0; w < 4; w++ {
		assert.Len(t, b.Series(market.MustParseSymbol(fmt.Sprintf("sh60000%d", w))), 50)
	}
}

func minute(m int, price string, vol int64) Point {
	return Point{Time: t0.Add(time.Duration(m) * time.Minute), Price: decimal.RequireFromString(price), VolumeDelta: vol}
}

func TestBufferSeedBackfillsBeforeLivePoints(t *testing.T) {
	t.Parallel()

	b := NewBuffer(10, time.Minute)
	live := market.QuoteRecord{Symbol: symA, Last: decimal.RequireFromString("10.30"), Volume: 9000, SourceTime: t0.Add(5*time.Minute + 3*time.Second)}
	_, ok := b.Record(live)
	require.True(t, ok)
	b.Append(symA, Point{Time: t0.Add(time.Minute), Price: decimal.RequireFromString("9.99")})

	n := b.Seed(symA, []Point{minute(1, "10.00", 1000), minute(2, "10.10", 2000), minute(3, "10.20", 500)})
	assert.Equal(t, 4, n)
	got := b.Series(symA)
	require.Len(t, got, 4)
	assert.Equal(t, "10", got[0].Price.String(), "chart replaces older live points")
	assert.Equal(t, "10.3", got[3].Price.String(), "newer live point survives")

	live.Volume, live.SourceTime = 9400, live.SourceTime.Add(3*time.Second)
	p, ok := b.Record(live)
	require.True(t, ok)
	assert.Equal(t, int64(400), p.VolumeDelta, "volume baseline kept from live quotes")
}

func TestBufferSeedSetsVolumeBaseline(t *testing.T) {
	t.Parallel()

	b := NewBuffer(10, time.Minute)
	assert.Equal(t, 2, b.Seed(symA, []Point{minute(1, "10.00", 1000), minute(2, "10.10", 2000)}))

	p, ok := b.Record(market.QuoteRecord{Symbol: symA, Last: decimal.RequireFromString("10.20"), Volume: 3500, SourceTime: t0.Add(2*time.Minute + 30*time.Second)})
	require.True(t, ok)
	assert.Equal(t, int64(500), p.VolumeDelta)
	assert.Len(t, b.Series(symA), 3)
}

func TestBufferSeedSessionsAndCapacity(t *testing.T) {
	t.Parallel()

	b := NewBuffer(3, time.Minute)
	assert.Equal(t, 0, b.Seed(symA, nil))

	_, ok := b.Record(market.QuoteRecord{Symbol: symA, Last: decimal.NewFromInt(10), SourceTime: t0.Add(24 * time.Hour)})
	require.True(t, ok)
	assert.Equal(t, 1, b.Seed(symA, []Point{minute(1, "9", 1)}), "an older session is ignored")
	assert.Equal(t, "10", b.Series(symA)[0].Price.String())

	next := t0.Add(48 * time.Hour)
	pts := make([]Point, 5)
	for i := range pts {
		pts[i] = Point{Time: next.Add(time.Duration(i) * time.Minute), Price: decimal.NewFromInt(int64(i))}
	}
	assert.Equal(t, 3, b.Seed(symA, pts), "a newer session starts over and keeps the newest minutes")
	got := b.Series(symA)
	assert.Equal(t, "2", got[0].Price.String())
	assert.Equal(t, "4", got[2].Price.String())
}
