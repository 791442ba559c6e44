package redispub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockbar/internal/market"
	"stockbar/internal/snapshot"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err, "failed to start miniredis")
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return client, mr
}

func testSnapshot(cycle uint64) *snapshot.Snapshot {
	a := market.MustParseSymbol("sh600000")
	b := market.MustParseSymbol("sz000001")
	return &snapshot.Snapshot{
		Entries: []snapshot.Entry{
			{Symbol: a, HasData: true, Quote: market.QuoteRecord{Symbol: a, Last: decimal.RequireFromString("10.5")}},
			{Symbol: b, Stale: true},
		},
		Cycle:  cycle,
		Source: "eastmoney",
	}
}

func TestMirrorWritesKeys(t *testing.T) {
	t.Parallel()

	client, mr := setupTestRedis(t)
	p := New(client, "test", time.Hour)
	ctx := context.Background()

	sub := client.Subscribe(ctx, p.Channel())
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, p.Mirror(ctx, testSnapshot(7)))

	assert.True(t, mr.Exists("test:latest"))
	keys, err := mr.HKeys("test:latest")
	require.NoError(t, err)
	assert.Equal(t, []string{"sh600000"}, keys, "entries without data are skipped")
	var e snapshot.Entry
	require.NoError(t, json.Unmarshal([]byte(mr.HGet("test:latest", "sh600000")), &e))
	assert.Equal(t, "10.5", e.Quote.Last.String())
	assert.Equal(t, time.Hour, mr.TTL("test:snapshot"))

	got, err := p.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint64(7), got.Cycle)

	select {
	case msg := <-sub.Channel():
		assert.Contains(t, msg.Payload, `"cycle":7`)
	case <-time.After(time.Second):
		t.Fatal("no update published")
	}
}

func TestLatestEmpty(t *testing.T) {
	t.Parallel()

	client, _ := setupTestRedis(t)
	got, err := New(client, "", 0).Latest(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestOnSnapshotKeepsNewest(t *testing.T) {
	t.Parallel()

	client, _ := setupTestRedis(t)
	p := New(client, "test", 0)
	for i := uint64(1); i <= 5; i++ {
		p.OnSnapshot(testSnapshot(i))
	}
	require.Len(t, p.queue, 1)
	assert.Equal(t, uint64(5), (<-p.queue).Cycle)
}

func TestRunDrainsQueue(t *testing.T) {
	t.Parallel()

	client, _ := setupTestRedis(t)
	p := New(client, "test", 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	p.OnSnapshot(testSnapshot(3))
	require.Eventually(t, func() bool {
		got, err := p.Latest(context.Background())
		return err == nil && got != nil && got.Cycle == 3
	}, time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
