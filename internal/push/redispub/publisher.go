package redispub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"stockbar/internal/snapshot"
)

// Publisher mirrors published snapshots into Redis:
//
//	HSET    <prefix>:latest   <symbol> <entry json>
//	SET     <prefix>:snapshot <snapshot json> EX ttl
//	PUBLISH <prefix>:updates  <snapshot json>
//
// OnSnapshot only enqueues; Run does the writes.
type Publisher struct {
	rdb         *redis.Client
	ttl         time.Duration
	keyLatest   string
	keySnapshot string
	channel     string
	queue       chan *snapshot.Snapshot
}

func New(rdb *redis.Client, prefix string, ttl time.Duration) *Publisher {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "stockbar"
	}
	return &Publisher{
		rdb:         rdb,
		ttl:         ttl,
		keyLatest:   prefix + ":latest",
		keySnapshot: prefix + ":snapshot",
		channel:     prefix + ":updates",
		queue:       make(chan *snapshot.Snapshot, 1),
	}
}

// Channel is the pub/sub channel updates are announced on.
func (p *Publisher) Channel() string { return p.channel }

// OnSnapshot keeps only the newest pending snapshot.
func (p *Publisher) OnSnapshot(snap *snapshot.Snapshot) {
	for {
		select {
		case p.queue <- snap:
			return
		default:
		}
		select {
		case <-p.queue:
		default:
		}
	}
}

func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap := <-p.queue:
			wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			if err := p.Mirror(wctx, snap); err != nil {
				log.Warn().Err(err).Uint64("cycle", snap.Cycle).Msg("redis mirror failed")
			}
			cancel()
		}
	}
}

// Mirror writes one snapshot. Entries without data are left out of the
// latest hash so a placeholder never overwrites a real quote.
func (p *Publisher) Mirror(ctx context.Context, snap *snapshot.Snapshot) error {
	if snap == nil {
		return nil
	}
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	pipe := p.rdb.Pipeline()
	for _, e := range snap.Entries {
		if !e.HasData {
			continue
		}
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal entry %s: %w", e.Symbol, err)
		}
		pipe.HSet(ctx, p.keyLatest, e.Symbol.String(), string(b))
	}
	if p.ttl > 0 {
		pipe.Expire(ctx, p.keyLatest, p.ttl)
	}
	pipe.Set(ctx, p.keySnapshot, string(body), p.ttl)
	pipe.Publish(ctx, p.channel, string(body))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// Latest reads back the mirrored snapshot, nil when none was written.
func (p *Publisher) Latest(ctx context.Context) (*snapshot.Snapshot, error) {
	raw, err := p.rdb.Get(ctx, p.keySnapshot).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	var snap snapshot.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	log.Info().Str("addr", addr).Msg("redis connected")
	return rdb, nil
}
