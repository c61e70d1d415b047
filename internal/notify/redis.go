package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// streamMaxLen bounds the change-feed stream; older entries are trimmed.
const streamMaxLen = 10000

func dialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// RedisPublisher appends events to a Redis stream so other processes can
// follow the change feed. It is a Sink for Notifier.Attach.
type RedisPublisher struct {
	rdb    *redis.Client
	stream string
	logger *zap.Logger
}

// NewRedisPublisher connects to Redis and publishes to the given stream.
func NewRedisPublisher(ctx context.Context, url, stream string, logger *zap.Logger) (*RedisPublisher, error) {
	rdb, err := dialRedis(ctx, url)
	if err != nil {
		return nil, err
	}
	return &RedisPublisher{rdb: rdb, stream: stream, logger: logger}, nil
}

func (p *RedisPublisher) Forward(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", e.ID, err)
	}
	err = p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", p.stream, err)
	}
	p.logger.Debug("published event",
		zap.String("type", string(e.Type)),
		zap.String("mission", e.MissionID))
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}

// RedisListener follows a change-feed stream written by a RedisPublisher.
type RedisListener struct {
	rdb    *redis.Client
	stream string
	logger *zap.Logger
}

func NewRedisListener(ctx context.Context, url, stream string, logger *zap.Logger) (*RedisListener, error) {
	rdb, err := dialRedis(ctx, url)
	if err != nil {
		return nil, err
	}
	return &RedisListener{rdb: rdb, stream: stream, logger: logger}, nil
}

// Listen emits events appended after the call. Cancel ctx to stop; the
// channel is closed afterwards.
func (l *RedisListener) Listen(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			if ctx.Err() != nil {
				return
			}

			results, err := l.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{l.stream, lastID},
				Count:   50,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					l.logger.Warn("change feed read failed", zap.String("stream", l.stream), zap.Error(err))
					select {
					case <-time.After(time.Second):
					case <-ctx.Done():
						return
					}
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var e Event
					if err := json.Unmarshal([]byte(data), &e); err != nil {
						l.logger.Warn("skipping malformed event", zap.String("id", msg.ID), zap.Error(err))
						continue
					}
					select {
					case ch <- e:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

func (l *RedisListener) Close() error {
	return l.rdb.Close()
}
