package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"roamlist/api/internal/logger"
)

// RedisBus fans events out across API instances over one Redis pub/sub channel.
type RedisBus struct {
	log     *logger.Logger
	client  *redis.Client
	channel string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRedisBus(redisURL, channel string, log *logger.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisBusWithClient(client, channel, log), nil
}

func NewRedisBusWithClient(client *redis.Client, channel string, log *logger.Logger) *RedisBus {
	if channel == "" {
		channel = "roamlist:events"
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &RedisBus{
		log:     log.With("component", "redis_bus"),
		client:  client,
		channel: channel,
	}
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// StartForwarder subscribes and calls onEvent for every received event, in order, until
// ctx is cancelled or the bus is closed.
func (b *RedisBus) StartForwarder(ctx context.Context, onEvent func(Event)) error {
	if onEvent == nil {
		return errors.New("onEvent callback required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done != nil {
		return errors.New("forwarder already running")
	}

	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	fwdCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	b.cancel = cancel
	b.done = done

	go func() {
		defer close(done)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-fwdCtx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					b.log.Warn("bad event payload", "error", err)
					continue
				}
				onEvent(ev)
			}
		}
	}()
	return nil
}

// Close stops the forwarder and closes the client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return b.client.Close()
}

func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}
