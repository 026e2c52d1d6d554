package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/conveyor/pkg/schema"
)

type RedisOptions struct {
	KeyPrefix   string
	ResponseTTL time.Duration
	Logger      *slog.Logger
}

type RedisOption func(*RedisOptions)

// WithKeyPrefix namespaces every key and channel used by the bus.
func WithKeyPrefix(prefix string) RedisOption {
	return func(o *RedisOptions) {
		o.KeyPrefix = prefix
	}
}

// WithResponseTTL bounds how long an unclaimed response is kept in Redis.
func WithResponseTTL(ttl time.Duration) RedisOption {
	return func(o *RedisOptions) {
		o.ResponseTTL = ttl
	}
}

func WithLogger(logger *slog.Logger) RedisOption {
	return func(o *RedisOptions) {
		o.Logger = logger
	}
}

// RedisBus shares responses between processes. Each response is stored under
// its own key with a TTL and announced on a pub/sub channel; waits live in
// the registering process.
type RedisBus struct {
	rdb     redis.UniversalClient
	options RedisOptions
	waiters *registry
	pubsub  *redis.PubSub
	done    chan struct{}
}

type envelope struct {
	ID       string   `json:"id"`
	Response Response `json:"response"`
}

// NewRedisBus subscribes to the notification channel and starts delivering
// announcements to local waits. Call Close to stop.
func NewRedisBus(ctx context.Context, client redis.UniversalClient, opts ...RedisOption) (*RedisBus, error) {
	options := RedisOptions{
		KeyPrefix:   "conveyor:",
		ResponseTTL: 24 * time.Hour,
		Logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	b := &RedisBus{
		rdb:     client,
		options: options,
		waiters: newRegistry(),
		done:    make(chan struct{}),
	}

	b.pubsub = client.Subscribe(ctx, b.channel())
	if _, err := b.pubsub.Receive(ctx); err != nil {
		_ = b.pubsub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", b.channel(), err)
	}

	go b.listen()
	return b, nil
}

func (b *RedisBus) channel() string {
	return b.options.KeyPrefix + "notify"
}

func (b *RedisBus) responseKey(id string) string {
	return b.options.KeyPrefix + "response:" + id
}

func (b *RedisBus) WaitForAll(ctx context.Context, callback Callback, ids ...string) error {
	if err := validateWait(callback, ids); err != nil {
		return err
	}

	w := b.waiters.register(callback, ids, nil)

	// Responses published before the wait was registered are only in Redis.
	keys := make([]string, len(w.ids))
	for i, id := range w.ids {
		keys[i] = b.responseKey(id)
	}
	values, err := b.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "reading stored responses").WithCause(err)
	}

	var completed []*wait
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var resp Response
		if err := json.Unmarshal([]byte(raw), &resp); err != nil {
			return fmt.Errorf("decoding response for %s: %w", w.ids[i], err)
		}
		done, _ := b.waiters.deliver(w.ids[i], resp)
		completed = append(completed, done...)
	}
	fire(ctx, completed...)
	return nil
}

func (b *RedisBus) Notify(ctx context.Context, id string, resp Response) error {
	if id == "" {
		return schema.NewError(schema.ErrCodeInvalidArgument, "correlation id must not be empty")
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	msg, err := json.Marshal(envelope{ID: id, Response: resp})
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	if _, err := b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, b.responseKey(id), data, b.options.ResponseTTL)
		p.Publish(ctx, b.channel(), msg)
		return nil
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "publishing response for %s", id).WithCause(err)
	}
	return nil
}

func (b *RedisBus) listen() {
	defer close(b.done)

	for msg := range b.pubsub.Channel() {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			b.options.Logger.Warn("dropping malformed notification", slog.String("error", err.Error()))
			continue
		}
		completed, _ := b.waiters.deliver(env.ID, env.Response)
		fire(context.Background(), completed...)
	}
}

// Close stops the subscription. It does not close the Redis client.
func (b *RedisBus) Close() error {
	err := b.pubsub.Close()
	<-b.done
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}

var _ Bus = (*RedisBus)(nil)
