package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pinpointhq/pinpoint/backend/internal/faults"
)

const subscriberBufferSize = 64

var (
	errMissingAssetID = errors.New("realtime: asset id is required")
	errBrokerClosed   = errors.New("realtime: broker closed")
)

// Authorizer gates channel subscriptions. Implementations verify that the
// actor may read the asset before any events flow.
type Authorizer interface {
	AuthorizeRead(ctx context.Context, assetID string) error
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, assetID string) error

// AuthorizeRead calls the wrapped function.
func (f AuthorizerFunc) AuthorizeRead(ctx context.Context, assetID string) error {
	return f(ctx, assetID)
}

// Subscription is a live event feed for one asset channel.
type Subscription interface {
	Events() <-chan Event
	Unsubscribe()
}

// Broker is the pub/sub transport between connected clients. Each asset has
// a mutation channel and a presence channel; no client ever talks directly
// to another client.
type Broker interface {
	SubscribeMutations(ctx context.Context, assetID string) (Subscription, error)
	SubscribePresence(ctx context.Context, assetID string) (Subscription, error)
	PublishMutation(ctx context.Context, event Event) error
	PublishPresence(ctx context.Context, event Event) error
	Close() error
}

func mutationChannel(assetID string) string {
	return "asset:" + assetID + ":mutations"
}

func presenceChannel(assetID string) string {
	return "asset:" + assetID + ":presence"
}

// RedisBroker implements Broker over Redis pub/sub with JSON envelopes.
type RedisBroker struct {
	client     *redis.Client
	authorizer Authorizer
	logger     *zap.Logger

	mu     sync.Mutex
	closed bool
}

// RedisBrokerConfig configures the Redis-backed broker.
type RedisBrokerConfig struct {
	RedisURL   string
	Authorizer Authorizer
	Logger     *zap.Logger
}

// NewRedisBroker connects to Redis, verifies the connection, and returns a
// broker with an owned lifecycle. Callers must Close it.
func NewRedisBroker(cfg RedisBrokerConfig) (*RedisBroker, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", faults.ErrNetwork)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBroker{
		client:     client,
		authorizer: cfg.Authorizer,
		logger:     logger,
	}, nil
}

// NewRedisBrokerWithClient wraps an existing Redis client, used by tests.
func NewRedisBrokerWithClient(client *redis.Client, authorizer Authorizer, logger *zap.Logger) *RedisBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBroker{client: client, authorizer: authorizer, logger: logger}
}

// SubscribeMutations opens the asset's mutation channel.
func (b *RedisBroker) SubscribeMutations(ctx context.Context, assetID string) (Subscription, error) {
	return b.subscribe(ctx, assetID, mutationChannel(assetID))
}

// SubscribePresence opens the asset's presence channel.
func (b *RedisBroker) SubscribePresence(ctx context.Context, assetID string) (Subscription, error) {
	return b.subscribe(ctx, assetID, presenceChannel(assetID))
}

func (b *RedisBroker) subscribe(ctx context.Context, assetID, channel string) (Subscription, error) {
	if assetID == "" {
		return nil, fmt.Errorf("%w: %v", faults.ErrValidation, errMissingAssetID)
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", faults.ErrRealtime, errBrokerClosed)
	}
	b.mu.Unlock()

	if b.authorizer != nil {
		if err := b.authorizer.AuthorizeRead(ctx, assetID); err != nil {
			// Terminal: subscription authorization failures are never retried
			// and never reveal whether the asset exists.
			return nil, fmt.Errorf("subscribe %s: %w", assetID, faults.ErrAuthorization)
		}
	}

	pubsub := b.client.Subscribe(ctx, channel)
	// Force the SUBSCRIBE round-trip so transport failures surface here
	// instead of silently on the first receive.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, faults.ErrRealtime)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		events: make(chan Event, subscriberBufferSize),
		done:   make(chan struct{}),
	}
	go sub.pump(b.logger)
	return sub, nil
}

// PublishMutation broadcasts a mutation event to the asset's subscribers.
func (b *RedisBroker) PublishMutation(ctx context.Context, event Event) error {
	return b.publish(ctx, mutationChannel(event.AssetID), event)
}

// PublishPresence broadcasts a presence event to the asset's subscribers.
func (b *RedisBroker) PublishPresence(ctx context.Context, event Event) error {
	return b.publish(ctx, presenceChannel(event.AssetID), event)
}

func (b *RedisBroker) publish(ctx context.Context, channel string, event Event) error {
	if event.AssetID == "" {
		return fmt.Errorf("%w: %v", faults.ErrValidation, errMissingAssetID)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, faults.ErrNetwork)
	}
	return nil
}

// Close releases the Redis connection. Existing subscriptions drain and end.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	events chan Event

	once sync.Once
	done chan struct{}
}

func (s *redisSubscription) Events() <-chan Event {
	return s.events
}

func (s *redisSubscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		_ = s.pubsub.Close()
	})
}

func (s *redisSubscription) pump(logger *zap.Logger) {
	defer close(s.events)
	ch := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case message, ok := <-ch:
			if !ok {
				return
			}
			var event Event
			if err := json.Unmarshal([]byte(message.Payload), &event); err != nil {
				logger.Warn("dropping malformed realtime event", zap.Error(err))
				continue
			}
			select {
			case s.events <- event:
			default:
				// Slow consumer: drop rather than block the pump. Sync
				// clients repair missed mutations via full resync.
			}
		}
	}
}
