package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"formdesk/pkg/apperr"
	"formdesk/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// RedisRelay fans events out across instances. Publish goes to Redis only;
// every instance, this one included, receives it back through a pattern
// subscription and hands it to its local Broker, so all instances see one
// order per document.
type RedisRelay struct {
	client *redis.Client
	local  *Broker
	prefix string

	mu     sync.Mutex
	pubsub *redis.PubSub
}

// NewRedisClient parses redisURL and checks the server is reachable.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func NewRedisRelay(client *redis.Client, local *Broker, prefix string) *RedisRelay {
	if prefix == "" {
		prefix = "formdesk:doc:"
	}
	return &RedisRelay{client: client, local: local, prefix: prefix}
}

func (r *RedisRelay) channel(docID string) string {
	return r.prefix + docID
}

// Start subscribes to every document channel and returns once Redis has
// confirmed the subscription. Delivery runs until ctx is done or Close.
func (r *RedisRelay) Start(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, r.prefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe %s*: %w", r.prefix, err)
	}
	r.mu.Lock()
	r.pubsub = pubsub
	r.mu.Unlock()

	go r.run(ctx, pubsub.Channel())
	logger.Sugar.Infof("Redis relay subscribed to %s*", r.prefix)
	return nil
}

func (r *RedisRelay) run(ctx context.Context, messages <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logger.Sugar.Errorf("Error unmarshalling relayed event on %s: %v", msg.Channel, err)
				continue
			}
			if ev.DocID == "" {
				ev.DocID = strings.TrimPrefix(msg.Channel, r.prefix)
			}
			_ = r.local.Publish(ctx, ev)
		}
	}
}

// Publish sends ev to every instance. If Redis is unavailable the event is
// still delivered to local subscribers and a Transient error is returned.
func (r *RedisRelay) Publish(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	if err := r.client.Publish(ctx, r.channel(ev.DocID), raw).Err(); err != nil {
		_ = r.local.Publish(ctx, ev)
		return apperr.Wrap(apperr.KindTransient, "broadcast relay unavailable", err)
	}
	return nil
}

func (r *RedisRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub == nil {
		return nil
	}
	err := r.pubsub.Close()
	r.pubsub = nil
	return err
}
