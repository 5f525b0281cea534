// Package notify implements the observability hooks' notification bus: a
// subscribe-multi channel for task-lifecycle and research-completion
// events. In-process fan-out is always available; an optional Redis
// pub/sub transport lets multiple processes observe the same stream
// without introducing persistent cluster coordination state.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Kind enumerates the notification categories.
type Kind string

const (
	TaskLifecycle       Kind = "task_lifecycle"
	ResearchCompletion  Kind = "research_completion"
	FeedbackReceived    Kind = "feedback_received"
)

// Notification is the payload published on the bus.
type Notification struct {
	Kind      Kind            `json:"kind"`
	TaskID    string          `json:"task_id,omitempty"`
	Fingerprint string        `json:"fingerprint,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	At        time.Time       `json:"at"`
}

// Bus fans a Notification out to every local subscriber and, when Redis is
// configured, republishes to a channel so remote subscribers (dashboards,
// other processes) observe the same stream.
type Bus struct {
	mu   sync.Mutex
	subs []chan Notification

	redisClient *redis.Client
	redisChannel string
}

// New constructs an in-process-only bus.
func New() *Bus {
	return &Bus{}
}

// WithRedis attaches an optional Redis transport. Passing a nil client
// (no REDIS_URL configured) keeps the bus in-process-only, per the
// single-node non-goal: Redis here is an additive transport, never a
// source of truth.
func (b *Bus) WithRedis(client *redis.Client, channel string) *Bus {
	b.redisClient = client
	b.redisChannel = channel
	return b
}

// Subscribe returns a channel receiving every published Notification.
// Subscribers must drain promptly; a slow subscriber drops events rather
// than blocking the publisher.
func (b *Bus) Subscribe() <-chan Notification {
	ch := make(chan Notification, 128)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish fans out n to all local subscribers and, if configured,
// publishes to Redis. Redis publish errors are logged, never returned:
// the in-process fan-out is the durable path within a single node.
func (b *Bus) Publish(ctx context.Context, n Notification) {
	if n.At.IsZero() {
		n.At = time.Now()
	}

	b.mu.Lock()
	subs := append([]chan Notification(nil), b.subs...)
	b.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- n:
		default:
			log.Debug().Str("kind", string(n.Kind)).Msg("notification subscriber backpressured, dropping")
		}
	}

	if b.redisClient == nil {
		return
	}
	data, err := json.Marshal(n)
	if err != nil {
		log.Warn().Err(err).Msg("failed to marshal notification for redis publish")
		return
	}
	if err := b.redisClient.Publish(ctx, b.redisChannel, data).Err(); err != nil {
		log.Warn().Err(err).Msg("redis publish failed")
	}
}

// SubscribeRedis starts a goroutine forwarding Redis-published
// notifications onto a local channel, for processes that only have remote
// visibility into the bus. Returns a cancel func to stop forwarding.
func (b *Bus) SubscribeRedis(ctx context.Context) (<-chan Notification, func(), error) {
	if b.redisClient == nil {
		return nil, func() {}, nil
	}
	pubsub := b.redisClient.Subscribe(ctx, b.redisChannel)
	ch := make(chan Notification, 128)
	subCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var n Notification
				if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
					log.Warn().Err(err).Msg("failed to decode redis notification")
					continue
				}
				select {
				case ch <- n:
				default:
				}
			}
		}
	}()

	return ch, cancel, nil
}
