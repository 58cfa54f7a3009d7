// Package cachesync carries read-cache invalidations between chorus
// processes that share one database. A write in one process is announced on
// a redis channel and every other process drops its cached copy.
package cachesync

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Cache kinds announced on the bus.
const (
	KindPersona      = "persona"
	KindGroupSetting = "group_setting"
)

// DefaultChannel is the redis pub/sub channel used when none is configured.
const DefaultChannel = "chorus:cache:invalidate"

const defaultRetryEvery = time.Second

// Publisher announces that the cached entry for key of kind is stale.
type Publisher interface {
	Publish(ctx context.Context, kind, key string) error
}

// Forgetter drops cached entries on behalf of another process.
type Forgetter interface {
	Forget(key string)
	ForgetAll()
}

// subscription is the receive side of *redis.PubSub.
type subscription interface {
	Receive(ctx context.Context) (interface{}, error)
	Close() error
}

type notice struct {
	Origin string `json:"origin"`
	Kind   string `json:"kind"`
	Key    string `json:"key"`
}

// RedisBus publishes and receives invalidations over redis pub/sub.
type RedisBus struct {
	channel    string
	origin     string
	retryEvery time.Duration
	publish    func(ctx context.Context, payload []byte) error
	subscribe  func(ctx context.Context) subscription

	mu       sync.RWMutex
	handlers map[string]Forgetter
}

// RedisBusOpts holds parameters for creating a RedisBus.
type RedisBusOpts struct {
	Client     *redis.Client
	Channel    string        // defaults to DefaultChannel
	RetryEvery time.Duration // pause after a receive error; defaults to 1s
}

// NewRedisBus creates a RedisBus over client.
func NewRedisBus(opts RedisBusOpts) (*RedisBus, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("cachesync: redis client is required")
	}
	channel := opts.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	client := opts.Client
	return newBus(channel, opts.RetryEvery,
		func(ctx context.Context, payload []byte) error {
			return client.Publish(ctx, channel, payload).Err()
		},
		func(ctx context.Context) subscription {
			return client.Subscribe(ctx, channel)
		},
	), nil
}

func newBus(channel string, retryEvery time.Duration, publish func(context.Context, []byte) error, subscribe func(context.Context) subscription) *RedisBus {
	if retryEvery <= 0 {
		retryEvery = defaultRetryEvery
	}
	return &RedisBus{
		channel:    channel,
		origin:     uuid.NewString(),
		retryEvery: retryEvery,
		publish:    publish,
		subscribe:  subscribe,
		handlers:   make(map[string]Forgetter),
	}
}

// Register routes invalidations of kind to f.
func (b *RedisBus) Register(kind string, f Forgetter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = f
}

// Publish announces a stale entry to the other processes.
func (b *RedisBus) Publish(ctx context.Context, kind, key string) error {
	payload, err := json.Marshal(notice{Origin: b.origin, Kind: kind, Key: key})
	if err != nil {
		return fmt.Errorf("cachesync: encode: %w", err)
	}
	if err := b.publish(ctx, payload); err != nil {
		return fmt.Errorf("cachesync: publish %s %s: %w", kind, key, err)
	}
	return nil
}

// Run receives invalidations until ctx is cancelled. Every (re)subscription
// and every receive error clears all registered caches, since notices sent
// while disconnected are lost.
func (b *RedisBus) Run(ctx context.Context) {
	sub := b.subscribe(ctx)
	defer sub.Close()

	for {
		msg, err := sub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("cachesync: receive on %s: %v", b.channel, err)
			b.forgetAll()
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.retryEvery):
			}
			continue
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				b.forgetAll()
			}
		case *redis.Message:
			b.dispatch([]byte(m.Payload))
		}
	}
}

func (b *RedisBus) dispatch(payload []byte) {
	var n notice
	if err := json.Unmarshal(payload, &n); err != nil {
		log.Printf("cachesync: bad notice %q: %v", payload, err)
		return
	}
	if n.Origin == b.origin {
		return
	}
	b.mu.RLock()
	f, ok := b.handlers[n.Kind]
	b.mu.RUnlock()
	if ok {
		f.Forget(n.Key)
	}
}

func (b *RedisBus) forgetAll() {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, f := range b.handlers {
		f.ForgetAll()
	}
}
