package cachesync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeSubscription feeds queued items to Receive.
type fakeSubscription struct {
	items  chan interface{}
	errs   chan error
	closed chan struct{}
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{
		items:  make(chan interface{}, 16),
		errs:   make(chan error, 4),
		closed: make(chan struct{}),
	}
}

func (f *fakeSubscription) Receive(ctx context.Context) (interface{}, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-f.errs:
		return nil, err
	case it := <-f.items:
		return it, nil
	}
}

func (f *fakeSubscription) Close() error {
	close(f.closed)
	return nil
}

// recordingForgetter records Forget and ForgetAll calls.
type recordingForgetter struct {
	mu      sync.Mutex
	keys    []string
	flushes int
	seen    chan struct{}
}

func newRecordingForgetter() *recordingForgetter {
	return &recordingForgetter{seen: make(chan struct{}, 16)}
}

func (r *recordingForgetter) Forget(key string) {
	r.mu.Lock()
	r.keys = append(r.keys, key)
	r.mu.Unlock()
	r.seen <- struct{}{}
}

func (r *recordingForgetter) ForgetAll() {
	r.mu.Lock()
	r.flushes++
	r.mu.Unlock()
	r.seen <- struct{}{}
}

func (r *recordingForgetter) snapshot() ([]string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...), r.flushes
}

func waitSeen(t *testing.T, r *recordingForgetter) {
	t.Helper()
	select {
	case <-r.seen:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler call")
	}
}

// pair returns a publishing bus and a receiving bus joined by sub.
func pair(t *testing.T) (pub *RedisBus, recv *RedisBus, sub *fakeSubscription) {
	t.Helper()
	sub = newFakeSubscription()
	recv = newBus(DefaultChannel, time.Millisecond, nil, func(context.Context) subscription { return sub })
	pub = newBus(DefaultChannel, time.Millisecond, func(ctx context.Context, payload []byte) error {
		sub.items <- &redis.Message{Channel: DefaultChannel, Payload: string(payload)}
		return nil
	}, nil)
	return pub, recv, sub
}

func runBus(t *testing.T, b *RedisBus) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestNewRedisBus_RequiresClient(t *testing.T) {
	if _, err := NewRedisBus(RedisBusOpts{}); err == nil {
		t.Error("NewRedisBus without client succeeded")
	}
}

func TestNewRedisBus_Defaults(t *testing.T) {
	b, err := NewRedisBus(RedisBusOpts{Client: redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})})
	if err != nil {
		t.Fatalf("NewRedisBus: %v", err)
	}
	if b.channel != DefaultChannel {
		t.Errorf("channel = %q, want %q", b.channel, DefaultChannel)
	}
	if b.retryEvery != defaultRetryEvery {
		t.Errorf("retryEvery = %v, want %v", b.retryEvery, defaultRetryEvery)
	}
}

func TestRedisBus_DeliversToOtherProcess(t *testing.T) {
	pub, recv, _ := pair(t)
	personas := newRecordingForgetter()
	groups := newRecordingForgetter()
	recv.Register(KindPersona, personas)
	recv.Register(KindGroupSetting, groups)
	runBus(t, recv)

	if err := pub.Publish(context.Background(), KindGroupSetting, "G1"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitSeen(t, groups)

	keys, _ := groups.snapshot()
	if len(keys) != 1 || keys[0] != "G1" {
		t.Errorf("group keys = %v, want [G1]", keys)
	}
	if keys, _ := personas.snapshot(); len(keys) != 0 {
		t.Errorf("persona keys = %v, want none", keys)
	}
}

func TestRedisBus_IgnoresOwnNotices(t *testing.T) {
	sub := newFakeSubscription()
	b := newBus(DefaultChannel, time.Millisecond, func(ctx context.Context, payload []byte) error {
		sub.items <- &redis.Message{Payload: string(payload)}
		return nil
	}, func(context.Context) subscription { return sub })
	f := newRecordingForgetter()
	b.Register(KindPersona, f)
	runBus(t, b)

	if err := b.Publish(context.Background(), KindPersona, "7"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	// A foreign notice queued behind ours proves ours was consumed first.
	other := newBus(DefaultChannel, time.Millisecond, func(ctx context.Context, payload []byte) error {
		sub.items <- &redis.Message{Payload: string(payload)}
		return nil
	}, nil)
	if err := other.Publish(context.Background(), KindPersona, "8"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitSeen(t, f)

	keys, _ := f.snapshot()
	if len(keys) != 1 || keys[0] != "8" {
		t.Errorf("keys = %v, want [8]", keys)
	}
}

func TestRedisBus_SubscribeAndErrorsFlushCaches(t *testing.T) {
	_, recv, sub := pair(t)
	f := newRecordingForgetter()
	recv.Register(KindPersona, f)
	runBus(t, recv)

	sub.items <- &redis.Subscription{Kind: "subscribe", Channel: DefaultChannel, Count: 1}
	waitSeen(t, f)
	sub.errs <- errors.New("connection reset")
	waitSeen(t, f)

	if _, flushes := f.snapshot(); flushes != 2 {
		t.Errorf("flushes = %d, want 2", flushes)
	}
}

func TestRedisBus_BadPayloadIgnored(t *testing.T) {
	_, recv, sub := pair(t)
	f := newRecordingForgetter()
	recv.Register(KindPersona, f)
	runBus(t, recv)

	sub.items <- &redis.Message{Payload: "not json"}
	sub.items <- &redis.Subscription{Kind: "subscribe"}
	waitSeen(t, f)

	keys, flushes := f.snapshot()
	if len(keys) != 0 || flushes != 1 {
		t.Errorf("keys = %v flushes = %d, want none and 1", keys, flushes)
	}
}

func TestRedisBus_PublishError(t *testing.T) {
	b := newBus(DefaultChannel, 0, func(context.Context, []byte) error {
		return errors.New("redis down")
	}, nil)
	if err := b.Publish(context.Background(), KindPersona, "1"); err == nil {
		t.Error("Publish error was swallowed")
	}
}

func TestRedisBus_RunClosesSubscription(t *testing.T) {
	sub := newFakeSubscription()
	b := newBus(DefaultChannel, time.Millisecond, nil, func(context.Context) subscription { return sub })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	select {
	case <-sub.closed:
	default:
		t.Error("subscription not closed")
	}
}
