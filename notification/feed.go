package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Subscriber streams a user's notifications as they are delivered.
type Subscriber interface {
	Subscribe(ctx context.Context, userID string) (<-chan Notification, func() error, error)
}

// RedisFeed is the live feed over Redis pub/sub, one channel per user.
type RedisFeed struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisFeed(rdb *redis.Client) *RedisFeed {
	return &RedisFeed{rdb: rdb, prefix: "notifications:"}
}

func (f *RedisFeed) channel(userID string) string {
	return f.prefix + userID
}

func (f *RedisFeed) Publish(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notification: encode feed event: %w", err)
	}
	if err := f.rdb.Publish(ctx, f.channel(n.UserID), payload).Err(); err != nil {
		return fmt.Errorf("notification: publish: %w", err)
	}
	return nil
}

// Subscribe returns a channel closed when ctx ends or the subscription drops.
// Call the returned func to release the subscription.
func (f *RedisFeed) Subscribe(ctx context.Context, userID string) (<-chan Notification, func() error, error) {
	sub := f.rdb.Subscribe(ctx, f.channel(userID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("notification: subscribe: %w", err)
	}

	out := make(chan Notification)
	go func() {
		defer close(out)
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var n Notification
				if err := json.Unmarshal([]byte(m.Payload), &n); err != nil {
					continue
				}
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, sub.Close, nil
}

// LocalFeed is an in-process feed for single-node runs without Redis. A slow
// subscriber misses events rather than blocking delivery.
type LocalFeed struct {
	mu   sync.Mutex
	subs map[string]map[chan Notification]struct{}
}

func NewLocalFeed() *LocalFeed {
	return &LocalFeed{subs: make(map[string]map[chan Notification]struct{})}
}

func (f *LocalFeed) Publish(_ context.Context, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs[n.UserID] {
		select {
		case ch <- n:
		default:
		}
	}
	return nil
}

func (f *LocalFeed) Subscribe(ctx context.Context, userID string) (<-chan Notification, func() error, error) {
	ch := make(chan Notification, 16)
	f.mu.Lock()
	if f.subs[userID] == nil {
		f.subs[userID] = make(map[chan Notification]struct{})
	}
	f.subs[userID][ch] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	release := func() error {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs[userID], ch)
			if len(f.subs[userID]) == 0 {
				delete(f.subs, userID)
			}
			close(ch)
			f.mu.Unlock()
		})
		return nil
	}
	go func() {
		<-ctx.Done()
		_ = release()
	}()
	return ch, release, nil
}
