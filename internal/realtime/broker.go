package realtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Broker fans published frames out to every router process in the cluster,
// including the publisher. Routers deduplicate their own frames by origin.
type Broker interface {
	Publish(ctx context.Context, payload []byte) error
	// Run delivers incoming frames to handler until ctx is cancelled.
	Run(ctx context.Context, handler func(payload []byte))
}

const brokerChannel = "realtime:events"

// RedisBroker carries all cross-process frames over a single pub/sub
// channel. Pub/sub is fire-and-forget: a process that is down misses
// frames, which is acceptable for transient realtime events.
type RedisBroker struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewRedisBroker(rdb *redis.Client, log *slog.Logger) *RedisBroker {
	if log == nil {
		log = slog.Default()
	}
	return &RedisBroker{rdb: rdb, log: log}
}

func (b *RedisBroker) Publish(ctx context.Context, payload []byte) error {
	return b.rdb.Publish(ctx, brokerChannel, payload).Err()
}

func (b *RedisBroker) Run(ctx context.Context, handler func(payload []byte)) {
	pubsub := b.rdb.Subscribe(ctx, brokerChannel)
	defer pubsub.Close()

	// go-redis reconnects the subscription itself; the channel closes
	// only when ctx is cancelled.
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				b.log.Warn("broker subscription channel closed")
				return
			}
			handler([]byte(msg.Payload))
		}
	}
}

// MemoryBroker is a single-process loopback used in tests and when no
// redis is configured.
type MemoryBroker struct {
	mu      sync.RWMutex
	handler func(payload []byte)
}

func NewMemoryBroker() *MemoryBroker { return &MemoryBroker{} }

func (b *MemoryBroker) Publish(_ context.Context, payload []byte) error {
	b.mu.RLock()
	handler := b.handler
	b.mu.RUnlock()
	if handler != nil {
		handler(payload)
	}
	return nil
}

func (b *MemoryBroker) Run(ctx context.Context, handler func(payload []byte)) {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()
	<-ctx.Done()
	b.mu.Lock()
	b.handler = nil
	b.mu.Unlock()
}
