package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

const memorySubQueueSize = 256

// MemoryBus is the in-process transport used in single-node deployments
// and tests. Each subscriber drains its own FIFO queue on one
// goroutine, so handler order matches publish order per publisher. A
// saturated subscriber queue drops the message rather than blocking the
// publisher.
type MemoryBus struct {
	mu      sync.RWMutex
	subs    map[string][]*memorySub
	logger  *slog.Logger
	dropped atomic.Int64
}

type memorySub struct {
	queue chan []byte
	done  chan struct{}
}

func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{
		subs:   make(map[string][]*memorySub),
		logger: logger,
	}
}

func topicKey(room, msgType string) string {
	return room + "/" + msgType
}

func (b *MemoryBus) Publish(_ context.Context, room, msgType string, payload []byte) error {
	key := topicKey(room, msgType)

	b.mu.RLock()
	targets := make([]*memorySub, len(b.subs[key]))
	copy(targets, b.subs[key])
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.queue <- payload:
		default:
			b.dropped.Add(1)
			b.logger.Warn("memory bus subscriber queue full, dropping message",
				"room", room, "type", msgType)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, room, msgType string, fn Handler) (func(), error) {
	key := topicKey(room, msgType)
	sub := &memorySub{
		queue: make(chan []byte, memorySubQueueSize),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[key] = append(b.subs[key], sub)
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.done:
				return
			case payload := <-sub.queue:
				fn(ctx, payload)
			}
		}
	}()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			current := b.subs[key]
			for i, s := range current {
				if s == sub {
					b.subs[key] = append(current[:i], current[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			close(sub.done)
		})
	}
	return unsubscribe, nil
}

// Dropped reports messages discarded due to saturated subscriber
// queues since startup.
func (b *MemoryBus) Dropped() int64 {
	return b.dropped.Load()
}
