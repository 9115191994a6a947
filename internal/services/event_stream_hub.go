package services

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventStreamHub multiplexes the engine's Redis event channel to many SSE clients
// without spawning a Redis subscription per HTTP request.
type EventStreamHub struct {
	redis       *redis.Client
	channelName string

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

func NewEventStreamHub(redis *redis.Client, channel string) *EventStreamHub {
	ctx, cancel := context.WithCancel(context.Background())
	hub := &EventStreamHub{
		redis:       redis,
		channelName: channel,
		subscribers: make(map[chan []byte]struct{}),
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	go hub.run(ctx)

	return hub
}

func (h *EventStreamHub) run(ctx context.Context) {
	defer close(h.done)

	for ctx.Err() == nil {
		pubsub := h.redis.Subscribe(ctx, h.channelName)
		ch := pubsub.Channel(redis.WithChannelSize(16384))

	receive:
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					break receive
				}
				h.broadcast([]byte(msg.Payload))
			case <-ctx.Done():
				break receive
			}
		}

		_ = pubsub.Close()

		// Avoid tight loop if Redis connection drops
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
	}
}

func (h *EventStreamHub) broadcast(payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subscribers {
		select {
		case sub <- payload:
		default:
			// Subscriber is too slow; drop oldest message to keep hub responsive
			select {
			case <-sub:
			default:
			}
			select {
			case sub <- payload:
			default:
			}
		}
	}
}

// Subscribe registers a new listener and returns a channel plus cleanup function.
func (h *EventStreamHub) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 512)

	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		if _, ok := h.subscribers[ch]; ok {
			delete(h.subscribers, ch)
			close(ch)
		}
		h.mu.Unlock()
	}

	return ch, unsubscribe
}

// Close stops the Redis subscription and closes every subscriber channel.
func (h *EventStreamHub) Close() {
	h.cancel()
	<-h.done

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers {
		delete(h.subscribers, ch)
		close(ch)
	}
}
