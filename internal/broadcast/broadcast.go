package broadcast

import (
	"sync"
	"sync/atomic"

	"go-channel-download/internal/models"

	log "github.com/sirupsen/logrus"
)

// Default per-subscriber buffer. A subscriber that falls this far behind
// starts losing events rather than stalling the publisher.
const defaultBuffer = 64

// Subscription is one receiver of progress events. Read from C until it is
// closed; call Broadcaster.Unsubscribe when done.
type Subscription struct {
	C chan models.ProgressEvent

	// Written by concurrent publishers under a read lock, hence atomic.
	dropped atomic.Uint64
}

// Broadcaster fans progress events out to a dynamic set of subscribers.
// Publish never blocks the caller: delivery to a full or dead subscriber is
// dropped and logged, never surfaced to the download path.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
	closed bool
}

// New returns a Broadcaster with the default subscriber buffer.
func New() *Broadcaster {
	return &Broadcaster{
		subs:   make(map[*Subscription]struct{}),
		buffer: defaultBuffer,
	}
}

// Subscribe registers a new subscriber and returns its subscription.
func (b *Broadcaster) Subscribe() *Subscription {
	sub := &Subscription{C: make(chan models.ProgressEvent, b.buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.C)
		return sub
	}
	b.subs[sub] = struct{}{}
	log.Debugf("Progress subscriber added (total: %d)", len(b.subs))
	return sub
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call more
// than once.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.C)
	log.Debugf("Progress subscriber removed (total: %d)", len(b.subs))
}

// Publish delivers ev to every live subscriber without blocking.
func (b *Broadcaster) Publish(ev models.ProgressEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.C <- ev:
		default:
			dropped := sub.dropped.Add(1)
			if dropped == 1 || dropped%100 == 0 {
				log.WithField("jobId", ev.JobID).Warnf("Slow progress subscriber, %d event(s) dropped", dropped)
			}
		}
	}
}

// Close unsubscribes everyone. Publish after Close is a no-op.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.C)
	}
}
