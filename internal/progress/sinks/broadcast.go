package sinks

import (
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/serpqueue/internal/progress"
)

const defaultSubscriberBuffer = 64

// Broadcaster routes events to subscribers keyed by requester fingerprint.
// Slow subscribers lose events rather than stalling the hub.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[string]map[*subscription]struct{}
	buffer int
	closed bool
	logger *zap.Logger
}

type subscription struct {
	ch   chan progress.Event
	once sync.Once
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// NewBroadcaster creates a Broadcaster whose subscriber channels hold buffer
// events each.
func NewBroadcaster(buffer int, logger *zap.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		subs:   make(map[string]map[*subscription]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers interest in events for requester. The returned cancel
// func unsubscribes and closes the channel; the channel is also closed when
// the Broadcaster closes.
func (b *Broadcaster) Subscribe(requester string) (<-chan progress.Event, func()) {
	sub := &subscription{ch: make(chan progress.Event, b.buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close()
		return sub.ch, func() {}
	}
	set, ok := b.subs[requester]
	if !ok {
		set = make(map[*subscription]struct{})
		b.subs[requester] = set
	}
	set[sub] = struct{}{}

	return sub.ch, func() {
		b.mu.Lock()
		if set, ok := b.subs[requester]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.subs, requester)
			}
		}
		b.mu.Unlock()
		sub.close()
	}
}

// Subscribers reports the number of live subscriptions for requester.
func (b *Broadcaster) Subscribers(requester string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[requester])
}

// Consume fans each event out to the subscribers of its requesters.
func (b *Broadcaster) Consume(_ context.Context, batch []progress.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, evt := range batch {
		for requester, set := range b.subs {
			if !slices.Contains(evt.Requesters, requester) {
				continue
			}
			for sub := range set {
				select {
				case sub.ch <- evt:
				default:
					b.logger.Debug("dropping event for slow subscriber",
						zap.String("job_id", evt.JobID),
						zap.String("requester", requester),
					)
				}
			}
		}
	}
	return nil
}

// Close ends every subscription.
func (b *Broadcaster) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for requester, set := range b.subs {
		for sub := range set {
			sub.close()
		}
		delete(b.subs, requester)
	}
	return nil
}
