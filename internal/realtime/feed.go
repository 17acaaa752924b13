package realtime

import (
	"context"
	"sync"
)

const defaultFeedBufferSize = 16

// Publisher is implemented by anything that accepts committed change events.
type Publisher interface {
	Publish(event ChangeEvent)
}

// Feed fans change events out to subscribers whose filters match.
type Feed struct {
	mu          sync.RWMutex
	subscribers map[int64]*feedSubscriber
	nextID      int64
	bufferSize  int
}

type feedSubscriber struct {
	id      int64
	filters []Filter
	stream  chan ChangeEvent
}

func NewFeed() *Feed {
	return &Feed{
		subscribers: make(map[int64]*feedSubscriber),
		bufferSize:  defaultFeedBufferSize,
	}
}

// Subscribe registers a filtered subscription. The returned cleanup is idempotent and also runs when ctx ends.
func (f *Feed) Subscribe(ctx context.Context, filters ...Filter) (<-chan ChangeEvent, func()) {
	if len(filters) == 0 {
		ch := make(chan ChangeEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &feedSubscriber{
		filters: append([]Filter(nil), filters...),
		stream:  make(chan ChangeEvent, f.bufferSize),
	}
	f.register(subscriber)

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			f.unregister(subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers event to every matching subscriber without blocking.
// A full buffer already holds an event whose refetch observes this change, so dropping is safe.
func (f *Feed) Publish(event ChangeEvent) {
	if event.Table == "" {
		return
	}
	f.mu.RLock()
	matched := make([]*feedSubscriber, 0, len(f.subscribers))
	for _, subscriber := range f.subscribers {
		if subscriber.matches(event) {
			matched = append(matched, subscriber)
		}
	}
	f.mu.RUnlock()
	for _, subscriber := range matched {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// SubscriberCount reports the number of live subscriptions.
func (f *Feed) SubscriberCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers)
}

func (s *feedSubscriber) matches(event ChangeEvent) bool {
	for _, filter := range s.filters {
		if filter.Matches(event) {
			return true
		}
	}
	return false
}

func (f *Feed) register(subscriber *feedSubscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	subscriber.id = f.nextID
	f.subscribers[subscriber.id] = subscriber
}

func (f *Feed) unregister(subscriberID int64) {
	f.mu.Lock()
	delete(f.subscribers, subscriberID)
	f.mu.Unlock()
}
