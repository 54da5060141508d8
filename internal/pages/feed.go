package pages

import (
	"context"
	"sync"
	"time"
)

const (
	// ChangeEventSaved is published after a page's content was persisted.
	ChangeEventSaved = "page-saved"

	defaultFeedBuffer = 16
)

// Change is a store notification for one page.
type Change struct {
	PageID     string
	EventType  string
	Content    string
	RevisionID string
	SavedBy    string
	Timestamp  time.Time
}

// Feed fans store change notifications out to subscribers keyed by page id.
// Slow subscribers lose notifications instead of blocking the publisher.
type Feed struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*feedSubscriber
	nextID      int64
	bufferSize  int
}

type feedSubscriber struct {
	id     int64
	stream chan Change
}

// NewFeed constructs an empty change feed.
func NewFeed() *Feed {
	return &Feed{
		subscribers: make(map[string]map[int64]*feedSubscriber),
		bufferSize:  defaultFeedBuffer,
	}
}

// Subscribe registers for changes to pageID until ctx is done or the returned
// cleanup is called.
func (f *Feed) Subscribe(ctx context.Context, pageID string) (<-chan Change, func()) {
	if pageID == "" {
		ch := make(chan Change)
		close(ch)
		return ch, func() {}
	}

	f.mu.Lock()
	f.nextID++
	subscriber := &feedSubscriber{
		id:     f.nextID,
		stream: make(chan Change, f.bufferSize),
	}
	if _, ok := f.subscribers[pageID]; !ok {
		f.subscribers[pageID] = make(map[int64]*feedSubscriber)
	}
	f.subscribers[pageID][subscriber.id] = subscriber
	f.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			f.unregister(pageID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers change to every current subscriber of its page.
func (f *Feed) Publish(change Change) {
	if change.PageID == "" || change.EventType == "" {
		return
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, subscriber := range f.subscribers[change.PageID] {
		select {
		case subscriber.stream <- change:
		default:
		}
	}
}

func (f *Feed) unregister(pageID string, subscriberID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subscribers := f.subscribers[pageID]
	if subscribers == nil {
		return
	}
	if subscriber, ok := subscribers[subscriberID]; ok {
		delete(subscribers, subscriberID)
		close(subscriber.stream)
	}
	if len(subscribers) == 0 {
		delete(f.subscribers, pageID)
	}
}
