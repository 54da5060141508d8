package client

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/collabroom/internal/protocol"
)

var testEpoch = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	seq    uint64
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	seq     uint64
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testEpoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	timer := &fakeTimer{clock: c, at: c.now.Add(d), seq: c.seq, fn: f}
	c.timers = append(c.timers, timer)
	return timer
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward by d, running due timers in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	c.advanceTo(target)
}

// Elapse sets the clock to epoch+offset.
func (c *fakeClock) Elapse(offset time.Duration) {
	c.advanceTo(testEpoch.Add(offset))
}

func (c *fakeClock) advanceTo(target time.Time) {
	for {
		c.mu.Lock()
		due := c.nextDueLocked(target)
		if due == nil {
			if target.After(c.now) {
				c.now = target
			}
			c.mu.Unlock()
			return
		}
		c.now = due.at
		due.fired = true
		c.mu.Unlock()
		due.fn()
	}
}

func (c *fakeClock) nextDueLocked(target time.Time) *fakeTimer {
	var due *fakeTimer
	active := c.timers[:0]
	for _, timer := range c.timers {
		if timer.stopped || timer.fired {
			continue
		}
		active = append(active, timer)
		if timer.at.After(target) {
			continue
		}
		if due == nil || timer.at.Before(due.at) || (timer.at.Equal(due.at) && timer.seq < due.seq) {
			due = timer
		}
	}
	c.timers = active
	return due
}

func (c *fakeClock) offset() time.Duration {
	return c.Now().Sub(testEpoch)
}

type sentEvent struct {
	at      time.Duration
	event   string
	payload interface{}
}

var errTransportDown = errors.New("transport down")

type fakeTransport struct {
	name  string
	clock *fakeClock
	relay *fakeRelay

	mu       sync.Mutex
	sent     []sentEvent
	handlers map[string][]handlerEntry
	next     uint64
	joined   map[string]string
	down     bool
}

func newFakeTransport(name string, clock *fakeClock) *fakeTransport {
	return &fakeTransport{
		name:     name,
		clock:    clock,
		handlers: make(map[string][]handlerEntry),
		joined:   make(map[string]string),
	}
}

func (t *fakeTransport) Send(event string, payload interface{}) error {
	t.mu.Lock()
	if t.down {
		t.mu.Unlock()
		return errTransportDown
	}
	t.sent = append(t.sent, sentEvent{at: t.clock.offset(), event: event, payload: payload})
	relay := t.relay
	t.mu.Unlock()
	if relay != nil {
		relay.route(t, event, payload)
	}
	return nil
}

func (t *fakeTransport) JoinPage(pageID, roomID string) error {
	t.mu.Lock()
	t.joined[pageID] = roomID
	t.mu.Unlock()
	return t.Send(protocol.EventJoinPage, protocol.JoinPage{PageID: pageID, RoomID: roomID})
}

func (t *fakeTransport) LeavePage(pageID string) error {
	t.mu.Lock()
	_, ok := t.joined[pageID]
	delete(t.joined, pageID)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return t.Send(protocol.EventLeavePage, protocol.LeavePage{PageID: pageID})
}

func (t *fakeTransport) On(event string, handler Handler) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	id := t.next
	t.handlers[event] = append(t.handlers[event], handlerEntry{id: id, handler: handler})
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		entries := t.handlers[event]
		for index, entry := range entries {
			if entry.id == id {
				t.handlers[event] = append(entries[:index:index], entries[index+1:]...)
				return
			}
		}
	}
}

func (t *fakeTransport) setDown(down bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.down = down
}

func (t *fakeTransport) isJoined(pageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.joined[pageID]
	return ok
}

// deliver encodes payload as the relay would and runs the registered handlers.
func (t *fakeTransport) deliver(tb testing.TB, event string, payload interface{}) {
	tb.Helper()
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		tb.Fatalf("encode %s: %v", event, err)
	}
	envelope, err := protocol.Decode(frame)
	if err != nil {
		tb.Fatalf("decode %s: %v", event, err)
	}
	t.mu.Lock()
	entries := append([]handlerEntry(nil), t.handlers[envelope.Event]...)
	t.mu.Unlock()
	for _, entry := range entries {
		entry.handler(envelope)
	}
}

func (t *fakeTransport) events(event string) []sentEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	var matched []sentEvent
	for _, sent := range t.sent {
		if sent.event == event {
			matched = append(matched, sent)
		}
	}
	return matched
}

func (t *fakeTransport) eventNames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.sent))
	for _, sent := range t.sent {
		names = append(names, sent.event)
	}
	return names
}

type recordedSave struct {
	at      time.Duration
	from    string
	pageID  string
	content string
}

// fakeRelay forwards peer events between fake transports in arrival order.
type fakeRelay struct {
	tb    testing.TB
	clock *fakeClock

	mu         sync.Mutex
	transports []*fakeTransport
	saves      []recordedSave
}

func newFakeRelay(tb testing.TB, clock *fakeClock) *fakeRelay {
	return &fakeRelay{tb: tb, clock: clock}
}

func (r *fakeRelay) attach(transport *fakeTransport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	transport.relay = r
	r.transports = append(r.transports, transport)
}

func (r *fakeRelay) route(sender *fakeTransport, event string, payload interface{}) {
	switch event {
	case protocol.EventSavePage:
		save := payload.(protocol.SavePage)
		r.mu.Lock()
		r.saves = append(r.saves, recordedSave{
			at:      r.clock.offset(),
			from:    sender.name,
			pageID:  save.PageID,
			content: save.Content,
		})
		r.mu.Unlock()
		// Confirmations arrive after the sender's save call returns, as they
		// would from a live relay.
		saved := protocol.PageSaved{PageID: save.PageID, SavedBy: sender.name}
		r.clock.AfterFunc(0, func() {
			r.broadcast(save.PageID, protocol.EventPageSaved, saved)
		})
	case protocol.EventContentChange:
		change := payload.(protocol.ContentChange)
		change.From = sender.name
		r.forward(sender, change.PageID, event, change)
	case protocol.EventEditingStarted:
		r.forward(sender, payload.(protocol.EditingStarted).PageID, event, payload)
	case protocol.EventEditingStopped:
		r.forward(sender, payload.(protocol.EditingStopped).PageID, event, payload)
	case protocol.EventCursorUpdate:
		r.forward(sender, payload.(protocol.CursorUpdate).PageID, event, payload)
	}
}

func (r *fakeRelay) forward(sender *fakeTransport, pageID, event string, payload interface{}) {
	r.mu.Lock()
	targets := make([]*fakeTransport, 0, len(r.transports))
	for _, transport := range r.transports {
		if transport != sender && transport.isJoined(pageID) {
			targets = append(targets, transport)
		}
	}
	r.mu.Unlock()
	for _, target := range targets {
		target.deliver(r.tb, event, payload)
	}
}

func (r *fakeRelay) broadcast(pageID, event string, payload interface{}) {
	r.mu.Lock()
	targets := make([]*fakeTransport, 0, len(r.transports))
	for _, transport := range r.transports {
		if transport.isJoined(pageID) {
			targets = append(targets, transport)
		}
	}
	r.mu.Unlock()
	for _, target := range targets {
		target.deliver(r.tb, event, payload)
	}
}

func (r *fakeRelay) recordedSaves() []recordedSave {
	r.mu.Lock()
	defer r.mu.Unlock()
	saves := append([]recordedSave(nil), r.saves...)
	sort.SliceStable(saves, func(i, j int) bool { return saves[i].at < saves[j].at })
	return saves
}

type staticLoader struct {
	snapshots map[string]PageSnapshot
	err       error
}

func (l staticLoader) LoadPage(_ context.Context, pageID string) (PageSnapshot, error) {
	if l.err != nil {
		return PageSnapshot{}, l.err
	}
	snapshot, ok := l.snapshots[pageID]
	if !ok {
		return PageSnapshot{}, ErrPageNotFound
	}
	return snapshot, nil
}
