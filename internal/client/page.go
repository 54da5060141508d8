package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/collabroom/internal/pages"
	"github.com/MarcoPoloResearchLab/collabroom/internal/protocol"
)

const (
	defaultThrottle       = 150 * time.Millisecond
	defaultSaveDebounce   = 2500 * time.Millisecond
	defaultEditingIdle    = 5000 * time.Millisecond
	defaultReconnectDelay = time.Second
)

var (
	errMissingTransport = errors.New("client: transport is required")
	errMissingLoader    = errors.New("client: page loader is required")
)

// Timings are the client timing knobs.
type Timings struct {
	Throttle     time.Duration
	SaveDebounce time.Duration
	EditingIdle  time.Duration
	SaveRetries  int
}

// PageCallbacks observe what arrives for an open page. Every field is optional.
// Callbacks run on the transport's read goroutine.
type PageCallbacks struct {
	OnContent     func(pages.Content)
	OnPresence    func([]protocol.Presence)
	OnLock        func(holder protocol.EditingStarted, locked bool)
	OnSaved       func(protocol.PageSaved)
	OnSaveError   func(protocol.SaveError)
	OnParticipant func(participant protocol.Participant, joined bool)
}

// PageConfig configures OpenPage.
type PageConfig struct {
	PageID    string
	RoomID    string
	Identity  Identity
	Transport Transport
	Loader    PageLoader
	Clock     Clock
	Timings   Timings
	Logger    *zap.Logger
	Callbacks PageCallbacks
}

// Page is one open document: the synchronizer, persistence scheduler, editing
// indicator and presence tracker wired to a transport.
type Page struct {
	pageID    string
	roomID    string
	transport Transport
	logger    *zap.Logger
	callbacks PageCallbacks

	synchronizer *Synchronizer
	persistence  *PersistenceScheduler
	editing      *EditingIndicator
	tracker      *Tracker

	unsubscribe []func()

	mu     sync.Mutex
	lock   protocol.EditingStarted
	locked bool
	closed bool
}

// OpenPage loads the stored page, subscribes to its events and joins its channel.
func OpenPage(ctx context.Context, cfg PageConfig) (*Page, error) {
	if cfg.PageID == "" {
		return nil, errMissingPageID
	}
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	if cfg.Loader == nil {
		return nil, errMissingLoader
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("page_id", cfg.PageID))
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock()
	}

	persistence, err := NewPersistenceScheduler(PersistenceConfig{
		PageID:     cfg.PageID,
		Emitter:    cfg.Transport,
		Clock:      clock,
		Debounce:   cfg.Timings.SaveDebounce,
		MaxRetries: cfg.Timings.SaveRetries,
		AdoptGrace: cfg.Timings.Throttle,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	editing, err := NewEditingIndicator(EditingConfig{
		PageID:      cfg.PageID,
		UserID:      cfg.Identity.UserID,
		DisplayName: cfg.Identity.DisplayName,
		Emitter:     cfg.Transport,
		Clock:       clock,
		Idle:        cfg.Timings.EditingIdle,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	synchronizer, err := NewSynchronizer(SynchronizerConfig{
		PageID:      cfg.PageID,
		Emitter:     cfg.Transport,
		Clock:       clock,
		Throttle:    cfg.Timings.Throttle,
		Persistence: persistence,
		Editing:     editing,
		Logger:      logger,
		OnContent:   cfg.Callbacks.OnContent,
	})
	if err != nil {
		return nil, err
	}
	tracker, err := NewTracker(cfg.PageID, cfg.Identity.UserID, cfg.Transport)
	if err != nil {
		return nil, err
	}

	if err := synchronizer.LoadInitial(ctx, cfg.Loader); err != nil {
		return nil, err
	}

	page := &Page{
		pageID:       cfg.PageID,
		roomID:       cfg.RoomID,
		transport:    cfg.Transport,
		logger:       logger,
		callbacks:    cfg.Callbacks,
		synchronizer: synchronizer,
		persistence:  persistence,
		editing:      editing,
		tracker:      tracker,
	}
	page.subscribe()

	if err := cfg.Transport.JoinPage(cfg.PageID, cfg.RoomID); err != nil {
		page.unsubscribeAll()
		return nil, err
	}
	return page, nil
}

// ID returns the page id.
func (p *Page) ID() string {
	return p.pageID
}

// Title returns the loaded title.
func (p *Page) Title() string {
	return p.synchronizer.Title()
}

// Language returns the loaded selected language.
func (p *Page) Language() string {
	return p.synchronizer.Language()
}

// Content returns a copy of the local document.
func (p *Page) Content() pages.Content {
	return p.synchronizer.Content()
}

// Presences returns the other participants viewing the page.
func (p *Page) Presences() []protocol.Presence {
	return p.tracker.Others()
}

// LockHolder returns the participant currently announced as typing.
func (p *Page) LockHolder() (protocol.EditingStarted, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lock, p.locked
}

// Edit applies a local edit to one language.
func (p *Page) Edit(language, text string) error {
	if p.isClosed() {
		return ErrClosed
	}
	return p.synchronizer.EditLocal(language, text)
}

// MoveCursor publishes the local cursor. A nil cursor hides it.
func (p *Page) MoveCursor(cursor *protocol.Cursor) error {
	if p.isClosed() {
		return ErrClosed
	}
	return p.tracker.UpdateCursor(cursor)
}

// Save persists the current document immediately.
func (p *Page) Save() error {
	if p.isClosed() {
		return ErrClosed
	}
	p.persistence.ScheduleSave(p.synchronizer.Content())
	return p.persistence.FlushNow()
}

// LastSaveError returns the message of the latest unconfirmed save failure.
func (p *Page) LastSaveError() string {
	return p.persistence.LastError()
}

// Close flushes a pending save, withdraws the typing announcement and leaves
// the channel, in that order.
func (p *Page) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.synchronizer.Close()
	flushErr := p.persistence.FlushNow()
	if flushErr != nil {
		p.logger.Warn("final save not delivered", zap.Error(flushErr))
	}
	p.editing.Stop()
	p.unsubscribeAll()
	leaveErr := p.transport.LeavePage(p.pageID)
	return errors.Join(flushErr, leaveErr)
}

func (p *Page) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Page) subscribe() {
	p.on(protocol.EventContentChange, func(envelope protocol.Envelope) {
		var update protocol.ContentChange
		if p.decode(envelope, &update) {
			p.synchronizer.ApplyRemote(update)
		}
	})
	p.on(protocol.EventCursorUpdate, func(envelope protocol.Envelope) {
		var update protocol.CursorUpdate
		if p.decode(envelope, &update) && p.tracker.ApplyCursor(update) {
			p.notifyPresence()
		}
	})
	p.on(protocol.EventPresenceSync, func(envelope protocol.Envelope) {
		var snapshot protocol.PresenceSync
		if p.decode(envelope, &snapshot) && p.tracker.ApplySync(snapshot) {
			p.notifyPresence()
		}
	})
	p.on(protocol.EventPresenceJoin, func(envelope protocol.Envelope) {
		var delta protocol.PresenceJoin
		if p.decode(envelope, &delta) && p.tracker.ApplyJoin(delta) {
			p.notifyPresence()
		}
	})
	p.on(protocol.EventPresenceLeave, func(envelope protocol.Envelope) {
		var delta protocol.PresenceLeave
		if p.decode(envelope, &delta) && p.tracker.ApplyLeave(delta) {
			p.notifyPresence()
		}
	})
	p.on(protocol.EventEditingStarted, func(envelope protocol.Envelope) {
		var started protocol.EditingStarted
		if !p.decode(envelope, &started) || started.PageID != p.pageID {
			return
		}
		p.mu.Lock()
		p.lock = started
		p.locked = true
		p.mu.Unlock()
		if p.callbacks.OnLock != nil {
			p.callbacks.OnLock(started, true)
		}
	})
	p.on(protocol.EventEditingStopped, func(envelope protocol.Envelope) {
		var stopped protocol.EditingStopped
		if !p.decode(envelope, &stopped) || stopped.PageID != p.pageID {
			return
		}
		p.mu.Lock()
		previous := p.lock
		p.lock = protocol.EditingStarted{}
		p.locked = false
		p.mu.Unlock()
		if p.callbacks.OnLock != nil {
			p.callbacks.OnLock(previous, false)
		}
	})
	p.on(protocol.EventPageSaved, func(envelope protocol.Envelope) {
		var saved protocol.PageSaved
		if !p.decode(envelope, &saved) || saved.PageID != p.pageID {
			return
		}
		p.persistence.HandleSaved(saved)
		if p.callbacks.OnSaved != nil {
			p.callbacks.OnSaved(saved)
		}
	})
	p.on(protocol.EventSaveError, func(envelope protocol.Envelope) {
		var failure protocol.SaveError
		if !p.decode(envelope, &failure) {
			return
		}
		if failure.PageID != "" && failure.PageID != p.pageID {
			return
		}
		p.persistence.HandleSaveError(failure)
		if p.callbacks.OnSaveError != nil {
			p.callbacks.OnSaveError(failure)
		}
	})
	p.on(protocol.EventParticipantJoined, p.participantHandler(true))
	p.on(protocol.EventParticipantLeft, p.participantHandler(false))
}

func (p *Page) participantHandler(joined bool) Handler {
	return func(envelope protocol.Envelope) {
		var participant protocol.Participant
		if !p.decode(envelope, &participant) || participant.PageID != p.pageID {
			return
		}
		if p.callbacks.OnParticipant != nil {
			p.callbacks.OnParticipant(participant, joined)
		}
	}
}

func (p *Page) on(event string, handler Handler) {
	p.unsubscribe = append(p.unsubscribe, p.transport.On(event, handler))
}

func (p *Page) unsubscribeAll() {
	for _, unsubscribe := range p.unsubscribe {
		unsubscribe()
	}
	p.unsubscribe = nil
}

func (p *Page) decode(envelope protocol.Envelope, target interface{}) bool {
	if err := envelope.DecodeData(target); err != nil {
		p.logger.Warn("dropping malformed event", zap.String("event", envelope.Event), zap.Error(err))
		return false
	}
	return true
}

func (p *Page) notifyPresence() {
	if p.callbacks.OnPresence != nil {
		p.callbacks.OnPresence(p.tracker.Others())
	}
}
