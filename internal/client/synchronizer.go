package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/collabroom/internal/pages"
	"github.com/MarcoPoloResearchLab/collabroom/internal/protocol"
)

var errMissingLanguage = errors.New("client: language is required")

// SynchronizerConfig configures a Synchronizer.
type SynchronizerConfig struct {
	PageID      string
	Emitter     Emitter
	Clock       Clock
	Throttle    time.Duration
	Persistence *PersistenceScheduler
	Editing     *EditingIndicator
	Logger      *zap.Logger
	// OnContent observes content replaced by a remote update.
	OnContent func(pages.Content)
}

// Synchronizer holds the local copy of a page and exchanges whole-document
// updates with the relay. Remote updates replace the local copy; there is no
// field-level merge.
type Synchronizer struct {
	pageID      string
	emitter     Emitter
	clock       Clock
	throttle    time.Duration
	persistence *PersistenceScheduler
	editing     *EditingIndicator
	logger      *zap.Logger
	onContent   func(pages.Content)

	mu              sync.Mutex
	content         pages.Content
	title           string
	language        string
	lastSentHash    string
	lastAppliedHash string

	lastEmit    time.Time
	emitted     bool
	trailing    Timer
	trailingGen uint64
	queued      pages.Content
}

// NewSynchronizer validates cfg and builds a synchronizer seeded with empty content.
func NewSynchronizer(cfg SynchronizerConfig) (*Synchronizer, error) {
	if cfg.PageID == "" {
		return nil, errMissingPageID
	}
	if cfg.Emitter == nil {
		return nil, errMissingEmitter
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock()
	}
	throttle := cfg.Throttle
	if throttle <= 0 {
		throttle = defaultThrottle
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	empty := pages.Content{}
	return &Synchronizer{
		pageID:          cfg.PageID,
		emitter:         cfg.Emitter,
		clock:           clock,
		throttle:        throttle,
		persistence:     cfg.Persistence,
		editing:         cfg.Editing,
		logger:          logger,
		onContent:       cfg.OnContent,
		content:         empty,
		lastSentHash:    empty.Hash(),
		lastAppliedHash: empty.Hash(),
	}, nil
}

// LoadInitial seeds the local copy from the stored page. Malformed stored
// content becomes an empty map.
func (s *Synchronizer) LoadInitial(ctx context.Context, loader PageLoader) error {
	snapshot, err := loader.LoadPage(ctx, s.pageID)
	if err != nil {
		return err
	}
	content := pages.ParseContentOrEmpty(snapshot.Content, s.logger, zap.String("page_id", s.pageID))
	hash := content.Hash()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.content = content
	s.title = snapshot.Title
	s.language = strings.TrimSpace(snapshot.SelectedLanguage)
	s.lastSentHash = hash
	s.lastAppliedHash = hash
	return nil
}

// ApplyRemote replaces the local copy with a peer's content. It returns false
// when the update belongs to another page or matches what was last applied.
// An applied update supersedes any unsent local broadcast; a pending save is
// kept and carries the applied content instead.
func (s *Synchronizer) ApplyRemote(update protocol.ContentChange) bool {
	if update.PageID != s.pageID {
		return false
	}
	content := pages.ParseContentOrEmpty(update.Content, s.logger,
		zap.String("page_id", s.pageID),
		zap.String("from", update.From))
	hash := content.Hash()

	s.mu.Lock()
	if hash == s.lastAppliedHash {
		s.mu.Unlock()
		return false
	}
	s.content = content
	s.lastAppliedHash = hash
	s.cancelTrailingLocked()
	if s.persistence != nil {
		s.persistence.Adopt(content, update.From)
	}
	s.mu.Unlock()

	if s.onContent != nil {
		s.onContent(content.Clone())
	}
	return true
}

// EditLocal sets the text of one language, broadcasts the document through the
// throttle, schedules a save and announces the edit.
func (s *Synchronizer) EditLocal(language, text string) error {
	language = strings.TrimSpace(language)
	if language == "" {
		return errMissingLanguage
	}

	s.mu.Lock()
	content := s.content.With(language, text)
	s.content = content
	s.lastAppliedHash = content.Hash()
	s.emitThrottledLocked(content)
	if s.persistence != nil {
		s.persistence.ScheduleSave(content)
	}
	s.mu.Unlock()

	if s.editing != nil {
		s.editing.Touch()
	}
	return nil
}

// Content returns a copy of the local document.
func (s *Synchronizer) Content() pages.Content {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content.Clone()
}

// Title returns the page title from the last load.
func (s *Synchronizer) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.title
}

// Language returns the page's selected language from the last load.
func (s *Synchronizer) Language() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.language
}

// Close drops an unsent trailing broadcast.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelTrailingLocked()
}

// emitThrottledLocked sends at most one content-change per throttle window.
// Requests inside a window are coalesced into one trailing send at the window
// boundary carrying the latest content.
func (s *Synchronizer) emitThrottledLocked(content pages.Content) {
	now := s.clock.Now()
	if !s.emitted || now.Sub(s.lastEmit) >= s.throttle {
		s.cancelTrailingLocked()
		s.sendLocked(content, now)
		return
	}

	s.queued = content
	if s.trailing != nil {
		return
	}
	generation := s.trailingGen
	s.trailing = s.clock.AfterFunc(s.lastEmit.Add(s.throttle).Sub(now), func() {
		s.flushTrailing(generation)
	})
}

func (s *Synchronizer) flushTrailing(generation uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if generation != s.trailingGen || s.queued == nil {
		return
	}
	content := s.queued
	s.trailing = nil
	s.queued = nil
	s.trailingGen++
	s.sendLocked(content, s.clock.Now())
}

func (s *Synchronizer) cancelTrailingLocked() {
	if s.trailing != nil {
		s.trailing.Stop()
		s.trailing = nil
	}
	s.queued = nil
	s.trailingGen++
}

func (s *Synchronizer) sendLocked(content pages.Content, now time.Time) {
	s.lastEmit = now
	s.emitted = true
	s.lastSentHash = content.Hash()
	err := s.emitter.Send(protocol.EventContentChange, protocol.ContentChange{
		PageID:  s.pageID,
		Content: content.Serialize(),
	})
	if err != nil {
		s.logger.Warn("content change not delivered",
			zap.String("page_id", s.pageID),
			zap.Error(err))
	}
}
