package client

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/collabroom/internal/pages"
	"github.com/MarcoPoloResearchLab/collabroom/internal/protocol"
)

var (
	errMissingEmitter = errors.New("client: emitter is required")
	errMissingPageID  = errors.New("client: page id is required")
)

// PersistenceConfig configures a PersistenceScheduler.
type PersistenceConfig struct {
	PageID     string
	Emitter    Emitter
	Clock      Clock
	Debounce   time.Duration
	MaxRetries int
	// AdoptGrace delays a save adopted from a peer past the peer's own save.
	AdoptGrace time.Duration
	Logger     *zap.Logger
}

// PersistenceScheduler debounces save requests for one page and delivers them
// to the relay as save-page events.
type PersistenceScheduler struct {
	pageID     string
	emitter    Emitter
	clock      Clock
	debounce   time.Duration
	maxRetries int
	adoptGrace time.Duration
	logger     *zap.Logger

	mu          sync.Mutex
	adoptedFrom string
	adopted     bool
	timer       Timer
	generation  uint64
	pending     pages.Content
	hasPending  bool
	lastSent    pages.Content
	retries     int
	lastError   string
}

// NewPersistenceScheduler validates cfg and builds a scheduler.
func NewPersistenceScheduler(cfg PersistenceConfig) (*PersistenceScheduler, error) {
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
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultSaveDebounce
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	adoptGrace := cfg.AdoptGrace
	if adoptGrace <= 0 {
		adoptGrace = defaultThrottle
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PersistenceScheduler{
		pageID:     cfg.PageID,
		emitter:    cfg.Emitter,
		clock:      clock,
		debounce:   debounce,
		maxRetries: maxRetries,
		adoptGrace: adoptGrace,
		logger:     logger,
	}, nil
}

// ScheduleSave (re)starts the debounce window. The content held when the
// window closes is what gets persisted.
func (p *PersistenceScheduler) ScheduleSave(content pages.Content) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending = content.Clone()
	p.hasPending = true
	p.adopted = false
	p.adoptedFrom = ""
	p.restartLocked(p.debounce)
}

// Adopt swaps the content of a pending save for content applied from author,
// so unsaved local edits are never dropped by a remote update. The adopted save
// waits an extra grace period and is dropped once author's own save is
// confirmed. It reports false when no save was pending.
func (p *PersistenceScheduler) Adopt(content pages.Content, author string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.hasPending {
		return false
	}
	p.pending = content.Clone()
	p.adopted = true
	p.adoptedFrom = author
	p.restartLocked(p.debounce + p.adoptGrace)
	return true
}

// FlushNow cancels the debounce window and persists the pending content
// immediately. It is a no-op when nothing is pending.
func (p *PersistenceScheduler) FlushNow() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked()
	if !p.hasPending {
		return nil
	}
	return p.persistLocked()
}

// Cancel drops the pending save without persisting it.
func (p *PersistenceScheduler) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked()
	p.clearPendingLocked()
}

// Pending reports whether a save is waiting for its debounce window.
func (p *PersistenceScheduler) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasPending
}

// HandleSaved clears the retry budget after the relay confirms a save. A
// confirmation from the author of an adopted save drops that save.
func (p *PersistenceScheduler) HandleSaved(saved protocol.PageSaved) {
	if saved.PageID != p.pageID {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retries = 0
	p.lastError = ""
	if p.adopted && saved.SavedBy != "" && saved.SavedBy == p.adoptedFrom {
		p.stopLocked()
		p.clearPendingLocked()
		p.logger.Debug("adopted save covered by its author",
			zap.String("page_id", p.pageID),
			zap.String("saved_by", saved.SavedBy))
	}
}

// HandleSaveError records a failed save and reschedules the last sent content
// while the retry budget allows. It reports whether a retry was scheduled.
func (p *PersistenceScheduler) HandleSaveError(failure protocol.SaveError) bool {
	if failure.PageID != "" && failure.PageID != p.pageID {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastError = failure.Message
	if p.lastSent == nil || p.retries >= p.maxRetries {
		p.logger.Warn("page save failed",
			zap.String("page_id", p.pageID),
			zap.String("message", failure.Message),
			zap.Int("retries", p.retries))
		return false
	}
	p.retries++
	if !p.hasPending {
		p.pending = p.lastSent.Clone()
		p.hasPending = true
		p.restartLocked(p.debounce)
	}
	p.logger.Info("retrying page save",
		zap.String("page_id", p.pageID),
		zap.String("message", failure.Message),
		zap.Int("attempt", p.retries))
	return true
}

// LastError returns the message of the most recent unconfirmed save failure.
func (p *PersistenceScheduler) LastError() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastError
}

func (p *PersistenceScheduler) restartLocked(delay time.Duration) {
	p.stopLocked()
	generation := p.generation
	p.timer = p.clock.AfterFunc(delay, func() {
		p.fire(generation)
	})
}

func (p *PersistenceScheduler) stopLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.generation++
}

func (p *PersistenceScheduler) fire(generation uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if generation != p.generation || !p.hasPending {
		return
	}
	p.timer = nil
	if err := p.persistLocked(); err != nil {
		p.logger.Warn("deferred page save not delivered",
			zap.String("page_id", p.pageID),
			zap.Error(err))
	}
}

// persistLocked keeps the content pending when the emitter refuses it so a
// later flush can deliver it.
func (p *PersistenceScheduler) persistLocked() error {
	content := p.pending
	err := p.emitter.Send(protocol.EventSavePage, protocol.SavePage{
		PageID:  p.pageID,
		Content: content.Serialize(),
	})
	if err != nil {
		return err
	}
	p.lastSent = content
	p.clearPendingLocked()
	return nil
}

func (p *PersistenceScheduler) clearPendingLocked() {
	p.pending = nil
	p.hasPending = false
	p.adopted = false
	p.adoptedFrom = ""
}
