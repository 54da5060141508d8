package client

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/collabroom/internal/protocol"
)

// EditingConfig configures an EditingIndicator.
type EditingConfig struct {
	PageID      string
	UserID      string
	DisplayName string
	Emitter     Emitter
	Clock       Clock
	Idle        time.Duration
	Logger      *zap.Logger
}

// EditingIndicator announces that the local participant is typing and
// withdraws the announcement after an idle period.
type EditingIndicator struct {
	pageID      string
	userID      string
	displayName string
	emitter     Emitter
	clock       Clock
	idle        time.Duration
	logger      *zap.Logger

	mu         sync.Mutex
	timer      Timer
	generation uint64
	active     bool
}

// NewEditingIndicator validates cfg and builds an indicator.
func NewEditingIndicator(cfg EditingConfig) (*EditingIndicator, error) {
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
	idle := cfg.Idle
	if idle <= 0 {
		idle = defaultEditingIdle
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	displayName := cfg.DisplayName
	if displayName == "" {
		displayName = protocol.AnonymousDisplayName
	}
	return &EditingIndicator{
		pageID:      cfg.PageID,
		userID:      cfg.UserID,
		displayName: displayName,
		emitter:     cfg.Emitter,
		clock:       clock,
		idle:        idle,
		logger:      logger,
	}, nil
}

// Touch emits editing-started and restarts the idle timer. Every local edit
// touches the indicator; the relay treats repeats from one session as a
// refresh.
func (e *EditingIndicator) Touch() {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.emitter.Send(protocol.EventEditingStarted, protocol.EditingStarted{
		PageID:      e.pageID,
		UserID:      e.userID,
		DisplayName: e.displayName,
	})
	if err != nil {
		e.logger.Debug("editing-started not delivered", zap.String("page_id", e.pageID), zap.Error(err))
	}
	e.active = true

	e.stopLocked()
	generation := e.generation
	e.timer = e.clock.AfterFunc(e.idle, func() {
		e.expire(generation)
	})
}

// Stop withdraws an active announcement immediately.
func (e *EditingIndicator) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopLocked()
	e.releaseLocked()
}

// Active reports whether editing-started is outstanding.
func (e *EditingIndicator) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *EditingIndicator) expire(generation uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if generation != e.generation {
		return
	}
	e.timer = nil
	e.releaseLocked()
}

func (e *EditingIndicator) stopLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.generation++
}

func (e *EditingIndicator) releaseLocked() {
	if !e.active {
		return
	}
	e.active = false
	if err := e.emitter.Send(protocol.EventEditingStopped, protocol.EditingStopped{PageID: e.pageID}); err != nil {
		e.logger.Debug("editing-stopped not delivered", zap.String("page_id", e.pageID), zap.Error(err))
	}
}
