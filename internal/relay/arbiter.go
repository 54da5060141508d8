package relay

import (
	"context"
	"time"
)

// LockState is either unlocked or locked by one holder.
type LockState struct {
	holder *EditingLock
}

// Unlocked returns the empty lock state.
func Unlocked() LockState {
	return LockState{}
}

// LockedBy returns the state held by lock.
func LockedBy(lock EditingLock) LockState {
	return LockState{holder: &lock}
}

// Locked reports whether a holder is present.
func (s LockState) Locked() bool {
	return s.holder != nil
}

// Holder returns the current lock, if any.
func (s LockState) Holder() (EditingLock, bool) {
	if s.holder == nil {
		return EditingLock{}, false
	}
	return *s.holder, true
}

// Arbiter tracks the advisory "who is typing" lock of every page. It never
// gates content changes.
type Arbiter struct {
	store LockStore
	ttl   time.Duration
	clock func() time.Time
}

// NewArbiter builds an arbiter whose locks live for ttl unless refreshed.
func NewArbiter(store LockStore, ttl time.Duration, clock func() time.Time) *Arbiter {
	if clock == nil {
		clock = time.Now
	}
	if store == nil {
		store = NewMemoryLockStore(clock)
	}
	return &Arbiter{store: store, ttl: ttl, clock: clock}
}

// Start hands the page lock to the given holder, overwriting any previous holder.
func (a *Arbiter) Start(ctx context.Context, pageID, userID, displayName, sessionID string) (EditingLock, error) {
	lock := EditingLock{
		PageID:      pageID,
		UserID:      userID,
		DisplayName: displayName,
		SessionID:   sessionID,
	}
	if a.ttl > 0 {
		lock.ExpiresAt = a.clock().Add(a.ttl).UTC()
	}
	if err := a.store.Acquire(ctx, lock); err != nil {
		return EditingLock{}, err
	}
	return lock, nil
}

// Stop clears the page lock when sessionID holds it.
func (a *Arbiter) Stop(ctx context.Context, pageID, sessionID string) (bool, error) {
	return a.store.Release(ctx, pageID, sessionID)
}

// State returns the current lock state of a page.
func (a *Arbiter) State(ctx context.Context, pageID string) (LockState, error) {
	lock, ok, err := a.store.Get(ctx, pageID)
	if err != nil {
		return Unlocked(), err
	}
	if !ok {
		return Unlocked(), nil
	}
	return LockedBy(lock), nil
}
