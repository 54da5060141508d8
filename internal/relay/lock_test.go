package relay

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryLockStoreConditionalRelease(t *testing.T) {
	now := time.Unix(1700000000, 0)
	store := NewMemoryLockStore(func() time.Time { return now })
	ctx := context.Background()

	if err := store.Acquire(ctx, EditingLock{PageID: "P1", UserID: "user-a", SessionID: "s-a"}); err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	if err := store.Acquire(ctx, EditingLock{PageID: "P1", UserID: "user-b", SessionID: "s-b"}); err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}

	released, err := store.Release(ctx, "P1", "s-a")
	if err != nil || released {
		t.Fatalf("previous holder must not release: released=%v err=%v", released, err)
	}
	lock, ok, _ := store.Get(ctx, "P1")
	if !ok || lock.UserID != "user-b" {
		t.Fatalf("expected user-b to hold the lock, got %+v (%v)", lock, ok)
	}
	released, err = store.Release(ctx, "P1", "s-b")
	if err != nil || !released {
		t.Fatalf("holder release failed: released=%v err=%v", released, err)
	}
	if _, ok, _ := store.Get(ctx, "P1"); ok {
		t.Fatalf("expected unlocked page")
	}
}

func TestMemoryLockStoreExpiry(t *testing.T) {
	now := time.Unix(1700000000, 0)
	store := NewMemoryLockStore(func() time.Time { return now })
	arbiter := NewArbiter(store, 5*time.Second, func() time.Time { return now })
	ctx := context.Background()

	if _, err := arbiter.Start(ctx, "P1", "user-a", "Ada", "s-a"); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	now = now.Add(4999 * time.Millisecond)
	state, err := arbiter.State(ctx, "P1")
	if err != nil || !state.Locked() {
		t.Fatalf("expected live lock before ttl, got %+v (%v)", state, err)
	}
	now = now.Add(time.Millisecond)
	state, err = arbiter.State(ctx, "P1")
	if err != nil || state.Locked() {
		t.Fatalf("expected expired lock at ttl, got %+v (%v)", state, err)
	}
}

func TestMemoryLockStoreRejectsIncompleteLocks(t *testing.T) {
	store := NewMemoryLockStore(nil)
	if err := store.Acquire(context.Background(), EditingLock{PageID: "P1"}); !errors.Is(err, ErrInvalidLock) {
		t.Fatalf("expected invalid lock error, got %v", err)
	}
}

func TestLockStateTags(t *testing.T) {
	if Unlocked().Locked() {
		t.Fatalf("unlocked state reports locked")
	}
	holder, ok := LockedBy(EditingLock{PageID: "P1", UserID: "user-a"}).Holder()
	if !ok || holder.UserID != "user-a" {
		t.Fatalf("unexpected holder %+v (%v)", holder, ok)
	}
}
