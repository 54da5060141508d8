package pages

import (
	"context"
	"testing"
	"time"
)

func TestFeedPublishesToPageSubscribers(t *testing.T) {
	feed := NewFeed()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := feed.Subscribe(ctx, "page-1")
	defer cleanup()
	otherStream, otherCleanup := feed.Subscribe(ctx, "page-2")
	defer otherCleanup()

	feed.Publish(Change{PageID: "page-1", EventType: ChangeEventSaved, RevisionID: "rev-1", Timestamp: time.Now().UTC()})

	select {
	case change := <-stream:
		if change.RevisionID != "rev-1" {
			t.Fatalf("unexpected change: %+v", change)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected change within deadline")
	}

	select {
	case change := <-otherStream:
		t.Fatalf("did not expect change for unrelated page: %+v", change)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFeedClosesStreamOnCancel(t *testing.T) {
	feed := NewFeed()
	ctx, cancel := context.WithCancel(context.Background())

	stream, _ := feed.Subscribe(ctx, "page-1")
	cancel()

	select {
	case _, ok := <-stream:
		if ok {
			t.Fatal("expected closed stream")
		}
	case <-time.After(time.Second):
		t.Fatal("expected stream to close after cancel")
	}

	feed.Publish(Change{PageID: "page-1", EventType: ChangeEventSaved})
}

func TestFeedIgnoresIncompleteChanges(t *testing.T) {
	feed := NewFeed()
	stream, cleanup := feed.Subscribe(context.Background(), "page-1")
	defer cleanup()

	feed.Publish(Change{PageID: "page-1"})

	select {
	case change := <-stream:
		t.Fatalf("did not expect change without event type: %+v", change)
	case <-time.After(50 * time.Millisecond):
	}
}
