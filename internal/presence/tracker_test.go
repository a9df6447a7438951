package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pinpointhq/pinpoint/backend/internal/realtime"
)

type recordingBroker struct {
	mu        sync.Mutex
	published []realtime.Event
	subs      []*recordingSub
}

type recordingSub struct {
	events chan realtime.Event
	once   sync.Once
}

func (s *recordingSub) Events() <-chan realtime.Event { return s.events }

func (s *recordingSub) Unsubscribe() {
	s.once.Do(func() { close(s.events) })
}

func (b *recordingBroker) SubscribeMutations(ctx context.Context, assetID string) (realtime.Subscription, error) {
	return b.SubscribePresence(ctx, assetID)
}

func (b *recordingBroker) SubscribePresence(ctx context.Context, assetID string) (realtime.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &recordingSub{events: make(chan realtime.Event, 64)}
	b.subs = append(b.subs, sub)
	return sub, nil
}

func (b *recordingBroker) PublishMutation(ctx context.Context, event realtime.Event) error {
	return b.PublishPresence(ctx, event)
}

func (b *recordingBroker) PublishPresence(ctx context.Context, event realtime.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, event)
	return nil
}

func (b *recordingBroker) Close() error { return nil }

func (b *recordingBroker) publishedOfType(eventType realtime.EventType) []realtime.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var matches []realtime.Event
	for _, event := range b.published {
		if event.Type == eventType {
			matches = append(matches, event)
		}
	}
	return matches
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestTracker(t *testing.T, broker realtime.Broker, clock *fakeClock) *Tracker {
	t.Helper()
	tracker, err := NewTracker(TrackerConfig{
		Broker:   broker,
		AssetID:  "asset-1",
		UserID:   "user-1",
		UserName: "Jordan",
		Clock:    clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct tracker: %v", err)
	}
	return tracker
}

func TestBroadcastCursorThrottlesAndCoalesces(t *testing.T) {
	broker := &recordingBroker{}
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	tracker := newTestTracker(t, broker, clock)
	ctx := context.Background()

	clock.Advance(time.Second)
	tracker.BroadcastCursor(ctx, 10, 10)
	tracker.BroadcastCursor(ctx, 20, 20)
	tracker.BroadcastCursor(ctx, 30, 30)

	sent := broker.publishedOfType(realtime.EventCursorMoved)
	if len(sent) != 1 {
		t.Fatalf("expected one cursor message inside the window, got %d", len(sent))
	}
	if sent[0].Cursor.X != 10 {
		t.Fatalf("first position should go out immediately, got %f", sent[0].Cursor.X)
	}

	clock.Advance(150 * time.Millisecond)
	tracker.FlushCursor(ctx)

	sent = broker.publishedOfType(realtime.EventCursorMoved)
	if len(sent) != 2 {
		t.Fatalf("expected coalesced flush after window, got %d messages", len(sent))
	}
	if sent[1].Cursor.X != 30 || sent[1].Cursor.Y != 30 {
		t.Fatalf("flush must carry only the latest position, got %+v", sent[1].Cursor)
	}
}

func TestBroadcastCursorAllowsSpacedMessages(t *testing.T) {
	broker := &recordingBroker{}
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	tracker := newTestTracker(t, broker, clock)
	ctx := context.Background()

	clock.Advance(time.Second)
	tracker.BroadcastCursor(ctx, 1, 1)
	clock.Advance(120 * time.Millisecond)
	tracker.BroadcastCursor(ctx, 2, 2)

	sent := broker.publishedOfType(realtime.EventCursorMoved)
	if len(sent) != 2 {
		t.Fatalf("spaced broadcasts must both send, got %d", len(sent))
	}
}

func TestHandleEventUpsertsSendersEntryOnly(t *testing.T) {
	broker := &recordingBroker{}
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	tracker := newTestTracker(t, broker, clock)

	tracker.HandleEvent(realtime.Event{
		Type:   realtime.EventCursorMoved,
		Cursor: &realtime.Cursor{UserID: "user-2", UserName: "Sam", X: 5, Y: 6},
	})
	tracker.HandleEvent(realtime.Event{
		Type:   realtime.EventCursorMoved,
		Cursor: &realtime.Cursor{UserID: "user-2", UserName: "Sam", X: 7, Y: 8},
	})
	tracker.HandleEvent(realtime.Event{
		Type:   realtime.EventCursorMoved,
		Cursor: &realtime.Cursor{UserID: ""},
	})

	visible := tracker.VisibleCursors()
	if len(visible) != 1 {
		t.Fatalf("expected one entry per user, got %d", len(visible))
	}
	if visible[0].X != 7 || visible[0].Y != 8 {
		t.Fatalf("latest cursor must win, got %+v", visible[0])
	}
}

func TestVisibleCursorsFiltersStaleEntriesLazily(t *testing.T) {
	broker := &recordingBroker{}
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	tracker := newTestTracker(t, broker, clock)

	tracker.HandleEvent(realtime.Event{
		Type:   realtime.EventCursorMoved,
		Cursor: &realtime.Cursor{UserID: "user-2", X: 1, Y: 1},
	})
	clock.Advance(2 * time.Second)
	tracker.HandleEvent(realtime.Event{
		Type:   realtime.EventCursorMoved,
		Cursor: &realtime.Cursor{UserID: "user-3", X: 2, Y: 2},
	})

	// user-2 is now 5s old (the TTL boundary) and must still render.
	clock.Advance(3 * time.Second)
	visible := tracker.VisibleCursors()
	if len(visible) != 2 {
		t.Fatalf("entries at the TTL boundary must render, got %d", len(visible))
	}

	clock.Advance(time.Millisecond)
	visible = tracker.VisibleCursors()
	if len(visible) != 1 || visible[0].UserID != "user-3" {
		t.Fatalf("expected only the fresh entry, got %+v", visible)
	}
}

func TestRosterComesFromMembershipEvents(t *testing.T) {
	broker := &recordingBroker{}
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	tracker := newTestTracker(t, broker, clock)
	ctx := context.Background()

	if err := tracker.Join(ctx); err != nil {
		t.Fatalf("failed to join: %v", err)
	}
	defer tracker.Leave(ctx)

	tracker.HandleEvent(realtime.Event{
		Type:   realtime.EventMemberJoined,
		Member: &realtime.Member{UserID: "user-2", UserName: "Sam"},
	})

	roster := tracker.Roster()
	if len(roster) != 2 {
		t.Fatalf("expected self plus one peer, got %d", len(roster))
	}

	// A member with zero cursor traffic still shows online.
	if len(tracker.VisibleCursors()) != 0 {
		t.Fatalf("roster must not imply cursor entries")
	}

	tracker.HandleEvent(realtime.Event{
		Type:   realtime.EventMemberLeft,
		Member: &realtime.Member{UserID: "user-2"},
	})
	roster = tracker.Roster()
	if len(roster) != 1 || roster[0].UserID != "user-1" {
		t.Fatalf("expected departed member removed, got %+v", roster)
	}

	joined := broker.publishedOfType(realtime.EventMemberJoined)
	if len(joined) != 1 || joined[0].Member.UserID != "user-1" {
		t.Fatalf("join must announce membership, got %+v", joined)
	}
}

func TestLeaveAnnouncesDeparture(t *testing.T) {
	broker := &recordingBroker{}
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	tracker := newTestTracker(t, broker, clock)
	ctx := context.Background()

	if err := tracker.Join(ctx); err != nil {
		t.Fatalf("failed to join: %v", err)
	}
	tracker.Leave(ctx)

	left := broker.publishedOfType(realtime.EventMemberLeft)
	if len(left) != 1 || left[0].Member.UserID != "user-1" {
		t.Fatalf("leave must announce departure, got %+v", left)
	}

	// No further broadcasts after leaving.
	clock.Advance(time.Second)
	tracker.BroadcastCursor(ctx, 1, 1)
	if len(broker.publishedOfType(realtime.EventCursorMoved)) != 0 {
		t.Fatalf("cursor broadcast after leave must be dropped")
	}
}
