// Package presence tracks the live roster and cursor positions of the
// collaborators connected to one asset. Presence state is purely ephemeral:
// it lives in process memory, is never persisted, and never touches
// annotation state.
package presence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pinpointhq/pinpoint/backend/internal/realtime"
)

const (
	// EntryTTL bounds how old a cursor entry may be and still render.
	EntryTTL = 5000 * time.Millisecond
	// cursorInterval is the minimum spacing between outbound cursor
	// broadcasts; calls inside the window coalesce to the latest position.
	cursorInterval = 100 * time.Millisecond
)

var (
	errMissingBroker = errors.New("presence: broker is required")
	errMissingUserID = errors.New("presence: user id is required")
)

// Entry is one user's last known cursor position. Entries are never removed;
// staleness is decided lazily at read time against EntryTTL.
type Entry struct {
	UserID    string
	UserName  string
	X         float64
	Y         float64
	Timestamp time.Time
}

// Member is a roster participant, present regardless of cursor activity.
type Member struct {
	UserID   string
	UserName string
}

// TrackerConfig describes the tracker's dependencies.
type TrackerConfig struct {
	Broker   realtime.Broker
	AssetID  string
	UserID   string
	UserName string
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Tracker broadcasts the local cursor and folds peer presence events into an
// in-memory roster and cursor map.
type Tracker struct {
	broker   realtime.Broker
	assetID  string
	userID   string
	userName string
	logger   *zap.Logger
	clock    func() time.Time

	mu       sync.Mutex
	cursors  map[string]Entry
	roster   map[string]Member
	lastSent time.Time
	pending  *realtime.Cursor
	sub      realtime.Subscription
	done     chan struct{}
	closed   bool
}

// NewTracker validates dependencies and constructs an unjoined tracker.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Broker == nil {
		return nil, errMissingBroker
	}
	if cfg.UserID == "" {
		return nil, errMissingUserID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{
		broker:   cfg.Broker,
		assetID:  cfg.AssetID,
		userID:   cfg.UserID,
		userName: cfg.UserName,
		logger:   logger,
		clock:    clock,
		cursors:  make(map[string]Entry),
		roster:   make(map[string]Member),
	}, nil
}

// Join subscribes to the asset's presence channel, announces membership, and
// starts folding peer events.
func (t *Tracker) Join(ctx context.Context) error {
	sub, err := t.broker.SubscribePresence(ctx, t.assetID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.sub = sub
	t.done = make(chan struct{})
	t.roster[t.userID] = Member{UserID: t.userID, UserName: t.userName}
	t.mu.Unlock()

	if err := t.broker.PublishPresence(ctx, realtime.Event{
		Type:      realtime.EventMemberJoined,
		AssetID:   t.assetID,
		Member:    &realtime.Member{UserID: t.userID, UserName: t.userName},
		Timestamp: t.clock().UTC(),
	}); err != nil {
		t.logger.Warn("join announcement failed", zap.Error(err))
	}

	go t.consume(sub)
	return nil
}

// Leave announces departure and stops folding events.
func (t *Tracker) Leave(ctx context.Context) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	sub := t.sub
	done := t.done
	t.mu.Unlock()

	if err := t.broker.PublishPresence(ctx, realtime.Event{
		Type:      realtime.EventMemberLeft,
		AssetID:   t.assetID,
		Member:    &realtime.Member{UserID: t.userID, UserName: t.userName},
		Timestamp: t.clock().UTC(),
	}); err != nil {
		t.logger.Warn("leave announcement failed", zap.Error(err))
	}
	if sub != nil {
		sub.Unsubscribe()
	}
	if done != nil {
		<-done
	}
}

// BroadcastCursor publishes the local cursor position, throttled to one
// outbound message per interval. Calls inside the window coalesce to the
// latest position, which flushes once the window reopens.
func (t *Tracker) BroadcastCursor(ctx context.Context, x, y float64) {
	now := t.clock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if now.Sub(t.lastSent) < cursorInterval {
		t.pending = &realtime.Cursor{UserID: t.userID, UserName: t.userName, X: x, Y: y}
		t.mu.Unlock()
		return
	}
	t.lastSent = now
	t.pending = nil
	t.mu.Unlock()

	t.publishCursor(ctx, x, y, now)
}

// FlushCursor sends the coalesced position, if any, once the throttle window
// has reopened.
func (t *Tracker) FlushCursor(ctx context.Context) {
	now := t.clock()

	t.mu.Lock()
	if t.closed || t.pending == nil || now.Sub(t.lastSent) < cursorInterval {
		t.mu.Unlock()
		return
	}
	cursor := *t.pending
	t.pending = nil
	t.lastSent = now
	t.mu.Unlock()

	t.publishCursor(ctx, cursor.X, cursor.Y, now)
}

func (t *Tracker) publishCursor(ctx context.Context, x, y float64, now time.Time) {
	err := t.broker.PublishPresence(ctx, realtime.Event{
		Type:      realtime.EventCursorMoved,
		AssetID:   t.assetID,
		Cursor:    &realtime.Cursor{UserID: t.userID, UserName: t.userName, X: x, Y: y},
		Timestamp: now.UTC(),
	})
	if err != nil {
		// Cursor traffic is lossy on purpose; a dropped packet only means a
		// briefly stale cursor on peers.
		t.logger.Debug("cursor broadcast dropped", zap.Error(err))
	}
}

// HandleEvent folds one presence event. A cursor event only ever writes the
// sending user's own entry.
func (t *Tracker) HandleEvent(event realtime.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	switch event.Type {
	case realtime.EventCursorMoved:
		if event.Cursor == nil || event.Cursor.UserID == "" {
			return
		}
		t.cursors[event.Cursor.UserID] = Entry{
			UserID:    event.Cursor.UserID,
			UserName:  event.Cursor.UserName,
			X:         event.Cursor.X,
			Y:         event.Cursor.Y,
			Timestamp: t.clock(),
		}
	case realtime.EventMemberJoined:
		if event.Member == nil || event.Member.UserID == "" {
			return
		}
		t.roster[event.Member.UserID] = Member{UserID: event.Member.UserID, UserName: event.Member.UserName}
	case realtime.EventMemberLeft:
		if event.Member == nil {
			return
		}
		delete(t.roster, event.Member.UserID)
		delete(t.cursors, event.Member.UserID)
	}
}

// VisibleCursors returns peer cursor entries no older than EntryTTL,
// computed at query time. Stale entries stay in the map; they just stop
// rendering.
func (t *Tracker) VisibleCursors() []Entry {
	now := t.clock()

	t.mu.Lock()
	defer t.mu.Unlock()
	visible := make([]Entry, 0, len(t.cursors))
	for _, entry := range t.cursors {
		if now.Sub(entry.Timestamp) > EntryTTL {
			continue
		}
		visible = append(visible, entry)
	}
	sort.Slice(visible, func(i, j int) bool { return visible[i].UserID < visible[j].UserID })
	return visible
}

// Roster returns the current membership, sourced from join/leave events, so
// a user with no recent cursor activity still shows as online.
func (t *Tracker) Roster() []Member {
	t.mu.Lock()
	defer t.mu.Unlock()
	members := make([]Member, 0, len(t.roster))
	for _, member := range t.roster {
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	return members
}

func (t *Tracker) consume(sub realtime.Subscription) {
	defer close(t.done)
	for event := range sub.Events() {
		t.HandleEvent(event)
	}
}
