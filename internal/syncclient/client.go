// Package syncclient implements the realtime sync engine used by each
// connected client: a normalized annotation cache fed by optimistic local
// mutations and confirmed transport events, self-healing through full resync
// after reconnects.
package syncclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pinpointhq/pinpoint/backend/internal/access"
	"github.com/pinpointhq/pinpoint/backend/internal/annotations"
	"github.com/pinpointhq/pinpoint/backend/internal/faults"
	"github.com/pinpointhq/pinpoint/backend/internal/realtime"
)

const (
	tempIDPrefix       = "tmp_"
	defaultBackoffBase = time.Second
	defaultBackoffCap  = 30 * time.Second
)

var (
	errMissingStore  = errors.New("syncclient: store is required")
	errMissingBroker = errors.New("syncclient: broker is required")
	errClientClosed  = errors.New("syncclient: client closed")
)

// Store is the persistence collaborator. The client never owns annotation
// truth; it caches what the store confirms.
type Store interface {
	CreateAnnotation(ctx context.Context, input annotations.CreateInput) (annotations.Annotation, error)
	UpdateAnnotation(ctx context.Context, id annotations.AnnotationID, patch annotations.Patch) (annotations.Annotation, error)
	SetStatus(ctx context.Context, id annotations.AnnotationID, status annotations.Status) (annotations.Annotation, error)
	DeleteAnnotation(ctx context.Context, id annotations.AnnotationID) error
	AddReply(ctx context.Context, annotationID annotations.AnnotationID, input annotations.ReplyInput) (annotations.Reply, error)
	ListAnnotations(ctx context.Context, assetID annotations.AssetID, filter annotations.ListFilter) ([]annotations.Annotation, error)
}

// pendingCreate is an optimistic entry whose store call failed retryably
// while disconnected. Resync replays it and swaps the temp id exactly once.
type pendingCreate struct {
	tempID string
	input  annotations.CreateInput
}

// Config describes the client's dependencies.
type Config struct {
	Store  Store
	Broker realtime.Broker
	Actor  access.Actor
	Logger *zap.Logger
	Clock  func() time.Time

	BackoffBase time.Duration
	BackoffCap  time.Duration
	// Sleep is swapped by tests to avoid real backoff waits.
	Sleep func(time.Duration)
}

// Client synchronizes one asset's annotations for a single connected view.
// It has an owned lifecycle: Subscribe opens the feed, Close tears it down.
type Client struct {
	store       Store
	broker      realtime.Broker
	actor       access.Actor
	logger      *zap.Logger
	clock       func() time.Time
	sleep       func(time.Duration)
	backoffBase time.Duration
	backoffCap  time.Duration

	mu       sync.RWMutex
	assetID  annotations.AssetID
	cache    map[string]annotations.Annotation
	replies  map[string][]annotations.Reply
	pending  []pendingCreate
	sub      realtime.Subscription
	events   chan realtime.Event
	closed   bool
	runDone  chan struct{}
	runCtx   context.Context
	runStop  context.CancelFunc
}

// New validates dependencies and constructs an unsubscribed client.
func New(cfg Config) (*Client, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Broker == nil {
		return nil, errMissingBroker
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	backoffBase := cfg.BackoffBase
	if backoffBase <= 0 {
		backoffBase = defaultBackoffBase
	}
	backoffCap := cfg.BackoffCap
	if backoffCap <= 0 {
		backoffCap = defaultBackoffCap
	}
	return &Client{
		store:       cfg.Store,
		broker:      cfg.Broker,
		actor:       cfg.Actor,
		logger:      logger,
		clock:       clock,
		sleep:       sleep,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
		cache:       make(map[string]annotations.Annotation),
		replies:     make(map[string][]annotations.Reply),
		events:      make(chan realtime.Event, 64),
	}, nil
}

// Subscribe opens the asset's mutation channel, seeds the cache with the
// store's current state, and starts the ingestion loop.
func (c *Client) Subscribe(ctx context.Context, assetID annotations.AssetID) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClientClosed
	}
	if c.sub != nil {
		c.mu.Unlock()
		return fmt.Errorf("syncclient: already subscribed to %s", c.assetID)
	}
	c.assetID = assetID
	c.mu.Unlock()

	sub, err := c.broker.SubscribeMutations(ctx, assetID.String())
	if err != nil {
		return err
	}

	records, err := c.store.ListAnnotations(ctx, assetID, annotations.ListFilter{})
	if err != nil {
		sub.Unsubscribe()
		return err
	}

	runCtx, stop := context.WithCancel(context.Background())
	c.mu.Lock()
	c.sub = sub
	c.runCtx = runCtx
	c.runStop = stop
	c.runDone = make(chan struct{})
	c.replaceCacheLocked(records)
	c.mu.Unlock()

	go c.run(sub)
	return nil
}

// Events exposes the single typed event stream consumers iterate over.
// Every confirmed mutation the client learns about flows through here.
func (c *Client) Events() <-chan realtime.Event {
	return c.events
}

// Close unsubscribes immediately and stops the ingestion loop. In-flight
// mutation requests complete, but their completion callbacks become no-ops.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sub := c.sub
	stop := c.runStop
	done := c.runDone
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	if sub != nil {
		sub.Unsubscribe()
	}
	if done != nil {
		<-done
	}
	close(c.events)
}

// VisibleAnnotations returns the cached annotations for the displayed page.
// Events for other pages stay cached but never render.
func (c *Client) VisibleAnnotations(pageURL string) []annotations.Annotation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	visible := make([]annotations.Annotation, 0, len(c.cache))
	for _, annotation := range c.cache {
		if pageURL == "" || annotation.PageURL == pageURL {
			visible = append(visible, annotation)
		}
	}
	return visible
}

// CachedAnnotation looks up one annotation by id.
func (c *Client) CachedAnnotation(id string) (annotations.Annotation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	annotation, ok := c.cache[id]
	return annotation, ok
}

// CachedReplies returns the cached replies for an annotation.
func (c *Client) CachedReplies(annotationID string) []annotations.Reply {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]annotations.Reply(nil), c.replies[annotationID]...)
}

// CreateAnnotation gates, applies the optimistic entry under a temporary id,
// then persists. Success swaps the temporary id for the confirmed one; a
// terminal failure rolls the entry back. A retryable failure keeps the entry
// queued so the next resync replays it.
func (c *Client) CreateAnnotation(ctx context.Context, input annotations.CreateInput) (annotations.Annotation, error) {
	if !access.Can(c.actor.Role, access.ResourceAnnotation, access.ActionCreate) {
		return annotations.Annotation{}, faults.ErrAuthorization
	}
	if err := input.Validate(); err != nil {
		return annotations.Annotation{}, fmt.Errorf("%w: %v", faults.ErrValidation, err)
	}

	tempID := tempIDPrefix + uuid.NewString()
	now := c.clock().UTC().Unix()
	optimistic := annotations.Annotation{
		ID:         tempID,
		AssetID:    input.AssetID.String(),
		PageURL:    input.PageURL,
		Status:     annotations.StatusOpen,
		Content:    input.Content,
		X:          input.X,
		Y:          input.Y,
		Width:      input.Width,
		Height:     input.Height,
		AuthorID:   input.Authorship.AuthorID,
		GuestName:  input.Authorship.GuestName,
		GuestEmail: input.Authorship.GuestEmail,
		Metadata:   input.Metadata,
		CreatedAtS: now,
		UpdatedAtS: now,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return annotations.Annotation{}, errClientClosed
	}
	c.cache[tempID] = optimistic
	c.mu.Unlock()

	confirmed, err := c.store.CreateAnnotation(ctx, input)
	if err != nil {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return annotations.Annotation{}, err
		}
		if faults.Retryable(err) {
			c.pending = append(c.pending, pendingCreate{tempID: tempID, input: input})
		} else {
			delete(c.cache, tempID)
		}
		c.mu.Unlock()
		return annotations.Annotation{}, err
	}

	c.reconcileCreate(tempID, confirmed)
	c.publishMutation(ctx, realtime.Event{
		Type:         realtime.EventAnnotationCreated,
		AssetID:      confirmed.AssetID,
		AnnotationID: confirmed.ID,
		Annotation:   &confirmed,
		Timestamp:    c.clock().UTC(),
	})
	return confirmed, nil
}

// UpdateAnnotation gates (including ownership), applies the patch optimistically,
// persists, and reconciles with the confirmed record or rolls back.
func (c *Client) UpdateAnnotation(ctx context.Context, id annotations.AnnotationID, patch annotations.Patch) (annotations.Annotation, error) {
	snapshot, existed, err := c.gateMutation(id, access.ActionUpdate)
	if err != nil {
		return annotations.Annotation{}, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return annotations.Annotation{}, errClientClosed
	}
	if existed {
		c.cache[id.String()] = applyPatch(snapshot, patch, c.clock().UTC().Unix())
	}
	c.mu.Unlock()

	confirmed, err := c.store.UpdateAnnotation(ctx, id, patch)
	if err != nil {
		c.rollback(id.String(), snapshot, existed)
		return annotations.Annotation{}, err
	}

	c.upsert(confirmed)
	c.publishMutation(ctx, realtime.Event{
		Type:         realtime.EventAnnotationUpdated,
		AssetID:      confirmed.AssetID,
		AnnotationID: confirmed.ID,
		Annotation:   &confirmed,
		Timestamp:    c.clock().UTC(),
	})
	return confirmed, nil
}

// Resolve marks an annotation resolved.
func (c *Client) Resolve(ctx context.Context, id annotations.AnnotationID) (annotations.Annotation, error) {
	return c.setStatus(ctx, id, annotations.StatusResolved)
}

// Reopen reverts an annotation to open.
func (c *Client) Reopen(ctx context.Context, id annotations.AnnotationID) (annotations.Annotation, error) {
	return c.setStatus(ctx, id, annotations.StatusOpen)
}

func (c *Client) setStatus(ctx context.Context, id annotations.AnnotationID, status annotations.Status) (annotations.Annotation, error) {
	value := status
	return c.UpdateAnnotation(ctx, id, annotations.Patch{Status: &value})
}

// DeleteAnnotation gates, removes the cached entry optimistically, persists,
// and restores the entry if the store rejects the delete.
func (c *Client) DeleteAnnotation(ctx context.Context, id annotations.AnnotationID) error {
	snapshot, existed, err := c.gateMutation(id, access.ActionDelete)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClientClosed
	}
	delete(c.cache, id.String())
	c.mu.Unlock()

	if err := c.store.DeleteAnnotation(ctx, id); err != nil {
		c.rollback(id.String(), snapshot, existed)
		return err
	}

	c.mu.Lock()
	delete(c.replies, id.String())
	assetID := c.assetID.String()
	c.mu.Unlock()

	c.publishMutation(ctx, realtime.Event{
		Type:         realtime.EventAnnotationDeleted,
		AssetID:      assetID,
		AnnotationID: id.String(),
		Timestamp:    c.clock().UTC(),
	})
	return nil
}

// AddReply gates, appends the reply optimistically, persists, and reconciles
// the temporary reply with the confirmed one.
func (c *Client) AddReply(ctx context.Context, annotationID annotations.AnnotationID, input annotations.ReplyInput) (annotations.Reply, error) {
	if !access.Can(c.actor.Role, access.ResourceAnnotation, access.ActionReply) {
		return annotations.Reply{}, faults.ErrAuthorization
	}
	if err := input.Validate(); err != nil {
		return annotations.Reply{}, fmt.Errorf("%w: %v", faults.ErrValidation, err)
	}

	tempID := tempIDPrefix + uuid.NewString()
	optimistic := annotations.Reply{
		ID:           tempID,
		AnnotationID: annotationID.String(),
		Content:      input.Content,
		AuthorID:     input.Authorship.AuthorID,
		GuestName:    input.Authorship.GuestName,
		GuestEmail:   input.Authorship.GuestEmail,
		CreatedAtS:   c.clock().UTC().Unix(),
	}

	key := annotationID.String()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return annotations.Reply{}, errClientClosed
	}
	c.replies[key] = append(c.replies[key], optimistic)
	c.mu.Unlock()

	confirmed, err := c.store.AddReply(ctx, annotationID, input)
	if err != nil {
		c.mu.Lock()
		if !c.closed {
			c.replies[key] = removeReply(c.replies[key], tempID)
		}
		c.mu.Unlock()
		return annotations.Reply{}, err
	}

	c.mu.Lock()
	if !c.closed {
		c.replies[key] = removeReply(c.replies[key], tempID)
		c.replies[key] = upsertReply(c.replies[key], confirmed)
	}
	assetID := c.assetID.String()
	c.mu.Unlock()

	c.publishMutation(ctx, realtime.Event{
		Type:         realtime.EventReplyCreated,
		AssetID:      assetID,
		AnnotationID: key,
		Reply:        &confirmed,
		Timestamp:    c.clock().UTC(),
	})
	return confirmed, nil
}

// BulkResult reports the outcome of a bulk operation. Bulk operations are N
// independent single-item calls; partial success is expected and reported,
// never rolled back.
type BulkResult struct {
	Succeeded int
	Failed    int
}

// BulkResolve resolves many annotations concurrently.
func (c *Client) BulkResolve(ctx context.Context, ids []annotations.AnnotationID) BulkResult {
	return c.bulk(ids, func(id annotations.AnnotationID) error {
		_, err := c.Resolve(ctx, id)
		return err
	})
}

// BulkDelete deletes many annotations concurrently.
func (c *Client) BulkDelete(ctx context.Context, ids []annotations.AnnotationID) BulkResult {
	return c.bulk(ids, func(id annotations.AnnotationID) error {
		return c.DeleteAnnotation(ctx, id)
	})
}

func (c *Client) bulk(ids []annotations.AnnotationID, op func(annotations.AnnotationID) error) BulkResult {
	var wg sync.WaitGroup
	var mu sync.Mutex
	result := BulkResult{}
	for _, id := range ids {
		wg.Add(1)
		go func(id annotations.AnnotationID) {
			defer wg.Done()
			err := op(id)
			mu.Lock()
			if err != nil {
				result.Failed++
			} else {
				result.Succeeded++
			}
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return result
}

// gateMutation evaluates the capability matrix and the ownership rule before
// any optimistic mutation or network call happens. Failures are the generic
// authorization error with no existence hint.
func (c *Client) gateMutation(id annotations.AnnotationID, action access.Action) (annotations.Annotation, bool, error) {
	if !access.Can(c.actor.Role, access.ResourceAnnotation, action) {
		return annotations.Annotation{}, false, faults.ErrAuthorization
	}
	c.mu.RLock()
	snapshot, existed := c.cache[id.String()]
	c.mu.RUnlock()
	if existed {
		authorship := access.Authorship{AuthorID: snapshot.AuthorID, GuestName: snapshot.GuestName}
		if !access.CanMutateAnnotation(c.actor, authorship) {
			return annotations.Annotation{}, false, faults.ErrAuthorization
		}
	}
	return snapshot, existed, nil
}

func (c *Client) rollback(id string, snapshot annotations.Annotation, existed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if existed {
		c.cache[id] = snapshot
	} else {
		delete(c.cache, id)
	}
}

func (c *Client) reconcileCreate(tempID string, confirmed annotations.Annotation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	delete(c.cache, tempID)
	c.cache[confirmed.ID] = confirmed
}

func (c *Client) upsert(confirmed annotations.Annotation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.cache[confirmed.ID] = confirmed
}

func (c *Client) publishMutation(ctx context.Context, event realtime.Event) {
	if err := c.broker.PublishMutation(ctx, event); err != nil {
		// Broadcast is best effort; peers repair missed events via resync.
		c.logger.Warn("mutation broadcast failed",
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
	}
}

// run ingests confirmed events until the subscription ends, then loops
// through backoff, resubscribe, and full resync until Close.
func (c *Client) run(sub realtime.Subscription) {
	defer close(c.runDone)
	current := sub
	for {
		c.consume(current)

		c.mu.RLock()
		closed := c.closed
		c.mu.RUnlock()
		if closed {
			return
		}

		next, ok := c.reconnect()
		if !ok {
			return
		}
		current = next
	}
}

func (c *Client) consume(sub realtime.Subscription) {
	for {
		select {
		case <-c.runCtx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			c.applyEvent(event)
			select {
			case c.events <- event:
			default:
				// Consumer lag never blocks ingestion.
			}
		}
	}
}

// reconnect applies capped exponential backoff, resubscribes, replays pending
// optimistic creates, and replaces the cache wholesale from the store.
func (c *Client) reconnect() (realtime.Subscription, bool) {
	attempt := 0
	for {
		select {
		case <-c.runCtx.Done():
			return nil, false
		default:
		}

		c.sleep(c.backoffDelay(attempt))
		attempt++

		c.mu.RLock()
		assetID := c.assetID
		closed := c.closed
		c.mu.RUnlock()
		if closed {
			return nil, false
		}

		sub, err := c.broker.SubscribeMutations(c.runCtx, assetID.String())
		if err != nil {
			if errors.Is(err, faults.ErrAuthorization) {
				// Terminal: access was revoked while away.
				c.logger.Warn("resubscribe rejected", zap.String("asset_id", assetID.String()))
				return nil, false
			}
			c.logger.Info("resubscribe failed, backing off",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		if err := c.resync(assetID); err != nil {
			c.logger.Warn("resync failed, retrying", zap.Error(err))
			sub.Unsubscribe()
			continue
		}

		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
		return sub, true
	}
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.backoffBase << uint(attempt)
	if delay > c.backoffCap || delay <= 0 {
		delay = c.backoffCap
	}
	return delay
}

// resync replays queued creates then replaces the cache with the store's
// current state, dropping reconciled temp entries exactly once.
func (c *Client) resync(assetID annotations.AssetID) error {
	c.mu.Lock()
	queued := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, entry := range queued {
		confirmed, err := c.store.CreateAnnotation(c.runCtx, entry.input)
		if err != nil {
			if faults.Retryable(err) {
				c.mu.Lock()
				c.pending = append(c.pending, entry)
				c.mu.Unlock()
				return err
			}
			// Terminal: the optimistic entry is dropped with the rebuild below.
			c.logger.Warn("queued create rejected during resync", zap.Error(err))
			continue
		}
		c.reconcileCreate(entry.tempID, confirmed)
	}

	records, err := c.store.ListAnnotations(c.runCtx, assetID, annotations.ListFilter{})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.replaceCacheLocked(records)
	c.mu.Unlock()
	return nil
}

func (c *Client) replaceCacheLocked(records []annotations.Annotation) {
	c.cache = make(map[string]annotations.Annotation, len(records))
	for _, record := range records {
		c.cache[record.ID] = record
	}
}

// applyEvent folds one confirmed event into the cache. The fold is
// idempotent: replaying an event or receiving duplicates converges on the
// same cache. Events sharing an annotation id apply in receipt order.
func (c *Client) applyEvent(event realtime.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	switch event.Type {
	case realtime.EventAnnotationCreated, realtime.EventAnnotationUpdated:
		if event.Annotation != nil {
			c.cache[event.Annotation.ID] = *event.Annotation
		}
	case realtime.EventAnnotationDeleted:
		delete(c.cache, event.AnnotationID)
		delete(c.replies, event.AnnotationID)
	case realtime.EventReplyCreated:
		if event.Reply != nil {
			key := event.Reply.AnnotationID
			c.replies[key] = upsertReply(c.replies[key], *event.Reply)
		}
	}
}

func applyPatch(base annotations.Annotation, patch annotations.Patch, nowS int64) annotations.Annotation {
	updated := base
	if patch.Content != nil {
		updated.Content = *patch.Content
	}
	if patch.Status != nil {
		updated.Status = *patch.Status
	}
	if patch.X != nil {
		updated.X = *patch.X
	}
	if patch.Y != nil {
		updated.Y = *patch.Y
	}
	if patch.Width != nil {
		updated.Width = *patch.Width
	}
	if patch.Height != nil {
		updated.Height = *patch.Height
	}
	if patch.PageURL != nil {
		updated.PageURL = *patch.PageURL
	}
	updated.UpdatedAtS = nowS
	return updated
}

func upsertReply(replies []annotations.Reply, reply annotations.Reply) []annotations.Reply {
	for i, existing := range replies {
		if existing.ID == reply.ID {
			replies[i] = reply
			return replies
		}
	}
	return append(replies, reply)
}

func removeReply(replies []annotations.Reply, id string) []annotations.Reply {
	kept := replies[:0]
	for _, reply := range replies {
		if reply.ID != id {
			kept = append(kept, reply)
		}
	}
	return kept
}
