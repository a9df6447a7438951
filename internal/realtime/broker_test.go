package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pinpointhq/pinpoint/backend/internal/annotations"
	"github.com/pinpointhq/pinpoint/backend/internal/faults"
)

func newTestBroker(t *testing.T, authorizer Authorizer) *RedisBroker {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	broker := NewRedisBrokerWithClient(client, authorizer, nil)
	t.Cleanup(func() { _ = broker.Close() })
	return broker
}

func TestBrokerRoundTripsMutationEvents(t *testing.T) {
	broker := newTestBroker(t, nil)
	ctx := context.Background()

	sub, err := broker.SubscribeMutations(ctx, "asset-1")
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	published := Event{
		Type:         EventAnnotationCreated,
		AssetID:      "asset-1",
		AnnotationID: "ann-1",
		Annotation: &annotations.Annotation{
			ID:      "ann-1",
			AssetID: "asset-1",
			Content: "pin here",
			X:       600,
			Y:       300,
		},
		Timestamp: time.Now().UTC(),
	}
	if err := broker.PublishMutation(ctx, published); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}

	select {
	case received := <-sub.Events():
		if received.Type != EventAnnotationCreated {
			t.Fatalf("unexpected event type %s", received.Type)
		}
		if received.Annotation == nil || received.Annotation.ID != "ann-1" {
			t.Fatalf("annotation payload lost: %+v", received)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected mutation event within deadline")
	}
}

func TestBrokerIsolatesAssetsAndChannels(t *testing.T) {
	broker := newTestBroker(t, nil)
	ctx := context.Background()

	otherAsset, err := broker.SubscribeMutations(ctx, "asset-2")
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	defer otherAsset.Unsubscribe()

	presence, err := broker.SubscribePresence(ctx, "asset-1")
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	defer presence.Unsubscribe()

	if err := broker.PublishMutation(ctx, Event{
		Type:      EventAnnotationDeleted,
		AssetID:   "asset-1",
		Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}

	select {
	case event := <-otherAsset.Events():
		t.Fatalf("did not expect event for unrelated asset: %+v", event)
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case event := <-presence.Events():
		t.Fatalf("mutation must not reach the presence channel: %+v", event)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestBrokerSubscribeRequiresAuthorization(t *testing.T) {
	denied := AuthorizerFunc(func(ctx context.Context, assetID string) error {
		return errors.New("no access")
	})
	broker := newTestBroker(t, denied)

	_, err := broker.SubscribeMutations(context.Background(), "asset-1")
	if !errors.Is(err, faults.ErrAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if faults.Retryable(err) {
		t.Fatalf("authorization failures must not be retryable")
	}
}

func TestBrokerUnsubscribeClosesEventStream(t *testing.T) {
	broker := newTestBroker(t, nil)

	sub, err := broker.SubscribePresence(context.Background(), "asset-1")
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	sub.Unsubscribe()

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("expected no event after unsubscribe")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected event stream to close after unsubscribe")
	}
}

func TestBrokerPublishRequiresAssetID(t *testing.T) {
	broker := newTestBroker(t, nil)
	err := broker.PublishMutation(context.Background(), Event{Type: EventAnnotationCreated})
	if !errors.Is(err, faults.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
