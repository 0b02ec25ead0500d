package broker

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/wsbroker/internal/datalog"
	"github.com/adred-codev/wsbroker/internal/wire"
)

func newTestBroker(t *testing.T) (*Broker, context.Context) {
	t.Helper()
	dir := t.TempDir()
	store, err := datalog.New(dir, 8, zerolog.Nop())
	if err != nil {
		t.Fatalf("datalog.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go store.Run(ctx)

	b := New(store, 8, zerolog.Nop())
	go b.Run(ctx)
	return b, ctx
}

func TestSubscribeAddCreatesSubscription(t *testing.T) {
	b, ctx := newTestBroker(t)
	clientID, subID := uuid.New(), uuid.New()

	if err := b.SubscribeAdd(ctx, clientID, subID); err != nil {
		t.Fatalf("SubscribeAdd: %v", err)
	}

	snap, err := b.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	sub, ok := snap.Subscriptions[subID]
	if !ok {
		t.Fatal("expected subscription to exist")
	}
	if _, present := sub.Subscribers[clientID]; !present || len(sub.Subscribers) != 1 {
		t.Fatalf("unexpected subscribers: %+v", sub.Subscribers)
	}
}

func TestSubscribeAddIsIdempotent(t *testing.T) {
	b, ctx := newTestBroker(t)
	clientID, subID := uuid.New(), uuid.New()

	if err := b.SubscribeAdd(ctx, clientID, subID); err != nil {
		t.Fatalf("SubscribeAdd: %v", err)
	}
	if err := b.SubscribeAdd(ctx, clientID, subID); err != nil {
		t.Fatalf("SubscribeAdd (second): %v", err)
	}

	snap, _ := b.Snapshot(ctx)
	if len(snap.Subscriptions[subID].Subscribers) != 1 {
		t.Fatalf("expected idempotent subscribe to leave set size 1, got %d", len(snap.Subscriptions[subID].Subscribers))
	}
}

func TestSubscribeRemoveUnknownSubscriptionFails(t *testing.T) {
	b, ctx := newTestBroker(t)
	err := b.SubscribeRemove(ctx, uuid.New(), uuid.New())
	if err == nil {
		t.Fatal("expected error removing from unknown subscription")
	}
	brokerErr, ok := err.(*Error)
	if !ok || brokerErr.Kind != ErrorKindNotSubscribed {
		t.Fatalf("expected ErrorKindNotSubscribed, got %v", err)
	}
}

func TestSubscribeRemoveEmptyingDeletesSubscription(t *testing.T) {
	b, ctx := newTestBroker(t)
	clientID, subID := uuid.New(), uuid.New()
	if err := b.SubscribeAdd(ctx, clientID, subID); err != nil {
		t.Fatalf("SubscribeAdd: %v", err)
	}
	if err := b.SubscribeRemove(ctx, clientID, subID); err != nil {
		t.Fatalf("SubscribeRemove: %v", err)
	}

	snap, _ := b.Snapshot(ctx)
	if _, ok := snap.Subscriptions[subID]; ok {
		t.Fatal("expected subscription to be deleted once empty")
	}
}

func TestSubscribeRemoveNonMemberOfExistingSubscriptionIsNoOp(t *testing.T) {
	b, ctx := newTestBroker(t)
	owner, stranger, subID := uuid.New(), uuid.New(), uuid.New()
	if err := b.SubscribeAdd(ctx, owner, subID); err != nil {
		t.Fatalf("SubscribeAdd: %v", err)
	}
	if err := b.SubscribeRemove(ctx, stranger, subID); err != nil {
		t.Fatalf("SubscribeRemove for non-member should not error: %v", err)
	}

	snap, _ := b.Snapshot(ctx)
	sub, ok := snap.Subscriptions[subID]
	if !ok {
		t.Fatal("expected subscription to still exist")
	}
	if _, present := sub.Subscribers[owner]; !present || len(sub.Subscribers) != 1 {
		t.Fatalf("expected registry unchanged, got %+v", sub.Subscribers)
	}
}

func TestSubmitToUnknownSubscriptionFails(t *testing.T) {
	b, ctx := newTestBroker(t)
	_, err := b.Submit(ctx, uuid.New(), uuid.New(), []byte("x"))
	if err == nil {
		t.Fatal("expected publishing error for unknown subscription")
	}
	brokerErr, ok := err.(*Error)
	if !ok || brokerErr.Kind != ErrorKindUnknownSubscription {
		t.Fatalf("expected ErrorKindUnknownSubscription, got %v", err)
	}
}

func TestSubmitFansOutIssueToAllSubscribersAndPersists(t *testing.T) {
	b, ctx := newTestBroker(t)
	a, bClient, subID := uuid.New(), uuid.New(), uuid.New()

	outboxA := make(chan []byte, 1)
	outboxB := make(chan []byte, 1)
	b.SessionAdd(ctx, a, outboxA)
	b.SessionAdd(ctx, bClient, outboxB)

	if err := b.SubscribeAdd(ctx, a, subID); err != nil {
		t.Fatalf("SubscribeAdd a: %v", err)
	}
	if err := b.SubscribeAdd(ctx, bClient, subID); err != nil {
		t.Fatalf("SubscribeAdd b: %v", err)
	}

	payload := []byte{0x48, 0x65, 0x6c, 0x6c, 0x6f}
	pubID, err := b.Submit(ctx, a, subID, payload)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	for name, outbox := range map[string]chan []byte{"a": outboxA, "b": outboxB} {
		select {
		case frame := <-outbox:
			msg, err := wire.DecodeServerMessage(frame)
			if err != nil {
				t.Fatalf("decode issue for %s: %v", name, err)
			}
			if msg.Kind != wire.MessageIssue || msg.Issue == nil {
				t.Fatalf("expected issue message for %s, got %+v", name, msg)
			}
			if msg.Issue.PublicationID != pubID || msg.Issue.SubscriptionID != subID {
				t.Fatalf("unexpected issue contents for %s: %+v", name, msg.Issue)
			}
		default:
			t.Fatalf("expected an issue to be queued for %s", name)
		}
	}
}

func TestSubmitPersistsBeforeReturning(t *testing.T) {
	dir := t.TempDir()
	store, err := datalog.New(dir, 8, zerolog.Nop())
	if err != nil {
		t.Fatalf("datalog.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go store.Run(ctx)

	b := New(store, 8, zerolog.Nop())
	go b.Run(ctx)

	clientID, subID := uuid.New(), uuid.New()
	if err := b.SubscribeAdd(ctx, clientID, subID); err != nil {
		t.Fatalf("SubscribeAdd: %v", err)
	}
	payload := []byte{0x01, 0x02, 0x03}
	pubID, err := b.Submit(ctx, clientID, subID, payload)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	entries, err := store.PullEntries(ctx, subID, []uuid.UUID{pubID})
	if err != nil {
		t.Fatalf("PullEntries: %v", err)
	}
	if len(entries) != 1 || string(entries[0].Data) != string(payload) {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestSessionRemoveStopsFutureDelivery(t *testing.T) {
	b, ctx := newTestBroker(t)
	clientID, subID := uuid.New(), uuid.New()
	outbox := make(chan []byte, 1)
	b.SessionAdd(ctx, clientID, outbox)
	if err := b.SubscribeAdd(ctx, clientID, subID); err != nil {
		t.Fatalf("SubscribeAdd: %v", err)
	}
	b.SessionRemove(ctx, clientID)

	if _, err := b.Submit(ctx, clientID, subID, []byte("x")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case frame := <-outbox:
		t.Fatalf("expected no delivery after session remove, got frame of len %d", len(frame))
	default:
	}
}
