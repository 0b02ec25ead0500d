// Package broker implements the Broker: the single serialization point
// for Subscribe, Unsubscribe, and Submit, and the authoritative
// subscription registry.
//
// The Broker also doubles as the Session Registry's caller-facing home
// (see spec.md §4.5's design note): rather than round-tripping through
// a second actor to resolve a ClientId to its outbound channel on every
// fan-out, the Broker holds the registry.Registry directly and calls it
// synchronously from inside its own mailbox handler. Both live on the
// same logical thread, so nothing is lost by collapsing them.
package broker

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/wsbroker/internal/datalog"
	"github.com/adred-codev/wsbroker/internal/logging"
	"github.com/adred-codev/wsbroker/internal/metrics"
	"github.com/adred-codev/wsbroker/internal/registry"
	"github.com/adred-codev/wsbroker/internal/wire"
)

// Subscription is one named topic and its current subscriber set.
type Subscription struct {
	ID          uuid.UUID
	Name        string
	Subscribers map[uuid.UUID]struct{}
}

// snapshot returns a value copy safe to hand outside the mailbox goroutine.
func (s *Subscription) snapshot() Subscription {
	subs := make(map[uuid.UUID]struct{}, len(s.Subscribers))
	for id := range s.Subscribers {
		subs[id] = struct{}{}
	}
	return Subscription{ID: s.ID, Name: s.Name, Subscribers: subs}
}

// Broker is the subscription-registry actor. Construct with New, then
// run its mailbox loop with Run before issuing any calls.
type Broker struct {
	store    *datalog.Store
	registry *registry.Registry
	logger   zerolog.Logger
	metrics  *metrics.Collector
	mailbox  chan command

	// subscriptions is owned exclusively by the goroutine running Run.
	subscriptions map[uuid.UUID]*Subscription
}

// New creates a Broker that persists publications through store.
func New(store *datalog.Store, mailboxSize int, logger zerolog.Logger) *Broker {
	return &Broker{
		store:         store,
		registry:      registry.New(),
		logger:        logger,
		mailbox:       make(chan command, mailboxSize),
		subscriptions: make(map[uuid.UUID]*Subscription),
	}
}

// SetMetrics attaches a Prometheus collector. Optional; without one,
// every increment below is skipped.
func (b *Broker) SetMetrics(m *metrics.Collector) {
	b.metrics = m
}

// Run drains the mailbox until ctx is cancelled. Call it in its own
// goroutine once after New returns.
func (b *Broker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-b.mailbox:
			b.handle(ctx, cmd)
		}
	}
}

func (b *Broker) handle(ctx context.Context, cmd command) {
	defer logging.RecoverPanic(b.logger, "broker.handle")

	switch c := cmd.(type) {
	case *sessionAddCmd:
		b.registry.Add(c.clientID, c.outbox)
		close(c.done)
	case *sessionRemoveCmd:
		b.registry.Remove(c.clientID)
		close(c.done)
	case *subscribeAddCmd:
		c.reply <- b.doSubscribeAdd(ctx, c.clientID, c.subscriptionID)
	case *subscribeRemoveCmd:
		c.reply <- b.doSubscribeRemove(c.clientID, c.subscriptionID)
	case *submitCmd:
		c.reply <- b.doSubmit(ctx, c.clientID, c.subscriptionID, c.data)
	case *snapshotCmd:
		c.reply <- b.doSnapshot()
	}
}

// --- command envelopes -------------------------------------------------

type command interface{ isBrokerCommand() }

type sessionAddCmd struct {
	clientID uuid.UUID
	outbox   registry.Outbox
	done     chan struct{}
}

func (*sessionAddCmd) isBrokerCommand() {}

type sessionRemoveCmd struct {
	clientID uuid.UUID
	done     chan struct{}
}

func (*sessionRemoveCmd) isBrokerCommand() {}

type subscribeAddCmd struct {
	clientID       uuid.UUID
	subscriptionID uuid.UUID
	reply          chan error
}

func (*subscribeAddCmd) isBrokerCommand() {}

type subscribeRemoveCmd struct {
	clientID       uuid.UUID
	subscriptionID uuid.UUID
	reply          chan error
}

func (*subscribeRemoveCmd) isBrokerCommand() {}

type submitCmd struct {
	clientID       uuid.UUID
	subscriptionID uuid.UUID
	data           []byte
	reply          chan submitResult
}

func (*submitCmd) isBrokerCommand() {}

type submitResult struct {
	publicationID uuid.UUID
	err           error
}

type snapshotCmd struct {
	reply chan Snapshot
}

func (*snapshotCmd) isBrokerCommand() {}

// Snapshot is a point-in-time, caller-safe view of broker state, used
// by the health endpoint and by tests. It is not part of the wire
// protocol (spec.md §6 names exactly five inbound commands).
type Snapshot struct {
	Subscriptions map[uuid.UUID]Subscription
	SessionCount  int
}

// --- public API ----------------------------------------------------------

// SessionAdd registers clientID's outbound channel, replacing any prior
// registration for the same client.
func (b *Broker) SessionAdd(ctx context.Context, clientID uuid.UUID, outbox registry.Outbox) {
	done := make(chan struct{})
	cmd := &sessionAddCmd{clientID: clientID, outbox: outbox, done: done}
	select {
	case b.mailbox <- cmd:
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// SessionRemove deregisters clientID. A no-op if not registered.
func (b *Broker) SessionRemove(ctx context.Context, clientID uuid.UUID) {
	done := make(chan struct{})
	cmd := &sessionRemoveCmd{clientID: clientID, done: done}
	select {
	case b.mailbox <- cmd:
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// SubscribeAdd joins clientID to subscriptionID, creating the
// subscription if it does not yet exist. Idempotent.
func (b *Broker) SubscribeAdd(ctx context.Context, clientID, subscriptionID uuid.UUID) error {
	reply := make(chan error, 1)
	cmd := &subscribeAddCmd{clientID: clientID, subscriptionID: subscriptionID, reply: reply}
	select {
	case b.mailbox <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubscribeRemove removes clientID from subscriptionID's subscriber
// set. Returns a "not subscribed" error if the subscription does not
// exist; removing a client that was never a member of an existing
// subscription is a silent no-op.
func (b *Broker) SubscribeRemove(ctx context.Context, clientID, subscriptionID uuid.UUID) error {
	reply := make(chan error, 1)
	cmd := &subscribeRemoveCmd{clientID: clientID, subscriptionID: subscriptionID, reply: reply}
	select {
	case b.mailbox <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit persists data against subscriptionID and fans out an Issue
// notification to every current subscriber. It returns the freshly
// minted publicationId on success.
func (b *Broker) Submit(ctx context.Context, clientID, subscriptionID uuid.UUID, data []byte) (uuid.UUID, error) {
	reply := make(chan submitResult, 1)
	cmd := &submitCmd{clientID: clientID, subscriptionID: subscriptionID, data: data, reply: reply}
	select {
	case b.mailbox <- cmd:
	case <-ctx.Done():
		return uuid.Nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.publicationID, res.err
	case <-ctx.Done():
		return uuid.Nil, ctx.Err()
	}
}

// Snapshot returns a caller-safe copy of current subscriptions and the
// live session count. Not part of the wire protocol; used by /health
// and tests.
func (b *Broker) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	cmd := &snapshotCmd{reply: reply}
	select {
	case b.mailbox <- cmd:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// --- handlers (run only on the mailbox goroutine) -------------------------

func (b *Broker) doSubscribeAdd(ctx context.Context, clientID, subscriptionID uuid.UUID) error {
	sub, ok := b.subscriptions[subscriptionID]
	if !ok {
		sub = &Subscription{
			ID:          subscriptionID,
			Name:        clientID.String(),
			Subscribers: map[uuid.UUID]struct{}{clientID: {}},
		}
		b.subscriptions[subscriptionID] = sub

		// Metadata is an optional convenience (spec.md §4.1): record it
		// on first creation, but a log store failure here never fails
		// the subscribe itself.
		if err := b.store.PutMetadata(ctx, wire.SubscriptionMetadata{ID: sub.ID, Name: sub.Name}); err != nil {
			b.logger.Warn().Err(err).Str("subscription_id", subscriptionID.String()).Msg("failed to persist subscription metadata")
		}
	} else {
		sub.Subscribers[clientID] = struct{}{}
	}
	if b.metrics != nil {
		b.metrics.SubscribeTotal.WithLabelValues("subscribe", "ok").Inc()
	}
	return nil
}

func (b *Broker) doSubscribeRemove(clientID, subscriptionID uuid.UUID) error {
	sub, ok := b.subscriptions[subscriptionID]
	if !ok {
		if b.metrics != nil {
			b.metrics.SubscribeTotal.WithLabelValues("unsubscribe", "not_subscribed").Inc()
		}
		return &Error{Kind: ErrorKindNotSubscribed, SubscriptionID: subscriptionID.String()}
	}
	delete(sub.Subscribers, clientID)
	if len(sub.Subscribers) == 0 {
		delete(b.subscriptions, subscriptionID)
	}
	if b.metrics != nil {
		b.metrics.SubscribeTotal.WithLabelValues("unsubscribe", "ok").Inc()
	}
	return nil
}

func (b *Broker) doSubmit(ctx context.Context, clientID, subscriptionID uuid.UUID, data []byte) submitResult {
	sub, ok := b.subscriptions[subscriptionID]
	if !ok {
		b.incSubmitError("unknown_subscription")
		return submitResult{err: &Error{Kind: ErrorKindUnknownSubscription, SubscriptionID: subscriptionID.String()}}
	}

	pub := wire.Publication{
		PublicationID:  uuid.New(),
		SubscriptionID: subscriptionID,
		Data:           data,
	}

	// Persist before any fan-out: a client that observes an Issue must
	// be able to fetch the publication immediately afterward.
	if err := b.store.Put(ctx, []wire.Publication{pub}); err != nil {
		b.incSubmitError("log_store")
		return submitResult{err: &Error{Kind: ErrorKindLogStore, SubscriptionID: subscriptionID.String(), Err: err}}
	}
	if b.metrics != nil {
		b.metrics.SubmitsTotal.Inc()
	}

	msg := wire.NewIssueMessage(subscriptionID, pub.PublicationID)
	frame, err := wire.EncodeServerMessage(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("subscription_id", subscriptionID.String()).Msg("failed to encode issue frame")
		return submitResult{publicationID: pub.PublicationID}
	}

	for subscriberID := range sub.Subscribers {
		outbox, ok := b.registry.Get(subscriberID)
		if !ok {
			b.logger.Debug().
				Str("client_id", subscriberID.String()).
				Str("subscription_id", subscriptionID.String()).
				Msg("skipping issue: subscriber has no live session")
			b.incIssueSkipped("no_session")
			continue
		}
		select {
		case outbox <- frame:
			if b.metrics != nil {
				b.metrics.IssuesSent.Inc()
			}
		default:
			b.logger.Warn().
				Str("client_id", subscriberID.String()).
				Str("subscription_id", subscriptionID.String()).
				Msg("skipping issue: subscriber outbox full")
			b.incIssueSkipped("outbox_full")
		}
	}

	return submitResult{publicationID: pub.PublicationID}
}

func (b *Broker) incSubmitError(kind string) {
	if b.metrics != nil {
		b.metrics.SubmitErrors.WithLabelValues(kind).Inc()
	}
}

func (b *Broker) incIssueSkipped(reason string) {
	if b.metrics != nil {
		b.metrics.IssuesSkipped.WithLabelValues(reason).Inc()
	}
}

func (b *Broker) doSnapshot() Snapshot {
	subs := make(map[uuid.UUID]Subscription, len(b.subscriptions))
	for id, sub := range b.subscriptions {
		subs[id] = sub.snapshot()
	}
	return Snapshot{Subscriptions: subs, SessionCount: b.registry.Len()}
}
