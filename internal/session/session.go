// Package session implements the Session Endpoint: one instance per
// connected client, owning the framed WebSocket channel, decoding
// inbound commands, forwarding them to the Broker or Log Store, and
// running the keep-alive heartbeat.
package session

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/wsbroker/internal/broker"
	"github.com/adred-codev/wsbroker/internal/datalog"
	"github.com/adred-codev/wsbroker/internal/metrics"
	"github.com/adred-codev/wsbroker/internal/ratelimit"
	"github.com/adred-codev/wsbroker/internal/wire"
)

// HeartbeatInterval and ClientTimeout are the fixed constants governing
// the keep-alive timer: every HeartbeatInterval, an endpoint checks
// whether ClientTimeout has elapsed since the last inbound frame.
const (
	HeartbeatInterval = 5 * time.Second
	ClientTimeout     = 10 * time.Second
)

const textNotImplementedMessage = "text not implemented"

// outboundFrame pairs a payload with the opcode it must be written
// with; the write loop frames every outbox item exactly as queued
// instead of assuming a single fixed opcode.
type outboundFrame struct {
	op      ws.OpCode
	payload []byte
}

// Endpoint is one connected client's Session Endpoint.
type Endpoint struct {
	clientID uuid.UUID
	conn     net.Conn
	broker   *broker.Broker
	store    *datalog.Store
	limiter  *ratelimit.Limiter
	logger   zerolog.Logger
	metrics  *metrics.Collector

	// issueOutbox is the channel registered with the Broker: it only
	// ever carries encoded Issue frames, always written as binary.
	issueOutbox chan []byte
	// outbox carries every reply the endpoint itself originates
	// (server messages, error frames, the fixed text reply), each
	// tagged with the opcode it must be framed with.
	outbox   chan outboundFrame
	lastSeen atomic.Int64 // UnixNano

	closeOnce sync.Once
}

// New constructs an Endpoint for an already-upgraded connection. Call
// Serve to run its read/write loops; Serve registers and deregisters
// the endpoint with broker itself.
func New(clientID uuid.UUID, conn net.Conn, b *broker.Broker, store *datalog.Store, limiter *ratelimit.Limiter, sendBufferSize int, logger zerolog.Logger) *Endpoint {
	e := &Endpoint{
		clientID:    clientID,
		conn:        conn,
		broker:      b,
		store:       store,
		limiter:     limiter,
		logger:      logger.With().Str("client_id", clientID.String()).Logger(),
		issueOutbox: make(chan []byte, sendBufferSize),
		outbox:      make(chan outboundFrame, sendBufferSize),
	}
	e.touch()
	return e
}

// SetMetrics attaches a Prometheus collector. Optional; without one,
// every increment below is skipped.
func (e *Endpoint) SetMetrics(m *metrics.Collector) {
	e.metrics = m
}

// Serve registers the endpoint with the Broker, runs its write loop in
// a second goroutine, runs the read loop on the calling goroutine, and
// deregisters on return. It blocks until the connection closes, the
// heartbeat times out, or ctx is cancelled.
func (e *Endpoint) Serve(ctx context.Context) {
	e.broker.SessionAdd(ctx, e.clientID, e.issueOutbox)
	if e.metrics != nil {
		e.metrics.ConnectionsActive.Inc()
	}
	defer func() {
		e.broker.SessionRemove(ctx, e.clientID)
		e.limiter.Remove(e.clientID)
		if e.metrics != nil {
			e.metrics.ConnectionsActive.Dec()
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.writeLoop(ctx)
	}()

	e.readLoop(ctx)
	e.close()
	wg.Wait()
}

func (e *Endpoint) touch() {
	e.lastSeen.Store(time.Now().UnixNano())
}

func (e *Endpoint) close() {
	e.closeOnce.Do(func() {
		e.conn.Close()
	})
}

// readLoop decodes inbound frames until the connection errors, a close
// frame arrives, or an unrecognized frame type is seen.
func (e *Endpoint) readLoop(ctx context.Context) {
	for {
		data, op, err := wsutil.ReadClientData(e.conn)
		if err != nil {
			e.logger.Debug().Err(err).Msg("session read error, disconnecting")
			return
		}
		e.touch()

		switch op {
		case ws.OpText:
			e.sendText(textNotImplementedMessage)
		case ws.OpBinary:
			e.handleBinary(ctx, data)
		case ws.OpPing:
			e.enqueueFrame(ws.OpPong, data)
		case ws.OpPong:
			// last-seen update only, already done above
		case ws.OpClose:
			return
		default:
			return
		}
	}
}

func (e *Endpoint) handleBinary(ctx context.Context, data []byte) {
	cmd, err := wire.DecodeClientCommand(data)
	if err != nil {
		e.sendError(err)
		return
	}

	switch cmd.Kind {
	case wire.CommandSubscribe:
		if err := e.broker.SubscribeAdd(ctx, e.clientID, cmd.Subscribe.SubscriptionID); err != nil {
			e.sendError(err)
		}
	case wire.CommandUnsubscribe:
		if err := e.broker.SubscribeRemove(ctx, e.clientID, cmd.Unsubscribe.SubscriptionID); err != nil {
			e.sendError(err)
		}
	case wire.CommandSubmitPublication:
		e.handleSubmit(ctx, cmd.SubmitPublication)
	case wire.CommandGetLogIndex:
		e.handleGetLogIndex(ctx, cmd.GetLogIndex)
	case wire.CommandGetLogEntries:
		e.handleGetLogEntries(ctx, cmd.GetLogEntries)
	}
}

func (e *Endpoint) handleSubmit(ctx context.Context, cmd *wire.SubmitPublicationCommand) {
	if e.limiter != nil && !e.limiter.Allow(e.clientID) {
		if e.metrics != nil {
			e.metrics.RateLimitedSubs.Inc()
		}
		e.sendError(errRateLimited{subscriptionID: cmd.SubscriptionID})
		return
	}
	if _, err := e.broker.Submit(ctx, e.clientID, cmd.SubscriptionID, cmd.Submission); err != nil {
		e.sendError(err)
	}
}

func (e *Endpoint) handleGetLogIndex(ctx context.Context, cmd *wire.GetLogIndexCommand) {
	ids, err := e.store.PullIndex(ctx, cmd.LogID)
	if err != nil {
		e.sendError(err)
		return
	}
	msg := wire.NewLogIndexMessage(cmd.LogID, ids)
	e.sendServerMessage(msg)
}

func (e *Endpoint) handleGetLogEntries(ctx context.Context, cmd *wire.GetLogEntriesCommand) {
	entries, err := e.store.PullEntries(ctx, cmd.LogID, cmd.Entries)
	if err != nil {
		e.sendError(err)
		return
	}
	msg := wire.NewLogEntryMessage(entries)
	e.sendServerMessage(msg)
}

func (e *Endpoint) sendServerMessage(msg *wire.ServerMessage) {
	frame, err := wire.EncodeServerMessage(msg)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to encode server message")
		return
	}
	e.enqueue(frame)
}

func (e *Endpoint) sendError(err error) {
	frame, encErr := wire.EncodeError(err)
	if encErr != nil {
		e.logger.Error().Err(encErr).Msg("failed to encode error frame")
		return
	}
	e.enqueue(frame)
}

func (e *Endpoint) sendText(text string) {
	e.enqueueFrame(ws.OpText, []byte(text))
}

func (e *Endpoint) enqueue(frame []byte) {
	e.enqueueFrame(ws.OpBinary, frame)
}

// enqueueFrame queues a reply for the write loop, the sole writer of
// e.conn — including the pong reply to a ping, which must never be
// written directly from the read goroutine.
func (e *Endpoint) enqueueFrame(op ws.OpCode, payload []byte) {
	select {
	case e.outbox <- outboundFrame{op: op, payload: payload}:
	default:
		e.logger.Warn().Msg("dropping outbound frame: outbox full")
	}
}

// writeLoop drains both outboxes and drives the heartbeat: every
// HeartbeatInterval it checks whether ClientTimeout has elapsed since
// the last inbound frame, closing the connection if so, or sending a
// ping otherwise.
func (e *Endpoint) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.close()
			return
		case issue, ok := <-e.issueOutbox:
			if !ok {
				return
			}
			if err := wsutil.WriteServerMessage(e.conn, ws.OpBinary, issue); err != nil {
				e.logger.Debug().Err(err).Msg("failed to write frame, disconnecting")
				e.close()
				return
			}
		case frame, ok := <-e.outbox:
			if !ok {
				return
			}
			if err := wsutil.WriteServerMessage(e.conn, frame.op, frame.payload); err != nil {
				e.logger.Debug().Err(err).Msg("failed to write frame, disconnecting")
				e.close()
				return
			}
		case <-ticker.C:
			elapsed := time.Since(time.Unix(0, e.lastSeen.Load()))
			if elapsed > ClientTimeout {
				e.logger.Info().Dur("since_last_seen", elapsed).Msg("client heartbeat timeout, disconnecting")
				e.close()
				return
			}
			if err := wsutil.WriteServerMessage(e.conn, ws.OpPing, nil); err != nil {
				e.logger.Debug().Err(err).Msg("failed to send ping, disconnecting")
				e.close()
				return
			}
		}
	}
}

// errRateLimited is reported to the client exactly like any other
// subscription error — an informational binary frame, connection left
// open (spec's client input/subscription error handling, not a
// distinct taxonomy entry of its own).
type errRateLimited struct {
	subscriptionID uuid.UUID
}

func (e errRateLimited) Error() string {
	return "submit rate limited for subscription " + e.subscriptionID.String()
}
