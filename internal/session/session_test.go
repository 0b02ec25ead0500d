package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	brokerpkg "github.com/adred-codev/wsbroker/internal/broker"
	"github.com/adred-codev/wsbroker/internal/datalog"
	"github.com/adred-codev/wsbroker/internal/ratelimit"
	"github.com/adred-codev/wsbroker/internal/wire"
)

type testRig struct {
	broker *brokerpkg.Broker
	store  *datalog.Store
	ctx    context.Context
}

func newTestRig(t *testing.T) testRig {
	t.Helper()
	dir := t.TempDir()
	store, err := datalog.New(dir, 8, zerolog.Nop())
	if err != nil {
		t.Fatalf("datalog.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go store.Run(ctx)

	b := brokerpkg.New(store, 8, zerolog.Nop())
	go b.Run(ctx)

	return testRig{broker: b, store: store, ctx: ctx}
}

// connectEndpoint wires up a net.Pipe: one side becomes the Endpoint's
// connection, the other is handed back to the test as a raw client
// socket to write/read WebSocket frames against.
func connectEndpoint(t *testing.T, rig testRig, clientID uuid.UUID) net.Conn {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	limiter := ratelimit.New(1000, 1000)
	endpoint := New(clientID, serverSide, rig.broker, rig.store, limiter, 8, zerolog.Nop())
	go endpoint.Serve(rig.ctx)
	return clientSide
}

func readServerFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, _, err := wsutil.ReadServerData(conn)
	if err != nil {
		t.Fatalf("read server frame: %v", err)
	}
	return data
}

func writeClientFrame(t *testing.T, conn net.Conn, cmd *wire.ClientCommand) {
	t.Helper()
	encoded, err := wire.EncodeClientCommand(cmd)
	if err != nil {
		t.Fatalf("encode command: %v", err)
	}
	if err := wsutil.WriteClientMessage(conn, ws.OpBinary, encoded); err != nil {
		t.Fatalf("write client frame: %v", err)
	}
}

func TestSubscribeSubmitFanOutAndReadBack(t *testing.T) {
	rig := newTestRig(t)
	a, b, subID := uuid.New(), uuid.New(), uuid.New()

	connA := connectEndpoint(t, rig, a)
	connB := connectEndpoint(t, rig, b)

	writeClientFrame(t, connA, wire.NewSubscribeCommand(subID))
	writeClientFrame(t, connB, wire.NewSubscribeCommand(subID))

	// give the broker mailbox a moment to process both subscribes
	time.Sleep(50 * time.Millisecond)

	payload := []byte{0x48, 0x65, 0x6c, 0x6c, 0x6f}
	writeClientFrame(t, connA, wire.NewSubmitPublicationCommand(subID, payload))

	frameA := readServerFrame(t, connA)
	frameB := readServerFrame(t, connB)

	msgA, err := wire.DecodeServerMessage(frameA)
	if err != nil {
		t.Fatalf("decode issue at a: %v", err)
	}
	msgB, err := wire.DecodeServerMessage(frameB)
	if err != nil {
		t.Fatalf("decode issue at b: %v", err)
	}
	if msgA.Kind != wire.MessageIssue || msgB.Kind != wire.MessageIssue {
		t.Fatalf("expected issue messages, got %+v / %+v", msgA, msgB)
	}
	if msgA.Issue.PublicationID != msgB.Issue.PublicationID {
		t.Fatalf("expected same publication id at both subscribers, got %v / %v", msgA.Issue.PublicationID, msgB.Issue.PublicationID)
	}
	pubID := msgA.Issue.PublicationID

	writeClientFrame(t, connA, wire.NewGetLogEntriesCommand(subID, []uuid.UUID{pubID}))
	entryFrame := readServerFrame(t, connA)
	entryMsg, err := wire.DecodeServerMessage(entryFrame)
	if err != nil {
		t.Fatalf("decode log entry: %v", err)
	}
	if entryMsg.Kind != wire.MessageLogEntry || len(entryMsg.LogEntry.Publications) != 1 {
		t.Fatalf("unexpected log entry message: %+v", entryMsg)
	}
	if string(entryMsg.LogEntry.Publications[0].Data) != string(payload) {
		t.Fatalf("unexpected publication data: %v", entryMsg.LogEntry.Publications[0].Data)
	}
}

func TestSubmitToUnknownSubscriptionReturnsErrorFrame(t *testing.T) {
	rig := newTestRig(t)
	clientID := uuid.New()
	conn := connectEndpoint(t, rig, clientID)

	writeClientFrame(t, conn, wire.NewSubmitPublicationCommand(uuid.New(), []byte("x")))

	frame := readServerFrame(t, conn)
	// An error frame is a distinct, non-ServerMessage-union CBOR map; it
	// must not decode as any known MessageKind carrying a payload.
	msg, err := wire.DecodeServerMessage(frame)
	if err == nil && msg.Kind != wire.MessageUnknown {
		t.Fatalf("expected error frame, decoded as %+v", msg)
	}
}

func TestTextFrameGetsFixedReplyAndConnectionStaysOpen(t *testing.T) {
	rig := newTestRig(t)
	clientID := uuid.New()
	conn := connectEndpoint(t, rig, clientID)

	if err := wsutil.WriteClientMessage(conn, ws.OpText, []byte("hello")); err != nil {
		t.Fatalf("write text frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, op, err := wsutil.ReadServerData(conn)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if op != ws.OpText || string(data) != textNotImplementedMessage {
		t.Fatalf("expected fixed text reply, got op=%v data=%q", op, data)
	}

	// Connection should still be usable: a subsequent binary command works.
	subID := uuid.New()
	writeClientFrame(t, conn, wire.NewSubscribeCommand(subID))
	time.Sleep(50 * time.Millisecond)

	snap, err := rig.broker.Snapshot(rig.ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if _, ok := snap.Subscriptions[subID]; !ok {
		t.Fatal("expected subscribe after text frame to still take effect")
	}
}
