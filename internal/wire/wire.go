// Package wire defines the CBOR wire protocol exchanged over the
// broker's binary WebSocket frames, and the records persisted to the
// durable log.
//
// ClientCommand and ServerMessage are closed sums: each is a single
// struct carrying a discriminant plus exactly one populated payload
// field, encoded as a CBOR map keyed by small integers
// ("cbor:n,keyasint"). This is the Go equivalent of a tagged union —
// there is deliberately no open interface{} or inheritance hierarchy
// standing in for it.
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Publication is one accepted, persisted payload.
type Publication struct {
	PublicationID  uuid.UUID `cbor:"1,keyasint"`
	SubscriptionID uuid.UUID `cbor:"2,keyasint"`
	Data           []byte    `cbor:"3,keyasint"`
}

// SubscriptionMetadata is the optional descriptor persisted alongside a
// subscription's log entries. Subscriber sets are never persisted.
type SubscriptionMetadata struct {
	ID   uuid.UUID `cbor:"1,keyasint"`
	Name string    `cbor:"2,keyasint"`
}

// --- Inbound: ClientCommand -------------------------------------------------

// CommandKind discriminates the ClientCommand union.
type CommandKind uint8

const (
	CommandUnknown CommandKind = iota
	CommandGetLogIndex
	CommandGetLogEntries
	CommandSubscribe
	CommandUnsubscribe
	CommandSubmitPublication
)

type GetLogIndexCommand struct {
	LogID uuid.UUID `cbor:"1,keyasint"`
}

type GetLogEntriesCommand struct {
	LogID   uuid.UUID   `cbor:"1,keyasint"`
	Entries []uuid.UUID `cbor:"2,keyasint"`
}

type SubscribeCommand struct {
	SubscriptionID uuid.UUID `cbor:"1,keyasint"`
}

type UnsubscribeCommand struct {
	SubscriptionID uuid.UUID `cbor:"1,keyasint"`
}

type SubmitPublicationCommand struct {
	SubscriptionID uuid.UUID `cbor:"1,keyasint"`
	Submission     []byte    `cbor:"2,keyasint"`
}

// ClientCommand is the inbound tagged union decoded from every binary
// frame a client sends.
type ClientCommand struct {
	Kind              CommandKind                `cbor:"0,keyasint"`
	GetLogIndex       *GetLogIndexCommand        `cbor:"1,keyasint,omitempty"`
	GetLogEntries     *GetLogEntriesCommand      `cbor:"2,keyasint,omitempty"`
	Subscribe         *SubscribeCommand          `cbor:"3,keyasint,omitempty"`
	Unsubscribe       *UnsubscribeCommand        `cbor:"4,keyasint,omitempty"`
	SubmitPublication *SubmitPublicationCommand  `cbor:"5,keyasint,omitempty"`
}

// DecodeClientCommand decodes one binary frame body into a ClientCommand
// and validates that exactly the field matching Kind is populated.
func DecodeClientCommand(data []byte) (*ClientCommand, error) {
	var cmd ClientCommand
	if err := cbor.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("decode client command: %w", err)
	}
	switch cmd.Kind {
	case CommandGetLogIndex:
		if cmd.GetLogIndex == nil {
			return nil, fmt.Errorf("decode client command: missing GetLogIndex payload")
		}
	case CommandGetLogEntries:
		if cmd.GetLogEntries == nil {
			return nil, fmt.Errorf("decode client command: missing GetLogEntries payload")
		}
	case CommandSubscribe:
		if cmd.Subscribe == nil {
			return nil, fmt.Errorf("decode client command: missing Subscribe payload")
		}
	case CommandUnsubscribe:
		if cmd.Unsubscribe == nil {
			return nil, fmt.Errorf("decode client command: missing Unsubscribe payload")
		}
	case CommandSubmitPublication:
		if cmd.SubmitPublication == nil {
			return nil, fmt.Errorf("decode client command: missing SubmitPublication payload")
		}
	default:
		return nil, fmt.Errorf("decode client command: unknown kind %d", cmd.Kind)
	}
	return &cmd, nil
}

// EncodeClientCommand is the reverse of DecodeClientCommand, used by
// tests to assert round-trip fidelity.
func EncodeClientCommand(cmd *ClientCommand) ([]byte, error) {
	return cbor.Marshal(cmd)
}

func NewSubscribeCommand(subscriptionID uuid.UUID) *ClientCommand {
	return &ClientCommand{Kind: CommandSubscribe, Subscribe: &SubscribeCommand{SubscriptionID: subscriptionID}}
}

func NewUnsubscribeCommand(subscriptionID uuid.UUID) *ClientCommand {
	return &ClientCommand{Kind: CommandUnsubscribe, Unsubscribe: &UnsubscribeCommand{SubscriptionID: subscriptionID}}
}

func NewSubmitPublicationCommand(subscriptionID uuid.UUID, submission []byte) *ClientCommand {
	return &ClientCommand{
		Kind:              CommandSubmitPublication,
		SubmitPublication: &SubmitPublicationCommand{SubscriptionID: subscriptionID, Submission: submission},
	}
}

func NewGetLogIndexCommand(logID uuid.UUID) *ClientCommand {
	return &ClientCommand{Kind: CommandGetLogIndex, GetLogIndex: &GetLogIndexCommand{LogID: logID}}
}

func NewGetLogEntriesCommand(logID uuid.UUID, entries []uuid.UUID) *ClientCommand {
	return &ClientCommand{
		Kind:          CommandGetLogEntries,
		GetLogEntries: &GetLogEntriesCommand{LogID: logID, Entries: entries},
	}
}

// --- Outbound: ServerMessage -------------------------------------------------

// MessageKind discriminates the ServerMessage union.
type MessageKind uint8

const (
	MessageUnknown MessageKind = iota
	MessageIssue
	MessageLogIndex
	MessageLogEntry
)

type IssueMessage struct {
	SubscriptionID uuid.UUID `cbor:"1,keyasint"`
	PublicationID  uuid.UUID `cbor:"2,keyasint"`
}

type LogIndexMessage struct {
	SubscriptionID uuid.UUID   `cbor:"1,keyasint"`
	PublicationIDs []uuid.UUID `cbor:"2,keyasint"`
}

type LogEntryMessage struct {
	Publications []Publication `cbor:"1,keyasint"`
}

// ServerMessage is the outbound tagged union encoded into every binary
// frame the broker sends a client.
type ServerMessage struct {
	Kind     MessageKind      `cbor:"0,keyasint"`
	Issue    *IssueMessage    `cbor:"1,keyasint,omitempty"`
	LogIndex *LogIndexMessage `cbor:"2,keyasint,omitempty"`
	LogEntry *LogEntryMessage `cbor:"3,keyasint,omitempty"`
}

func NewIssueMessage(subscriptionID, publicationID uuid.UUID) *ServerMessage {
	return &ServerMessage{Kind: MessageIssue, Issue: &IssueMessage{SubscriptionID: subscriptionID, PublicationID: publicationID}}
}

func NewLogIndexMessage(subscriptionID uuid.UUID, publicationIDs []uuid.UUID) *ServerMessage {
	return &ServerMessage{Kind: MessageLogIndex, LogIndex: &LogIndexMessage{SubscriptionID: subscriptionID, PublicationIDs: publicationIDs}}
}

func NewLogEntryMessage(publications []Publication) *ServerMessage {
	return &ServerMessage{Kind: MessageLogEntry, LogEntry: &LogEntryMessage{Publications: publications}}
}

// EncodeServerMessage serializes a ServerMessage to CBOR for a binary frame.
func EncodeServerMessage(msg *ServerMessage) ([]byte, error) {
	return cbor.Marshal(msg)
}

// DecodeServerMessage is the reverse of EncodeServerMessage, used by
// tests and by any non-broker consumer of the protocol.
func DecodeServerMessage(data []byte) (*ServerMessage, error) {
	var msg ServerMessage
	if err := cbor.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode server message: %w", err)
	}
	return &msg, nil
}

// errorFrame is the informational, non-union payload used to report a
// client input or subscription error back to the originating client.
// Clients are not required to parse it (§7). Its text key "error" lies
// outside the ServerMessage union's integer keys, so decoding one as a
// ServerMessage yields Kind MessageUnknown with no payload.
type errorFrame struct {
	Error string `cbor:"error"`
}

// EncodeError encodes the textual form of an error as its own binary
// frame body, distinct from the ServerMessage union.
func EncodeError(err error) ([]byte, error) {
	return cbor.Marshal(errorFrame{Error: err.Error()})
}
