package wire

import (
	"errors"
	"reflect"
	"testing"

	"github.com/google/uuid"
)

func TestClientCommandRoundTrip(t *testing.T) {
	subID := uuid.New()
	cases := []*ClientCommand{
		NewGetLogIndexCommand(subID),
		NewGetLogEntriesCommand(subID, []uuid.UUID{uuid.New(), uuid.New()}),
		NewSubscribeCommand(subID),
		NewUnsubscribeCommand(subID),
		NewSubmitPublicationCommand(subID, []byte{0x48, 0x65, 0x6c, 0x6c, 0x6f}),
	}

	for _, want := range cases {
		data, err := EncodeClientCommand(want)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		got, err := DecodeClientCommand(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !reflect.DeepEqual(want, got) {
			t.Fatalf("round trip mismatch: want %+v, got %+v", want, got)
		}
	}
}

func TestDecodeClientCommandRejectsMismatchedKind(t *testing.T) {
	// Kind says Subscribe but no Subscribe payload is set.
	raw, err := EncodeClientCommand(&ClientCommand{Kind: CommandSubscribe})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeClientCommand(raw); err == nil {
		t.Fatal("expected error decoding command with missing payload")
	}
}

func TestServerMessageRoundTrip(t *testing.T) {
	subID, pubID := uuid.New(), uuid.New()
	cases := []*ServerMessage{
		NewIssueMessage(subID, pubID),
		NewLogIndexMessage(subID, []uuid.UUID{pubID}),
		NewLogEntryMessage([]Publication{{PublicationID: pubID, SubscriptionID: subID, Data: []byte{1, 2, 3}}}),
	}

	for _, want := range cases {
		data, err := EncodeServerMessage(want)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		got, err := DecodeServerMessage(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !reflect.DeepEqual(want, got) {
			t.Fatalf("round trip mismatch: want %+v, got %+v", want, got)
		}
	}
}

func TestEncodeErrorIsIndependentOfServerMessage(t *testing.T) {
	data, err := EncodeError(errors.New("publishing error: unknown subscription"))
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	if _, err := DecodeServerMessage(data); err != nil {
		t.Fatalf("error frame should still be a valid cbor map: %v", err)
	}
}
