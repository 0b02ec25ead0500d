package registry

import (
	"testing"

	"github.com/google/uuid"
)

func TestAddThenGet(t *testing.T) {
	r := New()
	clientID := uuid.New()
	outbox := make(chan []byte, 1)

	r.Add(clientID, outbox)

	got, ok := r.Get(clientID)
	if !ok {
		t.Fatal("expected registered client to be found")
	}
	if got == nil {
		t.Fatal("expected non-nil outbox")
	}
}

func TestGetUnknownClientNotFound(t *testing.T) {
	r := New()
	_, ok := r.Get(uuid.New())
	if ok {
		t.Fatal("expected unknown client to be not found")
	}
}

func TestRemoveUnknownClientIsNoOp(t *testing.T) {
	r := New()
	r.Remove(uuid.New()) // must not panic
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got len %d", r.Len())
	}
}

func TestAddReplacesExistingEntry(t *testing.T) {
	r := New()
	clientID := uuid.New()
	first := make(chan []byte, 1)
	second := make(chan []byte, 1)

	r.Add(clientID, first)
	r.Add(clientID, second)

	if r.Len() != 1 {
		t.Fatalf("expected a single entry after replace, got %d", r.Len())
	}
	got, _ := r.Get(clientID)
	got <- []byte("marker")
	select {
	case msg := <-second:
		if string(msg) != "marker" {
			t.Fatalf("unexpected message: %s", msg)
		}
	default:
		t.Fatal("expected replaced outbox to be the active one")
	}
}

func TestRemoveThenGetNotFound(t *testing.T) {
	r := New()
	clientID := uuid.New()
	r.Add(clientID, make(chan []byte, 1))
	r.Remove(clientID)

	if _, ok := r.Get(clientID); ok {
		t.Fatal("expected client to be removed")
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got len %d", r.Len())
	}
}
