package ratelimit

import (
	"testing"

	"github.com/google/uuid"
)

func TestAllowWithinBurstSucceeds(t *testing.T) {
	l := New(1, 3)
	clientID := uuid.New()
	for i := 0; i < 3; i++ {
		if !l.Allow(clientID) {
			t.Fatalf("expected request %d within burst to be allowed", i)
		}
	}
}

func TestAllowBeyondBurstIsRejected(t *testing.T) {
	l := New(1, 2)
	clientID := uuid.New()
	l.Allow(clientID)
	l.Allow(clientID)
	if l.Allow(clientID) {
		t.Fatal("expected third immediate request to exceed burst")
	}
}

func TestBucketsAreIndependentPerClient(t *testing.T) {
	l := New(1, 1)
	a, b := uuid.New(), uuid.New()
	if !l.Allow(a) {
		t.Fatal("expected first request from a to be allowed")
	}
	if !l.Allow(b) {
		t.Fatal("expected first request from b to be allowed regardless of a's state")
	}
}

func TestRemoveResetsClientBucket(t *testing.T) {
	l := New(1, 1)
	clientID := uuid.New()
	l.Allow(clientID)
	if l.Allow(clientID) {
		t.Fatal("expected burst of 1 to reject a second immediate request")
	}
	l.Remove(clientID)
	if !l.Allow(clientID) {
		t.Fatal("expected a fresh bucket to allow after Remove")
	}
}
