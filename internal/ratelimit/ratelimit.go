// Package ratelimit gates SubmitPublication commands per client with a
// token bucket, so one noisy connection cannot starve the Broker's
// single mailbox for every other client.
package ratelimit

import (
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Limiter tracks one token bucket per client, created lazily on first
// use and discarded on disconnect.
type Limiter struct {
	rate  rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[uuid.UUID]*rate.Limiter
}

// New builds a Limiter granting ratePerSecond sustained submissions
// per client with burstSize allowed instantaneously.
func New(ratePerSecond float64, burstSize int) *Limiter {
	return &Limiter{
		rate:    rate.Limit(ratePerSecond),
		burst:   burstSize,
		buckets: make(map[uuid.UUID]*rate.Limiter),
	}
}

// Allow reports whether clientID may submit now, consuming a token if so.
func (l *Limiter) Allow(clientID uuid.UUID) bool {
	l.mu.Lock()
	bucket, ok := l.buckets[clientID]
	if !ok {
		bucket = rate.NewLimiter(l.rate, l.burst)
		l.buckets[clientID] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}

// Remove discards clientID's bucket on disconnect, so memory does not
// grow with every connection the process has ever seen.
func (l *Limiter) Remove(clientID uuid.UUID) {
	l.mu.Lock()
	delete(l.buckets, clientID)
	l.mu.Unlock()
}
