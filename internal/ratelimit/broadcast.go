package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// BroadcastLimiter throttles fan-out sends with one token bucket per peer so
// that a broadcast to many peers cannot saturate a single slow link. Buckets
// are created lazily on first use.
//
// A nil *BroadcastLimiter never throttles; NewBroadcastLimiter returns nil
// when perSecond is zero or negative.
type BroadcastLimiter struct {
	mu      sync.Mutex
	perPeer map[string]*rate.Limiter

	limit rate.Limit
	burst int
}

// NewBroadcastLimiter creates a limiter allowing perSecond sends per peer
// with the given burst. Returns nil (disabled) when perSecond <= 0.
// A burst below 1 is raised to 1 so a bucket can ever admit a send.
func NewBroadcastLimiter(perSecond float64, burst int) *BroadcastLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &BroadcastLimiter{
		perPeer: make(map[string]*rate.Limiter),
		limit:   rate.Limit(perSecond),
		burst:   burst,
	}
}

// Wait blocks until the peer's bucket has a token or ctx is done.
func (b *BroadcastLimiter) Wait(ctx context.Context, peerID string) error {
	if b == nil {
		return nil
	}
	return b.limiter(peerID).Wait(ctx)
}

// Allow reports whether the peer's bucket has a token available right now.
func (b *BroadcastLimiter) Allow(peerID string) bool {
	if b == nil {
		return true
	}
	return b.limiter(peerID).Allow()
}

func (b *BroadcastLimiter) limiter(peerID string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.perPeer[peerID]
	if !ok {
		l = rate.NewLimiter(b.limit, b.burst)
		b.perPeer[peerID] = l
	}
	return l
}

// Forget drops the bucket for peerID, releasing its state. Called when a
// peer is removed from the pool.
func (b *BroadcastLimiter) Forget(peerID string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	delete(b.perPeer, peerID)
	b.mu.Unlock()
}
