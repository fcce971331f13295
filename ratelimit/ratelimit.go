// Package ratelimit bounds how often a match may have its analysis
// recomputed. It only keeps bookkeeping: the API boundary decides whether to
// reject a trigger based on the returned Decision.
package ratelimit

import (
	"sync"
	"time"

	"github.com/ddevcap/matchsync/match"
	"github.com/jellydator/ttlcache/v3"
)

// DefaultInterval is the minimum time between two triggers for one match.
const DefaultInterval = 15 * time.Minute

// Decision is the outcome of checking a match against the limiter.
type Decision struct {
	Allowed       bool      `json:"allowed"`
	RemainingMs   int64     `json:"remainingMs"`
	NextAllowedAt time.Time `json:"nextAllowedAt"`
}

// Limiter records the last trigger time per match.
//
// By default records are never evicted; the set of matches is small and
// short-lived compared to the process. WithMaxEntries bounds the store with
// least-recently-used eviction for deployments with many matches.
type Limiter struct {
	interval time.Duration

	mu   sync.Mutex // serialises TryTrigger's check-then-register
	last *ttlcache.Cache[match.ItemID, time.Time]
}

type Option func(*options)

type options struct {
	maxEntries uint64
}

// WithMaxEntries caps the number of tracked matches. 0 keeps the store
// unbounded.
func WithMaxEntries(n uint64) Option {
	return func(o *options) { o.maxEntries = n }
}

// New creates a limiter. A non-positive interval falls back to
// DefaultInterval.
func New(interval time.Duration, opts ...Option) *Limiter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	cacheOpts := []ttlcache.Option[match.ItemID, time.Time]{
		ttlcache.WithTTL[match.ItemID, time.Time](ttlcache.NoTTL),
	}
	if o.maxEntries > 0 {
		cacheOpts = append(cacheOpts, ttlcache.WithCapacity[match.ItemID, time.Time](o.maxEntries))
	}
	return &Limiter{
		interval: interval,
		last:     ttlcache.New[match.ItemID, time.Time](cacheOpts...),
	}
}

// Interval returns the configured minimum interval.
func (l *Limiter) Interval() time.Duration { return l.interval }

// CanTrigger reports whether id may be recomputed at now.
func (l *Limiter) CanTrigger(id match.ItemID, now time.Time) Decision {
	last, ok := l.lastTrigger(id)
	if !ok {
		return Decision{Allowed: true, NextAllowedAt: now}
	}
	elapsed := now.Sub(last)
	if elapsed >= l.interval {
		return Decision{Allowed: true, NextAllowedAt: now}
	}
	remaining := l.interval - elapsed
	return Decision{
		Allowed:       false,
		RemainingMs:   remaining.Milliseconds(),
		NextAllowedAt: last.Add(l.interval),
	}
}

// GetLimitInfo is CanTrigger for status displays. It never mutates state.
func (l *Limiter) GetLimitInfo(id match.ItemID, now time.Time) Decision {
	return l.CanTrigger(id, now)
}

// RegisterTrigger records now as the last trigger time for id,
// unconditionally.
func (l *Limiter) RegisterTrigger(id match.ItemID, now time.Time) {
	l.last.Set(id, now, ttlcache.NoTTL)
}

// TryTrigger checks and registers atomically. The returned decision is the
// one taken before registering; nothing is recorded when it is not allowed.
func (l *Limiter) TryTrigger(id match.ItemID, now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	d := l.CanTrigger(id, now)
	if d.Allowed {
		l.RegisterTrigger(id, now)
	}
	return d
}

// Len returns the number of tracked matches.
func (l *Limiter) Len() int { return l.last.Len() }

func (l *Limiter) lastTrigger(id match.ItemID) (time.Time, bool) {
	item := l.last.Get(id, ttlcache.WithDisableTouchOnHit[match.ItemID, time.Time]())
	if item == nil {
		return time.Time{}, false
	}
	return item.Value(), true
}
