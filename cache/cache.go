// Package cache keeps match details and their derived asset records in
// memory and makes sure at most one upstream request per match is in flight
// at any instant, whether it was started for the detail or for the assets.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ddevcap/matchsync/backend"
	"github.com/ddevcap/matchsync/freshness"
	"github.com/ddevcap/matchsync/match"
	"github.com/ddevcap/matchsync/store"
)

// persistTimeout bounds a single write-through to the store.
const persistTimeout = 2 * time.Second

// State tells callers what to render for a match.
type State string

const (
	// StateReady means data is available.
	StateReady State = "ready"
	// StatePending means the upstream has the analysis queued; poll again
	// after Pending.SuggestedWait().
	StatePending State = "pending"
	// StateLoading means the caller stopped waiting before the shared
	// request settled. The request keeps running and fills the cache.
	StateLoading State = "loading"
	// StateUnavailable means the fetch failed. The failure is logged, not
	// returned: there is nothing to show yet.
	StateUnavailable State = "unavailable"
)

// DetailResult is the outcome of a detail lookup. Detail may be set together
// with StatePending when a forced refresh found the analysis queued while an
// older detail is cached.
type DetailResult struct {
	State   State
	Detail  *match.Detail
	Pending *match.PendingJob
}

// AssetResult is the outcome of an asset lookup.
type AssetResult struct {
	State   State
	Assets  *match.AssetRecord
	Pending *match.PendingJob
}

// Fetcher is the part of the upstream client the cache needs.
type Fetcher interface {
	FetchDetail(ctx context.Context, id match.ItemID, hints match.DetailHints) (backend.DetailResponse, error)
}

// Notifier is told when an asset record actually changes.
type Notifier interface {
	AssetsChanged(rec match.AssetRecord)
}

// Cache is the process-wide detail and asset store. Create one at startup
// and inject it into every consumer.
type Cache struct {
	fetcher   Fetcher
	store     store.Store
	detailTTL time.Duration
	notifier  Notifier
	now       func() time.Time

	mu      sync.RWMutex
	details map[match.ItemID]*match.Detail
	assets  map[match.ItemID]match.AssetRecord

	// inflight holds one ticket per match id; every caller for the same id
	// attaches to it. Tickets are dropped when the fetch settles, whatever
	// the outcome.
	inflight singleflight.Group
}

type Option func(*Cache)

// WithStore enables write-through of details to s, and read-through of
// persisted details that are younger than ttl.
func WithStore(s store.Store, ttl time.Duration) Option {
	return func(c *Cache) {
		c.store = s
		c.detailTTL = ttl
	}
}

// WithNotifier registers the receiver of asset change notifications.
func WithNotifier(n Notifier) Option {
	return func(c *Cache) { c.notifier = n }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func New(f Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fetcher: f,
		now:     time.Now,
		details: make(map[match.ItemID]*match.Detail),
		assets:  make(map[match.ItemID]match.AssetRecord),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetDetail reads the cache without fetching.
func (c *Cache) GetDetail(id match.ItemID) (*match.Detail, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.details[id]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// GetAssets reads the asset cache without fetching or deriving.
func (c *Cache) GetAssets(id match.ItemID) (match.AssetRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.assets[id]
	return rec, ok
}

// GetOrFetchDetail returns the cached detail, or joins or starts the shared
// upstream request for id.
func (c *Cache) GetOrFetchDetail(ctx context.Context, id match.ItemID, hints match.DetailHints) DetailResult {
	if d, ok := c.GetDetail(id); ok {
		return DetailResult{State: StateReady, Detail: d}
	}
	return c.detailResult(ctx, id, hints, false)
}

// RefreshDetail fetches id even when a detail is cached. A pending answer
// leaves the cached detail in place and is returned alongside it.
func (c *Cache) RefreshDetail(ctx context.Context, id match.ItemID, hints match.DetailHints) DetailResult {
	return c.detailResult(ctx, id, hints, true)
}

func (c *Cache) detailResult(ctx context.Context, id match.ItemID, hints match.DetailHints, force bool) DetailResult {
	resp, err := c.fetchShared(ctx, id, hints, force)
	switch {
	case errors.Is(err, errCallerGone):
		return DetailResult{State: StateLoading}
	case err != nil:
		cached, _ := c.GetDetail(id)
		if cached != nil {
			return DetailResult{State: StateReady, Detail: cached}
		}
		return DetailResult{State: StateUnavailable}
	case resp.Pending != nil:
		cached, _ := c.GetDetail(id)
		return DetailResult{State: StatePending, Pending: resp.Pending, Detail: cached}
	}
	return DetailResult{State: StateReady, Detail: resp.Detail.Clone()}
}

// GetOrFetchAssets returns the cached asset record, derives it from a
// cached detail, or attaches to the shared detail request for id. It never
// issues a request of its own.
func (c *Cache) GetOrFetchAssets(ctx context.Context, id match.ItemID, hints match.DetailHints) AssetResult {
	if rec, ok := c.GetAssets(id); ok {
		return AssetResult{State: StateReady, Assets: &rec}
	}
	if d, ok := c.GetDetail(id); ok {
		rec := c.RecordAssets(d)
		return AssetResult{State: StateReady, Assets: &rec}
	}

	resp, err := c.fetchShared(ctx, id, hints, false)
	switch {
	case errors.Is(err, errCallerGone):
		return AssetResult{State: StateLoading}
	case err != nil:
		return AssetResult{State: StateUnavailable}
	case resp.Pending != nil:
		return AssetResult{State: StatePending, Pending: resp.Pending}
	}
	if rec, ok := c.GetAssets(id); ok {
		return AssetResult{State: StateReady, Assets: &rec}
	}
	rec := c.RecordAssets(resp.Detail)
	return AssetResult{State: StateReady, Assets: &rec}
}

// RecordDetail merges d into the cached detail for its id, refreshes the
// derived assets and persists the result. It returns the merged detail.
func (c *Cache) RecordDetail(d *match.Detail) *match.Detail {
	merged := c.record(d)
	c.persist(merged)
	return merged.Clone()
}

// RecordAssets derives the asset record of d and stores it. Empty derived
// fields keep their previous value. Nothing is written, and no notification
// sent, when the record is unchanged.
func (c *Cache) RecordAssets(d *match.Detail) match.AssetRecord {
	rec := match.DeriveAssets(d)

	c.mu.Lock()
	old, ok := c.assets[d.ID]
	if ok {
		keepIfEmpty(&rec.HomeName, old.HomeName)
		keepIfEmpty(&rec.AwayName, old.AwayName)
		keepIfEmpty(&rec.HomeLogo, old.HomeLogo)
		keepIfEmpty(&rec.AwayLogo, old.AwayLogo)
		if rec == old {
			c.mu.Unlock()
			return old
		}
	}
	c.assets[d.ID] = rec
	c.mu.Unlock()

	if c.notifier != nil {
		c.notifier.AssetsChanged(rec)
	}
	return rec
}

// RecordSummaries ingests the asset projection of list rows. Summaries are
// never stored as details.
func (c *Cache) RecordSummaries(list *match.ListResource) {
	for _, s := range list.Matches {
		c.RecordAssets(s.AsDetail())
	}
}

// Len returns the number of cached details and asset records.
func (c *Cache) Len() (details, assets int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.details), len(c.assets)
}

func keepIfEmpty(dst *string, old string) {
	if *dst == "" {
		*dst = old
	}
}

// record merges d into the detail map under the write lock and derives the
// assets of the merged result.
func (c *Cache) record(d *match.Detail) *match.Detail {
	c.mu.Lock()
	merged := d.Clone()
	if existing, ok := c.details[d.ID]; ok {
		merged = existing.Merge(d)
	}
	c.details[d.ID] = merged
	c.mu.Unlock()

	c.RecordAssets(merged)
	return merged
}

// errCallerGone is returned by fetchShared when the caller's context ended
// before the shared request settled.
var errCallerGone = errors.New("cache: caller stopped waiting")

// fetchShared attaches to the ticket for id or starts it. The request runs
// detached from the caller's cancellation, since other callers may share
// it; the upstream client bounds it with its own timeout.
func (c *Cache) fetchShared(ctx context.Context, id match.ItemID, hints match.DetailHints, force bool) (backend.DetailResponse, error) {
	ch := c.inflight.DoChan(id.String(), func() (any, error) {
		return c.fetch(context.WithoutCancel(ctx), id, hints, force)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return backend.DetailResponse{}, r.Err
		}
		return r.Val.(backend.DetailResponse), nil
	case <-ctx.Done():
		return backend.DetailResponse{}, errCallerGone
	}
}

func (c *Cache) fetch(ctx context.Context, id match.ItemID, hints match.DetailHints, force bool) (backend.DetailResponse, error) {
	if !force {
		// A ticket for id may have settled between the caller's cache
		// check and this one starting.
		if d, ok := c.GetDetail(id); ok {
			return backend.DetailResponse{Detail: d}, nil
		}
		if d, ok := c.restore(ctx, id); ok {
			return backend.DetailResponse{Detail: c.record(d).Clone()}, nil
		}
	}

	resp, err := c.fetcher.FetchDetail(ctx, id, hints)
	if err != nil {
		slog.Warn("detail fetch failed",
			"match_id", id, "kind", backend.KindOf(err).String(), "error", err)
		return backend.DetailResponse{}, err
	}
	if resp.Pending != nil {
		slog.Debug("detail pending",
			"match_id", id, "status", resp.Pending.Status, "queue_position", resp.Pending.QueuePosition)
		return resp, nil
	}
	return backend.DetailResponse{Detail: c.RecordDetail(resp.Detail)}, nil
}

// persisted is the store representation of a detail.
type persisted struct {
	ProducedAt string        `json:"producedAt"`
	Detail     *match.Detail `json:"detail"`
}

func storeKey(id match.ItemID) string { return "detail:" + id.String() }

// restore loads a persisted detail that is still fresh.
func (c *Cache) restore(ctx context.Context, id match.ItemID) (*match.Detail, bool) {
	if c.store == nil {
		return nil, false
	}
	raw, ok, err := c.store.Get(ctx, storeKey(id))
	if err != nil {
		slog.Warn("detail store read failed", "match_id", id, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var p persisted
	if err := json.Unmarshal([]byte(raw), &p); err != nil || p.Detail == nil {
		slog.Warn("discarding unreadable persisted detail", "match_id", id, "error", err)
		return nil, false
	}
	if freshness.IsStale(p.ProducedAt, c.detailTTL, c.now()) {
		return nil, false
	}
	p.Detail.ID = id
	return p.Detail, true
}

func (c *Cache) persist(d *match.Detail) {
	if c.store == nil {
		return
	}
	produced := d.ProducedAt()
	if produced == "" {
		produced = c.now().UTC().Format(time.RFC3339)
	}
	raw, err := json.Marshal(persisted{ProducedAt: produced, Detail: d})
	if err != nil {
		slog.Warn("detail encode failed", "match_id", d.ID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.store.Set(ctx, storeKey(d.ID), string(raw)); err != nil {
		slog.Warn("detail store write failed", "match_id", d.ID, "error", err)
	}
}
