// Package views owns the fixture list of every view: one in-flight request
// per view at a time, a status per view, and the latest successful list.
package views

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ddevcap/matchsync/freshness"
	"github.com/ddevcap/matchsync/match"
	"github.com/ddevcap/matchsync/store"
)

// ErrSuperseded is returned by a request that a newer request for the same
// view (or CancelView) canceled. Its outcome was discarded.
var ErrSuperseded = errors.New("views: request superseded")

// persistTimeout bounds a single list write to the store.
const persistTimeout = 2 * time.Second

// Status of a view.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusError   Status = "error"
)

// Snapshot is the externally visible state of a view.
type Snapshot struct {
	View      match.ViewKey       `json:"view"`
	Status    Status              `json:"status"`
	Error     string              `json:"error,omitempty"`
	List      *match.ListResource `json:"list,omitempty"`
	FetchedAt time.Time           `json:"fetchedAt,omitzero"`
	Stale     bool                `json:"stale"`
	ExpiresAt *time.Time          `json:"expiresAt,omitempty"`
}

// Lister is the part of the upstream client the controller needs.
type Lister interface {
	FetchList(ctx context.Context, view match.ViewKey) (*match.ListResource, error)
}

// Notifier is told about every state transition of a view.
type Notifier interface {
	ViewUpdated(snap Snapshot)
}

type viewState struct {
	status    Status
	err       error
	list      *match.ListResource
	fetchedAt time.Time

	// cancel and done belong to the in-flight request, nil when idle.
	// done is closed when that request settles or is superseded.
	cancel context.CancelFunc
	done   chan struct{}
}

// Controller is created once at startup and shared by every consumer.
type Controller struct {
	lister   Lister
	store    store.Store
	notifier Notifier
	onList   func(*match.ListResource)
	ttl      time.Duration
	now      func() time.Time

	mu    sync.Mutex
	views map[match.ViewKey]*viewState
}

type Option func(*Controller)

// WithStore persists every successful list and lets Restore load them back.
func WithStore(s store.Store) Option {
	return func(c *Controller) { c.store = s }
}

// WithNotifier registers the receiver of state transitions.
func WithNotifier(n Notifier) Option {
	return func(c *Controller) { c.notifier = n }
}

// WithListHook registers fn to run after every successful list fetch, e.g.
// to ingest summaries into the asset cache.
func WithListHook(fn func(*match.ListResource)) Option {
	return func(c *Controller) { c.onList = fn }
}

// WithTTL sets how long a list is served by Load before it is refetched.
// 0 never expires lists.
func WithTTL(ttl time.Duration) Option {
	return func(c *Controller) { c.ttl = ttl }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func NewController(l Lister, opts ...Option) *Controller {
	c := &Controller{
		lister: l,
		now:    time.Now,
		views:  make(map[match.ViewKey]*viewState),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestView cancels any request in flight for view and starts a new one.
// It blocks until the new request settles. When a later request supersedes
// this one, ErrSuperseded is returned and nothing is recorded.
func (c *Controller) RequestView(ctx context.Context, view match.ViewKey) (Snapshot, error) {
	c.mu.Lock()
	reqCtx, snap := c.beginLocked(ctx, view)
	c.mu.Unlock()
	c.notify(snap)

	return c.run(reqCtx, view)
}

// RefreshView is RequestView invoked on demand, e.g. pull-to-refresh.
func (c *Controller) RefreshView(ctx context.Context, view match.ViewKey) (Snapshot, error) {
	return c.RequestView(ctx, view)
}

// Load returns the current list when it is still fresh, joins the request
// in flight when there is one, and otherwise starts a request. Unlike
// RequestView it never cancels another caller's request.
func (c *Controller) Load(ctx context.Context, view match.ViewKey) (Snapshot, error) {
	c.mu.Lock()
	st := c.stateLocked(view)
	switch {
	case st.status == StatusLoading:
		c.mu.Unlock()
		return c.Wait(ctx, view)
	case st.list != nil && !c.staleLocked(st):
		snap := c.snapshotLocked(view, st)
		c.mu.Unlock()
		return snap, nil
	}
	reqCtx, snap := c.beginLocked(ctx, view)
	c.mu.Unlock()
	c.notify(snap)

	snap, err := c.run(reqCtx, view)
	if errors.Is(err, ErrSuperseded) {
		return c.Wait(ctx, view)
	}
	return snap, err
}

// Wait blocks until view is no longer loading, following any request that
// supersedes the current one. The returned error is the view's error, if any.
func (c *Controller) Wait(ctx context.Context, view match.ViewKey) (Snapshot, error) {
	for {
		c.mu.Lock()
		st := c.stateLocked(view)
		if st.status != StatusLoading {
			snap := c.snapshotLocked(view, st)
			err := st.err
			c.mu.Unlock()
			return snap, err
		}
		done := st.done
		c.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return c.Snapshot(view), ctx.Err()
		}
	}
}

// CancelView aborts the request in flight for view, if any. The view goes
// back to idle and keeps its last list.
func (c *Controller) CancelView(view match.ViewKey) {
	c.mu.Lock()
	st := c.stateLocked(view)
	if st.cancel == nil {
		c.mu.Unlock()
		return
	}
	c.abortLocked(st)
	st.status = StatusIdle
	snap := c.snapshotLocked(view, st)
	c.mu.Unlock()
	c.notify(snap)
}

// Snapshot returns the current state of view.
func (c *Controller) Snapshot(view match.ViewKey) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(view, c.stateLocked(view))
}

// Close cancels every request in flight.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range c.views {
		if st.cancel != nil {
			c.abortLocked(st)
			st.status = StatusIdle
		}
	}
}

// Restore loads persisted lists for views that have none yet. Missing or
// unreadable entries are skipped.
func (c *Controller) Restore(ctx context.Context) {
	if c.store == nil {
		return
	}
	for _, view := range match.Views() {
		raw, ok, err := c.store.Get(ctx, storeKey(view))
		if err != nil {
			slog.Warn("list store read failed", "view", view, "error", err)
			continue
		}
		if !ok {
			continue
		}
		var p persisted
		if err := json.Unmarshal([]byte(raw), &p); err != nil || p.List == nil {
			slog.Warn("discarding unreadable persisted list", "view", view, "error", err)
			continue
		}
		c.mu.Lock()
		st := c.stateLocked(view)
		if st.list == nil && st.status != StatusLoading {
			st.list = p.List
			st.fetchedAt = p.FetchedAt
		}
		c.mu.Unlock()
		if c.onList != nil {
			c.onList(p.List)
		}
		slog.Info("restored persisted list", "view", view, "matches", len(p.List.Matches))
	}
}

// beginLocked supersedes the request in flight for view and registers a new
// one. The new request is detached from ctx's cancellation: only a newer
// request, CancelView or Close may cancel it.
func (c *Controller) beginLocked(ctx context.Context, view match.ViewKey) (context.Context, Snapshot) {
	st := c.stateLocked(view)
	c.abortLocked(st)

	reqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	st.cancel = cancel
	st.done = make(chan struct{})
	st.status = StatusLoading
	return reqCtx, c.snapshotLocked(view, st)
}

func (c *Controller) run(reqCtx context.Context, view match.ViewKey) (Snapshot, error) {
	list, err := c.lister.FetchList(reqCtx, view)

	c.mu.Lock()
	// reqCtx is only ever canceled under c.mu by whoever superseded it.
	if reqCtx.Err() != nil {
		c.mu.Unlock()
		return Snapshot{}, ErrSuperseded
	}
	st := c.stateLocked(view)
	st.cancel()
	st.cancel = nil
	close(st.done)
	st.done = nil
	if err != nil {
		st.status = StatusError
		st.err = err
	} else {
		st.status = StatusIdle
		st.err = nil
		st.list = list
		st.fetchedAt = c.now()
	}
	snap := c.snapshotLocked(view, st)
	c.mu.Unlock()
	c.notify(snap)

	if err != nil {
		slog.Warn("list fetch failed", "view", view, "error", err)
		return snap, err
	}
	c.persist(view, list, snap.FetchedAt)
	if c.onList != nil {
		c.onList(list)
	}
	return snap, nil
}

func (c *Controller) abortLocked(st *viewState) {
	if st.cancel == nil {
		return
	}
	st.cancel()
	st.cancel = nil
	close(st.done)
	st.done = nil
}

func (c *Controller) stateLocked(view match.ViewKey) *viewState {
	st, ok := c.views[view]
	if !ok {
		st = &viewState{status: StatusIdle}
		c.views[view] = st
	}
	return st
}

// producedAt prefers the upstream's own timestamp over the local
// fetch time.
func producedAt(st *viewState) string {
	if st.list != nil && st.list.GeneratedAt != "" {
		return st.list.GeneratedAt
	}
	if st.fetchedAt.IsZero() {
		return ""
	}
	return st.fetchedAt.UTC().Format(time.RFC3339Nano)
}

func (c *Controller) staleLocked(st *viewState) bool {
	return freshness.IsStale(producedAt(st), c.ttl, c.now())
}

func (c *Controller) snapshotLocked(view match.ViewKey, st *viewState) Snapshot {
	snap := Snapshot{
		View:      view,
		Status:    st.status,
		List:      st.list,
		FetchedAt: st.fetchedAt,
	}
	if st.status == StatusError && st.err != nil {
		snap.Error = st.err.Error()
	}
	if st.list != nil {
		snap.Stale = c.staleLocked(st)
		if c.ttl > 0 {
			if at, ok := freshness.ExpiresAt(producedAt(st), c.ttl); ok {
				snap.ExpiresAt = &at
			}
		}
	}
	return snap
}

func (c *Controller) notify(snap Snapshot) {
	if c.notifier != nil {
		c.notifier.ViewUpdated(snap)
	}
}

type persisted struct {
	FetchedAt time.Time           `json:"fetchedAt"`
	List      *match.ListResource `json:"list"`
}

func storeKey(view match.ViewKey) string { return "list:" + string(view) }

func (c *Controller) persist(view match.ViewKey, list *match.ListResource, fetchedAt time.Time) {
	if c.store == nil {
		return
	}
	raw, err := json.Marshal(persisted{FetchedAt: fetchedAt, List: list})
	if err != nil {
		slog.Warn("list encode failed", "view", view, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.store.Set(ctx, storeKey(view), string(raw)); err != nil {
		slog.Warn("list store write failed", "view", view, "error", err)
	}
}
