package views

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ddevcap/matchsync/match"
)

// Refresher periodically refetches the date-relative views so their lists
// follow the upstream without a client asking. Views already loading are
// skipped for that tick.
type Refresher struct {
	ctrl     *Controller
	interval time.Duration
	views    []match.ViewKey
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewRefresher creates a refresher for today and tomorrow. An interval of 0
// or less disables the loop; Start and Stop are then no-ops.
func NewRefresher(ctrl *Controller, interval time.Duration) *Refresher {
	return &Refresher{
		ctrl:     ctrl,
		interval: interval,
		views:    []match.ViewKey{match.ViewToday, match.ViewTomorrow},
		done:     make(chan struct{}),
	}
}

// Start loads every view once, then repeats at the configured interval.
func (r *Refresher) Start(ctx context.Context) {
	if r.interval <= 0 {
		close(r.done)
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	go func() {
		defer close(r.done)

		r.refresh(ctx)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.refresh(ctx)
			}
		}
	}()
}

// Stop signals the loop to stop and waits for it.
func (r *Refresher) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
}

func (r *Refresher) refresh(ctx context.Context) {
	for _, view := range r.views {
		if ctx.Err() != nil {
			return
		}
		if r.ctrl.Snapshot(view).Status == StatusLoading {
			continue
		}
		snap, err := r.ctrl.RequestView(ctx, view)
		switch {
		case errors.Is(err, ErrSuperseded):
			slog.Debug("scheduled refresh superseded", "view", view)
		case err != nil:
			// Already logged by the controller.
		default:
			matches := 0
			if snap.List != nil {
				matches = len(snap.List.Matches)
			}
			slog.Debug("scheduled refresh done", "view", view, "matches", matches)
		}
	}
}
