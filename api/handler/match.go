package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ddevcap/matchsync/api/middleware"
	"github.com/ddevcap/matchsync/cache"
	"github.com/ddevcap/matchsync/match"
	"github.com/ddevcap/matchsync/ratelimit"
)

// loadingRetry is suggested to callers that stopped waiting for a shared
// fetch which is still running.
const loadingRetry = 2 * time.Second

// Triggerer forwards an admitted reanalysis request upstream.
type Triggerer interface {
	TriggerReanalysis(ctx context.Context, id match.ItemID) error
}

// MatchHandler serves per-match detail, assets and reanalysis.
type MatchHandler struct {
	cache    *cache.Cache
	limiter  *ratelimit.Limiter
	upstream Triggerer
}

func NewMatchHandler(c *cache.Cache, l *ratelimit.Limiter, upstream Triggerer) *MatchHandler {
	return &MatchHandler{cache: c, limiter: l, upstream: upstream}
}

// GetDetail handles GET /api/match/:id.
// Query: date and view are forwarded upstream as hints; refresh=1 bypasses
// the cached detail.
func (h *MatchHandler) GetDetail(c *gin.Context) {
	id, ok := itemIDParam(c)
	if !ok {
		return
	}
	hintView, err := match.ParseDetailView(c.Query("view"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	hints := match.DetailHints{Date: c.Query("date"), View: hintView}

	var res cache.DetailResult
	if truthy(c.Query("refresh")) {
		res = h.cache.RefreshDetail(c.Request.Context(), id, hints)
	} else {
		res = h.cache.GetOrFetchDetail(c.Request.Context(), id, hints)
	}

	switch res.State {
	case cache.StateReady:
		c.JSON(http.StatusOK, res.Detail)
	case cache.StatePending:
		respondPending(c, res.Pending)
	case cache.StateLoading:
		respondLoading(c)
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "Match analysis not available yet"})
	}
}

// GetAssets handles GET /api/match/:id/assets.
func (h *MatchHandler) GetAssets(c *gin.Context) {
	id, ok := itemIDParam(c)
	if !ok {
		return
	}
	res := h.cache.GetOrFetchAssets(c.Request.Context(), id, match.DetailHints{Date: c.Query("date")})

	switch res.State {
	case cache.StateReady:
		c.JSON(http.StatusOK, res.Assets)
	case cache.StatePending:
		respondPending(c, res.Pending)
	case cache.StateLoading:
		respondLoading(c)
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "Match assets not available yet"})
	}
}

// GetLimit handles GET /api/match/:id/limit: whether a reanalysis would be
// admitted now.
func (h *MatchHandler) GetLimit(c *gin.Context) {
	id, ok := itemIDParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.limiter.GetLimitInfo(id, time.Now()))
}

// Reanalyze handles POST /api/match/:id/reanalyze. The admin key and rate
// limit middlewares run first; by the time this runs the trigger is
// registered. A failed forward keeps the registration.
func (h *MatchHandler) Reanalyze(c *gin.Context) {
	id, ok := itemIDParam(c)
	if !ok {
		return
	}
	if err := h.upstream.TriggerReanalysis(c.Request.Context(), id); err != nil {
		slog.Warn("reanalysis forward failed", "match_id", id, "error", err)
		respondFetchError(c, err)
		return
	}
	slog.Info("reanalysis triggered", "match_id", id)

	next := time.Now().Add(h.limiter.Interval())
	if raw, ok := c.Get(middleware.ContextKeyTrigger); ok {
		if d, ok := raw.(ratelimit.Decision); ok {
			next = d.NextAllowedAt.Add(h.limiter.Interval())
		}
	}
	c.JSON(http.StatusAccepted, gin.H{
		"status":        match.JobPending,
		"matchId":       id,
		"nextAllowedAt": next,
	})
}

func respondPending(c *gin.Context, job *match.PendingJob) {
	setRetryAfter(c, job.SuggestedWait())
	c.JSON(http.StatusAccepted, job)
}

func respondLoading(c *gin.Context) {
	setRetryAfter(c, loadingRetry)
	c.JSON(http.StatusAccepted, gin.H{"status": cache.StateLoading})
}
