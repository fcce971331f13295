package handler

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ddevcap/matchsync/backend"
	"github.com/ddevcap/matchsync/match"
)

// itemIDParam parses the :id route parameter, writing 400 on failure.
func itemIDParam(c *gin.Context) (match.ItemID, bool) {
	id, err := match.ParseItemID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return 0, false
	}
	return id, true
}

// viewParam validates a list view key, writing 400 on failure. An empty key
// means today.
func viewParam(c *gin.Context, raw string) (match.ViewKey, bool) {
	if raw == "" {
		return match.ViewToday, true
	}
	view, err := match.ParseViewKey(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return view, true
}

// fetchErrorStatus maps a classified upstream failure to a response status.
func fetchErrorStatus(err error) int {
	switch backend.KindOf(err) {
	case backend.KindTimeout:
		return http.StatusGatewayTimeout
	case backend.KindNetwork, backend.KindUpstream:
		return http.StatusBadGateway
	case backend.KindCanceled:
		return http.StatusServiceUnavailable
	}
	// The caller stopped waiting for a request that is still running.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

func respondFetchError(c *gin.Context, err error) {
	c.JSON(fetchErrorStatus(err), gin.H{"error": err.Error()})
}

// setRetryAfter writes d as whole seconds, rounded up, never below one.
func setRetryAfter(c *gin.Context, d time.Duration) {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	c.Header("Retry-After", strconv.FormatInt(secs, 10))
}

// truthy reports whether a query flag such as ?refresh=1 is set.
func truthy(s string) bool {
	b, err := strconv.ParseBool(s)
	return err == nil && b
}
