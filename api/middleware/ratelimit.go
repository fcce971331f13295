package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ddevcap/matchsync/match"
	"github.com/ddevcap/matchsync/ratelimit"
)

// ContextKeyTrigger holds the ratelimit.Decision of an admitted trigger.
const ContextKeyTrigger = "trigger_decision"

// TriggerRateLimit admits at most one reanalysis per match id per limiter
// interval. The id is read from the :param route parameter. Rejected
// requests get 429 with the remaining wait; admitted ones are registered
// before the handler runs.
func TriggerRateLimit(l *ratelimit.Limiter, param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := match.ParseItemID(c.Param(param))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		d := l.TryTrigger(id, time.Now())
		if !d.Allowed {
			c.Header("Retry-After", strconv.FormatInt(retryAfterSeconds(d.RemainingMs), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":         "Reanalysis was requested recently. Please try again later.",
				"remainingMs":   d.RemainingMs,
				"nextAllowedAt": d.NextAllowedAt,
			})
			return
		}
		c.Set(ContextKeyTrigger, d)
		c.Next()
	}
}

// retryAfterSeconds rounds up so clients never retry early.
func retryAfterSeconds(ms int64) int64 {
	return int64(math.Ceil(float64(ms) / 1000))
}
