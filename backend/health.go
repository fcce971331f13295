package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	// Default interval between health checks.
	defaultHealthInterval = 30 * time.Second
	// Timeout for a single health-check ping.
	healthCheckTimeout = 5 * time.Second
	// healthPath is pinged on the upstream. Any answer below 500 counts as
	// reachable: the process is up even if it has no dedicated health route.
	healthPath = "/api/health"
	// Live request failures in a row that mark the upstream unavailable
	// before the next periodic check.
	consecutiveRequestFailuresThreshold = 5
)

// HealthStatus is a snapshot of the upstream's availability.
type HealthStatus struct {
	Available    bool      `json:"available"`
	LastChecked  time.Time `json:"last_checked"`
	LastError    string    `json:"last_error,omitempty"`
	FailureCount int       `json:"failure_count"`
}

// HealthChecker periodically pings the upstream and tracks whether it is
// reachable. The readiness probe reports its state.
type HealthChecker struct {
	client   *Client
	interval time.Duration

	mu     sync.RWMutex
	status HealthStatus

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthChecker creates a health checker bound to client.
// Call Start() to begin background checking.
func NewHealthChecker(client *Client, interval time.Duration) *HealthChecker {
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	return &HealthChecker{
		client:   client,
		interval: interval,
		status:   HealthStatus{Available: true},
		done:     make(chan struct{}),
	}
}

// Start begins the background health-check loop. It runs an immediate check
// on startup, then repeats at the configured interval. Safe to call once.
func (hc *HealthChecker) Start(ctx context.Context) {
	ctx, hc.cancel = context.WithCancel(ctx)

	go func() {
		defer close(hc.done)

		hc.check(ctx)

		ticker := time.NewTicker(hc.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				hc.check(ctx)
			}
		}
	}()
}

// Stop signals the health-check loop to stop and waits for it to finish.
func (hc *HealthChecker) Stop() {
	if hc.cancel != nil {
		hc.cancel()
		<-hc.done
	}
}

// IsAvailable reports whether the upstream is considered reachable. Before
// the first check it is assumed available.
func (hc *HealthChecker) IsAvailable() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.status.Available
}

// Status returns a snapshot of the current health state.
func (hc *HealthChecker) Status() HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.status
}

// RecordRequestFailure records a failed live request. After
// consecutiveRequestFailuresThreshold failures in a row the upstream is
// marked unavailable until the next successful health check.
func (hc *HealthChecker) RecordRequestFailure() {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.status.FailureCount++
	if hc.status.FailureCount >= consecutiveRequestFailuresThreshold && hc.status.Available {
		slog.Warn("circuit breaker: upstream marked unavailable after repeated request failures",
			"failures", hc.status.FailureCount)
		hc.status.Available = false
	}
}

// RecordRequestSuccess resets the failure counter. Availability itself is
// only restored by the periodic check.
func (hc *HealthChecker) RecordRequestSuccess() {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if hc.status.Available {
		hc.status.FailureCount = 0
	}
}

func (hc *HealthChecker) check(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, hc.client.BaseURL()+healthPath, nil)
	if err != nil {
		hc.recordResult(fmt.Errorf("bad url: %w", err))
		return
	}

	resp, err := hc.client.http.Do(req)
	if err != nil {
		hc.recordResult(err)
		return
	}
	_ = resp.Body.Close()

	if resp.StatusCode < 500 {
		hc.recordResult(nil)
	} else {
		hc.recordResult(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// recordResult updates the status after a periodic check. The upstream is
// marked unavailable after 2 consecutive failures and available again on the
// first success.
func (hc *HealthChecker) recordResult(err error) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.status.LastChecked = time.Now()

	if err == nil {
		if !hc.status.Available {
			slog.Info("upstream came back online", "url", hc.client.BaseURL())
		}
		hc.status.Available = true
		hc.status.FailureCount = 0
		hc.status.LastError = ""
		return
	}

	hc.status.FailureCount++
	hc.status.LastError = err.Error()

	if hc.status.FailureCount >= 2 && hc.status.Available {
		slog.Warn("upstream marked unavailable",
			"url", hc.client.BaseURL(),
			"failures", hc.status.FailureCount, "error", err)
		hc.status.Available = false
	}
}
