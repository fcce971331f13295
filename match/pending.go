package match

import "time"

// Status values of a queued analysis.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
)

// pollStep is the suggested wait per queue position when the upstream gives
// no Retry-After guidance.
const pollStep = 15 * time.Second

// PendingJob is returned instead of a detail while the upstream has the
// analysis queued or running. It is never stored as the match's detail.
type PendingJob struct {
	Status        string `json:"status"`
	Message       string `json:"message,omitempty"`
	MatchID       ItemID `json:"matchId"`
	QueuePosition int    `json:"queuePosition"`
	// RetryAfter is the upstream's Retry-After guidance, zero when absent.
	RetryAfter time.Duration `json:"-"`
}

// SuggestedWait is how long a caller should back off before polling again.
func (p *PendingJob) SuggestedWait() time.Duration {
	if p.RetryAfter > 0 {
		return p.RetryAfter
	}
	return pollStep * time.Duration(max(1, p.QueuePosition))
}
