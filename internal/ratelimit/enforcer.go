package ratelimit

import (
	"fmt"

	"github.com/ppiankov/aegisforge/internal/model"
)

// CheckResult is the outcome of a rate limit check.
type CheckResult struct {
	Exceeded bool
	Metric   model.Metric
	Rate     float64
	Limit    float64
	Reason   string
}

// Check compares the tracked rate of m against limit.
func Check(t *Tracker, m model.Metric, limit Limit) CheckResult {
	if t == nil || !limit.Active() {
		return CheckResult{}
	}

	rate := t.Rate(m, limit.Window)
	if rate > limit.PerSecond {
		return CheckResult{
			Exceeded: true,
			Metric:   m,
			Rate:     rate,
			Limit:    limit.PerSecond,
			Reason: fmt.Sprintf("rate limit exceeded: %s %.1f/s > %.1f/s over %s",
				m, rate, limit.PerSecond, limit.Window),
		}
	}
	return CheckResult{Metric: m, Rate: rate, Limit: limit.PerSecond}
}
