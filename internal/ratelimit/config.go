package ratelimit

import "time"

// Limit is the rate bound of one rate_limit rule: at most PerSecond units of
// a counter metric, averaged over the trailing Window.
// Zero values mean no limit.
type Limit struct {
	PerSecond float64
	Window    time.Duration
}

// Active returns true if the limit is configured.
func (l Limit) Active() bool {
	return l.PerSecond > 0 && l.Window > 0
}
