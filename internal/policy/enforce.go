package policy

import (
	"fmt"
	"time"

	"github.com/ppiankov/aegisforge/internal/model"
	"github.com/ppiankov/aegisforge/internal/ratelimit"
)

// EnforcementError is returned when a genome blocks a run.
type EnforcementError struct {
	Decision Decision
}

func (e *EnforcementError) Error() string {
	return fmt.Sprintf("enforcement blocked (%s): %s", e.Decision.PolicyID, e.Decision.Reason)
}

// Enforcer applies one genome to one run. It owns the run's rate-limit
// history, so every run needs its own Enforcer.
type Enforcer struct {
	genome  model.Genome
	tracker *ratelimit.Tracker
	last    Decision
	checks  int
}

// NewEnforcer creates an enforcer for g with a fresh counter history.
func NewEnforcer(g model.Genome) *Enforcer {
	horizon := time.Second
	for _, r := range g.Rules {
		if w := time.Duration(r.WindowMS) * time.Millisecond; w > horizon {
			horizon = w
		}
	}
	return &Enforcer{
		genome:  g,
		tracker: ratelimit.NewTracker(horizon),
	}
}

// Admit evaluates the genome before the target starts, against an all-zero
// observation. A genome whose rules block an idle process never lets it run.
func (e *Enforcer) Admit() error {
	return e.check(Evaluate(e.genome, model.Sample{}, nil))
}

// Observe feeds one sample and returns an *EnforcementError if the genome
// blocks at this point of the run.
func (e *Enforcer) Observe(s model.Sample) error {
	e.tracker.Observe(s)
	return e.check(Evaluate(e.genome, s, e.tracker))
}

// Checks returns how many observations (including admission) were evaluated.
func (e *Enforcer) Checks() int {
	return e.checks
}

// Last returns the most recent decision.
func (e *Enforcer) Last() Decision {
	return e.last
}

func (e *Enforcer) check(d Decision) error {
	e.checks++
	e.last = d
	if d.Action == model.Block {
		return &EnforcementError{Decision: d}
	}
	return nil
}
