package policy

import (
	"fmt"
	"time"

	"github.com/ppiankov/aegisforge/internal/model"
	"github.com/ppiankov/aegisforge/internal/ratelimit"
)

// Decision is the outcome of evaluating a genome against one observation.
// Rule is the index of the rule that fired, or -1 for the default action.
type Decision struct {
	Action   model.Action `json:"action"`
	Rule     int          `json:"rule"`
	PolicyID string       `json:"policy_id"`
	Reason   string       `json:"reason"`
}

// Evaluate interprets g against sample s.
//
// Rules are evaluated in order and the first rule that fires decides. When no
// rule fires the genome's default action applies, so every observation yields
// a defined action for a valid genome. tr carries the run's counter history
// for rate_limit rules and may be nil, in which case they never fire.
func Evaluate(g model.Genome, s model.Sample, tr *ratelimit.Tracker) Decision {
	for i, rule := range g.Rules {
		fired, reason := matchRule(rule, s, tr)
		if !fired {
			continue
		}
		return Decision{
			Action:   rule.Action,
			Rule:     i,
			PolicyID: rulePolicyID(i, rule),
			Reason:   reason,
		}
	}

	action := g.DefaultAction
	if !action.Valid() {
		// Unreachable for validated genomes; fail closed.
		action = model.Block
	}
	return Decision{
		Action:   action,
		Rule:     -1,
		PolicyID: "default." + string(action),
		Reason:   fmt.Sprintf("no rule fired, default %s", action),
	}
}

// matchRule reports whether rule fires for sample s.
func matchRule(rule model.Rule, s model.Sample, tr *ratelimit.Tracker) (bool, string) {
	v := s.Value(rule.Metric)

	switch rule.Kind {
	case model.KindThreshold:
		if v > rule.Max {
			return true, fmt.Sprintf("%s %.2f > %.2f", rule.Metric, v, rule.Max)
		}
	case model.KindAllow, model.KindBlock:
		if v >= rule.Min && v <= rule.Max {
			return true, fmt.Sprintf("%s %.2f in [%.2f, %.2f]", rule.Metric, v, rule.Min, rule.Max)
		}
	case model.KindRateLimit:
		limit := ratelimit.Limit{
			PerSecond: rule.Max,
			Window:    time.Duration(rule.WindowMS) * time.Millisecond,
		}
		if res := ratelimit.Check(tr, rule.Metric, limit); res.Exceeded {
			return true, res.Reason
		}
	}
	return false, ""
}

// rulePolicyID generates a stable identifier for a rule position.
func rulePolicyID(i int, rule model.Rule) string {
	return fmt.Sprintf("rule.%d.%s.%s", i, rule.Kind, rule.Metric)
}
