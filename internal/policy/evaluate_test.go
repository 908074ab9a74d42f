package policy

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/aegisforge/internal/model"
	"github.com/ppiankov/aegisforge/internal/ratelimit"
)

func cpuGuard(max float64) model.Genome {
	return model.Genome{
		ID:            "cpu-guard",
		DefaultAction: model.Allow,
		Rules: []model.Rule{
			{Kind: model.KindThreshold, Metric: model.MetricCPUPercent, Max: max, Action: model.Block},
		},
	}
}

func TestThresholdFiresAboveMax(t *testing.T) {
	g := cpuGuard(50)

	d := Evaluate(g, model.Sample{CPUPercent: 49}, nil)
	if d.Action != model.Allow || d.Rule != -1 {
		t.Errorf("49%% should fall through to default allow, got %+v", d)
	}

	d = Evaluate(g, model.Sample{CPUPercent: 51}, nil)
	if d.Action != model.Block || d.Rule != 0 {
		t.Errorf("51%% should be blocked by rule 0, got %+v", d)
	}
	if d.PolicyID != "rule.0.threshold.cpu_percent" {
		t.Errorf("policy id = %q", d.PolicyID)
	}
}

func TestThresholdAtMaxDoesNotFire(t *testing.T) {
	d := Evaluate(cpuGuard(50), model.Sample{CPUPercent: 50}, nil)
	if d.Action != model.Allow {
		t.Errorf("threshold is strict, got %+v", d)
	}
}

func TestFirstMatchWins(t *testing.T) {
	g := model.Genome{
		ID:            "ordered",
		DefaultAction: model.Block,
		Rules: []model.Rule{
			{Kind: model.KindAllow, Metric: model.MetricRSSBytes, Min: 0, Max: 1000, Action: model.Allow},
			{Kind: model.KindBlock, Metric: model.MetricRSSBytes, Min: 0, Max: 5000, Action: model.Block},
		},
	}

	if d := Evaluate(g, model.Sample{RSSBytes: 500}, nil); d.Action != model.Allow || d.Rule != 0 {
		t.Errorf("500 should match allow rule first, got %+v", d)
	}
	if d := Evaluate(g, model.Sample{RSSBytes: 2000}, nil); d.Action != model.Block || d.Rule != 1 {
		t.Errorf("2000 should match block rule, got %+v", d)
	}
	if d := Evaluate(g, model.Sample{RSSBytes: 9000}, nil); d.Action != model.Block || d.Rule != -1 {
		t.Errorf("9000 should fall to default block, got %+v", d)
	}
}

func TestThresholdWithAllowAction(t *testing.T) {
	g := model.Genome{
		ID:            "flipped",
		DefaultAction: model.Block,
		Rules: []model.Rule{
			{Kind: model.KindThreshold, Metric: model.MetricThreads, Max: 0, Action: model.Allow},
		},
	}
	if d := Evaluate(g, model.Sample{Threads: 1}, nil); d.Action != model.Allow {
		t.Errorf("threshold with allow action should allow, got %+v", d)
	}
	if d := Evaluate(g, model.Sample{Threads: 0}, nil); d.Action != model.Block {
		t.Errorf("below threshold should default to block, got %+v", d)
	}
}

func TestRateLimitRule(t *testing.T) {
	g := model.Genome{
		ID:            "syscall-rate",
		DefaultAction: model.Allow,
		Rules: []model.Rule{
			{Kind: model.KindRateLimit, Metric: model.MetricSyscalls, Max: 1000, WindowMS: 100, Action: model.Block},
		},
	}
	tr := ratelimit.NewTracker(time.Second)

	s1 := model.Sample{Offset: 100 * time.Millisecond, Syscalls: 50}
	tr.Observe(s1)
	if d := Evaluate(g, s1, tr); d.Action != model.Allow {
		t.Fatalf("500/s should be allowed, got %+v", d)
	}

	s2 := model.Sample{Offset: 200 * time.Millisecond, Syscalls: 550}
	tr.Observe(s2)
	d := Evaluate(g, s2, tr)
	if d.Action != model.Block {
		t.Fatalf("5000/s should be blocked, got %+v", d)
	}
	if !strings.Contains(d.Reason, "rate limit exceeded") {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestRateLimitWithoutTrackerNeverFires(t *testing.T) {
	g := model.Genome{
		ID:            "syscall-rate",
		DefaultAction: model.Allow,
		Rules: []model.Rule{
			{Kind: model.KindRateLimit, Metric: model.MetricSyscalls, Max: 1, WindowMS: 100, Action: model.Block},
		},
	}
	if d := Evaluate(g, model.Sample{Syscalls: 1e6}, nil); d.Action != model.Allow {
		t.Errorf("expected allow without tracker, got %+v", d)
	}
}

func TestInvalidDefaultFailsClosed(t *testing.T) {
	g := model.Genome{ID: "broken"}
	if d := Evaluate(g, model.Sample{}, nil); d.Action != model.Block {
		t.Errorf("expected fail-closed block, got %+v", d)
	}
}

func TestEveryObservationHasDefinedAction(t *testing.T) {
	genomes := []model.Genome{
		cpuGuard(10),
		{ID: "allow-all", DefaultAction: model.Allow},
		{ID: "block-all", DefaultAction: model.Block},
	}
	samples := []model.Sample{{}, {CPUPercent: 100}, {RSSBytes: 1 << 30, Threads: 8}}
	for _, g := range genomes {
		for _, s := range samples {
			if d := Evaluate(g, s, nil); !d.Action.Valid() {
				t.Errorf("%s produced undefined action for %+v", g.ID, s)
			}
		}
	}
}

// --- Enforcer tests ---

func TestEnforcerAdmitBlockAll(t *testing.T) {
	e := NewEnforcer(model.Genome{ID: "block-all", DefaultAction: model.Block})
	err := e.Admit()
	var blocked *EnforcementError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected EnforcementError, got %v", err)
	}
	if blocked.Decision.PolicyID != "default.block" {
		t.Errorf("policy id = %q", blocked.Decision.PolicyID)
	}
}

func TestEnforcerAdmitsThresholdGuard(t *testing.T) {
	e := NewEnforcer(cpuGuard(50))
	if err := e.Admit(); err != nil {
		t.Fatalf("threshold guard should admit an idle process: %v", err)
	}
	if err := e.Observe(model.Sample{Offset: 50 * time.Millisecond, CPUPercent: 10}); err != nil {
		t.Fatalf("10%% should pass: %v", err)
	}
	if err := e.Observe(model.Sample{Offset: 100 * time.Millisecond, CPUPercent: 90}); err == nil {
		t.Fatal("90% should block")
	}
	if e.Checks() != 3 {
		t.Errorf("checks = %d, want 3", e.Checks())
	}
	if e.Last().Rule != 0 {
		t.Errorf("last rule = %d, want 0", e.Last().Rule)
	}
}

func TestEnforcersAreIsolated(t *testing.T) {
	g := model.Genome{
		ID:            "rate",
		DefaultAction: model.Allow,
		Rules: []model.Rule{
			{Kind: model.KindRateLimit, Metric: model.MetricWriteBytes, Max: 100, WindowMS: 1000, Action: model.Block},
		},
	}
	a := NewEnforcer(g)
	b := NewEnforcer(g)

	if err := a.Observe(model.Sample{Offset: time.Second, WriteBytes: 10_000}); err == nil {
		t.Fatal("enforcer a should block")
	}
	if err := b.Observe(model.Sample{Offset: time.Second, WriteBytes: 10}); err != nil {
		t.Fatalf("enforcer b must not see a's history: %v", err)
	}
}
