package model

import "time"

// Label is the ground-truth tag of a payload.
type Label string

const (
	Benign    Label = "benign"
	Malicious Label = "malicious"
)

// Action is the enforcement outcome a rule (or a genome's default) prescribes.
type Action string

const (
	Allow Action = "allow"
	Block Action = "block"
)

// Valid reports whether a is one of the two enforcement actions.
func (a Action) Valid() bool {
	return a == Allow || a == Block
}

// Flip returns the opposite action.
func (a Action) Flip() Action {
	if a == Allow {
		return Block
	}
	return Allow
}

// RuleKind is the tag of the rule variant.
type RuleKind string

const (
	KindThreshold RuleKind = "threshold"
	KindAllow     RuleKind = "allow"
	KindBlock     RuleKind = "block"
	KindRateLimit RuleKind = "rate_limit"
)

// RuleKinds lists every rule variant in a stable order.
var RuleKinds = []RuleKind{KindThreshold, KindAllow, KindBlock, KindRateLimit}

// Metric names one physical signal in a telemetry sample.
type Metric string

const (
	MetricCPUPercent Metric = "cpu_percent"
	MetricRSSBytes   Metric = "rss_bytes"
	MetricReadBytes  Metric = "read_bytes"
	MetricWriteBytes Metric = "write_bytes"
	MetricSyscalls   Metric = "syscalls"
	MetricThreads    Metric = "threads"
)

// Metrics lists every metric in a stable order.
var Metrics = []Metric{
	MetricCPUPercent,
	MetricRSSBytes,
	MetricReadBytes,
	MetricWriteBytes,
	MetricSyscalls,
	MetricThreads,
}

// IsCounter reports whether the metric is a monotonically growing counter,
// which makes it eligible for rate_limit rules.
func (m Metric) IsCounter() bool {
	switch m {
	case MetricReadBytes, MetricWriteBytes, MetricSyscalls:
		return true
	default:
		return false
	}
}

// Rule is one enforcement rule. Kind selects the variant; the remaining
// fields are its parameters. Unused parameters are zero.
type Rule struct {
	Kind     RuleKind `json:"kind" yaml:"kind"`
	Metric   Metric   `json:"metric" yaml:"metric"`
	Min      float64  `json:"min" yaml:"min"`
	Max      float64  `json:"max" yaml:"max"`
	WindowMS int64    `json:"window_ms,omitempty" yaml:"window_ms,omitempty"`
	Action   Action   `json:"action" yaml:"action"`
}

// Genome is an evolvable policy: an ordered rule list plus the action taken
// when no rule fires.
type Genome struct {
	ID            string   `json:"id" yaml:"id"`
	Generation    int      `json:"generation" yaml:"generation"`
	Parents       []string `json:"parents,omitempty" yaml:"parents,omitempty"`
	Origin        string   `json:"origin,omitempty" yaml:"origin,omitempty"`
	DefaultAction Action   `json:"default_action" yaml:"default_action"`
	Rules         []Rule   `json:"rules" yaml:"rules"`
}

// Clone returns a deep copy of g.
func (g Genome) Clone() Genome {
	out := g
	if g.Parents != nil {
		out.Parents = append([]string(nil), g.Parents...)
	}
	out.Rules = append([]Rule(nil), g.Rules...)
	return out
}

// Payload is one labeled input from the battery.
type Payload struct {
	ID          string `json:"id" yaml:"id"`
	Label       Label  `json:"label" yaml:"label"`
	Input       string `json:"input,omitempty" yaml:"input,omitempty"`
	InputFile   string `json:"input_file,omitempty" yaml:"input_file,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	data []byte
}

// Data returns the bytes fed to the target's stdin.
func (p Payload) Data() []byte {
	if p.data != nil {
		return p.data
	}
	return []byte(p.Input)
}

// WithData returns a copy of p that feeds data instead of Input.
func (p Payload) WithData(data []byte) Payload {
	p.data = data
	return p
}

// Sample is one fixed-interval telemetry observation.
type Sample struct {
	Offset     time.Duration `json:"offset"`
	CPUPercent float64       `json:"cpu_percent"`
	RSSBytes   float64       `json:"rss_bytes"`
	ReadBytes  float64       `json:"read_bytes"`
	WriteBytes float64       `json:"write_bytes"`
	Syscalls   float64       `json:"syscalls"`
	Threads    float64       `json:"threads"`
}

// Value returns the sample's reading for metric m.
func (s Sample) Value(m Metric) float64 {
	switch m {
	case MetricCPUPercent:
		return s.CPUPercent
	case MetricRSSBytes:
		return s.RSSBytes
	case MetricReadBytes:
		return s.ReadBytes
	case MetricWriteBytes:
		return s.WriteBytes
	case MetricSyscalls:
		return s.Syscalls
	case MetricThreads:
		return s.Threads
	default:
		return 0
	}
}

// Outcome is the terminal state of one target run.
type Outcome string

const (
	Completed Outcome = "completed"
	Blocked   Outcome = "blocked"
	Crashed   Outcome = "crashed"
	TimedOut  Outcome = "timed_out"
)

// State is a behavioral-state label emitted by the classifier.
type State string

const (
	Nominal    State = "nominal"
	Anomalous  State = "anomalous"
	Terminated State = "terminated"
)

// Verdict is the classifier's judgement of one run.
type Verdict struct {
	State         State   `json:"state"`
	Confidence    float64 `json:"confidence"`
	LowConfidence bool    `json:"low_confidence,omitempty"`
}

// Classification reconciles a run against its payload's ground truth.
type Classification string

const (
	CorrectPermit Classification = "correct_permit"
	CorrectBlock  Classification = "correct_block"
	FalsePermit   Classification = "false_permit"
	FalseBlock    Classification = "false_block"
)

// Summary is the aggregate form in which telemetry outlives its run.
type Summary struct {
	Samples       int     `json:"samples"`
	MaxCPUPercent float64 `json:"max_cpu_percent"`
	AvgCPUPercent float64 `json:"avg_cpu_percent"`
	MaxRSSBytes   float64 `json:"max_rss_bytes"`
	AvgRSSBytes   float64 `json:"avg_rss_bytes"`
	DurationMS    float64 `json:"duration_ms"`
	Syscalls      float64 `json:"syscalls"`
	IOBytes       float64 `json:"io_bytes"`
}

// ExecutionRecord is the result of running one genome against one payload.
type ExecutionRecord struct {
	GenomeID       string         `json:"genome_id"`
	PayloadID      string         `json:"payload_id"`
	Label          Label          `json:"label"`
	Outcome        Outcome        `json:"outcome"`
	Verdict        Verdict        `json:"verdict"`
	Classification Classification `json:"classification"`
	DurationMS     float64        `json:"duration_ms"`
	BaselineMS     float64        `json:"baseline_ms"`
	Overhead       float64        `json:"overhead"`
	BlockedBy      string         `json:"blocked_by,omitempty"`
	ExitCode       int            `json:"exit_code"`
	Summary        Summary        `json:"summary"`
	Degraded       bool           `json:"degraded,omitempty"`
}

// Tally counts records by classification.
type Tally struct {
	CorrectPermit int `json:"correct_permit"`
	CorrectBlock  int `json:"correct_block"`
	FalsePermit   int `json:"false_permit"`
	FalseBlock    int `json:"false_block"`
}

// FitnessScore is the composite score of one genome in one generation.
// Total is the sum of the additive components.
type FitnessScore struct {
	Total             float64 `json:"total"`
	AttackStopped     float64 `json:"attack_stopped"`
	BenignPermitted   float64 `json:"benign_permitted"`
	OverheadPenalty   float64 `json:"overhead_penalty"`
	ComplexityPenalty float64 `json:"complexity_penalty"`
	MeanOverhead      float64 `json:"mean_overhead"`
	Tally             Tally   `json:"tally"`
}

// Evaluation bundles a genome with its full record set and score.
type Evaluation struct {
	Genome  Genome            `json:"genome"`
	Records []ExecutionRecord `json:"records"`
	Score   FitnessScore      `json:"score"`
}
