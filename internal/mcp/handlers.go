package mcp

import (
	"context"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/ppiankov/aegisforge/internal/genome"
	"github.com/ppiankov/aegisforge/internal/ledger"
	"github.com/ppiankov/aegisforge/internal/model"
	"github.com/ppiankov/aegisforge/internal/policy"
)

// --- Input/Output types ---

// LedgerInput selects a ledger. Path defaults to the configured ledger.
type LedgerInput struct {
	Path  string `json:"path,omitempty" jsonschema:"ledger path, defaults to the configured ledger"`
	Lines int    `json:"lines,omitempty" jsonschema:"number of recent entries (tail only, default 10)"`
	Head  string `json:"head,omitempty" jsonschema:"previously recorded head hash that must still be in the chain (verify only)"`
}

// LedgerTailOutput holds a rendered timeline of recent entries.
type LedgerTailOutput struct {
	Entries  int    `json:"entries"`
	Timeline string `json:"timeline"`
}

// GenomeInput carries a genome in its canonical JSON encoding.
type GenomeInput struct {
	Genome string `json:"genome" jsonschema:"genome as JSON"`
}

// GenomeValidateOutput reports whether the genome is executable.
type GenomeValidateOutput struct {
	Valid       bool   `json:"valid"`
	ID          string `json:"id,omitempty"`
	Rules       int    `json:"rules"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Error       string `json:"error,omitempty"`
}

// DecideInput is a genome plus one observation to evaluate it against.
type DecideInput struct {
	Genome     string  `json:"genome" jsonschema:"genome as JSON"`
	CPUPercent float64 `json:"cpu_percent,omitempty" jsonschema:"CPU usage in percent of one core"`
	RSSBytes   float64 `json:"rss_bytes,omitempty" jsonschema:"resident memory in bytes"`
	ReadBytes  float64 `json:"read_bytes,omitempty" jsonschema:"cumulative bytes read"`
	WriteBytes float64 `json:"write_bytes,omitempty" jsonschema:"cumulative bytes written"`
	Syscalls   float64 `json:"syscalls,omitempty" jsonschema:"cumulative syscall count"`
	Threads    float64 `json:"threads,omitempty" jsonschema:"thread count"`
}

// RunsInput optionally selects one run.
type RunsInput struct {
	RunID string `json:"run_id,omitempty" jsonschema:"run to show the fitness history of"`
}

// RunsOutput lists archived runs or one run's generations.
type RunsOutput struct {
	Runs        []RunItem               `json:"runs,omitempty"`
	Generations []model.GenerationStats `json:"generations,omitempty"`
}

// RunItem describes a single archived run.
type RunItem struct {
	RunID         string  `json:"run_id"`
	Target        string  `json:"target"`
	Battery       string  `json:"battery"`
	StartedAt     string  `json:"started_at"`
	Generations   int     `json:"generations"`
	StopReason    string  `json:"stop_reason,omitempty"`
	ChampionID    string  `json:"champion_id,omitempty"`
	ChampionScore float64 `json:"champion_score"`
	LedgerHead    string  `json:"ledger_head,omitempty"`
}

// --- Handlers ---

func (s *Server) ledgerPathFor(in LedgerInput) (string, error) {
	path := in.Path
	if path == "" {
		path = s.ledgerPath
	}
	if path == "" {
		return "", fmt.Errorf("no ledger path given and none configured")
	}
	return path, nil
}

func (s *Server) handleLedgerVerify(_ context.Context, _ *mcpsdk.CallToolRequest, in LedgerInput) (*mcpsdk.CallToolResult, ledger.VerifyResult, error) {
	path, err := s.ledgerPathFor(in)
	if err != nil {
		return nil, ledger.VerifyResult{}, err
	}
	res := ledger.VerifyAnchored(path, in.Head)
	if !res.Valid {
		s.logger.Warn("ledger verification failed",
			zap.String("path", path),
			zap.Int("line", res.ErrorLine),
			zap.String("error", res.Error),
		)
	}
	return nil, res, nil
}

func (s *Server) handleLedgerTail(_ context.Context, _ *mcpsdk.CallToolRequest, in LedgerInput) (*mcpsdk.CallToolResult, LedgerTailOutput, error) {
	path, err := s.ledgerPathFor(in)
	if err != nil {
		return nil, LedgerTailOutput{}, err
	}
	n := in.Lines
	if n <= 0 {
		n = 10
	}
	entries, err := ledger.Tail(path, n)
	if err != nil {
		return nil, LedgerTailOutput{}, err
	}
	return nil, LedgerTailOutput{
		Entries:  len(entries),
		Timeline: ledger.FormatTimeline(entries),
	}, nil
}

func (s *Server) handleGenomeValidate(_ context.Context, _ *mcpsdk.CallToolRequest, in GenomeInput) (*mcpsdk.CallToolResult, GenomeValidateOutput, error) {
	g, err := s.decodeGenome(in.Genome)
	if err != nil {
		return nil, GenomeValidateOutput{Error: err.Error()}, nil
	}
	return nil, GenomeValidateOutput{
		Valid:       true,
		ID:          g.ID,
		Rules:       len(g.Rules),
		Fingerprint: genome.Fingerprint(g),
	}, nil
}

func (s *Server) handleGenomeDecide(_ context.Context, _ *mcpsdk.CallToolRequest, in DecideInput) (*mcpsdk.CallToolResult, policy.Decision, error) {
	g, err := s.decodeGenome(in.Genome)
	if err != nil {
		return nil, policy.Decision{}, err
	}
	sample := model.Sample{
		CPUPercent: in.CPUPercent,
		RSSBytes:   in.RSSBytes,
		ReadBytes:  in.ReadBytes,
		WriteBytes: in.WriteBytes,
		Syscalls:   in.Syscalls,
		Threads:    in.Threads,
	}
	return nil, policy.Evaluate(g, sample, nil), nil
}

func (s *Server) handleRuns(ctx context.Context, _ *mcpsdk.CallToolRequest, in RunsInput) (*mcpsdk.CallToolResult, RunsOutput, error) {
	if s.store == nil {
		return nil, RunsOutput{}, fmt.Errorf("no archive store configured")
	}
	if in.RunID == "" {
		runs, err := s.store.ListRuns(ctx)
		if err != nil {
			return nil, RunsOutput{}, err
		}
		out := RunsOutput{Runs: make([]RunItem, 0, len(runs))}
		for _, r := range runs {
			out.Runs = append(out.Runs, RunItem{
				RunID:         r.RunID,
				Target:        r.Target,
				Battery:       r.Battery,
				StartedAt:     r.StartedAt.Format(ledger.TimestampFormat),
				Generations:   r.Generations,
				StopReason:    r.StopReason,
				ChampionID:    r.ChampionID,
				ChampionScore: r.ChampionScore,
				LedgerHead:    r.LedgerHead,
			})
		}
		return nil, out, nil
	}
	gens, ok, err := s.store.GetGenerations(ctx, in.RunID)
	if err != nil {
		return nil, RunsOutput{}, err
	}
	if !ok {
		return nil, RunsOutput{}, fmt.Errorf("unknown run %q", in.RunID)
	}
	return nil, RunsOutput{Generations: gens}, nil
}

func (s *Server) decodeGenome(text string) (model.Genome, error) {
	if text == "" {
		return model.Genome{}, fmt.Errorf("genome is required")
	}
	g, err := genome.Decode([]byte(text))
	if err != nil {
		return model.Genome{}, err
	}
	if err := genome.ValidateWithLimit(g, s.maxRules); err != nil {
		return model.Genome{}, err
	}
	return g, nil
}
