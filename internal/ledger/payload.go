package ledger

import "github.com/ppiankov/aegisforge/internal/model"

// RunStart opens a run. It pins everything needed to reproduce it.
type RunStart struct {
	RunID       string   `json:"run_id"`
	Target      string   `json:"target"`
	ConfigHash  string   `json:"config_hash"`
	Battery     string   `json:"battery"`
	BatteryHash string   `json:"battery_hash"`
	Payloads    []string `json:"payloads"`
	Classifier  string   `json:"classifier"`
	Population  int      `json:"population"`
	Generations int      `json:"generations"`
	Seed        int64    `json:"seed"`
	MaxScore    float64  `json:"max_score"`
}

// Evaluation records one genome's evaluation in one generation. Carried
// elites are recorded again with their cached records and score.
type Evaluation struct {
	RunID      string                  `json:"run_id"`
	Generation int                     `json:"generation"`
	Rank       int                     `json:"rank"`
	Carried    bool                    `json:"carried,omitempty"`
	Genome     model.Genome            `json:"genome"`
	Records    []model.ExecutionRecord `json:"records"`
	Score      model.FitnessScore      `json:"score"`
}

// RunEnd closes a run with its champion.
type RunEnd struct {
	RunID         string             `json:"run_id"`
	Generations   int                `json:"generations"`
	StopReason    string             `json:"stop_reason"`
	Champion      model.Genome       `json:"champion"`
	ChampionScore model.FitnessScore `json:"champion_score"`
	Evaluations   int                `json:"evaluations"`
}
