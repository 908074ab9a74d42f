package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTimeline renders entries as a human-readable text timeline.
func FormatTimeline(entries []Entry) string {
	if len(entries) == 0 {
		return "Ledger | No entries found.\n"
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("Ledger | %s–%s UTC\n",
		formatDateRange(entries[0].Timestamp), formatTimeOnly(entries[len(entries)-1].Timestamp)))
	b.WriteString(separator + "\n")

	var evaluations, runs int
	for _, e := range entries {
		b.WriteString(fmt.Sprintf("%6d %-10s %-11s %s\n",
			e.Seq, formatTimeOnly(e.Timestamp), e.Kind, describe(e)))
		switch e.Kind {
		case KindEvaluation:
			evaluations++
		case KindRunStart:
			runs++
		}
	}

	b.WriteString(separator + "\n")
	b.WriteString(fmt.Sprintf("%d entries | %d runs | %d evaluations | head %s\n",
		len(entries), runs, evaluations, truncate(entries[len(entries)-1].Hash, 23)))
	return b.String()
}

// FormatJSON renders entries as indented JSON.
func FormatJSON(entries []Entry) (string, error) {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal entries: %w", err)
	}
	return string(data), nil
}

func describe(e Entry) string {
	switch e.Kind {
	case KindRunStart:
		var p RunStart
		if e.Decode(&p) != nil {
			return "(unreadable payload)"
		}
		return fmt.Sprintf("run %s target=%s battery=%s pop=%d gens=%d",
			shortID(p.RunID), truncate(p.Target, 30), p.Battery, p.Population, p.Generations)
	case KindEvaluation:
		var p Evaluation
		if e.Decode(&p) != nil {
			return "(unreadable payload)"
		}
		carried := ""
		if p.Carried {
			carried = "  [elite]"
		}
		return fmt.Sprintf("gen %-3d rank %-3d %-12s score %10.2f rules %d%s",
			p.Generation, p.Rank, truncate(p.Genome.ID, 12), p.Score.Total, len(p.Genome.Rules), carried)
	case KindRunEnd:
		var p RunEnd
		if e.Decode(&p) != nil {
			return "(unreadable payload)"
		}
		return fmt.Sprintf("run %s stop=%s champion=%s score %.2f",
			shortID(p.RunID), p.StopReason, p.Champion.ID, p.ChampionScore.Total)
	}
	return ""
}

func formatDateRange(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatTimeOnly(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("15:04:05")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
