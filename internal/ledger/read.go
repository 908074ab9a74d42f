package ledger

import (
	"encoding/json"
	"fmt"
	"os"
)

// ReadAll parses every entry of the ledger at path without verifying it.
func ReadAll(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := newScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, &IntegrityError{Line: lineNum, Reason: fmt.Sprintf("parse error: %v", err)}
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan ledger: %w", err)
	}
	return entries, nil
}

// Tail returns the last n entries.
func Tail(path string, n int) ([]Entry, error) {
	entries, err := ReadAll(path)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

// Filter returns the entries of one run, or all entries when runID is
// empty.
func Filter(entries []Entry, runID string) []Entry {
	if runID == "" {
		return entries
	}
	var out []Entry
	for _, e := range entries {
		var ref struct {
			RunID string `json:"run_id"`
		}
		if json.Unmarshal(e.Payload, &ref) == nil && ref.RunID == runID {
			out = append(out, e)
		}
	}
	return out
}
