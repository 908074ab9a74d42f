package ledger

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrIntegrity is wrapped by every *IntegrityError.
var ErrIntegrity = errors.New("ledger integrity violation")

// IntegrityError reports the first entry at which the chain breaks.
type IntegrityError struct {
	Seq    uint64
	Line   int
	Reason string
}

func (e *IntegrityError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("ledger integrity violation at line %d: %s", e.Line, e.Reason)
	}
	return fmt.Sprintf("ledger integrity violation at entry %d: %s", e.Seq, e.Reason)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

// VerifyResult holds the outcome of verifying a ledger file.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Entries   int    `json:"entries"`
	Head      string `json:"head,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
}

// Verify reads a ledger file and recomputes the whole chain. It never
// repairs anything; the first broken link is reported.
func Verify(path string) VerifyResult {
	return VerifyAnchored(path, "")
}

// VerifyAnchored is Verify plus a check that anchor, a head hash recorded
// earlier, is still an entry of the chain. A chain cut back past the anchor
// verifies on its own but fails here. An empty anchor skips the check.
func VerifyAnchored(path, anchor string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()

	scanner := newScanner(f)
	lineNum := 0
	prevHash := GenesisHash
	var prevSeq uint64
	anchored := anchor == ""

	for scanner.Scan() {
		lineNum++
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return VerifyResult{
				Error:     fmt.Sprintf("parse error: %v", err),
				ErrorLine: lineNum,
			}
		}
		if reason := checkEntry(e, prevSeq, prevHash); reason != "" {
			return VerifyResult{Error: reason, ErrorLine: lineNum}
		}
		prevSeq, prevHash = e.Seq, e.Hash
		if e.Hash == anchor {
			anchored = true
		}
	}
	if err := scanner.Err(); err != nil {
		return VerifyResult{Error: fmt.Sprintf("scan: %v", err)}
	}
	if !anchored {
		return VerifyResult{Entries: lineNum, Error: missingAnchor(anchor)}
	}

	res := VerifyResult{Valid: true, Entries: lineNum}
	if lineNum > 0 {
		res.Head = prevHash
	}
	return res
}

// VerifyEntries checks an in-memory chain from genesis.
func VerifyEntries(entries []Entry) error {
	return verifyEntries(entries, "")
}

func verifyEntries(entries []Entry, anchor string) error {
	prevHash := GenesisHash
	var prevSeq uint64
	for i, e := range entries {
		if reason := checkEntry(e, prevSeq, prevHash); reason != "" {
			return &IntegrityError{Seq: e.Seq, Line: i + 1, Reason: reason}
		}
		prevSeq, prevHash = e.Seq, e.Hash
	}
	if anchor == "" {
		return nil
	}
	for _, e := range entries {
		if e.Hash == anchor {
			return nil
		}
	}
	return &IntegrityError{Seq: uint64(len(entries)), Reason: missingAnchor(anchor)}
}

func missingAnchor(anchor string) string {
	return fmt.Sprintf("head %s is no longer in the chain, entries were removed", anchor)
}

// checkEntry returns why e cannot follow (prevSeq, prevHash), or "".
func checkEntry(e Entry, prevSeq uint64, prevHash string) string {
	if e.Seq != prevSeq+1 {
		return fmt.Sprintf("sequence gap: expected %d, got %d", prevSeq+1, e.Seq)
	}
	if e.PrevHash != prevHash {
		if prevSeq == 0 {
			return fmt.Sprintf("first entry prev_hash is %q, expected genesis hash", e.PrevHash)
		}
		return fmt.Sprintf("linkage mismatch: expected prev_hash %s, got %s", prevHash, e.PrevHash)
	}
	if !e.Kind.valid() {
		return fmt.Sprintf("unknown entry kind %q", e.Kind)
	}
	if want := ComputeHash(e); e.Hash != want {
		return fmt.Sprintf("hash mismatch: stored %s, recomputed %s", e.Hash, want)
	}
	return ""
}

func newScanner(f *os.File) *bufio.Scanner {
	scanner := bufio.NewScanner(f)
	// Evaluation entries carry full record sets.
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return scanner
}
