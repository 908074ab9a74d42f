package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
)

// GenesisHash is the prev_hash of the first entry in a ledger.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// TimestampFormat is the layout used in entry timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Kind tags what an entry records.
type Kind string

const (
	KindRunStart   Kind = "run_start"
	KindEvaluation Kind = "evaluation"
	KindRunEnd     Kind = "run_end"
)

func (k Kind) valid() bool {
	switch k {
	case KindRunStart, KindEvaluation, KindRunEnd:
		return true
	default:
		return false
	}
}

// Entry is one line of the JSONL ledger. Payload holds the compact JSON the
// hash was computed over and is never re-encoded.
type Entry struct {
	Seq       uint64          `json:"seq"`
	Timestamp string          `json:"ts"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

// Decode unmarshals the entry payload into v.
func (e Entry) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s entry %d: %w", e.Kind, e.Seq, err)
	}
	return nil
}

// ComputeHash returns the chained hash of e: SHA-256 over the sequence
// number, timestamp, kind, payload and previous hash, each NUL-terminated.
func ComputeHash(e Entry) string {
	h := sha256.New()
	h.Write([]byte(strconv.FormatUint(e.Seq, 10)))
	h.Write([]byte{0})
	h.Write([]byte(e.Timestamp))
	h.Write([]byte{0})
	h.Write([]byte(e.Kind))
	h.Write([]byte{0})
	h.Write(e.Payload)
	h.Write([]byte{0})
	h.Write([]byte(e.PrevHash))
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}
