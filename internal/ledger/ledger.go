// Package ledger is the append-only, SHA-256 hash-chained record of every
// genome evaluated by the foundry.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Ledger is the single writer of a JSONL ledger file. Entries can only be
// appended; the head hash is the only state that changes.
type Ledger struct {
	path   string
	file   *os.File
	mu     sync.Mutex
	seq    uint64
	head   string
	offset int64
	halted error
	now    func() time.Time
}

// Open opens (or creates) a ledger for appending. An existing file is
// verified end to end first; a broken chain is refused with an
// *IntegrityError instead of being continued.
func Open(path string) (*Ledger, error) {
	return OpenAnchored(path, "")
}

// OpenAnchored is Open for a ledger whose head was recorded elsewhere, such
// as in the run archive. The file is refused when anchor is no longer one of
// its entries, which catches entries cut off the end of the chain.
func OpenAnchored(path, anchor string) (*Ledger, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("ledger: create directory: %w", err)
	}

	l := &Ledger{
		path: path,
		head: GenesisHash,
		now:  time.Now,
	}

	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		entries, err := ReadAll(path)
		if err != nil {
			return nil, err
		}
		if err := verifyEntries(entries, anchor); err != nil {
			return nil, err
		}
		if n := len(entries); n > 0 {
			l.seq = entries[n-1].Seq
			l.head = entries[n-1].Hash
		}
		l.offset = info.Size()
	} else if anchor != "" {
		return nil, &IntegrityError{Reason: missingAnchor(anchor)}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("ledger: open file: %w", err)
	}
	l.file = file
	return l, nil
}

// Append chains a new entry of the given kind with v as its payload,
// writes it, and syncs to disk. After an integrity violation every further
// append fails with the same error.
func (l *Ledger) Append(kind Kind, v any) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.halted != nil {
		return Entry{}, l.halted
	}
	if !kind.valid() {
		return Entry{}, fmt.Errorf("ledger: unknown entry kind %q", kind)
	}

	info, err := l.file.Stat()
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: stat: %w", err)
	}
	if info.Size() != l.offset {
		l.halted = &IntegrityError{
			Seq:    l.seq + 1,
			Reason: fmt.Sprintf("file size %d does not match writer offset %d, ledger modified externally", info.Size(), l.offset),
		}
		return Entry{}, l.halted
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: marshal payload: %w", err)
	}

	e := Entry{
		Seq:       l.seq + 1,
		Timestamp: l.now().UTC().Format(TimestampFormat),
		Kind:      kind,
		Payload:   payload,
		PrevHash:  l.head,
	}
	e.Hash = ComputeHash(e)

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return Entry{}, fmt.Errorf("ledger: write entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return Entry{}, fmt.Errorf("ledger: sync: %w", err)
	}

	l.offset += int64(len(line))
	l.seq = e.Seq
	l.head = e.Hash
	return e, nil
}

// Head returns the sequence number and hash of the last entry.
func (l *Ledger) Head() (uint64, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq, l.head
}

// Path returns the ledger file path.
func (l *Ledger) Path() string {
	return l.path
}

// Close closes the underlying file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
