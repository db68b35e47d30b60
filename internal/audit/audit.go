// Package audit provides the tamper-evident trail of rkBPF security
// decisions: every signed-object verification verdict and every
// attach/detach is appended as a SHA-256 hash-chained JSON line. A
// controller's audit file answers "what ran, signed by whom, and when"
// even after the fact; a broken chain answers "someone edited this".
//
// # Hash chain
//
// The event_hash of entry N is SHA-256 over the canonical JSON of
// {seq, ts, record, prev_hash}; the genesis entry links from 64 ASCII
// zeros. Entries are single JSON lines appended with O_APPEND, so the OS
// serialises concurrent writes and a crash can lose at most the tail.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// GenesisHash is the all-zero digest the first entry links from.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Decision is the audited operation kind.
type Decision string

const (
	// DecisionLoad records a signed-object load attempt and its verdict.
	DecisionLoad Decision = "load"
	// DecisionAttach records a program attachment.
	DecisionAttach Decision = "attach"
	// DecisionDetach records a program detachment.
	DecisionDetach Decision = "detach"
	// DecisionEstop records an emergency stop raised by a program.
	DecisionEstop Decision = "estop"
)

// Record is the audited payload of one entry.
type Record struct {
	// Decision classifies the operation.
	Decision Decision `json:"decision"`
	// Accepted reports whether the operation was allowed.
	Accepted bool `json:"accepted"`
	// Program names the program involved, when known.
	Program string `json:"program,omitempty"`
	// SignerID is the hex signer-id prefix for load decisions.
	SignerID string `json:"signer_id,omitempty"`
	// Target is the attach-point target for attach/detach decisions.
	Target string `json:"target,omitempty"`
	// Error carries the rejection reason for refused operations.
	Error string `json:"error,omitempty"`
}

// entry is the wire format of one log line.
type entry struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Record    Record    `json:"record"`
	PrevHash  string    `json:"prev_hash"`
	EventHash string    `json:"event_hash"`
}

// entryContent is the hashed subset: everything except EventHash itself.
type entryContent struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Record    Record    `json:"record"`
	PrevHash  string    `json:"prev_hash"`
}

func hashContent(c entryContent) string {
	b, _ := json.Marshal(c)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Entry is the public representation of one appended entry.
type Entry struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Record    Record    `json:"record"`
	PrevHash  string    `json:"prev_hash"`
	EventHash string    `json:"event_hash"`
}

// Trail is an append-only audit log writer. Create one with Open; safe
// for concurrent use.
type Trail struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	seq      int64
	now      func() time.Time
}

// Open opens (or creates) the trail at path. Existing entries are
// re-verified so the chain continues correctly; a broken chain refuses to
// open.
func Open(path string) (*Trail, error) {
	prevHash := GenesisHash
	seq := int64(0)

	if _, err := os.Stat(path); err == nil {
		entries, err := Verify(path)
		if err != nil {
			return nil, err
		}
		if n := len(entries); n > 0 {
			prevHash = entries[n-1].EventHash
			seq = entries[n-1].Seq
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open for appending %q: %w", path, err)
	}
	return &Trail{file: f, prevHash: prevHash, seq: seq, now: time.Now}, nil
}

// Append writes one decision record and returns the chained entry.
func (t *Trail) Append(rec Record) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seq := t.seq + 1
	ts := t.now().UTC()
	prevHash := t.prevHash

	eventHash := hashContent(entryContent{Seq: seq, Timestamp: ts, Record: rec, PrevHash: prevHash})
	line, err := json.Marshal(entry{
		Seq: seq, Timestamp: ts, Record: rec, PrevHash: prevHash, EventHash: eventHash,
	})
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := t.file.Write(line); err != nil {
		return Entry{}, fmt.Errorf("audit: write entry: %w", err)
	}

	t.seq = seq
	t.prevHash = eventHash
	return Entry{Seq: seq, Timestamp: ts, Record: rec, PrevHash: prevHash, EventHash: eventHash}, nil
}

// Load records a signed-object load verdict.
func (t *Trail) Load(program, signerID string, accepted bool, reason error) (Entry, error) {
	rec := Record{Decision: DecisionLoad, Accepted: accepted, Program: program, SignerID: signerID}
	if reason != nil {
		rec.Error = reason.Error()
	}
	return t.Append(rec)
}

// Attach records a program attachment.
func (t *Trail) Attach(program, target string) (Entry, error) {
	return t.Append(Record{Decision: DecisionAttach, Accepted: true, Program: program, Target: target})
}

// Detach records a program detachment.
func (t *Trail) Detach(program, target string) (Entry, error) {
	return t.Append(Record{Decision: DecisionDetach, Accepted: true, Program: program, Target: target})
}

// Close syncs and closes the underlying file.
func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.file.Sync(); err != nil {
		_ = t.file.Close()
		return fmt.Errorf("audit: sync: %w", err)
	}
	return t.file.Close()
}

// Verify reads the trail at path and checks the full hash chain,
// returning the ordered entries, or the first chain error. An empty file
// is valid.
func Verify(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: verify open %q: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	prevHash := GenesisHash
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("audit: malformed entry: %w", err)
		}
		if e.PrevHash != prevHash {
			return nil, fmt.Errorf("audit: chain break at seq %d: expected prev_hash %q, got %q",
				e.Seq, prevHash, e.PrevHash)
		}
		computed := hashContent(entryContent{
			Seq: e.Seq, Timestamp: e.Timestamp, Record: e.Record, PrevHash: e.PrevHash,
		})
		if computed != e.EventHash {
			return nil, fmt.Errorf("audit: hash mismatch at seq %d", e.Seq)
		}
		prevHash = e.EventHash
		entries = append(entries, Entry(e))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scanning %q: %w", path, err)
	}
	return entries, nil
}
