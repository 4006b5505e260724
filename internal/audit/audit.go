// Package audit keeps a per-run, append-only, hash-chained event ledger.
// One workflow run owns one log file exclusively for its lifetime; concurrent
// writers would race on previous_hash and corrupt the chain.
package audit

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gowebpki/jcs"
)

const (
	// FileName is the ledger file inside a run directory, one JSON object
	// per line.
	FileName = "audit_events.jsonl"
	// GenesisHash is the previous_hash sentinel of the first event.
	GenesisHash = "genesis"
)

// Event is one entry of the ledger. EventHash covers the canonical (RFC 8785)
// serialization of every other field.
type Event struct {
	Timestamp    string         `json:"timestamp"`
	WorkItemID   string         `json:"work_item_id"`
	EventType    string         `json:"event_type"`
	Actor        string         `json:"actor"`
	Details      map[string]any `json:"details"`
	PreviousHash string         `json:"previous_hash"`
	EventHash    string         `json:"event_hash,omitempty"`
}

// Log appends to and verifies one run directory's ledger.
type Log struct {
	Now func() time.Time
}

func path(runDir string) string {
	return filepath.Join(runDir, FileName)
}

func (l Log) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// hash computes the SHA-256 hex digest of the canonical JSON of e with
// EventHash cleared. Canonicalization is key-order independent, so the
// digest matches regardless of field ordering in the stored line.
func hash(e Event) (string, error) {
	e.EventHash = ""
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal audit event: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize audit event: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// lastHash reads the final line of the ledger, if any.
func lastHash(runDir string) (string, error) {
	f, err := os.Open(path(runDir))
	if err != nil {
		if os.IsNotExist(err) {
			return GenesisHash, nil
		}
		return "", err
	}
	defer f.Close()

	prev := GenesisHash
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return "", fmt.Errorf("parse audit line: %w", err)
		}
		if e.EventHash != "" {
			prev = e.EventHash
		}
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return prev, nil
}

// Append writes one event to the ledger. A write failure is fatal for the
// caller: the workflow must not continue past an unrecorded transition.
func (l Log) Append(runDir, workItemID, eventType, actor string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	prev, err := lastHash(runDir)
	if err != nil {
		return fmt.Errorf("read audit chain: %w", err)
	}
	e := Event{
		Timestamp:    l.now().UTC().Format(time.RFC3339Nano),
		WorkItemID:   workItemID,
		EventType:    eventType,
		Actor:        actor,
		Details:      details,
		PreviousHash: prev,
	}
	h, err := hash(e)
	if err != nil {
		return err
	}
	e.EventHash = h

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	f, err := os.OpenFile(path(runDir), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// ReadAll returns every event in the ledger, oldest first.
func ReadAll(runDir string) ([]Event, error) {
	f, err := os.Open(path(runDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("parse audit line %d: %w", len(events)+1, err)
		}
		events = append(events, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// Verify walks the ledger from the first entry, recomputing each hash and
// checking previous_hash linkage. Returns false on the first mismatch;
// an empty or absent log verifies true.
func Verify(runDir string) (bool, error) {
	events, err := ReadAll(runDir)
	if err != nil {
		return false, err
	}
	prev := GenesisHash
	for _, e := range events {
		if e.PreviousHash != prev {
			return false, nil
		}
		h, err := hash(e)
		if err != nil {
			return false, err
		}
		if h != e.EventHash {
			return false, nil
		}
		prev = e.EventHash
	}
	return true, nil
}
