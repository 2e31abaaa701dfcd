// Package ledger keeps an append-only, hash-chained and signed record of
// stage outcomes, published tags and finished runs, stored as JSON lines.
package ledger

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"blockci/internal/security"
	"blockci/pkg/utils"
)

// ErrTruncated reports a ledger whose last line was cut off mid-write.
var ErrTruncated = errors.New("ledger file ends in a partial record")

// Ledger is safe for concurrent use.
type Ledger struct {
	mu      sync.Mutex
	records []*Record
	path    string
	signer  *security.Signer

	published map[string]string // ref -> artifact, latest wins
}

// Open loads the ledger at path, creating an empty file if none exists.
// signer may be nil, in which case new records are stored unsigned.
func Open(path string, signer *security.Signer) (*Ledger, error) {
	l := &Ledger{
		path:      path,
		signer:    signer,
		published: make(map[string]string),
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("creating ledger: %w", err)
		}
		return l, f.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(bufio.NewReader(f))
	for dec.More() {
		var r Record
		if err := dec.Decode(&r); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("%w: entry %d is incomplete", ErrTruncated, len(l.records))
			}
			return nil, fmt.Errorf("decoding ledger entry %d: %w", len(l.records), err)
		}
		l.records = append(l.records, &r)
		l.index(&r)
	}
	return l, nil
}

func (l *Ledger) index(r *Record) {
	if r.Kind == KindPublish {
		l.published[r.Ref] = r.Artifact
	}
}

// Path returns the ledger file path.
func (l *Ledger) Path() string { return l.path }

// Append links r to the chain, hashes and signs it, and persists it.
// Index, Timestamp, PrevHash, Hash, Signature and PubKey are set by Append.
func (l *Ledger) Append(r *Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r.Index = len(l.records)
	if r.Timestamp == "" {
		r.Timestamp = now()
	}
	r.PrevHash = ""
	if n := len(l.records); n > 0 {
		r.PrevHash = l.records[n-1].Hash
	}

	h, err := r.ComputeHash()
	if err != nil {
		return err
	}
	r.Hash = h
	if l.signer != nil {
		r.Signature = l.signer.Sign([]byte(r.Hash))
		r.PubKey = l.signer.PublicKeyHex()
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening ledger file: %w", err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(r); err != nil {
		return fmt.Errorf("writing ledger file: %w", err)
	}

	l.records = append(l.records, r)
	l.index(r)
	return nil
}

// AppendStage records a stage outcome. When logPath is set the log file's
// hash is chained into the record.
func (l *Ledger) AppendStage(runID, stage, outcome, artifact, logPath string) error {
	r := &Record{
		Kind:     KindStage,
		RunID:    runID,
		Stage:    stage,
		Outcome:  outcome,
		Artifact: artifact,
		LogPath:  logPath,
	}
	if logPath != "" {
		h, err := utils.FileSum256Hex(logPath)
		if err != nil {
			return fmt.Errorf("stage log: %w", err)
		}
		r.LogHash = h
	}
	return l.Append(r)
}

// AppendRun records a finished run with the hash of its serialized report.
func (l *Ledger) AppendRun(runID, verdict string, report []byte) error {
	return l.Append(&Record{
		Kind:    KindRun,
		RunID:   runID,
		Outcome: verdict,
		LogHash: utils.Sum256Hex(report),
	})
}

// RecordPublish records that ref now points at artifact.
func (l *Ledger) RecordPublish(runID, ref, artifact string) error {
	return l.Append(&Record{
		Kind:     KindPublish,
		RunID:    runID,
		Ref:      ref,
		Artifact: artifact,
	})
}

// Published returns the artifact most recently published under ref.
func (l *Ledger) Published(ref string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.published[ref]
	return a, ok
}

// Records returns copies of all records in chain order.
func (l *Ledger) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.records))
	for i, r := range l.records {
		out[i] = *r
	}
	return out
}

// Len returns the number of records.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}
