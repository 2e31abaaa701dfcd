package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"blockci/pkg/utils"
)

// Record kinds.
const (
	KindStage   = "stage"
	KindPublish = "publish"
	KindRun     = "run"
)

// Record is a tamper-evident entry: a stage outcome, a published tag or a
// finished run.
type Record struct {
	Index     int    `json:"index"`
	Timestamp string `json:"timestamp"`
	Kind      string `json:"kind"`
	RunID     string `json:"runId"`
	Stage     string `json:"stage,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
	Artifact  string `json:"artifact,omitempty"`
	Ref       string `json:"ref,omitempty"`
	LogPath   string `json:"logPath,omitempty"`
	LogHash   string `json:"logHash,omitempty"`
	PrevHash  string `json:"prevHash"`
	Hash      string `json:"hash"`
	Signature string `json:"signature,omitempty"`
	PubKey    string `json:"pubKey,omitempty"`
}

// canonicalData returns the JSON bytes used to compute the record hash.
// It excludes Hash, Signature and PubKey.
func (r *Record) canonicalData() ([]byte, error) {
	view := struct {
		Index     int    `json:"index"`
		Timestamp string `json:"timestamp"`
		Kind      string `json:"kind"`
		RunID     string `json:"runId"`
		Stage     string `json:"stage"`
		Outcome   string `json:"outcome"`
		Artifact  string `json:"artifact"`
		Ref       string `json:"ref"`
		LogPath   string `json:"logPath"`
		LogHash   string `json:"logHash"`
		PrevHash  string `json:"prevHash"`
	}{
		Index:     r.Index,
		Timestamp: r.Timestamp,
		Kind:      r.Kind,
		RunID:     r.RunID,
		Stage:     r.Stage,
		Outcome:   r.Outcome,
		Artifact:  r.Artifact,
		Ref:       r.Ref,
		LogPath:   r.LogPath,
		LogHash:   r.LogHash,
		PrevHash:  r.PrevHash,
	}
	return json.Marshal(view)
}

// ComputeHash calculates SHA256 over canonicalData.
func (r *Record) ComputeHash() (string, error) {
	data, err := r.canonicalData()
	if err != nil {
		return "", fmt.Errorf("encoding record: %w", err)
	}
	return utils.Sum256Hex(data), nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
