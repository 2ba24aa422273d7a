// Package audit provides PDR (Process Decision Record) writing for Conduit.
package audit

import (
	"encoding/hex"
	"encoding/json"

	"github.com/zeebo/blake3"

	"github.com/fentz26/conduit/internal/models"
)

// Decision actions recorded by the engine.
const (
	ActionAdmit     = "run.admit"
	ActionSupersede = "run.supersede"
	ActionQueue     = "run.queue"
	ActionCancel    = "run.cancel"
	ActionFinish    = "run.finish"
)

// Sink persists decision records. *store.Store implements it.
type Sink interface {
	WritePDR(action, inputsHash, outcome, runID, details string) (*models.PDREntry, error)
}

// PDRWriter writes Process Decision Records for audit trails.
type PDRWriter struct {
	sink Sink
}

// NewPDRWriter creates a new PDR writer. A nil sink discards records.
func NewPDRWriter(s Sink) *PDRWriter {
	return &PDRWriter{sink: s}
}

// Record writes a PDR entry for a state-mutating decision.
func (w *PDRWriter) Record(action string, inputs interface{}, outcome, runID, details string) (*models.PDREntry, error) {
	if w == nil || w.sink == nil {
		return nil, nil
	}
	inputsHash := hashInputs(inputs)
	return w.sink.WritePDR(action, inputsHash, outcome, runID, details)
}

// hashInputs hashes the JSON form of inputs.
func hashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:])
}
