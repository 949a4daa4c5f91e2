package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// LogicalStore identifies which store a snapshot came from
type LogicalStore string

const (
	LogicalStoreMain      LogicalStore = "main"
	LogicalStoreCoherence LogicalStore = "coherence"
	LogicalStoreVector    LogicalStore = "vector"
)

// WhoIWasRecord is a historical snapshot written before any mutation or
// deletion of a coherence-class or vector-class record. The snapshot carries
// the full prior serialization so the pre-change state can be reconstructed
// exactly.
type WhoIWasRecord struct {
	ID            string       `json:"id"`             // rec_{uuid} of the snapshot itself
	Supersedes    string       `json:"supersedes"`     // ID of the record being changed
	Reason        string       `json:"reason"`         // Required free text
	PreviousData  string       `json:"previous_data"`  // Full prior serialization (canonical JSON)
	OriginalStore LogicalStore `json:"original_store"` // Which logical store held the record
	CreatedAt     time.Time    `json:"created_at"`
}

// NewWhoIWasRecord snapshots the given record before it is changed
func NewWhoIWasRecord(id string, prior *Record, reason string, store LogicalStore) (*WhoIWasRecord, error) {
	if reason == "" {
		return nil, fmt.Errorf("history snapshot for %s requires a reason", prior.ID)
	}
	data, err := prior.Serialize()
	if err != nil {
		return nil, err
	}
	return &WhoIWasRecord{
		ID:            id,
		Supersedes:    prior.ID,
		Reason:        reason,
		PreviousData:  string(data),
		OriginalStore: store,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// PriorRecord deserializes the snapshot payload back into the pre-change record
func (w *WhoIWasRecord) PriorRecord() (*Record, error) {
	return DeserializeRecord([]byte(w.PreviousData))
}

// Serialize produces the canonical JSON representation
func (w *WhoIWasRecord) Serialize() ([]byte, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize history snapshot %s: %w", w.ID, err)
	}
	return data, nil
}

// DeserializeWhoIWasRecord parses the canonical JSON representation
func DeserializeWhoIWasRecord(data []byte) (*WhoIWasRecord, error) {
	var record WhoIWasRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to deserialize history snapshot: %w", err)
	}
	return &record, nil
}

// ForgottenRecord is a deletion-time archive entry written before any
// main-store record is destroyed. Same shape as a history snapshot but
// partitioned separately so the archive can live on cheaper storage.
type ForgottenRecord struct {
	ID            string       `json:"id"`
	Supersedes    string       `json:"supersedes"` // ID of the deleted record
	Reason        string       `json:"reason"`     // Required human-meaningful reason
	PreviousData  string       `json:"previous_data"`
	OriginalStore LogicalStore `json:"original_store"`
	CreatedAt     time.Time    `json:"created_at"`
}

// NewForgottenRecord archives the given record before it is deleted
func NewForgottenRecord(id string, prior *Record, reason string, store LogicalStore) (*ForgottenRecord, error) {
	if reason == "" {
		return nil, fmt.Errorf("archive entry for %s requires a reason", prior.ID)
	}
	data, err := prior.Serialize()
	if err != nil {
		return nil, err
	}
	return &ForgottenRecord{
		ID:            id,
		Supersedes:    prior.ID,
		Reason:        reason,
		PreviousData:  string(data),
		OriginalStore: store,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// PriorRecord deserializes the archive payload back into the deleted record
func (f *ForgottenRecord) PriorRecord() (*Record, error) {
	return DeserializeRecord([]byte(f.PreviousData))
}

// Serialize produces the canonical JSON representation
func (f *ForgottenRecord) Serialize() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize archive entry %s: %w", f.ID, err)
	}
	return data, nil
}

// DeserializeForgottenRecord parses the canonical JSON representation
func DeserializeForgottenRecord(data []byte) (*ForgottenRecord, error) {
	var record ForgottenRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to deserialize archive entry: %w", err)
	}
	return &record, nil
}
