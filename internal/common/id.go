package common

import (
	"github.com/google/uuid"
)

// NewRecordID generates a unique record ID with the "rec_" prefix
// Format: rec_<uuid>
func NewRecordID() string {
	return "rec_" + uuid.New().String()
}

// NewRunID generates a unique pipeline run ID with the "run_" prefix
// Format: run_<uuid>
func NewRunID() string {
	return "run_" + uuid.New().String()
}

// NewBatchID generates a unique batch request ID with the "batch_" prefix
// Format: batch_<uuid>
func NewBatchID() string {
	return "batch_" + uuid.New().String()
}
