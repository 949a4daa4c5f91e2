package models

import (
	"encoding/json"
	"time"
)

// WorkflowCheckpoint is a development-mode dump of workflow state at a stage
// boundary. Strictly diagnostic; never load-bearing.
type WorkflowCheckpoint struct {
	WorkflowName string          `json:"workflow_name"`
	RunID        string          `json:"run_id"`
	Stage        string          `json:"stage"`
	State        json.RawMessage `json:"state"`
	CreatedAt    time.Time       `json:"created_at"`
}

// NewWorkflowCheckpoint marshals the given state blob into a checkpoint
func NewWorkflowCheckpoint(workflow, runID, stage string, state interface{}) (*WorkflowCheckpoint, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	return &WorkflowCheckpoint{
		WorkflowName: workflow,
		RunID:        runID,
		Stage:        stage,
		State:        data,
		CreatedAt:    time.Now().UTC(),
	}, nil
}
