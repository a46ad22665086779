package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// WorkflowCheckpoint is the durable progress marker for a multi-step
// execution. StepIndex is the next step to run; it only ever increases for a
// given workflow id.
type WorkflowCheckpoint struct {
	WorkflowID string            `json:"workflow_id"`
	StepIndex  int               `json:"step_index"`
	State      map[string]string `json:"state"`
	Completed  bool              `json:"completed"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// WorkflowID derives the deterministic execution identifier from a worker
// and a work item. One pair maps to at most one live execution.
func WorkflowID(workerID, workItemID string) string {
	h := sha256.New()
	h.Write([]byte(workerID))
	h.Write([]byte{0})
	h.Write([]byte(workItemID))
	return "wf-" + hex.EncodeToString(h.Sum(nil))[:16]
}

// NewWorkflowCheckpoint returns a fresh checkpoint at step 0 with empty state.
func NewWorkflowCheckpoint(workflowID string) *WorkflowCheckpoint {
	return &WorkflowCheckpoint{
		WorkflowID: workflowID,
		StepIndex:  0,
		State:      make(map[string]string),
		UpdatedAt:  time.Now(),
	}
}

// CloneState returns a copy of the checkpoint state so callers can mutate
// freely without racing the stored snapshot.
func (c *WorkflowCheckpoint) CloneState() map[string]string {
	out := make(map[string]string, len(c.State))
	for k, v := range c.State {
		out[k] = v
	}
	return out
}
