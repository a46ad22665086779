package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jordanhubbard/weft/pkg/models"
)

// GetCheckpoint retrieves a workflow checkpoint. Returns (nil, nil) when no
// checkpoint exists for the workflow id.
func (d *Database) GetCheckpoint(workflowID string) (*models.WorkflowCheckpoint, error) {
	row := d.db.QueryRow(d.rebind(`
		SELECT workflow_id, step_index, state, completed, updated_at
		FROM checkpoints WHERE workflow_id = ?`), workflowID)

	cp := &models.WorkflowCheckpoint{}
	var state string
	err := row.Scan(&cp.WorkflowID, &cp.StepIndex, &state, &cp.Completed, &cp.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(state), &cp.State); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint state for %s: %w", workflowID, err)
	}
	return cp, nil
}

// SaveCheckpoint upserts a checkpoint. step_index is monotonic per workflow
// id: a write with a smaller index than the stored one is rejected, which is
// what keeps "resume from last good step" safe across crashes.
func (d *Database) SaveCheckpoint(cp *models.WorkflowCheckpoint) error {
	if cp == nil {
		return fmt.Errorf("checkpoint cannot be nil")
	}

	state, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint state: %w", err)
	}
	cp.UpdatedAt = time.Now()

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current int
	err = tx.QueryRow(d.rebind(`SELECT step_index FROM checkpoints WHERE workflow_id = ?`), cp.WorkflowID).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		// First checkpoint for this workflow.
	case err != nil:
		return err
	case cp.StepIndex < current:
		return fmt.Errorf("checkpoint step_index for %s may not decrease (%d < %d)",
			cp.WorkflowID, cp.StepIndex, current)
	}

	_, err = tx.Exec(d.rebind(`
		INSERT INTO checkpoints (workflow_id, step_index, state, completed, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(workflow_id) DO UPDATE SET
			step_index = excluded.step_index,
			state = excluded.state,
			completed = excluded.completed,
			updated_at = excluded.updated_at`),
		cp.WorkflowID, cp.StepIndex, string(state), cp.Completed, cp.UpdatedAt.UTC(),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}
