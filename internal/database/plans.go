package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jordanhubbard/weft/pkg/models"
)

// UpsertPlan stores a coordination plan as a single JSON document, the same
// way checkpoint state is stored. Plans are small; per-subtask rows would
// buy nothing here.
func (d *Database) UpsertPlan(p *models.CoordinationPlan) error {
	if p == nil {
		return fmt.Errorf("plan cannot be nil")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.UpdatedAt = time.Now()

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}

	_, err = d.db.Exec(d.rebind(`
		INSERT INTO plans (plan_id, work_item_id, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(plan_id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at`),
		p.PlanID, p.WorkItemID, string(data), p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	)
	return err
}

// GetPlan retrieves a plan by id. Returns (nil, nil) when absent.
func (d *Database) GetPlan(planID string) (*models.CoordinationPlan, error) {
	var data string
	err := d.db.QueryRow(d.rebind(`SELECT data FROM plans WHERE plan_id = ?`), planID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	p := &models.CoordinationPlan{}
	if err := json.Unmarshal([]byte(data), p); err != nil {
		return nil, fmt.Errorf("failed to decode plan %s: %w", planID, err)
	}
	return p, nil
}

// GetPlanByWorkItem retrieves the most recent plan for a work item.
func (d *Database) GetPlanByWorkItem(workItemID string) (*models.CoordinationPlan, error) {
	var data string
	err := d.db.QueryRow(d.rebind(`
		SELECT data FROM plans WHERE work_item_id = ?
		ORDER BY created_at DESC LIMIT 1`), workItemID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	p := &models.CoordinationPlan{}
	if err := json.Unmarshal([]byte(data), p); err != nil {
		return nil, fmt.Errorf("failed to decode plan for work item %s: %w", workItemID, err)
	}
	return p, nil
}
