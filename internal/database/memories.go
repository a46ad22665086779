package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jordanhubbard/weft/pkg/models"
)

// UpsertMemory inserts a memory record, overwriting any existing record with
// the same id. The second write's fields win; re-insertion is idempotent.
func (d *Database) UpsertMemory(r *models.MemoryRecord) error {
	if r == nil {
		return fmt.Errorf("memory record cannot be nil")
	}

	metrics, err := marshalOrEmpty(r.Metrics)
	if err != nil {
		return fmt.Errorf("failed to encode metrics: %w", err)
	}
	tags, err := marshalOrEmpty(r.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	var expiresAt interface{}
	if r.ExpiresAt != nil {
		expiresAt = r.ExpiresAt.UTC()
	}

	_, err = d.db.Exec(d.rebind(`
		INSERT INTO memories (id, worker_id, created_at, situation, action, outcome, success, metrics, lesson, tags, relevance_prior, memory_class, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			worker_id = excluded.worker_id,
			created_at = excluded.created_at,
			situation = excluded.situation,
			action = excluded.action,
			outcome = excluded.outcome,
			success = excluded.success,
			metrics = excluded.metrics,
			lesson = excluded.lesson,
			tags = excluded.tags,
			relevance_prior = excluded.relevance_prior,
			memory_class = excluded.memory_class,
			expires_at = excluded.expires_at`),
		r.ID, r.WorkerID, r.CreatedAt.UTC(), r.Situation, r.Action, r.Outcome, r.Success,
		metrics, r.Lesson, tags, r.RelevancePrior, string(r.Class), expiresAt,
	)
	return err
}

// GetMemory retrieves one record by id. Returns (nil, nil) when absent.
func (d *Database) GetMemory(id string) (*models.MemoryRecord, error) {
	row := d.db.QueryRow(d.rebind(`
		SELECT id, worker_id, created_at, situation, action, outcome, success, metrics, lesson, tags, relevance_prior, memory_class, expires_at
		FROM memories WHERE id = ?`), id)

	r, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// ListMemoriesByWorker returns a worker's records ordered newest first.
// Expired ephemeral records are filtered out; limit <= 0 means no limit.
func (d *Database) ListMemoriesByWorker(workerID string, limit int) ([]*models.MemoryRecord, error) {
	query := `
		SELECT id, worker_id, created_at, situation, action, outcome, success, metrics, lesson, tags, relevance_prior, memory_class, expires_at
		FROM memories
		WHERE worker_id = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at DESC, id ASC`
	args := []interface{}{workerID, time.Now().UTC()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(d.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.MemoryRecord
	for rows.Next() {
		r, err := scanMemory(rows)
		if err != nil {
			return records, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// GetMemoriesByID loads the given record ids, skipping ids that no longer
// exist. Used by the index-backed retrieval path.
func (d *Database) GetMemoriesByID(ids []string) ([]*models.MemoryRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := d.db.Query(d.rebind(fmt.Sprintf(`
		SELECT id, worker_id, created_at, situation, action, outcome, success, metrics, lesson, tags, relevance_prior, memory_class, expires_at
		FROM memories WHERE id IN (%s)`, placeholders)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.MemoryRecord
	for rows.Next() {
		r, err := scanMemory(rows)
		if err != nil {
			return records, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// PruneMemories deletes ephemeral records whose expiry is strictly before
// now and returns the count removed. This is the only deletion path;
// durable, rule, and entity records are never auto-deleted.
func (d *Database) PruneMemories(now time.Time) (int, error) {
	res, err := d.db.Exec(d.rebind(`
		DELETE FROM memories
		WHERE memory_class = ? AND expires_at IS NOT NULL AND expires_at < ?`),
		string(models.MemoryEphemeral), now.UTC(),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ExpiredMemoryRef identifies an expired ephemeral record pending removal.
type ExpiredMemoryRef struct {
	ID       string
	WorkerID string
}

// ListExpiredMemories returns refs for ephemeral records whose expiry is
// strictly before now.
func (d *Database) ListExpiredMemories(now time.Time) ([]ExpiredMemoryRef, error) {
	rows, err := d.db.Query(d.rebind(`
		SELECT id, worker_id FROM memories
		WHERE memory_class = ? AND expires_at IS NOT NULL AND expires_at < ?`),
		string(models.MemoryEphemeral), now.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []ExpiredMemoryRef
	for rows.Next() {
		var ref ExpiredMemoryRef
		if err := rows.Scan(&ref.ID, &ref.WorkerID); err != nil {
			return refs, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// DeleteMemoryIfExpired removes one record only if it is still ephemeral
// and still expired at call time. A concurrent overwrite that refreshed the
// expiry wins (last-writer-wins on id collisions).
func (d *Database) DeleteMemoryIfExpired(id string, now time.Time) (bool, error) {
	res, err := d.db.Exec(d.rebind(`
		DELETE FROM memories
		WHERE id = ? AND memory_class = ? AND expires_at IS NOT NULL AND expires_at < ?`),
		id, string(models.MemoryEphemeral), now.UTC(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MemoryStatsForWorker returns record count and success ratio for a worker.
func (d *Database) MemoryStatsForWorker(workerID string) (*models.MemoryStats, error) {
	row := d.db.QueryRow(d.rebind(`
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0)
		FROM memories WHERE worker_id = ?`), workerID)

	stats := &models.MemoryStats{WorkerID: workerID}
	if err := row.Scan(&stats.RecordCount, &stats.SuccessCount); err != nil {
		return nil, err
	}
	if stats.RecordCount > 0 {
		stats.SuccessRatio = float64(stats.SuccessCount) / float64(stats.RecordCount)
	}
	return stats, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(row scanner) (*models.MemoryRecord, error) {
	r := &models.MemoryRecord{}
	var (
		metrics   sql.NullString
		lesson    sql.NullString
		tags      sql.NullString
		class     string
		expiresAt sql.NullTime
	)

	err := row.Scan(&r.ID, &r.WorkerID, &r.CreatedAt, &r.Situation, &r.Action, &r.Outcome,
		&r.Success, &metrics, &lesson, &tags, &r.RelevancePrior, &class, &expiresAt)
	if err != nil {
		return nil, err
	}

	r.Class = models.MemoryClass(class)
	r.Lesson = lesson.String
	if metrics.Valid && metrics.String != "" {
		if err := json.Unmarshal([]byte(metrics.String), &r.Metrics); err != nil {
			return nil, fmt.Errorf("failed to decode metrics for %s: %w", r.ID, err)
		}
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &r.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags for %s: %w", r.ID, err)
		}
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		r.ExpiresAt = &t
	}
	return r, nil
}

func marshalOrEmpty(v interface{}) (string, error) {
	switch x := v.(type) {
	case map[string]float64:
		if len(x) == 0 {
			return "", nil
		}
	case []string:
		if len(x) == 0 {
			return "", nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
