package models

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

// MemoryClass partitions records by retention behavior. Only ephemeral
// records ever expire; the other classes live until explicitly removed.
type MemoryClass string

const (
	MemoryEphemeral MemoryClass = "ephemeral"
	MemoryDurable   MemoryClass = "durable"
	MemoryRule      MemoryClass = "rule"
	MemoryEntity    MemoryClass = "entity"
)

// Field length bounds enforced at validation time.
const (
	MaxSituationLen = 8192
	MaxActionLen    = 8192
	MaxOutcomeLen   = 8192
)

// DefaultRelevancePrior is assigned when a record is created without an
// explicit prior.
const DefaultRelevancePrior = 0.5

// MemoryRecord is one remembered (situation, action, outcome) triple for a
// worker. Records with the same id overwrite on re-insertion.
type MemoryRecord struct {
	ID        string    `json:"id"`
	WorkerID  string    `json:"worker_id"`
	CreatedAt time.Time `json:"created_at"`
	Situation string    `json:"situation"`
	Action    string    `json:"action"`
	Outcome   string    `json:"outcome"`
	Success   bool      `json:"success"`
	// Metrics carries optional numeric observations (duration, cost).
	Metrics map[string]float64 `json:"metrics,omitempty"`
	Lesson  string             `json:"lesson,omitempty"`
	Tags    []string           `json:"tags,omitempty"`
	// RelevancePrior biases retrieval ranking, within [0,1].
	RelevancePrior float64     `json:"relevance_prior"`
	Class          MemoryClass `json:"memory_class"`
	// ExpiresAt is set exactly when Class is ephemeral.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// MemoryID derives the deterministic record identifier. The id depends on
// the worker, the situation content, and the creation instant, so reporting
// the same outcome twice produces the same id.
func MemoryID(workerID, situation string, createdAt time.Time) string {
	situationDigest := sha256.Sum256([]byte(situation))

	h := sha256.New()
	h.Write([]byte(workerID))
	h.Write([]byte{0})
	h.Write(situationDigest[:])
	h.Write([]byte{0})
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(createdAt.UnixNano()))
	h.Write(ts[:])
	return "mem-" + hex.EncodeToString(h.Sum(nil))[:16]
}

// NewMemoryRecord creates a durable record with the deterministic id and the
// default relevance prior.
func NewMemoryRecord(workerID, situation, action, outcome string, success bool, createdAt time.Time) *MemoryRecord {
	return &MemoryRecord{
		ID:             MemoryID(workerID, situation, createdAt),
		WorkerID:       workerID,
		CreatedAt:      createdAt,
		Situation:      situation,
		Action:         action,
		Outcome:        outcome,
		Success:        success,
		RelevancePrior: DefaultRelevancePrior,
		Class:          MemoryDurable,
	}
}

// Validate checks the record invariants before it reaches storage.
func (r *MemoryRecord) Validate() error {
	if r.WorkerID == "" {
		return &ValidationError{Field: "worker_id", Reason: "worker_id is required"}
	}
	if r.Situation == "" {
		return &ValidationError{Field: "situation", Reason: "situation is required"}
	}
	if len(r.Situation) > MaxSituationLen {
		return &ValidationError{Field: "situation", Reason: fmt.Sprintf("exceeds %d bytes", MaxSituationLen)}
	}
	if len(r.Action) > MaxActionLen {
		return &ValidationError{Field: "action", Reason: fmt.Sprintf("exceeds %d bytes", MaxActionLen)}
	}
	if len(r.Outcome) > MaxOutcomeLen {
		return &ValidationError{Field: "outcome", Reason: fmt.Sprintf("exceeds %d bytes", MaxOutcomeLen)}
	}
	if r.RelevancePrior < 0 || r.RelevancePrior > 1 {
		return &ValidationError{Field: "relevance_prior", Reason: "must be within [0,1]"}
	}

	switch r.Class {
	case MemoryEphemeral:
		if r.ExpiresAt == nil {
			return &ValidationError{Field: "expires_at", Reason: "ephemeral records require an expiry"}
		}
	case MemoryDurable, MemoryRule, MemoryEntity:
		if r.ExpiresAt != nil {
			return &ValidationError{
				Field:  "expires_at",
				Reason: fmt.Sprintf("%s records must not carry an expiry", r.Class),
			}
		}
	default:
		return &ValidationError{Field: "memory_class", Reason: fmt.Sprintf("unknown class %q", r.Class)}
	}
	return nil
}

// Expired reports whether the record's expiry lies strictly before now. Only
// ephemeral records expire.
func (r *MemoryRecord) Expired(now time.Time) bool {
	return r.Class == MemoryEphemeral && r.ExpiresAt != nil && r.ExpiresAt.Before(now)
}

// MemoryStats summarizes a worker's stored records.
type MemoryStats struct {
	WorkerID     string  `json:"worker_id"`
	RecordCount  int     `json:"record_count"`
	SuccessCount int     `json:"success_count"`
	SuccessRatio float64 `json:"success_ratio"`
}
