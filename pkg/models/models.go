package models

import (
	"fmt"
	"time"
)

// WorkItemStatus represents the lifecycle state of a work item.
type WorkItemStatus string

const (
	WorkItemStatusOpen       WorkItemStatus = "open"
	WorkItemStatusMatched    WorkItemStatus = "matched"
	WorkItemStatusInProgress WorkItemStatus = "in_progress"
	WorkItemStatusClosed     WorkItemStatus = "closed"
)

// WorkItem is an externally sourced unit of work requiring assignment to a
// worker. Items are immutable once matched except for status transitions.
type WorkItem struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	Topics   []string `json:"topics,omitempty"`
	Priority int      `json:"priority"`
	Complex  bool     `json:"complex,omitempty"`
	// Phases optionally overrides the canonical decomposition phases when
	// the item is planned rather than matched directly.
	Phases    []string       `json:"phases,omitempty"`
	Status    WorkItemStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Validate checks the fields an inbound work item must carry.
func (w *WorkItem) Validate() error {
	if w.ID == "" {
		return &ValidationError{Field: "id", Reason: "id is required"}
	}
	if w.Title == "" {
		return &ValidationError{Field: "title", Reason: "title is required"}
	}
	return nil
}

// WorkerProfile describes a long-lived, externally registered worker. The
// engine only reads profiles; it never creates or deletes workers.
type WorkerProfile struct {
	WorkerID string `json:"worker_id"`
	// Specializations maps topic strings to affinity weights in [0,1].
	Specializations map[string]float64 `json:"specializations"`
	// AggregateScore is the externally maintained rolling outcome quality,
	// already normalized to [0,1].
	AggregateScore float64 `json:"aggregate_score"`
}

// Validate enforces the registration-time invariants so an unmatched topic
// is a visible configuration gap rather than a silent zero score.
func (p *WorkerProfile) Validate() error {
	if p.WorkerID == "" {
		return &ValidationError{Field: "worker_id", Reason: "worker_id is required"}
	}
	for topic, affinity := range p.Specializations {
		if topic == "" {
			return &ValidationError{Field: "specializations", Reason: "empty topic"}
		}
		if affinity < 0 || affinity > 1 {
			return &ValidationError{
				Field:  "specializations",
				Reason: fmt.Sprintf("affinity for %q must be within [0,1]", topic),
			}
		}
	}
	if p.AggregateScore < 0 || p.AggregateScore > 1 {
		return &ValidationError{Field: "aggregate_score", Reason: "must be within [0,1]"}
	}
	return nil
}

// Outcome is the final result of executing a work item, reported back by the
// caller once a workflow completes or permanently fails.
type Outcome struct {
	WorkItemID string   `json:"work_item_id"`
	WorkerID   string   `json:"worker_id"`
	Success    bool     `json:"success"`
	Summary    string   `json:"summary"`
	Artifacts  []string `json:"artifacts,omitempty"`
	Lesson     string   `json:"lesson,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// Assignment is the engine's answer to a submitted work item: either a
// direct worker assignment or a coordination plan id.
type Assignment struct {
	WorkItemID string  `json:"work_item_id"`
	WorkerID   string  `json:"worker_id,omitempty"`
	Score      float64 `json:"score,omitempty"`
	PlanID     string  `json:"plan_id,omitempty"`
}
