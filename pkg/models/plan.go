package models

import (
	"fmt"
	"time"
)

// SubtaskStatus is the per-subtask state machine:
// pending -> running -> {done | failed}. Terminal states never transition.
type SubtaskStatus string

const (
	SubtaskPending SubtaskStatus = "pending"
	SubtaskRunning SubtaskStatus = "running"
	SubtaskDone    SubtaskStatus = "done"
	SubtaskFailed  SubtaskStatus = "failed"
)

// ValidSubtaskTransition reports whether moving from one status to another
// is allowed.
func ValidSubtaskTransition(from, to SubtaskStatus) bool {
	switch from {
	case SubtaskPending:
		return to == SubtaskRunning || to == SubtaskFailed
	case SubtaskRunning:
		return to == SubtaskDone || to == SubtaskFailed
	}
	return false
}

// Subtask is one dependency-ordered unit of a coordination plan.
type Subtask struct {
	ID          string   `json:"id"`
	Phase       string   `json:"phase"`
	Description string   `json:"description"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// CoordinationPlan decomposes one large work item into dependency-ordered
// subtasks, each independently assigned to a worker.
type CoordinationPlan struct {
	PlanID      string                   `json:"plan_id"`
	WorkItemID  string                   `json:"work_item_id"`
	Subtasks    []Subtask                `json:"subtasks"`
	Assignments map[string]string        `json:"assignments"`
	Status      map[string]SubtaskStatus `json:"status"`
	CreatedAt   time.Time                `json:"created_at"`
	UpdatedAt   time.Time                `json:"updated_at"`
}

// Validate checks plan shape and rejects cyclic dependency graphs.
func (p *CoordinationPlan) Validate() error {
	if p.PlanID == "" {
		return &ValidationError{Field: "plan_id", Reason: "plan_id is required"}
	}
	if p.WorkItemID == "" {
		return &ValidationError{Field: "work_item_id", Reason: "work_item_id is required"}
	}
	if len(p.Subtasks) == 0 {
		return &ValidationError{Field: "subtasks", Reason: "plan has no subtasks"}
	}
	ids := make(map[string]bool, len(p.Subtasks))
	for _, st := range p.Subtasks {
		if st.ID == "" {
			return &ValidationError{Field: "subtasks", Reason: "subtask id is required"}
		}
		if ids[st.ID] {
			return &ValidationError{Field: "subtasks", Reason: fmt.Sprintf("duplicate subtask id %s", st.ID)}
		}
		ids[st.ID] = true
	}
	for _, st := range p.Subtasks {
		for _, dep := range st.DependsOn {
			if !ids[dep] {
				return &ValidationError{
					Field:  "subtasks",
					Reason: fmt.Sprintf("subtask %s depends on unknown subtask %s", st.ID, dep),
				}
			}
		}
	}
	if _, err := p.TopologicalOrder(); err != nil {
		return err
	}
	return nil
}

// TopologicalOrder returns a dependency-respecting execution order, or a
// ValidationError if the graph contains a cycle.
func (p *CoordinationPlan) TopologicalOrder() ([]string, error) {
	indegree := make(map[string]int, len(p.Subtasks))
	dependents := make(map[string][]string, len(p.Subtasks))
	for _, st := range p.Subtasks {
		indegree[st.ID] += 0
		for _, dep := range st.DependsOn {
			indegree[st.ID]++
			dependents[dep] = append(dependents[dep], st.ID)
		}
	}

	// Seed the queue in declaration order so the result is deterministic.
	var queue []string
	for _, st := range p.Subtasks {
		if indegree[st.ID] == 0 {
			queue = append(queue, st.ID)
		}
	}

	order := make([]string, 0, len(p.Subtasks))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(p.Subtasks) {
		return nil, &ValidationError{Field: "subtasks", Reason: "dependency graph contains a cycle"}
	}
	return order, nil
}

// Dependents returns subtask ids that depend, directly or transitively, on
// the given subtask.
func (p *CoordinationPlan) Dependents(subtaskID string) []string {
	direct := make(map[string][]string, len(p.Subtasks))
	for _, st := range p.Subtasks {
		for _, dep := range st.DependsOn {
			direct[dep] = append(direct[dep], st.ID)
		}
	}

	seen := make(map[string]bool)
	var result []string
	stack := append([]string(nil), direct[subtaskID]...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		result = append(result, id)
		stack = append(stack, direct[id]...)
	}
	return result
}

// Transition moves a subtask through its state machine, rejecting invalid
// moves and transitions out of terminal states.
func (p *CoordinationPlan) Transition(subtaskID string, to SubtaskStatus) error {
	from, ok := p.Status[subtaskID]
	if !ok {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown subtask %s", subtaskID)}
	}
	if !ValidSubtaskTransition(from, to) {
		return &ValidationError{
			Field:  "status",
			Reason: fmt.Sprintf("subtask %s cannot move %s -> %s", subtaskID, from, to),
		}
	}
	p.Status[subtaskID] = to
	p.UpdatedAt = time.Now()
	return nil
}
