// Package models defines the domain types for Laguz.
package models

import "time"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

// Task statuses.
const (
	StatusTodo      TaskStatus = "todo"
	StatusCompleted TaskStatus = "completed"
)

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	return s == StatusTodo || s == StatusCompleted
}

// Recurrence is the repeat interval of a task. The zero value means
// the task does not recur.
type Recurrence string

// Recurrence intervals.
const (
	RecurNone      Recurrence = ""
	RecurWeekly    Recurrence = "weekly"
	RecurMonthly   Recurrence = "monthly"
	RecurQuarterly Recurrence = "quarterly"
	RecurYearly    Recurrence = "yearly"
)

// Valid reports whether r is a known recurrence interval.
func (r Recurrence) Valid() bool {
	switch r {
	case RecurNone, RecurWeekly, RecurMonthly, RecurQuarterly, RecurYearly:
		return true
	}
	return false
}

// Task represents a single task as seen by the application layer.
// DueDate and CompletedAt carry calendar-day semantics; time of day is
// not meaningful.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Notes       string     `json:"notes,omitempty"`
	Status      TaskStatus `json:"status"`
	Labels      []string   `json:"labels"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Order       int        `json:"order"`
	Recurrence  Recurrence `json:"recurrence,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Clone returns a deep copy of the task. Callers that hand tasks across
// ownership boundaries (store projection, API responses) must clone so no
// shared mutable slices or pointers leak.
func (t Task) Clone() Task {
	out := t
	if t.Labels != nil {
		out.Labels = append([]string(nil), t.Labels...)
	}
	if t.DueDate != nil {
		d := *t.DueDate
		out.DueDate = &d
	}
	if t.CompletedAt != nil {
		c := *t.CompletedAt
		out.CompletedAt = &c
	}
	return out
}

// NextDueDate returns the due date of the next occurrence, or nil when the
// task has no recurrence or no due date to advance from.
func (t Task) NextDueDate() *time.Time {
	if t.Recurrence == RecurNone || t.DueDate == nil {
		return nil
	}
	var next time.Time
	switch t.Recurrence {
	case RecurWeekly:
		next = t.DueDate.AddDate(0, 0, 7)
	case RecurMonthly:
		next = t.DueDate.AddDate(0, 1, 0)
	case RecurQuarterly:
		next = t.DueDate.AddDate(0, 3, 0)
	case RecurYearly:
		next = t.DueDate.AddDate(1, 0, 0)
	default:
		return nil
	}
	return &next
}

// TaskUpdate carries a partial task mutation. Nil fields are left unchanged.
type TaskUpdate struct {
	Title       *string     `json:"title,omitempty"`
	Description *string     `json:"description,omitempty"`
	Notes       *string     `json:"notes,omitempty"`
	Status      *TaskStatus `json:"status,omitempty"`
	Labels      *[]string   `json:"labels,omitempty"`
	DueDate     *time.Time  `json:"due_date,omitempty"`
	Order       *int        `json:"order,omitempty"`
	Recurrence  *Recurrence `json:"recurrence,omitempty"`
}
