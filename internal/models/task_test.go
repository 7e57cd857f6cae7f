package models

import (
	"testing"
	"time"
)

func TestNextDueDate(t *testing.T) {
	due := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		rec  Recurrence
		want time.Time
	}{
		{RecurWeekly, time.Date(2026, 2, 7, 0, 0, 0, 0, time.UTC)},
		{RecurMonthly, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)}, // Jan 31 + 1 month normalizes past Feb
		{RecurQuarterly, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)},
		{RecurYearly, time.Date(2027, 1, 31, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		task := Task{DueDate: &due, Recurrence: tc.rec}
		got := task.NextDueDate()
		if got == nil || !got.Equal(tc.want) {
			t.Errorf("%s: next = %v, want %v", tc.rec, got, tc.want)
		}
	}
}

func TestNextDueDate_Absent(t *testing.T) {
	due := time.Now()
	if (Task{Recurrence: RecurWeekly}).NextDueDate() != nil {
		t.Error("no due date should yield no successor date")
	}
	if (Task{DueDate: &due}).NextDueDate() != nil {
		t.Error("no recurrence should yield no successor date")
	}
}

func TestClone_DeepCopies(t *testing.T) {
	due := time.Now()
	orig := Task{Labels: []string{"a"}, DueDate: &due}
	cp := orig.Clone()

	cp.Labels[0] = "changed"
	*cp.DueDate = due.AddDate(1, 0, 0)

	if orig.Labels[0] != "a" {
		t.Error("labels shared between clone and original")
	}
	if !orig.DueDate.Equal(due) {
		t.Error("due date shared between clone and original")
	}
}

func TestStatusAndRecurrenceValidation(t *testing.T) {
	if !StatusTodo.Valid() || !StatusCompleted.Valid() || TaskStatus("done").Valid() {
		t.Error("status validation wrong")
	}
	if !RecurNone.Valid() || !RecurWeekly.Valid() || Recurrence("daily").Valid() {
		t.Error("recurrence validation wrong")
	}
}
