package taskstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/laguz/internal/apperr"
	"github.com/starford/laguz/internal/codec"
	"github.com/starford/laguz/internal/mnemonic"
	"github.com/starford/laguz/internal/models"
)

const (
	phraseOne = "apple banana candy zebra cloud"
	phraseTwo = "diamond dinner digital zero zoo"
)

func newMnemonics(t *testing.T, phrase string) *mnemonic.Store {
	t.Helper()
	store, err := mnemonic.OpenStore(filepath.Join(t.TempDir(), "mnemonic"), mnemonic.DefaultWords, false)
	if err != nil {
		t.Fatal(err)
	}
	if phrase != "" {
		if err := store.Set(phrase); err != nil {
			t.Fatal(err)
		}
	}
	return store
}

func newSession(t *testing.T, dsn, phrase string) *Session {
	t.Helper()
	if dsn == "" {
		dsn = filepath.Join(t.TempDir(), "session.db")
	}
	s := New(Options{
		ReplicaDSN: dsn,
		Mnemonics:  newMnemonics(t, phrase),
	})
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Destroy)
	return s
}

func TestAddTask(t *testing.T) {
	s := newSession(t, "", phraseOne)

	created, err := s.AddTask(models.Task{Title: "buy milk"})
	if err != nil {
		t.Fatal(err)
	}
	if created.ID == "" {
		t.Fatal("no id assigned")
	}
	if created.Status != models.StatusTodo {
		t.Fatalf("status = %q", created.Status)
	}
	if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
		t.Fatal("timestamps not assigned")
	}

	tasks := s.Snapshot()
	if len(tasks) != 1 || tasks[0].Title != "buy milk" {
		t.Fatalf("snapshot = %+v", tasks)
	}
}

func TestAddTask_OrderAppends(t *testing.T) {
	s := newSession(t, "", phraseOne)
	for i, title := range []string{"first", "second", "third"} {
		created, err := s.AddTask(models.Task{Title: title})
		if err != nil {
			t.Fatal(err)
		}
		if created.Order != i {
			t.Fatalf("order = %d, want %d", created.Order, i)
		}
	}
	tasks := s.Snapshot()
	if tasks[0].Title != "first" || tasks[2].Title != "third" {
		t.Fatalf("snapshot order wrong: %+v", tasks)
	}
}

func TestAddTask_NoMnemonic(t *testing.T) {
	s := newSession(t, "", "")
	if _, err := s.AddTask(models.Task{Title: "x"}); !errors.Is(err, apperr.ErrNoMnemonic) {
		t.Fatalf("err = %v, want ErrNoMnemonic", err)
	}
	if len(s.Snapshot()) != 0 {
		t.Fatal("snapshot not empty without a key")
	}
}

func TestUpdateTask(t *testing.T) {
	s := newSession(t, "", phraseOne)
	created, err := s.AddTask(models.Task{Title: "draft"})
	if err != nil {
		t.Fatal(err)
	}

	title := "final"
	notes := "reviewed"
	updated, err := s.UpdateTask(created.ID, models.TaskUpdate{Title: &title, Notes: &notes})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Title != "final" || updated.Notes != "reviewed" {
		t.Fatalf("updated = %+v", updated)
	}
	if updated.ID != created.ID {
		t.Fatal("update changed the id")
	}
	if !updated.UpdatedAt.After(created.UpdatedAt) && !updated.UpdatedAt.Equal(created.UpdatedAt) {
		t.Fatal("updated_at not advanced")
	}

	tasks := s.Snapshot()
	if len(tasks) != 1 || tasks[0].Title != "final" {
		t.Fatalf("snapshot after update = %+v", tasks)
	}
}

func TestUpdateTask_StatusTransitions(t *testing.T) {
	s := newSession(t, "", phraseOne)
	created, _ := s.AddTask(models.Task{Title: "x"})

	completed := models.StatusCompleted
	got, err := s.UpdateTask(created.ID, models.TaskUpdate{Status: &completed})
	if err != nil {
		t.Fatal(err)
	}
	if got.CompletedAt == nil {
		t.Fatal("completion did not set completed_at")
	}

	todo := models.StatusTodo
	got, err = s.UpdateTask(created.ID, models.TaskUpdate{Status: &todo})
	if err != nil {
		t.Fatal(err)
	}
	if got.CompletedAt != nil {
		t.Fatal("reopening did not clear completed_at")
	}
}

func TestUpdateTask_NotFound(t *testing.T) {
	s := newSession(t, "", phraseOne)
	title := "x"
	if _, err := s.UpdateTask("nope", models.TaskUpdate{Title: &title}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCompleteTask_NonRecurring(t *testing.T) {
	s := newSession(t, "", phraseOne)
	created, _ := s.AddTask(models.Task{Title: "one-off"})

	completed, err := s.CompleteTask(created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if completed.Status != models.StatusCompleted || completed.CompletedAt == nil {
		t.Fatalf("completed = %+v", completed)
	}
	if len(s.Snapshot()) != 1 {
		t.Fatal("non-recurring completion spawned a successor")
	}
}

func TestCompleteTask_RecurringSpawnsSuccessor(t *testing.T) {
	s := newSession(t, "", phraseOne)
	due := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	created, err := s.AddTask(models.Task{
		Title:      "water plants",
		DueDate:    &due,
		Recurrence: models.RecurWeekly,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.CompleteTask(created.ID); err != nil {
		t.Fatal(err)
	}

	tasks := s.Snapshot()
	if len(tasks) != 2 {
		t.Fatalf("tasks = %d, want completed original plus successor", len(tasks))
	}

	var successor *models.Task
	for i := range tasks {
		if tasks[i].ID != created.ID {
			successor = &tasks[i]
		}
	}
	if successor == nil {
		t.Fatal("no successor found")
	}
	if successor.Status != models.StatusTodo {
		t.Fatalf("successor status = %q", successor.Status)
	}
	if successor.Recurrence != models.RecurWeekly {
		t.Fatal("successor lost its recurrence")
	}
	wantDue := due.AddDate(0, 0, 7)
	if successor.DueDate == nil || !successor.DueDate.Equal(wantDue) {
		t.Fatalf("successor due = %v, want %v", successor.DueDate, wantDue)
	}
	if successor.CompletedAt != nil {
		t.Fatal("successor born completed")
	}
}

func TestCompleteTask_RecurringWithoutDueDate(t *testing.T) {
	s := newSession(t, "", phraseOne)
	created, _ := s.AddTask(models.Task{Title: "x", Recurrence: models.RecurMonthly})

	if _, err := s.CompleteTask(created.ID); err != nil {
		t.Fatal(err)
	}
	if len(s.Snapshot()) != 1 {
		t.Fatal("recurrence without a due date spawned a successor")
	}
}

func TestCompleteTask_AlreadyCompletedNoDoubleSpawn(t *testing.T) {
	s := newSession(t, "", phraseOne)
	due := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	created, _ := s.AddTask(models.Task{Title: "x", DueDate: &due, Recurrence: models.RecurWeekly})

	if _, err := s.CompleteTask(created.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CompleteTask(created.ID); err != nil {
		t.Fatal(err)
	}
	if got := len(s.Snapshot()); got != 2 {
		t.Fatalf("tasks = %d, want 2 (one successor only)", got)
	}
}

func TestDeleteTask(t *testing.T) {
	s := newSession(t, "", phraseOne)
	created, _ := s.AddTask(models.Task{Title: "x"})

	if err := s.DeleteTask(created.ID); err != nil {
		t.Fatal(err)
	}
	if len(s.Snapshot()) != 0 {
		t.Fatal("task still visible after delete")
	}

	if err := s.DeleteTask(created.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestPersistence_AcrossSessions(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "shared.db")

	s1 := newSession(t, dsn, phraseOne)
	created, err := s1.AddTask(models.Task{Title: "durable"})
	if err != nil {
		t.Fatal(err)
	}
	s1.Destroy()

	s2 := newSession(t, dsn, phraseOne)
	tasks := s2.Snapshot()
	if len(tasks) != 1 || tasks[0].ID != created.ID || tasks[0].Title != "durable" {
		t.Fatalf("reloaded tasks = %+v", tasks)
	}
}

func TestWrongKey_ShowsLockedPlaceholder(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "shared.db")

	s1 := newSession(t, dsn, phraseOne)
	if _, err := s1.AddTask(models.Task{Title: "secret"}); err != nil {
		t.Fatal(err)
	}
	s1.Destroy()

	s2 := newSession(t, dsn, phraseTwo)
	tasks := s2.Snapshot()
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1 locked entry", len(tasks))
	}
	if tasks[0].Title != codec.LockedTitle {
		t.Fatalf("title = %q, want locked placeholder", tasks[0].Title)
	}
}

func TestRotate_LocksOldData(t *testing.T) {
	s := newSession(t, "", phraseOne)
	if _, err := s.AddTask(models.Task{Title: "before rotation"}); err != nil {
		t.Fatal(err)
	}

	if err := s.SetMnemonic(context.Background(), phraseTwo); err != nil {
		t.Fatal(err)
	}

	tasks := s.Snapshot()
	if len(tasks) != 1 || tasks[0].Title != codec.LockedTitle {
		t.Fatalf("after rotation = %+v", tasks)
	}
}

func TestReset_PurgesLocalState(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "shared.db")
	s := newSession(t, dsn, phraseOne)
	if _, err := s.AddTask(models.Task{Title: "gone"}); err != nil {
		t.Fatal(err)
	}

	if err := s.Reset(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(s.Snapshot()) != 0 {
		t.Fatal("reset left tasks behind")
	}
	s.Destroy()

	// The purge is durable.
	s2 := newSession(t, dsn, phraseOne)
	if len(s2.Snapshot()) != 0 {
		t.Fatal("reset did not reach the replica")
	}
}

func TestSubscribe_DeliversSnapshots(t *testing.T) {
	s := newSession(t, "", phraseOne)
	ch, cancel := s.Subscribe()
	defer cancel()

	if _, err := s.AddTask(models.Task{Title: "x"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				t.Fatal("channel closed early")
			}
			if len(snap.Tasks) == 1 && snap.Tasks[0].Title == "x" {
				return
			}
		case <-deadline:
			t.Fatal("no snapshot delivered")
		}
	}
}

func TestDestroy_Idempotent(t *testing.T) {
	s := newSession(t, "", phraseOne)
	ch, cancel := s.Subscribe()
	defer cancel()

	s.Destroy()
	s.Destroy()

	if _, err := s.AddTask(models.Task{Title: "x"}); !errors.Is(err, apperr.ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}

	// Subscriber channel is closed on destroy.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscriber channel not closed")
		}
	}
}

func TestStatus_OfflineDefaults(t *testing.T) {
	s := newSession(t, "", phraseOne)
	st := s.Status()
	if st.Connected || st.Syncing || st.Peers != 0 {
		t.Fatalf("offline status = %+v", st)
	}
}
