package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/laguz/internal/codec"
	"github.com/starford/laguz/internal/mnemonic"
	"github.com/starford/laguz/internal/models"
	"github.com/starford/laguz/internal/taskstore"
)

const testPhrase = "apple banana candy zebra cloud"

// testEnv sets up an offline session and router. authToken="" means
// disabled mode; non-empty enables Bearer auth.
func testEnv(t *testing.T, authToken string) (*taskstore.Session, http.Handler) {
	t.Helper()

	mnems, err := mnemonic.OpenStore(filepath.Join(t.TempDir(), "mnemonic"), mnemonic.DefaultWords, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := mnems.Set(testPhrase); err != nil {
		t.Fatal(err)
	}

	session := taskstore.New(taskstore.Options{
		ReplicaDSN: filepath.Join(t.TempDir(), "api-test.db"),
		Mnemonics:  mnems,
	})
	if err := session.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(session.Destroy)

	router := NewRouter(session, mnems, nil, authToken != "", authToken)
	return session, router
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateAndGetTask(t *testing.T) {
	_, router := testEnv(t, "")

	w := doJSON(t, router, http.MethodPost, "/tasks", CreateTaskRequest{
		Title:       "buy milk",
		Description: "two liters",
		Labels:      []string{"errand"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	var created models.Task
	_ = json.Unmarshal(w.Body.Bytes(), &created)
	if created.ID == "" || created.Title != "buy milk" {
		t.Fatalf("created = %+v", created)
	}

	w = doJSON(t, router, http.MethodGet, "/tasks/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var got models.Task
	_ = json.Unmarshal(w.Body.Bytes(), &got)
	if got.Description != "two liters" || len(got.Labels) != 1 {
		t.Fatalf("got = %+v", got)
	}
}

func TestCreateTask_Validation(t *testing.T) {
	_, router := testEnv(t, "")

	if w := doJSON(t, router, http.MethodPost, "/tasks", CreateTaskRequest{}); w.Code != http.StatusBadRequest {
		t.Fatalf("empty title status = %d", w.Code)
	}
	if w := doJSON(t, router, http.MethodPost, "/tasks", CreateTaskRequest{Title: "x", Recurrence: "fortnightly"}); w.Code != http.StatusBadRequest {
		t.Fatalf("bad recurrence status = %d", w.Code)
	}
	if w := doJSON(t, router, http.MethodPost, "/tasks", CreateTaskRequest{Title: "x", DueDate: "tomorrow"}); w.Code != http.StatusBadRequest {
		t.Fatalf("bad due_date status = %d", w.Code)
	}
}

func TestListTasks_Filters(t *testing.T) {
	session, router := testEnv(t, "")

	a, _ := session.AddTask(models.Task{Title: "a", Labels: []string{"home"}})
	if _, err := session.AddTask(models.Task{Title: "b", Labels: []string{"work"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := session.CompleteTask(a.ID); err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, router, http.MethodGet, "/tasks?status=todo", nil)
	var resp TaskListResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Total != 1 || resp.Tasks[0].Title != "b" {
		t.Fatalf("todo filter = %+v", resp)
	}

	w = doJSON(t, router, http.MethodGet, "/tasks?label=home", nil)
	resp = TaskListResponse{}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Total != 1 || resp.Tasks[0].Title != "a" {
		t.Fatalf("label filter = %+v", resp)
	}
}

func TestPatchTask(t *testing.T) {
	session, router := testEnv(t, "")
	created, _ := session.AddTask(models.Task{Title: "draft"})

	w := doJSON(t, router, http.MethodPatch, "/tasks/"+created.ID, map[string]any{"title": "final"})
	if w.Code != http.StatusOK {
		t.Fatalf("patch status = %d, body = %s", w.Code, w.Body.String())
	}
	var got models.Task
	_ = json.Unmarshal(w.Body.Bytes(), &got)
	if got.Title != "final" {
		t.Fatalf("title = %q", got.Title)
	}

	if w := doJSON(t, router, http.MethodPatch, "/tasks/nope", map[string]any{"title": "x"}); w.Code != http.StatusNotFound {
		t.Fatalf("missing id status = %d", w.Code)
	}
	if w := doJSON(t, router, http.MethodPatch, "/tasks/"+created.ID, map[string]any{"status": "bogus"}); w.Code != http.StatusBadRequest {
		t.Fatalf("bad status code = %d", w.Code)
	}
}

func TestCompleteTask_Recurring(t *testing.T) {
	session, router := testEnv(t, "")
	due := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	created, _ := session.AddTask(models.Task{Title: "plants", DueDate: &due, Recurrence: models.RecurWeekly})

	w := doJSON(t, router, http.MethodPost, "/tasks/"+created.ID+"/complete", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("complete status = %d", w.Code)
	}
	if got := len(session.Snapshot()); got != 2 {
		t.Fatalf("tasks after recurring complete = %d, want 2", got)
	}
}

func TestDeleteTask(t *testing.T) {
	session, router := testEnv(t, "")
	created, _ := session.AddTask(models.Task{Title: "x"})

	w := doJSON(t, router, http.MethodDelete, "/tasks/"+created.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
	if w := doJSON(t, router, http.MethodDelete, "/tasks/"+created.ID, nil); w.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d", w.Code)
	}
}

func TestSyncStatus(t *testing.T) {
	_, router := testEnv(t, "")
	w := doJSON(t, router, http.MethodGet, "/sync/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var st taskstore.SyncStatus
	_ = json.Unmarshal(w.Body.Bytes(), &st)
	if st.Connected {
		t.Fatal("offline session reports connected")
	}
}

func TestMnemonicEndpoints(t *testing.T) {
	_, router := testEnv(t, "")

	w := doJSON(t, router, http.MethodGet, "/mnemonic", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get mnemonic status = %d", w.Code)
	}
	var got MnemonicResponse
	_ = json.Unmarshal(w.Body.Bytes(), &got)
	if got.Phrase != testPhrase || got.RoomID != mnemonic.DeriveRoomID(testPhrase) {
		t.Fatalf("mnemonic = %+v", got)
	}

	// Rotation through the API.
	const next = "diamond dinner digital zero zoo"
	w = doJSON(t, router, http.MethodPut, "/mnemonic", SetMnemonicRequest{Phrase: next})
	if w.Code != http.StatusOK {
		t.Fatalf("set mnemonic status = %d, body = %s", w.Code, w.Body.String())
	}
	_ = json.Unmarshal(w.Body.Bytes(), &got)
	if got.RoomID != mnemonic.DeriveRoomID(next) {
		t.Fatalf("rotated room = %q", got.RoomID)
	}

	// Invalid phrases are rejected.
	if w := doJSON(t, router, http.MethodPut, "/mnemonic", SetMnemonicRequest{Phrase: "nope"}); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid phrase status = %d", w.Code)
	}
}

func TestMnemonicRotation_LocksOldTasks(t *testing.T) {
	session, router := testEnv(t, "")
	if _, err := session.AddTask(models.Task{Title: "secret"}); err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, router, http.MethodPut, "/mnemonic", SetMnemonicRequest{Phrase: "diamond dinner digital zero zoo"})
	if w.Code != http.StatusOK {
		t.Fatalf("rotate status = %d", w.Code)
	}

	w = doJSON(t, router, http.MethodGet, "/tasks", nil)
	var resp TaskListResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Total != 1 || resp.Tasks[0].Title != codec.LockedTitle {
		t.Fatalf("after rotation = %+v", resp)
	}
}

func TestExport(t *testing.T) {
	session, router := testEnv(t, "")
	if _, err := session.AddTask(models.Task{Title: "backup me"}); err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, router, http.MethodGet, "/export", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("export status = %d", w.Code)
	}
	var resp ExportResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Tasks) != 1 || resp.Tasks[0].Title != "backup me" {
		t.Fatalf("export = %+v", resp)
	}
	if resp.ExportedAt == "" {
		t.Fatal("no export timestamp")
	}
}

func TestAuth_TokenMode(t *testing.T) {
	_, router := testEnv(t, "sekrit")

	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/tasks", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/tasks", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("valid token status = %d", w.Code)
	}
}
