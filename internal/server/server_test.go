package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/devteamhq/runner/internal/queue"
	"github.com/devteamhq/runner/internal/store"
)

// fakeController scripts lifecycle transition outcomes.
type fakeController struct {
	pauseErr, resumeErr, stopErr error
}

func (f *fakeController) Pause(context.Context, string) error  { return f.pauseErr }
func (f *fakeController) Resume(context.Context, string) error { return f.resumeErr }
func (f *fakeController) Stop(context.Context, string) error   { return f.stopErr }

type testServer struct {
	srv    *Server
	router http.Handler
	mock   sqlmock.Sqlmock
	rdb    *redis.Client
	ctrl   *fakeController
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctrl := &fakeController{}
	st := store.NewWithDB(sqlx.NewDb(db, "pgx"), 6*time.Hour)
	srv := New(st, queue.New(rdb, "runner:events", "runner", "test"), ctrl, nil)
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
		_ = rdb.Close()
		_ = st.Close()
	})
	return &testServer{srv: srv, router: srv.Router(), mock: mock, rdb: rdb, ctrl: ctrl}
}

func (ts *testServer) do(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return m
}

func execRow(id uuid.UUID, status store.ExecStatus) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"execution_id", "project_id", "event_id", "status", "created_at", "updated_at"}).
		AddRow(id.String(), "acme/app", uuid.NewString(), string(status), time.Now().UTC(), time.Now().UTC())
}

func TestHandleEvent(t *testing.T) {
	const eventBody = `{"id":"evt-1","type":"DEVTEAM_AUTOMATION","project_id":"acme/app",
		"repo_url":"https://github.com/acme/app.git","task":{"id":"1.1.1","title":"Add flag"}}`

	t.Run("MalformedJSON", func(t *testing.T) {
		ts := newTestServer(t)
		w := ts.do(t, http.MethodPost, "/events", "{not json", nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})

	t.Run("ValidationFailure", func(t *testing.T) {
		ts := newTestServer(t)
		w := ts.do(t, http.MethodPost, "/events", `{"type":"DEVTEAM_AUTOMATION"}`, nil)
		if w.Code != http.StatusUnprocessableEntity {
			t.Errorf("status = %d, want 422", w.Code)
		}
		body := decodeBody(t, w)
		errObj := body["error"].(map[string]any)
		if errObj["code"] != "VALIDATION_ERROR" {
			t.Errorf("body = %v", body)
		}
		// Details nest inside the error object, not beside it.
		if _, ok := errObj["details"].(map[string]any); !ok {
			t.Errorf("error.details missing: %v", body)
		}
		if _, stray := body["details"]; stray {
			t.Errorf("details leaked to the top level: %v", body)
		}
	})

	t.Run("PlaceholderStoresWithoutExecution", func(t *testing.T) {
		ts := newTestServer(t)
		ts.mock.ExpectBegin()
		ts.mock.ExpectExec("INSERT INTO events").WillReturnResult(sqlmock.NewResult(0, 1))
		ts.mock.ExpectCommit()

		w := ts.do(t, http.MethodPost, "/events", `{"id":"evt-2","type":"PLACEHOLDER"}`, nil)
		if w.Code != http.StatusAccepted {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body)
		}
		body := decodeBody(t, w)
		if body["status"] != "accepted" || body["event_type"] != "PLACEHOLDER" {
			t.Errorf("body = %v", body)
		}
		if n, _ := ts.rdb.XLen(context.Background(), "runner:events").Result(); n != 0 {
			t.Errorf("placeholder event was enqueued")
		}
	})

	t.Run("AutomationEnqueues", func(t *testing.T) {
		ts := newTestServer(t)
		ts.mock.ExpectBegin()
		ts.mock.ExpectExec("INSERT INTO events").WillReturnResult(sqlmock.NewResult(0, 1))
		ts.mock.ExpectCommit()
		ts.mock.ExpectExec("INSERT INTO executions").WillReturnResult(sqlmock.NewResult(0, 1))

		w := ts.do(t, http.MethodPost, "/events", eventBody, nil)
		if w.Code != http.StatusAccepted {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body)
		}
		body := decodeBody(t, w)
		if body["task_id"] != "1.1.1" || body["event_id"] == "" {
			t.Errorf("body = %v", body)
		}
		if n, _ := ts.rdb.XLen(context.Background(), "runner:events").Result(); n != 1 {
			t.Errorf("stream length = %d, want 1", n)
		}
	})

	t.Run("LiveExecutionConflict", func(t *testing.T) {
		ts := newTestServer(t)
		ts.mock.ExpectBegin()
		ts.mock.ExpectExec("INSERT INTO events").WillReturnResult(sqlmock.NewResult(0, 1))
		ts.mock.ExpectCommit()
		ts.mock.ExpectExec("INSERT INTO executions").WillReturnError(&pgconn.PgError{Code: "23505"})

		w := ts.do(t, http.MethodPost, "/events", eventBody, nil)
		if w.Code != http.StatusConflict {
			t.Errorf("status = %d, want 409", w.Code)
		}
	})

	t.Run("IdempotentReplay", func(t *testing.T) {
		ts := newTestServer(t)
		priorID := uuid.New()
		ts.mock.ExpectBegin()
		ts.mock.ExpectQuery("SELECT e.id").WillReturnRows(
			sqlmock.NewRows([]string{"id", "project_id", "type", "correlation_id", "idempotency_key", "payload", "created_at"}).
				AddRow(priorID.String(), "acme/app", "DEVTEAM_AUTOMATION", "", "k1", []byte(`{}`), time.Now().UTC()))
		ts.mock.ExpectRollback()

		w := ts.do(t, http.MethodPost, "/events", eventBody, map[string]string{"Idempotency-Key": "k1"})
		if w.Code != http.StatusAccepted {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body)
		}
		if body := decodeBody(t, w); body["event_id"] != priorID.String() {
			t.Errorf("event_id = %v, want the prior event", body["event_id"])
		}
		if n, _ := ts.rdb.XLen(context.Background(), "runner:events").Result(); n != 0 {
			t.Error("replayed event was enqueued again")
		}
	})
}

func TestHandleInitialize(t *testing.T) {
	const body = `{"projectId":"acme/app","repoUrl":"https://github.com/acme/app.git"}`

	t.Run("Accepted", func(t *testing.T) {
		ts := newTestServer(t)
		ts.mock.ExpectBegin()
		ts.mock.ExpectExec("INSERT INTO events").WillReturnResult(sqlmock.NewResult(0, 1))
		ts.mock.ExpectCommit()
		ts.mock.ExpectExec("INSERT INTO executions").WillReturnResult(sqlmock.NewResult(0, 1))

		w := ts.do(t, http.MethodPost, "/api/devteam/automation/initialize", body, nil)
		if w.Code != http.StatusAccepted {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body)
		}
		resp := decodeBody(t, w)
		if resp["executionId"] == "" || resp["eventId"] == "" {
			t.Errorf("body = %v", resp)
		}
	})

	t.Run("ReplayReturnsOriginalExecution", func(t *testing.T) {
		ts := newTestServer(t)
		priorEvent := uuid.New()
		execID := uuid.New()
		ts.mock.ExpectBegin()
		ts.mock.ExpectQuery("SELECT e.id").WillReturnRows(
			sqlmock.NewRows([]string{"id", "project_id", "type", "correlation_id", "idempotency_key", "payload", "created_at"}).
				AddRow(priorEvent.String(), "acme/app", "DEVTEAM_AUTOMATION", "", "k1", []byte(`{}`), time.Now().UTC()))
		ts.mock.ExpectRollback()
		ts.mock.ExpectQuery("SELECT execution_id").WillReturnRows(execRow(execID, store.StatusRunning))

		w := ts.do(t, http.MethodPost, "/api/devteam/automation/initialize", body,
			map[string]string{"Idempotency-Key": "k1"})
		if w.Code != http.StatusAccepted {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body)
		}
		resp := decodeBody(t, w)
		if resp["executionId"] != execID.String() || resp["eventId"] != priorEvent.String() {
			t.Errorf("body = %v", resp)
		}
	})

	t.Run("MissingRepoURL", func(t *testing.T) {
		ts := newTestServer(t)
		w := ts.do(t, http.MethodPost, "/api/devteam/automation/initialize", `{"projectId":"acme/app"}`, nil)
		if w.Code != http.StatusUnprocessableEntity {
			t.Errorf("status = %d, want 422", w.Code)
		}
	})
}

func TestStatus(t *testing.T) {
	t.Run("NoExecutions", func(t *testing.T) {
		ts := newTestServer(t)
		ts.mock.ExpectQuery("SELECT execution_id").WillReturnError(sql.ErrNoRows) // live
		ts.mock.ExpectQuery("SELECT execution_id").WillReturnError(sql.ErrNoRows) // latest

		w := ts.do(t, http.MethodGet, "/api/devteam/automation/status/acme/app", "", nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})

	t.Run("QueuedWithoutContext", func(t *testing.T) {
		ts := newTestServer(t)
		id := uuid.New()
		ts.mock.ExpectQuery("SELECT execution_id").WillReturnRows(execRow(id, store.StatusQueued))
		ts.mock.ExpectQuery("SELECT updated_at, data FROM task_contexts").WillReturnError(sql.ErrNoRows)

		w := ts.do(t, http.MethodGet, "/api/devteam/automation/status/acme/app", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body)
		}
		body := decodeBody(t, w)
		if body["executionId"] != id.String() || body["status"] != "queued" {
			t.Errorf("body = %v", body)
		}
		if body["progress"] != float64(0) {
			t.Errorf("progress = %v", body["progress"])
		}
	})

	t.Run("DerivedFromContext", func(t *testing.T) {
		ts := newTestServer(t)
		id := uuid.New()
		tcJSON := `{"metadata":{"projectId":"acme/app","executionId":"` + id.String() + `",
			"taskId":"1.1.2","branch":"task/1.1.2-fix","completedTasks":1,"totalTasks":4}}`
		ts.mock.ExpectQuery("SELECT execution_id").WillReturnRows(execRow(id, store.StatusRunning))
		ts.mock.ExpectQuery("SELECT updated_at, data FROM task_contexts").WillReturnRows(
			sqlmock.NewRows([]string{"updated_at", "data"}).AddRow(time.Now().UTC(), []byte(tcJSON)))

		w := ts.do(t, http.MethodGet, "/api/devteam/automation/status/acme/app", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body)
		}
		body := decodeBody(t, w)
		if body["progress"] != 25.0 || body["currentTask"] != "1.1.2" || body["branch"] != "task/1.1.2-fix" {
			t.Errorf("body = %v", body)
		}
	})
}

func TestTransitions(t *testing.T) {
	t.Run("PauseOK", func(t *testing.T) {
		ts := newTestServer(t)
		w := ts.do(t, http.MethodPost, "/api/devteam/automation/pause/acme/app", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body)
		}
		if body := decodeBody(t, w); body["status"] != "paused" {
			t.Errorf("body = %v", body)
		}
	})

	t.Run("ResumeOK", func(t *testing.T) {
		ts := newTestServer(t)
		w := ts.do(t, http.MethodPost, "/api/devteam/automation/resume/acme/app", "", nil)
		if body := decodeBody(t, w); w.Code != http.StatusOK || body["status"] != "running" {
			t.Errorf("code = %d, body = %v", w.Code, body)
		}
	})

	t.Run("StopOK", func(t *testing.T) {
		ts := newTestServer(t)
		w := ts.do(t, http.MethodPost, "/api/devteam/automation/stop/acme/app", "", nil)
		if body := decodeBody(t, w); w.Code != http.StatusOK || body["status"] != "stopped" {
			t.Errorf("code = %d, body = %v", w.Code, body)
		}
	})

	t.Run("NoLiveExecution", func(t *testing.T) {
		ts := newTestServer(t)
		ts.ctrl.pauseErr = store.ErrNotFound
		w := ts.do(t, http.MethodPost, "/api/devteam/automation/pause/acme/app", "", nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})

	t.Run("IllegalTransition", func(t *testing.T) {
		ts := newTestServer(t)
		ts.ctrl.resumeErr = store.ErrIllegalTransition
		w := ts.do(t, http.MethodPost, "/api/devteam/automation/resume/acme/app", "", nil)
		if w.Code != http.StatusConflict {
			t.Errorf("status = %d, want 409", w.Code)
		}
		body := decodeBody(t, w)
		if body["error"].(map[string]any)["code"] != "CONFLICT" {
			t.Errorf("body = %v", body)
		}
	})
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
	if body := decodeBody(t, w); body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}
