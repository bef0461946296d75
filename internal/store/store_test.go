package store

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	s := NewWithDB(sqlx.NewDb(db, "pgx"), 6*time.Hour)
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
		_ = s.Close()
	})
	return s, mock
}

func eventColumns() []string {
	return []string{"id", "project_id", "type", "correlation_id", "idempotency_key", "payload", "created_at"}
}

func execColumns() []string {
	return []string{"execution_id", "project_id", "event_id", "status", "created_at", "updated_at"}
}

func TestAppendEvent(t *testing.T) {
	ctx := t.Context()

	t.Run("FreshWithoutKey", func(t *testing.T) {
		s, mock := newTestStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO events").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		ev := &Event{ProjectID: "acme/app", Type: "DEVTEAM_AUTOMATION"}
		stored, replayed, err := s.AppendEvent(ctx, ev)
		if err != nil {
			t.Fatal(err)
		}
		if replayed {
			t.Error("fresh event reported replayed")
		}
		if stored.ID == uuid.Nil {
			t.Error("event id not assigned")
		}
	})

	t.Run("FreshWithKey", func(t *testing.T) {
		s, mock := newTestStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT e.id").WillReturnError(sql.ErrNoRows)
		mock.ExpectExec("INSERT INTO events").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO idempotency_keys").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		key := "k1"
		_, replayed, err := s.AppendEvent(ctx, &Event{ProjectID: "acme/app", Type: "PLACEHOLDER", IdempotencyKey: &key})
		if err != nil {
			t.Fatal(err)
		}
		if replayed {
			t.Error("fresh key reported replayed")
		}
	})

	t.Run("ReplayedWithinWindow", func(t *testing.T) {
		s, mock := newTestStore(t)
		priorID := uuid.New()
		key := "k1"
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT e.id").WillReturnRows(
			sqlmock.NewRows(eventColumns()).
				AddRow(priorID.String(), "acme/app", "DEVTEAM_AUTOMATION", "", key, []byte(`{}`), time.Now().UTC()))
		mock.ExpectRollback()

		stored, replayed, err := s.AppendEvent(ctx, &Event{ProjectID: "acme/app", Type: "DEVTEAM_AUTOMATION", IdempotencyKey: &key})
		if err != nil {
			t.Fatal(err)
		}
		if !replayed {
			t.Error("duplicate key not reported replayed")
		}
		if stored.ID != priorID {
			t.Errorf("stored.ID = %s, want the prior event %s", stored.ID, priorID)
		}
	})
}

func TestCreateExecution(t *testing.T) {
	ctx := t.Context()

	t.Run("DefaultsToQueued", func(t *testing.T) {
		s, mock := newTestStore(t)
		mock.ExpectExec("INSERT INTO executions").WillReturnResult(sqlmock.NewResult(0, 1))

		ex := &Execution{ProjectID: "acme/app", EventID: uuid.New()}
		if err := s.CreateExecution(ctx, ex); err != nil {
			t.Fatal(err)
		}
		if ex.Status != StatusQueued || ex.ExecutionID == uuid.Nil {
			t.Errorf("execution = %+v", ex)
		}
	})

	t.Run("LiveSlotTaken", func(t *testing.T) {
		s, mock := newTestStore(t)
		mock.ExpectExec("INSERT INTO executions").
			WillReturnError(&pgconn.PgError{Code: "23505"})

		err := s.CreateExecution(ctx, &Execution{ProjectID: "acme/app", EventID: uuid.New()})
		if !errors.Is(err, ErrLiveExecution) {
			t.Errorf("err = %v, want ErrLiveExecution", err)
		}
	})
}

func TestUpdateExecutionStatus(t *testing.T) {
	ctx := t.Context()

	t.Run("OK", func(t *testing.T) {
		s, mock := newTestStore(t)
		mock.ExpectExec("UPDATE executions SET status").WillReturnResult(sqlmock.NewResult(0, 1))
		if err := s.UpdateExecutionStatus(ctx, uuid.New(), StatusRunning); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("Missing", func(t *testing.T) {
		s, mock := newTestStore(t)
		mock.ExpectExec("UPDATE executions SET status").WillReturnResult(sqlmock.NewResult(0, 0))
		err := s.UpdateExecutionStatus(ctx, uuid.New(), StatusRunning)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestLiveExecution(t *testing.T) {
	ctx := t.Context()

	t.Run("Found", func(t *testing.T) {
		s, mock := newTestStore(t)
		id := uuid.New()
		mock.ExpectQuery("SELECT execution_id").WillReturnRows(
			sqlmock.NewRows(execColumns()).
				AddRow(id.String(), "acme/app", uuid.NewString(), "running", time.Now().UTC(), time.Now().UTC()))
		ex, err := s.LiveExecution(ctx, "acme/app")
		if err != nil {
			t.Fatal(err)
		}
		if ex.ExecutionID != id || ex.Status != StatusRunning {
			t.Errorf("execution = %+v", ex)
		}
	})

	t.Run("NoneLive", func(t *testing.T) {
		s, mock := newTestStore(t)
		mock.ExpectQuery("SELECT execution_id").WillReturnError(sql.ErrNoRows)
		if _, err := s.LiveExecution(ctx, "acme/app"); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestLiveExecutions(t *testing.T) {
	ctx := t.Context()

	t.Run("AcrossProjects", func(t *testing.T) {
		s, mock := newTestStore(t)
		mock.ExpectQuery("SELECT execution_id").WillReturnRows(
			sqlmock.NewRows(execColumns()).
				AddRow(uuid.NewString(), "acme/app", uuid.NewString(), "running", time.Now().UTC(), time.Now().UTC()).
				AddRow(uuid.NewString(), "acme/web", uuid.NewString(), "paused", time.Now().UTC(), time.Now().UTC()))
		exs, err := s.LiveExecutions(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(exs) != 2 || exs[0].ProjectID != "acme/app" || exs[1].Status != StatusPaused {
			t.Errorf("executions = %+v", exs)
		}
	})

	t.Run("NoneLive", func(t *testing.T) {
		s, mock := newTestStore(t)
		mock.ExpectQuery("SELECT execution_id").WillReturnRows(sqlmock.NewRows(execColumns()))
		exs, err := s.LiveExecutions(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(exs) != 0 {
			t.Errorf("executions = %+v, want none", exs)
		}
	})
}

func TestContextSnapshots(t *testing.T) {
	ctx := t.Context()

	t.Run("SaveUpserts", func(t *testing.T) {
		s, mock := newTestStore(t)
		mock.ExpectExec("INSERT INTO task_contexts").WillReturnResult(sqlmock.NewResult(0, 1))
		if err := s.SaveContext(ctx, uuid.New(), []byte(`{}`)); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("LoadReturnsSnapshotTime", func(t *testing.T) {
		s, mock := newTestStore(t)
		at := time.Now().UTC().Truncate(time.Second)
		mock.ExpectQuery("SELECT updated_at, data FROM task_contexts").WillReturnRows(
			sqlmock.NewRows([]string{"updated_at", "data"}).AddRow(at, []byte(`{"a":1}`)))
		data, updatedAt, err := s.LoadContext(ctx, uuid.New())
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != `{"a":1}` || !updatedAt.Equal(at) {
			t.Errorf("data = %s, updatedAt = %s", data, updatedAt)
		}
	})

	t.Run("LoadMissing", func(t *testing.T) {
		s, mock := newTestStore(t)
		mock.ExpectQuery("SELECT updated_at, data FROM task_contexts").WillReturnError(sql.ErrNoRows)
		if _, _, err := s.LoadContext(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestPurgeExpiredKeys(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec("DELETE FROM idempotency_keys").WillReturnResult(sqlmock.NewResult(0, 3))
	n, err := s.PurgeExpiredKeys(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("n = %d, want 3", n)
	}
}
