package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"imagepipe/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func TestCreateBuild_InsertsPhases(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	b, phases := store.NewBuild("ns1", time.Now())

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO builds`).
		WithArgs(b.ID, "ns1", "pending", nil, nil, b.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	for _, p := range phases {
		mock.ExpectExec(`INSERT INTO build_phases`).
			WithArgs(p.ID, b.ID, string(p.Phase), "pending", "").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	if err := s.CreateBuild(context.Background(), b, phases); err != nil {
		t.Fatalf("CreateBuild failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestFindActiveBuild_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectQuery(`SELECT id, namespace, status, start_time, end_time, created_at FROM builds`).
		WithArgs("ns1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "namespace", "status", "start_time", "end_time", "created_at"}))

	_, err := s.FindActiveBuild(context.Background(), "ns1")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFindActiveBuild_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	id := uuid.New()
	created := time.Now()

	mock.ExpectQuery(`FROM builds WHERE namespace`).
		WithArgs("ns1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "namespace", "status", "start_time", "end_time", "created_at"}).
			AddRow(id.String(), "ns1", "delivering", created, nil, created))

	b, err := s.FindActiveBuild(context.Background(), "ns1")
	if err != nil {
		t.Fatalf("FindActiveBuild failed: %v", err)
	}
	if b.ID != id || b.Status != store.BuildStatusDelivering {
		t.Errorf("unexpected build: %+v", b)
	}
	if b.StartTime == nil || b.EndTime != nil {
		t.Errorf("unexpected timestamps: start=%v end=%v", b.StartTime, b.EndTime)
	}
}

func TestUpdatePhase_GuardedBegin(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	buildID := uuid.New()
	now := time.Now()
	processing := store.PhaseStatusProcessing

	mock.ExpectExec(`UPDATE build_phases SET status = \$1, start_time = COALESCE\(start_time, \$2\) WHERE build_id = \$3 AND phase = \$4 AND status = ANY\(\$5\)`).
		WithArgs("processing", now, buildID, "delivery", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpdatePhase(context.Background(), buildID, store.PhaseDelivery, store.PhaseUpdate{
		Status:    &processing,
		StartTime: &now,
		EndTime:   &now,
	})
	if err != nil {
		t.Fatalf("UpdatePhase failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestUpdatePhase_RejectedByGuard(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	buildID := uuid.New()
	now := time.Now()
	complete := store.PhaseStatusComplete

	mock.ExpectExec(`UPDATE build_phases SET status`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT id, build_id, phase, status, start_time, end_time, log_file FROM build_phases`).
		WithArgs(buildID, "delivery").
		WillReturnRows(sqlmock.NewRows([]string{"id", "build_id", "phase", "status", "start_time", "end_time", "log_file"}).
			AddRow(uuid.New().String(), buildID.String(), "delivery", "pending", nil, nil, ""))

	err := s.UpdatePhase(context.Background(), buildID, store.PhaseDelivery, store.PhaseUpdate{
		Status:  &complete,
		EndTime: &now,
	})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestUpdatePhase_BackToPendingNeverIssued(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	pending := store.PhaseStatusPending
	err := s.UpdatePhase(context.Background(), uuid.New(), store.PhaseBuild, store.PhaseUpdate{Status: &pending})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected queries: %v", err)
	}
}

func TestUpdatePhase_LogFileOnly(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	buildID := uuid.New()
	path := "/srv/logs/ns1/delivery_logs.txt"

	mock.ExpectExec(`UPDATE build_phases SET log_file = \$1 WHERE build_id = \$2 AND phase = \$3$`).
		WithArgs(path, buildID, "delivery").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.UpdatePhase(context.Background(), buildID, store.PhaseDelivery, store.PhaseUpdate{LogFile: &path}); err != nil {
		t.Fatalf("UpdatePhase failed: %v", err)
	}
}

func TestUpdateBuild_Complete(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	id := uuid.New()
	now := time.Now()
	status := store.BuildStatusComplete

	mock.ExpectExec(`UPDATE builds SET status = \$1, end_time = \$2 WHERE id = \$3`).
		WithArgs("complete", now, id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.UpdateBuild(context.Background(), id, store.BuildUpdate{Status: &status, EndTime: &now}); err != nil {
		t.Fatalf("UpdateBuild failed: %v", err)
	}
}

func TestUpdateBuild_Missing(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	status := store.BuildStatusFailed
	mock.ExpectExec(`UPDATE builds`).WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateBuild(context.Background(), uuid.New(), store.BuildUpdate{Status: &status})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTracker_StartSupersedes(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	id := uuid.New()
	mock.ExpectExec(`INSERT INTO inflight_builds \(namespace, build_id\) VALUES \(\$1, \$2\) ON CONFLICT \(namespace\) DO UPDATE SET build_id = EXCLUDED.build_id$`).
		WithArgs("ns1", id.String()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Start(context.Background(), "ns1", id); err != nil {
		t.Errorf("Start failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestTracker_StartError(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectExec(`INSERT INTO inflight_builds`).
		WillReturnError(errors.New("connection refused"))

	if err := s.Start(context.Background(), "ns1", uuid.New()); err == nil || !strings.Contains(err.Error(), "failed to track build") {
		t.Errorf("expected wrapped error, got %v", err)
	}
}

func TestTracker_ActiveAndComplete(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	id := uuid.New()
	mock.ExpectQuery(`SELECT build_id FROM inflight_builds`).
		WithArgs("ns1").
		WillReturnRows(sqlmock.NewRows([]string{"build_id"}).AddRow(id.String()))
	mock.ExpectExec(`DELETE FROM inflight_builds`).
		WithArgs("ns1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT build_id FROM inflight_builds`).
		WithArgs("ns1").
		WillReturnRows(sqlmock.NewRows([]string{"build_id"}))

	ctx := context.Background()
	got, ok, err := s.Active(ctx, "ns1")
	if err != nil || !ok || got != id {
		t.Fatalf("Active = %v, %v, %v", got, ok, err)
	}
	if err := s.Complete(ctx, "ns1"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if _, ok, err := s.Active(ctx, "ns1"); err != nil || ok {
		t.Errorf("expected idle namespace, got ok=%v err=%v", ok, err)
	}
}
