package phase

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"imagepipe/internal/logger"
	"imagepipe/internal/store"
	"imagepipe/internal/store/memory"
)

func seedBuild(t *testing.T, s *memory.Store, namespace string) *store.Build {
	t.Helper()
	build, phases := store.NewBuild(namespace, time.Now())
	if err := s.CreateBuild(context.Background(), build, phases); err != nil {
		t.Fatalf("CreateBuild failed: %v", err)
	}
	return build
}

func bind(t *testing.T, s *memory.Store, namespace string, phase store.PhaseName) *Machine {
	t.Helper()
	m, err := Bind(context.Background(), s, namespace, phase, logger.NewWithWriter(&bytes.Buffer{}, "debug"))
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	return m
}

func TestBind_NoActiveBuild(t *testing.T) {
	_, err := Bind(context.Background(), memory.New(), "ghost", store.PhaseDelivery, logger.NewWithWriter(&bytes.Buffer{}, "info"))
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMachine_CompleteLifecycle(t *testing.T) {
	s := memory.New()
	build := seedBuild(t, s, "ns1")
	m := bind(t, s, "ns1", store.PhaseDelivery)
	ctx := context.Background()

	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	if err := m.Begin(ctx, started); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	p, _ := s.GetPhase(ctx, build.ID, store.PhaseDelivery)
	if p.Status != store.PhaseStatusProcessing || p.StartTime == nil || !p.StartTime.Equal(started) {
		t.Errorf("unexpected phase after Begin: %+v", p)
	}
	b, _ := s.GetBuild(ctx, build.ID)
	if b.Status != store.BuildStatusDelivering || b.StartTime == nil {
		t.Errorf("unexpected build after Begin: %+v", b)
	}

	if err := m.RecordLog(ctx, "/logs/delivery_logs.txt"); err != nil {
		t.Fatalf("RecordLog failed: %v", err)
	}

	ended := started.Add(time.Minute)
	if err := m.Complete(ctx, ended); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	p, _ = s.GetPhase(ctx, build.ID, store.PhaseDelivery)
	if p.Status != store.PhaseStatusComplete || p.EndTime == nil || !p.EndTime.Equal(ended) {
		t.Errorf("unexpected phase after Complete: %+v", p)
	}
	if p.LogFile != "/logs/delivery_logs.txt" {
		t.Errorf("log file not recorded: %q", p.LogFile)
	}
	b, _ = s.GetBuild(ctx, build.ID)
	if b.Status != store.BuildStatusComplete || b.EndTime == nil {
		t.Errorf("unexpected build after Complete: %+v", b)
	}
}

func TestMachine_BeginIsResumable(t *testing.T) {
	s := memory.New()
	build := seedBuild(t, s, "ns1")
	m := bind(t, s, "ns1", store.PhaseScan)
	ctx := context.Background()

	first := time.Now()
	if err := m.Begin(ctx, first); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := m.Begin(ctx, first.Add(time.Hour)); err != nil {
		t.Fatalf("second Begin failed: %v", err)
	}

	p, _ := s.GetPhase(ctx, build.ID, store.PhaseScan)
	if !p.StartTime.Equal(first) {
		t.Errorf("start_time must be written once, got %v", p.StartTime)
	}
}

func TestMachine_NeverMovesBackwards(t *testing.T) {
	s := memory.New()
	build := seedBuild(t, s, "ns1")
	ctx := context.Background()

	m := bind(t, s, "ns1", store.PhaseBuild)

	if err := m.Complete(ctx, time.Now()); !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("completing a pending phase must fail, got %v", err)
	}

	if err := m.Begin(ctx, time.Now()); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := m.Fail(ctx, time.Now()); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	p, _ := s.GetPhase(ctx, build.ID, store.PhaseBuild)
	if p.Status != store.PhaseStatusFailed {
		t.Fatalf("expected failed, got %s", p.Status)
	}
	b, _ := s.GetBuild(ctx, build.ID)
	if b.Status != store.BuildStatusFailed {
		t.Errorf("expected failed build, got %s", b.Status)
	}

	// The build is terminal now, so re-bind through the build id directly.
	m.build = b
	if err := m.Begin(ctx, time.Now()); !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("restarting a failed phase must fail, got %v", err)
	}
	p, _ = s.GetPhase(ctx, build.ID, store.PhaseBuild)
	if p.Status != store.PhaseStatusFailed {
		t.Errorf("status moved backwards to %s", p.Status)
	}
}

func TestMachine_TrackingLeavesBuildStatus(t *testing.T) {
	s := memory.New()
	build := seedBuild(t, s, "ns1")
	m := bind(t, s, "ns1", store.PhaseTracking)

	if err := m.Begin(context.Background(), time.Now()); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	b, _ := s.GetBuild(context.Background(), build.ID)
	if b.Status != store.BuildStatusPending {
		t.Errorf("tracking must not change build status, got %s", b.Status)
	}
}
