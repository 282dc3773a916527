// Package phase drives one BuildPhase of a namespace's active Build through
// pending, processing and a terminal state.
package phase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"imagepipe/internal/store"
)

// buildStatusDuring maps a phase to the Build status while it runs.
var buildStatusDuring = map[store.PhaseName]store.BuildStatus{
	store.PhaseBuild:    store.BuildStatusBuilding,
	store.PhaseScan:     store.BuildStatusScanning,
	store.PhaseDelivery: store.BuildStatusDelivering,
}

// Machine owns one phase of one Build.
type Machine struct {
	builds store.BuildStore
	build  *store.Build
	phase  store.PhaseName
	logger *slog.Logger
}

// Bind finds the active Build of namespace and returns a Machine for its
// phase. It returns store.ErrNotFound when the namespace has no active Build.
func Bind(ctx context.Context, builds store.BuildStore, namespace string, phase store.PhaseName, log *slog.Logger) (*Machine, error) {
	build, err := builds.FindActiveBuild(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("find active build for %s: %w", namespace, err)
	}
	return &Machine{
		builds: builds,
		build:  build,
		phase:  phase,
		logger: log.With("build_id", build.ID.String(), "phase", string(phase)),
	}, nil
}

// Build returns the bound Build as it was when Bind ran.
func (m *Machine) Build() *store.Build { return m.build }

// Begin moves the phase to processing and stamps its start time. A phase
// that is already processing is left alone so a redelivered job can resume.
func (m *Machine) Begin(ctx context.Context, now time.Time) error {
	processing := store.PhaseStatusProcessing
	err := m.builds.UpdatePhase(ctx, m.build.ID, m.phase, store.PhaseUpdate{
		Status:    &processing,
		StartTime: &now,
	})
	if errors.Is(err, store.ErrInvalidTransition) {
		current, gerr := m.builds.GetPhase(ctx, m.build.ID, m.phase)
		if gerr != nil {
			return fmt.Errorf("begin %s: %w", m.phase, gerr)
		}
		if current.Status != store.PhaseStatusProcessing {
			return fmt.Errorf("begin %s from %s: %w", m.phase, current.Status, err)
		}
		m.logger.Warn("phase already processing, resuming")
		err = nil
	}
	if err != nil {
		return fmt.Errorf("begin %s: %w", m.phase, err)
	}

	status, ok := buildStatusDuring[m.phase]
	if !ok {
		return nil
	}
	update := store.BuildUpdate{Status: &status}
	if m.build.StartTime == nil {
		update.StartTime = &now
	}
	if err := m.builds.UpdateBuild(ctx, m.build.ID, update); err != nil {
		return fmt.Errorf("mark build %s: %w", status, err)
	}
	return nil
}

// RecordLog stores the phase's log path. It does not touch the status.
func (m *Machine) RecordLog(ctx context.Context, path string) error {
	if err := m.builds.UpdatePhase(ctx, m.build.ID, m.phase, store.PhaseUpdate{LogFile: &path}); err != nil {
		return fmt.Errorf("record %s log: %w", m.phase, err)
	}
	return nil
}

// Complete finishes the phase and the Build successfully.
func (m *Machine) Complete(ctx context.Context, now time.Time) error {
	return m.finish(ctx, now, store.PhaseStatusComplete, store.BuildStatusComplete)
}

// Fail finishes the phase and the Build unsuccessfully.
func (m *Machine) Fail(ctx context.Context, now time.Time) error {
	return m.finish(ctx, now, store.PhaseStatusFailed, store.BuildStatusFailed)
}

func (m *Machine) finish(ctx context.Context, now time.Time, phaseStatus store.PhaseStatus, buildStatus store.BuildStatus) error {
	if err := m.builds.UpdatePhase(ctx, m.build.ID, m.phase, store.PhaseUpdate{
		Status:  &phaseStatus,
		EndTime: &now,
	}); err != nil {
		return fmt.Errorf("mark %s %s: %w", m.phase, phaseStatus, err)
	}
	if err := m.builds.UpdateBuild(ctx, m.build.ID, store.BuildUpdate{
		Status:  &buildStatus,
		EndTime: &now,
	}); err != nil {
		return fmt.Errorf("mark build %s: %w", buildStatus, err)
	}
	m.logger.Info("phase finished", "status", string(phaseStatus))
	return nil
}
