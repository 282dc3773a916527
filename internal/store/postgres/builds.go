package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"imagepipe/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const buildColumns = "id, namespace, status, start_time, end_time, created_at"

// CreateBuild inserts the build and its phase rows in one transaction.
func (s *Store) CreateBuild(ctx context.Context, build *store.Build, phases []store.BuildPhase) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO builds (id, namespace, status, start_time, end_time, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, build.ID, build.Namespace, build.Status, build.StartTime, build.EndTime, build.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert build: %w", err)
	}

	for _, p := range phases {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO build_phases (id, build_id, phase, status, log_file)
			VALUES ($1, $2, $3, $4, $5)
		`, p.ID, build.ID, p.Phase, p.Status, p.LogFile)
		if err != nil {
			return fmt.Errorf("failed to insert %s phase: %w", p.Phase, err)
		}
	}

	return tx.Commit()
}

func (s *Store) GetBuild(ctx context.Context, id uuid.UUID) (*store.Build, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+buildColumns+" FROM builds WHERE id = $1", id)
	return scanBuild(row)
}

func (s *Store) FindActiveBuild(ctx context.Context, namespace string) (*store.Build, error) {
	query := `
		SELECT ` + buildColumns + `
		FROM builds
		WHERE namespace = $1 AND status <> ALL($2)
		ORDER BY created_at DESC
		LIMIT 1
	`
	terminal := pq.Array([]string{string(store.BuildStatusComplete), string(store.BuildStatusFailed)})
	row := s.db.QueryRowContext(ctx, query, namespace, terminal)
	return scanBuild(row)
}

func scanBuild(row *sql.Row) (*store.Build, error) {
	var b store.Build
	err := row.Scan(&b.ID, &b.Namespace, &b.Status, &b.StartTime, &b.EndTime, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// UpdateBuild applies the non-nil fields of update. start_time is only
// written once.
func (s *Store) UpdateBuild(ctx context.Context, id uuid.UUID, update store.BuildUpdate) error {
	var sets []string
	var args []interface{}
	add := func(expr string, v interface{}) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}

	if update.Status != nil {
		add("status = $%d", *update.Status)
	}
	if update.StartTime != nil {
		add("start_time = COALESCE(start_time, $%d)", *update.StartTime)
	}
	if update.EndTime != nil {
		add("end_time = $%d", *update.EndTime)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE builds SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update build %s: %w", id, err)
	}
	return requireRow(res)
}

const phaseColumns = "id, build_id, phase, status, start_time, end_time, log_file"

func (s *Store) GetPhase(ctx context.Context, buildID uuid.UUID, phase store.PhaseName) (*store.BuildPhase, error) {
	var p store.BuildPhase
	err := s.db.QueryRowContext(ctx,
		"SELECT "+phaseColumns+" FROM build_phases WHERE build_id = $1 AND phase = $2",
		buildID, phase,
	).Scan(&p.ID, &p.BuildID, &p.Phase, &p.Status, &p.StartTime, &p.EndTime, &p.LogFile)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListPhases(ctx context.Context, buildID uuid.UUID) ([]store.BuildPhase, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+phaseColumns+" FROM build_phases WHERE build_id = $1",
		buildID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byName := make(map[store.PhaseName]store.BuildPhase)
	for rows.Next() {
		var p store.BuildPhase
		if err := rows.Scan(&p.ID, &p.BuildID, &p.Phase, &p.Status, &p.StartTime, &p.EndTime, &p.LogFile); err != nil {
			return nil, err
		}
		byName[p.Phase] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	phases := make([]store.BuildPhase, 0, len(byName))
	for _, name := range store.Phases {
		if p, ok := byName[name]; ok {
			phases = append(phases, p)
		}
	}
	return phases, nil
}

// UpdatePhase writes the update guarded by the allowed predecessor
// statuses, so concurrent writers can never move a phase backwards.
func (s *Store) UpdatePhase(ctx context.Context, buildID uuid.UUID, phase store.PhaseName, update store.PhaseUpdate) error {
	var sets []string
	var args []interface{}
	add := func(expr string, v interface{}) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}

	var allowed []string
	if update.Status != nil {
		next := *update.Status
		for _, from := range next.Predecessors() {
			allowed = append(allowed, string(from))
		}
		if len(allowed) == 0 {
			return fmt.Errorf("%w: cannot enter %s", store.ErrInvalidTransition, next)
		}

		add("status = $%d", next)
		if next == store.PhaseStatusProcessing && update.StartTime != nil {
			add("start_time = COALESCE(start_time, $%d)", *update.StartTime)
		}
		if next.Terminal() && update.EndTime != nil {
			add("end_time = $%d", *update.EndTime)
		}
	}
	if update.LogFile != nil {
		add("log_file = $%d", *update.LogFile)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, buildID, phase)
	where := fmt.Sprintf("build_id = $%d AND phase = $%d", len(args)-1, len(args))
	if allowed != nil {
		args = append(args, pq.Array(allowed))
		where += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}

	query := fmt.Sprintf("UPDATE build_phases SET %s WHERE %s", strings.Join(sets, ", "), where)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s phase of build %s: %w", phase, buildID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	// Nothing matched: either the phase is missing or the guard rejected it.
	current, err := s.GetPhase(ctx, buildID, phase)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, current.Status, *update.Status)
}

// Start records buildID as the namespace's in-flight build, replacing the
// previous one.
func (s *Store) Start(ctx context.Context, namespace string, buildID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inflight_builds (namespace, build_id)
		VALUES ($1, $2)
		ON CONFLICT (namespace) DO UPDATE SET build_id = EXCLUDED.build_id
	`, namespace, buildID)
	if err != nil {
		return fmt.Errorf("failed to track build %s: %w", buildID, err)
	}
	return nil
}

func (s *Store) Complete(ctx context.Context, namespace string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM inflight_builds WHERE namespace = $1", namespace)
	return err
}

func (s *Store) Active(ctx context.Context, namespace string) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := s.db.QueryRowContext(ctx, "SELECT build_id FROM inflight_builds WHERE namespace = $1", namespace).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	return id, true, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
